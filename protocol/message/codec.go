package message

import (
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
)

type typeField struct {
	Type string `json:"type"`
}

// Encode renders message as a single compact text frame with the type tag
// spliced in as the first member.
func Encode(message Message) ([]byte, error) {
	if message == nil {
		return nil, E.New("encode nil message")
	}
	content, err := json.Marshal(message)
	if err != nil {
		return nil, E.Cause(err, "encode ", message.Type())
	}
	if len(content) < 2 || content[0] != '{' {
		return nil, E.New("encode ", message.Type(), ": not an object")
	}
	tag, err := json.Marshal(message.Type())
	if err != nil {
		return nil, E.Cause(err, "encode ", message.Type())
	}
	frame := make([]byte, 0, len(content)+len(tag)+8)
	frame = append(frame, `{"type":`...)
	frame = append(frame, tag...)
	if len(content) > 2 {
		frame = append(frame, ',')
	}
	return append(frame, content[1:]...), nil
}

// Decode parses one frame. Errors never invalidate the connection the frame
// arrived on; callers log and drop the frame.
func Decode(frame []byte) (Message, error) {
	var tag typeField
	err := json.Unmarshal(frame, &tag)
	if err != nil {
		return nil, E.Cause(err, "decode frame")
	}
	if tag.Type == "" {
		return nil, ErrMissingType
	}
	message := newMessage(tag.Type)
	if message == nil {
		return nil, E.Cause(ErrUnknownType, tag.Type)
	}
	err = json.Unmarshal(frame, message)
	if err != nil {
		return nil, E.Cause(err, "decode ", tag.Type)
	}
	err = message.validate()
	if err != nil {
		return nil, E.Cause(err, "invalid ", tag.Type)
	}
	return message, nil
}
