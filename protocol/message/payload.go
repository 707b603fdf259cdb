package message

import (
	"encoding/base64"
	"net/http"

	"github.com/sagernet/sing/common/json"
)

// Payload is raw bytes carried as a standard base64 string. An empty or
// absent string decodes to a zero-length payload.
type Payload []byte

func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(p))
}

func (p *Payload) UnmarshalJSON(content []byte) error {
	var encoded *string
	err := json.Unmarshal(content, &encoded)
	if err != nil {
		return err
	}
	if encoded == nil || *encoded == "" {
		*p = Payload{}
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(*encoded)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}

// Headers holds HTTP headers. Single values are written as strings and
// repeated values as arrays; both forms are accepted when reading.
type Headers map[string][]string

func HeadersFrom(header http.Header) Headers {
	headers := make(Headers, len(header))
	for name, values := range header {
		headers[name] = append([]string(nil), values...)
	}
	return headers
}

func (h Headers) Apply(header http.Header) {
	for name, values := range h {
		for _, value := range values {
			header.Add(name, value)
		}
	}
}

func (h Headers) MarshalJSON() ([]byte, error) {
	object := make(map[string]any, len(h))
	for name, values := range h {
		if len(values) == 1 {
			object[name] = values[0]
		} else {
			object[name] = values
		}
	}
	return json.Marshal(object)
}

func (h *Headers) UnmarshalJSON(content []byte) error {
	var object map[string]json.RawMessage
	err := json.Unmarshal(content, &object)
	if err != nil {
		return err
	}
	headers := make(Headers, len(object))
	for name, raw := range object {
		var single string
		if json.Unmarshal(raw, &single) == nil {
			headers[name] = []string{single}
			continue
		}
		var multiple []string
		err = json.Unmarshal(raw, &multiple)
		if err != nil {
			return err
		}
		headers[name] = multiple
	}
	*h = headers
	return nil
}
