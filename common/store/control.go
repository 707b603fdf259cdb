package store

import (
	"context"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"

	"github.com/redis/go-redis/v9"
)

const (
	ActionEvict = "evict"
	ActionStop  = "stop"
)

// ControlEvent asks whichever instance holds Owner's connection to close it.
type ControlEvent struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Owner  string `json:"owner"`
}

func (s *Store) PublishControl(ctx context.Context, event ControlEvent) error {
	content, err := json.Marshal(event)
	if err != nil {
		return err
	}
	err = s.client.Publish(ctx, controlChannel, content).Err()
	if err != nil {
		return E.Cause(err, "publish ", event.Action, " for ", event.Key)
	}
	return nil
}

// SubscribeControl delivers control events until ctx is done. The returned
// channel is closed afterwards.
func (s *Store) SubscribeControl(ctx context.Context) (<-chan ControlEvent, error) {
	pubsub := s.client.Subscribe(ctx, controlChannel)
	_, err := pubsub.Receive(ctx)
	if err != nil {
		pubsub.Close()
		return nil, E.Cause(err, "subscribe control channel")
	}
	events := make(chan ControlEvent, 16)
	go func() {
		defer close(events)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, loaded := <-messages:
				if !loaded {
					return
				}
				var event ControlEvent
				if json.Unmarshal([]byte(message.Payload), &event) != nil {
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

func isNil(err error) bool {
	return err == redis.Nil
}
