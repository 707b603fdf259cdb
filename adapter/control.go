package adapter

import (
	"context"
	"time"

	"github.com/sagernet/sing-expose/protocol/message"
)

// ControlConnection is the server side of one tunnel client's control
// channel. Writes are delivered to the peer in call order.
type ControlConnection interface {
	ID() string
	Context() context.Context
	WriteMessage(ctx context.Context, message message.Message) error
	// Close ends the connection with a WebSocket status code and reason.
	Close(code int, reason string) error
}

type TunnelMetadata struct {
	Key            string
	Protocol       string
	URL            string
	Port           uint16
	OrganizationID string
	UserID         string
	Plan           string
	TunnelID       string
	CreatedAt      time.Time
}
