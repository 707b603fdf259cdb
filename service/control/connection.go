package control

import (
	"context"
	"sync/atomic"

	"github.com/sagernet/sing-expose/adapter"
	"github.com/sagernet/sing-expose/protocol/message"

	"github.com/coder/websocket"
)

type State uint32

const (
	StateConnected State = iota
	StateAuthenticating
	StateNegotiating
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var _ adapter.ControlConnection = (*connection)(nil)

// connection is one control connection. Everything except state and the
// websocket itself is only touched by the goroutine serving it.
type connection struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
	state  atomic.Uint32

	key            string
	protocol       string
	authenticated  bool
	organizationID string
	userID         string
	bandwidthLimit int64
	plan           string
	tunnelID       string
	tcp            bool
	udp            bool
}

func (c *connection) ID() string {
	return c.id
}

func (c *connection) Context() context.Context {
	return c.ctx
}

func (c *connection) State() State {
	return State(c.state.Load())
}

func (c *connection) setState(state State) {
	c.state.Store(uint32(state))
}

func (c *connection) WriteMessage(ctx context.Context, frame message.Message) error {
	content, err := message.Encode(frame)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, content)
}

func (c *connection) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}
