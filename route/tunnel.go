package route

import (
	"context"
	"sync"

	"github.com/sagernet/sing-expose/adapter"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/protocol/message"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/gofrs/uuid/v5"
)

type tunnel struct {
	connection adapter.ControlConnection
	metadata   adapter.TunnelMetadata
	done       chan struct{}
	closeOnce  sync.Once

	access  sync.Mutex
	pending map[string]chan *message.Response
}

func newTunnel(connection adapter.ControlConnection, metadata adapter.TunnelMetadata) *tunnel {
	return &tunnel{
		connection: connection,
		metadata:   metadata,
		done:       make(chan struct{}),
		pending:    make(map[string]chan *message.Response),
	}
}

func (t *tunnel) close() {
	t.closeOnce.Do(func() {
		close(t.done)
	})
}

func (t *tunnel) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *tunnel) complete(response *message.Response) bool {
	t.access.Lock()
	waiter, loaded := t.pending[response.RequestID]
	delete(t.pending, response.RequestID)
	t.access.Unlock()
	if !loaded {
		return false
	}
	waiter <- response
	return true
}

// RoundTrip forwards request over the tunnel for key and waits for the
// matching response.
func (r *Router) RoundTrip(ctx context.Context, key string, request *message.Request) (*message.Response, error) {
	entry := r.lookup(key)
	if entry == nil {
		return nil, C.ErrTunnelNotFound
	}
	if request.RequestID == "" {
		request.RequestID = uuid.Must(uuid.NewV4()).String()
	}
	waiter := make(chan *message.Response, 1)
	entry.access.Lock()
	entry.pending[request.RequestID] = waiter
	entry.access.Unlock()
	defer func() {
		entry.access.Lock()
		delete(entry.pending, request.RequestID)
		entry.access.Unlock()
	}()
	err := entry.connection.WriteMessage(ctx, request)
	if err != nil {
		return nil, E.Cause(err, "forward request")
	}
	select {
	case response := <-waiter:
		return response, nil
	case <-entry.done:
		return nil, C.ErrTunnelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
