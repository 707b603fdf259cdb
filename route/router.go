package route

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sagernet/sing-expose/adapter"
	"github.com/sagernet/sing-expose/common/store"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/protocol/message"
	E "github.com/sagernet/sing/common/exceptions"
)

// Router maps routing keys to the control connections that own them. The
// authoritative reservation lives in the shared store; the router keeps the
// local view needed to deliver frames.
type Router struct {
	ctx               context.Context
	cancel            context.CancelFunc
	logger            log.ContextLogger
	store             *store.Store
	tracker           adapter.Tracker
	heartbeatInterval time.Duration
	done              sync.WaitGroup

	access       sync.RWMutex
	reservations map[string]adapter.ControlConnection
	tunnels      map[string]*tunnel
}

type Options struct {
	Logger            log.ContextLogger
	Store             *store.Store
	Tracker           adapter.Tracker
	HeartbeatInterval time.Duration
}

func NewRouter(ctx context.Context, options Options) *Router {
	ctx, cancel := context.WithCancel(ctx)
	heartbeatInterval := options.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = C.HeartbeatInterval
	}
	return &Router{
		ctx:               ctx,
		cancel:            cancel,
		logger:            options.Logger,
		store:             options.Store,
		tracker:           adapter.TrackerOrNop(options.Tracker),
		heartbeatInterval: heartbeatInterval,
		reservations:      make(map[string]adapter.ControlConnection),
		tunnels:           make(map[string]*tunnel),
	}
}

func (r *Router) Start() error {
	events, err := r.store.SubscribeControl(r.ctx)
	if err != nil {
		return err
	}
	r.done.Add(2)
	go r.loopHeartbeat()
	go r.loopControl(events)
	return nil
}

func (r *Router) Close() error {
	r.cancel()
	r.done.Wait()
	return nil
}

// Store exposes the shared store for compensating writes.
func (r *Router) Store() *store.Store {
	return r.store
}

// ReserveTunnel atomically claims key for owner. With force set, any other
// owner is evicted and its connection closed.
func (r *Router) ReserveTunnel(ctx context.Context, key string, owner adapter.ControlConnection, force bool) (bool, error) {
	var previous string
	if force {
		var err error
		previous, err = r.store.Takeover(ctx, key, owner.ID())
		if err != nil {
			return false, err
		}
	} else {
		reserved, err := r.store.Reserve(ctx, key, owner.ID())
		if err != nil {
			return false, err
		}
		if !reserved {
			current, err := r.store.Owner(ctx, key)
			if err != nil || current != owner.ID() {
				return false, err
			}
		}
	}
	r.access.Lock()
	stale := r.reservations[key]
	r.reservations[key] = owner
	var evicted *tunnel
	if stale != nil && stale != owner {
		evicted = r.removeLocked(key, stale)
	}
	r.access.Unlock()
	if stale != nil && stale != owner {
		r.logger.InfoContext(owner.Context(), "routing key ", key, " taken over from connection ", stale.ID())
		if evicted != nil {
			r.tracker.Tunnel(evicted.metadata.Protocol, -1)
		}
		go evict(stale, evicted)
	} else if previous != "" && previous != owner.ID() {
		r.logger.InfoContext(owner.Context(), "routing key ", key, " taken over from remote connection ", previous)
		err := r.store.PublishControl(ctx, store.ControlEvent{Action: store.ActionEvict, Key: key, Owner: previous})
		if err != nil {
			r.logger.WarnContext(owner.Context(), "notify previous owner of ", key, ": ", err)
		}
	}
	return true, nil
}

// RegisterTunnel makes a reserved key routable. It fails if connection lost
// the reservation in the meantime.
func (r *Router) RegisterTunnel(ctx context.Context, key string, connection adapter.ControlConnection, metadata adapter.TunnelMetadata) (bool, error) {
	if !r.holds(key, connection) {
		return false, nil
	}
	marked, err := r.store.MarkOnline(ctx, key, store.Presence{
		ConnectionID:   connection.ID(),
		OrganizationID: metadata.OrganizationID,
		Protocol:       metadata.Protocol,
		Port:           metadata.Port,
	})
	if err != nil || !marked {
		return false, err
	}
	metadata.Key = key
	if metadata.CreatedAt.IsZero() {
		metadata.CreatedAt = time.Now()
	}
	r.access.Lock()
	if r.reservations[key] != connection {
		r.access.Unlock()
		return false, nil
	}
	r.tunnels[key] = newTunnel(connection, metadata)
	r.access.Unlock()
	r.tracker.Tunnel(metadata.Protocol, 1)
	r.logger.InfoContext(connection.Context(), "tunnel ", key, " registered")
	return true, nil
}

// UnregisterTunnel releases everything connection holds for key. Calling it
// again, or after the key moved to another owner, is a no-op.
func (r *Router) UnregisterTunnel(ctx context.Context, key string, connection adapter.ControlConnection) error {
	r.access.Lock()
	var organizationID string
	removed := r.removeLocked(key, connection)
	if removed != nil {
		organizationID = removed.metadata.OrganizationID
	}
	r.access.Unlock()
	if removed != nil {
		removed.close()
		r.tracker.Tunnel(removed.metadata.Protocol, -1)
		r.logger.InfoContext(connection.Context(), "tunnel ", key, " unregistered")
	}
	return r.store.Unregister(ctx, key, connection.ID(), organizationID)
}

func (r *Router) removeLocked(key string, connection adapter.ControlConnection) *tunnel {
	if r.reservations[key] == connection {
		delete(r.reservations, key)
	}
	entry := r.tunnels[key]
	if entry == nil || entry.connection != connection {
		return nil
	}
	delete(r.tunnels, key)
	return entry
}

func (r *Router) holds(key string, connection adapter.ControlConnection) bool {
	r.access.RLock()
	defer r.access.RUnlock()
	return r.reservations[key] == connection
}

func (r *Router) lookup(key string) *tunnel {
	r.access.RLock()
	defer r.access.RUnlock()
	return r.tunnels[key]
}

// HandleMessage delivers a data-plane frame for key. Responses complete the
// matching pending request; server-to-client frames are written to the
// owning connection. Frames for a key without an owner are dropped.
func (r *Router) HandleMessage(ctx context.Context, key string, frame message.Message) error {
	entry := r.lookup(key)
	if entry == nil {
		r.logger.TraceContext(ctx, "drop ", frame.Type(), " for offline tunnel ", key)
		return nil
	}
	switch frame := frame.(type) {
	case *message.Response:
		if !entry.complete(frame) {
			r.logger.DebugContext(ctx, "drop response for unknown request ", frame.RequestID)
		}
		return nil
	case *message.Request, *message.Error, *message.TCPConnection, *message.TCPData, *message.TCPClose, *message.UDPData, *message.Ping:
		err := entry.connection.WriteMessage(ctx, frame)
		if err != nil && (E.IsClosedOrCanceled(err) || entry.isClosed()) {
			return nil
		}
		return err
	case *message.Hello, *message.OpenTunnel, *message.TunnelOpened, *message.UDPResponse, *message.Pong:
		r.logger.DebugContext(ctx, "ignore ", frame.Type(), " routed to tunnel ", key)
		return nil
	default:
		return E.New("unexpected message type: ", frame.Type())
	}
}

func (r *Router) Lookup(key string) (adapter.TunnelMetadata, bool) {
	entry := r.lookup(key)
	if entry == nil {
		return adapter.TunnelMetadata{}, false
	}
	return entry.metadata, true
}

func (r *Router) Tunnels() []adapter.TunnelMetadata {
	r.access.RLock()
	tunnels := make([]adapter.TunnelMetadata, 0, len(r.tunnels))
	for _, entry := range r.tunnels {
		tunnels = append(tunnels, entry.metadata)
	}
	r.access.RUnlock()
	sort.Slice(tunnels, func(i, j int) bool {
		return tunnels[i].Key < tunnels[j].Key
	})
	return tunnels
}

// Stop closes the tunnel for key on behalf of an operator, wherever its
// connection is held.
func (r *Router) Stop(ctx context.Context, key string) error {
	entry := r.lookup(key)
	if entry != nil {
		r.logger.InfoContext(entry.connection.Context(), "stopping tunnel ", key)
		return entry.connection.Close(1000, C.CloseReasonStopped)
	}
	owner, err := r.store.Owner(ctx, key)
	if err != nil {
		return err
	}
	if owner == "" {
		return C.ErrTunnelNotFound
	}
	return r.store.PublishControl(ctx, store.ControlEvent{Action: store.ActionStop, Key: key, Owner: owner})
}

func evict(connection adapter.ControlConnection, entry *tunnel) {
	if entry != nil {
		entry.close()
	}
	ctx, cancel := context.WithTimeout(connection.Context(), C.WriteTimeout)
	defer cancel()
	connection.WriteMessage(ctx, &message.Error{
		Code:    C.ErrorSubdomainInUse,
		Message: "Tunnel taken over by another client",
	})
	connection.Close(C.CloseCodeTakenOver, C.CloseReasonTakenOver)
}
