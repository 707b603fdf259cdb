package route

import (
	"context"
	"time"

	"github.com/sagernet/sing-expose/adapter"
	"github.com/sagernet/sing-expose/common/store"
	C "github.com/sagernet/sing-expose/constant"
)

func (r *Router) loopHeartbeat() {
	defer r.done.Done()
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.refresh()
		}
	}
}

// refresh extends presence of every local tunnel. A tunnel whose
// reservation expired is reclaimed when the key is free and closed when
// another owner holds it.
func (r *Router) refresh() {
	for _, entry := range r.snapshot() {
		ctx, cancel := context.WithTimeout(r.ctx, C.WriteTimeout)
		key := entry.metadata.Key
		refreshed, err := r.store.Refresh(ctx, key, entry.connection.ID(), entry.metadata.OrganizationID)
		if err != nil {
			cancel()
			r.logger.WarnContext(entry.connection.Context(), "heartbeat ", key, ": ", err)
			continue
		}
		if !refreshed {
			r.reclaim(ctx, entry)
		}
		cancel()
	}
}

func (r *Router) reclaim(ctx context.Context, entry *tunnel) {
	key := entry.metadata.Key
	reserved, err := r.store.Reserve(ctx, key, entry.connection.ID())
	if err == nil && reserved {
		_, err = r.store.MarkOnline(ctx, key, store.Presence{
			ConnectionID:   entry.connection.ID(),
			OrganizationID: entry.metadata.OrganizationID,
			Protocol:       entry.metadata.Protocol,
			Port:           entry.metadata.Port,
			Since:          entry.metadata.CreatedAt,
		})
		if err == nil {
			r.logger.WarnContext(entry.connection.Context(), "reservation for ", key, " expired and was reclaimed")
			return
		}
	}
	if err != nil {
		r.logger.WarnContext(entry.connection.Context(), "reclaim ", key, ": ", err)
		return
	}
	r.logger.WarnContext(entry.connection.Context(), "reservation for ", key, " lost to another connection")
	r.access.Lock()
	removed := r.removeLocked(key, entry.connection)
	r.access.Unlock()
	if removed != nil {
		r.tracker.Tunnel(removed.metadata.Protocol, -1)
	}
	go evict(entry.connection, removed)
}

func (r *Router) snapshot() []*tunnel {
	r.access.RLock()
	defer r.access.RUnlock()
	tunnels := make([]*tunnel, 0, len(r.tunnels))
	for _, entry := range r.tunnels {
		tunnels = append(tunnels, entry)
	}
	return tunnels
}

func (r *Router) loopControl(events <-chan store.ControlEvent) {
	defer r.done.Done()
	for event := range events {
		r.handleControl(event)
	}
}

func (r *Router) handleControl(event store.ControlEvent) {
	r.access.Lock()
	owner := r.reservations[event.Key]
	if owner == nil || owner.ID() != event.Owner {
		r.access.Unlock()
		return
	}
	var removed *tunnel
	if event.Action == store.ActionEvict {
		removed = r.removeLocked(event.Key, owner)
	}
	r.access.Unlock()
	switch event.Action {
	case store.ActionEvict:
		r.logger.InfoContext(owner.Context(), "routing key ", event.Key, " taken over by another instance")
		if removed != nil {
			r.tracker.Tunnel(removed.metadata.Protocol, -1)
		}
		go evict(owner, removed)
	case store.ActionStop:
		r.logger.InfoContext(owner.Context(), "stopping tunnel ", event.Key)
		go owner.Close(1000, C.CloseReasonStopped)
	}
}

var _ adapter.Service = (*Router)(nil)
