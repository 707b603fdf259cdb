package udp

import (
	"context"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing-expose/adapter"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/protocol/message"
	"github.com/sagernet/sing/common/buf"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/gofrs/uuid/v5"
)

const maxDatagramSize = 65535

type Tunnel struct {
	id             string
	engine         *Engine
	connection     adapter.ControlConnection
	organizationID string
	bandwidthLimit int64
	conn           *net.UDPConn
	port           uint16
	ctx            context.Context
	cancel         context.CancelFunc
	readDone       chan struct{}
	closeOnce      sync.Once
	closeErr       error

	access  sync.Mutex
	clients map[netip.AddrPort]*Client
}

// Client is the pseudo-session of one peer address.
type Client struct {
	peer         netip.AddrPort
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64
	lastActivity atomic.Int64
}

type ClientStats struct {
	Peer         netip.AddrPort
	BytesIn      int64
	BytesOut     int64
	LastActivity time.Time
}

func (c *Client) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (t *Tunnel) loopRead() {
	defer close(t.readDone)
	buffer := buf.Get(maxDatagramSize)
	defer buf.Put(buffer)
	for {
		n, source, err := t.conn.ReadFromUDPAddrPort(buffer)
		if err != nil {
			if E.IsClosedOrCanceled(err) || t.ctx.Err() != nil {
				return
			}
			t.engine.logger.ErrorContext(t.ctx, "udp tunnel ", t.id, " read: ", err)
			continue
		}
		t.handlePacket(netip.AddrPortFrom(source.Addr().Unmap(), source.Port()), buffer[:n])
	}
}

func (t *Tunnel) handlePacket(peer netip.AddrPort, data []byte) {
	client := t.loadOrCreate(peer)
	client.touch(t.engine.now())
	if !t.engine.gate.Allow(t.ctx, t.organizationID, t.bandwidthLimit, len(data)) {
		t.engine.tracker.Drop(C.ProtocolUDP, adapter.DropBandwidth)
		return
	}
	client.bytesIn.Add(int64(len(data)))
	packetID := uuid.Must(uuid.NewV4()).String()
	t.engine.mappings.Store(packetID, &packetMapping{tunnelID: t.id, peer: peer})
	ctx, cancel := context.WithTimeout(t.ctx, C.WriteTimeout)
	defer cancel()
	err := t.connection.WriteMessage(ctx, &message.UDPData{
		PacketID:      packetID,
		SourceAddress: peer.Addr().String(),
		SourcePort:    peer.Port(),
		Data:          append(message.Payload(nil), data...),
	})
	if err != nil {
		t.engine.mappings.Delete(packetID)
		if !E.IsClosedOrCanceled(err) {
			t.engine.logger.DebugContext(t.ctx, "forward udp packet from ", peer, ": ", err)
		}
		return
	}
	t.engine.tracker.Traffic(C.ProtocolUDP, adapter.DirectionInbound, len(data))
}

func (t *Tunnel) loadOrCreate(peer netip.AddrPort) *Client {
	t.access.Lock()
	defer t.access.Unlock()
	client := t.clients[peer]
	if client == nil {
		client = &Client{peer: peer}
		t.clients[peer] = client
		t.engine.logger.DebugContext(t.ctx, "new udp client ", peer, " on tunnel ", t.id)
	}
	return client
}

func (t *Tunnel) client(peer netip.AddrPort) *Client {
	t.access.Lock()
	defer t.access.Unlock()
	return t.clients[peer]
}

func (t *Tunnel) writeTo(ctx context.Context, client *Client, data []byte) {
	if !t.engine.gate.Allow(ctx, t.organizationID, t.bandwidthLimit, len(data)) {
		t.engine.tracker.Drop(C.ProtocolUDP, adapter.DropBandwidth)
		return
	}
	_, err := t.conn.WriteToUDPAddrPort(data, client.peer)
	if err != nil {
		t.engine.logger.DebugContext(ctx, "write udp packet to ", client.peer, ": ", err)
		return
	}
	client.bytesOut.Add(int64(len(data)))
	client.touch(t.engine.now())
	t.engine.tracker.Traffic(C.ProtocolUDP, adapter.DirectionOutbound, len(data))
}

func (t *Tunnel) sweep(deadline time.Time) int {
	t.access.Lock()
	defer t.access.Unlock()
	var evicted int
	for peer, client := range t.clients {
		if time.Unix(0, client.lastActivity.Load()).Before(deadline) {
			delete(t.clients, peer)
			evicted++
		}
	}
	return evicted
}

func (t *Tunnel) stats() []ClientStats {
	t.access.Lock()
	stats := make([]ClientStats, 0, len(t.clients))
	for _, client := range t.clients {
		stats = append(stats, ClientStats{
			Peer:         client.peer,
			BytesIn:      client.bytesIn.Load(),
			BytesOut:     client.bytesOut.Load(),
			LastActivity: time.Unix(0, client.lastActivity.Load()),
		})
	}
	t.access.Unlock()
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Peer.Compare(stats[j].Peer) < 0
	})
	return stats
}

func (t *Tunnel) close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.closeErr = t.conn.Close()
		<-t.readDone
		t.access.Lock()
		clear(t.clients)
		t.access.Unlock()
		t.engine.purgeMappings(t.id)
		t.engine.allocator.Release(t.port)
		t.engine.logger.InfoContext(t.ctx, "udp tunnel ", t.id, " closed, port ", t.port, " released")
	})
	return t.closeErr
}
