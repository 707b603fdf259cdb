// Package udp exposes tunnels on dynamically allocated UDP ports. Every
// distinct peer becomes a pseudo-session whose datagrams are relayed over
// the owning control connection.
package udp

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/sing-expose/adapter"
	"github.com/sagernet/sing-expose/common/bandwidth"
	"github.com/sagernet/sing-expose/common/portalloc"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/option"
	"github.com/sagernet/sing-expose/protocol/message"
	"github.com/sagernet/sing/common/cache"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

type Options struct {
	Logger        log.ContextLogger
	Address       string
	PortRange     option.PortRange
	Gate          *bandwidth.Gate
	Tracker       adapter.Tracker
	ClientTimeout time.Duration
	SweepInterval time.Duration
	MappingSize   int
	MappingTTL    time.Duration
	Now           func() time.Time
}

// packetMapping routes one udp_response back to the peer whose datagram
// carried the same packet id.
type packetMapping struct {
	tunnelID string
	peer     netip.AddrPort
	consumed atomic.Bool
}

type Engine struct {
	ctx           context.Context
	cancel        context.CancelFunc
	logger        log.ContextLogger
	address       netip.Addr
	allocator     *portalloc.Allocator
	gate          *bandwidth.Gate
	tracker       adapter.Tracker
	listenConfig  net.ListenConfig
	clientTimeout time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	mappings      *cache.LruCache[string, *packetMapping]
	sweepDone     chan struct{}

	access  sync.Mutex
	tunnels map[string]*Tunnel
}

func NewEngine(ctx context.Context, options Options) (*Engine, error) {
	address := netip.IPv4Unspecified()
	if options.Address != "" {
		var err error
		address, err = netip.ParseAddr(options.Address)
		if err != nil {
			return nil, E.Cause(err, "parse udp proxy address")
		}
	}
	portRange := options.PortRange
	if portRange.IsZero() {
		portRange = option.PortRange{Start: C.DefaultPortRangeStart, End: C.DefaultPortRangeEnd}
	}
	clientTimeout := options.ClientTimeout
	if clientTimeout == 0 {
		clientTimeout = C.UDPClientTimeout
	}
	sweepInterval := options.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = C.UDPSweepInterval
	}
	mappingSize := options.MappingSize
	if mappingSize == 0 {
		mappingSize = C.PacketMappingSize
	}
	mappingTTL := options.MappingTTL
	if mappingTTL == 0 {
		mappingTTL = C.PacketMappingTTL
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Engine{
		ctx:           ctx,
		cancel:        cancel,
		logger:        options.Logger,
		address:       address,
		allocator:     portalloc.New(portRange.Start, portRange.End),
		gate:          options.Gate,
		tracker:       adapter.TrackerOrNop(options.Tracker),
		clientTimeout: clientTimeout,
		sweepInterval: sweepInterval,
		now:           now,
		mappings: cache.New(
			cache.WithAge[string, *packetMapping](int64(mappingTTL/time.Second)),
			cache.WithSize[string, *packetMapping](mappingSize),
		),
		tunnels: make(map[string]*Tunnel),
	}, nil
}

func (e *Engine) Start() error {
	e.sweepDone = make(chan struct{})
	go e.loopSweep()
	return nil
}

func (e *Engine) loopSweep() {
	defer close(e.sweepDone)
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Sweep evicts every client idle for longer than the client timeout and
// returns how many were removed.
func (e *Engine) Sweep() int {
	deadline := e.now().Add(-e.clientTimeout)
	var evicted int
	for _, tunnel := range e.snapshot() {
		evicted += tunnel.sweep(deadline)
	}
	if evicted > 0 {
		e.logger.DebugContext(e.ctx, "evicted ", evicted, " idle udp clients")
	}
	return evicted
}

func (e *Engine) snapshot() []*Tunnel {
	e.access.Lock()
	defer e.access.Unlock()
	tunnels := make([]*Tunnel, 0, len(e.tunnels))
	for _, tunnel := range e.tunnels {
		tunnels = append(tunnels, tunnel)
	}
	return tunnels
}

// CreateTunnel replaces any tunnel named id with a new socket, bound on
// requestedPort when it is in range and free, otherwise on the lowest free
// port.
func (e *Engine) CreateTunnel(ctx context.Context, id string, connection adapter.ControlConnection, organizationID string, requestedPort uint16, bandwidthLimit int64) (uint16, error) {
	err := e.CloseTunnel(id)
	if err != nil {
		e.logger.WarnContext(ctx, "close previous udp tunnel ", id, ": ", err)
	}
	var packetConn net.PacketConn
	port, err := e.allocator.Acquire(requestedPort, func(port uint16) error {
		var listenErr error
		packetConn, listenErr = e.listenConfig.ListenPacket(e.ctx, N.NetworkUDP, M.SocksaddrFrom(e.address, port).String())
		return listenErr
	})
	if err != nil {
		return 0, E.Cause(err, "bind udp tunnel")
	}
	tunnel := &Tunnel{
		id:             id,
		engine:         e,
		connection:     connection,
		organizationID: organizationID,
		bandwidthLimit: bandwidthLimit,
		conn:           packetConn.(*net.UDPConn),
		port:           port,
		clients:        make(map[netip.AddrPort]*Client),
		readDone:       make(chan struct{}),
	}
	tunnel.ctx, tunnel.cancel = context.WithCancel(connection.Context())
	e.access.Lock()
	e.tunnels[id] = tunnel
	e.access.Unlock()
	go tunnel.loopRead()
	e.logger.InfoContext(ctx, "udp tunnel ", id, " listening at ", packetConn.LocalAddr())
	return port, nil
}

func (e *Engine) tunnel(id string) *Tunnel {
	e.access.Lock()
	defer e.access.Unlock()
	return e.tunnels[id]
}

// HandleResponse sends a udp_response from the tunnel client to the peer it
// answers. The peer is found through the packet mapping, which is consumed
// at most once, or else by the target address among the tunnel's clients.
// Unroutable responses are dropped.
func (e *Engine) HandleResponse(ctx context.Context, id string, response *message.UDPResponse) {
	tunnel := e.tunnel(id)
	if tunnel == nil {
		e.tracker.Drop(C.ProtocolUDP, adapter.DropClosed)
		return
	}
	var (
		client *Client
		peer   netip.AddrPort
	)
	mapping, loaded := e.mappings.Load(response.PacketID)
	if loaded && mapping.tunnelID == id && mapping.consumed.CompareAndSwap(false, true) {
		e.mappings.Delete(response.PacketID)
		peer = mapping.peer
		client = tunnel.client(peer)
	}
	if client == nil {
		peer = parsePeer(response.TargetAddress, response.TargetPort)
		if peer.IsValid() {
			client = tunnel.client(peer)
		}
	}
	if client == nil {
		e.logger.DebugContext(ctx, "drop udp response ", response.PacketID, ": no route")
		e.tracker.Drop(C.ProtocolUDP, adapter.DropNoRoute)
		return
	}
	tunnel.writeTo(ctx, client, response.Data)
}

func parsePeer(address string, port uint16) netip.AddrPort {
	if address == "" || port == 0 {
		return netip.AddrPort{}
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr.Unmap(), port)
}

// CloseTunnel closes the socket of id, forgets its clients and returns the
// port to the pool once the read loop has exited.
func (e *Engine) CloseTunnel(id string) error {
	e.access.Lock()
	tunnel := e.tunnels[id]
	delete(e.tunnels, id)
	e.access.Unlock()
	if tunnel == nil {
		return nil
	}
	return tunnel.close()
}

func (e *Engine) purgeMappings(id string) {
	var packetIDs []string
	e.mappings.Range(func(packetID string, mapping *packetMapping) {
		if mapping.tunnelID == id {
			packetIDs = append(packetIDs, packetID)
		}
	})
	for _, packetID := range packetIDs {
		e.mappings.Delete(packetID)
	}
}

func (e *Engine) Port(id string) (uint16, bool) {
	tunnel := e.tunnel(id)
	if tunnel == nil {
		return 0, false
	}
	return tunnel.port, true
}

func (e *Engine) Clients(id string) []ClientStats {
	tunnel := e.tunnel(id)
	if tunnel == nil {
		return nil
	}
	return tunnel.stats()
}

func (e *Engine) Close() error {
	e.cancel()
	if e.sweepDone != nil {
		<-e.sweepDone
	}
	e.access.Lock()
	tunnels := make([]*Tunnel, 0, len(e.tunnels))
	for id, tunnel := range e.tunnels {
		tunnels = append(tunnels, tunnel)
		delete(e.tunnels, id)
	}
	e.access.Unlock()
	var errors []error
	for _, tunnel := range tunnels {
		errors = append(errors, tunnel.close())
	}
	return E.Errors(errors...)
}
