// Package tcp exposes tunnels on dynamically allocated TCP ports and
// multiplexes every accepted connection over the owning control connection.
package tcp

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/sagernet/sing-expose/adapter"
	"github.com/sagernet/sing-expose/common/bandwidth"
	"github.com/sagernet/sing-expose/common/portalloc"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/option"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	N "github.com/sagernet/sing/common/network"
)

type Options struct {
	Logger    log.ContextLogger
	Address   string
	PortRange option.PortRange
	Gate      *bandwidth.Gate
	Tracker   adapter.Tracker
}

type Engine struct {
	ctx          context.Context
	logger       log.ContextLogger
	address      netip.Addr
	allocator    *portalloc.Allocator
	gate         *bandwidth.Gate
	tracker      adapter.Tracker
	listenConfig net.ListenConfig

	access  sync.Mutex
	tunnels map[string]*Tunnel
}

func NewEngine(ctx context.Context, options Options) (*Engine, error) {
	address := netip.IPv4Unspecified()
	if options.Address != "" {
		var err error
		address, err = netip.ParseAddr(options.Address)
		if err != nil {
			return nil, E.Cause(err, "parse tcp proxy address")
		}
	}
	portRange := options.PortRange
	if portRange.IsZero() {
		portRange = option.PortRange{Start: C.DefaultPortRangeStart, End: C.DefaultPortRangeEnd}
	}
	return &Engine{
		ctx:       ctx,
		logger:    options.Logger,
		address:   address,
		allocator: portalloc.New(portRange.Start, portRange.End),
		gate:      options.Gate,
		tracker:   adapter.TrackerOrNop(options.Tracker),
		tunnels:   make(map[string]*Tunnel),
	}, nil
}

// CreateTunnel replaces any tunnel named id with a new listener, bound on
// requestedPort when it is in range and free, otherwise on the lowest free
// port.
func (e *Engine) CreateTunnel(ctx context.Context, id string, connection adapter.ControlConnection, organizationID string, requestedPort uint16, bandwidthLimit int64) (uint16, error) {
	err := e.CloseTunnel(id)
	if err != nil {
		e.logger.WarnContext(ctx, "close previous tcp tunnel ", id, ": ", err)
	}
	var listener net.Listener
	port, err := e.allocator.Acquire(requestedPort, func(port uint16) error {
		var listenErr error
		listener, listenErr = e.listenConfig.Listen(e.ctx, N.NetworkTCP, M.SocksaddrFrom(e.address, port).String())
		return listenErr
	})
	if err != nil {
		return 0, E.Cause(err, "bind tcp tunnel")
	}
	tunnel := &Tunnel{
		id:             id,
		engine:         e,
		connection:     connection,
		organizationID: organizationID,
		bandwidthLimit: bandwidthLimit,
		listener:       listener,
		port:           port,
		acceptDone:     make(chan struct{}),
	}
	tunnel.ctx, tunnel.cancel = context.WithCancel(connection.Context())
	e.access.Lock()
	e.tunnels[id] = tunnel
	e.access.Unlock()
	go tunnel.loopAccept()
	e.logger.InfoContext(ctx, "tcp tunnel ", id, " listening at ", listener.Addr())
	return port, nil
}

func (e *Engine) tunnel(id string) *Tunnel {
	e.access.Lock()
	defer e.access.Unlock()
	return e.tunnels[id]
}

// HandleClientData writes data from the tunnel client to the external
// connection. Unknown identities are ignored.
func (e *Engine) HandleClientData(ctx context.Context, id string, connectionID string, data []byte) {
	tunnel := e.tunnel(id)
	if tunnel == nil {
		return
	}
	tunnel.handleClientData(ctx, connectionID, data)
}

// HandleClientClose closes the external connection once the data queued
// for it is flushed, without echoing a tcp_close back to the client.
func (e *Engine) HandleClientClose(ctx context.Context, id string, connectionID string) {
	tunnel := e.tunnel(id)
	if tunnel == nil {
		return
	}
	session, loaded := tunnel.sessions.Load(connectionID)
	if loaded {
		session.shutdown()
	}
}

// CloseTunnel closes the listener and every external connection of id and
// returns the port to the pool once the listener is fully closed.
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

func (e *Engine) Port(id string) (uint16, bool) {
	tunnel := e.tunnel(id)
	if tunnel == nil {
		return 0, false
	}
	return tunnel.port, true
}

func (e *Engine) Sessions(id string) int {
	tunnel := e.tunnel(id)
	if tunnel == nil {
		return 0
	}
	return tunnel.sessions.Len()
}

func (e *Engine) Close() error {
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
