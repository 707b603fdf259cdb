// Package control serves tunnel clients: it accepts control connections,
// negotiates a routing key and then dispatches data-plane frames to the
// router and the proxy engines.
package control

import (
	"context"
	"net/http"
	"net/netip"
	"sync"

	"github.com/sagernet/sing-expose/adapter"
	"github.com/sagernet/sing-expose/common/compatible"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/protocol/message"
	"github.com/sagernet/sing-expose/protocol/tcp"
	"github.com/sagernet/sing-expose/protocol/udp"
	"github.com/sagernet/sing-expose/route"
	"github.com/sagernet/sing-expose/service/webapi"
	"github.com/sagernet/sing/common/cache"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/coder/websocket"
	"github.com/gofrs/uuid/v5"
	"golang.org/x/time/rate"
)

const limiterIdleAge = 600

type Options struct {
	Logger         log.ContextLogger
	Router         *route.Router
	TCP            *tcp.Engine
	UDP            *udp.Engine
	API            webapi.API
	Tracker        adapter.Tracker
	BaseDomain     string
	PublicScheme   string
	PublicPort     uint16
	HandshakeRate  float64
	HandshakeBurst int
}

type Handler struct {
	ctx            context.Context
	logger         log.ContextLogger
	router         *route.Router
	tcp            *tcp.Engine
	udp            *udp.Engine
	api            webapi.API
	tracker        adapter.Tracker
	baseDomain     string
	publicScheme   string
	publicPort     uint16
	handshakeRate  rate.Limit
	handshakeBurst int
	limiters       *cache.LruCache[netip.Addr, *rate.Limiter]
	connections    compatible.Map[string, *connection]

	access sync.Mutex
	closed bool
	done   sync.WaitGroup
}

func NewHandler(ctx context.Context, options Options) *Handler {
	handshakeRate := options.HandshakeRate
	if handshakeRate == 0 {
		handshakeRate = C.DefaultHandshakeRate
	}
	handshakeBurst := options.HandshakeBurst
	if handshakeBurst == 0 {
		handshakeBurst = C.DefaultHandshakeBurst
	}
	publicScheme := options.PublicScheme
	if publicScheme == "" {
		publicScheme = "https"
	}
	return &Handler{
		ctx:            ctx,
		logger:         options.Logger,
		router:         options.Router,
		tcp:            options.TCP,
		udp:            options.UDP,
		api:            options.API,
		tracker:        adapter.TrackerOrNop(options.Tracker),
		baseDomain:     options.BaseDomain,
		publicScheme:   publicScheme,
		publicPort:     options.PublicPort,
		handshakeRate:  rate.Limit(handshakeRate),
		handshakeBurst: handshakeBurst,
		limiters: cache.New(
			cache.WithAge[netip.Addr, *rate.Limiter](limiterIdleAge),
			cache.WithUpdateAgeOnGet[netip.Addr, *rate.Limiter](),
		),
	}
}

func (h *Handler) allow(remoteAddr string) bool {
	source, err := netip.ParseAddrPort(remoteAddr)
	if err != nil {
		return true
	}
	limiter, _ := h.limiters.LoadOrStore(source.Addr().Unmap(), func() *rate.Limiter {
		return rate.NewLimiter(h.handshakeRate, h.handshakeBurst)
	})
	return limiter.Allow()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.allow(r.RemoteAddr) {
		h.tracker.Handshake("rate_limited")
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.DebugContext(r.Context(), "accept control connection from ", r.RemoteAddr, ": ", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(C.MaxControlFrameSize)
	c := &connection{
		id:   uuid.Must(uuid.NewV4()).String(),
		conn: conn,
	}
	// an upgrade that finishes after Close started must not reach done.Add
	h.access.Lock()
	if h.closed {
		h.access.Unlock()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	h.done.Add(1)
	h.connections.Store(c.id, c)
	h.access.Unlock()
	defer h.done.Done()
	defer h.connections.Delete(c.id)
	c.ctx, c.cancel = context.WithCancel(log.ContextWithNewID(h.ctx))
	defer c.cancel()
	h.tracker.ControlConnection(1)
	defer h.tracker.ControlConnection(-1)
	h.logger.InfoContext(c.ctx, "control connection ", c.id, " from ", r.RemoteAddr)
	err = h.loopRead(c)
	c.setState(StateClosed)
	if err != nil && !E.IsClosedOrCanceled(err) && websocket.CloseStatus(err) == -1 {
		h.logger.DebugContext(c.ctx, "control connection ", c.id, ": ", err)
	}
	err = h.teardown(c)
	if err != nil {
		h.logger.ErrorContext(c.ctx, "tear down control connection ", c.id, ": ", err)
	}
	h.logger.InfoContext(c.ctx, "control connection ", c.id, " closed")
}

// Connections returns how many control connections are being served.
func (h *Handler) Connections() int {
	return h.connections.Len()
}

// Close disconnects every client and waits until their resources are
// released.
func (h *Handler) Close() error {
	h.access.Lock()
	h.closed = true
	h.access.Unlock()
	h.connections.Range(func(id string, c *connection) bool {
		go c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return true
	})
	h.done.Wait()
	return nil
}

func (h *Handler) loopRead(c *connection) error {
	for {
		messageType, content, err := c.conn.Read(c.ctx)
		if err != nil {
			return err
		}
		if messageType != websocket.MessageText {
			h.logger.DebugContext(c.ctx, "drop binary frame on control connection")
			continue
		}
		frame, err := message.Decode(content)
		if err != nil {
			h.logger.WarnContext(c.ctx, "drop malformed frame: ", err)
			continue
		}
		h.dispatch(c, frame)
	}
}

func (h *Handler) dispatch(c *connection, frame message.Message) {
	ctx := c.ctx
	switch frame := frame.(type) {
	case *message.Hello:
		h.logger.InfoContext(ctx, "client ", frame.ClientID, " version ", frame.Version)
		return
	case *message.Ping:
		h.write(c, &message.Pong{})
		return
	case *message.OpenTunnel:
		if c.State() != StateConnected {
			h.logger.WarnContext(ctx, "ignore open_tunnel in state ", c.State())
			return
		}
		h.openTunnel(c, frame)
		return
	}
	if c.State() != StateOpen {
		h.logger.DebugContext(ctx, "drop ", frame.Type(), " in state ", c.State())
		return
	}
	switch frame := frame.(type) {
	case *message.TCPData:
		if c.tcp {
			h.tcp.HandleClientData(ctx, c.key, frame.ConnectionID, frame.Data)
		}
	case *message.TCPClose:
		if c.tcp {
			h.tcp.HandleClientClose(ctx, c.key, frame.ConnectionID)
		}
	case *message.UDPResponse:
		if c.udp {
			h.udp.HandleResponse(ctx, c.key, frame)
		}
	case *message.Response:
		err := h.router.HandleMessage(ctx, c.key, frame)
		if err != nil {
			h.logger.WarnContext(ctx, "route ", frame.Type(), ": ", err)
		}
	default:
		// kinds only the server sends
		h.logger.DebugContext(ctx, "drop ", frame.Type(), " from client")
	}
}

func (h *Handler) write(c *connection, frame message.Message) error {
	ctx, cancel := context.WithTimeout(c.ctx, C.WriteTimeout)
	defer cancel()
	err := c.WriteMessage(ctx, frame)
	if err != nil && !E.IsClosedOrCanceled(err) {
		h.logger.DebugContext(c.ctx, "write ", frame.Type(), ": ", err)
	}
	return err
}

// teardown releases everything c owns. Every step runs even when an
// earlier one fails.
func (h *Handler) teardown(c *connection) error {
	var errors []error
	if c.tcp {
		err := h.tcp.CloseTunnel(c.key)
		if err != nil {
			errors = append(errors, E.Cause(err, "close tcp tunnel"))
		}
		c.tcp = false
	}
	if c.udp {
		err := h.udp.CloseTunnel(c.key)
		if err != nil {
			errors = append(errors, E.Cause(err, "close udp tunnel"))
		}
		c.udp = false
	}
	if c.key != "" {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), C.WriteTimeout)
		err := h.router.UnregisterTunnel(ctx, c.key, c)
		cancel()
		if err != nil {
			errors = append(errors, E.Cause(err, "unregister tunnel"))
		}
		c.key = ""
	}
	return E.Errors(errors...)
}
