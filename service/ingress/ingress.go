// Package ingress serves the public HTTP side of http tunnels. Requests for
// <key>.<base domain> or a custom domain are relayed to the owning client
// as request frames; everything addressed to the base domain itself goes to
// the control handler.
package ingress

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sagernet/sing-expose/adapter"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/protocol/message"
	"github.com/sagernet/sing-expose/route"
	M "github.com/sagernet/sing/common/metadata"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

var hopHeaders = []string{
	"Connection",
	"Content-Length",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
}

type Options struct {
	Logger     log.ContextLogger
	Router     *route.Router
	Control    http.Handler
	Tracker    adapter.Tracker
	BaseDomain string
	Timeout    time.Duration
}

type Ingress struct {
	logger     log.ContextLogger
	router     *route.Router
	tracker    adapter.Tracker
	baseDomain string
	timeout    time.Duration
	handler    http.Handler
}

func New(options Options) *Ingress {
	timeout := options.Timeout
	if timeout == 0 {
		timeout = C.RequestTimeout
	}
	ingress := &Ingress{
		logger:     options.Logger,
		router:     options.Router,
		tracker:    adapter.TrackerOrNop(options.Tracker),
		baseDomain: strings.ToLower(options.BaseDomain),
		timeout:    timeout,
	}
	chiRouter := chi.NewRouter()
	chiRouter.Use(middleware.Recoverer)
	chiRouter.Use(ingress.tunnelHosts)
	chiRouter.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, render.M{"status": "ok", "tunnels": len(ingress.router.Tunnels())})
	})
	if options.Control != nil {
		chiRouter.Handle("/", options.Control)
		chiRouter.Handle("/tunnel", options.Control)
	}
	chiRouter.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not found", http.StatusNotFound)
	})
	ingress.handler = chiRouter
	return ingress
}

func (i *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i.handler.ServeHTTP(w, r)
}

func (i *Ingress) tunnelHosts(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, isTunnel := i.RoutingKey(r.Host)
		if !isTunnel {
			next.ServeHTTP(w, r)
			return
		}
		i.serveTunnel(w, r, key)
	})
}

// RoutingKey maps a Host header to a routing key. Hosts that name the
// server itself are not tunnel hosts.
func (i *Ingress) RoutingKey(host string) (string, bool) {
	hostname := host
	if splitHost, _, err := net.SplitHostPort(host); err == nil {
		hostname = splitHost
	}
	hostname = strings.TrimSuffix(strings.ToLower(hostname), ".")
	if hostname == "" || hostname == i.baseDomain || hostname == "localhost" || M.ParseAddr(hostname).IsValid() {
		return "", false
	}
	if label, isSubdomain := strings.CutSuffix(hostname, "."+i.baseDomain); isSubdomain {
		return label, true
	}
	return hostname, true
}

func (i *Ingress) serveTunnel(w http.ResponseWriter, r *http.Request, key string) {
	ctx := log.ContextWithNewID(r.Context())
	if _, loaded := i.router.Lookup(key); !loaded {
		http.Error(w, "Tunnel not found", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, C.MaxRequestBodySize))
	if err != nil {
		var maxBytesError *http.MaxBytesError
		if errors.As(err, &maxBytesError) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	headers := r.Header.Clone()
	for _, name := range hopHeaders {
		headers.Del(name)
	}
	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := headers.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		headers.Set("X-Forwarded-For", clientIP)
	}
	if r.TLS != nil {
		headers.Set("X-Forwarded-Proto", "https")
	} else {
		headers.Set("X-Forwarded-Proto", "http")
	}
	headers.Set("X-Forwarded-Host", r.Host)
	i.tracker.Traffic(C.ProtocolHTTP, adapter.DirectionInbound, len(body))

	roundTripCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	response, err := i.router.RoundTrip(roundTripCtx, key, &message.Request{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: message.HeadersFrom(headers),
		Body:    body,
	})
	if err != nil {
		switch {
		case errors.Is(err, C.ErrTunnelNotFound):
			http.Error(w, "Tunnel not found", http.StatusNotFound)
		case errors.Is(err, context.DeadlineExceeded):
			i.logger.DebugContext(ctx, "request to ", key, " timed out")
			http.Error(w, "Gateway timeout", http.StatusGatewayTimeout)
		default:
			i.logger.DebugContext(ctx, "request to ", key, ": ", err)
			http.Error(w, "Bad gateway", http.StatusBadGateway)
		}
		return
	}
	header := w.Header()
	response.Headers.Apply(header)
	for _, name := range hopHeaders {
		header.Del(name)
	}
	statusCode := response.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	w.WriteHeader(statusCode)
	w.Write(response.Body)
	i.tracker.Traffic(C.ProtocolHTTP, adapter.DirectionOutbound, len(response.Body))
}
