// Package metrics exports tunnel counters in the Prometheus text format.
package metrics

import (
	"errors"
	"net"
	"net/http"

	"github.com/sagernet/sing-expose/adapter"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/option"
	"github.com/sagernet/sing/common"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ adapter.Tracker = (*Server)(nil)

type Server struct {
	http     *http.Server
	logger   log.Logger
	opts     option.MetricOptions
	registry *prometheus.Registry

	controlConnections prometheus.Gauge
	tunnels            *prometheus.GaugeVec
	handshakes         *prometheus.CounterVec
	bytes              *prometheus.CounterVec
	drops              *prometheus.CounterVec
}

func NewServer(logger log.Logger, opts option.MetricOptions) (*Server, error) {
	if opts.Path == "" {
		opts.Path = "/metrics"
	}
	server := &Server{
		logger:   logger,
		opts:     opts,
		registry: prometheus.NewRegistry(),
	}
	err := server.registerMetrics()
	if err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	r.Get(opts.Path, promhttp.HandlerFor(server.registry, promhttp.HandlerOpts{}).ServeHTTP)
	server.http = &http.Server{
		Addr:    opts.Listen,
		Handler: r,
	}
	return server, nil
}

func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() error {
	if !s.opts.Enabled() {
		return nil
	}
	listener, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	s.logger.Info("metrics api listening at ", listener.Addr(), s.opts.Path)
	go func() {
		err := s.http.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics api serve error: ", err)
		}
	}()
	return nil
}

func (s *Server) Close() error {
	if !s.opts.Enabled() {
		return nil
	}
	return common.Close(common.PtrOrNil(s.http))
}
