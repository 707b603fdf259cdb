package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sing_expose"

func (s *Server) registerMetrics() error {
	s.controlConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "control_connections",
		Help:      "Number of open control connections",
	})
	s.tunnels = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tunnels",
		Help:      "Number of routable tunnels on this instance",
	}, []string{"protocol"})
	s.handshakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshakes_total",
		Help:      "Tunnel negotiations by result",
	}, []string{"result"})
	s.bytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tunnel_bytes_total",
		Help:      "Total bytes relayed through tunnels",
	}, []string{"protocol", "direction"})
	s.drops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_packets_total",
		Help:      "Chunks and datagrams dropped instead of forwarded",
	}, []string{"protocol", "reason"})
	for _, collector := range []prometheus.Collector{s.controlConnections, s.tunnels, s.handshakes, s.bytes, s.drops} {
		err := s.registry.Register(collector)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) ControlConnection(delta int) {
	s.controlConnections.Add(float64(delta))
}

func (s *Server) Tunnel(protocol string, delta int) {
	s.tunnels.WithLabelValues(protocol).Add(float64(delta))
}

func (s *Server) Handshake(result string) {
	s.handshakes.WithLabelValues(result).Inc()
}

func (s *Server) Traffic(protocol string, direction string, n int) {
	s.bytes.WithLabelValues(protocol, direction).Add(float64(n))
}

func (s *Server) Drop(protocol string, reason string) {
	s.drops.WithLabelValues(protocol, reason).Inc()
}
