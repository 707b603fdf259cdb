package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sagernet/sing-expose/adapter"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/option"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerCounters(t *testing.T) {
	t.Parallel()
	server, err := NewServer(log.NewNOPFactory().Logger(), option.MetricOptions{})
	require.NoError(t, err)
	server.ControlConnection(1)
	server.ControlConnection(1)
	server.ControlConnection(-1)
	server.Tunnel(C.ProtocolTCP, 1)
	server.Handshake("success")
	server.Traffic(C.ProtocolUDP, adapter.DirectionInbound, 512)
	server.Traffic(C.ProtocolUDP, adapter.DirectionInbound, 512)
	server.Drop(C.ProtocolUDP, adapter.DropBandwidth)

	require.Equal(t, float64(1), testutil.ToFloat64(server.controlConnections))
	require.Equal(t, float64(1), testutil.ToFloat64(server.tunnels.WithLabelValues(C.ProtocolTCP)))
	require.Equal(t, float64(1024), testutil.ToFloat64(server.bytes.WithLabelValues(C.ProtocolUDP, adapter.DirectionInbound)))
	require.Equal(t, float64(1), testutil.ToFloat64(server.drops.WithLabelValues(C.ProtocolUDP, adapter.DropBandwidth)))

	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), `sing_expose_handshakes_total{result="success"} 1`)
}

func TestDisabledServer(t *testing.T) {
	t.Parallel()
	server, err := NewServer(log.NewNOPFactory().Logger(), option.MetricOptions{Path: "/stats"})
	require.NoError(t, err)
	require.NoError(t, server.Start())
	require.NoError(t, server.Close())
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
}
