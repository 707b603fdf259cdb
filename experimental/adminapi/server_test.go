package adminapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sagernet/sing-expose/adapter"
	"github.com/sagernet/sing-expose/common/store"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/option"
	"github.com/sagernet/sing-expose/protocol/message"
	"github.com/sagernet/sing-expose/route"
	"github.com/sagernet/sing/common/json"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type stubConnection struct {
	access sync.Mutex
	code   int
	reason string
}

func (c *stubConnection) ID() string {
	return "stub"
}

func (c *stubConnection) Context() context.Context {
	return context.Background()
}

func (c *stubConnection) WriteMessage(ctx context.Context, frame message.Message) error {
	return nil
}

func (c *stubConnection) Close(code int, reason string) error {
	c.access.Lock()
	defer c.access.Unlock()
	c.code = code
	c.reason = reason
	return nil
}

func newTestServer(t *testing.T, logFactory log.ObservableFactory) (*httptest.Server, *route.Router) {
	t.Helper()
	redisServer := miniredis.RunT(t)
	shared := store.NewWithClient(redis.NewClient(&redis.Options{Addr: redisServer.Addr()}), C.PresenceTTL)
	router := route.NewRouter(context.Background(), route.Options{Logger: log.NewNOPFactory().Logger(), Store: shared})
	server := NewServer(router, logFactory, option.AdminAPIOptions{Secret: "secret"})
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return httpServer, router
}

func call(t *testing.T, method string, url string, secret string) (int, string) {
	t.Helper()
	request, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if secret != "" {
		request.Header.Set("Authorization", "Bearer "+secret)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	content, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return response.StatusCode, string(content)
}

func TestAuthentication(t *testing.T) {
	t.Parallel()
	server, _ := newTestServer(t, log.NewNOPFactory())
	status, _ := call(t, http.MethodGet, server.URL+"/tunnels", "")
	require.Equal(t, http.StatusUnauthorized, status)
	status, _ = call(t, http.MethodGet, server.URL+"/tunnels", "wrong")
	require.Equal(t, http.StatusUnauthorized, status)
	status, body := call(t, http.MethodGet, server.URL+"/", "secret")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "sing-expose")
}

func TestTunnels(t *testing.T) {
	t.Parallel()
	server, router := newTestServer(t, log.NewNOPFactory())
	connection := &stubConnection{}
	ctx := context.Background()
	reserved, err := router.ReserveTunnel(ctx, "demo", connection, false)
	require.NoError(t, err)
	require.True(t, reserved)
	registered, err := router.RegisterTunnel(ctx, "demo", connection, adapter.TunnelMetadata{
		Protocol: C.ProtocolTCP,
		URL:      "tcp://localhost.direct:30001",
		Port:     30001,
	})
	require.NoError(t, err)
	require.True(t, registered)

	status, body := call(t, http.MethodGet, server.URL+"/tunnels", "secret")
	require.Equal(t, http.StatusOK, status)
	var list struct {
		Tunnels []Tunnel `json:"tunnels"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list.Tunnels, 1)
	require.Equal(t, "demo", list.Tunnels[0].Key)
	require.Equal(t, uint16(30001), list.Tunnels[0].Port)

	status, body = call(t, http.MethodGet, server.URL+"/tunnels/demo", "secret")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, `"online":true`)
	require.Contains(t, body, `"protocol":"tcp"`)

	status, body = call(t, http.MethodGet, server.URL+"/tunnels/missing", "secret")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, `"online":false`)

	status, _ = call(t, http.MethodDelete, server.URL+"/tunnels/demo", "secret")
	require.Equal(t, http.StatusNoContent, status)
	connection.access.Lock()
	require.Equal(t, 1000, connection.code)
	require.Equal(t, C.CloseReasonStopped, connection.reason)
	connection.access.Unlock()

	status, _ = call(t, http.MethodDelete, server.URL+"/tunnels/missing", "secret")
	require.Equal(t, http.StatusNotFound, status)
}

func TestLogStream(t *testing.T) {
	t.Parallel()
	logFactory := log.NewObservableFactory(log.Formatter{BaseTime: time.Now(), DisableColors: true}, io.Discard)
	server, _ := newTestServer(t, logFactory)

	status, _ := call(t, http.MethodGet, server.URL+"/logs?level=loud", "secret")
	require.Equal(t, http.StatusBadRequest, status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http")+"/logs?level=warn&token=secret", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	logger := logFactory.NewLogger("test")
	var entry Log
	require.Eventually(t, func() bool {
		logger.Info("ignored")
		logger.Warn("tunnel demo stopped")
		readCtx, readCancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer readCancel()
		_, content, err := conn.Read(readCtx)
		if err != nil {
			return false
		}
		return json.Unmarshal(content, &entry) == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "warn", entry.Type)
	require.Contains(t, entry.Payload, "tunnel demo stopped")
}
