package tcp

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sagernet/sing-expose/common/bandwidth"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/option"
	"github.com/sagernet/sing-expose/protocol/message"

	"github.com/stretchr/testify/require"
)

type recordConnection struct {
	ctx      context.Context
	frames   chan message.Message
	access   sync.Mutex
	messages []message.Message
}

func newRecordConnection() *recordConnection {
	return &recordConnection{
		ctx:    context.Background(),
		frames: make(chan message.Message, 1024),
	}
}

func (c *recordConnection) ID() string {
	return "record"
}

func (c *recordConnection) Context() context.Context {
	return c.ctx
}

func (c *recordConnection) WriteMessage(ctx context.Context, frame message.Message) error {
	c.access.Lock()
	c.messages = append(c.messages, frame)
	c.access.Unlock()
	c.frames <- frame
	return nil
}

func (c *recordConnection) Close(code int, reason string) error {
	return nil
}

func (c *recordConnection) next(t *testing.T) message.Message {
	t.Helper()
	select {
	case frame := <-c.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func (c *recordConnection) count(messageType string) int {
	c.access.Lock()
	defer c.access.Unlock()
	var count int
	for _, frame := range c.messages {
		if frame.Type() == messageType {
			count++
		}
	}
	return count
}

type memoryCounter struct {
	access sync.Mutex
	usage  int64
}

func (c *memoryCounter) AddBandwidth(ctx context.Context, organizationID string, n int64) (int64, error) {
	c.access.Lock()
	defer c.access.Unlock()
	c.usage += n
	return c.usage, nil
}

func newTestEngine(t *testing.T, start uint16, end uint16, gate *bandwidth.Gate) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), Options{
		Logger:    log.NewNOPFactory().Logger(),
		Address:   "127.0.0.1",
		PortRange: option.PortRange{Start: start, End: end},
		Gate:      gate,
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func dial(t *testing.T, port uint16) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPortReusedAfterClose(t *testing.T) {
	engine := newTestEngine(t, 30001, 40000, nil)
	ctx := context.Background()
	port, err := engine.CreateTunnel(ctx, "a", newRecordConnection(), "", 0, -1)
	require.NoError(t, err)
	require.Equal(t, uint16(30001), port)
	port, err = engine.CreateTunnel(ctx, "b", newRecordConnection(), "", 0, -1)
	require.NoError(t, err)
	require.Equal(t, uint16(30002), port)

	require.NoError(t, engine.CloseTunnel("a"))
	port, err = engine.CreateTunnel(ctx, "c", newRecordConnection(), "", 0, -1)
	require.NoError(t, err)
	require.Equal(t, uint16(30001), port)
	dial(t, port)
}

func TestCreateTunnelReplacesSameID(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, 41001, 41010, nil)
	ctx := context.Background()
	first, err := engine.CreateTunnel(ctx, "a", newRecordConnection(), "", 41005, -1)
	require.NoError(t, err)
	require.Equal(t, uint16(41005), first)
	second, err := engine.CreateTunnel(ctx, "a", newRecordConnection(), "", 41005, -1)
	require.NoError(t, err)
	require.Equal(t, uint16(41005), second)
}

func TestRequestedPortBusyFallsBack(t *testing.T) {
	t.Parallel()
	busy, err := net.Listen("tcp", "127.0.0.1:41021")
	require.NoError(t, err)
	defer busy.Close()
	engine := newTestEngine(t, 41020, 41030, nil)
	port, err := engine.CreateTunnel(context.Background(), "a", newRecordConnection(), "", 41021, -1)
	require.NoError(t, err)
	require.Equal(t, uint16(41020), port)
}

func TestDistinctConnectionIdentities(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, 41041, 41050, nil)
	connection := newRecordConnection()
	port, err := engine.CreateTunnel(context.Background(), "a", connection, "", 0, -1)
	require.NoError(t, err)
	const count = 5
	for i := 0; i < count; i++ {
		dial(t, port)
	}
	identities := make(map[string]bool)
	for i := 0; i < count; i++ {
		frame := connection.next(t).(*message.TCPConnection)
		identities[frame.ConnectionID] = true
	}
	require.Len(t, identities, count)
	require.Eventually(t, func() bool {
		return engine.Sessions("a") == count
	}, time.Second, 10*time.Millisecond)
}

func TestExternalCloseSignalsOnce(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, 41061, 41070, nil)
	connection := newRecordConnection()
	ctx := context.Background()
	port, err := engine.CreateTunnel(ctx, "a", connection, "", 0, -1)
	require.NoError(t, err)
	conn := dial(t, port)
	id := connection.next(t).(*message.TCPConnection).ConnectionID

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	data := connection.next(t).(*message.TCPData)
	require.Equal(t, id, data.ConnectionID)
	require.Equal(t, "hello", string(data.Data))

	require.NoError(t, conn.Close())
	closeFrame := connection.next(t).(*message.TCPClose)
	require.Equal(t, id, closeFrame.ConnectionID)
	require.Zero(t, engine.Sessions("a"))

	engine.HandleClientData(ctx, "a", id, []byte("late"))
	engine.HandleClientClose(ctx, "a", id)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, connection.count(message.TypeTCPClose))
}

func TestClientDataAndClose(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, 41081, 41090, nil)
	connection := newRecordConnection()
	ctx := context.Background()
	port, err := engine.CreateTunnel(ctx, "a", connection, "", 0, -1)
	require.NoError(t, err)
	conn := dial(t, port)
	id := connection.next(t).(*message.TCPConnection).ConnectionID

	engine.HandleClientData(ctx, "a", id, []byte("pong"))
	engine.HandleClientData(ctx, "a", id, []byte{})
	buffer := make([]byte, 4)
	_, err = io.ReadFull(conn, buffer)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buffer))

	engine.HandleClientClose(ctx, "a", id)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buffer)
	require.ErrorIs(t, err, io.EOF)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, connection.count(message.TypeTCPClose))
}

func TestCloseTunnelClosesSessions(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, 41101, 41110, nil)
	connection := newRecordConnection()
	port, err := engine.CreateTunnel(context.Background(), "a", connection, "", 0, -1)
	require.NoError(t, err)
	conn := dial(t, port)
	connection.next(t)

	require.NoError(t, engine.CloseTunnel("a"))
	require.NoError(t, engine.CloseTunnel("a"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	_, loaded := engine.Port("a")
	require.False(t, loaded)
	_, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	require.Error(t, err)
}

func TestBandwidthExceededDropsData(t *testing.T) {
	t.Parallel()
	gate := bandwidth.NewGate(&memoryCounter{}, log.NewNOPFactory().Logger())
	engine := newTestEngine(t, 41121, 41130, gate)
	connection := newRecordConnection()
	port, err := engine.CreateTunnel(context.Background(), "a", connection, "org", 0, 8)
	require.NoError(t, err)
	conn := dial(t, port)
	connection.next(t)

	_, err = conn.Write([]byte("12345"))
	require.NoError(t, err)
	require.Equal(t, "12345", string(connection.next(t).(*message.TCPData).Data))
	time.Sleep(50 * time.Millisecond)
	_, err = conn.Write([]byte("67890"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, connection.count(message.TypeTCPData))
}

func TestStalledPeerDoesNotBlockOtherSessions(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, 41131, 41140, nil)
	connection := newRecordConnection()
	ctx := context.Background()
	port, err := engine.CreateTunnel(ctx, "a", connection, "", 0, -1)
	require.NoError(t, err)
	dial(t, port)
	stalledID := connection.next(t).(*message.TCPConnection).ConnectionID
	healthy := dial(t, port)
	healthyID := connection.next(t).(*message.TCPConnection).ConnectionID

	chunk := make([]byte, 1<<20)
	start := time.Now()
	for i := 0; i < 64; i++ {
		engine.HandleClientData(ctx, "a", stalledID, chunk)
	}
	engine.HandleClientData(ctx, "a", healthyID, []byte("x"))
	require.Less(t, time.Since(start), time.Second)

	buffer := make([]byte, 1)
	healthy.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(healthy, buffer)
	require.NoError(t, err)
	require.Equal(t, "x", string(buffer))

	require.Eventually(t, func() bool {
		return connection.count(message.TypeTCPClose) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, engine.Sessions("a"))
}

func TestClientCloseFlushesQueuedData(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, 41141, 41150, nil)
	connection := newRecordConnection()
	ctx := context.Background()
	port, err := engine.CreateTunnel(ctx, "a", connection, "", 0, -1)
	require.NoError(t, err)
	conn := dial(t, port)
	id := connection.next(t).(*message.TCPConnection).ConnectionID

	payload := make([]byte, 4<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	engine.HandleClientData(ctx, "a", id, payload[:2<<20])
	engine.HandleClientData(ctx, "a", id, payload[2<<20:])
	engine.HandleClientClose(ctx, "a", id)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	received, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, len(payload), len(received))
	require.Equal(t, payload, received)
	require.Zero(t, connection.count(message.TypeTCPClose))
}
