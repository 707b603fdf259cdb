package backlog

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriterFlushesInOrder(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	writer := New(time.Second, 1024)
	require.NoError(t, writer.Write([]byte("hello ")))
	require.NoError(t, writer.Write(nil))
	require.NoError(t, writer.Write([]byte("world")))
	result := make(chan error, 1)
	go func() {
		result <- writer.Run(server)
	}()
	buffer := make([]byte, 11)
	_, err := io.ReadFull(client, buffer)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(buffer))
	writer.Close()
	require.NoError(t, <-result)
	require.ErrorIs(t, writer.Write([]byte("late")), net.ErrClosed)
}

func TestWriterOverflow(t *testing.T) {
	t.Parallel()
	writer := New(time.Second, 8)
	require.NoError(t, writer.Write([]byte("12345")))
	require.ErrorIs(t, writer.Write([]byte("6789")), ErrOverflow)
	require.NoError(t, writer.Write([]byte("678")))
	require.Equal(t, 8, writer.Backlog())
}

func TestWriterShutdownDrains(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	writer := New(time.Second, 1024)
	require.NoError(t, writer.Write([]byte("last words")))
	writer.Shutdown()
	require.ErrorIs(t, writer.Write([]byte("more")), net.ErrClosed)
	result := make(chan error, 1)
	go func() {
		result <- writer.Run(server)
		server.Close()
	}()
	data, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, "last words", string(data))
	require.NoError(t, <-result)
}

func TestWriterTimeout(t *testing.T) {
	t.Parallel()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	writer := New(50*time.Millisecond, 1024)
	require.NoError(t, writer.Write([]byte("nobody reads this")))
	result := make(chan error, 1)
	go func() {
		result <- writer.Run(server)
	}()
	select {
	case err := <-result:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not time out")
	}
}
