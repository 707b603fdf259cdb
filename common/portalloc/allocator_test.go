package portalloc

import (
	"testing"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/stretchr/testify/require"
)

func bindAll(port uint16) error {
	return nil
}

func TestAcquireLowestFree(t *testing.T) {
	t.Parallel()
	allocator := New(30001, 40000)
	port, err := allocator.Acquire(0, bindAll)
	require.NoError(t, err)
	require.Equal(t, uint16(30001), port)
	port, err = allocator.Acquire(0, bindAll)
	require.NoError(t, err)
	require.Equal(t, uint16(30002), port)

	allocator.Release(30001)
	port, err = allocator.Acquire(0, bindAll)
	require.NoError(t, err)
	require.Equal(t, uint16(30001), port)
	require.Equal(t, 2, allocator.Len())
}

func TestAcquirePreferred(t *testing.T) {
	t.Parallel()
	allocator := New(30001, 30100)
	port, err := allocator.Acquire(30050, bindAll)
	require.NoError(t, err)
	require.Equal(t, uint16(30050), port)

	port, err = allocator.Acquire(30050, bindAll)
	require.NoError(t, err)
	require.Equal(t, uint16(30001), port)

	port, err = allocator.Acquire(8080, bindAll)
	require.NoError(t, err)
	require.Equal(t, uint16(30002), port)
}

func TestAcquireSkipsBindFailures(t *testing.T) {
	t.Parallel()
	allocator := New(100, 164)
	busy := map[uint16]bool{100: true, 101: true, 164: true}
	bind := func(port uint16) error {
		if busy[port] {
			return E.New("address already in use")
		}
		return nil
	}
	port, err := allocator.Acquire(0, bind)
	require.NoError(t, err)
	require.Equal(t, uint16(102), port)
	require.False(t, allocator.InUse(100))
}

func TestAcquireExhausted(t *testing.T) {
	t.Parallel()
	allocator := New(10, 11)
	_, err := allocator.Acquire(0, bindAll)
	require.NoError(t, err)
	_, err = allocator.Acquire(0, bindAll)
	require.NoError(t, err)
	_, err = allocator.Acquire(0, bindAll)
	require.ErrorIs(t, err, ErrExhausted)

	allocator.Release(11)
	allocator.Release(11)
	require.Equal(t, 1, allocator.Len())
	port, err := allocator.Acquire(0, bindAll)
	require.NoError(t, err)
	require.Equal(t, uint16(11), port)
}
