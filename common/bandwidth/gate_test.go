package bandwidth

import (
	"context"
	"sync"
	"testing"

	"github.com/sagernet/sing-expose/log"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/stretchr/testify/require"
)

type memoryCounter struct {
	access sync.Mutex
	usage  map[string]int64
	err    error
}

func (c *memoryCounter) AddBandwidth(ctx context.Context, organizationID string, n int64) (int64, error) {
	c.access.Lock()
	defer c.access.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if c.usage == nil {
		c.usage = make(map[string]int64)
	}
	c.usage[organizationID] += n
	return c.usage[organizationID], nil
}

func TestGateDropsOnceExceeded(t *testing.T) {
	t.Parallel()
	gate := NewGate(&memoryCounter{}, log.NewNOPFactory().Logger())
	ctx := context.Background()
	require.True(t, gate.Allow(ctx, "org", 100, 60))
	require.True(t, gate.Allow(ctx, "org", 100, 40))
	for i := 0; i < 10; i++ {
		require.False(t, gate.Allow(ctx, "org", 100, 1))
	}
	require.True(t, gate.Allow(ctx, "other", 100, 1))
}

func TestGateUnlimited(t *testing.T) {
	t.Parallel()
	counter := &memoryCounter{}
	gate := NewGate(counter, log.NewNOPFactory().Logger())
	ctx := context.Background()
	require.True(t, gate.Allow(ctx, "org", Unlimited, 1<<30))
	require.True(t, gate.Allow(ctx, "org", 0, 1<<30))
	require.True(t, gate.Allow(ctx, "", 10, 1<<30))
	require.Empty(t, counter.usage)
	var nilGate *Gate
	require.True(t, nilGate.Allow(ctx, "org", 10, 100))
}

func TestGateDeniesOnCounterFailure(t *testing.T) {
	t.Parallel()
	gate := NewGate(&memoryCounter{err: E.New("store unreachable")}, log.NewNOPFactory().Logger())
	require.False(t, gate.Allow(context.Background(), "org", 100, 1))
}
