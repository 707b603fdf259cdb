package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, 90*time.Second), server
}

func TestReserveIsExclusive(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for _, owner := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			reserved, err := s.Reserve(ctx, "dup", owner)
			if err != nil {
				t.Error(err)
				return
			}
			if reserved {
				successes.Add(1)
			}
		}(owner)
	}
	wg.Wait()
	require.Equal(t, int32(1), successes.Load())
}

func TestTakeoverReturnsPreviousOwner(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	previous, err := s.Takeover(ctx, "api", "first")
	require.NoError(t, err)
	require.Empty(t, previous)
	previous, err = s.Takeover(ctx, "api", "second")
	require.NoError(t, err)
	require.Equal(t, "first", previous)
	owner, err := s.Owner(ctx, "api")
	require.NoError(t, err)
	require.Equal(t, "second", owner)
}

func TestReleaseComparesOwner(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Reserve(ctx, "api", "owner")
	require.NoError(t, err)
	released, err := s.Release(ctx, "api", "intruder")
	require.NoError(t, err)
	require.False(t, released)
	released, err = s.Release(ctx, "api", "owner")
	require.NoError(t, err)
	require.True(t, released)
	released, err = s.Release(ctx, "api", "owner")
	require.NoError(t, err)
	require.False(t, released)
}

func TestPresenceLifecycle(t *testing.T) {
	t.Parallel()
	s, server := newTestStore(t)
	ctx := context.Background()

	marked, err := s.MarkOnline(ctx, "api", Presence{ConnectionID: "conn", OrganizationID: "org"})
	require.NoError(t, err)
	require.False(t, marked, "presence without a reservation")

	_, err = s.Reserve(ctx, "api", "conn")
	require.NoError(t, err)
	marked, err = s.MarkOnline(ctx, "api", Presence{ConnectionID: "conn", OrganizationID: "org", Protocol: "http"})
	require.NoError(t, err)
	require.True(t, marked)

	online, err := s.IsOnline(ctx, "api")
	require.NoError(t, err)
	require.True(t, online)
	presence, err := s.Presence(ctx, "api")
	require.NoError(t, err)
	require.Equal(t, "org", presence.OrganizationID)
	active, err := s.ActiveTunnels(ctx, "org")
	require.NoError(t, err)
	require.Equal(t, int64(1), active)

	require.NoError(t, s.Unregister(ctx, "api", "conn", "org"))
	require.NoError(t, s.Unregister(ctx, "api", "conn", "org"))
	require.False(t, server.Exists(OnlineKey("api")))
	require.False(t, server.Exists(ReservationKey("api")))
	active, err = s.ActiveTunnels(ctx, "org")
	require.NoError(t, err)
	require.Zero(t, active)
}

func TestUnregisterKeepsNewOwner(t *testing.T) {
	t.Parallel()
	s, server := newTestStore(t)
	ctx := context.Background()
	_, err := s.Reserve(ctx, "api", "old")
	require.NoError(t, err)
	_, err = s.MarkOnline(ctx, "api", Presence{ConnectionID: "old"})
	require.NoError(t, err)
	_, err = s.Takeover(ctx, "api", "new")
	require.NoError(t, err)
	_, err = s.MarkOnline(ctx, "api", Presence{ConnectionID: "new", OrganizationID: "org"})
	require.NoError(t, err)

	require.NoError(t, s.Unregister(ctx, "api", "old", "org"))
	require.True(t, server.Exists(OnlineKey("api")))
	owner, err := s.Owner(ctx, "api")
	require.NoError(t, err)
	require.Equal(t, "new", owner)
	active, err := s.ActiveTunnels(ctx, "org")
	require.NoError(t, err)
	require.Equal(t, int64(1), active)
}

func TestPresenceExpiresWithoutHeartbeat(t *testing.T) {
	t.Parallel()
	s, server := newTestStore(t)
	ctx := context.Background()
	_, err := s.Reserve(ctx, "api", "conn")
	require.NoError(t, err)
	_, err = s.MarkOnline(ctx, "api", Presence{ConnectionID: "conn"})
	require.NoError(t, err)

	server.FastForward(60 * time.Second)
	refreshed, err := s.Refresh(ctx, "api", "conn", "")
	require.NoError(t, err)
	require.True(t, refreshed)
	server.FastForward(60 * time.Second)
	require.True(t, server.Exists(OnlineKey("api")))

	server.FastForward(91 * time.Second)
	online, err := s.IsOnline(ctx, "api")
	require.NoError(t, err)
	require.False(t, online)
	refreshed, err = s.Refresh(ctx, "api", "conn", "")
	require.NoError(t, err)
	require.False(t, refreshed)
}

func TestAddBandwidth(t *testing.T) {
	t.Parallel()
	s, server := newTestStore(t)
	ctx := context.Background()
	s.now = func() time.Time { return time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC) }
	usage, err := s.AddBandwidth(ctx, "org", 100)
	require.NoError(t, err)
	require.Equal(t, int64(100), usage)
	usage, err = s.AddBandwidth(ctx, "org", 50)
	require.NoError(t, err)
	require.Equal(t, int64(150), usage)
	require.True(t, server.TTL("org:org:bandwidth:2026-03") > 0)
	usage, err = s.Bandwidth(ctx, "other")
	require.NoError(t, err)
	require.Zero(t, usage)
}

func TestControlChannel(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := s.SubscribeControl(ctx)
	require.NoError(t, err)
	require.NoError(t, s.PublishControl(ctx, ControlEvent{Action: ActionStop, Key: "api", Owner: "conn"}))
	select {
	case event := <-events:
		require.Equal(t, ControlEvent{Action: ActionStop, Key: "api", Owner: "conn"}, event)
	case <-time.After(2 * time.Second):
		t.Fatal("control event not delivered")
	}
}
