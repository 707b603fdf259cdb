package store

import (
	"context"

	C "github.com/sagernet/sing-expose/constant"
	E "github.com/sagernet/sing/common/exceptions"
)

// AddBandwidth atomically adds n bytes to the organization's counter for the
// current window and returns the new total.
func (s *Store) AddBandwidth(ctx context.Context, organizationID string, n int64) (int64, error) {
	key := BandwidthKey(organizationID, s.now())
	usage, err := s.client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, E.Cause(err, "add bandwidth")
	}
	if usage == n {
		s.client.Expire(ctx, key, C.BandwidthWindowTTL)
	}
	return usage, nil
}

func (s *Store) Bandwidth(ctx context.Context, organizationID string) (int64, error) {
	usage, err := s.client.Get(ctx, BandwidthKey(organizationID, s.now())).Int64()
	if err != nil && !isNil(err) {
		return 0, E.Cause(err, "read bandwidth")
	}
	return usage, nil
}
