// Package bandwidth decides whether a chunk of tunnel traffic may be
// forwarded under an organization's byte budget.
package bandwidth

import (
	"context"

	"github.com/sagernet/sing-expose/log"
)

// Unlimited disables metering for a connection.
const Unlimited int64 = -1

type Counter interface {
	AddBandwidth(ctx context.Context, organizationID string, n int64) (int64, error)
}

type Gate struct {
	counter Counter
	logger  log.ContextLogger
}

func NewGate(counter Counter, logger log.ContextLogger) *Gate {
	return &Gate{
		counter: counter,
		logger:  logger,
	}
}

// Allow charges n bytes to organizationID and reports whether they fit in
// limit. Traffic without an organization or with a non-positive limit is
// never metered. A counter failure denies the chunk.
func (g *Gate) Allow(ctx context.Context, organizationID string, limit int64, n int) bool {
	if g == nil || g.counter == nil || organizationID == "" || limit <= 0 {
		return true
	}
	usage, err := g.counter.AddBandwidth(ctx, organizationID, int64(n))
	if err != nil {
		g.logger.DebugContext(ctx, "bandwidth check failed for ", organizationID, ": ", err)
		return false
	}
	return usage <= limit
}
