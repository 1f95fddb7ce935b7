package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// UsageSnapshot is a point-in-time quota reading for one owner.
type UsageSnapshot struct {
	UsedBytes  int64
	LimitBytes int64
}

// UsageReporter reports quota usage. Satisfied by the filesystem service.
type UsageReporter interface {
	UsageSnapshot(ctx context.Context, owner string) (UsageSnapshot, error)
}

// Collector samples quota usage for a fixed set of owners.
type Collector struct {
	metrics *Metrics
	usage   UsageReporter
	owners  []string
}

// NewCollector creates a new quota collector.
func NewCollector(m *Metrics, usage UsageReporter, owners ...string) *Collector {
	return &Collector{
		metrics: m,
		usage:   usage,
		owners:  owners,
	}
}

// Collect updates the quota gauges from the current state. Owners whose
// usage cannot be read keep their previous values.
func (c *Collector) Collect(ctx context.Context) {
	for _, owner := range c.owners {
		snap, err := c.usage.UsageSnapshot(ctx, owner)
		if err != nil {
			log.Debug().Err(err).Str("owner", owner).Msg("quota sample failed")
			continue
		}
		c.metrics.UpdateQuota(owner, snap.UsedBytes, snap.LimitBytes)
	}
}

// Run starts periodic collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
