package main

import (
	"context"

	"github.com/matst80/revtunnel/internal/reverse"
)

// StatsStore keeps cumulative per-portal counters fed by the engine's
// Reporter hook, plus the process readiness flags used by /readyz.
type StatsStore interface {
	reverse.Reporter

	// recordLimited counts a data stream refused by the admission limiter.
	recordLimited(tag string)
	totals() (map[string]PortalTotals, error)
	// instances returns the live engine view of every portal instance
	// sharing this store, keyed by instance id.
	instances() (map[string]map[string]reverse.PortalStats, error)
	startMaintenance(ctx context.Context, live func() map[string]reverse.PortalStats)

	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	close() error
}
