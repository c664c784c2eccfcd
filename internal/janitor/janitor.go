// Package janitor implements the single periodic maintenance task of
// §4.4: reclaim_stuck, expire_due, cleanup and snapshot_stats, run as
// four independent transactions so a failure in one never blocks another.
package janitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Maintainer is the subset of buffer.Buffer the janitor depends on.
type Maintainer interface {
	ReclaimStuck(ctx context.Context) (int, error)
	ExpireDue(ctx context.Context) (int, error)
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
	SnapshotStats(ctx context.Context) error
}

// Janitor runs the maintenance sweep on a fixed interval.
type Janitor struct {
	buffer    Maintainer
	interval  time.Duration
	retention time.Duration
	log       zerolog.Logger
}

// New constructs a Janitor. interval defaults to 60s, retention to 7 days,
// matching §4.4's defaults.
func New(buf Maintainer, interval, retention time.Duration, log zerolog.Logger) *Janitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Janitor{buffer: buf, interval: interval, retention: retention, log: log}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

// SweepOnce runs the four maintenance operations once, in order, without
// waiting for the next tick. Run does not call it; Run's first sweep
// happens one interval after it starts.
func (j *Janitor) SweepOnce(ctx context.Context) {
	j.sweepOnce(ctx)
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	if n, err := j.buffer.ReclaimStuck(ctx); err != nil {
		j.log.Error().Err(err).Msg("janitor: reclaim_stuck failed")
	} else if n > 0 {
		j.log.Info().Int("count", n).Msg("janitor: reclaimed stuck leases")
	}

	if n, err := j.buffer.ExpireDue(ctx); err != nil {
		j.log.Error().Err(err).Msg("janitor: expire_due failed")
	} else if n > 0 {
		j.log.Info().Int("count", n).Msg("janitor: expired messages past ttl")
	}

	if n, err := j.buffer.Cleanup(ctx, j.retention); err != nil {
		j.log.Error().Err(err).Msg("janitor: cleanup failed")
	} else if n > 0 {
		j.log.Debug().Int("count", n).Msg("janitor: cleaned up completed rows")
	}

	if err := j.buffer.SnapshotStats(ctx); err != nil {
		j.log.Error().Err(err).Msg("janitor: snapshot_stats failed")
	}
}
