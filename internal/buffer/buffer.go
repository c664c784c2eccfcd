// Package buffer implements the thin façade the ingress adapters and the
// dispatcher call into (§4.2): enqueue/lease/complete/fail/expire/cleanup,
// with defaulting, bounds checking, soft-capacity backpressure and
// per-mapping coalescing layered on top of the store.
package buffer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mqtt-opcua-bridge/internal/bridgeerr"
	"github.com/example/mqtt-opcua-bridge/internal/model"
	"github.com/example/mqtt-opcua-bridge/internal/store"
)

// EnqueueRequest is a plain record an ingress adapter hands to Enqueue.
// Value must already be in canonical form: the caller is responsible for
// canonicalizing it via the coerce package before calling.
type EnqueueRequest struct {
	Source      model.Source
	Destination model.Destination
	TopicOrNode string
	Value       string
	DataType    model.DataType
	Priority    model.Priority
	MaxRetries  int
	TTL         time.Duration
	Coalesce    bool
}

// Buffer is the façade over the Store. Gauge metrics (pending/processing
// current, throughput) are sampled and flushed to the store every
// flushInterval; the §3.3 monotonic counters (enqueued, completed, failed,
// expired, retried) are instead recorded synchronously at each state
// transition, per §4.2's observability note.
type Buffer struct {
	store         *store.Store
	log           zerolog.Logger
	maxSize       int
	defaultTTL    time.Duration
	flushInterval time.Duration
	nowFn         func() time.Time
}

// Config tunes buffer-level policy independent of the store's own knobs.
type Config struct {
	MaxSize          int
	DefaultTTL       time.Duration
	MetricFlushEvery time.Duration
}

// New wraps s with the enqueue/lease/complete/fail façade.
func New(s *store.Store, cfg Config, log zerolog.Logger) *Buffer {
	if cfg.MetricFlushEvery <= 0 {
		cfg.MetricFlushEvery = 10 * time.Second
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Minute
	}
	return &Buffer{
		store:         s,
		log:           log,
		maxSize:       cfg.MaxSize,
		defaultTTL:    cfg.DefaultTTL,
		flushInterval: cfg.MetricFlushEvery,
		nowFn:         time.Now,
	}
}

// RunMetricFlusher blocks, periodically snapshotting stats until ctx is
// cancelled. Intended to run as its own goroutine from cmd/bridge.
func (b *Buffer) RunMetricFlusher(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.store.SnapshotStats(ctx, b.nowFn().UTC()); err != nil {
				b.log.Error().Err(err).Msg("metric snapshot failed")
			}
		}
	}
}

// Enqueue validates req, applies coalescing and soft-capacity policy, and
// inserts the message. Returns the assigned message id.
func (b *Buffer) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	if err := validateRequest(req); err != nil {
		return 0, err
	}

	now := b.nowFn().UTC()

	if req.Coalesce {
		if target, err := b.store.FindCoalesceTarget(ctx, req.Destination, req.TopicOrNode, req.Priority); err != nil {
			return 0, err
		} else if target != 0 {
			if err := b.store.Coalesce(ctx, target, req.Value); err != nil {
				return 0, err
			}
			b.recordCounter(ctx, model.MetricEnqueued, now, 1)
			return target, nil
		}
	}

	if b.maxSize > 0 && req.Priority != model.PriorityCritical {
		pending, err := b.store.CountByStatus(ctx, model.StatusPending)
		if err != nil {
			return 0, err
		}
		if pending >= b.maxSize {
			return 0, fmt.Errorf("%w: pending count %d at or above max_size %d", bridgeerr.ErrBufferFull, pending, b.maxSize)
		}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = model.DefaultMaxRetries
	}

	id, err := b.store.Insert(ctx, model.Message{
		Source:      req.Source,
		Destination: req.Destination,
		TopicOrNode: req.TopicOrNode,
		Value:       req.Value,
		DataType:    req.DataType,
		Priority:    req.Priority,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		ExpireAt:    now.Add(ttl),
	})
	if err != nil {
		return 0, err
	}
	b.recordCounter(ctx, model.MetricEnqueued, now, 1)
	return id, nil
}

// EnqueueFailed inserts a message that failed canonicalization at ingress
// and immediately archives it as terminally failed (§6.2: "coercion
// failures at ingress are Permanent"), so the archive row and failed
// status §8's S2 scenario expects are produced even though Value could
// never be coerced into its canonical wire form.
func (b *Buffer) EnqueueFailed(ctx context.Context, req EnqueueRequest, cause error) (int64, error) {
	if req.TopicOrNode == "" {
		return 0, bridgeerr.Configuration("enqueue: topic_or_node must not be empty", nil)
	}

	now := b.nowFn().UTC()
	ttl := req.TTL
	if ttl <= 0 {
		ttl = b.defaultTTL
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = model.DefaultMaxRetries
	}

	id, err := b.store.Insert(ctx, model.Message{
		Source:      req.Source,
		Destination: req.Destination,
		TopicOrNode: req.TopicOrNode,
		Value:       req.Value,
		DataType:    req.DataType,
		Priority:    req.Priority,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		ExpireAt:    now.Add(ttl),
	})
	if err != nil {
		return 0, err
	}
	b.recordCounter(ctx, model.MetricEnqueued, now, 1)
	if err := b.store.FailPermanent(ctx, id, cause.Error()); err != nil {
		return 0, err
	}
	b.recordCounter(ctx, model.MetricFailed, now, 1)
	return id, nil
}

func validateRequest(req EnqueueRequest) error {
	if req.TopicOrNode == "" {
		return bridgeerr.Configuration("enqueue: topic_or_node must not be empty", nil)
	}
	if !model.ValidDataType(req.DataType) {
		return bridgeerr.Configuration(fmt.Sprintf("enqueue: unknown data_type %q", req.DataType), nil)
	}
	if req.MaxRetries < 0 {
		return bridgeerr.Configuration("enqueue: max_retries must not be negative", nil)
	}
	if !model.ValidPriority(req.Priority) {
		return bridgeerr.Configuration(fmt.Sprintf("enqueue: unknown priority %d", req.Priority), nil)
	}
	return nil
}

// Lease claims up to limit pending messages for workerID.
func (b *Buffer) Lease(ctx context.Context, limit int, workerID string, leaseDuration time.Duration) ([]model.Message, error) {
	return b.store.Claim(ctx, limit, workerID, leaseDuration)
}

// Complete marks a message delivered successfully.
func (b *Buffer) Complete(ctx context.Context, id int64) error {
	if err := b.store.Complete(ctx, id); err != nil {
		return err
	}
	b.recordCounter(ctx, model.MetricCompleted, b.nowFn().UTC(), 1)
	return nil
}

// FailRetry records a retryable delivery failure, or archives the message
// as terminally failed if its retry budget is exhausted (§4.7).
func (b *Buffer) FailRetry(ctx context.Context, id int64, cause error, backoff time.Duration) error {
	archived, err := b.store.FailRetry(ctx, id, cause.Error(), backoff)
	if err != nil {
		return err
	}
	if archived {
		b.recordCounter(ctx, model.MetricFailed, b.nowFn().UTC(), 1)
	} else {
		b.recordCounter(ctx, model.MetricRetried, b.nowFn().UTC(), 1)
	}
	return nil
}

// FailPermanent archives a message whose failure is not retryable.
func (b *Buffer) FailPermanent(ctx context.Context, id int64, cause error) error {
	if err := b.store.FailPermanent(ctx, id, cause.Error()); err != nil {
		return err
	}
	b.recordCounter(ctx, model.MetricFailed, b.nowFn().UTC(), 1)
	return nil
}

// ExpireDue sweeps messages past their TTL.
func (b *Buffer) ExpireDue(ctx context.Context) (int, error) {
	n, err := b.store.ExpireDue(ctx, b.nowFn().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.recordCounter(ctx, model.MetricExpired, b.nowFn().UTC(), float64(n))
	}
	return n, nil
}

// recordCounter persists a §3.3 monotonic counter sample. Metric recording
// is best-effort: a write failure here must not roll back or block the
// domain transition it accompanies.
func (b *Buffer) recordCounter(ctx context.Context, name model.MetricName, now time.Time, delta float64) {
	if err := b.store.RecordCounter(ctx, name, now, delta); err != nil {
		b.log.Warn().Err(err).Str("metric", string(name)).Msg("buffer: failed to record counter")
	}
}

// ReclaimStuck sweeps messages whose lease has expired.
func (b *Buffer) ReclaimStuck(ctx context.Context) (int, error) {
	return b.store.ReclaimStuck(ctx, b.nowFn().UTC())
}

// EvictOldestPending drops the oldest pending row for destination/targetKey
// to admit a new arrival at capacity, implementing §5's OPC-UA-specific
// "drop oldest" backpressure policy (MQTT ingress instead drops the new
// value and leaves the buffer untouched). Returns whether a row existed to
// evict.
func (b *Buffer) EvictOldestPending(ctx context.Context, destination model.Destination, targetKey string) (bool, error) {
	return b.store.DropOldestPending(ctx, destination, targetKey)
}

// Cleanup removes completed messages processed longer ago than retention.
// Failed and expired rows are not removed.
func (b *Buffer) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	return b.store.Cleanup(ctx, b.nowFn().UTC().Add(-retention))
}

// SnapshotStats writes one metric row per tracked gauge, for the janitor's
// periodic sweep.
func (b *Buffer) SnapshotStats(ctx context.Context) error {
	return b.store.SnapshotStats(ctx, b.nowFn().UTC())
}

// Stats returns pending/processing counts, recent throughput and the
// lifetime totals of the §3.3 monotonic counters, for the operator CLI's
// `stats` subcommand and the Prometheus exporter's polling loop.
type Stats struct {
	Pending    int
	Processing int
	Throughput float64

	Enqueued  float64
	Completed float64
	Failed    float64
	Expired   float64
	Retried   float64
}

// Snapshot reports the buffer's current occupancy, trailing throughput and
// lifetime counter totals.
func (b *Buffer) Snapshot(ctx context.Context) (Stats, error) {
	pending, err := b.store.CountByStatus(ctx, model.StatusPending)
	if err != nil {
		return Stats{}, err
	}
	processing, err := b.store.CountByStatus(ctx, model.StatusProcessing)
	if err != nil {
		return Stats{}, err
	}
	now := b.nowFn().UTC()
	samples, err := b.store.QueryMetricHistory(ctx, model.MetricThroughputPerMin, now.Add(-time.Minute), now)
	if err != nil {
		return Stats{}, err
	}
	var throughput float64
	if len(samples) > 0 {
		throughput = samples[len(samples)-1].Value
	}

	stats := Stats{Pending: pending, Processing: processing, Throughput: throughput}
	counters := []struct {
		name model.MetricName
		dst  *float64
	}{
		{model.MetricEnqueued, &stats.Enqueued},
		{model.MetricCompleted, &stats.Completed},
		{model.MetricFailed, &stats.Failed},
		{model.MetricExpired, &stats.Expired},
		{model.MetricRetried, &stats.Retried},
	}
	for _, c := range counters {
		total, err := b.store.SumCounter(ctx, c.name, time.Time{}, now)
		if err != nil {
			return Stats{}, err
		}
		*c.dst = total
	}
	return stats, nil
}
