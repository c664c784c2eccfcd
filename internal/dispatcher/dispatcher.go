// Package dispatcher implements the worker pool of §4.3: each worker
// claims a batch from the buffer, delivers every message through its
// destination's egress adapter under a per-message timeout, and reports
// the outcome back with exponential, jittered backoff on failure.
// Grounded on the teacher's worker/engine.go retry-and-classify loop.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/mqtt-opcua-bridge/internal/adapter"
	"github.com/example/mqtt-opcua-bridge/internal/bridgeerr"
	"github.com/example/mqtt-opcua-bridge/internal/model"
)

// Lease is the subset of buffer.Buffer the dispatcher depends on.
type Lease interface {
	Lease(ctx context.Context, limit int, workerID string, leaseDuration time.Duration) ([]model.Message, error)
	Complete(ctx context.Context, id int64) error
	FailRetry(ctx context.Context, id int64, cause error, backoff time.Duration) error
	FailPermanent(ctx context.Context, id int64, cause error) error
}

// Router resolves a message's destination to the adapter that delivers it.
type Router interface {
	EgressFor(destination model.Destination) (adapter.Egress, bool)
}

// Config tunes the worker pool (§4.3, §6.1's buffer.* keys).
type Config struct {
	Workers            int
	BatchSize          int
	LeaseDuration      time.Duration
	PerMessageTimeout  time.Duration
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	IdleBackoffMin     time.Duration
	IdleBackoffMax     time.Duration
	MaxConcurrentSends int64
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.PerMessageTimeout <= 0 {
		c.PerMessageTimeout = 10 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.IdleBackoffMin <= 0 {
		c.IdleBackoffMin = 50 * time.Millisecond
	}
	if c.IdleBackoffMax <= 0 {
		c.IdleBackoffMax = 2 * time.Second
	}
	if c.MaxConcurrentSends <= 0 {
		c.MaxConcurrentSends = int64(c.Workers * c.BatchSize)
	}
}

// Dispatcher runs the worker pool.
type Dispatcher struct {
	buffer Lease
	router Router
	cfg    Config
	log    zerolog.Logger
	sem    *semaphore.Weighted
}

// New constructs a Dispatcher. cfg's zero-valued fields are defaulted
// per §4.3.
func New(buf Lease, router Router, cfg Config, log zerolog.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		buffer: buf,
		router: router,
		cfg:    cfg,
		log:    log,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrentSends),
	}
}

// Run starts cfg.Workers worker goroutines and blocks until ctx is
// cancelled and every worker has finished its in-flight egress call. Each
// worker's lease-owner id includes a fresh UUID, so owner ids never repeat
// across workers or process restarts.
func (d *Dispatcher) Run(ctx context.Context) {
	done := make(chan struct{}, d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString())
		go func() {
			d.runWorker(ctx, workerID)
			done <- struct{}{}
		}()
	}
	for i := 0; i < d.cfg.Workers; i++ {
		<-done
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	idleBackoff := d.cfg.IdleBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := d.buffer.Lease(ctx, d.cfg.BatchSize, workerID, d.cfg.LeaseDuration)
		if err != nil {
			d.log.Error().Err(err).Str("worker", workerID).Msg("dispatcher: claim failed")
			if !sleepOrDone(ctx, idleBackoff) {
				return
			}
			idleBackoff = nextIdleBackoff(idleBackoff, d.cfg.IdleBackoffMax)
			continue
		}

		if len(batch) == 0 {
			if !sleepOrDone(ctx, idleBackoff) {
				return
			}
			idleBackoff = nextIdleBackoff(idleBackoff, d.cfg.IdleBackoffMax)
			continue
		}
		idleBackoff = d.cfg.IdleBackoffMin

		for _, msg := range batch {
			if ctx.Err() != nil {
				return
			}
			d.deliverOne(ctx, msg)
		}
	}
}

func nextIdleBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (d *Dispatcher) deliverOne(ctx context.Context, msg model.Message) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)

	egress, ok := d.router.EgressFor(msg.Destination)
	if !ok {
		d.log.Error().Int64("message_id", msg.ID).Str("destination", string(msg.Destination)).Msg("dispatcher: no egress adapter for destination")
		d.failRetry(ctx, msg, bridgeerr.WrapRetryable(fmt.Errorf("no egress adapter registered for destination %q", msg.Destination)))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.PerMessageTimeout)
	defer cancel()

	outcome, err := egress.Deliver(callCtx, msg)
	switch {
	case err == nil && outcome == adapter.Ok:
		if cerr := d.buffer.Complete(ctx, msg.ID); cerr != nil {
			d.log.Error().Err(cerr).Int64("message_id", msg.ID).Msg("dispatcher: complete failed")
		}
	case outcome == adapter.Permanent:
		if cerr := d.buffer.FailPermanent(ctx, msg.ID, err); cerr != nil {
			d.log.Error().Err(cerr).Int64("message_id", msg.ID).Msg("dispatcher: fail_permanent failed")
		}
	default:
		if callCtx.Err() != nil {
			err = errTimeoutOrCancelled(callCtx)
		}
		d.failRetry(ctx, msg, err)
	}
}

func (d *Dispatcher) failRetry(ctx context.Context, msg model.Message, cause error) {
	delay := computeBackoff(d.cfg.BaseBackoff, d.cfg.MaxBackoff, msg.RetryCount)
	if err := d.buffer.FailRetry(ctx, msg.ID, cause, delay); err != nil {
		d.log.Error().Err(err).Int64("message_id", msg.ID).Msg("dispatcher: fail_retry failed")
	}
}

// computeBackoff implements §4.3's formula: min(base*2^retry, max) with
// ±20% jitter, using cenkalti/backoff's exponential policy driven forward
// retryCount steps from a fresh state so the result depends only on
// retryCount, not on call history.
func computeBackoff(base, max time.Duration, retryCount int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0
	eb.Reset()

	delay := eb.InitialInterval
	for i := 0; i <= retryCount; i++ {
		delay = eb.NextBackOff()
	}
	if delay == backoff.Stop {
		delay = max
	}
	return delay
}

func errTimeoutOrCancelled(ctx context.Context) error {
	if ctx.Err() == context.Canceled {
		return bridgeerr.WrapRetryable(context.Canceled)
	}
	return bridgeerr.WrapRetryable(context.DeadlineExceeded)
}
