package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mqtt-opcua-bridge/internal/adapter"
	"github.com/example/mqtt-opcua-bridge/internal/dispatcher"
	"github.com/example/mqtt-opcua-bridge/internal/model"
)

type bufferStub struct {
	mu        sync.Mutex
	batch     []model.Message
	claimed   bool
	completed []int64
	retried   []int64
	permanent []int64
}

func (b *bufferStub) Lease(ctx context.Context, limit int, workerID string, leaseDuration time.Duration) ([]model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.claimed {
		return nil, nil
	}
	b.claimed = true
	return b.batch, nil
}

func (b *bufferStub) Complete(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed = append(b.completed, id)
	return nil
}

func (b *bufferStub) FailRetry(ctx context.Context, id int64, cause error, backoff time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retried = append(b.retried, id)
	return nil
}

func (b *bufferStub) FailPermanent(ctx context.Context, id int64, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.permanent = append(b.permanent, id)
	return nil
}

type egressStub struct {
	outcome adapter.Outcome
	err     error
}

func (e *egressStub) Deliver(ctx context.Context, msg model.Message) (adapter.Outcome, error) {
	return e.outcome, e.err
}

type routerStub struct {
	egress adapter.Egress
	ok     bool
}

func (r *routerStub) EgressFor(destination model.Destination) (adapter.Egress, bool) {
	return r.egress, r.ok
}

func runOnce(t *testing.T, buf *bufferStub, router *routerStub) {
	t.Helper()
	d := dispatcher.New(buf, router, dispatcher.Config{
		Workers:        1,
		BatchSize:      len(buf.batch),
		IdleBackoffMin: time.Millisecond,
		IdleBackoffMax: 2 * time.Millisecond,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	d.Run(ctx)
}

func TestDispatcherCompletesOnOkOutcome(t *testing.T) {
	buf := &bufferStub{batch: []model.Message{{ID: 1, Destination: model.DestinationOPCUA}}}
	router := &routerStub{egress: &egressStub{outcome: adapter.Ok}, ok: true}

	runOnce(t, buf, router)

	if len(buf.completed) != 1 || buf.completed[0] != 1 {
		t.Fatalf("completed = %v, want [1]", buf.completed)
	}
}

func TestDispatcherRetriesOnRetryableOutcome(t *testing.T) {
	buf := &bufferStub{batch: []model.Message{{ID: 2, Destination: model.DestinationOPCUA}}}
	router := &routerStub{egress: &egressStub{outcome: adapter.Retryable, err: errors.New("transient")}, ok: true}

	runOnce(t, buf, router)

	if len(buf.retried) != 1 || buf.retried[0] != 2 {
		t.Fatalf("retried = %v, want [2]", buf.retried)
	}
}

func TestDispatcherArchivesOnPermanentOutcome(t *testing.T) {
	buf := &bufferStub{batch: []model.Message{{ID: 3, Destination: model.DestinationOPCUA}}}
	router := &routerStub{egress: &egressStub{outcome: adapter.Permanent, err: errors.New("rejected")}, ok: true}

	runOnce(t, buf, router)

	if len(buf.permanent) != 1 || buf.permanent[0] != 3 {
		t.Fatalf("permanent = %v, want [3]", buf.permanent)
	}
}

func TestDispatcherRetriesWhenNoAdapterRegistered(t *testing.T) {
	buf := &bufferStub{batch: []model.Message{{ID: 4, Destination: "unknown"}}}
	router := &routerStub{ok: false}

	runOnce(t, buf, router)

	if len(buf.retried) != 1 || buf.retried[0] != 4 {
		t.Fatalf("retried = %v, want [4]", buf.retried)
	}
}
