package buffer_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mqtt-opcua-bridge/internal/bridgeerr"
	"github.com/example/mqtt-opcua-bridge/internal/buffer"
	"github.com/example/mqtt-opcua-bridge/internal/model"
	"github.com/example/mqtt-opcua-bridge/internal/store"
)

func newTestBuffer(t *testing.T, maxSize int) *buffer.Buffer {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "buffer.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return buffer.New(s, buffer.Config{MaxSize: maxSize}, zerolog.Nop())
}

func validRequest() buffer.EnqueueRequest {
	return buffer.EnqueueRequest{
		Source:      model.SourceMQTT,
		Destination: model.DestinationOPCUA,
		TopicOrNode: "ns=2;s=Tank1.Level",
		Value:       "12.5",
		DataType:    model.DataTypeDouble,
		Priority:    model.PriorityNormal,
	}
}

func TestEnqueueRejectsEmptyTopic(t *testing.T) {
	b := newTestBuffer(t, 0)
	req := validRequest()
	req.TopicOrNode = ""
	if _, err := b.Enqueue(context.Background(), req); !errors.Is(err, bridgeerr.ErrConfiguration) {
		t.Fatalf("Enqueue error = %v, want ErrConfiguration", err)
	}
}

func TestEnqueueRejectsUnknownDataType(t *testing.T) {
	b := newTestBuffer(t, 0)
	req := validRequest()
	req.DataType = "Nope"
	if _, err := b.Enqueue(context.Background(), req); !errors.Is(err, bridgeerr.ErrConfiguration) {
		t.Fatalf("Enqueue error = %v, want ErrConfiguration", err)
	}
}

func TestEnqueueRejectsNegativeMaxRetries(t *testing.T) {
	b := newTestBuffer(t, 0)
	req := validRequest()
	req.MaxRetries = -1
	if _, err := b.Enqueue(context.Background(), req); !errors.Is(err, bridgeerr.ErrConfiguration) {
		t.Fatalf("Enqueue error = %v, want ErrConfiguration", err)
	}
}

func TestEnqueueSoftCapRejectsNonCritical(t *testing.T) {
	b := newTestBuffer(t, 1)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, validRequest()); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}

	req := validRequest()
	req.TopicOrNode = "ns=2;s=Tank2.Level"
	if _, err := b.Enqueue(ctx, req); !errors.Is(err, bridgeerr.ErrBufferFull) {
		t.Fatalf("Enqueue error = %v, want ErrBufferFull", err)
	}
}

func TestEnqueueSoftCapBypassedByCritical(t *testing.T) {
	b := newTestBuffer(t, 1)
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, validRequest()); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}

	req := validRequest()
	req.TopicOrNode = "ns=2;s=Tank2.Level"
	req.Priority = model.PriorityCritical
	id, err := b.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("critical Enqueue: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a valid message id")
	}

	stats, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if stats.Pending != 2 {
		t.Fatalf("pending = %d, want 2 (critical message bypasses the soft cap without evicting anything)", stats.Pending)
	}
}

func TestEnqueueCoalescesSamePriorityPendingRow(t *testing.T) {
	b := newTestBuffer(t, 0)
	ctx := context.Background()

	req := validRequest()
	req.Coalesce = true
	first, err := b.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}

	req.Value = "13.1"
	second, err := b.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if second != first {
		t.Fatalf("coalesced enqueue returned new id %d, want %d", second, first)
	}

	stats, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if stats.Pending != 1 {
		t.Fatalf("pending = %d, want 1 after coalescing", stats.Pending)
	}
}

func TestEnqueueFailedArchivesUncoercibleValue(t *testing.T) {
	b := newTestBuffer(t, 0)
	ctx := context.Background()

	req := validRequest()
	req.Value = "abc"
	req.DataType = model.DataTypeFloat
	id, err := b.EnqueueFailed(ctx, req, errors.New("cannot coerce \"abc\" to Float"))
	if err != nil {
		t.Fatalf("EnqueueFailed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a valid message id")
	}

	stats, err := b.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if stats.Pending != 0 {
		t.Fatalf("pending = %d, want 0 (archived, not left pending)", stats.Pending)
	}
	if stats.Failed != 1 {
		t.Fatalf("failed counter = %v, want 1", stats.Failed)
	}
}

func TestLeaseCompleteRoundTrip(t *testing.T) {
	b := newTestBuffer(t, 0)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, validRequest())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := b.Lease(ctx, 10, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("unexpected claim result: %+v", claimed)
	}

	if err := b.Complete(ctx, id); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}
