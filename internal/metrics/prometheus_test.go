package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"github.com/example/mqtt-opcua-bridge/internal/metrics"
)

func TestPollUpdatesGaugesFromSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewBridgeMetrics(reg, zerolog.Nop())

	calls := 0
	snap := func(ctx context.Context) (metrics.Stats, error) {
		calls++
		return metrics.Stats{Pending: 3, Processing: 1, Throughput: 42}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	m.Poll(ctx, snap, 5*time.Millisecond)

	if calls == 0 {
		t.Fatal("expected at least one snapshot call")
	}

	var out dto.Metric
	if err := m.PendingCurrent.Write(&out); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.GetGauge().GetValue() != 3 {
		t.Fatalf("pending gauge = %v, want 3", out.GetGauge().GetValue())
	}
}
