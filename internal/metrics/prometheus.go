// Package metrics implements the optional Prometheus exporter mentioned
// in §1's non-goals list of specified-but-not-mandated surfaces. Grounded
// on the CounterVec/GaugeVec registration and promhttp server pattern
// used by the sqlite-backed queue's metrics package in the retrieval pack.
package metrics

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// BridgeMetrics exposes the buffer's counters and gauges as Prometheus
// series. The five §3.3 counters are plain Counters rather than
// CounterVecs: the store records them as unlabeled samples (§3.3 defines
// no destination breakdown), so Poll advances each Counter by the delta
// in the store's lifetime total since the previous tick.
type BridgeMetrics struct {
	Enqueued          prometheus.Counter
	Completed         prometheus.Counter
	Failed            prometheus.Counter
	Expired           prometheus.Counter
	Retried           prometheus.Counter
	PendingCurrent    prometheus.Gauge
	ProcessingCurrent prometheus.Gauge
	ThroughputPerMin  prometheus.Gauge

	log zerolog.Logger

	lastTotals Stats
}

// NewBridgeMetrics builds and registers every series with reg.
func NewBridgeMetrics(reg *prometheus.Registry, log zerolog.Logger) *BridgeMetrics {
	m := &BridgeMetrics{
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_messages_enqueued_total",
			Help: "Total number of messages enqueued into the buffer.",
		}),
		Completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_messages_completed_total",
			Help: "Total number of messages delivered successfully.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_messages_failed_total",
			Help: "Total number of messages archived as terminally failed.",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_messages_expired_total",
			Help: "Total number of messages archived after exceeding their TTL.",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_messages_retried_total",
			Help: "Total number of retry attempts scheduled.",
		}),
		PendingCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_buffer_pending_current",
			Help: "Number of messages currently pending dispatch.",
		}),
		ProcessingCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_buffer_processing_current",
			Help: "Number of messages currently leased to a worker.",
		}),
		ThroughputPerMin: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_buffer_throughput_per_minute",
			Help: "Messages completed in the trailing 60 seconds.",
		}),
		log: log,
	}

	reg.MustRegister(
		m.Enqueued, m.Completed, m.Failed, m.Expired, m.Retried,
		m.PendingCurrent, m.ProcessingCurrent, m.ThroughputPerMin,
	)
	return m
}

// Stats mirrors buffer.Stats to keep this package decoupled from the
// buffer package.
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

// SnapshotFunc adapts a buffer's Snapshot method to this package's Stats
// type, avoiding a dependency from internal/metrics on internal/buffer.
type SnapshotFunc func(ctx context.Context) (Stats, error)

// Poll updates every series from snap every interval until ctx is
// cancelled. The counter fields carry lifetime totals from the store, so
// each tick advances the Prometheus Counter by the observed delta rather
// than setting it outright.
func (m *BridgeMetrics) Poll(ctx context.Context, snap SnapshotFunc, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := snap(ctx)
			if err != nil {
				m.log.Error().Err(err).Msg("metrics: snapshot failed")
				continue
			}
			m.PendingCurrent.Set(float64(stats.Pending))
			m.ProcessingCurrent.Set(float64(stats.Processing))
			m.ThroughputPerMin.Set(stats.Throughput)

			m.advance(m.Enqueued, &m.lastTotals.Enqueued, stats.Enqueued)
			m.advance(m.Completed, &m.lastTotals.Completed, stats.Completed)
			m.advance(m.Failed, &m.lastTotals.Failed, stats.Failed)
			m.advance(m.Expired, &m.lastTotals.Expired, stats.Expired)
			m.advance(m.Retried, &m.lastTotals.Retried, stats.Retried)
		}
	}
}

func (m *BridgeMetrics) advance(c prometheus.Counter, last *float64, total float64) {
	if delta := total - *last; delta > 0 {
		c.Add(delta)
	}
	*last = total
}

// Server exposes reg's series on addr's /metrics endpoint, optionally
// over TLS when both cert and key files are configured.
type Server struct {
	addr     string
	certFile string
	keyFile  string
	reg      *prometheus.Registry
	log      zerolog.Logger
}

// NewServer constructs a metrics HTTP server. TLS is used only when both
// certFile and keyFile are non-empty; otherwise plaintext HTTP is served,
// matching the graceful TLS-optional fallback the retrieval pack's queue
// metrics server uses.
func NewServer(addr, certFile, keyFile string, reg *prometheus.Registry, log zerolog.Logger) *Server {
	return &Server{addr: addr, certFile: certFile, keyFile: keyFile, reg: reg, log: log}
}

// Run blocks serving /metrics until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if s.certFile != "" && s.keyFile != "" {
			srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			s.log.Info().Str("addr", s.addr).Msg("metrics server starting with TLS")
			errCh <- srv.ListenAndServeTLS(s.certFile, s.keyFile)
			return
		}
		s.log.Warn().Str("addr", s.addr).Msg("metrics server starting without TLS (no cert/key configured)")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
