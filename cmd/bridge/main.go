// Command bridge runs the persistent message buffer and its dispatch
// pipeline: ingress adapters enqueue canonicalized values, worker goroutines
// dispatch them through egress adapters, and a janitor sweeps stuck leases,
// expired messages and old completed rows on a fixed interval.
//
// The MQTT broker and OPC-UA server connections are external collaborators
// (out of scope per §1); loopbackTransport in loopback.go is the minimal
// Publisher/Subscriber/NodeWriter/NodeSubscriber implementation this binary
// ships with so it runs standalone, and is the seam a deployment replaces
// with a real client.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/mqtt-opcua-bridge/internal/adapter"
	adaptermqtt "github.com/example/mqtt-opcua-bridge/internal/adapters/mqtt"
	adapteropcua "github.com/example/mqtt-opcua-bridge/internal/adapters/opcua"
	"github.com/example/mqtt-opcua-bridge/internal/bridgeerr"
	"github.com/example/mqtt-opcua-bridge/internal/buffer"
	"github.com/example/mqtt-opcua-bridge/internal/config"
	"github.com/example/mqtt-opcua-bridge/internal/dispatcher"
	"github.com/example/mqtt-opcua-bridge/internal/janitor"
	"github.com/example/mqtt-opcua-bridge/internal/logger"
	"github.com/example/mqtt-opcua-bridge/internal/mapping"
	"github.com/example/mqtt-opcua-bridge/internal/metrics"
	"github.com/example/mqtt-opcua-bridge/internal/model"
	"github.com/example/mqtt-opcua-bridge/internal/store"
)

// exitStoreUnavailable is the process exit code §7 mandates once
// store_unavailable retries are exhausted at startup.
const exitStoreUnavailable = 2

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath())
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(os.Getenv("BRIDGE_ENV"), os.Getenv("BRIDGE_LOG_LEVEL"))
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "bridge").Logger()

	st, err := openStoreWithRetry(ctx, cfg.Buffer.DBPath, log)
	if err != nil {
		if errors.Is(err, bridgeerr.ErrStoreUnavail) {
			log.Error().Err(err).Msg("store unavailable after 30s of retries, exiting")
			os.Exit(exitStoreUnavailable)
		}
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close store")
		}
	}()

	buf := buffer.New(st, buffer.Config{
		MaxSize:          cfg.Buffer.MaxSize,
		DefaultTTL:       time.Duration(cfg.Buffer.MessageTTLMinutes * float64(time.Minute)),
		MetricFlushEvery: time.Duration(cfg.Buffer.CleanupIntervalS) * time.Second,
	}, logger.Component(log, "buffer"))

	entries, err := mapping.EntriesFromConfig(cfg.Mappings)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to translate mapping table")
	}
	table := mapping.Build(entries)

	enqueue := func(ctx context.Context, destination model.Destination, targetKey, value string, dataType model.DataType, priority model.Priority, maxRetries int, coalesce bool) error {
		var source model.Source
		switch destination {
		case model.DestinationOPCUA:
			source = model.SourceMQTT
		case model.DestinationMQTT:
			source = model.SourceOPCUA
		}
		_, err := buf.Enqueue(ctx, buffer.EnqueueRequest{
			Source:      source,
			Destination: destination,
			TopicOrNode: targetKey,
			Value:       value,
			DataType:    dataType,
			Priority:    priority,
			MaxRetries:  maxRetries,
			Coalesce:    coalesce,
		})
		return err
	}

	enqueueFailed := func(ctx context.Context, destination model.Destination, targetKey, value string, dataType model.DataType, priority model.Priority, maxRetries int, cause error) error {
		var source model.Source
		switch destination {
		case model.DestinationOPCUA:
			source = model.SourceMQTT
		case model.DestinationMQTT:
			source = model.SourceOPCUA
		}
		_, err := buf.EnqueueFailed(ctx, buffer.EnqueueRequest{
			Source:      source,
			Destination: destination,
			TopicOrNode: targetKey,
			Value:       value,
			DataType:    dataType,
			Priority:    priority,
			MaxRetries:  maxRetries,
		}, cause)
		return err
	}

	transport := newLoopbackTransport(logger.Component(log, "loopback-transport"))

	mqttEgress, err := adaptermqtt.NewAdapter(transport, byte(cfg.MQTT.QoS), logger.Component(log, "mqtt-adapter"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build mqtt egress adapter")
	}
	opcuaEgress, err := adapteropcua.NewAdapter(transport, logger.Component(log, "opcua-adapter"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build opcua egress adapter")
	}

	router := staticRouter{
		model.DestinationMQTT:  mqttEgress,
		model.DestinationOPCUA: opcuaEgress,
	}

	mqttIngress, err := adaptermqtt.NewIngress(transport, table, "#", byte(cfg.MQTT.QoS), enqueue, enqueueFailed, logger.Component(log, "mqtt-ingress"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build mqtt ingress adapter")
	}
	evictOldest := func(ctx context.Context, destination model.Destination, targetKey string) (bool, error) {
		return buf.EvictOldestPending(ctx, destination, targetKey)
	}

	opcuaIngress, err := adapteropcua.NewIngress(transport, table, opcuaNodeIDs(cfg.Mappings), enqueue, enqueueFailed, evictOldest, logger.Component(log, "opcua-ingress"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build opcua ingress adapter")
	}

	disp := dispatcher.New(buf, router, dispatcher.Config{
		Workers:           cfg.Buffer.WorkerThreads,
		BatchSize:         cfg.Buffer.BatchSize,
		LeaseDuration:     time.Duration(cfg.Buffer.LeaseDurationSeconds) * time.Second,
		PerMessageTimeout: time.Duration(cfg.Buffer.PerMessageTimeoutS) * time.Second,
		BaseBackoff:       time.Duration(cfg.Buffer.BaseBackoffSeconds * float64(time.Second)),
		MaxBackoff:        time.Duration(cfg.Buffer.MaxBackoffSeconds * float64(time.Second)),
	}, logger.Component(log, "dispatcher"))

	jan := janitor.New(buf,
		time.Duration(cfg.Buffer.CleanupIntervalS)*time.Second,
		time.Duration(cfg.Buffer.RetentionDays)*24*time.Hour,
		logger.Component(log, "janitor"))

	go buf.RunMetricFlusher(ctx)
	go disp.Run(ctx)
	go jan.Run(ctx)
	go runIngress(ctx, logger.Component(log, "mqtt-ingress"), "mqtt", mqttIngress.Start)
	go runIngress(ctx, logger.Component(log, "opcua-ingress"), "opcua", opcuaIngress.Start)

	if addr := os.Getenv("BRIDGE_METRICS_ADDR"); addr != "" {
		reg := prometheus.NewRegistry()
		bm := metrics.NewBridgeMetrics(reg, logger.Component(log, "metrics"))
		go bm.Poll(ctx, func(ctx context.Context) (metrics.Stats, error) {
			s, err := buf.Snapshot(ctx)
			return metrics.Stats{
				Pending: s.Pending, Processing: s.Processing, Throughput: s.Throughput,
				Enqueued: s.Enqueued, Completed: s.Completed, Failed: s.Failed,
				Expired: s.Expired, Retried: s.Retried,
			}, err
		}, 10*time.Second)

		srv := metrics.NewServer(addr, os.Getenv("BRIDGE_METRICS_CERT"), os.Getenv("BRIDGE_METRICS_KEY"), reg, logger.Component(log, "metrics-server"))
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Error().Err(err).Msg("metrics server terminated with error")
			}
		}()
	}

	log.Info().Int("mappings", len(entries)).Int("workers", cfg.Buffer.WorkerThreads).Msg("bridge started")
	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")
}

// openStoreWithRetry implements §7's store_unavailable recovery: a
// store.Open failure classified as StoreUnavailable (disk I/O, lock
// contention) is retried with exponential backoff for up to 30s before
// giving up; any other classification (e.g. a bad configured path) fails
// immediately since retrying it would never succeed.
func openStoreWithRetry(ctx context.Context, path string, log zerolog.Logger) (*store.Store, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	eb.MaxElapsedTime = 30 * time.Second

	var st *store.Store
	attempt := 0
	operation := func() error {
		attempt++
		s, err := store.Open(path)
		if err != nil {
			if !errors.Is(err, bridgeerr.ErrStoreUnavail) {
				return backoff.Permanent(err)
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("store unavailable, retrying")
			return err
		}
		st = s
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(eb, ctx)); err != nil {
		return nil, err
	}
	return st, nil
}

func configPath() string {
	if p := os.Getenv("BRIDGE_CONFIG"); p != "" {
		return p
	}
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return "config.yaml"
}

func opcuaNodeIDs(rows []config.MappingEntry) []string {
	seen := make(map[string]struct{}, len(rows))
	var nodeIDs []string
	for _, row := range rows {
		if row.Direction != "opcua_to_mqtt" && row.Direction != "bidirectional" {
			continue
		}
		if _, ok := seen[row.OPCUANode]; ok {
			continue
		}
		seen[row.OPCUANode] = struct{}{}
		nodeIDs = append(nodeIDs, row.OPCUANode)
	}
	return nodeIDs
}

func runIngress(ctx context.Context, log zerolog.Logger, name string, start func(context.Context) error) {
	if err := start(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Str("ingress", name).Msg("ingress terminated with error")
	}
}

// staticRouter satisfies dispatcher.Router over a fixed destination-to-adapter
// table built once at startup.
type staticRouter map[model.Destination]adapter.Egress

func (r staticRouter) EgressFor(destination model.Destination) (adapter.Egress, bool) {
	egress, ok := r[destination]
	return egress, ok
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("bridge init failed")
}
