// Command buffer-monitor is the operator CLI over a Store file: stats,
// monitor, pending, failed, cleanup, reset and export, per §6.3. It opens
// the Store directly rather than through a running bridge process, so it
// must not be run concurrently against a Store a bridge process already
// holds the sidecar lock on.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/mqtt-opcua-bridge/internal/bridgeerr"
	"github.com/example/mqtt-opcua-bridge/internal/model"
	"github.com/example/mqtt-opcua-bridge/internal/store"
)

// Exit codes per §6.3.
const (
	exitOK        = 0
	exitUsage     = 1
	exitStore     = 2
	exitIntegrity = 3
)

var dbPath string

func main() {
	root := &cobra.Command{
		Use:   "buffer-monitor",
		Short: "Inspect and administer a bridge persistent message buffer",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "buffer.db", "path to the buffer Store file")

	root.AddCommand(statsCmd(), monitorCmd(), pendingCmd(), failedCmd(), cleanupCmd(), resetCmd(), exportCmd())

	if err := root.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, bridgeerr.ErrIntegrity):
		return exitIntegrity
	case errors.Is(err, bridgeerr.ErrStoreUnavail):
		return exitStore
	default:
		return exitUsage
	}
}

// run opens the Store, executes fn against it and translates any error into
// buffer-monitor's exit code, printing to stderr and exiting the process.
func run(fn func(ctx context.Context, s *store.Store) error) {
	s, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "buffer-monitor:", err)
		os.Exit(exitCode(err))
	}
	defer s.Close()

	if err := fn(context.Background(), s); err != nil {
		fmt.Fprintln(os.Stderr, "buffer-monitor:", err)
		os.Exit(exitCode(err))
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print live status counts and the last metric snapshot",
		Run: func(cmd *cobra.Command, args []string) {
			run(printStats)
		},
	}
}

func printStats(ctx context.Context, s *store.Store) error {
	for _, status := range []model.Status{model.StatusPending, model.StatusProcessing, model.StatusCompleted, model.StatusFailed, model.StatusExpired} {
		n, err := s.CountByStatus(ctx, status)
		if err != nil {
			return err
		}
		fmt.Printf("%-12s %d\n", status, n)
	}

	now := time.Now().UTC()
	samples, err := s.QueryMetricHistory(ctx, model.MetricThroughputPerMin, now.Add(-time.Minute), now)
	if err != nil {
		return err
	}
	if len(samples) > 0 {
		fmt.Printf("%-12s %.0f/min\n", "throughput", samples[len(samples)-1].Value)
	}

	for _, name := range []model.MetricName{model.MetricEnqueued, model.MetricCompleted, model.MetricFailed, model.MetricExpired, model.MetricRetried} {
		total, err := s.SumCounter(ctx, name, time.Time{}, now)
		if err != nil {
			return err
		}
		fmt.Printf("%-12s %.0f\n", name, total)
	}
	return nil
}

func monitorCmd() *cobra.Command {
	var interval int
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Refresh stats on a fixed interval until interrupted",
		Run: func(cmd *cobra.Command, args []string) {
			if interval <= 0 {
				fmt.Fprintln(os.Stderr, "buffer-monitor: --interval must be positive")
				os.Exit(exitUsage)
			}
			run(func(ctx context.Context, s *store.Store) error {
				ticker := time.NewTicker(time.Duration(interval) * time.Second)
				defer ticker.Stop()
				for {
					if err := printStats(ctx, s); err != nil {
						return err
					}
					fmt.Println("---")
					<-ticker.C
				}
			})
		},
	}
	cmd.Flags().IntVar(&interval, "interval", 5, "refresh interval in seconds")
	return cmd
}

func pendingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List the oldest pending rows",
		Run: func(cmd *cobra.Command, args []string) {
			run(func(ctx context.Context, s *store.Store) error {
				rows, err := s.QueryPending(ctx, limit)
				if err != nil {
					return err
				}
				for _, m := range rows {
					fmt.Printf("%d\t%s\t%s->%s\t%s\tpriority=%d\tretry=%d/%d\n",
						m.ID, m.CreatedAt.Format(time.RFC3339), m.Source, m.Destination, m.TopicOrNode, m.Priority, m.RetryCount, m.MaxRetries)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to list")
	return cmd
}

func failedCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List the newest failed-archive rows",
		Run: func(cmd *cobra.Command, args []string) {
			run(func(ctx context.Context, s *store.Store) error {
				rows, err := s.QueryFailed(ctx, limit)
				if err != nil {
					return err
				}
				for _, fm := range rows {
					fmt.Printf("%d\t%s\t%s->%s\t%s\tretry=%d\treason=%s\terror=%q\n",
						fm.ID, fm.FailedAt.Format(time.RFC3339), fm.Source, fm.Destination, fm.TopicOrNode, fm.RetryCount, fm.FailureReason, fm.ErrorMessage)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to list")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed rows older than --days",
		Run: func(cmd *cobra.Command, args []string) {
			if days <= 0 {
				fmt.Fprintln(os.Stderr, "buffer-monitor: --days must be positive")
				os.Exit(exitUsage)
			}
			run(func(ctx context.Context, s *store.Store) error {
				n, err := s.Cleanup(ctx, time.Now().UTC().AddDate(0, 0, -days))
				if err != nil {
					return err
				}
				fmt.Printf("removed %d rows\n", n)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "retention window in days")
	return cmd
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Requeue all processing rows to pending (last_error is left untouched)",
		Run: func(cmd *cobra.Command, args []string) {
			run(func(ctx context.Context, s *store.Store) error {
				n, err := s.Reset(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("requeued %d rows\n", n)
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a metric history dump as JSON",
		Run: func(cmd *cobra.Command, args []string) {
			if output == "" {
				fmt.Fprintln(os.Stderr, "buffer-monitor: --output is required")
				os.Exit(exitUsage)
			}
			run(func(ctx context.Context, s *store.Store) error {
				return exportMetricHistory(ctx, s, output)
			})
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "file to write the JSON dump to")
	return cmd
}

func exportMetricHistory(ctx context.Context, s *store.Store, output string) error {
	now := time.Now().UTC()
	since := now.AddDate(0, 0, -30)

	dump := make(map[model.MetricName][]model.MetricSample)
	for _, name := range []model.MetricName{
		model.MetricPendingCurrent, model.MetricProcessingCurrent, model.MetricThroughputPerMin,
	} {
		samples, err := s.QueryMetricHistory(ctx, name, since, now)
		if err != nil {
			return err
		}
		dump[name] = samples
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", output, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(dump)
}
