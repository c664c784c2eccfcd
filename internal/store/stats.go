package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/example/mqtt-opcua-bridge/internal/bridgeerr"
	"github.com/example/mqtt-opcua-bridge/internal/model"
)

// SnapshotStats writes one statistics row for each gauge metric
// (pending_current, processing_current, throughput_per_minute) for the
// current instant, computing throughput_per_minute as the count of
// messages completed in the trailing 60 seconds (SPEC_FULL.md
// "Supplemented Features").
func (s *Store) SnapshotStats(ctx context.Context, now time.Time) error {
	pending, err := s.CountByStatus(ctx, model.StatusPending)
	if err != nil {
		return err
	}
	processing, err := s.CountByStatus(ctx, model.StatusProcessing)
	if err != nil {
		return err
	}
	throughput, err := s.throughputLastMinute(ctx, now)
	if err != nil {
		return err
	}

	samples := map[model.MetricName]float64{
		model.MetricPendingCurrent:      float64(pending),
		model.MetricProcessingCurrent:   float64(processing),
		model.MetricThroughputPerMin: throughput,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bridgeerr.StoreUnavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	ts := toMillis(now)
	for name, value := range samples {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO statistics (timestamp, metric_name, metric_value)
			VALUES (?, ?, ?)`, ts, string(name), value,
		); err != nil {
			return bridgeerr.StoreUnavailable(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return bridgeerr.StoreUnavailable(err)
	}
	committed = true
	return nil
}

func (s *Store) throughputLastMinute(ctx context.Context, now time.Time) (float64, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE status = ? AND processed_at >= ?`,
		string(model.StatusCompleted), toMillis(now.Add(-time.Minute)),
	).Scan(&n)
	if err != nil {
		return 0, bridgeerr.StoreUnavailable(err)
	}
	return float64(n), nil
}

// RecordCounter increments a monotonic counter metric (enqueued, completed,
// failed, expired, retried) by writing a new sample rather than mutating a
// running total; a second increment in the same millisecond is added to
// that millisecond's sample. SumCounter sums samples over a window.
func (s *Store) RecordCounter(ctx context.Context, name model.MetricName, now time.Time, delta float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statistics (timestamp, metric_name, metric_value)
		VALUES (?, ?, ?)
		ON CONFLICT(timestamp, metric_name)
		DO UPDATE SET metric_value = metric_value + excluded.metric_value`,
		toMillis(now), string(name), delta,
	)
	if err != nil {
		return bridgeerr.StoreUnavailable(err)
	}
	return nil
}

// SumCounter totals every sample recorded for name within [since, until],
// letting callers derive a running total for a §3.3 monotonic counter
// (enqueued, completed, failed, expired, retried) from RecordCounter's
// append-only samples.
func (s *Store) SumCounter(ctx context.Context, name model.MetricName, since, until time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM(metric_value) FROM statistics
		WHERE metric_name = ? AND timestamp BETWEEN ? AND ?`,
		string(name), toMillis(since), toMillis(until),
	).Scan(&total)
	if err != nil {
		return 0, bridgeerr.StoreUnavailable(err)
	}
	return total.Float64, nil
}

// QueryMetricHistory returns raw samples for name within [since, now],
// oldest first, for the operator CLI's export/monitor subcommands.
func (s *Store) QueryMetricHistory(ctx context.Context, name model.MetricName, since, now time.Time) ([]model.MetricSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, metric_value FROM statistics
		WHERE metric_name = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp ASC`,
		string(name), toMillis(since), toMillis(now),
	)
	if err != nil {
		return nil, bridgeerr.StoreUnavailable(err)
	}
	defer rows.Close()

	var out []model.MetricSample
	for rows.Next() {
		var ts int64
		var value float64
		if err := rows.Scan(&ts, &value); err != nil {
			return nil, bridgeerr.StoreUnavailable(err)
		}
		out = append(out, model.MetricSample{Name: name, Timestamp: fromMillis(ts), Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, bridgeerr.StoreUnavailable(err)
	}
	return out, nil
}

// QueryPending returns up to limit pending messages, highest priority and
// oldest first, for the operator CLI's `pending` subcommand.
func (s *Store) QueryPending(ctx context.Context, limit int) ([]model.Message, error) {
	return s.queryByStatus(ctx, model.StatusPending, limit)
}

func (s *Store) queryByStatus(ctx context.Context, status model.Status, limit int) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, destination, topic_or_node, value, data_type, status,
		       priority, retry_count, max_retries, created_at, next_attempt_at,
		       processed_at, expire_at, lease_owner, lease_deadline, last_error
		FROM messages WHERE status = ?
		ORDER BY priority ASC, created_at ASC LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, bridgeerr.StoreUnavailable(err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, bridgeerr.StoreUnavailable(err)
	}
	return out, nil
}

func scanMessageRows(rows interface {
	Scan(dest ...any) error
}) (model.Message, error) {
	var (
		m                              model.Message
		source, destination, dataType  string
		status                         string
		priority                       int
		createdAt, nextAttemptAt       int64
		expireAt                       int64
		processedAt, leaseDeadline     sql.NullInt64
		leaseOwner, lastError          sql.NullString
	)
	if err := rows.Scan(
		&m.ID, &source, &destination, &m.TopicOrNode, &m.Value, &dataType, &status,
		&priority, &m.RetryCount, &m.MaxRetries, &createdAt, &nextAttemptAt,
		&processedAt, &expireAt, &leaseOwner, &leaseDeadline, &lastError,
	); err != nil {
		return model.Message{}, bridgeerr.StoreUnavailable(err)
	}
	m.Source = model.Source(source)
	m.Destination = model.Destination(destination)
	m.DataType = model.DataType(dataType)
	m.Status = model.Status(status)
	m.Priority = model.Priority(priority)
	m.CreatedAt = fromMillis(createdAt)
	m.NextAttemptAt = fromMillis(nextAttemptAt)
	m.ExpireAt = fromMillis(expireAt)
	if processedAt.Valid {
		t := fromMillis(processedAt.Int64)
		m.ProcessedAt = &t
	}
	if leaseDeadline.Valid {
		t := fromMillis(leaseDeadline.Int64)
		m.LeaseDeadline = &t
	}
	if leaseOwner.Valid {
		m.LeaseOwner = leaseOwner.String
	}
	if lastError.Valid {
		m.LastError = lastError.String
	}
	return m, nil
}

// QueryFailed returns up to limit archived failure records, most recent
// first, for the operator CLI's `failed` subcommand.
func (s *Store) QueryFailed(ctx context.Context, limit int) ([]model.FailedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_id, source, destination, topic_or_node, value,
		       error_message, failed_at, retry_count, failure_reason
		FROM failed_messages ORDER BY failed_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, bridgeerr.StoreUnavailable(err)
	}
	defer rows.Close()

	var out []model.FailedMessage
	for rows.Next() {
		var fm model.FailedMessage
		var source, destination string
		var failedAt int64
		if err := rows.Scan(
			&fm.ID, &fm.OriginalID, &source, &destination, &fm.TopicOrNode, &fm.Value,
			&fm.ErrorMessage, &failedAt, &fm.RetryCount, &fm.FailureReason,
		); err != nil {
			return nil, bridgeerr.StoreUnavailable(err)
		}
		fm.Source = model.Source(source)
		fm.Destination = model.Destination(destination)
		fm.FailedAt = fromMillis(failedAt)
		out = append(out, fm)
	}
	if err := rows.Err(); err != nil {
		return nil, bridgeerr.StoreUnavailable(err)
	}
	return out, nil
}

// Reset requeues every processing message back to pending, for operator
// recovery after a stuck worker. Returns the affected row count; last_error
// is left untouched so the operator can still see the prior failure cause.
func (s *Store) Reset(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, lease_owner = NULL, lease_deadline = NULL, next_attempt_at = ?
		WHERE status = ?`,
		string(model.StatusPending), toMillis(s.now()), string(model.StatusProcessing),
	)
	if err != nil {
		return 0, bridgeerr.StoreUnavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, bridgeerr.StoreUnavailable(err)
	}
	return int(n), nil
}
