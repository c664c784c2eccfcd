package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/example/mqtt-opcua-bridge/internal/bridgeerr"
	"github.com/example/mqtt-opcua-bridge/internal/model"
)

// Insert writes a new pending message and returns its assigned id.
// created_at/next_attempt_at default to now when msg.CreatedAt is zero.
func (s *Store) Insert(ctx context.Context, msg model.Message) (int64, error) {
	now := s.now()
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	nextAttempt := msg.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = createdAt
	}
	expireAt := msg.ExpireAt
	if expireAt.IsZero() {
		expireAt = createdAt
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			source, destination, topic_or_node, value, data_type, status,
			priority, retry_count, max_retries, created_at, next_attempt_at,
			expire_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(msg.Source), string(msg.Destination), msg.TopicOrNode, msg.Value,
		string(msg.DataType), string(model.StatusPending), int(msg.Priority),
		msg.RetryCount, msg.MaxRetries, toMillis(createdAt), toMillis(nextAttempt),
		toMillis(expireAt),
	)
	if err != nil {
		return 0, bridgeerr.StoreUnavailable(fmt.Errorf("insert message: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, bridgeerr.StoreUnavailable(err)
	}
	return id, nil
}

// FindCoalesceTarget returns the id of an existing pending, non-leased
// message bound for the same destination/topic_or_node/priority, or 0 if
// none exists. Used by the buffer's opt-in coalescing path (§4.3).
func (s *Store) FindCoalesceTarget(ctx context.Context, destination model.Destination, topicOrNode string, priority model.Priority) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE destination = ? AND topic_or_node = ? AND priority = ?
		  AND status = ? AND lease_owner IS NULL
		ORDER BY created_at ASC LIMIT 1`,
		string(destination), topicOrNode, int(priority), string(model.StatusPending),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, bridgeerr.StoreUnavailable(err)
	}
	return id, nil
}

// Coalesce overwrites the value and refreshes created_at/next_attempt_at
// of an existing pending row rather than inserting a new one.
func (s *Store) Coalesce(ctx context.Context, id int64, value string) error {
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET value = ?, created_at = ?, next_attempt_at = ?
		WHERE id = ? AND status = ?`,
		value, now, now, id, string(model.StatusPending),
	)
	if err != nil {
		return bridgeerr.StoreUnavailable(err)
	}
	return expectOneRow(res, "coalesce message %d", id)
}

// Claim atomically leases up to limit pending, due messages for workerID,
// ordered by priority then FIFO within a priority band, and marks them
// processing. Grounded on the BEGIN IMMEDIATE dequeue-then-per-row-UPDATE
// pattern used by the sqlite-backed queue in the retrieval pack.
func (s *Store) Claim(ctx context.Context, limit int, workerID string, leaseDuration time.Duration) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, bridgeerr.StoreUnavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := s.now()
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM messages
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY priority ASC, created_at ASC
		LIMIT ?`,
		string(model.StatusPending), toMillis(now), limit,
	)
	if err != nil {
		return nil, bridgeerr.StoreUnavailable(err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, bridgeerr.StoreUnavailable(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, bridgeerr.StoreUnavailable(err)
	}
	if len(ids) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, bridgeerr.StoreUnavailable(err)
		}
		committed = true
		return nil, nil
	}

	leaseDeadline := toMillis(now.Add(leaseDuration))
	claimed := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET status = ?, lease_owner = ?, lease_deadline = ?
			WHERE id = ? AND status = ?`,
			string(model.StatusProcessing), workerID, leaseDeadline, id, string(model.StatusPending),
		)
		if err != nil {
			return nil, bridgeerr.StoreUnavailable(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, bridgeerr.StoreUnavailable(err)
		}
		if n == 0 {
			continue
		}
		msg, err := scanMessageByID(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, msg)
	}

	if err := tx.Commit(); err != nil {
		return nil, bridgeerr.StoreUnavailable(err)
	}
	committed = true
	return claimed, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanMessageByID(ctx context.Context, q querier, id int64) (model.Message, error) {
	return scanMessage(q.QueryRowContext(ctx, messageSelectByID, id))
}

const messageSelectByID = `
	SELECT id, source, destination, topic_or_node, value, data_type, status,
	       priority, retry_count, max_retries, created_at, next_attempt_at,
	       processed_at, expire_at, lease_owner, lease_deadline, last_error
	FROM messages WHERE id = ?`

func scanMessage(row *sql.Row) (model.Message, error) {
	var (
		m                                model.Message
		source, destination, dataType    string
		status                           string
		priority                         int
		createdAt, nextAttemptAt         int64
		expireAt                         int64
		processedAt, leaseDeadline       sql.NullInt64
		leaseOwner, lastError            sql.NullString
	)
	err := row.Scan(
		&m.ID, &source, &destination, &m.TopicOrNode, &m.Value, &dataType, &status,
		&priority, &m.RetryCount, &m.MaxRetries, &createdAt, &nextAttemptAt,
		&processedAt, &expireAt, &leaseOwner, &leaseDeadline, &lastError,
	)
	if err == sql.ErrNoRows {
		return model.Message{}, bridgeerr.Integrity("message vanished mid-transaction", err)
	}
	if err != nil {
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

// Complete marks a processing message as completed, terminal and immutable.
func (s *Store) Complete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, processed_at = ?, lease_owner = NULL, lease_deadline = NULL
		WHERE id = ? AND status = ?`,
		string(model.StatusCompleted), toMillis(s.now()), id, string(model.StatusProcessing),
	)
	if err != nil {
		return bridgeerr.StoreUnavailable(err)
	}
	return expectOneRow(res, "complete message %d", id)
}

// FailRetry records a delivery failure. If the message has retry budget
// left it returns to pending with next_attempt_at pushed out by delay;
// otherwise it is archived into failed_messages as terminal (§4.4).
// Reports whether the message was archived (retry budget exhausted) so
// callers can attribute the right §3.3 counter (`retried` vs `failed`).
func (s *Store) FailRetry(ctx context.Context, id int64, errMsg string, delay time.Duration) (archived bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, bridgeerr.StoreUnavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	msg, err := scanMessageByID(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if msg.Status != model.StatusProcessing {
		return false, bridgeerr.Integrity(fmt.Sprintf("fail_retry: message %d not processing (status=%s)", id, msg.Status), nil)
	}

	nextRetry := msg.RetryCount + 1
	now := s.now()
	archived = nextRetry > msg.MaxRetries

	if archived {
		if err := archiveFailed(ctx, tx, msg, model.StatusFailed, errMsg, "max_retries_exceeded", now); err != nil {
			return false, err
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?,
			    lease_owner = NULL, lease_deadline = NULL
			WHERE id = ? AND status = ?`,
			string(model.StatusPending), nextRetry, toMillis(now.Add(delay)), errMsg,
			id, string(model.StatusProcessing),
		)
		if err != nil {
			return false, bridgeerr.StoreUnavailable(err)
		}
		if err := expectOneRow(res, "fail_retry message %d", id); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, bridgeerr.StoreUnavailable(err)
	}
	committed = true
	return archived, nil
}

// FailPermanent archives a message immediately, bypassing retry budget,
// for adapters that classify an error as non-retryable (§4.4, §6.2).
func (s *Store) FailPermanent(ctx context.Context, id int64, errMsg string) error {
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

	msg, err := scanMessageByID(ctx, tx, id)
	if err != nil {
		return err
	}
	if msg.Status.Terminal() {
		return bridgeerr.Integrity(fmt.Sprintf("fail_permanent: message %d already terminal (%s)", id, msg.Status), nil)
	}

	if err := archiveFailed(ctx, tx, msg, model.StatusFailed, errMsg, "permanent", s.now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return bridgeerr.StoreUnavailable(err)
	}
	committed = true
	return nil
}

// archiveFailed writes an append-only failed_messages row and transitions
// the source message to a terminal status. terminalStatus distinguishes
// §4.7's two archive-producing transitions: `failed` (retry budget
// exhausted or a Permanent classification) and `expired` (TTL elapsed).
func archiveFailed(ctx context.Context, tx *sql.Tx, msg model.Message, terminalStatus model.Status, errMsg, reason string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO failed_messages (
			original_id, source, destination, topic_or_node, value,
			error_message, failed_at, retry_count, failure_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.Source), string(msg.Destination), msg.TopicOrNode, msg.Value,
		errMsg, toMillis(now), msg.RetryCount, reason,
	); err != nil {
		return bridgeerr.StoreUnavailable(fmt.Errorf("archive failed message: %w", err))
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, last_error = ?, processed_at = ?, lease_owner = NULL, lease_deadline = NULL
		WHERE id = ?`,
		string(terminalStatus), errMsg, toMillis(now), msg.ID,
	)
	if err != nil {
		return bridgeerr.StoreUnavailable(err)
	}
	return expectOneRow(res, "archive message %d", msg.ID)
}

// ExpireDue moves pending or processing messages past their expire_at
// into failed_messages with reason "ttl", setting the source row's status
// to expired rather than failed (§4.7).
func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, bridgeerr.StoreUnavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM messages
		WHERE status IN (?, ?) AND expire_at <= ?`,
		string(model.StatusPending), string(model.StatusProcessing), toMillis(now),
	)
	if err != nil {
		return 0, bridgeerr.StoreUnavailable(err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, bridgeerr.StoreUnavailable(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, bridgeerr.StoreUnavailable(err)
	}

	count := 0
	for _, id := range ids {
		msg, err := scanMessageByID(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		if msg.Status.Terminal() {
			continue
		}
		if err := archiveFailed(ctx, tx, msg, model.StatusExpired, "message exceeded time-to-live", "ttl", now); err != nil {
			return 0, err
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, bridgeerr.StoreUnavailable(err)
	}
	committed = true
	return count, nil
}

// ReclaimStuck resets processing messages whose lease has expired back to
// pending, incrementing retry_count (§4.1: "returns them to pending with
// retry_count++"). A message reclaimed past its retry budget is not
// archived here; it archives on its next fail_retry once redelivery is
// attempted and fails, keeping this sweep a single UPDATE.
func (s *Store) ReclaimStuck(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, lease_owner = NULL, lease_deadline = NULL,
		    next_attempt_at = ?, retry_count = retry_count + 1
		WHERE status = ? AND lease_deadline IS NOT NULL AND lease_deadline <= ?`,
		string(model.StatusPending), toMillis(now), string(model.StatusProcessing), toMillis(now),
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

// Cleanup permanently deletes completed rows from the messages table with
// processed_at < olderThan (§4.1). Failed and expired rows are retained
// separately in the failed_messages archive and are never touched by
// cleanup (§3.4).
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE status = ? AND processed_at < ?`,
		string(model.StatusCompleted), toMillis(olderThan),
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

// DropOldestPending deletes the oldest pending, non-leased row for
// destination/topicOrNode, implementing §5's "drop oldest" backpressure
// policy for OPC-UA ingress (as opposed to MQTT's "drop with warning" of
// the new value). Returns whether a row was found and deleted, grounded
// on the retrieval pack's own oldest-first eviction query (delete the
// single row selected by a LIMIT-1 subquery ordered by arrival time).
func (s *Store) DropOldestPending(ctx context.Context, destination model.Destination, topicOrNode string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE id = (
			SELECT id FROM messages
			WHERE destination = ? AND topic_or_node = ? AND status = ?
			ORDER BY created_at ASC LIMIT 1
		)`,
		string(destination), topicOrNode, string(model.StatusPending),
	)
	if err != nil {
		return false, bridgeerr.StoreUnavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, bridgeerr.StoreUnavailable(err)
	}
	return n > 0, nil
}

// CountByStatus reports how many messages are currently in status, for
// capacity checks, metrics and the operator CLI.
func (s *Store) CountByStatus(ctx context.Context, status model.Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, bridgeerr.StoreUnavailable(err)
	}
	return n, nil
}

func expectOneRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return bridgeerr.StoreUnavailable(err)
	}
	if n == 0 {
		return bridgeerr.Integrity(fmt.Sprintf(format, args...)+": no matching row (concurrent modification or already terminal)", nil)
	}
	return nil
}
