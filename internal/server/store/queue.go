package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message lifecycle states.
const (
	MessagePending    = "pending"
	MessageInProgress = "in_progress"
	MessageSent       = "sent"
	MessageDelivered  = "delivered"
	MessageFailed     = "failed"
	MessageExpired    = "expired"
)

// Message priorities, highest first.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// ErrMessageNotFound is returned when no queue row matches.
var ErrMessageNotFound = errors.New("store: message not found")

// QueuedMessage is one row of the durable message queue.
type QueuedMessage struct {
	ID            string
	HostID        sql.NullString
	Direction     string
	MessageType   string
	MessageData   string
	Priority      string
	Status        string
	RetryCount    int64
	MaxRetries    int64
	ScheduledAt   time.Time
	ExpiredAt     time.Time
	CorrelationID sql.NullString
	ReplyTo       sql.NullString
	ErrorMessage  sql.NullString
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
}

const messageColumns = `id, host_id, direction, message_type, message_data, priority, status,
	retry_count, max_retries, scheduled_at, expired_at, correlation_id, reply_to,
	error_message, created_at, started_at, completed_at`

// priorityRank orders urgent before high before normal before low; unknown
// priorities sort last.
const priorityRank = `CASE priority
	WHEN 'urgent' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 WHEN 'low' THEN 3
	ELSE 4 END`

func scanMessage(row interface{ Scan(...any) error }) (*QueuedMessage, error) {
	m := &QueuedMessage{}
	var scheduledAt, expiredAt, createdAt, startedAt, completedAt sql.NullString
	err := row.Scan(
		&m.ID, &m.HostID, &m.Direction, &m.MessageType, &m.MessageData, &m.Priority, &m.Status,
		&m.RetryCount, &m.MaxRetries, &scheduledAt, &expiredAt, &m.CorrelationID, &m.ReplyTo,
		&m.ErrorMessage, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ScheduledAt = timeFromNull(scheduledAt)
	m.ExpiredAt = timeFromNull(expiredAt)
	m.CreatedAt = timeFromNull(createdAt)
	m.StartedAt = timeFromNull(startedAt)
	m.CompletedAt = timeFromNull(completedAt)
	return m, nil
}

// InsertMessage persists a new queue row in pending state.
func (s *Store) InsertMessage(ctx context.Context, q Querier, m *QueuedMessage) error {
	now := time.Now()
	m.CreatedAt = now
	if m.Status == "" {
		m.Status = MessagePending
	}
	if m.Priority == "" {
		m.Priority = PriorityNormal
	}
	if m.ScheduledAt.IsZero() {
		m.ScheduledAt = now
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO message_queue (id, host_id, direction, message_type, message_data, priority,
			status, retry_count, max_retries, scheduled_at, expired_at, correlation_id, reply_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.HostID, m.Direction, m.MessageType, m.MessageData, m.Priority,
		m.Status, m.RetryCount, m.MaxRetries, FormatTime(m.ScheduledAt), nullTime(m.ExpiredAt),
		m.CorrelationID, m.ReplyTo, FormatTime(now))
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves one queue row by ID.
func (s *Store) GetMessage(ctx context.Context, q Querier, id string) (*QueuedMessage, error) {
	m, err := scanMessage(q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM message_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// ListDeliverable returns a host's outbound messages that are due: pending,
// scheduled at or before now, and not past their expiry. Higher priority
// first, then oldest first so equal-priority messages keep FIFO order.
func (s *Store) ListDeliverable(ctx context.Context, q Querier, hostID string, now time.Time, limit int) ([]*QueuedMessage, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM message_queue
		WHERE host_id = ? AND direction = ? AND status = ?
			AND scheduled_at <= ?
			AND (expired_at IS NULL OR expired_at > ?)
		ORDER BY `+priorityRank+`, created_at, id
		LIMIT ?
	`, hostID, DirectionOutbound, MessagePending, FormatTime(now), FormatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliverable messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ListInbound returns pending inbound messages in arrival order.
func (s *Store) ListInbound(ctx context.Context, q Querier, limit int) ([]*QueuedMessage, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM message_queue
		WHERE direction = ? AND status = ?
		ORDER BY `+priorityRank+`, created_at, id
		LIMIT ?
	`, DirectionInbound, MessagePending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbound messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*QueuedMessage, error) {
	var msgs []*QueuedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkInProgress claims a pending message for delivery. The conditional WHERE
// keeps two deliverers from claiming the same row.
func (s *Store) MarkInProgress(ctx context.Context, q Querier, id string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE message_queue SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, MessageInProgress, FormatTime(now), id, MessagePending)
	if err != nil {
		return fmt.Errorf("failed to mark message in progress: %w", err)
	}
	return requireRow(res, ErrWrongState)
}

// MarkSent records that a message left on the wire but is not yet confirmed.
func (s *Store) MarkSent(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE message_queue SET status = ?
		WHERE id = ? AND status = ?
	`, MessageSent, id, MessageInProgress)
	if err != nil {
		return fmt.Errorf("failed to mark message sent: %w", err)
	}
	return requireRow(res, ErrWrongState)
}

// MarkDelivered finishes a message after confirmed delivery or processing.
func (s *Store) MarkDelivered(ctx context.Context, q Querier, id string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE message_queue SET status = ?, completed_at = ?, error_message = NULL
		WHERE id = ? AND status IN (?, ?)
	`, MessageDelivered, FormatTime(now), id, MessageInProgress, MessageSent)
	if err != nil {
		return fmt.Errorf("failed to mark message delivered: %w", err)
	}
	return requireRow(res, ErrWrongState)
}

// Reschedule returns a failed delivery attempt to pending with an incremented
// retry count and a future scheduled_at.
func (s *Store) Reschedule(ctx context.Context, q Querier, id string, nextAttempt time.Time, errorMessage string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE message_queue
		SET status = ?, retry_count = retry_count + 1, scheduled_at = ?, error_message = ?
		WHERE id = ? AND status IN (?, ?)
	`, MessagePending, FormatTime(nextAttempt), nullString(errorMessage),
		id, MessageInProgress, MessageSent)
	if err != nil {
		return fmt.Errorf("failed to reschedule message: %w", err)
	}
	return requireRow(res, ErrWrongState)
}

// MarkFailed finishes a message after its retries are exhausted or the
// failure is permanent.
func (s *Store) MarkFailed(ctx context.Context, q Querier, id, errorMessage string, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE message_queue SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ? AND status IN (?, ?, ?)
	`, MessageFailed, FormatTime(now), nullString(errorMessage),
		id, MessagePending, MessageInProgress, MessageSent)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}
	return requireRow(res, ErrWrongState)
}

// ExpireStale moves past-expiry pending and in-progress messages to expired
// and returns how many were moved. A claimed row whose expiry passed before
// the delivery finished is abandoned rather than left for recovery.
func (s *Store) ExpireStale(ctx context.Context, q Querier, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE message_queue SET status = ?, completed_at = ?
		WHERE status IN (?, ?) AND expired_at IS NOT NULL AND expired_at <= ?
	`, MessageExpired, FormatTime(now), MessagePending, MessageInProgress, FormatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to expire messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired messages: %w", err)
	}
	return n, nil
}

// DeleteFinished removes delivered, failed, and expired rows completed before
// the cutoff.
func (s *Store) DeleteFinished(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM message_queue
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`, MessageDelivered, MessageFailed, MessageExpired, FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted messages: %w", err)
	}
	return n, nil
}

// RecoverInFlight returns a host's in_progress and sent outbound messages to
// pending. Called when the host's connection is established or lost so
// unconfirmed deliveries are retried.
func (s *Store) RecoverInFlight(ctx context.Context, q Querier, hostID string) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE message_queue SET status = ?, started_at = NULL
		WHERE host_id = ? AND direction = ? AND status IN (?, ?)
	`, MessagePending, hostID, DirectionOutbound, MessageInProgress, MessageSent)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered messages: %w", err)
	}
	return n, nil
}

// RecoverAllInFlight returns every in_progress and sent message to pending.
// Called once at startup; nothing can be mid-delivery across a restart.
func (s *Store) RecoverAllInFlight(ctx context.Context, q Querier) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE message_queue SET status = ?, started_at = NULL
		WHERE status IN (?, ?)
	`, MessagePending, MessageInProgress, MessageSent)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered messages: %w", err)
	}
	return n, nil
}

// FindByCorrelation returns the newest message carrying the correlation id,
// used to pair an agent reply with the request that asked for it.
func (s *Store) FindByCorrelation(ctx context.Context, q Querier, correlationID string) (*QueuedMessage, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM message_queue
		WHERE correlation_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find message by correlation: %w", err)
	}
	return m, nil
}

// QueueDepth returns per-status row counts for observability.
func (s *Store) QueueDepth(ctx context.Context, q Querier) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM message_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue depth: %w", err)
	}
	defer rows.Close()

	depth := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		depth[status] = n
	}
	return depth, rows.Err()
}
