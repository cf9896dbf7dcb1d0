// Package queue is the durable message queue between the server and its
// agents. Every message crosses the database before it crosses the wire, so
// a crash on either side never loses work.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/common/retry"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
)

const defaultMaxRetries = 5

// Enqueue parameters. Zero values get defaults: normal priority, the
// service-wide expiration window, defaultMaxRetries attempts.
type Enqueue struct {
	HostID        string
	Direction     string
	MessageType   string
	MessageData   string
	Priority      string
	MaxRetries    int64
	TTL           time.Duration
	NoExpiry      bool
	CorrelationID string
	ReplyTo       string
}

// Queue owns queue policy: expiry windows, retry schedules, and delivery
// notification. Row persistence lives in the store.
type Queue struct {
	store      *store.Store
	defaultTTL time.Duration

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

func New(s *store.Store, defaultTTL time.Duration) *Queue {
	return &Queue{
		store:      s,
		defaultTTL: defaultTTL,
		waiters:    make(map[string]chan struct{}),
	}
}

// Add persists a new message and wakes the host's drainer when the message
// is outbound. Returns the message ID.
func (q *Queue) Add(ctx context.Context, tx store.Querier, e Enqueue) (string, error) {
	if e.Direction == "" {
		return "", fmt.Errorf("queue: direction is required")
	}
	if e.MessageType == "" {
		return "", fmt.Errorf("queue: message type is required")
	}

	m := &store.QueuedMessage{
		ID:          uuid.NewString(),
		Direction:   e.Direction,
		MessageType: e.MessageType,
		MessageData: e.MessageData,
		Priority:    e.Priority,
		MaxRetries:  e.MaxRetries,
	}
	if e.HostID != "" {
		m.HostID = sql.NullString{String: e.HostID, Valid: true}
	}
	if e.CorrelationID != "" {
		m.CorrelationID = sql.NullString{String: e.CorrelationID, Valid: true}
	}
	if e.ReplyTo != "" {
		m.ReplyTo = sql.NullString{String: e.ReplyTo, Valid: true}
	}
	if m.MaxRetries == 0 {
		m.MaxRetries = defaultMaxRetries
	}
	if !e.NoExpiry {
		ttl := e.TTL
		if ttl == 0 {
			ttl = q.defaultTTL
		}
		m.ExpiredAt = time.Now().Add(ttl)
	}

	if err := q.store.InsertMessage(ctx, tx, m); err != nil {
		return "", err
	}

	if e.Direction == store.DirectionOutbound && e.HostID != "" {
		q.Notify(e.HostID)
	}
	return m.ID, nil
}

// Deliverable claims up to limit due outbound messages for a host, marking
// each in_progress before returning it.
func (q *Queue) Deliverable(ctx context.Context, hostID string, limit int) ([]*store.QueuedMessage, error) {
	db := q.store.DB()
	now := time.Now()

	msgs, err := q.store.ListDeliverable(ctx, db, hostID, now, limit)
	if err != nil {
		return nil, err
	}

	claimed := msgs[:0]
	for _, m := range msgs {
		if err := q.store.MarkInProgress(ctx, db, m.ID, now); err != nil {
			// Someone else claimed it between the list and the update.
			continue
		}
		m.Status = store.MessageInProgress
		claimed = append(claimed, m)
	}
	return claimed, nil
}

// Sent records that a claimed message left on the wire.
func (q *Queue) Sent(ctx context.Context, id string) error {
	return q.store.MarkSent(ctx, q.store.DB(), id)
}

// Delivered finishes a message after confirmation.
func (q *Queue) Delivered(ctx context.Context, id string) error {
	return q.store.MarkDelivered(ctx, q.store.DB(), id, time.Now())
}

// Failed handles a delivery failure. Retryable failures reschedule with
// exponential backoff until retries are exhausted; permanent ones fail the
// message immediately.
func (q *Queue) Failed(ctx context.Context, m *store.QueuedMessage, cause error, retryable bool) error {
	db := q.store.DB()
	now := time.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if !retryable || m.RetryCount+1 >= m.MaxRetries {
		if err := q.store.MarkFailed(ctx, db, m.ID, msg, now); err != nil {
			return err
		}
		slog.Warn("message failed permanently",
			"message_id", m.ID, "type", m.MessageType, "retries", m.RetryCount, "err", msg)
		return nil
	}

	next := now.Add(retry.QueueBackoff(int(m.RetryCount)))
	if err := q.store.Reschedule(ctx, db, m.ID, next, msg); err != nil {
		return err
	}
	slog.Debug("message rescheduled",
		"message_id", m.ID, "type", m.MessageType, "attempt", m.RetryCount+1, "next", next)
	return nil
}

// Inbound returns pending inbound messages for processing.
func (q *Queue) Inbound(ctx context.Context, limit int) ([]*store.QueuedMessage, error) {
	return q.store.ListInbound(ctx, q.store.DB(), limit)
}

// Cleanup expires overdue pending messages and purges finished rows older
// than the retention window. Called periodically by the maintenance loop.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) error {
	db := q.store.DB()
	now := time.Now()

	expired, err := q.store.ExpireStale(ctx, db, now)
	if err != nil {
		return err
	}
	deleted, err := q.store.DeleteFinished(ctx, db, now.Add(-retention))
	if err != nil {
		return err
	}
	if expired > 0 || deleted > 0 {
		slog.Info("queue cleanup", "expired", expired, "deleted", deleted)
	}
	return nil
}

// RecoverHost requeues a host's unconfirmed deliveries and wakes its drainer.
// Called when the host connects or its connection drops.
func (q *Queue) RecoverHost(ctx context.Context, hostID string) error {
	n, err := q.store.RecoverInFlight(ctx, q.store.DB(), hostID)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("recovered in-flight messages", "host_id", hostID, "count", n)
	}
	q.Notify(hostID)
	return nil
}

// RecoverAll requeues every unconfirmed delivery. Called once at startup.
func (q *Queue) RecoverAll(ctx context.Context) error {
	n, err := q.store.RecoverAllInFlight(ctx, q.store.DB())
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("recovered in-flight messages at startup", "count", n)
	}
	return nil
}

// Notify wakes the host's drainer. The channel holds one pending signal;
// extra notifications coalesce.
func (q *Queue) Notify(hostID string) {
	q.mu.Lock()
	ch, ok := q.waiters[hostID]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Subscribe registers a drainer for a host and returns its wakeup channel.
// A second subscription for the same host replaces the first.
func (q *Queue) Subscribe(hostID string) <-chan struct{} {
	ch := make(chan struct{}, 1)
	q.mu.Lock()
	q.waiters[hostID] = ch
	q.mu.Unlock()
	return ch
}

// Unsubscribe drops a host's wakeup channel if ch is still the registered one.
func (q *Queue) Unsubscribe(hostID string, ch <-chan struct{}) {
	q.mu.Lock()
	if cur, ok := q.waiters[hostID]; ok && (<-chan struct{})(cur) == ch {
		delete(q.waiters, hostID)
	}
	q.mu.Unlock()
}

// Depth reports per-status row counts.
func (q *Queue) Depth(ctx context.Context) (map[string]int64, error) {
	return q.store.QueueDepth(ctx, q.store.DB())
}
