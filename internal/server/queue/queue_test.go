package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/server/store"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, time.Hour), s
}

func createHost(t *testing.T, s *store.Store, id string) {
	t.Helper()
	h := &store.Host{ID: id, FQDN: id + ".example.com"}
	if err := s.CreateHost(context.Background(), s.DB(), h); err != nil {
		t.Fatalf("CreateHost() error = %v", err)
	}
}

func TestAddDefaultsAndDeliver(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	createHost(t, s, "h1")

	id, err := q.Add(ctx, s.DB(), Enqueue{
		HostID:      "h1",
		Direction:   store.DirectionOutbound,
		MessageType: "command",
		MessageData: `{"command":"reboot"}`,
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	m, err := s.GetMessage(ctx, s.DB(), id)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if m.Priority != store.PriorityNormal {
		t.Errorf("Priority = %q, want normal", m.Priority)
	}
	if m.MaxRetries != defaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", m.MaxRetries, defaultMaxRetries)
	}
	if m.ExpiredAt.IsZero() {
		t.Error("ExpiredAt not set from default TTL")
	}

	msgs, err := q.Deliverable(ctx, "h1", 10)
	if err != nil {
		t.Fatalf("Deliverable() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("Deliverable() = %v, want [%s]", msgs, id)
	}
	if msgs[0].Status != store.MessageInProgress {
		t.Errorf("claimed message status = %q, want in_progress", msgs[0].Status)
	}

	// A second call must not hand out the claimed message again.
	msgs, err = q.Deliverable(ctx, "h1", 10)
	if err != nil {
		t.Fatalf("second Deliverable() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("second Deliverable() = %d messages, want 0", len(msgs))
	}
}

func TestFailedReschedulesWithBackoff(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	createHost(t, s, "h1")

	id, err := q.Add(ctx, s.DB(), Enqueue{
		HostID: "h1", Direction: store.DirectionOutbound,
		MessageType: "command", MessageData: "{}",
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	msgs, err := q.Deliverable(ctx, "h1", 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Deliverable() = %v, %v", msgs, err)
	}

	before := time.Now()
	if err := q.Failed(ctx, msgs[0], errors.New("write: broken pipe"), true); err != nil {
		t.Fatalf("Failed() error = %v", err)
	}

	m, err := s.GetMessage(ctx, s.DB(), id)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if m.Status != store.MessagePending {
		t.Fatalf("status = %q, want pending", m.Status)
	}
	if m.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", m.RetryCount)
	}
	// First retry waits ~5s with ±1.5s jitter.
	wait := m.ScheduledAt.Sub(before)
	if wait < 3*time.Second || wait > 7*time.Second {
		t.Errorf("backoff = %v, want about 5s", wait)
	}
}

func TestFailedPermanentWhenNotRetryable(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	createHost(t, s, "h1")

	id, _ := q.Add(ctx, s.DB(), Enqueue{
		HostID: "h1", Direction: store.DirectionOutbound,
		MessageType: "command", MessageData: "{}",
	})
	msgs, _ := q.Deliverable(ctx, "h1", 1)

	if err := q.Failed(ctx, msgs[0], errors.New("agent rejected payload"), false); err != nil {
		t.Fatalf("Failed() error = %v", err)
	}
	m, _ := s.GetMessage(ctx, s.DB(), id)
	if m.Status != store.MessageFailed {
		t.Errorf("status = %q, want failed", m.Status)
	}
	if !m.ErrorMessage.Valid || m.ErrorMessage.String != "agent rejected payload" {
		t.Errorf("ErrorMessage = %v", m.ErrorMessage)
	}
}

func TestFailedExhaustsRetries(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	createHost(t, s, "h1")

	id, _ := q.Add(ctx, s.DB(), Enqueue{
		HostID: "h1", Direction: store.DirectionOutbound,
		MessageType: "command", MessageData: "{}", MaxRetries: 2,
	})

	// First failure reschedules, second is permanent.
	msgs, _ := q.Deliverable(ctx, "h1", 1)
	if err := q.Failed(ctx, msgs[0], errors.New("timeout"), true); err != nil {
		t.Fatalf("first Failed() error = %v", err)
	}
	m, _ := s.GetMessage(ctx, s.DB(), id)
	if m.Status != store.MessagePending {
		t.Fatalf("after first failure: status = %q", m.Status)
	}

	if err := s.MarkInProgress(ctx, s.DB(), id, time.Now()); err != nil {
		t.Fatalf("MarkInProgress() error = %v", err)
	}
	m, _ = s.GetMessage(ctx, s.DB(), id)
	if err := q.Failed(ctx, m, errors.New("timeout"), true); err != nil {
		t.Fatalf("second Failed() error = %v", err)
	}
	m, _ = s.GetMessage(ctx, s.DB(), id)
	if m.Status != store.MessageFailed {
		t.Errorf("after retries exhausted: status = %q, want failed", m.Status)
	}
}

func TestNotifySubscribe(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	createHost(t, s, "h1")

	ch := q.Subscribe("h1")
	defer q.Unsubscribe("h1", ch)

	if _, err := q.Add(ctx, s.DB(), Enqueue{
		HostID: "h1", Direction: store.DirectionOutbound,
		MessageType: "command", MessageData: "{}",
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no wakeup after enqueue")
	}

	// Multiple notifications coalesce into one pending signal.
	q.Notify("h1")
	q.Notify("h1")
	q.Notify("h1")
	<-ch
	select {
	case <-ch:
		t.Error("notifications did not coalesce")
	default:
	}
}

func TestCleanupExpiresAndPurges(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	createHost(t, s, "h1")

	// TTL in the past makes the message immediately expirable.
	id, err := q.Add(ctx, s.DB(), Enqueue{
		HostID: "h1", Direction: store.DirectionOutbound,
		MessageType: "command", MessageData: "{}", TTL: -time.Minute,
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := q.Cleanup(ctx, time.Hour); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	m, err := s.GetMessage(ctx, s.DB(), id)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if m.Status != store.MessageExpired {
		t.Errorf("status = %q, want expired", m.Status)
	}

	// With zero retention the expired row is purged on the next pass.
	if err := q.Cleanup(ctx, 0); err != nil {
		t.Fatalf("second Cleanup() error = %v", err)
	}
	if _, err := s.GetMessage(ctx, s.DB(), id); !errors.Is(err, store.ErrMessageNotFound) {
		t.Errorf("GetMessage() after purge error = %v, want ErrMessageNotFound", err)
	}
}

func TestRecoverHostRequeues(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	createHost(t, s, "h1")

	id, _ := q.Add(ctx, s.DB(), Enqueue{
		HostID: "h1", Direction: store.DirectionOutbound,
		MessageType: "command", MessageData: "{}",
	})
	if _, err := q.Deliverable(ctx, "h1", 1); err != nil {
		t.Fatalf("Deliverable() error = %v", err)
	}

	if err := q.RecoverHost(ctx, "h1"); err != nil {
		t.Fatalf("RecoverHost() error = %v", err)
	}
	m, _ := s.GetMessage(ctx, s.DB(), id)
	if m.Status != store.MessagePending {
		t.Errorf("status = %q, want pending", m.Status)
	}
}
