package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateHost(t *testing.T, s *Store, id, fqdn string) *Host {
	t.Helper()
	h := &Host{ID: id, FQDN: fqdn}
	if err := s.CreateHost(context.Background(), s.DB(), h); err != nil {
		t.Fatalf("CreateHost(%s) error = %v", fqdn, err)
	}
	return h
}

func TestHostApprovalLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateHost(t, s, "h1", "web01.example.com")

	h, err := s.GetHost(ctx, s.DB(), "h1")
	if err != nil {
		t.Fatalf("GetHost() error = %v", err)
	}
	if h.ApprovalStatus != ApprovalPending {
		t.Errorf("ApprovalStatus = %q, want %q", h.ApprovalStatus, ApprovalPending)
	}
	if h.Status != HostDown {
		t.Errorf("Status = %q, want %q", h.Status, HostDown)
	}

	now := time.Now()
	if err := s.ApproveHost(ctx, s.DB(), "h1", "PEM", "serial-1", "token-1", now); err != nil {
		t.Fatalf("ApproveHost() error = %v", err)
	}

	h, err = s.GetHost(ctx, s.DB(), "h1")
	if err != nil {
		t.Fatalf("GetHost() error = %v", err)
	}
	if h.ApprovalStatus != ApprovalApproved {
		t.Errorf("ApprovalStatus = %q, want %q", h.ApprovalStatus, ApprovalApproved)
	}
	if h.CertificateSerial.String != "serial-1" {
		t.Errorf("CertificateSerial = %q, want serial-1", h.CertificateSerial.String)
	}
	if h.HostToken.String != "token-1" {
		t.Errorf("HostToken = %q, want token-1", h.HostToken.String)
	}

	// A second approval or a rejection must fail: the host is no longer pending.
	if err := s.ApproveHost(ctx, s.DB(), "h1", "PEM2", "serial-2", "token-2", now); !errors.Is(err, ErrWrongState) {
		t.Errorf("second ApproveHost() error = %v, want ErrWrongState", err)
	}
	if err := s.RejectHost(ctx, s.DB(), "h1", now); !errors.Is(err, ErrWrongState) {
		t.Errorf("RejectHost() after approval error = %v, want ErrWrongState", err)
	}

	got, err := s.GetHostByCertificateSerial(ctx, s.DB(), "serial-1")
	if err != nil {
		t.Fatalf("GetHostByCertificateSerial() error = %v", err)
	}
	if got.ID != "h1" {
		t.Errorf("GetHostByCertificateSerial() ID = %q, want h1", got.ID)
	}
}

func TestRejectHostIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateHost(t, s, "h1", "rogue.example.com")
	now := time.Now()

	if err := s.RejectHost(ctx, s.DB(), "h1", now); err != nil {
		t.Fatalf("RejectHost() error = %v", err)
	}

	h, err := s.GetHost(ctx, s.DB(), "h1")
	if err != nil {
		t.Fatalf("GetHost() error = %v", err)
	}
	if h.ApprovalStatus != ApprovalRejected {
		t.Errorf("ApprovalStatus = %q, want %q", h.ApprovalStatus, ApprovalRejected)
	}
	if h.Active {
		t.Error("rejected host should be inactive")
	}
	if err := s.ApproveHost(ctx, s.DB(), "h1", "PEM", "s", "t", now); !errors.Is(err, ErrWrongState) {
		t.Errorf("ApproveHost() after rejection error = %v, want ErrWrongState", err)
	}
}

func TestHeartbeatAndMarkHostsDown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateHost(t, s, "fresh", "fresh.example.com")
	mustCreateHost(t, s, "stale", "stale.example.com")

	now := time.Now()
	if err := s.UpdateHostHeartbeat(ctx, s.DB(), "fresh", now); err != nil {
		t.Fatalf("UpdateHostHeartbeat(fresh) error = %v", err)
	}
	if err := s.UpdateHostHeartbeat(ctx, s.DB(), "stale", now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("UpdateHostHeartbeat(stale) error = %v", err)
	}

	n, err := s.MarkHostsDown(ctx, s.DB(), now.Add(-5*time.Minute), now)
	if err != nil {
		t.Fatalf("MarkHostsDown() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("MarkHostsDown() = %d hosts, want 1", n)
	}

	stale, _ := s.GetHost(ctx, s.DB(), "stale")
	if stale.Status != HostDown || stale.Active {
		t.Errorf("stale host status = %q active = %v, want down/inactive", stale.Status, stale.Active)
	}
	fresh, _ := s.GetHost(ctx, s.DB(), "fresh")
	if fresh.Status != HostUp {
		t.Errorf("fresh host status = %q, want up", fresh.Status)
	}

	// Repeating the sweep is a no-op: the stale host is already down.
	n, err = s.MarkHostsDown(ctx, s.DB(), now.Add(-5*time.Minute), now)
	if err != nil {
		t.Fatalf("second MarkHostsDown() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second MarkHostsDown() = %d hosts, want 0", n)
	}
}

func TestDeleteHostCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateHost(t, s, "h1", "parent.example.com")

	child := &HostChild{ID: "c1", ParentHostID: "h1", ChildName: "ubuntu", ChildType: "wsl"}
	if err := s.CreateChild(ctx, s.DB(), child); err != nil {
		t.Fatalf("CreateChild() error = %v", err)
	}
	msg := &QueuedMessage{ID: "m1", HostID: nullString("h1"), Direction: DirectionOutbound,
		MessageType: "heartbeat_ack", MessageData: "{}"}
	if err := s.InsertMessage(ctx, s.DB(), msg); err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}

	if err := s.DeleteHost(ctx, s.DB(), "h1"); err != nil {
		t.Fatalf("DeleteHost() error = %v", err)
	}

	if _, err := s.GetChild(ctx, s.DB(), "h1", "ubuntu", "wsl"); !errors.Is(err, ErrChildNotFound) {
		t.Errorf("GetChild() after cascade error = %v, want ErrChildNotFound", err)
	}
	if _, err := s.GetMessage(ctx, s.DB(), "m1"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("GetMessage() after cascade error = %v, want ErrMessageNotFound", err)
	}
}

func TestResolveHostByHostname(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateHost(t, s, "h1", "web01.example.com")
	mustCreateHost(t, s, "h2", "web01.other.com")
	mustCreateHost(t, s, "h3", "db01")

	tests := []struct {
		name     string
		hostname string
		wantID   string
		wantErr  error
	}{
		{"exact match", "web01.example.com", "h1", nil},
		{"exact match case-insensitive", "WEB01.EXAMPLE.COM", "h1", nil},
		{"short name picks lexically smallest fqdn", "web01", "h1", nil},
		{"reported fqdn longer than stored", "db01.internal.example.com", "h3", nil},
		{"no match", "unknown.example.com", "", ErrHostNotFound},
		{"empty", "", "", ErrHostNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := s.ResolveHostByHostname(ctx, s.DB(), tt.hostname)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ResolveHostByHostname(%q) error = %v, want %v", tt.hostname, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveHostByHostname(%q) error = %v", tt.hostname, err)
			}
			if h.ID != tt.wantID {
				t.Errorf("ResolveHostByHostname(%q) = %s, want %s", tt.hostname, h.ID, tt.wantID)
			}
		})
	}
}

func TestIncrementFailedLoginsLocksAtThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{ID: "u1", Userid: "ops@example.com", HashedPassword: "x", Active: true}
	if err := s.CreateUser(ctx, s.DB(), u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	now := time.Now()
	for i := 1; i < 5; i++ {
		attempts, locked, err := s.IncrementFailedLogins(ctx, s.DB(), "u1", 5, now)
		if err != nil {
			t.Fatalf("IncrementFailedLogins() error = %v", err)
		}
		if attempts != i {
			t.Errorf("attempt %d: counter = %d", i, attempts)
		}
		if locked {
			t.Errorf("attempt %d: locked early", i)
		}
	}

	attempts, locked, err := s.IncrementFailedLogins(ctx, s.DB(), "u1", 5, now)
	if err != nil {
		t.Fatalf("IncrementFailedLogins() error = %v", err)
	}
	if attempts != 5 || !locked {
		t.Fatalf("5th failure: attempts = %d locked = %v, want 5/true", attempts, locked)
	}

	if err := s.UnlockUser(ctx, s.DB(), "u1"); err != nil {
		t.Fatalf("UnlockUser() error = %v", err)
	}
	got, _ := s.GetUser(ctx, s.DB(), "u1")
	if got.IsLocked || got.FailedLoginAttempts != 0 {
		t.Errorf("after unlock: locked = %v attempts = %d", got.IsLocked, got.FailedLoginAttempts)
	}
}

func TestDuplicateUserid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{ID: "u1", Userid: "ops@example.com", HashedPassword: "x", Active: true}
	if err := s.CreateUser(ctx, s.DB(), u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	dup := &User{ID: "u2", Userid: "ops@example.com", HashedPassword: "y", Active: true}
	if err := s.CreateUser(ctx, s.DB(), dup); !errors.Is(err, ErrDuplicateUser) {
		t.Errorf("duplicate CreateUser() error = %v, want ErrDuplicateUser", err)
	}
}

func TestListDeliverableOrdersByPriorityThenFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateHost(t, s, "h1", "web01.example.com")

	// Insert out of priority order; within a priority, insertion order must hold.
	enqueue := func(id, priority string) {
		t.Helper()
		m := &QueuedMessage{ID: id, HostID: nullString("h1"), Direction: DirectionOutbound,
			MessageType: "command", MessageData: "{}", Priority: priority}
		if err := s.InsertMessage(ctx, s.DB(), m); err != nil {
			t.Fatalf("InsertMessage(%s) error = %v", id, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct created_at
	}
	enqueue("low-1", PriorityLow)
	enqueue("normal-1", PriorityNormal)
	enqueue("urgent-1", PriorityUrgent)
	enqueue("normal-2", PriorityNormal)
	enqueue("high-1", PriorityHigh)
	enqueue("urgent-2", PriorityUrgent)

	msgs, err := s.ListDeliverable(ctx, s.DB(), "h1", time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ListDeliverable() error = %v", err)
	}

	want := []string{"urgent-1", "urgent-2", "high-1", "normal-1", "normal-2", "low-1"}
	if len(msgs) != len(want) {
		t.Fatalf("ListDeliverable() returned %d messages, want %d", len(msgs), len(want))
	}
	for i, m := range msgs {
		if m.ID != want[i] {
			t.Errorf("position %d: got %s, want %s", i, m.ID, want[i])
		}
	}
}

func TestMessageLifecycleTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateHost(t, s, "h1", "web01.example.com")
	m := &QueuedMessage{ID: "m1", HostID: nullString("h1"), Direction: DirectionOutbound,
		MessageType: "command", MessageData: "{}", MaxRetries: 3}
	if err := s.InsertMessage(ctx, s.DB(), m); err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}

	now := time.Now()
	if err := s.MarkInProgress(ctx, s.DB(), "m1", now); err != nil {
		t.Fatalf("MarkInProgress() error = %v", err)
	}
	// Claiming twice must fail: the row is no longer pending.
	if err := s.MarkInProgress(ctx, s.DB(), "m1", now); !errors.Is(err, ErrWrongState) {
		t.Errorf("second MarkInProgress() error = %v, want ErrWrongState", err)
	}

	if err := s.Reschedule(ctx, s.DB(), "m1", now.Add(10*time.Second), "write: broken pipe"); err != nil {
		t.Fatalf("Reschedule() error = %v", err)
	}
	got, _ := s.GetMessage(ctx, s.DB(), "m1")
	if got.Status != MessagePending || got.RetryCount != 1 {
		t.Errorf("after reschedule: status = %q retries = %d, want pending/1", got.Status, got.RetryCount)
	}

	// Not deliverable until scheduled_at passes.
	msgs, err := s.ListDeliverable(ctx, s.DB(), "h1", now, 10)
	if err != nil {
		t.Fatalf("ListDeliverable() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("ListDeliverable() before scheduled_at = %d messages, want 0", len(msgs))
	}
	msgs, err = s.ListDeliverable(ctx, s.DB(), "h1", now.Add(11*time.Second), 10)
	if err != nil {
		t.Fatalf("ListDeliverable() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("ListDeliverable() after scheduled_at = %d messages, want 1", len(msgs))
	}

	if err := s.MarkInProgress(ctx, s.DB(), "m1", now); err != nil {
		t.Fatalf("re-claim error = %v", err)
	}
	if err := s.MarkSent(ctx, s.DB(), "m1"); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	if err := s.MarkDelivered(ctx, s.DB(), "m1", now); err != nil {
		t.Fatalf("MarkDelivered() error = %v", err)
	}
	// Delivered is terminal.
	if err := s.MarkDelivered(ctx, s.DB(), "m1", now); !errors.Is(err, ErrWrongState) {
		t.Errorf("second MarkDelivered() error = %v, want ErrWrongState", err)
	}
	got, _ = s.GetMessage(ctx, s.DB(), "m1")
	if got.Status != MessageDelivered {
		t.Errorf("final status = %q, want delivered", got.Status)
	}
	if got.ErrorMessage.Valid {
		t.Errorf("delivered message kept stale error %q", got.ErrorMessage.String)
	}
}

func TestExpireStaleAndCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateHost(t, s, "h1", "web01.example.com")
	now := time.Now()

	expired := &QueuedMessage{ID: "old", HostID: nullString("h1"), Direction: DirectionOutbound,
		MessageType: "command", MessageData: "{}", ExpiredAt: now.Add(-time.Minute)}
	alive := &QueuedMessage{ID: "new", HostID: nullString("h1"), Direction: DirectionOutbound,
		MessageType: "command", MessageData: "{}", ExpiredAt: now.Add(time.Hour)}
	forever := &QueuedMessage{ID: "forever", HostID: nullString("h1"), Direction: DirectionOutbound,
		MessageType: "command", MessageData: "{}"}
	claimed := &QueuedMessage{ID: "claimed", HostID: nullString("h1"), Direction: DirectionOutbound,
		MessageType: "command", MessageData: "{}", ExpiredAt: now.Add(-time.Minute)}
	for _, m := range []*QueuedMessage{expired, alive, forever, claimed} {
		if err := s.InsertMessage(ctx, s.DB(), m); err != nil {
			t.Fatalf("InsertMessage(%s) error = %v", m.ID, err)
		}
	}
	// A row claimed by a wedged session expires like a pending one.
	if err := s.MarkInProgress(ctx, s.DB(), "claimed", now); err != nil {
		t.Fatalf("MarkInProgress() error = %v", err)
	}

	n, err := s.ExpireStale(ctx, s.DB(), now)
	if err != nil {
		t.Fatalf("ExpireStale() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("ExpireStale() = %d, want 2", n)
	}
	for _, id := range []string{"old", "claimed"} {
		got, _ := s.GetMessage(ctx, s.DB(), id)
		if got.Status != MessageExpired {
			t.Errorf("message %s status = %q, want expired", id, got.Status)
		}
	}

	// Finished rows older than the cutoff are purged; live rows stay.
	deleted, err := s.DeleteFinished(ctx, s.DB(), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteFinished() error = %v", err)
	}
	if deleted != 2 {
		t.Fatalf("DeleteFinished() = %d, want 2", deleted)
	}
	if _, err := s.GetMessage(ctx, s.DB(), "new"); err != nil {
		t.Errorf("live message was deleted: %v", err)
	}
}

func TestRecoverInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateHost(t, s, "h1", "web01.example.com")
	now := time.Now()

	m := &QueuedMessage{ID: "m1", HostID: nullString("h1"), Direction: DirectionOutbound,
		MessageType: "command", MessageData: "{}"}
	if err := s.InsertMessage(ctx, s.DB(), m); err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	if err := s.MarkInProgress(ctx, s.DB(), "m1", now); err != nil {
		t.Fatalf("MarkInProgress() error = %v", err)
	}

	n, err := s.RecoverInFlight(ctx, s.DB(), "h1")
	if err != nil {
		t.Fatalf("RecoverInFlight() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("RecoverInFlight() = %d, want 1", n)
	}
	got, _ := s.GetMessage(ctx, s.DB(), "m1")
	if got.Status != MessagePending {
		t.Errorf("recovered message status = %q, want pending", got.Status)
	}
}

func TestPasswordResetTokenSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{ID: "u1", Userid: "ops@example.com", HashedPassword: "x", Active: true}
	if err := s.CreateUser(ctx, s.DB(), u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	now := time.Now()
	tok := &PasswordResetToken{ID: "t1", UserID: "u1", Token: "reset-abc",
		ExpiresAt: now.Add(24 * time.Hour)}
	if err := s.CreatePasswordResetToken(ctx, s.DB(), tok); err != nil {
		t.Fatalf("CreatePasswordResetToken() error = %v", err)
	}

	if err := s.ConsumePasswordResetToken(ctx, s.DB(), "reset-abc", now); err != nil {
		t.Fatalf("ConsumePasswordResetToken() error = %v", err)
	}
	if err := s.ConsumePasswordResetToken(ctx, s.DB(), "reset-abc", now); !errors.Is(err, ErrTokenUsed) {
		t.Errorf("second consume error = %v, want ErrTokenUsed", err)
	}

	stale := &PasswordResetToken{ID: "t2", UserID: "u1", Token: "reset-old",
		ExpiresAt: now.Add(-time.Minute)}
	if err := s.CreatePasswordResetToken(ctx, s.DB(), stale); err != nil {
		t.Fatalf("CreatePasswordResetToken() error = %v", err)
	}
	if err := s.ConsumePasswordResetToken(ctx, s.DB(), "reset-old", now); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired consume error = %v, want ErrTokenExpired", err)
	}
	if err := s.ConsumePasswordResetToken(ctx, s.DB(), "reset-missing", now); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("missing consume error = %v, want ErrTokenNotFound", err)
	}
}

func TestChildUpsertGraceFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateHost(t, s, "h1", "parent.example.com")
	c := &HostChild{ID: "c1", ParentHostID: "h1", ChildName: "ubuntu", ChildType: "wsl",
		Status: ChildRunning}
	if err := s.CreateChild(ctx, s.DB(), c); err != nil {
		t.Fatalf("CreateChild() error = %v", err)
	}

	if err := s.UpdateChildObserved(ctx, s.DB(), "c1", ChildStopped, "Ubuntu-22.04", "ubuntu-host", "guid-1"); err != nil {
		t.Fatalf("UpdateChildObserved() error = %v", err)
	}
	got, err := s.GetChild(ctx, s.DB(), "h1", "ubuntu", "wsl")
	if err != nil {
		t.Fatalf("GetChild() error = %v", err)
	}
	if got.Status != ChildStopped || got.WSLGuid.String != "guid-1" {
		t.Errorf("child after update: status = %q guid = %q", got.Status, got.WSLGuid.String)
	}

	// Empty observations keep previously learned fields.
	if err := s.UpdateChildObserved(ctx, s.DB(), "c1", ChildRunning, "", "", ""); err != nil {
		t.Fatalf("UpdateChildObserved() error = %v", err)
	}
	got, _ = s.GetChild(ctx, s.DB(), "h1", "ubuntu", "wsl")
	if got.Distribution.String != "Ubuntu-22.04" || got.WSLGuid.String != "guid-1" {
		t.Errorf("empty update clobbered fields: dist = %q guid = %q",
			got.Distribution.String, got.WSLGuid.String)
	}
}
