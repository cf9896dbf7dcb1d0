package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sysmanage/sysmanage-server/common/trace"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func TestLogAndVerify(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	id, err := svc.Log(ctx, st.DB(), Entry{
		UserID:      "u1",
		Username:    "ops@example.com",
		ActionType:  ActionApprove,
		EntityType:  "host",
		EntityID:    "h1",
		Description: "approved host web01.example.com",
	})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	row, err := st.GetAuditEntry(ctx, st.DB(), id)
	if err != nil {
		t.Fatalf("GetAuditEntry() error = %v", err)
	}
	if row.Result != ResultSuccess {
		t.Errorf("Result = %q, want %q", row.Result, ResultSuccess)
	}
	if !Verify(row) {
		t.Error("Verify() = false for untampered entry")
	}
}

func TestLogRecordsTraceID(t *testing.T) {
	svc, st := newTestService(t)
	ctx := trace.WithTraceID(context.Background(), "t_feedbeef")

	id, err := svc.Log(ctx, st.DB(), Entry{
		ActionType:  ActionUpdate,
		EntityType:  "host",
		EntityID:    "h1",
		Description: "updated host",
		Details:     `{"tags":2}`,
	})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	row, err := st.GetAuditEntry(ctx, st.DB(), id)
	if err != nil {
		t.Fatalf("GetAuditEntry() error = %v", err)
	}
	if !row.Details.Valid || !strings.Contains(row.Details.String, `"trace_id":"t_feedbeef"`) {
		t.Errorf("Details = %q, missing trace id", row.Details.String)
	}
	if !strings.Contains(row.Details.String, `"tags":2`) {
		t.Errorf("Details = %q, caller details were lost", row.Details.String)
	}

	// Without details the trace id still lands.
	id, err = svc.Log(ctx, st.DB(), Entry{
		ActionType:  ActionDelete,
		EntityType:  "host",
		EntityID:    "h1",
		Description: "deleted host",
	})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	row, err = st.GetAuditEntry(ctx, st.DB(), id)
	if err != nil {
		t.Fatalf("GetAuditEntry() error = %v", err)
	}
	if !row.Details.Valid || !strings.Contains(row.Details.String, "t_feedbeef") {
		t.Errorf("Details = %q, missing trace id", row.Details.String)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	id, err := svc.Log(ctx, st.DB(), Entry{
		UserID:      "u1",
		ActionType:  ActionDelete,
		EntityType:  "host",
		EntityID:    "h1",
		Description: "deleted host",
	})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	// Simulate direct tampering with the database.
	if _, err := st.DB().ExecContext(ctx,
		`UPDATE audit_log SET description = 'nothing happened' WHERE id = ?`, id); err != nil {
		t.Fatalf("tamper update error = %v", err)
	}

	tampered, err := svc.VerifyRange(ctx, st.DB(), "", 100)
	if err != nil {
		t.Fatalf("VerifyRange() error = %v", err)
	}
	if len(tampered) != 1 || tampered[0] != id {
		t.Errorf("VerifyRange() = %v, want [%s]", tampered, id)
	}
}

func TestFailureRecordsError(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	id, err := svc.Failure(ctx, st.DB(), Entry{
		ActionType:  ActionLogin,
		EntityType:  "user",
		EntityID:    "u1",
		Description: "login attempt",
	}, context.DeadlineExceeded)
	if err != nil {
		t.Fatalf("Failure() error = %v", err)
	}

	row, err := st.GetAuditEntry(ctx, st.DB(), id)
	if err != nil {
		t.Fatalf("GetAuditEntry() error = %v", err)
	}
	if row.Result != ResultFailure {
		t.Errorf("Result = %q, want %q", row.Result, ResultFailure)
	}
	if !row.ErrorMessage.Valid || row.ErrorMessage.String == "" {
		t.Error("ErrorMessage not recorded")
	}
	if !Verify(row) {
		t.Error("Verify() = false for untampered failure entry")
	}
}
