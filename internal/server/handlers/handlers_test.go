package handlers

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/server/audit"
	"github.com/sysmanage/sysmanage-server/internal/server/queue"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
	"github.com/sysmanage/sysmanage-server/internal/server/wsecurity"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *queue.Queue) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	q := queue.New(s, time.Hour)
	return New(s, q, audit.New(s)), s, q
}

func createApprovedHost(t *testing.T, s *store.Store, fqdn string) *store.Host {
	t.Helper()
	h := &store.Host{
		ID:             uuid.NewString(),
		FQDN:           fqdn,
		ApprovalStatus: store.ApprovalApproved,
		Active:         true,
		Status:         store.HostUp,
	}
	if err := s.CreateHost(context.Background(), s.DB(), h); err != nil {
		t.Fatalf("CreateHost() error = %v", err)
	}
	return h
}

func createChild(t *testing.T, s *store.Store, parentID, name, childType, status string) *store.HostChild {
	t.Helper()
	c := &store.HostChild{
		ID:           uuid.NewString(),
		ParentHostID: parentID,
		ChildName:    name,
		ChildType:    childType,
		Status:       status,
	}
	if err := s.CreateChild(context.Background(), s.DB(), c); err != nil {
		t.Fatalf("CreateChild() error = %v", err)
	}
	return c
}

func envelope(messageType string, data map[string]any) wsecurity.Envelope {
	e := wsecurity.NewEnvelope(messageType, data)
	return e
}

func TestDispatchUnknownType(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "web-01.example.com")
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}

	resp := r.Dispatch(ctx, conn, envelope("no_such_type", nil))
	if resp == nil || resp.MessageType != "error" {
		t.Fatalf("response = %+v, want error envelope", resp)
	}
	if got := resp.Data["error_type"]; got != "unknown_type" {
		t.Errorf("error_type = %v, want unknown_type", got)
	}

	entries, err := s.ListAuditEntries(ctx, s.DB(), "host", 10)
	if err != nil {
		t.Fatalf("ListAuditEntries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Result != audit.ResultFailure {
		t.Errorf("audit entries = %d, want one failure entry", len(entries))
	}
}

func TestHeartbeatAck(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "web-01.example.com")
	if err := s.DeactivateHost(ctx, s.DB(), h.ID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("DeactivateHost() error = %v", err)
	}
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}

	resp := r.Dispatch(ctx, conn, envelope("heartbeat", nil))
	if resp == nil || resp.MessageType != "heartbeat_ack" {
		t.Fatalf("response = %+v, want heartbeat_ack", resp)
	}

	got, err := s.GetHost(ctx, s.DB(), h.ID)
	if err != nil {
		t.Fatalf("GetHost() error = %v", err)
	}
	if got.Status != store.HostUp || !got.Active {
		t.Errorf("host = (%s, active=%v), want (up, true)", got.Status, got.Active)
	}
}

func TestHandlerErrorReturnsErrorEnvelope(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "web-01.example.com")
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}

	// Result for a child that was never tracked.
	resp := r.Dispatch(ctx, conn, envelope("child_host_created", map[string]any{
		"child_name": "ghost", "child_type": "wsl", "success": true,
	}))
	if resp == nil || resp.MessageType != "error" || resp.Data["error_type"] != "handler_error" {
		t.Fatalf("response = %+v, want handler_error envelope", resp)
	}

	entries, _ := s.ListAuditEntries(ctx, s.DB(), "host", 10)
	if len(entries) != 1 || entries[0].Result != audit.ResultFailure {
		t.Errorf("audit entries = %d, want one failure entry", len(entries))
	}
}

func TestChildListReconciliation(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "hyper-01.example.com")
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}

	createChild(t, s, h.ID, "ubuntu", "wsl", store.ChildRunning)      // reported, refreshed
	createChild(t, s, h.ID, "debian", "wsl", store.ChildRunning)      // unreported, deleted
	createChild(t, s, h.ID, "fedora", "wsl", store.ChildCreating)     // unreported, kept
	createChild(t, s, h.ID, "arch", "wsl", store.ChildUninstalling)   // unreported, fresh, kept

	resp := r.Dispatch(ctx, conn, envelope("child_hosts_list_update", map[string]any{
		"children": []any{
			map[string]any{
				"child_name": "ubuntu", "child_type": "wsl", "status": "stopped",
				"distribution": "Ubuntu-24.04", "wsl_guid": "guid-1",
			},
			map[string]any{
				"child_name": "alpine", "child_type": "wsl", "status": "running",
			},
		},
	}))
	if resp != nil {
		t.Fatalf("response = %+v, want nil", resp)
	}

	children, err := s.ListChildren(ctx, s.DB(), h.ID)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}
	byName := map[string]*store.HostChild{}
	for _, c := range children {
		byName[c.ChildName] = c
	}

	if _, ok := byName["debian"]; ok {
		t.Error("unreported running child not deleted")
	}
	if _, ok := byName["fedora"]; !ok {
		t.Error("creating child deleted despite not being reported")
	}
	if _, ok := byName["arch"]; !ok {
		t.Error("fresh uninstalling child deleted inside grace window")
	}
	if c, ok := byName["alpine"]; !ok {
		t.Error("newly reported child not created")
	} else if c.Status != store.ChildRunning {
		t.Errorf("alpine status = %s", c.Status)
	}
	if c := byName["ubuntu"]; c == nil || c.Status != store.ChildStopped {
		t.Errorf("ubuntu not refreshed: %+v", c)
	} else if c.Distribution.String != "Ubuntu-24.04" || c.WSLGuid.String != "guid-1" {
		t.Errorf("ubuntu observed fields = (%q, %q)", c.Distribution.String, c.WSLGuid.String)
	}
}

func TestChildListStaleUninstallDeletesLinkedHost(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "hyper-01.example.com")
	linked := createApprovedHost(t, s, "ubuntu.hyper-01.example.com")
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}

	c := createChild(t, s, h.ID, "ubuntu", "wsl", store.ChildUninstalling)
	if err := s.LinkChildHost(ctx, s.DB(), c.ID, linked.ID); err != nil {
		t.Fatalf("LinkChildHost() error = %v", err)
	}
	// Age the row past the grace window.
	_, err := s.DB().ExecContext(ctx,
		`UPDATE host_children SET updated_at = ? WHERE id = ?`,
		store.FormatTime(time.Now().Add(-11*time.Minute)), c.ID)
	if err != nil {
		t.Fatalf("backdate error = %v", err)
	}

	r.Dispatch(ctx, conn, envelope("child_hosts_list_update", map[string]any{"children": []any{}}))

	if _, err := s.GetChild(ctx, s.DB(), h.ID, "ubuntu", "wsl"); !errors.Is(err, store.ErrChildNotFound) {
		t.Errorf("stale uninstalling child still present: %v", err)
	}
	if _, err := s.GetHost(ctx, s.DB(), linked.ID); !errors.Is(err, store.ErrHostNotFound) {
		t.Errorf("linked host still present: %v", err)
	}
}

func TestChildCreatedFailureFlagsReboot(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "hyper-01.example.com")
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}
	createChild(t, s, h.ID, "ubuntu", "wsl", store.ChildCreating)

	resp := r.Dispatch(ctx, conn, envelope("child_host_created", map[string]any{
		"child_name": "ubuntu", "child_type": "wsl",
		"success": false, "error_message": "WSL feature disabled", "reboot_required": true,
	}))
	if resp != nil {
		t.Fatalf("response = %+v, want nil", resp)
	}

	got, _ := s.GetChild(ctx, s.DB(), h.ID, "ubuntu", "wsl")
	if got.Status != store.ChildError || got.ErrorMessage.String != "WSL feature disabled" {
		t.Errorf("child = (%s, %q)", got.Status, got.ErrorMessage.String)
	}
	host, _ := s.GetHost(ctx, s.DB(), h.ID)
	if !host.RebootRequired {
		t.Error("parent host not flagged for reboot")
	}
}

func TestChildDeleteResultStaleGuid(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "hyper-01.example.com")
	linked := createApprovedHost(t, s, "ubuntu.hyper-01.example.com")
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}

	c := createChild(t, s, h.ID, "ubuntu", "wsl", store.ChildUninstalling)
	if err := s.LinkChildHost(ctx, s.DB(), c.ID, linked.ID); err != nil {
		t.Fatalf("LinkChildHost() error = %v", err)
	}

	// The instance on the agent is not the one we tracked: drop our row but
	// leave the live instance's host registration alone.
	r.Dispatch(ctx, conn, envelope("child_host_delete_result", map[string]any{
		"child_name": "ubuntu", "child_type": "wsl", "success": false,
		"expected_guid": "guid-old", "current_guid": "guid-new",
	}))

	if _, err := s.GetChild(ctx, s.DB(), h.ID, "ubuntu", "wsl"); !errors.Is(err, store.ErrChildNotFound) {
		t.Errorf("stale child row still present: %v", err)
	}
	if _, err := s.GetHost(ctx, s.DB(), linked.ID); err != nil {
		t.Errorf("linked host deleted for a stale row: %v", err)
	}
}

func TestChildDeleteResultSuccessRemovesLinkedHost(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "hyper-01.example.com")
	linked := createApprovedHost(t, s, "ubuntu.hyper-01.example.com")
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}

	c := createChild(t, s, h.ID, "ubuntu", "wsl", store.ChildUninstalling)
	if err := s.LinkChildHost(ctx, s.DB(), c.ID, linked.ID); err != nil {
		t.Fatalf("LinkChildHost() error = %v", err)
	}

	r.Dispatch(ctx, conn, envelope("child_host_delete_result", map[string]any{
		"child_name": "ubuntu", "child_type": "wsl", "success": true,
	}))

	if _, err := s.GetChild(ctx, s.DB(), h.ID, "ubuntu", "wsl"); !errors.Is(err, store.ErrChildNotFound) {
		t.Errorf("child row still present: %v", err)
	}
	if _, err := s.GetHost(ctx, s.DB(), linked.ID); !errors.Is(err, store.ErrHostNotFound) {
		t.Errorf("linked host still present: %v", err)
	}
}

func TestChildStopResultFailureKeepsStatus(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "hyper-01.example.com")
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}
	createChild(t, s, h.ID, "ubuntu", "wsl", store.ChildRunning)

	r.Dispatch(ctx, conn, envelope("child_host_stop_result", map[string]any{
		"child_name": "ubuntu", "child_type": "wsl",
		"success": false, "error_message": "instance busy",
	}))

	got, _ := s.GetChild(ctx, s.DB(), h.ID, "ubuntu", "wsl")
	if got.Status != store.ChildRunning {
		t.Errorf("status = %s, want running preserved on failure", got.Status)
	}
	if got.ErrorMessage.String != "instance busy" {
		t.Errorf("error_message = %q", got.ErrorMessage.String)
	}
}

func TestCommandResultSettlesAndIsIdempotent(t *testing.T) {
	r, s, q := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "web-01.example.com")
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}

	corr := uuid.NewString()
	id, err := q.Add(ctx, s.DB(), queue.Enqueue{
		HostID:        h.ID,
		Direction:     store.DirectionOutbound,
		MessageType:   "execute_command",
		MessageData:   `{"command":"uptime"}`,
		CorrelationID: corr,
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	now := time.Now()
	if err := s.MarkInProgress(ctx, s.DB(), id, now); err != nil {
		t.Fatalf("MarkInProgress() error = %v", err)
	}
	if err := s.MarkSent(ctx, s.DB(), id); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}

	env := envelope("command_result", map[string]any{
		"correlation_id": corr, "success": true, "output": "up 3 days",
	})
	if resp := r.Dispatch(ctx, conn, env); resp != nil {
		t.Fatalf("response = %+v, want nil", resp)
	}

	m, err := s.GetMessage(ctx, s.DB(), id)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if m.Status != store.MessageDelivered {
		t.Errorf("status = %s, want delivered", m.Status)
	}

	// A retried result neither errors nor flips the settled outcome.
	retry := envelope("command_result", map[string]any{
		"correlation_id": corr, "success": false, "error_message": "late duplicate",
	})
	if resp := r.Dispatch(ctx, conn, retry); resp != nil {
		t.Fatalf("retry response = %+v, want nil", resp)
	}
	m, _ = s.GetMessage(ctx, s.DB(), id)
	if m.Status != store.MessageDelivered {
		t.Errorf("status after duplicate = %s, want delivered", m.Status)
	}
}

func TestCommandResultUnknownCorrelationAccepted(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "web-01.example.com")
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}

	env := envelope("command_result", map[string]any{
		"correlation_id": uuid.NewString(), "success": true,
	})
	if resp := r.Dispatch(ctx, conn, env); resp != nil {
		t.Errorf("response = %+v, want nil for unknown correlation", resp)
	}
}

func TestDiagnosticResultCompletesReport(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "web-01.example.com")
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}

	collectionID := uuid.NewString()
	d := &store.DiagnosticReport{
		ID:           uuid.NewString(),
		CollectionID: collectionID,
		HostID:       h.ID,
		Status:       store.DiagnosticCollecting,
	}
	if err := s.CreateDiagnosticReport(ctx, s.DB(), d); err != nil {
		t.Fatalf("CreateDiagnosticReport() error = %v", err)
	}

	r.Dispatch(ctx, conn, envelope("diagnostic_collection_result", map[string]any{
		"collection_id": collectionID, "success": true,
		"system_logs": "...", "size_bytes": float64(2048), "file_count": float64(7),
	}))

	got, err := s.GetDiagnosticByCollectionID(ctx, s.DB(), collectionID)
	if err != nil {
		t.Fatalf("GetDiagnosticByCollectionID() error = %v", err)
	}
	if got.Status != store.DiagnosticCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	host, _ := s.GetHost(ctx, s.DB(), h.ID)
	if host.DiagnosticsRequestStatus.String != store.DiagnosticCompleted {
		t.Errorf("host diagnostics status = %q", host.DiagnosticsRequestStatus.String)
	}
}

func TestVirtualizationUpdateStored(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "hyper-01.example.com")
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}

	r.Dispatch(ctx, conn, envelope("virtualization_support_update", map[string]any{
		"wsl": true, "lxd": false,
	}))

	got, _ := s.GetHost(ctx, s.DB(), h.ID)
	if !got.VirtualizationSupport.Valid || got.VirtualizationSupport.String == "" {
		t.Error("virtualization report not stored")
	}
}

func TestWSLEnableResultQueuesRecheck(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()
	h := createApprovedHost(t, s, "hyper-01.example.com")
	conn := &Conn{HostID: h.ID, FQDN: h.FQDN, RemoteAddr: "10.0.0.9"}

	r.Dispatch(ctx, conn, envelope("wsl_enable_result", map[string]any{"success": true}))

	msgs, err := s.ListDeliverable(ctx, s.DB(), h.ID, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("ListDeliverable() error = %v", err)
	}
	var found bool
	for _, m := range msgs {
		if m.MessageType == "check_virtualization_support" {
			found = true
		}
	}
	if !found {
		t.Error("no check_virtualization_support queued after successful enable")
	}
}
