// Package handlers holds the per-message-type logic for inbound agent
// messages. A handler is the only place where agent-driven state changes
// occur; each runs in its own transaction together with its audit entry.
package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/server/audit"
	"github.com/sysmanage/sysmanage-server/internal/server/queue"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
	"github.com/sysmanage/sysmanage-server/internal/server/wsecurity"
)

// Conn describes the authenticated agent connection a message arrived on.
type Conn struct {
	HostID     string
	FQDN       string
	RemoteAddr string
}

// Func handles one inbound message. The returned envelope, when non-nil, is
// sent back synchronously on the same socket.
type Func func(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*wsecurity.Envelope, error)

// Registry routes messages to handlers by message_type.
type Registry struct {
	store    *store.Store
	queue    *queue.Queue
	audit    *audit.Service
	handlers map[string]Func
}

func New(s *store.Store, q *queue.Queue, a *audit.Service) *Registry {
	r := &Registry{
		store:    s,
		queue:    q,
		audit:    a,
		handlers: make(map[string]Func),
	}
	r.register("heartbeat", r.handleHeartbeat)
	r.register("system_info", r.handleSystemInfo)
	r.register("reboot_status_update", r.handleRebootStatus)
	r.register("firewall_status", r.handleFirewallStatus)
	r.register("diagnostic_collection_result", r.handleDiagnosticResult)
	r.register("child_hosts_list_update", r.handleChildListUpdate)
	r.register("child_host_created", r.handleChildCreated)
	r.register("child_host_delete_result", r.handleChildDeleteResult)
	r.register("child_host_start_result", r.childTransitionHandler(store.ChildRunning))
	r.register("child_host_stop_result", r.childTransitionHandler(store.ChildStopped))
	r.register("child_host_restart_result", r.childTransitionHandler(store.ChildRunning))
	r.register("command_result", r.handleCommandResult)
	r.register("script_execution_result", r.handleScriptResult)
	r.register("virtualization_support_update", r.handleVirtualizationUpdate)
	r.register("wsl_enable_result", r.capabilityResultHandler("wsl"))
	r.register("lxd_initialize_result", r.capabilityResultHandler("lxd"))
	r.register("vmm_initialize_result", r.capabilityResultHandler("vmm"))
	return r
}

func (r *Registry) register(messageType string, fn Func) {
	r.handlers[messageType] = fn
}

// Dispatch runs the handler for env inside a transaction and emits one
// agent-message audit entry with it. A failed handler rolls everything back
// and yields an error envelope; the connection stays open.
func (r *Registry) Dispatch(ctx context.Context, conn *Conn, env wsecurity.Envelope) *wsecurity.Envelope {
	h, ok := r.handlers[env.MessageType]
	if !ok {
		slog.Warn("unknown message type", "type", env.MessageType, "host_id", conn.HostID)
		r.auditFailure(ctx, conn, env, fmt.Errorf("unknown message type %q", env.MessageType))
		return errorEnvelope("unknown_type")
	}

	var resp *wsecurity.Envelope
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		resp, err = h(ctx, tx, conn, env)
		if err != nil {
			return err
		}
		_, err = r.audit.Success(ctx, tx, audit.Entry{
			ActionType:  audit.ActionAgentMessage,
			EntityType:  "host",
			EntityID:    conn.HostID,
			EntityName:  conn.FQDN,
			Description: "handled " + env.MessageType,
			IPAddress:   conn.RemoteAddr,
			Category:    "agent_message",
		})
		return err
	})
	if err != nil {
		slog.Error("handler failed",
			"type", env.MessageType, "host_id", conn.HostID, "err", err)
		r.auditFailure(ctx, conn, env, err)
		return errorEnvelope("handler_error")
	}
	return resp
}

// auditFailure writes outside any transaction: the failed mutation rolled
// back, but the failure itself must still be recorded.
func (r *Registry) auditFailure(ctx context.Context, conn *Conn, env wsecurity.Envelope, cause error) {
	_, err := r.audit.Failure(ctx, r.store.DB(), audit.Entry{
		ActionType:  audit.ActionAgentMessage,
		EntityType:  "host",
		EntityID:    conn.HostID,
		EntityName:  conn.FQDN,
		Description: "failed to handle " + env.MessageType,
		IPAddress:   conn.RemoteAddr,
		Category:    "agent_message",
	}, cause)
	if err != nil {
		slog.Error("failed to audit handler failure", "host_id", conn.HostID, "err", err)
	}
}

func errorEnvelope(errorType string) *wsecurity.Envelope {
	e := wsecurity.NewEnvelope("error", map[string]any{"error_type": errorType})
	return &e
}

// --- payload field helpers ---

func dataString(env wsecurity.Envelope, key string) string {
	if v, ok := env.Data[key].(string); ok {
		return v
	}
	return ""
}

func dataBool(env wsecurity.Envelope, key string) bool {
	if v, ok := env.Data[key].(bool); ok {
		return v
	}
	return false
}

func dataInt64(env wsecurity.Envelope, key string) int64 {
	switch v := env.Data[key].(type) {
	case float64: // encoding/json decodes numbers to float64
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

// correlationID prefers the envelope field and falls back to the payload.
func correlationID(env wsecurity.Envelope) string {
	if env.CorrelationID != "" {
		return env.CorrelationID
	}
	return dataString(env, "correlation_id")
}

// --- basic handlers ---

func (r *Registry) handleHeartbeat(ctx context.Context, tx *sql.Tx, conn *Conn, _ wsecurity.Envelope) (*wsecurity.Envelope, error) {
	if err := r.store.UpdateHostHeartbeat(ctx, tx, conn.HostID, time.Now()); err != nil {
		return nil, err
	}
	ack := wsecurity.NewEnvelope("heartbeat_ack", nil)
	return &ack, nil
}

func (r *Registry) handleSystemInfo(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*wsecurity.Envelope, error) {
	osDetails := ""
	if raw, ok := env.Data["os_details"]; ok {
		blob, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to encode os details: %w", err)
		}
		osDetails = string(blob)
	}

	err := r.store.UpdateHostSystemInfo(ctx, tx, conn.HostID,
		dataString(env, "ipv4"), dataString(env, "ipv6"),
		dataString(env, "platform"), dataString(env, "platform_release"), osDetails)
	if err != nil {
		return nil, err
	}

	if _, ok := env.Data["is_agent_privileged"]; ok {
		if err := r.store.SetAgentPrivileged(ctx, tx, conn.HostID, dataBool(env, "is_agent_privileged")); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (r *Registry) handleRebootStatus(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*wsecurity.Envelope, error) {
	return nil, r.store.SetRebootRequired(ctx, tx, conn.HostID,
		dataBool(env, "reboot_required"), dataString(env, "reason"))
}

func (r *Registry) handleFirewallStatus(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*wsecurity.Envelope, error) {
	rules := ""
	if raw, ok := env.Data["rules"]; ok {
		blob, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to encode firewall rules: %w", err)
		}
		rules = string(blob)
	}

	f := &store.FirewallStatus{
		HostID:      conn.HostID,
		Enabled:     dataBool(env, "enabled"),
		CollectedAt: time.Now(),
	}
	if engine := dataString(env, "engine"); engine != "" {
		f.Engine = sql.NullString{String: engine, Valid: true}
	}
	if rules != "" {
		f.Rules = sql.NullString{String: rules, Valid: true}
	}
	return nil, r.store.UpsertFirewallStatus(ctx, tx, f)
}

func (r *Registry) handleDiagnosticResult(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*wsecurity.Envelope, error) {
	collectionID := dataString(env, "collection_id")
	if collectionID == "" {
		return nil, fmt.Errorf("diagnostic result without collection_id")
	}
	now := time.Now()

	if dataBool(env, "success") {
		err := r.store.CompleteDiagnosticReport(ctx, tx, collectionID,
			dataString(env, "system_logs"), dataString(env, "configuration"),
			dataString(env, "network_info"), dataString(env, "process_info"),
			dataInt64(env, "size_bytes"), dataInt64(env, "file_count"), now)
		if err != nil {
			return nil, err
		}
		return nil, r.store.SetDiagnosticsRequestStatus(ctx, tx, conn.HostID, store.DiagnosticCompleted)
	}

	err := r.store.FailDiagnosticReport(ctx, tx, collectionID, dataString(env, "error_message"), now)
	if err != nil {
		return nil, err
	}
	return nil, r.store.SetDiagnosticsRequestStatus(ctx, tx, conn.HostID, store.DiagnosticFailed)
}
