package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/server/queue"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
	"github.com/sysmanage/sysmanage-server/internal/server/wsecurity"
)

// handleCommandResult closes the loop on an outbound command: the queued
// message it answers moves to delivered or failed, and the result payload is
// recorded inbound for the operator. Results for unknown or already-settled
// messages are accepted silently so agent retries stay harmless.
func (r *Registry) handleCommandResult(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*wsecurity.Envelope, error) {
	corr := correlationID(env)
	if corr == "" {
		return nil, fmt.Errorf("command result without correlation_id")
	}
	return nil, r.settleResult(ctx, tx, conn, env, corr)
}

// handleScriptResult records a script execution result. Scripts correlate by
// execution_id; the envelope's other integrity fields are optional for them.
func (r *Registry) handleScriptResult(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*wsecurity.Envelope, error) {
	corr := env.ExecutionID
	if corr == "" {
		corr = correlationID(env)
	}
	if corr == "" {
		return nil, fmt.Errorf("script result without execution_id")
	}
	return nil, r.settleResult(ctx, tx, conn, env, corr)
}

func (r *Registry) settleResult(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope, corr string) error {
	now := time.Now()

	m, err := r.store.FindByCorrelation(ctx, tx, corr)
	switch {
	case errors.Is(err, store.ErrMessageNotFound):
		// Expired and purged, or a duplicate of a result already processed.
		slog.Debug("result for unknown correlation", "correlation_id", corr, "host_id", conn.HostID)
	case err != nil:
		return err
	case m.Status == store.MessageDelivered || m.Status == store.MessageFailed:
		// Already settled; a retried result must not flip the outcome.
	case dataBool(env, "success"):
		if err := r.store.MarkDelivered(ctx, tx, m.ID, now); err != nil {
			return err
		}
	default:
		if err := r.store.MarkFailed(ctx, tx, m.ID, dataString(env, "error_message"), now); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(env.Data)
	if err != nil {
		return fmt.Errorf("failed to encode result payload: %w", err)
	}
	_, err = r.queue.Add(ctx, tx, queue.Enqueue{
		HostID:        conn.HostID,
		Direction:     store.DirectionInbound,
		MessageType:   env.MessageType,
		MessageData:   string(payload),
		CorrelationID: corr,
		NoExpiry:      true,
	})
	return err
}

// handleVirtualizationUpdate stores the agent's capability report.
func (r *Registry) handleVirtualizationUpdate(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*wsecurity.Envelope, error) {
	blob, err := json.Marshal(env.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode virtualization report: %w", err)
	}
	return nil, r.store.SetVirtualizationSupport(ctx, tx, conn.HostID, string(blob))
}

// capabilityResultHandler builds the handler for enable/initialize results of
// a virtualization technology. Success queues a fresh capability check so the
// stored report reflects the change; a failure needing a reboot flags the
// host.
func (r *Registry) capabilityResultHandler(tech string) Func {
	return func(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*wsecurity.Envelope, error) {
		if dataBool(env, "success") {
			_, err := r.queue.Add(ctx, tx, queue.Enqueue{
				HostID:      conn.HostID,
				Direction:   store.DirectionOutbound,
				MessageType: "check_virtualization_support",
				MessageData: "{}",
				Priority:    store.PriorityHigh,
			})
			return nil, err
		}

		slog.Warn("capability setup failed",
			"tech", tech, "host_id", conn.HostID, "err", dataString(env, "error_message"))
		if dataBool(env, "reboot_required") {
			reason := fmt.Sprintf("%s enablement requires a reboot", tech)
			return nil, r.store.SetRebootRequired(ctx, tx, conn.HostID, true, reason)
		}
		return nil, nil
	}
}
