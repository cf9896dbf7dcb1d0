package handlers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/server/store"
	"github.com/sysmanage/sysmanage-server/internal/server/wsecurity"
)

// uninstallGrace is how long an unreported "uninstalling" child survives a
// list update. Uninstall on the agent takes a while; a child missing from the
// list inside this window is assumed to still be tearing down.
const uninstallGrace = 10 * time.Minute

// handleChildListUpdate reconciles the tracked children of a parent host
// against the full list the agent just reported. Reported children are
// inserted or refreshed; unreported ones are removed, except rows still in
// "creating" (the agent may not list a child mid-provisioning) and rows in
// "uninstalling" that are within the grace window.
func (r *Registry) handleChildListUpdate(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*wsecurity.Envelope, error) {
	reported, _ := env.Data["children"].([]any)

	existing, err := r.store.ListChildren(ctx, tx, conn.HostID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]*store.HostChild, len(existing))
	for _, c := range existing {
		byKey[c.ChildType+"\x00"+c.ChildName] = c
	}

	seen := make(map[string]bool, len(reported))
	for _, raw := range reported {
		fields, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		entry := childEntry(fields)
		if entry.name == "" || entry.childType == "" {
			slog.Warn("child list entry missing name or type", "host_id", conn.HostID)
			continue
		}
		key := entry.childType + "\x00" + entry.name
		seen[key] = true

		if cur, ok := byKey[key]; ok {
			err := r.store.UpdateChildObserved(ctx, tx, cur.ID,
				entry.status, entry.distribution, entry.hostname, entry.wslGuid)
			if err != nil {
				return nil, err
			}
			continue
		}

		child := &store.HostChild{
			ID:           uuid.NewString(),
			ParentHostID: conn.HostID,
			ChildName:    entry.name,
			ChildType:    entry.childType,
			Status:       entry.status,
		}
		if entry.distribution != "" {
			child.Distribution = sql.NullString{String: entry.distribution, Valid: true}
		}
		if entry.hostname != "" {
			child.Hostname = sql.NullString{String: entry.hostname, Valid: true}
		}
		if entry.wslGuid != "" {
			child.WSLGuid = sql.NullString{String: entry.wslGuid, Valid: true}
		}
		if err := r.store.CreateChild(ctx, tx, child); err != nil {
			return nil, err
		}
		r.tryLinkChildHost(ctx, tx, child, entry.hostname)
	}

	now := time.Now()
	for key, c := range byKey {
		if seen[key] {
			continue
		}
		switch c.Status {
		case store.ChildCreating:
			// Provisioning in flight; the agent will list it once it exists.
		case store.ChildUninstalling:
			if now.Sub(c.UpdatedAt) < uninstallGrace {
				continue
			}
			// The uninstall never confirmed; the child is gone on the agent.
			if err := r.removeChild(ctx, tx, c, true); err != nil {
				return nil, err
			}
		default:
			if err := r.removeChild(ctx, tx, c, false); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

type childListEntry struct {
	name         string
	childType    string
	status       string
	distribution string
	hostname     string
	wslGuid      string
}

func childEntry(fields map[string]any) childListEntry {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := fields[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}
	e := childListEntry{
		name:         str("child_name", "name"),
		childType:    str("child_type", "type"),
		status:       str("status"),
		distribution: str("distribution"),
		hostname:     str("hostname"),
		wslGuid:      str("wsl_guid", "guid"),
	}
	if e.status == "" {
		e.status = store.ChildRunning
	}
	return e
}

// tryLinkChildHost connects a newly observed child to the Host row its own
// agent registered, when the hostname resolves to one. Resolution failure is
// not an error: many children never run an agent.
func (r *Registry) tryLinkChildHost(ctx context.Context, tx *sql.Tx, child *store.HostChild, hostname string) {
	if hostname == "" {
		return
	}
	h, err := r.store.ResolveHostByHostname(ctx, tx, hostname)
	if err != nil {
		return
	}
	if h.ID == child.ParentHostID {
		return
	}
	if err := r.store.LinkChildHost(ctx, tx, child.ID, h.ID); err != nil {
		slog.Warn("failed to link child host", "child", child.ChildName, "err", err)
	}
}

// removeChild deletes a tracked child and, when asked, the standalone Host
// row it registered as.
func (r *Registry) removeChild(ctx context.Context, tx *sql.Tx, c *store.HostChild, deleteLinkedHost bool) error {
	if deleteLinkedHost && c.ChildHostID.Valid {
		err := r.store.DeleteHost(ctx, tx, c.ChildHostID.String)
		if err != nil && !errors.Is(err, store.ErrHostNotFound) {
			return err
		}
	}
	err := r.store.DeleteChild(ctx, tx, c.ID)
	if err != nil && !errors.Is(err, store.ErrChildNotFound) {
		return err
	}
	return nil
}

// handleChildCreated finishes a provisioning request: the placeholder row
// moves to running or error. A failure that needs a host reboot to resolve
// (WSL feature enablement) flags the parent.
func (r *Registry) handleChildCreated(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*wsecurity.Envelope, error) {
	c, err := r.childFromEnvelope(ctx, tx, conn, env)
	if err != nil {
		return nil, err
	}

	if dataBool(env, "success") {
		return nil, r.store.UpdateChildStatus(ctx, tx, c.ID, store.ChildRunning, "")
	}

	errMsg := dataString(env, "error_message")
	if err := r.store.UpdateChildStatus(ctx, tx, c.ID, store.ChildError, errMsg); err != nil {
		return nil, err
	}
	if dataBool(env, "reboot_required") {
		reason := fmt.Sprintf("%s provisioning for %q requires a reboot", c.ChildType, c.ChildName)
		if err := r.store.SetRebootRequired(ctx, tx, conn.HostID, true, reason); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// handleChildDeleteResult finishes an uninstall request. When the agent
// reports a GUID other than the one we tracked, the tracked row was stale
// (the instance was recreated out of band) and is dropped without touching
// the live instance's Host row.
func (r *Registry) handleChildDeleteResult(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*wsecurity.Envelope, error) {
	c, err := r.childFromEnvelope(ctx, tx, conn, env)
	if err != nil {
		return nil, err
	}

	expected := dataString(env, "expected_guid")
	current := dataString(env, "current_guid")
	if expected != "" && current != "" && expected != current {
		slog.Info("dropping stale child row",
			"child", c.ChildName, "expected_guid", expected, "current_guid", current)
		return nil, r.removeChild(ctx, tx, c, false)
	}

	if dataBool(env, "success") {
		return nil, r.removeChild(ctx, tx, c, true)
	}
	return nil, r.store.UpdateChildStatus(ctx, tx, c.ID, store.ChildError, dataString(env, "error_message"))
}

// childTransitionHandler builds the handler for start/stop/restart results:
// success moves the child to target, failure records the error and leaves the
// lifecycle state alone.
func (r *Registry) childTransitionHandler(target string) Func {
	return func(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*wsecurity.Envelope, error) {
		c, err := r.childFromEnvelope(ctx, tx, conn, env)
		if err != nil {
			return nil, err
		}
		if dataBool(env, "success") {
			return nil, r.store.UpdateChildStatus(ctx, tx, c.ID, target, "")
		}
		return nil, r.store.UpdateChildStatus(ctx, tx, c.ID, c.Status, dataString(env, "error_message"))
	}
}

func (r *Registry) childFromEnvelope(ctx context.Context, tx *sql.Tx, conn *Conn, env wsecurity.Envelope) (*store.HostChild, error) {
	name := dataString(env, "child_name")
	childType := dataString(env, "child_type")
	if name == "" || childType == "" {
		return nil, fmt.Errorf("%s without child_name/child_type", env.MessageType)
	}
	c, err := r.store.GetChild(ctx, tx, conn.HostID, name, childType)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve child %s/%s: %w", childType, name, err)
	}
	return c, nil
}
