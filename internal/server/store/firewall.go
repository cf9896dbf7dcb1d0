package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrFirewallNotFound is returned when no snapshot exists for the host.
var ErrFirewallNotFound = errors.New("store: firewall status not found")

// FirewallStatus is the last observed per-host firewall snapshot.
type FirewallStatus struct {
	HostID      string
	Enabled     bool
	Engine      sql.NullString
	Rules       sql.NullString // JSON rule list as reported by the agent
	CollectedAt time.Time
	UpdatedAt   time.Time
}

// UpsertFirewallStatus stores the latest snapshot reported by an agent.
func (s *Store) UpsertFirewallStatus(ctx context.Context, q Querier, f *FirewallStatus) error {
	now := time.Now()
	f.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO firewall_status (host_id, enabled, engine, rules, collected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(host_id) DO UPDATE SET
			enabled = excluded.enabled,
			engine = excluded.engine,
			rules = excluded.rules,
			collected_at = excluded.collected_at,
			updated_at = excluded.updated_at
	`, f.HostID, boolToInt(f.Enabled), f.Engine, f.Rules,
		nullTime(f.CollectedAt), FormatTime(now))
	if err != nil {
		return fmt.Errorf("failed to upsert firewall status: %w", err)
	}
	return nil
}

// GetFirewallStatus returns the last snapshot for a host.
func (s *Store) GetFirewallStatus(ctx context.Context, q Querier, hostID string) (*FirewallStatus, error) {
	f := &FirewallStatus{}
	var enabled int
	var collectedAt, updatedAt sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT host_id, enabled, engine, rules, collected_at, updated_at
		FROM firewall_status WHERE host_id = ?
	`, hostID).Scan(&f.HostID, &enabled, &f.Engine, &f.Rules, &collectedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFirewallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get firewall status: %w", err)
	}
	f.Enabled = enabled != 0
	f.CollectedAt = timeFromNull(collectedAt)
	f.UpdatedAt = timeFromNull(updatedAt)
	return f, nil
}
