package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Integration names for the integration_settings table.
const (
	IntegrationGrafana = "grafana"
	IntegrationGraylog = "graylog"
)

// ErrIntegrationNotFound is returned when the integration is not configured.
var ErrIntegrationNotFound = errors.New("store: integration not configured")

// IntegrationSetting is one external integration's configuration. Settings is
// an integration-specific JSON blob; credentials inside it are stored
// AES-GCM-encrypted under the master key.
type IntegrationSetting struct {
	Name      string
	Enabled   bool
	Settings  sql.NullString
	UpdatedAt time.Time
}

// UpsertIntegrationSetting stores an integration's configuration.
func (s *Store) UpsertIntegrationSetting(ctx context.Context, q Querier, is *IntegrationSetting) error {
	now := time.Now()
	is.UpdatedAt = now
	_, err := q.ExecContext(ctx, `
		INSERT INTO integration_settings (name, enabled, settings, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			enabled = excluded.enabled,
			settings = excluded.settings,
			updated_at = excluded.updated_at
	`, is.Name, boolToInt(is.Enabled), is.Settings, FormatTime(now))
	if err != nil {
		return fmt.Errorf("failed to upsert integration setting: %w", err)
	}
	return nil
}

// GetIntegrationSetting returns one integration's configuration.
func (s *Store) GetIntegrationSetting(ctx context.Context, q Querier, name string) (*IntegrationSetting, error) {
	is := &IntegrationSetting{}
	var enabled int
	var updatedAt sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT name, enabled, settings, updated_at FROM integration_settings WHERE name = ?
	`, name).Scan(&is.Name, &enabled, &is.Settings, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntegrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration setting: %w", err)
	}
	is.Enabled = enabled != 0
	is.UpdatedAt = timeFromNull(updatedAt)
	return is, nil
}
