package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CveSettings is the singleton configuration row for vulnerability ingestion.
type CveSettings struct {
	Enabled           bool
	Schedule          string
	NVDEnabled        bool
	OSVEnabled        bool
	UbuntuEnabled     bool
	LastFullSync      time.Time
	LastIncremental   time.Time
	RetentionDays     int64
	UpdatedAt         time.Time
}

// Vulnerability is one ingested CVE record.
type Vulnerability struct {
	ID            string
	CveID         string
	Source        string
	Severity      sql.NullString
	Score         sql.NullFloat64
	Summary       sql.NullString
	PublishedAt   time.Time
	ModifiedAt    time.Time
	AffectedData  sql.NullString // source-native affected-package JSON
	IngestedAt    time.Time
}

// PackageMapping links a CVE to a concrete package name and version range.
type PackageMapping struct {
	ID             string
	CveID          string
	PackageName    string
	PackageManager sql.NullString
	VersionRange   sql.NullString
	FixedVersion   sql.NullString
	CreatedAt      time.Time
}

// IngestionRun records one source's fetch outcome for observability.
type IngestionRun struct {
	ID          string
	Source      string
	Status      string
	RecordCount int64
	Error       sql.NullString
	StartedAt   time.Time
	FinishedAt  time.Time
}

// GetCveSettings returns the singleton settings row, creating defaults when
// the row is absent.
func (s *Store) GetCveSettings(ctx context.Context, q Querier) (*CveSettings, error) {
	cs := &CveSettings{}
	var enabled, nvd, osv, ubuntu int
	var lastFull, lastInc, updatedAt sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT enabled, schedule, nvd_enabled, osv_enabled, ubuntu_enabled,
			last_full_sync, last_incremental, retention_days, updated_at
		FROM cve_settings WHERE id = 1
	`).Scan(&enabled, &cs.Schedule, &nvd, &osv, &ubuntu,
		&lastFull, &lastInc, &cs.RetentionDays, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &CveSettings{Schedule: "0 3 * * *", RetentionDays: 365}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cve settings: %w", err)
	}
	cs.Enabled = enabled != 0
	cs.NVDEnabled = nvd != 0
	cs.OSVEnabled = osv != 0
	cs.UbuntuEnabled = ubuntu != 0
	cs.LastFullSync = timeFromNull(lastFull)
	cs.LastIncremental = timeFromNull(lastInc)
	cs.UpdatedAt = timeFromNull(updatedAt)
	return cs, nil
}

// UpdateCveSettings replaces the singleton settings row.
func (s *Store) UpdateCveSettings(ctx context.Context, q Querier, cs *CveSettings) error {
	now := time.Now()
	cs.UpdatedAt = now
	_, err := q.ExecContext(ctx, `
		INSERT INTO cve_settings (id, enabled, schedule, nvd_enabled, osv_enabled, ubuntu_enabled,
			last_full_sync, last_incremental, retention_days, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			schedule = excluded.schedule,
			nvd_enabled = excluded.nvd_enabled,
			osv_enabled = excluded.osv_enabled,
			ubuntu_enabled = excluded.ubuntu_enabled,
			last_full_sync = excluded.last_full_sync,
			last_incremental = excluded.last_incremental,
			retention_days = excluded.retention_days,
			updated_at = excluded.updated_at
	`, boolToInt(cs.Enabled), cs.Schedule, boolToInt(cs.NVDEnabled), boolToInt(cs.OSVEnabled),
		boolToInt(cs.UbuntuEnabled), nullTime(cs.LastFullSync), nullTime(cs.LastIncremental),
		cs.RetentionDays, FormatTime(now))
	if err != nil {
		return fmt.Errorf("failed to update cve settings: %w", err)
	}
	return nil
}

// MarkCveSync records the completion time of a refresh pass.
func (s *Store) MarkCveSync(ctx context.Context, q Querier, full bool, at time.Time) error {
	column := "last_incremental"
	if full {
		column = "last_full_sync"
	}
	_, err := q.ExecContext(ctx,
		`UPDATE cve_settings SET `+column+` = ?, updated_at = ? WHERE id = 1`,
		FormatTime(at), FormatTime(at))
	if err != nil {
		return fmt.Errorf("failed to mark cve sync: %w", err)
	}
	return nil
}

// UpsertVulnerability inserts or refreshes a CVE record keyed by (cve_id, source).
func (s *Store) UpsertVulnerability(ctx context.Context, q Querier, v *Vulnerability) error {
	v.IngestedAt = time.Now()
	_, err := q.ExecContext(ctx, `
		INSERT INTO vulnerabilities (id, cve_id, source, severity, score, summary,
			published_at, modified_at, affected_data, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cve_id, source) DO UPDATE SET
			severity = excluded.severity,
			score = excluded.score,
			summary = excluded.summary,
			published_at = excluded.published_at,
			modified_at = excluded.modified_at,
			affected_data = excluded.affected_data,
			ingested_at = excluded.ingested_at
	`, v.ID, v.CveID, v.Source, v.Severity, v.Score, v.Summary,
		nullTime(v.PublishedAt), nullTime(v.ModifiedAt), v.AffectedData, FormatTime(v.IngestedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert vulnerability: %w", err)
	}
	return nil
}

// CountVulnerabilities returns the number of ingested CVE records.
func (s *Store) CountVulnerabilities(ctx context.Context, q Querier) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM vulnerabilities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count vulnerabilities: %w", err)
	}
	return n, nil
}

// PruneVulnerabilities deletes records not modified since the cutoff.
func (s *Store) PruneVulnerabilities(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM vulnerabilities WHERE modified_at IS NOT NULL AND modified_at < ?`,
		FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune vulnerabilities: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned vulnerabilities: %w", err)
	}
	return n, nil
}

// InsertPackageMapping records a CVE-to-package association.
func (s *Store) InsertPackageMapping(ctx context.Context, q Querier, m *PackageMapping) error {
	m.CreatedAt = time.Now()
	_, err := q.ExecContext(ctx, `
		INSERT INTO package_mappings (id, cve_id, package_name, package_manager, version_range, fixed_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cve_id, package_name) DO UPDATE SET
			package_manager = excluded.package_manager,
			version_range = excluded.version_range,
			fixed_version = excluded.fixed_version
	`, m.ID, m.CveID, m.PackageName, m.PackageManager, m.VersionRange, m.FixedVersion,
		FormatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert package mapping: %w", err)
	}
	return nil
}

// InsertIngestionRun records the outcome of one source fetch.
func (s *Store) InsertIngestionRun(ctx context.Context, q Querier, r *IngestionRun) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ingestion_log (id, source, status, record_count, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Source, r.Status, r.RecordCount, r.Error,
		nullTime(r.StartedAt), nullTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to insert ingestion run: %w", err)
	}
	return nil
}
