package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lifecycle states for a diagnostics collection.
const (
	DiagnosticPending    = "pending"
	DiagnosticCollecting = "collecting"
	DiagnosticCompleted  = "completed"
	DiagnosticFailed     = "failed"
)

// ErrDiagnosticNotFound is returned when no report matches the collection id.
var ErrDiagnosticNotFound = errors.New("store: diagnostic report not found")

// DiagnosticReport holds the per-kind payloads an agent collected for a host.
type DiagnosticReport struct {
	ID            string
	HostID        string
	CollectionID  string
	Status        string
	StartedAt     time.Time
	CompletedAt   time.Time
	SystemLogs    sql.NullString
	Configuration sql.NullString
	NetworkInfo   sql.NullString
	ProcessInfo   sql.NullString
	SizeBytes     int64
	FileCount     int64
	ErrorMessage  sql.NullString
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const diagnosticColumns = `id, host_id, collection_id, status, started_at, completed_at,
	system_logs, configuration, network_info, process_info,
	size_bytes, file_count, error_message, created_at, updated_at`

func scanDiagnostic(row interface{ Scan(...any) error }) (*DiagnosticReport, error) {
	d := &DiagnosticReport{}
	var startedAt, completedAt, createdAt, updatedAt sql.NullString
	err := row.Scan(
		&d.ID, &d.HostID, &d.CollectionID, &d.Status, &startedAt, &completedAt,
		&d.SystemLogs, &d.Configuration, &d.NetworkInfo, &d.ProcessInfo,
		&d.SizeBytes, &d.FileCount, &d.ErrorMessage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.StartedAt = timeFromNull(startedAt)
	d.CompletedAt = timeFromNull(completedAt)
	d.CreatedAt = timeFromNull(createdAt)
	d.UpdatedAt = timeFromNull(updatedAt)
	return d, nil
}

// CreateDiagnosticReport inserts a pending report for a new collection.
func (s *Store) CreateDiagnosticReport(ctx context.Context, q Querier, d *DiagnosticReport) error {
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = DiagnosticPending
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO diagnostic_reports (id, host_id, collection_id, status, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.HostID, d.CollectionID, d.Status, nullTime(d.StartedAt),
		FormatTime(now), FormatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create diagnostic report: %w", err)
	}
	return nil
}

// GetDiagnosticByCollectionID correlates an agent result back to its report.
func (s *Store) GetDiagnosticByCollectionID(ctx context.Context, q Querier, collectionID string) (*DiagnosticReport, error) {
	d, err := scanDiagnostic(q.QueryRowContext(ctx,
		`SELECT `+diagnosticColumns+` FROM diagnostic_reports WHERE collection_id = ?`, collectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDiagnosticNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get diagnostic report: %w", err)
	}
	return d, nil
}

// CompleteDiagnosticReport stores the collected payloads and finishes the
// report as completed.
func (s *Store) CompleteDiagnosticReport(ctx context.Context, q Querier, collectionID, systemLogs, configuration, networkInfo, processInfo string, sizeBytes, fileCount int64, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE diagnostic_reports
		SET status = ?, system_logs = ?, configuration = ?, network_info = ?,
			process_info = ?, size_bytes = ?, file_count = ?, completed_at = ?, updated_at = ?
		WHERE collection_id = ?
	`, DiagnosticCompleted, nullString(systemLogs), nullString(configuration),
		nullString(networkInfo), nullString(processInfo), sizeBytes, fileCount,
		FormatTime(at), FormatTime(at), collectionID)
	if err != nil {
		return fmt.Errorf("failed to complete diagnostic report: %w", err)
	}
	return requireRow(res, ErrDiagnosticNotFound)
}

// FailDiagnosticReport finishes the report as failed with the agent's error.
func (s *Store) FailDiagnosticReport(ctx context.Context, q Querier, collectionID, errorMessage string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE diagnostic_reports
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE collection_id = ?
	`, DiagnosticFailed, nullString(errorMessage), FormatTime(at), FormatTime(at), collectionID)
	if err != nil {
		return fmt.Errorf("failed to fail diagnostic report: %w", err)
	}
	return requireRow(res, ErrDiagnosticNotFound)
}

// ListDiagnosticsForHost returns a host's reports, newest first.
func (s *Store) ListDiagnosticsForHost(ctx context.Context, q Querier, hostID string) ([]*DiagnosticReport, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+diagnosticColumns+` FROM diagnostic_reports WHERE host_id = ? ORDER BY created_at DESC`,
		hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list diagnostic reports: %w", err)
	}
	defer rows.Close()

	var reports []*DiagnosticReport
	for rows.Next() {
		d, err := scanDiagnostic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan diagnostic report: %w", err)
		}
		reports = append(reports, d)
	}
	return reports, rows.Err()
}
