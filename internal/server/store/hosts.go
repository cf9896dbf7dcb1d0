package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Approval states for a host.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Liveness states for a host.
const (
	HostUp   = "up"
	HostDown = "down"
)

// ErrHostNotFound is returned when the requested host does not exist.
var ErrHostNotFound = errors.New("store: host not found")

// ErrWrongState is returned when a conditional transition found the row in a
// different state than required.
var ErrWrongState = errors.New("store: entity not in required state")

// Host represents a managed machine.
type Host struct {
	ID                       string
	FQDN                     string
	IPv4                     sql.NullString
	IPv6                     sql.NullString
	Platform                 sql.NullString
	PlatformRelease          sql.NullString
	OSDetails                sql.NullString
	VirtualizationSupport    sql.NullString // JSON capability report from the agent
	ApprovalStatus           string
	Active                   bool
	Status                   string
	LastAccess               time.Time
	ClientCertificate        sql.NullString
	CertificateSerial        sql.NullString
	CertificateIssuedAt      time.Time
	HostToken                sql.NullString
	IsAgentPrivileged        bool
	RebootRequired           bool
	RebootRequiredReason     sql.NullString
	DiagnosticsRequestStatus sql.NullString
	ParentHostID             sql.NullString
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

const hostColumns = `id, fqdn, ipv4, ipv6, platform, platform_release, os_details,
	virtualization_support, approval_status, active, status, last_access,
	client_certificate, certificate_serial, certificate_issued_at,
	host_token, is_agent_privileged, reboot_required, reboot_required_reason,
	diagnostics_request_status, parent_host_id, created_at, updated_at`

func scanHost(row interface{ Scan(...any) error }) (*Host, error) {
	h := &Host{}
	var active, privileged, reboot int
	var lastAccess, certIssued, createdAt, updatedAt sql.NullString
	err := row.Scan(
		&h.ID, &h.FQDN, &h.IPv4, &h.IPv6, &h.Platform, &h.PlatformRelease, &h.OSDetails,
		&h.VirtualizationSupport, &h.ApprovalStatus, &active, &h.Status, &lastAccess,
		&h.ClientCertificate, &h.CertificateSerial, &certIssued,
		&h.HostToken, &privileged, &reboot, &h.RebootRequiredReason,
		&h.DiagnosticsRequestStatus, &h.ParentHostID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	h.Active = active != 0
	h.IsAgentPrivileged = privileged != 0
	h.RebootRequired = reboot != 0
	h.LastAccess = timeFromNull(lastAccess)
	h.CertificateIssuedAt = timeFromNull(certIssued)
	h.CreatedAt = timeFromNull(createdAt)
	h.UpdatedAt = timeFromNull(updatedAt)
	return h, nil
}

// CreateHost inserts a new host in pending state.
func (s *Store) CreateHost(ctx context.Context, q Querier, h *Host) error {
	now := time.Now()
	h.CreatedAt = now
	h.UpdatedAt = now
	if h.ApprovalStatus == "" {
		h.ApprovalStatus = ApprovalPending
	}
	if h.Status == "" {
		h.Status = HostDown
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO hosts (id, fqdn, ipv4, ipv6, platform, platform_release, os_details,
			approval_status, active, status, is_agent_privileged, parent_host_id,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.FQDN, h.IPv4, h.IPv6, h.Platform, h.PlatformRelease, h.OSDetails,
		h.ApprovalStatus, boolToInt(h.Active), h.Status, boolToInt(h.IsAgentPrivileged),
		h.ParentHostID, FormatTime(now), FormatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create host: %w", err)
	}
	return nil
}

// GetHost retrieves a host by ID.
func (s *Store) GetHost(ctx context.Context, q Querier, id string) (*Host, error) {
	h, err := scanHost(q.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}
	return h, nil
}

// GetHostByCertificateSerial retrieves a host by the serial of its issued
// client certificate. Used to authenticate agent connections.
func (s *Store) GetHostByCertificateSerial(ctx context.Context, q Querier, serial string) (*Host, error) {
	h, err := scanHost(q.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE certificate_serial = ?`, serial))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host by serial: %w", err)
	}
	return h, nil
}

// GetHostByToken retrieves a host by its opaque agent credential.
func (s *Store) GetHostByToken(ctx context.Context, q Querier, token string) (*Host, error) {
	h, err := scanHost(q.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE host_token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host by token: %w", err)
	}
	return h, nil
}

// ListHosts returns all hosts ordered by FQDN.
func (s *Store) ListHosts(ctx context.Context, q Querier) ([]*Host, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+hostColumns+` FROM hosts ORDER BY fqdn`)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []*Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// UpdateHostHeartbeat records agent liveness: last_access moves forward,
// status flips to up, and the host becomes active.
func (s *Store) UpdateHostHeartbeat(ctx context.Context, q Querier, id string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE hosts
		SET last_access = ?, status = ?, active = 1, updated_at = ?
		WHERE id = ?
	`, FormatTime(at), HostUp, FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update host heartbeat: %w", err)
	}
	return requireRow(res, ErrHostNotFound)
}

// MarkHostsDown flips every up host whose last_access is older than cutoff to
// down and inactive. Returns the number of hosts transitioned.
func (s *Store) MarkHostsDown(ctx context.Context, q Querier, cutoff, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE hosts
		SET status = ?, active = 0, updated_at = ?
		WHERE status = ? AND last_access IS NOT NULL AND last_access < ?
	`, HostDown, FormatTime(now), HostUp, FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to mark hosts down: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n, nil
}

// ApproveHost stores the issued certificate and host token and moves the host
// to approved. The update is conditional on the pending state so a concurrent
// approval or rejection cannot be overwritten.
func (s *Store) ApproveHost(ctx context.Context, q Querier, id, certPEM, serial, hostToken string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE hosts
		SET approval_status = ?, client_certificate = ?, certificate_serial = ?,
			certificate_issued_at = ?, host_token = ?, updated_at = ?
		WHERE id = ? AND approval_status = ?
	`, ApprovalApproved, certPEM, serial, FormatTime(at), hostToken, FormatTime(at),
		id, ApprovalPending)
	if err != nil {
		return fmt.Errorf("failed to approve host: %w", err)
	}
	return requireRow(res, ErrWrongState)
}

// RejectHost moves a pending host to the terminal rejected state. No
// certificate is ever issued for a rejected host.
func (s *Store) RejectHost(ctx context.Context, q Querier, id string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE hosts
		SET approval_status = ?, active = 0, updated_at = ?
		WHERE id = ? AND approval_status = ?
	`, ApprovalRejected, FormatTime(at), id, ApprovalPending)
	if err != nil {
		return fmt.Errorf("failed to reject host: %w", err)
	}
	return requireRow(res, ErrWrongState)
}

// DeactivateHost clears active and marks the host down, leaving its approval
// status untouched.
func (s *Store) DeactivateHost(ctx context.Context, q Querier, id string, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE hosts SET active = 0, status = ?, updated_at = ? WHERE id = ?
	`, HostDown, FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate host: %w", err)
	}
	return requireRow(res, ErrHostNotFound)
}

// DeleteHost removes a host. Children, queue entries, diagnostic reports and
// firewall snapshots cascade via foreign keys.
func (s *Store) DeleteHost(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete host: %w", err)
	}
	return requireRow(res, ErrHostNotFound)
}

// UpdateHostSystemInfo upserts the inventory facts an agent reports. The
// operation is idempotent by host ID.
func (s *Store) UpdateHostSystemInfo(ctx context.Context, q Querier, id string, ipv4, ipv6, platform, platformRelease, osDetails string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE hosts
		SET ipv4 = COALESCE(NULLIF(?, ''), ipv4),
			ipv6 = COALESCE(NULLIF(?, ''), ipv6),
			platform = COALESCE(NULLIF(?, ''), platform),
			platform_release = COALESCE(NULLIF(?, ''), platform_release),
			os_details = COALESCE(NULLIF(?, ''), os_details),
			updated_at = ?
		WHERE id = ?
	`, ipv4, ipv6, platform, platformRelease, osDetails, FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update host system info: %w", err)
	}
	return requireRow(res, ErrHostNotFound)
}

// SetRebootRequired records that the host needs a reboot and why.
func (s *Store) SetRebootRequired(ctx context.Context, q Querier, id string, required bool, reason string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE hosts SET reboot_required = ?, reboot_required_reason = ?, updated_at = ?
		WHERE id = ?
	`, boolToInt(required), nullString(reason), FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set reboot required: %w", err)
	}
	return requireRow(res, ErrHostNotFound)
}

// SetDiagnosticsRequestStatus tracks the lifecycle of an outstanding
// diagnostics collection for the host.
func (s *Store) SetDiagnosticsRequestStatus(ctx context.Context, q Querier, id, status string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE hosts SET diagnostics_request_status = ?, updated_at = ? WHERE id = ?
	`, nullString(status), FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set diagnostics request status: %w", err)
	}
	return requireRow(res, ErrHostNotFound)
}

// SetVirtualizationSupport stores the agent's capability report verbatim.
func (s *Store) SetVirtualizationSupport(ctx context.Context, q Querier, id, report string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE hosts SET virtualization_support = ?, updated_at = ? WHERE id = ?
	`, nullString(report), FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set virtualization support: %w", err)
	}
	return requireRow(res, ErrHostNotFound)
}

// SetAgentPrivileged records whether the agent runs with elevated rights.
func (s *Store) SetAgentPrivileged(ctx context.Context, q Querier, id string, privileged bool) error {
	res, err := q.ExecContext(ctx, `
		UPDATE hosts SET is_agent_privileged = ?, updated_at = ? WHERE id = ?
	`, boolToInt(privileged), FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set agent privileged: %w", err)
	}
	return requireRow(res, ErrHostNotFound)
}

// ResolveHostByHostname maps a child's reported hostname to a Host row using
// three rules in priority order:
//  1. exact case-insensitive fqdn match
//  2. fqdn beginning with "<hostname>." (short name against FQDN)
//  3. hostname beginning with "<fqdn>." (reverse prefix)
//
// The first rule that matches wins; within a rule the lexically smallest
// FQDN is chosen so resolution is deterministic.
func (s *Store) ResolveHostByHostname(ctx context.Context, q Querier, hostname string) (*Host, error) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		return nil, ErrHostNotFound
	}

	h, err := scanHost(q.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE lower(fqdn) = lower(?) ORDER BY fqdn LIMIT 1`,
		hostname))
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to resolve host by hostname: %w", err)
	}

	h, err = scanHost(q.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE lower(fqdn) LIKE lower(?) ESCAPE '\' ORDER BY fqdn LIMIT 1`,
		likeEscape(hostname)+".%"))
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to resolve host by hostname: %w", err)
	}

	h, err = scanHost(q.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE lower(?) LIKE lower(fqdn) || '.%' ORDER BY fqdn LIMIT 1`,
		hostname))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve host by hostname: %w", err)
	}
	return h, nil
}

// likeEscape escapes LIKE metacharacters in a literal prefix.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// requireRow converts a zero-rows-affected result into notFound.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
