package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lifecycle states for a nested/virtual child instance.
const (
	ChildCreating     = "creating"
	ChildRunning      = "running"
	ChildStopped      = "stopped"
	ChildUninstalling = "uninstalling"
	ChildError        = "error"
)

// ErrChildNotFound is returned when the requested child row does not exist.
var ErrChildNotFound = errors.New("store: host child not found")

// HostChild is a nested virtualized instance (WSL distro, KVM/LXD/bhyve VM)
// owned by a parent host.
type HostChild struct {
	ID           string
	ParentHostID string
	ChildName    string
	ChildType    string
	Status       string
	ChildHostID  sql.NullString // set when the child registers as its own agent
	Hostname     sql.NullString
	Distribution sql.NullString
	WSLGuid      sql.NullString
	ErrorMessage sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const childColumns = `id, parent_host_id, child_name, child_type, status,
	child_host_id, hostname, distribution, wsl_guid, error_message,
	created_at, updated_at`

func scanChild(row interface{ Scan(...any) error }) (*HostChild, error) {
	c := &HostChild{}
	var createdAt, updatedAt sql.NullString
	err := row.Scan(
		&c.ID, &c.ParentHostID, &c.ChildName, &c.ChildType, &c.Status,
		&c.ChildHostID, &c.Hostname, &c.Distribution, &c.WSLGuid, &c.ErrorMessage,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = timeFromNull(createdAt)
	c.UpdatedAt = timeFromNull(updatedAt)
	return c, nil
}

// CreateChild inserts a child row, typically a "creating" placeholder.
func (s *Store) CreateChild(ctx context.Context, q Querier, c *HostChild) error {
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = ChildCreating
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO host_children (id, parent_host_id, child_name, child_type, status,
			child_host_id, hostname, distribution, wsl_guid, error_message,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ParentHostID, c.ChildName, c.ChildType, c.Status,
		c.ChildHostID, c.Hostname, c.Distribution, c.WSLGuid, c.ErrorMessage,
		FormatTime(now), FormatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create host child: %w", err)
	}
	return nil
}

// GetChild retrieves a child by its natural key.
func (s *Store) GetChild(ctx context.Context, q Querier, parentHostID, childName, childType string) (*HostChild, error) {
	c, err := scanChild(q.QueryRowContext(ctx, `
		SELECT `+childColumns+` FROM host_children
		WHERE parent_host_id = ? AND child_name = ? AND child_type = ?
	`, parentHostID, childName, childType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChildNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get host child: %w", err)
	}
	return c, nil
}

// ListChildren returns all children of a parent host.
func (s *Store) ListChildren(ctx context.Context, q Querier, parentHostID string) ([]*HostChild, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+childColumns+` FROM host_children
		WHERE parent_host_id = ?
		ORDER BY child_type, child_name
	`, parentHostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list host children: %w", err)
	}
	defer rows.Close()

	var children []*HostChild
	for rows.Next() {
		c, err := scanChild(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host child: %w", err)
		}
		children = append(children, c)
	}
	return children, rows.Err()
}

// UpdateChildObserved records the agent-reported state of a child seen in a
// child-list update: status, distribution, hostname and WSL GUID.
func (s *Store) UpdateChildObserved(ctx context.Context, q Querier, id, status, distribution, hostname, wslGuid string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE host_children
		SET status = ?,
			distribution = COALESCE(NULLIF(?, ''), distribution),
			hostname = COALESCE(NULLIF(?, ''), hostname),
			wsl_guid = COALESCE(NULLIF(?, ''), wsl_guid),
			updated_at = ?
		WHERE id = ?
	`, status, distribution, hostname, wslGuid, FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update host child: %w", err)
	}
	return requireRow(res, ErrChildNotFound)
}

// UpdateChildStatus transitions a child's lifecycle state, optionally
// recording an error message.
func (s *Store) UpdateChildStatus(ctx context.Context, q Querier, id, status, errorMessage string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE host_children SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`, status, nullString(errorMessage), FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update host child status: %w", err)
	}
	return requireRow(res, ErrChildNotFound)
}

// LinkChildHost records the standalone Host row a child registered as.
func (s *Store) LinkChildHost(ctx context.Context, q Querier, id, childHostID string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE host_children SET child_host_id = ?, updated_at = ? WHERE id = ?
	`, nullString(childHostID), FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to link child host: %w", err)
	}
	return requireRow(res, ErrChildNotFound)
}

// DeleteChild removes a child row. The caller is responsible for deleting a
// linked Host row in the same transaction when the ownership rules require it.
func (s *Store) DeleteChild(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM host_children WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete host child: %w", err)
	}
	return requireRow(res, ErrChildNotFound)
}
