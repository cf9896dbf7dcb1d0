package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRepositoryNotFound is returned when the default repository is absent.
var ErrRepositoryNotFound = errors.New("store: default repository not found")

// DefaultRepository is an OS-specific third-party repository automatically
// attached to a host on approval.
type DefaultRepository struct {
	ID             string
	OSName         string
	PackageManager sql.NullString
	RepositoryURL  string
	CreatedBy      sql.NullString
	CreatedAt      time.Time
}

// AntivirusDefault is the per-OS antivirus package applied on approval.
type AntivirusDefault struct {
	ID               string
	OSName           string
	AntivirusPackage string
	CreatedAt        time.Time
}

// EnabledPackageManager is a per-OS package manager the agent should enable
// when it runs privileged.
type EnabledPackageManager struct {
	ID             string
	OSName         string
	PackageManager string
	CreatedAt      time.Time
}

// CreateDefaultRepository inserts a default repository row.
func (s *Store) CreateDefaultRepository(ctx context.Context, q Querier, r *DefaultRepository) error {
	r.CreatedAt = time.Now()
	_, err := q.ExecContext(ctx, `
		INSERT INTO default_repositories (id, os_name, package_manager, repository_url, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.OSName, r.PackageManager, r.RepositoryURL, r.CreatedBy, FormatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create default repository: %w", err)
	}
	return nil
}

// DeleteDefaultRepository removes a default repository row.
func (s *Store) DeleteDefaultRepository(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM default_repositories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete default repository: %w", err)
	}
	return requireRow(res, ErrRepositoryNotFound)
}

// ListDefaultRepositories returns every default repository.
func (s *Store) ListDefaultRepositories(ctx context.Context, q Querier) ([]*DefaultRepository, error) {
	return s.queryRepositories(ctx, q,
		`SELECT id, os_name, package_manager, repository_url, created_by, created_at
		 FROM default_repositories ORDER BY os_name, repository_url`)
}

// ListDefaultRepositoriesForOS returns the default repositories whose os_name
// matches the host's platform (case-insensitive prefix of platform_release,
// e.g. os_name "Ubuntu" matches release "Ubuntu 22.04").
func (s *Store) ListDefaultRepositoriesForOS(ctx context.Context, q Querier, platformRelease string) ([]*DefaultRepository, error) {
	return s.queryRepositories(ctx, q, `
		SELECT id, os_name, package_manager, repository_url, created_by, created_at
		FROM default_repositories
		WHERE lower(?) LIKE lower(os_name) || '%'
		ORDER BY repository_url
	`, platformRelease)
}

func (s *Store) queryRepositories(ctx context.Context, q Querier, query string, args ...any) ([]*DefaultRepository, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query default repositories: %w", err)
	}
	defer rows.Close()

	var repos []*DefaultRepository
	for rows.Next() {
		r := &DefaultRepository{}
		var createdAt sql.NullString
		if err := rows.Scan(&r.ID, &r.OSName, &r.PackageManager, &r.RepositoryURL, &r.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan default repository: %w", err)
		}
		r.CreatedAt = timeFromNull(createdAt)
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// UpsertAntivirusDefault sets the antivirus package for an OS.
func (s *Store) UpsertAntivirusDefault(ctx context.Context, q Querier, a *AntivirusDefault) error {
	a.CreatedAt = time.Now()
	_, err := q.ExecContext(ctx, `
		INSERT INTO antivirus_defaults (id, os_name, antivirus_package, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(os_name) DO UPDATE SET antivirus_package = excluded.antivirus_package
	`, a.ID, a.OSName, a.AntivirusPackage, FormatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert antivirus default: %w", err)
	}
	return nil
}

// GetAntivirusDefaultForOS returns the antivirus default matching the host's
// platform release, or nil when none is configured.
func (s *Store) GetAntivirusDefaultForOS(ctx context.Context, q Querier, platformRelease string) (*AntivirusDefault, error) {
	a := &AntivirusDefault{}
	var createdAt sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, os_name, antivirus_package, created_at
		FROM antivirus_defaults
		WHERE lower(?) LIKE lower(os_name) || '%'
		LIMIT 1
	`, platformRelease).Scan(&a.ID, &a.OSName, &a.AntivirusPackage, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get antivirus default: %w", err)
	}
	a.CreatedAt = timeFromNull(createdAt)
	return a, nil
}

// CreateEnabledPackageManager registers a package manager for an OS.
// Duplicate registration is a no-op.
func (s *Store) CreateEnabledPackageManager(ctx context.Context, q Querier, p *EnabledPackageManager) error {
	p.CreatedAt = time.Now()
	_, err := q.ExecContext(ctx, `
		INSERT INTO enabled_package_managers (id, os_name, package_manager, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(os_name, package_manager) DO NOTHING
	`, p.ID, p.OSName, p.PackageManager, FormatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create enabled package manager: %w", err)
	}
	return nil
}

// ListEnabledPackageManagersForOS returns the package managers to enable for
// a host's platform release.
func (s *Store) ListEnabledPackageManagersForOS(ctx context.Context, q Querier, platformRelease string) ([]*EnabledPackageManager, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, os_name, package_manager, created_at
		FROM enabled_package_managers
		WHERE lower(?) LIKE lower(os_name) || '%'
		ORDER BY package_manager
	`, platformRelease)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled package managers: %w", err)
	}
	defer rows.Close()

	var managers []*EnabledPackageManager
	for rows.Next() {
		p := &EnabledPackageManager{}
		var createdAt sql.NullString
		if err := rows.Scan(&p.ID, &p.OSName, &p.PackageManager, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan enabled package manager: %w", err)
		}
		p.CreatedAt = timeFromNull(createdAt)
		managers = append(managers, p)
	}
	return managers, rows.Err()
}
