package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSecretNotFound is returned when the requested secret row does not exist.
var ErrSecretNotFound = errors.New("store: secret not found")

// ErrDuplicateSecret is returned when the secret name is already taken.
var ErrDuplicateSecret = errors.New("store: secret name already exists")

// Secret is metadata for a vault-stored secret. The content lives in the
// external vault; this row only references it. VaultToken is stored
// AES-GCM-encrypted under the master key.
type Secret struct {
	ID            string
	Name          string
	SecretType    string
	SecretSubtype sql.NullString
	VaultToken    string
	VaultPath     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const secretColumns = `id, name, secret_type, secret_subtype, vault_token, vault_path, created_at, updated_at`

func scanSecret(row interface{ Scan(...any) error }) (*Secret, error) {
	sec := &Secret{}
	var createdAt, updatedAt sql.NullString
	err := row.Scan(&sec.ID, &sec.Name, &sec.SecretType, &sec.SecretSubtype,
		&sec.VaultToken, &sec.VaultPath, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sec.CreatedAt = timeFromNull(createdAt)
	sec.UpdatedAt = timeFromNull(updatedAt)
	return sec, nil
}

// CreateSecret inserts secret metadata.
func (s *Store) CreateSecret(ctx context.Context, q Querier, sec *Secret) error {
	now := time.Now()
	sec.CreatedAt = now
	sec.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO secrets (id, name, secret_type, secret_subtype, vault_token, vault_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sec.ID, sec.Name, sec.SecretType, sec.SecretSubtype, sec.VaultToken, sec.VaultPath,
		FormatTime(now), FormatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSecret
		}
		return fmt.Errorf("failed to create secret: %w", err)
	}
	return nil
}

// GetSecret retrieves secret metadata by ID.
func (s *Store) GetSecret(ctx context.Context, q Querier, id string) (*Secret, error) {
	sec, err := scanSecret(q.QueryRowContext(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}
	return sec, nil
}

// GetSecretByName retrieves secret metadata by unique name.
func (s *Store) GetSecretByName(ctx context.Context, q Querier, name string) (*Secret, error) {
	sec, err := scanSecret(q.QueryRowContext(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret by name: %w", err)
	}
	return sec, nil
}

// ListSecrets returns all secret metadata ordered by name.
func (s *Store) ListSecrets(ctx context.Context, q Querier) ([]*Secret, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+secretColumns+` FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []*Secret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		secrets = append(secrets, sec)
	}
	return secrets, rows.Err()
}

// DeleteSecret removes secret metadata. The vault content must be deleted
// first; the row is kept when the vault delete fails so no secret is orphaned.
func (s *Store) DeleteSecret(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM secrets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return requireRow(res, ErrSecretNotFound)
}
