package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrTagNotFound is returned when the requested tag does not exist.
var ErrTagNotFound = errors.New("store: tag not found")

// ErrDuplicateTag is returned when the tag name is already taken.
var ErrDuplicateTag = errors.New("store: tag name already exists")

// Tag is a shared label attached to hosts.
type Tag struct {
	ID          string
	Name        string
	Description sql.NullString
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func scanTag(row interface{ Scan(...any) error }) (*Tag, error) {
	t := &Tag{}
	var createdAt, updatedAt sql.NullString
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.CreatedAt = timeFromNull(createdAt)
	t.UpdatedAt = timeFromNull(updatedAt)
	return t, nil
}

// CreateTag inserts a new tag.
func (s *Store) CreateTag(ctx context.Context, q Querier, t *Tag) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := q.ExecContext(ctx, `
		INSERT INTO tags (id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.Description, FormatTime(now), FormatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTag
		}
		return fmt.Errorf("failed to create tag: %w", err)
	}
	return nil
}

// GetTag retrieves a tag by ID.
func (s *Store) GetTag(ctx context.Context, q Querier, id string) (*Tag, error) {
	t, err := scanTag(q.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM tags WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTagNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tag: %w", err)
	}
	return t, nil
}

// ListTags returns all tags ordered by name.
func (s *Store) ListTags(ctx context.Context, q Querier) ([]*Tag, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// UpdateTag changes a tag's name and description.
func (s *Store) UpdateTag(ctx context.Context, q Querier, id, name, description string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE tags SET name = ?, description = ?, updated_at = ? WHERE id = ?
	`, name, nullString(description), FormatTime(time.Now()), id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTag
		}
		return fmt.Errorf("failed to update tag: %w", err)
	}
	return requireRow(res, ErrTagNotFound)
}

// DeleteTag removes a tag; host_tags rows cascade.
func (s *Store) DeleteTag(ctx context.Context, q Querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete tag: %w", err)
	}
	return requireRow(res, ErrTagNotFound)
}

// AttachTag associates a tag with a host. Re-attaching is a no-op.
func (s *Store) AttachTag(ctx context.Context, q Querier, hostID, tagID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO host_tags (host_id, tag_id) VALUES (?, ?)
		ON CONFLICT(host_id, tag_id) DO NOTHING
	`, hostID, tagID)
	if err != nil {
		return fmt.Errorf("failed to attach tag: %w", err)
	}
	return nil
}

// DetachTag removes a tag from a host. Detaching an absent pair is a no-op.
func (s *Store) DetachTag(ctx context.Context, q Querier, hostID, tagID string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM host_tags WHERE host_id = ? AND tag_id = ?
	`, hostID, tagID)
	if err != nil {
		return fmt.Errorf("failed to detach tag: %w", err)
	}
	return nil
}

// ListTagsForHost returns the tags attached to a host.
func (s *Store) ListTagsForHost(ctx context.Context, q Querier, hostID string) ([]*Tag, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT t.id, t.name, t.description, t.created_at, t.updated_at
		FROM tags t
		JOIN host_tags ht ON ht.tag_id = t.id
		WHERE ht.host_id = ?
		ORDER BY t.name
	`, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags for host: %w", err)
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}
