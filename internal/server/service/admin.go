package service

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/common/crypto"
	"github.com/sysmanage/sysmanage-server/internal/server/audit"
	"github.com/sysmanage/sysmanage-server/internal/server/auth"
	"github.com/sysmanage/sysmanage-server/internal/server/faults"
	"github.com/sysmanage/sysmanage-server/internal/server/rbac"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
)

// --- tags ---

// CreateTag creates a tag.
func (s *Service) CreateTag(ctx context.Context, actor Actor, name, description string) (*store.Tag, error) {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleEditTags); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, faults.New(faults.InvalidInput, "tag name is empty")
	}

	tag := &store.Tag{ID: uuid.NewString(), Name: name}
	if description != "" {
		tag.Description = sql.NullString{String: description, Valid: true}
	}
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateTag(ctx, tx, tag); err != nil {
			if errors.Is(err, store.ErrDuplicateTag) {
				return faults.Newf(faults.Conflict, "tag %q already exists", name)
			}
			return err
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionCreate, "tag", tag.ID, name, "created tag"))
		return err
	})
	if err != nil {
		return nil, err
	}
	return tag, nil
}

// UpdateTag renames a tag or changes its description.
func (s *Service) UpdateTag(ctx context.Context, actor Actor, tagID, name, description string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleEditTags); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.UpdateTag(ctx, tx, tagID, name, description); err != nil {
			return mapNotFound(err, "tag")
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionUpdate, "tag", tagID, name, "updated tag"))
		return err
	})
}

// DeleteTag removes a tag; attachments cascade.
func (s *Service) DeleteTag(ctx context.Context, actor Actor, tagID string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleEditTags); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.DeleteTag(ctx, tx, tagID); err != nil {
			return mapNotFound(err, "tag")
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionDelete, "tag", tagID, "", "deleted tag"))
		return err
	})
}

// AttachTag attaches a tag to a host.
func (s *Service) AttachTag(ctx context.Context, actor Actor, hostID, tagID string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleEditTags); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.AttachTag(ctx, tx, hostID, tagID); err != nil {
			return err
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionUpdate, "host", hostID, "", "attached tag "+tagID))
		return err
	})
}

// DetachTag removes a tag from a host.
func (s *Service) DetachTag(ctx context.Context, actor Actor, hostID, tagID string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleEditTags); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.DetachTag(ctx, tx, hostID, tagID); err != nil {
			return err
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionUpdate, "host", hostID, "", "detached tag "+tagID))
		return err
	})
}

// ListTags returns every tag.
func (s *Service) ListTags(ctx context.Context) ([]*store.Tag, error) {
	return s.store.ListTags(ctx, s.store.DB())
}

// --- secrets ---

// CreateSecret stores the content in the vault first and only then records
// the metadata row, so a failed vault write never leaves a dangling
// reference.
func (s *Service) CreateSecret(ctx context.Context, actor Actor, name, secretType, subtype, content string) (*store.Secret, error) {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageSecrets); err != nil {
		return nil, err
	}
	if s.vault == nil {
		return nil, faults.New(faults.DependencyFailed, "vault is not configured")
	}
	if name == "" || content == "" {
		return nil, faults.New(faults.InvalidInput, "secret name and content are required")
	}

	sec := &store.Secret{
		ID:         uuid.NewString(),
		Name:       name,
		SecretType: secretType,
	}
	if subtype != "" {
		sec.SecretSubtype = sql.NullString{String: subtype, Valid: true}
	}
	sec.VaultPath = "secrets/" + sec.ID

	// The token is sealed under the master key; ReadSecret and DeleteSecret
	// refuse rows whose token does not unseal.
	sealed, err := crypto.Encrypt(s.masterKey, []byte(uuid.NewString()))
	if err != nil {
		return nil, fmt.Errorf("failed to seal vault token: %w", err)
	}
	sec.VaultToken = hex.EncodeToString(sealed)

	if err := s.vault.Write(ctx, sec.VaultPath, content); err != nil {
		return nil, err
	}

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateSecret(ctx, tx, sec); err != nil {
			if errors.Is(err, store.ErrDuplicateSecret) {
				return faults.Newf(faults.Conflict, "secret %q already exists", name)
			}
			return err
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionCreate, "secret", sec.ID, name, "created secret"))
		return err
	})
	if err != nil {
		// Roll the orphaned vault entry back best-effort.
		if derr := s.vault.Delete(ctx, sec.VaultPath); derr != nil {
			return nil, errors.Join(err, derr)
		}
		return nil, err
	}
	return sec, nil
}

// ReadSecret returns a secret's content from the vault.
func (s *Service) ReadSecret(ctx context.Context, actor Actor, secretID string) (string, error) {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageSecrets); err != nil {
		return "", err
	}
	if s.vault == nil {
		return "", faults.New(faults.DependencyFailed, "vault is not configured")
	}

	sec, err := s.store.GetSecret(ctx, s.store.DB(), secretID)
	if err != nil {
		return "", mapNotFound(err, "secret")
	}
	if err := s.unsealVaultToken(sec); err != nil {
		return "", err
	}
	return s.vault.Read(ctx, sec.VaultPath)
}

// DeleteSecret removes the vault content first: if the vault delete fails
// the metadata row survives and the operation can be retried, never the
// reverse, which would orphan content in the vault.
func (s *Service) DeleteSecret(ctx context.Context, actor Actor, secretID string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageSecrets); err != nil {
		return err
	}
	if s.vault == nil {
		return faults.New(faults.DependencyFailed, "vault is not configured")
	}

	sec, err := s.store.GetSecret(ctx, s.store.DB(), secretID)
	if err != nil {
		return mapNotFound(err, "secret")
	}
	if err := s.unsealVaultToken(sec); err != nil {
		return err
	}
	if err := s.vault.Delete(ctx, sec.VaultPath); err != nil {
		return err
	}

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.DeleteSecret(ctx, tx, sec.ID); err != nil {
			return err
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionDelete, "secret", sec.ID, sec.Name, "deleted secret"))
		return err
	})
}

// unsealVaultToken rejects vault access through a metadata row that cannot be
// opened with this deployment's master key, catching rows restored from a
// foreign database or rewritten in place.
func (s *Service) unsealVaultToken(sec *store.Secret) error {
	raw, err := hex.DecodeString(sec.VaultToken)
	if err == nil {
		_, err = crypto.Decrypt(s.masterKey, raw)
	}
	if err != nil {
		return faults.Wrap(faults.Internal, "secret vault token does not unseal under the master key", err)
	}
	return nil
}

// ListSecrets returns secret metadata. Content stays in the vault.
func (s *Service) ListSecrets(ctx context.Context, actor Actor) ([]*store.Secret, error) {
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageSecrets); err != nil {
		return nil, err
	}
	return s.store.ListSecrets(ctx, s.store.DB())
}

// --- default repositories ---

// AddDefaultRepository registers a repository auto-attached on approval.
func (s *Service) AddDefaultRepository(ctx context.Context, actor Actor, osName, packageManager, url string) (*store.DefaultRepository, error) {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageRepositories); err != nil {
		return nil, err
	}
	if osName == "" || url == "" {
		return nil, faults.New(faults.InvalidInput, "os name and repository url are required")
	}

	repo := &store.DefaultRepository{
		ID:            uuid.NewString(),
		OSName:        osName,
		RepositoryURL: url,
		CreatedBy:     sql.NullString{String: actor.UserID, Valid: actor.UserID != ""},
	}
	if packageManager != "" {
		repo.PackageManager = sql.NullString{String: packageManager, Valid: true}
	}
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateDefaultRepository(ctx, tx, repo); err != nil {
			return err
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionCreate, "default_repository", repo.ID, url, "added default repository"))
		return err
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// RemoveDefaultRepository deletes a default repository.
func (s *Service) RemoveDefaultRepository(ctx context.Context, actor Actor, repoID string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageRepositories); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.DeleteDefaultRepository(ctx, tx, repoID); err != nil {
			return mapNotFound(err, "default repository")
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionDelete, "default_repository", repoID, "", "removed default repository"))
		return err
	})
}

// SetAntivirusDefault sets the antivirus package applied to newly approved
// hosts matching the OS.
func (s *Service) SetAntivirusDefault(ctx context.Context, actor Actor, osName, antivirusPackage string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageRepositories); err != nil {
		return err
	}
	if osName == "" || antivirusPackage == "" {
		return faults.New(faults.InvalidInput, "os name and antivirus package are required")
	}
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		av := &store.AntivirusDefault{ID: uuid.NewString(), OSName: osName, AntivirusPackage: antivirusPackage}
		if err := s.store.UpsertAntivirusDefault(ctx, tx, av); err != nil {
			return err
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionUpdate, "antivirus_default", osName, antivirusPackage, "set antivirus default"))
		return err
	})
}

// --- users and roles ---

// CreateUser creates an operator account.
func (s *Service) CreateUser(ctx context.Context, actor Actor, userid, password string, isAdmin bool) (*store.User, error) {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageUsers); err != nil {
		return nil, err
	}
	if len(password) < 8 {
		return nil, faults.New(faults.InvalidInput, "password must be at least 8 characters")
	}

	hashed, err := auth.HashPassword(password, s.pepper)
	if err != nil {
		return nil, err
	}
	u := &store.User{
		ID:             uuid.NewString(),
		Userid:         userid,
		HashedPassword: hashed,
		IsAdmin:        isAdmin,
		Active:         true,
	}
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateUser(ctx, tx, u); err != nil {
			if errors.Is(err, store.ErrDuplicateUser) {
				return faults.Newf(faults.Conflict, "userid %q already exists", userid)
			}
			return err
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionCreate, "user", u.ID, userid, "created user"))
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GrantRole gives a user a role and drops their cached grants.
func (s *Service) GrantRole(ctx context.Context, actor Actor, userID string, role rbac.Role) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageUsers); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.GrantRole(ctx, tx, userID, string(role)); err != nil {
			return err
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionPermissionChange, "user", userID, "", "granted role "+string(role)))
		return err
	})
	if err != nil {
		return err
	}
	s.roles.Invalidate(userID)
	return nil
}

// RevokeRole removes a role from a user and drops their cached grants.
func (s *Service) RevokeRole(ctx context.Context, actor Actor, userID string, role rbac.Role) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageUsers); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.RevokeRole(ctx, tx, userID, string(role)); err != nil {
			return err
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionPermissionChange, "user", userID, "", "revoked role "+string(role)))
		return err
	})
	if err != nil {
		return err
	}
	s.roles.Invalidate(userID)
	return nil
}

// UnlockUser clears a lockout by operator action.
func (s *Service) UnlockUser(ctx context.Context, actor Actor, userID string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageUsers); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.UnlockUser(ctx, tx, userID); err != nil {
			return mapNotFound(err, "user")
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionUpdate, "user", userID, "", "unlocked account"))
		return err
	})
}

// DeactivateUser disables an account and drops its cached grants.
func (s *Service) DeactivateUser(ctx context.Context, actor Actor, userID string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageUsers); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.DeactivateUser(ctx, tx, userID); err != nil {
			return mapNotFound(err, "user")
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionUpdate, "user", userID, "", "deactivated account"))
		return err
	})
	if err != nil {
		return err
	}
	s.roles.Invalidate(userID)
	return nil
}

// --- integrations, CVE settings, audit ---

// ConfigureIntegration stores an integration's settings payload.
func (s *Service) ConfigureIntegration(ctx context.Context, actor Actor, name string, enabled bool, settings string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageIntegrations); err != nil {
		return err
	}
	is := &store.IntegrationSetting{Name: name, Enabled: enabled}
	if settings != "" {
		is.Settings = sql.NullString{String: settings, Valid: true}
	}
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.UpsertIntegrationSetting(ctx, tx, is); err != nil {
			return err
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionUpdate, "integration", name, name, "configured integration"))
		return err
	})
}

// UpdateCveSettings replaces the vulnerability ingestion configuration.
func (s *Service) UpdateCveSettings(ctx context.Context, actor Actor, cs *store.CveSettings) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageCveSettings); err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.UpdateCveSettings(ctx, tx, cs); err != nil {
			return err
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionUpdate, "cve_settings", "1", "", "updated vulnerability settings"))
		return err
	})
}

// ListAuditEntries returns recent audit rows for an entity type.
func (s *Service) ListAuditEntries(ctx context.Context, actor Actor, entityType string, limit int) ([]*store.AuditEntry, error) {
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleViewAuditLog); err != nil {
		return nil, err
	}
	return s.store.ListAuditEntries(ctx, s.store.DB(), entityType, limit)
}

// VerifyAuditIntegrity recomputes integrity hashes and returns the IDs of
// tampered rows.
func (s *Service) VerifyAuditIntegrity(ctx context.Context, actor Actor, entityType string, limit int) ([]string, error) {
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleViewAuditLog); err != nil {
		return nil, err
	}
	return s.audits.VerifyRange(ctx, s.store.DB(), entityType, limit)
}
