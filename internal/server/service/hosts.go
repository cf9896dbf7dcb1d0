package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/server/audit"
	"github.com/sysmanage/sysmanage-server/internal/server/faults"
	"github.com/sysmanage/sysmanage-server/internal/server/queue"
	"github.com/sysmanage/sysmanage-server/internal/server/rbac"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
)

// ApproveHost moves a pending host to approved and fans out everything the
// fresh agent needs: its client certificate and host token, the default
// third-party repositories matching its OS, and package manager enablement
// when the agent runs privileged. The whole fan-out commits atomically with
// the approval.
func (s *Service) ApproveHost(ctx context.Context, actor Actor, hostID string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleApproveHostRegistration); err != nil {
		return err
	}

	host, err := s.store.GetHost(ctx, s.store.DB(), hostID)
	if err != nil {
		return mapNotFound(err, "host")
	}
	if host.ApprovalStatus != store.ApprovalPending {
		return faults.Newf(faults.Conflict, "host is %s, not pending", host.ApprovalStatus)
	}

	issued, err := s.certs.IssueClientCert(host.ID, host.FQDN)
	if err != nil {
		return fmt.Errorf("failed to issue client certificate: %w", err)
	}
	hostToken := uuid.NewString()
	now := time.Now()

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		err := s.store.ApproveHost(ctx, tx, host.ID, issued.CertificatePEM, issued.Serial, hostToken, now)
		if errors.Is(err, store.ErrWrongState) {
			return faults.New(faults.Conflict, "host was approved or rejected concurrently")
		}
		if err != nil {
			return err
		}

		repoCount, err := s.queueDefaultRepositories(ctx, tx, host)
		if err != nil {
			return err
		}
		pmCount, err := s.queuePackageManagers(ctx, tx, host)
		if err != nil {
			return err
		}
		avQueued, err := s.queueAntivirus(ctx, tx, host)
		if err != nil {
			return err
		}

		// The approval notification carries the credentials; it must never
		// expire out of the queue before the agent reconnects.
		_, err = s.queue.Add(ctx, tx, queue.Enqueue{
			HostID:      host.ID,
			Direction:   store.DirectionOutbound,
			MessageType: "host_approved",
			Priority:    store.PriorityUrgent,
			NoExpiry:    true,
			MessageData: detailJSON(map[string]any{
				"approved":       true,
				"certificate":    issued.CertificatePEM,
				"private_key":    issued.PrivateKeyPEM,
				"ca_certificate": s.certs.CAPEM(),
				"serial":         issued.Serial,
				"host_token":     hostToken,
			}),
		})
		if err != nil {
			return err
		}

		e := actor.entry(audit.ActionApprove, "host", host.ID, host.FQDN, "approved host registration")
		e.Details = detailJSON(map[string]any{
			"repositories_queued":     repoCount,
			"package_managers_queued": pmCount,
			"antivirus_queued":        avQueued,
			"certificate_serial":      issued.Serial,
		})
		_, err = s.audits.Success(ctx, tx, e)
		return err
	})
}

func (s *Service) queueDefaultRepositories(ctx context.Context, tx *sql.Tx, host *store.Host) (int, error) {
	if !host.PlatformRelease.Valid {
		return 0, nil
	}
	repos, err := s.store.ListDefaultRepositoriesForOS(ctx, tx, host.PlatformRelease.String)
	if err != nil {
		return 0, err
	}
	for _, repo := range repos {
		_, err := s.queue.Add(ctx, tx, queue.Enqueue{
			HostID:      host.ID,
			Direction:   store.DirectionOutbound,
			MessageType: "add_third_party_repository",
			Priority:    store.PriorityHigh,
			MessageData: detailJSON(map[string]any{
				"repository":      repo.RepositoryURL,
				"package_manager": repo.PackageManager.String,
			}),
		})
		if err != nil {
			return 0, err
		}
	}
	return len(repos), nil
}

func (s *Service) queuePackageManagers(ctx context.Context, tx *sql.Tx, host *store.Host) (int, error) {
	if !host.IsAgentPrivileged || !host.PlatformRelease.Valid {
		return 0, nil
	}
	managers, err := s.store.ListEnabledPackageManagersForOS(ctx, tx, host.PlatformRelease.String)
	if err != nil {
		return 0, err
	}
	for _, pm := range managers {
		_, err := s.queue.Add(ctx, tx, queue.Enqueue{
			HostID:      host.ID,
			Direction:   store.DirectionOutbound,
			MessageType: "enable_package_manager",
			Priority:    store.PriorityHigh,
			MessageData: detailJSON(map[string]any{"package_manager": pm.PackageManager}),
		})
		if err != nil {
			return 0, err
		}
	}
	return len(managers), nil
}

func (s *Service) queueAntivirus(ctx context.Context, tx *sql.Tx, host *store.Host) (bool, error) {
	if !host.PlatformRelease.Valid {
		return false, nil
	}
	av, err := s.store.GetAntivirusDefaultForOS(ctx, tx, host.PlatformRelease.String)
	if err != nil {
		return false, err
	}
	if av == nil {
		return false, nil
	}
	_, err = s.queue.Add(ctx, tx, queue.Enqueue{
		HostID:      host.ID,
		Direction:   store.DirectionOutbound,
		MessageType: "deploy_antivirus",
		Priority:    store.PriorityHigh,
		MessageData: detailJSON(map[string]any{"antivirus_package": av.AntivirusPackage}),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// RejectHost moves a pending host to the terminal rejected state.
func (s *Service) RejectHost(ctx context.Context, actor Actor, hostID string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleApproveHostRegistration); err != nil {
		return err
	}

	host, err := s.store.GetHost(ctx, s.store.DB(), hostID)
	if err != nil {
		return mapNotFound(err, "host")
	}

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		err := s.store.RejectHost(ctx, tx, host.ID, time.Now())
		if errors.Is(err, store.ErrWrongState) {
			return faults.Newf(faults.Conflict, "host is %s, not pending", host.ApprovalStatus)
		}
		if err != nil {
			return err
		}
		_, err = s.audits.Success(ctx, tx,
			actor.entry(audit.ActionReject, "host", host.ID, host.FQDN, "rejected host registration"))
		return err
	})
}

// DeleteHost removes a host and everything hanging off it.
func (s *Service) DeleteHost(ctx context.Context, actor Actor, hostID string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleDeleteHost); err != nil {
		return err
	}

	host, err := s.store.GetHost(ctx, s.store.DB(), hostID)
	if err != nil {
		return mapNotFound(err, "host")
	}

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.DeleteHost(ctx, tx, host.ID); err != nil {
			return err
		}
		_, err := s.audits.Success(ctx, tx,
			actor.entry(audit.ActionDelete, "host", host.ID, host.FQDN, "deleted host"))
		return err
	})
}

// ListHosts returns every registered host.
func (s *Service) ListHosts(ctx context.Context) ([]*store.Host, error) {
	return s.store.ListHosts(ctx, s.store.DB())
}

// GetHost returns one host.
func (s *Service) GetHost(ctx context.Context, hostID string) (*store.Host, error) {
	h, err := s.store.GetHost(ctx, s.store.DB(), hostID)
	if err != nil {
		return nil, mapNotFound(err, "host")
	}
	return h, nil
}

// RequestDiagnostics asks the agent for a diagnostics collection and tracks
// it under a fresh collection id.
func (s *Service) RequestDiagnostics(ctx context.Context, actor Actor, hostID string) (string, error) {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleRequestDiagnostics); err != nil {
		return "", err
	}

	host, err := s.store.GetHost(ctx, s.store.DB(), hostID)
	if err != nil {
		return "", mapNotFound(err, "host")
	}

	collectionID := uuid.NewString()
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		report := &store.DiagnosticReport{
			ID:           uuid.NewString(),
			HostID:       host.ID,
			CollectionID: collectionID,
			Status:       store.DiagnosticPending,
			StartedAt:    time.Now(),
		}
		if err := s.store.CreateDiagnosticReport(ctx, tx, report); err != nil {
			return err
		}
		if err := s.store.SetDiagnosticsRequestStatus(ctx, tx, host.ID, store.DiagnosticPending); err != nil {
			return err
		}
		_, err := s.queue.Add(ctx, tx, queue.Enqueue{
			HostID:      host.ID,
			Direction:   store.DirectionOutbound,
			MessageType: "collect_diagnostics",
			Priority:    store.PriorityHigh,
			MessageData: detailJSON(map[string]any{"collection_id": collectionID}),
		})
		if err != nil {
			return err
		}
		_, err = s.audits.Success(ctx, tx,
			actor.entry(audit.ActionCreate, "diagnostic", collectionID, host.FQDN, "requested diagnostics collection"))
		return err
	})
	if err != nil {
		return "", err
	}
	return collectionID, nil
}

// RunScript queues a script for execution on the host and returns the
// execution id its result will carry.
func (s *Service) RunScript(ctx context.Context, actor Actor, hostID, script, shell string) (string, error) {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleRunScripts); err != nil {
		return "", err
	}
	if script == "" {
		return "", faults.New(faults.InvalidInput, "script is empty")
	}

	host, err := s.store.GetHost(ctx, s.store.DB(), hostID)
	if err != nil {
		return "", mapNotFound(err, "host")
	}
	if host.ApprovalStatus != store.ApprovalApproved {
		return "", faults.New(faults.Conflict, "host is not approved")
	}

	executionID := uuid.NewString()
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.queue.Add(ctx, tx, queue.Enqueue{
			HostID:        host.ID,
			Direction:     store.DirectionOutbound,
			MessageType:   "execute_script",
			Priority:      store.PriorityHigh,
			CorrelationID: executionID,
			MessageData: detailJSON(map[string]any{
				"execution_id": executionID,
				"script":       script,
				"shell":        shell,
			}),
		})
		if err != nil {
			return err
		}
		_, err = s.audits.Success(ctx, tx,
			actor.entry(audit.ActionCreate, "script_execution", executionID, host.FQDN, "queued script execution"))
		return err
	})
	if err != nil {
		return "", err
	}
	return executionID, nil
}

// SendCommand queues an arbitrary typed command for the host and returns the
// correlation id to watch for the result.
func (s *Service) SendCommand(ctx context.Context, actor Actor, hostID, messageType string, data map[string]any) (string, error) {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleRunScripts); err != nil {
		return "", err
	}
	if messageType == "" {
		return "", faults.New(faults.InvalidInput, "message type is empty")
	}

	host, err := s.store.GetHost(ctx, s.store.DB(), hostID)
	if err != nil {
		return "", mapNotFound(err, "host")
	}

	correlationID := uuid.NewString()
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.queue.Add(ctx, tx, queue.Enqueue{
			HostID:        host.ID,
			Direction:     store.DirectionOutbound,
			MessageType:   messageType,
			CorrelationID: correlationID,
			MessageData:   detailJSON(data),
		})
		if err != nil {
			return err
		}
		_, err = s.audits.Success(ctx, tx,
			actor.entry(audit.ActionCreate, "command", correlationID, host.FQDN, "queued "+messageType))
		return err
	})
	if err != nil {
		return "", err
	}
	return correlationID, nil
}

// QueueDepth reports per-status queue row counts.
func (s *Service) QueueDepth(ctx context.Context) (map[string]int64, error) {
	return s.queue.Depth(ctx)
}

// mapNotFound converts store sentinels to NotFound faults at the API edge.
func mapNotFound(err error, what string) error {
	switch {
	case errors.Is(err, store.ErrHostNotFound),
		errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrTagNotFound),
		errors.Is(err, store.ErrSecretNotFound),
		errors.Is(err, store.ErrChildNotFound),
		errors.Is(err, store.ErrRepositoryNotFound):
		return faults.Newf(faults.NotFound, "%s not found", what)
	default:
		return err
	}
}
