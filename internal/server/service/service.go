// Package service is the operator-facing API. Every operation authorizes the
// acting user, runs its mutations and audit entry in one transaction, and
// queues any agent work that falls out of the change.
package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sysmanage/sysmanage-server/common/trace"
	"github.com/sysmanage/sysmanage-server/internal/server/audit"
	"github.com/sysmanage/sysmanage-server/internal/server/certs"
	"github.com/sysmanage/sysmanage-server/internal/server/queue"
	"github.com/sysmanage/sysmanage-server/internal/server/rbac"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
)

// Actor identifies the operator behind a call, for authorization and audit.
type Actor struct {
	UserID   string
	Username string
	IP       string
}

// Vault is the secret backend surface the service needs. Satisfied by
// vault.Client.
type Vault interface {
	Write(ctx context.Context, path, content string) error
	Read(ctx context.Context, path string) (string, error)
	Delete(ctx context.Context, path string) error
}

// Service bundles the stores and side-effect machinery behind the public
// operations.
type Service struct {
	store     *store.Store
	queue     *queue.Queue
	audits    *audit.Service
	roles     *rbac.Cache
	certs     *certs.Manager
	vault     Vault
	masterKey []byte
	pepper    string
}

func New(s *store.Store, q *queue.Queue, a *audit.Service, roles *rbac.Cache, cm *certs.Manager, v Vault, masterKey []byte, pepper string) *Service {
	return &Service{
		store:     s,
		queue:     q,
		audits:    a,
		roles:     roles,
		certs:     cm,
		vault:     v,
		masterKey: masterKey,
		pepper:    pepper,
	}
}

// traced gives the operation a trace id when the caller did not supply one.
// The id ends up in the details of every audit row the operation writes, so
// the rows of one call can be pulled up together.
func traced(ctx context.Context) context.Context {
	if trace.FromContext(ctx) != "" {
		return ctx
	}
	return trace.WithTraceID(ctx, trace.GenerateID())
}

// entry pre-fills the audit fields every operation shares.
func (a Actor) entry(actionType, entityType, entityID, entityName, description string) audit.Entry {
	return audit.Entry{
		UserID:      a.UserID,
		Username:    a.Username,
		ActionType:  actionType,
		EntityType:  entityType,
		EntityID:    entityID,
		EntityName:  entityName,
		Description: description,
		IPAddress:   a.IP,
	}
}

// detailJSON encodes audit details, falling back to empty on encode failure
// rather than losing the audit entry.
func detailJSON(v any) string {
	blob, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode audit details", "err", err)
		return ""
	}
	return string(blob)
}
