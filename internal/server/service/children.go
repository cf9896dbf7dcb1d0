package service

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/server/audit"
	"github.com/sysmanage/sysmanage-server/internal/server/faults"
	"github.com/sysmanage/sysmanage-server/internal/server/queue"
	"github.com/sysmanage/sysmanage-server/internal/server/rbac"
	"github.com/sysmanage/sysmanage-server/internal/server/store"
)

// CreateChildHost records a "creating" placeholder and asks the parent's
// agent to provision the instance. The placeholder survives child-list
// reconciliation until the agent reports the child, so a slow provision is
// never mistaken for a vanished instance.
func (s *Service) CreateChildHost(ctx context.Context, actor Actor, parentHostID, childName, childType, distribution string) (*store.HostChild, error) {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageChildHosts); err != nil {
		return nil, err
	}
	if childName == "" || childType == "" {
		return nil, faults.New(faults.InvalidInput, "child name and type are required")
	}

	parent, err := s.store.GetHost(ctx, s.store.DB(), parentHostID)
	if err != nil {
		return nil, mapNotFound(err, "host")
	}
	if parent.ApprovalStatus != store.ApprovalApproved {
		return nil, faults.New(faults.Conflict, "parent host is not approved")
	}
	if _, err := s.store.GetChild(ctx, s.store.DB(), parent.ID, childName, childType); err == nil {
		return nil, faults.Newf(faults.Conflict, "child %s/%s already exists", childType, childName)
	}

	child := &store.HostChild{
		ID:           uuid.NewString(),
		ParentHostID: parent.ID,
		ChildName:    childName,
		ChildType:    childType,
		Status:       store.ChildCreating,
	}
	if distribution != "" {
		child.Distribution = sql.NullString{String: distribution, Valid: true}
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.CreateChild(ctx, tx, child); err != nil {
			return err
		}
		_, err := s.queue.Add(ctx, tx, queue.Enqueue{
			HostID:      parent.ID,
			Direction:   store.DirectionOutbound,
			MessageType: "create_child_host",
			Priority:    store.PriorityHigh,
			MessageData: detailJSON(map[string]any{
				"child_name":   childName,
				"child_type":   childType,
				"distribution": distribution,
			}),
		})
		if err != nil {
			return err
		}
		_, err = s.audits.Success(ctx, tx,
			actor.entry(audit.ActionCreate, "child_host", child.ID, childName, "requested child host creation"))
		return err
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// DeleteChildHost marks the child uninstalling and asks the parent's agent
// to remove the instance. The expected GUID pins the request to the instance
// the operator saw, so a recreated instance with the same name is not torn
// down by a stale delete.
func (s *Service) DeleteChildHost(ctx context.Context, actor Actor, parentHostID, childName, childType string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageChildHosts); err != nil {
		return err
	}

	child, err := s.store.GetChild(ctx, s.store.DB(), parentHostID, childName, childType)
	if err != nil {
		return mapNotFound(err, "child host")
	}

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.UpdateChildStatus(ctx, tx, child.ID, store.ChildUninstalling, ""); err != nil {
			return err
		}
		_, err := s.queue.Add(ctx, tx, queue.Enqueue{
			HostID:      child.ParentHostID,
			Direction:   store.DirectionOutbound,
			MessageType: "delete_child_host",
			Priority:    store.PriorityHigh,
			MessageData: detailJSON(map[string]any{
				"child_name":    child.ChildName,
				"child_type":    child.ChildType,
				"expected_guid": child.WSLGuid.String,
			}),
		})
		if err != nil {
			return err
		}
		_, err = s.audits.Success(ctx, tx,
			actor.entry(audit.ActionDelete, "child_host", child.ID, child.ChildName, "requested child host removal"))
		return err
	})
}

// StartChildHost asks the parent's agent to start a stopped child.
func (s *Service) StartChildHost(ctx context.Context, actor Actor, parentHostID, childName, childType string) error {
	return s.childCommand(ctx, actor, parentHostID, childName, childType, "start_child_host", "requested child host start")
}

// StopChildHost asks the parent's agent to stop a running child.
func (s *Service) StopChildHost(ctx context.Context, actor Actor, parentHostID, childName, childType string) error {
	return s.childCommand(ctx, actor, parentHostID, childName, childType, "stop_child_host", "requested child host stop")
}

// RestartChildHost asks the parent's agent to restart a child.
func (s *Service) RestartChildHost(ctx context.Context, actor Actor, parentHostID, childName, childType string) error {
	return s.childCommand(ctx, actor, parentHostID, childName, childType, "restart_child_host", "requested child host restart")
}

func (s *Service) childCommand(ctx context.Context, actor Actor, parentHostID, childName, childType, messageType, description string) error {
	ctx = traced(ctx)
	if err := s.roles.Require(ctx, actor.UserID, rbac.RoleManageChildHosts); err != nil {
		return err
	}

	child, err := s.store.GetChild(ctx, s.store.DB(), parentHostID, childName, childType)
	if err != nil {
		return mapNotFound(err, "child host")
	}

	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := s.queue.Add(ctx, tx, queue.Enqueue{
			HostID:      child.ParentHostID,
			Direction:   store.DirectionOutbound,
			MessageType: messageType,
			Priority:    store.PriorityHigh,
			MessageData: detailJSON(map[string]any{
				"child_name": child.ChildName,
				"child_type": child.ChildType,
			}),
		})
		if err != nil {
			return err
		}
		_, err = s.audits.Success(ctx, tx,
			actor.entry(audit.ActionUpdate, "child_host", child.ID, child.ChildName, description))
		return err
	})
}

// ListChildHosts returns the children of one parent host.
func (s *Service) ListChildHosts(ctx context.Context, parentHostID string) ([]*store.HostChild, error) {
	return s.store.ListChildren(ctx, s.store.DB(), parentHostID)
}
