// Package linkgroup implements the Linked Group Coordinator (C7): group
// expansion, serial member execution, and the single coordinated
// post-update that runs once after every member in a group has finished.
package linkgroup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bridgeflow/transfer-engine/internal/connsupervisor"
	"github.com/bridgeflow/transfer-engine/internal/domain"
	"github.com/bridgeflow/transfer-engine/internal/repository"
	"github.com/bridgeflow/transfer-engine/internal/sqlgateway"
	"github.com/bridgeflow/transfer-engine/internal/transfer"
	"github.com/google/uuid"
)

// Info is the result of resolving a task's group membership, per spec
// §4.7's linkingInfoFor.
type Info struct {
	HasLinks          bool
	GroupTag          string
	Members           []*domain.TaskDefinition
	CoordinatorTaskID string
	IsCoordinator     bool
}

// MemberResult is one member's outcome within a group run.
type MemberResult struct {
	TaskID        string
	TaskName      string
	Result        *domain.Result
	IsGroupMember bool
}

// GroupResult aggregates every member's outcome plus the coordinated
// post-update's fate.
type GroupResult struct {
	GroupTag          string
	CoordinatorTaskID string
	Members           []MemberResult
	OverallSuccess    bool
	PostUpdateRan     bool
}

// Coordinator runs groups on top of a shared transfer.Engine; it holds its
// own handle on the Supervisor and Gateway because the coordinated
// post-update's connection to Server A is independent of any single
// member's run.
type Coordinator struct {
	repo       repository.TaskRepository
	engine     *transfer.Engine
	supervisor *connsupervisor.Supervisor
	gateway    *sqlgateway.Gateway
	logger     *slog.Logger
}

func New(repo repository.TaskRepository, engine *transfer.Engine, supervisor *connsupervisor.Supervisor, gateway *sqlgateway.Gateway, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		repo:       repo,
		engine:     engine,
		supervisor: supervisor,
		gateway:    gateway,
		logger:     logger.With("component", "linkgroup"),
	}
}

// LinkingInfoFor resolves taskID's group membership: a `linkedGroup` tag
// takes precedence over an explicit `linkedTasks` set, per spec §4.7.
func (c *Coordinator) LinkingInfoFor(ctx context.Context, taskID string) (Info, error) {
	task, err := c.repo.GetTaskByID(ctx, taskID)
	if err != nil {
		return Info{}, fmt.Errorf("load task %s: %w", taskID, err)
	}

	var members []*domain.TaskDefinition
	groupTag := ""

	switch {
	case task.LinkedGroup != "":
		groupTag = task.LinkedGroup
		members, err = c.repo.FindGroupMembers(ctx, task.LinkedGroup)
		if err != nil {
			return Info{}, fmt.Errorf("find group members for %s: %w", task.LinkedGroup, err)
		}

	case len(task.LinkedTasks) > 0:
		ids, err := c.repo.FindLinked(ctx, taskID)
		if err != nil {
			return Info{}, fmt.Errorf("find linked tasks for %s: %w", taskID, err)
		}
		members = append(members, task)
		for _, id := range ids {
			linked, err := c.repo.GetTaskByID(ctx, id)
			if err != nil {
				c.logger.Warn("linked task unresolvable, skipping", "task_id", id, "error", err)
				continue
			}
			members = append(members, linked)
		}
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].LinkedExecutionOrder < members[j].LinkedExecutionOrder
		})

	default:
		return Info{HasLinks: false, Members: []*domain.TaskDefinition{task}}, nil
	}

	coordinatorID := findCoordinator(members, c.logger)
	return Info{
		HasLinks:          true,
		GroupTag:          groupTag,
		Members:           members,
		CoordinatorTaskID: coordinatorID,
		IsCoordinator:     coordinatorID == taskID,
	}, nil
}

// findCoordinator returns the id of the one member carrying a
// postUpdateQuery. A misconfigured group with more than one is logged and
// resolved to the first encountered, rather than treated as fatal.
func findCoordinator(members []*domain.TaskDefinition, logger *slog.Logger) string {
	var id string
	count := 0
	for _, m := range members {
		if m.PostUpdateQuery == "" {
			continue
		}
		count++
		if id == "" {
			id = m.ID
		}
	}
	if count > 1 {
		logger.Warn("group has more than one coordinator candidate, using the first", "coordinator_task_id", id, "candidates", count)
	}
	return id
}

// ExecuteGroup runs triggerTaskID's group to completion: a task with no
// links is just run directly via the engine; a linked group runs every
// member serially with its own post-update suppressed, then fires the
// coordinator's post-update once across the concatenated affectedKeys.
func (c *Coordinator) ExecuteGroup(ctx context.Context, triggerTaskID string) (*GroupResult, error) {
	info, err := c.LinkingInfoFor(ctx, triggerTaskID)
	if err != nil {
		return nil, err
	}

	if !info.HasLinks {
		task := info.Members[0]
		result := c.engine.Run(ctx, task.ID, transfer.RunOptions{})
		return &GroupResult{
			Members:        []MemberResult{{TaskID: task.ID, TaskName: task.Name, Result: result, IsGroupMember: false}},
			OverallSuccess: result.Success,
		}, nil
	}

	group := &GroupResult{GroupTag: info.GroupTag, CoordinatorTaskID: info.CoordinatorTaskID}
	var affectedKeys []string
	successCount := 0

	for _, member := range info.Members {
		result := c.engine.Run(ctx, member.ID, transfer.RunOptions{SuppressPostUpdate: true})
		group.Members = append(group.Members, MemberResult{
			TaskID: member.ID, TaskName: member.Name, Result: result, IsGroupMember: true,
		})
		if result.Success {
			successCount++
		}
		affectedKeys = append(affectedKeys, result.AffectedKeys...)
	}
	group.OverallSuccess = successCount == len(info.Members)

	if info.CoordinatorTaskID != "" && len(affectedKeys) > 0 {
		coordinatorTask, err := c.repo.GetTaskByID(ctx, info.CoordinatorTaskID)
		if err != nil {
			c.logger.Error("coordinator task unresolvable, skipping coordinated post-update", "task_id", info.CoordinatorTaskID, "error", err)
		} else {
			c.runCoordinatedPostUpdate(ctx, coordinatorTask, affectedKeys)
			group.PostUpdateRan = true
		}
	}

	groupExecutionID := uuid.New().String()
	for _, member := range info.Members {
		if err := c.repo.RecordGroupExecution(ctx, member.ID, groupExecutionID); err != nil {
			c.logger.Warn("record group execution metadata failed", "task_id", member.ID, "error", err)
		}
	}

	return group, nil
}

// runCoordinatedPostUpdate leases a connection to Server A directly (the
// coordinated post-update always targets A, like every member's own
// PostUpdating step) and drives the same windowed, reconnect-once
// algorithm the engine uses for an individual task.
func (c *Coordinator) runCoordinatedPostUpdate(ctx context.Context, coordinatorTask *domain.TaskDefinition, keys []string) {
	conn, err := c.supervisor.Acquire(ctx, domain.ServerA)
	if err != nil {
		c.logger.Error("coordinated post-update: acquire Server A failed", "error", err)
		return
	}

	reconnect := func(ctx context.Context) (sqlgateway.Conn, error) {
		newConn, err := c.supervisor.Acquire(ctx, domain.ServerA)
		if err != nil {
			return nil, err
		}
		c.supervisor.Release(conn)
		conn = newConn
		return newConn, nil
	}

	transfer.RunPostUpdateWindowsWithReconnect(
		ctx, c.gateway, conn, reconnect,
		coordinatorTask.PostUpdateQuery, coordinatorTask.PostUpdateKey(), keys, c.logger,
	)
	// reconnect (if invoked) reassigned conn to the fresh connection, so this
	// always releases whichever one is actually still held.
	c.supervisor.Release(conn)
}
