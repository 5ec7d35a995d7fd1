// Package repository declares the abstract read/write contract (C5) the
// engine, coordinator, and scheduler depend on. Implementations live
// behind this interface — see internal/infrastructure/postgres for the
// concrete one — so every other package here never imports a driver.
package repository

import (
	"context"

	"github.com/bridgeflow/transfer-engine/internal/domain"
)

// TaskRepository is the abstract read/write of task definitions and
// per-execution records from spec §4.5.
type TaskRepository interface {
	GetTaskByID(ctx context.Context, taskID string) (*domain.TaskDefinition, error)

	// GetActiveAutoOrBoth returns every active task eligible for the
	// automatic (cron) trigger. Named to mirror the source's ambiguity
	// between "auto-only" and "auto+manual" task sets — this module's
	// Scheduler always requests the auto-eligible set.
	GetActiveAutoOrBoth(ctx context.Context) ([]*domain.TaskDefinition, error)

	UpdateStatus(ctx context.Context, taskID string, status domain.ExecutionStatus, progress int) error

	AppendExecution(ctx context.Context, taskID string, summary *domain.TaskExecution) error

	// FindGroupMembers returns every task sharing groupTag, ordered by
	// LinkedExecutionOrder ascending.
	FindGroupMembers(ctx context.Context, groupTag string) ([]*domain.TaskDefinition, error)

	// FindLinked returns the LinkedTasks ids for taskID when it has no
	// LinkedGroup but does carry an explicit LinkedTasks set.
	FindLinked(ctx context.Context, taskID string) ([]string, error)

	// RecordGroupExecution persists group coordination metadata
	// (LastGroupExecutionID / LastGroupExecution) on a single member.
	RecordGroupExecution(ctx context.Context, taskID, groupExecutionID string) error
}
