package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bridgeflow/transfer-engine/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskRepository is the concrete repository.TaskRepository (C5): task
// definitions and per-execution history, stored in the task-repository
// database (distinct from Server A/B, which the engine reaches through
// connsupervisor instead of this pool).
type TaskRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewTaskRepository(pool *pgxpool.Pool, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{pool: pool, logger: logger.With("component", "task_repo")}
}

const taskColumns = `
	id, name, active, query, parameters, validation_rules, clear_before_insert,
	post_update_query, post_update_mapping, transfer_type,
	linked_group, linked_tasks, linked_execution_order`

func (r *TaskRepository) GetTaskByID(ctx context.Context, taskID string) (*domain.TaskDefinition, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

// GetActiveAutoOrBoth returns every active task, ordered by id so batches
// are stable across ticks for easier log correlation.
func (r *TaskRepository) GetActiveAutoOrBoth(ctx context.Context) ([]*domain.TaskDefinition, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.TaskDefinition
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *TaskRepository) UpdateStatus(ctx context.Context, taskID string, status domain.ExecutionStatus, progress int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE tasks SET last_status = $2, last_progress = $3, updated_at = NOW() WHERE id = $1`,
		taskID, status, progress)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// AppendExecution inserts one execution record into history. The task's own
// row is left untouched here — UpdateStatus is the live-progress path,
// AppendExecution is the durable audit trail.
func (r *TaskRepository) AppendExecution(ctx context.Context, taskID string, summary *domain.TaskExecution) error {
	affectedKeys, err := json.Marshal(summary.AffectedKeys)
	if err != nil {
		return fmt.Errorf("marshal affected keys: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO task_executions (
			task_id, started_at, finished_at, status, progress,
			rows, inserted, duplicates, errors,
			initial_count, final_count, affected_keys
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		taskID, summary.StartedAt, summary.FinishedAt, summary.Status, summary.Progress,
		summary.Rows, summary.Inserted, summary.Duplicates, summary.Errors,
		summary.InitialCount, summary.FinalCount, affectedKeys,
	)
	if err != nil {
		return fmt.Errorf("append execution: %w", err)
	}
	return nil
}

// FindGroupMembers returns every task sharing groupTag, ordered by
// linked_execution_order so the coordinator's serial loop runs them in the
// configured sequence.
func (r *TaskRepository) FindGroupMembers(ctx context.Context, groupTag string) ([]*domain.TaskDefinition, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE linked_group = $1 ORDER BY linked_execution_order`, groupTag)
	if err != nil {
		return nil, fmt.Errorf("find group members: %w", err)
	}
	defer rows.Close()

	var members []*domain.TaskDefinition
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, t)
	}
	return members, rows.Err()
}

func (r *TaskRepository) FindLinked(ctx context.Context, taskID string) ([]string, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT linked_tasks FROM tasks WHERE id = $1`, taskID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("find linked tasks: %w", err)
	}
	var ids []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ids); err != nil {
			return nil, fmt.Errorf("unmarshal linked tasks: %w", err)
		}
	}
	return ids, nil
}

func (r *TaskRepository) RecordGroupExecution(ctx context.Context, taskID, groupExecutionID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE tasks SET last_group_execution_id = $2, last_group_execution = NOW(), updated_at = NOW() WHERE id = $1`,
		taskID, groupExecutionID)
	if err != nil {
		return fmt.Errorf("record group execution: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.TaskDefinition, error) {
	var (
		t                 domain.TaskDefinition
		parameters        []byte
		validationRules   []byte
		postUpdateMapping []byte
		linkedTasks       []byte
	)

	err := row.Scan(
		&t.ID, &t.Name, &t.Active, &t.Query, &parameters, &validationRules, &t.ClearBeforeInsert,
		&t.PostUpdateQuery, &postUpdateMapping, &t.TransferType,
		&t.LinkedGroup, &linkedTasks, &t.LinkedExecutionOrder,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if len(parameters) > 0 {
		if err := json.Unmarshal(parameters, &t.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters for task %s: %w", t.ID, err)
		}
	}
	if len(validationRules) > 0 {
		if err := json.Unmarshal(validationRules, &t.ValidationRules); err != nil {
			return nil, fmt.Errorf("unmarshal validation rules for task %s: %w", t.ID, err)
		}
	}
	if len(postUpdateMapping) > 0 {
		if err := json.Unmarshal(postUpdateMapping, &t.PostUpdateMapping); err != nil {
			return nil, fmt.Errorf("unmarshal post update mapping for task %s: %w", t.ID, err)
		}
	}
	if len(linkedTasks) > 0 {
		if err := json.Unmarshal(linkedTasks, &t.LinkedTasks); err != nil {
			return nil, fmt.Errorf("unmarshal linked tasks for task %s: %w", t.ID, err)
		}
	}

	return &t, nil
}
