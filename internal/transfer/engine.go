// Package transfer implements the Transfer Engine (C6): the per-task
// extract → dedupe → batch-insert → post-update algorithm from spec §4.6.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bridgeflow/transfer-engine/internal/cancellation"
	"github.com/bridgeflow/transfer-engine/internal/connsupervisor"
	"github.com/bridgeflow/transfer-engine/internal/domain"
	"github.com/bridgeflow/transfer-engine/internal/progressbus"
	"github.com/bridgeflow/transfer-engine/internal/repository"
	"github.com/bridgeflow/transfer-engine/internal/sqlgateway"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Engine is safe for concurrent use — every invocation's mutable state
// (existingSet, column caches, affectedKeys buffer) lives in its own
// runState, per spec §5's "engine-local" resource policy. Connections,
// Progress Bus, and Cancellation Registry are the only process-wide
// collaborators, and each is itself safe for concurrent use.
type Engine struct {
	repo       repository.TaskRepository
	gateway    *sqlgateway.Gateway
	supervisor *connsupervisor.Supervisor
	bus        *progressbus.Bus
	cancels    *cancellation.Registry
	cfg        Config
	logger     *slog.Logger
}

func New(
	repo repository.TaskRepository,
	gateway *sqlgateway.Gateway,
	supervisor *connsupervisor.Supervisor,
	bus *progressbus.Bus,
	cancels *cancellation.Registry,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		repo:       repo,
		gateway:    gateway,
		supervisor: supervisor,
		bus:        bus,
		cancels:    cancels,
		cfg:        cfg,
		logger:     logger.With("component", "transfer"),
	}
}

// RunOptions customizes one invocation. SuppressPostUpdate is set by the
// Linked Group Coordinator (C7) while running a member whose own
// postUpdateQuery is deferred to the group's single coordinated step.
type RunOptions struct {
	SuppressPostUpdate bool
}

// Run executes taskID's transfer to completion. The engine body runs at
// most Config.RetryAttempts times in all, with the same Config.RetryBackoff
// wait before each re-run, and is re-run only when the failure class is transient
// (connection/timeout) — a cancelled outcome is never retried, per spec
// §4.6's retry policy.
func (e *Engine) Run(ctx context.Context, taskID string, opts RunOptions) *domain.Result {
	attempts := e.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var result *domain.Result
	for attempt := 1; attempt <= attempts; attempt++ {
		var retryable bool
		result, retryable = e.runOnce(ctx, taskID, opts)
		if !retryable || attempt == attempts {
			return result
		}
		e.logger.Warn("retrying transfer execution after transient failure", "task_id", taskID, "attempt", attempt)
		select {
		case <-ctx.Done():
			return result
		case <-time.After(e.cfg.RetryBackoff):
		}
	}
	return result
}

func (e *Engine) maxDuplicates() int {
	if e.cfg.MaxDuplicatesReported > 0 {
		return e.cfg.MaxDuplicatesReported
	}
	return domain.MaxDuplicatesReported
}

// runOnce drives one attempt through Starting → Connecting → Snapshotting →
// Extracting → Preparing → Writing → PostUpdating? → Terminal. It always
// returns a populated *domain.Result; retryable tells Run whether to retry
// the whole body.
func (e *Engine) runOnce(ctx context.Context, taskID string, opts RunOptions) (result *domain.Result, retryable bool) {
	task, err := e.repo.GetTaskByID(ctx, taskID)
	if err != nil {
		return failedResult(fmt.Sprintf("load task: %v", err), nil), false
	}
	if err := task.Validate(); err != nil {
		return failedResult(err.Error(), nil), false
	}

	token := e.cancels.Register(taskID, map[string]any{"name": task.Name})
	progress := newProgressAccumulator(e.maxDuplicates())
	status := domain.StatusFailed
	finalProgress := domain.ProgressFailed

	defer func() {
		now := time.Now()
		exec := &domain.TaskExecution{
			TaskID:       taskID,
			FinishedAt:   &now,
			Status:       status,
			Progress:     finalProgress,
			Rows:         progress.rows,
			Inserted:     progress.inserted,
			Duplicates:   progress.duplicates,
			Errors:       progress.errors,
			InitialCount: progress.initialCount,
			FinalCount:   progress.finalCount,
			AffectedKeys: progress.affectedKeys,
		}
		e.cancels.Complete(taskID, string(status))
		if appendErr := e.repo.AppendExecution(ctx, taskID, exec); appendErr != nil {
			e.logger.Error("append execution", "task_id", taskID, "error", appendErr)
		}
	}()

	if token.Cancelled() {
		status, finalProgress = domain.StatusCancelled, domain.ProgressFailed
		e.bus.Publish(taskID, domain.ProgressFailed, "cancelled")
		return cancelledResult(progress), false
	}

	if err := e.repo.UpdateStatus(ctx, taskID, domain.StatusRunning, 0); err != nil {
		e.logger.Warn("update status to running", "task_id", taskID, "error", err)
	}
	e.bus.Publish(taskID, 0, "")

	sourceKey := task.EffectiveTransferType().SourceServer()
	destKey := task.EffectiveTransferType().DestServer()

	srcConn, err := e.supervisor.Acquire(ctx, sourceKey)
	if err != nil {
		e.bus.Publish(taskID, domain.ProgressFailed, "connect source failed")
		return failedResult(err.Error(), progress), domain.IsKind(err, domain.KindConnectionTransient)
	}
	destConn, err := e.supervisor.Acquire(ctx, destKey)
	if err != nil {
		e.supervisor.Release(srcConn)
		e.bus.Publish(taskID, domain.ProgressFailed, "connect destination failed")
		return failedResult(err.Error(), progress), domain.IsKind(err, domain.KindConnectionTransient)
	}
	srcHolder := &connHolder{conn: srcConn}
	destHolder := &connHolder{conn: destConn}
	defer func() { e.supervisor.Release(srcHolder.conn) }()
	defer func() { e.supervisor.Release(destHolder.conn) }()

	run := &runState{
		engine:       e,
		task:         task,
		opts:         opts,
		token:        token,
		progress:     progress,
		sourceKey:    sourceKey,
		destKey:      destKey,
		srcConn:      srcHolder,
		destConn:     destHolder,
		columnMaxLen: make(map[string]int),
	}

	result, status, finalProgress, retryable = run.execute(ctx)
	return result, retryable
}

// acquireConn is shared plumbing for mid-run reconnects (probe failures,
// post-update window retries): release the stale connection and lease a
// fresh one for the same server.
func (e *Engine) acquireConn(ctx context.Context, key domain.ServerKey, stale *pgxpool.Conn) (*pgxpool.Conn, error) {
	e.supervisor.Release(stale)
	return e.supervisor.Acquire(ctx, key)
}

func (e *Engine) countDestination(ctx context.Context, conn sqlgateway.Conn, table string) (int, error) {
	res, err := e.gateway.Query(ctx, conn, fmt.Sprintf("SELECT COUNT(*) AS cnt FROM %s", sqlgateway.Qualify(table)), nil)
	if err != nil {
		return 0, err
	}
	if len(res.Rows) == 0 {
		return 0, nil
	}
	return toInt(res.Rows[0]["cnt"]), nil
}

// countSource estimates the total row count the extract query will yield,
// used only as the denominator for progress percentage — a failure here
// (e.g. the extract query isn't a plain SELECT a COUNT(*) wrapper can
// subquery) just means no percentage-based writing progress is published;
// the fixed stage milestones and the terminal value still are.
func (e *Engine) countSource(ctx context.Context, conn sqlgateway.Conn, query string, params map[string]any) (int, error) {
	wrapped := fmt.Sprintf("SELECT COUNT(*) AS cnt FROM (%s) AS transfer_count_sq", query)
	res, err := e.gateway.Query(ctx, conn, wrapped, params)
	if err != nil {
		return 0, err
	}
	if len(res.Rows) == 0 {
		return 0, nil
	}
	return toInt(res.Rows[0]["cnt"]), nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
