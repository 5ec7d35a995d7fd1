package transfer

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/bridgeflow/transfer-engine/internal/domain"
	"github.com/bridgeflow/transfer-engine/internal/metrics"
	"github.com/bridgeflow/transfer-engine/internal/sqlgateway"
	"github.com/bridgeflow/transfer-engine/internal/cancellation"
	"github.com/jackc/pgx/v5/pgxpool"
)

// connHolder indirects a leased connection so a mid-run reconnect (the
// post-update ConnectionTransient retry, in particular) is visible to the
// defer in Engine.runOnce that releases it back to the pool — the defer
// closes over the holder, not the conn value captured at defer time.
type connHolder struct {
	conn *pgxpool.Conn
}

// runState holds everything scoped to one engine invocation: existingSet,
// column caches, and the accumulating affected-keys list never cross task
// boundaries, per spec §5.
type runState struct {
	engine *Engine
	task   *domain.TaskDefinition
	opts   RunOptions
	token  cancellation.Token

	progress *progressAccumulator

	sourceKey, destKey domain.ServerKey
	srcConn, destConn  *connHolder

	existingSet  map[string]struct{}
	mergeKeys    []string
	columnTypes  map[string]string
	columnMaxLen map[string]int

	totalEstimate int
	lastPublished int
}

// execute drives Snapshotting through Terminal and always returns a
// populated result alongside the status/progress pair runOnce persists.
func (r *runState) execute(ctx context.Context) (result *domain.Result, status domain.ExecutionStatus, finalProgress int, retryable bool) {
	metrics.ExecutionsInFlight.Inc()
	start := time.Now()
	defer func() {
		metrics.ExecutionsInFlight.Dec()
		outcome := string(status)
		metrics.ExecutionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		metrics.ExecutionsTotal.WithLabelValues(outcome).Inc()
	}()

	if r.cancelled() {
		return r.finish(cancelledResult(r.progress), domain.StatusCancelled)
	}

	// Snapshotting: initial destination count, optional clear. The count is
	// best-effort — a failure (e.g. a missing destination table, scenario
	// S3) leaves initialCount at 0 and execution continues, per spec §4.6.
	initial, err := r.engine.countDestination(ctx, r.destConn.conn, r.task.Name)
	if err != nil {
		r.engine.logger.Warn("initial destination count unavailable, continuing with initialCount=0",
			"task_id", r.task.ID, "error", err)
		initial = 0
	}
	r.progress.initialCount = initial

	if r.task.ClearBeforeInsert {
		if _, err := r.engine.gateway.ClearTable(ctx, r.destConn.conn, r.task.Name); err != nil {
			if !domain.IsKind(err, domain.KindMissingTable) {
				return r.fail(err)
			}
			r.engine.logger.Warn("clear-before-insert truncate failed on a missing table, proceeding",
				"task_id", r.task.ID, "error", err)
		}
	}
	r.engine.bus.Publish(r.task.ID, 5, "snapshot complete")
	r.lastPublished = 5

	if r.cancelled() {
		return r.finish(cancelledResult(r.progress), domain.StatusCancelled)
	}

	// Extracting.
	query, params, err := buildExtractQuery(r.task.Query, r.task.Parameters)
	if err != nil {
		return r.fail(err)
	}
	params = r.engine.gateway.SanitizeParams(params)

	if total, err := r.engine.countSource(ctx, r.srcConn.conn, query, params); err == nil {
		r.totalEstimate = total
	}

	stream, err := r.engine.gateway.StreamQuery(ctx, r.srcConn.conn, query, params)
	if err != nil {
		return r.fail(err)
	}
	defer stream.Close()

	if !stream.Next() {
		if err := stream.Err(); err != nil {
			return r.fail(err)
		}
		r.engine.bus.Publish(r.task.ID, domain.ProgressSuccess, "no rows to transfer")
		return r.finish(emptySourceResult(), domain.StatusCompleted)
	}
	r.engine.bus.Publish(r.task.ID, 10, "extracting")
	r.lastPublished = 10

	// Preparing.
	r.mergeKeys = r.task.MergeKeys()
	if len(r.mergeKeys) > 0 {
		set, err := loadExistingSet(ctx, r.destConn.conn, r.task.Name, r.mergeKeys)
		if err != nil {
			r.engine.logger.Warn("existing-set pre-check unavailable, relying on unique-violation detection",
				"task_id", r.task.ID, "error", err)
		} else {
			r.existingSet = set
		}
	}
	columnTypes, err := r.engine.gateway.GetColumnTypes(ctx, r.destConn.conn, r.task.Name)
	if err != nil {
		return r.fail(err)
	}
	r.columnTypes = columnTypes
	r.columnMaxLen = make(map[string]int)
	r.engine.bus.Publish(r.task.ID, 15, "preparing")
	r.lastPublished = 15

	// Writing: the first row already pulled by the Next() probe above is
	// processed in-line with the rest of the stream.
	for {
		if r.cancelled() {
			return r.finish(cancelledResult(r.progress), domain.StatusCancelled)
		}

		row, err := stream.Row()
		if err != nil {
			return r.fail(err)
		}
		if err := r.processRow(ctx, row); err != nil {
			if domain.IsKind(err, domain.KindConnectionFatal) || domain.IsKind(err, domain.KindMissingTable) {
				return r.fail(err)
			}
			if !domain.IsKind(err, domain.KindConnectionTransient) {
				r.progress.errors++
			} else if !r.reconnectDest(ctx) {
				return r.fail(err)
			}
		}

		if r.progress.rows%r.engine.cfg.InsertSubBatch == 0 {
			r.publishProgress()
			if r.engine.cfg.ForceGCEveryBatch {
				runtime.GC()
			}
		}

		if r.engine.cfg.BatchSize > 0 && r.progress.rows%r.engine.cfg.BatchSize == 0 {
			if err := r.probeDest(ctx); err != nil {
				if !r.reconnectDest(ctx) {
					return r.fail(err)
				}
			}
		}

		if !stream.Next() {
			break
		}
	}
	if err := stream.Err(); err != nil {
		return r.fail(err)
	}

	final, err := r.engine.countDestination(ctx, r.destConn.conn, r.task.Name)
	if err == nil {
		r.progress.finalCount = final
	}

	metrics.RowsProcessedTotal.WithLabelValues("extracted").Add(float64(r.progress.rows))
	metrics.RowsProcessedTotal.WithLabelValues("inserted").Add(float64(r.progress.inserted))
	metrics.DuplicatesTotal.Add(float64(r.progress.duplicates))

	// PostUpdating, skipped entirely when the task carries no
	// postUpdateQuery, nothing was written, or the caller (the Linked Group
	// Coordinator, running a member mid-group) asked to defer it.
	if r.task.PostUpdateQuery != "" && !r.opts.SuppressPostUpdate && len(r.progress.affectedKeys) > 0 {
		r.runPostUpdate(ctx)
	}

	r.engine.bus.Publish(r.task.ID, domain.ProgressSuccess, "completed")
	return r.finish(successResult(r.progress), domain.StatusCompleted)
}

func (r *runState) cancelled() bool {
	return r.token.Cancelled()
}

func (r *runState) finish(result *domain.Result, st domain.ExecutionStatus) (*domain.Result, domain.ExecutionStatus, int, bool) {
	prog := domain.ProgressSuccess
	if !result.Success {
		prog = domain.ProgressFailed
	}
	return result, st, prog, false
}

func (r *runState) fail(err error) (*domain.Result, domain.ExecutionStatus, int, bool) {
	r.engine.bus.Publish(r.task.ID, domain.ProgressFailed, err.Error())
	retryable := domain.IsKind(err, domain.KindConnectionTransient)
	result, st, prog, _ := r.finish(failedResult(err.Error(), r.progress), domain.StatusFailed)
	return result, st, prog, retryable
}

// processRow validates, dedupes, truncates, and inserts one row, updating
// progress counters. A returned error is either already accounted for (a
// duplicate) or must be classified by the caller.
func (r *runState) processRow(ctx context.Context, row map[string]any) error {
	r.progress.rows++
	row = r.engine.gateway.ValidateRecord(row)

	if len(r.mergeKeys) > 0 && r.existingSet != nil {
		key := encodeMergeKey(row, r.mergeKeys)
		if _, exists := r.existingSet[key]; exists {
			r.progress.recordDuplicate(domain.DuplicateRecord{MergeKey: key, Row: row, Reason: "pre-check"})
			return nil
		}
		r.existingSet[key] = struct{}{}
	}

	r.truncateStrings(ctx, row)

	if _, err := r.engine.gateway.InsertTyped(ctx, r.destConn.conn, r.task.Name, row, r.columnTypes); err != nil {
		if domain.IsKind(err, domain.KindDuplicateKey) {
			r.progress.recordDuplicate(domain.DuplicateRecord{MergeKey: encodeMergeKey(row, r.mergeKeys), Row: row, Reason: "unique-violation"})
			return nil
		}
		return err
	}

	r.progress.inserted++
	if key := r.task.PostUpdateKey(); key != "" {
		if v, ok := row[key]; ok && v != nil {
			r.progress.affectedKeys = append(r.progress.affectedKeys, fmt.Sprintf("%v", v))
		}
	}
	return nil
}

// truncateStrings clamps every string value in row to its destination
// column's character_maximum_length, caching lookups per invocation.
func (r *runState) truncateStrings(ctx context.Context, row map[string]any) {
	for col, v := range row {
		s, ok := v.(string)
		if !ok {
			continue
		}
		maxLen, cached := r.columnMaxLen[col]
		if !cached {
			var err error
			maxLen, err = r.engine.gateway.GetColumnMaxLength(ctx, r.destConn.conn, r.task.Name, col)
			if err != nil {
				maxLen = 0
			}
			r.columnMaxLen[col] = maxLen
		}
		row[col] = sqlgateway.TruncateString(s, maxLen)
	}
}

// probeDest checks destination liveness at every Config.BatchSize row
// boundary, per spec §4.6 Writing step 1 — distinct from the
// Config.InsertSubBatch progress-publish cadence.
func (r *runState) probeDest(ctx context.Context) error {
	_, err := r.engine.gateway.Query(ctx, r.destConn.conn, "SELECT 1", nil)
	return err
}

// reconnectDest handles a ConnectionTransient failure surfaced while
// writing: reconnect the destination once and report whether the caller
// should keep going (true) or treat the failure as fatal (false).
func (r *runState) reconnectDest(ctx context.Context) bool {
	newConn, err := r.engine.acquireConn(ctx, r.destKey, r.destConn.conn)
	if err != nil {
		r.engine.logger.Error("destination reconnect failed", "task_id", r.task.ID, "error", err)
		return false
	}
	r.destConn.conn = newConn
	r.progress.errors++
	return true
}

// runPostUpdate drives the coordinated post-update window against Server
// A, reconnecting whichever held connection (source for "up", destination
// for "down") represents it, per spec §4.6 PostUpdating.
func (r *runState) runPostUpdate(ctx context.Context) {
	aHolder := r.srcConn
	if r.sourceKey != domain.ServerA {
		aHolder = r.destConn
	}

	reconnect := func(ctx context.Context) (sqlgateway.Conn, error) {
		newConn, err := r.engine.acquireConn(ctx, domain.ServerA, aHolder.conn)
		if err != nil {
			return nil, err
		}
		aHolder.conn = newConn
		return newConn, nil
	}

	RunPostUpdateWindowsWithReconnect(
		ctx, r.engine.gateway, aHolder.conn, reconnect,
		r.task.PostUpdateQuery, r.task.PostUpdateKey(), r.progress.affectedKeys, r.engine.logger,
	)
}

// publishProgress publishes the current writing percentage only when it
// has advanced by at least 5 over the last published value, or once when
// rows reach the estimate (published as 99, since 100 is the terminal
// publish), per spec §4.6 step 8 / P2's monotonic-by-≥5 guarantee.
func (r *runState) publishProgress() {
	if r.totalEstimate <= 0 {
		return
	}
	pct := r.progress.rows * 100 / r.totalEstimate
	reachedEnd := pct >= 100
	if reachedEnd {
		pct = 99 // 100 is reserved for the terminal publish
	}
	if pct <= r.lastPublished || (pct < r.lastPublished+5 && !reachedEnd) {
		return
	}
	r.lastPublished = pct
	r.engine.bus.Publish(r.task.ID, pct, "writing")
}
