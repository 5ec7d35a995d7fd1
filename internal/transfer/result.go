package transfer

import "github.com/bridgeflow/transfer-engine/internal/domain"

func emptySourceResult() *domain.Result {
	return &domain.Result{Success: true, Message: "no rows to transfer"}
}

func cancelledResult(progress *progressAccumulator) *domain.Result {
	r := &domain.Result{Success: false, Message: "cancelled"}
	if progress != nil {
		progress.fillCounters(r)
	}
	return r
}

func failedResult(detail string, progress *progressAccumulator) *domain.Result {
	r := &domain.Result{Success: false, Message: "failed", ErrorDetail: detail}
	if progress != nil {
		progress.fillCounters(r)
	}
	return r
}

func successResult(progress *progressAccumulator) *domain.Result {
	r := &domain.Result{Success: true, Message: "completed"}
	progress.fillCounters(r)
	return r
}

// progressAccumulator tracks the counters and duplicate-reporting cap a
// single engine invocation builds up across Writing, so every exit path
// (success, failed, cancelled) reports the same shape per spec §4.6's
// Outputs contract.
type progressAccumulator struct {
	rows       int
	inserted   int
	duplicates int
	errors     int

	initialCount int
	finalCount   int

	affectedKeys []string

	maxDuplicates int
	reported      []domain.DuplicateRecord
	total         int
}

func newProgressAccumulator(maxDuplicates int) *progressAccumulator {
	return &progressAccumulator{maxDuplicates: maxDuplicates}
}

func (p *progressAccumulator) recordDuplicate(rec domain.DuplicateRecord) {
	p.duplicates++
	p.total++
	if len(p.reported) < p.maxDuplicates {
		p.reported = append(p.reported, rec)
	}
}

func (p *progressAccumulator) fillCounters(r *domain.Result) {
	r.Rows = p.rows
	r.Inserted = p.inserted
	r.Duplicates = p.duplicates
	r.Errors = p.errors
	r.InitialCount = p.initialCount
	r.FinalCount = p.finalCount
	r.AffectedKeys = p.affectedKeys
	r.ReportedDuplicates = p.reported
	r.TotalDuplicates = p.total
	r.HasMoreDuplicates = p.total > len(p.reported)
}
