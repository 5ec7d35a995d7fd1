package domain

import "time"

type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusCancelled ExecutionStatus = "cancelled"
	StatusFailed    ExecutionStatus = "failed"
)

// TerminalProgress values: 100 on success, -1 on any non-success terminal.
const (
	ProgressSuccess = 100
	ProgressFailed  = -1
)

// TaskExecution is owned exclusively by the engine invocation that created
// it; it is mutated only by that invocation and is read-only afterwards.
type TaskExecution struct {
	TaskID     string          `json:"taskId"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Status     ExecutionStatus `json:"status"`
	Progress   int             `json:"progress"`

	Rows       int `json:"rows"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`

	InitialCount int `json:"initialCount"`
	FinalCount   int `json:"finalCount"`

	AffectedKeys []string `json:"affectedKeys"`

	// Group coordination metadata, written by the linked-group coordinator.
	LastGroupExecutionID string     `json:"lastGroupExecutionId,omitempty"`
	LastGroupExecution   *time.Time `json:"lastGroupExecution,omitempty"`
}

// DuplicateRecord is ephemeral: captured during a run and attached to the
// execution result, never persisted beyond the reported cap.
type DuplicateRecord struct {
	MergeKey string         `json:"mergeKey"`
	Row      map[string]any `json:"row"`
	Reason   string         `json:"reason"` // "pre-check" or "unique-violation"
}

const MaxDuplicatesReported = 100

// RunnableUnit is a scheduler-internal value created per trigger and
// discarded once its run completes.
type RunnableUnit struct {
	Kind                string // "individual" or "group"
	TaskID              string // set when Kind == "individual"
	RepresentativeTaskID string // set when Kind == "group"
	GroupTag            string // set when Kind == "group"
}

const (
	UnitIndividual = "individual"
	UnitGroup      = "group"
)

// Result is the value every Transfer Engine invocation returns. Callers
// must rely on nothing beyond these fields (spec §7).
type Result struct {
	Success bool `json:"success"`

	Rows       int `json:"rows"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`

	InitialCount int      `json:"initialCount"`
	FinalCount   int      `json:"finalCount"`
	AffectedKeys []string `json:"affectedKeys"`

	ReportedDuplicates []DuplicateRecord `json:"reportedDuplicates,omitempty"`
	HasMoreDuplicates  bool              `json:"hasMoreDuplicates"`
	TotalDuplicates    int               `json:"totalDuplicates"`

	Message     string `json:"message"`
	ErrorDetail string `json:"errorDetail,omitempty"`
}
