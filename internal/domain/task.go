package domain

import "errors"

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTask       = errors.New("task definition is invalid")
	ErrExecutionNotFound = errors.New("execution not found")
)

// TransferType selects which server is the source and which is the
// destination for a task. "standard" is a synonym of "up".
type TransferType string

const (
	TransferUp       TransferType = "up"
	TransferDown     TransferType = "down"
	TransferStandard TransferType = "standard"
)

// SourceServer returns the ServerKey a task reads from.
func (t TransferType) SourceServer() ServerKey {
	if t == TransferDown {
		return ServerB
	}
	return ServerA
}

// DestServer returns the ServerKey a task writes to.
func (t TransferType) DestServer() ServerKey {
	if t == TransferDown {
		return ServerA
	}
	return ServerB
}

// Operator is a comparison used to build the WHERE clause appended to a
// task's source query.
type Operator string

const (
	OpEQ      Operator = "="
	OpLT      Operator = "<"
	OpLTE     Operator = "<="
	OpGT      Operator = ">"
	OpGTE     Operator = ">="
	OpNE      Operator = "<>"
	OpIN      Operator = "IN"
	OpBETWEEN Operator = "BETWEEN"
)

// Parameter is one clause of the WHERE conjunction appended to a task's
// source query.
type Parameter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// BetweenValue is the expected shape of Parameter.Value when Operator is
// OpBETWEEN.
type BetweenValue struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// ValidationRules describes how rows are identified for dedup and which
// fields must be present.
type ValidationRules struct {
	RequiredFields  []string        `json:"requiredFields"`
	ExistenceCheck  ExistenceCheck  `json:"existenceCheck"`
}

type ExistenceCheck struct {
	Key []string `json:"key"`
}

// PostUpdateMapping overrides which column feeds the post-update's
// generated WHERE clause.
type PostUpdateMapping struct {
	TableKey string `json:"tableKey"`
}

// TaskDefinition is read-only to the engine; it is produced by the
// repository and never mutated by transfer code.
type TaskDefinition struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`

	Query      string      `json:"query"`
	Parameters []Parameter `json:"parameters"`

	ValidationRules ValidationRules `json:"validationRules"`

	ClearBeforeInsert bool `json:"clearBeforeInsert"`

	PostUpdateQuery   string            `json:"postUpdateQuery"`
	PostUpdateMapping PostUpdateMapping `json:"postUpdateMapping"`

	TransferType TransferType `json:"transferType"`

	LinkedGroup          string   `json:"linkedGroup"`
	LinkedTasks          []string `json:"linkedTasks"`
	LinkedExecutionOrder int      `json:"linkedExecutionOrder"`
}

// EffectiveTransferType returns the resolved type, defaulting to "up" and
// folding "standard" into "up".
func (t *TaskDefinition) EffectiveTransferType() TransferType {
	switch t.TransferType {
	case TransferDown:
		return TransferDown
	case "", TransferStandard, TransferUp:
		return TransferUp
	default:
		return TransferUp
	}
}

// PostUpdateKey returns the column fed into the post-update's generated
// WHERE clause: PostUpdateMapping.TableKey if set, otherwise
// ExistenceCheck.Key[0].
func (t *TaskDefinition) PostUpdateKey() string {
	if t.PostUpdateMapping.TableKey != "" {
		return t.PostUpdateMapping.TableKey
	}
	if len(t.ValidationRules.ExistenceCheck.Key) > 0 {
		return t.ValidationRules.ExistenceCheck.Key[0]
	}
	return ""
}

// Validate enforces the invariant from spec §3: a postUpdateQuery requires
// a non-empty key to build its WHERE clause.
func (t *TaskDefinition) Validate() error {
	if t.PostUpdateQuery != "" && t.PostUpdateKey() == "" {
		return errors.Join(ErrInvalidTask, errors.New("postUpdateQuery set without postUpdateMapping.tableKey or existenceCheck.key"))
	}
	return nil
}

// MergeKeys returns the deduplicated union of ExistenceCheck.Key and
// RequiredFields, preserving first-seen order.
func (t *TaskDefinition) MergeKeys() []string {
	seen := make(map[string]struct{}, len(t.ValidationRules.ExistenceCheck.Key)+len(t.ValidationRules.RequiredFields))
	var out []string
	add := func(cols []string) {
		for _, c := range cols {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	add(t.ValidationRules.ExistenceCheck.Key)
	add(t.ValidationRules.RequiredFields)
	return out
}

// HasLinks reports whether this task participates in a linked group, either
// via LinkedGroup (which takes precedence) or an explicit LinkedTasks set.
func (t *TaskDefinition) HasLinks() bool {
	return t.LinkedGroup != "" || len(t.LinkedTasks) > 0
}
