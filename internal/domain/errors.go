package domain

import (
	"errors"
	"fmt"
)

// ServerKey identifies one of the two external databases the engine moves
// rows between.
type ServerKey string

const (
	ServerA ServerKey = "A"
	ServerB ServerKey = "B"
)

// Kind is the abstract error taxonomy from spec §7. Every error the engine
// surfaces wraps exactly one Kind via TransferError so callers can use
// IsKind/errors.As instead of sniffing substrings.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionTransient
	KindConnectionFatal
	KindMissingTable
	KindDuplicateKey
	KindQueryFatal
	KindCancelled
	KindPostUpdatePartial
)

func (k Kind) String() string {
	switch k {
	case KindConnectionTransient:
		return "connection_transient"
	case KindConnectionFatal:
		return "connection_fatal"
	case KindMissingTable:
		return "missing_table"
	case KindDuplicateKey:
		return "duplicate_key"
	case KindQueryFatal:
		return "query_fatal"
	case KindCancelled:
		return "cancelled"
	case KindPostUpdatePartial:
		return "post_update_partial"
	default:
		return "unknown"
	}
}

// sentinels holds one error per Kind; TransferError.Unwrap returns the
// Kind's entry when the TransferError wraps no underlying error.
var sentinels = map[Kind]error{
	KindConnectionTransient: errors.New("connection transient"),
	KindConnectionFatal:     errors.New("connection fatal"),
	KindMissingTable:        errors.New("missing table"),
	KindDuplicateKey:        errors.New("duplicate key"),
	KindQueryFatal:          errors.New("query fatal"),
	KindCancelled:           errors.New("cancelled"),
	KindPostUpdatePartial:   errors.New("post update partial"),
}

// TransferError is the concrete error type every component in this module
// returns for a classified failure.
type TransferError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *TransferError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	return e.Kind.String()
}

func (e *TransferError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return sentinels[e.Kind]
}

// NewError wraps err (may be nil) as a classified TransferError.
func NewError(kind Kind, detail string, err error) *TransferError {
	return &TransferError{Kind: kind, Detail: detail, Err: err}
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}
