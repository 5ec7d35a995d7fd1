package sqlgateway

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// ValidateRecord coerces a row in place for safe insertion: undefined (Go:
// a key whose value is nil already satisfies this), empty strings, and
// whitespace-only strings become null; non-finite numbers become 0;
// unparsable dates are dropped (set to nil); composite values (maps,
// slices) are serialized to JSON text. No key is ever removed.
func (g *Gateway) ValidateRecord(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = validateValue(v)
	}
	return out
}

func validateValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		if looksLikeDate(val) && !validDate(val) {
			return nil
		}
		return val
	case float32:
		return finiteOrZero(float64(val))
	case float64:
		return finiteOrZero(val)
	case time.Time:
		if val.IsZero() {
			return nil
		}
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return val
	}
}

func finiteOrZero(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// looksLikeDate is a cheap heuristic: strings containing two '-' or '/' in
// the first 10 characters are treated as date-shaped and validated; any
// other string passes through untouched.
func looksLikeDate(s string) bool {
	head := s
	if len(head) > 10 {
		head = head[:10]
	}
	return strings.Count(head, "-") == 2 || strings.Count(head, "/") == 2
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

func validDate(s string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// SanitizeParams normalizes parameter values before binding: the same
// coercions as ValidateRecord, applied to WHERE-clause parameters rather
// than row data.
func (g *Gateway) SanitizeParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = validateValue(v)
	}
	return out
}
