package transfer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bridgeflow/transfer-engine/internal/domain"
)

// buildExtractQuery appends a WHERE conjunction derived from task
// parameters to the task's source query, per spec §4.6 Extracting.
func buildExtractQuery(query string, params []domain.Parameter) (string, map[string]any, error) {
	if len(params) == 0 {
		return query, nil, nil
	}

	args := make(map[string]any, len(params))
	clauses := make([]string, 0, len(params))

	for _, p := range params {
		clause, err := appendParam(p, args)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
	}

	return query + " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func appendParam(p domain.Parameter, args map[string]any) (string, error) {
	switch p.Operator {
	case domain.OpBETWEEN:
		bv, err := betweenValue(p.Value)
		if err != nil {
			return "", fmt.Errorf("parameter %s: %w", p.Field, err)
		}
		fromKey, toKey := p.Field+"_from", p.Field+"_to"
		args[fromKey] = bv.From
		args[toKey] = bv.To
		return fmt.Sprintf("%s BETWEEN @%s AND @%s", p.Field, fromKey, toKey), nil

	case domain.OpIN:
		values, err := toSlice(p.Value)
		if err != nil {
			return "", fmt.Errorf("parameter %s: %w", p.Field, err)
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			key := p.Field + "_" + strconv.Itoa(i)
			args[key] = v
			placeholders[i] = "@" + key
		}
		return fmt.Sprintf("%s IN (%s)", p.Field, strings.Join(placeholders, ", ")), nil

	default:
		args[p.Field] = p.Value
		return fmt.Sprintf("%s %s @%s", p.Field, p.Operator, p.Field), nil
	}
}

func betweenValue(v any) (domain.BetweenValue, error) {
	switch vv := v.(type) {
	case domain.BetweenValue:
		return vv, nil
	case map[string]any:
		return domain.BetweenValue{From: vv["from"], To: vv["to"]}, nil
	default:
		return domain.BetweenValue{}, fmt.Errorf("BETWEEN value must carry from/to, got %T", v)
	}
}

func toSlice(v any) ([]any, error) {
	switch vv := v.(type) {
	case []any:
		return vv, nil
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("IN value must be a slice, got %T", v)
	}
}
