package transfer

import (
	"context"
	"fmt"
	"strings"

	"github.com/bridgeflow/transfer-engine/internal/sqlgateway"
)

// encodeMergeKey builds the existingSet signature for row over keys, in the
// "k1:v1|k2:v2|..." form from spec §4.6, encoding a missing/nil value as
// the literal NULL rather than an empty string so it can't collide with a
// genuinely empty value.
func encodeMergeKey(row map[string]any, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			parts[i] = k + ":NULL"
			continue
		}
		parts[i] = fmt.Sprintf("%s:%v", k, v)
	}
	return strings.Join(parts, "|")
}

// loadExistingSet pre-loads the destination's distinct key tuples into an
// in-memory set, per spec §4.6 Preparing. Returning an error here degrades
// the caller to "no pre-check": insertion continues and relies on
// DB-level unique violations.
func loadExistingSet(ctx context.Context, conn sqlgateway.Conn, table string, keys []string) (map[string]struct{}, error) {
	cols := make([]string, len(keys))
	for i, k := range keys {
		cols[i] = sqlgateway.QuoteIdent(k)
	}
	q := fmt.Sprintf("SELECT DISTINCT %s FROM %s", strings.Join(cols, ", "), sqlgateway.Qualify(table))

	rows, err := conn.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(keys))
		for i, k := range keys {
			if i < len(vals) {
				row[k] = vals[i]
			}
		}
		set[encodeMergeKey(row, keys)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return set, nil
}
