package sqlgateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TruncateString trims s to maxLen runes. maxLen <= 0 means unbounded.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}

// InsertTyped builds a single-row parameterized INSERT against table using
// columnTypes where available, falling back to driver type inference from
// the Go value for any column absent from the mapping. It distinguishes
// duplicate-key failures (Kind=DuplicateKey) from any other failure via
// classify.
func (g *Gateway) InsertTyped(ctx context.Context, conn Conn, table string, row map[string]any, columnTypes map[string]string) (int64, error) {
	if len(row) == 0 {
		return 0, errEmptyRow()
	}

	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols) // deterministic column order, easier to reason about/log/test

	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = row[c]
		if dataType, known := columnTypes[c]; known {
			// cast placeholder explicitly when we know the destination type —
			// otherwise pgx infers from the Go value, which is correct for the
			// common case but not when we coerced a value to nil/"" above.
			placeholders[i] = fmt.Sprintf("$%d::%s", i+1, pgCast(dataType))
		} else {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
	}

	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = `"` + strings.ReplaceAll(c, `"`, `""`) + `"`
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qualify(table), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

	tag, err := conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func errEmptyRow() error {
	return classify(fmt.Errorf("insertTyped: empty row"))
}

// pgCast maps an information_schema data_type to the Postgres type name
// used in an explicit "::type" cast on an insert placeholder.
func pgCast(dataType string) string {
	switch dataType {
	case "character varying", "varchar", "text", "char", "character":
		return "text"
	case "integer", "int", "int4":
		return "integer"
	case "bigint", "int8":
		return "bigint"
	case "numeric", "decimal":
		return "numeric"
	case "double precision", "float8":
		return "double precision"
	case "boolean", "bool":
		return "boolean"
	case "timestamp without time zone", "timestamp":
		return "timestamp"
	case "timestamp with time zone", "timestamptz":
		return "timestamptz"
	case "date":
		return "date"
	default:
		return "text"
	}
}
