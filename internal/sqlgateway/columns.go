package sqlgateway

import (
	"context"
	"fmt"
)

// GetColumnTypes queries information_schema for table's column -> data
// type mapping. Absence of a column in the returned map means "infer from
// value" per spec §4.1. Results are cached per table for the lifetime of
// the Gateway.
func (g *Gateway) GetColumnTypes(ctx context.Context, conn Conn, table string) (map[string]string, error) {
	if cached, ok := g.columnTypesCache.Load(table); ok {
		return cached.(map[string]string), nil
	}

	rows, err := conn.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`, schema, table)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	types := make(map[string]string)
	for rows.Next() {
		var col, dataType string
		if err := rows.Scan(&col, &dataType); err != nil {
			return nil, classify(err)
		}
		types[col] = dataType
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	g.columnTypesCache.Store(table, types)
	return types, nil
}

// GetColumnMaxLength returns the character_maximum_length for table.column,
// 0 if unbounded or the column is not a character type. The engine caches
// this per column (spec §4.6 step 3); the Gateway caches it too so repeated
// calls across tasks sharing a destination table are cheap.
func (g *Gateway) GetColumnMaxLength(ctx context.Context, conn Conn, table, column string) (int, error) {
	cacheKey := table + "." + column
	if cached, ok := g.maxLenCache.Load(cacheKey); ok {
		return cached.(int), nil
	}

	var maxLen *int
	err := conn.QueryRow(ctx, `
		SELECT character_maximum_length
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND column_name = $3`,
		schema, table, column,
	).Scan(&maxLen)
	if err != nil {
		return 0, classify(err)
	}

	length := 0
	if maxLen != nil {
		length = *maxLen
	}
	g.maxLenCache.Store(cacheKey, length)
	return length, nil
}

// ClearTable unconditionally deletes every row from table. It fails with
// Kind=MissingTable if the table does not exist, per spec §4.1.
func (g *Gateway) ClearTable(ctx context.Context, conn Conn, table string) (int64, error) {
	tag, err := conn.Exec(ctx, fmt.Sprintf("DELETE FROM %s", qualify(table)))
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}
