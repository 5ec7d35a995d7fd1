// Package sqlgateway implements the typed query / bulk-insert boundary (C1)
// between the transfer engine and the two external SQL servers. It is the
// only package in this module that knows about parameter binding, column
// introspection, and driver-specific error classification.
package sqlgateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// schema is the fixed destination schema from the data model (§3): task
// names double as table names within schema "dbo".
const schema = "dbo"

// Conn is the subset of *pgxpool.Pool / *pgxpool.Conn / pgx.Tx the gateway
// needs. Keeping it as an interface lets callers pass a pooled connection,
// a leased single connection, or a transaction interchangeably.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Gateway is stateless aside from the caches spec §4.6 calls out as
// engine-owned (column types, max lengths) — one Gateway is safe to share
// across every concurrent task invocation.
type Gateway struct {
	logger *slog.Logger

	columnTypesCache sync.Map // table -> map[string]string
	maxLenCache      sync.Map // table+"."+column -> int
}

// New returns a Gateway. logger is annotated with component=sqlgateway.
func New(logger *slog.Logger) *Gateway {
	return &Gateway{logger: logger.With("component", "sqlgateway")}
}

// QueryResult is the outcome of Query.
type QueryResult struct {
	Rows         []map[string]any
	RowsAffected int64
}

// Query substitutes named parameters and executes sqlText, materializing
// every row into memory. Use StreamQuery for large recordsets.
func (g *Gateway) Query(ctx context.Context, conn Conn, sqlText string, params map[string]any) (*QueryResult, error) {
	text, args, err := bindNamed(sqlText, params)
	if err != nil {
		return nil, domainQueryError(err)
	}

	rows, err := conn.Query(ctx, text, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	result := &QueryResult{}
	fields := rows.FieldDescriptions()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, classify(err)
		}
		result.Rows = append(result.Rows, rowFromValues(fields, vals))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	result.RowsAffected = int64(len(result.Rows))
	return result, nil
}

// Exec substitutes named parameters and executes sqlText for its side
// effect (UPDATE/DELETE and the like), returning rows affected. Unlike
// Query it never attempts to read back a result set, which matters for
// statements such as the post-update windows in §4.6/§4.7 that carry no
// RETURNING clause.
func (g *Gateway) Exec(ctx context.Context, conn Conn, sqlText string, params map[string]any) (int64, error) {
	text, args, err := bindNamed(sqlText, params)
	if err != nil {
		return 0, domainQueryError(err)
	}

	tag, err := conn.Exec(ctx, text, args...)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

func rowFromValues(fields []pgconn.FieldDescription, vals []any) map[string]any {
	out := make(map[string]any, len(fields))
	for i, f := range fields {
		if i < len(vals) {
			out[f.Name] = vals[i]
		}
	}
	return out
}

// qualify returns the fully-qualified, identifier-safe table name.
func qualify(table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// Qualify exposes qualify to callers outside this package (the transfer
// engine's count/existingSet queries) that need a schema-qualified table
// name but don't otherwise depend on the gateway's Conn abstraction.
func Qualify(table string) string {
	return qualify(table)
}

// QuoteIdent sanitizes a single (non-table) identifier, such as a column
// name used to build a dynamic SELECT DISTINCT list.
func QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func domainQueryError(err error) error {
	return fmt.Errorf("bind parameters: %w", err)
}
