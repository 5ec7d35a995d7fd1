package sqlgateway

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// RowStream is a lazy, finite sequence of rows. It is restartable only by
// issuing a new StreamQuery call, and only one reader may be active per
// connection at a time — both match spec §4.1.
type RowStream struct {
	rows   pgx.Rows
	fields []pgconn.FieldDescription
}

// StreamQuery executes sqlText and returns a RowStream the caller must
// Close when done (or after it is exhausted — Next returns false and the
// underlying pgx.Rows is already closed at that point, so Close is a
// no-op double-close guard).
func (g *Gateway) StreamQuery(ctx context.Context, conn Conn, sqlText string, params map[string]any) (*RowStream, error) {
	text, args, err := bindNamed(sqlText, params)
	if err != nil {
		return nil, domainQueryError(err)
	}

	rows, err := conn.Query(ctx, text, args...)
	if err != nil {
		return nil, classify(err)
	}
	return &RowStream{rows: rows, fields: rows.FieldDescriptions()}, nil
}

// Next advances the stream. It must be called before the first Row.
func (s *RowStream) Next() bool {
	return s.rows.Next()
}

// Row returns the current row as a column-name-keyed map.
func (s *RowStream) Row() (map[string]any, error) {
	vals, err := s.rows.Values()
	if err != nil {
		return nil, classify(err)
	}
	return rowFromValues(s.fields, vals), nil
}

// Err returns any error encountered during iteration.
func (s *RowStream) Err() error {
	if err := s.rows.Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Close releases the underlying driver rows. Safe to call multiple times.
func (s *RowStream) Close() {
	s.rows.Close()
}
