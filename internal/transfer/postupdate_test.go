package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/bridgeflow/transfer-engine/internal/domain"
	"github.com/bridgeflow/transfer-engine/internal/sqlgateway"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeConn implements sqlgateway.Conn with Exec instrumented; Query/QueryRow
// are never exercised by the post-update path, which issues only UPDATEs.
type fakeConn struct {
	execCalls  []string
	execArgs   [][]any
	execErrs   []error
	execCursor int
}

func (f *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, fmt.Errorf("unexpected Query call")
}

func (f *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (f *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execCalls = append(f.execCalls, sql)
	f.execArgs = append(f.execArgs, args)
	var err error
	if f.execCursor < len(f.execErrs) {
		err = f.execErrs[f.execCursor]
	}
	f.execCursor++
	return pgconn.CommandTag{}, err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunPostUpdateWindows_ChunksByWindowSize(t *testing.T) {
	keys := make([]string, postUpdateWindowSize+1)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
	}
	conn := &fakeConn{}
	gw := sqlgateway.New(discardLogger())

	reconnect := func(context.Context) (sqlgateway.Conn, error) {
		t.Fatal("reconnect should not be called when there is no connection error")
		return nil, nil
	}

	RunPostUpdateWindowsWithReconnect(context.Background(), gw, conn, reconnect,
		"UPDATE dbo.orders SET synced = true", "orderId", keys, discardLogger())

	if len(conn.execCalls) != 2 {
		t.Fatalf("expected 2 windows for %d keys, got %d exec calls", len(keys), len(conn.execCalls))
	}
}

func TestRunPostUpdateWindows_StripsCNPrefix(t *testing.T) {
	conn := &fakeConn{}
	gw := sqlgateway.New(discardLogger())

	RunPostUpdateWindowsWithReconnect(context.Background(), gw, conn, nil,
		"UPDATE dbo.orders SET synced = true", "orderId", []string{"CN1001"}, discardLogger())

	if len(conn.execArgs) != 1 || len(conn.execArgs[0]) != 1 {
		t.Fatalf("expected a single bound argument, got %v", conn.execArgs)
	}
	if conn.execArgs[0][0] != "1001" {
		t.Fatalf("expected CN prefix stripped, got %v", conn.execArgs[0][0])
	}
}

func TestRunPostUpdateWindows_SkipsFailedWindowWithoutAborting(t *testing.T) {
	keys := []string{"1", "2"}
	conn := &fakeConn{execErrs: []error{domain.NewError(domain.KindQueryFatal, "bad column", nil)}}
	gw := sqlgateway.New(discardLogger())

	result := RunPostUpdateWindowsWithReconnect(context.Background(), gw, conn, nil,
		"UPDATE dbo.orders SET synced = true", "orderId", keys, discardLogger())

	if result != conn {
		t.Fatal("a non-connection failure should not trigger reconnect")
	}
	if len(conn.execCalls) != 1 {
		t.Fatalf("expected exactly one attempted window, got %d", len(conn.execCalls))
	}
}

func TestRunPostUpdateWindows_ReconnectsOnceOnTransientFailure(t *testing.T) {
	keys := []string{"1"}
	failing := &fakeConn{execErrs: []error{domain.NewError(domain.KindConnectionTransient, "conn reset", nil)}}
	fresh := &fakeConn{}
	gw := sqlgateway.New(discardLogger())

	reconnectCalls := 0
	reconnect := func(context.Context) (sqlgateway.Conn, error) {
		reconnectCalls++
		return fresh, nil
	}

	result := RunPostUpdateWindowsWithReconnect(context.Background(), gw, failing, reconnect,
		"UPDATE dbo.orders SET synced = true", "orderId", keys, discardLogger())

	if reconnectCalls != 1 {
		t.Fatalf("expected exactly one reconnect, got %d", reconnectCalls)
	}
	if result != fresh {
		t.Fatal("expected the returned conn to be the reconnected one")
	}
	if len(fresh.execCalls) != 1 {
		t.Fatalf("expected the window to be retried once on the fresh conn, got %d", len(fresh.execCalls))
	}
}
