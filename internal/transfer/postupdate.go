package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bridgeflow/transfer-engine/internal/domain"
	"github.com/bridgeflow/transfer-engine/internal/sqlgateway"
)

const postUpdateWindowSize = 500

// cnPrefix is the domain-specific key-format normalization spec §4.6/§4.7
// apply to every post-update key: stripped unconditionally, not
// generalized into configuration (spec §9 flags this as a domain rule, not
// a system invariant).
const cnPrefix = "CN"

// RunPostUpdateWindowsWithReconnect executes postUpdateQuery against conn in
// windows of 500 keys, per spec §4.6 PostUpdating / §4.7 step 4. It is
// exported so the Linked Group Coordinator (C7) can drive the same
// normalization and error policy for its single coordinated post-update
// across a group's combined affectedKeys.
//
// A window failure is logged and skipped — it never fails the overall
// execution (spec §7 ErrorKind.PostUpdatePartial) — except a
// ConnectionTransient failure, which reconnects once via reconnect and
// retries that window before giving up on it. Returns the (possibly
// reconnected) connection so the caller can keep using it.
func RunPostUpdateWindowsWithReconnect(ctx context.Context, gateway *sqlgateway.Gateway, conn sqlgateway.Conn, reconnect func(ctx context.Context) (sqlgateway.Conn, error), postUpdateQuery, postKey string, keys []string, logger *slog.Logger) sqlgateway.Conn {
	for i := 0; i < len(keys); i += postUpdateWindowSize {
		end := i + postUpdateWindowSize
		if end > len(keys) {
			end = len(keys)
		}
		window := keys[i:end]

		err := runPostUpdateWindow(ctx, gateway, conn, postUpdateQuery, postKey, window)
		if err == nil {
			continue
		}
		if !domain.IsKind(err, domain.KindConnectionTransient) {
			logger.Warn("post-update window failed, skipping", "window_start", i, "window_size", len(window), "error", err)
			continue
		}

		newConn, rerr := reconnect(ctx)
		if rerr != nil {
			logger.Warn("post-update window reconnect failed, skipping window", "window_start", i, "error", rerr)
			continue
		}
		conn = newConn
		if err := runPostUpdateWindow(ctx, gateway, conn, postUpdateQuery, postKey, window); err != nil {
			logger.Warn("post-update window failed after reconnect, skipping", "window_start", i, "window_size", len(window), "error", err)
		}
	}
	return conn
}

func runPostUpdateWindow(ctx context.Context, gateway *sqlgateway.Gateway, conn sqlgateway.Conn, postUpdateQuery, postKey string, keys []string) error {
	params := make(map[string]any, len(keys))
	placeholders := make([]string, len(keys))
	for i, k := range keys {
		name := fmt.Sprintf("k%d", i)
		params[name] = strings.TrimPrefix(k, cnPrefix)
		placeholders[i] = "@" + name
	}
	query := fmt.Sprintf("%s WHERE %s IN (%s)", postUpdateQuery, sqlgateway.QuoteIdent(postKey), strings.Join(placeholders, ", "))
	_, err := gateway.Exec(ctx, conn, query, params)
	return err
}
