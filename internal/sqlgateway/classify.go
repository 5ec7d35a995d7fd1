package sqlgateway

import (
	"context"
	"errors"
	"strings"

	"github.com/bridgeflow/transfer-engine/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// duplicateSubstrings are the canonical SQL Server duplicate-key
// signatures from spec §6.4, kept alongside the pgx SQLSTATE check so the
// classifier stays correct if this gateway is ever pointed at a SQL Server
// driver instead of pgx.
var duplicateSubstrings = []string{"PRIMARY KEY", "UNIQUE KEY", "duplicate key"}

// Classify turns a driver error into a *domain.TransferError carrying one
// of the seven Kinds from spec §7. It is exported so other components that
// talk to the same drivers (connsupervisor's liveness probe, in
// particular) reuse this single classification point instead of
// re-sniffing substrings themselves.
func Classify(err error) error {
	return classify(err)
}

// classify is the unexported implementation Classify and every caller in
// this package route through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewError(domain.KindCancelled, "", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return domain.NewError(domain.KindDuplicateKey, pgErr.ConstraintName, err)
		case pgErr.Code == "42P01":
			return domain.NewError(domain.KindMissingTable, pgErr.Message, err)
		case strings.HasPrefix(pgErr.Code, "28"): // invalid_authorization_specification
			return domain.NewError(domain.KindConnectionFatal, pgErr.Message, err)
		case strings.HasPrefix(pgErr.Code, "08"): // connection_exception
			return domain.NewError(domain.KindConnectionTransient, pgErr.Message, err)
		case strings.HasPrefix(pgErr.Code, "22"), strings.HasPrefix(pgErr.Code, "42"):
			return domain.NewError(domain.KindQueryFatal, pgErr.Message, err)
		default:
			return domain.NewError(domain.KindQueryFatal, pgErr.Message, err)
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewError(domain.KindQueryFatal, "no rows", err)
	}

	msg := err.Error()
	for _, sub := range duplicateSubstrings {
		if strings.Contains(msg, sub) {
			return domain.NewError(domain.KindDuplicateKey, msg, err)
		}
	}
	if containsAny(msg, "timeout", "connection", "reset", "state") {
		return domain.NewError(domain.KindConnectionTransient, msg, err)
	}
	if containsAny(msg, "no such table", "does not exist", "missing table") {
		return domain.NewError(domain.KindMissingTable, msg, err)
	}
	if containsAny(msg, "authentication", "permission denied", "address not found", "no such host") {
		return domain.NewError(domain.KindConnectionFatal, msg, err)
	}

	return domain.NewError(domain.KindQueryFatal, msg, err)
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
