// Package connsupervisor implements the Connection Supervisor (C2): pooled
// connections per server, liveness probing, and exponential-backoff
// reconnect.
package connsupervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bridgeflow/transfer-engine/internal/domain"
	"github.com/bridgeflow/transfer-engine/internal/sqlgateway"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	maxAttempts       = 3
	perAttemptTimeout = 60 * time.Second
	baseBackoff       = 3 * time.Second
	maxBackoff        = 30 * time.Second
)

// Supervisor owns one pgxpool.Pool per server key and is safe for
// concurrent use by every engine invocation.
type Supervisor struct {
	logger *slog.Logger

	mu    sync.RWMutex
	dsns  map[domain.ServerKey]string
	pools map[domain.ServerKey]*pgxpool.Pool
}

// Stats reports leased/idle connection counts for a server.
type Stats struct {
	AcquiredConns int32
	IdleConns     int32
	TotalConns    int32
}

// New returns an uninitialized Supervisor; call Init to open the pools.
func New(logger *slog.Logger, dsns map[domain.ServerKey]string) *Supervisor {
	return &Supervisor{
		logger: logger.With("component", "connsupervisor"),
		dsns:   dsns,
		pools:  make(map[domain.ServerKey]*pgxpool.Pool, len(dsns)),
	}
}

// Init opens a tuned pool for every configured server and pings it once.
// Grounded on postgres.NewPool's tuning knobs, applied per server here
// instead of once for a single database.
func (s *Supervisor) Init(ctx context.Context) error {
	for key, dsn := range s.dsns {
		pool, err := s.openPool(ctx, dsn)
		if err != nil {
			s.CloseAll()
			return fmt.Errorf("init pool %s: %w", key, err)
		}
		s.mu.Lock()
		s.pools[key] = pool
		s.mu.Unlock()
	}
	return nil
}

func (s *Supervisor) openPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.ConnectTimeout = perAttemptTimeout

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func (s *Supervisor) pool(key domain.ServerKey) (*pgxpool.Pool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[key]
	return p, ok
}

// Acquire runs robustAcquire (spec §4.2): up to 3 attempts, 60s connect
// timeout per attempt, backoff 3s × 1.5^(n-1) capped at 30s, with a
// "SELECT 1" liveness probe on every acquired connection.
func (s *Supervisor) Acquire(ctx context.Context, key domain.ServerKey) (*pgxpool.Conn, error) {
	pool, ok := s.pool(key)
	if !ok {
		return nil, domain.NewError(domain.KindConnectionFatal, fmt.Sprintf("no pool configured for server %s", key), nil)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conn, err := s.attemptAcquire(ctx, pool)
		if err == nil {
			return conn, nil
		}

		if domain.IsKind(err, domain.KindConnectionFatal) {
			return nil, err
		}
		lastErr = err

		s.logger.Warn("acquire attempt failed", "server", key, "attempt", attempt, "error", err)
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, domain.NewError(domain.KindConnectionTransient, "context cancelled during backoff", ctx.Err())
		case <-time.After(backoffFor(attempt)):
		}
	}
	return nil, lastErr
}

func (s *Supervisor) attemptAcquire(ctx context.Context, pool *pgxpool.Pool) (*pgxpool.Conn, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
	defer cancel()

	conn, err := pool.Acquire(attemptCtx)
	if err != nil {
		return nil, sqlgateway.Classify(err)
	}

	var one int
	if err := conn.QueryRow(attemptCtx, "SELECT 1").Scan(&one); err != nil {
		conn.Release()
		return nil, sqlgateway.Classify(err)
	}
	return conn, nil
}

func backoffFor(attempt int) time.Duration {
	d := time.Duration(float64(baseBackoff) * math.Pow(1.5, float64(attempt-1)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Release returns conn to its pool. Safe to call with a nil conn.
func (s *Supervisor) Release(conn *pgxpool.Conn) {
	if conn != nil {
		conn.Release()
	}
}

// Diagnose probes a server without leasing a connection for the caller.
func (s *Supervisor) Diagnose(ctx context.Context, key domain.ServerKey) (ok bool, detail string) {
	pool, found := s.pool(key)
	if !found {
		return false, "no pool configured"
	}
	if err := pool.Ping(ctx); err != nil {
		return false, err.Error()
	}
	return true, ""
}

// CloseAll closes every pool. Safe to call more than once.
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, pool := range s.pools {
		pool.Close()
		delete(s.pools, key)
	}
}

// Reinit closes and reopens every configured pool — used by the Health
// Monitor's connection-recovery path.
func (s *Supervisor) Reinit(ctx context.Context) error {
	s.CloseAll()
	return s.Init(ctx)
}

// Stats reports pool occupancy for a server, for operational visibility.
func (s *Supervisor) Stats(key domain.ServerKey) (Stats, bool) {
	pool, ok := s.pool(key)
	if !ok {
		return Stats{}, false
	}
	st := pool.Stat()
	return Stats{
		AcquiredConns: st.AcquiredConns(),
		IdleConns:     st.IdleConns(),
		TotalConns:    st.TotalConns(),
	}, true
}

// Ping satisfies health.Pinger for a given server, letting the Health
// Monitor and the Supervisor share one liveness primitive.
type Pinger struct {
	sup *Supervisor
	key domain.ServerKey
}

// PingerFor returns a health.Pinger-compatible view of one server.
func (s *Supervisor) PingerFor(key domain.ServerKey) *Pinger {
	return &Pinger{sup: s, key: key}
}

func (p *Pinger) Ping(ctx context.Context) error {
	ok, detail := p.sup.Diagnose(ctx, p.key)
	if !ok {
		return fmt.Errorf("%s: %s", p.key, detail)
	}
	return nil
}
