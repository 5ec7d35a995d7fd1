package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bridgeflow/transfer-engine/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultProbeInterval = 5 * time.Minute
	databaseThreshold    = 3
	connectionThreshold  = 5
	defaultCooldown      = 30 * time.Minute
	maxRecoveryAttempts  = 3
	reinitSettle         = 5 * time.Second
)

// errorKind distinguishes the two counters registerError bumps.
type errorKind int

const (
	kindDatabase errorKind = iota
	kindConnection
)

// Recoverer is the narrow surface Monitor needs to recover the Server A/B
// pools; *connsupervisor.Supervisor satisfies it via CloseAll/Reinit. The
// repository pool is not covered by it: its recovery is injected separately
// via WithDatabaseRecovery, since it lives behind its own pgxpool.Pool
// outside the Supervisor.
type Recoverer interface {
	CloseAll()
	Reinit(ctx context.Context) error
}

// Monitor is the Health Monitor (C9): a ticking probe that escalates to
// recovery once a dependency's error counter crosses its threshold, then
// cools down before trying again, per spec §4.9.
type Monitor struct {
	repoPinger  Pinger
	connPingers []Pinger
	connRecov   Recoverer
	logger      *slog.Logger
	gauge       *prometheus.GaugeVec

	interval time.Duration
	cooldown time.Duration

	mu                         sync.Mutex
	dbErrors                   int
	connErrors                 int
	lastRecoveryAt             time.Time
	recoveryAttempts           int
	manualInterventionRequired bool
	recoverDatabaseFunc        func(ctx context.Context) error

	probeNow chan struct{}
}

// NewMonitor builds a Monitor. repoPinger probes the task-repository pool;
// connPingers probes Server A and B reachability (typically
// supervisor.PingerFor(domain.ServerA) and PingerFor(domain.ServerB)) — a
// failure on either counts as one connection-counter increment for the
// tick; connRecov recovers the A/B connection pools. Wire the repository
// pool's own recovery via WithDatabaseRecovery, since it is not owned by
// the Supervisor.
func NewMonitor(repoPinger Pinger, connPingers []Pinger, connRecov Recoverer, logger *slog.Logger, reg prometheus.Registerer) *Monitor {
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "transferengine",
		Name:      "health_monitor_error_count",
		Help:      "Consecutive health-probe failures by counter (database, connection).",
	}, []string{"counter"})
	reg.MustRegister(gauge)

	return &Monitor{
		repoPinger:  repoPinger,
		connPingers: connPingers,
		connRecov:   connRecov,
		logger:      logger.With("component", "health_monitor"),
		gauge:       gauge,
		interval:    defaultProbeInterval,
		cooldown:    defaultCooldown,
		probeNow:    make(chan struct{}, 1),
	}
}

// Run ticks every m.interval (or immediately on a RegisterError-triggered
// probe) until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", "interval", m.interval)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor shut down")
			return
		case <-ticker.C:
			m.probe(ctx)
		case <-m.probeNow:
			m.probe(ctx)
		}
	}
}

// RegisterError lets other components bump a counter out-of-band and
// schedules an immediate probe rather than waiting for the next tick.
func (m *Monitor) RegisterError(kind errorKind, err error) {
	m.mu.Lock()
	switch kind {
	case kindDatabase:
		m.dbErrors++
	case kindConnection:
		m.connErrors++
	}
	m.mu.Unlock()

	m.logger.Warn("external component reported a health error", "kind", kind, "error", err)
	select {
	case m.probeNow <- struct{}{}:
	default:
	}
}

// RegisterDatabaseError is the exported entry point for database-kind faults.
func (m *Monitor) RegisterDatabaseError(err error) { m.RegisterError(kindDatabase, err) }

// RegisterConnectionError is the exported entry point for A/B connection faults.
func (m *Monitor) RegisterConnectionError(err error) { m.RegisterError(kindConnection, err) }

func (m *Monitor) probe(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dbOK := m.repoPinger.Ping(checkCtx) == nil
	abOK := true
	for _, p := range m.connPingers {
		if p.Ping(checkCtx) != nil {
			abOK = false
			break
		}
	}

	m.mu.Lock()
	if dbOK {
		m.dbErrors = 0
	} else {
		m.dbErrors++
	}
	if abOK {
		m.connErrors = 0
	} else {
		m.connErrors++
	}
	dbErrors, connErrors := m.dbErrors, m.connErrors
	m.mu.Unlock()

	m.gauge.WithLabelValues("database").Set(float64(dbErrors))
	m.gauge.WithLabelValues("connection").Set(float64(connErrors))

	if dbErrors >= databaseThreshold {
		m.tryRecover(ctx, "database", m.recoverDatabase)
	}
	if connErrors >= connectionThreshold {
		m.tryRecover(ctx, "connection", m.recoverConnections)
	}
}

// tryRecover enforces the cooldown and attempt cap before invoking recover,
// per spec §4.9.
func (m *Monitor) tryRecover(ctx context.Context, target string, recover func(ctx context.Context) error) {
	m.mu.Lock()
	if m.manualInterventionRequired {
		m.mu.Unlock()
		return
	}
	if m.recoveryAttempts >= maxRecoveryAttempts {
		m.manualInterventionRequired = true
		m.mu.Unlock()
		m.logger.Error("recovery attempts exhausted, manual intervention required", "target", target, "attempts", m.recoveryAttempts)
		metrics.RecoveryAttemptsTotal.WithLabelValues(target, "exhausted").Inc()
		return
	}
	if !m.lastRecoveryAt.IsZero() && time.Since(m.lastRecoveryAt) < m.cooldown {
		m.mu.Unlock()
		return
	}
	m.recoveryAttempts++
	m.lastRecoveryAt = time.Now()
	attempt := m.recoveryAttempts
	m.mu.Unlock()

	m.logger.Warn("attempting recovery", "target", target, "attempt", attempt)
	if err := recover(ctx); err != nil {
		m.logger.Error("recovery failed", "target", target, "attempt", attempt, "error", err)
		metrics.RecoveryAttemptsTotal.WithLabelValues(target, "failure").Inc()
		if attempt >= maxRecoveryAttempts {
			m.mu.Lock()
			m.manualInterventionRequired = true
			m.mu.Unlock()
			m.logger.Error("recovery attempts exhausted, manual intervention required", "target", target, "attempts", attempt)
			metrics.RecoveryAttemptsTotal.WithLabelValues(target, "exhausted").Inc()
		}
		return
	}

	m.logger.Info("recovery succeeded", "target", target, "attempt", attempt)
	metrics.RecoveryAttemptsTotal.WithLabelValues(target, "success").Inc()

	m.mu.Lock()
	switch target {
	case "database":
		m.dbErrors = 0
	case "connection":
		m.connErrors = 0
	}
	m.mu.Unlock()
}

// recoverDatabase closes and re-opens the repository pool's connection.
// There is no repository-specific Recoverer here: the repository pool is a
// *pgxpool.Pool managed by cmd/transferengine, which wires its own
// close-and-reopen closure in as recoverDatabaseFunc via WithDatabaseRecovery.
func (m *Monitor) recoverDatabase(ctx context.Context) error {
	if m.recoverDatabaseFunc == nil {
		return nil
	}
	return m.recoverDatabaseFunc(ctx)
}

// recoverConnections closes and re-initializes the A/B connection pools via
// the Supervisor, with a brief settle delay before reopening.
func (m *Monitor) recoverConnections(ctx context.Context) error {
	m.connRecov.CloseAll()
	select {
	case <-time.After(reinitSettle):
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.connRecov.Reinit(ctx)
}

// recoverDatabaseFunc is injected by WithDatabaseRecovery; kept as a field
// rather than a constructor parameter so NewMonitor's signature stays
// focused on the two Pingers and the connection Recoverer.
func (m *Monitor) WithDatabaseRecovery(fn func(ctx context.Context) error) *Monitor {
	m.recoverDatabaseFunc = fn
	return m
}

// WithInterval overrides the default 5-minute probe interval. Call before Run.
func (m *Monitor) WithInterval(interval time.Duration) *Monitor {
	if interval > 0 {
		m.interval = interval
	}
	return m
}

// WithCooldown overrides the default 30-minute post-recovery cooldown.
func (m *Monitor) WithCooldown(cooldown time.Duration) *Monitor {
	if cooldown > 0 {
		m.cooldown = cooldown
	}
	return m
}
