package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bridgeflow/transfer-engine/config"
	"github.com/bridgeflow/transfer-engine/internal/cancellation"
	"github.com/bridgeflow/transfer-engine/internal/connsupervisor"
	"github.com/bridgeflow/transfer-engine/internal/domain"
	"github.com/bridgeflow/transfer-engine/internal/health"
	"github.com/bridgeflow/transfer-engine/internal/infrastructure/postgres"
	"github.com/bridgeflow/transfer-engine/internal/linkgroup"
	ctxlog "github.com/bridgeflow/transfer-engine/internal/log"
	"github.com/bridgeflow/transfer-engine/internal/metrics"
	"github.com/bridgeflow/transfer-engine/internal/notify"
	"github.com/bridgeflow/transfer-engine/internal/opshttp"
	"github.com/bridgeflow/transfer-engine/internal/opshttp/handler"
	"github.com/bridgeflow/transfer-engine/internal/progressbus"
	"github.com/bridgeflow/transfer-engine/internal/scheduler"
	"github.com/bridgeflow/transfer-engine/internal/sqlgateway"
	"github.com/bridgeflow/transfer-engine/internal/transfer"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	repoPool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("task repository db: %v", err)
	}
	defer repoPool.Close()
	logger.Info("task repository connected")

	supervisor := connsupervisor.New(logger, map[domain.ServerKey]string{
		domain.ServerA: cfg.ServerADSN,
		domain.ServerB: cfg.ServerBDSN,
	})
	if err := supervisor.Init(ctx); err != nil {
		stop()
		log.Fatalf("connection supervisor: %v", err)
	}
	defer supervisor.CloseAll()
	logger.Info("connection supervisor initialized")

	metrics.Register()

	taskRepo := postgres.NewTaskRepository(repoPool, logger)
	gateway := sqlgateway.New(logger)
	bus := progressbus.New()
	cancels := cancellation.New()

	cancelStop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(cancelStop)
	}()
	go cancels.Run(cancelStop, 0)

	engineCfg := transfer.DefaultConfig()
	engineCfg.BatchSize = cfg.BatchSize
	engineCfg.InsertSubBatch = cfg.InsertSubBatch
	engineCfg.MaxDuplicatesReported = cfg.MaxDuplicatesReported
	engineCfg.ForceGCEveryBatch = cfg.ForceGCEveryBatch

	engine := transfer.New(taskRepo, gateway, supervisor, bus, cancels, engineCfg, logger)
	coordinator := linkgroup.New(taskRepo, engine, supervisor, gateway, logger)

	notifier := notify.New(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, splitRecipients(cfg.ResendTo), logger)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		stop()
		log.Fatalf("timezone: %v", err)
	}
	sched := scheduler.New(taskRepo, coordinator, notifier, logger, loc)
	if cfg.CronEnabled {
		if err := sched.SetEnabled(true, cfg.CronHour); err != nil {
			stop()
			log.Fatalf("scheduler: %v", err)
		}
		logger.Info("cron trigger enabled", "hour", cfg.CronHour, "timezone", cfg.Timezone)
	}

	checker := health.NewChecker(repoPool, logger, prometheus.DefaultRegisterer)
	monitor := health.NewMonitor(
		repoPool,
		[]health.Pinger{supervisor.PingerFor(domain.ServerA), supervisor.PingerFor(domain.ServerB)},
		supervisor,
		logger,
		prometheus.DefaultRegisterer,
	)
	monitor.WithDatabaseRecovery(func(context.Context) error {
		repoPool.Reset()
		return nil
	}).WithInterval(cfg.HealthInterval()).WithCooldown(cfg.RecoveryCooldown())
	go monitor.Run(ctx)

	router := opshttp.NewRouter(
		logger,
		handler.NewHealthHandler(checker),
		handler.NewTaskHandler(coordinator, bus, logger),
	)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		logger.Info("opshttp server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("opshttp server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("opshttp server shutdown", "error", err)
	}

	logger.Info("transfer engine shut down")
}

func splitRecipients(to string) []string {
	if to == "" {
		return nil
	}
	parts := strings.Split(to, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
