// Package app wires configuration, storage, the deployment orchestrator,
// and the HTTP surface into a running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/instancer/internal/auth"
	"github.com/wisbric/instancer/internal/config"
	"github.com/wisbric/instancer/internal/httpserver"
	"github.com/wisbric/instancer/internal/platform"
	"github.com/wisbric/instancer/internal/telemetry"
	"github.com/wisbric/instancer/pkg/catalog"
	"github.com/wisbric/instancer/pkg/deploy"
	"github.com/wisbric/instancer/pkg/instance"
	"github.com/wisbric/instancer/pkg/notify"
	"github.com/wisbric/instancer/pkg/session"
	"github.com/wisbric/instancer/pkg/user"
)

// shutdownTimeout bounds how long in-flight HTTP requests may take once
// shutdown begins. The worker pool has no such bound: it drains its queue.
const shutdownTimeout = 10 * time.Second

// Run is the main application entry point. It blocks until ctx is
// cancelled and the orchestrator has drained, or a fatal error occurs.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.Logging.Format, cfg.Logging.Level)
	slog.SetDefault(logger)

	logger.Info("starting instancer",
		"listen", cfg.Settings.ListenOn,
		"workers", cfg.Settings.WorkerCount,
		"max_concurrent_challenges", cfg.Settings.MaxConcurrentChallenges,
	)

	// Database
	db, err := platform.OpenSQLite(ctx, cfg.Database.FilePath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := platform.RunMigrations(db); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	logger.Info("migrations applied")

	// Catalog
	cat, err := catalog.Load(cfg, logger)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	logger.Info("catalog loaded", "challenges", cat.Len())

	// Stores
	users := user.NewStore(db)
	instances := instance.NewStore(db)
	sessions := auth.NewSessionStore(db)
	if err := sessions.PurgeExpired(ctx); err != nil {
		logger.Warn("purging expired sessions", "error", err)
	}

	// Metrics
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	// Orchestrator
	notifier := notify.NewSlackNotifier(cfg.Slack.BotToken, cfg.Slack.Channel, logger)
	pool := deploy.NewPool(
		int(cfg.Settings.WorkerCount),
		deploy.NewQueue(),
		deploy.NewExpiryQueue(),
		deploy.NewBus(),
		instances,
		cat,
		deploy.NewDeployer(logger),
		cfg.Messages,
		notifier,
		logger,
	)

	// Reconcile persisted state before any worker or session runs.
	if err := deploy.Recover(ctx, instances, pool.Queue(), pool.Expiry(), logger); err != nil {
		return fmt.Errorf("recovering persisted state: %w", err)
	}

	// Gateway
	limiters := session.NewLimiters(cfg.Settings.ActionRateEvery, cfg.Settings.ActionRateBurst)
	gateway := session.NewGateway(
		instances,
		cat,
		pool,
		limiters,
		cfg.Settings.MaxConcurrentChallenges,
		cfg.Messages,
		ctx,
		logger,
	)

	// HTTP surface
	srv := httpserver.NewServer(logger, db, metricsReg)

	flow := auth.NewFlowHandler(cfg.Discord, users, sessions, logger)
	srv.Router.Get("/auth/login", flow.HandleLogin)
	srv.Router.Get("/auth/callback", flow.HandleCallback)
	srv.Router.Post("/auth/logout", flow.HandleLogout)

	srv.Router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(sessions, logger))
		r.Get("/ws", gateway.HandleWS)
	})

	httpSrv := &http.Server{
		Addr:    cfg.Settings.ListenOn,
		Handler: srv,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return pool.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Settings.ListenOn)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	return g.Wait()
}
