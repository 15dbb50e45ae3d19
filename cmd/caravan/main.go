package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/caravan-social/caravan/internal/adminops"
	"github.com/caravan-social/caravan/internal/app"
	"github.com/caravan-social/caravan/internal/audit"
	audithttp "github.com/caravan-social/caravan/internal/audit/http"
	"github.com/caravan-social/caravan/internal/authz"
	"github.com/caravan-social/caravan/internal/identity"
	"github.com/caravan-social/caravan/internal/mfa"
	"github.com/caravan-social/caravan/internal/observability"
	"github.com/caravan-social/caravan/internal/platform/cache"
	"github.com/caravan-social/caravan/internal/platform/db"
	"github.com/caravan-social/caravan/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	locks := cache.NewLocks(redisClient, cfg.LockTTL)

	store := authz.NewPGStore(pool)
	identityStore := identity.NewPGStore(pool)
	auditRepo := audit.NewPGRepository(pool)

	catalog := authz.NewCatalog(store, logger)
	identityService := identity.NewService(identityStore, catalog, locks, logger)
	engine := authz.NewEngine(store, identityService, locks, logger)

	if cfg.SeedOnStart {
		if err := authz.Seed(ctx, catalog, engine, "system"); err != nil {
			logger.Error("seed catalog", slog.Any("error", err))
			os.Exit(1)
		}
	}

	auditService := audit.NewService(auditRepo)

	resolver := mfa.NewResolver(identityService, mfa.DefaultRoleRequirements(), mfa.DefaultActionRequirements())
	authorizer := mfa.NewAuthorizer(engine, resolver, auditRepo, logger)

	policy := adminops.NewPolicy(identityService, engine, nil, nil, logger)

	metrics := observability.NewMetrics()
	mw := authz.Middleware{Engine: engine, Logger: logger, Observe: metrics.ObserveDecision}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		AuthzHandler:    authz.NewHandler(logger, catalog, engine),
		IdentityHandler: identity.NewHandler(logger, identityService, mw),
		MFAHandler:      mfa.NewHandler(logger, resolver, authorizer, mw),
		AdminHandler:    adminops.NewHandler(logger, policy, mw),
		AuditHandler:    audithttp.NewHandler(logger, auditService),
		JobsHandler:     jobsHandler,
		AuthzMiddleware: mw,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exit", slog.Any("error", err))
		os.Exit(1)
	}
}
