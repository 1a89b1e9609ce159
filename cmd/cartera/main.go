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

	"github.com/floraexport/cartera/internal/app"
	"github.com/floraexport/cartera/internal/cartera"
	carterahttp "github.com/floraexport/cartera/internal/cartera/http"
	"github.com/floraexport/cartera/internal/editlock"
	"github.com/floraexport/cartera/internal/observability"
	"github.com/floraexport/cartera/internal/platform/cache"
	"github.com/floraexport/cartera/internal/platform/db"
	"github.com/floraexport/cartera/internal/shared"
	"github.com/floraexport/cartera/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN, 0)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	metrics := observability.NewMetrics()

	ledgerRepo := cartera.NewRepository(dbpool, cfg.PGLockTimeout)
	ledgerService := cartera.NewService(ledgerRepo, cartera.ServiceConfig{
		Logger:  logger.With(slog.String("component", "cartera")),
		Metrics: cartera.NewMetrics(metrics.Registerer()),
	})
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	redisOpts, err := cache.Options(cfg.RedisAddr)
	if err != nil {
		logger.Error("redis options", slog.Any("error", err))
		os.Exit(1)
	}
	asynqOpts := asynq.RedisClientOpt{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB}

	jobClient, err := jobs.NewClient(asynqOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(asynqOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	carteraHandler := carterahttp.NewHandler(logger, ledgerService,
		carterahttp.WithIdempotency(idempotencyStore),
		carterahttp.WithStatementQueue(jobClient),
	)
	lockHandler := editlock.NewHandler(editlock.New(redisClient, cfg.EditLockTTL), logger)
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		CarteraHandler:  carteraHandler,
		EditLockHandler: lockHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
