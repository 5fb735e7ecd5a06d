// Convect API — HTTP-шлюз системы.
//
// API:
//   - Принимает jobs и scenario runs
//   - Проводит решения человека (approve/reject/cancel)
//   - Управляет viz-серверами (ensure/touch/stop)
//   - Выполняет короткие команды синхронно
//
// Долгие команды выполняет convect-executor, пайплайны ведёт
// convect-engine.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Convect/internal/api"
	"github.com/shaiso/Convect/internal/config"
	"github.com/shaiso/Convect/internal/executor"
	"github.com/shaiso/Convect/internal/mq"
	"github.com/shaiso/Convect/internal/portpool"
	"github.com/shaiso/Convect/internal/repo"
	"github.com/shaiso/Convect/internal/storage"
	"github.com/shaiso/Convect/internal/telemetry"
	"github.com/shaiso/Convect/internal/vizman"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting convect-api")

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	// Репозитории
	jobRepo := repo.NewJobRepo(pool)
	runRepo := repo.NewRunRepo(pool)
	vizRepo := repo.NewVizRepo(pool)

	// Хранилище case-директорий
	store, err := storage.NewCaseStore(cfg.DataDir)
	if err != nil {
		logger.Error("failed to init case storage", "error", err)
		os.Exit(1)
	}

	// RabbitMQ (опционально: без него executor/engine живут на polling)
	var publisher *mq.Publisher
	mqConn, err := mq.NewConnection(mq.URL(), logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, downstream daemons fall back to polling", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		publisher = mq.NewPublisher(mqConn, logger)
	}

	// Viz manager: API поднимает серверы по запросу пользователя
	ports, err := portpool.New(cfg.Ports.Min, cfg.Ports.Max)
	if err != nil {
		logger.Error("failed to init port pool", "error", err)
		os.Exit(1)
	}
	viz := vizman.New(vizman.Config{
		Store: vizRepo,
		Launcher: &vizman.ProcessLauncher{
			Command: cfg.Viz.Command,
			Args:    cfg.Viz.Args,
			Store:   store,
			Logger:  logger,
		},
		Pool:           ports,
		StartupTimeout: cfg.Viz.StartupTimeout(),
		Grace:          cfg.Viz.Grace(),
		Logger:         logger,
	})

	apiCfg := api.Config{
		Jobs:  jobRepo,
		Runs:  runRepo,
		Viz:   viz,
		Store: store,
		Runner: &executor.Runner{
			OutputCap:      cfg.Executor.OutputCapBytes,
			DefaultTimeout: time.Duration(cfg.Executor.DefaultTimeoutSec) * time.Second,
		},
		MaxRetries: cfg.Engine.MaxRetries,
		Logger:     logger,
	}
	if publisher != nil {
		// Типизированный nil в интерфейсном поле сломал бы проверки
		apiCfg.Publisher = publisher
	}
	handler := api.NewHandler(apiCfg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	handler.RegisterRoutes(mux)

	addr := ":8080"
	if v := os.Getenv("API_PORT"); v != "" {
		addr = ":" + v
	}

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("convect-api stopped")
}
