// Convect Engine — ведёт пайплайны CFD-сценариев.
//
// Engine:
//   - Забирает PENDING runs через CAS-переход в RUNNING
//   - Выполняет шаги пайплайна зарегистрированными агентами
//   - Останавливается на approval gate и ждёт решения человека
//   - Применяет retry/restart по решению recovery handler
//   - Усыновляет осиротевшие RUNNING runs после рестарта
//
// Решения (approve/reject/cancel) приходят из RabbitMQ от API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Convect/internal/agents"
	"github.com/shaiso/Convect/internal/config"
	"github.com/shaiso/Convect/internal/engine"
	"github.com/shaiso/Convect/internal/mq"
	"github.com/shaiso/Convect/internal/portpool"
	"github.com/shaiso/Convect/internal/repo"
	"github.com/shaiso/Convect/internal/storage"
	"github.com/shaiso/Convect/internal/telemetry"
	"github.com/shaiso/Convect/internal/vizman"
)

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting convect-engine")

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	jobRepo := repo.NewJobRepo(pool)
	runRepo := repo.NewRunRepo(pool)
	vizRepo := repo.NewVizRepo(pool)

	store, err := storage.NewCaseStore(cfg.DataDir)
	if err != nil {
		logger.Error("failed to init case storage", "error", err)
		os.Exit(1)
	}

	var publisher *mq.Publisher
	mqConn, err := mq.NewConnection(mq.URL(), logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		publisher = mq.NewPublisher(mqConn, logger)
	}

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

	registry := engine.NewRegistry()
	eng := engine.New(engine.Config{
		Runs:             runRepo,
		Registry:         registry,
		Conn:             mqConn,
		RejectResumeStep: cfg.Engine.RejectResumeStep,
		Logger:           logger,
	})

	// Агенты подписываются на jobs.completed через сам engine,
	// поэтому регистрируем их после его создания
	deps := agents.Deps{
		Jobs:   jobRepo,
		Events: eng,
		Viz:    viz,
		Config: cfg,
		Logger: logger,
	}
	if publisher != nil {
		// Типизированный nil в интерфейсном поле сломал бы проверки
		deps.Publisher = publisher
	}
	agents.Wire(registry, deps)

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":8083"
	if v := os.Getenv("ENGINE_PORT"); v != "" {
		addr = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	eng.Stop()
	logger.Info("convect-engine stopped")
}
