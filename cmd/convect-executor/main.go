// Convect Executor — выполняет внешние команды (солверы, мешеры).
//
// Executor:
//   - Получает jobs из RabbitMQ (плюс polling fallback)
//   - Забирает job через CAS-переход SUBMITTED → IN_PROGRESS
//   - Запускает процесс в отдельной process group с таймаутом
//   - Записывает результат в ledger и публикует jobs.completed
//
// Executors масштабируются горизонтально: CAS гарантирует,
// что job достанется ровно одному.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

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
	logger := telemetry.SetupLogger()
	logger.Info("starting convect-executor")

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

	// Viz manager: после успешного job поднимаем сервер заранее,
	// чтобы пользователь не ждал при открытии результатов
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

	execCfg := executor.Config{
		Ledger: jobRepo,
		Store:  store,
		Conn:   mqConn,
		Viz:    viz,
		Runner: &executor.Runner{
			OutputCap:      cfg.Executor.OutputCapBytes,
			DefaultTimeout: time.Duration(cfg.Executor.DefaultTimeoutSec) * time.Second,
		},
		Workers: cfg.Executor.Workers,
		Logger:  logger,
	}
	if publisher != nil {
		// Типизированный nil в интерфейсном поле сломал бы проверки
		execCfg.Publisher = publisher
	}
	exec := executor.New(execCfg)

	if err := exec.Start(ctx); err != nil {
		logger.Error("failed to start executor", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":8082"
	if v := os.Getenv("EXECUTOR_PORT"); v != "" {
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

	exec.Stop()
	logger.Info("convect-executor stopped")
}
