// Convect Reaper — фоновая уборка системы.
//
// Reaper:
//   - Останавливает viz-серверы, простаивающие дольше порога
//   - Вычищает записи о мёртвых viz-процессах
//   - Переводит осиротевшие IN_PROGRESS jobs в ERROR
//
// В кластере работает только один экземпляр: лидерство через
// pg_try_advisory_lock. Session-level lock удерживается до
// завершения процесса, остальные экземпляры пропускают sweep'ы.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Convect/internal/config"
	"github.com/shaiso/Convect/internal/mq"
	"github.com/shaiso/Convect/internal/portpool"
	"github.com/shaiso/Convect/internal/reaper"
	"github.com/shaiso/Convect/internal/repo"
	"github.com/shaiso/Convect/internal/storage"
	"github.com/shaiso/Convect/internal/telemetry"
	"github.com/shaiso/Convect/internal/vizman"
)

// reaperLockKey — ключ advisory lock для выборов лидера.
const reaperLockKey int64 = 727272

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting convect-reaper")

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
		logger.Warn("RabbitMQ not available, reclaimed jobs will be found by polling", "error", err)
	} else {
		defer mqConn.Close()
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
		Pool:   ports,
		Grace:  cfg.Viz.Grace(),
		Logger: logger,
	})

	// Выборы лидера: session-level advisory lock живёт на соединении
	// пула, поэтому держим его выделенным до завершения
	leaderConn, err := pool.Acquire(ctx)
	if err != nil {
		logger.Error("failed to acquire leader connection", "error", err)
		os.Exit(1)
	}
	defer func() {
		_, _ = leaderConn.Exec(context.Background(), "select pg_advisory_unlock($1)", reaperLockKey)
		leaderConn.Release()
	}()

	isLeader := func(ctx context.Context) (bool, error) {
		var ok bool
		err := leaderConn.QueryRow(ctx, "select pg_try_advisory_lock($1)", reaperLockKey).Scan(&ok)
		return ok, err
	}

	reaperCfg := reaper.Config{
		Jobs:           jobRepo,
		Viz:            viz,
		IsLeader:       isLeader,
		Logger:         logger,
		Cron:           cfg.Reaper.Cron,
		IdleThreshold:  cfg.Viz.IdleThreshold(),
		StaleThreshold: cfg.Reaper.StaleJobThreshold(),
	}
	if publisher != nil {
		// Типизированный nil в интерфейсном поле сломал бы проверки
		reaperCfg.Publisher = publisher
	}
	r := reaper.New(reaperCfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":8084"
	if v := os.Getenv("REAPER_PORT"); v != "" {
		addr = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	if err := r.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("reaper failed", "error", err)
		os.Exit(1)
	}

	logger.Info("convect-reaper stopped")
}
