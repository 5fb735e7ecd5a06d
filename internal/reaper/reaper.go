package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/mq"
	"github.com/shaiso/Convect/internal/repo"
	"github.com/shaiso/Convect/internal/telemetry"
)

// cronParser — парсер cron-выражений (стандартные 5 полей).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// VizReaper убирает viz-серверы: простаивающие останавливает,
// записи о мёртвых вычищает.
type VizReaper interface {
	Reap(ctx context.Context, idleThreshold time.Duration) (stopped, cleaned int, err error)
}

// JobLedger — операции над ledger'ом, нужные reaper'у.
type JobLedger interface {
	ListStaleInProgress(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error)
	UpdateStatus(ctx context.Context, job *domain.Job, from domain.JobStatus) error
}

// Publisher уведомляет подписчиков о job'ах, добитых reaper'ом.
type Publisher interface {
	PublishJobCompleted(ctx context.Context, payload mq.JobCompletedPayload) error
}

// Reaper — фоновый уборщик.
type Reaper struct {
	jobs      JobLedger
	viz       VizReaper
	publisher Publisher
	logger    *slog.Logger

	cronExpr       string
	idleThreshold  time.Duration
	staleThreshold time.Duration
	batchSize      int
	isLeader       func(ctx context.Context) (bool, error)
}

// Config — конфигурация Reaper.
type Config struct {
	Jobs      JobLedger
	Viz       VizReaper // nil: уборка viz-серверов выключена
	Publisher Publisher // nil: события jobs.completed не публикуются
	Logger    *slog.Logger

	// IsLeader проверяется перед каждым sweep'ом; false — sweep
	// пропускается. nil: экземпляр всегда лидер.
	IsLeader func(ctx context.Context) (bool, error)

	Cron           string        // cron-выражение запуска sweep'а (default: */1 * * * *)
	IdleThreshold  time.Duration // простой viz-сервера до остановки (default: 30m)
	StaleThreshold time.Duration // возраст IN_PROGRESS job до ERROR (default: 2h)
	BatchSize      int           // jobs за один sweep (default: 100)
}

// New создаёт новый Reaper.
func New(cfg Config) *Reaper {
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "*/1 * * * *"
	}
	idle := cfg.IdleThreshold
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	stale := cfg.StaleThreshold
	if stale <= 0 {
		stale = 2 * time.Hour
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Reaper{
		jobs:           cfg.Jobs,
		viz:            cfg.Viz,
		publisher:      cfg.Publisher,
		logger:         logger,
		cronExpr:       cronExpr,
		idleThreshold:  idle,
		staleThreshold: stale,
		batchSize:      batchSize,
		isLeader:       cfg.IsLeader,
	}
}

// Run выполняет sweep'ы по cron-расписанию до отмены контекста.
func (r *Reaper) Run(ctx context.Context) error {
	schedule, err := cronParser.Parse(r.cronExpr)
	if err != nil {
		return fmt.Errorf("parse reaper cron %q: %w", r.cronExpr, err)
	}

	r.logger.Info("reaper started",
		"cron", r.cronExpr,
		"idle_threshold", r.idleThreshold,
		"stale_threshold", r.staleThreshold,
	)

	for {
		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("reaper stopped")
			return ctx.Err()
		case <-timer.C:
		}

		if r.isLeader != nil {
			leader, err := r.isLeader(ctx)
			if err != nil {
				r.logger.Error("leader check failed", "error", err)
				continue
			}
			if !leader {
				r.logger.Debug("not the leader, skipping sweep")
				continue
			}
		}

		if err := r.Sweep(ctx); err != nil {
			r.logger.Error("sweep failed", "error", err)
		}
	}
}

// Sweep выполняет один проход уборки.
//
// Ошибка одной фазы не блокирует остальные.
func (r *Reaper) Sweep(ctx context.Context) error {
	var errs []error

	if r.viz != nil {
		stopped, cleaned, err := r.viz.Reap(ctx, r.idleThreshold)
		if err != nil {
			errs = append(errs, fmt.Errorf("reap viz servers: %w", err))
		}
		if stopped > 0 {
			telemetry.ReapedTotal.WithLabelValues("viz_idle").Add(float64(stopped))
		}
		if cleaned > 0 {
			telemetry.ReapedTotal.WithLabelValues("viz_dead").Add(float64(cleaned))
		}
		if stopped > 0 || cleaned > 0 {
			r.logger.Info("viz servers reaped", "stopped", stopped, "cleaned", cleaned)
		}
	}

	reclaimed, err := r.reapStaleJobs(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("reap stale jobs: %w", err))
	}
	if reclaimed > 0 {
		telemetry.ReapedTotal.WithLabelValues("stale_job").Add(float64(reclaimed))
		r.logger.Info("stale jobs reclaimed", "count", reclaimed)
	}

	return errors.Join(errs...)
}

// reapStaleJobs переводит осиротевшие IN_PROGRESS jobs в ERROR.
//
// Job, не обновлявшийся дольше staleThreshold, считается потерянным:
// executor либо упал, либо потерял соединение с БД. CAS-переход
// защищает от гонки с executor'ом, завершившим job между выборкой
// и обновлением.
func (r *Reaper) reapStaleJobs(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.staleThreshold)

	jobs, err := r.jobs.ListStaleInProgress(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var reclaimed int
	for i := range jobs {
		job := &jobs[i]

		job.MarkError(domain.ErrorCategoryInternal,
			fmt.Sprintf("job stuck in IN_PROGRESS for over %s, executor presumed lost", r.staleThreshold), nil)

		if err := r.jobs.UpdateStatus(ctx, job, domain.JobStatusInProgress); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				// Executor успел завершить job — это не ошибка
				continue
			}
			r.logger.Error("failed to reclaim stale job", "job_id", job.ID, "error", err)
			continue
		}

		reclaimed++
		r.logger.Warn("stale job reclaimed",
			"job_id", job.ID,
			"kind", job.Kind,
			"case_path", job.CasePath,
		)
		r.publishCompletion(ctx, job)
	}

	return reclaimed, nil
}

// publishCompletion будит engine, ждущий добитый job.
func (r *Reaper) publishCompletion(ctx context.Context, job *domain.Job) {
	if r.publisher == nil {
		return
	}

	payload := mq.JobCompletedPayload{
		JobID:    job.ID,
		Kind:     job.Kind,
		CasePath: job.CasePath,
		Status:   job.Status,
	}
	if job.ErrorDetail != nil {
		payload.Error = job.ErrorDetail.Message
	}

	if err := r.publisher.PublishJobCompleted(ctx, payload); err != nil {
		r.logger.Warn("failed to publish job.completed", "job_id", job.ID, "error", err)
	}
}
