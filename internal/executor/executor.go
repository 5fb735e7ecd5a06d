package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/mq"
	"github.com/shaiso/Convect/internal/storage"
)

// Default configuration values.
const (
	defaultPollInterval   = 10 * time.Second
	defaultBatchSize      = 50
	defaultWorkers        = 4
	defaultDefaultTimeout = 10 * time.Minute
)

// Ledger — операции над леджером jobs, нужные executor'у.
// Реализуется repo.JobRepo.
type Ledger interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	UpdateStatus(ctx context.Context, job *domain.Job, from domain.JobStatus) error
	ListSubmitted(ctx context.Context, limit int) ([]domain.Job, error)
}

// Publisher публикует события о завершении jobs.
// Реализуется mq.Publisher.
type Publisher interface {
	PublishJobCompleted(ctx context.Context, payload mq.JobCompletedPayload) error
}

// VizNotifier поднимает visualization server для кейса после
// успешного завершения job.
// Реализуется vizman.Manager.
type VizNotifier interface {
	Ensure(ctx context.Context, casePath string) (*domain.VizServer, bool, error)
}

// Executor выполняет внешние процессы по jobs из леджера.
//
// Executor — stateless компонент системы, который:
//   - Получает jobs из очереди RabbitMQ (event-driven)
//   - Периодически проверяет SUBMITTED jobs в БД (polling fallback)
//   - Выполняет процесс в отдельной process group с таймаутом
//   - Переводит job по CAS-переходам SUBMITTED → IN_PROGRESS → terminal
//   - После успеха mesh/solver jobs поднимает visualization server (best-effort)
//   - Отправляет событие в очередь jobs.completed
//
// Executors масштабируются горизонтально — несколько экземпляров
// могут потреблять из одной очереди; CAS-переход гарантирует,
// что job выполнится ровно одним из них.
type Executor struct {
	ledger Ledger
	store  *storage.CaseStore
	runner *Runner

	publisher Publisher
	conn      *mq.Connection
	viz       VizNotifier

	jobConsumer    *mq.Consumer
	cancelConsumer *mq.Consumer

	pollInterval time.Duration
	batchSize    int
	slots        chan struct{}

	// Активные jobs: job ID → cancel функции их контекстов.
	inflight   map[uuid.UUID]context.CancelFunc
	inflightMu sync.Mutex

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Executor.
type Config struct {
	// Ledger (обязательно)
	Ledger Ledger

	// Case storage (обязательно)
	Store *storage.CaseStore

	// MQ (опционально; без них работает только polling)
	Publisher Publisher
	Conn      *mq.Connection

	// Viz (опционально; без него серверы не поднимаются после jobs)
	Viz VizNotifier

	// Runner (опционально; если nil — Runner с дефолтами)
	Runner *Runner

	// Workers — предел одновременно выполняемых jobs (default: 4)
	Workers int

	// Polling configuration
	PollInterval time.Duration // интервал polling (default: 10s)
	BatchSize    int           // количество jobs за один poll (default: 50)

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Executor.
func New(cfg Config) *Executor {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runner := cfg.Runner
	if runner == nil {
		runner = &Runner{DefaultTimeout: defaultDefaultTimeout}
	}

	return &Executor{
		ledger:       cfg.Ledger,
		store:        cfg.Store,
		runner:       runner,
		publisher:    cfg.Publisher,
		conn:         cfg.Conn,
		viz:          cfg.Viz,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		slots:        make(chan struct{}, workers),
		inflight:     make(map[uuid.UUID]context.CancelFunc),
		logger:       logger,
	}
}

// Start запускает Executor.
//
// Запускает:
//   - Consumer для jobs.submitted
//   - Consumer для jobs.cancel
//   - Polling горутину для fallback
func (e *Executor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancelFunc = cancel

	e.logger.Info("starting executor",
		"poll_interval", e.pollInterval,
		"batch_size", e.batchSize,
		"workers", cap(e.slots),
	)

	if e.conn != nil {
		e.jobConsumer = mq.NewConsumer(e.conn, e.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueJobsSubmitted),
			Handler:  e.handleJobSubmitted,
			Prefetch: cap(e.slots),
		})
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.jobConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("job consumer error", "error", err)
			}
		}()

		e.cancelConsumer = mq.NewConsumer(e.conn, e.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueJobsCancel),
			Handler:  e.handleJobCancel,
			Prefetch: 1,
		})
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.cancelConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("cancel consumer error", "error", err)
			}
		}()
	}

	// Запускаем polling
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()

	e.logger.Info("executor started")
	return nil
}

// Stop останавливает Executor.
//
// Активные процессы получают отмену контекста и убиваются
// вместе со своими process groups.
func (e *Executor) Stop() {
	e.stoppedMu.Lock()
	e.stopped = true
	e.stoppedMu.Unlock()

	e.logger.Info("stopping executor...")

	if e.cancelFunc != nil {
		e.cancelFunc()
	}

	if e.jobConsumer != nil {
		e.jobConsumer.Stop()
	}
	if e.cancelConsumer != nil {
		e.cancelConsumer.Stop()
	}

	// Ждём завершения горутин
	e.wg.Wait()

	e.logger.Info("executor stopped")
}

// IsStopped проверяет, остановлен ли Executor.
func (e *Executor) IsStopped() bool {
	e.stoppedMu.RLock()
	defer e.stoppedMu.RUnlock()
	return e.stopped
}

// Cancel отменяет выполняющийся job.
//
// Если job выполняется этим экземпляром — его process group
// убивается и job завершается с категорией cancelled.
// Если job здесь не выполняется — возвращает ErrJobNotFound.
func (e *Executor) Cancel(jobID uuid.UUID) error {
	e.inflightMu.Lock()
	cancel, ok := e.inflight[jobID]
	e.inflightMu.Unlock()

	if !ok {
		return ErrJobNotFound
	}
	cancel()
	return nil
}

// InflightCount возвращает число выполняемых сейчас jobs.
func (e *Executor) InflightCount() int {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	return len(e.inflight)
}

// pollLoop — цикл polling для fallback.
func (e *Executor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем jobs созданные пока были выключены)
	e.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (e *Executor) poll(ctx context.Context) {
	jobs, err := e.ledger.ListSubmitted(ctx, e.batchSize)
	if err != nil {
		e.logger.Error("failed to list submitted jobs", "error", err)
		return
	}

	if len(jobs) == 0 {
		return
	}

	e.logger.Debug("poll found submitted jobs", "count", len(jobs))

	for i := range jobs {
		job := &jobs[i]

		if err := e.dispatch(ctx, job.ID); err != nil {
			if errors.Is(err, ErrJobNotSubmitted) {
				continue
			}
			e.logger.Error("failed to process job from poll",
				"job_id", job.ID,
				"error", err,
			)
		}
	}
}

// dispatch выполняет job, занимая один из worker-слотов.
func (e *Executor) dispatch(ctx context.Context, jobID uuid.UUID) error {
	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		return ErrExecutorStopped
	}
	defer func() { <-e.slots }()

	return e.processJob(ctx, jobID)
}
