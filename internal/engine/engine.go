package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/mq"
	"github.com/shaiso/Convect/internal/repo"
	"github.com/shaiso/Convect/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 20
	defaultMaxRetries   = 3
	defaultRejectStep   = domain.StepSolverSelection
	defaultRetryDelay   = time.Second
	maxRetryDelay       = 30 * time.Second
)

// RunStore — операции над леджером runs, нужные engine.
// Реализуется repo.RunRepo.
//
// Update — CAS: переход записывается, только если статус в БД
// равен from; иначе repo.ErrConflict.
type RunStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ScenarioRun, error)
	Update(ctx context.Context, run *domain.ScenarioRun, from domain.RunStatus) error
	List(ctx context.Context, filter repo.RunFilter) ([]domain.ScenarioRun, error)
	ListPending(ctx context.Context, limit int) ([]domain.ScenarioRun, error)
}

// activeRun — run, выполняемый этим engine.
type activeRun struct {
	cancel    context.CancelFunc
	decisions chan mq.RunDecisionPayload
}

// Engine выполняет пайплайны сценариев.
//
// Engine — компонент системы, который:
//   - Получает runs из очереди RabbitMQ (event-driven)
//   - Периодически проверяет PENDING runs в БД (polling fallback)
//   - Ведёт каждый run через пайплайн, строго по одному шагу за раз
//   - Ставит run на паузу на approval gate и применяет решения человека
//   - После рестарта подхватывает осиротевшие RUNNING runs
type Engine struct {
	runs     RunStore
	registry *Registry
	recovery RecoveryHandler

	conn *mq.Connection

	pendingConsumer  *mq.Consumer
	decisionConsumer *mq.Consumer
	jobsConsumer     *mq.Consumer

	rejectResumeStep domain.Step
	pollInterval     time.Duration
	batchSize        int
	retryDelay       time.Duration

	active   map[uuid.UUID]*activeRun
	activeMu sync.Mutex

	jobSubs   map[uuid.UUID]map[chan mq.JobCompletedPayload]struct{}
	jobSubsMu sync.Mutex

	logger     *slog.Logger
	baseCtx    context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Engine.
type Config struct {
	// Run store (обязательно)
	Runs RunStore

	// Registry агентов (обязательно)
	Registry *Registry

	// Recovery (опционально; если nil — DefaultRecovery)
	Recovery RecoveryHandler

	// MQ (опционально; без него работает только polling,
	// а решения принимаются только через Decide)
	Conn *mq.Connection

	// RejectResumeStep — шаг, с которого продолжается run после reject
	// (default: SOLVER_SELECTION)
	RejectResumeStep domain.Step

	// Polling configuration
	PollInterval time.Duration // интервал polling (default: 10s)
	BatchSize    int           // количество runs за один poll (default: 20)

	// RetryDelay — базовая пауза перед повтором упавшего шага;
	// растёт экспоненциально с номером retry (default: 1s)
	RetryDelay time.Duration

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Engine.
func New(cfg Config) *Engine {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	rejectStep := cfg.RejectResumeStep
	if !rejectStep.IsValid() {
		rejectStep = defaultRejectStep
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	recovery := cfg.Recovery
	if recovery == nil {
		recovery = DefaultRecovery{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		runs:             cfg.Runs,
		registry:         cfg.Registry,
		recovery:         recovery,
		conn:             cfg.Conn,
		rejectResumeStep: rejectStep,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		retryDelay:       retryDelay,
		active:           make(map[uuid.UUID]*activeRun),
		jobSubs:          make(map[uuid.UUID]map[chan mq.JobCompletedPayload]struct{}),
		logger:           logger,
		baseCtx:          context.Background(),
	}
}

// Start запускает Engine.
//
// Запускает:
//   - Consumer для runs.pending
//   - Consumer для runs.decision
//   - Consumer для jobs.completed (будит агентов, ждущих свои jobs)
//   - Polling горутину для fallback
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancelFunc = cancel
	e.baseCtx = ctx

	e.logger.Info("starting engine",
		"poll_interval", e.pollInterval,
		"batch_size", e.batchSize,
		"reject_resume_step", e.rejectResumeStep,
	)

	if e.conn != nil {
		e.pendingConsumer = mq.NewConsumer(e.conn, e.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueRunsPending),
			Handler:  e.handleRunPending,
			Prefetch: e.batchSize,
		})
		e.decisionConsumer = mq.NewConsumer(e.conn, e.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueRunsDecision),
			Handler:  e.handleRunDecision,
			Prefetch: 1,
		})
		e.jobsConsumer = mq.NewConsumer(e.conn, e.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueJobsCompleted),
			Handler:  e.handleJobCompleted,
			Prefetch: e.batchSize,
		})

		for _, c := range []*mq.Consumer{e.pendingConsumer, e.decisionConsumer, e.jobsConsumer} {
			consumer := c
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					e.logger.Error("consumer error", "error", err)
				}
			}()
		}
	}

	// Запускаем polling
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()

	e.logger.Info("engine started")
	return nil
}

// Stop останавливает Engine.
// Активные runs остаются в своих статусах в БД и будут подхвачены
// после рестарта.
func (e *Engine) Stop() {
	e.stoppedMu.Lock()
	e.stopped = true
	e.stoppedMu.Unlock()

	e.logger.Info("stopping engine...")

	if e.cancelFunc != nil {
		e.cancelFunc()
	}
	for _, c := range []*mq.Consumer{e.pendingConsumer, e.decisionConsumer, e.jobsConsumer} {
		if c != nil {
			c.Stop()
		}
	}

	// Ждём завершения горутин
	e.wg.Wait()

	e.logger.Info("engine stopped")
}

// IsStopped проверяет, остановлен ли Engine.
func (e *Engine) IsStopped() bool {
	e.stoppedMu.RLock()
	defer e.stoppedMu.RUnlock()
	return e.stopped
}

// ActiveCount возвращает число выполняемых сейчас runs.
func (e *Engine) ActiveCount() int {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return len(e.active)
}

// Decide применяет решение человека к run на паузе.
//
// Если run активен на этом engine — решение доставляется в его
// горутину. Если run стоит PAUSED в БД без активной горутины
// (например после рестарта engine) — решение применяется напрямую
// и run при необходимости возобновляется.
func (e *Engine) Decide(ctx context.Context, payload mq.RunDecisionPayload) error {
	e.activeMu.Lock()
	st, ok := e.active[payload.RunID]
	e.activeMu.Unlock()

	if ok {
		select {
		case st.decisions <- payload:
			return nil
		default:
			return fmt.Errorf("run %s: decision already pending", payload.RunID)
		}
	}

	run, err := e.runs.GetByID(ctx, payload.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, payload.RunID)
		}
		return fmt.Errorf("get run: %w", err)
	}
	if !run.Paused() {
		return fmt.Errorf("%w: %s is %s", ErrRunNotActive, run.ID, run.Status)
	}

	resume, err := e.applyDecision(run, payload)
	if err != nil {
		return err
	}
	if err := e.runs.Update(ctx, run, domain.RunStatusPaused); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if resume {
		e.adopt(run)
	} else {
		telemetry.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	}
	return nil
}

// applyDecision переводит run согласно решению.
// Возвращает true, если выполнение должно продолжиться.
func (e *Engine) applyDecision(run *domain.ScenarioRun, payload mq.RunDecisionPayload) (bool, error) {
	switch payload.Decision {
	case mq.DecisionApprove:
		run.MarkResumed(domain.StepUserApproval.Next(), payload.Feedback)
		return true, nil
	case mq.DecisionReject:
		// Reject возвращает run на более ранний шаг с feedback.
		// Retry-счётчики не трогаются: reject — не ошибка шага.
		run.MarkResumed(e.rejectResumeStep, payload.Feedback)
		return true, nil
	case mq.DecisionCancel:
		run.MarkCancelled()
		return false, nil
	default:
		return false, fmt.Errorf("unknown decision %q for run %s", payload.Decision, payload.RunID)
	}
}

// pollLoop — цикл polling для fallback.
func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем runs, осиротевшие
	// после предыдущего рестарта)
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

// poll подхватывает PENDING runs и осиротевшие RUNNING runs.
func (e *Engine) poll(ctx context.Context) {
	pending, err := e.runs.ListPending(ctx, e.batchSize)
	if err != nil {
		e.logger.Error("failed to list pending runs", "error", err)
		return
	}
	for i := range pending {
		if err := e.claim(ctx, pending[i].ID); err != nil {
			e.logger.Error("failed to claim run from poll", "run_id", pending[i].ID, "error", err)
		}
	}

	// RUNNING run без активной горутины — осиротел после рестарта
	running, err := e.runs.List(ctx, repo.RunFilter{Status: domain.RunStatusRunning, Limit: e.batchSize})
	if err != nil {
		e.logger.Error("failed to list running runs", "error", err)
		return
	}
	for i := range running {
		run := running[i]
		if e.isActive(run.ID) {
			continue
		}
		e.logger.Info("adopting orphaned run", "run_id", run.ID, "step", run.CurrentStep)
		e.adopt(&run)
	}
}

// claim берёт PENDING run в работу.
func (e *Engine) claim(ctx context.Context, runID uuid.UUID) error {
	if e.isActive(runID) {
		return nil
	}

	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return fmt.Errorf("get run: %w", err)
	}
	if run.Status != domain.RunStatusPending {
		return ErrRunNotPending
	}

	// CAS от PENDING: из двух engine'ов, увидевших run одновременно,
	// забирает его ровно один
	run.MarkRunning()
	if err := e.runs.Update(ctx, run, domain.RunStatusPending); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return ErrRunNotPending
		}
		return fmt.Errorf("update run to running: %w", err)
	}

	e.logger.Info("run started",
		"run_id", run.ID,
		"case_path", run.CasePath,
	)
	e.adopt(run)
	return nil
}

// adopt регистрирует run как активный и запускает его горутину.
func (e *Engine) adopt(run *domain.ScenarioRun) {
	e.activeMu.Lock()
	if _, ok := e.active[run.ID]; ok {
		e.activeMu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(e.baseCtx)
	st := &activeRun{cancel: cancel, decisions: make(chan mq.RunDecisionPayload, 1)}
	e.active[run.ID] = st
	e.activeMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			e.activeMu.Lock()
			delete(e.active, run.ID)
			e.activeMu.Unlock()
		}()
		e.runLoop(runCtx, run, st)
	}()
}

func (e *Engine) isActive(runID uuid.UUID) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	_, ok := e.active[runID]
	return ok
}

// runLoop ведёт run через пайплайн до терминального статуса.
func (e *Engine) runLoop(ctx context.Context, run *domain.ScenarioRun, st *activeRun) {
	for {
		if err := ctx.Err(); err != nil {
			// Shutdown: run остаётся RUNNING/PAUSED в БД,
			// после рестарта его подхватит poll
			return
		}

		step := run.CurrentStep

		if step == domain.StepComplete {
			run.MarkCompleted()
			if err := e.runs.Update(ctx, run, domain.RunStatusRunning); err != nil {
				e.logger.Error("failed to complete run", "run_id", run.ID, "error", err)
				return
			}
			telemetry.RunsTotal.WithLabelValues(string(run.Status)).Inc()
			e.logger.Info("run completed", "run_id", run.ID)
			return
		}

		if step == domain.StepUserApproval {
			if !e.waitApproval(ctx, run, st) {
				return
			}
			continue
		}

		if !e.executeStep(ctx, run) {
			return
		}
	}
}

// waitApproval ставит run на approval gate и ждёт решения.
// Возвращает false, если run завершён (cancel) или engine остановлен.
func (e *Engine) waitApproval(ctx context.Context, run *domain.ScenarioRun, st *activeRun) bool {
	if !run.Paused() {
		run.MarkPausedForApproval()
		if err := e.runs.Update(ctx, run, domain.RunStatusRunning); err != nil {
			e.logger.Error("failed to pause run", "run_id", run.ID, "error", err)
			return false
		}
		e.logger.Info("run awaiting approval", "run_id", run.ID, "case_path", run.CasePath)
	}

	select {
	case <-ctx.Done():
		return false
	case payload := <-st.decisions:
		resume, err := e.applyDecision(run, payload)
		if err != nil {
			e.logger.Warn("invalid decision ignored", "run_id", run.ID, "error", err)
			return true
		}
		// Params могли дозаписать через API, пока run стоял на паузе —
		// переносим их из БД, чтобы не затереть своей копией
		if fresh, freshErr := e.runs.GetByID(ctx, run.ID); freshErr == nil && fresh.Params != nil {
			run.Params = fresh.Params
		}
		if err := e.runs.Update(ctx, run, domain.RunStatusPaused); err != nil {
			e.logger.Error("failed to apply decision", "run_id", run.ID, "error", err)
			return false
		}
		if !resume {
			telemetry.RunsTotal.WithLabelValues(string(run.Status)).Inc()
			e.logger.Info("run cancelled at approval gate", "run_id", run.ID)
			return false
		}
		e.logger.Info("run resumed",
			"run_id", run.ID,
			"decision", payload.Decision,
			"step", run.CurrentStep,
		)
		return true
	}
}

// executeStep выполняет один шаг run и применяет политику восстановления.
// Возвращает false, если run завершился (FAILED) или произошла
// невосстановимая ошибка леджера.
func (e *Engine) executeStep(ctx context.Context, run *domain.ScenarioRun) bool {
	step := run.CurrentStep

	agent, err := e.registry.Get(step)
	if err != nil {
		run.MarkFailed(err.Error())
		e.finishFailed(ctx, run)
		return false
	}

	e.logger.Debug("executing step", "run_id", run.ID, "step", step)

	out, stepErr := agent.Run(ctx, run)
	if stepErr == nil {
		for k, v := range out {
			if run.Params == nil {
				run.Params = make(map[string]any)
			}
			run.Params[k] = v
		}
		run.CurrentStep = step.Next()
		if err := e.runs.Update(ctx, run, domain.RunStatusRunning); err != nil {
			e.logger.Error("failed to advance run", "run_id", run.ID, "error", err)
			return false
		}
		telemetry.StepsTotal.WithLabelValues(string(step), "success").Inc()
		return true
	}

	telemetry.StepsTotal.WithLabelValues(string(step), "failure").Inc()
	e.logger.Warn("step failed",
		"run_id", run.ID,
		"step", step,
		"retry_count", run.RetryCount(step),
		"error", stepErr,
	)

	decision := e.recovery.Decide(ctx, run, step, stepErr)

	// Лимит retry на шаг — верхняя граница, которую политика
	// восстановления не может превысить
	if decision.Action == ActionRetry && run.RetryCount(step)+1 > run.MaxRetries {
		decision = Decision{
			Action: ActionAbort,
			Reason: fmt.Sprintf("step %s: retry limit %d exhausted: %v", step, run.MaxRetries, stepErr),
		}
	}

	switch decision.Action {
	case ActionRetry:
		run.IncrementRetry(step)
		if err := e.runs.Update(ctx, run, domain.RunStatusRunning); err != nil {
			e.logger.Error("failed to record retry", "run_id", run.ID, "error", err)
			return false
		}
		telemetry.StepRetriesTotal.WithLabelValues(string(step)).Inc()
		// Пауза перед повтором: transient-ошибка не должна сжигать
		// лимит retry мгновенно
		delay := decision.Delay
		if delay <= 0 {
			delay = e.retryBackoff(run.RetryCount(step))
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		return true

	case ActionRestart:
		if !decision.RestartFrom.IsValid() {
			run.MarkFailed(fmt.Sprintf("recovery returned invalid restart step %q", decision.RestartFrom))
			e.finishFailed(ctx, run)
			return false
		}
		run.CurrentStep = decision.RestartFrom
		if err := e.runs.Update(ctx, run, domain.RunStatusRunning); err != nil {
			e.logger.Error("failed to restart run", "run_id", run.ID, "error", err)
			return false
		}
		e.logger.Info("run restarted from earlier step",
			"run_id", run.ID,
			"step", decision.RestartFrom,
			"reason", decision.Reason,
		)
		return true

	default:
		reason := decision.Reason
		if reason == "" {
			reason = stepErr.Error()
		}
		run.MarkFailed(reason)
		e.finishFailed(ctx, run)
		return false
	}
}

func (e *Engine) finishFailed(ctx context.Context, run *domain.ScenarioRun) {
	if err := e.runs.Update(ctx, run, domain.RunStatusRunning); err != nil {
		e.logger.Error("failed to persist failed run", "run_id", run.ID, "error", err)
		return
	}
	telemetry.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	e.logger.Warn("run failed", "run_id", run.ID, "error", run.Error)
}

// retryBackoff — экспоненциальная пауза перед attempt-м повтором:
// base, 2*base, 4*base... не больше maxRetryDelay.
func (e *Engine) retryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := e.retryDelay << (attempt - 1)
	if delay <= 0 || delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// SubscribeJob подписывает на событие завершения job.
// Возвращённая функция снимает подписку.
func (e *Engine) SubscribeJob(jobID uuid.UUID) (<-chan mq.JobCompletedPayload, func()) {
	ch := make(chan mq.JobCompletedPayload, 1)

	e.jobSubsMu.Lock()
	subs, ok := e.jobSubs[jobID]
	if !ok {
		subs = make(map[chan mq.JobCompletedPayload]struct{})
		e.jobSubs[jobID] = subs
	}
	subs[ch] = struct{}{}
	e.jobSubsMu.Unlock()

	return ch, func() {
		e.jobSubsMu.Lock()
		defer e.jobSubsMu.Unlock()
		if subs, ok := e.jobSubs[jobID]; ok {
			delete(subs, ch)
			if len(subs) == 0 {
				delete(e.jobSubs, jobID)
			}
		}
	}
}

// notifyJob будит подписчиков завершившегося job.
func (e *Engine) notifyJob(payload mq.JobCompletedPayload) {
	e.jobSubsMu.Lock()
	defer e.jobSubsMu.Unlock()
	for ch := range e.jobSubs[payload.JobID] {
		select {
		case ch <- payload:
		default:
		}
	}
}
