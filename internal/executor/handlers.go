package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/mq"
	"github.com/shaiso/Convect/internal/repo"
	"github.com/shaiso/Convect/internal/telemetry"
)

// handleJobSubmitted обрабатывает событие о новом job из очереди jobs.submitted.
func (e *Executor) handleJobSubmitted(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.JobSubmittedPayload](&delivery.Message)
	if err != nil {
		e.logger.Error("failed to parse job.submitted payload", "error", err)
		return err
	}

	e.logger.Debug("received job.submitted event",
		"job_id", payload.JobID,
		"case_path", payload.CasePath,
	)

	if err := e.dispatch(ctx, payload.JobID); err != nil {
		// Ожидаемые ситуации — не возвращаем ошибку (ack)
		if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrJobNotSubmitted) {
			e.logger.Debug("job not processed", "job_id", payload.JobID, "reason", err)
			return nil
		}
		if errors.Is(err, ErrExecutorStopped) {
			return err
		}
		e.logger.Error("failed to process job", "job_id", payload.JobID, "error", err)
		return err
	}

	return nil
}

// handleJobCancel обрабатывает запрос отмены из очереди jobs.cancel.
//
// Отмена адресована всем executor'ам (fanout по очереди): каждый
// проверяет свой inflight-реестр, выполняющий — убивает процесс.
func (e *Executor) handleJobCancel(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.JobCancelPayload](&delivery.Message)
	if err != nil {
		e.logger.Error("failed to parse job.cancel payload", "error", err)
		return err
	}

	if err := e.Cancel(payload.JobID); err != nil {
		// Job выполняется не здесь — это нормально
		e.logger.Debug("cancel: job not running on this executor", "job_id", payload.JobID)
		return nil
	}

	e.logger.Info("job cancelled", "job_id", payload.JobID)
	return nil
}

// processJob загружает job из леджера, выполняет процесс и записывает результат.
func (e *Executor) processJob(ctx context.Context, jobID uuid.UUID) error {
	// 1. Загружаем job из БД
	job, err := e.ledger.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return fmt.Errorf("get job: %w", err)
	}

	// 2. Проверяем статус
	if job.Status != domain.JobStatusSubmitted {
		return ErrJobNotSubmitted
	}

	// 3. Помечаем как IN_PROGRESS (CAS: проигравший конкуренту — выходит)
	job.MarkInProgress()
	if err := e.ledger.UpdateStatus(ctx, job, domain.JobStatusSubmitted); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return ErrJobNotSubmitted
		}
		return fmt.Errorf("update job to in_progress: %w", err)
	}

	e.logger.Info("job started",
		"job_id", job.ID,
		"kind", job.Kind,
		"case_path", job.CasePath,
		"command", job.Command,
	)

	// 4. Рабочая директория — директория case (или явный Cwd)
	dir, err := e.workDir(job)
	if err != nil {
		job.MarkError(domain.ErrorCategoryInternal, err.Error(), nil)
		return e.finishJob(ctx, job)
	}

	// 5. Выполняем в отменяемом контексте, регистрируя в inflight
	jobCtx, cancel := context.WithCancel(ctx)
	e.inflightMu.Lock()
	e.inflight[job.ID] = cancel
	e.inflightMu.Unlock()
	defer func() {
		cancel()
		e.inflightMu.Lock()
		delete(e.inflight, job.ID)
		e.inflightMu.Unlock()
	}()

	result, runErr := e.runner.Run(jobCtx, Spec{
		Command: job.Command,
		Args:    job.Args,
		Env:     job.Env,
		Dir:     dir,
		Timeout: job.Timeout(),
	})

	// 6. Обрабатываем результат
	switch {
	case runErr != nil && errors.Is(runErr, ErrInvalidCommand):
		job.MarkError(domain.ErrorCategoryInvalidCommand, runErr.Error(), nil)
	case runErr != nil:
		job.MarkError(domain.ErrorCategoryInternal, runErr.Error(), nil)
	case result.TimedOut:
		job.MarkError(domain.ErrorCategoryTimeout,
			fmt.Sprintf("timed out after %s\n%s", result.Duration.Round(timeRound), outputTail(result)),
			nil)
	case result.Cancelled:
		job.MarkError(domain.ErrorCategoryCancelled, "cancelled by user", nil)
	case result.ExitCode != 0:
		code := result.ExitCode
		job.MarkError(domain.ErrorCategoryNonzeroExit,
			fmt.Sprintf("exit code %d\n%s", code, outputTail(result)),
			&code)
	default:
		job.MarkSucceeded(0, successMessage(job, result))
	}

	return e.finishJob(ctx, job)
}

// finishJob записывает терминальный (или WAITING_APPROVAL) статус,
// публикует событие и best-effort поднимает viz-сервер.
func (e *Executor) finishJob(ctx context.Context, job *domain.Job) error {
	if err := e.ledger.UpdateStatus(ctx, job, domain.JobStatusInProgress); err != nil {
		return fmt.Errorf("update job to %s: %w", job.Status, err)
	}

	telemetry.JobsTotal.WithLabelValues(string(job.Kind), string(job.Status)).Inc()
	if d := job.Duration(); d > 0 {
		telemetry.JobDuration.WithLabelValues(string(job.Kind)).Observe(d.Seconds())
	}

	if job.Status == domain.JobStatusError {
		e.logger.Warn("job failed",
			"job_id", job.ID,
			"kind", job.Kind,
			"category", job.ErrorDetail.Category,
		)
	} else {
		e.logger.Info("job finished",
			"job_id", job.ID,
			"kind", job.Kind,
			"status", job.Status,
		)
	}

	e.publishCompletion(ctx, job)

	// Успешный mesh/solver job — поднимаем сервер визуализации результатов.
	// Ошибка здесь не влияет на статус job.
	if e.viz != nil && job.Kind != domain.JobKindCommand &&
		job.Status != domain.JobStatusError {
		if _, _, err := e.viz.Ensure(ctx, job.CasePath); err != nil {
			e.logger.Warn("failed to start viz server after job",
				"job_id", job.ID,
				"case_path", job.CasePath,
				"error", err,
			)
		}
	}

	return nil
}

// publishCompletion публикует событие job.completed.
func (e *Executor) publishCompletion(ctx context.Context, job *domain.Job) {
	if e.publisher == nil {
		e.logger.Warn("publisher not available, skipping job.completed publish",
			"job_id", job.ID,
		)
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

	if err := e.publisher.PublishJobCompleted(ctx, payload); err != nil {
		e.logger.Warn("failed to publish job.completed",
			"job_id", job.ID,
			"error", err,
		)
		// Не возвращаем ошибку — job записан в БД, engine подхватит через polling
	}
}

// workDir возвращает рабочую директорию процесса.
func (e *Executor) workDir(job *domain.Job) (string, error) {
	if job.Cwd != "" {
		return job.Cwd, nil
	}
	if e.store == nil || job.CasePath == "" {
		return "", nil
	}
	dir, err := e.store.EnsureCaseDir(job.CasePath)
	if err != nil {
		return "", fmt.Errorf("resolve case dir: %w", err)
	}
	return dir, nil
}

// timeRound — округление длительностей в сообщениях.
const timeRound = 10 * time.Millisecond

// tailLimit — сколько хвоста stdout/stderr уносится в сообщение об ошибке.
const tailLimit = 4096

// outputTail возвращает хвосты stdout/stderr для сообщений об ошибках.
func outputTail(r *Result) string {
	var b strings.Builder
	if out := tail(r.Stdout); out != "" {
		b.WriteString("stdout:\n")
		b.WriteString(out)
	}
	if errOut := tail(r.Stderr); errOut != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n")
		b.WriteString(errOut)
	}
	return strings.TrimRight(b.String(), "\n")
}

func tail(s string) string {
	if len(s) <= tailLimit {
		return s
	}
	return "..." + s[len(s)-tailLimit:]
}

// successMessage — сообщение для успешно завершённого job.
func successMessage(job *domain.Job, result *Result) string {
	msg := fmt.Sprintf("finished in %s", result.Duration.Round(timeRound))
	if job.Kind == domain.JobKindMeshGeneration {
		msg += ", awaiting mesh approval"
	}
	return msg
}
