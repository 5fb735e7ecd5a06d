package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/mq"
)

// defaultJobPoll — интервал опроса статуса job (fallback к событиям).
const defaultJobPoll = 2 * time.Second

// JobLedger — операции над леджером jobs, нужные агентам.
// Реализуется repo.JobRepo.
type JobLedger interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)
}

// JobPublisher публикует события о новых jobs.
// Реализуется mq.Publisher.
type JobPublisher interface {
	PublishJobSubmitted(ctx context.Context, jobID uuid.UUID, casePath string) error
}

// JobEvents будит ожидающих завершения job.
// Реализуется engine.Engine.
type JobEvents interface {
	SubscribeJob(jobID uuid.UUID) (<-chan mq.JobCompletedPayload, func())
}

// CommandAgent выполняет шаг, отправляя job в леджер и дожидаясь
// его терминального статуса.
//
// Команда берётся из конфигурации агента; параметр run.Params
// с ключом ParamsKey (если задан) может её переопределить.
type CommandAgent struct {
	// Kind — тип создаваемого job.
	Kind domain.JobKind

	// Command, Args — команда по умолчанию.
	Command string
	Args    []string

	// ParamsKey — ключ run.Params с переопределением команды
	// (значение — строка, исполняемый файл).
	ParamsKey string

	// TimeoutSec — таймаут job.
	TimeoutSec int

	// Jobs — леджер (обязательно).
	Jobs JobLedger

	// Publisher — события jobs.submitted (опционально; без него
	// job подхватит polling executor'а).
	Publisher JobPublisher

	// Events — подписка на jobs.completed (опционально; без неё
	// статус опрашивается по таймеру).
	Events JobEvents

	// PollInterval — интервал опроса статуса (default: 2s).
	PollInterval time.Duration

	// Logger
	Logger *slog.Logger
}

// Run отправляет job и ждёт его завершения.
func (a *CommandAgent) Run(ctx context.Context, run *domain.ScenarioRun) (map[string]any, error) {
	command := a.Command
	if a.ParamsKey != "" {
		if override, ok := run.Params[a.ParamsKey].(string); ok && override != "" {
			command = override
		}
	}

	job := domain.NewJob(a.Kind, run.CasePath, command, a.Args)
	job.TimeoutSec = a.TimeoutSec
	if err := a.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if a.Publisher != nil {
		if err := a.Publisher.PublishJobSubmitted(ctx, job.ID, job.CasePath); err != nil && a.Logger != nil {
			a.Logger.Warn("failed to publish job.submitted, relying on executor poll",
				"job_id", job.ID,
				"error", err,
			)
		}
	}

	final, err := a.waitJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	switch final.Status {
	case domain.JobStatusCompleted, domain.JobStatusWaitingApproval:
		return map[string]any{jobIDKey(a.Kind): final.ID.String()}, nil
	case domain.JobStatusRejected:
		return nil, fmt.Errorf("job %s rejected: %s", final.ID, final.Message)
	default:
		if final.ErrorDetail != nil {
			return nil, fmt.Errorf("job %s failed (%s): %s",
				final.ID, final.ErrorDetail.Category, final.ErrorDetail.Message)
		}
		return nil, fmt.Errorf("job %s failed with status %s", final.ID, final.Status)
	}
}

// waitJob ждёт, пока job не покинет SUBMITTED/IN_PROGRESS.
// WAITING_APPROVAL для mesh job — успех шага: одобрение сетки
// происходит на approval gate пайплайна.
func (a *CommandAgent) waitJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	var events <-chan mq.JobCompletedPayload
	if a.Events != nil {
		ch, unsub := a.Events.SubscribeJob(jobID)
		defer unsub()
		events = ch
	}

	pollInterval := a.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultJobPoll
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := a.Jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		if job.Status != domain.JobStatusSubmitted && job.Status != domain.JobStatusInProgress {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-events:
			// Событие пришло — перечитываем статус
		case <-ticker.C:
		}
	}
}

func jobIDKey(kind domain.JobKind) string {
	return string(kind) + "_job_id"
}
