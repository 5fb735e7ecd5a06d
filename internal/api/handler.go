package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/executor"
	"github.com/shaiso/Convect/internal/mq"
	"github.com/shaiso/Convect/internal/repo"
	"github.com/shaiso/Convect/internal/storage"
	"github.com/shaiso/Convect/internal/vizman"
)

// JobStore — операции над леджером jobs.
// Реализуется repo.JobRepo.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	UpdateStatus(ctx context.Context, job *domain.Job, from domain.JobStatus) error
	List(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error)
}

// RunStore — операции над леджером runs.
// Реализуется repo.RunRepo.
type RunStore interface {
	Create(ctx context.Context, run *domain.ScenarioRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ScenarioRun, error)
	Update(ctx context.Context, run *domain.ScenarioRun, from domain.RunStatus) error
	List(ctx context.Context, filter repo.RunFilter) ([]domain.ScenarioRun, error)
}

// VizService — управление viz-серверами.
// Реализуется vizman.Manager.
type VizService interface {
	Ensure(ctx context.Context, casePath string) (*domain.VizServer, bool, error)
	Stop(ctx context.Context, casePath string) error
	Touch(ctx context.Context, casePath string) error
	Get(ctx context.Context, casePath string) (*domain.VizServer, error)
	List(ctx context.Context) ([]domain.VizServer, error)
	Stats(ctx context.Context) (vizman.Stats, error)
}

// Publisher — события для executor и engine.
// Реализуется mq.Publisher.
type Publisher interface {
	PublishJobSubmitted(ctx context.Context, jobID uuid.UUID, casePath string) error
	PublishJobCancel(ctx context.Context, jobID uuid.UUID) error
	PublishRunPending(ctx context.Context, runID uuid.UUID) error
	PublishRunDecision(ctx context.Context, payload mq.RunDecisionPayload) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	jobs       JobStore
	runs       RunStore
	viz        VizService
	store      *storage.CaseStore
	runner     *executor.Runner
	publisher  Publisher
	maxRetries int
	logger     *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Jobs  JobStore
	Runs  RunStore
	Viz   VizService
	Store *storage.CaseStore

	// Runner — для синхронного POST /api/v1/commands.
	Runner *executor.Runner

	// Publisher (опционально; без него executor/engine работают
	// на polling fallback).
	Publisher Publisher

	// MaxRetries — лимит retry для создаваемых runs.
	MaxRetries int

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		jobs:       cfg.Jobs,
		runs:       cfg.Runs,
		viz:        cfg.Viz,
		store:      cfg.Store,
		runner:     cfg.Runner,
		publisher:  cfg.Publisher,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}
}
