package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Convect/internal/domain"
)

// RunRepo — репозиторий для работы с scenario runs.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

// Create создаёт новый run.
func (r *RunRepo) Create(ctx context.Context, run *domain.ScenarioRun) error {
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	retriesJSON, err := json.Marshal(run.RetryCounts)
	if err != nil {
		return fmt.Errorf("marshal retry counts: %w", err)
	}

	query := `
		INSERT INTO scenario_runs (id, case_path, status, current_step, awaiting_approval,
		                           params, feedback, retry_counts, max_retries,
		                           created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.CasePath,
		run.Status,
		run.CurrentStep,
		run.AwaitingApproval,
		paramsJSON,
		nullString(run.Feedback),
		retriesJSON,
		run.MaxRetries,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.ScenarioRun, error) {
	query := selectRunQuery + ` WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// Update сохраняет изменяемые поля run при условии, что текущий
// статус в БД равен from (CAS, как у JobRepo.UpdateStatus).
// Несовпадение статуса возвращает ErrConflict: так из двух engine'ов,
// претендующих на run, побеждает ровно один.
func (r *RunRepo) Update(ctx context.Context, run *domain.ScenarioRun, from domain.RunStatus) error {
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	retriesJSON, err := json.Marshal(run.RetryCounts)
	if err != nil {
		return fmt.Errorf("marshal retry counts: %w", err)
	}

	query := `
		UPDATE scenario_runs
		SET status = $2, current_step = $3, awaiting_approval = $4, params = $5,
		    feedback = $6, retry_counts = $7, error = $8,
		    started_at = $9, finished_at = $10, updated_at = now()
		WHERE id = $1
		  AND status = $11
	`
	result, err := r.pool.Exec(ctx, query,
		run.ID,
		run.Status,
		run.CurrentStep,
		run.AwaitingApproval,
		paramsJSON,
		nullString(run.Feedback),
		retriesJSON,
		nullString(run.Error),
		run.StartedAt,
		run.FinishedAt,
		from,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if result.RowsAffected() == 0 {
		current, getErr := r.GetByID(ctx, run.ID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: run %s is %s, expected %s", ErrConflict, run.ID, current.Status, from)
	}
	return nil
}

// List возвращает список runs с фильтрацией.
func (r *RunRepo) List(ctx context.Context, filter RunFilter) ([]domain.ScenarioRun, error) {
	query := selectRunQuery + `
		WHERE ($1::text IS NULL OR status = $1::run_status)
		  AND ($2::text IS NULL OR case_path = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(string(filter.Status)),
		nullString(filter.CasePath),
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListPending возвращает runs в статусе PENDING (polling fallback).
func (r *RunRepo) ListPending(ctx context.Context, limit int) ([]domain.ScenarioRun, error) {
	query := selectRunQuery + `
		WHERE status = 'PENDING'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// --- Helpers ---

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	Status   domain.RunStatus
	CasePath string
	Limit    int
	Offset   int
}

const selectRunQuery = `
	SELECT id, case_path, status, current_step, awaiting_approval, params,
	       feedback, retry_counts, max_retries, error,
	       started_at, finished_at, created_at, updated_at
	FROM scenario_runs
`

// scanRun сканирует одну строку в ScenarioRun.
func scanRun(row pgx.Row) (*domain.ScenarioRun, error) {
	var run domain.ScenarioRun
	var paramsJSON, retriesJSON []byte
	var feedback, runError *string

	err := row.Scan(
		&run.ID,
		&run.CasePath,
		&run.Status,
		&run.CurrentStep,
		&run.AwaitingApproval,
		&paramsJSON,
		&feedback,
		&retriesJSON,
		&run.MaxRetries,
		&runError,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &run.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if retriesJSON != nil {
		if err := json.Unmarshal(retriesJSON, &run.RetryCounts); err != nil {
			return nil, fmt.Errorf("unmarshal retry counts: %w", err)
		}
	}
	if run.RetryCounts == nil {
		run.RetryCounts = make(map[domain.Step]int)
	}
	if feedback != nil {
		run.Feedback = *feedback
	}
	if runError != nil {
		run.Error = *runError
	}

	return &run, nil
}

// collectRuns собирает все строки результата в слайс.
func collectRuns(rows pgx.Rows) ([]domain.ScenarioRun, error) {
	var runs []domain.ScenarioRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
