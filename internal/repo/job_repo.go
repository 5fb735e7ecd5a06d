package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Convect/internal/domain"
)

// JobRepo — леджер jobs.
//
// Все изменения статуса идут через UpdateStatus — условный UPDATE
// (compare-and-set по ожидаемому статусу). Два конкурентных писателя
// не могут применить конфликтующие переходы; запись в терминальный job
// возвращает ErrConflict.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// Create создаёт новый job.
func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	argsJSON, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	envJSON, err := json.Marshal(job.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}

	query := `
		INSERT INTO jobs (id, kind, status, case_path, command, args, env, cwd,
		                  timeout_sec, message, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.Kind,
		job.Status,
		job.CasePath,
		job.Command,
		argsJSON,
		envJSON,
		nullString(job.Cwd),
		job.TimeoutSec,
		nullString(job.Message),
		job.RetryCount,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetByID возвращает job по ID.
func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := selectJobQuery + ` WHERE id = $1`
	return scanJob(r.pool.QueryRow(ctx, query, id))
}

// UpdateStatus атомарно переводит job из статуса from в job.Status.
//
// Если строка не обновилась, различает причины:
//   - job не существует → ErrNotFound
//   - job уже в терминальном статусе или статус отличается от from → ErrConflict
func (r *JobRepo) UpdateStatus(ctx context.Context, job *domain.Job, from domain.JobStatus) error {
	var detailJSON []byte
	if job.ErrorDetail != nil {
		var err error
		detailJSON, err = json.Marshal(job.ErrorDetail)
		if err != nil {
			return fmt.Errorf("marshal error detail: %w", err)
		}
	}

	query := `
		UPDATE jobs
		SET status = $3, message = $4, error_detail = $5, exit_code = $6,
		    retry_count = $7, started_at = $8, finished_at = $9, updated_at = now()
		WHERE id = $1 AND status = $2
	`
	result, err := r.pool.Exec(ctx, query,
		job.ID,
		from,
		job.Status,
		nullString(job.Message),
		detailJSON,
		job.ExitCode,
		job.RetryCount,
		job.StartedAt,
		job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if result.RowsAffected() == 0 {
		// CAS не прошёл: выясняем, нет записи или конфликт перехода.
		current, getErr := r.GetByID(ctx, job.ID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: job %s is %s, expected %s",
			ErrConflict, job.ID, current.Status, from)
	}
	return nil
}

// List возвращает список jobs с фильтрацией.
func (r *JobRepo) List(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := selectJobQuery + `
		WHERE ($1::text IS NULL OR kind = $1::job_kind)
		  AND ($2::text IS NULL OR status = $2::job_status)
		  AND ($3::text IS NULL OR case_path = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(string(filter.Kind)),
		nullString(string(filter.Status)),
		nullString(filter.CasePath),
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListSubmitted возвращает jobs в статусе SUBMITTED (polling fallback).
func (r *JobRepo) ListSubmitted(ctx context.Context, limit int) ([]domain.Job, error) {
	query := selectJobQuery + `
		WHERE status = 'SUBMITTED'
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list submitted jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListStaleInProgress возвращает jobs, висящие в IN_PROGRESS дольше порога.
// Такие jobs осиротели после падения executor'а; reaper переводит их в ERROR.
func (r *JobRepo) ListStaleInProgress(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	query := selectJobQuery + `
		WHERE status = 'IN_PROGRESS' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// --- Helpers ---

// JobFilter — параметры фильтрации jobs.
type JobFilter struct {
	Kind     domain.JobKind
	Status   domain.JobStatus
	CasePath string
	Limit    int
	Offset   int
}

const selectJobQuery = `
	SELECT id, kind, status, case_path, command, args, env, cwd, timeout_sec,
	       message, error_detail, exit_code, retry_count, max_retries,
	       started_at, finished_at, created_at, updated_at
	FROM jobs
`

// scanJob сканирует одну строку в Job.
func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var argsJSON, envJSON, detailJSON []byte
	var cwd, message *string

	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.Status,
		&job.CasePath,
		&job.Command,
		&argsJSON,
		&envJSON,
		&cwd,
		&job.TimeoutSec,
		&message,
		&detailJSON,
		&job.ExitCode,
		&job.RetryCount,
		&job.MaxRetries,
		&job.StartedAt,
		&job.FinishedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if argsJSON != nil {
		if err := json.Unmarshal(argsJSON, &job.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
	}
	if envJSON != nil {
		if err := json.Unmarshal(envJSON, &job.Env); err != nil {
			return nil, fmt.Errorf("unmarshal env: %w", err)
		}
	}
	if detailJSON != nil {
		if err := json.Unmarshal(detailJSON, &job.ErrorDetail); err != nil {
			return nil, fmt.Errorf("unmarshal error detail: %w", err)
		}
	}
	if cwd != nil {
		job.Cwd = *cwd
	}
	if message != nil {
		job.Message = *message
	}

	return &job, nil
}

// collectJobs собирает все строки результата в слайс.
func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
