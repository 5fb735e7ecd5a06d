package domain

import (
	"time"

	"github.com/google/uuid"
)

// Job — одна внешняя команда, отслеживаемая до терминального статуса.
//
// Job создаётся когда:
// - Пользователь отправляет команду через API/CLI
// - Engine запускает шаг сценария (mesh_generation, solver_run)
//
// Job выполняется Executor'ом; после терминального статуса запись неизменяема.
type Job struct {
	// ID — уникальный идентификатор job.
	ID uuid.UUID `json:"id"`

	// Kind — тип job: mesh_generation, solver_run, command.
	Kind JobKind `json:"kind"`

	// Status — текущий статус выполнения.
	Status JobStatus `json:"status"`

	// CasePath — рабочая директория case (ключ для viz-сервера).
	CasePath string `json:"case_path"`

	// Command — исполняемый файл.
	Command string `json:"command"`

	// Args — аргументы команды.
	Args []string `json:"args,omitempty"`

	// Env — дополнительные переменные окружения (KEY=VALUE).
	Env []string `json:"env,omitempty"`

	// Cwd — рабочая директория процесса. Пустая строка — директория case.
	Cwd string `json:"cwd,omitempty"`

	// TimeoutSec — wall-clock таймаут выполнения в секундах.
	TimeoutSec int `json:"timeout_sec,omitempty"`

	// Message — человекочитаемое описание текущего состояния.
	Message string `json:"message,omitempty"`

	// ErrorDetail — категория и текст ошибки. Заполняется только при ERROR.
	ErrorDetail *ErrorDetail `json:"error_detail,omitempty"`

	// ExitCode — код выхода процесса. Nil, пока процесс не завершился.
	ExitCode *int `json:"exit_code,omitempty"`

	// RetryCount — сколько раз job был перезапущен.
	RetryCount int `json:"retry_count"`

	// MaxRetries — лимит перезапусков.
	MaxRetries int `json:"max_retries"`

	// StartedAt — время начала выполнения (когда статус стал IN_PROGRESS).
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время достижения терминального статуса.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания job.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorDetail — структурированная ошибка job.
type ErrorDetail struct {
	// Category — машинно-проверяемая категория.
	Category ErrorCategory `json:"category"`

	// Message — человекочитаемый текст (включая stdout/stderr при необходимости).
	Message string `json:"message"`
}

// NewJob создаёт job в статусе SUBMITTED.
func NewJob(kind JobKind, casePath, command string, args []string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    JobStatusSubmitted,
		CasePath:  casePath,
		Command:   command,
		Args:      args,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Timeout возвращает таймаут как time.Duration (0 — без таймаута).
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSec) * time.Second
}

// IsFinished возвращает true, если job в терминальном статусе.
func (j *Job) IsFinished() bool {
	return j.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если job ещё не завершён.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// MarkInProgress переводит job в статус IN_PROGRESS.
func (j *Job) MarkInProgress() {
	now := time.Now().UTC()
	j.Status = JobStatusInProgress
	j.StartedAt = &now
	j.Message = "running"
}

// MarkSucceeded переводит job в статус успеха для его типа
// (WAITING_APPROVAL для mesh_generation, COMPLETED иначе).
func (j *Job) MarkSucceeded(exitCode int, message string) {
	now := time.Now().UTC()
	j.Status = j.Kind.SuccessStatus()
	j.ExitCode = &exitCode
	j.Message = message
	if j.Status.IsTerminal() {
		j.FinishedAt = &now
	}
}

// MarkError переводит job в статус ERROR с категорией и текстом.
func (j *Job) MarkError(category ErrorCategory, message string, exitCode *int) {
	now := time.Now().UTC()
	j.Status = JobStatusError
	j.ErrorDetail = &ErrorDetail{Category: category, Message: message}
	j.ExitCode = exitCode
	j.Message = "failed: " + string(category)
	j.FinishedAt = &now
}

// MarkCompleted переводит job из WAITING_APPROVAL в COMPLETED.
func (j *Job) MarkCompleted(message string) {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.Message = message
	j.FinishedAt = &now
}

// MarkRejected переводит job из WAITING_APPROVAL в REJECTED.
func (j *Job) MarkRejected(feedback string) {
	now := time.Now().UTC()
	j.Status = JobStatusRejected
	j.Message = feedback
	j.FinishedAt = &now
}
