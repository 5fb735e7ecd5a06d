package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Convect/internal/domain"
)

// Job DTOs

// CreateJobRequest — запрос на создание job.
type CreateJobRequest struct {
	Kind       domain.JobKind `json:"kind"`
	CasePath   string         `json:"case_path"`
	Command    string         `json:"command"`
	Args       []string       `json:"args,omitempty"`
	Env        []string       `json:"env,omitempty"`
	Cwd        string         `json:"cwd,omitempty"`
	TimeoutSec int            `json:"timeout_sec,omitempty"`
}

// RejectRequest — запрос reject с обратной связью.
type RejectRequest struct {
	Feedback string `json:"feedback"`
}

// JobResponse — ответ с job.
type JobResponse struct {
	ID          uuid.UUID           `json:"id"`
	Kind        domain.JobKind      `json:"kind"`
	Status      domain.JobStatus    `json:"status"`
	CasePath    string              `json:"case_path"`
	Command     string              `json:"command"`
	Args        []string            `json:"args,omitempty"`
	Message     string              `json:"message,omitempty"`
	ErrorDetail *domain.ErrorDetail `json:"error_detail,omitempty"`
	ExitCode    *int                `json:"exit_code,omitempty"`
	DurationMs  int64               `json:"duration_ms,omitempty"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	FinishedAt  *time.Time          `json:"finished_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// JobFromDomain конвертирует domain.Job в JobResponse.
func JobFromDomain(j domain.Job) JobResponse {
	return JobResponse{
		ID:          j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		CasePath:    j.CasePath,
		Command:     j.Command,
		Args:        j.Args,
		Message:     j.Message,
		ErrorDetail: j.ErrorDetail,
		ExitCode:    j.ExitCode,
		DurationMs:  j.Duration().Milliseconds(),
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
		CreatedAt:   j.CreatedAt,
	}
}

// JobResultsResponse — результаты job: путь и перечень полей решения.
type JobResultsResponse struct {
	JobID      uuid.UUID        `json:"job_id"`
	Status     domain.JobStatus `json:"status"`
	OutputPath string           `json:"output_path"`
	Fields     []string         `json:"fields,omitempty"`
}

// Run DTOs

// CreateRunRequest — запрос на создание scenario run.
type CreateRunRequest struct {
	CasePath   string         `json:"case_path"`
	Params     map[string]any `json:"params,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
}

// SetRunParamsRequest — запрос на дозапись параметров run.
type SetRunParamsRequest struct {
	Params map[string]any `json:"params"`
}

// RunResponse — ответ со scenario run.
type RunResponse struct {
	ID               uuid.UUID           `json:"id"`
	CasePath         string              `json:"case_path"`
	Status           domain.RunStatus    `json:"status"`
	CurrentStep      domain.Step         `json:"current_step"`
	StepIndex        int                 `json:"step_index"`
	AwaitingApproval bool                `json:"awaiting_approval"`
	Params           map[string]any      `json:"params,omitempty"`
	Feedback         string              `json:"feedback,omitempty"`
	RetryCounts      map[domain.Step]int `json:"retry_counts,omitempty"`
	Error            string              `json:"error,omitempty"`
	StartedAt        *time.Time          `json:"started_at,omitempty"`
	FinishedAt       *time.Time          `json:"finished_at,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

// RunFromDomain конвертирует domain.ScenarioRun в RunResponse.
func RunFromDomain(r domain.ScenarioRun) RunResponse {
	return RunResponse{
		ID:               r.ID,
		CasePath:         r.CasePath,
		Status:           r.Status,
		CurrentStep:      r.CurrentStep,
		StepIndex:        r.CurrentStep.Index(),
		AwaitingApproval: r.AwaitingApproval,
		Params:           r.Params,
		Feedback:         r.Feedback,
		RetryCounts:      r.RetryCounts,
		Error:            r.Error,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
		CreatedAt:        r.CreatedAt,
	}
}

// Viz DTOs

// VizRequest — запрос, адресующий viz-сервер case.
type VizRequest struct {
	CasePath string `json:"case_path"`
}

// VizResponse — ответ с viz-сервером.
type VizResponse struct {
	CasePath       string           `json:"case_path"`
	Port           int              `json:"port,omitempty"`
	PID            int              `json:"pid,omitempty"`
	Status         domain.VizStatus `json:"status"`
	URL            string           `json:"url,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	Reused         bool             `json:"reused,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	LastActivityAt time.Time        `json:"last_activity_at"`
}

// VizFromDomain конвертирует domain.VizServer в VizResponse.
func VizFromDomain(v domain.VizServer) VizResponse {
	resp := VizResponse{
		CasePath:       v.CasePath,
		Port:           v.Port,
		PID:            v.PID,
		Status:         v.Status,
		ErrorMessage:   v.ErrorMessage,
		StartedAt:      v.StartedAt,
		LastActivityAt: v.LastActivityAt,
	}
	if v.Status == domain.VizStatusRunning {
		resp.URL = v.ConnectionString()
	}
	return resp
}

// Command DTOs

// RunCommandRequest — запрос на синхронное выполнение команды.
type RunCommandRequest struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	Env        []string `json:"env,omitempty"`
	CasePath   string   `json:"case_path,omitempty"`
	TimeoutSec int      `json:"timeout_sec,omitempty"`
}

// CommandResponse — результат синхронного выполнения.
type CommandResponse struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}
