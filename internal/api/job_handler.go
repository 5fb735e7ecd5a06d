package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/repo"
	"github.com/shaiso/Convect/internal/storage"
)

// ListJobs возвращает список jobs с фильтрацией.
// GET /api/v1/jobs?kind=...&status=...&case_path=...&limit=...&offset=...
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := repo.JobFilter{
		Kind:     domain.JobKind(r.URL.Query().Get("kind")),
		Status:   domain.JobStatus(r.URL.Query().Get("status")),
		CasePath: r.URL.Query().Get("case_path"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}

	jobs, err := h.jobs.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]JobResponse, len(jobs))
	for i, job := range jobs {
		result[i] = JobFromDomain(job)
	}
	List(w, result, len(result))
}

// CreateJob создаёт job и отправляет его executor'у.
// POST /api/v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if !req.Kind.IsValid() {
		BadRequest(w, "invalid job kind")
		return
	}
	if req.Command == "" {
		BadRequest(w, "command is required")
		return
	}
	if req.CasePath == "" && req.Cwd == "" {
		BadRequest(w, "case_path or cwd is required")
		return
	}

	job := domain.NewJob(req.Kind, req.CasePath, req.Command, req.Args)
	job.Env = req.Env
	job.Cwd = req.Cwd
	job.TimeoutSec = req.TimeoutSec

	if err := h.jobs.Create(r.Context(), job); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	h.publishJobSubmitted(r, job)

	Created(w, JobFromDomain(*job))
}

// GetJob возвращает job по id.
// GET /api/v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid job id")
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "job not found") {
		return
	}
	Success(w, JobFromDomain(*job))
}

// GetJobResults возвращает путь к результатам job и перечень
// файлов-полей решения, если солвер их уже записал.
// GET /api/v1/jobs/{id}/results
func (h *Handler) GetJobResults(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid job id")
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "job not found") {
		return
	}

	resultsDir, err := h.store.ResultsDir(job.CasePath)
	if err != nil {
		if errors.Is(err, storage.ErrCaseNotFound) {
			NotFound(w, err.Error())
			return
		}
		if errors.Is(err, storage.ErrInvalidPath) {
			BadRequest(w, err.Error())
			return
		}
		InternalError(w, h.logger, err)
		return
	}

	resp := JobResultsResponse{
		JobID:      job.ID,
		Status:     job.Status,
		OutputPath: resultsDir,
	}
	// Директории результатов может ещё не быть — это не ошибка
	if entries, err := os.ReadDir(resultsDir); err == nil {
		for _, e := range entries {
			resp.Fields = append(resp.Fields, e.Name())
		}
	}
	Success(w, resp)
}

// ApproveJob одобряет результат job (например сетку).
// WAITING_APPROVAL → COMPLETED.
// POST /api/v1/jobs/{id}/approve
func (h *Handler) ApproveJob(w http.ResponseWriter, r *http.Request) {
	h.decideJob(w, r, func(job *domain.Job, feedback string) {
		job.MarkCompleted("approved")
	})
}

// RejectJob отклоняет результат job.
// WAITING_APPROVAL → REJECTED.
// POST /api/v1/jobs/{id}/reject
func (h *Handler) RejectJob(w http.ResponseWriter, r *http.Request) {
	h.decideJob(w, r, func(job *domain.Job, feedback string) {
		job.MarkRejected(feedback)
	})
}

// decideJob применяет решение человека к job на WAITING_APPROVAL.
// CAS-переход гарантирует, что из двух конкурирующих решений
// пройдёт ровно одно.
func (h *Handler) decideJob(w http.ResponseWriter, r *http.Request, mark func(job *domain.Job, feedback string)) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid job id")
		return
	}

	var req RejectRequest
	if r.Body != nil {
		// Тело опционально
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "job not found") {
		return
	}
	if job.Status != domain.JobStatusWaitingApproval {
		InvalidState(w, "job is not awaiting approval")
		return
	}

	mark(job, req.Feedback)

	if err := h.jobs.UpdateStatus(r.Context(), job, domain.JobStatusWaitingApproval); err != nil {
		HandleRepoError(w, h.logger, err, "job not found")
		return
	}
	Success(w, JobFromDomain(*job))
}

// CancelJob отменяет job.
//
// SUBMITTED job отменяется сразу CAS-переходом; IN_PROGRESS —
// через событие jobs.cancel, которое убьёт процесс на executor'е.
// POST /api/v1/jobs/{id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid job id")
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "job not found") {
		return
	}

	switch job.Status {
	case domain.JobStatusSubmitted:
		job.MarkError(domain.ErrorCategoryCancelled, "cancelled before execution", nil)
		if err := h.jobs.UpdateStatus(r.Context(), job, domain.JobStatusSubmitted); err != nil {
			HandleRepoError(w, h.logger, err, "job not found")
			return
		}
		Success(w, JobFromDomain(*job))

	case domain.JobStatusInProgress:
		if h.publisher == nil {
			InvalidState(w, "cancellation of a running job requires the message queue")
			return
		}
		if err := h.publisher.PublishJobCancel(r.Context(), job.ID); err != nil {
			InternalError(w, h.logger, err)
			return
		}
		// Терминальный статус запишет executor, убив процесс
		JSON(w, http.StatusAccepted, DataResponse{Data: JobFromDomain(*job)})

	default:
		InvalidState(w, "job is already finished")
	}
}

// publishJobSubmitted публикует событие о новом job (best-effort:
// без очереди job подхватит polling executor'а).
func (h *Handler) publishJobSubmitted(r *http.Request, job *domain.Job) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.PublishJobSubmitted(r.Context(), job.ID, job.CasePath); err != nil {
		h.logger.Warn("failed to publish job.submitted",
			"job_id", job.ID,
			"error", err,
		)
	}
}

// queryInt возвращает целочисленный query-параметр или значение
// по умолчанию.
func queryInt(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}
