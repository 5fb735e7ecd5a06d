package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/mq"
	"github.com/shaiso/Convect/internal/repo"
)

// ListRuns возвращает список runs с фильтрацией.
// GET /api/v1/runs?status=...&case_path=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		Status:   domain.RunStatus(r.URL.Query().Get("status")),
		CasePath: r.URL.Query().Get("case_path"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}

	runs, err := h.runs.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}
	List(w, result, len(result))
}

// CreateRun создаёт scenario run и отправляет его engine'у.
// POST /api/v1/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.CasePath == "" {
		BadRequest(w, "case_path is required")
		return
	}

	maxRetries := h.maxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			BadRequest(w, "max_retries must be non-negative")
			return
		}
		maxRetries = *req.MaxRetries
	}

	run := domain.NewScenarioRun(req.CasePath, req.Params, maxRetries)
	if err := h.runs.Create(r.Context(), run); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	if h.publisher != nil {
		if err := h.publisher.PublishRunPending(r.Context(), run.ID); err != nil {
			h.logger.Warn("failed to publish run.pending", "run_id", run.ID, "error", err)
		}
	}

	Created(w, RunFromDomain(*run))
}

// GetRun возвращает run по id.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}
	Success(w, RunFromDomain(*run))
}

// ApproveRun одобряет run на approval gate.
// POST /api/v1/runs/{id}/approve
func (h *Handler) ApproveRun(w http.ResponseWriter, r *http.Request) {
	h.decideRun(w, r, mq.DecisionApprove)
}

// RejectRun отклоняет результат на approval gate: run вернётся
// на более ранний шаг с feedback.
// POST /api/v1/runs/{id}/reject
func (h *Handler) RejectRun(w http.ResponseWriter, r *http.Request) {
	h.decideRun(w, r, mq.DecisionReject)
}

// CancelRun отменяет run на approval gate. Jobs run'а не трогаются.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	h.decideRun(w, r, mq.DecisionCancel)
}

// decideRun публикует решение человека по run на паузе.
// Решение применяет engine, владеющий горутиной run'а.
func (h *Handler) decideRun(w http.ResponseWriter, r *http.Request, decision mq.Decision) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	var req RejectRequest
	if r.Body != nil {
		// Тело опционально
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}
	if !run.Paused() {
		InvalidState(w, "run is not paused")
		return
	}

	if h.publisher == nil {
		InvalidState(w, "decisions require the message queue")
		return
	}
	if err := h.publisher.PublishRunDecision(r.Context(), mq.RunDecisionPayload{
		RunID:    run.ID,
		Decision: decision,
		Feedback: req.Feedback,
	}); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	JSON(w, http.StatusAccepted, DataResponse{Data: RunFromDomain(*run)})
}

// SetRunParams дозаписывает параметры run.
//
// Так внешние участники (LLM-ассистент, инженер) передают результаты
// passthrough-шагов: подобранный солвер, граничные условия.
// PUT /api/v1/runs/{id}/params
func (h *Handler) SetRunParams(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	var req SetRunParamsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if len(req.Params) == 0 {
		BadRequest(w, "params are required")
		return
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}
	if run.IsFinished() {
		InvalidState(w, "run is already finished")
		return
	}

	if run.Params == nil {
		run.Params = make(map[string]any, len(req.Params))
	}
	for k, v := range req.Params {
		run.Params[k] = v
	}

	// CAS от прочитанного статуса: смена статуса между чтением
	// и записью отклоняет запись
	if err := h.runs.Update(r.Context(), run, run.Status); err != nil {
		HandleRepoError(w, h.logger, err, "run not found")
		return
	}
	Success(w, RunFromDomain(*run))
}
