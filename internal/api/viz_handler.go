package api

import (
	"encoding/json"
	"net/http"
)

// ListViz возвращает все viz-серверы реестра.
// GET /api/v1/viz
func (h *Handler) ListViz(w http.ResponseWriter, r *http.Request) {
	servers, err := h.viz.List(r.Context())
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}

	result := make([]VizResponse, len(servers))
	for i, srv := range servers {
		result[i] = VizFromDomain(srv)
	}
	List(w, result, len(result))
}

// VizStats возвращает состояние пула портов.
// GET /api/v1/viz/stats
func (h *Handler) VizStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.viz.Stats(r.Context())
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	Success(w, stats)
}

// EnsureViz возвращает работающий viz-сервер для case,
// поднимая его при необходимости. Идемпотентен.
// POST /api/v1/viz/ensure
func (h *Handler) EnsureViz(w http.ResponseWriter, r *http.Request) {
	casePath, ok := h.vizCasePath(w, r)
	if !ok {
		return
	}

	srv, reused, err := h.viz.Ensure(r.Context(), casePath)
	if HandleVizError(w, h.logger, err) {
		return
	}

	resp := VizFromDomain(*srv)
	resp.Reused = reused
	if reused {
		Success(w, resp)
		return
	}
	Created(w, resp)
}

// TouchViz продлевает жизнь viz-сервера (сбрасывает таймер простоя).
// POST /api/v1/viz/touch
func (h *Handler) TouchViz(w http.ResponseWriter, r *http.Request) {
	casePath, ok := h.vizCasePath(w, r)
	if !ok {
		return
	}

	if err := h.viz.Touch(r.Context(), casePath); HandleVizError(w, h.logger, err) {
		return
	}
	NoContent(w)
}

// StopViz останавливает viz-сервер case и освобождает порт.
// POST /api/v1/viz/stop
func (h *Handler) StopViz(w http.ResponseWriter, r *http.Request) {
	casePath, ok := h.vizCasePath(w, r)
	if !ok {
		return
	}

	if err := h.viz.Stop(r.Context(), casePath); HandleVizError(w, h.logger, err) {
		return
	}
	NoContent(w)
}

func (h *Handler) vizCasePath(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req VizRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return "", false
	}
	if req.CasePath == "" {
		BadRequest(w, "case_path is required")
		return "", false
	}
	return req.CasePath, true
}
