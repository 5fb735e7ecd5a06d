package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Jobs — леджер внешних команд
	mux.Handle("GET /api/v1/jobs", chain(http.HandlerFunc(h.ListJobs)))
	mux.Handle("POST /api/v1/jobs", chain(http.HandlerFunc(h.CreateJob)))
	mux.Handle("GET /api/v1/jobs/{id}", chain(http.HandlerFunc(h.GetJob)))
	mux.Handle("GET /api/v1/jobs/{id}/results", chain(http.HandlerFunc(h.GetJobResults)))
	mux.Handle("POST /api/v1/jobs/{id}/approve", chain(http.HandlerFunc(h.ApproveJob)))
	mux.Handle("POST /api/v1/jobs/{id}/reject", chain(http.HandlerFunc(h.RejectJob)))
	mux.Handle("POST /api/v1/jobs/{id}/cancel", chain(http.HandlerFunc(h.CancelJob)))

	// Runs — пайплайны сценариев
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("POST /api/v1/runs", chain(http.HandlerFunc(h.CreateRun)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{id}/approve", chain(http.HandlerFunc(h.ApproveRun)))
	mux.Handle("POST /api/v1/runs/{id}/reject", chain(http.HandlerFunc(h.RejectRun)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", chain(http.HandlerFunc(h.CancelRun)))
	mux.Handle("PUT /api/v1/runs/{id}/params", chain(http.HandlerFunc(h.SetRunParams)))

	// Viz — серверы визуализации
	mux.Handle("GET /api/v1/viz", chain(http.HandlerFunc(h.ListViz)))
	mux.Handle("GET /api/v1/viz/stats", chain(http.HandlerFunc(h.VizStats)))
	mux.Handle("POST /api/v1/viz/ensure", chain(http.HandlerFunc(h.EnsureViz)))
	mux.Handle("POST /api/v1/viz/touch", chain(http.HandlerFunc(h.TouchViz)))
	mux.Handle("POST /api/v1/viz/stop", chain(http.HandlerFunc(h.StopViz)))

	// Commands — синхронное выполнение
	mux.Handle("POST /api/v1/commands", chain(http.HandlerFunc(h.RunCommand)))

	// Cases — файлы case-директорий
	mux.Handle("PUT /api/v1/cases/{case}/files/{path...}", chain(http.HandlerFunc(h.UploadCaseFile)))

	// Health
	mux.Handle("GET /healthz", chain(http.HandlerFunc(h.Health)))
}

// Health — проверка живости сервиса.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	Success(w, map[string]string{"status": "ok"})
}
