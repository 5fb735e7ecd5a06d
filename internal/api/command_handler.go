package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shaiso/Convect/internal/executor"
)

// RunCommand синхронно выполняет команду в директории case.
//
// Для коротких команд (checkMesh, postProcess): запрос держится
// открытым до завершения процесса. Долгие команды отправляются
// через POST /api/v1/jobs.
// POST /api/v1/commands
func (h *Handler) RunCommand(w http.ResponseWriter, r *http.Request) {
	var req RunCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Command == "" {
		BadRequest(w, "command is required")
		return
	}
	if req.CasePath == "" {
		BadRequest(w, "case_path is required")
		return
	}

	dir, err := h.store.EnsureCaseDir(req.CasePath)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	result, err := h.runner.Run(r.Context(), executor.Spec{
		Command: req.Command,
		Args:    req.Args,
		Env:     req.Env,
		Dir:     dir,
		Timeout: time.Duration(req.TimeoutSec) * time.Second,
	})
	if err != nil {
		if errors.Is(err, executor.ErrInvalidCommand) {
			BadRequest(w, err.Error())
			return
		}
		InternalError(w, h.logger, err)
		return
	}

	Success(w, CommandResponse{
		Success:    result.Success(),
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		TimedOut:   result.TimedOut,
		DurationMs: result.Duration.Milliseconds(),
	})
}
