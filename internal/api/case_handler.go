package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/shaiso/Convect/internal/storage"
)

// maxUploadBytes — предел размера загружаемого файла.
const maxUploadBytes = 64 * 1024 * 1024

// UploadCaseFile записывает файл в директорию case.
//
// Тело запроса — содержимое файла как есть. Пути, выходящие
// за пределы case-директории, отклоняются.
// PUT /api/v1/cases/{case}/files/{path...}
func (h *Handler) UploadCaseFile(w http.ResponseWriter, r *http.Request) {
	casePath := r.PathValue("case")
	relPath := r.PathValue("path")
	if casePath == "" || relPath == "" {
		BadRequest(w, "case and file path are required")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}
	if len(data) > maxUploadBytes {
		Error(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "file too large")
		return
	}

	if err := h.store.Upload(casePath, relPath, data); err != nil {
		if errors.Is(err, storage.ErrInvalidPath) {
			BadRequest(w, err.Error())
			return
		}
		InternalError(w, h.logger, err)
		return
	}

	Created(w, map[string]any{
		"case_path": casePath,
		"path":      relPath,
		"size":      len(data),
	})
}
