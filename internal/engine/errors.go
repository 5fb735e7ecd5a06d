package engine

import "errors"

// Ошибки engine.
var (
	// ErrRunNotFound — run не найден в леджере.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotPending — run не в статусе PENDING
	// (уже взят или завершён).
	ErrRunNotPending = errors.New("run is not in PENDING status")

	// ErrRunNotActive — run не выполняется этим engine.
	ErrRunNotActive = errors.New("run is not active on this engine")

	// ErrNoAgent — для шага не зарегистрирован агент.
	ErrNoAgent = errors.New("no agent registered for step")
)
