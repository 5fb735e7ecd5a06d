package executor

import "errors"

// Ошибки executor'а.
var (
	// ErrJobNotFound — job не найден в леджере.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotSubmitted — job не в статусе SUBMITTED
	// (уже взят другим executor'ом или завершён).
	ErrJobNotSubmitted = errors.New("job is not in SUBMITTED status")

	// ErrInvalidCommand — команда не найдена или процесс не запустился.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrExecutorStopped — executor остановлен.
	ErrExecutorStopped = errors.New("executor stopped")
)
