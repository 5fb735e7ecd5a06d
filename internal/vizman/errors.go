package vizman

import "errors"

// Ошибки менеджера viz-серверов.
var (
	// ErrNotFound — сервер для case не зарегистрирован.
	ErrNotFound = errors.New("viz server not found")

	// ErrNotRunning — сервер зарегистрирован, но не в статусе RUNNING.
	ErrNotRunning = errors.New("viz server is not running")

	// ErrPoolExhausted — в пуле не осталось свободных портов.
	ErrPoolExhausted = errors.New("no free visualization ports")

	// ErrStartupTimeout — процесс запустился, но порт не открылся
	// за отведённое время.
	ErrStartupTimeout = errors.New("viz server did not become ready")
)
