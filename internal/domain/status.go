package domain

// JobStatus — статус выполнения job.
//
// Жизненный цикл:
//
//	SUBMITTED → IN_PROGRESS → COMPLETED
//	                        ↘ WAITING_APPROVAL → COMPLETED
//	                        ↘                  ↘ REJECTED
//	                        ↘ ERROR
type JobStatus string

const (
	// JobStatusSubmitted — job создан, но ещё не взят executor'ом.
	JobStatusSubmitted JobStatus = "SUBMITTED"

	// JobStatusInProgress — job выполняется executor'ом.
	JobStatusInProgress JobStatus = "IN_PROGRESS"

	// JobStatusWaitingApproval — job завершён и ждёт одобрения человеком
	// (mesh_generation после успешного выхода).
	JobStatusWaitingApproval JobStatus = "WAITING_APPROVAL"

	// JobStatusCompleted — job успешно завершён.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusError — job завершился с ошибкой.
	JobStatusError JobStatus = "ERROR"

	// JobStatusRejected — результат job отклонён человеком.
	JobStatusRejected JobStatus = "REJECTED"
)

// IsTerminal возвращает true, если статус финальный (job завершён).
// Переход из терминального статуса в любой другой запрещён.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusError, JobStatusRejected:
		return true
	default:
		return false
	}
}

// JobKind — тип внешней команды, которую выполняет job.
type JobKind string

const (
	// JobKindMeshGeneration — генерация сетки (успех → WAITING_APPROVAL).
	JobKindMeshGeneration JobKind = "mesh_generation"

	// JobKindSolverRun — запуск солвера (успех → COMPLETED).
	JobKindSolverRun JobKind = "solver_run"

	// JobKindCommand — произвольная команда в директории case (успех → COMPLETED).
	JobKindCommand JobKind = "command"
)

// SuccessStatus возвращает статус, в который переходит job
// данного типа после нулевого кода выхода.
func (k JobKind) SuccessStatus() JobStatus {
	if k == JobKindMeshGeneration {
		return JobStatusWaitingApproval
	}
	return JobStatusCompleted
}

// IsValid проверяет, что тип job известен.
func (k JobKind) IsValid() bool {
	switch k {
	case JobKindMeshGeneration, JobKindSolverRun, JobKindCommand:
		return true
	default:
		return false
	}
}

// VizStatus — статус процесса визуализационного сервера.
type VizStatus string

const (
	// VizStatusRunning — процесс жив и принимает соединения.
	VizStatusRunning VizStatus = "RUNNING"

	// VizStatusStopped — процесс остановлен (явно или reaper'ом).
	VizStatusStopped VizStatus = "STOPPED"

	// VizStatusError — сервер не смог запуститься.
	VizStatusError VizStatus = "ERROR"
)

// ErrorCategory — машинно-проверяемая категория ошибки job.
type ErrorCategory string

const (
	// ErrorCategoryTimeout — превышен wall-clock таймаут команды.
	ErrorCategoryTimeout ErrorCategory = "timeout"

	// ErrorCategoryNonzeroExit — команда завершилась с ненулевым кодом.
	ErrorCategoryNonzeroExit ErrorCategory = "nonzero_exit"

	// ErrorCategoryInvalidCommand — команда не найдена или не может быть запущена.
	ErrorCategoryInvalidCommand ErrorCategory = "invalid_command"

	// ErrorCategoryCancelled — job отменён пользователем.
	ErrorCategoryCancelled ErrorCategory = "cancelled"

	// ErrorCategoryInternal — внутренняя ошибка (crash executor'а и т.п.).
	ErrorCategoryInternal ErrorCategory = "internal"
)
