package domain

import (
	"time"

	"github.com/google/uuid"
)

// Step — шаг пайплайна сценария.
type Step string

// Шаги пайплайна в порядке выполнения.
const (
	StepNLInterpretation   Step = "NL_INTERPRETATION"
	StepMeshGeneration     Step = "MESH_GENERATION"
	StepBoundaryConditions Step = "BOUNDARY_CONDITIONS"
	StepSolverSelection    Step = "SOLVER_SELECTION"
	StepCaseWriting        Step = "CASE_WRITING"
	StepUserApproval       Step = "USER_APPROVAL"
	StepSimulation         Step = "SIMULATION"
	StepVisualization      Step = "VISUALIZATION"
	StepResultsReview      Step = "RESULTS_REVIEW"
	StepComplete           Step = "COMPLETE"
)

// pipeline — канонический порядок шагов.
var pipeline = []Step{
	StepNLInterpretation,
	StepMeshGeneration,
	StepBoundaryConditions,
	StepSolverSelection,
	StepCaseWriting,
	StepUserApproval,
	StepSimulation,
	StepVisualization,
	StepResultsReview,
	StepComplete,
}

// Pipeline возвращает копию канонического порядка шагов.
func Pipeline() []Step {
	out := make([]Step, len(pipeline))
	copy(out, pipeline)
	return out
}

// Index возвращает позицию шага в пайплайне (-1, если шаг неизвестен).
func (s Step) Index() int {
	for i, step := range pipeline {
		if step == s {
			return i
		}
	}
	return -1
}

// Next возвращает следующий шаг пайплайна.
// Для COMPLETE и неизвестных шагов возвращает COMPLETE.
func (s Step) Next() Step {
	i := s.Index()
	if i < 0 || i+1 >= len(pipeline) {
		return StepComplete
	}
	return pipeline[i+1]
}

// IsValid проверяет, что шаг принадлежит пайплайну.
func (s Step) IsValid() bool {
	return s.Index() >= 0
}

// RunStatus — статус выполнения сценария.
//
// Жизненный цикл:
//
//	PENDING → RUNNING → COMPLETED
//	                  ↘ FAILED
//	        ⇄ PAUSED (approval gate / error gate)
//	          (или) → CANCELLED (только из PAUSED или PENDING)
type RunStatus string

const (
	// RunStatusPending — сценарий создан, но ещё не взят engine'ом.
	RunStatusPending RunStatus = "PENDING"

	// RunStatusRunning — engine выполняет шаги.
	RunStatusRunning RunStatus = "RUNNING"

	// RunStatusPaused — выполнение приостановлено до решения человека.
	RunStatusPaused RunStatus = "PAUSED"

	// RunStatusCompleted — пайплайн дошёл до COMPLETE.
	RunStatusCompleted RunStatus = "COMPLETED"

	// RunStatusFailed — прерван через abort в ERROR_HANDLER.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusCancelled — отменён пользователем на паузе.
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// ScenarioRun — одно выполнение пайплайна для сценария.
//
// ScenarioRun создаётся при отправке сценария пользователем.
// Engine выполняет шаги строго по одному; параллельно могут идти
// только разные runs.
type ScenarioRun struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// CasePath — директория case этого сценария.
	CasePath string `json:"case_path"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// CurrentStep — шаг, который выполняется или будет выполнен следующим.
	CurrentStep Step `json:"current_step"`

	// AwaitingApproval — run стоит на approval gate.
	AwaitingApproval bool `json:"awaiting_approval"`

	// Params — непрозрачный blob параметров, передаваемый между шагами.
	// Engine его не интерпретирует.
	Params map[string]any `json:"params,omitempty"`

	// Feedback — комментарий последнего approve/reject.
	Feedback string `json:"feedback,omitempty"`

	// RetryCounts — количество принятых retry по каждому шагу.
	RetryCounts map[Step]int `json:"retry_counts,omitempty"`

	// MaxRetries — лимит retry на один шаг.
	MaxRetries int `json:"max_retries"`

	// Error — текст последней ошибки (заполняется при FAILED).
	Error string `json:"error,omitempty"`

	// StartedAt — время начала выполнения.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время достижения терминального статуса.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewScenarioRun создаёт run в статусе PENDING на первом шаге пайплайна.
func NewScenarioRun(casePath string, params map[string]any, maxRetries int) *ScenarioRun {
	now := time.Now().UTC()
	return &ScenarioRun{
		ID:          uuid.New(),
		CasePath:    casePath,
		Status:      RunStatusPending,
		CurrentStep: pipeline[0],
		Params:      params,
		RetryCounts: make(map[Step]int),
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Paused возвращает true, если run приостановлен.
// Инвариант: paused ⇒ awaiting_approval либо run стоит на error gate.
func (r *ScenarioRun) Paused() bool {
	return r.Status == RunStatusPaused
}

// IsFinished возвращает true, если run завершён.
func (r *ScenarioRun) IsFinished() bool {
	return r.Status.IsTerminal()
}

// RetryCount возвращает число принятых retry для шага.
func (r *ScenarioRun) RetryCount(step Step) int {
	if r.RetryCounts == nil {
		return 0
	}
	return r.RetryCounts[step]
}

// IncrementRetry увеличивает счётчик retry шага.
func (r *ScenarioRun) IncrementRetry(step Step) {
	if r.RetryCounts == nil {
		r.RetryCounts = make(map[Step]int)
	}
	r.RetryCounts[step]++
}

// MarkRunning переводит run в статус RUNNING.
func (r *ScenarioRun) MarkRunning() {
	now := time.Now().UTC()
	r.Status = RunStatusRunning
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
}

// MarkPausedForApproval ставит run на approval gate.
func (r *ScenarioRun) MarkPausedForApproval() {
	r.Status = RunStatusPaused
	r.AwaitingApproval = true
}

// MarkResumed снимает run с паузы и ставит на указанный шаг.
func (r *ScenarioRun) MarkResumed(step Step, feedback string) {
	r.Status = RunStatusRunning
	r.AwaitingApproval = false
	r.CurrentStep = step
	r.Feedback = feedback
}

// MarkCompleted переводит run в статус COMPLETED.
func (r *ScenarioRun) MarkCompleted() {
	now := time.Now().UTC()
	r.Status = RunStatusCompleted
	r.CurrentStep = StepComplete
	r.FinishedAt = &now
}

// MarkFailed переводит run в статус FAILED с ошибкой.
func (r *ScenarioRun) MarkFailed(errMsg string) {
	now := time.Now().UTC()
	r.Status = RunStatusFailed
	r.Error = errMsg
	r.FinishedAt = &now
}

// MarkCancelled переводит run в статус CANCELLED.
// Отмена на паузе не трогает jobs run'а.
func (r *ScenarioRun) MarkCancelled() {
	now := time.Now().UTC()
	r.Status = RunStatusCancelled
	r.AwaitingApproval = false
	r.FinishedAt = &now
}
