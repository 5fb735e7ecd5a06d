package engine

import (
	"context"
	"time"

	"github.com/shaiso/Convect/internal/domain"
)

// Action — действие восстановления после ошибки шага.
type Action string

const (
	// ActionRetry — повторить упавший шаг.
	ActionRetry Action = "retry"

	// ActionRestart — продолжить с более раннего шага.
	ActionRestart Action = "restart"

	// ActionAbort — завершить run со статусом FAILED.
	ActionAbort Action = "abort"
)

// Decision — решение RecoveryHandler по упавшему шагу.
type Decision struct {
	Action Action

	// RestartFrom — шаг для ActionRestart.
	RestartFrom domain.Step

	// Delay — пауза перед повтором для ActionRetry.
	// Ноль — engine подставит экспоненциальный backoff.
	Delay time.Duration

	// Reason — пояснение для лога и поля Error.
	Reason string
}

// RecoveryHandler решает, что делать с упавшим шагом.
//
// Решение retry принимается engine'ом только пока счётчик retry шага
// не исчерпан; сверх лимита engine принудительно abort'ит run
// независимо от решения обработчика.
type RecoveryHandler interface {
	Decide(ctx context.Context, run *domain.ScenarioRun, step domain.Step, stepErr error) Decision
}

// DefaultRecovery — политика по умолчанию: всегда retry.
// Ограничение сверху обеспечивает engine.
type DefaultRecovery struct{}

func (DefaultRecovery) Decide(_ context.Context, _ *domain.ScenarioRun, _ domain.Step, stepErr error) Decision {
	return Decision{Action: ActionRetry, Reason: stepErr.Error()}
}
