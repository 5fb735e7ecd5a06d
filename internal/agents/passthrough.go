package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Convect/internal/domain"
)

// PassthroughAgent — агент шага, который выполняется внешним
// участником (LLM-ассистент, инженер), записывающим результат
// в run.Params через API.
//
// Агент проверяет, что обязательный параметр уже присутствует,
// и пропускает шаг дальше. Отсутствие параметра — ошибка шага,
// уходящая в политику восстановления.
type PassthroughAgent struct {
	// RequiredParam — ключ run.Params, который должен быть заполнен
	// к началу шага. Пустая строка — шаг проходит без проверки.
	RequiredParam string

	// Logger
	Logger *slog.Logger
}

func (a *PassthroughAgent) Run(_ context.Context, run *domain.ScenarioRun) (map[string]any, error) {
	if a.RequiredParam != "" {
		if _, ok := run.Params[a.RequiredParam]; !ok {
			return nil, fmt.Errorf("step %s: required param %q is missing", run.CurrentStep, a.RequiredParam)
		}
	}
	if a.Logger != nil {
		a.Logger.Debug("passthrough step", "run_id", run.ID, "step", run.CurrentStep)
	}
	return nil, nil
}
