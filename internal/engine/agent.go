package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/shaiso/Convect/internal/domain"
)

// Agent выполняет один шаг пайплайна.
//
// Агент получает run (текущий шаг — run.CurrentStep) и возвращает
// обновления параметров, которые engine вливает в run.Params.
// Возвращённая ошибка уходит в RecoveryHandler.
type Agent interface {
	Run(ctx context.Context, run *domain.ScenarioRun) (map[string]any, error)
}

// AgentFunc — адаптер функции к интерфейсу Agent.
type AgentFunc func(ctx context.Context, run *domain.ScenarioRun) (map[string]any, error)

func (f AgentFunc) Run(ctx context.Context, run *domain.ScenarioRun) (map[string]any, error) {
	return f(ctx, run)
}

// Registry — реестр агентов по шагам пайплайна.
type Registry struct {
	mu     sync.RWMutex
	agents map[domain.Step]Agent
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[domain.Step]Agent)}
}

// Register регистрирует агента для шага.
// Повторная регистрация заменяет предыдущего агента.
func (r *Registry) Register(step domain.Step, agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[step] = agent
}

// Get возвращает агента для шага.
func (r *Registry) Get(step domain.Step) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[step]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAgent, step)
	}
	return agent, nil
}

// Steps возвращает шаги с зарегистрированными агентами.
func (r *Registry) Steps() []domain.Step {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Step, 0, len(r.agents))
	for step := range r.agents {
		out = append(out, step)
	}
	return out
}
