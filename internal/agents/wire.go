package agents

import (
	"log/slog"

	"github.com/shaiso/Convect/internal/config"
	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/engine"
)

// Deps — зависимости стандартного набора агентов.
type Deps struct {
	Jobs      JobLedger
	Publisher JobPublisher
	Events    JobEvents
	Viz       VizManager
	Config    *config.Config
	Logger    *slog.Logger
}

// Wire регистрирует стандартный набор агентов пайплайна.
//
// Шаги внешних участников — passthrough с проверкой обязательных
// параметров; MESH_GENERATION и SIMULATION отправляют jobs;
// VISUALIZATION поднимает viz-сервер.
func Wire(reg *engine.Registry, deps Deps) {
	timeout := deps.Config.Executor.DefaultTimeoutSec

	reg.Register(domain.StepNLInterpretation, &PassthroughAgent{
		RequiredParam: "prompt",
		Logger:        deps.Logger,
	})
	reg.Register(domain.StepMeshGeneration, &CommandAgent{
		Kind:       domain.JobKindMeshGeneration,
		Command:    "blockMesh",
		ParamsKey:  "mesh_command",
		TimeoutSec: timeout,
		Jobs:       deps.Jobs,
		Publisher:  deps.Publisher,
		Events:     deps.Events,
		Logger:     deps.Logger,
	})
	reg.Register(domain.StepBoundaryConditions, &PassthroughAgent{Logger: deps.Logger})
	reg.Register(domain.StepSolverSelection, &PassthroughAgent{Logger: deps.Logger})
	reg.Register(domain.StepCaseWriting, &PassthroughAgent{Logger: deps.Logger})
	reg.Register(domain.StepSimulation, &CommandAgent{
		Kind:       domain.JobKindSolverRun,
		Command:    "simpleFoam",
		ParamsKey:  "solver_command",
		TimeoutSec: timeout,
		Jobs:       deps.Jobs,
		Publisher:  deps.Publisher,
		Events:     deps.Events,
		Logger:     deps.Logger,
	})
	reg.Register(domain.StepVisualization, &VisualizationAgent{
		Viz:    deps.Viz,
		Logger: deps.Logger,
	})
	reg.Register(domain.StepResultsReview, &PassthroughAgent{Logger: deps.Logger})
}
