package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Convect/internal/domain"
)

// VizManager поднимает viz-серверы.
// Реализуется vizman.Manager.
type VizManager interface {
	Ensure(ctx context.Context, casePath string) (*domain.VizServer, bool, error)
}

// VisualizationAgent выполняет шаг VISUALIZATION: поднимает
// viz-сервер для case и отдаёт строку подключения в params.
type VisualizationAgent struct {
	Viz    VizManager
	Logger *slog.Logger
}

func (a *VisualizationAgent) Run(ctx context.Context, run *domain.ScenarioRun) (map[string]any, error) {
	srv, reused, err := a.Viz.Ensure(ctx, run.CasePath)
	if err != nil {
		return nil, fmt.Errorf("ensure viz server: %w", err)
	}

	if a.Logger != nil {
		a.Logger.Info("viz server ready for run",
			"run_id", run.ID,
			"case_path", run.CasePath,
			"port", srv.Port,
			"reused", reused,
		)
	}

	return map[string]any{
		"viz_url":  srv.ConnectionString(),
		"viz_port": srv.Port,
	}, nil
}
