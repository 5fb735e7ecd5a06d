package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики системы. Регистрируются в глобальном реестре prometheus;
// каждый демон отдаёт их на /metrics через promhttp.
var (
	// JobsTotal — количество jobs по типу и терминальному статусу.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convect_jobs_total",
		Help: "Jobs finished, by kind and terminal status",
	}, []string{"kind", "status"})

	// JobDuration — длительность выполнения jobs.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "convect_job_duration_seconds",
		Help:    "Wall-clock duration of finished jobs",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"kind"})

	// VizServersRunning — количество живых viz-серверов.
	VizServersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "convect_viz_servers_running",
		Help: "Visualization server processes currently running",
	})

	// VizPortsFree — свободные порты в пуле.
	VizPortsFree = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "convect_viz_ports_free",
		Help: "Free ports remaining in the visualization port pool",
	})

	// VizEnsureTotal — вызовы ensure по результату (spawned/reused/error).
	VizEnsureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convect_viz_ensure_total",
		Help: "ensure() calls by outcome",
	}, []string{"outcome"})

	// StepsTotal — выполненные шаги пайплайна по результату.
	StepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convect_engine_steps_total",
		Help: "Pipeline steps executed, by step and outcome",
	}, []string{"step", "outcome"})

	// StepRetriesTotal — принятые retry шагов.
	StepRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convect_engine_step_retries_total",
		Help: "Accepted step retries, by step",
	}, []string{"step"})

	// ReapedTotal — объекты, убранные reaper'ом, по виду
	// (viz_idle, viz_dead, stale_job).
	ReapedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convect_reaped_total",
		Help: "Objects reclaimed by the reaper, by kind",
	}, []string{"kind"})

	// RunsTotal — сценарии, достигшие терминального статуса.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convect_runs_total",
		Help: "Scenario runs finished, by terminal status",
	}, []string{"status"})
)
