package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Convect/internal/domain"
)

// Значения по умолчанию.
const (
	defaultPortMin        = 11111
	defaultPortMax        = 11126
	defaultWorkers        = 4
	defaultOutputCap      = 10 * 1024 * 1024
	defaultJobTimeoutSec  = 3600
	defaultMaxRetries     = 3
	defaultStartupSec     = 30
	defaultGraceSec       = 5
	defaultIdleSec        = 1800
	defaultStaleJobSec    = 7200
	defaultVizCommand     = "pvserver"
	defaultRejectStep     = domain.StepSolverSelection
	defaultReapCron       = "*/1 * * * *"
)

// Config — конфигурация всех сервисов Convect.
//
// Загружается из YAML-файла (путь в CONVECT_CONFIG, по умолчанию
// convect.yaml рядом с бинарём); отсутствующий файл — не ошибка,
// используются значения по умолчанию. Секреты и адреса внешних
// сервисов (DB_URL, MQ_URL) остаются в переменных окружения.
type Config struct {
	// DataDir — корень хранилища case-директорий.
	DataDir string `yaml:"data_dir"`

	Ports    PortsConfig    `yaml:"ports"`
	Viz      VizConfig      `yaml:"viz"`
	Executor ExecutorConfig `yaml:"executor"`
	Engine   EngineConfig   `yaml:"engine"`
	Reaper   ReaperConfig   `yaml:"reaper"`
}

// PortsConfig — диапазон портов пула viz-серверов.
type PortsConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// VizConfig — запуск и жизненный цикл viz-серверов.
type VizConfig struct {
	// Command — исполняемый файл сервера визуализации.
	Command string `yaml:"command"`

	// Args — дополнительные аргументы (до --server-port/--data).
	Args []string `yaml:"args"`

	// StartupTimeoutSec — сколько ждать готовности порта после запуска.
	StartupTimeoutSec int `yaml:"startup_timeout_sec"`

	// GraceSec — пауза между SIGTERM и SIGKILL при остановке.
	GraceSec int `yaml:"grace_sec"`

	// IdleThresholdSec — порог простоя для reaper.
	IdleThresholdSec int `yaml:"idle_threshold_sec"`
}

// ExecutorConfig — пул выполнения внешних команд.
type ExecutorConfig struct {
	// Workers — размер пула (сколько процессов одновременно).
	Workers int `yaml:"workers"`

	// OutputCapBytes — предел захвата stdout/stderr на поток.
	OutputCapBytes int `yaml:"output_cap_bytes"`

	// DefaultTimeoutSec — таймаут job, если не задан при отправке.
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// EngineConfig — параметры workflow engine.
type EngineConfig struct {
	// MaxRetries — лимит retry на один шаг пайплайна.
	MaxRetries int `yaml:"max_retries"`

	// RejectResumeStep — шаг, с которого продолжается run после reject.
	// По умолчанию SOLVER_SELECTION.
	RejectResumeStep domain.Step `yaml:"reject_resume_step"`
}

// ReaperConfig — расписание фоновых sweep'ов.
type ReaperConfig struct {
	// Cron — cron-выражение запуска sweep'а.
	Cron string `yaml:"cron"`

	// StaleJobSec — порог, после которого IN_PROGRESS job без executor'а
	// считается осиротевшим.
	StaleJobSec int `yaml:"stale_job_sec"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	return &Config{
		DataDir: "data/cases",
		Ports:   PortsConfig{Min: defaultPortMin, Max: defaultPortMax},
		Viz: VizConfig{
			Command:           defaultVizCommand,
			StartupTimeoutSec: defaultStartupSec,
			GraceSec:          defaultGraceSec,
			IdleThresholdSec:  defaultIdleSec,
		},
		Executor: ExecutorConfig{
			Workers:           defaultWorkers,
			OutputCapBytes:    defaultOutputCap,
			DefaultTimeoutSec: defaultJobTimeoutSec,
		},
		Engine: EngineConfig{
			MaxRetries:       defaultMaxRetries,
			RejectResumeStep: defaultRejectStep,
		},
		Reaper: ReaperConfig{
			Cron:        defaultReapCron,
			StaleJobSec: defaultStaleJobSec,
		},
	}
}

// Load читает конфигурацию из файла поверх значений по умолчанию.
// Отсутствующий файл — не ошибка.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONVECT_CONFIG")
	}
	if path == "" {
		path = "convect.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if dir := os.Getenv("CONVECT_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет согласованность значений.
func (c *Config) Validate() error {
	if c.Ports.Min <= 0 || c.Ports.Max < c.Ports.Min {
		return fmt.Errorf("invalid port range [%d, %d]", c.Ports.Min, c.Ports.Max)
	}
	if c.Executor.Workers <= 0 {
		return fmt.Errorf("executor workers must be positive, got %d", c.Executor.Workers)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine max_retries must be non-negative, got %d", c.Engine.MaxRetries)
	}
	if !c.Engine.RejectResumeStep.IsValid() {
		return fmt.Errorf("unknown reject_resume_step %q", c.Engine.RejectResumeStep)
	}
	return nil
}

// StartupTimeout возвращает таймаут готовности viz-сервера.
func (c *VizConfig) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSec) * time.Second
}

// Grace возвращает паузу между SIGTERM и SIGKILL.
func (c *VizConfig) Grace() time.Duration {
	return time.Duration(c.GraceSec) * time.Second
}

// IdleThreshold возвращает порог простоя viz-сервера.
func (c *VizConfig) IdleThreshold() time.Duration {
	return time.Duration(c.IdleThresholdSec) * time.Second
}

// StaleJobThreshold возвращает порог осиротевших jobs.
func (c *ReaperConfig) StaleJobThreshold() time.Duration {
	return time.Duration(c.StaleJobSec) * time.Second
}
