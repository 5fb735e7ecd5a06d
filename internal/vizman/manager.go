package vizman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/liveness"
	"github.com/shaiso/Convect/internal/portpool"
	"github.com/shaiso/Convect/internal/repo"
	"github.com/shaiso/Convect/internal/telemetry"
)

// Default configuration values.
const (
	defaultStartupTimeout = 30 * time.Second
	defaultGrace          = 5 * time.Second
)

// Store — реестр viz-серверов.
// Реализуется repo.VizRepo (Postgres) и memStore в тестах.
//
// Get возвращает repo.ErrNotFound, если записи нет.
// Lock берёт межпроцессный лок на case и возвращает функцию снятия.
// LockPort пытается взять межпроцессный лок на порт (ok=false — порт
// резервирует другой процесс); PortInUse проверяет, занят ли порт
// живой записью реестра.
type Store interface {
	Get(ctx context.Context, casePath string) (*domain.VizServer, error)
	Put(ctx context.Context, srv *domain.VizServer) error
	Delete(ctx context.Context, casePath string) error
	List(ctx context.Context) ([]domain.VizServer, error)
	Lock(ctx context.Context, casePath string) (func(), error)
	LockPort(ctx context.Context, port int) (unlock func(), ok bool, err error)
	PortInUse(ctx context.Context, port int) (bool, error)
}

// Launcher запускает и останавливает процессы viz-серверов.
// Реализуется ProcessLauncher; в тестах — фейком.
type Launcher interface {
	// Start запускает сервер для case на указанном порту и
	// возвращает PID процесса.
	Start(ctx context.Context, casePath string, port int) (int, error)

	// Stop останавливает процесс: мягкий сигнал, пауза grace,
	// затем принудительное убийство, если процесс ещё жив.
	Stop(ctx context.Context, pid int, grace time.Duration) error
}

// Manager — менеджер жизненного цикла viz-серверов.
type Manager struct {
	store    Store
	launcher Launcher
	pool     *portpool.Pool

	startupTimeout time.Duration
	grace          time.Duration

	// Пер-case сериализация внутри процесса.
	caseMu map[string]*sync.Mutex
	mu     sync.Mutex

	// Проверки живости; подменяются в тестах.
	pidAlive  func(pid int) bool
	portReady func(port int) bool
	waitReady func(ctx context.Context, port int) error

	logger *slog.Logger
}

// Config — конфигурация Manager.
type Config struct {
	// Store (обязательно)
	Store Store

	// Launcher (обязательно)
	Launcher Launcher

	// Pool — пул портов (обязательно)
	Pool *portpool.Pool

	// StartupTimeout — сколько ждать готовности порта (default: 30s)
	StartupTimeout time.Duration

	// Grace — пауза между мягким сигналом и убийством (default: 5s)
	Grace time.Duration

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Manager.
func New(cfg Config) *Manager {
	startupTimeout := cfg.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = defaultStartupTimeout
	}

	grace := cfg.Grace
	if grace <= 0 {
		grace = defaultGrace
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:          cfg.Store,
		launcher:       cfg.Launcher,
		pool:           cfg.Pool,
		startupTimeout: startupTimeout,
		grace:          grace,
		caseMu:         make(map[string]*sync.Mutex),
		pidAlive:       liveness.PidAlive,
		portReady:      liveness.PortReady,
		waitReady:      liveness.WaitPortReady,
		logger:         logger,
	}
}

// Ensure возвращает работающий viz-сервер для case, поднимая его
// при необходимости.
//
// reused == true означает, что живой сервер уже был и переиспользован.
// Живость существующей записи перепроверяется по ОС: мёртвый процесс
// или закрытый порт — запись вычищается и сервер поднимается заново.
func (m *Manager) Ensure(ctx context.Context, casePath string) (srv *domain.VizServer, reused bool, err error) {
	if casePath == "" {
		return nil, false, fmt.Errorf("%w: empty case path", ErrNotFound)
	}

	unlock, err := m.lockCase(ctx, casePath)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	defer func() {
		telemetry.VizEnsureTotal.WithLabelValues(ensureOutcome(reused, err)).Inc()
	}()

	// Живая запись — переиспользуем
	existing, err := m.store.Get(ctx, casePath)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, false, fmt.Errorf("get viz record: %w", err)
	}
	if existing != nil && existing.Status == domain.VizStatusRunning {
		if m.pidAlive(existing.PID) && m.portReady(existing.Port) {
			existing.LastActivityAt = time.Now().UTC()
			if err := m.store.Put(ctx, existing); err != nil {
				return nil, false, fmt.Errorf("touch viz record: %w", err)
			}
			return existing, true, nil
		}

		// Запись мёртвая: процесс умер или порт закрыт
		m.logger.Warn("stale viz record, respawning",
			"case_path", casePath,
			"pid", existing.PID,
			"port", existing.Port,
		)
		m.discard(ctx, existing)
	}

	srv, err = m.spawn(ctx, casePath)
	return srv, false, err
}

// spawn выделяет порт, запускает процесс и ждёт готовности.
// Вызывается под локом case.
func (m *Manager) spawn(ctx context.Context, casePath string) (*domain.VizServer, error) {
	port, unlockPort, err := m.reservePort(ctx)
	if err != nil {
		if errors.Is(err, portpool.ErrExhausted) {
			return nil, fmt.Errorf("%w: %d ports in use", ErrPoolExhausted, m.pool.Size())
		}
		return nil, err
	}
	// Лок порта держится до записи в реестр: после Put порт видят
	// чужие reservePort через PortInUse
	defer unlockPort()
	telemetry.VizPortsFree.Set(float64(m.pool.Free()))

	pid, err := m.launcher.Start(ctx, casePath, port)
	if err != nil {
		m.releasePort(port)
		m.recordError(ctx, casePath, fmt.Sprintf("start failed: %v", err))
		return nil, fmt.Errorf("start viz server: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.startupTimeout)
	defer cancel()
	if err := m.waitReady(waitCtx, port); err != nil {
		_ = m.launcher.Stop(ctx, pid, 0)
		m.releasePort(port)
		m.recordError(ctx, casePath, fmt.Sprintf("port %d not ready within %s", port, m.startupTimeout))
		return nil, fmt.Errorf("%w: port %d", ErrStartupTimeout, port)
	}

	now := time.Now().UTC()
	srv := &domain.VizServer{
		CasePath:       casePath,
		Port:           port,
		PID:            pid,
		Status:         domain.VizStatusRunning,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.Put(ctx, srv); err != nil {
		_ = m.launcher.Stop(ctx, pid, 0)
		m.releasePort(port)
		return nil, fmt.Errorf("persist viz record: %w", err)
	}

	telemetry.VizServersRunning.Inc()
	m.logger.Info("viz server started",
		"case_path", casePath,
		"port", port,
		"pid", pid,
	)
	return srv, nil
}

// reservePort выдаёт порт, свободный во всём реестре, а не только
// в пуле этого процесса: пулы живут в памяти каждого демона, поэтому
// кандидат дополнительно проверяется под межпроцессным локом порта
// на занятость живой записью реестра.
func (m *Manager) reservePort(ctx context.Context) (int, func(), error) {
	busy, err := m.registryPorts(ctx)
	if err != nil {
		return 0, nil, err
	}

	for {
		port, err := m.pool.AcquireExcluding(busy)
		if err != nil {
			return 0, nil, err
		}

		unlock, ok, err := m.store.LockPort(ctx, port)
		if err != nil {
			m.releasePort(port)
			return 0, nil, fmt.Errorf("lock port %d: %w", port, err)
		}
		if ok {
			inUse, err := m.store.PortInUse(ctx, port)
			if err != nil {
				unlock()
				m.releasePort(port)
				return 0, nil, fmt.Errorf("check port %d: %w", port, err)
			}
			if !inUse {
				return port, unlock, nil
			}
			unlock()
		}

		// Порт занят сервером или резервацией другого процесса
		m.releasePort(port)
		busy[port] = true
	}
}

// registryPorts возвращает порты работающих серверов из реестра.
func (m *Manager) registryPorts(ctx context.Context) (map[int]bool, error) {
	servers, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list viz servers: %w", err)
	}
	busy := make(map[int]bool, len(servers))
	for i := range servers {
		if servers[i].Status == domain.VizStatusRunning && servers[i].Port > 0 {
			busy[servers[i].Port] = true
		}
	}
	return busy, nil
}

// Stop останавливает viz-сервер case и освобождает его порт.
func (m *Manager) Stop(ctx context.Context, casePath string) error {
	unlock, err := m.lockCase(ctx, casePath)
	if err != nil {
		return err
	}
	defer unlock()

	srv, err := m.store.Get(ctx, casePath)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, casePath)
		}
		return fmt.Errorf("get viz record: %w", err)
	}
	if srv.Status != domain.VizStatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, casePath, srv.Status)
	}

	if m.pidAlive(srv.PID) {
		if err := m.launcher.Stop(ctx, srv.PID, m.grace); err != nil {
			return fmt.Errorf("stop viz server: %w", err)
		}
	}

	srv.Status = domain.VizStatusStopped
	if err := m.store.Put(ctx, srv); err != nil {
		return fmt.Errorf("update viz record: %w", err)
	}
	m.releasePort(srv.Port)
	telemetry.VizServersRunning.Dec()

	m.logger.Info("viz server stopped",
		"case_path", casePath,
		"port", srv.Port,
		"pid", srv.PID,
	)
	return nil
}

// Touch продлевает жизнь сервера: обновляет LastActivityAt,
// чтобы reaper не остановил его как простаивающий.
func (m *Manager) Touch(ctx context.Context, casePath string) error {
	unlock, err := m.lockCase(ctx, casePath)
	if err != nil {
		return err
	}
	defer unlock()

	srv, err := m.store.Get(ctx, casePath)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, casePath)
		}
		return fmt.Errorf("get viz record: %w", err)
	}
	if srv.Status != domain.VizStatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, casePath, srv.Status)
	}

	srv.LastActivityAt = time.Now().UTC()
	return m.store.Put(ctx, srv)
}

// Get возвращает запись сервера с перепроверенной живостью.
func (m *Manager) Get(ctx context.Context, casePath string) (*domain.VizServer, error) {
	srv, err := m.store.Get(ctx, casePath)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, casePath)
		}
		return nil, err
	}
	if srv.Status == domain.VizStatusRunning && !m.pidAlive(srv.PID) {
		srv.Status = domain.VizStatusStopped
	}
	return srv, nil
}

// List возвращает все записи реестра.
func (m *Manager) List(ctx context.Context) ([]domain.VizServer, error) {
	return m.store.List(ctx)
}

// Reap останавливает простаивающие серверы и вычищает записи
// с мёртвыми процессами — работающие и нет.
//
// Мёртвый процесс не убивается повторно — запись просто удаляется
// и порт возвращается в пул.
func (m *Manager) Reap(ctx context.Context, idleThreshold time.Duration) (stopped, cleaned int, err error) {
	servers, err := m.store.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list viz servers: %w", err)
	}

	for i := range servers {
		srv := &servers[i]
		if srv.Status != domain.VizStatusRunning {
			// STOPPED/ERROR записи с мёртвым процессом выметаются.
			// Порт не освобождаем: он вернулся в пул при Stop
			// и мог быть уже выдан другому серверу
			if srv.PID > 0 && m.pidAlive(srv.PID) {
				continue
			}
			if cleanErr := m.deleteStale(ctx, srv); cleanErr == nil {
				cleaned++
			}
			continue
		}

		if !m.pidAlive(srv.PID) {
			if cleanErr := m.cleanDead(ctx, srv); cleanErr == nil {
				cleaned++
			}
			continue
		}

		if idleThreshold > 0 && srv.IdleFor(time.Now().UTC()) >= idleThreshold {
			if stopErr := m.Stop(ctx, srv.CasePath); stopErr != nil {
				m.logger.Warn("failed to stop idle viz server",
					"case_path", srv.CasePath,
					"error", stopErr,
				)
				continue
			}
			m.logger.Info("idle viz server reaped",
				"case_path", srv.CasePath,
				"idle", srv.IdleFor(time.Now().UTC()).Round(time.Second),
			)
			stopped++
		}
	}

	return stopped, cleaned, nil
}

// Stats — текущее состояние менеджера.
type Stats struct {
	Running  int `json:"running"`
	PoolFree int `json:"pool_free"`
	PoolSize int `json:"pool_size"`
}

// Stats возвращает число живых серверов и состояние пула портов.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	servers, err := m.store.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	running := 0
	for i := range servers {
		if servers[i].Status == domain.VizStatusRunning && m.pidAlive(servers[i].PID) {
			running++
		}
	}
	return Stats{
		Running:  running,
		PoolFree: m.pool.Free(),
		PoolSize: m.pool.Size(),
	}, nil
}

// cleanDead удаляет запись мёртвого сервера под локом case.
func (m *Manager) cleanDead(ctx context.Context, srv *domain.VizServer) error {
	unlock, err := m.lockCase(ctx, srv.CasePath)
	if err != nil {
		return err
	}
	defer unlock()

	// Перечитываем под локом: сервер могли успеть перезапустить
	current, err := m.store.Get(ctx, srv.CasePath)
	if err != nil || current.PID != srv.PID || m.pidAlive(current.PID) {
		return fmt.Errorf("viz record changed under reap")
	}

	m.discard(ctx, current)
	m.logger.Info("dead viz record cleaned",
		"case_path", srv.CasePath,
		"pid", srv.PID,
	)
	return nil
}

// deleteStale удаляет неактивную запись под локом case.
// В отличие от cleanDead порт не трогается.
func (m *Manager) deleteStale(ctx context.Context, srv *domain.VizServer) error {
	unlock, err := m.lockCase(ctx, srv.CasePath)
	if err != nil {
		return err
	}
	defer unlock()

	// Перечитываем под локом: сервер могли успеть перезапустить
	current, err := m.store.Get(ctx, srv.CasePath)
	if err != nil || current.Status == domain.VizStatusRunning {
		return fmt.Errorf("viz record changed under reap")
	}
	if err := m.store.Delete(ctx, srv.CasePath); err != nil {
		return err
	}
	m.logger.Info("stale viz record cleaned",
		"case_path", srv.CasePath,
		"status", current.Status,
	)
	return nil
}

// discard удаляет запись и возвращает порт в пул. Процесс не трогается.
func (m *Manager) discard(ctx context.Context, srv *domain.VizServer) {
	if err := m.store.Delete(ctx, srv.CasePath); err != nil {
		m.logger.Warn("failed to delete viz record", "case_path", srv.CasePath, "error", err)
	}
	m.releasePort(srv.Port)
	telemetry.VizServersRunning.Dec()
}

// recordError сохраняет запись со статусом ERROR, чтобы причина
// неудачного запуска была видна в API.
func (m *Manager) recordError(ctx context.Context, casePath, msg string) {
	now := time.Now().UTC()
	srv := &domain.VizServer{
		CasePath:       casePath,
		Status:         domain.VizStatusError,
		ErrorMessage:   msg,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.Put(ctx, srv); err != nil {
		m.logger.Warn("failed to persist viz error record", "case_path", casePath, "error", err)
	}
}

// releasePort возвращает порт в пул.
// Порт, выданный другим процессом, пул этого процесса не знает —
// такая ошибка игнорируется.
func (m *Manager) releasePort(port int) {
	if err := m.pool.Release(port); err != nil &&
		!errors.Is(err, portpool.ErrNotAcquired) && !errors.Is(err, portpool.ErrNotOwned) {
		m.logger.Warn("failed to release port", "port", port, "error", err)
	}
	telemetry.VizPortsFree.Set(float64(m.pool.Free()))
}

// lockCase берёт in-process мьютекс case, затем межпроцессный лок.
// Возвращённая функция снимает оба в обратном порядке.
func (m *Manager) lockCase(ctx context.Context, casePath string) (func(), error) {
	m.mu.Lock()
	mu, ok := m.caseMu[casePath]
	if !ok {
		mu = &sync.Mutex{}
		m.caseMu[casePath] = mu
	}
	m.mu.Unlock()

	mu.Lock()
	release, err := m.store.Lock(ctx, casePath)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("lock case: %w", err)
	}
	return func() {
		release()
		mu.Unlock()
	}, nil
}

func ensureOutcome(reused bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case reused:
		return "reused"
	default:
		return "started"
	}
}
