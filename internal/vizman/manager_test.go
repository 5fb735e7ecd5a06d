package vizman

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/portpool"
	"github.com/shaiso/Convect/internal/repo"
)

// memStore — in-memory Store для тестов. Один memStore, разделённый
// несколькими Manager'ами, имитирует общий реестр хоста.
type memStore struct {
	mu        sync.Mutex
	servers   map[string]*domain.VizServer
	locks     map[string]*sync.Mutex
	portLocks map[int]bool
}

func newMemStore() *memStore {
	return &memStore{
		servers:   make(map[string]*domain.VizServer),
		locks:     make(map[string]*sync.Mutex),
		portLocks: make(map[int]bool),
	}
}

func (s *memStore) Get(_ context.Context, casePath string) (*domain.VizServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[casePath]
	if !ok {
		return nil, repo.ErrNotFound
	}
	copied := *srv
	return &copied, nil
}

func (s *memStore) Put(_ context.Context, srv *domain.VizServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *srv
	s.servers[srv.CasePath] = &copied
	return nil
}

func (s *memStore) Delete(_ context.Context, casePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.servers, casePath)
	return nil
}

func (s *memStore) List(_ context.Context) ([]domain.VizServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.VizServer, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, *srv)
	}
	return out, nil
}

func (s *memStore) Lock(_ context.Context, casePath string) (func(), error) {
	s.mu.Lock()
	mu, ok := s.locks[casePath]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[casePath] = mu
	}
	s.mu.Unlock()
	mu.Lock()
	return mu.Unlock, nil
}

func (s *memStore) LockPort(_ context.Context, port int) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.portLocks[port] {
		return nil, false, nil
	}
	s.portLocks[port] = true
	return func() {
		s.mu.Lock()
		delete(s.portLocks, port)
		s.mu.Unlock()
	}, true, nil
}

func (s *memStore) PortInUse(_ context.Context, port int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, srv := range s.servers {
		if srv.Status == domain.VizStatusRunning && srv.Port == port {
			return true, nil
		}
	}
	return false, nil
}

// fakeLauncher имитирует процессы viz-серверов.
type fakeLauncher struct {
	mu      sync.Mutex
	nextPID int
	alive   map[int]bool
	ports   map[int]int
	starts  int
	stops   []int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{alive: make(map[int]bool), ports: make(map[int]int)}
}

func (f *fakeLauncher) Start(_ context.Context, _ string, port int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	pid := 1000 + f.nextPID
	f.alive[pid] = true
	f.ports[pid] = port
	f.starts++
	return pid, nil
}

func (f *fakeLauncher) Stop(_ context.Context, pid int, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
	f.stops = append(f.stops, pid)
	return nil
}

func (f *fakeLauncher) pidAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeLauncher) portReady(port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pid, p := range f.ports {
		if p == port && f.alive[pid] {
			return true
		}
	}
	return false
}

// kill имитирует смерть процесса снаружи (crash).
func (f *fakeLauncher) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
}

func (f *fakeLauncher) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func newTestManager(t *testing.T, poolSize int) (*Manager, *fakeLauncher, *memStore) {
	t.Helper()
	fl := newFakeLauncher()
	store := newMemStore()
	return newManagerFor(t, store, fl, poolSize), fl, store
}

// newManagerFor создаёт Manager со своим пулом портов поверх общих
// store и launcher — как отдельный демон того же хоста.
func newManagerFor(t *testing.T, store *memStore, fl *fakeLauncher, poolSize int) *Manager {
	t.Helper()
	pool, err := portpool.New(20000, 20000+poolSize-1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := New(Config{
		Store:    store,
		Launcher: fl,
		Pool:     pool,
		Grace:    time.Millisecond,
	})
	m.pidAlive = fl.pidAlive
	m.portReady = fl.portReady
	m.waitReady = func(context.Context, int) error { return nil }
	return m
}

func TestManager_Ensure_StartsServer(t *testing.T) {
	m, fl, _ := newTestManager(t, 4)

	srv, reused, err := m.Ensure(context.Background(), "cavity")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reused {
		t.Error("first Ensure must not report reused")
	}
	if srv.Status != domain.VizStatusRunning {
		t.Errorf("expected RUNNING, got %s", srv.Status)
	}
	if srv.Port != 20000 {
		t.Errorf("expected lowest pool port 20000, got %d", srv.Port)
	}
	if fl.startCount() != 1 {
		t.Errorf("expected one process start, got %d", fl.startCount())
	}
}

func TestManager_Ensure_ConcurrentSingleSpawn(t *testing.T) {
	m, fl, _ := newTestManager(t, 4)

	const n = 8
	var wg sync.WaitGroup
	ports := make(chan int, n)
	reusedCount := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv, reused, err := m.Ensure(context.Background(), "cavity")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			ports <- srv.Port
			reusedCount <- reused
		}()
	}
	wg.Wait()
	close(ports)
	close(reusedCount)

	if fl.startCount() != 1 {
		t.Fatalf("expected exactly one spawn, got %d", fl.startCount())
	}
	for port := range ports {
		if port != 20000 {
			t.Errorf("all callers must see the same port, got %d", port)
		}
	}
	fresh := 0
	for reused := range reusedCount {
		if !reused {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("exactly one caller must see reused=false, got %d", fresh)
	}
}

func TestManager_Ensure_SharedRegistryDistinctPorts(t *testing.T) {
	// Два менеджера с собственными пулами (API и executor одного
	// хоста) делят один реестр: порты не должны пересекаться
	store := newMemStore()
	fl := newFakeLauncher()
	m1 := newManagerFor(t, store, fl, 4)
	m2 := newManagerFor(t, store, fl, 4)
	ctx := context.Background()

	a, _, err := m1.Ensure(ctx, "case-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _, err := m2.Ensure(ctx, "case-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Port == b.Port {
		t.Fatalf("port %d assigned to both case-a and case-b", a.Port)
	}

	// И при конкурентных spawn из обоих процессов
	var wg sync.WaitGroup
	ports := make(chan int, 2)
	for _, pair := range []struct {
		m        *Manager
		casePath string
	}{{m1, "case-c"}, {m2, "case-d"}} {
		wg.Add(1)
		go func(m *Manager, casePath string) {
			defer wg.Done()
			srv, _, err := m.Ensure(ctx, casePath)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			ports <- srv.Port
		}(pair.m, pair.casePath)
	}
	wg.Wait()
	close(ports)

	seen := map[int]bool{a.Port: true, b.Port: true}
	for port := range ports {
		if seen[port] {
			t.Errorf("port %d assigned twice across managers", port)
		}
		seen[port] = true
	}
}

func TestManager_Ensure_PoolExhausted(t *testing.T) {
	m, _, _ := newTestManager(t, 2)

	ctx := context.Background()
	if _, _, err := m.Ensure(ctx, "case-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := m.Ensure(ctx, "case-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, err := m.Ensure(ctx, "case-c")
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	// Остановка сервера освобождает порт для нового case
	if err := m.Stop(ctx, "case-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := m.Ensure(ctx, "case-c"); err != nil {
		t.Fatalf("expected Ensure to succeed after Stop, got %v", err)
	}
}

func TestManager_Ensure_RespawnsDead(t *testing.T) {
	m, fl, _ := newTestManager(t, 4)
	ctx := context.Background()

	first, _, err := m.Ensure(ctx, "cavity")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fl.kill(first.PID)

	second, reused, err := m.Ensure(ctx, "cavity")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reused {
		t.Error("dead server must not be reported as reused")
	}
	if second.PID == first.PID {
		t.Error("expected a fresh process")
	}
	if fl.startCount() != 2 {
		t.Errorf("expected two spawns, got %d", fl.startCount())
	}
}

func TestManager_Ensure_StartupTimeout(t *testing.T) {
	m, _, store := newTestManager(t, 2)
	m.startupTimeout = 50 * time.Millisecond
	m.waitReady = func(ctx context.Context, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	}

	_, _, err := m.Ensure(context.Background(), "cavity")
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("expected ErrStartupTimeout, got %v", err)
	}

	// Порт вернулся в пул
	if free := m.pool.Free(); free != 2 {
		t.Errorf("expected port released, free=%d", free)
	}

	// Причина видна в реестре
	srv, err := store.Get(context.Background(), "cavity")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv.Status != domain.VizStatusError {
		t.Errorf("expected ERROR record, got %s", srv.Status)
	}
	if srv.ErrorMessage == "" {
		t.Error("expected error message in record")
	}
}

func TestManager_Stop(t *testing.T) {
	m, fl, store := newTestManager(t, 2)
	ctx := context.Background()

	srv, _, err := m.Ensure(ctx, "cavity")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Stop(ctx, "cavity"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fl.stops) != 1 || fl.stops[0] != srv.PID {
		t.Errorf("expected process %d stopped, got %v", srv.PID, fl.stops)
	}
	got, _ := store.Get(ctx, "cavity")
	if got.Status != domain.VizStatusStopped {
		t.Errorf("expected STOPPED, got %s", got.Status)
	}

	// Повторная остановка и неизвестный case
	if err := m.Stop(ctx, "cavity"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if err := m.Stop(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_Touch(t *testing.T) {
	m, _, store := newTestManager(t, 2)
	ctx := context.Background()

	srv, _, err := m.Ensure(ctx, "cavity")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := srv.LastActivityAt

	time.Sleep(10 * time.Millisecond)
	if err := m.Touch(ctx, "cavity"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := store.Get(ctx, "cavity")
	if !got.LastActivityAt.After(before) {
		t.Error("expected LastActivityAt to advance")
	}

	if err := m.Touch(ctx, "unknown"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_Reap(t *testing.T) {
	m, fl, store := newTestManager(t, 4)
	ctx := context.Background()

	// idle — простаивает дольше порога
	idle, _, err := m.Ensure(ctx, "idle-case")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	idle.LastActivityAt = time.Now().UTC().Add(-time.Hour)
	if err := store.Put(ctx, idle); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// busy — активен
	if _, _, err := m.Ensure(ctx, "busy-case"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// dead — процесс умер
	dead, _, err := m.Ensure(ctx, "dead-case")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fl.kill(dead.PID)

	// done — остановлен явно, запись осталась
	if _, _, err := m.Ensure(ctx, "done-case"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Stop(ctx, "done-case"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// broken — сервер не запустился, осталась ERROR-запись
	now := time.Now().UTC()
	if err := store.Put(ctx, &domain.VizServer{
		CasePath:       "broken-case",
		Status:         domain.VizStatusError,
		ErrorMessage:   "start failed",
		StartedAt:      now,
		LastActivityAt: now,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stopped, cleaned, err := m.Reap(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stopped != 1 {
		t.Errorf("expected 1 stopped, got %d", stopped)
	}
	// dead-case + done-case + broken-case
	if cleaned != 3 {
		t.Errorf("expected 3 cleaned, got %d", cleaned)
	}

	// Неактивные записи выметены
	for _, casePath := range []string{"done-case", "broken-case"} {
		if _, err := store.Get(ctx, casePath); !errors.Is(err, repo.ErrNotFound) {
			t.Errorf("expected %s record removed, got %v", casePath, err)
		}
	}

	// Активный сервер не тронут
	busy, err := store.Get(ctx, "busy-case")
	if err != nil || busy.Status != domain.VizStatusRunning {
		t.Errorf("busy server must survive reap: %v, %+v", err, busy)
	}

	// Мёртвая запись удалена без повторного kill
	if _, err := store.Get(ctx, "dead-case"); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected dead record removed, got %v", err)
	}
	for _, pid := range fl.stops {
		if pid == dead.PID {
			t.Error("dead process must not be signalled again")
		}
	}
}

func TestManager_Stats(t *testing.T) {
	m, fl, _ := newTestManager(t, 4)
	ctx := context.Background()

	a, _, _ := m.Ensure(ctx, "case-a")
	if _, _, err := m.Ensure(ctx, "case-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fl.kill(a.PID)

	stats, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Running != 1 {
		t.Errorf("expected 1 running (dead pid excluded), got %d", stats.Running)
	}
	if stats.PoolSize != 4 || stats.PoolFree != 2 {
		t.Errorf("unexpected pool stats: %+v", stats)
	}
}
