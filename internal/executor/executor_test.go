//go:build !windows

package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/mq"
	"github.com/shaiso/Convect/internal/repo"
)

// memLedger — in-memory Ledger для тестов.
type memLedger struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
}

func newMemLedger(jobs ...*domain.Job) *memLedger {
	l := &memLedger{jobs: make(map[uuid.UUID]*domain.Job)}
	for _, j := range jobs {
		copied := *j
		l.jobs[j.ID] = &copied
	}
	return l
}

func (l *memLedger) GetByID(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (l *memLedger) UpdateStatus(_ context.Context, job *domain.Job, from domain.JobStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	stored, ok := l.jobs[job.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if stored.Status != from {
		return repo.ErrConflict
	}
	copied := *job
	l.jobs[job.ID] = &copied
	return nil
}

func (l *memLedger) ListSubmitted(_ context.Context, limit int) ([]domain.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Job
	for _, j := range l.jobs {
		if j.Status == domain.JobStatusSubmitted && len(out) < limit {
			out = append(out, *j)
		}
	}
	return out, nil
}

// memPublisher записывает опубликованные события.
type memPublisher struct {
	mu        sync.Mutex
	completed []mq.JobCompletedPayload
}

func (p *memPublisher) PublishJobCompleted(_ context.Context, payload mq.JobCompletedPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, payload)
	return nil
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.completed)
}

func (p *memPublisher) last() mq.JobCompletedPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed[len(p.completed)-1]
}

// memViz записывает вызовы Ensure.
type memViz struct {
	mu    sync.Mutex
	cases []string
}

func (v *memViz) Ensure(_ context.Context, casePath string) (*domain.VizServer, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cases = append(v.cases, casePath)
	return &domain.VizServer{CasePath: casePath, Port: 11111, Status: domain.VizStatusRunning}, false, nil
}

func (v *memViz) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cases)
}

func newTestExecutor(t *testing.T, ledger Ledger, pub Publisher, viz VizNotifier) *Executor {
	t.Helper()
	return New(Config{
		Ledger:    ledger,
		Publisher: pub,
		Viz:       viz,
		Workers:   2,
	})
}

func newTestJob(kind domain.JobKind, script string) *domain.Job {
	job := domain.NewJob(kind, "", "sh", []string{"-c", script})
	job.Cwd = "/tmp"
	return job
}

func TestExecutor_ProcessJob_CommandSuccess(t *testing.T) {
	job := newTestJob(domain.JobKindCommand, "echo done")
	ledger := newMemLedger(job)
	pub := &memPublisher{}
	viz := &memViz{}
	e := newTestExecutor(t, ledger, pub, viz)

	if err := e.processJob(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := ledger.GetByID(context.Background(), job.ID)
	if got.Status != domain.JobStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", got.ExitCode)
	}
	if pub.count() != 1 {
		t.Errorf("expected one job.completed event, got %d", pub.count())
	}
	payload := pub.last()
	if payload.JobID != job.ID {
		t.Errorf("expected event for job %s, got %s", job.ID, payload.JobID)
	}
	if payload.Kind != domain.JobKindCommand {
		t.Errorf("expected kind %s in event, got %s", domain.JobKindCommand, payload.Kind)
	}
	if payload.Status != domain.JobStatusCompleted {
		t.Errorf("expected status %s in event, got %s", domain.JobStatusCompleted, payload.Status)
	}
	// Для command jobs viz-сервер не поднимается
	if viz.count() != 0 {
		t.Errorf("viz must not be started for command jobs, got %d calls", viz.count())
	}
}

func TestExecutor_ProcessJob_MeshAwaitsApproval(t *testing.T) {
	job := newTestJob(domain.JobKindMeshGeneration, "true")
	job.CasePath = "cavity"
	ledger := newMemLedger(job)
	viz := &memViz{}
	e := newTestExecutor(t, ledger, &memPublisher{}, viz)

	if err := e.processJob(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := ledger.GetByID(context.Background(), job.ID)
	if got.Status != domain.JobStatusWaitingApproval {
		t.Errorf("expected WAITING_APPROVAL, got %s", got.Status)
	}
	if viz.count() != 1 {
		t.Errorf("expected one viz Ensure call, got %d", viz.count())
	}
}

func TestExecutor_ProcessJob_NonzeroExit(t *testing.T) {
	job := newTestJob(domain.JobKindSolverRun, "echo boom >&2; exit 3")
	ledger := newMemLedger(job)
	e := newTestExecutor(t, ledger, &memPublisher{}, nil)

	if err := e.processJob(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := ledger.GetByID(context.Background(), job.ID)
	if got.Status != domain.JobStatusError {
		t.Fatalf("expected ERROR, got %s", got.Status)
	}
	if got.ErrorDetail == nil || got.ErrorDetail.Category != domain.ErrorCategoryNonzeroExit {
		t.Errorf("expected nonzero_exit category, got %+v", got.ErrorDetail)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %v", got.ExitCode)
	}
}

func TestExecutor_ProcessJob_Timeout(t *testing.T) {
	job := newTestJob(domain.JobKindSolverRun, "sleep 30")
	job.TimeoutSec = 1
	ledger := newMemLedger(job)
	e := newTestExecutor(t, ledger, &memPublisher{}, nil)

	if err := e.processJob(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := ledger.GetByID(context.Background(), job.ID)
	if got.Status != domain.JobStatusError {
		t.Fatalf("expected ERROR, got %s", got.Status)
	}
	if got.ErrorDetail == nil || got.ErrorDetail.Category != domain.ErrorCategoryTimeout {
		t.Errorf("expected timeout category, got %+v", got.ErrorDetail)
	}
}

func TestExecutor_ProcessJob_InvalidCommand(t *testing.T) {
	job := domain.NewJob(domain.JobKindCommand, "", "no-such-binary-convect", nil)
	job.Cwd = "/tmp"
	ledger := newMemLedger(job)
	e := newTestExecutor(t, ledger, &memPublisher{}, nil)

	if err := e.processJob(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := ledger.GetByID(context.Background(), job.ID)
	if got.Status != domain.JobStatusError {
		t.Fatalf("expected ERROR, got %s", got.Status)
	}
	if got.ErrorDetail == nil || got.ErrorDetail.Category != domain.ErrorCategoryInvalidCommand {
		t.Errorf("expected invalid_command category, got %+v", got.ErrorDetail)
	}
}

func TestExecutor_ProcessJob_NotSubmitted(t *testing.T) {
	job := newTestJob(domain.JobKindCommand, "true")
	job.Status = domain.JobStatusCompleted
	ledger := newMemLedger(job)
	e := newTestExecutor(t, ledger, &memPublisher{}, nil)

	err := e.processJob(context.Background(), job.ID)
	if !errors.Is(err, ErrJobNotSubmitted) {
		t.Errorf("expected ErrJobNotSubmitted, got %v", err)
	}
}

func TestExecutor_ProcessJob_NotFound(t *testing.T) {
	e := newTestExecutor(t, newMemLedger(), &memPublisher{}, nil)

	err := e.processJob(context.Background(), uuid.New())
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestExecutor_Cancel(t *testing.T) {
	job := newTestJob(domain.JobKindCommand, "sleep 30")
	ledger := newMemLedger(job)
	e := newTestExecutor(t, ledger, &memPublisher{}, nil)

	done := make(chan error, 1)
	go func() { done <- e.processJob(context.Background(), job.ID) }()

	// Ждём пока job попадёт в inflight-реестр
	deadline := time.Now().Add(5 * time.Second)
	for e.InflightCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := e.Cancel(job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("processJob did not return after cancel")
	}

	got, _ := ledger.GetByID(context.Background(), job.ID)
	if got.Status != domain.JobStatusError {
		t.Fatalf("expected ERROR, got %s", got.Status)
	}
	if got.ErrorDetail == nil || got.ErrorDetail.Category != domain.ErrorCategoryCancelled {
		t.Errorf("expected cancelled category, got %+v", got.ErrorDetail)
	}
}

func TestExecutor_Cancel_NotRunning(t *testing.T) {
	e := newTestExecutor(t, newMemLedger(), &memPublisher{}, nil)

	if err := e.Cancel(uuid.New()); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}
