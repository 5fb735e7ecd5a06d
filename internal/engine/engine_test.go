package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/mq"
	"github.com/shaiso/Convect/internal/repo"
)

// memRunStore — in-memory RunStore для тестов.
// Update повторяет CAS-семантику repo.RunRepo.
type memRunStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*domain.ScenarioRun

	// beforeUpdate выполняется перед применением Update (для
	// имитации конкурентной записи между чтением и CAS).
	beforeUpdate func()
}

func newMemRunStore(runs ...*domain.ScenarioRun) *memRunStore {
	s := &memRunStore{runs: make(map[uuid.UUID]*domain.ScenarioRun)}
	for _, r := range runs {
		s.runs[r.ID] = cloneRun(r)
	}
	return s
}

func cloneRun(r *domain.ScenarioRun) *domain.ScenarioRun {
	copied := *r
	copied.Params = make(map[string]any, len(r.Params))
	for k, v := range r.Params {
		copied.Params[k] = v
	}
	copied.RetryCounts = make(map[domain.Step]int, len(r.RetryCounts))
	for k, v := range r.RetryCounts {
		copied.RetryCounts[k] = v
	}
	return &copied
}

func (s *memRunStore) GetByID(_ context.Context, id uuid.UUID) (*domain.ScenarioRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return cloneRun(run), nil
}

func (s *memRunStore) Update(_ context.Context, run *domain.ScenarioRun, from domain.RunStatus) error {
	if s.beforeUpdate != nil {
		s.beforeUpdate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[run.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if stored.Status != from {
		return repo.ErrConflict
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// setParams дозаписывает params напрямую в хранилище, как это
// делает PUT /runs/{id}/params в обход engine.
func (s *memRunStore) setParams(id uuid.UUID, params map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.runs[id]
	if run.Params == nil {
		run.Params = make(map[string]any, len(params))
	}
	for k, v := range params {
		run.Params[k] = v
	}
}

func (s *memRunStore) List(_ context.Context, filter repo.RunFilter) ([]domain.ScenarioRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScenarioRun
	for _, r := range s.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, *cloneRun(r))
	}
	return out, nil
}

func (s *memRunStore) ListPending(ctx context.Context, limit int) ([]domain.ScenarioRun, error) {
	return s.List(ctx, repo.RunFilter{Status: domain.RunStatusPending, Limit: limit})
}

// stepRecorder записывает порядок выполненных шагов.
type stepRecorder struct {
	mu    sync.Mutex
	steps []domain.Step
}

func (r *stepRecorder) record(step domain.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *stepRecorder) executed() []domain.Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// okAgents регистрирует успешных агентов для всех рабочих шагов.
func okAgents(reg *Registry, rec *stepRecorder) {
	for _, step := range domain.Pipeline() {
		if step == domain.StepUserApproval || step == domain.StepComplete {
			continue
		}
		step := step
		reg.Register(step, AgentFunc(func(_ context.Context, _ *domain.ScenarioRun) (map[string]any, error) {
			rec.record(step)
			return map[string]any{string(step): "done"}, nil
		}))
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func statusIs(store *memRunStore, id uuid.UUID, status domain.RunStatus) func() bool {
	return func() bool {
		run, err := store.GetByID(context.Background(), id)
		return err == nil && run.Status == status
	}
}

func TestEngine_RunToCompletion(t *testing.T) {
	run := domain.NewScenarioRun("cavity", map[string]any{"prompt": "lid-driven cavity"}, 3)
	store := newMemRunStore(run)
	reg := NewRegistry()
	rec := &stepRecorder{}
	okAgents(reg, rec)
	e := New(Config{Runs: store, Registry: reg})

	if err := e.claim(context.Background(), run.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, "approval gate", statusIs(store, run.ID, domain.RunStatusPaused))

	paused, _ := store.GetByID(context.Background(), run.ID)
	if !paused.AwaitingApproval {
		t.Error("expected AwaitingApproval at gate")
	}
	if paused.CurrentStep != domain.StepUserApproval {
		t.Errorf("expected USER_APPROVAL, got %s", paused.CurrentStep)
	}

	// Шаги до gate выполнены по порядку, дальше gate — ничего
	wantBefore := []domain.Step{
		domain.StepNLInterpretation,
		domain.StepMeshGeneration,
		domain.StepBoundaryConditions,
		domain.StepSolverSelection,
		domain.StepCaseWriting,
	}
	got := rec.executed()
	if len(got) != len(wantBefore) {
		t.Fatalf("expected %d steps before gate, got %v", len(wantBefore), got)
	}
	for i := range wantBefore {
		if got[i] != wantBefore[i] {
			t.Errorf("step %d: expected %s, got %s", i, wantBefore[i], got[i])
		}
	}

	if err := e.Decide(context.Background(), mq.RunDecisionPayload{
		RunID:    run.ID,
		Decision: mq.DecisionApprove,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, "completion", statusIs(store, run.ID, domain.RunStatusCompleted))

	final, _ := store.GetByID(context.Background(), run.ID)
	if final.CurrentStep != domain.StepComplete {
		t.Errorf("expected COMPLETE, got %s", final.CurrentStep)
	}
	if final.Params["SIMULATION"] != "done" {
		t.Error("expected step outputs merged into params")
	}
	for step, count := range final.RetryCounts {
		if count != 0 {
			t.Errorf("unexpected retries for %s: %d", step, count)
		}
	}
}

func TestEngine_RejectResumesEarlierStep(t *testing.T) {
	run := domain.NewScenarioRun("cavity", nil, 3)
	store := newMemRunStore(run)
	reg := NewRegistry()
	rec := &stepRecorder{}
	okAgents(reg, rec)
	e := New(Config{Runs: store, Registry: reg, RejectResumeStep: domain.StepSolverSelection})

	if err := e.claim(context.Background(), run.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "first approval gate", statusIs(store, run.ID, domain.RunStatusPaused))

	before := len(rec.executed())
	if err := e.Decide(context.Background(), mq.RunDecisionPayload{
		RunID:    run.ID,
		Decision: mq.DecisionReject,
		Feedback: "use simpleFoam instead",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Reject возвращает run на SOLVER_SELECTION, и он снова доходит до gate
	waitFor(t, "second approval gate", func() bool {
		r, _ := store.GetByID(context.Background(), run.ID)
		return r.Status == domain.RunStatusPaused && len(rec.executed()) > before
	})

	redone := rec.executed()[before:]
	want := []domain.Step{domain.StepSolverSelection, domain.StepCaseWriting}
	if len(redone) != len(want) {
		t.Fatalf("expected re-run of %v, got %v", want, redone)
	}
	for i := range want {
		if redone[i] != want[i] {
			t.Errorf("re-run step %d: expected %s, got %s", i, want[i], redone[i])
		}
	}

	paused, _ := store.GetByID(context.Background(), run.ID)
	if paused.Feedback != "use simpleFoam instead" {
		t.Errorf("expected feedback preserved, got %q", paused.Feedback)
	}
	// Reject — не ошибка шага, retry-счётчики нулевые
	for step, count := range paused.RetryCounts {
		if count != 0 {
			t.Errorf("reject must not count as retry, %s=%d", step, count)
		}
	}

	if err := e.Decide(context.Background(), mq.RunDecisionPayload{
		RunID:    run.ID,
		Decision: mq.DecisionApprove,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "completion", statusIs(store, run.ID, domain.RunStatusCompleted))
}

func TestEngine_CancelAtGate(t *testing.T) {
	run := domain.NewScenarioRun("cavity", nil, 3)
	store := newMemRunStore(run)
	reg := NewRegistry()
	okAgents(reg, &stepRecorder{})
	e := New(Config{Runs: store, Registry: reg})

	if err := e.claim(context.Background(), run.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "approval gate", statusIs(store, run.ID, domain.RunStatusPaused))

	if err := e.Decide(context.Background(), mq.RunDecisionPayload{
		RunID:    run.ID,
		Decision: mq.DecisionCancel,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, "cancellation", statusIs(store, run.ID, domain.RunStatusCancelled))

	final, _ := store.GetByID(context.Background(), run.ID)
	if final.AwaitingApproval {
		t.Error("cancelled run must not stay awaiting approval")
	}
}

func TestEngine_RetryLimitAborts(t *testing.T) {
	run := domain.NewScenarioRun("cavity", nil, 2)
	store := newMemRunStore(run)
	reg := NewRegistry()
	rec := &stepRecorder{}
	okAgents(reg, rec)
	reg.Register(domain.StepMeshGeneration, AgentFunc(func(_ context.Context, _ *domain.ScenarioRun) (map[string]any, error) {
		rec.record(domain.StepMeshGeneration)
		return nil, errors.New("mesher crashed")
	}))
	e := New(Config{Runs: store, Registry: reg, RetryDelay: time.Millisecond})

	if err := e.claim(context.Background(), run.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "failure", statusIs(store, run.ID, domain.RunStatusFailed))

	final, _ := store.GetByID(context.Background(), run.ID)
	if final.RetryCounts[domain.StepMeshGeneration] != 2 {
		t.Errorf("expected 2 retries before abort, got %d", final.RetryCounts[domain.StepMeshGeneration])
	}
	if final.Error == "" {
		t.Error("expected error recorded on failed run")
	}

	// 1 попытка + 2 retry
	attempts := 0
	for _, step := range rec.executed() {
		if step == domain.StepMeshGeneration {
			attempts++
		}
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

// restartOnce — recovery, один раз перезапускающий пайплайн с раннего шага.
type restartOnce struct {
	mu   sync.Mutex
	used bool
	from domain.Step
}

func (r *restartOnce) Decide(_ context.Context, _ *domain.ScenarioRun, _ domain.Step, stepErr error) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return Decision{Action: ActionAbort, Reason: stepErr.Error()}
	}
	r.used = true
	return Decision{Action: ActionRestart, RestartFrom: r.from, Reason: stepErr.Error()}
}

func TestEngine_RecoveryRestart(t *testing.T) {
	run := domain.NewScenarioRun("cavity", nil, 3)
	store := newMemRunStore(run)
	reg := NewRegistry()
	rec := &stepRecorder{}
	okAgents(reg, rec)

	// Первая попытка BOUNDARY_CONDITIONS падает, после restart проходит
	var failed bool
	var failedMu sync.Mutex
	reg.Register(domain.StepBoundaryConditions, AgentFunc(func(_ context.Context, _ *domain.ScenarioRun) (map[string]any, error) {
		rec.record(domain.StepBoundaryConditions)
		failedMu.Lock()
		defer failedMu.Unlock()
		if !failed {
			failed = true
			return nil, fmt.Errorf("inconsistent boundary patch")
		}
		return nil, nil
	}))

	e := New(Config{
		Runs:     store,
		Registry: reg,
		Recovery: &restartOnce{from: domain.StepNLInterpretation},
	})

	if err := e.claim(context.Background(), run.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "approval gate", statusIs(store, run.ID, domain.RunStatusPaused))

	// NL_INTERPRETATION выполнен дважды: до и после restart
	nl := 0
	for _, step := range rec.executed() {
		if step == domain.StepNLInterpretation {
			nl++
		}
	}
	if nl != 2 {
		t.Errorf("expected NL_INTERPRETATION executed twice after restart, got %d", nl)
	}
}

func TestEngine_DecideAdoptsPausedRun(t *testing.T) {
	// Run остался PAUSED после рестарта engine — активной горутины нет
	run := domain.NewScenarioRun("cavity", nil, 3)
	run.MarkRunning()
	run.CurrentStep = domain.StepUserApproval
	run.MarkPausedForApproval()
	store := newMemRunStore(run)
	reg := NewRegistry()
	okAgents(reg, &stepRecorder{})
	e := New(Config{Runs: store, Registry: reg})

	if err := e.Decide(context.Background(), mq.RunDecisionPayload{
		RunID:    run.ID,
		Decision: mq.DecisionApprove,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, "completion", statusIs(store, run.ID, domain.RunStatusCompleted))
}

func TestEngine_DecideOnRunningRun(t *testing.T) {
	run := domain.NewScenarioRun("cavity", nil, 3)
	run.MarkRunning()
	store := newMemRunStore(run)
	e := New(Config{Runs: store, Registry: NewRegistry()})

	err := e.Decide(context.Background(), mq.RunDecisionPayload{
		RunID:    run.ID,
		Decision: mq.DecisionApprove,
	})
	if !errors.Is(err, ErrRunNotActive) {
		t.Errorf("expected ErrRunNotActive, got %v", err)
	}
}

func TestEngine_NoAgentFailsRun(t *testing.T) {
	run := domain.NewScenarioRun("cavity", nil, 3)
	store := newMemRunStore(run)
	e := New(Config{Runs: store, Registry: NewRegistry()})

	if err := e.claim(context.Background(), run.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "failure", statusIs(store, run.ID, domain.RunStatusFailed))
}

func TestEngine_ClaimLostRaceSkipsRun(t *testing.T) {
	// Второй engine успевает забрать run между чтением PENDING
	// и CAS-записью RUNNING
	run := domain.NewScenarioRun("cavity", nil, 3)
	store := newMemRunStore(run)
	reg := NewRegistry()
	okAgents(reg, &stepRecorder{})
	e := New(Config{Runs: store, Registry: reg})

	var once sync.Once
	store.beforeUpdate = func() {
		once.Do(func() {
			store.mu.Lock()
			store.runs[run.ID].Status = domain.RunStatusRunning
			store.mu.Unlock()
		})
	}

	if err := e.claim(context.Background(), run.ID); !errors.Is(err, ErrRunNotPending) {
		t.Fatalf("expected ErrRunNotPending for lost claim race, got %v", err)
	}
	if e.ActiveCount() != 0 {
		t.Error("lost claim must not adopt the run")
	}
}

func TestEngine_ParamsSetWhilePausedSurviveApproval(t *testing.T) {
	run := domain.NewScenarioRun("cavity", nil, 3)
	store := newMemRunStore(run)
	reg := NewRegistry()
	okAgents(reg, &stepRecorder{})
	e := New(Config{Runs: store, Registry: reg})

	if err := e.claim(context.Background(), run.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "approval gate", statusIs(store, run.ID, domain.RunStatusPaused))

	// Инженер дозаписывает параметры через API, пока run на паузе
	store.setParams(run.ID, map[string]any{"solver": "simpleFoam"})

	if err := e.Decide(context.Background(), mq.RunDecisionPayload{
		RunID:    run.ID,
		Decision: mq.DecisionApprove,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "completion", statusIs(store, run.ID, domain.RunStatusCompleted))

	final, _ := store.GetByID(context.Background(), run.ID)
	if final.Params["solver"] != "simpleFoam" {
		t.Errorf("params set while paused must survive approval, got %v", final.Params)
	}
}

// fixedDelayRetry — recovery с явной паузой перед повтором.
type fixedDelayRetry struct {
	delay time.Duration
}

func (r fixedDelayRetry) Decide(_ context.Context, _ *domain.ScenarioRun, _ domain.Step, stepErr error) Decision {
	return Decision{Action: ActionRetry, Delay: r.delay, Reason: stepErr.Error()}
}

func TestEngine_RetryWaitsBeforeReexecuting(t *testing.T) {
	run := domain.NewScenarioRun("cavity", nil, 2)
	store := newMemRunStore(run)
	reg := NewRegistry()
	rec := &stepRecorder{}
	okAgents(reg, rec)
	reg.Register(domain.StepNLInterpretation, AgentFunc(func(_ context.Context, _ *domain.ScenarioRun) (map[string]any, error) {
		rec.record(domain.StepNLInterpretation)
		return nil, errors.New("transient")
	}))

	const delay = 25 * time.Millisecond
	e := New(Config{Runs: store, Registry: reg, Recovery: fixedDelayRetry{delay: delay}})

	start := time.Now()
	if err := e.claim(context.Background(), run.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "failure", statusIs(store, run.ID, domain.RunStatusFailed))

	// 2 retry с паузой delay каждый
	if elapsed := time.Since(start); elapsed < 2*delay {
		t.Errorf("retries ran back-to-back: elapsed %s, expected at least %s", elapsed, 2*delay)
	}
}

func TestEngine_SubscribeJob(t *testing.T) {
	e := New(Config{Runs: newMemRunStore(), Registry: NewRegistry()})
	jobID := uuid.New()

	ch, unsub := e.SubscribeJob(jobID)
	defer unsub()

	e.notifyJob(mq.JobCompletedPayload{JobID: jobID, Status: "COMPLETED"})

	select {
	case payload := <-ch:
		if payload.Status != "COMPLETED" {
			t.Errorf("unexpected payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified")
	}

	// Чужой job не будит
	other, unsubOther := e.SubscribeJob(uuid.New())
	defer unsubOther()
	e.notifyJob(mq.JobCompletedPayload{JobID: jobID})
	select {
	case <-other:
		t.Error("unrelated subscriber must not be notified")
	case <-time.After(50 * time.Millisecond):
	}
}
