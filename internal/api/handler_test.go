//go:build !windows

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/Convect/internal/domain"
	"github.com/shaiso/Convect/internal/executor"
	"github.com/shaiso/Convect/internal/mq"
	"github.com/shaiso/Convect/internal/repo"
	"github.com/shaiso/Convect/internal/storage"
	"github.com/shaiso/Convect/internal/vizman"
)

// memJobStore — in-memory JobStore.
type memJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[uuid.UUID]*domain.Job)}
}

func (s *memJobStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memJobStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *memJobStore) UpdateStatus(_ context.Context, job *domain.Job, from domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if stored.Status != from {
		return fmt.Errorf("%w: job is %s", repo.ErrConflict, stored.Status)
	}
	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *memJobStore) List(_ context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

// memAPIRunStore — in-memory RunStore.
type memAPIRunStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*domain.ScenarioRun
}

func newMemAPIRunStore() *memAPIRunStore {
	return &memAPIRunStore{runs: make(map[uuid.UUID]*domain.ScenarioRun)}
}

func (s *memAPIRunStore) Create(_ context.Context, run *domain.ScenarioRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *memAPIRunStore) GetByID(_ context.Context, id uuid.UUID) (*domain.ScenarioRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *memAPIRunStore) Update(_ context.Context, run *domain.ScenarioRun, from domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.runs[run.ID]
	if !ok {
		return repo.ErrNotFound
	}
	if stored.Status != from {
		return repo.ErrConflict
	}
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *memAPIRunStore) List(_ context.Context, _ repo.RunFilter) ([]domain.ScenarioRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ScenarioRun
	for _, r := range s.runs {
		out = append(out, *r)
	}
	return out, nil
}

// fakeViz — VizService с заранее заданным поведением.
type fakeViz struct {
	srv    *domain.VizServer
	reused bool
	err    error
}

func (f *fakeViz) Ensure(context.Context, string) (*domain.VizServer, bool, error) {
	return f.srv, f.reused, f.err
}
func (f *fakeViz) Stop(context.Context, string) error   { return f.err }
func (f *fakeViz) Touch(context.Context, string) error  { return f.err }
func (f *fakeViz) Get(context.Context, string) (*domain.VizServer, error) {
	return f.srv, f.err
}
func (f *fakeViz) List(context.Context) ([]domain.VizServer, error) {
	if f.srv == nil {
		return nil, f.err
	}
	return []domain.VizServer{*f.srv}, f.err
}
func (f *fakeViz) Stats(context.Context) (vizman.Stats, error) {
	return vizman.Stats{Running: 1, PoolFree: 15, PoolSize: 16}, f.err
}

// recPublisher записывает опубликованные события.
type recPublisher struct {
	mu        sync.Mutex
	submitted []uuid.UUID
	cancelled []uuid.UUID
	pending   []uuid.UUID
	decisions []mq.RunDecisionPayload
}

func (p *recPublisher) PublishJobSubmitted(_ context.Context, jobID uuid.UUID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, jobID)
	return nil
}

func (p *recPublisher) PublishJobCancel(_ context.Context, jobID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, jobID)
	return nil
}

func (p *recPublisher) PublishRunPending(_ context.Context, runID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, runID)
	return nil
}

func (p *recPublisher) PublishRunDecision(_ context.Context, payload mq.RunDecisionPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisions = append(p.decisions, payload)
	return nil
}

type testEnv struct {
	jobs *memJobStore
	runs *memAPIRunStore
	viz  *fakeViz
	pub  *recPublisher
	mux  *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewCaseStore(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := &testEnv{
		jobs: newMemJobStore(),
		runs: newMemAPIRunStore(),
		viz:  &fakeViz{},
		pub:  &recPublisher{},
		mux:  http.NewServeMux(),
	}
	h := NewHandler(Config{
		Jobs:       env.jobs,
		Runs:       env.runs,
		Viz:        env.viz,
		Store:      store,
		Runner:     &executor.Runner{},
		Publisher:  env.pub,
		MaxRetries: 3,
	})
	h.RegisterRoutes(env.mux)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp.Data
}

func TestCreateJob(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", CreateJobRequest{
		Kind:     domain.JobKindCommand,
		CasePath: "cavity",
		Command:  "checkMesh",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	job := decodeData[JobResponse](t, rec)
	if job.Status != domain.JobStatusSubmitted {
		t.Errorf("expected SUBMITTED, got %s", job.Status)
	}
	if len(env.pub.submitted) != 1 || env.pub.submitted[0] != job.ID {
		t.Errorf("expected job.submitted published for %s", job.ID)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	env := newTestEnv(t)

	cases := []CreateJobRequest{
		{Kind: "bogus", CasePath: "cavity", Command: "x"},
		{Kind: domain.JobKindCommand, CasePath: "cavity"},
		{Kind: domain.JobKindCommand, Command: "x"},
	}
	for i, req := range cases {
		if rec := env.do(t, http.MethodPost, "/api/v1/jobs", req); rec.Code != http.StatusBadRequest {
			t.Errorf("case %d: expected 400, got %d", i, rec.Code)
		}
	}
}

func TestApproveJob(t *testing.T) {
	env := newTestEnv(t)

	job := domain.NewJob(domain.JobKindMeshGeneration, "cavity", "blockMesh", nil)
	job.MarkInProgress()
	job.MarkSucceeded(0, "done")
	if job.Status != domain.JobStatusWaitingApproval {
		t.Fatalf("precondition: expected WAITING_APPROVAL, got %s", job.Status)
	}
	_ = env.jobs.Create(context.Background(), job)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/approve", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	got := decodeData[JobResponse](t, rec)
	if got.Status != domain.JobStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.Status)
	}

	// Повторное решение по уже завершённому job
	rec = env.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/reject", RejectRequest{Feedback: "too coarse"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
}

func TestRejectJob(t *testing.T) {
	env := newTestEnv(t)

	job := domain.NewJob(domain.JobKindMeshGeneration, "cavity", "blockMesh", nil)
	job.MarkInProgress()
	job.MarkSucceeded(0, "done")
	_ = env.jobs.Create(context.Background(), job)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/reject", RejectRequest{Feedback: "refine near walls"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	got := decodeData[JobResponse](t, rec)
	if got.Status != domain.JobStatusRejected {
		t.Errorf("expected REJECTED, got %s", got.Status)
	}
	if got.Message != "refine near walls" {
		t.Errorf("expected feedback preserved, got %q", got.Message)
	}
}

func TestCancelJob_Submitted(t *testing.T) {
	env := newTestEnv(t)

	job := domain.NewJob(domain.JobKindCommand, "cavity", "sleepy", nil)
	_ = env.jobs.Create(context.Background(), job)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	got := decodeData[JobResponse](t, rec)
	if got.Status != domain.JobStatusError || got.ErrorDetail.Category != domain.ErrorCategoryCancelled {
		t.Errorf("expected cancelled ERROR, got %+v", got)
	}
}

func TestCancelJob_InProgress(t *testing.T) {
	env := newTestEnv(t)

	job := domain.NewJob(domain.JobKindCommand, "cavity", "sleepy", nil)
	job.MarkInProgress()
	_ = env.jobs.Create(context.Background(), job)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/cancel", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	if len(env.pub.cancelled) != 1 || env.pub.cancelled[0] != job.ID {
		t.Error("expected job.cancel published")
	}
}

func TestCreateRun(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{
		CasePath: "cavity",
		Params:   map[string]any{"prompt": "lid-driven cavity, Re=100"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	run := decodeData[RunResponse](t, rec)
	if run.Status != domain.RunStatusPending {
		t.Errorf("expected PENDING, got %s", run.Status)
	}
	if run.CurrentStep != domain.StepNLInterpretation {
		t.Errorf("expected first pipeline step, got %s", run.CurrentStep)
	}
	if len(env.pub.pending) != 1 {
		t.Error("expected run.pending published")
	}
}

func TestApproveRun(t *testing.T) {
	env := newTestEnv(t)

	run := domain.NewScenarioRun("cavity", nil, 3)
	run.MarkRunning()
	run.CurrentStep = domain.StepUserApproval
	run.MarkPausedForApproval()
	_ = env.runs.Create(context.Background(), run)

	rec := env.do(t, http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/approve", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	if len(env.pub.decisions) != 1 || env.pub.decisions[0].Decision != mq.DecisionApprove {
		t.Errorf("expected approve decision published, got %+v", env.pub.decisions)
	}
}

func TestDecideRun_NotPaused(t *testing.T) {
	env := newTestEnv(t)

	run := domain.NewScenarioRun("cavity", nil, 3)
	run.MarkRunning()
	_ = env.runs.Create(context.Background(), run)

	rec := env.do(t, http.MethodPost, "/api/v1/runs/"+run.ID.String()+"/reject", RejectRequest{Feedback: "no"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
	if len(env.pub.decisions) != 0 {
		t.Error("decision must not be published for a running run")
	}
}

func TestSetRunParams(t *testing.T) {
	env := newTestEnv(t)

	run := domain.NewScenarioRun("cavity", map[string]any{"prompt": "cavity"}, 3)
	_ = env.runs.Create(context.Background(), run)

	rec := env.do(t, http.MethodPut, "/api/v1/runs/"+run.ID.String()+"/params", SetRunParamsRequest{
		Params: map[string]any{"solver_command": "pisoFoam"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	got := decodeData[RunResponse](t, rec)
	if got.Params["solver_command"] != "pisoFoam" || got.Params["prompt"] != "cavity" {
		t.Errorf("expected merged params, got %v", got.Params)
	}
}

func TestEnsureViz(t *testing.T) {
	env := newTestEnv(t)
	env.viz.srv = &domain.VizServer{
		CasePath: "cavity",
		Port:     11111,
		PID:      4242,
		Status:   domain.VizStatusRunning,
	}

	rec := env.do(t, http.MethodPost, "/api/v1/viz/ensure", VizRequest{CasePath: "cavity"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	got := decodeData[VizResponse](t, rec)
	if !strings.Contains(got.URL, "11111") {
		t.Errorf("expected connection string with port, got %q", got.URL)
	}

	// Повторный ensure живого сервера
	env.viz.reused = true
	rec = env.do(t, http.MethodPost, "/api/v1/viz/ensure", VizRequest{CasePath: "cavity"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for reused, got %d", rec.Code)
	}
	if got := decodeData[VizResponse](t, rec); !got.Reused {
		t.Error("expected reused flag")
	}
}

func TestEnsureViz_PoolExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.viz.err = vizman.ErrPoolExhausted

	rec := env.do(t, http.MethodPost, "/api/v1/viz/ensure", VizRequest{CasePath: "cavity"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestRunCommand(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/commands", RunCommandRequest{
		Command:  "sh",
		Args:     []string{"-c", "echo mesh ok; exit 0"},
		CasePath: "cavity",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	got := decodeData[CommandResponse](t, rec)
	if !got.Success || got.ExitCode != 0 {
		t.Errorf("expected success, got %+v", got)
	}
	if !strings.Contains(got.Stdout, "mesh ok") {
		t.Errorf("expected stdout captured, got %q", got.Stdout)
	}
}

func TestUploadCaseFile(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPut,
		"/api/v1/cases/cavity/files/system/controlDict",
		strings.NewReader("startTime 0;"))
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	// Выход за пределы case-директории
	req = httptest.NewRequest(http.MethodPut,
		"/api/v1/cases/cavity/files/..%2F..%2Fetc%2Fpasswd",
		strings.NewReader("x"))
	rec = httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code == http.StatusCreated {
		t.Errorf("escaping path must be rejected, got %d", rec.Code)
	}
}

func TestGetJobResults(t *testing.T) {
	env := newTestEnv(t)

	// Поля решения, записанные солвером
	req := httptest.NewRequest(http.MethodPut,
		"/api/v1/cases/cavity/files/results/U",
		strings.NewReader("internalField uniform (0 0 0);"))
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload failed: %d: %s", rec.Code, rec.Body)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/jobs", CreateJobRequest{
		Kind:     domain.JobKindSolverRun,
		CasePath: "cavity",
		Command:  "simpleFoam",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create job failed: %d: %s", rec.Code, rec.Body)
	}
	job := decodeData[JobResponse](t, rec)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/"+job.ID.String()+"/results", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	results := decodeData[JobResultsResponse](t, rec)
	if !strings.HasSuffix(results.OutputPath, filepath.Join("cavity", "results")) {
		t.Errorf("unexpected output path %q", results.OutputPath)
	}
	if len(results.Fields) != 1 || results.Fields[0] != "U" {
		t.Errorf("fields = %v, want [U]", results.Fields)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString()+"/results", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job: expected 404, got %d", rec.Code)
	}
}
