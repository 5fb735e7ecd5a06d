package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// ErrorDetail — категоризированная ошибка job.
type ErrorDetail struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// JobResponse — job из API.
type JobResponse struct {
	ID          string       `json:"id"`
	Kind        string       `json:"kind"`
	Status      string       `json:"status"`
	CasePath    string       `json:"case_path"`
	Command     string       `json:"command"`
	Args        []string     `json:"args,omitempty"`
	Message     string       `json:"message,omitempty"`
	ErrorDetail *ErrorDetail `json:"error_detail,omitempty"`
	ExitCode    *int         `json:"exit_code,omitempty"`
	DurationMs  int64        `json:"duration_ms,omitempty"`
	StartedAt   string       `json:"started_at,omitempty"`
	FinishedAt  string       `json:"finished_at,omitempty"`
	CreatedAt   string       `json:"created_at"`
}

// RunResponse — scenario run из API.
type RunResponse struct {
	ID               string         `json:"id"`
	CasePath         string         `json:"case_path"`
	Status           string         `json:"status"`
	CurrentStep      string         `json:"current_step"`
	StepIndex        int            `json:"step_index"`
	AwaitingApproval bool           `json:"awaiting_approval"`
	Params           map[string]any `json:"params,omitempty"`
	Feedback         string         `json:"feedback,omitempty"`
	RetryCounts      map[string]int `json:"retry_counts,omitempty"`
	Error            string         `json:"error,omitempty"`
	StartedAt        string         `json:"started_at,omitempty"`
	FinishedAt       string         `json:"finished_at,omitempty"`
	CreatedAt        string         `json:"created_at"`
}

// VizResponse — viz-сервер из API.
type VizResponse struct {
	CasePath       string `json:"case_path"`
	Port           int    `json:"port,omitempty"`
	PID            int    `json:"pid,omitempty"`
	Status         string `json:"status"`
	URL            string `json:"url,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	Reused         bool   `json:"reused,omitempty"`
	StartedAt      string `json:"started_at"`
	LastActivityAt string `json:"last_activity_at"`
}

// JobResultsResponse — результаты job.
type JobResultsResponse struct {
	JobID      string   `json:"job_id"`
	Status     string   `json:"status"`
	OutputPath string   `json:"output_path"`
	Fields     []string `json:"fields,omitempty"`
}

// VizStatsResponse — состояние пула портов.
type VizStatsResponse struct {
	Running  int `json:"running"`
	PoolFree int `json:"pool_free"`
	PoolSize int `json:"pool_size"`
}

// CommandResponse — результат синхронного выполнения команды.
type CommandResponse struct {
	Success    bool   `json:"success"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// --- Request types ---

// CreateJobRequest — отправка job.
type CreateJobRequest struct {
	Kind       string   `json:"kind"`
	CasePath   string   `json:"case_path"`
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	Env        []string `json:"env,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
	TimeoutSec int      `json:"timeout_sec,omitempty"`
}

// CreateRunRequest — создание scenario run.
type CreateRunRequest struct {
	CasePath   string         `json:"case_path"`
	Params     map[string]any `json:"params,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
}

// RunCommandRequest — синхронное выполнение команды.
type RunCommandRequest struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	Env        []string `json:"env,omitempty"`
	CasePath   string   `json:"case_path,omitempty"`
	TimeoutSec int      `json:"timeout_sec,omitempty"`
}

// ListJobsOpts — параметры фильтрации jobs.
type ListJobsOpts struct {
	Status   string
	CasePath string
	Limit    int
}

// ListRunsOpts — параметры фильтрации runs.
type ListRunsOpts struct {
	Status   string
	CasePath string
	Limit    int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Convect API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			// Синхронные команды (checkMesh) могут работать долго
			Timeout: 5 * time.Minute,
		},
	}
}

// --- Jobs ---

// ListJobs возвращает список jobs с фильтрацией.
func (c *Client) ListJobs(opts ListJobsOpts) ([]JobResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.CasePath != "" {
		params.Set("case_path", opts.CasePath)
	}
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}

	var jobs []JobResponse
	err := c.list("/api/v1/jobs", params, &jobs)
	return jobs, err
}

// CreateJob отправляет job в ledger.
func (c *Client) CreateJob(req CreateJobRequest) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/jobs", req, &job)
	return &job, err
}

// GetJob возвращает job по ID.
func (c *Client) GetJob(id string) (*JobResponse, error) {
	var job JobResponse
	err := c.get("/api/v1/jobs/"+id, &job)
	return &job, err
}

// GetJobResults возвращает путь к результатам job.
func (c *Client) GetJobResults(id string) (*JobResultsResponse, error) {
	var results JobResultsResponse
	err := c.get("/api/v1/jobs/"+id+"/results", &results)
	return &results, err
}

// ApproveJob одобряет job, ожидающий проверки (меш).
func (c *Client) ApproveJob(id string) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/jobs/"+id+"/approve", nil, &job)
	return &job, err
}

// RejectJob отклоняет job с обратной связью.
func (c *Client) RejectJob(id, feedback string) (*JobResponse, error) {
	body := map[string]string{"feedback": feedback}
	var job JobResponse
	err := c.post("/api/v1/jobs/"+id+"/reject", body, &job)
	return &job, err
}

// CancelJob отменяет job.
func (c *Client) CancelJob(id string) (*JobResponse, error) {
	var job JobResponse
	err := c.post("/api/v1/jobs/"+id+"/cancel", nil, &job)
	return &job, err
}

// --- Runs ---

// ListRuns возвращает список runs с фильтрацией.
func (c *Client) ListRuns(opts ListRunsOpts) ([]RunResponse, error) {
	params := url.Values{}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.CasePath != "" {
		params.Set("case_path", opts.CasePath)
	}
	if opts.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", opts.Limit))
	}

	var runs []RunResponse
	err := c.list("/api/v1/runs", params, &runs)
	return runs, err
}

// CreateRun создаёт scenario run.
func (c *Client) CreateRun(req CreateRunRequest) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs", req, &run)
	return &run, err
}

// GetRun возвращает run по ID.
func (c *Client) GetRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get("/api/v1/runs/"+id, &run)
	return &run, err
}

// ApproveRun одобряет run на approval gate.
func (c *Client) ApproveRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs/"+id+"/approve", nil, &run)
	return &run, err
}

// RejectRun отклоняет результат на approval gate с обратной связью.
func (c *Client) RejectRun(id, feedback string) (*RunResponse, error) {
	body := map[string]string{"feedback": feedback}
	var run RunResponse
	err := c.post("/api/v1/runs/"+id+"/reject", body, &run)
	return &run, err
}

// CancelRun отменяет run на approval gate.
func (c *Client) CancelRun(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/runs/"+id+"/cancel", nil, &run)
	return &run, err
}

// SetRunParams дозаписывает параметры run.
func (c *Client) SetRunParams(id string, params map[string]any) (*RunResponse, error) {
	body := map[string]any{"params": params}
	var run RunResponse
	err := c.put("/api/v1/runs/"+id+"/params", body, &run)
	return &run, err
}

// --- Viz ---

// ListViz возвращает все viz-серверы.
func (c *Client) ListViz() ([]VizResponse, error) {
	var servers []VizResponse
	err := c.list("/api/v1/viz", nil, &servers)
	return servers, err
}

// VizStats возвращает состояние пула портов.
func (c *Client) VizStats() (*VizStatsResponse, error) {
	var stats VizStatsResponse
	err := c.get("/api/v1/viz/stats", &stats)
	return &stats, err
}

// EnsureViz возвращает работающий viz-сервер для case,
// поднимая его при необходимости.
func (c *Client) EnsureViz(casePath string) (*VizResponse, error) {
	body := map[string]string{"case_path": casePath}
	var srv VizResponse
	err := c.post("/api/v1/viz/ensure", body, &srv)
	return &srv, err
}

// TouchViz сбрасывает таймер простоя viz-сервера.
func (c *Client) TouchViz(casePath string) error {
	body := map[string]string{"case_path": casePath}
	return c.post("/api/v1/viz/touch", body, nil)
}

// StopViz останавливает viz-сервер case.
func (c *Client) StopViz(casePath string) error {
	body := map[string]string{"case_path": casePath}
	return c.post("/api/v1/viz/stop", body, nil)
}

// --- Commands ---

// RunCommand синхронно выполняет команду в директории case.
func (c *Client) RunCommand(req RunCommandRequest) (*CommandResponse, error) {
	var result CommandResponse
	err := c.post("/api/v1/commands", req, &result)
	return &result, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) put(path string, body any, result any) error {
	return c.doData(http.MethodPut, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
