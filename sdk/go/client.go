package riskroutesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal riskroute HTTP API client.
type Client struct {
	// BaseURL includes the API base path, e.g. http://127.0.0.1:8080/v1.
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Attempt is one entry of a task's history.
type Attempt struct {
	Seq      int    `json:"seq"`
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Tier     int    `json:"tier"`
	WorkerID string `json:"worker_id,omitempty"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
	At       string `json:"at"`
}

// Artifact is a piece of work a worker produced.
type Artifact struct {
	Kind     string `json:"kind"`
	WorkerID string `json:"worker_id"`
	Content  string `json:"content"`
	Partial  bool   `json:"partial,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID                string             `json:"id"`
	Domain            string             `json:"domain"`
	Title             string             `json:"title,omitempty"`
	State             string             `json:"state"`
	Tier              int                `json:"tier"`
	RiskScore         float64            `json:"risk_score"`
	Features          map[string]float64 `json:"features"`
	AssignedWorker    string             `json:"assigned_worker,omitempty"`
	BudgetSpent       float64            `json:"budget_spent"`
	BudgetCap         float64            `json:"budget_cap"`
	Retries           int                `json:"retries"`
	HumanGateRequired bool               `json:"human_gate_required"`
	AwaitingHuman     bool               `json:"awaiting_human"`
	Reason            string             `json:"reason,omitempty"`
	History           []Attempt          `json:"attempt_history"`
}

// Worker is the live view of one worker.
type Worker struct {
	ID            string             `json:"id"`
	Tier          int                `json:"tier"`
	Capability    map[string]float64 `json:"capability"`
	MaxConcurrent int                `json:"max_concurrent"`
	CostEstimate  float64            `json:"cost_estimate"`
	Load          int                `json:"load"`
	Available     bool               `json:"available"`
	BreakerState  string             `json:"breaker_state"`
	BudgetTokens  float64            `json:"budget_tokens"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Submission describes a new task.
type Submission struct {
	ID        string             `json:"id,omitempty"`
	Domain    string             `json:"domain"`
	Title     string             `json:"title,omitempty"`
	Features  map[string]float64 `json:"features,omitempty"`
	BudgetCap float64            `json:"budget_cap,omitempty"`
	Deadline  *time.Time         `json:"deadline,omitempty"`
}

// Result is a worker's report of a finished run.
type Result struct {
	WorkerID   string    `json:"worker_id"`
	Success    bool      `json:"success"`
	Artifact   *Artifact `json:"artifact,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Cost       float64   `json:"cost,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Finding is one static-analysis or review finding.
type Finding struct {
	Severity string `json:"severity"`
	Message  string `json:"message,omitempty"`
}

// Evaluation carries test, lint and analysis results for a task in REVIEW.
type Evaluation struct {
	TestsPassed   bool      `json:"tests_passed"`
	LintClean     bool      `json:"lint_clean"`
	Findings      []Finding `json:"findings,omitempty"`
	CoverageDelta float64   `json:"coverage_delta,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedTasks wraps task listings with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// Submit creates, scores and routes a task.
func (c *Client) Submit(ctx context.Context, s Submission) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", s, &resp)
	return resp, err
}

// Task fetches a task by id.
func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// Tasks lists tasks, optionally filtered by state.
func (c *Client) Tasks(ctx context.Context, state string, limit int, cursor string) (PaginatedTasks, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Ack confirms the worker picked up a routed task.
func (c *Client) Ack(ctx context.Context, id, workerID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "ack"), map[string]any{"worker_id": workerID}, &resp)
	return resp, err
}

// Complete reports a finished run.
func (c *Client) Complete(ctx context.Context, id string, r Result) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "complete"), r, &resp)
	return resp, err
}

// Evaluate submits evaluation results for a task in REVIEW.
func (c *Client) Evaluate(ctx context.Context, id string, ev Evaluation) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "evaluate"), ev, &resp)
	return resp, err
}

// Review records a human decision: APPROVE, REQUEST_CHANGES or REJECT.
func (c *Client) Review(ctx context.Context, id, decision, note string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "review"), map[string]any{"decision": decision, "note": note}, &resp)
	return resp, err
}

// Merge reports whether an approved task merged cleanly.
func (c *Client) Merge(ctx context.Context, id string, merged bool, detail string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "merge"), map[string]any{"merged": merged, "detail": detail}, &resp)
	return resp, err
}

// Cancel rejects a task.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "cancel"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Unblock requeues a blocked task; a positive budgetCap raises its cap.
func (c *Client) Unblock(ctx context.Context, id string, budgetCap float64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "unblock"), map[string]any{"budget_cap": budgetCap}, &resp)
	return resp, err
}

// Dispose resolves a task parked in ESCALATED.
func (c *Client) Dispose(ctx context.Context, id, decision, note string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "dispose"), map[string]any{"decision": decision, "note": note}, &resp)
	return resp, err
}

// Block moves a task to BLOCKED.
func (c *Client) Block(ctx context.Context, id, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "block"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// TaskHistory is the attempt and handoff trail of a task.
type TaskHistory struct {
	TaskID   string           `json:"task_id"`
	State    string           `json:"state"`
	Attempts []Attempt        `json:"attempts"`
	Handoffs []map[string]any `json:"handoffs"`
}

// History fetches the attempt history of a task.
func (c *Client) History(ctx context.Context, id string) (TaskHistory, error) {
	var resp TaskHistory
	err := c.do(ctx, http.MethodGet, taskPath(id, "history"), nil, &resp)
	return resp, err
}

// ScoreResult is the result of scoring a feature vector.
type ScoreResult struct {
	Score     float64  `json:"score"`
	Tier      int      `json:"tier"`
	HumanGate bool     `json:"human_gate"`
	Defaulted []string `json:"defaulted"`
}

// Score computes risk without submitting a task.
func (c *Client) Score(ctx context.Context, features map[string]float64) (ScoreResult, error) {
	var resp ScoreResult
	err := c.do(ctx, http.MethodPost, "risk/score", map[string]any{"features": features}, &resp)
	return resp, err
}

// Reload asks the server to re-read its config file.
func (c *Client) Reload(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, "config/reload", nil, &resp)
	return resp, err
}

// SetWorkerAvailable takes a worker out of selection or returns it.
func (c *Client) SetWorkerAvailable(ctx context.Context, id string, available bool) (Worker, error) {
	action := "unavailable"
	if available {
		action = "available"
	}
	var resp Worker
	err := c.do(ctx, http.MethodPost, "workers/"+url.PathEscape(id)+"/"+action, nil, &resp)
	return resp, err
}

// Workers lists workers with live load and breaker state.
func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	var resp struct {
		Items []Worker `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "workers", nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func taskPath(id, action string) string {
	p := "tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
