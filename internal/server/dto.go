package server

import (
	"encoding/json"
	"time"

	"riskroute/internal/domain"
	"riskroute/internal/engine"
)

// Request payloads

type SubmitTaskRequest struct {
	ID        *string            `json:"id,omitempty"`
	Domain    string             `json:"domain" example:"backend-logic"`
	Title     string             `json:"title,omitempty"`
	Features  map[string]float64 `json:"features,omitempty"`
	BudgetCap float64            `json:"budget_cap,omitempty" minimum:"0"`
	Deadline  *time.Time         `json:"deadline,omitempty" format:"date-time"`
}

type AckRequest struct {
	WorkerID string `json:"worker_id"`
}

type CompleteTaskRequest struct {
	WorkerID   string           `json:"worker_id"`
	Success    bool             `json:"success"`
	Artifact   *domain.Artifact `json:"artifact,omitempty"`
	Confidence float64          `json:"confidence,omitempty" minimum:"0" maximum:"1"`
	Cost       float64          `json:"cost,omitempty" minimum:"0"`
	Error      string           `json:"error,omitempty"`
}

func (r CompleteTaskRequest) report() engine.Report {
	return engine.Report{
		WorkerID:   r.WorkerID,
		Success:    r.Success,
		Artifact:   r.Artifact,
		Confidence: r.Confidence,
		Cost:       r.Cost,
		Error:      r.Error,
	}
}

type EvaluateRequest struct {
	TestsPassed   bool             `json:"tests_passed"`
	LintClean     bool             `json:"lint_clean"`
	Findings      []domain.Finding `json:"findings,omitempty"`
	CoverageDelta float64          `json:"coverage_delta,omitempty"`
}

func (r EvaluateRequest) evaluation() domain.Evaluation {
	return domain.Evaluation{
		TestsPassed:   r.TestsPassed,
		LintClean:     r.LintClean,
		Findings:      r.Findings,
		CoverageDelta: r.CoverageDelta,
	}
}

type DecisionRequest struct {
	Decision string `json:"decision" enum:"APPROVE,REQUEST_CHANGES,REJECT"`
	Note     string `json:"note,omitempty"`
}

type MergeRequest struct {
	Merged bool   `json:"merged"`
	Detail string `json:"detail,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type UnblockRequest struct {
	BudgetCap float64 `json:"budget_cap,omitempty" minimum:"0"`
}

type ScoreRequest struct {
	Features map[string]float64 `json:"features"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ScoreResponse struct {
	Score     float64  `json:"score"`
	Tier      int      `json:"tier"`
	HumanGate bool     `json:"human_gate"`
	Defaulted []string `json:"defaulted"`
}

type HistoryResponse struct {
	TaskID   string                 `json:"task_id"`
	State    domain.TaskState       `json:"state"`
	Attempts []domain.Attempt       `json:"attempts"`
	Handoffs []domain.HandoffRecord `json:"handoffs"`
}

type StatusResponse struct {
	TaskCounts   map[string]int `json:"task_counts"`
	Workers      int            `json:"workers"`
	Available    int            `json:"available_workers"`
	OpenBreakers []string       `json:"open_breakers"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type workerList struct {
	Items []domain.Worker `json:"items"`
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    decodeJSONMap(evt.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
