package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"riskroute/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `id,domain,COALESCE(title,''),state,tier,risk_score,features_json,COALESCE(assigned_worker,''),budget_spent,budget_cap,retries,deadline,human_gate_required,awaiting_human,descalate,COALESCE(blocked_from,''),COALESCE(reason,''),artifacts_json,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var features, artifacts, created, updated string
	var deadline sql.NullString
	var gate, awaiting, descalate int
	err := row.Scan(&t.ID, &t.Domain, &t.Title, &t.State, &t.Tier, &t.RiskScore, &features, &t.AssignedWorker,
		&t.BudgetSpent, &t.BudgetCap, &t.Retries, &deadline, &gate, &awaiting, &descalate, &t.BlockedFrom, &t.Reason,
		&artifacts, &created, &updated)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.HumanGateRequired = gate == 1
	t.AwaitingHuman = awaiting == 1
	t.Descalate = descalate == 1
	if err := json.Unmarshal([]byte(features), &t.Features); err != nil {
		return t, fmt.Errorf("task %s features: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(artifacts), &t.Artifacts); err != nil {
		return t, fmt.Errorf("task %s artifacts: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return t, err
	}
	if deadline.Valid && deadline.String != "" {
		d, err := parseTime(deadline.String)
		if err != nil {
			return t, err
		}
		t.Deadline = &d
	}
	return t, nil
}

// SaveTask upserts the task row and appends history entries not yet stored. It must run in the
// transaction that also records the transition event.
func (r Repo) SaveTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	features, err := json.Marshal(t.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	artifacts := []byte("[]")
	if len(t.Artifacts) > 0 {
		if artifacts, err = json.Marshal(t.Artifacts); err != nil {
			return fmt.Errorf("marshal artifacts: %w", err)
		}
	}
	var deadline any
	if t.Deadline != nil {
		deadline = formatTime(*t.Deadline)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,domain,title,state,tier,risk_score,features_json,assigned_worker,budget_spent,budget_cap,retries,deadline,human_gate_required,awaiting_human,descalate,blocked_from,reason,artifacts_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET state=excluded.state,tier=excluded.tier,risk_score=excluded.risk_score,features_json=excluded.features_json,
assigned_worker=excluded.assigned_worker,budget_spent=excluded.budget_spent,budget_cap=excluded.budget_cap,retries=excluded.retries,
deadline=excluded.deadline,human_gate_required=excluded.human_gate_required,awaiting_human=excluded.awaiting_human,descalate=excluded.descalate,
blocked_from=excluded.blocked_from,reason=excluded.reason,artifacts_json=excluded.artifacts_json,updated_at=excluded.updated_at`,
		t.ID, t.Domain, nullable(t.Title), t.State, t.Tier, t.RiskScore, string(features), nullable(t.AssignedWorker),
		t.BudgetSpent, t.BudgetCap, t.Retries, deadline, boolInt(t.HumanGateRequired), boolInt(t.AwaitingHuman), boolInt(t.Descalate),
		nullable(string(t.BlockedFrom)), nullable(t.Reason), string(artifacts), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM attempts WHERE task_id=?`, t.ID).Scan(&stored); err != nil {
		return err
	}
	for _, a := range t.History {
		if a.Seq <= stored {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO attempts(task_id,seq,from_state,to_state,tier,worker_id,outcome,reason,at) VALUES (?,?,?,?,?,?,?,?,?)`,
			t.ID, a.Seq, nullable(string(a.From)), a.To, a.Tier, nullable(a.WorkerID), a.Outcome, nullable(a.Reason), formatTime(a.At)); err != nil {
			return fmt.Errorf("append attempt %d of %s: %w", a.Seq, t.ID, err)
		}
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return r.getTask(ctx, tx, id)
}

func (r Repo) getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.History, err = listAttempts(ctx, q, id)
	return t, err
}

type TaskFilters struct {
	State  string
	Domain string
	Tier   int
	// Active excludes MERGED and TERMINAL_REJECTED.
	Active          bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListTasks returns task rows newest first, without history.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Domain != "" {
		clauses = append(clauses, "domain=?")
		args = append(args, f.Domain)
	}
	if f.Tier > 0 {
		clauses = append(clauses, "tier=?")
		args = append(args, f.Tier)
	}
	if f.Active {
		clauses = append(clauses, "state NOT IN (?,?)")
		args = append(args, domain.StateMerged, domain.StateTerminalRejected)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListActiveTasks returns every non-terminal task with its history, oldest first.
func (r Repo) ListActiveTasks(ctx context.Context) ([]domain.Task, error) {
	tasks, err := r.ListTasks(ctx, TaskFilters{Active: true})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(tasks)-1; i < j; i, j = i+1, j-1 {
		tasks[i], tasks[j] = tasks[j], tasks[i]
	}
	for i := range tasks {
		if tasks[i].History, err = r.ListAttempts(ctx, tasks[i].ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (r Repo) ListAttempts(ctx context.Context, taskID string) ([]domain.Attempt, error) {
	return listAttempts(ctx, r.DB, taskID)
}

func listAttempts(ctx context.Context, q querier, taskID string) ([]domain.Attempt, error) {
	rows, err := q.QueryContext(ctx, `SELECT seq,COALESCE(from_state,''),to_state,tier,COALESCE(worker_id,''),outcome,COALESCE(reason,''),at FROM attempts WHERE task_id=? ORDER BY seq`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var at string
		if err := rows.Scan(&a.Seq, &a.From, &a.To, &a.Tier, &a.WorkerID, &a.Outcome, &a.Reason, &at); err != nil {
			return nil, err
		}
		if a.At, err = parseTime(at); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertHandoff(ctx context.Context, tx *sql.Tx, h domain.HandoffRecord) error {
	artifacts, err := json.Marshal(h.Artifacts)
	if err != nil {
		return fmt.Errorf("marshal handoff artifacts: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO handoffs(id,task_id,from_worker,to_worker,artifacts_json,created_at) VALUES (?,?,?,?,?,?)`,
		h.ID, h.TaskID, nullable(h.From), h.To, string(artifacts), formatTime(h.CreatedAt))
	return err
}

func (r Repo) ListHandoffs(ctx context.Context, taskID string) ([]domain.HandoffRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,COALESCE(from_worker,''),to_worker,artifacts_json,created_at FROM handoffs WHERE task_id=? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HandoffRecord
	for rows.Next() {
		var h domain.HandoffRecord
		var artifacts, created string
		if err := rows.Scan(&h.ID, &h.TaskID, &h.From, &h.To, &artifacts, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(artifacts), &h.Artifacts); err != nil {
			return nil, err
		}
		if h.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// CountTasksByState returns the number of tasks per state.
func (r Repo) CountTasksByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

type EventFilters struct {
	Type       string
	EntityKind string
	EntityID   string
	// Cursor returns events older than this id.
	Cursor int64
	Limit  int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
	}
	return t, nil
}
