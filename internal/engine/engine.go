// Package engine is the task state machine: it scores, routes, escalates and closes tasks.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskroute/internal/breaker"
	"riskroute/internal/budget"
	"riskroute/internal/config"
	"riskroute/internal/domain"
	"riskroute/internal/escalation"
	"riskroute/internal/events"
	"riskroute/internal/handoff"
	"riskroute/internal/registry"
	"riskroute/internal/repo"
	"riskroute/internal/risk"
)

// Engine owns every live task. Each task is guarded by its own mutex; workers, budgets and
// breakers are guarded per worker by their packages.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Registry *registry.Store
	Selector *registry.Selector
	Breakers *breaker.Set
	Ledger   *budget.Ledger
	Handoffs *handoff.Coordinator
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string

	Executor  Executor
	Evaluator Evaluator
	Merger    Merger
	Reviews   ReviewChannel

	mu     sync.RWMutex
	cfg    *config.Config
	scorer risk.Scorer
	policy escalation.Policy

	tasks sync.Map // task id -> *entry
	wg    sync.WaitGroup
}

type entry struct {
	mu   sync.Mutex
	task domain.Task
	// res is the live reservation id, slot the worker whose load slot this task holds.
	res   string
	slot  string
	gen   int
	timer *time.Timer
	// excluded lists workers already tried at the current tier.
	excluded  []string
	startedAt time.Time
	blockedAt time.Time
}

// New wires an engine from config. db may be nil for a purely in-memory engine.
func New(db *sql.DB, cfg *config.Config) *Engine {
	store := registry.NewStore()
	breakers := breaker.NewSet(breaker.FromConfig(cfg.Breaker))
	ledger := budget.NewLedger()
	selector := registry.NewSelector(store, breakers, ledger, cfg)
	e := &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Registry: store,
		Selector: selector,
		Breakers: breakers,
		Ledger:   ledger,
		Handoffs: handoff.NewCoordinator(store, selector),
		Logger:   slog.Default(),
		Now:      time.Now,
		NewID:    func() string { return uuid.NewString() },
	}
	selector.OnExpire = e.reservationExpired
	breakers.OnChange = e.breakerChanged
	e.apply(cfg)
	return e
}

// SetClock points every component at the same clock.
func (e *Engine) SetClock(now func() time.Time) {
	e.Now = now
	e.Events.Now = now
	e.Selector.Now = now
	e.Breakers.Now = now
	e.Ledger.Now = now
	e.Handoffs.Now = now
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// Config returns the active configuration. Callers must not modify it.
func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) settings() (*config.Config, risk.Scorer, escalation.Policy) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.scorer, e.policy
}

// Reload swaps scoring, policy, breaker and selector parameters and registers new workers.
// Workers dropped from the config are marked unavailable, never deleted.
func (e *Engine) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.apply(cfg)
	e.log().Info("config reloaded", "workers", len(cfg.Workers), "domains", len(cfg.Domains))
	return nil
}

func (e *Engine) apply(cfg *config.Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.scorer = risk.NewScorer(cfg)
	e.policy = escalation.FromConfig(cfg)
	e.mu.Unlock()
	e.Breakers.Configure(breaker.FromConfig(cfg.Breaker))
	e.Selector.Configure(cfg)
	known := map[string]bool{}
	for _, wc := range cfg.Workers {
		known[wc.ID] = true
		e.Registry.Register(registry.FromConfig(wc))
		e.Ledger.Register(wc.ID, budget.Bucket{Capacity: wc.BucketCapacity, RefillPerMinute: wc.RefillPerMinute})
	}
	for _, w := range e.Registry.List() {
		if !known[w.ID] {
			_ = e.Registry.MarkUnavailable(w.ID)
		}
	}
}

type actorKey struct{}

// WithActor tags transitions made with ctx as performed by actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "engine"
}

func (e *Engine) lookup(id string) (*entry, error) {
	v, ok := e.tasks.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return v.(*entry), nil
}

// SubmitRequest describes a new task.
type SubmitRequest struct {
	ID        string
	Domain    string
	Title     string
	Features  domain.Features
	BudgetCap float64
	Deadline  *time.Time
}

// Submit validates and scores a task, stores it as QUEUED and routes it.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (domain.Task, error) {
	cfg, scorer, _ := e.settings()
	if req.Domain == "" {
		return domain.Task{}, invalid("domain", "is required")
	}
	if !cfg.DomainSet()[req.Domain] {
		return domain.Task{}, invalid("domain", "unknown domain %q", req.Domain)
	}
	if err := risk.Validate(req.Features); err != nil {
		return domain.Task{}, invalid("features", "%v", err)
	}
	if req.BudgetCap < 0 {
		return domain.Task{}, invalid("budget_cap", "must be >= 0")
	}
	capAmount := req.BudgetCap
	if capAmount == 0 {
		capAmount = cfg.Budget.DefaultTaskCap
	}
	id := req.ID
	if id == "" {
		id = e.newID()
	}
	if _, exists := e.tasks.Load(id); exists {
		return domain.Task{}, invalid("id", "task %s already exists", id)
	}
	now := e.now().UTC()
	features := req.Features.Clone()
	score := scorer.Score(features)
	tier := scorer.Tier(score)
	task := domain.Task{
		ID:                id,
		Domain:            req.Domain,
		Title:             req.Title,
		CreatedAt:         now,
		UpdatedAt:         now,
		Features:          features,
		RiskScore:         score,
		Tier:              tier,
		State:             domain.StateQueued,
		BudgetCap:         capAmount,
		Deadline:          req.Deadline,
		HumanGateRequired: tier == domain.MaxTier,
	}
	task.History = []domain.Attempt{{
		Seq:     1,
		To:      domain.StateQueued,
		Tier:    tier,
		Outcome: domain.OutcomeQueued,
		Reason:  fmt.Sprintf("risk %.2f", score),
		At:      now,
	}}
	en := &entry{task: task}
	en.mu.Lock()
	defer en.mu.Unlock()
	if _, loaded := e.tasks.LoadOrStore(id, en); loaded {
		return domain.Task{}, invalid("id", "task %s already exists", id)
	}
	if err := e.persist(ctx, task, "task.queued", nil, nil); err != nil {
		e.tasks.Delete(id)
		return domain.Task{}, err
	}
	e.log().Info("task submitted", "task_id", id, "domain", task.Domain, "risk", score, "tier", int(tier), "human_gate", task.HumanGateRequired)
	if err := e.route(ctx, en, tier); err != nil {
		return en.task.Clone(), err
	}
	return en.task.Clone(), nil
}

// Get returns a snapshot of a live task, falling back to the store for tasks not in memory.
func (e *Engine) Get(ctx context.Context, id string) (domain.Task, error) {
	if en, err := e.lookup(id); err == nil {
		en.mu.Lock()
		defer en.mu.Unlock()
		return en.task.Clone(), nil
	}
	if e.DB == nil {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	t, err := e.Repo.GetTask(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

// List returns snapshots of in-memory tasks, optionally filtered by state.
func (e *Engine) List(state domain.TaskState) []domain.Task {
	var out []domain.Task
	e.tasks.Range(func(_, v any) bool {
		en := v.(*entry)
		en.mu.Lock()
		if state == "" || en.task.State == state {
			out = append(out, en.task.Clone())
		}
		en.mu.Unlock()
		return true
	})
	sortTasks(out)
	return out
}

// Workers returns the registry view with live breaker and budget figures.
func (e *Engine) Workers() []domain.Worker {
	ws := e.Registry.List()
	for i := range ws {
		ws[i].BreakerState = e.Breakers.State(ws[i].ID)
		ws[i].BudgetTokens = e.Ledger.Tokens(ws[i].ID)
	}
	return ws
}

// MarkUnavailable removes a worker from future selection; tasks it runs finish normally.
func (e *Engine) MarkUnavailable(ctx context.Context, workerID string) error {
	if err := e.Registry.MarkUnavailable(workerID); err != nil {
		return err
	}
	e.log().Warn("worker marked unavailable", "worker", workerID, "actor", actorFrom(ctx))
	return nil
}

// MarkAvailable returns a worker to selection. Blocked tasks pick it up on the next sweep.
func (e *Engine) MarkAvailable(ctx context.Context, workerID string) error {
	if err := e.Registry.MarkAvailable(workerID); err != nil {
		return err
	}
	e.log().Info("worker marked available", "worker", workerID, "actor", actorFrom(ctx))
	return nil
}

// Score computes risk and tier for a feature vector without creating a task.
func (e *Engine) Score(features domain.Features) (float64, domain.Tier, error) {
	if err := risk.Validate(features); err != nil {
		return 0, 0, invalid("features", "%v", err)
	}
	_, scorer, _ := e.settings()
	s := scorer.Score(features)
	return s, scorer.Tier(s), nil
}

// transition moves the task to a new state, appends one history entry and persists both,
// together with the event and any extra writes, in one transaction. On error the in-memory
// task is unchanged. Caller holds en.mu.
func (e *Engine) transition(ctx context.Context, en *entry, to domain.TaskState, outcome domain.Outcome, reason string, mutate func(t *domain.Task), extra func(tx *sql.Tx) error) error {
	prev := en.task
	if err := ensureTransition(prev.State, to); err != nil {
		return err
	}
	next := prev.Clone()
	if mutate != nil {
		mutate(&next)
	}
	if next.Tier == domain.MaxTier {
		next.HumanGateRequired = true
	}
	now := e.now().UTC()
	next.State = to
	next.UpdatedAt = now
	if reason != "" {
		next.Reason = reason
	}
	if outcome == "" {
		outcome = outcomeFor(to)
	}
	next.History = append(next.History, domain.Attempt{
		Seq:      len(prev.History) + 1,
		From:     prev.State,
		To:       to,
		Tier:     next.Tier,
		WorkerID: next.AssignedWorker,
		Outcome:  outcome,
		Reason:   reason,
		At:       now,
	})
	if err := checkInvariants(prev, next); err != nil {
		return err
	}
	payload := events.EventPayload{
		"from":    prev.State,
		"to":      to,
		"tier":    next.Tier,
		"worker":  next.AssignedWorker,
		"outcome": outcome,
		"reason":  reason,
		"risk":    next.RiskScore,
	}
	if err := e.persist(ctx, next, "task."+strings.ToLower(string(to)), payload, extra); err != nil {
		return err
	}
	en.task = next
	if to == domain.StateBlocked {
		en.blockedAt = now
	}
	level := slog.LevelInfo
	if to == domain.StateBlocked || to == domain.StateEscalated || to == domain.StateFailed {
		level = slog.LevelWarn
	}
	e.log().Log(ctx, level, "task transition",
		"task_id", next.ID, "from", prev.State, "to", to, "tier", int(next.Tier),
		"worker", next.AssignedWorker, "outcome", outcome, "reason", reason)
	return nil
}

// persist writes the task and its event. Without a database it is a no-op.
func (e *Engine) persist(ctx context.Context, t domain.Task, evtType string, payload events.EventPayload, extra func(tx *sql.Tx) error) error {
	if e.DB == nil {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveTask(ctx, tx, t); err != nil {
		return err
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return err
		}
	}
	if payload == nil {
		payload = events.EventPayload{"state": t.State, "tier": t.Tier, "risk": t.RiskScore}
	}
	evt, err := e.Events.Append(ctx, tx, evtType, "task", t.ID, actorFrom(ctx), payload)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Events.Publish(ctx, evt)
	return nil
}

// Cancel moves any non-terminal task to TERMINAL_REJECTED and releases what it holds.
// Cancelling a terminal task is a no-op.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (domain.Task, error) {
	en, err := e.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.task.State.Terminal() {
		return en.task.Clone(), nil
	}
	if reason == "" {
		reason = "canceled"
	}
	if err := e.transition(ctx, en, domain.StateTerminalRejected, domain.OutcomeCanceled, reason, func(t *domain.Task) {
		t.AwaitingHuman = false
	}, nil); err != nil {
		return en.task.Clone(), err
	}
	e.releaseAll(en)
	return en.task.Clone(), nil
}

// Block parks a task until a human unblocks it.
func (e *Engine) Block(ctx context.Context, id, reason string) (domain.Task, error) {
	en, err := e.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if reason == "" {
		reason = "blocked by operator"
	}
	if err := e.block(ctx, en, reason, true); err != nil {
		return en.task.Clone(), err
	}
	return en.task.Clone(), nil
}

// block moves the task to BLOCKED and frees its reservation and slot. Held tasks wait for a
// human; others are retried by the sweep. Caller holds en.mu.
func (e *Engine) block(ctx context.Context, en *entry, reason string, hold bool) error {
	from := en.task.State
	if err := e.transition(ctx, en, domain.StateBlocked, "", reason, func(t *domain.Task) {
		t.BlockedFrom = from
		t.AwaitingHuman = hold
	}, nil); err != nil {
		return err
	}
	e.releaseAll(en)
	return nil
}

// Unblock requeues a blocked task and routes it. A positive budgetCap raises the task cap.
func (e *Engine) Unblock(ctx context.Context, id string, budgetCap float64) (domain.Task, error) {
	en, err := e.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.task.State != domain.StateBlocked {
		return en.task.Clone(), &TransitionError{From: en.task.State, To: domain.StateQueued, Reason: "task is not blocked"}
	}
	if budgetCap > 0 && budgetCap < en.task.BudgetCap {
		return en.task.Clone(), invalid("budget_cap", "cannot lower cap from %.2f to %.2f", en.task.BudgetCap, budgetCap)
	}
	if err := e.requeue(ctx, en, "unblocked", budgetCap); err != nil {
		return en.task.Clone(), err
	}
	return en.task.Clone(), nil
}

func (e *Engine) requeue(ctx context.Context, en *entry, reason string, budgetCap float64) error {
	if err := e.transition(ctx, en, domain.StateQueued, domain.OutcomeUnblocked, reason, func(t *domain.Task) {
		t.AwaitingHuman = false
		t.BlockedFrom = ""
		t.AssignedWorker = ""
		if budgetCap > 0 {
			t.BudgetCap = budgetCap
		}
	}, nil); err != nil {
		return err
	}
	en.excluded = nil
	return e.route(ctx, en, en.task.Tier)
}

// releaseAll cancels the live reservation, frees the load slot and stops the run timer.
func (e *Engine) releaseAll(en *entry) {
	if en.res != "" {
		e.Selector.Cancel(en.res)
		en.res = ""
	}
	if en.slot != "" {
		e.Registry.ReleaseSlot(en.slot)
		en.slot = ""
	}
	e.stopTimer(en)
}

func (e *Engine) stopTimer(en *entry) {
	en.gen++
	if en.timer != nil {
		en.timer.Stop()
		en.timer = nil
	}
}

// Restore reloads non-terminal tasks from the store after a restart. Runs in flight did not
// survive: RUNNING tasks are failed and ROUTED tasks blocked for the sweep. Tasks that were
// between steps resume where they stopped.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.DB == nil {
		return 0, nil
	}
	tasks, err := e.Repo.ListActiveTasks(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		en := &entry{task: t}
		if _, loaded := e.tasks.LoadOrStore(t.ID, en); loaded {
			continue
		}
		en.mu.Lock()
		switch t.State {
		case domain.StateRunning:
			err := e.transition(ctx, en, domain.StateFailed, domain.OutcomeFailed, "engine restarted during run", func(t *domain.Task) {
				t.Retries++
			}, nil)
			if err == nil {
				en.excluded = append(en.excluded, t.AssignedWorker)
				err = e.afterFailure(ctx, en)
			}
			if err != nil {
				e.log().Error("restore running task", "task_id", t.ID, "err", err)
			}
		case domain.StateFailed:
			if t.AssignedWorker != "" {
				en.excluded = append(en.excluded, t.AssignedWorker)
			}
			if err := e.afterFailure(ctx, en); err != nil {
				e.log().Error("restore failed task", "task_id", t.ID, "err", err)
			}
		case domain.StateQueued, domain.StateChangesRequested:
			if err := e.route(ctx, en, t.Tier); err != nil {
				e.log().Error("restore queued task", "task_id", t.ID, "state", t.State, "err", err)
			}
		case domain.StateRouted:
			if err := e.block(ctx, en, "engine restarted before acknowledgement", false); err != nil {
				e.log().Error("restore routed task", "task_id", t.ID, "err", err)
			}
		case domain.StateBlocked:
			en.blockedAt = t.UpdatedAt
		case domain.StateReview:
			if t.AwaitingHuman {
				e.dispatchReview(en)
			} else {
				e.dispatchEvaluate(en)
			}
		case domain.StateEscalated:
			e.dispatchReview(en)
		case domain.StateApproved:
			e.dispatchMerge(en)
		}
		en.mu.Unlock()
	}
	e.log().Info("tasks restored", "count", len(tasks))
	return len(tasks), nil
}
