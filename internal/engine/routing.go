package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"riskroute/internal/breaker"
	"riskroute/internal/budget"
	"riskroute/internal/domain"
	"riskroute/internal/escalation"
	"riskroute/internal/handoff"
	"riskroute/internal/registry"
)

// Report is a worker's account of a finished run.
type Report struct {
	WorkerID   string           `json:"worker_id,omitempty"`
	Success    bool             `json:"success"`
	Artifact   *domain.Artifact `json:"artifact,omitempty"`
	Confidence float64          `json:"confidence"`
	Cost       float64          `json:"cost,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// route selects a worker at tier and moves the task to ROUTED. A task still holding a load slot
// hands it over to the new worker. When nobody can take the task it is blocked. Caller holds en.mu.
func (e *Engine) route(ctx context.Context, en *entry, tier domain.Tier) error {
	want := en.task.Clone()
	if tier > want.Tier {
		want.Tier = tier
	}
	from := en.slot
	exclude := append([]string(nil), en.excluded...)
	if from != "" {
		exclude = append(exclude, from)
	}
	var rejected error
	for {
		var (
			sel registry.Selection
			err error
		)
		if from != "" {
			sel, err = e.Selector.SelectForHandoff(want, exclude...)
		} else {
			sel, err = e.Selector.Select(want, exclude...)
		}
		if errors.Is(err, registry.ErrNoCandidate) {
			if rejected != nil {
				err = rejected
			}
			return e.routeBlocked(ctx, en, want, err)
		}
		if err != nil {
			return err
		}
		target := sel.Primary.ID

		var rec *domain.HandoffRecord
		if from != "" {
			h, err := e.Handoffs.Handoff(want, from, target)
			if err == nil {
				if err = e.Selector.AdoptLoad(sel.Reservation.ID); err != nil {
					e.Registry.ReleaseSlot(target)
					e.reclaimSlot(en, from)
					err = fmt.Errorf("%w: %v", handoff.ErrHandoffRejected, err)
				}
			}
			if err != nil {
				e.Selector.Cancel(sel.Reservation.ID)
				if !errors.Is(err, handoff.ErrHandoffRejected) {
					return err
				}
				e.log().Warn("handoff rejected", "task_id", want.ID, "from", from, "to", target, "err", err)
				rejected = err
				exclude = append(exclude, target)
				from = en.slot
				continue
			}
			// the slot moved with the handoff and now belongs to the reservation
			en.slot = ""
			rec = &h
		}

		outcome := domain.OutcomeRouted
		reason := fmt.Sprintf("selected %s (confidence %.2f)", target, sel.Confidence)
		if sel.Substitute {
			reason = fmt.Sprintf("substitute %s for tier %d (confidence %.2f)", target, want.Tier, sel.Confidence)
		}
		var extra func(tx *sql.Tx) error
		if rec != nil {
			outcome = domain.OutcomeHandoff
			reason = fmt.Sprintf("handoff %s -> %s", from, target)
			extra = func(tx *sql.Tx) error { return e.Repo.InsertHandoff(ctx, tx, *rec) }
		}
		wasEscalated := en.task.State == domain.StateEscalated
		if err := e.transition(ctx, en, domain.StateRouted, outcome, reason, func(t *domain.Task) {
			t.Tier = want.Tier
			t.AssignedWorker = target
			t.AwaitingHuman = false
			if wasEscalated {
				t.Retries = 0
			}
		}, extra); err != nil {
			e.Selector.Cancel(sel.Reservation.ID)
			return err
		}
		en.res = sel.Reservation.ID
		e.dispatchRun(en, rec)
		return nil
	}
}

// reclaimSlot takes back the load slot a failed handoff already moved off from. If from filled
// up meanwhile the task no longer holds a slot.
func (e *Engine) reclaimSlot(en *entry, from string) {
	if err := e.Registry.AcquireSlot(from); err != nil {
		e.log().Warn("handoff slot lost", "task_id", en.task.ID, "worker", from, "err", err)
		en.slot = ""
	}
}

// routeBlocked parks a task nobody can take. A task whose remaining budget no worker at or above
// its tier fits goes to the human gate instead of waiting for the sweep.
func (e *Engine) routeBlocked(ctx context.Context, en *entry, want domain.Task, cause error) error {
	if !e.budgetReachable(want, want.Tier) {
		reason := fmt.Sprintf("budget cap unreachable: %.2f of %.2f spent", want.BudgetSpent, want.BudgetCap)
		from := en.task.State
		if err := e.transition(ctx, en, domain.StateBlocked, domain.OutcomeHumanGated, reason, func(t *domain.Task) {
			t.BlockedFrom = from
			t.AwaitingHuman = true
			t.HumanGateRequired = true
		}, nil); err != nil {
			return err
		}
		e.releaseAll(en)
		return nil
	}
	return e.block(ctx, en, cause.Error(), false)
}

// budgetReachable reports whether any serving worker at or above floor fits the task's remaining budget.
func (e *Engine) budgetReachable(t domain.Task, floor domain.Tier) bool {
	for _, w := range e.Registry.List() {
		if w.Tier >= floor && w.Available && w.Serves(t.Domain) && budget.CanAfford(t.BudgetSpent, t.BudgetCap, w.CostEstimate) {
			return true
		}
	}
	return false
}

// Acknowledge confirms the worker picked up the task: the reservation becomes permanent and the
// run deadline starts.
func (e *Engine) Acknowledge(ctx context.Context, id, workerID string) (domain.Task, error) {
	en, err := e.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.task.State != domain.StateRouted {
		return en.task.Clone(), &TransitionError{From: en.task.State, To: domain.StateRunning, Reason: "task is not routed"}
	}
	if workerID != "" && workerID != en.task.AssignedWorker {
		return en.task.Clone(), invalid("worker_id", "task %s is assigned to %s", id, en.task.AssignedWorker)
	}
	res, err := e.Selector.Confirm(en.res)
	if err != nil {
		return en.task.Clone(), &TransitionError{From: domain.StateRouted, To: domain.StateRunning, Reason: err.Error()}
	}
	en.slot = res.WorkerID
	if err := e.transition(ctx, en, domain.StateRunning, domain.OutcomeStarted, "acknowledged by "+res.WorkerID, nil, nil); err != nil {
		return en.task.Clone(), err
	}
	en.startedAt = e.now()
	e.startTimer(en)
	return en.task.Clone(), nil
}

func (e *Engine) startTimer(en *entry) {
	e.stopTimer(en)
	cfg := e.Config()
	if cfg.Engine.RunTimeout <= 0 {
		return
	}
	gen, id := en.gen, en.task.ID
	en.timer = time.AfterFunc(cfg.Engine.RunTimeout, func() { e.runTimedOut(id, gen) })
}

func (e *Engine) runTimedOut(id string, gen int) {
	en, err := e.lookup(id)
	if err != nil {
		return
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.gen != gen || en.task.State != domain.StateRunning {
		return
	}
	en.timer = nil
	ctx := WithActor(context.Background(), "engine")
	r := Report{WorkerID: en.task.AssignedWorker, Error: "run timeout exceeded"}
	if err := e.finishRun(ctx, en, r, domain.OutcomeTimeout); err != nil {
		e.log().Error("run timeout", "task_id", id, "err", err)
	}
}

// Complete records a run outcome reported by the assigned worker.
func (e *Engine) Complete(ctx context.Context, id string, r Report) (domain.Task, error) {
	if r.Confidence < 0 || r.Confidence > 1 {
		return domain.Task{}, invalid("confidence", "must be within [0,1]")
	}
	if r.Cost < 0 {
		return domain.Task{}, invalid("cost", "must be >= 0")
	}
	en, err := e.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.task.State != domain.StateRunning {
		to := domain.StateFailed
		if r.Success {
			to = domain.StateReview
		}
		return en.task.Clone(), &TransitionError{From: en.task.State, To: to, Reason: "task is not running"}
	}
	if r.WorkerID != "" && r.WorkerID != en.task.AssignedWorker {
		return en.task.Clone(), invalid("worker_id", "task %s is assigned to %s", id, en.task.AssignedWorker)
	}
	outcome := domain.OutcomeFailed
	if r.Success {
		outcome = domain.OutcomeCompleted
	}
	if err := e.finishRun(ctx, en, r, outcome); err != nil {
		return en.task.Clone(), err
	}
	return en.task.Clone(), nil
}

// finishRun charges the run, feeds worker health and moves RUNNING to REVIEW or FAILED.
// Caller holds en.mu.
func (e *Engine) finishRun(ctx context.Context, en *entry, r Report, outcome domain.Outcome) error {
	_, scorer, _ := e.settings()
	worker := en.task.AssignedWorker
	cost := r.Cost
	if res, ok := e.Selector.Get(en.res); ok && cost == 0 {
		cost = res.Amount
	}
	var artifact *domain.Artifact
	if r.Artifact != nil {
		a := *r.Artifact
		a.WorkerID = worker
		artifact = &a
	}
	latency := e.now().Sub(en.startedAt)
	if spent := en.task.BudgetSpent + cost; spent > en.task.BudgetCap {
		e.log().Warn("budget cap exceeded", "task_id", en.task.ID, "worker", worker, "spent", spent, "cap", en.task.BudgetCap)
	}

	if r.Success {
		if err := e.transition(ctx, en, domain.StateReview, outcome, fmt.Sprintf("completed by %s (confidence %.2f)", worker, r.Confidence), func(t *domain.Task) {
			t.BudgetSpent += cost
			if artifact != nil {
				t.Artifacts = append(t.Artifacts, *artifact)
			}
			if t.Features == nil {
				t.Features = domain.Features{}
			}
			t.Features[domain.FeatureConfidenceNegated] = 1 - r.Confidence
			t.RiskScore = scorer.Score(t.Features)
		}, nil); err != nil {
			return err
		}
	} else {
		reason := r.Error
		if reason == "" {
			reason = "worker reported failure"
		}
		if err := e.transition(ctx, en, domain.StateFailed, outcome, fmt.Sprintf("%s: %s", worker, reason), func(t *domain.Task) {
			t.BudgetSpent += cost
			t.Retries++
			if artifact != nil {
				t.Artifacts = append(t.Artifacts, *artifact)
			}
		}, nil); err != nil {
			return err
		}
	}

	e.stopTimer(en)
	if en.res != "" {
		e.Selector.Settle(en.res, cost)
		en.res = ""
	}
	e.Registry.RecordOutcome(worker, r.Success)
	if r.Success {
		e.Breakers.RecordSuccess(worker, latency)
		if en.slot != "" {
			e.Registry.ReleaseSlot(en.slot)
			en.slot = ""
		}
		e.dispatchEvaluate(en)
		return nil
	}
	e.Breakers.RecordFailure(worker, latency)
	en.excluded = append(en.excluded, worker)
	return e.afterFailure(ctx, en)
}

// afterFailure asks the policy what to do with a FAILED task. Caller holds en.mu.
func (e *Engine) afterFailure(ctx context.Context, en *entry) error {
	_, scorer, policy := e.settings()
	t := en.task
	d := policy.Decide(escalation.Input{
		RiskScore:         t.RiskScore,
		RiskTier:          scorer.Tier(t.RiskScore),
		Tier:              t.Tier,
		History:           t.History,
		Retries:           t.Retries,
		SameTierRemaining: e.Selector.SameTierCandidates(t, en.excluded...),
		BudgetSpent:       t.BudgetSpent,
		BudgetCap:         t.BudgetCap,
		BudgetReachable:   e.budgetReachable(t, t.Tier),
		HumanGate:         t.HumanGateRequired,
	})
	e.log().Info("escalation decision", "task_id", t.ID, "action", d.Action, "reason", d.Reason, "next_tier", int(d.NextTier))
	switch d.Action {
	case escalation.Stay:
		return e.route(ctx, en, t.Tier)
	case escalation.Escalate:
		if err := e.transition(ctx, en, domain.StateEscalated, domain.OutcomeEscalated, d.Reason, func(t *domain.Task) {
			t.Tier = d.NextTier
		}, nil); err != nil {
			return err
		}
		en.excluded = nil
		return e.route(ctx, en, en.task.Tier)
	default:
		return e.parkEscalated(ctx, en, d.Reason)
	}
}

// parkEscalated leaves the task ESCALATED until a human disposes of it. Caller holds en.mu.
func (e *Engine) parkEscalated(ctx context.Context, en *entry, reason string) error {
	if err := e.transition(ctx, en, domain.StateEscalated, domain.OutcomeHumanGated, reason, func(t *domain.Task) {
		t.AwaitingHuman = true
		t.HumanGateRequired = true
	}, nil); err != nil {
		return err
	}
	e.releaseAll(en)
	e.dispatchReview(en)
	return nil
}

// reservationExpired blocks a task whose worker never acknowledged it. The selector has already
// given back the tokens and the slot.
func (e *Engine) reservationExpired(res registry.Reservation) {
	en, err := e.lookup(res.TaskID)
	if err != nil {
		return
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.res != res.ID || en.task.State != domain.StateRouted {
		return
	}
	en.res = ""
	ctx := WithActor(context.Background(), "engine")
	if err := e.block(ctx, en, fmt.Sprintf("worker %s did not acknowledge", res.WorkerID), false); err != nil {
		e.log().Error("block expired reservation", "task_id", res.TaskID, "err", err)
	}
}

func (e *Engine) breakerChanged(t breaker.Transition) {
	e.Registry.SetBreakerState(t.WorkerID, t.To)
	e.log().Warn("breaker transition", "worker", t.WorkerID, "from", t.From, "to", t.To, "reason", t.Reason)
}
