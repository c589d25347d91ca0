package engine

import (
	"context"
	"fmt"
	"strings"

	"riskroute/internal/domain"
	"riskroute/internal/escalation"
	"riskroute/internal/events"
	"riskroute/internal/risk"
)

// Evaluate applies a runner verdict to a task in REVIEW: the features are updated, the risk is
// rescored and the policy decides between approval, remediation, escalation and the human gate.
func (e *Engine) Evaluate(ctx context.Context, id string, ev domain.Evaluation) (domain.Task, error) {
	en, err := e.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.task.State != domain.StateReview {
		return en.task.Clone(), &TransitionError{From: en.task.State, To: domain.StateApproved, Reason: "task is not in review"}
	}
	if en.task.AwaitingHuman {
		return en.task.Clone(), &TransitionError{From: en.task.State, To: domain.StateApproved, Reason: "awaiting human review"}
	}
	if err := e.evaluate(ctx, en, ev); err != nil {
		return en.task.Clone(), err
	}
	return en.task.Clone(), nil
}

func (e *Engine) evaluate(ctx context.Context, en *entry, ev domain.Evaluation) error {
	_, scorer, policy := e.settings()
	t := en.task
	confidence := 0.0
	if v, ok := t.Features[domain.FeatureConfidenceNegated]; ok {
		confidence = 1 - v
	}
	features := risk.FromEvaluation(t.Features, ev, confidence)
	score := scorer.Score(features)
	riskTier := scorer.Tier(score)
	floor := riskTier
	if t.Tier < floor {
		floor = t.Tier
	}
	d := policy.Decide(escalation.Input{
		RiskScore:         score,
		RiskTier:          riskTier,
		Tier:              t.Tier,
		History:           t.History,
		Evaluation:        &ev,
		Succeeded:         true,
		Retries:           t.Retries,
		SameTierRemaining: e.Selector.SameTierCandidates(t),
		BudgetSpent:       t.BudgetSpent,
		BudgetCap:         t.BudgetCap,
		BudgetReachable:   t.BudgetSpent <= t.BudgetCap,
		HumanGate:         t.HumanGateRequired,
		FloorTier:         floor,
	})
	e.log().Info("escalation decision", "task_id", t.ID, "action", d.Action, "reason", d.Reason, "risk", score)
	rescore := func(t *domain.Task) {
		t.Features = features
		t.RiskScore = score
	}

	switch d.Action {
	case escalation.Stay:
		if ev.Green() {
			if err := e.transition(ctx, en, domain.StateApproved, domain.OutcomeApproved, d.Reason, rescore, nil); err != nil {
				return err
			}
			e.dispatchMerge(en)
			return nil
		}
		if err := e.transition(ctx, en, domain.StateChangesRequested, domain.OutcomeChanges, d.Reason, rescore, nil); err != nil {
			return err
		}
		en.excluded = nil
		return e.route(ctx, en, en.task.Tier)
	case escalation.Descalate:
		if err := e.transition(ctx, en, domain.StateApproved, domain.OutcomeApproved, d.Reason, func(t *domain.Task) {
			rescore(t)
			t.Descalate = true
		}, nil); err != nil {
			return err
		}
		e.dispatchMerge(en)
		return nil
	case escalation.Escalate:
		if err := e.transition(ctx, en, domain.StateChangesRequested, domain.OutcomeEscalated, d.Reason, func(t *domain.Task) {
			rescore(t)
			if d.NextTier > t.Tier {
				t.Tier = d.NextTier
			}
		}, nil); err != nil {
			return err
		}
		en.excluded = nil
		return e.route(ctx, en, en.task.Tier)
	default:
		return e.parkReview(ctx, en, d.Reason, rescore)
	}
}

// parkReview keeps the task in REVIEW and hands it to the human channel. No state changes, so
// only an event is written.
func (e *Engine) parkReview(ctx context.Context, en *entry, reason string, mutate func(t *domain.Task)) error {
	next := en.task.Clone()
	if mutate != nil {
		mutate(&next)
	}
	next.AwaitingHuman = true
	next.Reason = reason
	next.UpdatedAt = e.now().UTC()
	payload := events.EventPayload{"state": next.State, "tier": next.Tier, "risk": next.RiskScore, "reason": reason}
	if err := e.persist(ctx, next, "task.human_gated", payload, nil); err != nil {
		return err
	}
	en.task = next
	e.log().Info("task awaiting human review", "task_id", next.ID, "tier", int(next.Tier), "reason", reason)
	e.dispatchReview(en)
	return nil
}

// HumanReview applies a reviewer decision to a task parked in REVIEW or ESCALATED.
func (e *Engine) HumanReview(ctx context.Context, id string, decision domain.HumanDecision, note string) (domain.Task, error) {
	if !decision.Valid() {
		return domain.Task{}, invalid("decision", "must be one of APPROVE, REQUEST_CHANGES, REJECT")
	}
	en, err := e.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	switch en.task.State {
	case domain.StateReview:
		err = e.review(ctx, en, decision, note)
	case domain.StateEscalated:
		err = e.dispose(ctx, en, decision, note)
	default:
		err = &TransitionError{From: en.task.State, To: domain.StateApproved, Reason: "task is not awaiting a human decision"}
	}
	return en.task.Clone(), err
}

// Dispose resolves an ESCALATED task. REJECT ends it; anything else retries at the current tier.
func (e *Engine) Dispose(ctx context.Context, id string, decision domain.HumanDecision, note string) (domain.Task, error) {
	if !decision.Valid() {
		return domain.Task{}, invalid("decision", "must be one of APPROVE, REQUEST_CHANGES, REJECT")
	}
	en, err := e.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.task.State != domain.StateEscalated {
		return en.task.Clone(), &TransitionError{From: en.task.State, To: domain.StateRouted, Reason: "task is not escalated"}
	}
	err = e.dispose(ctx, en, decision, note)
	return en.task.Clone(), err
}

func (e *Engine) review(ctx context.Context, en *entry, decision domain.HumanDecision, note string) error {
	if !en.task.AwaitingHuman {
		return &TransitionError{From: en.task.State, To: domain.StateApproved, Reason: "task is not awaiting human review"}
	}
	reason := humanReason(ctx, decision, note)
	resume := func(t *domain.Task) { t.AwaitingHuman = false }
	switch decision {
	case domain.HumanApprove:
		if err := e.transition(ctx, en, domain.StateApproved, domain.OutcomeApproved, reason, resume, nil); err != nil {
			return err
		}
		e.dispatchMerge(en)
		return nil
	case domain.HumanRequestChanges:
		if err := e.transition(ctx, en, domain.StateChangesRequested, domain.OutcomeChanges, reason, resume, nil); err != nil {
			return err
		}
		en.excluded = nil
		return e.route(ctx, en, en.task.Tier)
	default:
		if err := e.transition(ctx, en, domain.StateTerminalRejected, domain.OutcomeRejected, reason, resume, nil); err != nil {
			return err
		}
		e.releaseAll(en)
		return nil
	}
}

func (e *Engine) dispose(ctx context.Context, en *entry, decision domain.HumanDecision, note string) error {
	reason := humanReason(ctx, decision, note)
	if decision == domain.HumanReject {
		if err := e.transition(ctx, en, domain.StateTerminalRejected, domain.OutcomeRejected, reason, func(t *domain.Task) {
			t.AwaitingHuman = false
		}, nil); err != nil {
			return err
		}
		e.releaseAll(en)
		return nil
	}
	e.log().Info("escalation disposed", "task_id", en.task.ID, "decision", decision, "actor", actorFrom(ctx))
	en.excluded = nil
	return e.route(ctx, en, en.task.Tier)
}

func humanReason(ctx context.Context, decision domain.HumanDecision, note string) string {
	reason := fmt.Sprintf("%s by %s", strings.ToLower(string(decision)), actorFrom(ctx))
	if note != "" {
		reason += ": " + note
	}
	return reason
}

// MergeResult records the outcome of applying an approved change. A conflict blocks the task
// until a human unblocks it.
func (e *Engine) MergeResult(ctx context.Context, id string, merged bool, detail string) (domain.Task, error) {
	en, err := e.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.task.State != domain.StateApproved {
		return en.task.Clone(), &TransitionError{From: en.task.State, To: domain.StateMerged, Reason: "task is not approved"}
	}
	if err := e.merged(ctx, en, merged, detail); err != nil {
		return en.task.Clone(), err
	}
	return en.task.Clone(), nil
}

func (e *Engine) merged(ctx context.Context, en *entry, ok bool, detail string) error {
	if !ok {
		if detail == "" {
			detail = "unknown error"
		}
		return e.block(ctx, en, "merge conflict: "+detail, true)
	}
	_, scorer, _ := e.settings()
	if err := e.transition(ctx, en, domain.StateMerged, domain.OutcomeMerged, "merged", func(t *domain.Task) {
		if t.Descalate {
			if tier := scorer.Tier(t.RiskScore); tier < t.Tier {
				t.Tier = tier
			}
		}
	}, nil); err != nil {
		return err
	}
	e.releaseAll(en)
	return nil
}
