// Package escalation decides whether a task stays at its tier, moves up, moves down or needs a human.
package escalation

import (
	"fmt"

	"riskroute/internal/budget"
	"riskroute/internal/config"
	"riskroute/internal/domain"
)

type Action string

const (
	Stay         Action = "STAY"
	Escalate     Action = "ESCALATE"
	Descalate    Action = "DESCALATE"
	RequireHuman Action = "REQUIRE_HUMAN"
)

// Decision is the policy output. NextTier is set for Escalate and Descalate.
type Decision struct {
	Action   Action      `json:"action"`
	Reason   string      `json:"reason"`
	NextTier domain.Tier `json:"next_tier,omitempty"`
}

// Input is everything the policy looks at. It is a plain value so decisions are reproducible.
type Input struct {
	RiskScore float64
	// RiskTier is the tier implied by the latest score.
	RiskTier domain.Tier
	Tier     domain.Tier
	History  []domain.Attempt
	// Evaluation is nil when the last run failed before producing an artifact.
	Evaluation        *domain.Evaluation
	Succeeded         bool
	Retries           int
	SameTierRemaining int
	BudgetSpent       float64
	BudgetCap         float64
	// BudgetReachable is false when no worker at any tier fits the remaining cap.
	BudgetReachable bool
	HumanGate       bool
	// FloorTier is the tier to drop to on early exit.
	FloorTier domain.Tier
}

// Policy holds the thresholds the decision uses.
type Policy struct {
	SameTierFailures int
	MaxRetries       int
	EarlyExitRatio   float64
}

func FromConfig(cfg *config.Config) Policy {
	return Policy{
		SameTierFailures: cfg.Retry.SameTierFailures,
		MaxRetries:       cfg.Retry.MaxPerTask,
		EarlyExitRatio:   cfg.Budget.EarlyExitRatio,
	}
}

// Decide is pure: the same input always yields the same decision.
func (p Policy) Decide(in Input) Decision {
	if !in.BudgetReachable {
		return Decision{Action: RequireHuman, Reason: fmt.Sprintf("budget cap unreachable: %.2f of %.2f spent", in.BudgetSpent, in.BudgetCap)}
	}
	if in.Succeeded && in.Evaluation != nil {
		return p.afterSuccess(in)
	}
	return p.afterFailure(in)
}

func (p Policy) afterSuccess(in Input) Decision {
	ev := *in.Evaluation
	if in.RiskTier > in.Tier && in.RiskTier.Valid() {
		// the new score decides the tier, not one step up
		return Decision{Action: Escalate, Reason: fmt.Sprintf("risk %.2f recomputed above tier %d", in.RiskScore, in.Tier), NextTier: in.RiskTier}
	}
	if ev.HighFindings() > 0 {
		if Remediations(in.History, in.Tier) >= 1 {
			return p.escalate(in, "high-severity finding unresolved after remediation")
		}
		return Decision{Action: Stay, Reason: "high-severity finding needs remediation"}
	}
	if !ev.TestsPassed || !ev.LintClean {
		return Decision{Action: Stay, Reason: "tests or lint failing"}
	}
	if in.HumanGate {
		return Decision{Action: RequireHuman, Reason: "human gate pending"}
	}
	if budget.EarlyExit(in.BudgetSpent, in.BudgetCap, p.EarlyExitRatio) {
		floor := in.FloorTier
		if !floor.Valid() || floor > in.Tier {
			floor = in.Tier
		}
		return Decision{Action: Descalate, Reason: "early exit: all signals green under budget", NextTier: floor}
	}
	return Decision{Action: Stay, Reason: "all signals green"}
}

func (p Policy) afterFailure(in Input) Decision {
	if n := ConsecutiveFailures(in.History, in.Tier); n >= p.SameTierFailures {
		return p.escalate(in, fmt.Sprintf("%d consecutive failures at tier %d", n, in.Tier))
	}
	if in.Retries >= p.MaxRetries {
		return p.escalate(in, fmt.Sprintf("retry limit %d reached", p.MaxRetries))
	}
	if in.SameTierRemaining == 0 {
		return p.escalate(in, fmt.Sprintf("no remaining tier %d candidates", in.Tier))
	}
	return Decision{Action: Stay, Reason: "retry with another worker"}
}

func (p Policy) escalate(in Input, reason string) Decision {
	next, ok := NextTier(in.Tier)
	if !ok {
		return Decision{Action: RequireHuman, Reason: "top tier exhausted: " + reason}
	}
	return Decision{Action: Escalate, Reason: reason, NextTier: next}
}

// NextTier returns the tier above t, or false at the top.
func NextTier(t domain.Tier) (domain.Tier, bool) {
	if t >= domain.MaxTier {
		return domain.MaxTier, false
	}
	return t + 1, true
}

// ConsecutiveFailures counts failed runs at tier since the last success or tier change.
func ConsecutiveFailures(history []domain.Attempt, tier domain.Tier) int {
	n := 0
	for i := len(history) - 1; i >= 0; i-- {
		a := history[i]
		if a.Tier != tier || a.To == domain.StateReview {
			break
		}
		if a.To == domain.StateFailed {
			n++
		}
	}
	return n
}

// Remediations counts CHANGES_REQUESTED rounds at tier.
func Remediations(history []domain.Attempt, tier domain.Tier) int {
	n := 0
	for _, a := range history {
		if a.Tier == tier && a.To == domain.StateChangesRequested {
			n++
		}
	}
	return n
}
