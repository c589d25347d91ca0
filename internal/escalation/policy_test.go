package escalation_test

import (
	"testing"

	"riskroute/internal/config"
	"riskroute/internal/domain"
	"riskroute/internal/escalation"
)

func policy() escalation.Policy {
	return escalation.FromConfig(config.Default())
}

func failures(tier domain.Tier, n int) []domain.Attempt {
	var h []domain.Attempt
	for i := 0; i < n; i++ {
		h = append(h,
			domain.Attempt{From: domain.StateRouted, To: domain.StateRunning, Tier: tier},
			domain.Attempt{From: domain.StateRunning, To: domain.StateFailed, Tier: tier, Outcome: domain.OutcomeFailed},
		)
	}
	return h
}

func green() *domain.Evaluation {
	return &domain.Evaluation{TestsPassed: true, LintClean: true}
}

func TestTwoSameTierFailuresEscalate(t *testing.T) {
	d := policy().Decide(escalation.Input{
		Tier:              domain.TierMedium,
		RiskTier:          domain.TierMedium,
		History:           failures(domain.TierMedium, 2),
		Retries:           1,
		SameTierRemaining: 0,
		BudgetCap:         100,
		BudgetReachable:   true,
	})
	if d.Action != escalation.Escalate || d.NextTier != domain.TierHigh {
		t.Fatalf("decision = %+v", d)
	}
}

func TestSingleFailureRetries(t *testing.T) {
	d := policy().Decide(escalation.Input{
		Tier:              domain.TierLow,
		RiskTier:          domain.TierLow,
		History:           failures(domain.TierLow, 1),
		SameTierRemaining: 1,
		BudgetCap:         100,
		BudgetReachable:   true,
	})
	if d.Action != escalation.Stay {
		t.Fatalf("decision = %+v", d)
	}
}

func TestNoSameTierCandidateEscalates(t *testing.T) {
	d := policy().Decide(escalation.Input{
		Tier:              domain.TierLow,
		RiskTier:          domain.TierLow,
		History:           failures(domain.TierLow, 1),
		SameTierRemaining: 0,
		BudgetCap:         100,
		BudgetReachable:   true,
	})
	if d.Action != escalation.Escalate || d.NextTier != domain.TierMedium {
		t.Fatalf("decision = %+v", d)
	}
}

func TestTopTierExhaustedRequiresHuman(t *testing.T) {
	d := policy().Decide(escalation.Input{
		Tier:            domain.TierHigh,
		RiskTier:        domain.TierHigh,
		History:         failures(domain.TierHigh, 2),
		BudgetCap:       100,
		BudgetReachable: true,
	})
	if d.Action != escalation.RequireHuman {
		t.Fatalf("decision = %+v", d)
	}
}

func TestUnreachableBudgetRequiresHuman(t *testing.T) {
	d := policy().Decide(escalation.Input{Tier: domain.TierLow, Succeeded: true, Evaluation: green(), BudgetSpent: 99, BudgetCap: 100})
	if d.Action != escalation.RequireHuman {
		t.Fatalf("decision = %+v", d)
	}
}

func TestRecomputedRiskEscalatesToItsTier(t *testing.T) {
	d := policy().Decide(escalation.Input{
		Tier:            domain.TierLow,
		RiskTier:        domain.TierHigh,
		RiskScore:       0.7,
		Succeeded:       true,
		Evaluation:      green(),
		BudgetSpent:     5,
		BudgetCap:       100,
		BudgetReachable: true,
	})
	if d.Action != escalation.Escalate || d.NextTier != domain.TierHigh {
		t.Fatalf("decision = %+v", d)
	}
}

func TestEarlyExitDescalates(t *testing.T) {
	d := policy().Decide(escalation.Input{
		Tier:            domain.TierMedium,
		RiskTier:        domain.TierMedium,
		FloorTier:       domain.TierLow,
		Succeeded:       true,
		Evaluation:      green(),
		BudgetSpent:     50,
		BudgetCap:       100,
		BudgetReachable: true,
	})
	if d.Action != escalation.Descalate || d.NextTier != domain.TierLow {
		t.Fatalf("decision = %+v", d)
	}
}

func TestGreenOverEarlyExitRatioStays(t *testing.T) {
	d := policy().Decide(escalation.Input{
		Tier:            domain.TierMedium,
		RiskTier:        domain.TierMedium,
		Succeeded:       true,
		Evaluation:      green(),
		BudgetSpent:     80,
		BudgetCap:       100,
		BudgetReachable: true,
	})
	if d.Action != escalation.Stay {
		t.Fatalf("decision = %+v", d)
	}
}

func TestHumanGateBeatsEarlyExit(t *testing.T) {
	d := policy().Decide(escalation.Input{
		Tier:            domain.TierHigh,
		RiskTier:        domain.TierHigh,
		Succeeded:       true,
		Evaluation:      green(),
		BudgetSpent:     10,
		BudgetCap:       100,
		BudgetReachable: true,
		HumanGate:       true,
	})
	if d.Action != escalation.RequireHuman {
		t.Fatalf("decision = %+v", d)
	}
}

func TestHighFindingAfterRemediationEscalates(t *testing.T) {
	ev := &domain.Evaluation{TestsPassed: true, LintClean: true, Findings: []domain.Finding{{Severity: domain.SeverityHigh}}}
	in := escalation.Input{
		Tier:            domain.TierLow,
		RiskTier:        domain.TierLow,
		Succeeded:       true,
		Evaluation:      ev,
		BudgetCap:       100,
		BudgetReachable: true,
	}
	if d := policy().Decide(in); d.Action != escalation.Stay {
		t.Fatalf("first finding should remediate, got %+v", d)
	}
	in.History = []domain.Attempt{{From: domain.StateReview, To: domain.StateChangesRequested, Tier: domain.TierLow}}
	if d := policy().Decide(in); d.Action != escalation.Escalate {
		t.Fatalf("second finding should escalate, got %+v", d)
	}
}

func TestRiskAboveTierEscalates(t *testing.T) {
	d := policy().Decide(escalation.Input{
		Tier:            domain.TierLow,
		RiskTier:        domain.TierMedium,
		RiskScore:       0.4,
		Succeeded:       true,
		Evaluation:      green(),
		BudgetCap:       100,
		BudgetReachable: true,
	})
	if d.Action != escalation.Escalate || d.NextTier != domain.TierMedium {
		t.Fatalf("decision = %+v", d)
	}
}

func TestConsecutiveFailuresStopAtReview(t *testing.T) {
	h := failures(domain.TierLow, 1)
	h = append(h, domain.Attempt{From: domain.StateRunning, To: domain.StateReview, Tier: domain.TierLow})
	h = append(h, failures(domain.TierLow, 1)...)
	if n := escalation.ConsecutiveFailures(h, domain.TierLow); n != 1 {
		t.Fatalf("consecutive = %d, want 1", n)
	}
}

func TestNextTier(t *testing.T) {
	if next, ok := escalation.NextTier(domain.TierLow); !ok || next != domain.TierMedium {
		t.Fatalf("next = %d %v", next, ok)
	}
	if _, ok := escalation.NextTier(domain.TierHigh); ok {
		t.Fatalf("tier 3 has no next tier")
	}
}
