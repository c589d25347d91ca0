package engine

import (
	"riskroute/internal/domain"
)

var transitions = map[domain.TaskState][]domain.TaskState{
	domain.StateQueued:           {domain.StateRouted},
	domain.StateRouted:           {domain.StateRunning},
	domain.StateRunning:          {domain.StateReview, domain.StateFailed},
	domain.StateReview:           {domain.StateApproved, domain.StateChangesRequested},
	domain.StateFailed:           {domain.StateRouted, domain.StateEscalated},
	domain.StateChangesRequested: {domain.StateRouted},
	domain.StateEscalated:        {domain.StateRouted, domain.StateTerminalRejected},
	domain.StateApproved:         {domain.StateMerged},
	domain.StateBlocked:          {domain.StateQueued},
}

// ensureTransition checks the edge against the lifecycle graph. Any non-terminal state may
// move to BLOCKED or, by cancellation or human rejection, to TERMINAL_REJECTED.
func ensureTransition(from, to domain.TaskState) error {
	if from.Terminal() {
		return &TransitionError{From: from, To: to, Reason: "task is terminal"}
	}
	if to == domain.StateBlocked && from != domain.StateBlocked {
		return nil
	}
	if to == domain.StateTerminalRejected {
		return nil
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

// checkInvariants compares a task before and after a transition.
func checkInvariants(prev, next domain.Task) error {
	if next.Tier < prev.Tier && !(prev.State == domain.StateApproved && next.State == domain.StateMerged) {
		return &TransitionError{From: prev.State, To: next.State, Reason: "tier may only drop on merge"}
	}
	if prev.HumanGateRequired && !next.HumanGateRequired {
		return &TransitionError{From: prev.State, To: next.State, Reason: "human gate cannot be cleared"}
	}
	if !next.Tier.Valid() {
		return &TransitionError{From: prev.State, To: next.State, Reason: "tier out of range"}
	}
	return nil
}

func outcomeFor(to domain.TaskState) domain.Outcome {
	switch to {
	case domain.StateQueued:
		return domain.OutcomeQueued
	case domain.StateRouted:
		return domain.OutcomeRouted
	case domain.StateRunning:
		return domain.OutcomeStarted
	case domain.StateReview:
		return domain.OutcomeCompleted
	case domain.StateFailed:
		return domain.OutcomeFailed
	case domain.StateEscalated:
		return domain.OutcomeEscalated
	case domain.StateApproved:
		return domain.OutcomeApproved
	case domain.StateChangesRequested:
		return domain.OutcomeChanges
	case domain.StateMerged:
		return domain.OutcomeMerged
	case domain.StateBlocked:
		return domain.OutcomeBlocked
	default:
		return domain.OutcomeRejected
	}
}
