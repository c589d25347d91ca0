package domain

import "time"

// TaskState is a node of the task lifecycle.
type TaskState string

const (
	StateQueued           TaskState = "QUEUED"
	StateRouted           TaskState = "ROUTED"
	StateRunning          TaskState = "RUNNING"
	StateReview           TaskState = "REVIEW"
	StateFailed           TaskState = "FAILED"
	StateBlocked          TaskState = "BLOCKED"
	StateEscalated        TaskState = "ESCALATED"
	StateApproved         TaskState = "APPROVED"
	StateChangesRequested TaskState = "CHANGES_REQUESTED"
	StateMerged           TaskState = "MERGED"
	StateTerminalRejected TaskState = "TERMINAL_REJECTED"
)

// Terminal reports whether no further transition may leave the state.
func (s TaskState) Terminal() bool {
	return s == StateMerged || s == StateTerminalRejected
}

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case StateQueued, StateRouted, StateRunning, StateReview, StateFailed, StateBlocked, StateEscalated,
		StateApproved, StateChangesRequested, StateMerged, StateTerminalRejected:
		return true
	default:
		return false
	}
}

// Tier is the escalation level; higher is more capable, more expensive and stricter.
type Tier int

const (
	TierLow    Tier = 1
	TierMedium Tier = 2
	TierHigh   Tier = 3
)

const (
	MinTier = TierLow
	MaxTier = TierHigh
)

func (t Tier) Valid() bool {
	return t >= MinTier && t <= MaxTier
}

// Feature names understood by the risk scorer.
const (
	FeatureChangeSize        = "change_size"
	FeatureSensitivePath     = "sensitive_path"
	FeatureCoverageDrop      = "coverage_drop"
	FeatureStaticSeverity    = "static_severity"
	FeatureConfidenceNegated = "confidence_negated"
	FeatureSurfaceArea       = "surface_area"
)

// FeatureNames lists every known feature in a stable order.
var FeatureNames = []string{
	FeatureChangeSize,
	FeatureSensitivePath,
	FeatureCoverageDrop,
	FeatureStaticSeverity,
	FeatureConfidenceNegated,
	FeatureSurfaceArea,
}

// Features is a named feature vector; each value is expected in [0,1].
type Features map[string]float64

// Clone returns an independent copy.
func (f Features) Clone() Features {
	out := make(Features, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Outcome labels what happened in one attempt-history entry.
type Outcome string

const (
	OutcomeQueued     Outcome = "queued"
	OutcomeRouted     Outcome = "routed"
	OutcomeStarted    Outcome = "started"
	OutcomeCompleted  Outcome = "completed"
	OutcomeFailed     Outcome = "failed"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeRetry      Outcome = "retry"
	OutcomeEscalated  Outcome = "escalated"
	OutcomeApproved   Outcome = "approved"
	OutcomeChanges    Outcome = "changes_requested"
	OutcomeMerged     Outcome = "merged"
	OutcomeBlocked    Outcome = "blocked"
	OutcomeUnblocked  Outcome = "unblocked"
	OutcomeHandoff    Outcome = "handoff"
	OutcomeCanceled   Outcome = "canceled"
	OutcomeRejected   Outcome = "rejected"
	OutcomeHumanGated Outcome = "human_gated"
)

// Attempt is one append-only entry of a task's history. One entry is written per transition.
type Attempt struct {
	Seq      int       `json:"seq"`
	From     TaskState `json:"from,omitempty"`
	To       TaskState `json:"to"`
	Tier     Tier      `json:"tier"`
	WorkerID string    `json:"worker_id,omitempty"`
	Outcome  Outcome   `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at" format:"date-time"`
}

// Artifact is a worker product attached to a task.
type Artifact struct {
	Kind     string `json:"kind" enum:"diff,notes,test_results"`
	WorkerID string `json:"worker_id"`
	Content  string `json:"content"`
	Partial  bool   `json:"partial,omitempty"`
}

// Task is the unit of proposed code change moving through the engine.
type Task struct {
	ID                string     `json:"id"`
	Domain            string     `json:"domain"`
	Title             string     `json:"title,omitempty"`
	CreatedAt         time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt         time.Time  `json:"updated_at" format:"date-time"`
	Features          Features   `json:"features"`
	RiskScore         float64    `json:"risk_score"`
	Tier              Tier       `json:"tier"`
	State             TaskState  `json:"state"`
	AssignedWorker    string     `json:"assigned_worker,omitempty"`
	BudgetSpent       float64    `json:"budget_spent"`
	BudgetCap         float64    `json:"budget_cap"`
	Retries           int        `json:"retries"`
	Deadline          *time.Time `json:"deadline,omitempty" format:"date-time"`
	HumanGateRequired bool       `json:"human_gate_required"`
	AwaitingHuman     bool       `json:"awaiting_human"`
	Descalate         bool       `json:"descalate,omitempty"`
	BlockedFrom       TaskState  `json:"blocked_from,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	Artifacts         []Artifact `json:"artifacts,omitempty"`
	History           []Attempt  `json:"attempt_history"`
}

// Clone returns a deep copy safe to hand out of the owning state machine.
func (t Task) Clone() Task {
	out := t
	out.Features = t.Features.Clone()
	if t.Deadline != nil {
		d := *t.Deadline
		out.Deadline = &d
	}
	out.Artifacts = append([]Artifact(nil), t.Artifacts...)
	out.History = append([]Attempt(nil), t.History...)
	return out
}

// RemainingBudget is the unspent part of the task's cap.
func (t Task) RemainingBudget() float64 {
	r := t.BudgetCap - t.BudgetSpent
	if r < 0 {
		return 0
	}
	return r
}

// BreakerState is a worker health gate position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// Worker is an addressable capability profile plus live status.
type Worker struct {
	ID              string             `json:"id"`
	Tier            Tier               `json:"tier"`
	Capability      map[string]float64 `json:"capability"`
	MaxConcurrent   int                `json:"max_concurrent"`
	CostEstimate    float64            `json:"cost_estimate"`
	AvgDuration     time.Duration      `json:"avg_duration"`
	Load            int                `json:"load"`
	Successes       int                `json:"successes"`
	Failures        int                `json:"failures"`
	Available       bool               `json:"available"`
	BreakerState    BreakerState       `json:"breaker_state"`
	BudgetTokens    float64            `json:"budget_tokens"`
	BudgetCapacity  float64            `json:"budget_capacity"`
	RefillPerMinute float64            `json:"refill_per_minute"`
}

// Serves reports whether the worker lists the domain.
func (w Worker) Serves(domain string) bool {
	_, ok := w.Capability[domain]
	return ok
}

// SuccessRate is a smoothed historical success ratio in (0,1).
func (w Worker) SuccessRate() float64 {
	return float64(w.Successes+1) / float64(w.Successes+w.Failures+2)
}

// HandoffRecord describes one transfer; consumed once, then folded into the attempt history.
type HandoffRecord struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	CreatedAt time.Time  `json:"created_at" format:"date-time"`
}

// Severity of a static-analysis finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Weight maps a severity onto [0,1] for the static_severity feature.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 0.6
	case SeverityLow:
		return 0.2
	default:
		return 1
	}
}

type Finding struct {
	Severity Severity `json:"severity" enum:"low,medium,high"`
	Message  string   `json:"message,omitempty"`
}

// Evaluation is the test/static-analysis runner verdict on an artifact.
type Evaluation struct {
	TestsPassed   bool      `json:"tests_passed"`
	LintClean     bool      `json:"lint_clean"`
	Findings      []Finding `json:"findings,omitempty"`
	CoverageDelta float64   `json:"coverage_delta"`
}

// HighFindings counts high-severity findings.
func (e Evaluation) HighFindings() int {
	n := 0
	for _, f := range e.Findings {
		if f.Severity == SeverityHigh {
			n++
		}
	}
	return n
}

// Green reports whether every risk-relevant signal is clean.
func (e Evaluation) Green() bool {
	return e.TestsPassed && e.LintClean && e.HighFindings() == 0
}

// HumanDecision is a human reviewer's disposition.
type HumanDecision string

const (
	HumanApprove        HumanDecision = "APPROVE"
	HumanRequestChanges HumanDecision = "REQUEST_CHANGES"
	HumanReject         HumanDecision = "REJECT"
)

func (d HumanDecision) Valid() bool {
	return d == HumanApprove || d == HumanRequestChanges || d == HumanReject
}

// Event is a row of the audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
