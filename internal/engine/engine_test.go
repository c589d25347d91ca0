package engine_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"riskroute/internal/budget"
	"riskroute/internal/bus"
	"riskroute/internal/config"
	"riskroute/internal/db"
	"riskroute/internal/domain"
	"riskroute/internal/engine"
	"riskroute/internal/migrate"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
	Clock  *clock
	Config *config.Config
}

func newTestEnv(t *testing.T, tweak ...func(cfg *config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	for _, fn := range tweak {
		fn(cfg)
	}
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg)
	eng.SetClock(clk.Now)
	t.Cleanup(eng.Wait)
	return testEnv{Engine: eng, Ctx: engine.WithActor(context.Background(), "tester"), Clock: clk, Config: cfg}
}

func zeros() domain.Features {
	f := domain.Features{}
	for _, name := range domain.FeatureNames {
		f[name] = 0
	}
	return f
}

// mediumRisk scores 0.30 with the default weights.
func mediumRisk() domain.Features {
	f := zeros()
	f[domain.FeatureChangeSize] = 1
	f[domain.FeatureSurfaceArea] = 1
	return f
}

func green() domain.Evaluation {
	return domain.Evaluation{TestsPassed: true, LintClean: true}
}

func (env testEnv) submit(t *testing.T, dom string, f domain.Features) domain.Task {
	t.Helper()
	task, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{Domain: dom, Title: "change", Features: f})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return task
}

func (env testEnv) run(t *testing.T, task domain.Task, r engine.Report) domain.Task {
	t.Helper()
	if _, err := env.Engine.Acknowledge(env.Ctx, task.ID, task.AssignedWorker); err != nil {
		t.Fatalf("ack: %v", err)
	}
	r.WorkerID = task.AssignedWorker
	out, err := env.Engine.Complete(env.Ctx, task.ID, r)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return out
}

func (env testEnv) load(t *testing.T, id string) int {
	t.Helper()
	w, err := env.Engine.Registry.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	return w.Load
}

// restart builds a second engine over the same database and restores it.
func (env testEnv) restart(t *testing.T) testEnv {
	t.Helper()
	eng := engine.New(env.Engine.DB, env.Config)
	eng.SetClock(env.Clock.Now)
	t.Cleanup(eng.Wait)
	if _, err := eng.Restore(env.Ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	env.Engine = eng
	return env
}

// seed stores a task row as if an earlier process had left it there.
func (env testEnv) seed(t *testing.T, task domain.Task) {
	t.Helper()
	now := env.Clock.Now()
	task.CreatedAt, task.UpdatedAt = now, now
	if task.Features == nil {
		task.Features = zeros()
	}
	if task.BudgetCap == 0 {
		task.BudgetCap = 100
	}
	for i := range task.History {
		task.History[i].Seq = i + 1
		task.History[i].At = now
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.SaveTask(env.Ctx, tx, task); err != nil {
		_ = tx.Rollback()
		t.Fatalf("seed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, env testEnv, id string, cond func(domain.Task) bool) domain.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		task, err := env.Engine.Get(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if cond(task) {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, task = %s %s", task.State, task.Reason)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLowRiskTaskRoutesToTierOne(t *testing.T) {
	env := newTestEnv(t)
	task := env.submit(t, "ui", zeros())
	if task.RiskScore != 0 || task.Tier != domain.TierLow {
		t.Fatalf("risk %.2f tier %d", task.RiskScore, task.Tier)
	}
	if task.State != domain.StateRouted || task.AssignedWorker != "lint-bot" {
		t.Fatalf("state %s worker %s", task.State, task.AssignedWorker)
	}
	if task.HumanGateRequired {
		t.Fatalf("low risk task must not require a human")
	}
	if len(task.History) != 2 || task.History[0].To != domain.StateQueued || task.History[1].To != domain.StateRouted {
		t.Fatalf("history = %+v", task.History)
	}
	if got := env.load(t, "lint-bot"); got != 1 {
		t.Fatalf("load = %d", got)
	}
}

func TestHighRiskLatchesHumanGate(t *testing.T) {
	env := newTestEnv(t)
	task := env.submit(t, "ui", domain.Features{domain.FeatureSensitivePath: 1, domain.FeatureStaticSeverity: 1})
	if task.RiskScore < 0.60 || task.Tier != domain.TierHigh || !task.HumanGateRequired {
		t.Fatalf("risk %.2f tier %d gate %v", task.RiskScore, task.Tier, task.HumanGateRequired)
	}
	if task.AssignedWorker != "senior-agent" {
		t.Fatalf("worker = %s", task.AssignedWorker)
	}
	task = env.run(t, task, engine.Report{Success: true, Confidence: 0.9, Artifact: &domain.Artifact{Kind: "diff", Content: "+x"}})
	if task.State != domain.StateReview {
		t.Fatalf("state = %s", task.State)
	}
	task, err := env.Engine.Evaluate(env.Ctx, task.ID, green())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if task.State != domain.StateReview || !task.AwaitingHuman {
		t.Fatalf("gated task should wait in review, got %s awaiting=%v", task.State, task.AwaitingHuman)
	}
	if !task.HumanGateRequired {
		t.Fatalf("gate cleared after signals improved")
	}
	task, err = env.Engine.HumanReview(env.Ctx, task.ID, domain.HumanApprove, "lgtm")
	if err != nil || task.State != domain.StateApproved {
		t.Fatalf("approve: %v %s", err, task.State)
	}
	task, err = env.Engine.MergeResult(env.Ctx, task.ID, true, "")
	if err != nil || task.State != domain.StateMerged {
		t.Fatalf("merge: %v %s", err, task.State)
	}
	if !task.HumanGateRequired || task.Tier != domain.TierHigh {
		t.Fatalf("gate %v tier %d after merge", task.HumanGateRequired, task.Tier)
	}
}

func TestWorkerWithoutTokensIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Ledger.Register("lint-bot", budget.Bucket{Capacity: 0})
	task := env.submit(t, "ui", zeros())
	if task.AssignedWorker != "local-coder" {
		t.Fatalf("worker = %s, want local-coder", task.AssignedWorker)
	}

	for _, id := range []string{"local-coder", "review-agent"} {
		env.Engine.Ledger.Register(id, budget.Bucket{Capacity: 0})
	}
	blocked := env.submit(t, "ui", zeros())
	if blocked.State != domain.StateBlocked {
		t.Fatalf("state = %s, want BLOCKED", blocked.State)
	}
	if blocked.AwaitingHuman || !strings.Contains(blocked.Reason, "no eligible worker") {
		t.Fatalf("awaiting=%v reason=%q", blocked.AwaitingHuman, blocked.Reason)
	}
	if blocked.BlockedFrom != domain.StateQueued {
		t.Fatalf("blocked from %s", blocked.BlockedFrom)
	}
}

func TestRepeatedFailuresEscalateToTopTier(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Workers = append(cfg.Workers, config.WorkerConfig{
			ID: "review-agent-b", Tier: 2, Capability: map[string]float64{"backend-logic": 70},
			MaxConcurrent: 1, Cost: 10, AvgDuration: 20 * time.Minute, BucketCapacity: 100, RefillPerMinute: 2,
		})
	})
	task := env.submit(t, "backend-logic", mediumRisk())
	if task.Tier != domain.TierMedium || task.AssignedWorker != "review-agent" {
		t.Fatalf("tier %d worker %s", task.Tier, task.AssignedWorker)
	}

	task = env.run(t, task, engine.Report{Error: "tests crashed"})
	if task.State != domain.StateRouted || task.AssignedWorker != "review-agent-b" || task.Tier != domain.TierMedium {
		t.Fatalf("after first failure: %s %s tier %d", task.State, task.AssignedWorker, task.Tier)
	}
	if last := task.History[len(task.History)-1]; last.Outcome != domain.OutcomeHandoff {
		t.Fatalf("reroute outcome = %s", last.Outcome)
	}
	if env.load(t, "review-agent") != 0 || env.load(t, "review-agent-b") != 1 {
		t.Fatalf("slot did not move with the handoff")
	}

	task = env.run(t, task, engine.Report{Error: "tests crashed"})
	if task.Tier != domain.TierHigh || !task.HumanGateRequired {
		t.Fatalf("tier %d gate %v", task.Tier, task.HumanGateRequired)
	}
	if task.State != domain.StateRouted || task.AssignedWorker != "senior-agent" {
		t.Fatalf("state %s worker %s", task.State, task.AssignedWorker)
	}
	escalated := false
	for _, a := range task.History {
		if a.To == domain.StateEscalated && a.Tier == domain.TierHigh {
			escalated = true
		}
	}
	if !escalated {
		t.Fatalf("history has no escalation: %+v", task.History)
	}
	if env.load(t, "review-agent-b") != 0 || env.load(t, "senior-agent") != 1 {
		t.Fatalf("loads after escalation: b=%d senior=%d", env.load(t, "review-agent-b"), env.load(t, "senior-agent"))
	}
	if task.BudgetSpent != 20 {
		t.Fatalf("spent = %v", task.BudgetSpent)
	}
}

func TestEarlyExitApprovesAndDropsTierOnMerge(t *testing.T) {
	env := newTestEnv(t)
	f := zeros()
	f[domain.FeatureChangeSize] = 1
	f[domain.FeatureConfidenceNegated] = 1
	task := env.submit(t, "backend-logic", f)
	if task.Tier != domain.TierMedium {
		t.Fatalf("tier = %d", task.Tier)
	}
	task = env.run(t, task, engine.Report{Success: true, Confidence: 1, Cost: 50})
	task, err := env.Engine.Evaluate(env.Ctx, task.ID, green())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if task.State != domain.StateApproved || !task.Descalate {
		t.Fatalf("state %s descalate %v", task.State, task.Descalate)
	}
	if task.BudgetSpent != 50 {
		t.Fatalf("spent = %v", task.BudgetSpent)
	}
	if task.Tier != domain.TierMedium {
		t.Fatalf("tier dropped before merge")
	}
	task, err = env.Engine.MergeResult(env.Ctx, task.ID, true, "")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if task.State != domain.StateMerged || task.Tier != domain.TierLow {
		t.Fatalf("state %s tier %d", task.State, task.Tier)
	}
}

func TestOpenBreakerWorkerIsNeverSelected(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.Engine.Breakers.RecordFailure("lint-bot", 0)
	}
	w := env.Engine.Workers()
	for _, x := range w {
		if x.ID == "lint-bot" && x.BreakerState != domain.BreakerOpen {
			t.Fatalf("breaker = %s", x.BreakerState)
		}
	}
	for i := 0; i < 5; i++ {
		task := env.submit(t, "ui", zeros())
		if task.AssignedWorker == "lint-bot" {
			t.Fatalf("task %d routed to worker with open breaker", i)
		}
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.submit(t, "ui", zeros())
	task, err := env.Engine.Cancel(env.Ctx, task.ID, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if task.State != domain.StateTerminalRejected {
		t.Fatalf("state = %s", task.State)
	}
	n := len(task.History)
	again, err := env.Engine.Cancel(env.Ctx, task.ID, "")
	if err != nil || len(again.History) != n {
		t.Fatalf("second cancel: %v, history %d -> %d", err, n, len(again.History))
	}
	if env.load(t, "lint-bot") != 0 {
		t.Fatalf("cancel kept the load slot")
	}
	if got := env.Engine.Ledger.Tokens("lint-bot"); got != 40 {
		t.Fatalf("tokens = %v, want 40", got)
	}
}

func TestCancelMergedTaskIsNoop(t *testing.T) {
	env := newTestEnv(t)
	task := env.submit(t, "ui", zeros())
	task = env.run(t, task, engine.Report{Success: true, Confidence: 1})
	if _, err := env.Engine.Evaluate(env.Ctx, task.ID, green()); err != nil {
		t.Fatal(err)
	}
	merged, err := env.Engine.MergeResult(env.Ctx, task.ID, true, "")
	if err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Cancel(env.Ctx, task.ID, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != domain.StateMerged || len(got.History) != len(merged.History) {
		t.Fatalf("state %s history %d -> %d", got.State, len(merged.History), len(got.History))
	}
}

func TestHistoryRoundTripsThroughStore(t *testing.T) {
	env := newTestEnv(t)
	task := env.submit(t, "backend-logic", zeros())
	task = env.run(t, task, engine.Report{Error: "flaky"})
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.History) != len(task.History) {
		t.Fatalf("stored %d attempts, want %d", len(stored.History), len(task.History))
	}
	for i, a := range task.History {
		s := stored.History[i]
		if s.Seq != a.Seq || s.To != a.To || s.From != a.From || s.Outcome != a.Outcome || s.Tier != a.Tier || s.WorkerID != a.WorkerID {
			t.Fatalf("attempt %d: stored %+v, want %+v", i, s, a)
		}
	}
	if stored.State != task.State || stored.Retries != task.Retries {
		t.Fatalf("stored %s/%d, want %s/%d", stored.State, stored.Retries, task.State, task.Retries)
	}
}

func TestConcurrentSubmitsRespectLoadAndBudget(t *testing.T) {
	env := newTestEnv(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = env.Engine.Submit(env.Ctx, engine.SubmitRequest{Domain: "ui", Features: zeros()})
		}()
	}
	wg.Wait()
	routed := 0
	for _, task := range env.Engine.List("") {
		if task.State == domain.StateRouted {
			routed++
		}
	}
	total := 0
	for _, w := range env.Engine.Workers() {
		if w.Load > w.MaxConcurrent {
			t.Fatalf("%s load %d over %d", w.ID, w.Load, w.MaxConcurrent)
		}
		if w.BudgetTokens < 0 {
			t.Fatalf("%s tokens negative", w.ID)
		}
		total += w.Load
	}
	if total != routed {
		t.Fatalf("load %d != routed tasks %d", total, routed)
	}
}

func TestRestoreFailsInterruptedRuns(t *testing.T) {
	env := newTestEnv(t)
	task := env.submit(t, "backend-logic", zeros())
	if _, err := env.Engine.Acknowledge(env.Ctx, task.ID, task.AssignedWorker); err != nil {
		t.Fatal(err)
	}
	restarted := engine.New(env.Engine.DB, env.Config)
	restarted.SetClock(env.Clock.Now)
	n, err := restarted.Restore(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("restore: %d %v", n, err)
	}
	got, err := restarted.Get(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateRouted || got.AssignedWorker == task.AssignedWorker {
		t.Fatalf("state %s worker %s", got.State, got.AssignedWorker)
	}
	if got.Retries != 1 {
		t.Fatalf("retries = %d", got.Retries)
	}
}

func TestEscalatedTierSurvivesBlockAndRestart(t *testing.T) {
	env := newTestEnv(t)
	// keeps senior-agent busy so the escalated task has to wait
	hold := env.submit(t, "infra", domain.Features{
		domain.FeatureSensitivePath: 1, domain.FeatureStaticSeverity: 1, domain.FeatureChangeSize: 1,
	})
	if hold.AssignedWorker != "senior-agent" {
		t.Fatalf("hold worker = %s", hold.AssignedWorker)
	}
	task := env.submit(t, "ui", mediumRisk())
	if task.Tier != domain.TierMedium {
		t.Fatalf("tier = %d", task.Tier)
	}
	task = env.run(t, task, engine.Report{Success: true, Confidence: 1})
	task, err := env.Engine.Evaluate(env.Ctx, task.ID, domain.Evaluation{
		TestsPassed: true, LintClean: true, CoverageDelta: -1,
		Findings: []domain.Finding{{Severity: domain.SeverityHigh}},
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if task.State != domain.StateBlocked || task.Tier != domain.TierHigh || !task.HumanGateRequired {
		t.Fatalf("state %s tier %d gate %v", task.State, task.Tier, task.HumanGateRequired)
	}
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Tier != domain.TierHigh || !stored.HumanGateRequired {
		t.Fatalf("stored tier %d gate %v", stored.Tier, stored.HumanGateRequired)
	}

	env = env.restart(t)
	if _, err := env.Engine.Cancel(env.Ctx, hold.ID, "done elsewhere"); err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(2 * time.Minute)
	if n := env.Engine.Sweep(env.Ctx); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	task, err = env.Engine.Get(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if task.State != domain.StateRouted || task.AssignedWorker != "senior-agent" || task.Tier != domain.TierHigh {
		t.Fatalf("state %s worker %s tier %d", task.State, task.AssignedWorker, task.Tier)
	}
	task = env.run(t, task, engine.Report{Success: true, Confidence: 1})
	task, err = env.Engine.Evaluate(env.Ctx, task.ID, green())
	if err != nil {
		t.Fatal(err)
	}
	if task.State != domain.StateReview || !task.AwaitingHuman {
		t.Fatalf("state %s awaiting %v, want human review", task.State, task.AwaitingHuman)
	}
}

func TestRestoreRoutesQueuedAndChangesRequested(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.Task{
		ID: "queued", Domain: "ui", Tier: domain.TierLow, State: domain.StateQueued,
		History: []domain.Attempt{{To: domain.StateQueued, Tier: domain.TierLow, Outcome: domain.OutcomeQueued}},
	})
	env.seed(t, domain.Task{
		ID: "changes", Domain: "ui", Tier: domain.TierMedium, State: domain.StateChangesRequested, Features: mediumRisk(),
		History: []domain.Attempt{
			{To: domain.StateQueued, Tier: domain.TierMedium, Outcome: domain.OutcomeQueued},
			{From: domain.StateQueued, To: domain.StateRouted, Tier: domain.TierMedium, WorkerID: "review-agent", Outcome: domain.OutcomeRouted},
			{From: domain.StateRouted, To: domain.StateRunning, Tier: domain.TierMedium, WorkerID: "review-agent", Outcome: domain.OutcomeStarted},
			{From: domain.StateRunning, To: domain.StateReview, Tier: domain.TierMedium, WorkerID: "review-agent", Outcome: domain.OutcomeCompleted},
			{From: domain.StateReview, To: domain.StateChangesRequested, Tier: domain.TierMedium, WorkerID: "review-agent", Outcome: domain.OutcomeChanges},
		},
		AssignedWorker: "review-agent",
	})
	env = env.restart(t)
	for id, worker := range map[string]string{"queued": "lint-bot", "changes": "review-agent"} {
		got, err := env.Engine.Get(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.State != domain.StateRouted || got.AssignedWorker != worker {
			t.Fatalf("%s: state %s worker %s", id, got.State, got.AssignedWorker)
		}
	}
}

func TestRestoreRetriesFailedTask(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.Task{
		ID: "failed", Domain: "ui", Tier: domain.TierLow, State: domain.StateFailed,
		AssignedWorker: "lint-bot", Retries: 1,
		History: []domain.Attempt{
			{To: domain.StateQueued, Tier: domain.TierLow, Outcome: domain.OutcomeQueued},
			{From: domain.StateQueued, To: domain.StateRouted, Tier: domain.TierLow, WorkerID: "lint-bot", Outcome: domain.OutcomeRouted},
			{From: domain.StateRouted, To: domain.StateRunning, Tier: domain.TierLow, WorkerID: "lint-bot", Outcome: domain.OutcomeStarted},
			{From: domain.StateRunning, To: domain.StateFailed, Tier: domain.TierLow, WorkerID: "lint-bot", Outcome: domain.OutcomeFailed},
		},
	})
	env = env.restart(t)
	got, err := env.Engine.Get(env.Ctx, "failed")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateRouted || got.AssignedWorker != "local-coder" {
		t.Fatalf("state %s worker %s", got.State, got.AssignedWorker)
	}
}

func TestOverBudgetRunIsChargedAndGated(t *testing.T) {
	env := newTestEnv(t)
	var logs bytes.Buffer
	env.Engine.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	task := env.submit(t, "ui", zeros())
	task = env.run(t, task, engine.Report{Success: true, Confidence: 1, Cost: 150})
	if task.BudgetSpent != 150 {
		t.Fatalf("spent = %v", task.BudgetSpent)
	}
	if !strings.Contains(logs.String(), "budget cap exceeded") {
		t.Fatalf("overrun not logged: %s", logs.String())
	}
	task, err := env.Engine.Evaluate(env.Ctx, task.ID, green())
	if err != nil {
		t.Fatal(err)
	}
	if task.State != domain.StateReview || !task.AwaitingHuman {
		t.Fatalf("state %s awaiting %v", task.State, task.AwaitingHuman)
	}
}

func TestUnacknowledgedTaskIsBlockedAndSwept(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Selector.ReservationTTL = 20 * time.Millisecond })
	task := env.submit(t, "ui", zeros())
	task = waitFor(t, env, task.ID, func(t domain.Task) bool { return t.State == domain.StateBlocked })
	if !strings.Contains(task.Reason, "did not acknowledge") || task.AwaitingHuman {
		t.Fatalf("reason %q awaiting %v", task.Reason, task.AwaitingHuman)
	}
	if env.load(t, "lint-bot") != 0 {
		t.Fatalf("expired reservation kept load")
	}
	if n := env.Engine.Sweep(env.Ctx); n != 0 {
		t.Fatalf("swept %d before blocked_retry", n)
	}
	env.Clock.Advance(2 * time.Minute)
	if n := env.Engine.Sweep(env.Ctx); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
}

func TestRunTimeoutCountsAsFailure(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Engine.RunTimeout = 20 * time.Millisecond })
	task := env.submit(t, "ui", zeros())
	if _, err := env.Engine.Acknowledge(env.Ctx, task.ID, "lint-bot"); err != nil {
		t.Fatal(err)
	}
	task = waitFor(t, env, task.ID, func(t domain.Task) bool {
		return t.State == domain.StateRouted && t.AssignedWorker == "local-coder"
	})
	timedOut := false
	for _, a := range task.History {
		if a.Outcome == domain.OutcomeTimeout {
			timedOut = true
		}
	}
	if !timedOut || task.Retries != 1 {
		t.Fatalf("timeout not recorded: retries %d history %+v", task.Retries, task.History)
	}
}

func TestTopTierExhaustionWaitsForDisposition(t *testing.T) {
	env := newTestEnv(t)
	task := env.submit(t, "infra", domain.Features{domain.FeatureSensitivePath: 1})
	if task.Tier != domain.TierHigh {
		t.Fatalf("tier = %d", task.Tier)
	}
	task = env.run(t, task, engine.Report{Error: "boom"})
	if task.State != domain.StateEscalated || !task.AwaitingHuman {
		t.Fatalf("state %s awaiting %v", task.State, task.AwaitingHuman)
	}
	if !strings.Contains(task.Reason, "top tier exhausted") {
		t.Fatalf("reason = %q", task.Reason)
	}
	if env.load(t, "senior-agent") != 0 {
		t.Fatalf("escalated task kept its slot")
	}
	task, err := env.Engine.Dispose(env.Ctx, task.ID, domain.HumanReject, "not worth it")
	if err != nil || task.State != domain.StateTerminalRejected {
		t.Fatalf("dispose: %v %s", err, task.State)
	}
}

func TestDisposeRetryRoutesAgain(t *testing.T) {
	env := newTestEnv(t)
	task := env.submit(t, "infra", domain.Features{domain.FeatureSensitivePath: 1})
	task = env.run(t, task, engine.Report{Error: "boom"})
	task, err := env.Engine.Dispose(env.Ctx, task.ID, domain.HumanApprove, "try again")
	if err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if task.State != domain.StateRouted || task.AssignedWorker != "senior-agent" || task.Retries != 0 {
		t.Fatalf("state %s worker %s retries %d", task.State, task.AssignedWorker, task.Retries)
	}
}

func TestMergeConflictHoldsUntilUnblocked(t *testing.T) {
	env := newTestEnv(t)
	task := env.submit(t, "ui", zeros())
	task = env.run(t, task, engine.Report{Success: true, Confidence: 1})
	if _, err := env.Engine.Evaluate(env.Ctx, task.ID, green()); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.MergeResult(env.Ctx, task.ID, false, "conflict in main.go")
	if err != nil {
		t.Fatal(err)
	}
	if task.State != domain.StateBlocked || !task.AwaitingHuman || task.BlockedFrom != domain.StateApproved {
		t.Fatalf("state %s awaiting %v from %s", task.State, task.AwaitingHuman, task.BlockedFrom)
	}
	env.Clock.Advance(time.Hour)
	if n := env.Engine.Sweep(env.Ctx); n != 0 {
		t.Fatalf("sweep requeued a held task")
	}
	task, err = env.Engine.Unblock(env.Ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if task.State != domain.StateRouted {
		t.Fatalf("state = %s", task.State)
	}
}

func TestChangesRequestedReroutes(t *testing.T) {
	env := newTestEnv(t)
	task := env.submit(t, "ui", zeros())
	task = env.run(t, task, engine.Report{Success: true, Confidence: 1})
	task, err := env.Engine.Evaluate(env.Ctx, task.ID, domain.Evaluation{TestsPassed: false, LintClean: true})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if task.State != domain.StateRouted {
		t.Fatalf("state = %s", task.State)
	}
	found := false
	for _, a := range task.History {
		if a.To == domain.StateChangesRequested {
			found = true
		}
	}
	if !found {
		t.Fatalf("no CHANGES_REQUESTED entry")
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	var ve *engine.ValidationError
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{Domain: "mobile", Features: zeros()}); !errors.As(err, &ve) {
		t.Fatalf("unknown domain err = %v", err)
	}
	f := zeros()
	f["vibes"] = 0.5
	if _, err := env.Engine.Submit(env.Ctx, engine.SubmitRequest{Domain: "ui", Features: f}); !errors.As(err, &ve) {
		t.Fatalf("unknown feature err = %v", err)
	}
	if len(env.Engine.List("")) != 0 {
		t.Fatalf("rejected task entered the engine")
	}
}

func TestInvalidTransitionIsRefused(t *testing.T) {
	env := newTestEnv(t)
	task := env.submit(t, "ui", zeros())
	_, err := env.Engine.Complete(env.Ctx, task.ID, engine.Report{Success: true})
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.From != domain.StateRouted {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "invalid task state transition ROUTED -> REVIEW") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestCompletionsFromBus(t *testing.T) {
	env := newTestEnv(t)
	task := env.submit(t, "ui", zeros())
	ack, err := bus.NewEnvelope(engine.CompletionAck, task.ID, "lint-bot", time.Now(), engine.Completion{TaskID: task.ID, WorkerID: "lint-bot"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.HandleCompletion(env.Ctx, ack); err != nil {
		t.Fatalf("ack: %v", err)
	}
	res, _ := bus.NewEnvelope(engine.CompletionResult, task.ID, "lint-bot", time.Now(), engine.Completion{
		TaskID: task.ID, WorkerID: "lint-bot", Success: true, Confidence: 0.8,
		Artifact: &domain.Artifact{Kind: "diff", Content: "+y"},
	})
	if err := env.Engine.HandleCompletion(env.Ctx, res); err != nil {
		t.Fatalf("result: %v", err)
	}
	got, _ := env.Engine.Get(env.Ctx, task.ID)
	if got.State != domain.StateReview || len(got.Artifacts) != 1 || got.Artifacts[0].WorkerID != "lint-bot" {
		t.Fatalf("state %s artifacts %+v", got.State, got.Artifacts)
	}
	bad, _ := bus.NewEnvelope("completion.unknown", task.ID, "x", time.Now(), engine.Completion{TaskID: task.ID})
	if err := env.Engine.HandleCompletion(env.Ctx, bad); err == nil {
		t.Fatalf("unknown type accepted")
	}
}

type fakeExecutor struct{}

func (fakeExecutor) Invoke(_ context.Context, inv engine.Invocation) (engine.Result, error) {
	return engine.Result{Success: true, Confidence: 0.9, Artifact: &domain.Artifact{Kind: "diff", Content: "patch for " + inv.Task.ID}}, nil
}

type fakeEvaluator struct{}

func (fakeEvaluator) Evaluate(context.Context, domain.Artifact) (domain.Evaluation, error) {
	return green(), nil
}

type fakeMerger struct {
	mu     sync.Mutex
	merged []string
}

func (m *fakeMerger) Merge(_ context.Context, task domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.merged = append(m.merged, task.ID)
	return nil
}

func TestCollaboratorsDriveTaskToMerge(t *testing.T) {
	env := newTestEnv(t)
	merger := &fakeMerger{}
	env.Engine.Executor = fakeExecutor{}
	env.Engine.Evaluator = fakeEvaluator{}
	env.Engine.Merger = merger
	task := env.submit(t, "ui", zeros())
	env.Engine.Wait()
	got, err := env.Engine.Get(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.StateMerged {
		t.Fatalf("state = %s (%s)", got.State, got.Reason)
	}
	if len(merger.merged) != 1 || merger.merged[0] != task.ID {
		t.Fatalf("merged = %v", merger.merged)
	}
	if env.load(t, "lint-bot") != 0 {
		t.Fatalf("merged task kept load")
	}
}

func TestReloadMarksDroppedWorkersUnavailable(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Workers = cfg.Workers[1:]
	if err := env.Engine.Reload(cfg); err != nil {
		t.Fatalf("reload: %v", err)
	}
	w, err := env.Engine.Registry.Get("lint-bot")
	if err != nil {
		t.Fatal(err)
	}
	if w.Available {
		t.Fatalf("dropped worker still available")
	}
	task := env.submit(t, "ui", zeros())
	if task.AssignedWorker != "local-coder" {
		t.Fatalf("worker = %s", task.AssignedWorker)
	}
}
