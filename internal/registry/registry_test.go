package registry_test

import (
	"errors"
	"testing"
	"time"

	"riskroute/internal/breaker"
	"riskroute/internal/budget"
	"riskroute/internal/config"
	"riskroute/internal/domain"
	"riskroute/internal/registry"
)

type testEnv struct {
	cfg      *config.Config
	store    *registry.Store
	breakers *breaker.Set
	ledger   *budget.Ledger
	sel      *registry.Selector
}

func newTestEnv(t *testing.T, ttl time.Duration) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Selector.ReservationTTL = ttl
	env := &testEnv{
		cfg:      cfg,
		store:    registry.NewStore(),
		breakers: breaker.NewSet(breaker.FromConfig(cfg.Breaker)),
		ledger:   budget.NewLedger(),
	}
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.ledger.Now = func() time.Time { return fixed }
	for _, wc := range cfg.Workers {
		env.store.Register(registry.FromConfig(wc))
		env.ledger.Register(wc.ID, budget.Bucket{Capacity: wc.BucketCapacity, RefillPerMinute: wc.RefillPerMinute})
	}
	env.sel = registry.NewSelector(env.store, env.breakers, env.ledger, cfg)
	return env
}

func task(tier domain.Tier, dom string) domain.Task {
	return domain.Task{ID: "t1", Domain: dom, Tier: tier, BudgetCap: 100}
}

func TestSelectRanksSameTierWorkers(t *testing.T) {
	env := newTestEnv(t, 0)
	sel, err := env.sel.Select(task(domain.TierLow, "ui"))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Primary.ID != "lint-bot" {
		t.Fatalf("primary = %s, want lint-bot", sel.Primary.ID)
	}
	if sel.Fallback == nil || sel.Fallback.ID != "local-coder" {
		t.Fatalf("fallback = %+v", sel.Fallback)
	}
	if sel.Confidence <= 0 || sel.Confidence > 1 {
		t.Fatalf("confidence = %v", sel.Confidence)
	}
	w, _ := env.store.Get("lint-bot")
	if w.Load != 1 {
		t.Fatalf("load = %d, want 1", w.Load)
	}
	if got := env.ledger.Tokens("lint-bot"); got != 38 {
		t.Fatalf("tokens = %v, want 38", got)
	}
}

func TestSelectSkipsWorkerWithoutTokens(t *testing.T) {
	env := newTestEnv(t, 0)
	env.ledger.Register("lint-bot", budget.Bucket{Capacity: 0})
	sel, err := env.sel.Select(task(domain.TierLow, "ui"))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Primary.ID != "local-coder" {
		t.Fatalf("primary = %s, want local-coder", sel.Primary.ID)
	}
	w, _ := env.store.Get("lint-bot")
	if w.Load != 0 {
		t.Fatalf("skipped worker must not keep load")
	}
}

func TestSelectExcludesOpenBreaker(t *testing.T) {
	env := newTestEnv(t, 0)
	for i := 0; i < 3; i++ {
		env.breakers.RecordFailure("lint-bot", 0)
	}
	for i := 0; i < 5; i++ {
		sel, err := env.sel.Select(task(domain.TierLow, "backend-logic"))
		if err != nil {
			break
		}
		if sel.Primary.ID == "lint-bot" {
			t.Fatalf("worker with open breaker was selected")
		}
	}
}

func TestSelectFallsBackToSubstitutes(t *testing.T) {
	env := newTestEnv(t, 0)
	_ = env.store.MarkUnavailable("lint-bot")
	_ = env.store.MarkUnavailable("local-coder")
	sel, err := env.sel.Select(task(domain.TierLow, "ui"))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if !sel.Substitute || sel.Primary.ID != "review-agent" {
		t.Fatalf("selection = %+v", sel)
	}
}

func TestSelectNoCandidate(t *testing.T) {
	env := newTestEnv(t, 0)
	tk := task(domain.TierHigh, "ui")
	tk.BudgetSpent = 90
	_, err := env.sel.Select(tk)
	if !errors.Is(err, registry.ErrNoCandidate) {
		t.Fatalf("err = %v, want ErrNoCandidate", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 0)
	sel, err := env.sel.Select(task(domain.TierMedium, "infra"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := env.sel.Cancel(sel.Reservation.ID); !ok {
		t.Fatalf("first cancel should release")
	}
	if _, ok := env.sel.Cancel(sel.Reservation.ID); ok {
		t.Fatalf("second cancel should be a no-op")
	}
	w, _ := env.store.Get("review-agent")
	if w.Load != 0 {
		t.Fatalf("load = %d, want 0", w.Load)
	}
	if got := env.ledger.Tokens("review-agent"); got != 100 {
		t.Fatalf("tokens = %v, want 100", got)
	}
}

func TestUnconfirmedReservationExpires(t *testing.T) {
	env := newTestEnv(t, 20*time.Millisecond)
	expired := make(chan registry.Reservation, 1)
	env.sel.OnExpire = func(r registry.Reservation) { expired <- r }
	sel, err := env.sel.Select(task(domain.TierMedium, "docs"))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case r := <-expired:
		if r.ID != sel.Reservation.ID {
			t.Fatalf("expired %s, want %s", r.ID, sel.Reservation.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reservation did not expire")
	}
	if _, err := env.sel.Confirm(sel.Reservation.ID); !errors.Is(err, registry.ErrReservationGone) {
		t.Fatalf("confirm after expiry err = %v", err)
	}
	w, _ := env.store.Get("review-agent")
	if w.Load != 0 {
		t.Fatalf("expired reservation kept load")
	}
}

func TestConfirmedReservationSurvivesTTL(t *testing.T) {
	env := newTestEnv(t, 20*time.Millisecond)
	sel, err := env.sel.Select(task(domain.TierMedium, "docs"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.sel.Confirm(sel.Reservation.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := env.sel.Get(sel.Reservation.ID); !ok {
		t.Fatalf("confirmed reservation expired")
	}
	env.sel.Settle(sel.Reservation.ID, 4)
	if got := env.ledger.Tokens("review-agent"); got != 96 {
		t.Fatalf("tokens = %v, want 96", got)
	}
}

func TestTransferMovesLoad(t *testing.T) {
	env := newTestEnv(t, 0)
	if err := env.store.AcquireSlot("lint-bot"); err != nil {
		t.Fatal(err)
	}
	if err := env.store.Transfer("lint-bot", "senior-agent"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	from, _ := env.store.Get("lint-bot")
	to, _ := env.store.Get("senior-agent")
	if from.Load != 0 || to.Load != 1 {
		t.Fatalf("loads = %d/%d", from.Load, to.Load)
	}
	_ = env.store.AcquireSlot("local-coder")
	if err := env.store.Transfer("local-coder", "senior-agent"); !errors.Is(err, registry.ErrAtCapacity) {
		t.Fatalf("err = %v, want ErrAtCapacity", err)
	}
	lc, _ := env.store.Get("local-coder")
	if lc.Load != 1 {
		t.Fatalf("failed transfer changed source load")
	}
}

func TestSameTierCandidates(t *testing.T) {
	env := newTestEnv(t, 0)
	if n := env.sel.SameTierCandidates(task(domain.TierLow, "ui")); n != 2 {
		t.Fatalf("candidates = %d, want 2", n)
	}
	if n := env.sel.SameTierCandidates(task(domain.TierMedium, "ui"), "review-agent"); n != 0 {
		t.Fatalf("candidates = %d, want 0", n)
	}
}

func TestCancelKeepsTrialOwnedByAnotherReservation(t *testing.T) {
	env := newTestEnv(t, 0)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.breakers.Now = func() time.Time { return now }

	before, err := env.sel.Select(task(domain.TierLow, "ui"))
	if err != nil || before.Primary.ID != "lint-bot" {
		t.Fatalf("select = %+v, %v", before, err)
	}
	if before.Reservation.Trial {
		t.Fatalf("closed breaker must not hand out a trial")
	}
	for i := 0; i < 3; i++ {
		env.breakers.RecordFailure("lint-bot", 0)
	}
	now = now.Add(6 * time.Minute)

	trial, err := env.sel.Select(task(domain.TierLow, "ui"), "local-coder")
	if err != nil || trial.Primary.ID != "lint-bot" {
		t.Fatalf("select = %+v, %v", trial, err)
	}
	if !trial.Reservation.Trial {
		t.Fatalf("half-open selection should own the trial")
	}

	env.sel.Cancel(before.Reservation.ID)
	if env.breakers.Allow("lint-bot") {
		t.Fatalf("cancelling an older reservation released the live trial")
	}
	env.sel.Cancel(trial.Reservation.ID)
	if !env.breakers.Allow("lint-bot") {
		t.Fatalf("cancelling the trial holder should free the trial")
	}
}
