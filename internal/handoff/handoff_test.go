package handoff_test

import (
	"errors"
	"testing"
	"time"

	"riskroute/internal/breaker"
	"riskroute/internal/config"
	"riskroute/internal/domain"
	"riskroute/internal/handoff"
	"riskroute/internal/registry"
)

func newCoordinator(t *testing.T) (*handoff.Coordinator, *registry.Store) {
	t.Helper()
	cfg := config.Default()
	store := registry.NewStore()
	for _, wc := range cfg.Workers {
		store.Register(registry.FromConfig(wc))
	}
	sel := registry.NewSelector(store, breaker.NewSet(breaker.FromConfig(cfg.Breaker)), nil, cfg)
	c := handoff.NewCoordinator(store, sel)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return now }
	c.NewID = func() string { return "h1" }
	return c, store
}

func baseTask() domain.Task {
	return domain.Task{
		ID:        "t1",
		Domain:    "backend-logic",
		Tier:      domain.TierMedium,
		BudgetCap: 100,
		Artifacts: []domain.Artifact{
			{Kind: "diff", WorkerID: "local-coder", Content: "--- a\n+++ b"},
			{Kind: "notes", WorkerID: "lint-bot", Content: "unrelated"},
		},
	}
}

func TestHandoffMovesLoadAndArtifacts(t *testing.T) {
	c, store := newCoordinator(t)
	_ = store.AcquireSlot("local-coder")
	rec, err := c.Handoff(baseTask(), "local-coder", "review-agent")
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if rec.ID != "h1" || rec.From != "local-coder" || rec.To != "review-agent" {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Artifacts) != 1 || rec.Artifacts[0].Kind != "diff" {
		t.Fatalf("artifacts = %+v", rec.Artifacts)
	}
	from, _ := store.Get("local-coder")
	to, _ := store.Get("review-agent")
	if from.Load != 0 || to.Load != 1 {
		t.Fatalf("loads = %d/%d", from.Load, to.Load)
	}
}

func TestHandoffWithoutSourceSlot(t *testing.T) {
	c, store := newCoordinator(t)
	if _, err := c.Handoff(baseTask(), "", "review-agent"); err != nil {
		t.Fatalf("handoff: %v", err)
	}
	to, _ := store.Get("review-agent")
	if to.Load != 1 {
		t.Fatalf("load = %d", to.Load)
	}
}

func TestHandoffRejectsPartialArtifact(t *testing.T) {
	c, store := newCoordinator(t)
	_ = store.AcquireSlot("local-coder")
	task := baseTask()
	task.Artifacts[0].Partial = true
	_, err := c.Handoff(task, "local-coder", "review-agent")
	if !errors.Is(err, handoff.ErrHandoffRejected) {
		t.Fatalf("err = %v, want ErrHandoffRejected", err)
	}
	from, _ := store.Get("local-coder")
	to, _ := store.Get("review-agent")
	if from.Load != 1 || to.Load != 0 {
		t.Fatalf("rejected handoff changed loads %d/%d", from.Load, to.Load)
	}
}

func TestHandoffRejectsTargetPastDeadline(t *testing.T) {
	c, _ := newCoordinator(t)
	task := baseTask()
	deadline := time.Date(2024, 1, 1, 12, 10, 0, 0, time.UTC)
	task.Deadline = &deadline
	if _, err := c.Handoff(task, "local-coder", "review-agent"); !errors.Is(err, handoff.ErrHandoffRejected) {
		t.Fatalf("err = %v, want ErrHandoffRejected", err)
	}
}

func TestHandoffRejectsIneligibleTarget(t *testing.T) {
	c, store := newCoordinator(t)
	_ = store.MarkUnavailable("review-agent")
	if _, err := c.Handoff(baseTask(), "local-coder", "review-agent"); !errors.Is(err, handoff.ErrHandoffRejected) {
		t.Fatalf("err = %v, want ErrHandoffRejected", err)
	}
	task := baseTask()
	task.Domain = "docs"
	if _, err := c.Handoff(task, "lint-bot", "local-coder"); !errors.Is(err, handoff.ErrHandoffRejected) {
		t.Fatalf("domain mismatch err = %v", err)
	}
}

func TestHandoffRejectsFullTarget(t *testing.T) {
	c, store := newCoordinator(t)
	_ = store.AcquireSlot("senior-agent")
	_ = store.AcquireSlot("review-agent")
	task := baseTask()
	task.Tier = domain.TierHigh
	if _, err := c.Handoff(task, "review-agent", "senior-agent"); !errors.Is(err, handoff.ErrHandoffRejected) {
		t.Fatalf("err = %v, want ErrHandoffRejected", err)
	}
	ra, _ := store.Get("review-agent")
	if ra.Load != 1 {
		t.Fatalf("source load changed: %d", ra.Load)
	}
}
