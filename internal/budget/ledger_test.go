package budget_test

import (
	"sync"
	"testing"
	"time"

	"riskroute/internal/budget"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T) (*budget.Ledger, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := budget.NewLedger()
	l.Now = c.Now
	return l, c
}

func TestReserveFailsClosed(t *testing.T) {
	l, _ := newLedger(t)
	l.Register("w1", budget.Bucket{Capacity: 10, RefillPerMinute: 0})
	if !l.Reserve("w1", 6) {
		t.Fatalf("first reserve should succeed")
	}
	if l.Reserve("w1", 6) {
		t.Fatalf("second reserve should fail")
	}
	if got := l.Tokens("w1"); got != 4 {
		t.Fatalf("tokens = %v, want 4 (failed reserve must not change state)", got)
	}
	if l.Reserve("unknown", 1) {
		t.Fatalf("unknown worker must not reserve")
	}
}

func TestZeroTokensCannotReserve(t *testing.T) {
	l, _ := newLedger(t)
	l.Register("empty", budget.Bucket{Capacity: 0})
	if l.Reserve("empty", 1) {
		t.Fatalf("reserve on empty bucket should fail")
	}
}

func TestLazyRefillCapsAtCapacity(t *testing.T) {
	l, c := newLedger(t)
	l.Register("w1", budget.Bucket{Capacity: 10, RefillPerMinute: 2})
	l.Reserve("w1", 10)
	l.Commit("w1", 10)
	c.Advance(90 * time.Second)
	if got := l.Tokens("w1"); got != 3 {
		t.Fatalf("tokens after 1.5m = %v, want 3", got)
	}
	c.Advance(time.Hour)
	if got := l.Tokens("w1"); got != 10 {
		t.Fatalf("tokens = %v, want capacity 10", got)
	}
}

func TestReleaseReturnsHeldTokens(t *testing.T) {
	l, _ := newLedger(t)
	l.Register("w1", budget.Bucket{Capacity: 10})
	l.Reserve("w1", 7)
	l.Release("w1", 7)
	if got := l.Tokens("w1"); got != 10 {
		t.Fatalf("tokens = %v, want 10", got)
	}
	// releasing more than held never overfills
	l.Release("w1", 50)
	if got := l.Tokens("w1"); got != 10 {
		t.Fatalf("tokens = %v, want 10", got)
	}
}

func TestSettleNeverGoesNegative(t *testing.T) {
	l, _ := newLedger(t)
	l.Register("w1", budget.Bucket{Capacity: 10})
	l.Reserve("w1", 4)
	l.Settle("w1", 4, 30)
	if got := l.Tokens("w1"); got != 0 {
		t.Fatalf("tokens = %v, want 0", got)
	}
	snap, err := l.Snapshot("w1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Held != 0 || snap.Committed != 10 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	l, _ := newLedger(t)
	l.Register("w1", budget.Bucket{Capacity: 50})
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Reserve("w1", 1) {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if granted != 50 {
		t.Fatalf("granted = %d, want 50", granted)
	}
	if l.Tokens("w1") != 0 {
		t.Fatalf("tokens should be exhausted")
	}
}

func TestTaskCapHelpers(t *testing.T) {
	if !budget.CanAfford(40, 100, 60) {
		t.Fatalf("60 fits in remaining 60")
	}
	if budget.CanAfford(41, 100, 60) {
		t.Fatalf("60 does not fit in remaining 59")
	}
	if !budget.EarlyExit(50, 100, 0.7) {
		t.Fatalf("50%% spend should allow early exit")
	}
	if budget.EarlyExit(70, 100, 0.7) {
		t.Fatalf("70%% spend should not allow early exit")
	}
}
