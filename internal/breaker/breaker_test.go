package breaker_test

import (
	"testing"
	"time"

	"riskroute/internal/breaker"
	"riskroute/internal/config"
	"riskroute/internal/domain"
)

func newSet(t *testing.T) (*breaker.Set, *time.Time) {
	t.Helper()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := breaker.NewSet(breaker.FromConfig(config.Default().Breaker))
	s.Now = func() time.Time { return now }
	return s, &now
}

func TestConsecutiveFailuresOpen(t *testing.T) {
	s, _ := newSet(t)
	var trips []breaker.Transition
	s.OnChange = func(tr breaker.Transition) { trips = append(trips, tr) }
	s.RecordFailure("w1", time.Second)
	s.RecordFailure("w1", time.Second)
	if s.State("w1") != domain.BreakerClosed {
		t.Fatalf("two failures should not open")
	}
	s.RecordFailure("w1", time.Second)
	if s.State("w1") != domain.BreakerOpen {
		t.Fatalf("expected OPEN after three failures")
	}
	if s.Allow("w1") || s.Acquire("w1") {
		t.Fatalf("open breaker must exclude worker")
	}
	if len(trips) != 1 || trips[0].To != domain.BreakerOpen {
		t.Fatalf("transitions = %+v", trips)
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	s, _ := newSet(t)
	s.RecordFailure("w1", 0)
	s.RecordFailure("w1", 0)
	s.RecordSuccess("w1", 0)
	s.RecordFailure("w1", 0)
	s.RecordFailure("w1", 0)
	if s.State("w1") != domain.BreakerClosed {
		t.Fatalf("streak should have reset")
	}
}

func TestHalfOpenAdmitsOneTrial(t *testing.T) {
	s, now := newSet(t)
	for i := 0; i < 3; i++ {
		s.RecordFailure("w1", 0)
	}
	*now = now.Add(5 * time.Minute)
	if s.State("w1") != domain.BreakerHalfOpen {
		t.Fatalf("expected HALF_OPEN after cooldown")
	}
	if !s.Acquire("w1") {
		t.Fatalf("first trial should be admitted")
	}
	if s.Acquire("w1") || s.Allow("w1") {
		t.Fatalf("second trial must be refused")
	}
	s.RecordSuccess("w1", time.Second)
	if s.State("w1") != domain.BreakerClosed {
		t.Fatalf("successful trial should close")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	s, now := newSet(t)
	for i := 0; i < 3; i++ {
		s.RecordFailure("w1", 0)
	}
	*now = now.Add(6 * time.Minute)
	s.Acquire("w1")
	s.RecordFailure("w1", 0)
	if s.State("w1") != domain.BreakerOpen {
		t.Fatalf("failed trial should reopen")
	}
}

func TestAbandonReturnsTrial(t *testing.T) {
	s, now := newSet(t)
	for i := 0; i < 3; i++ {
		s.RecordFailure("w1", 0)
	}
	*now = now.Add(5 * time.Minute)
	s.Acquire("w1")
	s.Abandon("w1")
	if !s.Acquire("w1") {
		t.Fatalf("abandoned trial should be available again")
	}
}

func TestLatencyCeilingOpens(t *testing.T) {
	s, _ := newSet(t)
	for i := 0; i < 4; i++ {
		s.RecordSuccess("slow", 11*time.Minute)
	}
	if s.State("slow") != domain.BreakerClosed {
		t.Fatalf("below min samples should stay closed")
	}
	s.RecordSuccess("slow", 11*time.Minute)
	if s.State("slow") != domain.BreakerOpen {
		t.Fatalf("p95 over ceiling should open")
	}
}

func TestP95(t *testing.T) {
	var samples []time.Duration
	for i := 1; i <= 20; i++ {
		samples = append(samples, time.Duration(i)*time.Second)
	}
	if got := breaker.P95(samples); got != 19*time.Second {
		t.Fatalf("p95 = %v", got)
	}
	if breaker.P95(nil) != 0 {
		t.Fatalf("empty p95 should be zero")
	}
}

func TestClaimReportsTrial(t *testing.T) {
	s, now := newSet(t)
	if ok, trial := s.Claim("w1"); !ok || trial {
		t.Fatalf("closed claim = %v, %v", ok, trial)
	}
	for i := 0; i < 3; i++ {
		s.RecordFailure("w1", 0)
	}
	*now = now.Add(5 * time.Minute)
	if ok, trial := s.Claim("w1"); !ok || !trial {
		t.Fatalf("half-open claim = %v, %v", ok, trial)
	}
	if ok, _ := s.Claim("w1"); ok {
		t.Fatalf("second half-open claim must be refused")
	}
}
