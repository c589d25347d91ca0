// Package breaker tracks per-worker health and excludes degraded workers from selection.
package breaker

import (
	"sort"
	"sync"
	"time"

	"riskroute/internal/config"
	"riskroute/internal/domain"
)

// Settings are the breaker parameters shared by every worker.
type Settings struct {
	FailureThreshold int
	Cooldown         time.Duration
	LatencyCeiling   time.Duration
	LatencyWindow    int
	MinSamples       int
}

// FromConfig copies breaker settings out of the config, applying defaults for zero values.
func FromConfig(c config.BreakerConfig) Settings {
	s := Settings{
		FailureThreshold: c.FailureThreshold,
		Cooldown:         c.Cooldown,
		LatencyCeiling:   c.LatencyCeiling,
		LatencyWindow:    c.LatencyWindow,
		MinSamples:       c.MinSamples,
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 3
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 5 * time.Minute
	}
	if s.LatencyWindow <= 0 {
		s.LatencyWindow = 20
	}
	if s.MinSamples <= 0 {
		s.MinSamples = 5
	}
	return s
}

// Transition is reported whenever a breaker changes state.
type Transition struct {
	WorkerID string
	From     domain.BreakerState
	To       domain.BreakerState
	Reason   string
}

type breaker struct {
	mu          sync.Mutex
	state       domain.BreakerState
	consecutive int
	openedAt    time.Time
	trialOut    bool
	latencies   []time.Duration
}

// Set holds one breaker per worker.
type Set struct {
	mu       sync.RWMutex
	settings Settings
	breakers sync.Map // worker id -> *breaker
	Now      func() time.Time
	OnChange func(Transition)
}

func NewSet(s Settings) *Set {
	return &Set{settings: s, Now: time.Now}
}

// Configure swaps the parameters used for subsequent decisions.
func (s *Set) Configure(settings Settings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
}

func (s *Set) params() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Set) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Set) get(workerID string) *breaker {
	v, _ := s.breakers.LoadOrStore(workerID, &breaker{state: domain.BreakerClosed})
	return v.(*breaker)
}

// advance moves OPEN to HALF_OPEN once the cooldown has elapsed. Caller holds b.mu.
func (s *Set) advance(workerID string, b *breaker, p Settings) *Transition {
	if b.state == domain.BreakerOpen && s.now().Sub(b.openedAt) >= p.Cooldown {
		b.state = domain.BreakerHalfOpen
		b.trialOut = false
		return &Transition{WorkerID: workerID, From: domain.BreakerOpen, To: domain.BreakerHalfOpen, Reason: "cooldown elapsed"}
	}
	return nil
}

func (s *Set) notify(t *Transition) {
	if t != nil && s.OnChange != nil {
		s.OnChange(*t)
	}
}

// State returns the worker's breaker state after applying any elapsed cooldown.
func (s *Set) State(workerID string) domain.BreakerState {
	b := s.get(workerID)
	b.mu.Lock()
	t := s.advance(workerID, b, s.params())
	st := b.state
	b.mu.Unlock()
	s.notify(t)
	return st
}

// Allow reports whether a task may be routed to the worker now, without claiming anything.
func (s *Set) Allow(workerID string) bool {
	b := s.get(workerID)
	b.mu.Lock()
	t := s.advance(workerID, b, s.params())
	ok := b.state == domain.BreakerClosed || (b.state == domain.BreakerHalfOpen && !b.trialOut)
	b.mu.Unlock()
	s.notify(t)
	return ok
}

// Acquire claims a routing slot. In HALF_OPEN exactly one trial is granted until it reports back.
func (s *Set) Acquire(workerID string) bool {
	ok, _ := s.Claim(workerID)
	return ok
}

// Claim is Acquire that also reports whether the claim took the half-open trial. Only that
// claimant may Abandon it.
func (s *Set) Claim(workerID string) (ok, trial bool) {
	b := s.get(workerID)
	b.mu.Lock()
	t := s.advance(workerID, b, s.params())
	switch b.state {
	case domain.BreakerClosed:
		ok = true
	case domain.BreakerHalfOpen:
		if !b.trialOut {
			b.trialOut = true
			ok, trial = true, true
		}
	}
	b.mu.Unlock()
	s.notify(t)
	return ok, trial
}

// Abandon gives back a half-open trial that was acquired but never ran.
func (s *Set) Abandon(workerID string) {
	b := s.get(workerID)
	b.mu.Lock()
	if b.state == domain.BreakerHalfOpen {
		b.trialOut = false
	}
	b.mu.Unlock()
}

// RecordSuccess closes a half-open breaker and resets the failure streak.
func (s *Set) RecordSuccess(workerID string, latency time.Duration) {
	p := s.params()
	b := s.get(workerID)
	b.mu.Lock()
	var t *Transition
	b.consecutive = 0
	b.trialOut = false
	b.pushLatency(latency, p.LatencyWindow)
	switch {
	case b.state == domain.BreakerHalfOpen:
		b.state = domain.BreakerClosed
		b.latencies = b.latencies[:0]
		t = &Transition{WorkerID: workerID, From: domain.BreakerHalfOpen, To: domain.BreakerClosed, Reason: "trial succeeded"}
	case b.state == domain.BreakerClosed && s.latencyBlown(b, p):
		t = s.open(workerID, b, "p95 latency over ceiling")
	}
	b.mu.Unlock()
	s.notify(t)
}

// RecordFailure counts a failure; N in a row, or any failure while half-open, opens the breaker.
func (s *Set) RecordFailure(workerID string, latency time.Duration) {
	p := s.params()
	b := s.get(workerID)
	b.mu.Lock()
	var t *Transition
	b.consecutive++
	b.pushLatency(latency, p.LatencyWindow)
	switch b.state {
	case domain.BreakerHalfOpen:
		t = s.open(workerID, b, "trial failed")
	case domain.BreakerClosed:
		if b.consecutive >= p.FailureThreshold {
			t = s.open(workerID, b, "consecutive failures")
		} else if s.latencyBlown(b, p) {
			t = s.open(workerID, b, "p95 latency over ceiling")
		}
	}
	b.mu.Unlock()
	s.notify(t)
}

func (s *Set) open(workerID string, b *breaker, reason string) *Transition {
	from := b.state
	b.state = domain.BreakerOpen
	b.openedAt = s.now()
	b.trialOut = false
	return &Transition{WorkerID: workerID, From: from, To: domain.BreakerOpen, Reason: reason}
}

func (b *breaker) pushLatency(d time.Duration, window int) {
	if d <= 0 {
		return
	}
	b.latencies = append(b.latencies, d)
	if len(b.latencies) > window {
		b.latencies = b.latencies[len(b.latencies)-window:]
	}
}

func (s *Set) latencyBlown(b *breaker, p Settings) bool {
	if p.LatencyCeiling <= 0 || len(b.latencies) < p.MinSamples {
		return false
	}
	return P95(b.latencies) > p.LatencyCeiling
}

// P95 returns the nearest-rank 95th percentile.
func P95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := (95*len(sorted) + 99) / 100
	return sorted[rank-1]
}
