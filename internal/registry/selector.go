package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskroute/internal/breaker"
	"riskroute/internal/budget"
	"riskroute/internal/config"
	"riskroute/internal/domain"
)

// ErrNoCandidate means no worker, substitutes included, can take the task right now.
var ErrNoCandidate = errors.New("no eligible worker")

// ErrReservationGone is returned when confirming a reservation that expired or was cancelled.
var ErrReservationGone = errors.New("reservation expired or cancelled")

// Weights of the selection score components.
type Weights struct {
	Capability  float64
	TierFit     float64
	Headroom    float64
	SuccessRate float64
}

// Reservation is a provisional claim on a worker's budget tokens, breaker trial and, unless
// the selection was made for a handoff, a load slot.
type Reservation struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	Amount    float64   `json:"amount"`
	Load      bool      `json:"load"`
	Trial     bool      `json:"trial,omitempty"`
	Confirmed bool      `json:"confirmed"`
	CreatedAt time.Time `json:"created_at"`
}

type held struct {
	mu    sync.Mutex
	res   Reservation
	timer *time.Timer
	done  bool
}

// Selection is the outcome of ranking candidates for a task.
type Selection struct {
	Primary     domain.Worker
	Fallback    *domain.Worker
	Confidence  float64
	Substitute  bool
	Reservation Reservation
}

// Candidate is one ranked worker.
type Candidate struct {
	Worker domain.Worker
	Score  float64
}

// Selector ranks workers for a task and reserves the winner.
type Selector struct {
	Store    *Store
	Breakers *breaker.Set
	Ledger   *budget.Ledger
	Now      func() time.Time
	NewID    func() string
	// OnExpire is called after an unconfirmed reservation was compensated.
	OnExpire func(Reservation)

	mu        sync.RWMutex
	weights   Weights
	fallbacks map[domain.Tier][]string
	ttl       time.Duration

	reservations sync.Map // reservation id -> *held
}

func NewSelector(store *Store, breakers *breaker.Set, ledger *budget.Ledger, cfg *config.Config) *Selector {
	s := &Selector{
		Store:    store,
		Breakers: breakers,
		Ledger:   ledger,
		Now:      time.Now,
		NewID:    func() string { return uuid.NewString() },
	}
	s.Configure(cfg)
	return s
}

// Configure swaps weights, fallbacks and reservation TTL.
func (s *Selector) Configure(cfg *config.Config) {
	sw := cfg.Selector.Weights
	fallbacks := make(map[domain.Tier][]string, len(cfg.Fallbacks))
	for tier, ids := range cfg.Fallbacks {
		fallbacks[tier] = append([]string(nil), ids...)
	}
	s.mu.Lock()
	s.weights = Weights{Capability: sw.Capability, TierFit: sw.TierFit, Headroom: sw.Headroom, SuccessRate: sw.SuccessRate}
	s.fallbacks = fallbacks
	s.ttl = cfg.Selector.ReservationTTL
	s.mu.Unlock()
}

func (s *Selector) settings() (Weights, map[domain.Tier][]string, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights, s.fallbacks, s.ttl
}

func (s *Selector) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Eligible checks a worker against every selection filter except the tier match and the
// budget token reservation.
func (s *Selector) Eligible(task domain.Task, w domain.Worker) error {
	switch {
	case !w.Available:
		return fmt.Errorf("worker %s is unavailable", w.ID)
	case !w.Serves(task.Domain):
		return fmt.Errorf("worker %s does not serve domain %s", w.ID, task.Domain)
	case s.Breakers != nil && s.Breakers.State(w.ID) == domain.BreakerOpen:
		return fmt.Errorf("worker %s breaker is open", w.ID)
	case w.Load >= w.MaxConcurrent:
		return fmt.Errorf("worker %s is at capacity", w.ID)
	case !budget.CanAfford(task.BudgetSpent, task.BudgetCap, w.CostEstimate):
		return fmt.Errorf("worker %s cost %.2f exceeds remaining budget %.2f", w.ID, w.CostEstimate, task.RemainingBudget())
	}
	return nil
}

func (s *Selector) admissible(task domain.Task, w domain.Worker, excluded map[string]bool) bool {
	if excluded[w.ID] || s.Eligible(task, w) != nil {
		return false
	}
	return s.Breakers == nil || s.Breakers.Allow(w.ID)
}

// Rank lists same-tier workers that pass every filter except the token reservation, best first.
func (s *Selector) Rank(task domain.Task, exclude ...string) []Candidate {
	weights, _, _ := s.settings()
	excluded := toSet(exclude)
	var out []Candidate
	for _, w := range s.Store.List() {
		if w.Tier != task.Tier || !s.admissible(task, w, excluded) {
			continue
		}
		out = append(out, Candidate{Worker: w, Score: score(weights, task, w)})
	}
	sortCandidates(out)
	return out
}

func (s *Selector) substitutes(task domain.Task, exclude ...string) []Candidate {
	weights, fallbacks, _ := s.settings()
	excluded := toSet(exclude)
	var out []Candidate
	for _, id := range fallbacks[task.Tier] {
		w, err := s.Store.Get(id)
		if err != nil || !s.admissible(task, w, excluded) {
			continue
		}
		out = append(out, Candidate{Worker: w, Score: score(weights, task, w)})
	}
	sortCandidates(out)
	return out
}

// SameTierCandidates counts same-tier workers other than the excluded ones that could take the task.
func (s *Selector) SameTierCandidates(task domain.Task, exclude ...string) int {
	return len(s.Rank(task, exclude...))
}

// Select picks and reserves a worker, taking a load slot on it.
func (s *Selector) Select(task domain.Task, exclude ...string) (Selection, error) {
	return s.selectWorker(task, true, exclude)
}

// SelectForHandoff picks and reserves a worker without taking a load slot; the caller moves
// the slot from the previous worker.
func (s *Selector) SelectForHandoff(task domain.Task, exclude ...string) (Selection, error) {
	return s.selectWorker(task, false, exclude)
}

func (s *Selector) selectWorker(task domain.Task, takeLoad bool, exclude []string) (Selection, error) {
	ranked := s.Rank(task, exclude...)
	substitute := false
	if len(ranked) == 0 {
		ranked = s.substitutes(task, exclude...)
		substitute = true
	}
	for i, c := range ranked {
		res, ok := s.reserve(task, c.Worker, takeLoad)
		if !ok {
			continue
		}
		sel := Selection{Primary: c.Worker, Confidence: c.Score, Substitute: substitute, Reservation: res}
		if i+1 < len(ranked) {
			fb := ranked[i+1].Worker
			sel.Fallback = &fb
		}
		return sel, nil
	}
	return Selection{}, fmt.Errorf("%w for task %s (domain %s, tier %d)", ErrNoCandidate, task.ID, task.Domain, task.Tier)
}

// reserve claims breaker, tokens and optionally load, undoing earlier claims when a later one fails.
func (s *Selector) reserve(task domain.Task, w domain.Worker, takeLoad bool) (Reservation, bool) {
	trial := false
	if s.Breakers != nil {
		var ok bool
		if ok, trial = s.Breakers.Claim(w.ID); !ok {
			return Reservation{}, false
		}
	}
	if s.Ledger != nil && !s.Ledger.Reserve(w.ID, w.CostEstimate) {
		s.abandon(w.ID, trial)
		return Reservation{}, false
	}
	if takeLoad {
		if err := s.Store.AcquireSlot(w.ID); err != nil {
			if s.Ledger != nil {
				s.Ledger.Release(w.ID, w.CostEstimate)
			}
			s.abandon(w.ID, trial)
			return Reservation{}, false
		}
	}
	res := Reservation{
		ID:        s.NewID(),
		TaskID:    task.ID,
		WorkerID:  w.ID,
		Amount:    w.CostEstimate,
		Load:      takeLoad,
		Trial:     trial,
		CreatedAt: s.now(),
	}
	h := &held{res: res}
	h.mu.Lock()
	s.reservations.Store(res.ID, h)
	if _, _, ttl := s.settings(); ttl > 0 {
		h.timer = time.AfterFunc(ttl, func() { s.expire(res.ID) })
	}
	h.mu.Unlock()
	return res, true
}

// abandon hands back the half-open trial, but only from the claim that took it.
func (s *Selector) abandon(workerID string, trial bool) {
	if trial && s.Breakers != nil {
		s.Breakers.Abandon(workerID)
	}
}

func (s *Selector) expire(id string) {
	res, ok := s.finish(id, func(r Reservation) bool { return !r.Confirmed }, func(h *held) {
		s.release(h.res)
	})
	if ok && s.OnExpire != nil {
		s.OnExpire(res)
	}
}

// finish removes a live reservation under its lock and runs fn on it. when may veto the removal.
func (s *Selector) finish(id string, when func(Reservation) bool, fn func(h *held)) (Reservation, bool) {
	v, ok := s.reservations.Load(id)
	if !ok {
		return Reservation{}, false
	}
	h := v.(*held)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done || (when != nil && !when(h.res)) {
		return Reservation{}, false
	}
	h.done = true
	s.reservations.Delete(id)
	if h.timer != nil {
		h.timer.Stop()
	}
	fn(h)
	return h.res, true
}

func (s *Selector) release(res Reservation) {
	if s.Ledger != nil {
		s.Ledger.Release(res.WorkerID, res.Amount)
	}
	if !res.Confirmed && res.Load {
		s.Store.ReleaseSlot(res.WorkerID)
	}
	s.abandon(res.WorkerID, res.Trial)
}

// Get returns a live reservation.
func (s *Selector) Get(id string) (Reservation, bool) {
	v, ok := s.reservations.Load(id)
	if !ok {
		return Reservation{}, false
	}
	h := v.(*held)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return Reservation{}, false
	}
	return h.res, true
}

// AdoptLoad records that the reservation now owns a load slot on its worker.
func (s *Selector) AdoptLoad(id string) error {
	v, ok := s.reservations.Load(id)
	if !ok {
		return ErrReservationGone
	}
	h := v.(*held)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return ErrReservationGone
	}
	h.res.Load = true
	return nil
}

// Confirm stops the expiry timer. From here on the load slot belongs to the caller.
func (s *Selector) Confirm(id string) (Reservation, error) {
	v, ok := s.reservations.Load(id)
	if !ok {
		return Reservation{}, ErrReservationGone
	}
	h := v.(*held)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return Reservation{}, ErrReservationGone
	}
	if h.timer != nil {
		h.timer.Stop()
	}
	h.res.Confirmed = true
	return h.res, nil
}

// Cancel releases a reservation and any breaker trial it holds. Unconfirmed reservations also
// give back their load slot. Cancelling twice is a no-op.
func (s *Selector) Cancel(id string) (Reservation, bool) {
	return s.finish(id, nil, func(h *held) { s.release(h.res) })
}

// Settle charges the actual cost of a finished run against the reservation and drops it.
func (s *Selector) Settle(id string, actual float64) (Reservation, bool) {
	return s.finish(id, nil, func(h *held) {
		if s.Ledger != nil {
			s.Ledger.Settle(h.res.WorkerID, h.res.Amount, actual)
		}
	})
}

func score(w Weights, task domain.Task, worker domain.Worker) float64 {
	capability := clamp01(worker.Capability[task.Domain] / 100)
	tierFit := 1 - math.Abs(float64(worker.Tier-task.Tier))/float64(domain.MaxTier-domain.MinTier)
	headroom := 0.0
	if worker.MaxConcurrent > 0 {
		headroom = 1 - float64(worker.Load)/float64(worker.MaxConcurrent)
	}
	return w.Capability*capability + w.TierFit*clamp01(tierFit) + w.Headroom*clamp01(headroom) + w.SuccessRate*worker.SuccessRate()
}

func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		if c[i].Worker.CostEstimate != c[j].Worker.CostEstimate {
			return c[i].Worker.CostEstimate < c[j].Worker.CostEstimate
		}
		return c[i].Worker.ID < c[j].Worker.ID
	})
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
