// Package registry keeps the worker table and picks workers for tasks.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"riskroute/internal/config"
	"riskroute/internal/domain"
)

var ErrUnknownWorker = errors.New("unknown worker")

// ErrAtCapacity is returned when a worker has no free concurrency slot.
var ErrAtCapacity = errors.New("worker at capacity")

type entry struct {
	mu sync.Mutex
	w  domain.Worker
}

// Store holds workers keyed by id. Every mutation locks only the worker it touches.
type Store struct {
	workers sync.Map // id -> *entry
}

func NewStore() *Store {
	return &Store{}
}

// FromConfig builds the static worker profile from its config entry.
func FromConfig(wc config.WorkerConfig) domain.Worker {
	capability := make(map[string]float64, len(wc.Capability))
	for d, v := range wc.Capability {
		capability[d] = v
	}
	return domain.Worker{
		ID:              wc.ID,
		Tier:            wc.Tier,
		Capability:      capability,
		MaxConcurrent:   wc.MaxConcurrent,
		CostEstimate:    wc.Cost,
		AvgDuration:     wc.AvgDuration,
		Available:       true,
		BreakerState:    domain.BreakerClosed,
		BudgetCapacity:  wc.BucketCapacity,
		RefillPerMinute: wc.RefillPerMinute,
	}
}

// Register adds a worker or refreshes the profile of an existing one, keeping its live counters.
func (s *Store) Register(w domain.Worker) {
	e := &entry{w: w}
	if existing, loaded := s.workers.LoadOrStore(w.ID, e); loaded {
		ex := existing.(*entry)
		ex.mu.Lock()
		live := ex.w
		ex.w = w
		ex.w.Load = live.Load
		ex.w.Successes = live.Successes
		ex.w.Failures = live.Failures
		ex.w.BreakerState = live.BreakerState
		ex.w.Available = live.Available
		ex.mu.Unlock()
	}
}

func (s *Store) entry(id string) (*entry, error) {
	v, ok := s.workers.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return v.(*entry), nil
}

// Get returns a copy of the worker.
func (s *Store) Get(id string) (domain.Worker, error) {
	e, err := s.entry(id)
	if err != nil {
		return domain.Worker{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneWorker(e.w), nil
}

// List returns copies of all workers ordered by id.
func (s *Store) List() []domain.Worker {
	var out []domain.Worker
	s.workers.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, cloneWorker(e.w))
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update applies fn to the worker under its lock. If fn fails nothing is changed.
func (s *Store) Update(id string, fn func(w *domain.Worker) error) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := cloneWorker(e.w)
	if err := fn(&next); err != nil {
		return err
	}
	e.w = next
	return nil
}

func (s *Store) MarkUnavailable(id string) error {
	return s.Update(id, func(w *domain.Worker) error {
		w.Available = false
		return nil
	})
}

func (s *Store) MarkAvailable(id string) error {
	return s.Update(id, func(w *domain.Worker) error {
		w.Available = true
		return nil
	})
}

// AcquireSlot increments load if the worker is below its concurrency limit.
func (s *Store) AcquireSlot(id string) error {
	return s.Update(id, func(w *domain.Worker) error {
		if w.Load >= w.MaxConcurrent {
			return fmt.Errorf("%w: %s", ErrAtCapacity, w.ID)
		}
		w.Load++
		return nil
	})
}

// ReleaseSlot decrements load, never below zero.
func (s *Store) ReleaseSlot(id string) {
	_ = s.Update(id, func(w *domain.Worker) error {
		if w.Load > 0 {
			w.Load--
		}
		return nil
	})
}

// Transfer moves one load slot from one worker to another. Both workers are locked in id order
// so the move is observed as a single step.
func (s *Store) Transfer(from, to string) error {
	if from == to {
		return nil
	}
	fe, err := s.entry(from)
	if err != nil {
		return err
	}
	te, err := s.entry(to)
	if err != nil {
		return err
	}
	first, second := fe, te
	if to < from {
		first, second = te, fe
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()
	if te.w.Load >= te.w.MaxConcurrent {
		return fmt.Errorf("%w: %s", ErrAtCapacity, to)
	}
	if fe.w.Load > 0 {
		fe.w.Load--
	}
	te.w.Load++
	return nil
}

// RecordOutcome counts a finished run toward the worker's success rate.
func (s *Store) RecordOutcome(id string, success bool) {
	_ = s.Update(id, func(w *domain.Worker) error {
		if success {
			w.Successes++
		} else {
			w.Failures++
		}
		return nil
	})
}

// SetBreakerState mirrors the breaker position into the worker record for display.
func (s *Store) SetBreakerState(id string, st domain.BreakerState) {
	_ = s.Update(id, func(w *domain.Worker) error {
		w.BreakerState = st
		return nil
	})
}

func cloneWorker(w domain.Worker) domain.Worker {
	out := w
	out.Capability = make(map[string]float64, len(w.Capability))
	for k, v := range w.Capability {
		out.Capability[k] = v
	}
	return out
}
