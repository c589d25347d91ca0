// Package budget bounds worker spend with lazily refilled token buckets and caps per-task spend.
package budget

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Bucket is the configuration of one worker's token bucket.
type Bucket struct {
	Capacity        float64
	RefillPerMinute float64
}

type bucket struct {
	mu        sync.Mutex
	cfg       Bucket
	tokens    float64
	held      float64
	committed float64
	last      time.Time
}

// refill adds tokens for the time elapsed since the last access. Caller holds mu.
func (b *bucket) refill(now time.Time) {
	if now.After(b.last) {
		elapsed := now.Sub(b.last).Minutes()
		b.tokens = math.Min(b.cfg.Capacity, b.tokens+elapsed*b.cfg.RefillPerMinute)
	}
	b.last = now
}

// Ledger holds one bucket per worker. All operations are non-blocking beyond a per-worker mutex.
type Ledger struct {
	buckets sync.Map // worker id -> *bucket
	Now     func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Register creates a full bucket for the worker, or updates capacity and refill rate of an existing one.
func (l *Ledger) Register(workerID string, cfg Bucket) {
	now := l.now()
	b := &bucket{cfg: cfg, tokens: cfg.Capacity, last: now}
	if existing, loaded := l.buckets.LoadOrStore(workerID, b); loaded {
		eb := existing.(*bucket)
		eb.mu.Lock()
		eb.refill(now)
		eb.cfg = cfg
		eb.tokens = math.Min(eb.tokens, cfg.Capacity)
		eb.mu.Unlock()
	}
}

func (l *Ledger) bucket(workerID string) (*bucket, bool) {
	v, ok := l.buckets.Load(workerID)
	if !ok {
		return nil, false
	}
	return v.(*bucket), true
}

// Reserve decrements amount from the worker's tokens if enough remain. It fails closed:
// false means nothing changed and the caller should try another worker or wait.
func (l *Ledger) Reserve(workerID string, amount float64) bool {
	if amount < 0 {
		return false
	}
	b, ok := l.bucket(workerID)
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(l.now())
	if b.tokens < amount {
		return false
	}
	b.tokens -= amount
	b.held += amount
	return true
}

// Commit marks reserved tokens as consumed.
func (l *Ledger) Commit(workerID string, amount float64) {
	b, ok := l.bucket(workerID)
	if !ok || amount <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	amount = math.Min(amount, b.held)
	b.held -= amount
	b.committed += amount
}

// Release returns reserved tokens to the bucket.
func (l *Ledger) Release(workerID string, amount float64) {
	b, ok := l.bucket(workerID)
	if !ok || amount <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(l.now())
	amount = math.Min(amount, b.held)
	b.held -= amount
	b.tokens = math.Min(b.cfg.Capacity, b.tokens+amount)
}

// Settle commits the actual spend out of a reservation and releases the rest.
// Spend beyond the reservation is charged against current tokens, never below zero.
func (l *Ledger) Settle(workerID string, reserved, actual float64) {
	if actual < 0 {
		actual = 0
	}
	used := math.Min(reserved, actual)
	l.Commit(workerID, used)
	l.Release(workerID, reserved-used)
	if extra := actual - reserved; extra > 0 {
		if b, ok := l.bucket(workerID); ok {
			b.mu.Lock()
			b.refill(l.now())
			charge := math.Min(extra, b.tokens)
			b.tokens -= charge
			b.committed += charge
			b.mu.Unlock()
		}
	}
}

// Tokens reports the worker's available tokens after refill.
func (l *Ledger) Tokens(workerID string) float64 {
	b, ok := l.bucket(workerID)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(l.now())
	return b.tokens
}

// Snapshot describes a bucket for display.
type Snapshot struct {
	Tokens    float64
	Held      float64
	Committed float64
	Bucket
}

func (l *Ledger) Snapshot(workerID string) (Snapshot, error) {
	b, ok := l.bucket(workerID)
	if !ok {
		return Snapshot{}, fmt.Errorf("no budget bucket for worker %s", workerID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(l.now())
	return Snapshot{Tokens: b.tokens, Held: b.held, Committed: b.committed, Bucket: b.cfg}, nil
}

// CanAfford reports whether cost fits within what remains of a task's cap.
func CanAfford(spent, cap, cost float64) bool {
	return cost <= Remaining(spent, cap)+1e-9
}

// Remaining is the unspent part of a task cap.
func Remaining(spent, cap float64) float64 {
	return math.Max(0, cap-spent)
}

// EarlyExit reports whether spend is still below ratio of the cap, which lets a task with
// all-green signals skip the remaining tiers.
func EarlyExit(spent, cap, ratio float64) bool {
	if cap <= 0 {
		return false
	}
	return spent < ratio*cap
}
