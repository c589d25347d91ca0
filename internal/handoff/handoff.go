// Package handoff moves a task's in-progress artifacts and load slot from one worker to another.
package handoff

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"riskroute/internal/domain"
	"riskroute/internal/registry"
)

// ErrHandoffRejected is recoverable: the caller may retry with a different target.
var ErrHandoffRejected = errors.New("handoff rejected")

// Coordinator validates and performs transfers. It holds no per-task state; the engine calls it
// under the task lock.
type Coordinator struct {
	Store    *registry.Store
	Selector *registry.Selector
	Now      func() time.Time
	NewID    func() string
}

func NewCoordinator(store *registry.Store, selector *registry.Selector) *Coordinator {
	return &Coordinator{
		Store:    store,
		Selector: selector,
		Now:      time.Now,
		NewID:    func() string { return uuid.NewString() },
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrHandoffRejected, fmt.Sprintf(format, args...))
}

// Handoff transfers the task from one worker to another. An empty from means the task holds no
// load slot yet, so only the target slot is taken. On error nothing has changed.
func (c *Coordinator) Handoff(task domain.Task, from, to string) (domain.HandoffRecord, error) {
	if to == "" || to == from {
		return domain.HandoffRecord{}, rejected("target worker must differ from %q", from)
	}
	target, err := c.Store.Get(to)
	if err != nil {
		return domain.HandoffRecord{}, rejected("%v", err)
	}
	if c.Selector != nil {
		if err := c.Selector.Eligible(task, target); err != nil {
			return domain.HandoffRecord{}, rejected("%v", err)
		}
	}
	if task.Deadline != nil && c.now().Add(target.AvgDuration).After(*task.Deadline) {
		return domain.HandoffRecord{}, rejected("worker %s needs %s, deadline %s", to, target.AvgDuration, task.Deadline.Format(time.RFC3339))
	}

	staged, err := stage(task.Artifacts, from)
	if err != nil {
		return domain.HandoffRecord{}, err
	}

	if from != "" {
		err = c.Store.Transfer(from, to)
	} else {
		err = c.Store.AcquireSlot(to)
	}
	if err != nil {
		// staged copies are dropped; the task's artifacts were never touched
		return domain.HandoffRecord{}, rejected("%v", err)
	}
	return domain.HandoffRecord{
		ID:        c.NewID(),
		TaskID:    task.ID,
		From:      from,
		To:        to,
		Artifacts: staged,
		CreatedAt: c.now(),
	}, nil
}

// stage copies the artifacts produced by from through their serialized form.
func stage(artifacts []domain.Artifact, from string) ([]domain.Artifact, error) {
	var out []domain.Artifact
	for _, a := range artifacts {
		if a.WorkerID != from || from == "" {
			continue
		}
		if a.Partial {
			return nil, rejected("artifact %s from %s is partially applied", a.Kind, from)
		}
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("serialize artifact: %w", err)
		}
		var cp domain.Artifact
		if err := json.Unmarshal(raw, &cp); err != nil {
			return nil, fmt.Errorf("serialize artifact: %w", err)
		}
		out = append(out, cp)
	}
	return out, nil
}
