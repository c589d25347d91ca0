package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"riskroute/internal/bus"
	"riskroute/internal/domain"
)

// Invocation is what a worker needs to run a task.
type Invocation struct {
	Task     domain.Task
	WorkerID string
	// Handoff is set when the task moved here from another worker.
	Handoff *domain.HandoffRecord
}

// Result of one worker run.
type Result struct {
	Success    bool
	Artifact   *domain.Artifact
	Confidence float64
	Cost       float64
	Err        error
}

// Executor runs a task on a worker. Calls happen on their own goroutine and report back
// through Acknowledge and Complete.
type Executor interface {
	Invoke(ctx context.Context, inv Invocation) (Result, error)
}

// Evaluator runs tests and static analysis on an artifact.
type Evaluator interface {
	Evaluate(ctx context.Context, artifact domain.Artifact) (domain.Evaluation, error)
}

// Merger applies an approved change. An error is a conflict.
type Merger interface {
	Merge(ctx context.Context, task domain.Task) error
}

// ReviewChannel asks a human for a decision.
type ReviewChannel interface {
	RequestReview(ctx context.Context, task domain.Task) (domain.HumanDecision, error)
}

// Wait blocks until every dispatched collaborator call has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) dispatch(name, taskID string, fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx := WithActor(context.Background(), name)
		if err := fn(ctx); err != nil {
			e.log().Warn("collaborator call failed", "collaborator", name, "task_id", taskID, "err", err)
		}
	}()
}

// dispatchRun hands a routed task to the executor. Caller holds en.mu.
func (e *Engine) dispatchRun(en *entry, rec *domain.HandoffRecord) {
	if e.Executor == nil {
		return
	}
	inv := Invocation{Task: en.task.Clone(), WorkerID: en.task.AssignedWorker, Handoff: rec}
	e.dispatch("executor", inv.Task.ID, func(ctx context.Context) error {
		if _, err := e.Acknowledge(ctx, inv.Task.ID, inv.WorkerID); err != nil {
			return err
		}
		res, err := e.Executor.Invoke(ctx, inv)
		if err == nil {
			err = res.Err
		}
		r := Report{
			WorkerID:   inv.WorkerID,
			Success:    res.Success && err == nil,
			Artifact:   res.Artifact,
			Confidence: res.Confidence,
			Cost:       res.Cost,
		}
		if err != nil {
			r.Error = err.Error()
		}
		_, err = e.Complete(ctx, inv.Task.ID, r)
		return err
	})
}

// dispatchEvaluate sends the latest artifact to the evaluator. Caller holds en.mu.
func (e *Engine) dispatchEvaluate(en *entry) {
	if e.Evaluator == nil {
		return
	}
	id := en.task.ID
	var artifact domain.Artifact
	if n := len(en.task.Artifacts); n > 0 {
		artifact = en.task.Artifacts[n-1]
	}
	e.dispatch("evaluator", id, func(ctx context.Context) error {
		ev, err := e.Evaluator.Evaluate(ctx, artifact)
		if err != nil {
			_, berr := e.blockIf(ctx, id, domain.StateReview, "evaluation failed: "+err.Error())
			return errors.Join(err, berr)
		}
		_, err = e.Evaluate(ctx, id, ev)
		return err
	})
}

// dispatchMerge asks the merger to apply an approved task. Caller holds en.mu.
func (e *Engine) dispatchMerge(en *entry) {
	if e.Merger == nil {
		return
	}
	task := en.task.Clone()
	e.dispatch("merger", task.ID, func(ctx context.Context) error {
		err := e.Merger.Merge(ctx, task)
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		_, rerr := e.MergeResult(ctx, task.ID, err == nil, detail)
		return rerr
	})
}

// dispatchReview asks the human channel for a decision. Caller holds en.mu.
func (e *Engine) dispatchReview(en *entry) {
	if e.Reviews == nil {
		return
	}
	task := en.task.Clone()
	e.dispatch("reviewer", task.ID, func(ctx context.Context) error {
		decision, err := e.Reviews.RequestReview(ctx, task)
		if err != nil {
			return err
		}
		_, err = e.HumanReview(ctx, task.ID, decision, "")
		return err
	})
}

// blockIf blocks the task only if it is still in the expected state.
func (e *Engine) blockIf(ctx context.Context, id string, state domain.TaskState, reason string) (domain.Task, error) {
	en, err := e.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.task.State != state {
		return en.task.Clone(), nil
	}
	err = e.block(ctx, en, reason, false)
	return en.task.Clone(), err
}

// Sweep requeues tasks blocked for lack of a worker once engine.blocked_retry has passed.
// Tasks held for a human are left alone.
func (e *Engine) Sweep(ctx context.Context) int {
	retry := e.Config().Engine.BlockedRetry
	now := e.now()
	n := 0
	e.tasks.Range(func(_, v any) bool {
		en := v.(*entry)
		en.mu.Lock()
		defer en.mu.Unlock()
		if en.task.State != domain.StateBlocked || en.task.AwaitingHuman || now.Sub(en.blockedAt) < retry {
			return true
		}
		if err := e.requeue(ctx, en, "blocked retry", 0); err != nil {
			e.log().Warn("blocked retry", "task_id", en.task.ID, "err", err)
			return true
		}
		n++
		return true
	})
	return n
}

// Run sweeps blocked tasks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.Config().Engine.BlockedRetry
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx = WithActor(ctx, "sweeper")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := e.Sweep(ctx); n > 0 {
				e.log().Info("blocked tasks requeued", "count", n)
			}
		}
	}
}

// Completion message types accepted on the completions subject.
const (
	CompletionAck        = "completion.ack"
	CompletionResult     = "completion.result"
	CompletionEvaluation = "completion.evaluation"
	CompletionReview     = "completion.review"
	CompletionMerge      = "completion.merge"
)

// Completion is the payload of every completion message; fields apply per type.
type Completion struct {
	TaskID     string               `json:"task_id"`
	WorkerID   string               `json:"worker_id,omitempty"`
	Success    bool                 `json:"success,omitempty"`
	Artifact   *domain.Artifact     `json:"artifact,omitempty"`
	Confidence float64              `json:"confidence,omitempty"`
	Cost       float64              `json:"cost,omitempty"`
	Error      string               `json:"error,omitempty"`
	Evaluation *domain.Evaluation   `json:"evaluation,omitempty"`
	Decision   domain.HumanDecision `json:"decision,omitempty"`
	Note       string               `json:"note,omitempty"`
	Merged     bool                 `json:"merged,omitempty"`
}

// Consume feeds completion messages from the bus into the engine until ctx is done.
func (e *Engine) Consume(ctx context.Context, b bus.Bus, subjects bus.Subjects) error {
	ch, unsubscribe, err := b.Subscribe(ctx, subjects.Completions())
	if err != nil {
		return fmt.Errorf("subscribe completions: %w", err)
	}
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			if err := e.HandleCompletion(ctx, env); err != nil {
				e.log().Warn("completion rejected", "type", env.Type, "correlation_id", env.CorrelationID, "err", err)
			}
		}
	}
}

// HandleCompletion applies one completion envelope.
func (e *Engine) HandleCompletion(ctx context.Context, env bus.Envelope) error {
	var c Completion
	if err := env.Decode(&c); err != nil {
		return err
	}
	if c.TaskID == "" {
		c.TaskID = env.CorrelationID
	}
	if c.TaskID == "" {
		return invalid("task_id", "is required")
	}
	if env.Source != "" {
		ctx = WithActor(ctx, env.Source)
	}
	var err error
	switch env.Type {
	case CompletionAck:
		_, err = e.Acknowledge(ctx, c.TaskID, c.WorkerID)
	case CompletionResult:
		_, err = e.Complete(ctx, c.TaskID, Report{
			WorkerID:   c.WorkerID,
			Success:    c.Success,
			Artifact:   c.Artifact,
			Confidence: c.Confidence,
			Cost:       c.Cost,
			Error:      c.Error,
		})
	case CompletionEvaluation:
		if c.Evaluation == nil {
			return invalid("evaluation", "is required")
		}
		_, err = e.Evaluate(ctx, c.TaskID, *c.Evaluation)
	case CompletionReview:
		_, err = e.HumanReview(ctx, c.TaskID, c.Decision, c.Note)
	case CompletionMerge:
		_, err = e.MergeResult(ctx, c.TaskID, c.Merged, c.Error)
	default:
		return invalid("type", "unknown completion type %q", env.Type)
	}
	return err
}

func sortTasks(ts []domain.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}
