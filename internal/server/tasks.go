package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"riskroute/internal/domain"
	"riskroute/internal/engine"
	"riskroute/internal/repo"
)

type taskPath struct {
	ID string `path:"id"`
}

type taskBody struct {
	Body domain.Task `json:"body"`
}

func taskOutput(t domain.Task, err error) (*taskBody, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &taskBody{Body: t}, nil
}

var taskErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Submit a task for scoring and routing",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		Body SubmitTaskRequest `json:"body"`
	}) (*taskBody, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		req := engine.SubmitRequest{
			Domain:    input.Body.Domain,
			Title:     input.Body.Title,
			Features:  domain.Features(input.Body.Features),
			BudgetCap: input.Body.BudgetCap,
			Deadline:  input.Body.Deadline,
		}
		if input.Body.ID != nil {
			req.ID = *input.Body.ID
		}
		return taskOutput(e.Submit(ctx, req))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State  string `query:"state" enum:"QUEUED,ROUTED,RUNNING,REVIEW,FAILED,BLOCKED,ESCALATED,APPROVED,CHANGES_REQUESTED,MERGED,TERMINAL_REJECTED"`
		Domain string `query:"domain"`
		Tier   int    `query:"tier" minimum:"0" maximum:"3"`
		Active bool   `query:"active"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		resp := paginatedTasks{Items: []domain.Task{}}
		if e.DB == nil {
			for _, t := range e.List(domain.TaskState(input.State)) {
				if input.Domain != "" && t.Domain != input.Domain {
					continue
				}
				if input.Tier > 0 && int(t.Tier) != input.Tier {
					continue
				}
				if input.Active && t.State.Terminal() {
					continue
				}
				resp.Items = append(resp.Items, t)
			}
			if len(resp.Items) > limit {
				resp.Items = resp.Items[:limit]
			}
			return &struct {
				Body paginatedTasks `json:"body"`
			}{Body: resp}, nil
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			State:           input.State,
			Domain:          input.Domain,
			Tier:            input.Tier,
			Active:          input.Active,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt.UTC().Format(time.RFC3339Nano), last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		return taskOutput(e.Get(ctx, input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/history",
		Summary:     "Attempt history and handoffs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		t, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := HistoryResponse{TaskID: t.ID, State: t.State, Attempts: nonNilSlice(t.History), Handoffs: []domain.HandoffRecord{}}
		if e.DB != nil {
			handoffs, err := e.Repo.ListHandoffs(ctx, t.ID)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Handoffs = nonNilSlice(handoffs)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: resp}, nil
	})
}

// registerTaskActions exposes the lifecycle operations. Workers, evaluators, mergers and humans
// all report through these.
func registerTaskActions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ack-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/ack",
		Summary:     "Worker acknowledges a routed task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body AckRequest `json:"body"`
	}) (*taskBody, error) {
		return taskOutput(e.Acknowledge(ctx, input.ID, input.Body.WorkerID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Worker reports a finished run",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CompleteTaskRequest `json:"body"`
	}) (*taskBody, error) {
		return taskOutput(e.Complete(ctx, input.ID, input.Body.report()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/evaluate",
		Summary:     "Submit test, lint and static-analysis results",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body EvaluateRequest `json:"body"`
	}) (*taskBody, error) {
		return taskOutput(e.Evaluate(ctx, input.ID, input.Body.evaluation()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/review",
		Summary:     "Human decision on a gated or escalated task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*taskBody, error) {
		return taskOutput(e.HumanReview(ctx, input.ID, domain.HumanDecision(input.Body.Decision), input.Body.Note))
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispose-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/dispose",
		Summary:     "Resolve an escalated task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*taskBody, error) {
		return taskOutput(e.Dispose(ctx, input.ID, domain.HumanDecision(input.Body.Decision), input.Body.Note))
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/merge",
		Summary:     "Report the merge result of an approved task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body MergeRequest `json:"body"`
	}) (*taskBody, error) {
		return taskOutput(e.MergeResult(ctx, input.ID, input.Body.Merged, input.Body.Detail))
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/cancel",
		Summary:     "Cancel a task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*taskBody, error) {
		return taskOutput(e.Cancel(ctx, input.ID, input.Body.Reason))
	})

	huma.Register(api, huma.Operation{
		OperationID: "block-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/block",
		Summary:     "Hold a task until it is unblocked",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body"`
	}) (*taskBody, error) {
		return taskOutput(e.Block(ctx, input.ID, input.Body.Reason))
	})

	huma.Register(api, huma.Operation{
		OperationID: "unblock-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/unblock",
		Summary:     "Requeue a blocked task, optionally raising its budget cap",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body UnblockRequest `json:"body"`
	}) (*taskBody, error) {
		return taskOutput(e.Unblock(ctx, input.ID, input.Body.BudgetCap))
	})
}
