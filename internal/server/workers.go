package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"riskroute/internal/domain"
	"riskroute/internal/engine"
)

type workerBody struct {
	Body domain.Worker `json:"body"`
}

func registerWorkers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers with load, breaker state and budget tokens",
	}, func(ctx context.Context, input *struct {
		Domain string `query:"domain"`
		Tier   int    `query:"tier" minimum:"0" maximum:"3"`
	}) (*struct {
		Body workerList `json:"body"`
	}, error) {
		resp := workerList{Items: []domain.Worker{}}
		for _, w := range e.Workers() {
			if input.Tier > 0 && int(w.Tier) != input.Tier {
				continue
			}
			if input.Domain != "" {
				if _, ok := w.Capability[input.Domain]; !ok {
					continue
				}
			}
			resp.Items = append(resp.Items, w)
		}
		return &struct {
			Body workerList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-worker",
		Method:      http.MethodGet,
		Path:        "/workers/{id}",
		Summary:     "Get worker",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*workerBody, error) {
		return findWorker(e, input.ID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "worker-unavailable",
		Method:      http.MethodPost,
		Path:        "/workers/{id}/unavailable",
		Summary:     "Remove a worker from selection",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*workerBody, error) {
		if err := e.MarkUnavailable(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return findWorker(e, input.ID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "worker-available",
		Method:      http.MethodPost,
		Path:        "/workers/{id}/available",
		Summary:     "Return a worker to selection",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*workerBody, error) {
		if err := e.MarkAvailable(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return findWorker(e, input.ID)
	})
}

func findWorker(e *engine.Engine, id string) (*workerBody, error) {
	for _, w := range e.Workers() {
		if w.ID == id {
			return &workerBody{Body: w}, nil
		}
	}
	return nil, newAPIError(http.StatusNotFound, "not_found", "unknown worker: "+id, nil)
}
