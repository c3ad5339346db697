package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"rewire/internal/domain"
	"rewire/internal/store"
)

// registerReadAPI mounts the read-only JSON API under /v1. Mutations go
// through the form endpoints; this surface exists for dashboards and other
// read-only HTTP clients.
func registerReadAPI(router chi.Router, s *server) {
	hcfg := huma.DefaultConfig("Rewire API", "0.1.0")
	hcfg.OpenAPIPath = "/v1/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, "/v1")

	registerExpectations(group, s)
	registerViolations(group, s)
	registerEvents(group, s)
	registerSummary(group, s)
}

func apiError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return huma.Error404NotFound("not found")
	}
	return huma.Error500InternalServerError("storage unavailable", err)
}

type expectationDetail struct {
	domain.Expectation
	RecentObservations []domain.Observation `json:"recent_observations,omitempty"`
	OpenViolations     []domain.Violation   `json:"open_violations,omitempty"`
}

func registerExpectations(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-expectations",
		Method:      http.MethodGet,
		Path:        "/expectations",
		Summary:     "List expectations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Expectation `json:"body"`
	}, error) {
		items, err := s.store.ListExpectations(ctx)
		if err != nil {
			return nil, apiError(err)
		}
		return &struct {
			Body []domain.Expectation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-expectation",
		Method:      http.MethodGet,
		Path:        "/expectations/{id}",
		Summary:     "Expectation detail with recent observations",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body expectationDetail `json:"body"`
	}, error) {
		exp, err := s.store.GetExpectation(ctx, input.ID)
		if err != nil {
			return nil, apiError(err)
		}
		obs, err := s.store.RecentObservations(ctx, exp.ID, 10)
		if err != nil {
			return nil, apiError(err)
		}
		viols, err := s.store.ListViolations(ctx, store.ViolationFilters{
			ExpectationID: exp.ID,
			OpenOnly:      true,
		})
		if err != nil {
			return nil, apiError(err)
		}
		return &struct {
			Body expectationDetail `json:"body"`
		}{Body: expectationDetail{
			Expectation:        exp,
			RecentObservations: obs,
			OpenViolations:     viols,
		}}, nil
	})
}

func registerViolations(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-violations",
		Method:      http.MethodGet,
		Path:        "/violations",
		Summary:     "List violations",
	}, func(ctx context.Context, input *struct {
		ExpectationID string `query:"expectation_id"`
		Open          bool   `query:"open"`
		Limit         int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Violation `json:"body"`
	}, error) {
		items, err := s.store.ListViolations(ctx, store.ViolationFilters{
			ExpectationID: input.ExpectationID,
			OpenOnly:      input.Open,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, apiError(err)
		}
		return &struct {
			Body []domain.Violation `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit journal",
	}, func(ctx context.Context, input *struct {
		ExpectationID string `query:"expectation_id"`
		Type          string `query:"type"`
		Limit         int    `query:"limit" default:"20"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := s.events.Latest(ctx, input.Limit, input.ExpectationID, input.Type)
		if err != nil {
			return nil, apiError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerSummary(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID: "summary",
		Method:      http.MethodGet,
		Path:        "/summary",
		Summary:     "Open violation counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		exps, err := s.store.ListExpectations(ctx)
		if err != nil {
			return nil, apiError(err)
		}
		open, err := s.store.OpenViolationCount(ctx, "")
		if err != nil {
			return nil, apiError(err)
		}
		enabled := 0
		for _, e := range exps {
			if e.Enabled {
				enabled++
			}
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"expectations":    len(exps),
			"enabled":         enabled,
			"open_violations": open,
		}}, nil
	})
}
