package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/kfrrst/website-sub010/internal/domain"
	"github.com/kfrrst/website-sub010/internal/workflow"
)

func registerCatalog(api huma.API, svc *workflow.Service) {
	tags := []string{"catalog"}
	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/catalog/phases",
		Summary:     "List catalog phases",
		Tags:        tags,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PhaseList `json:"body"`
	}, error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseList `json:"body"`
		}{Body: PhaseList{Items: nonNilSlice(svc.ListPhases())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/catalog/phases/{phase_key}",
		Summary:     "Get a catalog phase",
		Tags:        tags,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseKey string `path:"phase_key"`
	}) (*struct {
		Body domain.Phase `json:"body"`
	}, error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, handleError(err)
		}
		phase, err := svc.GetPhase(input.PhaseKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Phase `json:"body"`
		}{Body: phase}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-services",
		Method:      http.MethodGet,
		Path:        "/catalog/services",
		Summary:     "List service types",
		Tags:        tags,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ServiceList `json:"body"`
	}, error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ServiceList `json:"body"`
		}{Body: ServiceList{Items: nonNilSlice(svc.ListServices())}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phase-requirements",
		Method:      http.MethodGet,
		Path:        "/catalog/phases/{phase_key}/requirements",
		Summary:     "Requirements registered for a phase",
		Tags:        tags,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PhaseKey string `path:"phase_key"`
	}) (*struct {
		Body RequirementList `json:"body"`
	}, error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, handleError(err)
		}
		reqs, err := svc.RequirementsFor(input.PhaseKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequirementList `json:"body"`
		}{Body: RequirementList{Items: nonNilSlice(reqs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compose-phases",
		Method:      http.MethodPost,
		Path:        "/catalog/compose",
		Summary:     "Preview the phase list for a set of service types",
		Tags:        tags,
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ComposeRequest `json:"body"`
	}) (*struct {
		Body ComposeResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, handleError(err)
		}
		keys, err := svc.ComposePhases(input.Body.ServiceCodes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComposeResponse `json:"body"`
		}{Body: ComposeResponse{PhaseKeys: keys}}, nil
	})
}
