package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/kfrrst/website-sub010/internal/domain"
	"github.com/kfrrst/website-sub010/internal/workflow"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerWorkflow(api huma.API, svc *workflow.Service) {
	tags := []string{"workflow"}
	huma.Register(api, huma.Operation{
		OperationID:   "start-workflow",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/workflow",
		Summary:       "Start phase tracking for a project",
		Tags:          tags,
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      StartWorkflowRequest `json:"body"`
	}) (*struct {
		Body domain.PhaseState `json:"body"`
	}, error) {
		p, err := requireRole(ctx, RoleAdmin, RoleSystem)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := svc.StartProject(ctx, workflow.StartRequest{
			ProjectID:    input.ProjectID,
			ServiceCodes: input.Body.ServiceCodes,
			ActorID:      p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workflow",
		Summary:     "Project progress",
		Tags:        tags,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body workflow.Progress `json:"body"`
	}, error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, handleError(err)
		}
		prog, err := svc.GetProgress(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workflow.Progress `json:"body"`
		}{Body: prog}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-actions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workflow/pending",
		Summary:     "Incomplete requirements of the current phase",
		Tags:        tags,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body RequirementList `json:"body"`
	}, error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, handleError(err)
		}
		reqs, err := svc.ListPendingActions(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequirementList `json:"body"`
		}{Body: RequirementList{Items: nonNilSlice(reqs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workflow-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workflow/history",
		Summary:     "Phase transition history, oldest first",
		Tags:        tags,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body TransitionList `json:"body"`
	}, error) {
		if _, err := requireRole(ctx); err != nil {
			return nil, handleError(err)
		}
		hist, err := svc.History(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionList `json:"body"`
		}{Body: TransitionList{Items: nonNilSlice(hist)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-requirement",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/workflow/requirements/{requirement_key}",
		Summary:     "Record a requirement completion",
		Tags:        tags,
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID      string                   `path:"project_id"`
		RequirementKey string                   `path:"requirement_key"`
		Body           SubmitRequirementRequest `json:"body" required:"false"`
	}) (*struct {
		Body workflow.SubmitResult `json:"body"`
	}, error) {
		p, err := requireRole(ctx, RoleClient, RoleAdmin, RoleSystem)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := svc.SubmitRequirement(ctx, workflow.SubmitRequest{
			ProjectID:      input.ProjectID,
			RequirementKey: input.RequirementKey,
			ActorID:        p.ActorID,
			Notes:          input.Body.Notes,
			Metadata:       input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workflow.SubmitResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-payment",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/workflow/payments",
		Summary:     "Signal a confirmed payment",
		Tags:        tags,
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		Body      RecordPaymentRequest `json:"body"`
	}) (*struct {
		Body workflow.PaymentResult `json:"body"`
	}, error) {
		p, err := requireRole(ctx, RoleSystem, RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := svc.RecordPayment(ctx, input.ProjectID, input.Body.PaymentID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workflow.PaymentResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/workflow/advance",
		Summary:     "Manually advance to the next phase",
		Tags:        tags,
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      AdvanceRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.PhaseState `json:"body"`
	}, error) {
		p, err := requireRole(ctx, RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := svc.Advance(ctx, input.ProjectID, p.ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/workflow/override",
		Summary:     "Jump to any phase of the project's composition",
		Tags:        tags,
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      OverrideRequest `json:"body"`
	}) (*struct {
		Body domain.PhaseState `json:"body"`
	}, error) {
		p, err := requireRole(ctx, RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := svc.Override(ctx, workflow.OverrideRequest{
			ProjectID:      input.ProjectID,
			TargetPhaseKey: input.Body.TargetPhaseKey,
			ActorID:        p.ActorID,
			Reason:         input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/workflow/complete",
		Summary:     "Mark the project completed at its last phase",
		Tags:        tags,
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.PhaseState `json:"body"`
	}, error) {
		p, err := requireRole(ctx, RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := svc.Complete(ctx, input.ProjectID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PhaseState `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "automation-logs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workflow/automation-logs",
		Summary:     "Automation execution log for a project",
		Tags:        tags,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ExecutionLogList `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		logs, err := svc.AutomationLogs(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutionLogList `json:"body"`
		}{Body: ExecutionLogList{Items: nonNilSlice(logs)}}, nil
	})
}
