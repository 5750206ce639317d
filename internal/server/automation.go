package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/kfrrst/website-sub010/internal/workflow"
)

func registerAutomation(api huma.API, svc *workflow.Service) {
	tags := []string{"automation"}
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/automation/rules",
		Summary:     "List automation rules",
		Tags:        tags,
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active_only"`
	}) (*struct {
		Body RuleList `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		rules, err := svc.ListRules(ctx, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RuleList{Items: make([]RuleResponse, 0, len(rules))}
		for _, r := range rules {
			resp.Items = append(resp.Items, ruleResponse(r))
		}
		return &struct {
			Body RuleList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-rule-active",
		Method:      http.MethodPatch,
		Path:        "/automation/rules/{rule_id}",
		Summary:     "Enable or disable a rule",
		Tags:        tags,
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID int64                `path:"rule_id"`
		Body   SetRuleActiveRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		p, err := requireRole(ctx, RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		rule, err := svc.SetRuleActive(ctx, input.RuleID, input.Body.Active, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: ruleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/automation/sweep",
		Summary:     "Evaluate automation for every open project",
		Tags:        tags,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, RoleAdmin, RoleSystem); err != nil {
			return nil, handleError(err)
		}
		report, err := svc.Sweep(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{
			Projects:    report.Projects,
			Transitions: nonNilSlice(report.Transitions),
			Failures:    report.Failures,
			Skipped:     report.Skipped,
		}}, nil
	})
}
