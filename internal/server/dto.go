package server

import (
	"time"

	"github.com/kfrrst/website-sub010/internal/domain"
)

type StartWorkflowRequest struct {
	ServiceCodes []string `json:"service_codes,omitempty" doc:"Service type codes; empty composes onboarding + wrap only"`
}

type SubmitRequirementRequest struct {
	Notes    string         `json:"notes,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" doc:"Opaque references such as form_id or document_id"`
}

type RecordPaymentRequest struct {
	PaymentID string `json:"payment_id" minLength:"1"`
}

type AdvanceRequest struct {
	Reason string `json:"reason,omitempty"`
}

type OverrideRequest struct {
	TargetPhaseKey string `json:"target_phase_key" minLength:"1"`
	Reason         string `json:"reason,omitempty"`
}

type ComposeRequest struct {
	ServiceCodes []string `json:"service_codes,omitempty"`
}

type ComposeResponse struct {
	PhaseKeys []string `json:"phase_keys"`
}

type SetRuleActiveRequest struct {
	Active bool `json:"active"`
}

type RuleResponse struct {
	ID            int64     `json:"id"`
	FromPhaseKey  string    `json:"from_phase_key"`
	ToPhaseKey    string    `json:"to_phase_key"`
	ConditionType string    `json:"condition_type" enum:"all_actions_complete,payment_received,time_elapsed,manual_only"`
	ThresholdDays int       `json:"threshold_days,omitempty"`
	Description   string    `json:"description,omitempty"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

func ruleResponse(r domain.AutomationRule) RuleResponse {
	out := RuleResponse{
		ID:           r.ID,
		FromPhaseKey: r.FromPhaseKey,
		ToPhaseKey:   r.ToPhaseKey,
		Description:  r.Description,
		IsActive:     r.IsActive,
		CreatedAt:    r.CreatedAt,
	}
	if r.Condition != nil {
		out.ConditionType = string(r.Condition.Type())
		out.ThresholdDays = domain.ThresholdDaysOf(r.Condition)
	}
	return out
}

type SweepResponse struct {
	Projects    int                 `json:"projects"`
	Transitions []domain.Transition `json:"transitions"`
	Failures    int                 `json:"failures"`
	Skipped     int                 `json:"skipped"`
}

type PhaseList struct {
	Items []domain.Phase `json:"items"`
}

type ServiceList struct {
	Items []domain.ServiceType `json:"items"`
}

type RequirementList struct {
	Items []domain.Requirement `json:"items"`
}

type TransitionList struct {
	Items []domain.Transition `json:"items"`
}

type ExecutionLogList struct {
	Items []domain.ExecutionLog `json:"items"`
}

type RuleList struct {
	Items []RuleResponse `json:"items"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
