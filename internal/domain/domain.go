package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// PhaseCategory marks the structural role a phase plays in a composition.
type PhaseCategory string

const (
	CategoryOnboarding PhaseCategory = "onboarding"
	CategoryStandard   PhaseCategory = "standard"
	CategoryWrap       PhaseCategory = "wrap"
)

type Phase struct {
	Key                  string        `json:"key"`
	Name                 string        `json:"name"`
	Description          string        `json:"description,omitempty"`
	Category             PhaseCategory `json:"category" enum:"onboarding,standard,wrap"`
	RequiresClientAction bool          `json:"requires_client_action"`
	Services             []string      `json:"services,omitempty"`
}

type ServiceType struct {
	Code             string   `json:"code"`
	Name             string   `json:"name"`
	DefaultPhaseKeys []string `json:"default_phase_keys"`
}

type RequirementType string

const (
	RequirementForm      RequirementType = "form"
	RequirementSignature RequirementType = "signature"
	RequirementPayment   RequirementType = "payment"
	RequirementReview    RequirementType = "review"
	RequirementManual    RequirementType = "manual"
)

func (t RequirementType) Valid() bool {
	switch t {
	case RequirementForm, RequirementSignature, RequirementPayment, RequirementReview, RequirementManual:
		return true
	}
	return false
}

// Actor names who is expected to complete a requirement.
type Actor string

const (
	ActorClient Actor = "client"
	ActorAdmin  Actor = "admin"
)

type Requirement struct {
	PhaseKey       string          `json:"phase_key"`
	RequirementKey string          `json:"requirement_key"`
	Description    string          `json:"description"`
	Type           RequirementType `json:"type" enum:"form,signature,payment,review,manual"`
	IsMandatory    bool            `json:"is_mandatory"`
	SortOrder      int             `json:"sort_order"`
	Actor          Actor           `json:"actor" enum:"client,admin"`
}

// PhaseState is the per-project tracking snapshot. PhaseKeys is frozen at creation.
type PhaseState struct {
	ProjectID         string               `json:"project_id"`
	ServiceCodes      []string             `json:"service_codes"`
	PhaseKeys         []string             `json:"phase_keys"`
	CurrentPhaseKey   string               `json:"current_phase_key"`
	CurrentPhaseIndex int                  `json:"current_phase_index"`
	PhaseStartedAt    time.Time            `json:"phase_started_at"`
	PhaseCompletedAt  map[string]time.Time `json:"phase_completed_at"`
	IsCompleted       bool                 `json:"is_completed"`
	CompletedAt       *time.Time           `json:"completed_at,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// IsLastPhase reports whether the project sits on its final phase.
func (s PhaseState) IsLastPhase() bool {
	return s.CurrentPhaseIndex == len(s.PhaseKeys)-1
}

// NextPhaseKey returns the phase after the current one, or "" at the end.
func (s PhaseState) NextPhaseKey() string {
	if s.CurrentPhaseIndex+1 >= len(s.PhaseKeys) {
		return ""
	}
	return s.PhaseKeys[s.CurrentPhaseIndex+1]
}

// IndexOf returns the position of key in the frozen phase list, or -1.
func (s PhaseState) IndexOf(key string) int {
	for i, k := range s.PhaseKeys {
		if k == key {
			return i
		}
	}
	return -1
}

type RequirementCompletion struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	PhaseKey       string         `json:"phase_key"`
	RequirementKey string         `json:"requirement_key"`
	Completed      bool           `json:"completed"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CompletedBy    string         `json:"completed_by,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Transition is one row of the append-only phase history.
type Transition struct {
	ID             int64     `json:"id"`
	ProjectID      string    `json:"project_id"`
	FromPhaseKey   *string   `json:"from_phase_key,omitempty"`
	ToPhaseKey     string    `json:"to_phase_key"`
	TransitionedBy string    `json:"transitioned_by"`
	Reason         string    `json:"reason,omitempty"`
	IsOverride     bool      `json:"is_override"`
	IsAutomated    bool      `json:"is_automated"`
	CreatedAt      time.Time `json:"created_at"`
}

// SystemActor is recorded as transitionedBy for automated transitions.
const SystemActor = "system"

type ConditionType string

const (
	ConditionAllActionsComplete ConditionType = "all_actions_complete"
	ConditionPaymentReceived    ConditionType = "payment_received"
	ConditionTimeElapsed        ConditionType = "time_elapsed"
	ConditionManualOnly         ConditionType = "manual_only"
)

// Condition is the closed set of automation conditions. Switch on the concrete type.
type Condition interface {
	Type() ConditionType
	condition()
}

type AllActionsComplete struct{}

type PaymentReceived struct{}

type TimeElapsed struct {
	ThresholdDays int
}

type ManualOnly struct{}

func (AllActionsComplete) Type() ConditionType { return ConditionAllActionsComplete }
func (PaymentReceived) Type() ConditionType    { return ConditionPaymentReceived }
func (TimeElapsed) Type() ConditionType        { return ConditionTimeElapsed }
func (ManualOnly) Type() ConditionType         { return ConditionManualOnly }

func (AllActionsComplete) condition() {}
func (PaymentReceived) condition()    {}
func (TimeElapsed) condition()        {}
func (ManualOnly) condition()         {}

// ParseCondition builds a Condition from its stored columns.
func ParseCondition(typ string, thresholdDays int) (Condition, error) {
	switch ConditionType(typ) {
	case ConditionAllActionsComplete:
		return AllActionsComplete{}, nil
	case ConditionPaymentReceived:
		return PaymentReceived{}, nil
	case ConditionTimeElapsed:
		if thresholdDays <= 0 {
			return nil, fmt.Errorf("time_elapsed requires threshold_days > 0")
		}
		return TimeElapsed{ThresholdDays: thresholdDays}, nil
	case ConditionManualOnly:
		return ManualOnly{}, nil
	}
	return nil, fmt.Errorf("unknown condition type %q", typ)
}

// ThresholdDaysOf returns the threshold column value for c.
func ThresholdDaysOf(c Condition) int {
	if te, ok := c.(TimeElapsed); ok {
		return te.ThresholdDays
	}
	return 0
}

type AutomationRule struct {
	ID           int64     `json:"id"`
	FromPhaseKey string    `json:"from_phase_key"`
	ToPhaseKey   string    `json:"to_phase_key"`
	Condition    Condition `json:"-"`
	Description  string    `json:"description,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r AutomationRule) MarshalJSON() ([]byte, error) {
	type plain AutomationRule
	out := struct {
		plain
		ConditionType ConditionType `json:"condition_type"`
		ThresholdDays int           `json:"threshold_days,omitempty"`
	}{plain: plain(r)}
	if r.Condition != nil {
		out.ConditionType = r.Condition.Type()
		out.ThresholdDays = ThresholdDaysOf(r.Condition)
	}
	return json.Marshal(out)
}

type ExecutionOutcome string

const (
	OutcomeCompleted ExecutionOutcome = "completed"
	OutcomeFailed    ExecutionOutcome = "failed"
)

type ExecutionLog struct {
	ID           int64            `json:"id"`
	RuleID       int64            `json:"rule_id"`
	ProjectID    string           `json:"project_id"`
	FromPhaseKey string           `json:"from_phase_key"`
	ToPhaseKey   string           `json:"to_phase_key"`
	Outcome      ExecutionOutcome `json:"outcome" enum:"completed,failed"`
	Input        map[string]any   `json:"input,omitempty"`
	ErrorDetail  string           `json:"error_detail,omitempty"`
	Metadata     map[string]any   `json:"metadata,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

type PaymentSignal struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	PaymentID  string    `json:"payment_id"`
	RecordedBy string    `json:"recorded_by"`
	ReceivedAt time.Time `json:"received_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
