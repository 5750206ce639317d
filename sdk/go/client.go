package portalsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal workflow API client for forms, billing and admin tools.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID and Role set the dev-only legacy headers when no token is present.
	ActorID    string
	Role       string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// PhaseState is the tracking snapshot of a project.
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
}

type Requirement struct {
	PhaseKey       string `json:"phase_key"`
	RequirementKey string `json:"requirement_key"`
	Description    string `json:"description"`
	Type           string `json:"type"`
	IsMandatory    bool   `json:"is_mandatory"`
	SortOrder      int    `json:"sort_order"`
	Actor          string `json:"actor"`
}

type RequirementStatus struct {
	Requirement Requirement    `json:"requirement"`
	Completed   bool           `json:"completed"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CompletedBy string         `json:"completed_by,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type PhaseProgress struct {
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Category    string     `json:"category"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Progress struct {
	ProjectID         string              `json:"project_id"`
	CurrentPhaseKey   string              `json:"current_phase_key"`
	CurrentPhaseIndex int                 `json:"current_phase_index"`
	IsCompleted       bool                `json:"is_completed"`
	PercentComplete   int                 `json:"percent_complete"`
	Phases            []PhaseProgress     `json:"phases"`
	Requirements      []RequirementStatus `json:"requirements"`
}

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

type Completion struct {
	ID             string         `json:"id"`
	PhaseKey       string         `json:"phase_key"`
	RequirementKey string         `json:"requirement_key"`
	CompletedBy    string         `json:"completed_by,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type SubmitResult struct {
	Completion      Completion  `json:"completion"`
	State           PhaseState  `json:"state"`
	Transition      *Transition `json:"transition,omitempty"`
	AutomationError string      `json:"automation_error,omitempty"`
}

type PaymentResult struct {
	Duplicate       bool        `json:"duplicate"`
	State           PhaseState  `json:"state"`
	Transition      *Transition `json:"transition,omitempty"`
	AutomationError string      `json:"automation_error,omitempty"`
}

type Rule struct {
	ID            int64  `json:"id"`
	FromPhaseKey  string `json:"from_phase_key"`
	ToPhaseKey    string `json:"to_phase_key"`
	ConditionType string `json:"condition_type"`
	ThresholdDays int    `json:"threshold_days,omitempty"`
	Description   string `json:"description,omitempty"`
	IsActive      bool   `json:"is_active"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Retryable reports whether the server flagged the failure as transient.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// StartWorkflow begins phase tracking for a project.
func (c *Client) StartWorkflow(ctx context.Context, projectID string, serviceCodes []string) (PhaseState, error) {
	if serviceCodes == nil {
		serviceCodes = []string{}
	}
	var resp PhaseState
	err := c.do(ctx, http.MethodPost, c.workflowPath(projectID, ""), map[string]any{"service_codes": serviceCodes}, &resp)
	return resp, err
}

func (c *Client) Progress(ctx context.Context, projectID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.workflowPath(projectID, ""), nil, &resp)
	return resp, err
}

func (c *Client) PendingActions(ctx context.Context, projectID string) ([]Requirement, error) {
	var resp struct {
		Items []Requirement `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.workflowPath(projectID, "pending"), nil, &resp)
	return resp.Items, err
}

func (c *Client) History(ctx context.Context, projectID string) ([]Transition, error) {
	var resp struct {
		Items []Transition `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.workflowPath(projectID, "history"), nil, &resp)
	return resp.Items, err
}

// SubmitRequirement records a requirement completion; metadata carries
// references such as form_id or document_id.
func (c *Client) SubmitRequirement(ctx context.Context, projectID, requirementKey, notes string, metadata map[string]any) (SubmitResult, error) {
	body := map[string]any{}
	if notes != "" {
		body["notes"] = notes
	}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var resp SubmitResult
	endpoint := c.workflowPath(projectID, "requirements/"+url.PathEscape(requirementKey))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) RecordPayment(ctx context.Context, projectID, paymentID string) (PaymentResult, error) {
	var resp PaymentResult
	err := c.do(ctx, http.MethodPost, c.workflowPath(projectID, "payments"), map[string]any{"payment_id": paymentID}, &resp)
	return resp, err
}

func (c *Client) Advance(ctx context.Context, projectID, reason string) (PhaseState, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp PhaseState
	err := c.do(ctx, http.MethodPost, c.workflowPath(projectID, "advance"), body, &resp)
	return resp, err
}

func (c *Client) Override(ctx context.Context, projectID, targetPhaseKey, reason string) (PhaseState, error) {
	body := map[string]any{"target_phase_key": targetPhaseKey}
	if reason != "" {
		body["reason"] = reason
	}
	var resp PhaseState
	err := c.do(ctx, http.MethodPost, c.workflowPath(projectID, "override"), body, &resp)
	return resp, err
}

func (c *Client) Complete(ctx context.Context, projectID string) (PhaseState, error) {
	var resp PhaseState
	err := c.do(ctx, http.MethodPost, c.workflowPath(projectID, "complete"), nil, &resp)
	return resp, err
}

func (c *Client) Rules(ctx context.Context, activeOnly bool) ([]Rule, error) {
	endpoint := "v1/automation/rules"
	if activeOnly {
		endpoint += "?active_only=true"
	}
	var resp struct {
		Items []Rule `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) SetRuleActive(ctx context.Context, ruleID int64, active bool) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("v1/automation/rules/%d", ruleID), map[string]any{"active": active}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		if c.Role != "" {
			req.Header.Set("X-Actor-Role", c.Role)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workflowPath(projectID, p string) string {
	endpoint := fmt.Sprintf("v1/projects/%s/workflow", url.PathEscape(projectID))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
