// Package workflow is the surface external collaborators use: forms, billing,
// admin tools and the client portal. It wraps the engine, classifies its
// errors, retries lock contention once and announces transitions.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kfrrst/website-sub010/internal/domain"
	"github.com/kfrrst/website-sub010/internal/engine"
	"github.com/kfrrst/website-sub010/internal/notify"
)

const defaultRetryBackoff = 50 * time.Millisecond

type Service struct {
	Engine       engine.Engine
	Publisher    notify.Publisher
	Logger       *slog.Logger
	RetryBackoff time.Duration
}

func New(eng engine.Engine, pub notify.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Engine: eng, Publisher: pub, Logger: logger, RetryBackoff: defaultRetryBackoff}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// retry runs fn, and once more after a short pause if it lost a lock race.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if !errors.Is(err, engine.ErrConcurrentModification) {
		return wrap(op, err)
	}
	s.logger().Info("retrying after concurrent modification", "op", op, "error", err)
	backoff := s.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return wrap(op, err)
	case <-timer.C:
	}
	return wrap(op, fn())
}

func (s *Service) publish(ctx context.Context, transitions ...domain.Transition) {
	if s.Publisher == nil {
		return
	}
	for _, tr := range transitions {
		if err := s.Publisher.Publish(ctx, tr); err != nil {
			s.logger().Warn("publish transition", "project_id", tr.ProjectID, "to", tr.ToPhaseKey, "error", err)
		}
	}
}

type StartRequest struct {
	ProjectID    string
	ServiceCodes []string
	ActorID      string
}

// StartProject creates tracking for a project. AlreadyTracked is returned as
// an error; callers wanting idempotent starts can treat that kind as success.
func (s *Service) StartProject(ctx context.Context, req StartRequest) (domain.PhaseState, error) {
	var (
		st domain.PhaseState
		tr domain.Transition
	)
	err := s.retry(ctx, "start project", func() error {
		var err error
		st, tr, err = s.Engine.CreateTracking(ctx, req.ProjectID, req.ServiceCodes, req.ActorID)
		return err
	})
	if err != nil {
		return domain.PhaseState{}, err
	}
	s.publish(ctx, tr)
	return st, nil
}

type SubmitRequest struct {
	ProjectID      string
	RequirementKey string
	ActorID        string
	Notes          string
	Metadata       map[string]any
}

// SubmitResult carries the stored completion and, when automation fired, the
// transition or the failure it logged.
type SubmitResult struct {
	Completion      domain.RequirementCompletion `json:"completion"`
	State           domain.PhaseState            `json:"state"`
	Transition      *domain.Transition           `json:"transition,omitempty"`
	AutomationError string                       `json:"automation_error,omitempty"`
}

func (s *Service) SubmitRequirement(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	var res engine.RequirementResult
	err := s.retry(ctx, "submit requirement", func() error {
		var err error
		res, err = s.Engine.RecordRequirementCompletion(ctx, engine.RequirementCompletionOptions{
			ProjectID:      req.ProjectID,
			RequirementKey: req.RequirementKey,
			ActorID:        req.ActorID,
			Notes:          req.Notes,
			Metadata:       req.Metadata,
		})
		return err
	})
	if err != nil {
		if KindOf(err) == KindUnknownRequirement {
			s.logger().Warn("unknown requirement submitted", "project_id", req.ProjectID, "requirement_key", req.RequirementKey, "actor_id", req.ActorID)
		}
		return SubmitResult{}, err
	}
	out := SubmitResult{Completion: res.Completion, State: res.State}
	s.applyAutomation(ctx, res.Automation, &out.Transition, &out.AutomationError)
	return out, nil
}

func (s *Service) applyAutomation(ctx context.Context, auto *engine.AutomationResult, tr **domain.Transition, errText *string) {
	switch {
	case auto == nil:
	case auto.Succeeded():
		*tr = auto.Transition
		s.publish(ctx, *auto.Transition)
	case auto.Err != nil:
		failure := &Error{Kind: KindAutomationEvaluationFailure, Op: "automation", Err: auto.Err}
		*errText = failure.Error()
	}
}

type PaymentResult struct {
	Signal          domain.PaymentSignal `json:"signal"`
	Duplicate       bool                 `json:"duplicate"`
	State           domain.PhaseState    `json:"state"`
	Transition      *domain.Transition   `json:"transition,omitempty"`
	AutomationError string               `json:"automation_error,omitempty"`
}

// RecordPayment feeds a billing confirmation to the payment_received condition.
func (s *Service) RecordPayment(ctx context.Context, projectID, paymentID, actorID string) (PaymentResult, error) {
	var res engine.PaymentResult
	err := s.retry(ctx, "record payment", func() error {
		var err error
		res, err = s.Engine.RecordPayment(ctx, projectID, paymentID, actorID)
		return err
	})
	if err != nil {
		return PaymentResult{}, err
	}
	out := PaymentResult{Signal: res.Signal, Duplicate: res.Duplicate, State: res.State}
	s.applyAutomation(ctx, res.Automation, &out.Transition, &out.AutomationError)
	return out, nil
}

// Advance moves a project to its next phase on behalf of an admin.
func (s *Service) Advance(ctx context.Context, projectID, actorID, reason string) (domain.PhaseState, error) {
	var (
		st domain.PhaseState
		tr domain.Transition
	)
	err := s.retry(ctx, "advance", func() error {
		var err error
		st, tr, err = s.Engine.AdvancePhase(ctx, projectID, actorID, reason)
		return err
	})
	if err != nil {
		return domain.PhaseState{}, err
	}
	s.publish(ctx, tr)
	return st, nil
}

type OverrideRequest struct {
	ProjectID      string
	TargetPhaseKey string
	ActorID        string
	Reason         string
}

func (s *Service) Override(ctx context.Context, req OverrideRequest) (domain.PhaseState, error) {
	var (
		st domain.PhaseState
		tr domain.Transition
	)
	err := s.retry(ctx, "override", func() error {
		var err error
		st, tr, err = s.Engine.OverrideToPhase(ctx, engine.OverrideOptions{
			ProjectID:      req.ProjectID,
			TargetPhaseKey: req.TargetPhaseKey,
			ActorID:        req.ActorID,
			Reason:         req.Reason,
		})
		return err
	})
	if err != nil {
		return domain.PhaseState{}, err
	}
	s.publish(ctx, tr)
	return st, nil
}

func (s *Service) Complete(ctx context.Context, projectID, actorID string) (domain.PhaseState, error) {
	var st domain.PhaseState
	err := s.retry(ctx, "complete project", func() error {
		var err error
		st, err = s.Engine.CompleteProject(ctx, projectID, actorID)
		return err
	})
	return st, err
}

func (s *Service) GetState(ctx context.Context, projectID string) (domain.PhaseState, error) {
	st, err := s.Engine.GetState(ctx, projectID)
	return st, wrap("get state", err)
}

func (s *Service) ListPendingActions(ctx context.Context, projectID string) ([]domain.Requirement, error) {
	reqs, err := s.Engine.PendingActions(ctx, projectID)
	return reqs, wrap("list pending actions", err)
}

func (s *Service) History(ctx context.Context, projectID string) ([]domain.Transition, error) {
	hist, err := s.Engine.History(ctx, projectID)
	return hist, wrap("history", err)
}

func (s *Service) AutomationLogs(ctx context.Context, projectID string) ([]domain.ExecutionLog, error) {
	logs, err := s.Engine.AutomationLogs(ctx, projectID)
	return logs, wrap("automation logs", err)
}

func (s *Service) ListRules(ctx context.Context, activeOnly bool) ([]domain.AutomationRule, error) {
	rules, err := s.Engine.ListRules(ctx, activeOnly)
	return rules, wrap("list rules", err)
}

func (s *Service) SetRuleActive(ctx context.Context, ruleID int64, active bool, actorID string) (domain.AutomationRule, error) {
	rule, err := s.Engine.SetRuleActive(ctx, ruleID, active, actorID)
	return rule, wrap("set rule active", err)
}

// Sweep evaluates every open project once and publishes resulting transitions.
func (s *Service) Sweep(ctx context.Context) (engine.SweepReport, error) {
	report, err := s.Engine.Sweep(ctx)
	s.publish(ctx, report.Transitions...)
	return report, wrap("sweep", err)
}

// RunSweeper sweeps on every tick until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger().Error("automation sweep", "error", err)
				continue
			}
			s.logger().Info("automation sweep", "projects", report.Projects, "transitions", len(report.Transitions), "failures", report.Failures, "skipped", report.Skipped)
		}
	}
}
