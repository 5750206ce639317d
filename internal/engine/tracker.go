package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kfrrst/website-sub010/internal/domain"
	"github.com/kfrrst/website-sub010/internal/events"
	"github.com/kfrrst/website-sub010/internal/metrics"
	"github.com/kfrrst/website-sub010/internal/repo"
)

// CreateTracking freezes the project's phase list from its services and
// places it on the first phase.
func (e Engine) CreateTracking(ctx context.Context, projectID string, serviceCodes []string, initiatedBy string) (domain.PhaseState, domain.Transition, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("project id is required: %w", ErrInvalidArgument)
	}
	if initiatedBy == "" {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("actor id is required: %w", ErrInvalidArgument)
	}
	for _, code := range serviceCodes {
		if _, err := e.Catalog.GetService(code); err != nil {
			return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("service type %s: %w", code, ErrNotFound)
		}
	}
	phaseKeys, err := e.Catalog.ComposePhases(serviceCodes)
	if err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}

	release, err := e.lockProject(ctx, projectID)
	if err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetPhaseState(ctx, tx, projectID, false); err == nil {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("project %s: %w", projectID, ErrAlreadyTracked)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.PhaseState{}, domain.Transition{}, err
	}

	now := e.now()
	st := domain.PhaseState{
		ProjectID:         projectID,
		ServiceCodes:      append([]string{}, serviceCodes...),
		PhaseKeys:         phaseKeys,
		CurrentPhaseKey:   phaseKeys[0],
		CurrentPhaseIndex: 0,
		PhaseStartedAt:    now,
		PhaseCompletedAt:  map[string]time.Time{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.Repo.InsertPhaseState(ctx, tx, st); err != nil {
		tx.Rollback()
		// Another process without a shared lock may have won the race.
		if _, gerr := e.Repo.GetPhaseState(ctx, e.DB, projectID, false); gerr == nil {
			return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("project %s: %w", projectID, ErrAlreadyTracked)
		}
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("insert phase state: %w", err)
	}
	tr := domain.Transition{
		ProjectID:      projectID,
		ToPhaseKey:     st.CurrentPhaseKey,
		TransitionedBy: initiatedBy,
		Reason:         "tracking started",
		CreatedAt:      now,
	}
	if tr.ID, err = e.Repo.InsertTransition(ctx, tx, tr); err != nil {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("insert transition: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.TypeTrackingCreated, projectID, "project", projectID, initiatedBy, events.EventPayload{
		"service_codes": st.ServiceCodes,
		"phase_keys":    st.PhaseKeys,
		"to_phase_key":  st.CurrentPhaseKey,
	}); err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}
	e.Metrics.Transition(metrics.KindCreated, st.CurrentPhaseKey)
	return st, tr, nil
}

// GetState returns the last committed snapshot of a project's tracking state.
func (e Engine) GetState(ctx context.Context, projectID string) (domain.PhaseState, error) {
	st, err := e.Repo.GetPhaseState(ctx, e.DB.Reader(), projectID, false)
	if err != nil {
		return domain.PhaseState{}, stateErr(projectID, err)
	}
	return st, nil
}

// History returns a project's transitions oldest first.
func (e Engine) History(ctx context.Context, projectID string) ([]domain.Transition, error) {
	if _, err := e.GetState(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListTransitions(ctx, e.DB.Reader(), projectID)
}

type RequirementCompletionOptions struct {
	ProjectID      string
	RequirementKey string
	ActorID        string
	Notes          string
	Metadata       map[string]any
}

type RequirementResult struct {
	Completion domain.RequirementCompletion
	State      domain.PhaseState
	Automation *AutomationResult
}

// RecordRequirementCompletion marks a requirement done for a project and then
// re-evaluates automation under the same lock. Automation failures are
// reported in the result, never as the returned error.
func (e Engine) RecordRequirementCompletion(ctx context.Context, opts RequirementCompletionOptions) (RequirementResult, error) {
	if strings.TrimSpace(opts.RequirementKey) == "" {
		return RequirementResult{}, fmt.Errorf("requirement key is required: %w", ErrInvalidArgument)
	}
	if opts.ActorID == "" {
		return RequirementResult{}, fmt.Errorf("actor id is required: %w", ErrInvalidArgument)
	}
	release, err := e.lockProject(ctx, opts.ProjectID)
	if err != nil {
		return RequirementResult{}, err
	}
	defer release()

	completion, err := e.recordCompletionTx(ctx, opts)
	if err != nil {
		return RequirementResult{}, err
	}
	e.Metrics.RequirementCompleted(completion.PhaseKey)

	auto, err := e.evaluateLocked(ctx, opts.ProjectID)
	if err != nil {
		e.logger().Error("automation evaluation", "project_id", opts.ProjectID, "error", err)
	}
	st, err := e.GetState(ctx, opts.ProjectID)
	if err != nil {
		return RequirementResult{}, err
	}
	return RequirementResult{Completion: completion, State: st, Automation: auto}, nil
}

func (e Engine) recordCompletionTx(ctx context.Context, opts RequirementCompletionOptions) (domain.RequirementCompletion, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RequirementCompletion{}, err
	}
	defer tx.Rollback()

	st, err := e.Repo.GetPhaseState(ctx, tx, opts.ProjectID, true)
	if err != nil {
		return domain.RequirementCompletion{}, stateErr(opts.ProjectID, err)
	}
	req, err := e.Catalog.FindRequirement(st.PhaseKeys, st.CurrentPhaseKey, opts.RequirementKey)
	if err != nil {
		return domain.RequirementCompletion{}, fmt.Errorf("requirement %s is not part of project %s: %w", opts.RequirementKey, opts.ProjectID, ErrUnknownRequirement)
	}
	now := e.now()
	c := domain.RequirementCompletion{
		ID:             uuid.NewString(),
		ProjectID:      opts.ProjectID,
		PhaseKey:       req.PhaseKey,
		RequirementKey: req.RequirementKey,
		Completed:      true,
		CompletedAt:    &now,
		CompletedBy:    opts.ActorID,
		Notes:          opts.Notes,
		Metadata:       opts.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.UpsertRequirementCompletion(ctx, tx, c); err != nil {
		return domain.RequirementCompletion{}, fmt.Errorf("upsert requirement completion: %w", err)
	}
	if err := e.Repo.TouchPhaseState(ctx, tx, opts.ProjectID, now); err != nil {
		return domain.RequirementCompletion{}, err
	}
	stored, err := e.Repo.GetRequirementCompletion(ctx, tx, opts.ProjectID, req.PhaseKey, req.RequirementKey)
	if err != nil {
		return domain.RequirementCompletion{}, err
	}
	if err := e.appendEvent(ctx, tx, events.TypeRequirementCompleted, opts.ProjectID, "requirement", req.PhaseKey+"."+req.RequirementKey, opts.ActorID, events.EventPayload{
		"phase_key":       req.PhaseKey,
		"requirement_key": req.RequirementKey,
		"type":            string(req.Type),
		"metadata":        opts.Metadata,
	}); err != nil {
		return domain.RequirementCompletion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RequirementCompletion{}, err
	}
	return stored, nil
}

// AdvancePhase moves a project to its next phase. Requirement satisfaction is
// the caller's decision; only structural rules are enforced here.
func (e Engine) AdvancePhase(ctx context.Context, projectID, actorID, reason string) (domain.PhaseState, domain.Transition, error) {
	if actorID == "" {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("actor id is required: %w", ErrInvalidArgument)
	}
	release, err := e.lockProject(ctx, projectID)
	if err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}
	defer tx.Rollback()

	st, err := e.Repo.GetPhaseState(ctx, tx, projectID, true)
	if err != nil {
		return domain.PhaseState{}, domain.Transition{}, stateErr(projectID, err)
	}
	next, tr, err := e.advanceTx(ctx, tx, st, actorID, reason, false)
	if err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}
	e.Metrics.Transition(metrics.KindManual, tr.ToPhaseKey)
	return next, tr, nil
}

// advanceTx performs steps shared by manual and automated advancement inside tx.
func (e Engine) advanceTx(ctx context.Context, tx *sql.Tx, st domain.PhaseState, actorID, reason string, automated bool) (domain.PhaseState, domain.Transition, error) {
	if st.IsLastPhase() {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("project %s at %s: %w", st.ProjectID, st.CurrentPhaseKey, ErrTerminalPhase)
	}
	now := e.now()
	from := st.CurrentPhaseKey
	prevIndex := st.CurrentPhaseIndex

	next := st
	next.PhaseCompletedAt = copyTimes(st.PhaseCompletedAt)
	next.PhaseCompletedAt[from] = now
	next.CurrentPhaseIndex = prevIndex + 1
	next.CurrentPhaseKey = st.PhaseKeys[next.CurrentPhaseIndex]
	next.PhaseStartedAt = now
	next.UpdatedAt = now

	if err := e.Repo.SetPhaseCompleted(ctx, tx, st.ProjectID, from, now); err != nil {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("record phase completion: %w", err)
	}
	if err := e.Repo.UpdatePhasePosition(ctx, tx, next, prevIndex, st.IsCompleted); err != nil {
		return domain.PhaseState{}, domain.Transition{}, stateErr(st.ProjectID, err)
	}
	tr := domain.Transition{
		ProjectID:      st.ProjectID,
		FromPhaseKey:   &from,
		ToPhaseKey:     next.CurrentPhaseKey,
		TransitionedBy: actorID,
		Reason:         reason,
		IsAutomated:    automated,
		CreatedAt:      now,
	}
	var err error
	if tr.ID, err = e.Repo.InsertTransition(ctx, tx, tr); err != nil {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("insert transition: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.TypePhaseAdvanced, st.ProjectID, "project", st.ProjectID, actorID, events.EventPayload{
		"from_phase_key": from,
		"to_phase_key":   next.CurrentPhaseKey,
		"reason":         reason,
		"automated":      automated,
	}); err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}
	return next, tr, nil
}

type OverrideOptions struct {
	ProjectID      string
	TargetPhaseKey string
	ActorID        string
	Reason         string
}

// OverrideToPhase jumps a project to any phase of its composition, forward or
// backward. Phases at or after the target lose their completion stamps, and a
// completed project is reopened.
func (e Engine) OverrideToPhase(ctx context.Context, opts OverrideOptions) (domain.PhaseState, domain.Transition, error) {
	reason := strings.TrimSpace(opts.Reason)
	if reason == "" {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("override requires a reason: %w", ErrInvalidArgument)
	}
	if opts.ActorID == "" {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("actor id is required: %w", ErrInvalidArgument)
	}
	if _, err := e.Catalog.GetPhase(opts.TargetPhaseKey); err != nil {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("phase %s: %w", opts.TargetPhaseKey, ErrNotFound)
	}
	release, err := e.lockProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}
	defer tx.Rollback()

	st, err := e.Repo.GetPhaseState(ctx, tx, opts.ProjectID, true)
	if err != nil {
		return domain.PhaseState{}, domain.Transition{}, stateErr(opts.ProjectID, err)
	}
	target := st.IndexOf(opts.TargetPhaseKey)
	if target < 0 {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("phase %s is not in project %s's workflow: %w", opts.TargetPhaseKey, opts.ProjectID, ErrInvalidArgument)
	}
	if target == st.CurrentPhaseIndex && !st.IsCompleted {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("project %s is already at %s: %w", opts.ProjectID, opts.TargetPhaseKey, ErrInvalidArgument)
	}

	now := e.now()
	from := st.CurrentPhaseKey
	next := st
	next.PhaseCompletedAt = copyTimes(st.PhaseCompletedAt)
	if target > st.CurrentPhaseIndex {
		next.PhaseCompletedAt[from] = now
		if err := e.Repo.SetPhaseCompleted(ctx, tx, st.ProjectID, from, now); err != nil {
			return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("record phase completion: %w", err)
		}
	}
	var reopened []string
	for i := target; i < len(st.PhaseKeys); i++ {
		if _, ok := next.PhaseCompletedAt[st.PhaseKeys[i]]; ok {
			reopened = append(reopened, st.PhaseKeys[i])
			delete(next.PhaseCompletedAt, st.PhaseKeys[i])
		}
	}
	if err := e.Repo.ClearPhaseCompletions(ctx, tx, st.ProjectID, reopened); err != nil {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("clear phase completions: %w", err)
	}
	next.CurrentPhaseIndex = target
	next.CurrentPhaseKey = st.PhaseKeys[target]
	next.PhaseStartedAt = now
	next.IsCompleted = false
	next.CompletedAt = nil
	next.UpdatedAt = now
	if err := e.Repo.UpdatePhasePosition(ctx, tx, next, st.CurrentPhaseIndex, st.IsCompleted); err != nil {
		return domain.PhaseState{}, domain.Transition{}, stateErr(st.ProjectID, err)
	}
	tr := domain.Transition{
		ProjectID:      st.ProjectID,
		FromPhaseKey:   &from,
		ToPhaseKey:     next.CurrentPhaseKey,
		TransitionedBy: opts.ActorID,
		Reason:         reason,
		IsOverride:     true,
		CreatedAt:      now,
	}
	if tr.ID, err = e.Repo.InsertTransition(ctx, tx, tr); err != nil {
		return domain.PhaseState{}, domain.Transition{}, fmt.Errorf("insert transition: %w", err)
	}
	if err := e.appendEvent(ctx, tx, events.TypePhaseOverridden, st.ProjectID, "project", st.ProjectID, opts.ActorID, events.EventPayload{
		"from_phase_key": from,
		"to_phase_key":   next.CurrentPhaseKey,
		"reason":         reason,
		"reopened":       st.IsCompleted,
	}); err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseState{}, domain.Transition{}, err
	}
	e.Metrics.Transition(metrics.KindOverride, tr.ToPhaseKey)
	return next, tr, nil
}

// CompleteProject closes a project sitting on its last phase once that
// phase's mandatory requirements are met.
func (e Engine) CompleteProject(ctx context.Context, projectID, actorID string) (domain.PhaseState, error) {
	if actorID == "" {
		return domain.PhaseState{}, fmt.Errorf("actor id is required: %w", ErrInvalidArgument)
	}
	release, err := e.lockProject(ctx, projectID)
	if err != nil {
		return domain.PhaseState{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseState{}, err
	}
	defer tx.Rollback()

	st, err := e.Repo.GetPhaseState(ctx, tx, projectID, true)
	if err != nil {
		return domain.PhaseState{}, stateErr(projectID, err)
	}
	if st.IsCompleted {
		return domain.PhaseState{}, fmt.Errorf("project %s already completed: %w", projectID, ErrInvalidArgument)
	}
	if !st.IsLastPhase() {
		return domain.PhaseState{}, fmt.Errorf("project %s is at %s, not its final phase: %w", projectID, st.CurrentPhaseKey, ErrPhaseNotSatisfied)
	}
	ok, err := e.phaseSatisfiedTx(ctx, tx, projectID, st.CurrentPhaseKey)
	if err != nil {
		return domain.PhaseState{}, err
	}
	if !ok {
		return domain.PhaseState{}, fmt.Errorf("project %s phase %s: %w", projectID, st.CurrentPhaseKey, ErrPhaseNotSatisfied)
	}
	now := e.now()
	done := st
	done.PhaseCompletedAt = copyTimes(st.PhaseCompletedAt)
	done.PhaseCompletedAt[st.CurrentPhaseKey] = now
	done.IsCompleted = true
	done.CompletedAt = &now
	done.UpdatedAt = now
	if err := e.Repo.SetPhaseCompleted(ctx, tx, projectID, st.CurrentPhaseKey, now); err != nil {
		return domain.PhaseState{}, err
	}
	if err := e.Repo.UpdatePhasePosition(ctx, tx, done, st.CurrentPhaseIndex, false); err != nil {
		return domain.PhaseState{}, stateErr(projectID, err)
	}
	if err := e.appendEvent(ctx, tx, events.TypeProjectCompleted, projectID, "project", projectID, actorID, events.EventPayload{
		"phase_key": st.CurrentPhaseKey,
	}); err != nil {
		return domain.PhaseState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseState{}, err
	}
	e.Metrics.Transition(metrics.KindCompleted, st.CurrentPhaseKey)
	return done, nil
}

type PaymentResult struct {
	Signal     domain.PaymentSignal
	Duplicate  bool
	State      domain.PhaseState
	Automation *AutomationResult
}

// RecordPayment stores a payment confirmation for the payment_received
// condition and re-evaluates automation. Repeating a payment id is a no-op
// apart from the evaluation.
func (e Engine) RecordPayment(ctx context.Context, projectID, paymentID, actorID string) (PaymentResult, error) {
	if strings.TrimSpace(paymentID) == "" {
		return PaymentResult{}, fmt.Errorf("payment id is required: %w", ErrInvalidArgument)
	}
	if actorID == "" {
		return PaymentResult{}, fmt.Errorf("actor id is required: %w", ErrInvalidArgument)
	}
	release, err := e.lockProject(ctx, projectID)
	if err != nil {
		return PaymentResult{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PaymentResult{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetPhaseState(ctx, tx, projectID, true); err != nil {
		return PaymentResult{}, stateErr(projectID, err)
	}
	signal := domain.PaymentSignal{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		PaymentID:  paymentID,
		RecordedBy: actorID,
		ReceivedAt: e.now(),
	}
	inserted, err := e.Repo.InsertPaymentSignal(ctx, tx, signal)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("insert payment signal: %w", err)
	}
	if inserted {
		if err := e.appendEvent(ctx, tx, events.TypePaymentRecorded, projectID, "payment", paymentID, actorID, events.EventPayload{
			"payment_id": paymentID,
		}); err != nil {
			return PaymentResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return PaymentResult{}, err
	}

	auto, err := e.evaluateLocked(ctx, projectID)
	if err != nil {
		e.logger().Error("automation evaluation", "project_id", projectID, "error", err)
	}
	st, err := e.GetState(ctx, projectID)
	if err != nil {
		return PaymentResult{}, err
	}
	return PaymentResult{Signal: signal, Duplicate: !inserted, State: st, Automation: auto}, nil
}

func copyTimes(m map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
