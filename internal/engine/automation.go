package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kfrrst/website-sub010/internal/config"
	"github.com/kfrrst/website-sub010/internal/domain"
	"github.com/kfrrst/website-sub010/internal/events"
	"github.com/kfrrst/website-sub010/internal/metrics"
	"github.com/kfrrst/website-sub010/internal/repo"
)

// AutomationResult describes one rule firing. Err is set when the transition
// failed; the failure is already recorded in the execution log.
type AutomationResult struct {
	Rule       domain.AutomationRule
	Log        domain.ExecutionLog
	Transition *domain.Transition
	State      domain.PhaseState
	Err        error
}

func (r *AutomationResult) Succeeded() bool {
	return r != nil && r.Err == nil && r.Transition != nil
}

// Evaluate runs automation for a project under its lock. It returns nil when
// no active rule is satisfied.
func (e Engine) Evaluate(ctx context.Context, projectID string) (*AutomationResult, error) {
	release, err := e.lockProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.evaluateLocked(ctx, projectID)
}

// conditionInputs caches the facts conditions are checked against so each is
// read at most once per evaluation.
type conditionInputs struct {
	state       domain.PhaseState
	now         time.Time
	satisfied   *bool
	paymentAt   *time.Time
	paymentRead bool
}

func (in *conditionInputs) snapshot() map[string]any {
	m := map[string]any{
		"current_phase_key":   in.state.CurrentPhaseKey,
		"current_phase_index": in.state.CurrentPhaseIndex,
		"next_phase_key":      in.state.NextPhaseKey(),
		"phase_started_at":    in.state.PhaseStartedAt.Format(time.RFC3339Nano),
		"evaluated_at":        in.now.Format(time.RFC3339Nano),
	}
	if in.satisfied != nil {
		m["phase_satisfied"] = *in.satisfied
	}
	if in.paymentAt != nil {
		m["latest_payment_at"] = in.paymentAt.Format(time.RFC3339Nano)
	}
	return m
}

// evaluateLocked expects the caller to hold the project lock. The winning
// rule's transition and its log row commit together; a failed attempt is
// rolled back and logged in a separate transaction.
func (e Engine) evaluateLocked(ctx context.Context, projectID string) (*AutomationResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	st, err := e.Repo.GetPhaseState(ctx, tx, projectID, true)
	if err != nil {
		return nil, stateErr(projectID, err)
	}
	next := st.NextPhaseKey()
	if st.IsCompleted || next == "" {
		return nil, nil
	}
	rules, err := e.Repo.ListRules(ctx, tx, repo.RuleFilters{FromPhaseKey: st.CurrentPhaseKey, ActiveOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	in := &conditionInputs{state: st, now: e.now()}
	var matched []domain.AutomationRule
	for _, rule := range rules {
		if rule.ToPhaseKey != next {
			continue
		}
		ok, err := e.conditionMet(ctx, tx, rule.Condition, in)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", rule.ID, err)
		}
		if ok {
			matched = append(matched, rule)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	rule := matched[0]
	input := in.snapshot()
	input["condition_type"] = string(rule.Condition.Type())
	entry := domain.ExecutionLog{
		RuleID:       rule.ID,
		ProjectID:    projectID,
		FromPhaseKey: st.CurrentPhaseKey,
		ToPhaseKey:   rule.ToPhaseKey,
		Input:        input,
		CreatedAt:    in.now,
	}
	if len(matched) > 1 {
		ids := make([]int64, 0, len(matched))
		for _, m := range matched {
			ids = append(ids, m.ID)
		}
		entry.Metadata = map[string]any{
			"warning":          "multiple rules satisfied; applied the earliest",
			"matched_rule_ids": ids,
		}
		e.logger().Warn("ambiguous automation rules", "project_id", projectID, "phase", st.CurrentPhaseKey, "rule_ids", ids)
	}

	reason := rule.Description
	if reason == "" {
		reason = fmt.Sprintf("automation rule %d (%s)", rule.ID, rule.Condition.Type())
	}
	res := &AutomationResult{Rule: rule}
	newState, tr, err := e.advanceTx(ctx, tx, st, domain.SystemActor, reason, true)
	if err == nil {
		entry.Outcome = domain.OutcomeCompleted
		entry.ID, err = e.Repo.InsertExecutionLog(ctx, tx, entry)
	}
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		tx.Rollback()
		entry.ID = 0
		entry.Outcome = domain.OutcomeFailed
		entry.ErrorDetail = err.Error()
		if logErr := e.recordFailure(ctx, entry); logErr != nil {
			e.logger().Error("record automation failure", "project_id", projectID, "rule_id", rule.ID, "error", logErr)
		}
		e.logger().Error("automation transition failed", "project_id", projectID, "rule_id", rule.ID, "from", entry.FromPhaseKey, "to", entry.ToPhaseKey, "error", err)
		e.Metrics.Automation(string(rule.Condition.Type()), string(domain.OutcomeFailed))
		res.Log = entry
		res.Err = err
		res.State = st
		return res, nil
	}
	e.Metrics.Automation(string(rule.Condition.Type()), string(domain.OutcomeCompleted))
	e.Metrics.Transition(metrics.KindAutomated, tr.ToPhaseKey)
	res.Log = entry
	res.Transition = &tr
	res.State = newState
	return res, nil
}

func (e Engine) recordFailure(ctx context.Context, entry domain.ExecutionLog) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.InsertExecutionLog(ctx, tx, entry); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.TypeAutomationFailed, entry.ProjectID, "automation_rule", fmt.Sprint(entry.RuleID), domain.SystemActor, events.EventPayload{
		"from_phase_key": entry.FromPhaseKey,
		"to_phase_key":   entry.ToPhaseKey,
		"error":          entry.ErrorDetail,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) conditionMet(ctx context.Context, tx *sql.Tx, cond domain.Condition, in *conditionInputs) (bool, error) {
	switch c := cond.(type) {
	case domain.AllActionsComplete:
		if in.satisfied == nil {
			ok, err := e.phaseSatisfiedTx(ctx, tx, in.state.ProjectID, in.state.CurrentPhaseKey)
			if err != nil {
				return false, err
			}
			in.satisfied = &ok
		}
		return *in.satisfied, nil
	case domain.PaymentReceived:
		if !in.paymentRead {
			at, err := e.Repo.LatestPaymentAt(ctx, tx, in.state.ProjectID)
			if err != nil {
				return false, err
			}
			in.paymentAt = at
			in.paymentRead = true
		}
		return in.paymentAt != nil && !in.paymentAt.Before(in.state.PhaseStartedAt), nil
	case domain.TimeElapsed:
		threshold := time.Duration(c.ThresholdDays) * 24 * time.Hour
		return in.now.Sub(in.state.PhaseStartedAt) >= threshold, nil
	case domain.ManualOnly:
		return false, nil
	default:
		return false, fmt.Errorf("unhandled condition %T", cond)
	}
}

// SeedRules inserts configured rules that are not yet stored, in config
// order so rule ids follow it. Existing rows keep their active flag.
func (e Engine) SeedRules(ctx context.Context, rules []config.RuleConfig) (int, error) {
	created := 0
	for i, rc := range rules {
		cond, err := domain.ParseCondition(rc.Condition, rc.ThresholdDays)
		if err != nil {
			return created, fmt.Errorf("rule %d: %w", i, err)
		}
		for _, key := range []string{rc.From, rc.To} {
			if _, err := e.Catalog.GetPhase(key); err != nil {
				return created, fmt.Errorf("rule %d phase %s: %w", i, key, ErrNotFound)
			}
		}
		ok, err := e.Repo.EnsureRule(ctx, domain.AutomationRule{
			FromPhaseKey: rc.From,
			ToPhaseKey:   rc.To,
			Condition:    cond,
			Description:  rc.Description,
			IsActive:     rc.IsActive(),
			CreatedAt:    e.now(),
		})
		if err != nil {
			return created, fmt.Errorf("seed rule %s->%s: %w", rc.From, rc.To, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (e Engine) ListRules(ctx context.Context, activeOnly bool) ([]domain.AutomationRule, error) {
	return e.Repo.ListRules(ctx, e.DB.Reader(), repo.RuleFilters{ActiveOnly: activeOnly})
}

// SetRuleActive toggles a rule and records who did it.
func (e Engine) SetRuleActive(ctx context.Context, ruleID int64, active bool, actorID string) (domain.AutomationRule, error) {
	if err := e.Repo.SetRuleActive(ctx, ruleID, active); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.AutomationRule{}, fmt.Errorf("rule %d: %w", ruleID, ErrNotFound)
		}
		return domain.AutomationRule{}, err
	}
	if err := e.appendEvent(ctx, e.DB, events.TypeRuleUpdated, "", "automation_rule", fmt.Sprint(ruleID), actorID, events.EventPayload{
		"is_active": active,
	}); err != nil {
		return domain.AutomationRule{}, err
	}
	return e.Repo.GetRule(ctx, ruleID)
}

func (e Engine) AutomationLogs(ctx context.Context, projectID string) ([]domain.ExecutionLog, error) {
	if _, err := e.GetState(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListExecutionLogs(ctx, projectID)
}

// SweepReport summarizes one pass over open projects.
type SweepReport struct {
	Projects    int                 `json:"projects"`
	Transitions []domain.Transition `json:"transitions"`
	Failures    int                 `json:"failures"`
	Skipped     int                 `json:"skipped"`
}

// Sweep evaluates automation for every open project. It is how time_elapsed
// rules fire, and it catches up phases whose other conditions were met
// without a triggering event. Per-project errors are logged and counted.
func (e Engine) Sweep(ctx context.Context) (SweepReport, error) {
	ids, err := e.Repo.ListOpenProjectIDs(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	report := SweepReport{Projects: len(ids)}
	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res, err := e.Evaluate(ctx, id)
		if err != nil {
			report.Skipped++
			e.logger().Warn("sweep skipped project", "project_id", id, "error", err)
			continue
		}
		switch {
		case res == nil:
		case res.Succeeded():
			report.Transitions = append(report.Transitions, *res.Transition)
		default:
			report.Failures++
		}
	}
	return report, nil
}
