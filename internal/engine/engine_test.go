package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfrrst/website-sub010/internal/catalog"
	"github.com/kfrrst/website-sub010/internal/config"
	"github.com/kfrrst/website-sub010/internal/db"
	"github.com/kfrrst/website-sub010/internal/domain"
	"github.com/kfrrst/website-sub010/internal/engine"
	"github.com/kfrrst/website-sub010/internal/migrate"
)

var baseTime = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Conn   *db.DB
	Ctx    context.Context

	mu  sync.Mutex
	now time.Time
}

func (env *testEnv) setNow(t time.Time) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.now = t
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cat, err := catalog.New(cfg)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	env := &testEnv{Conn: conn, Ctx: ctx, now: baseTime}
	eng := engine.New(conn, cat)
	eng.Now = func() time.Time {
		env.mu.Lock()
		defer env.mu.Unlock()
		return env.now
	}
	if _, err := eng.SeedRules(ctx, cfg.Automation.Rules); err != nil {
		t.Fatalf("seed rules: %v", err)
	}
	env.Engine = eng
	return env
}

func (env *testEnv) track(t *testing.T, projectID string, services ...string) domain.PhaseState {
	t.Helper()
	st, _, err := env.Engine.CreateTracking(env.Ctx, projectID, services, "admin-1")
	require.NoError(t, err)
	return st
}

func (env *testEnv) submit(t *testing.T, projectID, key string) engine.RequirementResult {
	t.Helper()
	res, err := env.Engine.RecordRequirementCompletion(env.Ctx, engine.RequirementCompletionOptions{
		ProjectID:      projectID,
		RequirementKey: key,
		ActorID:        "client-1",
	})
	require.NoError(t, err)
	return res
}

func TestCreateTracking(t *testing.T) {
	env := newTestEnv(t)
	st, tr, err := env.Engine.CreateTracking(env.Ctx, "p1", []string{"SP"}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ONB", "IDEA", "PREP", "PRINT", "LAUNCH"}, st.PhaseKeys)
	assert.Equal(t, "ONB", st.CurrentPhaseKey)
	assert.Equal(t, 0, st.CurrentPhaseIndex)
	assert.Nil(t, tr.FromPhaseKey)
	assert.Equal(t, "ONB", tr.ToPhaseKey)

	_, _, err = env.Engine.CreateTracking(env.Ctx, "p1", []string{"WEB"}, "admin-1")
	assert.True(t, errors.Is(err, engine.ErrAlreadyTracked))

	_, _, err = env.Engine.CreateTracking(env.Ctx, "p2", []string{"NOPE"}, "admin-1")
	assert.True(t, errors.Is(err, engine.ErrNotFound))

	_, _, err = env.Engine.CreateTracking(env.Ctx, " ", []string{"SP"}, "admin-1")
	assert.True(t, errors.Is(err, engine.ErrInvalidArgument))

	empty, _, err := env.Engine.CreateTracking(env.Ctx, "p3", nil, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ONB", "DLVR"}, empty.PhaseKeys)

	_, err = env.Engine.GetState(env.Ctx, "missing")
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestAutomationAdvancesWhenOnboardingComplete(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "p1", "SP")

	res := env.submit(t, "p1", "intake_form")
	assert.Nil(t, res.Automation)
	assert.Equal(t, "ONB", res.State.CurrentPhaseKey)

	res = env.submit(t, "p1", "service_agreement")
	require.NotNil(t, res.Automation)
	require.True(t, res.Automation.Succeeded())
	assert.Equal(t, "IDEA", res.State.CurrentPhaseKey)
	assert.Equal(t, 1, res.State.CurrentPhaseIndex)

	hist, err := env.Engine.History(env.Ctx, "p1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	last := hist[1]
	require.NotNil(t, last.FromPhaseKey)
	assert.Equal(t, "ONB", *last.FromPhaseKey)
	assert.Equal(t, "IDEA", last.ToPhaseKey)
	assert.Equal(t, domain.SystemActor, last.TransitionedBy)
	assert.True(t, last.IsAutomated)
	assert.False(t, last.IsOverride)
	assert.Equal(t, "Onboarding complete", last.Reason)

	logs, err := env.Engine.AutomationLogs(env.Ctx, "p1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.OutcomeCompleted, logs[0].Outcome)
	assert.Equal(t, "ONB", logs[0].FromPhaseKey)
	assert.Equal(t, true, logs[0].Input["phase_satisfied"])

	st, err := env.Engine.GetState(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Contains(t, st.PhaseCompletedAt, "ONB")
}

func TestAdvancePastLastPhaseIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "p1", "SP")
	for i := 0; i < 4; i++ {
		_, _, err := env.Engine.AdvancePhase(env.Ctx, "p1", "admin-1", "manual")
		require.NoError(t, err)
	}
	before, err := env.Engine.GetState(env.Ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "LAUNCH", before.CurrentPhaseKey)
	require.Equal(t, 4, before.CurrentPhaseIndex)

	_, _, err = env.Engine.AdvancePhase(env.Ctx, "p1", "admin-1", "one more")
	assert.True(t, errors.Is(err, engine.ErrTerminalPhase))

	after, err := env.Engine.GetState(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	hist, err := env.Engine.History(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, hist, 5)
}

func TestConcurrentCompletionsNoLostUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "p1", "SP")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, key := range []string{"intake_form", "service_agreement"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := env.Engine.RecordRequirementCompletion(env.Ctx, engine.RequirementCompletionOptions{
				ProjectID:      "p1",
				RequirementKey: key,
				ActorID:        "client-1",
			})
			errs <- err
		}(key)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st, err := env.Engine.GetState(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "IDEA", st.CurrentPhaseKey)

	hist, err := env.Engine.History(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
	logs, err := env.Engine.AutomationLogs(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestOverrideBackwardIsFlagged(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "p1", "BRAND")
	for i := 0; i < 2; i++ {
		_, _, err := env.Engine.AdvancePhase(env.Ctx, "p1", "admin-1", "")
		require.NoError(t, err)
	}
	st, err := env.Engine.GetState(env.Ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "DSGN", st.CurrentPhaseKey)

	st, tr, err := env.Engine.OverrideToPhase(env.Ctx, engine.OverrideOptions{
		ProjectID:      "p1",
		TargetPhaseKey: "IDEA",
		ActorID:        "admin-1",
		Reason:         "client requested redo",
	})
	require.NoError(t, err)
	assert.True(t, tr.IsOverride)
	assert.Equal(t, "client requested redo", tr.Reason)
	assert.Equal(t, "IDEA", st.CurrentPhaseKey)

	got, err := env.Engine.GetState(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "IDEA", got.CurrentPhaseKey)
	assert.Equal(t, 1, got.CurrentPhaseIndex)
	assert.Contains(t, got.PhaseCompletedAt, "ONB")
	assert.NotContains(t, got.PhaseCompletedAt, "IDEA")

	hist, err := env.Engine.History(env.Ctx, "p1")
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.False(t, hist[2].IsOverride)
	assert.True(t, hist[3].IsOverride)
	assert.Equal(t, "DSGN", *hist[3].FromPhaseKey)
}

func TestOverrideValidation(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "p1", "SP")
	cases := []struct {
		name   string
		target string
		reason string
		want   error
	}{
		{"empty reason", "PREP", "  ", engine.ErrInvalidArgument},
		{"same phase", "ONB", "noop", engine.ErrInvalidArgument},
		{"outside composition", "DSGN", "skip", engine.ErrInvalidArgument},
		{"unknown phase", "XYZ", "skip", engine.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := env.Engine.OverrideToPhase(env.Ctx, engine.OverrideOptions{
				ProjectID: "p1", TargetPhaseKey: tc.target, ActorID: "admin-1", Reason: tc.reason,
			})
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	st, tr, err := env.Engine.OverrideToPhase(env.Ctx, engine.OverrideOptions{
		ProjectID: "p1", TargetPhaseKey: "PRINT", ActorID: "admin-1", Reason: "rush order",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, st.CurrentPhaseIndex)
	assert.True(t, tr.IsOverride)
	assert.Contains(t, st.PhaseCompletedAt, "ONB")
	assert.NotContains(t, st.PhaseCompletedAt, "IDEA")
}

func TestRecordRequirementIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "p1", "SP")

	_, err := env.Engine.RecordRequirementCompletion(env.Ctx, engine.RequirementCompletionOptions{
		ProjectID: "p1", RequirementKey: "intake_form", ActorID: "client-1",
		Metadata: map[string]any{"form_id": "f-1"},
	})
	require.NoError(t, err)
	env.setNow(baseTime.Add(time.Hour))
	res, err := env.Engine.RecordRequirementCompletion(env.Ctx, engine.RequirementCompletionOptions{
		ProjectID: "p1", RequirementKey: "intake_form", ActorID: "client-2", Notes: "resubmitted",
		Metadata: map[string]any{"form_id": "f-2"},
	})
	require.NoError(t, err)

	n, err := env.Engine.Repo.CountRequirementCompletions(env.Ctx, "p1", "intake_form")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "client-2", res.Completion.CompletedBy)
	assert.Equal(t, "resubmitted", res.Completion.Notes)
	assert.Equal(t, "f-2", res.Completion.Metadata["form_id"])
	assert.Equal(t, baseTime, res.Completion.CreatedAt)
	require.NotNil(t, res.Completion.CompletedAt)
	assert.Equal(t, baseTime.Add(time.Hour), *res.Completion.CompletedAt)
}

func TestRecordRequirementErrors(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "p1", "SP")

	_, err := env.Engine.RecordRequirementCompletion(env.Ctx, engine.RequirementCompletionOptions{
		ProjectID: "p1", RequirementKey: "design_approval", ActorID: "client-1",
	})
	assert.True(t, errors.Is(err, engine.ErrUnknownRequirement))

	_, err = env.Engine.RecordRequirementCompletion(env.Ctx, engine.RequirementCompletionOptions{
		ProjectID: "nope", RequirementKey: "intake_form", ActorID: "client-1",
	})
	assert.True(t, errors.Is(err, engine.ErrNotFound))

	// Requirements of later phases may be completed ahead of time.
	res := env.submit(t, "p1", "print_proof_approval")
	assert.Equal(t, "PREP", res.Completion.PhaseKey)
	assert.Equal(t, "ONB", res.State.CurrentPhaseKey)
}

func TestPhaseSatisfiedIgnoresOptional(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "p1", "SP")
	ok, err := env.Engine.IsPhaseSatisfied(env.Ctx, "p1", "IDEA")
	require.NoError(t, err)
	assert.False(t, ok)

	env.submit(t, "p1", "intake_form")
	env.submit(t, "p1", "service_agreement")
	ok, err = env.Engine.IsPhaseSatisfied(env.Ctx, "p1", "ONB")
	require.NoError(t, err)
	assert.True(t, ok, "optional kickoff_call must not gate ONB")

	_, err = env.Engine.IsPhaseSatisfied(env.Ctx, "p1", "NOPE")
	assert.True(t, errors.Is(err, engine.ErrNotFound))

	pending, err := env.Engine.PendingActions(env.Ctx, "p1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "ideation_questionnaire", pending[0].RequirementKey)
	assert.True(t, pending[0].IsMandatory)
	assert.False(t, pending[1].IsMandatory)
}

func TestPaymentReceivedCondition(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "p1", "WEB")

	early, err := env.Engine.RecordPayment(env.Ctx, "p1", "pay-deposit", "system")
	require.NoError(t, err)
	assert.Nil(t, early.Automation)

	env.setNow(baseTime.Add(24 * time.Hour))
	_, _, err = env.Engine.OverrideToPhase(env.Ctx, engine.OverrideOptions{
		ProjectID: "p1", TargetPhaseKey: "PAY", ActorID: "admin-1", Reason: "build finished offline",
	})
	require.NoError(t, err)

	res, err := env.Engine.Evaluate(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, res, "a payment made before the phase started must not count")

	env.setNow(baseTime.Add(48 * time.Hour))
	paid, err := env.Engine.RecordPayment(env.Ctx, "p1", "pay-final", "system")
	require.NoError(t, err)
	require.True(t, paid.Automation.Succeeded())
	assert.Equal(t, "LAUNCH", paid.State.CurrentPhaseKey)

	again, err := env.Engine.RecordPayment(env.Ctx, "p1", "pay-final", "system")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Nil(t, again.Automation)
}

func TestTimeElapsedFiresFromSweep(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "p1", "BRAND")

	rules, err := env.Engine.ListRules(env.Ctx, false)
	require.NoError(t, err)
	var timed domain.AutomationRule
	for _, r := range rules {
		if r.Condition.Type() == domain.ConditionTimeElapsed {
			timed = r
		}
	}
	require.NotZero(t, timed.ID)
	require.False(t, timed.IsActive)
	timed, err = env.Engine.SetRuleActive(env.Ctx, timed.ID, true, "admin-1")
	require.NoError(t, err)
	assert.True(t, timed.IsActive)

	_, _, err = env.Engine.OverrideToPhase(env.Ctx, engine.OverrideOptions{
		ProjectID: "p1", TargetPhaseKey: "REV", ActorID: "admin-1", Reason: "drafts sent by email",
	})
	require.NoError(t, err)

	env.setNow(baseTime.Add(13 * 24 * time.Hour))
	report, err := env.Engine.Sweep(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Projects)
	assert.Empty(t, report.Transitions)

	env.setNow(baseTime.Add(14 * 24 * time.Hour))
	report, err = env.Engine.Sweep(env.Ctx)
	require.NoError(t, err)
	require.Len(t, report.Transitions, 1)
	assert.Equal(t, "PROD", report.Transitions[0].ToPhaseKey)
	assert.True(t, report.Transitions[0].IsAutomated)

	_, err = env.Engine.SetRuleActive(env.Ctx, 9999, true, "admin-1")
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func TestAmbiguousRulesPickEarliestAndWarn(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "p1", "BRAND")
	rules, err := env.Engine.ListRules(env.Ctx, false)
	require.NoError(t, err)
	var approvalRule, timedRule int64
	for _, r := range rules {
		if r.FromPhaseKey == "REV" && r.ToPhaseKey == "PROD" {
			switch r.Condition.(type) {
			case domain.AllActionsComplete:
				approvalRule = r.ID
			case domain.TimeElapsed:
				timedRule = r.ID
			}
		}
	}
	require.NotZero(t, approvalRule)
	require.NotZero(t, timedRule)
	_, err = env.Engine.SetRuleActive(env.Ctx, timedRule, true, "admin-1")
	require.NoError(t, err)

	_, _, err = env.Engine.OverrideToPhase(env.Ctx, engine.OverrideOptions{
		ProjectID: "p1", TargetPhaseKey: "REV", ActorID: "admin-1", Reason: "jump to review",
	})
	require.NoError(t, err)
	env.setNow(baseTime.Add(20 * 24 * time.Hour))
	res := env.submit(t, "p1", "design_approval")
	require.True(t, res.Automation.Succeeded())
	assert.Equal(t, approvalRule, res.Automation.Rule.ID)
	assert.Equal(t, "PROD", res.State.CurrentPhaseKey)

	logs, err := env.Engine.AutomationLogs(env.Ctx, "p1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.NotEmpty(t, logs[0].Metadata["warning"])
	assert.Len(t, logs[0].Metadata["matched_rule_ids"], 2)
}

func TestAutomationFailureDoesNotFailSubmission(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "p1", "SP")
	env.submit(t, "p1", "intake_form")

	_, err := env.Conn.ExecContext(env.Ctx, `DROP TABLE phase_transitions`)
	require.NoError(t, err)

	res := env.submit(t, "p1", "service_agreement")
	require.NotNil(t, res.Automation)
	assert.Error(t, res.Automation.Err)
	assert.Equal(t, domain.OutcomeFailed, res.Automation.Log.Outcome)
	assert.Equal(t, "ONB", res.State.CurrentPhaseKey)

	logs, err := env.Engine.AutomationLogs(env.Ctx, "p1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.OutcomeFailed, logs[0].Outcome)
	assert.NotEmpty(t, logs[0].ErrorDetail)

	st, err := env.Engine.GetState(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, st.CurrentPhaseIndex)
	assert.Empty(t, st.PhaseCompletedAt)
}

func TestCompleteProject(t *testing.T) {
	env := newTestEnv(t)
	env.track(t, "p1", "SP")

	_, err := env.Engine.CompleteProject(env.Ctx, "p1", "admin-1")
	assert.True(t, errors.Is(err, engine.ErrPhaseNotSatisfied))

	_, _, err = env.Engine.OverrideToPhase(env.Ctx, engine.OverrideOptions{
		ProjectID: "p1", TargetPhaseKey: "LAUNCH", ActorID: "admin-1", Reason: "reprint of a finished job",
	})
	require.NoError(t, err)
	_, err = env.Engine.CompleteProject(env.Ctx, "p1", "admin-1")
	assert.True(t, errors.Is(err, engine.ErrPhaseNotSatisfied))

	env.submit(t, "p1", "final_payment")
	env.submit(t, "p1", "handover_confirmed")
	st, err := env.Engine.CompleteProject(env.Ctx, "p1", "admin-1")
	require.NoError(t, err)
	assert.True(t, st.IsCompleted)
	require.NotNil(t, st.CompletedAt)
	assert.Contains(t, st.PhaseCompletedAt, "LAUNCH")

	_, err = env.Engine.CompleteProject(env.Ctx, "p1", "admin-1")
	assert.True(t, errors.Is(err, engine.ErrInvalidArgument))
	_, _, err = env.Engine.AdvancePhase(env.Ctx, "p1", "admin-1", "")
	assert.True(t, errors.Is(err, engine.ErrTerminalPhase))

	pending, err := env.Engine.PendingActions(env.Ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	reopened, _, err := env.Engine.OverrideToPhase(env.Ctx, engine.OverrideOptions{
		ProjectID: "p1", TargetPhaseKey: "PRINT", ActorID: "admin-1", Reason: "misprint",
	})
	require.NoError(t, err)
	assert.False(t, reopened.IsCompleted)
	assert.Nil(t, reopened.CompletedAt)
	assert.NotContains(t, reopened.PhaseCompletedAt, "LAUNCH")
}
