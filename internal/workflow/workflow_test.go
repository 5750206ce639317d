package workflow_test

import (
	"context"
	"errors"
	"fmt"
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
	"github.com/kfrrst/website-sub010/internal/lock"
	"github.com/kfrrst/website-sub010/internal/migrate"
	"github.com/kfrrst/website-sub010/internal/workflow"
)

var baseTime = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu  sync.Mutex
	got []domain.Transition
}

func (r *recorder) Publish(_ context.Context, tr domain.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, tr)
	return nil
}

func (r *recorder) targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, tr := range r.got {
		out = append(out, tr.ToPhaseKey)
	}
	return out
}

// flakyLocker fails the first n acquisitions.
type flakyLocker struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyLocker) Acquire(context.Context, string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return nil, lock.ErrNotAcquired
	}
	return func() {}, nil
}

type testEnv struct {
	Svc *workflow.Service
	Pub *recorder
	Ctx context.Context

	mu  sync.Mutex
	now time.Time
}

func (env *testEnv) setNow(t time.Time) {
	env.mu.Lock()
	env.now = t
	env.mu.Unlock()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))

	cfg := config.Default()
	cat, err := catalog.New(cfg)
	require.NoError(t, err)

	env := &testEnv{Ctx: ctx, Pub: &recorder{}, now: baseTime}
	eng := engine.New(conn, cat)
	eng.Now = func() time.Time {
		env.mu.Lock()
		defer env.mu.Unlock()
		return env.now
	}
	_, err = eng.SeedRules(ctx, cfg.Automation.Rules)
	require.NoError(t, err)

	env.Svc = workflow.New(eng, env.Pub, nil)
	env.Svc.RetryBackoff = time.Millisecond
	return env
}

func (env *testEnv) start(t *testing.T, projectID string, services ...string) domain.PhaseState {
	t.Helper()
	st, err := env.Svc.StartProject(env.Ctx, workflow.StartRequest{ProjectID: projectID, ServiceCodes: services, ActorID: "admin-1"})
	require.NoError(t, err)
	return st
}

func (env *testEnv) submit(t *testing.T, projectID, key string) workflow.SubmitResult {
	t.Helper()
	res, err := env.Svc.SubmitRequirement(env.Ctx, workflow.SubmitRequest{ProjectID: projectID, RequirementKey: key, ActorID: "client-1"})
	require.NoError(t, err)
	return res
}

func TestErrorKinds(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "p1", "SP")

	_, err := env.Svc.StartProject(env.Ctx, workflow.StartRequest{ProjectID: "p1", ServiceCodes: []string{"SP"}, ActorID: "admin-1"})
	assert.Equal(t, workflow.KindAlreadyTracked, workflow.KindOf(err))

	_, err = env.Svc.GetProgress(env.Ctx, "missing")
	assert.Equal(t, workflow.KindNotFound, workflow.KindOf(err))

	_, err = env.Svc.SubmitRequirement(env.Ctx, workflow.SubmitRequest{ProjectID: "p1", RequirementKey: "nope", ActorID: "c"})
	assert.Equal(t, workflow.KindUnknownRequirement, workflow.KindOf(err))
	var we *workflow.Error
	require.True(t, errors.As(err, &we))
	assert.Equal(t, "submit requirement", we.Op)
	assert.False(t, we.Retryable())
	assert.True(t, errors.Is(err, engine.ErrUnknownRequirement))

	_, err = env.Svc.Override(env.Ctx, workflow.OverrideRequest{ProjectID: "p1", TargetPhaseKey: "DSGN", ActorID: "admin-1", Reason: "wrong service"})
	assert.Equal(t, workflow.KindInvalidArgument, workflow.KindOf(err))

	_, err = env.Svc.ComposePhases([]string{"SP", "NOPE"})
	assert.Equal(t, workflow.KindNotFound, workflow.KindOf(err))

	phase, err := env.Svc.GetPhase("PRINT")
	require.NoError(t, err)
	assert.Equal(t, "PRINT", phase.Key)
	_, err = env.Svc.GetPhase("NOPE")
	assert.Equal(t, workflow.KindNotFound, workflow.KindOf(err))

	assert.Equal(t, workflow.Kind(""), workflow.KindOf(nil))
	assert.Equal(t, workflow.KindInternal, workflow.KindOf(errors.New("disk on fire")))
}

func TestSubmitPublishesAutomatedTransition(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "p1", "SP")
	env.submit(t, "p1", "intake_form")
	res := env.submit(t, "p1", "service_agreement")

	require.NotNil(t, res.Transition)
	assert.True(t, res.Transition.IsAutomated)
	assert.Equal(t, "IDEA", res.State.CurrentPhaseKey)
	assert.Empty(t, res.AutomationError)
	assert.Equal(t, []string{"ONB", "IDEA"}, env.Pub.targets())
}

func TestProgressView(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "p1", "SP")
	env.submit(t, "p1", "intake_form")
	env.submit(t, "p1", "service_agreement")
	env.setNow(baseTime.Add(time.Hour))
	_, err := env.Svc.Override(env.Ctx, workflow.OverrideRequest{ProjectID: "p1", TargetPhaseKey: "PRINT", ActorID: "admin-1", Reason: "proof approved by phone"})
	require.NoError(t, err)

	p, err := env.Svc.GetProgress(env.Ctx, "p1")
	require.NoError(t, err)
	statuses := map[string]string{}
	for _, ph := range p.Phases {
		statuses[ph.Key] = ph.Status
	}
	assert.Equal(t, map[string]string{
		"ONB":    workflow.StatusCompleted,
		"IDEA":   workflow.StatusCompleted,
		"PREP":   workflow.StatusSkipped,
		"PRINT":  workflow.StatusCurrent,
		"LAUNCH": workflow.StatusUpcoming,
	}, statuses)
	assert.Equal(t, 40, p.PercentComplete)
	assert.Equal(t, "Onboarding", p.Phases[0].Name)
	require.Len(t, p.Requirements, 1)
	assert.Equal(t, "print_run_complete", p.Requirements[0].Requirement.RequirementKey)
	assert.False(t, p.Requirements[0].Completed)

	pending, err := env.Svc.ListPendingActions(env.Ctx, "p1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "print_run_complete", pending[0].RequirementKey)
}

func TestRetryOnceOnLockContention(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, "p1", "SP")

	locker := &flakyLocker{fails: 1}
	env.Svc.Engine.Locker = locker
	st, err := env.Svc.Override(env.Ctx, workflow.OverrideRequest{ProjectID: "p1", TargetPhaseKey: "IDEA", ActorID: "admin-1", Reason: "intake done offline"})
	require.NoError(t, err)
	assert.Equal(t, "IDEA", st.CurrentPhaseKey)
	assert.Equal(t, 2, locker.calls)

	locker = &flakyLocker{fails: 2}
	env.Svc.Engine.Locker = locker
	_, err = env.Svc.Advance(env.Ctx, "p1", "admin-1", "")
	assert.Equal(t, workflow.KindConcurrentModification, workflow.KindOf(err))
	var we *workflow.Error
	require.True(t, errors.As(err, &we))
	assert.True(t, we.Retryable())
	assert.Equal(t, 2, locker.calls)
}

func TestPaymentAndCompletion(t *testing.T) {
	env := newTestEnv(t)
	st := env.start(t, "p1", "WEB")
	_, err := env.Svc.Override(env.Ctx, workflow.OverrideRequest{ProjectID: "p1", TargetPhaseKey: "PAY", ActorID: "admin-1", Reason: "build finished early"})
	require.NoError(t, err)

	res, err := env.Svc.RecordPayment(env.Ctx, "p1", "inv-1", "billing")
	require.NoError(t, err)
	require.NotNil(t, res.Transition)
	assert.Equal(t, "LAUNCH", res.State.CurrentPhaseKey)

	dup, err := env.Svc.RecordPayment(env.Ctx, "p1", "inv-1", "billing")
	require.NoError(t, err)
	assert.True(t, dup.Duplicate)
	assert.Nil(t, dup.Transition)

	_, err = env.Svc.Advance(env.Ctx, "p1", "admin-1", "")
	assert.Equal(t, workflow.KindTerminalPhase, workflow.KindOf(err))

	done, err := env.Svc.Complete(env.Ctx, "p1", "admin-1")
	require.NoError(t, err)
	assert.True(t, done.IsCompleted)
	assert.Len(t, st.PhaseKeys, 7)

	p, err := env.Svc.GetProgress(env.Ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.IsCompleted)
	assert.Equal(t, []string{"ONB", "PAY", "LAUNCH"}, env.Pub.targets())
}

func TestSweepPublishes(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.start(t, fmt.Sprintf("p%d", i), "SP")
	}
	report, err := env.Svc.Sweep(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Projects)
	assert.Empty(t, report.Transitions)

	ctx, cancel := context.WithCancel(env.Ctx)
	done := make(chan struct{})
	go func() {
		env.Svc.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
