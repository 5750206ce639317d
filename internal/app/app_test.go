package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfrrst/website-sub010/internal/app"
	"github.com/kfrrst/website-sub010/internal/config"
	"github.com/kfrrst/website-sub010/internal/workflow"
)

func TestOpenWiresWorkflow(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()
	a, err := app.Open(ctx, app.Settings{Workspace: ws})
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Dispatcher)
	rules, err := a.Workflow.ListRules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, rules, len(config.Default().Automation.Rules))

	st, err := a.Workflow.StartProject(ctx, workflow.StartRequest{ProjectID: "p1", ServiceCodes: []string{"LOGO"}, ActorID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, "ONB", st.CurrentPhaseKey)
	require.NoError(t, a.Close())

	again, err := app.Open(ctx, app.Settings{Workspace: ws})
	require.NoError(t, err)
	defer again.Close()
	rules, err = again.Workflow.ListRules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, rules, len(config.Default().Automation.Rules), "seeding is idempotent")
	_, err = again.Workflow.GetProgress(ctx, "p1")
	require.NoError(t, err)
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	ws := t.TempDir()
	cfg := config.GenerateDefault() + `
webhooks:
  - url: http://127.0.0.1:9/hook
`
	require.NoError(t, os.WriteFile(filepath.Join(ws, "portal.yml"), []byte(cfg), 0o644))
	a, err := app.Open(context.Background(), app.Settings{Workspace: ws})
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Dispatcher)
	assert.Len(t, a.Dispatcher.Hooks, 1)
}

func TestOpenRejectsBadLockBackend(t *testing.T) {
	_, err := app.Open(context.Background(), app.Settings{Workspace: t.TempDir(), LockBackend: "etcd"})
	assert.ErrorContains(t, err, "unknown lock backend")

	_, err = app.Open(context.Background(), app.Settings{Workspace: t.TempDir(), LockBackend: app.LockRedis})
	assert.ErrorContains(t, err, "requires a redis address")
}
