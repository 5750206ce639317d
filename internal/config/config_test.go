package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfrrst/website-sub010/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ONB", cfg.Workflow.Onboarding)
	assert.Equal(t, "DLVR", cfg.Workflow.Wrap)
	assert.Len(t, cfg.Services, 4)
	assert.NotEmpty(t, cfg.Automation.Rules)
}

func TestRuleActiveDefaultsTrue(t *testing.T) {
	cfg := config.Default()
	var sawInactive bool
	for _, r := range cfg.Automation.Rules {
		if r.Condition == "time_elapsed" {
			assert.False(t, r.IsActive())
			assert.Equal(t, 14, r.ThresholdDays)
			sawInactive = true
			continue
		}
		assert.True(t, r.IsActive(), "%s->%s", r.From, r.To)
	}
	assert.True(t, sawInactive)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"duplicate phase", func(c *config.Config) { c.Phases = append(c.Phases, c.Phases[0]) }, "duplicate phase key"},
		{"unknown service phase", func(c *config.Config) { c.Services[0].Phases = append(c.Services[0].Phases, "XX") }, "unknown phase XX"},
		{"onboarding wrong category", func(c *config.Config) { c.Workflow.Onboarding = "IDEA" }, "must have category onboarding"},
		{"wrap missing", func(c *config.Config) { c.Workflow.Wrap = "" }, "config.workflow.wrap"},
		{"bad requirement type", func(c *config.Config) { c.Requirements["ONB"][0].Type = "fax" }, "unknown type fax"},
		{"duplicate requirement", func(c *config.Config) {
			c.Requirements["ONB"] = append(c.Requirements["ONB"], c.Requirements["ONB"][0])
		}, "twice"},
		{"bad condition", func(c *config.Config) { c.Automation.Rules[0].Condition = "moon_phase" }, "unknown condition type"},
		{"time elapsed without threshold", func(c *config.Config) {
			c.Automation.Rules[0].Condition = "time_elapsed"
			c.Automation.Rules[0].ThresholdDays = 0
		}, "threshold_days"},
		{"webhook without url", func(c *config.Config) { c.Webhooks = []config.WebhookConfig{{}} }, "empty url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, "ONB", cfg.Workflow.Onboarding)

	custom := strings.Replace(config.GenerateDefault(), "name: Screen Printing", "name: Custom Tees", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "portal.yml"), []byte(custom), 0o644))
	cfg, err = config.LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, "Custom Tees", cfg.Services[0].Name)

	_, err = config.Load(t.TempDir())
	assert.Error(t, err)
}

func TestFromYAMLInvalid(t *testing.T) {
	_, err := config.FromYAML([]byte("phases: [:"))
	assert.Error(t, err)
}
