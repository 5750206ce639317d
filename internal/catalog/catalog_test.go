package catalog_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfrrst/website-sub010/internal/catalog"
	"github.com/kfrrst/website-sub010/internal/config"
	"github.com/kfrrst/website-sub010/internal/domain"
)

func newCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New(config.Default())
	require.NoError(t, err)
	return c
}

func TestListAndGetPhase(t *testing.T) {
	c := newCatalog(t)
	phases := c.ListPhases()
	require.NotEmpty(t, phases)
	assert.Equal(t, "ONB", phases[0].Key)

	p, err := c.GetPhase("DSGN")
	require.NoError(t, err)
	assert.Equal(t, "Design", p.Name)
	assert.Contains(t, p.Services, "WEB")

	_, err = c.GetPhase("NOPE")
	assert.True(t, errors.Is(err, catalog.ErrNotFound))
}

func TestComposeSingleService(t *testing.T) {
	c := newCatalog(t)
	keys, err := c.ComposePhases([]string{"SP"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ONB", "IDEA", "PREP", "PRINT", "LAUNCH"}, keys)
}

func TestComposeUnionKeepsFirstSeenOrder(t *testing.T) {
	c := newCatalog(t)
	keys, err := c.ComposePhases([]string{"LOGO", "WEB"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ONB", "IDEA", "DSGN", "REV", "PAY", "SIGN", "DLVR", "DEV", "LAUNCH"}, keys)

	keys, err = c.ComposePhases([]string{"WEB", "LOGO"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ONB", "IDEA", "DSGN", "REV", "DEV", "PAY", "LAUNCH", "SIGN", "DLVR"}, keys)
}

func TestComposeMovesOnlyTheLastWrapPhase(t *testing.T) {
	c := newCatalog(t)
	keys, err := c.ComposePhases([]string{"SP", "WEB"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ONB", "IDEA", "PREP", "PRINT", "DSGN", "REV", "DEV", "PAY", "LAUNCH"}, keys)
}

func TestComposeEmptySet(t *testing.T) {
	c := newCatalog(t)
	keys, err := c.ComposePhases(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ONB", "DLVR"}, keys)
}

func TestComposeUnknownService(t *testing.T) {
	c := newCatalog(t)
	_, err := c.ComposePhases([]string{"SP", "XX"})
	assert.True(t, errors.Is(err, catalog.ErrNotFound))
}

func TestComposeAlwaysBracketed(t *testing.T) {
	c := newCatalog(t)
	sets := [][]string{{}, {"SP"}, {"WEB"}, {"LOGO"}, {"BRAND"}, {"SP", "LOGO"}, {"BRAND", "SP", "WEB"}, {"WEB", "WEB"}}
	for _, set := range sets {
		keys, err := c.ComposePhases(set)
		require.NoError(t, err, "services %v", set)
		require.NoError(t, c.ValidateComposition(keys), "services %v -> %v", set, keys)
	}
}

func TestComposeMovesMisplacedOnboardingAndWrap(t *testing.T) {
	cfg := config.Default()
	cfg.Services = append(cfg.Services, config.ServiceConfig{
		Code:   "ODD",
		Name:   "Odd ordering",
		Phases: []string{"DLVR", "DSGN", "ONB"},
	})
	c, err := catalog.New(cfg)
	require.NoError(t, err)
	keys, err := c.ComposePhases([]string{"ODD"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ONB", "DSGN", "DLVR"}, keys)
}

func TestRequirementsForSorted(t *testing.T) {
	c := newCatalog(t)
	reqs, err := c.RequirementsFor("ONB")
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	assert.Equal(t, "intake_form", reqs[0].RequirementKey)
	assert.Equal(t, "service_agreement", reqs[1].RequirementKey)
	assert.False(t, reqs[2].IsMandatory)
	assert.Equal(t, domain.ActorAdmin, reqs[2].Actor)
	assert.Equal(t, domain.ActorClient, reqs[0].Actor)

	_, err = c.RequirementsFor("NOPE")
	assert.True(t, errors.Is(err, catalog.ErrNotFound))
}

func TestRequirementTieBreakByKey(t *testing.T) {
	cfg := config.Default()
	cfg.Requirements["DSGN"] = []config.RequirementConfig{
		{Key: "zeta", Type: "manual", SortOrder: 1},
		{Key: "alpha", Type: "manual", SortOrder: 1},
		{Key: "first", Type: "form", SortOrder: 0},
	}
	c, err := catalog.New(cfg)
	require.NoError(t, err)
	reqs, err := c.RequirementsFor("DSGN")
	require.NoError(t, err)
	var keys []string
	for _, r := range reqs {
		keys = append(keys, r.RequirementKey)
	}
	assert.Equal(t, []string{"first", "alpha", "zeta"}, keys)
}

func TestFindRequirementPrefersCurrentPhase(t *testing.T) {
	c := newCatalog(t)
	phases := []string{"ONB", "IDEA", "DSGN", "REV", "DEV", "PAY", "LAUNCH"}

	r, err := c.FindRequirement(phases, "LAUNCH", "final_payment")
	require.NoError(t, err)
	assert.Equal(t, "LAUNCH", r.PhaseKey)

	r, err = c.FindRequirement(phases, "ONB", "final_payment")
	require.NoError(t, err)
	assert.Equal(t, "PAY", r.PhaseKey)

	_, err = c.FindRequirement(phases, "ONB", "print_proof_approval")
	assert.True(t, errors.Is(err, catalog.ErrNotFound))
}

func TestSatisfiedIgnoresOptional(t *testing.T) {
	c := newCatalog(t)
	assert.False(t, c.Satisfied("ONB", map[string]bool{"intake_form": true}))
	assert.True(t, c.Satisfied("ONB", map[string]bool{"intake_form": true, "service_agreement": true}))
	assert.True(t, c.Satisfied("ONB", map[string]bool{"intake_form": true, "service_agreement": true, "kickoff_call": false}))
}
