package catalog

import (
	"fmt"

	"github.com/kfrrst/website-sub010/internal/domain"
)

// RequirementsFor returns a phase's requirements ordered by sort order, then key.
func (c *Catalog) RequirementsFor(phaseKey string) ([]domain.Requirement, error) {
	if _, err := c.GetPhase(phaseKey); err != nil {
		return nil, err
	}
	reqs := c.requirements[phaseKey]
	out := make([]domain.Requirement, len(reqs))
	copy(out, reqs)
	return out, nil
}

// FindRequirement resolves a requirement key against a project's phases. The
// current phase is searched first, then the rest in composition order.
func (c *Catalog) FindRequirement(phaseKeys []string, currentPhaseKey, requirementKey string) (domain.Requirement, error) {
	order := make([]string, 0, len(phaseKeys))
	order = append(order, currentPhaseKey)
	for _, k := range phaseKeys {
		if k != currentPhaseKey {
			order = append(order, k)
		}
	}
	for _, phaseKey := range order {
		for _, r := range c.requirements[phaseKey] {
			if r.RequirementKey == requirementKey {
				return r, nil
			}
		}
	}
	return domain.Requirement{}, fmt.Errorf("requirement %s: %w", requirementKey, ErrNotFound)
}

// Satisfied reports whether every mandatory requirement of phaseKey is marked
// completed in done, keyed by requirement key.
func (c *Catalog) Satisfied(phaseKey string, done map[string]bool) bool {
	for _, r := range c.requirements[phaseKey] {
		if r.IsMandatory && !done[r.RequirementKey] {
			return false
		}
	}
	return true
}
