package catalog

import (
	"fmt"
	"slices"

	"github.com/kfrrst/website-sub010/internal/domain"
)

// ComposePhases returns the ordered, de-duplicated phase list for a set of
// service codes. Default lists are unioned in the order the services are
// given. Only the ends are forced: when the first phase is not onboarding
// the earliest onboarding phase moves to the front (or the catalog default
// is prepended), and likewise the latest wrap phase for the last slot.
func (c *Catalog) ComposePhases(serviceCodes []string) ([]string, error) {
	seen := map[string]bool{}
	var union []string
	for _, code := range serviceCodes {
		svc, err := c.GetService(code)
		if err != nil {
			return nil, err
		}
		for _, key := range svc.DefaultPhaseKeys {
			if seen[key] {
				continue
			}
			seen[key] = true
			union = append(union, key)
		}
	}

	if len(union) == 0 || c.categoryOf(union[0]) != domain.CategoryOnboarding {
		first := c.onboarding
		for i, key := range union {
			if c.categoryOf(key) == domain.CategoryOnboarding {
				first = key
				union = slices.Delete(union, i, i+1)
				break
			}
		}
		union = append([]string{first}, union...)
	}
	if c.categoryOf(union[len(union)-1]) != domain.CategoryWrap {
		last := c.wrap
		for i := len(union) - 1; i > 0; i-- {
			if c.categoryOf(union[i]) == domain.CategoryWrap {
				last = union[i]
				union = slices.Delete(union, i, i+1)
				break
			}
		}
		union = append(union, last)
	}
	return union, nil
}

func (c *Catalog) categoryOf(key string) domain.PhaseCategory {
	if i, ok := c.byKey[key]; ok {
		return c.phases[i].Category
	}
	return domain.CategoryStandard
}

// ValidateComposition checks a stored phase list against the catalog.
func (c *Catalog) ValidateComposition(keys []string) error {
	if len(keys) < 2 {
		return fmt.Errorf("composition needs at least two phases")
	}
	seen := map[string]bool{}
	for _, k := range keys {
		if _, err := c.GetPhase(k); err != nil {
			return err
		}
		if seen[k] {
			return fmt.Errorf("duplicate phase %s in composition", k)
		}
		seen[k] = true
	}
	if c.categoryOf(keys[0]) != domain.CategoryOnboarding {
		return fmt.Errorf("composition must start with an onboarding phase, got %s", keys[0])
	}
	if c.categoryOf(keys[len(keys)-1]) != domain.CategoryWrap {
		return fmt.Errorf("composition must end with a wrap phase, got %s", keys[len(keys)-1])
	}
	return nil
}
