package catalog

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kfrrst/website-sub010/internal/config"
	"github.com/kfrrst/website-sub010/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Catalog is the immutable reference data: phases, service compositions and
// requirements. It is safe for concurrent use.
type Catalog struct {
	phases       []domain.Phase
	byKey        map[string]int
	services     []domain.ServiceType
	serviceByKey map[string]int
	requirements map[string][]domain.Requirement
	onboarding   string
	wrap         string
}

// New builds a catalog from a validated config.
func New(cfg *config.Config) (*Catalog, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Catalog{
		byKey:        map[string]int{},
		serviceByKey: map[string]int{},
		requirements: map[string][]domain.Requirement{},
		onboarding:   cfg.Workflow.Onboarding,
		wrap:         cfg.Workflow.Wrap,
	}
	usedBy := map[string][]string{}
	for _, s := range cfg.Services {
		for _, key := range s.Phases {
			usedBy[key] = appendUnique(usedBy[key], s.Code)
		}
		c.serviceByKey[s.Code] = len(c.services)
		c.services = append(c.services, domain.ServiceType{
			Code:             s.Code,
			Name:             s.Name,
			DefaultPhaseKeys: append([]string(nil), s.Phases...),
		})
	}
	for _, p := range cfg.Phases {
		category := domain.PhaseCategory(p.Category)
		if category == "" {
			category = domain.CategoryStandard
		}
		c.byKey[p.Key] = len(c.phases)
		c.phases = append(c.phases, domain.Phase{
			Key:                  p.Key,
			Name:                 p.Name,
			Description:          p.Description,
			Category:             category,
			RequiresClientAction: p.RequiresClientAction,
			Services:             usedBy[p.Key],
		})
	}
	for phaseKey, reqs := range cfg.Requirements {
		list := make([]domain.Requirement, 0, len(reqs))
		for _, r := range reqs {
			typ := domain.RequirementType(r.Type)
			actor := domain.Actor(r.Actor)
			if actor == "" {
				actor = defaultActor(typ)
			}
			list = append(list, domain.Requirement{
				PhaseKey:       phaseKey,
				RequirementKey: r.Key,
				Description:    r.Description,
				Type:           typ,
				IsMandatory:    r.Mandatory,
				SortOrder:      r.SortOrder,
				Actor:          actor,
			})
		}
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].SortOrder != list[j].SortOrder {
				return list[i].SortOrder < list[j].SortOrder
			}
			return list[i].RequirementKey < list[j].RequirementKey
		})
		c.requirements[phaseKey] = list
	}
	return c, nil
}

func defaultActor(t domain.RequirementType) domain.Actor {
	if t == domain.RequirementManual {
		return domain.ActorAdmin
	}
	return domain.ActorClient
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// ListPhases returns every phase in catalog order.
func (c *Catalog) ListPhases() []domain.Phase {
	out := make([]domain.Phase, len(c.phases))
	copy(out, c.phases)
	return out
}

func (c *Catalog) GetPhase(key string) (domain.Phase, error) {
	i, ok := c.byKey[key]
	if !ok {
		return domain.Phase{}, fmt.Errorf("phase %s: %w", key, ErrNotFound)
	}
	return c.phases[i], nil
}

func (c *Catalog) ListServices() []domain.ServiceType {
	out := make([]domain.ServiceType, len(c.services))
	copy(out, c.services)
	return out
}

func (c *Catalog) GetService(code string) (domain.ServiceType, error) {
	i, ok := c.serviceByKey[code]
	if !ok {
		return domain.ServiceType{}, fmt.Errorf("service type %s: %w", code, ErrNotFound)
	}
	return c.services[i], nil
}

// OnboardingPhase and WrapPhase are the defaults inserted by ComposePhases.
func (c *Catalog) OnboardingPhase() string { return c.onboarding }
func (c *Catalog) WrapPhase() string       { return c.wrap }
