package workflow

import (
	"context"
	"time"

	"github.com/kfrrst/website-sub010/internal/domain"
	"github.com/kfrrst/website-sub010/internal/engine"
)

type RequirementStatus = engine.RequirementStatus

// Phase status values in a progress view.
const (
	StatusCompleted = "completed"
	StatusCurrent   = "current"
	StatusSkipped   = "skipped"
	StatusUpcoming  = "upcoming"
)

type PhaseProgress struct {
	Key                  string               `json:"key"`
	Name                 string               `json:"name"`
	Category             domain.PhaseCategory `json:"category"`
	RequiresClientAction bool                 `json:"requires_client_action"`
	Status               string               `json:"status" enum:"completed,current,skipped,upcoming"`
	CompletedAt          *time.Time           `json:"completed_at,omitempty"`
}

type Progress struct {
	ProjectID         string              `json:"project_id"`
	ServiceCodes      []string            `json:"service_codes"`
	CurrentPhaseKey   string              `json:"current_phase_key"`
	CurrentPhaseIndex int                 `json:"current_phase_index"`
	PhaseStartedAt    time.Time           `json:"phase_started_at"`
	IsCompleted       bool                `json:"is_completed"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	PercentComplete   int                 `json:"percent_complete"`
	Phases            []PhaseProgress     `json:"phases"`
	Requirements      []RequirementStatus `json:"requirements"`
}

// GetProgress summarizes where a project stands: every phase with its status
// and the current phase's requirements.
func (s *Service) GetProgress(ctx context.Context, projectID string) (Progress, error) {
	st, err := s.Engine.GetState(ctx, projectID)
	if err != nil {
		return Progress{}, wrap("get progress", err)
	}
	p := Progress{
		ProjectID:         st.ProjectID,
		ServiceCodes:      st.ServiceCodes,
		CurrentPhaseKey:   st.CurrentPhaseKey,
		CurrentPhaseIndex: st.CurrentPhaseIndex,
		PhaseStartedAt:    st.PhaseStartedAt,
		IsCompleted:       st.IsCompleted,
		CompletedAt:       st.CompletedAt,
		Phases:            make([]PhaseProgress, 0, len(st.PhaseKeys)),
	}
	done := 0
	for i, key := range st.PhaseKeys {
		pp := PhaseProgress{Key: key}
		if phase, err := s.Engine.Catalog.GetPhase(key); err == nil {
			pp.Name = phase.Name
			pp.Category = phase.Category
			pp.RequiresClientAction = phase.RequiresClientAction
		}
		at, completed := st.PhaseCompletedAt[key]
		switch {
		case completed:
			pp.Status = StatusCompleted
			t := at
			pp.CompletedAt = &t
			done++
		case i == st.CurrentPhaseIndex:
			pp.Status = StatusCurrent
		case i < st.CurrentPhaseIndex:
			pp.Status = StatusSkipped
		default:
			pp.Status = StatusUpcoming
		}
		p.Phases = append(p.Phases, pp)
	}
	if len(st.PhaseKeys) > 0 {
		p.PercentComplete = done * 100 / len(st.PhaseKeys)
	}
	p.Requirements, err = s.Engine.RequirementStatuses(ctx, projectID, st.CurrentPhaseKey)
	if err != nil {
		return Progress{}, wrap("get progress", err)
	}
	return p, nil
}

// Catalog reads exposed to collaborators.

func (s *Service) ListPhases() []domain.Phase {
	return s.Engine.Catalog.ListPhases()
}

func (s *Service) GetPhase(key string) (domain.Phase, error) {
	phase, err := s.Engine.Catalog.GetPhase(key)
	if err != nil {
		return domain.Phase{}, &Error{Kind: KindNotFound, Op: "get phase", Err: err}
	}
	return phase, nil
}

func (s *Service) ListServices() []domain.ServiceType {
	return s.Engine.Catalog.ListServices()
}

func (s *Service) RequirementsFor(phaseKey string) ([]domain.Requirement, error) {
	reqs, err := s.Engine.RequirementsFor(phaseKey)
	return reqs, wrap("requirements", err)
}

func (s *Service) ComposePhases(serviceCodes []string) ([]string, error) {
	for _, code := range serviceCodes {
		if _, err := s.Engine.Catalog.GetService(code); err != nil {
			return nil, &Error{Kind: KindNotFound, Op: "compose phases", Err: err}
		}
	}
	keys, err := s.Engine.Catalog.ComposePhases(serviceCodes)
	return keys, wrap("compose phases", err)
}
