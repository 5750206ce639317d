package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kfrrst/website-sub010/internal/db"
	"github.com/kfrrst/website-sub010/internal/domain"
)

// RequirementStatus joins a requirement with the project's completion row, if any.
type RequirementStatus struct {
	Requirement domain.Requirement `json:"requirement"`
	Completed   bool               `json:"completed"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	CompletedBy string             `json:"completed_by,omitempty"`
	Notes       string             `json:"notes,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// RequirementsFor lists a phase's requirements in registry order.
func (e Engine) RequirementsFor(phaseKey string) ([]domain.Requirement, error) {
	reqs, err := e.Catalog.RequirementsFor(phaseKey)
	if err != nil {
		return nil, fmt.Errorf("phase %s: %w", phaseKey, ErrNotFound)
	}
	return reqs, nil
}

// IsPhaseSatisfied reports whether every mandatory requirement of phaseKey is
// completed for the project. Optional requirements never affect the answer.
func (e Engine) IsPhaseSatisfied(ctx context.Context, projectID, phaseKey string) (bool, error) {
	if _, err := e.Catalog.GetPhase(phaseKey); err != nil {
		return false, fmt.Errorf("phase %s: %w", phaseKey, ErrNotFound)
	}
	if _, err := e.GetState(ctx, projectID); err != nil {
		return false, err
	}
	return e.phaseSatisfiedTx(ctx, e.DB.Reader(), projectID, phaseKey)
}

func (e Engine) phaseSatisfiedTx(ctx context.Context, q db.Querier, projectID, phaseKey string) (bool, error) {
	done, err := e.completedKeys(ctx, q, projectID, phaseKey)
	if err != nil {
		return false, err
	}
	return e.Catalog.Satisfied(phaseKey, done), nil
}

func (e Engine) completedKeys(ctx context.Context, q db.Querier, projectID, phaseKey string) (map[string]bool, error) {
	rows, err := e.Repo.ListRequirementCompletions(ctx, q, projectID, phaseKey)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(rows))
	for _, c := range rows {
		done[c.RequirementKey] = c.Completed
	}
	return done, nil
}

// RequirementStatuses returns every requirement of phaseKey with the project's progress on it.
func (e Engine) RequirementStatuses(ctx context.Context, projectID, phaseKey string) ([]RequirementStatus, error) {
	reqs, err := e.RequirementsFor(phaseKey)
	if err != nil {
		return nil, err
	}
	rows, err := e.Repo.ListRequirementCompletions(ctx, e.DB.Reader(), projectID, phaseKey)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]domain.RequirementCompletion, len(rows))
	for _, c := range rows {
		byKey[c.RequirementKey] = c
	}
	out := make([]RequirementStatus, 0, len(reqs))
	for _, r := range reqs {
		s := RequirementStatus{Requirement: r}
		if c, ok := byKey[r.RequirementKey]; ok {
			s.Completed = c.Completed
			s.CompletedAt = c.CompletedAt
			s.CompletedBy = c.CompletedBy
			s.Notes = c.Notes
			s.Metadata = c.Metadata
		}
		out = append(out, s)
	}
	return out, nil
}

// PendingActions lists the current phase's incomplete requirements, mandatory
// first. A completed project has none.
func (e Engine) PendingActions(ctx context.Context, projectID string) ([]domain.Requirement, error) {
	st, err := e.GetState(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if st.IsCompleted {
		return []domain.Requirement{}, nil
	}
	statuses, err := e.RequirementStatuses(ctx, projectID, st.CurrentPhaseKey)
	if err != nil {
		return nil, err
	}
	var mandatory, optional []domain.Requirement
	for _, s := range statuses {
		if s.Completed {
			continue
		}
		if s.Requirement.IsMandatory {
			mandatory = append(mandatory, s.Requirement)
		} else {
			optional = append(optional, s.Requirement)
		}
	}
	return append(append([]domain.Requirement{}, mandatory...), optional...), nil
}
