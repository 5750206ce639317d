package repo

import (
	"context"
	"database/sql"

	"github.com/kfrrst/website-sub010/internal/db"
	"github.com/kfrrst/website-sub010/internal/domain"
)

// UpsertRequirementCompletion writes c keyed on project, phase and requirement.
// An existing row keeps its id and created_at; everything else is overwritten.
func (r Repo) UpsertRequirementCompletion(ctx context.Context, q db.Querier, c domain.RequirementCompletion) error {
	meta, err := marshalMap(c.Metadata)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, r.q(`INSERT INTO requirement_completions(id,project_id,phase_key,requirement_key,completed,completed_at,completed_by,notes,metadata_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(project_id,phase_key,requirement_key) DO UPDATE SET
  completed=excluded.completed,
  completed_at=excluded.completed_at,
  completed_by=excluded.completed_by,
  notes=excluded.notes,
  metadata_json=excluded.metadata_json,
  updated_at=excluded.updated_at`),
		c.ID, c.ProjectID, c.PhaseKey, c.RequirementKey, boolInt(c.Completed), nullableTime(c.CompletedAt),
		nullable(c.CompletedBy), nullable(c.Notes), meta, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	return err
}

// ListRequirementCompletions returns completion rows for a project, optionally
// restricted to one phase.
func (r Repo) ListRequirementCompletions(ctx context.Context, q db.Querier, projectID, phaseKey string) ([]domain.RequirementCompletion, error) {
	query := `SELECT id,project_id,phase_key,requirement_key,completed,completed_at,completed_by,notes,metadata_json,created_at,updated_at
FROM requirement_completions WHERE project_id=?`
	args := []any{projectID}
	if phaseKey != "" {
		query += ` AND phase_key=?`
		args = append(args, phaseKey)
	}
	query += ` ORDER BY phase_key ASC, requirement_key ASC`
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RequirementCompletion
	for rows.Next() {
		var (
			c                   domain.RequirementCompletion
			completed           int64
			completedAt         sql.NullString
			completedBy, notes  sql.NullString
			meta                sql.NullString
			createdAt, updateAt string
		)
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.PhaseKey, &c.RequirementKey, &completed, &completedAt,
			&completedBy, &notes, &meta, &createdAt, &updateAt); err != nil {
			return nil, err
		}
		c.Completed = completed != 0
		c.CompletedBy = completedBy.String
		c.Notes = notes.String
		if c.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, err
		}
		if c.Metadata, err = unmarshalMap(meta); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime(updateAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// GetRequirementCompletion returns a single completion row.
func (r Repo) GetRequirementCompletion(ctx context.Context, q db.Querier, projectID, phaseKey, requirementKey string) (domain.RequirementCompletion, error) {
	all, err := r.ListRequirementCompletions(ctx, q, projectID, phaseKey)
	if err != nil {
		return domain.RequirementCompletion{}, err
	}
	for _, c := range all {
		if c.RequirementKey == requirementKey {
			return c, nil
		}
	}
	return domain.RequirementCompletion{}, ErrNotFound
}

// CountRequirementCompletions counts rows for a project and requirement across phases.
func (r Repo) CountRequirementCompletions(ctx context.Context, projectID, requirementKey string) (int, error) {
	var n int
	err := r.DB.Reader().QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM requirement_completions WHERE project_id=? AND requirement_key=?`),
		projectID, requirementKey).Scan(&n)
	return n, err
}
