package repo

import (
	"context"
	"database/sql"

	"github.com/kfrrst/website-sub010/internal/db"
	"github.com/kfrrst/website-sub010/internal/domain"
)

// InsertTransition appends a history row and returns its id.
func (r Repo) InsertTransition(ctx context.Context, q db.Querier, t domain.Transition) (int64, error) {
	var from any
	if t.FromPhaseKey != nil {
		from = *t.FromPhaseKey
	}
	var id int64
	err := q.QueryRowContext(ctx, r.q(`INSERT INTO phase_transitions(project_id,from_phase_key,to_phase_key,transitioned_by,reason,is_override,is_automated,created_at)
VALUES (?,?,?,?,?,?,?,?) RETURNING id`),
		t.ProjectID, from, t.ToPhaseKey, t.TransitionedBy, nullable(t.Reason), boolInt(t.IsOverride), boolInt(t.IsAutomated),
		formatTime(t.CreatedAt)).Scan(&id)
	return id, err
}

// ListTransitions returns a project's history oldest first.
func (r Repo) ListTransitions(ctx context.Context, q db.Querier, projectID string) ([]domain.Transition, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT id,project_id,from_phase_key,to_phase_key,transitioned_by,reason,is_override,is_automated,created_at
FROM phase_transitions WHERE project_id=? ORDER BY id ASC`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var (
			t                 domain.Transition
			from, reason      sql.NullString
			override, automat int64
			createdAt         string
		)
		if err := rows.Scan(&t.ID, &t.ProjectID, &from, &t.ToPhaseKey, &t.TransitionedBy, &reason, &override, &automat, &createdAt); err != nil {
			return nil, err
		}
		if from.Valid {
			v := from.String
			t.FromPhaseKey = &v
		}
		t.Reason = reason.String
		t.IsOverride = override != 0
		t.IsAutomated = automat != 0
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
