package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/kfrrst/website-sub010/internal/db"
	"github.com/kfrrst/website-sub010/internal/domain"
)

const phaseStateColumns = `project_id,service_codes_json,phase_keys_json,current_phase_key,current_phase_index,phase_started_at,is_completed,completed_at,created_at,updated_at`

// InsertPhaseState creates the tracking row. A duplicate project id surfaces
// as the driver's unique violation; callers check existence first under lock.
func (r Repo) InsertPhaseState(ctx context.Context, q db.Querier, s domain.PhaseState) error {
	services, err := json.Marshal(s.ServiceCodes)
	if err != nil {
		return err
	}
	phases, err := json.Marshal(s.PhaseKeys)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, r.q(`INSERT INTO project_phase_states(`+phaseStateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`),
		s.ProjectID, string(services), string(phases), s.CurrentPhaseKey, s.CurrentPhaseIndex,
		formatTime(s.PhaseStartedAt), boolInt(s.IsCompleted), nullableTime(s.CompletedAt),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	return err
}

// GetPhaseState loads a project's tracking row with its completion map. With
// forUpdate on postgres the row stays locked until the transaction ends.
func (r Repo) GetPhaseState(ctx context.Context, q db.Querier, projectID string, forUpdate bool) (domain.PhaseState, error) {
	query := `SELECT ` + phaseStateColumns + ` FROM project_phase_states WHERE project_id=?`
	if forUpdate && r.DB.Dialect == db.Postgres {
		query += ` FOR UPDATE`
	}
	var (
		s                     domain.PhaseState
		services, phases      string
		started, created, upd string
		completed             int64
		completedAt           sql.NullString
	)
	err := q.QueryRowContext(ctx, r.q(query), projectID).Scan(&s.ProjectID, &services, &phases, &s.CurrentPhaseKey,
		&s.CurrentPhaseIndex, &started, &completed, &completedAt, &created, &upd)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(services), &s.ServiceCodes); err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(phases), &s.PhaseKeys); err != nil {
		return s, err
	}
	s.IsCompleted = completed != 0
	if s.PhaseStartedAt, err = parseTime(started); err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = parseTime(upd); err != nil {
		return s, err
	}
	if s.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return s, err
	}
	s.PhaseCompletedAt, err = r.phaseCompletions(ctx, q, projectID)
	return s, err
}

func (r Repo) phaseCompletions(ctx context.Context, q db.Querier, projectID string) (map[string]time.Time, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT phase_key,completed_at FROM project_phase_completions WHERE project_id=?`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]time.Time{}
	for rows.Next() {
		var key, ts string
		if err := rows.Scan(&key, &ts); err != nil {
			return nil, err
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		res[key] = t
	}
	return res, rows.Err()
}

// UpdatePhasePosition writes the moving fields of s, guarded on the index and
// completion flag observed when the caller read the row.
func (r Repo) UpdatePhasePosition(ctx context.Context, q db.Querier, s domain.PhaseState, expectedIndex int, expectedCompleted bool) error {
	res, err := q.ExecContext(ctx, r.q(`UPDATE project_phase_states
SET current_phase_key=?, current_phase_index=?, phase_started_at=?, is_completed=?, completed_at=?, updated_at=?
WHERE project_id=? AND current_phase_index=? AND is_completed=?`),
		s.CurrentPhaseKey, s.CurrentPhaseIndex, formatTime(s.PhaseStartedAt), boolInt(s.IsCompleted), nullableTime(s.CompletedAt),
		formatTime(s.UpdatedAt), s.ProjectID, expectedIndex, boolInt(expectedCompleted))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// TouchPhaseState bumps updated_at; used when a requirement changes without a transition.
func (r Repo) TouchPhaseState(ctx context.Context, q db.Querier, projectID string, at time.Time) error {
	_, err := q.ExecContext(ctx, r.q(`UPDATE project_phase_states SET updated_at=? WHERE project_id=?`), formatTime(at), projectID)
	return err
}

func (r Repo) SetPhaseCompleted(ctx context.Context, q db.Querier, projectID, phaseKey string, at time.Time) error {
	_, err := q.ExecContext(ctx, r.q(`INSERT INTO project_phase_completions(project_id,phase_key,completed_at) VALUES (?,?,?)
ON CONFLICT(project_id,phase_key) DO UPDATE SET completed_at=excluded.completed_at`), projectID, phaseKey, formatTime(at))
	return err
}

// ClearPhaseCompletions drops completion stamps for phases reopened by a backward override.
func (r Repo) ClearPhaseCompletions(ctx context.Context, q db.Querier, projectID string, phaseKeys []string) error {
	if len(phaseKeys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(phaseKeys)), ",")
	args := []any{projectID}
	for _, k := range phaseKeys {
		args = append(args, k)
	}
	_, err := q.ExecContext(ctx, r.q(`DELETE FROM project_phase_completions WHERE project_id=? AND phase_key IN (`+placeholders+`)`), args...)
	return err
}

// ListOpenProjectIDs returns tracked projects that are not completed, oldest first.
func (r Repo) ListOpenProjectIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.Reader().QueryContext(ctx, `SELECT project_id FROM project_phase_states WHERE is_completed=0 ORDER BY created_at ASC, project_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
