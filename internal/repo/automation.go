package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/kfrrst/website-sub010/internal/db"
	"github.com/kfrrst/website-sub010/internal/domain"
)

// EnsureRule inserts rule unless one already exists for the same from, to and
// condition type. It reports whether a row was created.
func (r Repo) EnsureRule(ctx context.Context, rule domain.AutomationRule) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO automation_rules(from_phase_key,to_phase_key,condition_type,threshold_days,description,is_active,created_at)
VALUES (?,?,?,?,?,?,?) ON CONFLICT(from_phase_key,to_phase_key,condition_type) DO NOTHING`),
		rule.FromPhaseKey, rule.ToPhaseKey, string(rule.Condition.Type()), domain.ThresholdDaysOf(rule.Condition),
		nullable(rule.Description), boolInt(rule.IsActive), formatTime(rule.CreatedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type RuleFilters struct {
	FromPhaseKey string
	ActiveOnly   bool
}

// ListRules returns rules in creation order.
func (r Repo) ListRules(ctx context.Context, q db.Querier, f RuleFilters) ([]domain.AutomationRule, error) {
	query := `SELECT id,from_phase_key,to_phase_key,condition_type,threshold_days,description,is_active,created_at FROM automation_rules WHERE 1=1`
	var args []any
	if f.FromPhaseKey != "" {
		query += ` AND from_phase_key=?`
		args = append(args, f.FromPhaseKey)
	}
	if f.ActiveOnly {
		query += ` AND is_active=1`
	}
	query += ` ORDER BY id ASC`
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (domain.AutomationRule, error) {
	var (
		rule      domain.AutomationRule
		condType  string
		threshold int
		desc      sql.NullString
		active    int64
		createdAt string
	)
	if err := row.Scan(&rule.ID, &rule.FromPhaseKey, &rule.ToPhaseKey, &condType, &threshold, &desc, &active, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return rule, ErrNotFound
		}
		return rule, err
	}
	cond, err := domain.ParseCondition(condType, threshold)
	if err != nil {
		return rule, err
	}
	rule.Condition = cond
	rule.Description = desc.String
	rule.IsActive = active != 0
	rule.CreatedAt, err = parseTime(createdAt)
	return rule, err
}

func (r Repo) GetRule(ctx context.Context, id int64) (domain.AutomationRule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, r.q(`SELECT id,from_phase_key,to_phase_key,condition_type,threshold_days,description,is_active,created_at FROM automation_rules WHERE id=?`), id))
}

func (r Repo) SetRuleActive(ctx context.Context, id int64, active bool) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE automation_rules SET is_active=? WHERE id=?`), boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertExecutionLog appends an automation log row and returns its id.
func (r Repo) InsertExecutionLog(ctx context.Context, q db.Querier, l domain.ExecutionLog) (int64, error) {
	input, err := marshalMap(l.Input)
	if err != nil {
		return 0, err
	}
	meta, err := marshalMap(l.Metadata)
	if err != nil {
		return 0, err
	}
	var id int64
	err = q.QueryRowContext(ctx, r.q(`INSERT INTO automation_execution_logs(rule_id,project_id,from_phase_key,to_phase_key,outcome,input_json,error_detail,metadata_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?) RETURNING id`),
		l.RuleID, l.ProjectID, l.FromPhaseKey, l.ToPhaseKey, string(l.Outcome), input, nullable(l.ErrorDetail), meta,
		formatTime(l.CreatedAt)).Scan(&id)
	return id, err
}

// ListExecutionLogs returns a project's automation log oldest first.
func (r Repo) ListExecutionLogs(ctx context.Context, projectID string) ([]domain.ExecutionLog, error) {
	rows, err := r.DB.Reader().QueryContext(ctx, r.q(`SELECT id,rule_id,project_id,from_phase_key,to_phase_key,outcome,input_json,error_detail,metadata_json,created_at
FROM automation_execution_logs WHERE project_id=? ORDER BY id ASC`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionLog
	for rows.Next() {
		var (
			l                   domain.ExecutionLog
			outcome, createdAt  string
			input, detail, meta sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.RuleID, &l.ProjectID, &l.FromPhaseKey, &l.ToPhaseKey, &outcome, &input, &detail, &meta, &createdAt); err != nil {
			return nil, err
		}
		l.Outcome = domain.ExecutionOutcome(outcome)
		l.ErrorDetail = detail.String
		if l.Input, err = unmarshalMap(input); err != nil {
			return nil, err
		}
		if l.Metadata, err = unmarshalMap(meta); err != nil {
			return nil, err
		}
		if l.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// InsertPaymentSignal records a payment confirmation. A repeat of the same
// payment id for the project is ignored; the return reports whether a row was written.
func (r Repo) InsertPaymentSignal(ctx context.Context, q db.Querier, p domain.PaymentSignal) (bool, error) {
	res, err := q.ExecContext(ctx, r.q(`INSERT INTO payment_signals(id,project_id,payment_id,recorded_by,received_at) VALUES (?,?,?,?,?)
ON CONFLICT(project_id,payment_id) DO NOTHING`),
		p.ID, p.ProjectID, p.PaymentID, p.RecordedBy, formatTime(p.ReceivedAt))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LatestPaymentAt returns the most recent payment signal time for a project, or nil.
func (r Repo) LatestPaymentAt(ctx context.Context, q db.Querier, projectID string) (*time.Time, error) {
	rows, err := q.QueryContext(ctx, r.q(`SELECT received_at FROM payment_signals WHERE project_id=?`), projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var latest *time.Time
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest, rows.Err()
}
