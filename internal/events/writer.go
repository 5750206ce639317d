package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kfrrst/website-sub010/internal/db"
)

// Event types written to the outbox.
const (
	TypeTrackingCreated      = "workflow.tracking_created"
	TypePhaseAdvanced        = "workflow.phase_advanced"
	TypePhaseOverridden      = "workflow.phase_overridden"
	TypeRequirementCompleted = "workflow.requirement_completed"
	TypePaymentRecorded      = "workflow.payment_recorded"
	TypeProjectCompleted     = "workflow.project_completed"
	TypeAutomationFailed     = "automation.failed"
	TypeRuleUpdated          = "automation.rule_updated"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append writes one event row through q, normally the transaction that made the change.
func (w Writer) Append(ctx context.Context, q db.Querier, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
