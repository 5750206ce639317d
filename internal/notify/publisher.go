// Package notify announces workflow transitions to the outside world:
// NATS subscribers, log sinks and configured webhooks.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kfrrst/website-sub010/internal/domain"
)

// Publisher receives every transition the workflow facade commits.
type Publisher interface {
	Publish(ctx context.Context, tr domain.Transition) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, tr domain.Transition) error

func (f PublisherFunc) Publish(ctx context.Context, tr domain.Transition) error { return f(ctx, tr) }

// Multi fans out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, tr domain.Transition) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, tr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes transitions to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Publish(ctx context.Context, tr domain.Transition) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	from := ""
	if tr.FromPhaseKey != nil {
		from = *tr.FromPhaseKey
	}
	logger.InfoContext(ctx, "phase transition",
		"project_id", tr.ProjectID,
		"from", from,
		"to", tr.ToPhaseKey,
		"by", tr.TransitionedBy,
		"override", tr.IsOverride,
		"automated", tr.IsAutomated,
	)
	return nil
}

const (
	DefaultSubjectPrefix = "portal.workflow.transition"
	MessageType          = "workflow.transition"
)

// Message is the JSON body published for each transition.
type Message struct {
	EventID     string            `json:"event_id"`
	Type        string            `json:"type"`
	Transition  domain.Transition `json:"transition"`
	PublishedAt time.Time         `json:"published_at"`
}

// NATS publishes transitions on <prefix>.<project id>.
type NATS struct {
	Conn          *nats.Conn
	SubjectPrefix string
	Now           func() time.Time
}

func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{Conn: conn, SubjectPrefix: DefaultSubjectPrefix}
}

// Subject returns the subject a project's transitions are published on.
func (n *NATS) Subject(projectID string) string {
	prefix := n.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + projectID
}

func (n *NATS) Publish(ctx context.Context, tr domain.Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.Conn == nil {
		return fmt.Errorf("nats: not connected")
	}
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	data, err := json.Marshal(Message{
		EventID:     uuid.NewString(),
		Type:        MessageType,
		Transition:  tr,
		PublishedAt: now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := n.Conn.Publish(n.Subject(tr.ProjectID), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}
