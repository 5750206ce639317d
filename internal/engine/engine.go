package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kfrrst/website-sub010/internal/catalog"
	"github.com/kfrrst/website-sub010/internal/db"
	"github.com/kfrrst/website-sub010/internal/events"
	"github.com/kfrrst/website-sub010/internal/lock"
	"github.com/kfrrst/website-sub010/internal/metrics"
	"github.com/kfrrst/website-sub010/internal/repo"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrAlreadyTracked         = errors.New("project already tracked")
	ErrTerminalPhase          = errors.New("project already at final phase")
	ErrUnknownRequirement     = errors.New("unknown requirement")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrPhaseNotSatisfied      = errors.New("phase requirements not satisfied")
	ErrInvalidArgument        = errors.New("invalid argument")
)

// DefaultLockTimeout bounds how long a mutation waits for a project lock.
const DefaultLockTimeout = 5 * time.Second

// Engine owns the project phase tracker and the automation rule engine. All
// mutations of one project run under that project's lock and inside a single
// transaction.
type Engine struct {
	DB      *db.DB
	Repo    repo.Repo
	Events  events.Writer
	Catalog *catalog.Catalog
	Locker  lock.Locker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(conn *db.DB, cat *catalog.Catalog) Engine {
	return Engine{
		DB:      conn,
		Repo:    repo.New(conn),
		Events:  events.Writer{Dialect: conn.Dialect},
		Catalog: cat,
		Locker:  lock.NewMemory(DefaultLockTimeout),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) appendEvent(ctx context.Context, q db.Querier, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	if w.Dialect == "" {
		w.Dialect = e.DB.Dialect
	}
	return w.Append(ctx, q, evtType, projectID, entityKind, entityID, actorID, payload)
}

// lockProject takes the per-project lock. A timeout surfaces as
// ErrConcurrentModification.
func (e Engine) lockProject(ctx context.Context, projectID string) (func(), error) {
	if e.Locker == nil {
		return func() {}, nil
	}
	start := time.Now()
	release, err := e.Locker.Acquire(ctx, projectID)
	e.Metrics.LockWait(time.Since(start), err == nil)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
		return nil, fmt.Errorf("lock project %s: %w", projectID, err)
	}
	return release, nil
}

func projectNotFound(projectID string) error {
	return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
}

// stateErr maps repository errors from loading or writing a phase state.
func stateErr(projectID string, err error) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return projectNotFound(projectID)
	case errors.Is(err, repo.ErrStale):
		return fmt.Errorf("project %s changed during update: %w", projectID, ErrConcurrentModification)
	}
	return err
}
