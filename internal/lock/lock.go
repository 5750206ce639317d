// Package lock provides per-project mutual exclusion for workflow mutations.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// deadline.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker serializes work on a key. Release must be called exactly once after
// a successful Acquire; extra calls are no-ops.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Memory is an in-process keyed lock. Keys that nobody holds or waits on are
// dropped from the table.
type Memory struct {
	// Timeout bounds each Acquire when the caller's context has no earlier deadline.
	Timeout time.Duration

	mu    sync.Mutex
	locks map[string]*memEntry
}

type memEntry struct {
	ch   chan struct{}
	refs int
}

func NewMemory(timeout time.Duration) *Memory {
	return &Memory{Timeout: timeout, locks: map[string]*memEntry{}}
}

func (m *Memory) Acquire(ctx context.Context, key string) (func(), error) {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	m.mu.Lock()
	if m.locks == nil {
		m.locks = map[string]*memEntry{}
	}
	e, ok := m.locks[key]
	if !ok {
		e = &memEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, e)
		return nil, fmt.Errorf("%s: %w", key, ErrNotAcquired)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.unref(key, e)
		})
	}, nil
}

func (m *Memory) unref(key string, e *memEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
