// Package lock serializes workflow runs per session id.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/boddenberg/credit-scenarios-go/internal/port"

	"go.uber.org/zap"
)

// DefaultTTL bounds how long a crashed holder can keep a distributed lock.
// It exceeds the default turn timeout so a live turn never loses its lock.
const DefaultTTL = 90 * time.Second

type entry struct {
	mu   sync.Mutex
	refs int
}

// Manager hands out one mutex per session id. Entries are reference counted
// and dropped once nobody holds or waits on them.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*entry

	locker port.Locker
	ttl    time.Duration
	logger *zap.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithDistributedLocker chains a cross-process lock after the local mutex.
func WithDistributedLocker(l port.Locker, ttl time.Duration) Option {
	return func(m *Manager) {
		m.locker = l
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLogger sets the logger used for release failures.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:  make(map[string]*entry),
		ttl:    DefaultTTL,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) acquire(sessionID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[sessionID]
	if !ok {
		e = &entry{}
		m.locks[sessionID] = e
	}
	e.refs++
	return e
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[sessionID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.locks, sessionID)
	}
}

// Active reports how many session ids currently have a lock entry.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// WithLock runs fn while holding the session's lock. Waiting for the local
// mutex is not interruptible; the distributed lock honours ctx.
func (m *Manager) WithLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	e := m.acquire(sessionID)
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		m.release(sessionID)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, sessionID, m.ttl)
		if err != nil {
			return fmt.Errorf("acquire distributed lock: %w", err)
		}
		defer func() {
			// Release even when fn's context has expired.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := unlock(releaseCtx); err != nil {
				m.logger.Warn("failed to release distributed lock, it will expire via TTL",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
			}
		}()
	}

	return fn(ctx)
}
