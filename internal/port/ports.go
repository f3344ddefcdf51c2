// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
)

// SessionRepository loads and saves the full session aggregate.
//
// Put is version-guarded: it succeeds only when the stored version equals
// s.Version (0 for a session that was never saved) and then increments
// s.Version. A lost race returns *domain.ErrConflict.
type SessionRepository interface {
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	Put(ctx context.Context, s *domain.Session) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
}

// LanguageModel is the external chat model. Implementations must return
// *domain.ErrExternalService (or a timeout/circuit error) on failure.
type LanguageModel interface {
	Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.Completion, error)
}

// SessionLocker serializes work on one session id.
type SessionLocker interface {
	WithLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error
}

// UnlockFunc releases a lock taken by a Locker.
type UnlockFunc func(ctx context.Context) error

// Locker is a distributed advisory lock keyed by name. The lock expires after
// ttl if its holder never releases it.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
