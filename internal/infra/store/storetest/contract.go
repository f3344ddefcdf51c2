// Package storetest holds the behaviour every session repository must share.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
	"github.com/boddenberg/credit-scenarios-go/internal/port"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewSession builds a populated session suitable for persistence tests.
func NewSession(id string) *domain.Session {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	s := domain.NewSession(id, now)
	s.FinancialData = domain.FinancialData{
		Income:       5000,
		Expenses:     2000,
		Debts:        domain.Debts{"loan": 1000},
		CreditLimit:  3000,
		LatePayments: 1,
	}
	s.PersonalData = domain.PersonalData{"name": "Ada"}
	s.Append(
		domain.UserMessage{Text: "hello"},
		domain.ToolCall{CallID: "c1", ToolName: domain.CreditCheckTool, Arguments: map[string]any{"reason": "check"}},
		domain.ToolResult{CallID: "c1", ToolName: domain.CreditCheckTool, Result: "{}"},
		domain.AssistantMessage{Text: "hi"},
	)
	return s
}

// RunRepositoryContract verifies that repo honours the SessionRepository contract.
func RunRepositoryContract(t *testing.T, repo port.SessionRepository) {
	t.Helper()
	ctx := context.Background()

	t.Run("Put and Get", func(t *testing.T) {
		s := NewSession("contract-put-get")
		require.NoError(t, repo.Put(ctx, s))
		assert.Equal(t, int64(1), s.Version, "Put should bump the version")

		loaded, err := repo.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, loaded.ID)
		assert.Equal(t, int64(1), loaded.Version)
		assert.Equal(t, s.FinancialData, loaded.FinancialData)
		assert.Equal(t, s.Messages, loaded.Messages)
		assert.Equal(t, "Ada", loaded.PersonalData["name"])
	})

	t.Run("Get Non-Existent", func(t *testing.T) {
		_, err := repo.Get(ctx, "contract-missing")
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Stale Version Conflicts", func(t *testing.T) {
		s := NewSession("contract-conflict")
		require.NoError(t, repo.Put(ctx, s))

		first, err := repo.Get(ctx, s.ID)
		require.NoError(t, err)
		second, err := repo.Get(ctx, s.ID)
		require.NoError(t, err)

		first.Turns++
		require.NoError(t, repo.Put(ctx, first))

		second.Turns += 2
		err = repo.Put(ctx, second)
		var conflict *domain.ErrConflict
		require.True(t, errors.As(err, &conflict), "expected ErrConflict, got %v", err)

		loaded, err := repo.Get(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, loaded.Turns)
		assert.Equal(t, int64(2), loaded.Version)
	})

	t.Run("New Session Over Existing Conflicts", func(t *testing.T) {
		s := NewSession("contract-duplicate")
		require.NoError(t, repo.Put(ctx, s))

		dup := NewSession("contract-duplicate")
		var conflict *domain.ErrConflict
		assert.True(t, errors.As(repo.Put(ctx, dup), &conflict))
	})

	t.Run("Concurrent Puts Have One Winner", func(t *testing.T) {
		s := NewSession("contract-race")
		require.NoError(t, repo.Put(ctx, s))

		const writers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				loaded := s.Clone()
				loaded.Turns++
				if err := repo.Put(ctx, loaded); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("Delete", func(t *testing.T) {
		s := NewSession("contract-delete")
		require.NoError(t, repo.Put(ctx, s))
		require.NoError(t, repo.Delete(ctx, s.ID))

		_, err := repo.Get(ctx, s.ID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)

		// A deleted session can be created again from scratch.
		require.NoError(t, repo.Put(ctx, NewSession(s.ID)))
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, NewSession("contract-list-1")))
		require.NoError(t, repo.Put(ctx, NewSession("contract-list-2")))

		ids, err := repo.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, "contract-list-1")
		assert.Contains(t, ids, "contract-list-2")
	})

	t.Run("Ids Shaped Like Internal Keys", func(t *testing.T) {
		ids := []string{"index", "session:index", "lock:index", "session:"}
		for _, id := range ids {
			require.NoError(t, repo.Put(ctx, NewSession(id)), id)
		}
		require.NoError(t, repo.Put(ctx, NewSession("contract-after-index")))

		for _, id := range append(ids, "contract-after-index") {
			got, err := repo.Get(ctx, id)
			require.NoError(t, err, id)
			assert.Equal(t, id, got.ID)
		}

		listed, err := repo.List(ctx)
		require.NoError(t, err)
		for _, id := range append(ids, "contract-after-index") {
			assert.Contains(t, listed, id)
		}

		for _, id := range ids {
			require.NoError(t, repo.Delete(ctx, id), id)
		}
		listed, err = repo.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, listed, "contract-after-index")
		assert.NotContains(t, listed, "index")
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, repo.Ping(ctx))
	})
}
