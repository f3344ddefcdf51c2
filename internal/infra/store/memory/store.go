// Package memory is an in-process session repository. It stores the encoded
// document so callers never share a live aggregate.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
)

type record struct {
	version int64
	data    []byte
}

// Store implements port.SessionRepository in memory.
type Store struct {
	mu    sync.RWMutex
	items map[string]record
}

// New creates an empty store.
func New() *Store {
	return &Store{items: make(map[string]record)}
}

// Get decodes a fresh copy of the stored session.
func (s *Store) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.RLock()
	rec, ok := s.items[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return domain.DecodeSession(rec.data)
}

// Put stores the session if its version matches the stored one.
func (s *Store) Put(_ context.Context, sess *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.items[sess.ID].version
	if current != sess.Version {
		return &domain.ErrConflict{
			Message: fmt.Sprintf("session %s was modified concurrently (stored version %d, loaded %d)", sess.ID, current, sess.Version),
		}
	}

	next := sess.Clone()
	next.Version++
	data, err := domain.EncodeSession(next)
	if err != nil {
		return err
	}
	s.items[sess.ID] = record{version: next.Version, data: data}
	sess.Version = next.Version
	return nil
}

// Delete removes a session. Deleting a missing id is not an error.
func (s *Store) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, sessionID)
	return nil
}

// List returns every stored session id, sorted.
func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error {
	return nil
}
