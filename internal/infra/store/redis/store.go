// Package redis provides the Redis session repository and distributed lock.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"

	backend "github.com/redis/go-redis/v9"
)

const (
	// Keys are prefix+"session:"+id, prefix+"index" and prefix+"lock:"+id,
	// so no session id can name the index or a lock.
	defaultPrefix = "scenarios:"
	// Index score used for sessions that never expire (2100-01-01).
	farFuture = 4102444800
)

// Store implements port.SessionRepository on Redis. Each session is a hash
// holding the version and the JSON document; a ZSET indexes live sessions.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// Option configures the Store.
type Option func(*Store)

// WithTTL sets the expiration for sessions.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the namespace prefix for every key the store writes.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// NewClient builds a go-redis client for addr.
func NewClient(addr, password string, db int) *backend.Client {
	return backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewFromClient creates a store on an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: defaultPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

// Get loads a session document.
func (s *Store) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	doc, err := s.client.HGet(ctx, s.key(sessionID), "document").Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session from redis: %w", err)
	}
	return domain.DecodeSession([]byte(doc))
}

// Put writes the session inside a WATCH transaction so a concurrent writer
// that bumped the version makes this one fail with ErrConflict.
func (s *Store) Put(ctx context.Context, sess *domain.Session) error {
	next := sess.Clone()
	next.Version++
	data, err := domain.EncodeSession(next)
	if err != nil {
		return err
	}
	key := s.key(sess.ID)

	conflict := &domain.ErrConflict{
		Message: fmt.Sprintf("session %s was modified concurrently (loaded version %d)", sess.ID, sess.Version),
	}

	txf := func(tx *backend.Tx) error {
		stored, err := tx.HGet(ctx, key, "version").Result()
		var current int64
		switch {
		case errors.Is(err, backend.Nil):
			current = 0
		case err != nil:
			return err
		default:
			current, err = strconv.ParseInt(stored, 10, 64)
			if err != nil {
				return fmt.Errorf("parse stored version %q: %w", stored, err)
			}
		}
		if current != sess.Version {
			return conflict
		}

		score := float64(time.Now().Add(s.ttl).Unix())
		if s.ttl == 0 {
			score = farFuture
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.HSet(ctx, key, "version", next.Version, "document", data)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			pipe.ZAdd(ctx, s.indexKey(), backend.Z{Score: score, Member: sess.ID})
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		sess.Version = next.Version
		return nil
	case errors.Is(err, backend.TxFailedErr):
		return conflict
	default:
		var ce *domain.ErrConflict
		if errors.As(err, &ce) {
			return ce
		}
		return fmt.Errorf("save session to redis: %w", err)
	}
}

// Delete removes the session and its index entry.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(sessionID))
	pipe.ZRem(ctx, s.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session from redis: %w", err)
	}
	return nil
}

// List prunes expired index entries and returns the remaining ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	now := float64(time.Now().Unix())
	if err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", fmt.Sprintf("%f", now)).Err(); err != nil {
		return nil, fmt.Errorf("prune expired sessions: %w", err)
	}

	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
