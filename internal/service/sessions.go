package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// GetSession loads a stored session. A missing id is reported as
// *domain.ErrNotFound.
func (w *Workflow) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx, span := tracer.Start(ctx, "Workflow.GetSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	s, err := w.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, notFound(sessionID, err)
	}
	return s, nil
}

// DeleteSession removes a session. It waits for any in-flight turn on the
// same session so a turn never resurrects a deleted session. A stored
// document that no longer decodes still exists and can be deleted.
func (w *Workflow) DeleteSession(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "Workflow.DeleteSession")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	return w.locker.WithLock(ctx, sessionID, func(ctx context.Context) error {
		if _, err := w.repo.Get(ctx, sessionID); err != nil {
			var de *domain.ErrDeserialization
			if !errors.As(err, &de) {
				return notFound(sessionID, err)
			}
			w.logger.Warn("deleting undecodable session",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
		if err := w.repo.Delete(ctx, sessionID); err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
		w.logger.Info("session deleted", zap.String("session_id", sessionID))
		return nil
	})
}

// Ready reports whether the session repository is reachable.
func (w *Workflow) Ready(ctx context.Context) error {
	return w.repo.Ping(ctx)
}

func notFound(sessionID string, err error) error {
	if errors.Is(err, domain.ErrSessionNotFound) {
		return &domain.ErrNotFound{Resource: "session", ID: sessionID}
	}
	return fmt.Errorf("load session %s: %w", sessionID, err)
}
