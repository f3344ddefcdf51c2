package service

import (
	"context"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
	"github.com/boddenberg/credit-scenarios-go/internal/infra/observability"
	"github.com/boddenberg/credit-scenarios-go/internal/port"
	"github.com/boddenberg/credit-scenarios-go/internal/scoring"

	"go.opentelemetry.io/otel/attribute"
)

const scoreCacheName = "score"

// ScoreService scores snapshots directly, outside any session.
type ScoreService struct {
	cache   port.Cache[domain.ScoreReport]
	metrics *observability.Metrics
}

// NewScoreService creates the direct scoring service.
func NewScoreService(cache port.Cache[domain.ScoreReport], metrics *observability.Metrics) *ScoreService {
	return &ScoreService{cache: cache, metrics: metrics}
}

// Score returns the report for f, reusing a cached one for an identical snapshot.
func (s *ScoreService) Score(ctx context.Context, f domain.FinancialData) domain.ScoreReport {
	_, span := tracer.Start(ctx, "ScoreService.Score")
	defer span.End()

	key := "score:" + f.Fingerprint()
	if report, ok := s.cache.Get(key); ok {
		s.metrics.IncrCacheHit(scoreCacheName)
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return report
	}
	s.metrics.IncrCacheMiss(scoreCacheName)

	report := scoring.Score(f)
	s.metrics.ObserveCreditScore(report.CreditScore)
	s.cache.Set(key, report)
	span.SetAttributes(
		attribute.Bool("cache.hit", false),
		attribute.Int("credit.score", report.CreditScore),
	)
	return report
}
