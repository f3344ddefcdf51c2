package observability

import (
	"time"

	"github.com/boddenberg/credit-scenarios-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Turn outcomes recorded in scenarios_turns_total.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Tool dispatch outcomes recorded in scenarios_tool_dispatch_total.
const (
	DispatchOK      = "dispatched"
	DispatchIgnored = "ignored"
)

// Metrics holds all Prometheus metrics for the scenario service.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	turnsTotal      *prometheus.CounterVec
	toolDispatches  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	tokensUsed      *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	creditScore     prometheus.Histogram
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenarios_turns_total",
				Help: "Workflow turns by outcome.",
			},
			[]string{"outcome"},
		),
		toolDispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenarios_tool_dispatch_total",
				Help: "Tool-call intents by tool and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scenarios_request_duration_seconds",
				Help:    "Duration of operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenarios_external_errors_total",
				Help: "Total errors from external services.",
			},
			[]string{"service"},
		),
		tokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenarios_llm_tokens_total",
				Help: "Total LLM tokens consumed.",
			},
			[]string{"type"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenarios_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scenarios_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		creditScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scenarios_credit_score",
				Help:    "Credit scores produced by the scoring engine.",
				Buckets: prometheus.LinearBuckets(0, 100, 11),
			},
		),
	}
}

// IncrTurn counts a finished turn.
func (m *Metrics) IncrTurn(outcome string) {
	m.turnsTotal.WithLabelValues(outcome).Inc()
}

// IncrToolDispatch counts a tool-call intent.
func (m *Metrics) IncrToolDispatch(tool, outcome string) {
	m.toolDispatches.WithLabelValues(tool, outcome).Inc()
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// RecordTokens records prompt and completion token usage.
func (m *Metrics) RecordTokens(prompt, completion int) {
	m.tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	m.tokensUsed.WithLabelValues("completion").Add(float64(completion))
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// ObserveCreditScore records a computed score.
func (m *Metrics) ObserveCreditScore(score int) {
	m.creditScore.Observe(float64(score))
}

// GetWorkflowSnapshot returns a snapshot of workflow metrics for the
// GET /v1/metrics/workflow endpoint.
func (m *Metrics) GetWorkflowSnapshot() *domain.WorkflowMetrics {
	// Prometheus counters expose cumulative values.
	promptTokens := getCounterValue(m.tokensUsed, "prompt")
	completionTokens := getCounterValue(m.tokensUsed, "completion")
	succeeded := getCounterValue(m.turnsTotal, OutcomeSuccess)
	failed := getCounterValue(m.turnsTotal, OutcomeError)
	total := succeeded + failed
	dispatched := getCounterValue(m.toolDispatches, domain.CreditCheckTool, DispatchOK)
	ignored := sumCounter(m.toolDispatches, func(labels map[string]string) bool {
		return labels["outcome"] == DispatchIgnored
	})
	hits := getCounterValue(m.cacheHits, "score")
	misses := getCounterValue(m.cacheMisses, "score")

	avgTokens, errorRate, hitRate := 0.0, 0.0, 0.0
	if total > 0 {
		avgTokens = (promptTokens + completionTokens) / total
		errorRate = failed / total
	}
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	avgScore := 0.0
	if h := histogramOf(m.creditScore); h != nil && h.GetSampleCount() > 0 {
		avgScore = h.GetSampleSum() / float64(h.GetSampleCount())
	}

	// Estimated cost: ~$0.0025/1k prompt tokens, ~$0.01/1k completion tokens (GPT-4o)
	estimatedCost := (promptTokens/1000)*0.0025 + (completionTokens/1000)*0.01

	return &domain.WorkflowMetrics{
		TurnsTotal:        int64(total),
		TurnsFailed:       int64(failed),
		ErrorRate:         errorRate,
		ToolDispatches:    int64(dispatched),
		IgnoredToolCalls:  int64(ignored),
		AvgTokensPerTurn:  avgTokens,
		EstimatedCostUsd:  estimatedCost,
		ScoreCacheHitRate: hitRate,
		AvgCreditScore:    avgScore,
		Period:            "all_time",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for the given labels.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	counter := cv.WithLabelValues(labels...)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

// sumCounter adds every child of cv whose labels satisfy keep.
func sumCounter(cv *prometheus.CounterVec, keep func(map[string]string) bool) float64 {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()

	var total float64
	for metric := range ch {
		m := &dto.Metric{}
		if err := metric.Write(m); err != nil || m.Counter == nil {
			continue
		}
		labels := make(map[string]string, len(m.Label))
		for _, lp := range m.Label {
			labels[lp.GetName()] = lp.GetValue()
		}
		if keep(labels) {
			total += m.Counter.GetValue()
		}
	}
	return total
}

func histogramOf(h prometheus.Histogram) *dto.Histogram {
	m := &dto.Metric{}
	if err := h.Write(m); err != nil {
		return nil
	}
	return m.Histogram
}
