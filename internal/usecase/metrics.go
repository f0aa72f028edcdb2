package usecase

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrStatsUnavailable is returned when no classification repository is configured.
var ErrStatsUnavailable = errors.New("classification stats unavailable")

// Outcomes recorded on the relay request counter.
const (
	OutcomeSuccess              = "success"
	OutcomeNoFile               = "no_file"
	OutcomeUnsupportedImage     = "unsupported_image"
	OutcomeUploadFailed         = "upload_failed"
	OutcomeClassificationFailed = "classification_failed"
)

// Metrics holds the Prometheus collectors updated by the relay.
type Metrics struct {
	requests          *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	classifierLatency prometheus.Histogram
	topClass          *prometheus.CounterVec
}

// NewMetrics creates the relay collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Classification relay requests by outcome.",
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_prediction_cache_lookups_total",
			Help: "Prediction cache lookups by result.",
		}, []string{"result"}),
		classifierLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_classifier_duration_seconds",
			Help:    "Latency of calls to the external classifier.",
			Buckets: prometheus.DefBuckets,
		}),
		topClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_top_class_total",
			Help: "Top predicted class of successful classifications.",
		}, []string{"class"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.cacheLookups, m.classifierLatency, m.topClass)
	}
	return m
}

func (m *Metrics) observeOutcome(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) observeClassifier(seconds float64) {
	if m == nil {
		return
	}
	m.classifierLatency.Observe(seconds)
}

func (m *Metrics) observeTopClass(class string) {
	if m == nil || class == "" {
		return
	}
	m.topClass.WithLabelValues(class).Inc()
}

// StatsSummary represents aggregated classification insights.
type StatsSummary struct {
	TotalClassifications int64            `json:"total_classifications"`
	CacheHits            int64            `json:"cache_hits"`
	CacheHitRate         float64          `json:"cache_hit_rate"`
	AverageTopScore      float64          `json:"average_top_score"`
	AverageLatencyMs     float64          `json:"average_latency_ms"`
	ClassCounts          map[string]int64 `json:"class_counts"`
}

// GetStats aggregates classification metrics from persisted logs.
func (uc *RelayUseCase) GetStats(ctx context.Context) (*StatsSummary, error) {
	if uc.repo == nil {
		return nil, ErrStatsUnavailable
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &StatsSummary{
		TotalClassifications: aggregation.TotalCount,
		CacheHits:            aggregation.CacheHits,
		AverageTopScore:      aggregation.AverageScore,
		AverageLatencyMs:     aggregation.AverageMs,
		ClassCounts:          make(map[string]int64, len(aggregation.Classes)),
	}
	for _, c := range aggregation.Classes {
		summary.ClassCounts[c.Class] = c.Count
	}
	if aggregation.TotalCount > 0 {
		summary.CacheHitRate = float64(aggregation.CacheHits) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
