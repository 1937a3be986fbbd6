package core

import (
	"amrcore/pkg/domain"
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder exports operation latency and outcome counts.
type PrometheusMetricsRecorder struct {
	durations *prometheus.HistogramVec
	totals    *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the operation collectors with reg.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	r := &PrometheusMetricsRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "amrcore",
			Name:      "operation_duration_seconds",
			Help:      "Latency of service operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"operation", "status"}),
		totals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amrcore",
			Name:      "operation_total",
			Help:      "Service operations by outcome.",
		}, []string{"operation", "status"}),
	}
	for _, c := range []prometheus.Collector{r.durations, r.totals} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register operation metrics: %w", err)
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := statusLabel(success)
	r.durations.WithLabelValues(operation, status).Observe(duration.Seconds())
	r.totals.WithLabelValues(operation, status).Inc()
}

// TrainingGauges tracks classifier evaluations as retraining reports them.
// It satisfies training.Observer.
type TrainingGauges struct {
	deployedF1 *prometheus.GaugeVec
	trained    *prometheus.CounterVec
}

// NewTrainingGauges registers the training collectors with reg.
func NewTrainingGauges(reg prometheus.Registerer) (*TrainingGauges, error) {
	g := &TrainingGauges{
		deployedF1: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "amrcore",
			Name:      "deployed_classifier_f1",
			Help:      "Test F1 of the deployed classifier per drug.",
		}, []string{"class", "drug"}),
		trained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amrcore",
			Name:      "classifiers_trained_total",
			Help:      "Fitted classifiers by comparison with the deployed one.",
		}, []string{"class", "performance"}),
	}
	for _, c := range []prometheus.Collector{g.deployedF1, g.trained} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register training metrics: %w", err)
		}
	}
	return g, nil
}

// ClassifierTrained records one evaluation. Only better classifiers get
// deployed, so only they move the F1 gauge.
func (g *TrainingGauges) ClassifierTrained(class domain.InstrumentClass, drug string, metrics domain.Metrics, performance domain.Performance) {
	g.trained.WithLabelValues(string(class), string(performance)).Inc()
	if performance == domain.PerformanceBetter {
		g.deployedF1.WithLabelValues(string(class), drug).Set(metrics.F1)
	}
}
