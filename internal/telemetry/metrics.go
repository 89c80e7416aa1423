// Package telemetry adapts ledger operations and limiter decisions to zap
// logs and prometheus collectors.
package telemetry

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service collectors.
type Metrics struct {
	Operations       *prometheus.CounterVec
	OperationAmounts *prometheus.CounterVec
	RateDecisions    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_operations_total",
				Help: "Credit ledger operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		OperationAmounts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credits_operation_amount_total",
				Help: "Credits moved by successful ledger operations.",
			},
			[]string{"operation"},
		),
		RateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_decisions_total",
				Help: "Rate limiter decisions.",
			},
			[]string{"decision"},
		),
	}
	for _, collector := range []prometheus.Collector{metrics.Operations, metrics.OperationAmounts, metrics.RateDecisions} {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return metrics, nil
}

// LogOperation implements ledger.OperationLogger.
func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.Operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Error == nil && entry.Amount > 0 {
		metrics.OperationAmounts.WithLabelValues(entry.Operation).Add(float64(entry.Amount))
	}
}

// RecordDecision implements ratelimit.DecisionRecorder.
func (metrics *Metrics) RecordDecision(decision string) {
	metrics.RateDecisions.WithLabelValues(decision).Inc()
}
