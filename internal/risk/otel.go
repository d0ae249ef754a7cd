package risk

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"licensectl/pkg/contracts/domain"
)

// MeterName identifies the risk engine's OpenTelemetry meter.
const MeterName = "risk-engine"

// Metrics holds the risk engine's OpenTelemetry instruments. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	Evaluations        metric.Int64Counter
	Suspicious         metric.Int64Counter
	EvaluationDuration metric.Float64Histogram
}

// InitMetrics creates the risk instruments on the given meter.
func InitMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.Evaluations, err = meter.Int64Counter(
		"risk_evaluations_total",
		metric.WithDescription("Total number of risk evaluations by churn level"),
	); err != nil {
		return nil, fmt.Errorf("failed to create evaluation counter: %w", err)
	}

	if m.Suspicious, err = meter.Int64Counter(
		"risk_suspicious_total",
		metric.WithDescription("Total number of evaluations flagged suspicious"),
	); err != nil {
		return nil, fmt.Errorf("failed to create suspicious counter: %w", err)
	}

	if m.EvaluationDuration, err = meter.Float64Histogram(
		"risk_evaluation_duration_seconds",
		metric.WithDescription("Risk evaluation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create evaluation duration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordEvaluation(ctx context.Context, a *domain.RiskAssessment, elapsed time.Duration) {
	if m == nil {
		return
	}
	level := attribute.String("churn_risk", string(a.ChurnRisk))
	m.Evaluations.Add(ctx, 1, metric.WithAttributes(level))
	if a.Suspicious {
		m.Suspicious.Add(ctx, 1)
	}
	m.EvaluationDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(level))
}
