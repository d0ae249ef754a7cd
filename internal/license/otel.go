package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domainerrors "licensectl/internal/errors"
)

// MeterName identifies the license manager's OpenTelemetry meter.
const MeterName = "license-manager"

// Metrics holds the license manager's OpenTelemetry instruments. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	IssueTotal         metric.Int64Counter
	KeyCollisions      metric.Int64Counter
	ActivationAttempts metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram
	ValidationAttempts metric.Int64Counter
	ValidationInvalid  metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	Renewals           metric.Int64Counter
	Blocks             metric.Int64Counter
	LazyExpirations    metric.Int64Counter
}

// InitMetrics creates the license instruments on the given meter.
func InitMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.IssueTotal, err = meter.Int64Counter(
		"license_issued_total",
		metric.WithDescription("Total number of licenses issued"),
	); err != nil {
		return nil, fmt.Errorf("failed to create issue counter: %w", err)
	}

	if m.KeyCollisions, err = meter.Int64Counter(
		"license_key_collisions_total",
		metric.WithDescription("Total number of generated keys rejected for collision"),
	); err != nil {
		return nil, fmt.Errorf("failed to create key collision counter: %w", err)
	}

	if m.ActivationAttempts, err = meter.Int64Counter(
		"license_activation_attempts_total",
		metric.WithDescription("Total number of license activation attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	if m.ActivationFailures, err = meter.Int64Counter(
		"license_activation_failures_total",
		metric.WithDescription("Total number of failed license activations by error code"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}

	if m.ActivationDuration, err = meter.Float64Histogram(
		"license_activation_duration_seconds",
		metric.WithDescription("License activation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	if m.ValidationAttempts, err = meter.Int64Counter(
		"license_validation_attempts_total",
		metric.WithDescription("Total number of license validation attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation attempts counter: %w", err)
	}

	if m.ValidationInvalid, err = meter.Int64Counter(
		"license_validation_invalid_total",
		metric.WithDescription("Total number of validations that returned invalid"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation invalid counter: %w", err)
	}

	if m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	if m.Renewals, err = meter.Int64Counter(
		"license_renewals_total",
		metric.WithDescription("Total number of license renewals"),
	); err != nil {
		return nil, fmt.Errorf("failed to create renewal counter: %w", err)
	}

	if m.Blocks, err = meter.Int64Counter(
		"license_blocks_total",
		metric.WithDescription("Total number of administrative license blocks"),
	); err != nil {
		return nil, fmt.Errorf("failed to create block counter: %w", err)
	}

	if m.LazyExpirations, err = meter.Int64Counter(
		"license_lazy_expirations_total",
		metric.WithDescription("Total number of licenses lazily transitioned to expired"),
	); err != nil {
		return nil, fmt.Errorf("failed to create lazy expiration counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordIssue(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.IssueTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) recordKeyCollision(ctx context.Context) {
	if m == nil {
		return
	}
	m.KeyCollisions.Add(ctx, 1)
}

func (m *Metrics) recordActivation(ctx context.Context, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.ActivationAttempts.Add(ctx, 1)
	m.ActivationDuration.Record(ctx, took.Seconds())
	if err != nil {
		m.ActivationFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("code", errCode(err)),
		))
	}
}

func (m *Metrics) recordValidation(ctx context.Context, res *ValidationResult, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.ValidationAttempts.Add(ctx, 1)
	m.ValidationDuration.Record(ctx, took.Seconds())
	if err != nil || (res != nil && !res.Valid) {
		m.ValidationInvalid.Add(ctx, 1)
	}
}

func (m *Metrics) recordRenewal(ctx context.Context) {
	if m == nil {
		return
	}
	m.Renewals.Add(ctx, 1)
}

func (m *Metrics) recordBlock(ctx context.Context) {
	if m == nil {
		return
	}
	m.Blocks.Add(ctx, 1)
}

func (m *Metrics) recordLazyExpiry(ctx context.Context) {
	if m == nil {
		return
	}
	m.LazyExpirations.Add(ctx, 1)
}

func errCode(err error) string {
	var de *domainerrors.DomainError
	if errors.As(err, &de) {
		return string(de.Code)
	}
	return "INTERNAL"
}
