package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"licensectl/internal/alert"
	"licensectl/internal/config"
	domainerrors "licensectl/internal/errors"
	"licensectl/internal/infrastructure"
	"licensectl/internal/store"
	"licensectl/pkg/contracts/domain"
)

// Churn factor names, in evaluation order.
const (
	FactorOfflineRatio  = "offline_ratio"
	FactorLicenseState  = "license_state"
	FactorActivityTrend = "activity_trend"
	FactorStaleRenewal  = "stale_renewal"
)

// Suspicious-activity rule names.
const (
	RuleSimultaneousOffline = "simultaneous_offline"
	RuleResourceAbuse       = "resource_abuse"
	RuleFailedAttempts      = "failed_attempts"
	RuleConfigChurn         = "config_churn"
)

// Maximum weight each churn factor may contribute. The four bounds sum to 1
// so the cumulative score stays in [0, 1].
const (
	maxOfflineRatioWeight  = 0.30
	maxLicenseStateWeight  = 0.35
	maxActivityTrendWeight = 0.20
	maxStaleRenewalWeight  = 0.15
)

// Engine computes risk assessments per client. It holds no mutable domain
// state; the result cache is advisory and safe to drop at any time.
type Engine struct {
	licenses store.LicenseStore
	machines store.MachineStore
	alerts   alert.Sink
	clock    infrastructure.Clock
	cfg      config.RiskConfig
	hb       config.HeartbeatConfig

	mu    sync.RWMutex
	cache map[string]domain.RiskAssessment

	metrics *Metrics
	logger  *slog.Logger
}

// NewEngine creates a risk engine. Alerts and clock may be nil.
func NewEngine(cfg *config.Config, licenses store.LicenseStore, machines store.MachineStore, alerts alert.Sink, clock infrastructure.Clock) *Engine {
	if alerts == nil {
		alerts = alert.SinkFunc(func(context.Context, alert.Alert) error { return nil })
	}
	if clock == nil {
		clock = infrastructure.SystemClock{}
	}
	return &Engine{
		licenses: licenses,
		machines: machines,
		alerts:   alerts,
		clock:    clock,
		cfg:      cfg.Risk,
		hb:       cfg.Heartbeat,
		cache:    make(map[string]domain.RiskAssessment),
		logger:   infrastructure.GetLogger().With("component", "risk"),
	}
}

// SetMetrics attaches OpenTelemetry instruments. Safe to skip; a nil Metrics
// records nothing.
func (e *Engine) SetMetrics(m *Metrics) { e.metrics = m }

// Evaluate assesses one client. The assessment is derived purely from the
// current license and machine snapshots plus the usage events inside the
// trailing window; it mutates no domain state.
func (e *Engine) Evaluate(ctx context.Context, clientID string) (*domain.RiskAssessment, error) {
	if clientID == "" {
		return nil, domainerrors.InvalidInput("client id", "must not be empty")
	}
	started := e.clock.Now()

	now := started
	machines, err := e.machines.ListByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	licenses, err := e.licenses.ListByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if len(machines) == 0 && len(licenses) == 0 {
		return nil, domainerrors.NotFound("client", clientID)
	}
	events, err := e.machines.QueryUsageEvents(ctx, clientID, now.Add(-e.cfg.Window), now.Add(time.Nanosecond))
	if err != nil {
		return nil, err
	}

	assessment := &domain.RiskAssessment{
		ClientID:    clientID,
		EvaluatedAt: now,
	}

	factors := []domain.Factor{
		e.offlineRatioFactor(machines, now),
		e.licenseStateFactor(licenses),
		e.activityTrendFactor(events, now),
		e.staleRenewalFactor(licenses, events, now),
	}
	for _, f := range factors {
		assessment.Score += f.Weight
	}
	if assessment.Score > 1 {
		assessment.Score = 1
	}
	assessment.ChurnRisk = e.churnLevel(assessment.Score)
	assessment.Factors = factors

	for _, rule := range []func() (bool, domain.Factor){
		func() (bool, domain.Factor) { return e.simultaneousOffline(machines, now) },
		func() (bool, domain.Factor) { return e.resourceAbuse(events) },
		func() (bool, domain.Factor) { return e.failedAttempts(events, now) },
		func() (bool, domain.Factor) { return e.configChurn(events, now) },
	} {
		if fired, f := rule(); fired {
			assessment.Suspicious = true
			assessment.Factors = append(assessment.Factors, f)
		}
	}

	e.mu.Lock()
	e.cache[clientID] = *assessment
	e.mu.Unlock()

	e.maybeAlert(ctx, assessment)
	e.metrics.recordEvaluation(ctx, assessment, e.clock.Now().Sub(started))
	e.logger.DebugContext(ctx, "risk evaluated",
		slog.String("action", "risk_evaluate"),
		slog.String("client_id", clientID),
		slog.Float64("score", assessment.Score),
		slog.String("churn_risk", string(assessment.ChurnRisk)),
		slog.Bool("suspicious", assessment.Suspicious),
	)
	return assessment, nil
}

// EvaluateAll assesses every client owning at least one machine, bounding
// concurrency by the configured parallelism. Results are ordered by client
// id. The first failing evaluation aborts the batch.
func (e *Engine) EvaluateAll(ctx context.Context) ([]*domain.RiskAssessment, error) {
	clients, err := e.machines.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(clients)

	results := make([]*domain.RiskAssessment, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.EvaluationParallel)
	for i, clientID := range clients {
		g.Go(func() error {
			a, err := e.Evaluate(gctx, clientID)
			if err != nil {
				return fmt.Errorf("evaluate client %s: %w", clientID, err)
			}
			results[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Cached returns the last assessment computed for a client, if any.
func (e *Engine) Cached(clientID string) (domain.RiskAssessment, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.cache[clientID]
	return a, ok
}

// offlineRatioFactor weighs the share of the fleet currently offline.
// Machines that never heartbeated stay unknown and count in neither bucket.
func (e *Engine) offlineRatioFactor(machines []*domain.Machine, now time.Time) domain.Factor {
	f := domain.Factor{Name: FactorOfflineRatio}
	var offline, classified int
	for _, m := range machines {
		switch m.LivenessAt(now, e.hb.OfflineThreshold) {
		case domain.LivenessOffline:
			offline++
			classified++
		case domain.LivenessOnline:
			classified++
		}
	}
	if classified > 0 {
		f.Weight = maxOfflineRatioWeight * float64(offline) / float64(classified)
	}
	return f
}

// licenseStateFactor weighs the worst license status the client holds.
// Blocked and cancelled weigh heaviest, expired slightly less; a client with
// no active license at all still carries some weight.
func (e *Engine) licenseStateFactor(licenses []*domain.License) domain.Factor {
	f := domain.Factor{Name: FactorLicenseState}
	if len(licenses) == 0 {
		return f
	}
	var hasActive, hasBlocked, hasExpired, hasCancelled bool
	for _, l := range licenses {
		switch l.Status {
		case domain.LicenseStatusActive:
			hasActive = true
		case domain.LicenseStatusBlocked:
			hasBlocked = true
		case domain.LicenseStatusExpired:
			hasExpired = true
		case domain.LicenseStatusCancelled:
			hasCancelled = true
		}
	}
	switch {
	case hasBlocked || hasCancelled:
		f.Weight = maxLicenseStateWeight
	case hasExpired:
		f.Weight = maxLicenseStateWeight * 0.8
	case !hasActive:
		f.Weight = maxLicenseStateWeight * 0.4
	}
	return f
}

// activityTrendFactor weighs a decline in heartbeat volume: the second half
// of the window is compared against the first. No baseline means no weight.
func (e *Engine) activityTrendFactor(events []domain.UsageEvent, now time.Time) domain.Factor {
	f := domain.Factor{Name: FactorActivityTrend}
	midpoint := now.Add(-e.cfg.Window / 2)
	var early, late int
	for _, ev := range events {
		if ev.Kind != domain.UsageKindHeartbeat {
			continue
		}
		if ev.Timestamp.Before(midpoint) {
			early++
		} else {
			late++
		}
	}
	if early > late {
		decline := float64(early-late) / float64(early)
		f.Weight = maxActivityTrendWeight * decline
	}
	return f
}

// staleRenewalFactor weighs the time elapsed since the client last activated
// or renewed anything, graded once past the inactivity grace period.
func (e *Engine) staleRenewalFactor(licenses []*domain.License, events []domain.UsageEvent, now time.Time) domain.Factor {
	f := domain.Factor{Name: FactorStaleRenewal}

	var last time.Time
	for _, l := range licenses {
		if l.IssuedAt.After(last) {
			last = l.IssuedAt
		}
		if l.RenewedAt != nil && l.RenewedAt.After(last) {
			last = *l.RenewedAt
		}
	}
	for _, ev := range events {
		if ev.Kind == domain.UsageKindActivation && ev.Timestamp.After(last) {
			last = ev.Timestamp
		}
	}
	if last.IsZero() {
		return f
	}

	elapsed := now.Sub(last)
	if elapsed <= e.cfg.InactivityGrace {
		return f
	}
	ratio := float64(elapsed-e.cfg.InactivityGrace) / float64(e.cfg.InactivityGrace)
	if ratio > 1 {
		ratio = 1
	}
	f.Weight = maxStaleRenewalWeight * ratio
	return f
}

func (e *Engine) churnLevel(score float64) domain.ChurnRisk {
	switch {
	case score < e.cfg.MediumThreshold:
		return domain.ChurnRiskLow
	case score < e.cfg.HighThreshold:
		return domain.ChurnRiskMedium
	case score < e.cfg.CriticalThreshold:
		return domain.ChurnRiskHigh
	default:
		return domain.ChurnRiskCritical
	}
}

// simultaneousOffline fires when more machines than the configured cluster
// size crossed the offline threshold inside the trailing cluster window. The
// crossing instant is lastHeartbeatAt plus the offline threshold, so the
// rule needs no transition log.
func (e *Engine) simultaneousOffline(machines []*domain.Machine, now time.Time) (bool, domain.Factor) {
	cutoff := now.Add(-e.cfg.OfflineClusterWindow)
	var count int
	for _, m := range machines {
		if m.LivenessAt(now, e.hb.OfflineThreshold) != domain.LivenessOffline {
			continue
		}
		since := m.OfflineSince(e.hb.OfflineThreshold)
		if !since.Before(cutoff) && !since.After(now) {
			count++
		}
	}
	if count <= e.cfg.OfflineClusterSize {
		return false, domain.Factor{}
	}
	return true, domain.Factor{Name: RuleSimultaneousOffline, Weight: 1}
}

// resourceAbuse fires when any single machine reports resource usage at or
// above the abuse bound across consecutive heartbeats spanning at least the
// abuse duration.
func (e *Engine) resourceAbuse(events []domain.UsageEvent) (bool, domain.Factor) {
	runStart := make(map[string]time.Time)
	for _, ev := range events {
		if ev.Kind != domain.UsageKindHeartbeat || ev.Metrics == nil || ev.MachineID == "" {
			continue
		}
		peak := ev.Metrics.CPUPercent
		if ev.Metrics.MemoryPercent > peak {
			peak = ev.Metrics.MemoryPercent
		}
		if peak < e.cfg.AbuseBoundPercent {
			delete(runStart, ev.MachineID)
			continue
		}
		start, ok := runStart[ev.MachineID]
		if !ok {
			runStart[ev.MachineID] = ev.Timestamp
			continue
		}
		if ev.Timestamp.Sub(start) >= e.cfg.AbuseDuration {
			return true, domain.Factor{Name: RuleResourceAbuse, Weight: 1}
		}
	}
	return false, domain.Factor{}
}

// failedAttempts fires when access-attempt events inside the trailing window
// exceed the configured limit.
func (e *Engine) failedAttempts(events []domain.UsageEvent, now time.Time) (bool, domain.Factor) {
	if e.countKindSince(events, domain.UsageKindAccessAttempt, now.Add(-e.cfg.FailedAttemptWindow)) <= e.cfg.FailedAttemptLimit {
		return false, domain.Factor{}
	}
	return true, domain.Factor{Name: RuleFailedAttempts, Weight: 1}
}

// configChurn fires when configuration-change events inside the trailing
// window exceed the configured limit.
func (e *Engine) configChurn(events []domain.UsageEvent, now time.Time) (bool, domain.Factor) {
	if e.countKindSince(events, domain.UsageKindConfigChange, now.Add(-e.cfg.ConfigChangeWindow)) <= e.cfg.ConfigChangeLimit {
		return false, domain.Factor{}
	}
	return true, domain.Factor{Name: RuleConfigChurn, Weight: 1}
}

func (e *Engine) countKindSince(events []domain.UsageEvent, kind domain.UsageKind, cutoff time.Time) int {
	var n int
	for _, ev := range events {
		if ev.Kind == kind && !ev.Timestamp.Before(cutoff) {
			n++
		}
	}
	return n
}

// maybeAlert emits a single alert when the assessment warrants one. The
// suspicious kind takes precedence over elevated churn. Delivery failures
// are logged and never surface to the caller.
func (e *Engine) maybeAlert(ctx context.Context, a *domain.RiskAssessment) {
	var kind alert.Kind
	var summary string
	switch {
	case a.Suspicious:
		kind = alert.KindSuspiciousActivity
		summary = fmt.Sprintf("suspicious activity detected for client %s", a.ClientID)
	case a.ChurnRisk.AtLeast(domain.ChurnRiskHigh):
		kind = alert.KindChurnRisk
		summary = fmt.Sprintf("client %s churn risk is %s (score %.2f)", a.ClientID, a.ChurnRisk, a.Score)
	default:
		return
	}

	out := alert.New(kind, a.ClientID, summary, a.EvaluatedAt)
	out.Factors = append([]domain.Factor(nil), a.Factors...)
	if err := e.alerts.Send(ctx, out); err != nil {
		e.logger.ErrorContext(ctx, "alert emission failed",
			slog.String("action", "alert_emit_failed"),
			slog.String("kind", string(kind)),
			slog.String("client_id", a.ClientID),
			slog.String("error", err.Error()),
		)
	}
}
