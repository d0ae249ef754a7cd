package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"licensectl/internal/alert"
	"licensectl/internal/authz"
	"licensectl/internal/config"
	domainerrors "licensectl/internal/errors"
	"licensectl/internal/infrastructure"
	"licensectl/internal/store"
	"licensectl/pkg/contracts/domain"
)

// ActivationResult is returned by a successful activation.
type ActivationResult struct {
	License           *domain.License `json:"license"`
	AlreadyBound      bool            `json:"already_bound"` // fingerprint held a slot before this call
	NextCheckAt       time.Time       `json:"next_check_at"`
	NextCheckInterval time.Duration   `json:"next_check_interval"`
}

// ValidationResult is the outcome of a pure state evaluation.
type ValidationResult struct {
	Valid       bool                 `json:"valid"`
	Status      domain.LicenseStatus `json:"status"`
	Reason      string               `json:"reason,omitempty"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty"`
	NextCheckAt time.Time            `json:"next_check_at"`
}

// IssueRequest carries the parameters for issuing a new license.
type IssueRequest struct {
	ClientID       string
	Kind           domain.LicenseKind
	MaxActivations int
	// Validity is required for subscriptions, forbidden for perpetual
	// licenses, and defaulted from configuration for demo and trial kinds.
	Validity *time.Duration
}

// Manager owns the license state machine.
type Manager struct {
	licenses store.LicenseStore
	machines store.MachineStore
	alerts   alert.Sink
	clock    infrastructure.Clock
	auth     authz.Authorizer
	keys     KeyGenerator

	keyCfg    config.KeyConfig
	licCfg    config.LicenseConfig
	nextCheck time.Duration

	locks   *store.KeyedMutex
	metrics *Metrics
	logger  *slog.Logger
}

// NewManager creates a license manager. Alerts, clock and authorizer may be
// nil; sensible defaults (no-op sink, system clock, allow-all) are applied.
func NewManager(cfg *config.Config, licenses store.LicenseStore, machines store.MachineStore, alerts alert.Sink, clock infrastructure.Clock, auth authz.Authorizer) *Manager {
	if alerts == nil {
		alerts = alert.SinkFunc(func(context.Context, alert.Alert) error { return nil })
	}
	if clock == nil {
		clock = infrastructure.SystemClock{}
	}
	if auth == nil {
		auth = authz.AllowAll()
	}
	return &Manager{
		licenses:  licenses,
		machines:  machines,
		alerts:    alerts,
		clock:     clock,
		auth:      auth,
		keys:      NewKeyGenerator(cfg.Keys),
		keyCfg:    cfg.Keys,
		licCfg:    cfg.Licenses,
		nextCheck: cfg.Heartbeat.Interval,
		locks:     store.NewKeyedMutex(),
		logger:    infrastructure.GetLogger().With("component", "license"),
	}
}

// SetMetrics attaches OpenTelemetry metrics to the manager.
func (m *Manager) SetMetrics(metrics *Metrics) { m.metrics = metrics }

// SetKeyGenerator replaces the key generator. Intended for tests that need a
// deterministic key sequence.
func (m *Manager) SetKeyGenerator(g KeyGenerator) { m.keys = g }

// Issue creates a pending license with a freshly generated, collision-checked
// key.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*domain.License, error) {
	if req.ClientID == "" {
		return nil, domainerrors.InvalidInput("client id", "must not be empty")
	}
	if !req.Kind.Valid() {
		return nil, domainerrors.InvalidInput("kind", fmt.Sprintf("unknown license kind %q", req.Kind))
	}
	if req.MaxActivations < 1 {
		return nil, domainerrors.InvalidInput("max activations", "must be at least 1")
	}
	validity, err := m.resolveValidity(req.Kind, req.Validity)
	if err != nil {
		return nil, err
	}

	key, err := m.generateKey(ctx)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	lic := &domain.License{
		ID:             uuid.New().String(),
		Key:            key,
		ClientID:       req.ClientID,
		Kind:           req.Kind,
		Status:         domain.LicenseStatusPending,
		IssuedAt:       now,
		MaxActivations: req.MaxActivations,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if validity > 0 {
		expires := now.Add(validity)
		lic.ExpiresAt = &expires
	}

	if err := m.licenses.Save(ctx, lic); err != nil {
		return nil, err
	}

	m.metrics.recordIssue(ctx, string(req.Kind))
	m.logger.InfoContext(ctx, "license issued",
		slog.String("action", "license_issued"),
		slog.String("license_id", lic.ID),
		slog.String("client_id", lic.ClientID),
		slog.String("kind", string(lic.Kind)),
		slog.Int("max_activations", lic.MaxActivations),
	)
	return lic.Clone(), nil
}

// resolveValidity applies the per-kind validity rules.
func (m *Manager) resolveValidity(kind domain.LicenseKind, validity *time.Duration) (time.Duration, error) {
	if validity != nil && *validity <= 0 {
		return 0, domainerrors.InvalidInput("validity", "must be positive")
	}
	switch kind {
	case domain.LicenseKindPerpetual:
		if validity != nil {
			return 0, domainerrors.InvalidInput("validity", "perpetual licenses must not carry a validity duration")
		}
		return 0, nil
	case domain.LicenseKindSubscription:
		if validity == nil {
			return 0, domainerrors.InvalidInput("validity", "subscription licenses require a validity duration")
		}
		return *validity, nil
	case domain.LicenseKindDemo:
		if validity == nil {
			return m.licCfg.DemoValidity, nil
		}
		return *validity, nil
	default: // trial
		if validity == nil {
			return m.licCfg.TrialValidity, nil
		}
		return *validity, nil
	}
}

// generateKey draws candidate keys until one is unused, bounded by the
// configured retry limit.
func (m *Manager) generateKey(ctx context.Context) (string, error) {
	for attempt := 0; attempt < m.keyCfg.MaxRetries; attempt++ {
		key, err := m.keys.Generate()
		if err != nil {
			return "", domainerrors.Wrap(domainerrors.CodeKeyGenExhausted, "key generation failed", err)
		}
		_, err = m.licenses.GetByKey(ctx, key)
		if errors.Is(err, domainerrors.ErrNotFound) {
			return key, nil
		}
		if err != nil {
			return "", err
		}
		m.metrics.recordKeyCollision(ctx)
		m.logger.WarnContext(ctx, "license key collision, retrying",
			slog.String("action", "key_collision"),
			slog.Int("attempt", attempt+1),
		)
	}
	return "", domainerrors.Newf(domainerrors.CodeKeyGenExhausted,
		"no unused key after %d attempts", m.keyCfg.MaxRetries)
}

// Activate binds a machine fingerprint to the license identified by key,
// consuming one activation slot. Re-activating an already bound fingerprint
// is idempotent and consumes nothing.
func (m *Manager) Activate(ctx context.Context, key, fingerprint string) (*ActivationResult, error) {
	started := m.clock.Now()
	res, err := m.activate(ctx, key, fingerprint)
	m.metrics.recordActivation(ctx, err, m.clock.Now().Sub(started))
	return res, err
}

func (m *Manager) activate(ctx context.Context, key, fingerprint string) (*ActivationResult, error) {
	if fingerprint == "" {
		return nil, domainerrors.InvalidInput("fingerprint", "must not be empty")
	}
	key = NormalizeKey(key, m.keyCfg.GroupSize)

	lic, err := m.licenses.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(lic.ID)
	defer unlock()

	// Re-read under the lock; the record may have moved.
	lic, err = m.licenses.GetByID(ctx, lic.ID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	lic, err = m.expireIfDue(ctx, lic, now)
	if err != nil {
		return nil, err
	}

	switch lic.Status {
	case domain.LicenseStatusBlocked, domain.LicenseStatusExpired, domain.LicenseStatusCancelled:
		err := domainerrors.InvalidState("activate", string(lic.Status))
		m.recordAttempt(ctx, lic.ClientID, fingerprint, "activate:"+string(lic.Status))
		return nil, err
	}

	if lic.IsBound(fingerprint) {
		// Idempotent by fingerprint: a previously bound machine re-activates
		// without consuming a slot, even when the limit is reached.
		return m.activationResult(lic, true, now), nil
	}

	if other, err := m.licenses.FindByMachine(ctx, fingerprint); err == nil {
		// A binding whose license is past expiry no longer holds the
		// machine, even before lazy expiry has materialized the status.
		if other.ID != lic.ID && other.Status == domain.LicenseStatusActive && !other.ExpiredAt(now) {
			m.recordAttempt(ctx, lic.ClientID, fingerprint, "activate:already-bound")
			return nil, domainerrors.Newf(domainerrors.CodeAlreadyBound,
				"machine %s is bound to another active license", fingerprint)
		}
	} else if !errors.Is(err, domainerrors.ErrNotFound) {
		return nil, err
	}

	if lic.Activations >= lic.MaxActivations {
		m.recordAttempt(ctx, lic.ClientID, fingerprint, "activate:limit")
		return nil, domainerrors.Newf(domainerrors.CodeActivationLimit,
			"all %d activation slots are consumed", lic.MaxActivations)
	}

	lic.Machines = append(lic.Machines, fingerprint)
	lic.Activations++
	if lic.Status == domain.LicenseStatusPending {
		lic.Status = domain.LicenseStatusActive
	}
	lic.UpdatedAt = now

	if err := m.licenses.Save(ctx, lic); err != nil {
		return nil, err
	}

	m.appendUsage(ctx, domain.UsageEvent{
		ClientID:  lic.ClientID,
		MachineID: fingerprint,
		Timestamp: now,
		Kind:      domain.UsageKindActivation,
		Tag:       "activate",
	})
	m.logger.InfoContext(ctx, "license activated",
		slog.String("action", "license_activated"),
		slog.String("license_id", lic.ID),
		slog.String("client_id", lic.ClientID),
		slog.String("fingerprint", fingerprint),
		slog.Int("activations", lic.Activations),
	)
	return m.activationResult(lic, false, now), nil
}

func (m *Manager) activationResult(lic *domain.License, rebind bool, now time.Time) *ActivationResult {
	return &ActivationResult{
		License:           lic.Clone(),
		AlreadyBound:      rebind,
		NextCheckAt:       now.Add(m.nextCheck),
		NextCheckInterval: m.nextCheck,
	}
}

// Validate evaluates the license state for a machine without mutating
// anything beyond the lazy expiry transition. It never blocks on network.
func (m *Manager) Validate(ctx context.Context, key, fingerprint string) (*ValidationResult, error) {
	started := m.clock.Now()
	res, err := m.validate(ctx, key, fingerprint)
	m.metrics.recordValidation(ctx, res, err, m.clock.Now().Sub(started))
	return res, err
}

func (m *Manager) validate(ctx context.Context, key, fingerprint string) (*ValidationResult, error) {
	key = NormalizeKey(key, m.keyCfg.GroupSize)

	lic, err := m.licenses.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	if lic.Status == domain.LicenseStatusActive && lic.ExpiredAt(now) {
		// The expiry transition is a write; take the same per-record lock as
		// other writers to avoid lost updates.
		unlock := m.locks.Lock(lic.ID)
		lic, err = m.licenses.GetByID(ctx, lic.ID)
		if err == nil {
			lic, err = m.expireIfDue(ctx, lic, now)
		}
		unlock()
		if err != nil {
			return nil, err
		}
	}

	result := &ValidationResult{
		Status:      lic.Status,
		ExpiresAt:   lic.ExpiresAt,
		NextCheckAt: now.Add(m.nextCheck),
	}

	switch {
	case lic.Status != domain.LicenseStatusActive:
		result.Reason = fmt.Sprintf("license status is %s", lic.Status)
	case !lic.IsBound(fingerprint):
		result.Reason = "machine is not bound to this license"
	default:
		if blocked, reason := m.machineBlocked(ctx, fingerprint); blocked {
			result.Reason = reason
		} else {
			result.Valid = true
		}
	}

	if !result.Valid {
		m.recordAttempt(ctx, lic.ClientID, fingerprint, "validate:"+result.Reason)
	}
	return result, nil
}

// machineBlocked reports whether the bound machine is administratively
// blocked. An unregistered machine is treated as not blocked.
func (m *Manager) machineBlocked(ctx context.Context, fingerprint string) (bool, string) {
	machine, err := m.machines.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return false, ""
	}
	if machine.Blocked {
		return true, "machine is blocked"
	}
	return false, ""
}

// Renew extends the license to a new expiry. Valid from active (extension)
// and expired (reactivation); rejected from pending, blocked and cancelled.
func (m *Manager) Renew(ctx context.Context, licenseID string, newExpiry time.Time) (*domain.License, error) {
	unlock := m.locks.Lock(licenseID)
	defer unlock()

	lic, err := m.licenses.GetByID(ctx, licenseID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	lic, err = m.expireIfDue(ctx, lic, now)
	if err != nil {
		return nil, err
	}

	if lic.Status != domain.LicenseStatusActive && lic.Status != domain.LicenseStatusExpired {
		return nil, domainerrors.InvalidState("renew", string(lic.Status))
	}
	if lic.ExpiresAt == nil {
		return nil, domainerrors.InvalidInput("license", "perpetual licenses cannot be renewed")
	}
	if !newExpiry.After(now) {
		return nil, domainerrors.InvalidInput("expiry", "renewal target must be in the future")
	}

	if lic.Status == domain.LicenseStatusExpired {
		// Machines may have re-bound elsewhere while this license sat
		// expired; reactivating must not leave a fingerprint bound to two
		// active licenses at once.
		m.releaseStaleBindings(ctx, lic, now)
	}

	lic.ExpiresAt = &newExpiry
	lic.RenewedAt = &now
	lic.Status = domain.LicenseStatusActive
	lic.UpdatedAt = now

	if err := m.licenses.Save(ctx, lic); err != nil {
		return nil, err
	}

	m.metrics.recordRenewal(ctx)
	a := alert.New(alert.KindRenewal, lic.ClientID,
		fmt.Sprintf("license %s renewed until %s", lic.ID, newExpiry.Format(time.RFC3339)), now)
	m.emit(ctx, a)
	m.logger.InfoContext(ctx, "license renewed",
		slog.String("action", "license_renewed"),
		slog.String("license_id", lic.ID),
		slog.Time("expires_at", newExpiry),
	)
	return lic.Clone(), nil
}

// Block suspends a license. Valid from any non-terminal state.
func (m *Manager) Block(ctx context.Context, licenseID, reason, actor string) error {
	if !m.auth.Authorize(ctx, authz.ActionLicenseBlock, actor) {
		return domainerrors.Newf(domainerrors.CodeUnauthorized, "actor %q may not block licenses", actor)
	}

	unlock := m.locks.Lock(licenseID)
	defer unlock()

	lic, err := m.licenses.GetByID(ctx, licenseID)
	if err != nil {
		return err
	}
	if lic.Terminal() {
		return domainerrors.InvalidState("block", string(lic.Status))
	}

	now := m.clock.Now()
	lic.Status = domain.LicenseStatusBlocked
	lic.BlockReason = reason
	lic.BlockedBy = actor
	lic.BlockedAt = &now
	lic.UpdatedAt = now

	if err := m.licenses.Save(ctx, lic); err != nil {
		return err
	}

	m.metrics.recordBlock(ctx)
	m.logger.WarnContext(ctx, "license blocked",
		slog.String("action", "license_blocked"),
		slog.String("license_id", lic.ID),
		slog.String("reason", reason),
		slog.String("actor", actor),
	)
	return nil
}

// Unblock lifts an administrative block. Only valid from blocked.
func (m *Manager) Unblock(ctx context.Context, licenseID, actor string) error {
	if !m.auth.Authorize(ctx, authz.ActionLicenseUnblock, actor) {
		return domainerrors.Newf(domainerrors.CodeUnauthorized, "actor %q may not unblock licenses", actor)
	}

	unlock := m.locks.Lock(licenseID)
	defer unlock()

	lic, err := m.licenses.GetByID(ctx, licenseID)
	if err != nil {
		return err
	}
	if lic.Status != domain.LicenseStatusBlocked {
		return domainerrors.InvalidState("unblock", string(lic.Status))
	}

	now := m.clock.Now()
	lic.Status = domain.LicenseStatusActive
	lic.BlockReason = ""
	lic.BlockedBy = ""
	lic.BlockedAt = nil
	lic.UpdatedAt = now

	if err := m.licenses.Save(ctx, lic); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "license unblocked",
		slog.String("action", "license_unblocked"),
		slog.String("license_id", lic.ID),
		slog.String("actor", actor),
	)
	return nil
}

// Cancel terminates a license permanently.
func (m *Manager) Cancel(ctx context.Context, licenseID, actor string) error {
	if !m.auth.Authorize(ctx, authz.ActionLicenseCancel, actor) {
		return domainerrors.Newf(domainerrors.CodeUnauthorized, "actor %q may not cancel licenses", actor)
	}

	unlock := m.locks.Lock(licenseID)
	defer unlock()

	lic, err := m.licenses.GetByID(ctx, licenseID)
	if err != nil {
		return err
	}
	if lic.Terminal() {
		return domainerrors.InvalidState("cancel", string(lic.Status))
	}

	now := m.clock.Now()
	lic.Status = domain.LicenseStatusCancelled
	lic.UpdatedAt = now

	if err := m.licenses.Save(ctx, lic); err != nil {
		return err
	}

	m.logger.WarnContext(ctx, "license cancelled",
		slog.String("action", "license_cancelled"),
		slog.String("license_id", lic.ID),
		slog.String("actor", actor),
	)
	return nil
}

// SweepExpiring lazily expires overdue active licenses and returns the ones
// expiring within the configured warning window, emitting an expiry alert
// for each. Interruptible between records via ctx.
func (m *Manager) SweepExpiring(ctx context.Context) ([]*domain.License, error) {
	active, err := m.licenses.ListByStatus(ctx, domain.LicenseStatusActive)
	if err != nil {
		return nil, err
	}

	var expiring []*domain.License
	for _, lic := range active {
		if err := ctx.Err(); err != nil {
			return expiring, err
		}
		if lic.ExpiresAt == nil {
			continue
		}

		now := m.clock.Now()
		if lic.ExpiredAt(now) {
			unlock := m.locks.Lock(lic.ID)
			current, err := m.licenses.GetByID(ctx, lic.ID)
			if err == nil {
				_, err = m.expireIfDue(ctx, current, now)
			}
			unlock()
			if err != nil {
				m.logger.ErrorContext(ctx, "failed to expire license during sweep",
					slog.String("action", "expiry_sweep"),
					slog.String("license_id", lic.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		if lic.ExpiresAt.Sub(now) <= m.licCfg.ExpiryWarning {
			expiring = append(expiring, lic)
			a := alert.New(alert.KindExpiry, lic.ClientID,
				fmt.Sprintf("license %s expires at %s", lic.ID, lic.ExpiresAt.Format(time.RFC3339)), now)
			m.emit(ctx, a)
		}
	}
	return expiring, nil
}

// releaseStaleBindings drops fingerprints that moved to another active
// license while this one was expired, freeing their activation slots.
func (m *Manager) releaseStaleBindings(ctx context.Context, lic *domain.License, now time.Time) {
	kept := lic.Machines[:0]
	for _, fp := range lic.Machines {
		other, err := m.licenses.FindByMachine(ctx, fp)
		if err == nil && other.ID != lic.ID &&
			other.Status == domain.LicenseStatusActive && !other.ExpiredAt(now) {
			m.logger.InfoContext(ctx, "releasing stale machine binding on renewal",
				slog.String("action", "binding_released"),
				slog.String("license_id", lic.ID),
				slog.String("fingerprint", fp),
			)
			continue
		}
		kept = append(kept, fp)
	}
	if len(kept) != len(lic.Machines) {
		lic.Machines = kept
		lic.Activations = len(kept)
	}
}

// expireIfDue applies the lazy active→expired transition. Callers hold the
// per-record lock when the license might move.
func (m *Manager) expireIfDue(ctx context.Context, lic *domain.License, now time.Time) (*domain.License, error) {
	if lic.Status != domain.LicenseStatusActive || !lic.ExpiredAt(now) {
		return lic, nil
	}

	lic.Status = domain.LicenseStatusExpired
	lic.UpdatedAt = now
	if err := m.licenses.Save(ctx, lic); err != nil {
		return nil, err
	}

	m.metrics.recordLazyExpiry(ctx)
	a := alert.New(alert.KindExpiry, lic.ClientID, fmt.Sprintf("license %s expired", lic.ID), now)
	m.emit(ctx, a)
	m.logger.InfoContext(ctx, "license expired",
		slog.String("action", "license_expired"),
		slog.String("license_id", lic.ID),
	)
	return lic, nil
}

// recordAttempt appends a failed access attempt to the usage log. Telemetry
// is best-effort; a failure is logged, never surfaced.
func (m *Manager) recordAttempt(ctx context.Context, clientID, fingerprint, tag string) {
	m.appendUsage(ctx, domain.UsageEvent{
		ClientID:  clientID,
		MachineID: fingerprint,
		Timestamp: m.clock.Now(),
		Kind:      domain.UsageKindAccessAttempt,
		Tag:       tag,
	})
}

func (m *Manager) appendUsage(ctx context.Context, ev domain.UsageEvent) {
	if err := m.machines.AppendUsageEvent(ctx, ev); err != nil {
		m.logger.ErrorContext(ctx, "failed to append usage event",
			slog.String("action", "usage_append_failed"),
			slog.String("client_id", ev.ClientID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) emit(ctx context.Context, a alert.Alert) {
	if err := m.alerts.Send(ctx, a); err != nil {
		m.logger.ErrorContext(ctx, "alert emission failed",
			slog.String("action", "alert_emit_failed"),
			slog.String("kind", string(a.Kind)),
			slog.String("error", err.Error()),
		)
	}
}
