package machine

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

// RegisterRequest carries registration metadata for a machine.
type RegisterRequest struct {
	ClientID    string
	Fingerprint string
	Hostname    string
	OS          string
	AppVersion  string
}

// HeartbeatRequest is a single liveness signal. ClientID is only consulted
// when the fingerprint is unknown and implicit registration is enabled.
type HeartbeatRequest struct {
	Fingerprint string
	ClientID    string
	Metrics     domain.MetricsSnapshot
}

// HeartbeatResult tells the machine when to report next.
type HeartbeatResult struct {
	Machine           *domain.Machine `json:"machine"`
	NextCheckAt       time.Time       `json:"next_check_at"`
	NextCheckInterval time.Duration   `json:"next_check_interval"`
}

// Tracker owns machine registration, heartbeat ingestion and liveness.
type Tracker struct {
	machines store.MachineStore
	alerts   alert.Sink
	clock    infrastructure.Clock
	auth     authz.Authorizer
	cfg      config.HeartbeatConfig

	locks  *store.KeyedMutex
	logger *slog.Logger
}

// NewTracker creates a machine tracker. Alerts, clock and authorizer may be
// nil; defaults mirror license.NewManager.
func NewTracker(cfg *config.Config, machines store.MachineStore, alerts alert.Sink, clock infrastructure.Clock, auth authz.Authorizer) *Tracker {
	if alerts == nil {
		alerts = alert.SinkFunc(func(context.Context, alert.Alert) error { return nil })
	}
	if clock == nil {
		clock = infrastructure.SystemClock{}
	}
	if auth == nil {
		auth = authz.AllowAll()
	}
	return &Tracker{
		machines: machines,
		alerts:   alerts,
		clock:    clock,
		auth:     auth,
		cfg:      cfg.Heartbeat,
		locks:    store.NewKeyedMutex(),
		logger:   infrastructure.GetLogger().With("component", "machine"),
	}
}

// Register creates a machine record, or idempotently refreshes the metadata
// of a known fingerprint. A metadata change is recorded in the usage log.
func (t *Tracker) Register(ctx context.Context, req RegisterRequest) (*domain.Machine, error) {
	if req.ClientID == "" {
		return nil, domainerrors.InvalidInput("client id", "must not be empty")
	}
	if req.Fingerprint == "" {
		return nil, domainerrors.InvalidInput("fingerprint", "must not be empty")
	}

	unlock := t.locks.Lock(req.Fingerprint)
	defer unlock()

	now := t.clock.Now()
	m, err := t.machines.GetByFingerprint(ctx, req.Fingerprint)
	switch {
	case errors.Is(err, domainerrors.ErrNotFound):
		m = &domain.Machine{
			ID:           uuid.New().String(),
			Fingerprint:  req.Fingerprint,
			ClientID:     req.ClientID,
			Hostname:     req.Hostname,
			OS:           req.OS,
			AppVersion:   req.AppVersion,
			RegisteredAt: now,
			Liveness:     domain.LivenessUnknown,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := t.machines.Save(ctx, m); err != nil {
			return nil, err
		}
		t.logger.InfoContext(ctx, "machine registered",
			slog.String("action", "machine_registered"),
			slog.String("fingerprint", req.Fingerprint),
			slog.String("client_id", req.ClientID),
		)
		return m.Clone(), nil
	case err != nil:
		return nil, err
	}

	if m.ClientID != req.ClientID {
		return nil, domainerrors.InvalidInput("fingerprint", "registered to a different client")
	}

	changed := m.Hostname != req.Hostname || m.OS != req.OS || m.AppVersion != req.AppVersion
	if !changed {
		return m, nil
	}

	m.Hostname = req.Hostname
	m.OS = req.OS
	m.AppVersion = req.AppVersion
	m.UpdatedAt = now
	if err := t.machines.Save(ctx, m); err != nil {
		return nil, err
	}
	t.appendUsage(ctx, domain.UsageEvent{
		ClientID:  m.ClientID,
		MachineID: m.Fingerprint,
		Timestamp: now,
		Kind:      domain.UsageKindConfigChange,
		Tag:       "register:metadata-updated",
	})
	return m.Clone(), nil
}

// Heartbeat ingests a liveness signal: updates the last-seen instant and the
// metrics snapshot, appends a usage event and reclassifies liveness. Unknown
// fingerprints carrying a client id are registered implicitly with
// metrics-only metadata when the policy allows it.
func (t *Tracker) Heartbeat(ctx context.Context, req HeartbeatRequest) (*HeartbeatResult, error) {
	if req.Fingerprint == "" {
		return nil, domainerrors.InvalidInput("fingerprint", "must not be empty")
	}

	unlock := t.locks.Lock(req.Fingerprint)
	defer unlock()

	now := t.clock.Now()
	m, err := t.machines.GetByFingerprint(ctx, req.Fingerprint)
	if errors.Is(err, domainerrors.ErrNotFound) {
		if !t.cfg.AllowImplicitRegistration || req.ClientID == "" {
			return nil, err
		}
		m = &domain.Machine{
			ID:           uuid.New().String(),
			Fingerprint:  req.Fingerprint,
			ClientID:     req.ClientID,
			RegisteredAt: now,
			CreatedAt:    now,
		}
	} else if err != nil {
		return nil, err
	}

	snap := req.Metrics
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = now
	}

	m.LastHeartbeatAt = now
	m.Metrics = &snap
	m.Liveness = domain.LivenessOnline
	m.UpdatedAt = now

	if err := t.machines.Save(ctx, m); err != nil {
		return nil, err
	}

	t.appendUsage(ctx, domain.UsageEvent{
		ClientID:  m.ClientID,
		MachineID: m.Fingerprint,
		Timestamp: now,
		Kind:      domain.UsageKindHeartbeat,
		Metrics:   &snap,
	})
	t.logger.DebugContext(ctx, "heartbeat processed",
		slog.String("action", "heartbeat"),
		slog.String("fingerprint", m.Fingerprint),
		slog.Float64("cpu_percent", snap.CPUPercent),
	)

	return &HeartbeatResult{
		Machine:           m.Clone(),
		NextCheckAt:       now.Add(t.cfg.Interval),
		NextCheckInterval: t.cfg.Interval,
	}, nil
}

// Get returns the machine by fingerprint with its liveness recomputed
// against the current clock; the derived value is not persisted.
func (t *Tracker) Get(ctx context.Context, fingerprint string) (*domain.Machine, error) {
	m, err := t.machines.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	m.Liveness = m.LivenessAt(t.clock.Now(), t.cfg.OfflineThreshold)
	return m, nil
}

// SweepOffline reclassifies machines whose last heartbeat is older than the
// offline threshold and returns the newly-offline set. Re-running before any
// new heartbeats yields an empty set. The scan holds no entity lock; each
// transition re-reads its record under the per-record lock. Interruptible
// between records via ctx.
func (t *Tracker) SweepOffline(ctx context.Context) ([]*domain.Machine, error) {
	snapshot, err := t.machines.List(ctx)
	if err != nil {
		return nil, err
	}

	var newlyOffline []*domain.Machine
	for _, candidate := range snapshot {
		if err := ctx.Err(); err != nil {
			return newlyOffline, err
		}
		now := t.clock.Now()
		if candidate.Liveness == domain.LivenessOffline || candidate.LastHeartbeatAt.IsZero() {
			continue
		}
		if candidate.LivenessAt(now, t.cfg.OfflineThreshold) != domain.LivenessOffline {
			continue
		}

		unlock := t.locks.Lock(candidate.Fingerprint)
		m, err := t.machines.GetByFingerprint(ctx, candidate.Fingerprint)
		if err == nil &&
			m.Liveness != domain.LivenessOffline &&
			m.LivenessAt(now, t.cfg.OfflineThreshold) == domain.LivenessOffline {
			m.Liveness = domain.LivenessOffline
			m.UpdatedAt = now
			err = t.machines.Save(ctx, m)
			if err == nil {
				newlyOffline = append(newlyOffline, m.Clone())
			}
		}
		unlock()
		if err != nil && !errors.Is(err, domainerrors.ErrNotFound) {
			t.logger.ErrorContext(ctx, "failed to reclassify machine during sweep",
				slog.String("action", "offline_sweep"),
				slog.String("fingerprint", candidate.Fingerprint),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, m := range newlyOffline {
		a := alert.New(alert.KindOffline, m.ClientID,
			fmt.Sprintf("machine %s went offline, last heartbeat %s", m.Fingerprint, m.LastHeartbeatAt.Format(time.RFC3339)),
			t.clock.Now())
		a.MachineID = m.Fingerprint
		t.emit(ctx, a)
	}

	if len(newlyOffline) > 0 {
		t.logger.InfoContext(ctx, "offline sweep reclassified machines",
			slog.String("action", "offline_sweep"),
			slog.Int("newly_offline", len(newlyOffline)),
		)
	}
	return newlyOffline, nil
}

// Block marks a machine blocked. A blocked machine fails license validation
// regardless of its license's status.
func (t *Tracker) Block(ctx context.Context, machineID, reason, actor string) error {
	if !t.auth.Authorize(ctx, authz.ActionMachineBlock, actor) {
		return domainerrors.Newf(domainerrors.CodeUnauthorized, "actor %q may not block machines", actor)
	}
	return t.setBlocked(ctx, machineID, true, reason, actor)
}

// Unblock lifts a machine block.
func (t *Tracker) Unblock(ctx context.Context, machineID, actor string) error {
	if !t.auth.Authorize(ctx, authz.ActionMachineUnblock, actor) {
		return domainerrors.Newf(domainerrors.CodeUnauthorized, "actor %q may not unblock machines", actor)
	}
	return t.setBlocked(ctx, machineID, false, "", actor)
}

func (t *Tracker) setBlocked(ctx context.Context, machineID string, blocked bool, reason, actor string) error {
	m, err := t.machines.GetByID(ctx, machineID)
	if err != nil {
		return err
	}

	unlock := t.locks.Lock(m.Fingerprint)
	defer unlock()

	m, err = t.machines.GetByFingerprint(ctx, m.Fingerprint)
	if err != nil {
		return err
	}

	now := t.clock.Now()
	m.Blocked = blocked
	if blocked {
		m.BlockReason = reason
		m.BlockedBy = actor
		m.BlockedAt = &now
	} else {
		m.BlockReason = ""
		m.BlockedBy = ""
		m.BlockedAt = nil
	}
	m.UpdatedAt = now

	if err := t.machines.Save(ctx, m); err != nil {
		return err
	}

	tag := "machine:unblocked"
	if blocked {
		tag = "machine:blocked"
	}
	t.appendUsage(ctx, domain.UsageEvent{
		ClientID:  m.ClientID,
		MachineID: m.Fingerprint,
		Timestamp: now,
		Kind:      domain.UsageKindConfigChange,
		Tag:       tag,
	})
	t.logger.WarnContext(ctx, "machine block state changed",
		slog.String("action", tag),
		slog.String("machine_id", machineID),
		slog.String("actor", actor),
		slog.String("reason", reason),
	)
	return nil
}

func (t *Tracker) appendUsage(ctx context.Context, ev domain.UsageEvent) {
	if err := t.machines.AppendUsageEvent(ctx, ev); err != nil {
		t.logger.ErrorContext(ctx, "failed to append usage event",
			slog.String("action", "usage_append_failed"),
			slog.String("client_id", ev.ClientID),
			slog.String("error", err.Error()),
		)
	}
}

func (t *Tracker) emit(ctx context.Context, a alert.Alert) {
	if err := t.alerts.Send(ctx, a); err != nil {
		t.logger.ErrorContext(ctx, "alert emission failed",
			slog.String("action", "alert_emit_failed"),
			slog.String("kind", string(a.Kind)),
			slog.String("error", err.Error()),
		)
	}
}
