package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensectl/internal/alert"
	"licensectl/internal/config"
	domainerrors "licensectl/internal/errors"
	"licensectl/internal/shared/testutil"
	"licensectl/internal/store/memory"
	"licensectl/pkg/contracts/domain"
)

var t0 = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine   *Engine
	licenses *memory.LicenseStore
	machines *memory.MachineStore
	clock    *testutil.FakeClock
	sink     *testutil.RecordingSink
	cfg      *config.Config
}

func newEngineFixture(t *testing.T, mutate func(*config.Config)) *engineFixture {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	f := &engineFixture{
		licenses: memory.NewLicenseStore(),
		machines: memory.NewMachineStore(cfg.Risk.Retention),
		clock:    testutil.NewFakeClock(t0),
		sink:     testutil.NewRecordingSink(),
		cfg:      cfg,
	}
	f.engine = NewEngine(cfg, f.licenses, f.machines, f.sink, f.clock)
	return f
}

func (f *engineFixture) addMachine(t *testing.T, clientID, fp string, lastHeartbeat time.Time) {
	t.Helper()
	require.NoError(t, f.machines.Save(context.Background(), testutil.NewMachine(clientID, fp, lastHeartbeat)))
}

func (f *engineFixture) addLicense(t *testing.T, clientID string, status domain.LicenseStatus) {
	t.Helper()
	lic := testutil.NewLicense(clientID, t0.Add(-24*time.Hour))
	lic.Status = status
	require.NoError(t, f.licenses.Save(context.Background(), lic))
}

func factorWeight(a *domain.RiskAssessment, name string) (float64, bool) {
	for _, f := range a.Factors {
		if f.Name == name {
			return f.Weight, true
		}
	}
	return 0, false
}

func TestEvaluateUnknownClient(t *testing.T) {
	f := newEngineFixture(t, nil)
	_, err := f.engine.Evaluate(context.Background(), "ghost")
	require.ErrorIs(t, err, domainerrors.ErrNotFound)

	_, err = f.engine.Evaluate(context.Background(), "")
	require.ErrorIs(t, err, domainerrors.ErrInvalidInput)
}

func TestEvaluateDeterminism(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	f.addLicense(t, "acme", domain.LicenseStatusActive)
	f.addMachine(t, "acme", "fp-1", t0.Add(-time.Minute))
	f.addMachine(t, "acme", "fp-2", t0.Add(-48*time.Hour))
	for i := 0; i < 6; i++ {
		ev := testutil.HeartbeatEvent("acme", "fp-1", t0.Add(-time.Duration(i)*time.Hour), 50)
		require.NoError(t, f.machines.AppendUsageEvent(ctx, ev))
	}

	first, err := f.engine.Evaluate(ctx, "acme")
	require.NoError(t, err)
	second, err := f.engine.Evaluate(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestChurnFactors(t *testing.T) {
	t.Run("healthy client scores low", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		f.addLicense(t, "acme", domain.LicenseStatusActive)
		f.addMachine(t, "acme", "fp-1", t0.Add(-time.Minute))

		a, err := f.engine.Evaluate(context.Background(), "acme")
		require.NoError(t, err)
		assert.Equal(t, domain.ChurnRiskLow, a.ChurnRisk)
		assert.False(t, a.Suspicious)
		assert.Empty(t, f.sink.Alerts())
	})

	t.Run("offline fleet raises the ratio factor", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		f.addLicense(t, "acme", domain.LicenseStatusActive)
		f.addMachine(t, "acme", "fp-1", t0.Add(-48*time.Hour))
		f.addMachine(t, "acme", "fp-2", t0.Add(-48*time.Hour))

		a, err := f.engine.Evaluate(context.Background(), "acme")
		require.NoError(t, err)
		w, ok := factorWeight(a, FactorOfflineRatio)
		require.True(t, ok)
		assert.InDelta(t, maxOfflineRatioWeight, w, 1e-9)
	})

	t.Run("blocked license weighs heaviest", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		f.addLicense(t, "acme", domain.LicenseStatusBlocked)
		f.addMachine(t, "acme", "fp-1", t0.Add(-time.Minute))

		a, err := f.engine.Evaluate(context.Background(), "acme")
		require.NoError(t, err)
		w, ok := factorWeight(a, FactorLicenseState)
		require.True(t, ok)
		assert.InDelta(t, maxLicenseStateWeight, w, 1e-9)
	})

	t.Run("declining heartbeat volume raises the trend factor", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		ctx := context.Background()
		f.addLicense(t, "acme", domain.LicenseStatusActive)
		f.addMachine(t, "acme", "fp-1", t0.Add(-time.Minute))

		// All activity in the first half of the window, none in the second.
		early := t0.Add(-f.cfg.Risk.Window + time.Hour)
		for i := 0; i < 8; i++ {
			ev := testutil.HeartbeatEvent("acme", "fp-1", early.Add(time.Duration(i)*time.Hour), 30)
			require.NoError(t, f.machines.AppendUsageEvent(ctx, ev))
		}

		a, err := f.engine.Evaluate(ctx, "acme")
		require.NoError(t, err)
		w, ok := factorWeight(a, FactorActivityTrend)
		require.True(t, ok)
		assert.InDelta(t, maxActivityTrendWeight, w, 1e-9)
	})

	t.Run("stale renewal accrues after the grace period", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		lic := testutil.NewLicense("acme", t0.Add(-3*f.cfg.Risk.InactivityGrace))
		require.NoError(t, f.licenses.Save(context.Background(), lic))
		f.addMachine(t, "acme", "fp-1", t0.Add(-time.Minute))

		a, err := f.engine.Evaluate(context.Background(), "acme")
		require.NoError(t, err)
		w, ok := factorWeight(a, FactorStaleRenewal)
		require.True(t, ok)
		assert.InDelta(t, maxStaleRenewalWeight, w, 1e-9)
	})
}

func TestChurnLevelThresholds(t *testing.T) {
	f := newEngineFixture(t, nil)
	tests := []struct {
		score float64
		want  domain.ChurnRisk
	}{
		{0, domain.ChurnRiskLow},
		{0.24, domain.ChurnRiskLow},
		{0.25, domain.ChurnRiskMedium},
		{0.49, domain.ChurnRiskMedium},
		{0.5, domain.ChurnRiskHigh},
		{0.74, domain.ChurnRiskHigh},
		{0.75, domain.ChurnRiskCritical},
		{1, domain.ChurnRiskCritical},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("score %.2f", tt.score), func(t *testing.T) {
			assert.Equal(t, tt.want, f.engine.churnLevel(tt.score))
		})
	}
}

func TestSimultaneousOfflineRule(t *testing.T) {
	// Five machines, four of which crossed the offline threshold inside the
	// trailing two-minute cluster window.
	f := newEngineFixture(t, nil)
	threshold := f.cfg.Heartbeat.OfflineThreshold

	f.addMachine(t, "acme", "fp-0", t0.Add(-time.Minute))
	for i := 1; i <= 4; i++ {
		lastSeen := t0.Add(-threshold - 30*time.Second)
		f.addMachine(t, "acme", fmt.Sprintf("fp-%d", i), lastSeen)
	}
	f.addLicense(t, "acme", domain.LicenseStatusActive)

	a, err := f.engine.Evaluate(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, a.Suspicious)
	_, ok := factorWeight(a, RuleSimultaneousOffline)
	assert.True(t, ok, "expected the simultaneous-offline rule to contribute a factor")

	alerts := f.sink.ByKind(alert.KindSuspiciousActivity)
	require.Len(t, alerts, 1)
	assert.Equal(t, "acme", alerts[0].ClientID)
}

func TestResourceAbuseRule(t *testing.T) {
	t.Run("sustained saturation fires", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		ctx := context.Background()
		f.addLicense(t, "acme", domain.LicenseStatusActive)
		f.addMachine(t, "acme", "fp-1", t0.Add(-time.Minute))

		start := t0.Add(-30 * time.Minute)
		for i := 0; i <= 12; i++ {
			ev := testutil.HeartbeatEvent("acme", "fp-1", start.Add(time.Duration(i)*time.Minute), 100)
			require.NoError(t, f.machines.AppendUsageEvent(ctx, ev))
		}

		a, err := f.engine.Evaluate(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, a.Suspicious)
		_, ok := factorWeight(a, RuleResourceAbuse)
		assert.True(t, ok)
	})

	t.Run("a dip below the bound resets the run", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		ctx := context.Background()
		f.addLicense(t, "acme", domain.LicenseStatusActive)
		f.addMachine(t, "acme", "fp-1", t0.Add(-time.Minute))

		start := t0.Add(-30 * time.Minute)
		for i := 0; i <= 12; i++ {
			load := 100.0
			if i == 6 {
				load = 20
			}
			ev := testutil.HeartbeatEvent("acme", "fp-1", start.Add(time.Duration(i)*time.Minute), load)
			require.NoError(t, f.machines.AppendUsageEvent(ctx, ev))
		}

		a, err := f.engine.Evaluate(ctx, "acme")
		require.NoError(t, err)
		_, ok := factorWeight(a, RuleResourceAbuse)
		assert.False(t, ok)
	})
}

func TestFailedAttemptsRule(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.addLicense(t, "acme", domain.LicenseStatusActive)
	f.addMachine(t, "acme", "fp-1", t0.Add(-time.Minute))

	for i := 0; i <= f.cfg.Risk.FailedAttemptLimit; i++ {
		ev := domain.UsageEvent{
			ClientID:  "acme",
			MachineID: "fp-1",
			Timestamp: t0.Add(-time.Duration(i) * time.Minute),
			Kind:      domain.UsageKindAccessAttempt,
			Tag:       "validate:machine is not bound to this license",
		}
		require.NoError(t, f.machines.AppendUsageEvent(ctx, ev))
	}

	a, err := f.engine.Evaluate(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, a.Suspicious)
	_, ok := factorWeight(a, RuleFailedAttempts)
	assert.True(t, ok)
}

func TestConfigChurnRule(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.addLicense(t, "acme", domain.LicenseStatusActive)
	f.addMachine(t, "acme", "fp-1", t0.Add(-time.Minute))

	for i := 0; i <= f.cfg.Risk.ConfigChangeLimit; i++ {
		ev := domain.UsageEvent{
			ClientID:  "acme",
			MachineID: "fp-1",
			Timestamp: t0.Add(-time.Duration(i) * time.Minute),
			Kind:      domain.UsageKindConfigChange,
			Tag:       "register:metadata-updated",
		}
		require.NoError(t, f.machines.AppendUsageEvent(ctx, ev))
	}

	a, err := f.engine.Evaluate(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, a.Suspicious)
	_, ok := factorWeight(a, RuleConfigChurn)
	assert.True(t, ok)
}

func TestHighChurnEmitsAlert(t *testing.T) {
	f := newEngineFixture(t, nil)
	// Blocked license plus a fully offline fleet pushes the score past the
	// high cut point without tripping any suspicious rule.
	f.addLicense(t, "acme", domain.LicenseStatusBlocked)
	f.addMachine(t, "acme", "fp-1", t0.Add(-48*time.Hour))
	f.addMachine(t, "acme", "fp-2", t0.Add(-72*time.Hour))

	a, err := f.engine.Evaluate(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, a.Suspicious)
	assert.True(t, a.ChurnRisk.AtLeast(domain.ChurnRiskHigh))
	require.Len(t, f.sink.ByKind(alert.KindChurnRisk), 1)
}

func TestEvaluateAll(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	for _, client := range []string{"zeta", "acme", "mango"} {
		f.addLicense(t, client, domain.LicenseStatusActive)
		f.addMachine(t, client, "fp-"+client, t0.Add(-time.Minute))
	}

	results, err := f.engine.EvaluateAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "acme", results[0].ClientID)
	assert.Equal(t, "mango", results[1].ClientID)
	assert.Equal(t, "zeta", results[2].ClientID)
}

func TestCachedAssessment(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.addLicense(t, "acme", domain.LicenseStatusActive)
	f.addMachine(t, "acme", "fp-1", t0.Add(-time.Minute))

	_, ok := f.engine.Cached("acme")
	assert.False(t, ok)

	a, err := f.engine.Evaluate(context.Background(), "acme")
	require.NoError(t, err)

	cached, ok := f.engine.Cached("acme")
	require.True(t, ok)
	assert.Equal(t, *a, cached)
}
