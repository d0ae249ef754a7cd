package testutil

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"licensectl/pkg/contracts/domain"
)

// NewLicense builds an active subscription license fixture. Mutate the
// returned value for scenario-specific fields.
func NewLicense(clientID string, at time.Time) *domain.License {
	expires := at.Add(30 * 24 * time.Hour)
	return &domain.License{
		ID:             uuid.New().String(),
		Key:            fmt.Sprintf("TEST%s", uuid.New().String()[:16]),
		ClientID:       clientID,
		Kind:           domain.LicenseKindSubscription,
		Status:         domain.LicenseStatusActive,
		IssuedAt:       at,
		ExpiresAt:      &expires,
		MaxActivations: 1,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

// NewMachine builds a registered machine fixture with a recent heartbeat.
func NewMachine(clientID, fingerprint string, lastHeartbeat time.Time) *domain.Machine {
	return &domain.Machine{
		ID:              uuid.New().String(),
		Fingerprint:     fingerprint,
		ClientID:        clientID,
		Hostname:        fingerprint + "-host",
		OS:              "linux",
		RegisteredAt:    lastHeartbeat.Add(-24 * time.Hour),
		LastHeartbeatAt: lastHeartbeat,
		Liveness:        domain.LivenessOnline,
		CreatedAt:       lastHeartbeat.Add(-24 * time.Hour),
		UpdatedAt:       lastHeartbeat,
	}
}

// HeartbeatEvent builds a heartbeat usage event with the given peak load.
func HeartbeatEvent(clientID, fingerprint string, at time.Time, cpuPercent float64) domain.UsageEvent {
	return domain.UsageEvent{
		ClientID:  clientID,
		MachineID: fingerprint,
		Timestamp: at,
		Kind:      domain.UsageKindHeartbeat,
		Metrics: &domain.MetricsSnapshot{
			CPUPercent:    cpuPercent,
			MemoryPercent: cpuPercent / 2,
			DiskPercent:   40,
			CapturedAt:    at,
		},
	}
}
