package domain

import (
	"time"
)

// Liveness classifies a machine by heartbeat recency.
type Liveness string

const (
	LivenessOnline  Liveness = "online"
	LivenessOffline Liveness = "offline"
	LivenessUnknown Liveness = "unknown"
)

// MetricsSnapshot is the latest resource usage reported by a machine.
type MetricsSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent" validate:"min=0,max=100"`
	MemoryPercent float64   `json:"memory_percent" validate:"min=0,max=100"`
	DiskPercent   float64   `json:"disk_percent" validate:"min=0,max=100"`
	CapturedAt    time.Time `json:"captured_at"`
}

// Machine represents a client machine identified by an opaque hardware
// fingerprint. Machines are never deleted, only blocked and unblocked.
type Machine struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint" validate:"required"`
	ClientID    string `json:"client_id" validate:"required"`

	// Registration metadata, opaque to the core.
	Hostname   string `json:"hostname,omitempty"`
	OS         string `json:"os,omitempty"`
	AppVersion string `json:"app_version,omitempty"`

	RegisteredAt    time.Time        `json:"registered_at"`
	LastHeartbeatAt time.Time        `json:"last_heartbeat_at"`
	Liveness        Liveness         `json:"liveness"`
	Metrics         *MetricsSnapshot `json:"metrics,omitempty"`

	Blocked     bool       `json:"blocked"`
	BlockReason string     `json:"block_reason,omitempty"`
	BlockedBy   string     `json:"blocked_by,omitempty"`
	BlockedAt   *time.Time `json:"blocked_at,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LivenessAt derives the liveness classification at the given time.
// A machine is online iff now − lastHeartbeatAt < offlineThreshold.
func (m *Machine) LivenessAt(now time.Time, offlineThreshold time.Duration) Liveness {
	if m.LastHeartbeatAt.IsZero() {
		return LivenessUnknown
	}
	if now.Sub(m.LastHeartbeatAt) < offlineThreshold {
		return LivenessOnline
	}
	return LivenessOffline
}

// OfflineSince returns the instant the machine crossed the offline threshold.
// Only meaningful when the machine has heartbeated at least once.
func (m *Machine) OfflineSince(offlineThreshold time.Duration) time.Time {
	return m.LastHeartbeatAt.Add(offlineThreshold)
}

// Clone returns a deep copy of the machine.
func (m *Machine) Clone() *Machine {
	cp := *m
	if m.Metrics != nil {
		snap := *m.Metrics
		cp.Metrics = &snap
	}
	if m.BlockedAt != nil {
		t := *m.BlockedAt
		cp.BlockedAt = &t
	}
	return &cp
}
