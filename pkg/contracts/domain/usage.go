package domain

import (
	"time"
)

// UsageKind classifies an entry in the append-only usage log.
type UsageKind string

const (
	UsageKindHeartbeat     UsageKind = "heartbeat"
	UsageKindActivation    UsageKind = "activation"
	UsageKindConfigChange  UsageKind = "config-change"
	UsageKindAccessAttempt UsageKind = "access-attempt"
)

// UsageEvent is a single telemetry record. The log is append-only with a
// bounded retention window; the risk engine consumes it read-only.
type UsageEvent struct {
	ClientID  string           `json:"client_id"`
	MachineID string           `json:"machine_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Kind      UsageKind        `json:"kind"`
	Tag       string           `json:"tag,omitempty"`
	Metrics   *MetricsSnapshot `json:"metrics,omitempty"`
}
