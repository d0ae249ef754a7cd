// Package alert defines the Alert event pushed by the license manager and
// risk engine, the AlertSink collaborator contract, and an asynchronous
// dispatcher that keeps alert delivery off the hot path of license and
// machine operations.
package alert

import (
	"context"
	"time"

	"github.com/google/uuid"

	"licensectl/pkg/contracts/domain"
)

// Kind classifies an alert.
type Kind string

const (
	KindRenewal            Kind = "renewal"
	KindExpiry             Kind = "expiry"
	KindOffline            Kind = "offline"
	KindSuspiciousActivity Kind = "suspicious-activity"
	KindChurnRisk          Kind = "churn-risk"
)

// Alert is a single event for the sink. Delivery guarantees, retry and
// backoff are the sink's responsibility; the core fires and forgets.
type Alert struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	ClientID  string          `json:"client_id"`
	MachineID string          `json:"machine_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Summary   string          `json:"summary"`
	Factors   []domain.Factor `json:"factors,omitempty"`
}

// New builds an alert with a fresh id.
func New(kind Kind, clientID, summary string, at time.Time) Alert {
	return Alert{
		ID:        uuid.New().String(),
		Kind:      kind,
		ClientID:  clientID,
		Timestamp: at,
		Summary:   summary,
	}
}

// Sink is the external delivery collaborator (email, webhook, pager).
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, a Alert) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, a Alert) error { return f(ctx, a) }
