package testutil

import (
	"context"
	"sync"

	"licensectl/internal/alert"
)

// RecordingSink captures alerts for assertion. Safe for concurrent use.
type RecordingSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

// NewRecordingSink creates an empty sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Send implements alert.Sink.
func (s *RecordingSink) Send(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, a)
	return nil
}

// Alerts returns a copy of the captured alerts in arrival order.
func (s *RecordingSink) Alerts() []alert.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Alert(nil), s.alerts...)
}

// ByKind returns the captured alerts of one kind.
func (s *RecordingSink) ByKind(kind alert.Kind) []alert.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alert.Alert
	for _, a := range s.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// FailWith makes subsequent Send calls return err. Pass nil to heal.
func (s *RecordingSink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Reset drops all captured alerts.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = nil
}
