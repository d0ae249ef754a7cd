package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensectl/internal/config"
)

// memorySink records deliveries; testutil.RecordingSink cannot be used here
// without an import cycle.
type memorySink struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (s *memorySink) Send(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func fastConfig(queueSize int) config.AlertConfig {
	return config.AlertConfig{QueueSize: queueSize, RatePerS: 10000, Burst: queueSize + 1}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &memorySink{}
	d := NewDispatcher(sink, fastConfig(16))

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Send(context.Background(), New(KindOffline, "acme", "machine lost", time.Now())))
	}
	d.Close()

	require.Equal(t, 5, sink.count())
	sent, failed, dropped := d.Stats()
	assert.Equal(t, int64(5), sent)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
}

func TestDispatcherSendNeverFails(t *testing.T) {
	sink := &memorySink{err: errors.New("smtp unreachable")}
	d := NewDispatcher(sink, fastConfig(16))

	// A broken sink must not surface through Send.
	require.NoError(t, d.Send(context.Background(), New(KindExpiry, "acme", "license expired", time.Now())))
	d.Close()

	sent, failed, _ := d.Stats()
	assert.Zero(t, sent)
	assert.Equal(t, int64(1), failed)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var delivered int64
	var mu sync.Mutex
	blocking := SinkFunc(func(context.Context, Alert) error {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})

	d := NewDispatcher(blocking, fastConfig(1))

	// First alert occupies the worker, second fills the queue, the rest drop.
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Send(context.Background(), New(KindRenewal, "acme", "renewed", time.Now())))
	}

	// Give the worker time to pick up the first alert before counting drops.
	assert.Eventually(t, func() bool {
		_, _, dropped := d.Stats()
		return dropped >= 3
	}, time.Second, 5*time.Millisecond)

	close(release)
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, delivered, int64(1))
}

func TestDispatcherSendAfterCloseDrops(t *testing.T) {
	sink := &memorySink{}
	d := NewDispatcher(sink, fastConfig(4))
	d.Close()

	// A late emitter after shutdown must drop quietly, not panic.
	require.NoError(t, d.Send(context.Background(), New(KindOffline, "acme", "machine lost", time.Now())))

	sent, _, dropped := d.Stats()
	assert.Zero(t, sent)
	assert.Equal(t, int64(1), dropped)
	assert.Zero(t, sink.count())
}

func TestDispatcherCloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(&memorySink{}, fastConfig(4))
	d.Close()
	d.Close()
}
