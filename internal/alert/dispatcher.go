package alert

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"licensectl/internal/config"
	"licensectl/internal/infrastructure"
)

// Dispatcher decouples alert emission from delivery. Send enqueues without
// blocking and never returns an error to the triggering operation; a worker
// goroutine drains the queue through a rate limiter so an alert storm (for
// example a whole fleet going offline at once) cannot overwhelm the sink.
// When the queue is full the alert is dropped and counted.
type Dispatcher struct {
	sink    Sink
	queue   chan Alert
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	dropped int64
	failed  int64
	sent    int64

	closeMu  sync.RWMutex
	closed   bool
	done     chan struct{}
	closeOne sync.Once
}

// NewDispatcher creates and starts a dispatcher in front of sink.
func NewDispatcher(sink Sink, cfg config.AlertConfig) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan Alert, cfg.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerS), cfg.Burst),
		logger:  infrastructure.GetLogger().With("component", "alert_dispatcher"),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Send implements Sink. It enqueues and returns nil immediately; a delivery
// failure must never roll back or fail the operation that triggered it.
func (d *Dispatcher) Send(_ context.Context, a Alert) error {
	// The read lock keeps Close from closing the queue while a send is in
	// flight; a late emitter after shutdown drops instead of panicking.
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		d.drop(a, "dispatcher closed, dropping alert")
		return nil
	}

	select {
	case d.queue <- a:
	default:
		d.drop(a, "alert queue full, dropping alert")
	}
	return nil
}

func (d *Dispatcher) drop(a Alert, msg string) {
	d.mu.Lock()
	d.dropped++
	dropped := d.dropped
	d.mu.Unlock()
	d.logger.Warn(msg,
		slog.String("action", "alert_dropped"),
		slog.String("kind", string(a.Kind)),
		slog.String("client_id", a.ClientID),
		slog.Int64("dropped_total", dropped),
	)
}

// Close stops the worker after draining queued alerts. Send remains safe to
// call afterwards.
func (d *Dispatcher) Close() {
	d.closeOne.Do(func() {
		d.closeMu.Lock()
		d.closed = true
		d.closeMu.Unlock()
		close(d.queue)
		<-d.done
	})
}

// Stats returns delivery counters since startup.
func (d *Dispatcher) Stats() (sent, failed, dropped int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent, d.failed, d.dropped
}

func (d *Dispatcher) run() {
	defer close(d.done)
	ctx := context.Background()

	for a := range d.queue {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		if err := d.sink.Send(ctx, a); err != nil {
			d.mu.Lock()
			d.failed++
			d.mu.Unlock()
			d.logger.Error("alert delivery failed",
				slog.String("action", "alert_delivery_failed"),
				slog.String("kind", string(a.Kind)),
				slog.String("client_id", a.ClientID),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.mu.Lock()
		d.sent++
		d.mu.Unlock()
	}
}
