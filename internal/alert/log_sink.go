package alert

import (
	"context"
	"log/slog"

	"licensectl/internal/infrastructure"
)

// LogSink writes alerts to the structured log. It is the sink the standalone
// daemon ships with; production deployments plug their own delivery behind
// the Sink interface.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink over the global logger.
func NewLogSink() *LogSink {
	return &LogSink{logger: infrastructure.GetLogger().With("component", "alerts")}
}

// Send implements Sink.
func (s *LogSink) Send(ctx context.Context, a Alert) error {
	attrs := []any{
		slog.String("action", "alert"),
		slog.String("alert_id", a.ID),
		slog.String("kind", string(a.Kind)),
		slog.String("client_id", a.ClientID),
		slog.String("summary", a.Summary),
	}
	if a.MachineID != "" {
		attrs = append(attrs, slog.String("machine_id", a.MachineID))
	}
	if len(a.Factors) > 0 {
		attrs = append(attrs, slog.Any("factors", a.Factors))
	}
	s.logger.InfoContext(ctx, "alert emitted", attrs...)
	return nil
}
