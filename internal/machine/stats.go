package machine

import (
	"context"
	"time"

	domainerrors "licensectl/internal/errors"
	"licensectl/pkg/contracts/domain"
)

// ClientStats aggregates fleet health for one client over a window.
type ClientStats struct {
	ClientID    string    `json:"client_id"`
	Total       int       `json:"total"`
	Online      int       `json:"online"`
	Offline     int       `json:"offline"`
	Unknown     int       `json:"unknown"`
	Blocked     int       `json:"blocked"`
	OnlineRatio float64   `json:"online_ratio"`
	Heartbeats  int       `json:"heartbeats"`
	AvgCPU      float64   `json:"avg_cpu_percent"`
	AvgMemory   float64   `json:"avg_memory_percent"`
	AvgDisk     float64   `json:"avg_disk_percent"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	ComputedAt  time.Time `json:"computed_at"`
}

// Stats computes fleet counters and resource averages for a client. Liveness
// is derived against the current clock, never read stale from storage.
// Resource averages come from heartbeat usage events inside the window.
func (t *Tracker) Stats(ctx context.Context, clientID string, window time.Duration) (*ClientStats, error) {
	if clientID == "" {
		return nil, domainerrors.InvalidInput("client id", "must not be empty")
	}
	if window <= 0 {
		return nil, domainerrors.InvalidInput("window", "must be positive")
	}

	machines, err := t.machines.ListByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	now := t.clock.Now()
	stats := &ClientStats{
		ClientID:    clientID,
		Total:       len(machines),
		WindowStart: now.Add(-window),
		WindowEnd:   now,
		ComputedAt:  now,
	}

	for _, m := range machines {
		switch m.LivenessAt(now, t.cfg.OfflineThreshold) {
		case domain.LivenessOnline:
			stats.Online++
		case domain.LivenessOffline:
			stats.Offline++
		default:
			stats.Unknown++
		}
		if m.Blocked {
			stats.Blocked++
		}
	}
	if stats.Total > 0 {
		stats.OnlineRatio = float64(stats.Online) / float64(stats.Total)
	}

	events, err := t.machines.QueryUsageEvents(ctx, clientID, stats.WindowStart, now.Add(time.Nanosecond))
	if err != nil {
		return nil, err
	}

	var cpu, mem, disk float64
	for _, ev := range events {
		if ev.Kind != domain.UsageKindHeartbeat || ev.Metrics == nil {
			continue
		}
		stats.Heartbeats++
		cpu += ev.Metrics.CPUPercent
		mem += ev.Metrics.MemoryPercent
		disk += ev.Metrics.DiskPercent
	}
	if stats.Heartbeats > 0 {
		n := float64(stats.Heartbeats)
		stats.AvgCPU = cpu / n
		stats.AvgMemory = mem / n
		stats.AvgDisk = disk / n
	}
	return stats, nil
}
