package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	domainerrors "licensectl/internal/errors"
	"licensectl/pkg/contracts/domain"
)

// MachineStore is a map-backed store for machine records plus the bounded
// usage log.
type MachineStore struct {
	mu            sync.RWMutex
	byID          map[string]*domain.Machine
	byFingerprint map[string]string // fingerprint -> id
	usage         map[string][]domain.UsageEvent
	retention     time.Duration
}

// NewMachineStore creates an empty machine store. Usage events older than
// the retention window (measured against the newest appended event, so the
// store needs no clock of its own) are pruned on append.
func NewMachineStore(retention time.Duration) *MachineStore {
	return &MachineStore{
		byID:          make(map[string]*domain.Machine),
		byFingerprint: make(map[string]string),
		usage:         make(map[string][]domain.UsageEvent),
		retention:     retention,
	}
}

// GetByFingerprint implements store.MachineStore.
func (s *MachineStore) GetByFingerprint(_ context.Context, fingerprint string) (*domain.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byFingerprint[fingerprint]
	if !ok {
		return nil, domainerrors.NotFound("machine", fingerprint)
	}
	return s.byID[id].Clone(), nil
}

// GetByID implements store.MachineStore.
func (s *MachineStore) GetByID(_ context.Context, id string) (*domain.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.byID[id]
	if !ok {
		return nil, domainerrors.NotFound("machine", id)
	}
	return m.Clone(), nil
}

// ListByClient implements store.MachineStore.
func (s *MachineStore) ListByClient(_ context.Context, clientID string) ([]*domain.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Machine
	for _, m := range s.byID {
		if m.ClientID == clientID {
			out = append(out, m.Clone())
		}
	}
	sortMachines(out)
	return out, nil
}

// List implements store.MachineStore.
func (s *MachineStore) List(_ context.Context) ([]*domain.Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Machine, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m.Clone())
	}
	sortMachines(out)
	return out, nil
}

// ListClients implements store.MachineStore.
func (s *MachineStore) ListClients(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, m := range s.byID {
		seen[m.ClientID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Save implements store.MachineStore with compare-and-swap versioning.
func (s *MachineStore) Save(_ context.Context, machine *domain.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if machine.ID == "" {
		return domainerrors.InvalidInput("machine id", "must not be empty")
	}
	if machine.Fingerprint == "" {
		return domainerrors.InvalidInput("machine fingerprint", "must not be empty")
	}

	current, exists := s.byID[machine.ID]
	if exists {
		if machine.Version != current.Version {
			return domainerrors.Newf(domainerrors.CodeConcurrencyConflict,
				"machine %s version %d does not match stored %d", machine.ID, machine.Version, current.Version)
		}
		delete(s.byFingerprint, current.Fingerprint)
	} else if machine.Version != 0 {
		return domainerrors.Newf(domainerrors.CodeConcurrencyConflict,
			"machine %s is new but carries version %d", machine.ID, machine.Version)
	}

	machine.Version++
	stored := machine.Clone()
	s.byID[stored.ID] = stored
	s.byFingerprint[stored.Fingerprint] = stored.ID
	return nil
}

// AppendUsageEvent implements store.MachineStore.
func (s *MachineStore) AppendUsageEvent(_ context.Context, event domain.UsageEvent) error {
	if event.ClientID == "" {
		return domainerrors.InvalidInput("usage event client id", "must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := append(s.usage[event.ClientID], event)
	if s.retention > 0 {
		cutoff := event.Timestamp.Add(-s.retention)
		for len(log) > 0 && log[0].Timestamp.Before(cutoff) {
			log = log[1:]
		}
	}
	s.usage[event.ClientID] = log
	return nil
}

// QueryUsageEvents implements store.MachineStore. Events are returned in
// append order, which is timestamp order for a well-behaved clock.
func (s *MachineStore) QueryUsageEvents(_ context.Context, clientID string, from, to time.Time) ([]domain.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.UsageEvent
	for _, ev := range s.usage[clientID] {
		if ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func sortMachines(list []*domain.Machine) {
	sort.Slice(list, func(i, j int) bool { return list[i].Fingerprint < list[j].Fingerprint })
}
