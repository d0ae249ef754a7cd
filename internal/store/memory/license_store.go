// Package memory provides in-memory reference implementations of the store
// contracts. They honor the optimistic-concurrency Save semantics and are the
// backing stores for tests and the standalone daemon.
package memory

import (
	"context"
	"sort"
	"sync"

	domainerrors "licensectl/internal/errors"
	"licensectl/pkg/contracts/domain"
)

// LicenseStore is a map-backed store for license records.
type LicenseStore struct {
	mu       sync.RWMutex
	byID     map[string]*domain.License
	byKey    map[string]string // key -> id
	byanchor map[string]string // fingerprint -> id, maintained on Save
}

// NewLicenseStore creates an empty license store.
func NewLicenseStore() *LicenseStore {
	return &LicenseStore{
		byID:     make(map[string]*domain.License),
		byKey:    make(map[string]string),
		byanchor: make(map[string]string),
	}
}

// GetByKey implements store.LicenseStore.
func (s *LicenseStore) GetByKey(_ context.Context, key string) (*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, domainerrors.NotFound("license", maskKey(key))
	}
	return s.byID[id].Clone(), nil
}

// GetByID implements store.LicenseStore.
func (s *LicenseStore) GetByID(_ context.Context, id string) (*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lic, ok := s.byID[id]
	if !ok {
		return nil, domainerrors.NotFound("license", id)
	}
	return lic.Clone(), nil
}

// FindByMachine implements store.LicenseStore.
func (s *LicenseStore) FindByMachine(_ context.Context, fingerprint string) (*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byanchor[fingerprint]
	if !ok {
		return nil, domainerrors.NotFound("license binding", fingerprint)
	}
	return s.byID[id].Clone(), nil
}

// ListByClient implements store.LicenseStore.
func (s *LicenseStore) ListByClient(_ context.Context, clientID string) ([]*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.License
	for _, lic := range s.byID {
		if lic.ClientID == clientID {
			out = append(out, lic.Clone())
		}
	}
	sortLicenses(out)
	return out, nil
}

// ListByStatus implements store.LicenseStore.
func (s *LicenseStore) ListByStatus(_ context.Context, status domain.LicenseStatus) ([]*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.License
	for _, lic := range s.byID {
		if lic.Status == status {
			out = append(out, lic.Clone())
		}
	}
	sortLicenses(out)
	return out, nil
}

// Save implements store.LicenseStore with compare-and-swap versioning.
func (s *LicenseStore) Save(_ context.Context, license *domain.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if license.ID == "" {
		return domainerrors.InvalidInput("license id", "must not be empty")
	}

	current, exists := s.byID[license.ID]
	if exists {
		if license.Version != current.Version {
			return domainerrors.Newf(domainerrors.CodeConcurrencyConflict,
				"license %s version %d does not match stored %d", license.ID, license.Version, current.Version)
		}
		// Drop stale binding index entries before reindexing. A fingerprint
		// that has since been claimed by another license keeps its entry.
		for _, fp := range current.Machines {
			if s.byanchor[fp] == current.ID {
				delete(s.byanchor, fp)
			}
		}
		delete(s.byKey, current.Key)
	} else if license.Version != 0 {
		return domainerrors.Newf(domainerrors.CodeConcurrencyConflict,
			"license %s is new but carries version %d", license.ID, license.Version)
	}

	license.Version++
	stored := license.Clone()
	s.byID[stored.ID] = stored
	s.byKey[stored.Key] = stored.ID
	for _, fp := range stored.Machines {
		s.byanchor[fp] = stored.ID
	}
	return nil
}

func sortLicenses(list []*domain.License) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}

// maskKey hides most of a license key in error text.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
