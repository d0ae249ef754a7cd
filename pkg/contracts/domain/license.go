// Package domain contains the core domain models for the license control
// system. These types serve as the Single Source of Truth (SSOT) shared by
// the license manager, machine tracker and risk engine.
package domain

import (
	"time"
)

// LicenseKind represents the commercial kind of a license.
type LicenseKind string

const (
	LicenseKindDemo         LicenseKind = "demo"
	LicenseKindTrial        LicenseKind = "trial"
	LicenseKindPerpetual    LicenseKind = "perpetual"
	LicenseKindSubscription LicenseKind = "subscription"
)

// Valid reports whether the kind is one of the known license kinds.
func (k LicenseKind) Valid() bool {
	switch k {
	case LicenseKindDemo, LicenseKindTrial, LicenseKindPerpetual, LicenseKindSubscription:
		return true
	}
	return false
}

// LicenseStatus represents the lifecycle status of a license.
//
// Transitions are monotone along defined edges:
//
//	pending → active → {blocked, expired, cancelled}
//	active  → active   (renewal, extends expiry)
//	blocked → active   (explicit unblock)
//	expired → active   (explicit renewal)
//
// Expired and cancelled are terminal apart from the explicit renewal edge.
type LicenseStatus string

const (
	LicenseStatusPending   LicenseStatus = "pending"
	LicenseStatusActive    LicenseStatus = "active"
	LicenseStatusBlocked   LicenseStatus = "blocked"
	LicenseStatusExpired   LicenseStatus = "expired"
	LicenseStatusCancelled LicenseStatus = "cancelled"
)

// License represents a right-to-use grant identified by an opaque key and
// bound to zero or more machines up to MaxActivations.
type License struct {
	ID             string        `json:"id"`
	Key            string        `json:"key"`
	ClientID       string        `json:"client_id" validate:"required"`
	Kind           LicenseKind   `json:"kind" validate:"required"`
	Status         LicenseStatus `json:"status"`
	IssuedAt       time.Time     `json:"issued_at"`
	ExpiresAt      *time.Time    `json:"expires_at,omitempty"` // nil for perpetual
	RenewedAt      *time.Time    `json:"renewed_at,omitempty"`
	MaxActivations int           `json:"max_activations" validate:"min=1"`
	Activations    int           `json:"activations" validate:"min=0"`
	Machines       []string      `json:"machines,omitempty"` // bound fingerprints

	// Audit fields for administrative actions. Records are never deleted.
	BlockReason string     `json:"block_reason,omitempty"`
	BlockedBy   string     `json:"blocked_by,omitempty"`
	BlockedAt   *time.Time `json:"blocked_at,omitempty"`

	// Version supports optimistic concurrency in stores.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the license is in a state with no outgoing edge
// other than the explicit renewal of an expired license.
func (l *License) Terminal() bool {
	return l.Status == LicenseStatusExpired || l.Status == LicenseStatusCancelled
}

// ExpiredAt reports whether the license is past its expiry at the given time.
// Perpetual licenses never expire.
func (l *License) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

// IsBound reports whether the machine fingerprint already consumes a slot.
func (l *License) IsBound(fingerprint string) bool {
	for _, fp := range l.Machines {
		if fp == fingerprint {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the license.
func (l *License) Clone() *License {
	cp := *l
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		cp.ExpiresAt = &t
	}
	if l.RenewedAt != nil {
		t := *l.RenewedAt
		cp.RenewedAt = &t
	}
	if l.BlockedAt != nil {
		t := *l.BlockedAt
		cp.BlockedAt = &t
	}
	if l.Machines != nil {
		cp.Machines = append([]string(nil), l.Machines...)
	}
	return &cp
}
