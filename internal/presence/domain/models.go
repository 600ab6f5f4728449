package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrValidation is matched by every ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// ErrUnknownSupplier is returned in strict mode for location samples from unregistered suppliers.
var ErrUnknownSupplier = errors.New("supplier not registered")

// ValidationError reports a malformed or out-of-range payload. It never mutates state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is lets callers match with errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Location is the last accepted position of a supplier.
type Location struct {
	Latitude  float64
	Longitude float64
	Heading   *float64
	Speed     *float64
}

// SupplierPresence is the registry entry for one supplier.
type SupplierPresence struct {
	SupplierID       string
	ConnectionHandle string
	DisplayName      string
	ServiceArea      string
	LastLocation     *Location
	LastUpdatedAt    time.Time
	IsActive         bool
	DisconnectedAt   *time.Time
}

// Snapshot projects the entry to its externally visible fields.
func (p SupplierPresence) Snapshot() PresenceSnapshot {
	snap := PresenceSnapshot{
		SupplierID:  p.SupplierID,
		Username:    p.DisplayName,
		ServiceArea: p.ServiceArea,
		LastUpdated: p.LastUpdatedAt,
		IsActive:    p.IsActive,
	}
	if p.LastLocation != nil {
		snap.Latitude = p.LastLocation.Latitude
		snap.Longitude = p.LastLocation.Longitude
		snap.Heading = p.LastLocation.Heading
		snap.Speed = p.LastLocation.Speed
	}
	return snap
}

// PresenceSnapshot is one element of the active-list frame.
type PresenceSnapshot struct {
	SupplierID  string    `json:"supplierId"`
	Username    string    `json:"username"`
	ServiceArea string    `json:"serviceArea"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Heading     *float64  `json:"heading"`
	Speed       *float64  `json:"speed"`
	LastUpdated time.Time `json:"lastUpdated"`
	IsActive    bool      `json:"isActive"`
}

// LocationEvent is broadcast after an accepted location sample.
type LocationEvent struct {
	SupplierID string    `json:"supplierId"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Heading    *float64  `json:"heading"`
	Speed      *float64  `json:"speed"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatusEvent is broadcast when a supplier goes online or offline.
type StatusEvent struct {
	SupplierID string    `json:"supplierId"`
	Username   string    `json:"username"`
	IsActive   bool      `json:"isActive"`
	Timestamp  time.Time `json:"timestamp"`
}

// Event is a confirmed presence change handed to collaborators.
// Exactly one of Location or Status is set.
type Event struct {
	Location *LocationEvent
	Status   *StatusEvent
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
