// Package registry holds the in-process table of supplier presence.
//
// The registry is the single authoritative writer for presence state. Every
// operation runs under one mutex, so callers on many goroutines (websocket
// read loops, gRPC streams, the sweeper) observe a serialized history. It
// performs no I/O; broadcasting the events it returns is the caller's job.
package registry

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/agrilink/internal/geo"
	"github.com/example/agrilink/internal/presence/domain"
)

// Option customises a Registry.
type Option func(*Registry)

// WithStrictLocation rejects location samples for suppliers that never registered.
func WithStrictLocation(strict bool) Option {
	return func(r *Registry) {
		r.strict = strict
	}
}

// Registry stores one SupplierPresence per supplier id.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*domain.SupplierPresence
	clock   domain.Clock
	strict  bool
}

// New constructs an empty registry.
func New(clock domain.Clock, opts ...Option) *Registry {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	r := &Registry{entries: make(map[string]*domain.SupplierPresence), clock: clock}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates or overwrites the supplier's entry and hands ownership to handle.
// It returns the online notification and the active snapshot that seeds the registrant's view.
func (r *Registry) Register(supplierID, displayName, serviceArea, handle string) (domain.StatusEvent, []domain.PresenceSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	entry, ok := r.entries[supplierID]
	if !ok {
		entry = &domain.SupplierPresence{SupplierID: supplierID}
		r.entries[supplierID] = entry
	}
	entry.ConnectionHandle = handle
	entry.DisplayName = displayName
	entry.ServiceArea = serviceArea
	entry.IsActive = true
	entry.DisconnectedAt = nil

	status := domain.StatusEvent{SupplierID: supplierID, Username: displayName, IsActive: true, Timestamp: now}
	return status, r.listActiveLocked()
}

// RecordLocation validates and stores a location sample. State is untouched on error.
// The sending handle takes ownership when the entry is created or reactivated.
func (r *Registry) RecordLocation(handle, supplierID string, lat, lng float64, heading, speed *float64) (domain.LocationEvent, error) {
	if err := validateSample(supplierID, lat, lng, heading, speed); err != nil {
		return domain.LocationEvent{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[supplierID]
	if !ok {
		if r.strict {
			return domain.LocationEvent{}, domain.ErrUnknownSupplier
		}
		entry = &domain.SupplierPresence{SupplierID: supplierID}
		r.entries[supplierID] = entry
	}
	if !entry.IsActive {
		entry.ConnectionHandle = handle
	}

	now := r.clock.Now()
	entry.LastLocation = &domain.Location{
		Latitude:  lat,
		Longitude: lng,
		Heading:   copyFloat(heading),
		Speed:     copyFloat(speed),
	}
	entry.LastUpdatedAt = now
	entry.IsActive = true
	entry.DisconnectedAt = nil

	return domain.LocationEvent{
		SupplierID: supplierID,
		Latitude:   lat,
		Longitude:  lng,
		Heading:    copyFloat(heading),
		Speed:      copyFloat(speed),
		Timestamp:  now,
	}, nil
}

// SetOffline marks the supplier inactive. The bool is false when the supplier is
// unknown or already offline, in which case nothing changed.
func (r *Registry) SetOffline(supplierID string) (domain.StatusEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[supplierID]
	if !ok || !entry.IsActive {
		return domain.StatusEvent{}, false
	}
	return r.markOfflineLocked(entry), true
}

// HandleDisconnect applies the offline transition to every active entry owned by handle.
func (r *Registry) HandleDisconnect(handle string) []domain.StatusEvent {
	if handle == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var events []domain.StatusEvent
	for _, entry := range r.entries {
		if entry.ConnectionHandle == handle && entry.IsActive {
			events = append(events, r.markOfflineLocked(entry))
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].SupplierID < events[j].SupplierID })
	return events
}

// ListActive returns active suppliers that have reported a location, ordered by id.
func (r *Registry) ListActive() []domain.PresenceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listActiveLocked()
}

// SweepStale deletes entries inactive for longer than retention and returns how many were removed.
func (r *Registry) SweepStale(retention time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	removed := 0
	for id, entry := range r.entries {
		if entry.IsActive || entry.DisconnectedAt == nil {
			continue
		}
		if now.Sub(*entry.DisconnectedAt) > retention {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}

// Get returns a copy of the supplier's entry.
func (r *Registry) Get(supplierID string) (domain.SupplierPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[supplierID]
	if !ok {
		return domain.SupplierPresence{}, false
	}
	return cloneEntry(entry), true
}

// Len returns the number of entries, active or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ActiveCount returns the number of active entries.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, entry := range r.entries {
		if entry.IsActive {
			n++
		}
	}
	return n
}

func (r *Registry) markOfflineLocked(entry *domain.SupplierPresence) domain.StatusEvent {
	now := r.clock.Now()
	entry.IsActive = false
	entry.DisconnectedAt = &now
	return domain.StatusEvent{SupplierID: entry.SupplierID, Username: entry.DisplayName, IsActive: false, Timestamp: now}
}

func (r *Registry) listActiveLocked() []domain.PresenceSnapshot {
	res := make([]domain.PresenceSnapshot, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.IsActive && entry.LastLocation != nil {
			res = append(res, cloneEntry(entry).Snapshot())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].SupplierID < res[j].SupplierID })
	return res
}

func validateSample(supplierID string, lat, lng float64, heading, speed *float64) error {
	if strings.TrimSpace(supplierID) == "" {
		return domain.NewValidationError("supplierId", "is required")
	}
	if !geo.ValidCoordinate(lat, 0) {
		return domain.NewValidationError("latitude", "must be between -90 and 90")
	}
	if !geo.ValidCoordinate(0, lng) {
		return domain.NewValidationError("longitude", "must be between -180 and 180")
	}
	if heading != nil && !finite(*heading) {
		return domain.NewValidationError("heading", "must be a finite number")
	}
	if speed != nil && !finite(*speed) {
		return domain.NewValidationError("speed", "must be a finite number")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneEntry(entry *domain.SupplierPresence) domain.SupplierPresence {
	c := *entry
	if entry.LastLocation != nil {
		loc := *entry.LastLocation
		loc.Heading = copyFloat(entry.LastLocation.Heading)
		loc.Speed = copyFloat(entry.LastLocation.Speed)
		c.LastLocation = &loc
	}
	if entry.DisconnectedAt != nil {
		ts := *entry.DisconnectedAt
		c.DisconnectedAt = &ts
	}
	return c
}
