// Package viewer keeps a read-only local view of active suppliers from server frames.
package viewer

import (
	"sort"
	"sync"

	"github.com/example/agrilink/internal/presence/channel"
	"github.com/example/agrilink/internal/presence/domain"
)

// Mirror is a client-side projection of the server's active list.
type Mirror struct {
	mu        sync.RWMutex
	suppliers map[string]domain.PresenceSnapshot
	lastError string
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{suppliers: make(map[string]domain.PresenceSnapshot)}
}

// Apply folds one server frame into the view.
func (m *Mirror) Apply(frame channel.Outbound) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch data := frame.Data.(type) {
	case []domain.PresenceSnapshot:
		m.suppliers = make(map[string]domain.PresenceSnapshot, len(data))
		for _, s := range data {
			m.suppliers[s.SupplierID] = s
		}
	case domain.LocationEvent:
		s := m.suppliers[data.SupplierID]
		s.SupplierID = data.SupplierID
		s.Latitude = data.Latitude
		s.Longitude = data.Longitude
		s.Heading = data.Heading
		s.Speed = data.Speed
		s.LastUpdated = data.Timestamp
		s.IsActive = true
		m.suppliers[data.SupplierID] = s
	case domain.StatusEvent:
		if !data.IsActive {
			delete(m.suppliers, data.SupplierID)
			return
		}
		s, ok := m.suppliers[data.SupplierID]
		if !ok {
			// Online without a position yet; it appears once a location arrives.
			return
		}
		s.Username = data.Username
		s.IsActive = true
		m.suppliers[data.SupplierID] = s
	case channel.ErrorPayload:
		m.lastError = data.Message
	}
}

// Snapshot returns the current view sorted by supplier id.
func (m *Mirror) Snapshot() []domain.PresenceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PresenceSnapshot, 0, len(m.suppliers))
	for _, s := range m.suppliers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SupplierID < out[j].SupplierID })
	return out
}

// LastError returns the most recent error frame message.
func (m *Mirror) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}
