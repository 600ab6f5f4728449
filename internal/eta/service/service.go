package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/example/agrilink/internal/geo"
	"github.com/example/agrilink/internal/presence/domain"
	"github.com/example/agrilink/internal/presence/geoindex"
)

// avgSpeedKMH is the assumed average travel speed of a supplier vehicle.
const avgSpeedKMH = 30.0

// Registry exposes the live presence snapshot.
type Registry interface {
	ListActive() []domain.PresenceSnapshot
}

// GeoIndex answers radius queries over mirrored supplier positions.
type GeoIndex interface {
	Nearby(ctx context.Context, point geo.Point, radiusKM float64, limit int) ([]geoindex.Hit, error)
}

// Candidate is an active supplier with its distance and travel estimate.
type Candidate struct {
	Supplier       domain.PresenceSnapshot `json:"supplier"`
	DistanceMeters float64                 `json:"distanceMeters"`
	ETASeconds     float64                 `json:"etaSeconds"`
}

// Service ranks active suppliers by distance using haversine and an average speed.
type Service struct {
	reg    Registry
	index  GeoIndex
	logger *zap.Logger
}

// New creates an ETA service. index may be nil; queries then scan the registry.
func New(reg Registry, index GeoIndex, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{reg: reg, index: index, logger: logger}
}

// Nearby returns up to limit active suppliers within radiusKM of point, nearest first.
func (s *Service) Nearby(ctx context.Context, point geo.Point, radiusKM float64, limit int) []Candidate {
	active := s.reg.ListActive()
	if s.index != nil {
		hits, err := s.index.Nearby(ctx, point, radiusKM, 0)
		if err == nil {
			return s.fromHits(active, hits, point, limit)
		}
		s.logger.Warn("geo index query failed, scanning registry", zap.Error(err))
	}

	out := make([]Candidate, 0, len(active))
	for _, snap := range active {
		c := candidate(snap, point)
		if c.DistanceMeters <= radiusKM*1000 {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// EstimateSupplierETA returns the fastest supplier estimate for point.
func (s *Service) EstimateSupplierETA(_ context.Context, point geo.Point) (Candidate, bool) {
	var best Candidate
	found := false
	for _, snap := range s.reg.ListActive() {
		c := candidate(snap, point)
		if !found || c.DistanceMeters < best.DistanceMeters {
			best = c
			found = true
		}
	}
	return best, found
}

// fromHits keeps the index order but only for suppliers the registry still reports active.
func (s *Service) fromHits(active []domain.PresenceSnapshot, hits []geoindex.Hit, point geo.Point, limit int) []Candidate {
	byID := make(map[string]domain.PresenceSnapshot, len(active))
	for _, snap := range active {
		byID[snap.SupplierID] = snap
	}
	out := make([]Candidate, 0, len(hits))
	for _, hit := range hits {
		snap, ok := byID[hit.SupplierID]
		if !ok {
			continue
		}
		out = append(out, candidate(snap, point))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func candidate(snap domain.PresenceSnapshot, point geo.Point) Candidate {
	const meterPerSecond = avgSpeedKMH * 1000.0 / 3600.0
	dist := geo.DistanceMeters(geo.Point{Lat: snap.Latitude, Lng: snap.Longitude}, point)
	return Candidate{
		Supplier:       snap,
		DistanceMeters: dist,
		ETASeconds:     (time.Duration(dist/meterPerSecond) * time.Second).Seconds(),
	}
}
