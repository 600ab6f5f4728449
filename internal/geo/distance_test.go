package geo_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/agrilink/internal/geo"
)

func TestDistanceMetersZeroForSamePoint(t *testing.T) {
	p := geo.Point{Lat: 27.7172, Lng: 85.3240}
	require.InDelta(t, 0, geo.DistanceMeters(p, p), 1e-9)
}

func TestDistanceMetersOneDegreeLatitude(t *testing.T) {
	// One degree of latitude on a 6,371 km sphere is ~111,195 m.
	d := geo.DistanceMeters(geo.Point{Lat: 0, Lng: 0}, geo.Point{Lat: 1, Lng: 0})
	require.InDelta(t, 111195, d, 1)
}

func TestDistanceMetersSymmetric(t *testing.T) {
	a := geo.Point{Lat: 27.7172, Lng: 85.3240}
	b := geo.Point{Lat: 27.6710, Lng: 85.4298}
	require.InDelta(t, geo.DistanceMeters(a, b), geo.DistanceMeters(b, a), 1e-6)
}

func TestDistanceMetersSmallOffsets(t *testing.T) {
	origin := geo.Point{Lat: 27.7172, Lng: 85.3240}
	// 0.00018 degrees of latitude is ~20 m.
	d := geo.DistanceMeters(origin, geo.Point{Lat: origin.Lat + 0.00018, Lng: origin.Lng})
	require.InDelta(t, 20.0, d, 0.1)
}

func TestValidCoordinate(t *testing.T) {
	require.True(t, geo.ValidCoordinate(90, 180))
	require.True(t, geo.ValidCoordinate(-90, -180))
	require.False(t, geo.ValidCoordinate(91, 0))
	require.False(t, geo.ValidCoordinate(0, -180.0001))
	require.False(t, geo.ValidCoordinate(math.NaN(), 0))
	require.False(t, geo.ValidCoordinate(0, math.Inf(1)))
}
