package tracking_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/agrilink/internal/geo"
	"github.com/example/agrilink/internal/tracking"
)

func TestBadgerResumeStoreInMemory(t *testing.T) {
	store, err := tracking.OpenBadgerResumeStore("", "S1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	active, err := store.Load()
	require.NoError(t, err)
	require.False(t, active)

	require.NoError(t, store.Save(true))
	active, err = store.Load()
	require.NoError(t, err)
	require.True(t, active)

	require.NoError(t, store.Save(false))
	active, err = store.Load()
	require.NoError(t, err)
	require.False(t, active)
}

func TestBadgerResumeStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := tracking.OpenBadgerResumeStore(dir, "S1")
	require.NoError(t, err)
	require.NoError(t, store.Save(true))
	require.NoError(t, store.Close())

	store, err = tracking.OpenBadgerResumeStore(dir, "S1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	active, err := store.Load()
	require.NoError(t, err)
	require.True(t, active)
}

func TestDestinationTravelsRequestedDistance(t *testing.T) {
	for _, heading := range []float64{0, 90, 180, 270, 45} {
		p := tracking.Destination(kathmandu, heading, 1000)
		require.InDelta(t, 1000, geo.DistanceMeters(kathmandu, p), 0.5)
	}
}

func TestSimulatedSourceStepsAlongHeading(t *testing.T) {
	src := tracking.NewSimulatedSource(tracking.SimulatedConfig{
		Start:      kathmandu,
		SpeedMPS:   10,
		HeadingDeg: 0,
		Interval:   3 * time.Second,
	})
	first := src.Step()
	require.InDelta(t, 30, geo.DistanceMeters(kathmandu, first.Point), 0.1)
	require.Greater(t, first.Point.Lat, kathmandu.Lat)
	require.NotNil(t, first.Speed)
	require.Equal(t, 10.0, *first.Speed)

	second := src.Step()
	require.InDelta(t, 60, geo.DistanceMeters(kathmandu, second.Point), 0.1)
}
