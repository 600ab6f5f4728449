package geoindex_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/agrilink/internal/geo"
	"github.com/example/agrilink/internal/presence/domain"
	"github.com/example/agrilink/internal/presence/geoindex"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client
}

func TestConsumeMirrorsLocationAndOffline(t *testing.T) {
	ctx := context.Background()
	idx := geoindex.NewRedisGeoIndex(newRedisClient(t), "")

	require.NoError(t, idx.Consume(ctx, domain.Event{Location: &domain.LocationEvent{SupplierID: "S1", Latitude: 27.7172, Longitude: 85.3240}}))
	require.NoError(t, idx.Consume(ctx, domain.Event{Location: &domain.LocationEvent{SupplierID: "S2", Latitude: 27.6710, Longitude: 85.3240}}))
	require.NoError(t, idx.Consume(ctx, domain.Event{Location: &domain.LocationEvent{SupplierID: "S3", Latitude: 28.2096, Longitude: 83.9856}}))

	hits, err := idx.Nearby(ctx, geo.Point{Lat: 27.7172, Lng: 85.3240}, 10, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "S1", hits[0].SupplierID)
	require.Equal(t, "S2", hits[1].SupplierID)
	require.InDelta(t, 5.1, hits[1].DistanceKM, 0.2)

	require.NoError(t, idx.Consume(ctx, domain.Event{Status: &domain.StatusEvent{SupplierID: "S1", IsActive: false}}))
	hits, err = idx.Nearby(ctx, geo.Point{Lat: 27.7172, Lng: 85.3240}, 10, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "S2", hits[0].SupplierID)
}

func TestConsumeIgnoresOnlineStatus(t *testing.T) {
	ctx := context.Background()
	idx := geoindex.NewRedisGeoIndex(newRedisClient(t), "test:geo")
	require.NoError(t, idx.Upsert(ctx, "S1", geo.Point{Lat: 27.7, Lng: 85.3}))
	require.NoError(t, idx.Consume(ctx, domain.Event{Status: &domain.StatusEvent{SupplierID: "S1", IsActive: true}}))

	hits, err := idx.Nearby(ctx, geo.Point{Lat: 27.7, Lng: 85.3}, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestNearbyLimit(t *testing.T) {
	ctx := context.Background()
	idx := geoindex.NewRedisGeoIndex(newRedisClient(t), "")
	require.NoError(t, idx.Upsert(ctx, "S1", geo.Point{Lat: 27.700, Lng: 85.300}))
	require.NoError(t, idx.Upsert(ctx, "S2", geo.Point{Lat: 27.701, Lng: 85.300}))
	require.NoError(t, idx.Upsert(ctx, "S3", geo.Point{Lat: 27.702, Lng: 85.300}))

	hits, err := idx.Nearby(ctx, geo.Point{Lat: 27.700, Lng: 85.300}, 5, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "S1", hits[0].SupplierID)
}

func TestUnconfiguredIndexErrors(t *testing.T) {
	var idx *geoindex.RedisGeoIndex
	_, err := idx.Nearby(context.Background(), geo.Point{}, 1, 1)
	require.Error(t, err)
}
