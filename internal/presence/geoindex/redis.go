package geoindex

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/agrilink/internal/geo"
	"github.com/example/agrilink/internal/presence/domain"
)

const defaultKey = "presence:suppliers"

var errNotConfigured = errors.New("redis geo index not configured")

// Hit is one supplier returned by a radius query.
type Hit struct {
	SupplierID string
	DistanceKM float64
	Point      geo.Point
}

// RedisGeoIndex mirrors active supplier positions into a Redis GEO set.
// The registry stays authoritative; the mirror only answers radius queries.
type RedisGeoIndex struct {
	client *redis.Client
	key    string
}

// NewRedisGeoIndex constructs a Redis-backed mirror.
func NewRedisGeoIndex(client *redis.Client, key string) *RedisGeoIndex {
	if key == "" {
		key = defaultKey
	}
	return &RedisGeoIndex{client: client, key: key}
}

// Name identifies the index in sink metrics.
func (r *RedisGeoIndex) Name() string { return "geoindex" }

// Consume applies a confirmed presence event to the mirror.
func (r *RedisGeoIndex) Consume(ctx context.Context, evt domain.Event) error {
	switch {
	case evt.Location != nil:
		return r.Upsert(ctx, evt.Location.SupplierID, geo.Point{Lat: evt.Location.Latitude, Lng: evt.Location.Longitude})
	case evt.Status != nil && !evt.Status.IsActive:
		return r.Remove(ctx, evt.Status.SupplierID)
	}
	return nil
}

// Upsert stores the supplier's latest position.
func (r *RedisGeoIndex) Upsert(ctx context.Context, supplierID string, p geo.Point) error {
	if r == nil || r.client == nil {
		return errNotConfigured
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Name: supplierID, Longitude: p.Lng, Latitude: p.Lat}).Err(); err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

// Remove drops the supplier from the mirror.
func (r *RedisGeoIndex) Remove(ctx context.Context, supplierID string) error {
	if r == nil || r.client == nil {
		return errNotConfigured
	}
	if err := r.client.ZRem(ctx, r.key, supplierID).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

// Nearby returns up to limit suppliers within radiusKM of point, nearest first.
func (r *RedisGeoIndex) Nearby(ctx context.Context, point geo.Point, radiusKM float64, limit int) ([]Hit, error) {
	if r == nil || r.client == nil {
		return nil, errNotConfigured
	}
	query := &redis.GeoRadiusQuery{
		Radius:    radiusKM,
		Unit:      "km",
		WithDist:  true,
		WithCoord: true,
		Sort:      "ASC",
	}
	if limit > 0 {
		query.Count = limit
	}
	results, err := r.client.GeoRadius(ctx, r.key, point.Lng, point.Lat, query).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		hits = append(hits, Hit{
			SupplierID: res.Name,
			DistanceKM: res.Dist,
			Point:      geo.Point{Lat: res.Latitude, Lng: res.Longitude},
		})
	}
	return hits, nil
}
