package drivers

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/rescue-dispatch/internal/geo"
	"github.com/example/rescue-dispatch/internal/models"
)

// RedisIndex is the Redis GEO implementation of GeoMirror. It is a
// best-effort read accelerator: the backing store stays the source of
// truth and every miss or error falls back to its count.
type RedisIndex struct {
	client *redis.Client
	key    string
	logger *slog.Logger
}

func NewRedisIndex(addr, password, key string, logger *slog.Logger) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, logger: logger}
}

// Put records or removes a driver from the GEO set depending on
// whether it is available for dispatch.
func (r *RedisIndex) Put(ctx context.Context, driverID string, p models.Point, available bool) {
	var err error
	if available {
		err = r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
			Name:      driverID,
			Longitude: p.Lng,
			Latitude:  p.Lat,
		}).Err()
	} else {
		err = r.client.ZRem(ctx, r.key, driverID).Err()
	}
	if err != nil {
		r.logger.Warn("redis geo mirror update failed", "driver_id", driverID, "error", err)
	}
}

// Remove drops a driver from the GEO set, e.g. when it gets reserved.
func (r *RedisIndex) Remove(ctx context.Context, driverID string) {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		r.logger.Warn("redis geo mirror remove failed", "driver_id", driverID, "error", err)
	}
}

// CountWithin returns the number of mirrored drivers inside the radius.
// The second return is false when Redis is unavailable and the caller
// should fall back to the authoritative store.
func (r *RedisIndex) CountWithin(ctx context.Context, p models.Point, radiusMiles float64) (int, bool) {
	locs, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusMiles * geo.MilesToMeters,
		RadiusUnit: "m",
	}).Result()
	if err != nil {
		r.logger.Warn("redis geo search failed", "error", err)
		return 0, false
	}
	return len(locs), true
}

func (r *RedisIndex) Close() error { return r.client.Close() }
