package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dash/internal/models"
)

// RedisPositions indexes the last published position of each driver on a
// ride using Redis GEO commands.
type RedisPositions struct {
	client *redis.Client
	key    string
}

func NewRedisPositions(client *redis.Client, key string) *RedisPositions {
	return &RedisPositions{client: client, key: key}
}

// Upsert records driverID at pos together with the ride it is serving.
func (r *RedisPositions) Upsert(ctx context.Context, driverID, rideID string, pos models.Position, at time.Time) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: pos.Lng, Latitude: pos.Lat, Name: driverID}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"ride_id": rideID,
		"updated": at.UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisPositions) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(driverID)).Err()
}

func metaKey(id string) string { return "driver:meta:" + id }
