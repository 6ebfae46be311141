// Package rediscache keeps the newest reading per sensor in Redis so the
// monitoring endpoints can answer without touching the durable store. The
// cache is strictly best-effort: every value also lands in the Store, and a
// cold or unreachable Redis only costs a database round trip.
package rediscache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/fieldlink/errors"
	"github.com/c360/fieldlink/model"
)

const keyPrefix = "fieldlink:latest:"

// Cache holds per-sensor latest readings with a TTL.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New creates a cache over an existing Redis client.
func New(client redis.UniversalClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr string, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.WrapTransient(err, "RedisCache", "Connect", "ping redis")
	}
	return New(client, ttl), nil
}

// SetLatest stores the reading as the sensor's newest value. Stale writes
// are ignored: a reading older than the cached one does not replace it.
func (c *Cache) SetLatest(ctx context.Context, r model.Reading) error {
	cur, ok, err := c.Latest(ctx, r.SensorID)
	if err == nil && ok && cur.Timestamp.After(r.Timestamp) {
		return nil
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return errors.WrapInvalid(err, "RedisCache", "SetLatest", "encode reading")
	}
	if err := c.client.Set(ctx, keyPrefix+r.SensorID, payload, c.ttl).Err(); err != nil {
		return errors.WrapTransient(err, "RedisCache", "SetLatest", "set key")
	}
	return nil
}

// Latest returns the cached newest reading for sensorID. The second return
// is false on a cache miss.
func (c *Cache) Latest(ctx context.Context, sensorID string) (model.Reading, bool, error) {
	payload, err := c.client.Get(ctx, keyPrefix+sensorID).Bytes()
	if err == redis.Nil {
		return model.Reading{}, false, nil
	}
	if err != nil {
		return model.Reading{}, false, errors.WrapTransient(err, "RedisCache", "Latest", "get key")
	}

	var r model.Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return model.Reading{}, false, errors.WrapInvalid(err, "RedisCache", "Latest", "decode reading")
	}
	return r, true, nil
}

// LatestMany fetches cached readings for several sensors in one round trip.
// Missing sensors are simply absent from the result.
func (c *Cache) LatestMany(ctx context.Context, sensorIDs []string) (map[string]model.Reading, error) {
	if len(sensorIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(sensorIDs))
	for i, id := range sensorIDs {
		keys[i] = keyPrefix + id
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "RedisCache", "LatestMany", "mget keys")
	}

	out := make(map[string]model.Reading, len(sensorIDs))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var r model.Reading
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			continue
		}
		out[sensorIDs[i]] = r
	}
	return out, nil
}

// Invalidate drops the cached reading for a sensor.
func (c *Cache) Invalidate(ctx context.Context, sensorID string) error {
	if err := c.client.Del(ctx, keyPrefix+sensorID).Err(); err != nil {
		return errors.WrapTransient(err, "RedisCache", "Invalidate", "del key")
	}
	return nil
}

// Close releases the underlying client.
func (c *Cache) Close() error { return c.client.Close() }
