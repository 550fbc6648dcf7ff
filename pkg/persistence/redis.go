package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shadowmesh/kaddht/pkg/dht"
)

// RedisCache is a dht.RecordStore that caches records/providers in front
// of a durable backing store (normally *PostgresStore), read-through on
// miss and write-through on Put/AddProvider.
type RedisCache struct {
	client  *redis.Client
	backing dht.RecordStore
	ctx     context.Context
	ttl     time.Duration
}

// RedisCacheConfig holds Redis connection settings.
type RedisCacheConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration // cache entry TTL, default 5 minutes
}

// cachedRecord/cachedProviders are the JSON shapes stored in Redis; Key
// isn't round-tripped through JSON since the cache key string already
// carries it.
type cachedRecord struct {
	Value        []byte    `json:"value"`
	TimeReceived time.Time `json:"time_received"`
}

// NewRedisCache dials Redis and wraps backing as the durable store of
// record.
func NewRedisCache(config RedisCacheConfig, backing dht.RecordStore) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := config.TTL
	if ttl == 0 {
		ttl = 5 * time.Minute
	}

	log.Println("Redis connection established")
	return &RedisCache{client: client, backing: backing, ctx: ctx, ttl: ttl}, nil
}

func recordKey(key dht.Key) string    { return fmt.Sprintf("record:%s", key.String()) }
func providersKey(key dht.Key) string { return fmt.Sprintf("providers:%s", key.String()) }

// Put writes through to the backing store, then refreshes the cache
// entry (or invalidates it on backing failure, to avoid serving a cached
// value the durable store doesn't actually have).
func (rc *RedisCache) Put(key dht.Key, record dht.Record, ttl time.Duration) error {
	if err := rc.backing.Put(key, record, ttl); err != nil {
		rc.client.Del(rc.ctx, recordKey(key))
		return err
	}

	data, err := json.Marshal(cachedRecord{Value: record.Value, TimeReceived: record.TimeReceived})
	if err != nil {
		return nil // backing write already succeeded; cache is best-effort
	}
	rc.client.Set(rc.ctx, recordKey(key), data, rc.cacheTTL(ttl))
	return nil
}

// Get serves from cache when present, otherwise falls through to the
// backing store and populates the cache for next time.
func (rc *RedisCache) Get(key dht.Key) (dht.Record, bool, error) {
	data, err := rc.client.Get(rc.ctx, recordKey(key)).Result()
	if err == nil {
		var cached cachedRecord
		if jsonErr := json.Unmarshal([]byte(data), &cached); jsonErr == nil {
			return dht.Record{Key: key, Value: cached.Value, TimeReceived: cached.TimeReceived}, true, nil
		}
	}

	record, ok, err := rc.backing.Get(key)
	if err != nil || !ok {
		return record, ok, err
	}
	if marshalled, jsonErr := json.Marshal(cachedRecord{Value: record.Value, TimeReceived: record.TimeReceived}); jsonErr == nil {
		rc.client.Set(rc.ctx, recordKey(key), marshalled, rc.ttl)
	}
	return record, true, nil
}

// AddProvider writes through to the backing store and invalidates the
// cached provider list for key (provider lists change shape too often to
// patch in place).
func (rc *RedisCache) AddProvider(key dht.Key, provider dht.ProviderInfo, ttl time.Duration) error {
	if err := rc.backing.AddProvider(key, provider, ttl); err != nil {
		return err
	}
	rc.client.Del(rc.ctx, providersKey(key))
	return nil
}

// Providers serves from cache when present, otherwise falls through to
// the backing store and populates the cache.
func (rc *RedisCache) Providers(key dht.Key) ([]dht.ProviderInfo, error) {
	data, err := rc.client.Get(rc.ctx, providersKey(key)).Result()
	if err == nil {
		var providers []dht.ProviderInfo
		if jsonErr := json.Unmarshal([]byte(data), &providers); jsonErr == nil {
			return providers, nil
		}
	}

	providers, err := rc.backing.Providers(key)
	if err != nil {
		return nil, err
	}
	if marshalled, jsonErr := json.Marshal(providers); jsonErr == nil {
		rc.client.Set(rc.ctx, providersKey(key), marshalled, 30*time.Second)
	}
	return providers, nil
}

// cacheTTL caps the cache entry's lifetime at the record's own TTL, so a
// cached copy never outlives the record it mirrors.
func (rc *RedisCache) cacheTTL(recordTTL time.Duration) time.Duration {
	if recordTTL > 0 && recordTTL < rc.ttl {
		return recordTTL
	}
	return rc.ttl
}

// IncrementCounter increments a named counter for lightweight
// request-rate metrics. pkg/api does not read these counters.
func (rc *RedisCache) IncrementCounter(name string) error {
	return rc.client.Incr(rc.ctx, fmt.Sprintf("counter:%s", name)).Err()
}

// GetCounter retrieves a named counter's current value.
func (rc *RedisCache) GetCounter(name string) (int64, error) {
	return rc.client.Get(rc.ctx, fmt.Sprintf("counter:%s", name)).Int64()
}

// Stats returns Redis cache statistics for the debug/admin surface.
func (rc *RedisCache) Stats() (map[string]interface{}, error) {
	info := rc.client.Info(rc.ctx, "stats")
	if info.Err() != nil {
		return nil, info.Err()
	}

	recordKeys, _ := rc.client.Keys(rc.ctx, "record:*").Result()
	providerKeys, _ := rc.client.Keys(rc.ctx, "providers:*").Result()

	return map[string]interface{}{
		"cached_records":   len(recordKeys),
		"cached_providers": len(providerKeys),
		"info":             info.Val(),
	}, nil
}

// Close closes the Redis connection.
func (rc *RedisCache) Close() error {
	log.Println("Closing Redis connection")
	return rc.client.Close()
}

// Health checks whether Redis is reachable.
func (rc *RedisCache) Health() error {
	return rc.client.Ping(rc.ctx).Err()
}
