package threshold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/autopilot/internal/model"
)

// Cache stores resolved thresholds, including "no threshold" results.
type Cache interface {
	Get(ctx context.Context, orgID string, key model.ThresholdKey) (th *model.Threshold, found bool, err error)
	Set(ctx context.Context, orgID string, key model.ThresholdKey, th *model.Threshold) error
	Invalidate(ctx context.Context, key model.ThresholdKey) error
}

// RedisCache is a Cache backed by Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr     string        `yaml:"addr" mapstructure:"addr"`
	Password string        `yaml:"password" mapstructure:"password"`
	DB       int           `yaml:"db" mapstructure:"db"`
	TTL      time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Prefix   string        `yaml:"prefix" mapstructure:"prefix"`
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "threshold: connect redis %s", cfg.Addr)
	}

	zap.L().Info("threshold: redis cache initialized", zap.String("addr", cfg.Addr))
	return NewRedisCacheWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "autopilot:threshold"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) keyPattern(key model.ThresholdKey) string {
	return fmt.Sprintf("%s:%s:%s:%s:", c.prefix, key.ActionType, key.FromTier, key.ToTier)
}

func (c *RedisCache) cacheKey(orgID string, key model.ThresholdKey) string {
	return c.keyPattern(key) + orgID
}

// cachedThreshold distinguishes "no threshold" from a cache miss.
type cachedThreshold struct {
	Threshold *model.Threshold `json:"threshold"`
}

// Get returns a cached resolution. found is false on a miss.
func (c *RedisCache) Get(ctx context.Context, orgID string, key model.ThresholdKey) (*model.Threshold, bool, error) {
	data, err := c.client.Get(ctx, c.cacheKey(orgID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "threshold: redis get")
	}
	th, err := decodeCached(data)
	if err != nil {
		return nil, false, err
	}
	return th, true, nil
}

// Set caches a resolution; th may be nil.
func (c *RedisCache) Set(ctx context.Context, orgID string, key model.ThresholdKey, th *model.Threshold) error {
	data, err := encodeCached(th)
	if err != nil {
		return err
	}
	return eris.Wrap(c.client.Set(ctx, c.cacheKey(orgID, key), data, c.ttl).Err(), "threshold: redis set")
}

// Invalidate drops every org's cached resolution for key. A platform row
// change affects all orgs, so the whole key family is cleared.
func (c *RedisCache) Invalidate(ctx context.Context, key model.ThresholdKey) error {
	iter := c.client.Scan(ctx, 0, c.keyPattern(key)+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return eris.Wrap(err, "threshold: redis scan")
	}
	if len(keys) == 0 {
		return nil
	}
	return eris.Wrap(c.client.Del(ctx, keys...).Err(), "threshold: redis del")
}

func encodeCached(th *model.Threshold) ([]byte, error) {
	data, err := json.Marshal(cachedThreshold{Threshold: th})
	return data, eris.Wrap(err, "threshold: encode cache entry")
}

func decodeCached(data []byte) (*model.Threshold, error) {
	var c cachedThreshold
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "threshold: decode cache entry")
	}
	return c.Threshold, nil
}
