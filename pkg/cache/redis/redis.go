// Package redis is the shared tier of the quote cache, backed by rueidis.
package redis

import (
	"context"
	"fmt"
	"time"

	"coinvault/pkg/cache"

	"github.com/redis/rueidis"
)

// Compile-time check that RedisCache implements cache.Layer.
var _ cache.Layer = (*RedisCache)(nil)

type RedisCache struct {
	client rueidis.Client
	name   string
	config RedisCacheConfig
}

type RedisCacheConfig struct {
	Name string
	// Addr is the server address for single node mode, e.g. "localhost:6379".
	Addr string
	// ClusterAddrs enables cluster mode when set.
	ClusterAddrs []string
	Username     string
	Password     string
	// DB is the database number. Cluster mode only supports 0.
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// SentinelAddrs enables sentinel mode when set.
	SentinelMasterSet string
	SentinelAddrs     []string
	SentinelUsername  string
	SentinelPassword  string
}

func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		Name:         "Redis",
		Addr:         "localhost:6379",
		KeyPrefix:    "coinvault:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func NewRedisCache(config RedisCacheConfig) (*RedisCache, error) {
	if config.Name == "" {
		config.Name = "Redis"
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}

	var initAddress []string
	switch {
	case len(config.ClusterAddrs) > 0:
		initAddress = config.ClusterAddrs
	case len(config.SentinelAddrs) > 0:
		initAddress = config.SentinelAddrs
	case config.Addr != "":
		initAddress = []string{config.Addr}
	default:
		return nil, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
	}

	clientOpts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		MaxFlushDelay:    100 * time.Microsecond,
	}

	if len(config.SentinelAddrs) > 0 {
		clientOpts.Sentinel = rueidis.SentinelOption{
			MasterSet: config.SentinelMasterSet,
			Username:  config.SentinelUsername,
			Password:  config.SentinelPassword,
		}
	}

	client, err := rueidis.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", err)
	}

	return &RedisCache{
		client: client,
		name:   config.Name,
		config: config,
	}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}

	cmd := r.client.B().Get().Key(r.config.KeyPrefix + key).Build()
	resp := r.client.Do(ctx, cmd)

	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, cache.ErrKeyNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	data, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("redis get: failed to read response: %w", err)
	}

	return data, nil
}

// Set stores value with an expiry. Redis needs a positive TTL in whole seconds, so anything under a second becomes one minute.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	if value == nil {
		return cache.ErrInvalidValue
	}
	if ttl < time.Second {
		ttl = time.Minute
	}

	cmd := r.client.B().Set().Key(r.config.KeyPrefix + key).Value(string(value)).Ex(ttl).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	cmd := r.client.B().Del().Key(r.config.KeyPrefix + key).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}

	return nil
}

func (r *RedisCache) Name() string {
	return r.name
}

func (r *RedisCache) Close() error {
	r.client.Close()
	return nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	cmd := r.client.B().Ping().Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of key, or cache.ErrKeyNotFound if it does not exist.
func (r *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	cmd := r.client.B().Pttl().Key(r.config.KeyPrefix + key).Build()
	resp := r.client.Do(ctx, cmd)

	if err := resp.Error(); err != nil {
		return 0, fmt.Errorf("redis ttl: %w", err)
	}

	millis, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("redis ttl: failed to read response: %w", err)
	}

	switch millis {
	case -2:
		return 0, cache.ErrKeyNotFound
	case -1:
		return -1, nil
	}

	return time.Duration(millis) * time.Millisecond, nil
}
