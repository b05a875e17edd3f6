package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/hyperjump/shiori/pkg/utils"
)

// RemoteCache is a shared, longer-lived embedding cache tier behind the in-process one.
type RemoteCache interface {
	GetMany(ctx context.Context, keys []string) (map[string][]float32, error)
	SetMany(ctx context.Context, entries map[string][]float32) error
	Close()
}

// RedisCacheConfig holds connection parameters for the Redis tier.
type RedisCacheConfig struct {
	Addrs    []string
	Username string
	Password string
	DB       int
	TTL      time.Duration
	// Namespace separates vectors of different models sharing one Redis.
	Namespace string
}

// RedisCache stores embeddings as little-endian float32 blobs via rueidis.
type RedisCache struct {
	client rueidis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache connects to Redis.
func NewRedisCache(cfg RedisCacheConfig) (*RedisCache, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}
	return newRedisCache(client, cfg), nil
}

func newRedisCache(client rueidis.Client, cfg RedisCacheConfig) *RedisCache {
	return &RedisCache{
		client: client,
		ttl:    cfg.TTL,
		prefix: "shiori:emb:" + cfg.Namespace + ":",
	}
}

// GetMany fetches every key in one round trip. Missing keys are absent from the result.
func (r *RedisCache) GetMany(ctx context.Context, keys []string) (map[string][]float32, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make(rueidis.Commands, 0, len(keys))
	for _, k := range keys {
		cmds = append(cmds, r.client.B().Get().Key(r.prefix+k).Build())
	}
	out := make(map[string][]float32, len(keys))
	for i, res := range r.client.DoMulti(ctx, cmds...) {
		data, err := res.AsBytes()
		if err != nil {
			if rueidis.IsRedisNil(err) {
				continue
			}
			return out, fmt.Errorf("redis get: %w", err)
		}
		vec, err := utils.BytesToFloat32s(data)
		if err != nil {
			continue
		}
		out[keys[i]] = vec
	}
	return out, nil
}

// SetMany writes every entry with the configured TTL in one round trip.
func (r *RedisCache) SetMany(ctx context.Context, entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}
	cmds := make(rueidis.Commands, 0, len(entries))
	for k, v := range entries {
		set := r.client.B().Set().Key(r.prefix + k).Value(string(utils.Float32sToBytes(v)))
		if r.ttl > 0 {
			cmds = append(cmds, set.Ex(r.ttl).Build())
		} else {
			cmds = append(cmds, set.Build())
		}
	}
	for _, res := range r.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return fmt.Errorf("redis set: %w", err)
		}
	}
	return nil
}

// Close shuts down the client.
func (r *RedisCache) Close() {
	r.client.Close()
}
