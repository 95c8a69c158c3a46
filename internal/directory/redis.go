package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/civiflow/civiflow/internal/workflow"
)

// CachedDirectory caches membership lookups in Redis in front of a slower
// upstream directory. Supervisor chains change rarely and are cached with
// the same TTL.
type CachedDirectory struct {
	upstream workflow.Directory
	client   *redis.Client
	ttl      time.Duration
}

// NewCached wraps upstream with a Redis cache.
func NewCached(upstream workflow.Directory, client *redis.Client, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{upstream: upstream, client: client, ttl: ttl}
}

func (d *CachedDirectory) ResolveMembers(ctx context.Context, roleOrGroupID string) ([]string, error) {
	key := "directory:members:" + roleOrGroupID
	if cached, err := d.client.Get(ctx, key).Result(); err == nil {
		var members []string
		if err := json.Unmarshal([]byte(cached), &members); err == nil {
			return members, nil
		}
	}

	members, err := d.upstream.ResolveMembers(ctx, roleOrGroupID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(members); err == nil {
		if err := d.client.Set(ctx, key, data, d.ttl).Err(); err != nil {
			log.Printf("[Directory] Cache write failed for %s: %v", roleOrGroupID, err)
		}
	}
	return members, nil
}

func (d *CachedDirectory) Supervisor(ctx context.Context, userID string) (string, error) {
	key := "directory:supervisor:" + userID
	if cached, err := d.client.Get(ctx, key).Result(); err == nil {
		return cached, nil
	}

	sup, err := d.upstream.Supervisor(ctx, userID)
	if err != nil {
		return "", err
	}
	if err := d.client.Set(ctx, key, sup, d.ttl).Err(); err != nil {
		log.Printf("[Directory] Cache write failed for supervisor %s: %v", userID, err)
	}
	return sup, nil
}

// Invalidate drops the cached membership for one role or group.
func (d *CachedDirectory) Invalidate(ctx context.Context, roleOrGroupID string) error {
	return d.client.Del(ctx, "directory:members:"+roleOrGroupID).Err()
}

// RedisSequencer backs round_robin assignment with Redis INCR so the
// rotation is shared across daemon instances.
type RedisSequencer struct {
	client *redis.Client
}

func NewRedisSequencer(client *redis.Client) *RedisSequencer {
	return &RedisSequencer{client: client}
}

func (s *RedisSequencer) Next(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, "seq:"+key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence %s: %w", key, err)
	}
	return n, nil
}
