package inventory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/costing/internal/shared"
)

// RedisStateCache stores variant states in Redis with a TTL.
type RedisStateCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStateCache instantiates the cache helper.
func NewRedisStateCache(client *redis.Client, ttl time.Duration) *RedisStateCache {
	return &RedisStateCache{client: client, ttl: ttl}
}

// Get loads a cached state.
func (c *RedisStateCache) Get(ctx context.Context, variantID string) (State, bool, error) {
	if c == nil || c.client == nil {
		return State{}, false, nil
	}
	payload, err := c.client.Get(ctx, shared.VariantStateKey(variantID)).Bytes()
	if err == redis.Nil {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return State{}, false, err
	}
	return state, true, nil
}

// Set stores a state.
func (c *RedisStateCache) Set(ctx context.Context, state State) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, shared.VariantStateKey(state.VariantID), raw, c.ttl).Err()
}

// Invalidate removes cached states.
func (c *RedisStateCache) Invalidate(ctx context.Context, variantIDs ...string) error {
	if c == nil || c.client == nil || len(variantIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(variantIDs))
	for _, id := range variantIDs {
		keys = append(keys, shared.VariantStateKey(id))
	}
	return c.client.Del(ctx, keys...).Err()
}
