package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache keeps the hot tail of each conversation in a Redis list so the chat
// path avoids a Postgres read per message. Postgres stays the system of
// record; a cache miss just falls back to the repository.
type Cache struct {
	client  *redis.Client
	maxTail int
	ttl     time.Duration
}

func NewCache(client *redis.Client, maxTail int, ttl time.Duration) *Cache {
	return &Cache{client: client, maxTail: maxTail, ttl: ttl}
}

func convKey(conversationID uuid.UUID) string {
	return fmt.Sprintf("conv:%s:tail", conversationID.String())
}

// Recent returns up to limit cached turns in chronological order.
func (c *Cache) Recent(ctx context.Context, conversationID uuid.UUID, limit int) ([]Turn, error) {
	key := convKey(conversationID)

	vals, err := c.client.LRange(ctx, key, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}

	turns := make([]Turn, 0, len(vals))
	for _, v := range vals {
		var turn Turn
		if err := json.Unmarshal([]byte(v), &turn); err != nil {
			continue // skip malformed entries
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// Append adds a turn to the cached tail, trims it to the configured length
// and refreshes the TTL.
func (c *Cache) Append(ctx context.Context, conversationID uuid.UUID, turn Turn) error {
	key := convKey(conversationID)

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshaling turn: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key, string(data))
	pipe.LTrim(ctx, key, int64(-c.maxTail), -1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec for %s: %w", key, err)
	}
	return nil
}

// Invalidate drops the cached tail, forcing the next read through Postgres.
func (c *Cache) Invalidate(ctx context.Context, conversationID uuid.UUID) error {
	return c.client.Del(ctx, convKey(conversationID)).Err()
}
