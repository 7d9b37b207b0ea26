package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Burst is a per-user sliding-window limiter backed by Redis sorted sets. It
// smooths short spikes that the daily ledger is too coarse to catch. A nil
// Burst, or a zero per-minute limit, disables the check.
type Burst struct {
	client    redis.Cmdable
	perMinute int
}

func NewBurst(client redis.Cmdable, perMinute int) *Burst {
	return &Burst{client: client, perMinute: perMinute}
}

// Allow records one call for the user and reports whether it fits in the
// last minute's window, along with the count of calls already in the window.
// On Redis errors it fails open: burst limiting is a smoothing layer, not
// the system of record.
func (b *Burst) Allow(ctx context.Context, userID uuid.UUID) (bool, int) {
	if b == nil || b.perMinute <= 0 {
		return true, 0
	}

	now := time.Now()
	key := "burst:user:" + userID.String()
	windowStart := float64(now.Add(-time.Minute).UnixMilli())

	pipe := b.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", windowStart))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, time.Minute+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("burst limiter: redis error, failing open", "error", err, "user_id", userID)
		return true, 0
	}

	count := int(countCmd.Val())
	return count < b.perMinute, count
}
