package guard

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard implements DailyGuard on Redis so multiple service instances
// share one view of per-day order activity. Keys carry the calendar date
// and expire shortly after midnight, so rollover needs no housekeeping.
type RedisGuard struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisGuard creates a Redis-backed guard.
func NewRedisGuard(rdb *redis.Client) *RedisGuard {
	return &RedisGuard{rdb: rdb, now: time.Now}
}

func (g *RedisGuard) HasOrderedToday(ctx context.Context, ticker string, accountID int) (bool, error) {
	n, err := g.rdb.Exists(ctx, dayKey(ticker, accountID, g.now())).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g *RedisGuard) RecordOrder(ctx context.Context, ticker string, accountID int) error {
	now := g.now()
	key := dayKey(ticker, accountID, now)

	pipe := g.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.HSet(ctx, key+":meta", "last_order_time", now.Format(time.RFC3339))
	pipe.Expire(ctx, key, untilEndOfDay(now))
	pipe.Expire(ctx, key+":meta", untilEndOfDay(now))
	_, err := pipe.Exec(ctx)
	return err
}

// untilEndOfDay returns the TTL to just past local midnight, with an hour
// of slack so a key never outlives its date by much nor expires early.
func untilEndOfDay(now time.Time) time.Duration {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return midnight.Sub(now) + time.Hour
}
