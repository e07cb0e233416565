package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/common/redis"
)

// admitScript prunes expired slots, then adds the holder if the set is below the ceiling.
// A holder already present only has its expiry refreshed.
//
// KEYS[1] slot set; ARGV: now ms, slot expiry ms, ceiling, holder, set ttl ms
var admitScript = goredis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if redis.call("ZSCORE", KEYS[1], ARGV[4]) then
    redis.call("ZADD", KEYS[1], ARGV[2], ARGV[4])
    redis.call("PEXPIRE", KEYS[1], ARGV[5])
    return 1
end
if redis.call("ZCARD", KEYS[1]) < tonumber(ARGV[3]) then
    redis.call("ZADD", KEYS[1], ARGV[2], ARGV[4])
    redis.call("PEXPIRE", KEYS[1], ARGV[5])
    return 1
end
return 0
`)

// RedisCounter shares one ceiling across every instance using a sorted set of
// slots scored by expiry time. Slots of crashed holders lapse after slotTTL.
type RedisCounter struct {
	client  *redis.Client
	key     string
	ceiling int
	slotTTL time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

// NewRedisCounter creates a store-backed counter. slotTTL should match the lock TTL.
func NewRedisCounter(client *redis.Client, key string, ceiling int, slotTTL time.Duration, logger *zap.Logger) *RedisCounter {
	return &RedisCounter{
		client:  client,
		key:     key,
		ceiling: ceiling,
		slotTTL: slotTTL,
		now:     time.Now,
		logger:  logger,
	}
}

func (c *RedisCounter) TryAdmit(ctx context.Context, holder string) (bool, error) {
	now := c.now()
	expiry := now.Add(c.slotTTL)

	result, err := c.client.RunScript(ctx, admitScript, []string{c.key},
		now.UnixMilli(),
		expiry.UnixMilli(),
		c.ceiling,
		holder,
		c.slotTTL.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("admit %s: %w", holder, err)
	}

	admitted, _ := result.(int64)
	return admitted == 1, nil
}

func (c *RedisCounter) Release(ctx context.Context, holder string) error {
	removed, err := c.client.ZRem(ctx, c.key, holder)
	if err != nil {
		return fmt.Errorf("release slot %s: %w", holder, err)
	}
	if !removed {
		c.logger.Warn("Admission slot already expired at release",
			zap.String("holder", holder),
			zap.Duration("slot_ttl", c.slotTTL))
	}
	return nil
}

// InFlight counts slots that have not expired yet
func (c *RedisCounter) InFlight(ctx context.Context) (int, error) {
	min := "(" + strconv.FormatInt(c.now().UnixMilli(), 10)
	count, err := c.client.ZCount(ctx, c.key, min, "+inf")
	if err != nil {
		return 0, fmt.Errorf("count slots: %w", err)
	}
	return int(count), nil
}

func (c *RedisCounter) Ceiling() int {
	return c.ceiling
}
