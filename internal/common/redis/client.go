package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/common/configtypes"
)

// ErrUnavailable marks every failure talking to Redis (network, timeout, server error).
// Callers use errors.Is(err, ErrUnavailable) to tell store outages apart from
// "key absent" and "lock held", which are reported as plain results.
var ErrUnavailable = errors.New("redis unavailable")

type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewClient(cfg *configtypes.RedisConfig, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	opts, err := buildOptions(cfg)
	if err != nil {
		return nil, err
	}

	// go-redis defaults: DialTimeout 5s, ReadTimeout/WriteTimeout 3s, PoolSize 10*GOMAXPROCS
	client := &Client{
		rdb:    redis.NewClient(opts),
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		_ = client.rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Debug("Redis client connected successfully",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB))

	return client, nil
}

// buildOptions accepts either a host:port address or a redis:// URL (REDIS_URL)
func buildOptions(cfg *configtypes.RedisConfig) (*redis.Options, error) {
	if strings.HasPrefix(cfg.Addr, "redis://") || strings.HasPrefix(cfg.Addr, "rediss://") {
		opts, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		if cfg.Password != "" {
			opts.Password = cfg.Password
		}
		if cfg.DB != 0 {
			opts.DB = cfg.DB
		}
		return opts, nil
	}

	return &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s failed: %w: %w", op, ErrUnavailable, err)
}

func (c *Client) Ping(ctx context.Context) error {
	result, err := c.rdb.Ping(ctx).Result()
	if err != nil {
		c.logger.Error("Redis ping failed", zap.Error(err))
		return unavailable("ping", err)
	}

	if result != "PONG" {
		c.logger.Error("Redis ping returned unexpected response", zap.String("response", result))
		return fmt.Errorf("unexpected ping response: %s", result)
	}

	return nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	start := time.Now().UTC()

	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	c.logger.Debug("Redis health check passed", zap.Duration("duration", time.Since(start)))
	return nil
}

// SetNX sets key only when absent, with expiry. Single round trip: SET key value NX PX ttl.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	result, err := c.rdb.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		c.logger.Error("Redis SETNX failed",
			zap.String("key", key),
			zap.Duration("expiration", expiration),
			zap.Error(err))
		return false, unavailable("setnx", err)
	}
	return result, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.logger.Error("Redis DEL failed",
			zap.Strings("keys", keys),
			zap.Error(err))
		return unavailable("del", err)
	}
	return nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		c.logger.Error("Redis EXISTS failed",
			zap.String("key", key),
			zap.Error(err))
		return false, unavailable("exists", err)
	}
	return result > 0, nil
}

// PTTL returns the remaining lifetime of key. Missing keys and keys without expiry return 0.
func (c *Client) PTTL(ctx context.Context, key string) (time.Duration, error) {
	result, err := c.rdb.PTTL(ctx, key).Result()
	if err != nil {
		c.logger.Error("Redis PTTL failed",
			zap.String("key", key),
			zap.Error(err))
		return 0, unavailable("pttl", err)
	}
	if result < 0 {
		return 0, nil
	}
	return result, nil
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	result, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Error("Redis HGETALL failed",
			zap.String("key", key),
			zap.Error(err))
		return nil, unavailable("hgetall", err)
	}
	return result, nil
}

func (c *Client) HSetWithExpire(ctx context.Context, key string, expiration time.Duration, values map[string]interface{}) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, values)
	pipe.PExpire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("Redis HSET+PEXPIRE pipeline failed",
			zap.String("key", key),
			zap.Duration("expiration", expiration),
			zap.Error(err))
		return unavailable("hset with expire", err)
	}
	return nil
}

// RunScript executes a Lua script (EVALSHA with EVAL fallback). A nil script reply is returned as nil, nil.
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	result, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.logger.Error("Redis script failed",
			zap.Strings("keys", keys),
			zap.Int("num_args", len(args)),
			zap.Error(err))
		return nil, unavailable("evalsha", err)
	}
	return result, nil
}

// ZRem removes a member from a sorted set
func (c *Client) ZRem(ctx context.Context, key string, member string) (bool, error) {
	removed, err := c.rdb.ZRem(ctx, key, member).Result()
	if err != nil {
		c.logger.Error("Redis ZREM failed",
			zap.String("key", key),
			zap.String("member", member),
			zap.Error(err))
		return false, unavailable("zrem", err)
	}
	return removed > 0, nil
}

// ZCount returns count of members with scores between min and max
func (c *Client) ZCount(ctx context.Context, key string, min, max string) (int64, error) {
	result, err := c.rdb.ZCount(ctx, key, min, max).Result()
	if err != nil {
		c.logger.Error("Redis ZCOUNT failed",
			zap.String("key", key),
			zap.String("min", min),
			zap.String("max", max),
			zap.Error(err))
		return 0, unavailable("zcount", err)
	}
	return result, nil
}

func (c *Client) Close() error {
	if c.rdb != nil {
		if err := c.rdb.Close(); err != nil {
			c.logger.Error("Failed to close Redis client", zap.Error(err))
			return err
		}
		c.logger.Debug("Redis client closed")
	}
	return nil
}
