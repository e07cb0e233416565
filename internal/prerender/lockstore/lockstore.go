// Package lockstore holds short-lived render locks in Redis.
//
// A lock is a string key whose value is a per-acquisition token. Acquisition is a
// single SET NX PX; release deletes the key only while it still carries the
// caller's token, so a holder whose lock expired can never delete the lock of
// the request that took over.
package lockstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/common/redis"
)

// ErrStoreUnavailable is wrapped by every error caused by the store being unreachable or failing
var ErrStoreUnavailable = redis.ErrUnavailable

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Lease is proof of a successful acquisition
type Lease struct {
	Key        string
	Token      string
	TTL        time.Duration
	AcquiredAt time.Time
}

// Expired reports whether the lease TTL has elapsed according to the local clock
func (l *Lease) Expired(now time.Time) bool {
	return now.Sub(l.AcquiredAt) >= l.TTL
}

type Store struct {
	client *redis.Client
	logger *zap.Logger
}

func New(client *redis.Client, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger,
	}
}

// TryAcquire creates the lock entry if absent. It returns (lease, true, nil) when
// created and (nil, false, nil) when another holder owns the key.
func (s *Store) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}

	token := uuid.NewString()
	acquired, err := s.client.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !acquired {
		return nil, false, nil
	}

	s.logger.Debug("Lock acquired",
		zap.String("key", key),
		zap.Duration("ttl", ttl))

	return &Lease{
		Key:        key,
		Token:      token,
		TTL:        ttl,
		AcquiredAt: time.Now(),
	}, true, nil
}

// Release deletes the lock if lease still owns it. The boolean is false when the
// entry had already expired or belongs to another holder.
func (s *Store) Release(ctx context.Context, lease *Lease) (bool, error) {
	if lease == nil {
		return false, nil
	}

	result, err := s.client.RunScript(ctx, releaseScript, []string{lease.Key}, lease.Token)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", lease.Key, err)
	}

	deleted, _ := result.(int64)
	if deleted == 0 {
		s.logger.Debug("Lock no longer owned at release",
			zap.String("key", lease.Key),
			zap.Duration("held", time.Since(lease.AcquiredAt)))
		return false, nil
	}
	return true, nil
}

// Exists reports whether an entry is present at key without modifying it
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := s.client.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", key, err)
	}
	return exists, nil
}

// Remaining returns the time left before the entry at key expires, 0 when absent
func (s *Store) Remaining(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("remaining ttl %s: %w", key, err)
	}
	return ttl, nil
}
