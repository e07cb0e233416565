// Package resultcache stores finished renders in Redis, keyed by work key, with
// an optional in-process layer in front.
package resultcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/edgecomet/prerender/internal/common/redis"
	"github.com/edgecomet/prerender/internal/prerender/workkey"
)

// Lookup results reported to the Recorder
const (
	ResultHit      = "hit"
	ResultMemory   = "memory_hit"
	ResultMiss     = "miss"
	ResultError    = "error"
	ResultStored   = "stored"
	ResultRejected = "store_error"
)

// Entry is a cached render
type Entry struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func (e *Entry) toHash(body []byte, encoding string) map[string]interface{} {
	hash := map[string]interface{}{
		"url":         e.URL,
		"status_code": e.StatusCode,
		"body":        body,
		"encoding":    encoding,
		"size":        len(e.Body),
		"request_id":  e.RequestID,
		"created_at":  e.CreatedAt.Unix(),
		"expires_at":  e.ExpiresAt.Unix(),
	}
	if len(e.Header) > 0 {
		if headersJSON, err := json.Marshal(e.Header); err == nil {
			hash["headers"] = string(headersJSON)
		}
	}
	return hash
}

func entryFromHash(data map[string]string) (*Entry, error) {
	e := &Entry{
		URL:       data["url"],
		RequestID: data["request_id"],
	}

	status, err := strconv.Atoi(data["status_code"])
	if err != nil {
		return nil, fmt.Errorf("invalid status_code: %w", err)
	}
	e.StatusCode = status

	createdAt, err := strconv.ParseInt(data["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()

	expiresAt, err := strconv.ParseInt(data["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expires_at: %w", err)
	}
	e.ExpiresAt = time.Unix(expiresAt, 0).UTC()

	if headersJSON := data["headers"]; headersJSON != "" {
		if err := json.Unmarshal([]byte(headersJSON), &e.Header); err != nil {
			return nil, fmt.Errorf("invalid headers: %w", err)
		}
	}

	body, err := decompress([]byte(data["body"]), data["encoding"])
	if err != nil {
		return nil, err
	}
	e.Body = body

	return e, nil
}

// Recorder receives cache lookup and store results
type Recorder interface {
	RecordCache(result string)
}

type Config struct {
	TTL         time.Duration
	Compression string
	// MemoryMaxCost bounds the in-process layer in bytes; 0 disables it
	MemoryMaxCost int64
	MemoryTTL     time.Duration
}

type Cache struct {
	client   *redis.Client
	keys     *redis.KeyGenerator
	cfg      Config
	memory   *ristretto.Cache
	group    singleflight.Group
	recorder Recorder
	logger   *zap.Logger
}

// New creates a Cache. recorder may be nil.
func New(client *redis.Client, keys *redis.KeyGenerator, cfg Config, recorder Recorder, logger *zap.Logger) (*Cache, error) {
	c := &Cache{
		client:   client,
		keys:     keys,
		cfg:      cfg,
		recorder: recorder,
		logger:   logger,
	}

	if cfg.MemoryMaxCost > 0 {
		memory, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     cfg.MemoryMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create memory cache: %w", err)
		}
		c.memory = memory
	}

	return c, nil
}

// Exists reports whether Get would serve a render for key. It reads the entry the
// same way Get does, so an entry that cannot be decoded is never reported as cached.
func (c *Cache) Exists(ctx context.Context, key workkey.Key) (bool, error) {
	entry, _, err := c.lookup(ctx, key)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// Get returns the cached render for key
func (c *Cache) Get(ctx context.Context, key workkey.Key) (*Entry, bool, error) {
	entry, fromMemory, err := c.lookup(ctx, key)
	switch {
	case err != nil:
		c.record(ResultError)
		return nil, false, err
	case entry == nil:
		c.record(ResultMiss)
		return nil, false, nil
	case fromMemory:
		c.record(ResultMemory)
	default:
		c.record(ResultHit)
	}
	return entry, true, nil
}

// lookup checks memory, then Redis. Concurrent misses for the same key share one Redis read.
func (c *Cache) lookup(ctx context.Context, key workkey.Key) (*Entry, bool, error) {
	if entry, ok := c.memoryGet(key); ok {
		if !entry.expired(time.Now()) {
			return entry, true, nil
		}
		c.memory.Del(key.String())
	}

	value, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		return c.load(ctx, key)
	})
	if err != nil {
		return nil, false, err
	}
	entry, _ := value.(*Entry)
	return entry, false, nil
}

func (c *Cache) load(ctx context.Context, key workkey.Key) (*Entry, error) {
	data, err := c.client.HGetAll(ctx, c.keys.CacheKey(key.String()))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	entry, err := entryFromHash(data)
	if err != nil {
		c.logger.Warn("Discarding unreadable cache entry",
			zap.String("work_key", key.String()),
			zap.Error(err))
		if err := c.Delete(ctx, key); err != nil {
			c.logger.Warn("Failed to delete unreadable cache entry",
				zap.String("work_key", key.String()),
				zap.Error(err))
		}
		return nil, nil
	}

	c.memorySet(key, entry)
	return entry, nil
}

// Put stores entry under key with the configured TTL
func (c *Cache) Put(ctx context.Context, key workkey.Key, entry *Entry) error {
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(c.cfg.TTL)

	body, encoding, err := compress(entry.Body, c.cfg.Compression)
	if err != nil {
		c.record(ResultRejected)
		return err
	}

	if err := c.client.HSetWithExpire(ctx, c.keys.CacheKey(key.String()), c.cfg.TTL, entry.toHash(body, encoding)); err != nil {
		c.record(ResultRejected)
		return fmt.Errorf("store %s: %w", key, err)
	}

	c.memorySet(key, entry)
	c.record(ResultStored)

	c.logger.Debug("Render cached",
		zap.String("work_key", key.String()),
		zap.String("encoding", encoding),
		zap.Int("size", len(entry.Body)),
		zap.Int("stored_size", len(body)),
		zap.Duration("ttl", c.cfg.TTL))
	return nil
}

// Delete removes key from both layers
func (c *Cache) Delete(ctx context.Context, key workkey.Key) error {
	if c.memory != nil {
		c.memory.Del(key.String())
		c.memory.Wait()
	}
	return c.client.Del(ctx, c.keys.CacheKey(key.String()))
}

// Close releases the in-process layer
func (c *Cache) Close() {
	if c.memory != nil {
		c.memory.Close()
	}
}

func (c *Cache) memoryGet(key workkey.Key) (*Entry, bool) {
	if c.memory == nil {
		return nil, false
	}
	value, ok := c.memory.Get(key.String())
	if !ok {
		return nil, false
	}
	entry, ok := value.(*Entry)
	return entry, ok
}

// memorySet keeps entry in memory for MemoryTTL, never past its Redis expiry
func (c *Cache) memorySet(key workkey.Key, entry *Entry) {
	if c.memory == nil {
		return
	}

	ttl := c.cfg.MemoryTTL
	if remaining := time.Until(entry.ExpiresAt); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}

	cost := int64(len(entry.Body) + len(entry.URL) + 256)
	c.memory.SetWithTTL(key.String(), entry, cost, ttl)
	c.memory.Wait()
}

func (c *Cache) record(result string) {
	if c.recorder != nil {
		c.recorder.RecordCache(result)
	}
}
