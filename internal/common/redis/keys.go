package redis

const (
	// DefaultKeyPrefix namespaces every key this service writes
	DefaultKeyPrefix = "prerender:"

	lockSegment     = "lock:"
	cacheSegment    = "cache:"
	inflightSegment = "inflight"
)

// KeyGenerator builds Redis keys for the lock, cache and admission namespaces.
// Lock and cache keys share the work key so a cache probe and a lock attempt
// for the same URL always address the same resource.
type KeyGenerator struct {
	prefix string
}

// NewKeyGenerator creates a KeyGenerator; an empty prefix selects DefaultKeyPrefix
func NewKeyGenerator(prefix string) *KeyGenerator {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &KeyGenerator{prefix: prefix}
}

// LockKey returns the render lock key, e.g. prerender:lock:example.com/page
func (kg *KeyGenerator) LockKey(workKey string) string {
	return kg.prefix + lockSegment + workKey
}

// CacheKey returns the cached document key, e.g. prerender:cache:example.com/page
func (kg *KeyGenerator) CacheKey(workKey string) string {
	return kg.prefix + cacheSegment + workKey
}

// InFlightKey returns the sorted set holding global admission slots
func (kg *KeyGenerator) InFlightKey() string {
	return kg.prefix + inflightSegment
}
