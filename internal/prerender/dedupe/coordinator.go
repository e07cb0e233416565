// Package dedupe keeps concurrent requests for the same page from rendering twice
// and caps the number of renders in flight.
//
// Before runs the admission sequence for a request: cache probe, admission,
// lock attempt. After returns whatever Before took. Store outages never fail a
// request: coordination is skipped and the request renders uncoordinated.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/common/redis"
	"github.com/edgecomet/prerender/internal/common/requestid"
	"github.com/edgecomet/prerender/internal/prerender/admission"
	"github.com/edgecomet/prerender/internal/prerender/lockstore"
	"github.com/edgecomet/prerender/internal/prerender/workkey"
)

// Lock release outcomes
const (
	ReleaseReleased = "released"
	ReleaseExpired  = "expired"
	ReleaseError    = "error"
)

// LockStore is the subset of lockstore.Store the coordinator needs
type LockStore interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*lockstore.Lease, bool, error)
	Release(ctx context.Context, lease *lockstore.Lease) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Remaining(ctx context.Context, key string) (time.Duration, error)
}

// CacheProber answers whether a finished render for key is already cached
type CacheProber interface {
	Exists(ctx context.Context, key workkey.Key) (bool, error)
}

// Recorder receives coordination metrics
type Recorder interface {
	RecordDecision(state string)
	RecordLockRelease(outcome string)
	SetInFlight(n int)
}

type Config struct {
	LockTTL time.Duration
	// StoreTimeout bounds each store call independently of the client request
	StoreTimeout time.Duration
	// RetryAfter is the Retry-After sent with duplicate rejections
	RetryAfter time.Duration
	// RetryAfterFromTTL derives Retry-After from the lock's remaining TTL instead
	RetryAfterFromTTL bool
}

type Coordinator struct {
	cfg      Config
	locks    LockStore
	admitter admission.Admitter
	cache    CacheProber
	keys     *redis.KeyGenerator
	recorder Recorder
	logger   *zap.Logger
}

// NewCoordinator creates a Coordinator. cache and recorder may be nil.
func NewCoordinator(
	cfg Config,
	locks LockStore,
	admitter admission.Admitter,
	cache CacheProber,
	keys *redis.KeyGenerator,
	recorder Recorder,
	logger *zap.Logger,
) *Coordinator {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.RetryAfter < time.Second {
		cfg.RetryAfter = 5 * time.Second
	}
	return &Coordinator{
		cfg:      cfg,
		locks:    locks,
		admitter: admitter,
		cache:    cache,
		keys:     keys,
		recorder: recorder,
		logger:   logger,
	}
}

// storeContext is detached from the request so a client disconnect cannot leave
// a half-finished admission or lock behind
func (c *Coordinator) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
}

// Before admits or rejects a request for rawURL. The returned ticket must be passed to After.
func (c *Coordinator) Before(ctx context.Context, rawURL string) *Ticket {
	ticket := &Ticket{
		State:     StateReceived,
		StartedAt: time.Now(),
		Ceiling:   c.admitter.Ceiling(),
	}
	logger := c.logger.With(zap.String("request_id", requestid.FromContext(ctx)))

	key, err := workkey.Normalize(rawURL)
	if err != nil {
		ticket.State = StateFailOpen
		ticket.Err = err
		logger.Warn("Cannot derive work key, skipping coordination",
			zap.String("url", rawURL),
			zap.Error(err))
		c.recordDecision(ticket)
		return ticket
	}
	ticket.Key = key
	ticket.LockKey = c.keys.LockKey(key.String())
	logger = logger.With(zap.String("work_key", key.String()))

	if c.cache != nil {
		ticket.State = StateCacheProbe
		hit, err := c.probeCache(key)
		if err != nil {
			return c.failOpen(ticket, logger, "cache probe", err)
		}
		if hit {
			ticket.State = StateShortCircuit
			logger.Debug("Cached render exists, bypassing coordination")
			c.recordDecision(ticket)
			return ticket
		}
	}

	return c.coordinate(ticket, logger)
}

// Recheck coordinates a short-circuited ticket whose cached render could not be
// served after all, so the render it falls back to is counted and locked.
// Tickets in any other state are returned unchanged.
func (c *Coordinator) Recheck(ctx context.Context, ticket *Ticket) *Ticket {
	if ticket == nil || ticket.State != StateShortCircuit {
		return ticket
	}
	logger := c.logger.With(
		zap.String("request_id", requestid.FromContext(ctx)),
		zap.String("work_key", ticket.Key.String()))
	logger.Debug("Cached render unavailable, coordinating render")
	return c.coordinate(ticket, logger)
}

// coordinate runs the duplicate probe, admission and lock attempt for ticket
func (c *Coordinator) coordinate(ticket *Ticket, logger *zap.Logger) *Ticket {
	// A key already being rendered is a duplicate whatever the load, so it is
	// reported as such before it can be counted against the ceiling
	ticket.State = StateLockAttempt
	held, err := c.lockHeld(ticket.LockKey)
	if err != nil {
		return c.failOpen(ticket, logger, "lock probe", err)
	}
	if held {
		return c.rejectDuplicate(ticket, logger)
	}

	ticket.State = StateAdmissionCheck
	ticket.holder = uuid.NewString()
	admitted, err := c.tryAdmit(ticket.holder)
	if err != nil {
		return c.failOpen(ticket, logger, "admission", err)
	}
	if !admitted {
		ticket.State = StateRejectedBusy
		ticket.Err = ErrCapacityExceeded
		ticket.InFlight = c.inFlight(logger)
		logger.Info("Render capacity exceeded",
			zap.Int("in_flight", ticket.InFlight),
			zap.Int("ceiling", ticket.Ceiling))
		c.recordDecision(ticket)
		return ticket
	}
	ticket.admitted = true

	ticket.State = StateLockAttempt
	lease, acquired, err := c.tryLock(ticket.LockKey)
	if err != nil {
		return c.failOpen(ticket, logger, "lock attempt", err)
	}
	if !acquired {
		c.rollbackAdmission(ticket, logger)
		return c.rejectDuplicate(ticket, logger)
	}

	ticket.lease = lease
	ticket.HoldsLock = true
	ticket.State = StateLockAcquired
	logger.Debug("Render lock acquired", zap.Duration("lock_ttl", c.cfg.LockTTL))
	c.recordDecision(ticket)
	c.updateInFlight(logger)
	return ticket
}

// After releases the lock and admission slot held by ticket. Safe to call more than
// once and on tickets that hold nothing.
func (c *Coordinator) After(ctx context.Context, ticket *Ticket) {
	if ticket == nil || ticket.done || !ticket.HoldsLock {
		return
	}
	ticket.done = true
	ticket.State = StateCompleting

	logger := c.logger.With(
		zap.String("request_id", requestid.FromContext(ctx)),
		zap.String("work_key", ticket.Key.String()),
		zap.Duration("held", time.Since(ticket.StartedAt)))

	storeCtx, cancel := c.storeContext()
	released, err := c.locks.Release(storeCtx, ticket.lease)
	cancel()

	switch {
	case err != nil:
		ticket.Err = fmt.Errorf("%w: lock %s: %w", ErrReleaseFailure, ticket.LockKey, err)
		logger.Error("Failed to release render lock, it will expire on its own",
			zap.Duration("lock_ttl", c.cfg.LockTTL),
			zap.Error(err))
		c.recordRelease(ReleaseError)
	case !released:
		if ticket.lease.Expired(time.Now()) {
			logger.Warn("Render lock expired before completion",
				zap.Duration("lock_ttl", c.cfg.LockTTL))
		} else {
			// Within its TTL the entry can only be gone if the store dropped it
			logger.Warn("Render lock lost before its TTL elapsed",
				zap.Duration("lock_ttl", c.cfg.LockTTL))
		}
		c.recordRelease(ReleaseExpired)
	default:
		c.recordRelease(ReleaseReleased)
	}

	storeCtx, cancel = c.storeContext()
	if err := c.admitter.Release(storeCtx, ticket.holder); err != nil {
		if ticket.Err == nil {
			ticket.Err = fmt.Errorf("%w: admission slot: %w", ErrReleaseFailure, err)
		}
		logger.Error("Failed to release admission slot", zap.Error(err))
	}
	cancel()

	ticket.HoldsLock = false
	ticket.admitted = false
	ticket.State = StateReleased
	c.updateInFlight(logger)
}

func (c *Coordinator) rejectDuplicate(ticket *Ticket, logger *zap.Logger) *Ticket {
	ticket.State = StateRejectedDuplicate
	ticket.Err = ErrDuplicateInFlight
	ticket.RetryAfter = c.retryAfter(ticket.LockKey, logger)
	logger.Info("Duplicate render rejected",
		zap.Duration("retry_after", ticket.RetryAfter))
	c.recordDecision(ticket)
	return ticket
}

func (c *Coordinator) lockHeld(key string) (bool, error) {
	storeCtx, cancel := c.storeContext()
	defer cancel()
	return c.locks.Exists(storeCtx, key)
}

func (c *Coordinator) probeCache(key workkey.Key) (bool, error) {
	storeCtx, cancel := c.storeContext()
	defer cancel()
	return c.cache.Exists(storeCtx, key)
}

func (c *Coordinator) tryAdmit(holder string) (bool, error) {
	storeCtx, cancel := c.storeContext()
	defer cancel()
	return c.admitter.TryAdmit(storeCtx, holder)
}

func (c *Coordinator) tryLock(key string) (*lockstore.Lease, bool, error) {
	storeCtx, cancel := c.storeContext()
	defer cancel()
	return c.locks.TryAcquire(storeCtx, key, c.cfg.LockTTL)
}

// failOpen abandons coordination after a store error. An admission already taken is returned.
func (c *Coordinator) failOpen(ticket *Ticket, logger *zap.Logger, step string, err error) *Ticket {
	c.rollbackAdmission(ticket, logger)

	if !errors.Is(err, ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	ticket.Err = fmt.Errorf("%s: %w", step, err)
	ticket.State = StateFailOpen

	logger.Warn("Coordination store unavailable, rendering uncoordinated",
		zap.String("step", step),
		zap.Error(err))
	c.recordDecision(ticket)
	return ticket
}

func (c *Coordinator) rollbackAdmission(ticket *Ticket, logger *zap.Logger) {
	if !ticket.admitted {
		return
	}
	ticket.admitted = false

	storeCtx, cancel := c.storeContext()
	defer cancel()
	if err := c.admitter.Release(storeCtx, ticket.holder); err != nil {
		logger.Error("Failed to roll back admission", zap.Error(err))
	}
}

func (c *Coordinator) inFlight(logger *zap.Logger) int {
	storeCtx, cancel := c.storeContext()
	defer cancel()

	n, err := c.admitter.InFlight(storeCtx)
	if err != nil {
		logger.Debug("Cannot read in-flight count", zap.Error(err))
		return c.admitter.Ceiling()
	}
	return n
}

func (c *Coordinator) retryAfter(lockKey string, logger *zap.Logger) time.Duration {
	if !c.cfg.RetryAfterFromTTL {
		return c.cfg.RetryAfter
	}

	storeCtx, cancel := c.storeContext()
	defer cancel()

	remaining, err := c.locks.Remaining(storeCtx, lockKey)
	if err != nil {
		logger.Debug("Cannot read lock TTL, using default retry-after", zap.Error(err))
		return c.cfg.RetryAfter
	}
	if remaining < time.Second {
		return time.Second
	}
	return remaining
}

func (c *Coordinator) recordDecision(ticket *Ticket) {
	if c.recorder != nil {
		c.recorder.RecordDecision(ticket.State.String())
	}
}

func (c *Coordinator) recordRelease(outcome string) {
	if c.recorder != nil {
		c.recorder.RecordLockRelease(outcome)
	}
}

func (c *Coordinator) updateInFlight(logger *zap.Logger) {
	if c.recorder != nil {
		c.recorder.SetInFlight(c.inFlight(logger))
	}
}
