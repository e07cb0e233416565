package chrome

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PoolObserver receives pool occupancy updates
type PoolObserver interface {
	UpdateChromePoolSize(size int)
	UpdateChromeAvailable(available int)
	RecordChromeRestart()
}

// PoolStats is a snapshot of pool occupancy
type PoolStats struct {
	TotalInstances     int           `json:"total_instances"`
	AvailableInstances int           `json:"available_instances"`
	ActiveInstances    int           `json:"active_instances"`
	TotalRenders       int64         `json:"total_renders"`
	TotalRestarts      int64         `json:"total_restarts"`
	Uptime             time.Duration `json:"-"`
	UptimeSeconds      int64         `json:"uptime_seconds"`
}

// Pool hands out browser instances through a FIFO queue of idle instance IDs
type Pool struct {
	config        *Config
	logger        *zap.Logger
	observer      PoolObserver
	instances     []*Instance
	queue         chan int
	mu            sync.RWMutex
	active        atomic.Int32
	totalRenders  atomic.Int64
	totalRestarts atomic.Int64
	createdAt     time.Time
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewPool starts every browser instance up front. observer may be nil.
func NewPool(cfg *Config, observer PoolObserver, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	size := cfg.CalculatePoolSize()
	logger.Info("Initializing Chrome pool",
		zap.Int("pool_size", size),
		zap.String("location", cfg.Location))

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		config:    cfg,
		logger:    logger,
		observer:  observer,
		instances: make([]*Instance, size),
		queue:     make(chan int, size),
		createdAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < size; i++ {
		instance, err := NewInstance(i, cfg, logger)
		if err != nil {
			_ = pool.Shutdown()
			return nil, fmt.Errorf("failed to create Chrome instance %d: %w", i, err)
		}
		pool.instances[i] = instance
		pool.queue <- i
	}

	pool.report()
	logger.Info("Chrome pool initialized", zap.Int("instances", size))
	return pool, nil
}

// Acquire blocks until an instance is idle, ctx ends or the pool shuts down.
// Dead or worn-out instances are restarted before they are handed out.
func (p *Pool) Acquire(ctx context.Context, requestID string) (*Instance, error) {
	var id int
	select {
	case <-p.ctx.Done():
		return nil, ErrPoolShutdown
	case <-ctx.Done():
		return nil, ctx.Err()
	case id = <-p.queue:
	}

	if p.ctx.Err() != nil {
		p.requeue(id)
		return nil, ErrPoolShutdown
	}

	p.mu.RLock()
	instance := p.instances[id]
	p.mu.RUnlock()

	if !instance.IsAlive() {
		p.logger.Warn("Chrome instance is dead, restarting",
			zap.String("request_id", requestID),
			zap.Int("instance_id", id))

		if err := instance.Restart(p.config); err != nil {
			p.logger.Error("Failed to restart dead instance",
				zap.String("request_id", requestID),
				zap.Int("instance_id", id),
				zap.Error(err))
			p.requeue(id)
			return nil, fmt.Errorf("%w: instance %d", ErrInstanceDead, id)
		}
		p.restarted()
	} else if instance.ShouldRestart(p.config) {
		if err := instance.Restart(p.config); err != nil {
			p.logger.Error("Failed to recycle instance",
				zap.String("request_id", requestID),
				zap.Int("instance_id", id),
				zap.Error(err))
			p.requeue(id)
			return nil, fmt.Errorf("%w: instance %d", ErrInstanceDead, id)
		}
		p.restarted()
	}

	instance.SetStatus(StatusRendering)
	p.active.Add(1)
	p.report()

	p.logger.Debug("Chrome instance acquired",
		zap.String("request_id", requestID),
		zap.Int("instance_id", id),
		zap.Int32("active", p.active.Load()))
	return instance, nil
}

// Release returns an instance to the idle queue
func (p *Pool) Release(instance *Instance) {
	instance.SetStatus(StatusIdle)
	instance.markUsed()
	p.totalRenders.Add(1)
	p.active.Add(-1)

	p.requeue(instance.ID)
	p.report()
}

func (p *Pool) requeue(id int) {
	select {
	case p.queue <- id:
	case <-p.ctx.Done():
	default:
		p.logger.Error("Queue full when returning instance - possible leak",
			zap.Int("instance_id", id),
			zap.Int("queue_len", len(p.queue)))
	}
}

func (p *Pool) restarted() {
	p.totalRestarts.Add(1)
	if p.observer != nil {
		p.observer.RecordChromeRestart()
	}
}

func (p *Pool) report() {
	if p.observer == nil {
		return
	}
	p.observer.UpdateChromePoolSize(p.Size())
	p.observer.UpdateChromeAvailable(p.Available())
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	uptime := time.Since(p.createdAt)
	return PoolStats{
		TotalInstances:     p.Size(),
		AvailableInstances: p.Available(),
		ActiveInstances:    int(p.active.Load()),
		TotalRenders:       p.totalRenders.Load(),
		TotalRestarts:      p.totalRestarts.Load(),
		Uptime:             uptime,
		UptimeSeconds:      int64(uptime / time.Second),
	}
}

func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.instances)
}

// Available returns the number of idle instances
func (p *Pool) Available() int {
	return len(p.queue)
}

// Shutdown stops handing out instances, waits up to ShutdownTimeout for active
// renders to finish, then terminates every browser
func (p *Pool) Shutdown() error {
	p.logger.Info("Initiating Chrome pool shutdown",
		zap.Duration("timeout", p.config.ShutdownTimeout),
		zap.Int32("active_renders", p.active.Load()))

	p.cancel()

	if p.waitForActive(p.config.ShutdownTimeout) {
		p.logger.Info("All active renders completed gracefully")
	} else {
		p.logger.Warn("Shutdown timeout exceeded, forcing termination",
			zap.Int32("stuck_renders", p.active.Load()))
	}

	p.mu.Lock()
	for _, instance := range p.instances {
		if instance != nil {
			instance.Terminate()
		}
	}
	p.mu.Unlock()

	stats := p.Stats()
	p.logger.Info("Chrome pool shut down",
		zap.Int64("total_renders", stats.TotalRenders),
		zap.Int64("total_restarts", stats.TotalRestarts),
		zap.Duration("uptime", stats.Uptime))
	return nil
}

func (p *Pool) waitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if p.active.Load() == 0 {
			return true
		}
		<-ticker.C
		if time.Now().After(deadline) {
			return false
		}
	}
}
