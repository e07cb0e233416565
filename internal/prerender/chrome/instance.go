package chrome

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a browser instance
type Status int32

const (
	StatusIdle Status = iota
	StatusRendering
	StatusRestarting
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRendering:
		return "rendering"
	case StatusRestarting:
		return "restarting"
	case StatusDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Instance is one browser process. Renders open a fresh tab on it.
type Instance struct {
	ID              int
	ctx             context.Context
	cancel          context.CancelFunc
	allocatorCancel context.CancelFunc
	createdAt       time.Time
	browserVersion  string
	logger          *zap.Logger

	status       atomic.Int32
	requestsDone atomic.Int32
	lastUsedNano atomic.Int64
}

// NewInstance starts a browser process and warms it up. A failed warmup is logged, not fatal.
func NewInstance(id int, cfg *Config, logger *zap.Logger) (*Instance, error) {
	instance := &Instance{
		ID:     id,
		logger: logger,
	}
	instance.reset()

	if err := instance.createBrowser(cfg); err != nil {
		return nil, fmt.Errorf("failed to create Chrome instance %d: %w", id, err)
	}

	instance.logger.Info("Chrome instance created",
		zap.Int("instance_id", id),
		zap.String("browser", instance.browserVersion))

	if err := instance.Warmup(cfg); err != nil {
		instance.logger.Warn("Chrome instance warmup failed",
			zap.Int("instance_id", id),
			zap.Error(err))
	}
	return instance, nil
}

func (i *Instance) reset() {
	now := time.Now().UTC()
	i.createdAt = now
	i.requestsDone.Store(0)
	i.lastUsedNano.Store(now.UnixNano())
	i.status.Store(int32(StatusIdle))
}

func (i *Instance) createBrowser(cfg *Config) error {
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), cfg.allocatorOptions()...)
	ctx, cancel := chromedp.NewContext(allocatorCtx)

	// The first Run starts the browser process
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocatorCancel()
		return fmt.Errorf("failed to start Chrome: %w", err)
	}

	i.ctx, i.cancel, i.allocatorCancel = ctx, cancel, allocatorCancel

	if err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, product, _, _, _, err := browser.GetVersion().Do(ctx)
		if err != nil {
			return err
		}
		i.browserVersion = product
		return nil
	})); err != nil {
		i.logger.Warn("Failed to capture browser version",
			zap.Int("instance_id", i.ID),
			zap.Error(err))
	}
	return nil
}

// Warmup navigates to the warmup URL so the first real render does not pay startup costs
func (i *Instance) Warmup(cfg *Config) error {
	ctx, cancel := context.WithTimeout(i.ctx, cfg.WarmupTimeout)
	defer cancel()

	if err := chromedp.Run(ctx, chromedp.Navigate(cfg.WarmupURL)); err != nil {
		return fmt.Errorf("warmup navigation failed: %w", err)
	}
	return nil
}

// IsAlive checks that the browser still answers CDP calls
func (i *Instance) IsAlive() bool {
	if i.Status() == StatusDead {
		return false
	}

	ctx, cancel := context.WithTimeout(i.ctx, 5*time.Second)
	defer cancel()

	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, _, _, _, err := browser.GetVersion().Do(ctx)
		return err
	}))
	return err == nil
}

func (i *Instance) Age() time.Duration {
	return time.Since(i.createdAt)
}

// ShouldRestart reports whether the recycling policy wants a fresh process
func (i *Instance) ShouldRestart(cfg *Config) bool {
	return int(i.requestsDone.Load()) >= cfg.RestartAfterCount || i.Age() >= cfg.RestartAfterTime
}

// Restart terminates and recreates the browser process
func (i *Instance) Restart(cfg *Config) error {
	i.logger.Info("Restarting Chrome instance",
		zap.Int("instance_id", i.ID),
		zap.Int32("requests_done", i.requestsDone.Load()),
		zap.Duration("age", i.Age()))

	i.SetStatus(StatusRestarting)
	i.Terminate()
	i.reset()

	if err := i.createBrowser(cfg); err != nil {
		i.SetStatus(StatusDead)
		return fmt.Errorf("%w: %v", ErrRestartFailed, err)
	}
	if err := i.Warmup(cfg); err != nil {
		i.logger.Warn("Warmup failed after restart",
			zap.Int("instance_id", i.ID),
			zap.Error(err))
	}
	return nil
}

// Terminate shuts down the browser process
func (i *Instance) Terminate() {
	i.SetStatus(StatusDead)
	if i.cancel != nil {
		i.cancel()
	}
	if i.allocatorCancel != nil {
		i.allocatorCancel()
	}
}

// newTab returns a context for a fresh tab on this browser
func (i *Instance) newTab() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(i.ctx)
}

func (i *Instance) markUsed() {
	i.requestsDone.Add(1)
	i.lastUsedNano.Store(time.Now().UTC().UnixNano())
}

func (i *Instance) Status() Status {
	return Status(i.status.Load())
}

func (i *Instance) SetStatus(status Status) {
	i.status.Store(int32(status))
}

func (i *Instance) RequestsDone() int32 {
	return i.requestsDone.Load()
}

func (i *Instance) LastUsed() time.Time {
	return time.Unix(0, i.lastUsedNano.Load())
}

// BrowserVersion returns the product string, e.g. "HeadlessChrome/120.0.6099.109"
func (i *Instance) BrowserVersion() string {
	return i.browserVersion
}
