package chrome

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/edgecomet/prerender/internal/common/config"
)

// DefaultFlags are the browser flags used when none are configured
var DefaultFlags = []string{
	"--no-sandbox",
	"--headless",
	"--disable-gpu",
	"--remote-debugging-port=9222",
	"--hide-scrollbars",
	"--disable-dev-shm-usage",
}

// managedFlags are set by the allocator for every instance and cannot be overridden.
// A fixed debugging port would collide between pool instances.
var managedFlags = map[string]bool{
	"remote-debugging-port": true,
	"remote-debugging-pipe": true,
	"user-data-dir":         true,
}

// Config holds the configuration for the Chrome pool and its instances
type Config struct {
	PoolSize string // "auto" or integer string
	Location string // browser binary; empty lets chromedp search the usual paths
	Flags    []string

	WarmupURL       string
	WarmupTimeout   time.Duration
	ShutdownTimeout time.Duration

	RenderTimeout   time.Duration // hard limit for a whole render
	PageLoadTimeout time.Duration // soft limit for WaitFor; HTML is captured when it expires
	WaitFor         string
	BlockedRequests []string

	RestartAfterCount int
	RestartAfterTime  time.Duration
}

// NewConfig maps the service configuration onto the pool configuration
func NewConfig(cfg config.ChromeConfig) *Config {
	c := DefaultConfig()
	c.PoolSize = cfg.PoolSize
	c.Location = cfg.Location
	if len(cfg.Flags) > 0 {
		c.Flags = cfg.Flags
	}
	c.RenderTimeout = time.Duration(cfg.RenderTimeout)
	c.PageLoadTimeout = time.Duration(cfg.PageLoadTimeout)
	c.WaitFor = cfg.WaitFor
	c.BlockedRequests = cfg.BlockedRequests
	c.RestartAfterCount = cfg.Restart.AfterCount
	c.RestartAfterTime = time.Duration(cfg.Restart.AfterTime)
	return c
}

// DefaultConfig is used in tests to avoid constructing full Config structs
func DefaultConfig() *Config {
	return &Config{
		PoolSize:          "auto",
		Flags:             DefaultFlags,
		WarmupURL:         "about:blank",
		WarmupTimeout:     10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		RenderTimeout:     20 * time.Second,
		PageLoadTimeout:   10 * time.Second,
		WaitFor:           config.WaitNetworkIdle,
		RestartAfterCount: 100,
		RestartAfterTime:  60 * time.Minute,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.PoolSize != "auto" {
		size, err := strconv.Atoi(c.PoolSize)
		if err != nil {
			return fmt.Errorf("pool size must be 'auto' or valid integer")
		}
		if size <= 0 {
			return fmt.Errorf("pool size must be positive")
		}
	}

	if c.RestartAfterCount <= 0 {
		return fmt.Errorf("restart after count must be positive")
	}
	if c.RestartAfterTime <= 0 {
		return fmt.Errorf("restart after time must be positive")
	}
	if c.RenderTimeout <= 0 {
		return fmt.Errorf("render timeout must be positive")
	}
	if c.PageLoadTimeout <= 0 {
		return fmt.Errorf("page load timeout must be positive")
	}
	if c.WarmupURL == "" {
		return fmt.Errorf("warmup URL cannot be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	return nil
}

// CalculatePoolSize determines the pool size. "auto" sizes from RAM:
// (total RAM - 2GB) / 500MB per browser, clamped to 2..50.
func (c *Config) CalculatePoolSize() int {
	if c.PoolSize == "auto" {
		return calculateAutoPoolSize()
	}

	size, err := strconv.Atoi(c.PoolSize)
	if err != nil || size <= 0 {
		return calculateAutoPoolSize()
	}
	return size
}

func calculateAutoPoolSize() int {
	var totalRAMBytes int64
	if v, err := mem.VirtualMemory(); err != nil {
		totalRAMBytes = int64(8 * 1024 * 1024 * 1024)
	} else {
		totalRAMBytes = int64(v.Total)
	}

	reservedBytes := int64(2 * 1024 * 1024 * 1024)
	chromeInstanceBytes := int64(500 * 1024 * 1024)
	poolSize := int((totalRAMBytes - reservedBytes) / chromeInstanceBytes)

	if poolSize < 2 {
		poolSize = 2
	}
	if poolSize > 50 {
		poolSize = 50
	}
	return poolSize
}

// parseFlag turns "--name" or "--name=value" into an allocator flag.
// ok is false for blank entries and for flags the allocator manages itself.
func parseFlag(raw string) (name string, value interface{}, ok bool) {
	raw = strings.TrimLeft(strings.TrimSpace(raw), "-")
	if raw == "" {
		return "", nil, false
	}

	name, v, hasValue := strings.Cut(raw, "=")
	if managedFlags[name] {
		return "", nil, false
	}
	if !hasValue {
		return name, true, true
	}
	return name, v, true
}

// allocatorOptions builds the exec allocator options for one browser process
func (c *Config) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
	)
	for _, raw := range c.Flags {
		if name, value, ok := parseFlag(raw); ok {
			opts = append(opts, chromedp.Flag(name, value))
		}
	}
	if c.Location != "" {
		opts = append(opts, chromedp.ExecPath(c.Location))
	}
	return opts
}
