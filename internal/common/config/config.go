package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/edgecomet/prerender/internal/common/configtypes"
	"github.com/edgecomet/prerender/internal/common/yamlutil"
)

// Admission scopes
const (
	ScopeInstance = "instance"
	ScopeGlobal   = "global"
)

// Cached document codecs
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

const (
	// SafetyMargin is added to the render timeout for the HTTP server timeouts
	// so fasthttp never closes a connection while a render is still allowed to run
	SafetyMargin = 10 * time.Second

	defaultListen               = ":3000"
	defaultRedisAddr            = "localhost:6379"
	defaultMaxConcurrentRenders = 10
	defaultLockTTL              = 30 * time.Second
	defaultStoreTimeout         = 2 * time.Second
	defaultRetryAfter           = 5 * time.Second
	defaultCacheTTL             = time.Hour
	defaultMemoryMaxCost        = 64 << 20
	defaultMemoryTTL            = time.Minute
	defaultRenderTimeout        = 20 * time.Second
	defaultRestartAfterCount    = 100
	defaultRestartAfterTime     = 60 * time.Minute
	defaultChromeLocation       = "/usr/bin/chromium-browser"
	defaultWaitFor              = WaitNetworkIdle
	defaultPageLoadTimeout      = 10 * time.Second
)

// Page lifecycle events a render can wait for
const (
	WaitDOMContentLoaded  = "DOMContentLoaded"
	WaitLoad              = "load"
	WaitNetworkIdle       = "networkIdle"
	WaitNetworkAlmostIdle = "networkAlmostIdle"
)

// Config is the prerender service configuration
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Redis     configtypes.RedisConfig   `yaml:"redis"`
	Dedupe    DedupeConfig              `yaml:"dedupe"`
	Admission AdmissionConfig           `yaml:"admission"`
	Cache     CacheConfig               `yaml:"cache"`
	Chrome    ChromeConfig              `yaml:"chrome"`
	Plugins   PluginsConfig             `yaml:"plugins"`
	Log       configtypes.LogConfig     `yaml:"log"`
	Metrics   configtypes.MetricsConfig `yaml:"metrics"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	// AllowPrivateTargets permits rendering loopback and private network hosts
	AllowPrivateTargets bool `yaml:"allow_private_targets"`
}

// DedupeConfig controls render deduplication and the in-flight ceiling
type DedupeConfig struct {
	MaxConcurrentRenders int                  `yaml:"max_concurrent_renders"`
	LockTTL              configtypes.Duration `yaml:"lock_ttl"`
	StoreTimeout         configtypes.Duration `yaml:"store_timeout"`
	RetryAfter           configtypes.Duration `yaml:"retry_after"`
	RetryAfterFromTTL    bool                 `yaml:"retry_after_from_ttl"`
}

// AdmissionConfig selects where the in-flight counter lives.
// "instance" counts per process; "global" shares one ceiling across instances through Redis.
type AdmissionConfig struct {
	Scope string `yaml:"scope"`
}

type CacheConfig struct {
	Enabled     *bool                `yaml:"enabled"`
	TTL         configtypes.Duration `yaml:"ttl"`
	Compression string               `yaml:"compression"`
	Memory      MemoryCacheConfig    `yaml:"memory"`
}

// IsEnabled reports whether the result cache is on (default true)
func (c CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MemoryCacheConfig sizes the in-process layer in front of Redis
type MemoryCacheConfig struct {
	Enabled bool                 `yaml:"enabled"`
	MaxCost int64                `yaml:"max_cost"`
	TTL     configtypes.Duration `yaml:"ttl"`
}

type ChromeConfig struct {
	PoolSize       string               `yaml:"pool_size"`
	Location       string               `yaml:"location"`
	Flags          []string             `yaml:"flags"`
	ForwardHeaders []string             `yaml:"forward_headers"`
	RenderTimeout  configtypes.Duration `yaml:"render_timeout"`
	// WaitFor is the lifecycle event that marks a page as rendered
	WaitFor string `yaml:"wait_for"`
	// PageLoadTimeout bounds the WaitFor wait; on expiry the HTML is captured as-is
	PageLoadTimeout configtypes.Duration `yaml:"page_load_timeout"`
	// BlockedRequests are URL patterns the browser never fetches (analytics, ads)
	BlockedRequests []string      `yaml:"blocked_requests"`
	Restart         RestartConfig `yaml:"restart"`
}

// RestartConfig is the Chrome instance recycling policy
type RestartConfig struct {
	AfterCount int                  `yaml:"after_count"`
	AfterTime  configtypes.Duration `yaml:"after_time"`
}

type PluginsConfig struct {
	Blocklist     BlocklistConfig `yaml:"blocklist"`
	HTTPHeaders   *bool           `yaml:"http_headers"`
	RemoveScripts *bool           `yaml:"remove_scripts"`
}

type BlocklistConfig struct {
	Domains []string `yaml:"domains"`
}

// HTTPHeadersEnabled reports whether prerender meta tags are applied (default true)
func (p PluginsConfig) HTTPHeadersEnabled() bool {
	return p.HTTPHeaders == nil || *p.HTTPHeaders
}

// RemoveScriptsEnabled reports whether scripts are stripped from responses (default true)
func (p PluginsConfig) RemoveScriptsEnabled() bool {
	return p.RemoveScripts == nil || *p.RemoveScripts
}

// ServerTimeout returns the fasthttp read/write timeout: render timeout + SafetyMargin
func (c *Config) ServerTimeout() time.Duration {
	return time.Duration(c.Chrome.RenderTimeout) + SafetyMargin
}

// Load reads the YAML file at path (optional when missing), applies environment
// overrides, fills defaults and validates the result. A .env file in the working
// directory is loaded first without overriding variables already set.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yamlutil.UnmarshalStrict(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides file values with environment variables.
// lookup has the signature of os.LookupEnv.
func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("MAX_CONCURRENT_RENDERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_CONCURRENT_RENDERS must be an integer, got %q", v)
		}
		cfg.Dedupe.MaxConcurrentRenders = n
	}

	if v, ok := get("LOCK_TTL"); ok {
		d, err := configtypes.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOCK_TTL: %w", err)
		}
		cfg.Dedupe.LockTTL = configtypes.Duration(d)
	}

	if v, ok := get("CACHE_TTL"); ok {
		d, err := configtypes.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CACHE_TTL: %w", err)
		}
		cfg.Cache.TTL = configtypes.Duration(d)
	}

	// REDIS_URL wins over REDIS_ADDR; the client accepts both forms
	if v, ok := get("REDIS_ADDR"); ok {
		cfg.Redis.Addr = v
	}
	if v, ok := get("REDIS_URL"); ok {
		cfg.Redis.Addr = v
	}

	if v, ok := get("PORT"); ok {
		listen, err := configtypes.NormalizeListen(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Listen = listen
	}

	if v, ok := get("BLOCKED_DOMAINS"); ok {
		cfg.Plugins.Blocklist.Domains = splitList(v)
	}

	if v, ok := get("ALLOW_PRIVATE_TARGETS"); ok {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ALLOW_PRIVATE_TARGETS must be a boolean, got %q", v)
		}
		cfg.Server.AllowPrivateTargets = allow
	}

	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Log.Level = strings.ToLower(v)
	}

	if v, ok := get("CHROME_LOCATION"); ok {
		cfg.Chrome.Location = v
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// applyDefaults fills every zero value with its default
func (cfg *Config) applyDefaults() {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = defaultListen
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaultRedisAddr
	}

	if cfg.Dedupe.MaxConcurrentRenders == 0 {
		cfg.Dedupe.MaxConcurrentRenders = defaultMaxConcurrentRenders
	}
	if cfg.Dedupe.LockTTL == 0 {
		cfg.Dedupe.LockTTL = configtypes.Duration(defaultLockTTL)
	}
	if cfg.Dedupe.StoreTimeout == 0 {
		cfg.Dedupe.StoreTimeout = configtypes.Duration(defaultStoreTimeout)
	}
	if cfg.Dedupe.RetryAfter == 0 {
		cfg.Dedupe.RetryAfter = configtypes.Duration(defaultRetryAfter)
	}

	if cfg.Admission.Scope == "" {
		cfg.Admission.Scope = ScopeInstance
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = configtypes.Duration(defaultCacheTTL)
	}
	if cfg.Cache.Compression == "" {
		cfg.Cache.Compression = CompressionSnappy
	}
	if cfg.Cache.Memory.MaxCost == 0 {
		cfg.Cache.Memory.MaxCost = defaultMemoryMaxCost
	}
	if cfg.Cache.Memory.TTL == 0 {
		cfg.Cache.Memory.TTL = configtypes.Duration(defaultMemoryTTL)
	}

	if cfg.Chrome.PoolSize == "" {
		cfg.Chrome.PoolSize = "auto"
	}
	if cfg.Chrome.Location == "" {
		cfg.Chrome.Location = defaultChromeLocation
	}
	if cfg.Chrome.ForwardHeaders == nil {
		cfg.Chrome.ForwardHeaders = []string{"User-Agent", "Accept-Language"}
	}
	if cfg.Chrome.RenderTimeout == 0 {
		cfg.Chrome.RenderTimeout = configtypes.Duration(defaultRenderTimeout)
	}
	if cfg.Chrome.WaitFor == "" {
		cfg.Chrome.WaitFor = defaultWaitFor
	}
	if cfg.Chrome.PageLoadTimeout == 0 {
		cfg.Chrome.PageLoadTimeout = configtypes.Duration(defaultPageLoadTimeout)
	}
	if cfg.Chrome.Restart.AfterCount == 0 {
		cfg.Chrome.Restart.AfterCount = defaultRestartAfterCount
	}
	if cfg.Chrome.Restart.AfterTime == 0 {
		cfg.Chrome.Restart.AfterTime = configtypes.Duration(defaultRestartAfterTime)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = configtypes.LogLevelInfo
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = configtypes.LogFormatConsole
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = configtypes.LogFormatText
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "prerender"
	}
}

var metricsNamespaceRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks configuration validity
func (cfg *Config) Validate() error {
	if err := configtypes.ValidateListenAddress(cfg.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen: %w", err)
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0, got %d", cfg.Redis.DB)
	}

	if cfg.Dedupe.MaxConcurrentRenders <= 0 {
		return fmt.Errorf("dedupe.max_concurrent_renders must be positive, got %d", cfg.Dedupe.MaxConcurrentRenders)
	}
	if time.Duration(cfg.Dedupe.LockTTL) < time.Second {
		return fmt.Errorf("dedupe.lock_ttl must be at least 1s, got %s", time.Duration(cfg.Dedupe.LockTTL))
	}
	if time.Duration(cfg.Dedupe.RetryAfter) < time.Second {
		return fmt.Errorf("dedupe.retry_after must be at least 1s, got %s", time.Duration(cfg.Dedupe.RetryAfter))
	}
	if cfg.Dedupe.StoreTimeout <= 0 {
		return fmt.Errorf("dedupe.store_timeout must be positive")
	}

	switch cfg.Admission.Scope {
	case ScopeInstance, ScopeGlobal:
	default:
		return fmt.Errorf("invalid admission.scope: %s (must be instance or global)", cfg.Admission.Scope)
	}

	switch cfg.Cache.Compression {
	case CompressionNone, CompressionSnappy, CompressionLZ4:
	default:
		return fmt.Errorf("invalid cache.compression: %s (must be none, snappy or lz4)", cfg.Cache.Compression)
	}
	if cfg.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if cfg.Cache.Memory.MaxCost < 0 {
		return fmt.Errorf("cache.memory.max_cost must be >= 0, got %d", cfg.Cache.Memory.MaxCost)
	}

	if cfg.Chrome.PoolSize != "auto" {
		size, err := strconv.Atoi(cfg.Chrome.PoolSize)
		if err != nil || size <= 0 {
			return fmt.Errorf("chrome.pool_size must be 'auto' or positive integer")
		}
	}
	if cfg.Chrome.RenderTimeout <= 0 {
		return fmt.Errorf("chrome.render_timeout must be positive")
	}
	switch cfg.Chrome.WaitFor {
	case WaitDOMContentLoaded, WaitLoad, WaitNetworkIdle, WaitNetworkAlmostIdle:
	default:
		return fmt.Errorf("invalid chrome.wait_for: %s (must be DOMContentLoaded, load, networkIdle or networkAlmostIdle)", cfg.Chrome.WaitFor)
	}
	if cfg.Chrome.PageLoadTimeout <= 0 || cfg.Chrome.PageLoadTimeout > cfg.Chrome.RenderTimeout {
		return fmt.Errorf("chrome.page_load_timeout must be positive and not exceed chrome.render_timeout")
	}
	if cfg.Chrome.Restart.AfterCount <= 0 {
		return fmt.Errorf("chrome.restart.after_count must be positive")
	}
	if cfg.Chrome.Restart.AfterTime <= 0 {
		return fmt.Errorf("chrome.restart.after_time must be positive")
	}

	if err := validateLog(cfg.Log); err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		if err := configtypes.ValidateListenAddress(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
		_, metricsPort, _ := configtypes.ParseListenAddress(cfg.Metrics.Listen)
		_, serverPort, _ := configtypes.ParseListenAddress(cfg.Server.Listen)
		if metricsPort == serverPort {
			return fmt.Errorf("metrics.listen port (%d) must differ from server.listen port (%d)", metricsPort, serverPort)
		}
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics.path: %s (must start with /)", cfg.Metrics.Path)
	}
	if !metricsNamespaceRe.MatchString(cfg.Metrics.Namespace) {
		return fmt.Errorf("invalid metrics.namespace: %s (must match [a-zA-Z_][a-zA-Z0-9_]*)", cfg.Metrics.Namespace)
	}

	return nil
}

func validateLog(log configtypes.LogConfig) error {
	validLevels := map[string]bool{
		configtypes.LogLevelDebug: true,
		configtypes.LogLevelInfo:  true,
		configtypes.LogLevelWarn:  true,
		configtypes.LogLevelError: true,
	}
	if !validLevels[log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn or error)", log.Level)
	}

	if log.Console.Enabled {
		switch log.Console.Format {
		case configtypes.LogFormatJSON, configtypes.LogFormatConsole:
		default:
			return fmt.Errorf("invalid log.console.format: %s (must be json or console)", log.Console.Format)
		}
	}

	if log.File.Enabled {
		if log.File.Path == "" {
			return fmt.Errorf("log.file.path must be specified when file logging is enabled")
		}
		switch log.File.Format {
		case configtypes.LogFormatJSON, configtypes.LogFormatText:
		default:
			return fmt.Errorf("invalid log.file.format: %s (must be json or text)", log.File.Format)
		}
		r := log.File.Rotation
		if r.MaxSize < 0 || r.MaxAge < 0 || r.MaxBackups < 0 {
			return fmt.Errorf("log.file.rotation values must be >= 0")
		}
	}

	for _, lvl := range []string{log.Console.Level, log.File.Level} {
		if lvl != "" && !validLevels[lvl] {
			return fmt.Errorf("invalid output log level: %s", lvl)
		}
	}

	return nil
}
