package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/common/config"
	logutil "github.com/edgecomet/prerender/internal/common/logger"
	"github.com/edgecomet/prerender/internal/common/metricsserver"
	"github.com/edgecomet/prerender/internal/common/redis"
	"github.com/edgecomet/prerender/internal/prerender/admission"
	"github.com/edgecomet/prerender/internal/prerender/chrome"
	"github.com/edgecomet/prerender/internal/prerender/dedupe"
	"github.com/edgecomet/prerender/internal/prerender/lockstore"
	"github.com/edgecomet/prerender/internal/prerender/metrics"
	"github.com/edgecomet/prerender/internal/prerender/pipeline"
	"github.com/edgecomet/prerender/internal/prerender/plugins"
	"github.com/edgecomet/prerender/internal/prerender/resultcache"
	"github.com/edgecomet/prerender/internal/prerender/server"
)

func main() {
	configPath := flag.String("c", "configs/prerender.yaml",
		"Path to configuration file (optional, environment overrides apply)")
	flag.Parse()

	// Initialize logger (will be reconfigured from config)
	initialLogger, err := logutil.NewDefaultLogger()
	if err != nil {
		panic(err)
	}

	initialLogger.Info("Loading configuration", zap.String("path", *configPath))
	cfg, err := config.Load(*configPath)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// INFO during startup even if the configured level is higher
	dynamicLogger, err := logutil.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	logger := dynamicLogger.Logger

	ceiling := cfg.Dedupe.MaxConcurrentRenders
	lockTTL := time.Duration(cfg.Dedupe.LockTTL)

	logger.Info("Prerender starting",
		zap.String("listen", cfg.Server.Listen),
		zap.Int("max_concurrent_renders", ceiling),
		zap.Duration("lock_ttl", lockTTL),
		zap.String("admission_scope", cfg.Admission.Scope),
		zap.String("chrome_pool_size", cfg.Chrome.PoolSize))

	redisClient, err := redis.NewClient(&cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	keys := redis.NewKeyGenerator("")

	metricsCollector := metrics.NewPrometheusMetrics(cfg.Metrics.Namespace, logger)
	metricsCollector.SetAdmissionCeiling(ceiling)

	metricsServer, err := metricsserver.Start(cfg.Metrics, metricsCollector, logger)
	if err != nil {
		logger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	var admitter admission.Admitter
	switch cfg.Admission.Scope {
	case config.ScopeGlobal:
		// Slots expire with the lock TTL so a crashed instance cannot pin the shared ceiling
		admitter = admission.NewRedisCounter(redisClient, keys.InFlightKey(), ceiling, lockTTL, logger)
	default:
		admitter = admission.NewCounter(ceiling, logger)
	}

	var (
		cache  *resultcache.Cache
		prober dedupe.CacheProber
	)
	if cfg.Cache.IsEnabled() {
		var memoryMaxCost int64
		if cfg.Cache.Memory.Enabled {
			memoryMaxCost = cfg.Cache.Memory.MaxCost
		}
		cache, err = resultcache.New(redisClient, keys, resultcache.Config{
			TTL:           time.Duration(cfg.Cache.TTL),
			Compression:   cfg.Cache.Compression,
			MemoryMaxCost: memoryMaxCost,
			MemoryTTL:     time.Duration(cfg.Cache.Memory.TTL),
		}, metricsCollector, logger)
		if err != nil {
			logger.Fatal("Failed to create result cache", zap.Error(err))
		}
		defer cache.Close()
		prober = cache
	}

	coordinator := dedupe.NewCoordinator(dedupe.Config{
		LockTTL:           lockTTL,
		StoreTimeout:      time.Duration(cfg.Dedupe.StoreTimeout),
		RetryAfter:        time.Duration(cfg.Dedupe.RetryAfter),
		RetryAfterFromTTL: cfg.Dedupe.RetryAfterFromTTL,
	}, lockstore.New(redisClient, logger), admitter, prober, keys, metricsCollector, logger)

	chromeConfig := chrome.NewConfig(cfg.Chrome)
	pool, err := chrome.NewPool(chromeConfig, metricsCollector, logger)
	if err != nil {
		logger.Fatal("Failed to create Chrome pool", zap.Error(err))
	}

	renderer, err := chrome.NewRenderer(pool, chromeConfig, logger)
	if err != nil {
		logger.Fatal("Failed to create renderer", zap.Error(err))
	}

	// RequestReceived runs in this order and BeforeSend in reverse: the dedupe release
	// runs after the cache store has finished
	pipe := pipeline.New(renderer, cfg.Chrome.ForwardHeaders, metricsCollector, logger)
	if len(cfg.Plugins.Blocklist.Domains) > 0 {
		blocklist, err := plugins.NewBlocklist(cfg.Plugins.Blocklist.Domains)
		if err != nil {
			logger.Fatal("Invalid blocklist", zap.Error(err))
		}
		pipe.Use(blocklist)
	}
	pipe.Use(dedupe.NewPlugin(coordinator))
	if cache != nil {
		pipe.Use(resultcache.NewPlugin(cache))
	}
	if cfg.Plugins.HTTPHeadersEnabled() {
		pipe.Use(plugins.NewHTTPHeaders())
	}
	if cfg.Plugins.RemoveScriptsEnabled() {
		pipe.Use(plugins.NewRemoveScripts())
	}
	logger.Info("Pipeline ready", zap.Strings("plugins", pipe.Plugins()))

	handler := server.New(pipe, redisClient, metricsCollector, cfg.Server.AllowPrivateTargets, logger)
	handler.RegisterStatus("admission", func(ctx context.Context) (interface{}, error) {
		return admission.Current(ctx, admitter)
	})
	handler.RegisterStatus("chrome", func(context.Context) (interface{}, error) {
		return pool.Stats(), nil
	})

	serverTimeout := cfg.ServerTimeout()
	httpServer := &fasthttp.Server{
		Handler:      handler.HandleRequest,
		ReadTimeout:  serverTimeout,
		WriteTimeout: serverTimeout,
		IdleTimeout:  serverTimeout,
		Name:         "Prerender",
	}

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("listen", cfg.Server.Listen))
		if err := httpServer.ListenAndServe(cfg.Server.Listen); err != nil {
			serverErrCh <- err
		}
	}()

	// Wait briefly for HTTP server to start listening
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-serverErrCh:
		logger.Fatal("HTTP server failed to start", zap.Error(err))
	default:
	}

	logger.Info("Prerender ready",
		zap.String("listen", cfg.Server.Listen),
		zap.Int("chrome_instances", pool.Size()))

	dynamicLogger.SwitchToConfiguredLevel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		logger.Error("Server error", zap.Error(err))
	}

	dynamicLogger.EnsureInfoLevelForShutdown()
	logger.Info("Shutting down gracefully...")

	// In-flight requests finish and release their locks before Redis is closed
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverTimeout)
	defer shutdownCancel()
	if err := httpServer.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	if metricsServer != nil {
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.ShutdownWithContext(metricsShutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", zap.Error(err))
		}
		metricsShutdownCancel()
	}

	if err := pool.Shutdown(); err != nil {
		logger.Error("Chrome pool shutdown error", zap.Error(err))
	}

	logger.Info("Prerender stopped")
}
