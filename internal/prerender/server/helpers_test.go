package server_test

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/edgecomet/prerender/internal/common/configtypes"
	"github.com/edgecomet/prerender/internal/common/redis"
	"github.com/edgecomet/prerender/internal/prerender/admission"
	"github.com/edgecomet/prerender/internal/prerender/dedupe"
	"github.com/edgecomet/prerender/internal/prerender/lockstore"
	"github.com/edgecomet/prerender/internal/prerender/metrics"
	"github.com/edgecomet/prerender/internal/prerender/pipeline"
	"github.com/edgecomet/prerender/internal/prerender/plugins"
	"github.com/edgecomet/prerender/internal/prerender/resultcache"
	"github.com/edgecomet/prerender/internal/prerender/server"
)

// gatedRenderer blocks renders of gated URLs until the gate is opened
type gatedRenderer struct {
	mu    sync.Mutex
	calls map[string]int
	gates map[string]chan struct{}
	pages map[string]string
	// last holds the forwarded headers of the most recent render
	last http.Header
}

func newGatedRenderer() *gatedRenderer {
	return &gatedRenderer{
		calls: make(map[string]int),
		gates: make(map[string]chan struct{}),
		pages: make(map[string]string),
	}
}

// Gate makes renders of url wait until the returned function is called
func (r *gatedRenderer) Gate(url string) func() {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gates[url] = gate
	r.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (r *gatedRenderer) SetPage(url, html string) {
	r.mu.Lock()
	r.pages[url] = html
	r.mu.Unlock()
}

func (r *gatedRenderer) Calls(url string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[url]
}

func (r *gatedRenderer) LastHeader() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *gatedRenderer) Render(ctx context.Context, req *pipeline.RenderRequest) (*pipeline.Document, error) {
	r.mu.Lock()
	r.calls[req.URL]++
	r.last = req.Header
	gate := r.gates[req.URL]
	html, ok := r.pages[req.URL]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if !ok {
		html = "<html><head></head><body>rendered " + req.URL + "</body></html>"
	}
	return &pipeline.Document{StatusCode: 200, HTML: []byte(html)}, nil
}

type envOptions struct {
	ceiling      int
	cache        bool
	blocked      []string
	allowPrivate bool
}

type testEnv struct {
	mr       *miniredis.Miniredis
	renderer *gatedRenderer
	metrics  *metrics.PrometheusMetrics
	server   *server.Server
	logs     *observer.ObservedLogs
}

func newTestEnv(opts envOptions) *testEnv {
	GinkgoHelper()

	mr := miniredis.RunT(GinkgoT())

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	client, err := redis.NewClient(&configtypes.RedisConfig{Addr: mr.Addr()}, logger)
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(client.Close)

	keys := redis.NewKeyGenerator("")
	pm := metrics.NewPrometheusMetricsWithRegistry("prerender", prometheus.NewRegistry(), logger)
	pm.SetAdmissionCeiling(opts.ceiling)

	var (
		cache  *resultcache.Cache
		prober dedupe.CacheProber
	)
	if opts.cache {
		cache, err = resultcache.New(client, keys, resultcache.Config{
			TTL:         time.Hour,
			Compression: "snappy",
		}, pm, logger)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(cache.Close)
		prober = cache
	}

	coordinator := dedupe.NewCoordinator(dedupe.Config{
		LockTTL:      30 * time.Second,
		StoreTimeout: time.Second,
		RetryAfter:   5 * time.Second,
	}, lockstore.New(client, logger), admission.NewCounter(opts.ceiling, logger), prober, keys, pm, logger)

	renderer := newGatedRenderer()
	pipe := pipeline.New(renderer, []string{"User-Agent"}, pm, logger)

	blocklist, err := plugins.NewBlocklist(opts.blocked)
	Expect(err).NotTo(HaveOccurred())
	pipe.Use(blocklist, dedupe.NewPlugin(coordinator))
	if cache != nil {
		pipe.Use(resultcache.NewPlugin(cache))
	}
	pipe.Use(plugins.NewHTTPHeaders(), plugins.NewRemoveScripts())

	return &testEnv{
		mr:       mr,
		renderer: renderer,
		metrics:  pm,
		server:   server.New(pipe, client, pm, opts.allowPrivate, logger),
		logs:     logs,
	}
}

type response struct {
	status int
	header map[string]string
	body   string
}

func (e *testEnv) do(method, uri string, headers ...string) response {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	for i := 0; i+1 < len(headers); i += 2 {
		ctx.Request.Header.Set(headers[i], headers[i+1])
	}

	e.server.HandleRequest(ctx)

	resp := response{
		status: ctx.Response.StatusCode(),
		header: make(map[string]string),
		body:   string(ctx.Response.Body()),
	}
	for key, value := range ctx.Response.Header.All() {
		resp.header[strings.ToLower(string(key))] = string(value)
	}
	return resp
}

func (e *testEnv) get(uri string, headers ...string) response {
	return e.do(fasthttp.MethodGet, uri, headers...)
}

// getAsync issues a GET on its own goroutine
func (e *testEnv) getAsync(uri string) <-chan response {
	done := make(chan response, 1)
	go func() {
		defer GinkgoRecover()
		done <- e.get(uri)
	}()
	return done
}

// awaitRender waits until the renderer has started rendering url
func (e *testEnv) awaitRender(url string) {
	GinkgoHelper()
	Eventually(func() int { return e.renderer.Calls(url) }).WithTimeout(5 * time.Second).Should(BeNumerically(">=", 1))
}

func (e *testEnv) scrapeMetrics() string {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	ctx.Request.Header.SetMethod(fasthttp.MethodGet)
	e.metrics.ServeHTTP(ctx)
	return string(ctx.Response.Body())
}
