package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/valyala/fasthttp"

	"github.com/edgecomet/prerender/internal/prerender/resultcache"
	"github.com/edgecomet/prerender/internal/prerender/server"
)

const (
	pageK = "http://example.com/k"
	pageM = "http://example.com/m"
)

var _ = Describe("Render deduplication", func() {
	Context("with a ceiling of one render", func() {
		var env *testEnv

		BeforeEach(func() {
			env = newTestEnv(envOptions{ceiling: 1})
		})

		It("rejects a duplicate with 429, a second key with 503, and admits the key again after completion", func() {
			release := env.renderer.Gate(pageK)
			DeferCleanup(release)

			By("Starting request A for K")
			resultA := env.getAsync("/render?url=" + pageK)
			env.awaitRender(pageK)

			By("Sending request B for K while A renders")
			b := env.get("/render?url=" + pageK)
			Expect(b.status).To(Equal(fasthttp.StatusTooManyRequests))
			Expect(b.header["retry-after"]).To(Equal("5"))
			Expect(b.body).To(ContainSubstring("Please retry after 5 seconds"))

			By("Sending request C for M while the only slot is taken")
			c := env.get("/render?url=" + pageM)
			Expect(c.status).To(Equal(fasthttp.StatusServiceUnavailable))
			Expect(c.body).To(ContainSubstring("Server busy: 1/1 renders in progress"))
			Expect(c.header).NotTo(HaveKey("retry-after"))

			By("Completing A")
			release()
			var a response
			Eventually(resultA).WithTimeout(5 * time.Second).Should(Receive(&a))
			Expect(a.status).To(Equal(fasthttp.StatusOK))
			Expect(a.body).To(ContainSubstring("rendered " + pageK))

			By("Sending request D for K after A completed")
			d := env.get("/render?url=" + pageK)
			Expect(d.status).To(Equal(fasthttp.StatusOK))

			Expect(env.renderer.Calls(pageK)).To(Equal(2))
			Expect(env.renderer.Calls(pageM)).To(Equal(0))
			Expect(env.mr.Exists("prerender:lock:example.com/k")).To(BeFalse())

			metrics := env.scrapeMetrics()
			Expect(metrics).To(ContainSubstring(`prerender_dedupe_decisions_total{decision="rejected_duplicate"} 1`))
			Expect(metrics).To(ContainSubstring(`prerender_dedupe_decisions_total{decision="rejected_busy"} 1`))
			Expect(metrics).To(ContainSubstring(`prerender_dedupe_lock_releases_total{outcome="released"} 2`))
			Expect(metrics).To(ContainSubstring("prerender_dedupe_renders_in_flight 0"))
			Expect(metrics).To(ContainSubstring(`prerender_http_requests_total{endpoint="render",status="429"} 1`))
			Expect(metrics).To(ContainSubstring(`prerender_http_requests_total{endpoint="render",status="503"} 1`))
		})
	})

	Context("with spare capacity", func() {
		var env *testEnv

		BeforeEach(func() {
			env = newTestEnv(envOptions{ceiling: 10})
		})

		It("renders distinct keys concurrently", func() {
			releaseK := env.renderer.Gate(pageK)
			releaseM := env.renderer.Gate(pageM)
			DeferCleanup(releaseK)
			DeferCleanup(releaseM)

			resultK := env.getAsync("/render?url=" + pageK)
			resultM := env.getAsync("/render?url=" + pageM)
			env.awaitRender(pageK)
			env.awaitRender(pageM)

			releaseK()
			releaseM()

			var k, m response
			Eventually(resultK).WithTimeout(5 * time.Second).Should(Receive(&k))
			Eventually(resultM).WithTimeout(5 * time.Second).Should(Receive(&m))
			Expect(k.status).To(Equal(fasthttp.StatusOK))
			Expect(m.status).To(Equal(fasthttp.StatusOK))
		})

		It("lets exactly one of many concurrent duplicates render", func() {
			release := env.renderer.Gate(pageK)
			DeferCleanup(release)

			first := env.getAsync("/render?url=" + pageK)
			env.awaitRender(pageK)

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				statuses []int
			)
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					resp := env.get("/render?url=" + pageK)
					mu.Lock()
					statuses = append(statuses, resp.status)
					mu.Unlock()
				}()
			}
			wg.Wait()

			Expect(statuses).To(HaveLen(5))
			Expect(statuses).To(HaveEach(fasthttp.StatusTooManyRequests))

			release()
			var resp response
			Eventually(first).WithTimeout(5 * time.Second).Should(Receive(&resp))
			Expect(resp.status).To(Equal(fasthttp.StatusOK))
			Expect(env.renderer.Calls(pageK)).To(Equal(1))
		})

		It("treats equivalent URLs as the same render", func() {
			const requested = "http://Example.com:80/k?b=2&a=1"
			release := env.renderer.Gate(requested)
			DeferCleanup(release)

			first := env.getAsync("/render?url=" + requested)
			env.awaitRender(requested)

			dup := env.get("/https://example.com/k?a=1&b=2")
			Expect(dup.status).To(Equal(fasthttp.StatusTooManyRequests))

			release()
			Eventually(first).WithTimeout(5 * time.Second).Should(Receive())
			Expect(env.renderer.Calls("http://example.com/k?a=1&b=2")).To(Equal(0), "the renderer gets the URL as requested")
		})

		It("renders an encoded slash as requested and keys it apart from the plain path", func() {
			const encoded = "https://example.com/a%2Fb"
			release := env.renderer.Gate(encoded)
			DeferCleanup(release)

			first := env.getAsync("/render?url=" + encoded)
			env.awaitRender(encoded)
			Expect(env.mr.Exists("prerender:lock:example.com/a%2Fb")).To(BeTrue())

			plain := env.get("/render?url=https://example.com/a/b")
			Expect(plain.status).To(Equal(fasthttp.StatusOK))
			Expect(env.renderer.Calls("https://example.com/a/b")).To(Equal(1))

			release()
			Eventually(first).WithTimeout(5 * time.Second).Should(Receive())
		})

		It("forwards the configured client headers to the renderer", func() {
			resp := env.get("/render?url="+pageK, "User-Agent", "Googlebot/2.1", "Cookie", "secret=1")
			Expect(resp.status).To(Equal(fasthttp.StatusOK))
			Expect(resp.header["content-type"]).To(Equal("text/html; charset=utf-8"))

			forwarded := env.renderer.LastHeader()
			Expect(forwarded.Get("User-Agent")).To(Equal("Googlebot/2.1"))
			Expect(forwarded.Get("Cookie")).To(BeEmpty())
		})

		It("fails open and renders when Redis is unavailable", func() {
			env.mr.SetError("ERR store offline")
			DeferCleanup(func() { env.mr.SetError("") })

			resp := env.get("/render?url=" + pageK)
			Expect(resp.status).To(Equal(fasthttp.StatusOK))
			Expect(resp.body).To(ContainSubstring("rendered " + pageK))

			Expect(env.scrapeMetrics()).To(ContainSubstring(`prerender_dedupe_decisions_total{decision="fail_open"} 1`))
		})
	})

	Context("with the result cache", func() {
		var env *testEnv

		BeforeEach(func() {
			env = newTestEnv(envOptions{ceiling: 1, cache: true})
		})

		It("serves repeat requests from cache without rendering or coordination", func() {
			first := env.get("/render?url=" + pageK)
			Expect(first.status).To(Equal(fasthttp.StatusOK))
			Expect(first.header[strings.ToLower(resultcache.CacheHeader)]).To(Equal("MISS"))

			second := env.get("/" + pageK)
			Expect(second.status).To(Equal(fasthttp.StatusOK))
			Expect(second.header[strings.ToLower(resultcache.CacheHeader)]).To(Equal("HIT"))
			Expect(second.body).To(Equal(first.body))

			Expect(env.renderer.Calls(pageK)).To(Equal(1))
			Expect(env.scrapeMetrics()).To(ContainSubstring(`prerender_dedupe_decisions_total{decision="short_circuit"} 1`))
		})

		It("serves cached pages even when the render slot is taken", func() {
			Expect(env.get("/render?url=" + pageM).status).To(Equal(fasthttp.StatusOK))

			release := env.renderer.Gate(pageK)
			DeferCleanup(release)
			pending := env.getAsync("/render?url=" + pageK)
			env.awaitRender(pageK)

			cached := env.get("/render?url=" + pageM)
			Expect(cached.status).To(Equal(fasthttp.StatusOK))
			Expect(cached.header[strings.ToLower(resultcache.CacheHeader)]).To(Equal("HIT"))

			release()
			Eventually(pending).WithTimeout(5 * time.Second).Should(Receive())
		})

		It("coordinates a render when the cached entry cannot be read", func() {
			release := env.renderer.Gate(pageK)
			DeferCleanup(release)
			pending := env.getAsync("/render?url=" + pageK)
			env.awaitRender(pageK)

			env.mr.HSet("prerender:cache:example.com/m", "status_code", "200", "body", "x")

			resp := env.get("/render?url=" + pageM)
			Expect(resp.status).To(Equal(fasthttp.StatusServiceUnavailable))
			Expect(resp.body).To(Equal("Server busy: 1/1 renders in progress"))
			Expect(env.renderer.Calls(pageM)).To(Equal(0))
			Expect(env.mr.Exists("prerender:cache:example.com/m")).To(BeFalse())

			release()
			Eventually(pending).WithTimeout(5 * time.Second).Should(Receive())
		})

		It("answers a matching If-None-Match with 304", func() {
			first := env.get("/render?url=" + pageK)
			etag := first.header["etag"]
			Expect(etag).NotTo(BeEmpty())

			second := env.get("/render?url="+pageK, "If-None-Match", etag)
			Expect(second.status).To(Equal(fasthttp.StatusNotModified))
			Expect(second.body).To(BeEmpty())
		})
	})
})

var _ = Describe("Response plugins", func() {
	It("answers 404 for blocked domains without rendering", func() {
		env := newTestEnv(envOptions{ceiling: 10, blocked: []string{"*.tracker.test"}})

		resp := env.get("/render?url=http://ads.tracker.test/pixel")
		Expect(resp.status).To(Equal(fasthttp.StatusNotFound))
		Expect(env.renderer.Calls("http://ads.tracker.test/pixel")).To(Equal(0))
		Expect(env.mr.Keys()).To(BeEmpty())
	})

	It("applies prerender meta tags and strips scripts", func() {
		env := newTestEnv(envOptions{ceiling: 10, cache: true})
		env.renderer.SetPage(pageK, `<html><head>`+
			`<meta name="prerender-status-code" content="301">`+
			`<meta name="prerender-header" content="Location: https://example.com/new">`+
			`</head><body><script>window.app = 1</script><p>moved</p></body></html>`)

		resp := env.get("/render?url=" + pageK)
		Expect(resp.status).To(Equal(fasthttp.StatusMovedPermanently))
		Expect(resp.header["location"]).To(Equal("https://example.com/new"))
		Expect(resp.body).To(ContainSubstring("moved"))
		Expect(resp.body).NotTo(ContainSubstring("window.app"))

		By("Not caching the redirect")
		Expect(env.mr.Exists("prerender:cache:example.com/k")).To(BeFalse())
	})
})

var _ = Describe("Request handling", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv(envOptions{ceiling: 10})
	})

	DescribeTable("extracts the render target",
		func(uri, expected string) {
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.SetRequestURI(uri)
			target, err := server.ExtractTargetURL(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(target).To(Equal(expected))
		},
		Entry("unencoded target keeps its query", "/render?url=https://example.com/p?a=1&b=2", "https://example.com/p?a=1&b=2"),
		Entry("escapes inside an unencoded target are kept", "/render?url=https://example.com/s?q=a%2Bb", "https://example.com/s?q=a%2Bb"),
		Entry("encoded target is decoded", "/render?url=https%3A%2F%2Fexample.com%2Fs%3Fq%3Da%252Bb", "https://example.com/s?q=a%2Bb"),
		Entry("lowercase escapes are decoded", "/render?url=http%3a%2f%2fexample.com%2f", "http://example.com/"),
		Entry("url after another parameter", "/render?v=1&url=https%3A%2F%2Fexample.com%2Fa", "https://example.com/a"),
		Entry("prerender style path", "/https://example.com/a%2Fb?x=1", "https://example.com/a%2Fb?x=1"),
	)

	It("renders the URL with its escapes intact", func() {
		const target = "https://example.com/s?q=a%2Bb"
		resp := env.get("/render?url=" + target)
		Expect(resp.status).To(Equal(fasthttp.StatusOK))
		Expect(env.renderer.Calls(target)).To(Equal(1))
	})

	DescribeTable("rejects unusable targets with 400",
		func(uri string) {
			resp := env.get(uri)
			Expect(resp.status).To(Equal(fasthttp.StatusBadRequest))
		},
		Entry("root path", "/"),
		Entry("render without url", "/render"),
		Entry("unsupported scheme", "/render?url=ftp://example.com/file"),
		Entry("host without dot", "/render?url=http://intranet/"),
		Entry("oversized url", "/render?url=http://example.com/"+strings.Repeat("a", 2100)),
	)

	It("rejects methods other than GET and HEAD", func() {
		resp := env.do(fasthttp.MethodPost, "/render?url="+pageK)
		Expect(resp.status).To(Equal(fasthttp.StatusMethodNotAllowed))
		Expect(resp.header["allow"]).To(Equal("GET, HEAD"))
	})

	It("refuses private targets", func() {
		resp := env.get("/render?url=http://127.0.0.1:9222/json")
		Expect(resp.status).To(Equal(fasthttp.StatusForbidden))
		Expect(env.renderer.Calls("http://127.0.0.1:9222/json")).To(Equal(0))
		Expect(env.logs.FilterMessage("Private render target rejected").Len()).To(Equal(1))
	})

	It("renders private targets when allowed", func() {
		env = newTestEnv(envOptions{ceiling: 10, allowPrivate: true})

		resp := env.get("/render?url=http://localhost:8080/app")
		Expect(resp.status).To(Equal(fasthttp.StatusOK))
		Expect(env.renderer.Calls("http://localhost:8080/app")).To(Equal(1))
	})

	It("echoes a sanitized request ID", func() {
		resp := env.get("/health", "X-Request-ID", "trace 42")
		Expect(resp.header["x-request-id"]).To(HaveSuffix("-trace-42"))

		resp = env.get("/health")
		Expect(resp.header["x-request-id"]).To(HaveLen(36))
	})

	It("reports health and readiness", func() {
		health := env.get("/health")
		Expect(health.status).To(Equal(fasthttp.StatusOK))
		Expect(health.body).To(Equal("OK"))

		Expect(env.get("/ready").status).To(Equal(fasthttp.StatusOK))

		env.mr.SetError("ERR store offline")
		DeferCleanup(func() { env.mr.SetError("") })
		ready := env.get("/ready")
		Expect(ready.status).To(Equal(fasthttp.StatusServiceUnavailable))

		Expect(env.scrapeMetrics()).To(ContainSubstring(`prerender_http_requests_total{endpoint="ready",status="503"} 1`))
	})

	It("reports registered status sections as JSON", func() {
		env.server.RegisterStatus("admission", func(context.Context) (interface{}, error) {
			return map[string]int{"in_flight": 0, "ceiling": 10}, nil
		})

		resp := env.get("/status")
		Expect(resp.status).To(Equal(fasthttp.StatusOK))
		Expect(resp.header["content-type"]).To(Equal("application/json"))

		var body struct {
			Success bool                      `json:"success"`
			Data    map[string]map[string]int `json:"data"`
		}
		Expect(json.Unmarshal([]byte(resp.body), &body)).To(Succeed())
		Expect(body.Success).To(BeTrue())
		Expect(body.Data["admission"]).To(Equal(map[string]int{"in_flight": 0, "ceiling": 10}))

		By("Failing when a section cannot be read")
		env.server.RegisterStatus("chrome", func(context.Context) (interface{}, error) {
			return nil, errors.New("pool shut down")
		})
		resp = env.get("/status")
		Expect(resp.status).To(Equal(fasthttp.StatusServiceUnavailable))
		Expect(resp.body).To(ContainSubstring("pool shut down"))
	})
})
