// Package server is the HTTP front of the prerender service. It turns a fasthttp
// request into a pipeline.Request, runs the pipeline and writes the response back.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/common/httputil"
	"github.com/edgecomet/prerender/internal/common/requestid"
	"github.com/edgecomet/prerender/internal/common/urlutil"
	"github.com/edgecomet/prerender/internal/prerender/pipeline"
	"github.com/edgecomet/prerender/internal/prerender/workkey"
)

const (
	maxURLLength = 2048
	readyTimeout = 2 * time.Second

	endpointHealth = "health"
	endpointReady  = "ready"
	endpointStatus = "status"
	endpointRender = "render"
)

// ErrMissingURL is returned when a request names no render target
var ErrMissingURL = errors.New("missing target URL")

// Executor runs a request through the plugin chain
type Executor interface {
	Execute(ctx context.Context, req *pipeline.Request) *pipeline.Response
}

// HealthChecker reports whether the coordination store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RequestRecorder receives one observation per served request
type RequestRecorder interface {
	RecordHTTPRequest(endpoint string, status int)
}

// StatusSource reports one section of the /status document
type StatusSource func(ctx context.Context) (interface{}, error)

type Server struct {
	pipeline     Executor
	store        HealthChecker
	recorder     RequestRecorder
	allowPrivate bool
	status       map[string]StatusSource
	logger       *zap.Logger
}

// New creates a Server. store and recorder may be nil; without a store /ready always succeeds.
func New(pipe Executor, store HealthChecker, recorder RequestRecorder, allowPrivate bool, logger *zap.Logger) *Server {
	return &Server{
		pipeline:     pipe,
		store:        store,
		recorder:     recorder,
		allowPrivate: allowPrivate,
		status:       make(map[string]StatusSource),
		logger:       logger,
	}
}

// RegisterStatus adds a section to /status. Not safe to call once the server is serving.
func (s *Server) RegisterStatus(name string, source StatusSource) {
	s.status[name] = source
}

// HandleRequest is the fasthttp.RequestHandler for the service
func (s *Server) HandleRequest(ctx *fasthttp.RequestCtx) {
	requestID := requestid.FromHeader(string(ctx.Request.Header.Peek(requestid.HeaderName)))
	ctx.Response.Header.Set(requestid.HeaderName, requestID)

	logger := s.logger.With(zap.String("request_id", requestID))

	switch string(ctx.Path()) {
	case "/health":
		s.handleHealth(ctx)
		s.record(ctx, endpointHealth)
		return
	case "/ready":
		s.handleReady(ctx, logger)
		s.record(ctx, endpointReady)
		return
	case "/status":
		s.handleStatus(ctx, logger)
		s.record(ctx, endpointStatus)
		return
	}

	if !ctx.IsGet() && !ctx.IsHead() {
		logger.Warn("Method not allowed", zap.String("method", string(ctx.Method())))
		ctx.Response.Header.Set("Allow", "GET, HEAD")
		s.writeError(ctx, fasthttp.StatusMethodNotAllowed, "Method not allowed")
		s.record(ctx, endpointRender)
		return
	}

	s.handleRender(ctx, requestID, logger)
	s.record(ctx, endpointRender)
}

func (s *Server) handleRender(ctx *fasthttp.RequestCtx, requestID string, logger *zap.Logger) {
	start := time.Now()

	rawURL, err := ExtractTargetURL(ctx)
	if err != nil {
		logger.Debug("Invalid render request", zap.Error(err))
		s.writeError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("Invalid URL: %v", err))
		return
	}

	target, err := workkey.Parse(rawURL)
	if err != nil {
		logger.Debug("Invalid render target", zap.String("url", rawURL), zap.Error(err))
		s.writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}

	if !s.allowPrivate {
		if err := urlutil.ValidateTargetHost(target.Host); err != nil {
			logger.Warn("Private render target rejected", zap.String("url", target.URL), zap.Error(err))
			s.writeError(ctx, fasthttp.StatusForbidden, "Target host is not allowed")
			return
		}
	}

	logger = logger.With(zap.String("url", target.URL))
	req := pipeline.NewRequest(requestID, rawURL, target, requestHeaders(ctx), logger)

	// Detached from the connection: fasthttp does not cancel on client disconnect and the
	// release in BeforeSend must run regardless
	execCtx := requestid.WithContext(context.Background(), requestID)
	resp := s.pipeline.Execute(execCtx, req)
	if resp == nil {
		logger.Error("Pipeline produced no response")
		s.writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
		return
	}

	s.writeResponse(ctx, resp)

	logger.Info("Request served",
		zap.Int("status", ctx.Response.StatusCode()),
		zap.String("source", resp.Source),
		zap.Int("size", len(resp.Body)),
		zap.Duration("duration", time.Since(start)))
}

// ExtractTargetURL returns the render target named by the request: the url query
// parameter on /render, otherwise the request URI after the leading slash
// (prerender style, e.g. /https://example.com/page?a=1).
func ExtractTargetURL(ctx *fasthttp.RequestCtx) (string, error) {
	var target string

	if string(ctx.Path()) == "/render" {
		target = renderQueryURL(ctx)
	} else {
		target = strings.TrimPrefix(string(ctx.RequestURI()), "/")
		if !strings.Contains(target, "://") {
			if unescaped, err := url.PathUnescape(target); err == nil {
				target = unescaped
			}
		}
	}

	target = strings.TrimSpace(target)
	if target == "" {
		return "", ErrMissingURL
	}
	if len(target) > maxURLLength {
		return "", fmt.Errorf("URL exceeds maximum length of %d characters", maxURLLength)
	}
	return target, nil
}

// renderQueryURL reads the url parameter. When url is the first parameter everything after
// it is the target, so unencoded targets with their own query string survive intact. The
// remainder is unescaped only when the target itself is encoded (http%3A...); escapes
// inside an unencoded target belong to that target.
func renderQueryURL(ctx *fasthttp.RequestCtx) string {
	rawQuery := string(ctx.URI().QueryString())
	if rest, ok := strings.CutPrefix(rawQuery, "url="); ok {
		if encodedTarget(rest) {
			if unescaped, err := url.QueryUnescape(rest); err == nil {
				return unescaped
			}
		}
		return rest
	}
	return string(ctx.QueryArgs().Peek("url"))
}

func encodedTarget(value string) bool {
	lower := strings.ToLower(value)
	return strings.HasPrefix(lower, "http%3a") || strings.HasPrefix(lower, "https%3a")
}

func requestHeaders(ctx *fasthttp.RequestCtx) http.Header {
	header := http.Header{}
	for key, value := range ctx.Request.Header.All() {
		header.Add(string(key), string(value))
	}
	return header
}

func (s *Server) writeResponse(ctx *fasthttp.RequestCtx, resp *pipeline.Response) {
	for name, values := range resp.Header {
		for i, value := range values {
			if i == 0 {
				ctx.Response.Header.Set(name, value)
			} else {
				ctx.Response.Header.Add(name, value)
			}
		}
	}

	if resp.StatusCode == fasthttp.StatusOK && len(resp.Body) > 0 {
		etag := `"` + strconv.FormatUint(xxhash.Sum64(resp.Body), 16) + `"`
		ctx.Response.Header.Set("ETag", etag)
		if match := string(ctx.Request.Header.Peek("If-None-Match")); match != "" && match == etag {
			ctx.Response.SetStatusCode(fasthttp.StatusNotModified)
			ctx.Response.ResetBody()
			return
		}
	}

	ctx.Response.SetStatusCode(resp.StatusCode)
	ctx.Response.SetBody(resp.Body)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Content-Type", "text/plain")
	ctx.Response.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.SetBodyString("OK")
}

func (s *Server) handleReady(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	if s.store != nil {
		checkCtx, cancel := context.WithTimeout(context.Background(), readyTimeout)
		defer cancel()

		if err := s.store.HealthCheck(checkCtx); err != nil {
			logger.Warn("Readiness check failed", zap.Error(err))
			s.writeError(ctx, fasthttp.StatusServiceUnavailable, "Redis not available")
			return
		}
	}

	ctx.Response.Header.Set("Content-Type", "text/plain")
	ctx.Response.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.SetBodyString("OK")
}

// handleStatus collects every registered section. A failing section is reported in
// place and turns the response into a 503.
func (s *Server) handleStatus(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	statusCtx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()

	sections := make(map[string]interface{}, len(s.status))
	failed := false
	for name, source := range s.status {
		section, err := source(statusCtx)
		if err != nil {
			logger.Warn("Status section failed", zap.String("section", name), zap.Error(err))
			sections[name] = map[string]string{"error": err.Error()}
			failed = true
			continue
		}
		sections[name] = section
	}

	if failed {
		httputil.JSONResponse(ctx, false, "status incomplete", sections, fasthttp.StatusServiceUnavailable)
		return
	}
	httputil.JSONData(ctx, sections, fasthttp.StatusOK)
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, statusCode int, message string) {
	ctx.Response.Header.Set("Content-Type", "text/plain")
	ctx.Response.SetStatusCode(statusCode)
	ctx.Response.SetBodyString(message)
}

func (s *Server) record(ctx *fasthttp.RequestCtx, endpoint string) {
	if s.recorder != nil {
		s.recorder.RecordHTTPRequest(endpoint, ctx.Response.StatusCode())
	}
}
