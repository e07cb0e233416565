package chrome

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/css"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/prerender/pipeline"
	"github.com/edgecomet/prerender/pkg/pattern"
)

// maxHTMLSize caps the captured document (20MB)
const maxHTMLSize = 20 * 1024 * 1024

// RenderHeader marks requests made by the renderer so an upstream proxy can avoid loops
const RenderHeader = "X-Prerender"

// DefaultBlockedRequests are analytics and ad hosts never fetched while rendering
var DefaultBlockedRequests = []string{
	"*doubleclick.net*",
	"*google-analytics.com*",
	"*googleadservices.com*",
	"*googlesyndication.com*",
	"*googletagmanager.com*",
	"*googletagservices.com*",
	"*facebook.com/tr*",
	"*hotjar.com*",
	"*clarity.ms*",
	"*static.cloudflareinsights.com*",
}

// Renderer renders pages on a Pool. It implements pipeline.Renderer.
type Renderer struct {
	pool    *Pool
	config  *Config
	blocked pattern.List
	logger  *zap.Logger
}

func NewRenderer(pool *Pool, cfg *Config, logger *zap.Logger) (*Renderer, error) {
	patterns := make([]string, 0, len(DefaultBlockedRequests)+len(cfg.BlockedRequests))
	patterns = append(patterns, DefaultBlockedRequests...)
	patterns = append(patterns, cfg.BlockedRequests...)

	blocked, err := pattern.CompileList(patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid blocked request pattern: %w", err)
	}

	return &Renderer{
		pool:    pool,
		config:  cfg,
		blocked: blocked,
		logger:  logger,
	}, nil
}

// Render acquires an instance and renders req.URL within RenderTimeout.
// Running out of time, including while waiting for an instance, returns pipeline.ErrRenderTimeout.
func (r *Renderer) Render(ctx context.Context, req *pipeline.RenderRequest) (*pipeline.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.RenderTimeout)
	defer cancel()

	instance, err := r.pool.Acquire(ctx, req.RequestID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: waiting for a browser: %w", pipeline.ErrRenderTimeout, ctx.Err())
		}
		return nil, err
	}
	defer r.pool.Release(instance)

	return instance.render(ctx, req, r.config, r.blocked)
}

// pageState is written by CDP event listeners and read by the render goroutine
type pageState struct {
	mu         sync.Mutex
	statusCode int
	finalURL   string
	redirected bool
}

func (s *pageState) setStatus(code int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusCode != 0 {
		return false
	}
	s.statusCode = code
	return true
}

func (s *pageState) setRedirect(code int, location string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCode = code
	s.finalURL = location
	s.redirected = true
}

func (s *pageState) snapshot() (int, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCode, s.finalURL, s.redirected
}

func (i *Instance) render(ctx context.Context, req *pipeline.RenderRequest, cfg *Config, blocked pattern.List) (*pipeline.Document, error) {
	start := time.Now()

	tabCtx, tabCancel := i.newTab()
	defer tabCancel()

	// Tear the tab down as soon as the render deadline passes
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	state := &pageState{}
	var html, location string
	var timedOut bool

	err := chromedp.Run(tabCtx, i.buildTasks(req, cfg, blocked, state, &html, &location, &timedOut))
	renderTime := time.Since(start)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w after %s: %w", pipeline.ErrRenderTimeout, renderTime.Round(time.Millisecond), ctx.Err())
	}

	statusCode, finalURL, redirected := state.snapshot()

	// A main-document redirect cancels the tab on purpose
	if redirected && errors.Is(err, context.Canceled) {
		return &pipeline.Document{
			StatusCode: statusCode,
			FinalURL:   finalURL,
			RenderTime: renderTime,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if statusCode == 0 {
		i.logger.Error("Status code capture failed",
			zap.String("request_id", req.RequestID),
			zap.Int("instance_id", i.ID),
			zap.String("url", req.URL))
		return nil, ErrStatusCapture
	}
	if len(html) > maxHTMLSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, len(html))
	}
	if timedOut {
		i.logger.Debug("Page did not settle before timeout, captured as-is",
			zap.String("request_id", req.RequestID),
			zap.String("url", req.URL),
			zap.String("wait_for", cfg.WaitFor))
	}

	return &pipeline.Document{
		StatusCode: statusCode,
		FinalURL:   location,
		HTML:       []byte(html),
		RenderTime: renderTime,
	}, nil
}

func (i *Instance) buildTasks(req *pipeline.RenderRequest, cfg *Config, blocked pattern.List, state *pageState,
	html, location *string, timedOut *bool) chromedp.Tasks {
	targetOrigin := extractOrigin(req.URL)
	forwarded := map[string][]string(req.Header)

	var fetchHandlers atomic.Int64

	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			chromedp.ListenTarget(ctx, func(event interface{}) {
				switch ev := event.(type) {
				case *fetch.EventRequestPaused:
					fetchHandlers.Add(1)
					go func() {
						defer fetchHandlers.Add(-1)
						i.handlePaused(ctx, ev, req, blocked, targetOrigin, forwarded)
					}()

				case *network.EventRequestWillBeSent:
					if ev.RedirectResponse != nil &&
						urlsMatchIgnoringFragment(ev.RedirectResponse.URL, req.URL) &&
						ev.DocumentURL == ev.Request.URL &&
						ev.RedirectResponse.Status != 0 {
						state.setRedirect(int(ev.RedirectResponse.Status), ev.Request.URL)
						if err := chromedp.Cancel(ctx); err != nil {
							i.logger.Warn("Unable to cancel tab after redirect",
								zap.String("request_id", req.RequestID),
								zap.Int("instance_id", i.ID),
								zap.Error(err))
						}
					}

				case *network.EventResponseReceived:
					if urlsMatchIgnoringFragment(ev.Response.URL, req.URL) {
						state.setStatus(int(ev.Response.Status))
					}
				}
			})
			return nil
		}),

		network.Enable(),
		fetch.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{RenderHeader: "1"}),
		network.ClearBrowserCookies(),
		page.Enable(),
		css.Disable(),
		enableLifecycle(),
	}

	if ua := req.Header.Get("User-Agent"); ua != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(ua))
	}

	tasks = append(tasks,
		i.navigateAndWait(req, cfg, timedOut),
		chromedp.WaitReady("body", chromedp.ByQuery),
		extractHTML(html),
		chromedp.Location(location),
		statusFallback(state),
		// Let in-flight fetch handlers finish their CDP calls before the tab closes
		chromedp.ActionFunc(func(ctx context.Context) error {
			deadline := time.After(5 * time.Second)
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()

			for fetchHandlers.Load() > 0 {
				select {
				case <-deadline:
					return nil
				case <-ticker.C:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}),
		page.Close(),
	)
	return tasks
}

// handlePaused blocks, forwards headers to, or continues one intercepted request
func (i *Instance) handlePaused(ctx context.Context, ev *fetch.EventRequestPaused, req *pipeline.RenderRequest,
	blocked pattern.List, targetOrigin string, forwarded map[string][]string) {
	cmdCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	c := chromedp.FromContext(cmdCtx)
	executor := cdp.WithExecutor(cmdCtx, c.Target)

	var err error
	switch {
	case blocked.Match(ev.Request.URL) != nil:
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(executor)
	case len(forwarded) > 0 && isSameHost(ev.Request.URL, targetOrigin):
		headers := mergeRequestHeaders(ev.Request.Headers, forwarded)
		err = fetch.ContinueRequest(ev.RequestID).WithHeaders(headers).Do(executor)
	default:
		err = fetch.ContinueRequest(ev.RequestID).Do(executor)
	}

	if err != nil {
		i.logger.Debug("Intercepted request handling failed, aborting it",
			zap.String("request_id", req.RequestID),
			zap.String("url", ev.Request.URL),
			zap.Error(err))
		_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonAborted).Do(executor)
	}
}

// navigateAndWait navigates and waits for cfg.WaitFor. Exceeding PageLoadTimeout is soft:
// timedOut is set and the HTML is captured anyway.
func (i *Instance) navigateAndWait(req *pipeline.RenderRequest, cfg *Config, timedOut *bool) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		frameID, loaderID, _, _, err := page.Navigate(req.URL).Do(ctx)
		if err != nil {
			return errors.Join(ErrNavigateFailed, err)
		}

		err = waitForEvent(ctx, cfg.WaitFor, string(frameID), string(loaderID), cfg.PageLoadTimeout)
		if errors.Is(err, ErrWaitTimeout) {
			*timedOut = true
			return nil
		}
		return err
	}
}

// waitForEvent waits for the named lifecycle event of the given frame and loader
func waitForEvent(ctx context.Context, eventName, frameID, loaderID string, timeout time.Duration) error {
	ch := make(chan struct{})

	listenerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	chromedp.ListenTarget(listenerCtx, func(ev interface{}) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok {
			return
		}
		if string(e.FrameID) == frameID && string(e.LoaderID) == loaderID && string(e.Name) == eventName {
			once.Do(func() { close(ch) })
		}
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWaitTimeout
	}
}

// extractHTML reads the serialized document, retrying while the DOM settles
func extractHTML(output *string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt < 3; attempt++ {
			root, err := dom.GetDocument().Do(ctx)
			if err == nil {
				var html string
				html, err = dom.GetOuterHTML().WithNodeID(root.NodeID).Do(ctx)
				if err == nil {
					*output = html
					return nil
				}
			}
			lastErr = err
			time.Sleep(300 * time.Millisecond)
		}
		return fmt.Errorf("%w after 3 attempts: %v", ErrExtractHTML, lastErr)
	}
}

// statusFallback reads the navigation status from the Performance API when no
// response event carried it
func statusFallback(state *pageState) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if code, _, _ := state.snapshot(); code != 0 {
			return nil
		}

		var status int64
		err := chromedp.Evaluate(`(function() {
			try {
				var nav = performance.getEntriesByType('navigation')[0];
				return nav && nav.responseStatus ? nav.responseStatus : 0;
			} catch (e) {
				return 0;
			}
		})()`, &status).Do(ctx)
		if err == nil && status > 0 {
			state.setStatus(int(status))
		} else if err == nil {
			// Older browsers without responseStatus: the document loaded, so report OK
			state.setStatus(http.StatusOK)
		}
		return nil
	}
}

func enableLifecycle() chromedp.ActionFunc {
	return func(ctx context.Context) error {
		if err := page.Enable().Do(ctx); err != nil {
			return err
		}
		return page.SetLifecycleEventsEnabled(true).Do(ctx)
	}
}
