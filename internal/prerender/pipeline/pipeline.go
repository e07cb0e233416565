// Package pipeline runs a request through the registered plugins and the renderer.
//
// Dispatch calls RequestReceived on every plugin in registration order. A Halt stops
// dispatch and the plugin's response is sent. Otherwise, when no plugin produced a
// response, BeforeRender gives the reached plugins a last chance to answer and then
// the renderer runs. BeforeSend then unwinds in reverse order over every
// plugin whose RequestReceived was reached, so a plugin that acquired something on the
// way in always gets to release it on the way out.
package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RenderObserver receives the outcome of each render
type RenderObserver interface {
	ObserveRender(status string, duration time.Duration)
}

type Pipeline struct {
	plugins        []Plugin
	renderer       Renderer
	forwardHeaders []string
	observer       RenderObserver
	logger         *zap.Logger
}

// New creates a pipeline around renderer. forwardHeaders names the client headers
// passed on to the renderer.
func New(renderer Renderer, forwardHeaders []string, observer RenderObserver, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		renderer:       renderer,
		forwardHeaders: forwardHeaders,
		observer:       observer,
		logger:         logger,
	}
}

// Use registers plugins. Registration order is the RequestReceived order.
func (p *Pipeline) Use(plugins ...Plugin) {
	p.plugins = append(p.plugins, plugins...)
}

// Plugins returns the registered plugin names in order
func (p *Pipeline) Plugins() []string {
	names := make([]string, 0, len(p.plugins))
	for _, plugin := range p.plugins {
		names = append(names, plugin.Name())
	}
	return names
}

// Execute runs req through the plugin chain and returns the final response
func (p *Pipeline) Execute(ctx context.Context, req *Request) *Response {
	reached := 0
	for _, plugin := range p.plugins {
		reached++
		receiver, ok := plugin.(RequestReceiver)
		if !ok {
			continue
		}
		if receiver.RequestReceived(ctx, req) == Halt {
			req.Logger.Debug("Request halted by plugin", zap.String("plugin", plugin.Name()))
			break
		}
	}

	if req.Response == nil {
		p.beforeRender(ctx, req, reached)
	}
	if req.Response == nil {
		p.render(ctx, req)
	}

	for i := reached - 1; i >= 0; i-- {
		sender, ok := p.plugins[i].(BeforeSender)
		if !ok {
			continue
		}
		if sender.BeforeSend(ctx, req) == Halt && !req.sealed {
			req.Logger.Debug("Response sealed by plugin", zap.String("plugin", p.plugins[i].Name()))
			req.sealed = true
		}
	}

	return req.Response
}

func (p *Pipeline) beforeRender(ctx context.Context, req *Request, reached int) {
	for _, plugin := range p.plugins[:reached] {
		hook, ok := plugin.(BeforeRenderer)
		if !ok {
			continue
		}
		if hook.BeforeRender(ctx, req) == Halt {
			req.Logger.Debug("Render skipped by plugin", zap.String("plugin", plugin.Name()))
			return
		}
	}
}

func (p *Pipeline) render(ctx context.Context, req *Request) {
	start := time.Now()
	doc, err := p.renderer.Render(ctx, &RenderRequest{
		RequestID: req.ID,
		URL:       req.Target.URL,
		Header:    req.ForwardedHeaders(p.forwardHeaders),
	})
	duration := time.Since(start)

	if err != nil {
		status := http.StatusInternalServerError
		outcome := "error"
		if errors.Is(err, ErrRenderTimeout) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			outcome = "timeout"
		}
		req.Logger.Error("Render failed",
			zap.String("url", req.Target.URL),
			zap.Duration("duration", duration),
			zap.Error(err))
		p.observe(outcome, duration)
		req.Respond(status, nil, SourceError)
		return
	}

	req.Logger.Info("Page rendered",
		zap.String("url", req.Target.URL),
		zap.Int("status", doc.StatusCode),
		zap.Int("size", len(doc.HTML)),
		zap.Duration("duration", duration))
	p.observe("success", duration)

	if doc.StatusCode == 0 {
		doc.StatusCode = http.StatusOK
	}
	if doc.RenderTime == 0 {
		doc.RenderTime = duration
	}
	req.Document = doc
	req.Respond(doc.StatusCode, doc.HTML, SourceRender)
	req.SetHeader("Content-Type", "text/html; charset=utf-8")
	if doc.StatusCode >= 300 && doc.StatusCode < 400 && doc.FinalURL != "" {
		req.SetHeader("Location", doc.FinalURL)
	}
}

func (p *Pipeline) observe(status string, duration time.Duration) {
	if p.observer != nil {
		p.observer.ObserveRender(status, duration)
	}
}
