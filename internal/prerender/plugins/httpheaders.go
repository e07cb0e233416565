package plugins

import (
	"context"

	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/prerender/pipeline"
)

// HTTPHeaders applies prerender-status-code and prerender-header meta tags from the rendered page
type HTTPHeaders struct{}

func NewHTTPHeaders() *HTTPHeaders {
	return &HTTPHeaders{}
}

func (h *HTTPHeaders) Name() string {
	return "httpHeaders"
}

func (h *HTTPHeaders) BeforeSend(_ context.Context, req *pipeline.Request) pipeline.Action {
	doc := renderedDocument(req)
	if doc == nil {
		return pipeline.Continue
	}

	directives := doc.Directives()
	if directives.StatusCode != 0 && directives.StatusCode != req.Response.StatusCode {
		req.Logger.Debug("Status code overridden by page",
			zap.Int("rendered", req.Response.StatusCode),
			zap.Int("status", directives.StatusCode))
		req.Response.StatusCode = directives.StatusCode
	}
	for _, header := range directives.Headers {
		req.SetHeader(header.Name, header.Value)
	}

	return pipeline.Continue
}
