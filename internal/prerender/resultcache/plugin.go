package resultcache

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/prerender/pipeline"
)

// CacheHeader reports whether a response was served from cache
const CacheHeader = "X-Prerender-Cache"

// Plugin serves cached renders and stores fresh ones
type Plugin struct {
	cache *Cache
}

func NewPlugin(cache *Cache) *Plugin {
	return &Plugin{cache: cache}
}

func (p *Plugin) Name() string {
	return "cache"
}

func (p *Plugin) RequestReceived(ctx context.Context, req *pipeline.Request) pipeline.Action {
	if req.Target == nil {
		return pipeline.Continue
	}

	entry, found, err := p.cache.Get(ctx, req.Target.Key)
	if err != nil {
		req.Logger.Warn("Cache lookup failed, rendering",
			zap.String("work_key", req.Target.Key.String()),
			zap.Error(err))
		return pipeline.Continue
	}
	if !found {
		return pipeline.Continue
	}

	req.Respond(entry.StatusCode, entry.Body, pipeline.SourceCache)
	for name, values := range entry.Header {
		for _, v := range values {
			req.Response.Header.Add(name, v)
		}
	}
	req.SetHeader(CacheHeader, "HIT")

	req.Logger.Debug("Served from cache",
		zap.String("work_key", req.Target.Key.String()),
		zap.Time("created_at", entry.CreatedAt))
	return pipeline.Halt
}

func (p *Plugin) BeforeSend(ctx context.Context, req *pipeline.Request) pipeline.Action {
	resp := req.Response
	if req.Target == nil || resp == nil {
		return pipeline.Continue
	}
	if resp.Source != pipeline.SourceRender || resp.StatusCode != http.StatusOK {
		return pipeline.Continue
	}

	entry := &Entry{
		URL:        req.Target.URL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       resp.Body,
		RequestID:  req.ID,
	}
	if err := p.cache.Put(ctx, req.Target.Key, entry); err != nil {
		req.Logger.Warn("Failed to cache render",
			zap.String("work_key", req.Target.Key.String()),
			zap.Error(err))
		return pipeline.Continue
	}

	req.SetHeader(CacheHeader, "MISS")
	return pipeline.Continue
}
