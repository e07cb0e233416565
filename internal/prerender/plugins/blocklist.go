package plugins

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/prerender/pipeline"
	"github.com/edgecomet/prerender/pkg/pattern"
)

// Blocklist answers 404 for targets whose host matches a blocked pattern
type Blocklist struct {
	patterns pattern.List
}

// NewBlocklist compiles domains (exact, "*.example.com" wildcards or "~regexp")
func NewBlocklist(domains []string) (*Blocklist, error) {
	patterns, err := pattern.CompileList(domains)
	if err != nil {
		return nil, err
	}
	return &Blocklist{patterns: patterns}, nil
}

func (b *Blocklist) Name() string {
	return "blocklist"
}

func (b *Blocklist) RequestReceived(_ context.Context, req *pipeline.Request) pipeline.Action {
	if req.Target == nil || len(b.patterns) == 0 {
		return pipeline.Continue
	}

	matched := b.patterns.Match(req.Target.Host)
	if matched == nil {
		return pipeline.Continue
	}

	req.Logger.Info("Blocked domain requested",
		zap.String("host", req.Target.Host),
		zap.String("pattern", matched.Source))
	req.Respond(http.StatusNotFound, nil, pipeline.SourcePlugin)
	return pipeline.Halt
}
