package plugins

import (
	"context"

	"github.com/edgecomet/prerender/internal/prerender/pipeline"
)

// RemoveScripts strips executable scripts from rendered pages
type RemoveScripts struct{}

func NewRemoveScripts() *RemoveScripts {
	return &RemoveScripts{}
}

func (r *RemoveScripts) Name() string {
	return "removeScripts"
}

func (r *RemoveScripts) BeforeSend(_ context.Context, req *pipeline.Request) pipeline.Action {
	doc := renderedDocument(req)
	if doc == nil {
		return pipeline.Continue
	}

	if doc.CleanScripts() {
		req.Response.Body = doc.HTML()
	}
	return pipeline.Continue
}
