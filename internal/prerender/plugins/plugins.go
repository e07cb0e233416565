// Package plugins holds the response plugins that run alongside coordination and caching.
package plugins

import (
	"github.com/edgecomet/prerender/internal/common/htmlprocessor"
	"github.com/edgecomet/prerender/internal/prerender/pipeline"
)

type documentKey struct{}

// renderedDocument returns the parsed rendered page, parsing it on first use.
// Returns nil when the response did not come from the renderer or is sealed.
func renderedDocument(req *pipeline.Request) htmlprocessor.Document {
	if req.Sealed() || req.Document == nil || req.Response == nil || req.Response.Source != pipeline.SourceRender {
		return nil
	}
	if doc, ok := req.Value(documentKey{}).(htmlprocessor.Document); ok {
		return doc
	}

	doc, err := htmlprocessor.Parse(req.Response.Body)
	if err != nil {
		req.Logger.Debug("Rendered page could not be parsed, skipping post-processing")
		return nil
	}
	req.Set(documentKey{}, doc)
	return doc
}
