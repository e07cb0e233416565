package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrRenderTimeout is wrapped by renderers when a page did not finish in time
var ErrRenderTimeout = errors.New("render timed out")

// RenderRequest is the input handed to a Renderer
type RenderRequest struct {
	RequestID string
	URL       string
	// Header holds the client headers forwarded to the page (User-Agent, Accept-Language)
	Header http.Header
}

// Document is a rendered page
type Document struct {
	StatusCode int
	FinalURL   string
	HTML       []byte
	RenderTime time.Duration
}

// Renderer produces the HTML of a page
type Renderer interface {
	Render(ctx context.Context, req *RenderRequest) (*Document, error)
}

// RenderFunc adapts a function to Renderer
type RenderFunc func(ctx context.Context, req *RenderRequest) (*Document, error)

func (f RenderFunc) Render(ctx context.Context, req *RenderRequest) (*Document, error) {
	return f(ctx, req)
}
