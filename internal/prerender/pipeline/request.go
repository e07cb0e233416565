package pipeline

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/prerender/internal/prerender/workkey"
)

// Response sources
const (
	SourceRender = "render"
	SourceCache  = "cache"
	SourcePlugin = "plugin"
	SourceError  = "error"
)

// Response is what the HTTP front writes back
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Source     string
}

// Request is the per-request state passed through every hook. It is owned by a
// single request and not safe for concurrent use.
type Request struct {
	ID        string
	RawURL    string
	Target    *workkey.Target
	Header    http.Header
	Logger    *zap.Logger
	StartedAt time.Time

	Response *Response
	// Document is the rendered page; nil when the response came from a plugin
	Document *Document

	sealed bool
	values map[any]any
}

// NewRequest builds a Request for a parsed target
func NewRequest(id, rawURL string, target *workkey.Target, header http.Header, logger *zap.Logger) *Request {
	if header == nil {
		header = http.Header{}
	}
	return &Request{
		ID:        id,
		RawURL:    rawURL,
		Target:    target,
		Header:    header,
		Logger:    logger,
		StartedAt: time.Now(),
	}
}

// Respond sets the response. Ignored once the response has been sealed by a BeforeSend Halt.
func (r *Request) Respond(status int, body []byte, source string) {
	if r.sealed {
		r.Logger.Debug("Response sealed, ignoring replacement",
			zap.Int("status", status),
			zap.String("source", source))
		return
	}
	r.Response = &Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       body,
		Source:     source,
	}
}

// SetHeader sets a response header; a no-op before a response exists
func (r *Request) SetHeader(name, value string) {
	if r.Response == nil || r.sealed {
		return
	}
	r.Response.Header.Set(name, value)
}

// Sealed reports whether a BeforeSend hook has frozen the response
func (r *Request) Sealed() bool {
	return r.sealed
}

// Set stores plugin-private state on the request
func (r *Request) Set(key, value any) {
	if r.values == nil {
		r.values = make(map[any]any)
	}
	r.values[key] = value
}

// Value returns state stored with Set
func (r *Request) Value(key any) any {
	return r.values[key]
}

// ForwardedHeaders returns the subset of request headers named in names
func (r *Request) ForwardedHeaders(names []string) http.Header {
	out := http.Header{}
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			out.Set(name, v)
		}
	}
	return out
}
