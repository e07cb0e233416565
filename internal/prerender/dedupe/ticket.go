package dedupe

import (
	"fmt"
	"net/http"
	"time"

	"github.com/edgecomet/prerender/internal/prerender/lockstore"
	"github.com/edgecomet/prerender/internal/prerender/workkey"
)

// Ticket is the coordination record of one request, returned by Before and consumed by After
type Ticket struct {
	Key     workkey.Key
	LockKey string
	State   State
	// Err is ErrCapacityExceeded or ErrDuplicateInFlight for rejections, and wraps
	// ErrStoreUnavailable (or the URL error) when the request failed open
	Err error

	HoldsLock  bool
	StartedAt  time.Time
	RetryAfter time.Duration
	InFlight   int
	Ceiling    int

	lease    *lockstore.Lease
	holder   string
	admitted bool
	done     bool
}

// Proceed reports whether the request may continue to cache serving or rendering
func (t *Ticket) Proceed() bool {
	return t.State != StateRejectedBusy && t.State != StateRejectedDuplicate
}

// StatusCode is the HTTP status for a rejected ticket, 0 otherwise
func (t *Ticket) StatusCode() int {
	switch t.State {
	case StateRejectedBusy:
		return http.StatusServiceUnavailable
	case StateRejectedDuplicate:
		return http.StatusTooManyRequests
	default:
		return 0
	}
}

// RetryAfterSeconds is the Retry-After header value for a duplicate rejection
func (t *Ticket) RetryAfterSeconds() int {
	secs := int((t.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Message is the plain-text body for a rejected ticket
func (t *Ticket) Message() string {
	switch t.State {
	case StateRejectedBusy:
		return fmt.Sprintf("Server busy: %d/%d renders in progress", t.InFlight, t.Ceiling)
	case StateRejectedDuplicate:
		return fmt.Sprintf("Render already in progress for this URL. Please retry after %d seconds.", t.RetryAfterSeconds())
	default:
		return ""
	}
}
