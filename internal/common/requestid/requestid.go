package requestid

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName carries a caller-supplied request ID and echoes ours back
	HeaderName = "X-Request-ID"

	// MaxLength matches UUID length so IDs fit the same log columns
	MaxLength    = 36
	prefixLength = 5
	maxCustomLen = MaxLength - prefixLength - 1
)

var (
	invalidChars = regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	hyphenRuns   = regexp.MustCompile(`-{2,}`)
)

// FromHeader derives a request ID from an X-Request-ID value.
// The value is sanitized to [a-zA-Z0-9-] and prefixed with 5 random hex characters
// ({prefix}-{custom}); an empty or fully invalid value yields a fresh UUID.
func FromHeader(value string) string {
	custom := strings.ReplaceAll(value, " ", "-")
	custom = invalidChars.ReplaceAllString(custom, "")
	custom = hyphenRuns.ReplaceAllString(custom, "-")
	custom = strings.Trim(custom, "-")

	if custom == "" {
		return New()
	}

	if len(custom) > maxCustomLen {
		custom = custom[:maxCustomLen]
	}
	return randomPrefix() + "-" + custom
}

// New returns a random UUID request ID
func New() string {
	return uuid.NewString()
}

func randomPrefix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString()[:prefixLength]
	}
	return hex.EncodeToString(buf)[:prefixLength]
}

type ctxKey struct{}

// WithContext returns a copy of ctx carrying id
func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the request ID stored in ctx, or "" when absent
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
