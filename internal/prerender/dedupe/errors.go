package dedupe

import (
	"errors"

	"github.com/edgecomet/prerender/internal/prerender/lockstore"
)

var (
	// ErrStoreUnavailable means coordination could not reach the store and the request failed open
	ErrStoreUnavailable = lockstore.ErrStoreUnavailable
	// ErrCapacityExceeded means the in-flight ceiling was reached
	ErrCapacityExceeded = errors.New("render capacity exceeded")
	// ErrDuplicateInFlight means another request is already rendering the same work key
	ErrDuplicateInFlight = errors.New("render already in progress")
	// ErrReleaseFailure means a lock or admission slot could not be returned; it is logged, never surfaced
	ErrReleaseFailure = errors.New("release failed")
)
