// Package admission caps the number of renders in flight.
package admission

import "context"

// Admitter grants or refuses render slots against a fixed ceiling.
// holder identifies the slot so store-backed implementations can release
// exactly the slot they granted; the local Counter ignores it.
type Admitter interface {
	TryAdmit(ctx context.Context, holder string) (bool, error)
	Release(ctx context.Context, holder string) error
	InFlight(ctx context.Context) (int, error)
	Ceiling() int
}

// Snapshot is the admission state reported on /status
type Snapshot struct {
	InFlight int `json:"in_flight"`
	Ceiling  int `json:"ceiling"`
}

// Current reads the admission state of a
func Current(ctx context.Context, a Admitter) (Snapshot, error) {
	n, err := a.InFlight(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{InFlight: n, Ceiling: a.Ceiling()}, nil
}
