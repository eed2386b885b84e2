package ratelimit

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute
)

// DefaultExemptPrefixes are path prefixes that are always admitted.
var DefaultExemptPrefixes = []string{"/docs", "/openapi"}

// ErrRejected reports that a key has exhausted its window.
var ErrRejected = errors.New("ratelimit: too many requests")

// Decision is the outcome of a single admission.
type Decision struct {
	Allowed bool
	// Count is the number of admissions recorded for the key in the
	// current window, including this one when it was allowed.
	Count int
	Limit int
	// ResetAfter is the time left until the current window ends.
	ResetAfter time.Duration
}

// Err returns ErrRejected when the decision denies the request.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return ErrRejected
}

// Limiter decides whether the request identified by key may proceed.
type Limiter interface {
	Admit(ctx context.Context, key string) (Decision, error)
}
