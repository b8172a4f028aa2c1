// Package ratelimit implements sliding-window-log admission control keyed by
// client identity.
//
// Every check prunes timestamps at or before now-window, counts what is
// left, rejects without recording when the count has reached the ceiling and
// otherwise records now. The four steps run as one atomic unit per key.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Count is the number of requests in the window after this check.
	Count int
	Limit int
	// RetryAfter is how long until the oldest request leaves the window.
	// Zero when allowed.
	RetryAfter time.Duration
	// Degraded is set when the backing store failed and the request was
	// admitted without being counted.
	Degraded bool
}

// Limiter admits or rejects requests for a client.
type Limiter interface {
	Admit(ctx context.Context, clientID string) Decision
}

// Config configures a limiter.
type Config struct {
	// Requests is the ceiling per window.
	Requests int
	// Window is the trailing duration.
	Window time.Duration
	// KeyPrefix namespaces the backing-store keys.
	KeyPrefix string
}

func (c Config) key(clientID string) string {
	prefix := c.KeyPrefix
	if prefix == "" {
		prefix = "rate_limit"
	}
	return prefix + ":" + clientID
}

// Clock returns the current time. Tests substitute it.
type Clock func() time.Time

// Noop admits everything. Used when rate limiting is disabled.
type Noop struct{}

// Admit always allows.
func (Noop) Admit(context.Context, string) Decision {
	return Decision{Allowed: true}
}
