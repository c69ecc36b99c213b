// Package limiter defines interfaces and implementations for session login rate limiting.
package limiter

import (
	"context"
	"time"
)

// Limiter controls session login attempts per (principal, ip) and temporary lockouts.
// The principal is the conversation a client tries to log in to.
type Limiter interface {
	// Allow reports whether login is currently allowed and optional retry-after.
	Allow(ctx context.Context, principal string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, principal string, ipHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, principal string, ipHash []byte) (bool, time.Duration, error)
}
