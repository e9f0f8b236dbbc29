// Package rate throttles cashout confirmation attempts. A token guess is
// cheap for an attacker and a row lock for us, so the confirm endpoint is
// limited per user and per source address before any storage work happens.
package rate

import (
	"context"
	"strings"
	"time"
)

// Limiter is a fixed-window counter. Allow reports whether the caller may
// proceed and, when it may not, how long until the window resets.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

// Key joins the caller-identifying parts into one bucket key. Empty parts
// are kept so "user|" and "|ip" stay distinct buckets.
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}
