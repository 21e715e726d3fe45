package access

import (
	"context"
	"fmt"
	"time"
)

// CounterStore is a keyed atomic counter with a fixed expiry window. Incr
// must be atomic across concurrent callers and must start the window only
// when it creates the key.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Reset(ctx context.Context, key string) error
}

// RateLimit is a (max requests, window) pair for an action class.
type RateLimit struct {
	Limit         int64 `json:"limit" yaml:"limit" toml:"limit" validate:"gte=1"`
	WindowSeconds int64 `json:"window_seconds" yaml:"window_seconds" toml:"window_seconds" validate:"gte=1"`
}

func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// DefaultRateClass applies to actions that do not name a class.
const DefaultRateClass = "api"

// DefaultRateLimits are the per-class limits shipped with the engine.
func DefaultRateLimits() map[string]RateLimit {
	return map[string]RateLimit{
		"login":          {Limit: 5, WindowSeconds: 300},
		"api":            {Limit: 100, WindowSeconds: 3600},
		"file_upload":    {Limit: 10, WindowSeconds: 3600},
		"password_reset": {Limit: 3, WindowSeconds: 3600},
	}
}

// RateLimiter counts attempts per (identity, action class).
type RateLimiter struct {
	store   CounterStore
	limits  map[string]RateLimit
	timeout time.Duration
}

func NewRateLimiter(store CounterStore, limits map[string]RateLimit, timeout time.Duration) *RateLimiter {
	if limits == nil {
		limits = DefaultRateLimits()
	}
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &RateLimiter{store: store, limits: limits, timeout: timeout}
}

// RateLimitKey is the counter key for an identity and action class.
func RateLimitKey(class, identityID string) string {
	return fmt.Sprintf("rate_limit:%s:%s", class, identityID)
}

// Allow increments the counter and reports whether the attempt is within the
// limit. Classes without a configured limit are not counted. A store error
// is returned wrapped in ErrRateLimitStoreUnavailable with allowed=false.
func (r *RateLimiter) Allow(ctx context.Context, identityID, class string) (bool, int64, error) {
	limit, ok := r.limits[class]
	if !ok {
		return true, 0, nil
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.store.Incr(cctx, RateLimitKey(class, identityID), limit.Window())
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrRateLimitStoreUnavailable, err)
	}
	return n <= limit.Limit, n, nil
}

// Reset clears the counter for an identity and class.
func (r *RateLimiter) Reset(ctx context.Context, identityID, class string) error {
	return r.store.Reset(ctx, RateLimitKey(class, identityID))
}

// Limit returns the configured limit for a class.
func (r *RateLimiter) Limit(class string) (RateLimit, bool) {
	l, ok := r.limits[class]
	return l, ok
}
