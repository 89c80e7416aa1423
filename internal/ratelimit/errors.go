package ratelimit

import "errors"

var (
	// ErrRateLimitExceeded is returned by Enforce once the window budget is spent.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrCounterUnavailable marks counter store failures. Enforce fails open on it.
	ErrCounterUnavailable = errors.New("rate limit counter unavailable")
	// ErrInvalidKey reports an empty counter key or key part.
	ErrInvalidKey = errors.New("invalid rate limit key")
	// ErrInvalidLimiterConfig reports a non-positive limit or window or a nil counter.
	ErrInvalidLimiterConfig = errors.New("invalid rate limiter config")
)
