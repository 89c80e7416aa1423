// Package ratelimit implements a fixed-window request limiter over a shared
// counter store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	keyPrefix = "rate"

	// DefaultLimit is the number of requests allowed per window.
	DefaultLimit = 40
	// DefaultWindow is the fixed window length.
	DefaultWindow = 60 * time.Second

	// Request classes gating the paid and free AI endpoints.
	ClassText        = "ai:text"
	ClassImage       = "ai:image"
	ClassSuggestions = "ai:suggestions"
	ClassRefine      = "ai:refine"
	ClassRegenerate  = "ai:regenerate"

	// Decisions reported to a DecisionRecorder.
	DecisionAllowed  = "allowed"
	DecisionRejected = "rejected"
	DecisionFailOpen = "fail_open"
)

// DecisionRecorder observes every Enforce outcome.
type DecisionRecorder interface {
	RecordDecision(decision string)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger used for fail-open warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(limiter *Limiter) {
		if logger != nil {
			limiter.logger = logger
		}
	}
}

// WithDecisionRecorder reports decisions to recorder.
func WithDecisionRecorder(recorder DecisionRecorder) Option {
	return func(limiter *Limiter) {
		limiter.recorder = recorder
	}
}

// Limiter enforces at most limit requests per key per window. The window
// starts at the first request and is not sliding.
type Limiter struct {
	counter  Counter
	limit    int64
	window   time.Duration
	logger   *zap.Logger
	recorder DecisionRecorder
}

// NewLimiter validates the configuration and builds a Limiter.
func NewLimiter(counter Counter, limit int, window time.Duration, options ...Option) (*Limiter, error) {
	if counter == nil {
		return nil, fmt.Errorf("%w: counter is nil", ErrInvalidLimiterConfig)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidLimiterConfig)
	}
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", ErrInvalidLimiterConfig)
	}
	limiter := &Limiter{
		counter: counter,
		limit:   int64(limit),
		window:  window,
		logger:  zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(limiter)
		}
	}
	return limiter, nil
}

// Key builds the counter key rate:<class>:<identity>.
func Key(class string, identity string) (string, error) {
	class = strings.TrimSpace(class)
	identity = strings.TrimSpace(identity)
	if class == "" || identity == "" {
		return "", fmt.Errorf("%w: class and identity are required", ErrInvalidKey)
	}
	return keyPrefix + ":" + class + ":" + identity, nil
}

// Enforce counts one request against key. It returns ErrRateLimitExceeded
// when the window budget is spent and nil otherwise, including when the
// counter store is unavailable.
func (limiter *Limiter) Enforce(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	count, err := limiter.counter.Incr(ctx, key)
	if err != nil {
		return limiter.failOpen(key, err)
	}
	// every hit, so a key whose first expire failed still gets a ttl
	if err := limiter.counter.ExpireNX(ctx, key, limiter.window); err != nil {
		return limiter.failOpen(key, err)
	}
	if count > limiter.limit {
		limiter.record(DecisionRejected)
		return fmt.Errorf("%w: %d requests in %s", ErrRateLimitExceeded, limiter.limit, limiter.window)
	}
	limiter.record(DecisionAllowed)
	return nil
}

func (limiter *Limiter) failOpen(key string, err error) error {
	if !errors.Is(err, ErrCounterUnavailable) {
		return err
	}
	limiter.logger.Warn("rate limiter failing open", zap.String("key", key), zap.Error(err))
	limiter.record(DecisionFailOpen)
	return nil
}

func (limiter *Limiter) record(decision string) {
	if limiter.recorder != nil {
		limiter.recorder.RecordDecision(decision)
	}
}
