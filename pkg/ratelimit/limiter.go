// Package ratelimit implements sliding-window admission control.
//
// Each key keeps two adjacent fixed buckets. The request count over the
// trailing window is estimated as
//
//	estimate = prev * (1 - elapsed/window) + curr
//
// where elapsed is the time since the current bucket started. A request is
// admitted only when the estimate is strictly below the limit, and on
// admission the current bucket is incremented in the same atomic step.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/apperrors"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed  bool
	Estimate float64
}

// Store evaluates and records admissions atomically per key.
type Store interface {
	Admit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// Limiter applies fail-open semantics on top of a Store.
type Limiter struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// New creates a Limiter backed by store.
func New(store Store, logger *zap.Logger) *Limiter {
	return &Limiter{
		store:  store,
		logger: logger.Named("ratelimit"),
		now:    time.Now,
	}
}

// Key builds the limiter key for one (command, entity, user) triple.
func Key(command, entityID, userID string) string {
	return "rl:" + escape(command) + ":" + escape(entityID) + ":" + escape(userID)
}

// escape keeps ':' inside a component from colliding with the separator.
func escape(s string) string {
	return strings.ReplaceAll(s, ":", "%3A")
}

// Admit reports whether one more request under key is allowed.
// A limit of zero or less means unlimited. Store failures admit the request
// and are logged; only invalid arguments return an error.
func (l *Limiter) Admit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	if window <= 0 {
		return false, fmt.Errorf("%w: rate window must be positive, got %s", apperrors.ErrInvalidInput, window)
	}

	decision, err := l.store.Admit(ctx, key, limit, window, l.now())
	if err != nil {
		l.logger.Warn("Rate limiter store unavailable, admitting request",
			zap.String("key", key),
			zap.Error(err))
		return true, nil
	}

	if !decision.Allowed {
		l.logger.Debug("Rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Float64("estimate", decision.Estimate))
	}
	return decision.Allowed, nil
}

// windowStart returns the start of the fixed bucket containing now.
func windowStart(now time.Time, window time.Duration) int64 {
	w := window.Milliseconds()
	ms := now.UnixMilli()
	return ms - ms%w
}

// estimate interpolates the sliding-window count.
func estimate(prev, curr int64, elapsed, window time.Duration) float64 {
	weight := 1 - float64(elapsed)/float64(window)
	if weight < 0 {
		weight = 0
	}
	return float64(prev)*weight + float64(curr)
}
