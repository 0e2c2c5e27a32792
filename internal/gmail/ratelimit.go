package gmail

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Operation represents a Gmail API operation with its quota cost.
type Operation int

const (
	OpMessagesGet    Operation = iota // 5 units
	OpMessagesList                    // 5 units
	OpAttachmentsGet                  // 5 units
	OpProfile                         // 1 unit
)

// Cost returns the quota cost for an operation.
func (o Operation) Cost() int {
	switch o {
	case OpMessagesGet, OpMessagesList, OpAttachmentsGet:
		return 5
	default:
		return 1 // OpProfile, unknown
	}
}

// DefaultCapacity is the default bucket burst (Gmail's per-user quota units).
const DefaultCapacity = 250

// DefaultRefillRate is quota units per second at the default QPS.
const DefaultRefillRate = 250.0

const (
	// defaultQPS is the baseline QPS used to calculate the scale factor.
	defaultQPS = 5.0

	// throttleRecoveryFactor is applied to the refill rate while throttled.
	throttleRecoveryFactor = 0.5

	// MinQPS is the minimum allowed QPS.
	MinQPS = 0.1
)

// RateLimiter spends Gmail quota units per operation. It is safe for
// concurrent use and backs off when Gmail reports quota exhaustion.
type RateLimiter struct {
	limiter  *rate.Limiter
	baseRate rate.Limit
	now      func() time.Time

	mu             sync.Mutex
	throttledUntil time.Time
}

// NewRateLimiter creates a rate limiter with the specified QPS.
// A qps of 5 is the default safe rate for the Gmail API; higher values are
// capped at the per-user quota.
func NewRateLimiter(qps float64) *RateLimiter {
	if qps < MinQPS {
		qps = MinQPS
	}
	scale := qps / defaultQPS
	if scale > 1.0 {
		scale = 1.0
	}
	base := rate.Limit(DefaultRefillRate * scale)
	return &RateLimiter{
		limiter:  rate.NewLimiter(base, DefaultCapacity),
		baseRate: base,
		now:      time.Now,
	}
}

// Acquire blocks until quota for op is available or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context, op Operation) error {
	if wait := r.throttleRemaining(); wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return r.limiter.WaitN(ctx, op.Cost())
}

// TryAcquire takes quota for op without blocking.
func (r *RateLimiter) TryAcquire(op Operation) bool {
	if r.throttleRemaining() > 0 {
		return false
	}
	return r.limiter.AllowN(r.now(), op.Cost())
}

// Available returns the quota units currently in the bucket.
func (r *RateLimiter) Available() float64 {
	return r.limiter.TokensAt(r.now())
}

// Throttle pauses acquisition for duration and halves the refill rate until
// the pause ends.
func (r *RateLimiter) Throttle(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	until := r.now().Add(duration)
	if until.After(r.throttledUntil) {
		r.throttledUntil = until
	}
	r.limiter.SetLimit(r.baseRate * throttleRecoveryFactor)
}

// throttleRemaining reports how long acquisition is paused, restoring the
// base rate once a throttle has expired.
func (r *RateLimiter) throttleRemaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.throttledUntil.IsZero() {
		return 0
	}
	remaining := r.throttledUntil.Sub(r.now())
	if remaining > 0 {
		return remaining
	}
	r.throttledUntil = time.Time{}
	r.limiter.SetLimit(r.baseRate)
	return 0
}

// Limit returns the current refill rate in quota units per second.
func (r *RateLimiter) Limit() float64 {
	return float64(r.limiter.Limit())
}
