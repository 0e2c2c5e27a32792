package blobstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker around a backend.
type BreakerConfig struct {
	MaxRequests         uint32        // probes allowed while half-open
	Interval            time.Duration // closed-state counter reset
	Timeout             time.Duration // open-state duration
	ConsecutiveFailures uint32        // trips after more than this many in a row
}

// DefaultBreakerConfig returns the breaker tuning used by serve.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker wraps a Store so that once writes keep failing, further Puts fail
// immediately until the backend has had time to recover. Listings pass
// through unguarded so the dashboard keeps working.
type Breaker struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(name string, next Store, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures > cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// A cancelled sweep says nothing about backend health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("blob store circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Put(ctx context.Context, objPath string, data []byte, contentType string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Put(ctx, objPath, data, contentType)
	})
	return err
}

func (b *Breaker) List(ctx context.Context, prefix string) ([]Object, error) {
	return b.next.List(ctx, prefix)
}

func (b *Breaker) URL(objPath string) string {
	return b.next.URL(objPath)
}

// Open reports whether the breaker is currently rejecting writes.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

var _ Store = (*Breaker)(nil)
