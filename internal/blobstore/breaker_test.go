package blobstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerOpensAndFailsFast(t *testing.T) {
	mem := NewMemory("")
	mem.PutErr = errors.New("backend down")
	cfg := BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, ConsecutiveFailures: 2}
	b := NewBreaker("test", mem, cfg, nil)
	f := newTestFiles(b)
	ctx := context.Background()

	// Three consecutive failures trip the breaker (> 2).
	for i := 0; i < 3; i++ {
		if _, err := f.Put(ctx, "u@example.com", "a.csv", []byte("x")); err == nil {
			t.Fatalf("Put() #%d succeeded, want error", i)
		}
	}
	if !b.Open() {
		t.Fatal("breaker should be open")
	}

	_, err := f.Put(ctx, "u@example.com", "a.csv", []byte("x"))
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("Put() while open error = %v, want *StoreError", err)
	}
	if mem.PutCalls != 3 {
		t.Errorf("backend PutCalls = %d, want 3 (open breaker must not reach backend)", mem.PutCalls)
	}

	// Listing still works while open.
	if _, err := f.List(ctx, "u@example.com"); err != nil {
		t.Errorf("List() while open error = %v", err)
	}
}
