package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ANTFOR7717/mastraclaw/internal/engine"
)

func transientErr() error {
	return &engine.WireError{Provider: "p", Status: 503, Transient: true}
}

func TestWithRetryRetriesTransient(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), 3, time.Millisecond, engine.IsTransient, func() error {
		attempts++
		if attempts < 3 {
			return transientErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("got %v after %d attempts", err, attempts)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestWithRetryStopsOnPermanent(t *testing.T) {
	permanent := errors.New("bad request")
	attempts := 0
	err := withRetry(context.Background(), 3, time.Millisecond, engine.IsTransient, func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

// Once a stream has delivered chunks downstream, a transient failure must
// surface instead of retrying, or the consumer would see the same deltas
// twice. This mirrors the predicate the Gemini transport builds around its
// delivered flag.
func TestWithRetryHaltsAfterPartialDelivery(t *testing.T) {
	delivered := false
	retryable := func(err error) bool { return !delivered && engine.IsTransient(err) }

	attempts := 0
	err := withRetry(context.Background(), 3, time.Millisecond, retryable, func() error {
		attempts++
		delivered = true
		return transientErr()
	})
	if err == nil {
		t.Fatal("transient failure after delivery was swallowed")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 once chunks were delivered", attempts)
	}
}
