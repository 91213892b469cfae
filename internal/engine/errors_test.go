package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapWireErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"rate limit", errors.New("429 Too Many Requests"), true},
		{"overloaded", errors.New("overloaded_error: try again"), true},
		{"server error", errors.New("503 service unavailable"), true},
		{"timeout", errors.New("context deadline exceeded"), true},
		{"connection", errors.New("connection refused"), true},
		{"bad request", errors.New("400 invalid_request_error: messages: roles must alternate"), false},
		{"auth", errors.New("401 unauthorized"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			we := WrapWireError("anthropic", "claude-sonnet-4", tt.err)
			if we.Transient != tt.transient {
				t.Errorf("Transient = %v, want %v", we.Transient, tt.transient)
			}
			if !errors.Is(we, tt.err) {
				t.Error("wrapped error lost its cause")
			}
		})
	}
}

func TestIsTransientThroughWrapping(t *testing.T) {
	we := WrapWireError("openai", "gpt-4o", errors.New("rate limit exceeded"))
	wrapped := fmt.Errorf("turn failed: %w", we)
	if !IsTransient(wrapped) {
		t.Error("IsTransient should see through fmt.Errorf wrapping")
	}
	if IsTransient(errors.New("rate limit exceeded")) {
		t.Error("IsTransient should only match WireError")
	}
}

func TestConfigurationError(t *testing.T) {
	err := NewConfigurationError("base_url", "required for unknown model APIs")
	want := "engine: configuration error: base_url: required for unknown model APIs"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestThinkingBudget(t *testing.T) {
	if ThinkingBudget(ThinkingOff) != 0 {
		t.Error("off level should have zero budget")
	}
	if ThinkingBudget(ThinkingHigh) <= ThinkingBudget(ThinkingLow) {
		t.Error("budgets should increase with level")
	}
	if ThinkingBudget("bogus") != 0 {
		t.Error("unknown level should map to zero")
	}
}
