package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for engine operations.
var (
	// ErrAborted indicates the run was cancelled by the caller.
	ErrAborted = errors.New("engine: run aborted")

	// ErrTimeout indicates the run was cancelled by a timeout.
	ErrTimeout = errors.New("engine: run timed out")

	// ErrMaxIterations indicates the tool loop hit its iteration ceiling.
	ErrMaxIterations = errors.New("engine: max tool iterations exceeded")
)

// ConfigurationError reports a combination the adapter cannot honor. It is
// raised before any network call so a misconfigured run costs nothing.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("engine: configuration error: %s: %s", e.Field, e.Message)
	}
	return "engine: configuration error: " + e.Message
}

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}

// WireError reports a rejected or failed remote call. Transient
// distinguishes network-ish failures worth retrying upstream from
// structurally unsupported requests.
type WireError struct {
	Provider  string
	Model     string
	Status    int
	Transient bool
	Cause     error
}

func (e *WireError) Error() string {
	var sb strings.Builder
	sb.WriteString("engine: provider ")
	sb.WriteString(e.Provider)
	if e.Model != "" {
		sb.WriteString(" model ")
		sb.WriteString(e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&sb, " status %d", e.Status)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *WireError) Unwrap() error { return e.Cause }

// WrapWireError classifies err into a WireError for the given provider and
// model. Rate limits, server errors, timeouts, and connection failures are
// marked transient.
func WrapWireError(provider, model string, err error) *WireError {
	we := &WireError{Provider: provider, Model: model, Cause: err}
	if err == nil {
		return we
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"), strings.Contains(msg, "too many requests"):
		we.Status = 429
		we.Transient = true
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"),
		strings.Contains(msg, "overloaded"), strings.Contains(msg, "internal server"):
		we.Transient = true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "eof"):
		we.Transient = true
	case strings.Contains(msg, "400"), strings.Contains(msg, "invalid_request"),
		strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "404"):
		we.Transient = false
	}
	return we
}

// IsTransient reports whether err is a WireError marked transient.
func IsTransient(err error) bool {
	var we *WireError
	return errors.As(err, &we) && we.Transient
}

// TranscriptError reports a turn-ordering or pairing invariant the sanitizer
// could not repair. The sanitizer prefers best-effort repair; this is
// reserved for providers whose policy demands fail-fast validation.
type TranscriptError struct {
	Provider string
	Message  string
}

func (e *TranscriptError) Error() string {
	return fmt.Sprintf("engine: transcript invalid for %s: %s", e.Provider, e.Message)
}
