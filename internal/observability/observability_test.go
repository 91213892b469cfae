package observability

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordLLMRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.RecordLLMRequest("anthropic", "claude-sonnet-4", "success", 1.2, 100, 50)
	m.RecordLLMRequest("anthropic", "claude-sonnet-4", "error", 0.3, 0, 0)

	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("anthropic", "claude-sonnet-4", "success")); got != 1 {
		t.Errorf("success count = %v", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude-sonnet-4", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v", got)
	}
	// Zero-token calls must not create token series.
	if n := testutil.CollectAndCount(m.LLMTokensUsed); n != 2 {
		t.Errorf("token series = %d, want 2", n)
	}
}

func TestMetricsRunGauge(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())
	m.RunStarted("openai")
	m.RunStarted("openai")
	m.RunEnded("openai")
	if got := testutil.ToFloat64(m.ActiveRuns.WithLabelValues("openai")); got != 1 {
		t.Errorf("active runs = %v", got)
	}
}

func TestMetricsCompaction(t *testing.T) {
	m := NewMetricsWith(prometheus.NewRegistry())
	m.RecordCompaction("success", 1200)
	m.RecordCompaction("noop", 0)
	if got := testutil.ToFloat64(m.CompactionReclaimedTokens); got != 1200 {
		t.Errorf("reclaimed tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.CompactionCounter.WithLabelValues("noop")); got != 1 {
		t.Errorf("noop count = %v", got)
	}
}

func TestLoggerRedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("resolved endpoint",
		"key", "sk-ant-REDACTED",
		"url", "https://api.anthropic.com")

	out := buf.String()
	if strings.Contains(out, "abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("credential leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction marker in %s", out)
	}
	if !strings.Contains(out, "api.anthropic.com") {
		t.Errorf("benign value mangled: %s", out)
	}
}

func TestLoggerRedactsGroupedAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
	logger = logger.With("auth", "Bearer abcdefghijklmnop123456")

	logger.Info("request sent")
	if strings.Contains(buf.String(), "abcdefghijklmnop123456") {
		t.Fatalf("credential leaked via With: %s", buf.String())
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("below-level records emitted: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn record missing: %s", out)
	}
	if !logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("error level not enabled")
	}
}
