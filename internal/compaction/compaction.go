// Package compaction rewrites a session's transcript prefix into a single
// summary message so long conversations keep fitting the model's context
// window. The summary is produced by a model call over the prefix; the
// rewrite is atomic and serialized against concurrent runs by the session
// write lock. An aborted or failed summary call leaves the persisted
// transcript untouched.
package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ANTFOR7717/mastraclaw/internal/engine"
	"github.com/ANTFOR7717/mastraclaw/internal/engine/tokens"
	"github.com/ANTFOR7717/mastraclaw/internal/sessions"
	"github.com/ANTFOR7717/mastraclaw/pkg/models"
)

const (
	// DefaultContextWindow is the fallback context window size in tokens.
	DefaultContextWindow = 100000

	// DefaultKeepShare is the fraction of the context window the verbatim
	// tail may occupy after compaction.
	DefaultKeepShare = 0.25

	// DefaultMaxSummaryTokens caps the summary completion length.
	DefaultMaxSummaryTokens = 2000

	// DefaultSummaryFallback stands in when the model returns no text.
	DefaultSummaryFallback = "No prior history."

	// toolPreviewLen bounds how much of a tool payload enters the
	// summarization prompt.
	toolPreviewLen = 200
)

const defaultPrompt = "Summarize the conversation below for continuation in a fresh context. " +
	"Preserve user goals, decisions made, file paths and identifiers mentioned, " +
	"and any unfinished work. Be concise; write prose, not a transcript."

// Config tunes one compactor.
type Config struct {
	// Model is the summarization model identifier.
	Model string

	// ContextWindowTokens sizes the keep budget. Zero falls back to
	// DefaultContextWindow.
	ContextWindowTokens int

	// KeepShare is the fraction of the window retained verbatim. Zero
	// falls back to DefaultKeepShare.
	KeepShare float64

	// MaxSummaryTokens caps the summary response. Zero falls back to
	// DefaultMaxSummaryTokens.
	MaxSummaryTokens int

	// Prompt overrides the summarization instructions.
	Prompt string

	// Estimator measures message sizes for the keep budget. Nil falls
	// back to the heuristic estimator.
	Estimator tokens.Estimator
}

// Result reports what one compaction did.
type Result struct {
	// SummaryText is the generated summary, or DefaultSummaryFallback.
	SummaryText string

	// FirstKeptIndex is the index of the earliest original message
	// retained verbatim. Everything before it was folded into the summary.
	FirstKeptIndex int

	// Compacted is false when the history already fit the keep budget and
	// the transcript was left untouched.
	Compacted bool

	MessagesBefore int
	MessagesAfter  int
	TokensBefore   int
	TokensAfter    int
}

// Compactor performs summarize-and-rewrite compaction for sessions.
type Compactor struct {
	provider engine.Provider
	store    sessions.Store
	locks    *sessions.LockManager
	config   Config
}

// New validates the configuration and builds a compactor.
func New(provider engine.Provider, store sessions.Store, locks *sessions.LockManager, config Config) (*Compactor, error) {
	if provider == nil {
		return nil, engine.NewConfigurationError("provider", "no transport configured")
	}
	if store == nil {
		return nil, engine.NewConfigurationError("store", "no session store configured")
	}
	if config.Model == "" {
		return nil, engine.NewConfigurationError("model", "summarization model is required")
	}
	if config.ContextWindowTokens <= 0 {
		config.ContextWindowTokens = DefaultContextWindow
	}
	if config.KeepShare <= 0 || config.KeepShare > 1 {
		config.KeepShare = DefaultKeepShare
	}
	if config.MaxSummaryTokens <= 0 {
		config.MaxSummaryTokens = DefaultMaxSummaryTokens
	}
	if config.Prompt == "" {
		config.Prompt = defaultPrompt
	}
	if config.Estimator == nil {
		config.Estimator = tokens.Heuristic{}
	}
	if locks == nil {
		locks = sessions.NewLockManager(0)
	}
	return &Compactor{provider: provider, store: store, locks: locks, config: config}, nil
}

// Compact summarizes the session's oldest messages and atomically replaces
// them with one summary message. The summary model call happens before any
// lock is taken; the transcript is only touched once a summary exists, so a
// cancelled or failed call leaves the persisted state byte-identical.
func (c *Compactor) Compact(ctx context.Context, sessionID string) (*Result, error) {
	history, err := c.store.ReadBranch(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	result := &Result{
		MessagesBefore: len(history),
		TokensBefore:   tokens.EstimateMessages(c.config.Estimator, history),
	}

	budget := int(float64(c.config.ContextWindowTokens) * c.config.KeepShare)
	firstKept := firstKeptIndex(history, c.config.Estimator, budget)
	if firstKept == 0 {
		result.MessagesAfter = len(history)
		result.TokensAfter = result.TokensBefore
		result.SummaryText = DefaultSummaryFallback
		return result, nil
	}

	summary, err := c.summarize(ctx, history[:firstKept])
	if err != nil {
		return nil, err
	}

	summaryMsg := summaryMessage(summary)
	err = c.locks.WithWriteLock(ctx, sessionID, func() error {
		return c.store.RewritePrefix(ctx, sessionID, firstKept, []*models.Message{summaryMsg})
	})
	if err != nil {
		return nil, fmt.Errorf("rewrite session %s: %w", sessionID, err)
	}

	result.SummaryText = summary
	result.FirstKeptIndex = firstKept
	result.Compacted = true
	result.MessagesAfter = len(history) - firstKept + 1
	result.TokensAfter = tokens.EstimateMessage(c.config.Estimator, summaryMsg) +
		tokens.EstimateMessages(c.config.Estimator, history[firstKept:])
	return result, nil
}

// firstKeptIndex walks backwards accumulating message sizes until the keep
// budget is spent. The boundary never lands on a tool message: splitting a
// call from its result would orphan the kept half, so the boundary advances
// past trailing tool turns into the summarized prefix.
func firstKeptIndex(history []*models.Message, est tokens.Estimator, budget int) int {
	if len(history) == 0 || budget <= 0 {
		return 0
	}

	kept := 0
	idx := len(history)
	for idx > 0 {
		size := tokens.EstimateMessage(est, history[idx-1])
		if kept+size > budget {
			break
		}
		kept += size
		idx--
	}
	if idx == len(history) {
		// Budget too small for even the newest message; keep it anyway so
		// compaction always leaves the latest turn verbatim.
		idx = len(history) - 1
	}
	for idx < len(history) && history[idx].Role == models.RoleTool {
		idx++
	}
	return idx
}

// summarize issues one completion over the formatted prefix and drains the
// stream into a single string.
func (c *Compactor) summarize(ctx context.Context, prefix []*models.Message) (string, error) {
	req := &engine.CompletionRequest{
		Model:  c.config.Model,
		System: c.config.Prompt,
		Messages: []engine.CompletionMessage{{
			Role:    string(models.RoleUser),
			Content: formatForSummary(prefix),
		}},
		MaxTokens: c.config.MaxSummaryTokens,
	}

	chunks, err := c.provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summary call: %w", err)
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Err != nil {
			return "", fmt.Errorf("summary stream: %w", chunk.Err)
		}
		sb.WriteString(chunk.Text)
	}

	summary := strings.TrimSpace(sb.String())
	if summary == "" {
		summary = DefaultSummaryFallback
	}
	return summary, nil
}

// summaryMessage wraps summary text in a system-role message. The
// translator hoists system messages into the request instructions, so the
// summary never disturbs user/assistant alternation in the kept tail.
func summaryMessage(summary string) *models.Message {
	return &models.Message{
		Role:      models.RoleSystem,
		Parts:     []models.ContentPart{models.TextPart("Summary of earlier conversation:\n\n" + summary)},
		CreatedAt: time.Now(),
	}
}

// formatForSummary flattens messages into a role-tagged transcript for the
// summarization prompt. Tool payloads are previewed, not inlined; images
// and thinking text are noted by kind only.
func formatForSummary(messages []*models.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		fmt.Fprintf(&sb, "[%s]: ", msg.Role)
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				sb.WriteString(part.Text)
			case models.PartThinking:
				// Reasoning text never enters summaries.
			case models.PartImage:
				sb.WriteString("[image]")
			case models.PartToolCall:
				if part.ToolCall != nil {
					fmt.Fprintf(&sb, "\n  [Tool call %s: %s]",
						part.ToolCall.Name, truncateString(string(part.ToolCall.Input), toolPreviewLen))
				}
			case models.PartToolResult:
				if part.ToolResult != nil {
					fmt.Fprintf(&sb, "\n  [Tool result %s: %s]",
						part.ToolResult.Name, truncateString(part.ToolResult.Content, toolPreviewLen))
				}
			}
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
