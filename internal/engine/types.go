// Package engine defines the execution-engine contract the adapter targets.
//
// A Provider is one wire transport (Anthropic messages API, an
// OpenAI-compatible endpoint, Gemini). All transports present the same
// streaming interface: Complete sends one request and delivers the response
// incrementally as CompletionChunk values on a channel. The run controller
// loops over that channel, executes tools, and re-issues requests until the
// model stops asking for tools.
//
// Thread safety: implementations must be safe for concurrent use. Each
// Complete call owns an independent stream and goroutine.
package engine

import (
	"context"
	"encoding/json"
)

// Provider is a streaming LLM transport.
type Provider interface {
	// Complete sends a request and returns a channel of response chunks.
	// The channel is closed when the stream ends. Errors during streaming
	// arrive as a chunk with Err set; Complete itself only fails when the
	// request cannot be issued at all.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the transport identifier for logging and metrics.
	Name() string
}

// CompletionRequest carries everything for one model call.
type CompletionRequest struct {
	// Model is the target model identifier.
	Model string `json:"model"`

	// System is the hoisted instructions text. Never part of Messages;
	// each transport places it where its API expects.
	System string `json:"system,omitempty"`

	// Messages is the sanitized, translated conversation history.
	Messages []CompletionMessage `json:"messages"`

	// Tools are the adapted tool declarations, if any.
	Tools []Tool `json:"-"`

	// MaxTokens caps the response length. Zero means transport default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Thinking selects the extended-reasoning budget for transports that
	// support it; others ignore it.
	Thinking ThinkingLevel `json:"thinking,omitempty"`
}

// CompletionMessage is the engine-level message shape: a flat role plus
// text, images, tool calls, and tool results. This is deliberately the
// lowest common denominator of the three wire formats; the translator maps
// the richer part-ordered model form into it.
type CompletionMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	Images      []ImageBlock `json:"images,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ImageBlock is an inline image in an engine message.
type ImageBlock struct {
	Data     []byte `json:"data"`
	MimeType string `json:"mime_type"`
}

// ToolCall mirrors models.ToolCall at the engine boundary.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult mirrors models.ToolResult at the engine boundary.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// CompletionChunk is one increment of a streaming response.
type CompletionChunk struct {
	// Text is incremental assistant text.
	Text string `json:"text,omitempty"`

	// Thinking is incremental reasoning text for transports that stream it.
	Thinking string `json:"thinking,omitempty"`

	// ToolCall is a complete tool invocation request. Transports accumulate
	// partial argument fragments internally and emit only whole calls.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Done marks successful stream completion. InputTokens/OutputTokens are
	// only populated on the Done chunk when the transport reports usage.
	Done         bool `json:"done,omitempty"`
	InputTokens  int  `json:"input_tokens,omitempty"`
	OutputTokens int  `json:"output_tokens,omitempty"`

	// Err terminates the stream.
	Err error `json:"-"`
}

// Tool is an executable tool as the engine sees it.
type Tool interface {
	// Name returns the dispatch key. Unique within one run's tool set.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters as a plain
	// map, ready for any of the wire transports.
	Schema() map[string]any

	// Execute runs the tool. Implementations never return an error for
	// tool-level failures; those are folded into the result text so the
	// model can react. An error return aborts the run.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// ToolDefinition is the internal, pre-adaptation description of a tool.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      any // *schema.Schema; typed as any to avoid an import cycle
	Execute     func(ctx context.Context, input json.RawMessage) (any, error)
}

// ThinkingLevel configures extended-reasoning depth.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

var thinkingBudgets = map[ThinkingLevel]int{
	ThinkingOff:    0,
	ThinkingLow:    4096,
	ThinkingMedium: 16384,
	ThinkingHigh:   65536,
}

// ThinkingBudget returns the token budget for a level. Unknown levels map
// to zero (off).
func ThinkingBudget(level ThinkingLevel) int {
	return thinkingBudgets[level]
}
