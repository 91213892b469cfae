package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/ANTFOR7717/mastraclaw/internal/engine"
)

// minThinkingBudget is the smallest budget the messages API accepts.
const minThinkingBudget = 1024

// maxEmptyStreamEvents bounds consecutive no-op SSE events before the
// stream is treated as malformed.
const maxEmptyStreamEvents = 300

// Anthropic is the native messages-API transport.
type Anthropic struct {
	client     anthropic.Client
	provider   string
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropic builds the native Anthropic transport for an endpoint.
func NewAnthropic(ep Endpoint) *Anthropic {
	opts := []option.RequestOption{}
	if ep.APIKey != "" {
		opts = append(opts, option.WithAPIKey(ep.APIKey))
	}
	if ep.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(ep.BaseURL))
	}
	for k, v := range ep.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	provider := ep.Provider
	if provider == "" {
		provider = "anthropic"
	}
	return &Anthropic{
		client:     anthropic.NewClient(opts...),
		provider:   provider,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
}

func (p *Anthropic) Name() string { return p.provider }

// Complete issues a streaming messages call. Stream setup is retried with
// backoff for transient failures; events are demuxed into chunks.
func (p *Anthropic) Complete(ctx context.Context, req *engine.CompletionRequest) (<-chan *engine.CompletionChunk, error) {
	if req.Model == "" {
		return nil, engine.NewConfigurationError("model", "model is required")
	}

	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *engine.CompletionChunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		err := withRetry(ctx, p.maxRetries, p.retryDelay, engine.IsTransient, func() error {
			stream = p.client.Messages.NewStreaming(ctx, params)
			if serr := stream.Err(); serr != nil {
				return engine.WrapWireError(p.provider, req.Model, serr)
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				chunks <- &engine.CompletionChunk{Err: ctx.Err()}
				return
			}
			chunks <- &engine.CompletionChunk{Err: err}
			return
		}

		p.demux(stream, chunks, req.Model)
	}()
	return chunks, nil
}

func (p *Anthropic) buildParams(req *engine.CompletionRequest) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	if budget := engine.ThinkingBudget(req.Thinking); budget > 0 {
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
	}

	return params, nil
}

// demux converts the SSE event stream into completion chunks. Tool input
// JSON arrives fragmented across delta events and is accumulated until the
// block closes.
func (p *Anthropic) demux(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *engine.CompletionChunk, model string) {
	var currentToolCall *engine.ToolCall
	var currentToolInput strings.Builder
	emptyEvents := 0

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &engine.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &engine.CompletionChunk{Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &engine.CompletionChunk{Thinking: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				chunks <- &engine.CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- &engine.CompletionChunk{
				Done:         true,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}
			return

		case "error":
			chunks <- &engine.CompletionChunk{
				Err: engine.WrapWireError(p.provider, model, fmt.Errorf("stream error event")),
			}
			return
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			chunks <- &engine.CompletionChunk{
				Err: engine.WrapWireError(p.provider, model,
					fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents)),
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &engine.CompletionChunk{Err: engine.WrapWireError(p.provider, model, err)}
	}
}

// convertAnthropicMessages maps engine messages onto content-block params.
// The tool role folds into user, matching how the messages API expects
// results to arrive.
func convertAnthropicMessages(messages []engine.CompletionMessage) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, img := range msg.Images {
			content = append(content, anthropic.NewImageBlockBase64(
				img.MimeType, base64.StdEncoding.EncodeToString(img.Data)))
		}
		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Input, &input); err != nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result
}

func convertAnthropicTools(tools []engine.Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		raw, err := json.Marshal(tool.Schema())
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name(), err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name())
		}
		param.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, param)
	}
	return result, nil
}
