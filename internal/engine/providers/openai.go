package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ANTFOR7717/mastraclaw/internal/engine"
)

// Generic is the OpenAI-compatible chat-completions transport. One
// implementation serves every provider whose wire format matches that
// shape; only the base URL, key, and headers differ.
type Generic struct {
	client     *openai.Client
	endpoint   Endpoint
	maxRetries int
	retryDelay time.Duration
}

// headerTransport injects static headers into every request.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewGeneric builds the generic transport. A descriptor missing its base
// URL still constructs; Complete reports the configuration error. A missing
// key is not a construction failure: local endpoints like Ollama are
// keyless, and key-requiring services answer 401 themselves.
func NewGeneric(ep Endpoint) *Generic {
	g := &Generic{
		endpoint:   ep,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
	if ep.BaseURL != "" {
		cfg := openai.DefaultConfig(ep.APIKey)
		cfg.BaseURL = ep.BaseURL
		if len(ep.Headers) > 0 {
			cfg.HTTPClient = &http.Client{Transport: &headerTransport{headers: ep.Headers}}
		}
		g.client = openai.NewClientWithConfig(cfg)
	}
	return g
}

func (p *Generic) Name() string { return p.endpoint.Provider }

func (p *Generic) Complete(ctx context.Context, req *engine.CompletionRequest) (<-chan *engine.CompletionChunk, error) {
	if p.client == nil {
		return nil, engine.NewConfigurationError("base_url",
			fmt.Sprintf("no base URL for provider %q with model API %q", p.endpoint.Provider, p.endpoint.ModelAPI))
	}
	if req.Model == "" {
		return nil, engine.NewConfigurationError("model", "model is required")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertGenericMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertGenericTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err := withRetry(ctx, p.maxRetries, p.retryDelay, engine.IsTransient, func() error {
		var serr error
		stream, serr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if serr != nil {
			return engine.WrapWireError(p.endpoint.Provider, req.Model, serr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *engine.CompletionChunk)
	go p.demux(ctx, stream, chunks, req.Model)
	return chunks, nil
}

// demux reads streamed deltas. Tool calls arrive fragmented: the id and
// name in the first delta for an index, argument JSON spread over the rest.
// Complete calls are emitted once the finish reason or EOF arrives.
func (p *Generic) demux(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *engine.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*engine.ToolCall)
	var pendingOrder []int
	var inputTokens, outputTokens int

	flush := func() {
		for _, idx := range pendingOrder {
			tc := pending[idx]
			if tc == nil || tc.ID == "" || tc.Name == "" {
				continue
			}
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage("{}")
			}
			chunks <- &engine.CompletionChunk{ToolCall: tc}
		}
		pending = make(map[int]*engine.ToolCall)
		pendingOrder = nil
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &engine.CompletionChunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- &engine.CompletionChunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				}
				return
			}
			chunks <- &engine.CompletionChunk{Err: engine.WrapWireError(p.endpoint.Provider, model, err)}
			return
		}

		if resp.Usage != nil {
			inputTokens = resp.Usage.PromptTokens
			outputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			chunks <- &engine.CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if pending[index] == nil {
				pending[index] = &engine.ToolCall{}
				pendingOrder = append(pendingOrder, index)
			}
			if tc.ID != "" {
				pending[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				pending[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pending[index].Input = append(pending[index].Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

// convertGenericMessages injects the system prompt as the leading message
// and expands tool results into one message per result, as the
// chat-completions shape requires.
func convertGenericMessages(messages []engine.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			for _, res := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    res.Content,
					ToolCallID: res.ToolCallID,
				})
			}

		case "assistant":
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, m)

		default:
			m := openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
			if len(msg.Images) > 0 {
				var parts []openai.ChatMessagePart
				if msg.Content != "" {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: msg.Content,
					})
				}
				for _, img := range msg.Images {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: fmt.Sprintf("data:%s;base64,%s",
								img.MimeType, base64.StdEncoding.EncodeToString(img.Data)),
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
				m.Content = ""
				m.MultiContent = parts
			}
			result = append(result, m)
		}
	}
	return result
}

func convertGenericTools(tools []engine.Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Schema(),
			},
		}
	}
	return result
}
