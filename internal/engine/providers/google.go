package providers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/ANTFOR7717/mastraclaw/internal/engine"
)

// Gemini is the native Gemini transport. Its wire format carries content
// as role-tagged parts and identifies function calls by name only, so tool
// call ids are generated locally.
type Gemini struct {
	client     *genai.Client
	provider   string
	maxRetries int
	retryDelay time.Duration
}

// NewGemini builds the native Gemini transport for an endpoint.
func NewGemini(ep Endpoint) (*Gemini, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  ep.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, engine.WrapWireError(ep.Provider, "", err)
	}
	provider := ep.Provider
	if provider == "" {
		provider = "google"
	}
	return &Gemini{
		client:     client,
		provider:   provider,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}, nil
}

func (p *Gemini) Name() string { return p.provider }

func (p *Gemini) Complete(ctx context.Context, req *engine.CompletionRequest) (<-chan *engine.CompletionChunk, error) {
	if req.Model == "" {
		return nil, engine.NewConfigurationError("model", "model is required")
	}

	chunks := make(chan *engine.CompletionChunk)
	go func() {
		defer close(chunks)

		contents := convertGeminiMessages(req.Messages)
		config := p.buildConfig(req)

		// Retry covers stream setup only: once a chunk has reached the
		// consumer, a replay would duplicate already-delivered deltas.
		var inputTokens, outputTokens int
		delivered := false
		retryable := func(err error) bool { return !delivered && engine.IsTransient(err) }
		err := withRetry(ctx, p.maxRetries, p.retryDelay, retryable, func() error {
			in, out, serr := p.stream(ctx, req.Model, contents, config, chunks, &delivered)
			if serr != nil {
				return engine.WrapWireError(p.provider, req.Model, serr)
			}
			inputTokens, outputTokens = in, out
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

		chunks <- &engine.CompletionChunk{
			Done:         true,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		}
	}()
	return chunks, nil
}

func (p *Gemini) stream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, chunks chan<- *engine.CompletionChunk, delivered *bool) (int, int, error) {
	var inputTokens, outputTokens int

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		default:
		}
		if err != nil {
			return 0, 0, err
		}
		if resp == nil {
			continue
		}
		if resp.UsageMetadata != nil {
			inputTokens = int(resp.UsageMetadata.PromptTokenCount)
			outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					*delivered = true
					if part.Thought {
						chunks <- &engine.CompletionChunk{Thinking: part.Text}
					} else {
						chunks <- &engine.CompletionChunk{Text: part.Text}
					}
				}
				if part.FunctionCall != nil {
					args, jerr := json.Marshal(part.FunctionCall.Args)
					if jerr != nil {
						args = []byte("{}")
					}
					*delivered = true
					chunks <- &engine.CompletionChunk{ToolCall: &engine.ToolCall{
						ID:    "call_" + uuid.NewString(),
						Name:  part.FunctionCall.Name,
						Input: args,
					}}
				}
			}
		}
	}
	return inputTokens, outputTokens, nil
}

func (p *Gemini) buildConfig(req *engine.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGeminiTools(req.Tools)
	}
	if budget := engine.ThinkingBudget(req.Thinking); budget > 0 {
		b := int32(budget)
		config.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &b}
	}
	return config
}

// convertGeminiMessages maps engine messages to role-tagged parts. System
// stays out of the list; function results need the tool name because the
// wire format has no call ids.
func convertGeminiMessages(messages []engine.CompletionMessage) []*genai.Content {
	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == "assistant" {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, img := range msg.Images {
			content.Parts = append(content.Parts, &genai.Part{
				InlineData: &genai.Blob{Data: img.Data, MIMEType: img.MimeType},
			})
		}
		for _, call := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(call.Input, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: call.Name, Args: args},
			})
		}
		for _, res := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(res.Content), &response); err != nil {
				response = map[string]any{"result": res.Content, "error": res.IsError}
			}
			name := res.Name
			if name == "" {
				name = toolNameFromCalls(res.ToolCallID, messages)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: name, Response: response},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func toolNameFromCalls(toolCallID string, messages []engine.CompletionMessage) string {
	for _, msg := range messages {
		for _, call := range msg.ToolCalls {
			if call.ID == toolCallID {
				return call.Name
			}
		}
	}
	return strings.TrimPrefix(toolCallID, "call_")
}

func convertGeminiTools(tools []engine.Tool) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  toGeminiSchema(tool.Schema()),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's typed schema.
// Unrepresentable constructs are dropped rather than failing the call.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if required, ok := schemaMap["required"].([]string); ok {
		schema.Required = append(schema.Required, required...)
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}

	return schema
}
