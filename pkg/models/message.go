// Package models defines the provider-agnostic message model shared by the
// engine adapter, the sanitizer, and the session stores. Everything upstream
// of the wire transports speaks in these types.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// PartType tags a ContentPart variant.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartThinking   PartType = "thinking"
)

// Message is one turn in a conversation. Content is an ordered list of
// parts; ordering is load-bearing (image placeholders and tool call/result
// pairing both index into it).
//
// System messages never enter an engine message list. The translator hoists
// them into the request's instructions field instead.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Role      Role           `json:"role"`
	Parts     []ContentPart  `json:"parts"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ContentPart is a tagged union. Exactly the field matching Type is set;
// Text doubles as the payload for both text and thinking parts.
type ContentPart struct {
	Type       PartType    `json:"type"`
	Text       string      `json:"text,omitempty"`
	Image      *ImagePart  `json:"image,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ImagePart carries raw image bytes. Data survives translation exactly; the
// sanitizer may replace an already-answered image with a placeholder, but
// never silently drops the slot it occupied.
type ImagePart struct {
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type"`

	// Placeholder marks an image whose bytes were pruned from history.
	Placeholder bool `json:"placeholder,omitempty"`
}

// ToolCall is an assistant's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool execution. Synthetic results are
// inserted by transcript repair for calls whose real result was lost.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	Synthetic  bool   `json:"synthetic,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ThinkingPart builds a reasoning content part. Thinking parts are persisted
// but dropped on translation to the engine.
func ThinkingPart(text string) ContentPart {
	return ContentPart{Type: PartThinking, Text: text}
}

// ImageContentPart builds an image content part.
func ImageContentPart(data []byte, mimeType string) ContentPart {
	return ContentPart{Type: PartImage, Image: &ImagePart{Data: data, MimeType: mimeType}}
}

// ToolCallPart builds a tool call content part.
func ToolCallPart(call ToolCall) ContentPart {
	c := call
	return ContentPart{Type: PartToolCall, ToolCall: &c}
}

// ToolResultPart builds a tool result content part.
func ToolResultPart(result ToolResult) ContentPart {
	r := result
	return ContentPart{Type: PartToolResult, ToolResult: &r}
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(role Role, text string) *Message {
	return &Message{
		Role:      role,
		Parts:     []ContentPart{TextPart(text)},
		CreatedAt: time.Now(),
	}
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCalls returns the tool call parts in order.
func (m *Message) ToolCalls() []*ToolCall {
	if m == nil {
		return nil
	}
	var calls []*ToolCall
	for i := range m.Parts {
		if m.Parts[i].Type == PartToolCall && m.Parts[i].ToolCall != nil {
			calls = append(calls, m.Parts[i].ToolCall)
		}
	}
	return calls
}

// ToolResults returns the tool result parts in order.
func (m *Message) ToolResults() []*ToolResult {
	if m == nil {
		return nil
	}
	var results []*ToolResult
	for i := range m.Parts {
		if m.Parts[i].Type == PartToolResult && m.Parts[i].ToolResult != nil {
			results = append(results, m.Parts[i].ToolResult)
		}
	}
	return results
}

// HasThinking reports whether any part is a thinking part.
func (m *Message) HasThinking() bool {
	if m == nil {
		return false
	}
	for _, p := range m.Parts {
		if p.Type == PartThinking {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Stores hand out clones so callers can mutate
// freely without racing persisted history.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Parts = make([]ContentPart, len(m.Parts))
	for i, p := range m.Parts {
		cp := p
		if p.Image != nil {
			img := *p.Image
			img.Data = append([]byte(nil), p.Image.Data...)
			cp.Image = &img
		}
		if p.ToolCall != nil {
			tc := *p.ToolCall
			tc.Input = append(json.RawMessage(nil), p.ToolCall.Input...)
			cp.ToolCall = &tc
		}
		if p.ToolResult != nil {
			tr := *p.ToolResult
			cp.ToolResult = &tr
		}
		clone.Parts[i] = cp
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
