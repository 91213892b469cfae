package models

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestContentPartTagging(t *testing.T) {
	msg := &Message{
		Role: RoleAssistant,
		Parts: []ContentPart{
			TextPart("checking the file"),
			ToolCallPart(ToolCall{ID: "c1", Name: "read_file", Input: json.RawMessage(`{"path":"/tmp/x"}`)}),
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(decoded.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(decoded.Parts))
	}
	if decoded.Parts[0].Type != PartText || decoded.Parts[0].Text != "checking the file" {
		t.Errorf("text part mangled: %+v", decoded.Parts[0])
	}
	if decoded.Parts[1].Type != PartToolCall || decoded.Parts[1].ToolCall.ID != "c1" {
		t.Errorf("tool call part mangled: %+v", decoded.Parts[1])
	}
}

func TestMessageAccessors(t *testing.T) {
	msg := &Message{
		Role: RoleAssistant,
		Parts: []ContentPart{
			ThinkingPart("hmm"),
			TextPart("part one "),
			TextPart("part two"),
			ToolCallPart(ToolCall{ID: "c1", Name: "exec"}),
		},
	}

	if got := msg.Text(); got != "part one part two" {
		t.Errorf("Text() = %q", got)
	}
	if calls := msg.ToolCalls(); len(calls) != 1 || calls[0].ID != "c1" {
		t.Errorf("ToolCalls() = %+v", calls)
	}
	if !msg.HasThinking() {
		t.Error("HasThinking() = false, want true")
	}
}

func TestCloneIsDeep(t *testing.T) {
	img := []byte{0x89, 0x50, 0x4e, 0x47}
	msg := &Message{
		Role: RoleUser,
		Parts: []ContentPart{
			ImageContentPart(img, "image/png"),
			ToolCallPart(ToolCall{ID: "c1", Name: "t", Input: json.RawMessage(`{}`)}),
		},
		Metadata: map[string]any{"k": "v"},
	}

	clone := msg.Clone()
	clone.Parts[0].Image.Data[0] = 0xff
	clone.Parts[1].ToolCall.Input[0] = 'x'
	clone.Metadata["k"] = "changed"

	if !bytes.Equal(msg.Parts[0].Image.Data, img) {
		t.Error("clone shares image bytes with original")
	}
	if string(msg.Parts[1].ToolCall.Input) != "{}" {
		t.Error("clone shares tool input with original")
	}
	if msg.Metadata["k"] != "v" {
		t.Error("clone shares metadata with original")
	}
}
