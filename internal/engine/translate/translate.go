// Package translate converts between the part-ordered session message model
// and the flat engine message representation the wire transports consume.
//
// Two documented fidelity losses:
//
//   - System messages never appear in the engine message list. ToEngine
//     hoists their text into the returned instructions string; callers pass
//     it as the request's System field.
//   - Thinking parts are dropped. Several providers reject echoed reasoning
//     blocks in follow-up turns, so the conservative choice is to never
//     replay them.
//
// Within one message the engine form is flat (text, then images, then tool
// calls, then tool results); a message whose parts interleave differently
// comes back in that canonical order. The run controller only ever produces
// canonical messages, so this is lossless in practice.
package translate

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ANTFOR7717/mastraclaw/internal/engine"
	"github.com/ANTFOR7717/mastraclaw/pkg/models"
)

// ToEngine converts history into engine messages plus the hoisted system
// instructions. The input is not mutated.
func ToEngine(history []*models.Message) ([]engine.CompletionMessage, string) {
	var out []engine.CompletionMessage
	var instructions []string

	for _, msg := range history {
		if msg == nil {
			continue
		}
		if msg.Role == models.RoleSystem {
			if text := msg.Text(); text != "" {
				instructions = append(instructions, text)
			}
			continue
		}

		em := engine.CompletionMessage{Role: string(msg.Role)}
		var text strings.Builder

		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				text.WriteString(part.Text)

			case models.PartThinking:
				slog.Debug("translate: dropping thinking part", "role", string(msg.Role))

			case models.PartImage:
				if part.Image == nil {
					continue
				}
				if part.Image.Placeholder {
					// Pruned images travel as their marker text so the part
					// slot stays visible to the model.
					text.WriteString(ImagePlaceholder)
					continue
				}
				em.Images = append(em.Images, engine.ImageBlock{
					Data:     part.Image.Data,
					MimeType: part.Image.MimeType,
				})

			case models.PartToolCall:
				if part.ToolCall == nil {
					continue
				}
				call := engine.ToolCall{
					ID:    part.ToolCall.ID,
					Name:  part.ToolCall.Name,
					Input: part.ToolCall.Input,
				}
				if call.ID == "" {
					// Downstream pairing indexes by id; never leave it empty.
					call.ID = "call_" + uuid.NewString()
				}
				em.ToolCalls = append(em.ToolCalls, call)

			case models.PartToolResult:
				if part.ToolResult == nil {
					continue
				}
				em.ToolResults = append(em.ToolResults, engine.ToolResult{
					ToolCallID: part.ToolResult.ToolCallID,
					Name:       part.ToolResult.Name,
					Content:    part.ToolResult.Content,
					IsError:    part.ToolResult.IsError,
				})
			}
		}

		em.Content = text.String()
		out = append(out, em)
	}

	return out, strings.Join(instructions, "\n\n")
}

// ImagePlaceholder replaces pruned image bytes in outgoing text.
const ImagePlaceholder = "[image omitted]"

// FromEngine converts an engine message back into the session model form.
// Returns false for message kinds the model cannot represent (currently raw
// system messages, which should have been hoisted before they ever reached
// the engine boundary).
func FromEngine(em engine.CompletionMessage) (*models.Message, bool) {
	role := models.Role(em.Role)
	switch role {
	case models.RoleUser, models.RoleAssistant, models.RoleTool:
	default:
		return nil, false
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		Role:      role,
		CreatedAt: time.Now(),
	}

	if em.Content != "" {
		msg.Parts = append(msg.Parts, models.TextPart(em.Content))
	}
	for _, img := range em.Images {
		msg.Parts = append(msg.Parts, models.ImageContentPart(img.Data, img.MimeType))
	}
	for _, call := range em.ToolCalls {
		msg.Parts = append(msg.Parts, models.ToolCallPart(models.ToolCall{
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Input,
		}))
	}
	for _, result := range em.ToolResults {
		msg.Parts = append(msg.Parts, models.ToolResultPart(models.ToolResult{
			ToolCallID: result.ToolCallID,
			Name:       result.Name,
			Content:    result.Content,
			IsError:    result.IsError,
		}))
	}

	return msg, true
}
