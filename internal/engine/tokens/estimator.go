// Package tokens estimates token counts for context-budget decisions.
package tokens

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ANTFOR7717/mastraclaw/pkg/models"
)

// CharsPerToken is the heuristic character-to-token ratio used when no
// encoder is available. Matches the estimate the rest of the ecosystem uses
// for budget math.
const CharsPerToken = 4

// Estimator estimates token counts for text.
type Estimator interface {
	EstimateText(text string) int
}

// Heuristic estimates tokens as ceil(len/4). Deterministic and offline;
// tests and budget enforcement default to it.
type Heuristic struct{}

func (Heuristic) EstimateText(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// Encoder wraps a tiktoken encoding, falling back to the heuristic when the
// encoding cannot be loaded (tiktoken fetches BPE tables lazily; offline
// hosts keep working on the heuristic).
type Encoder struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEncoder returns an Encoder for cl100k_base.
func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) EstimateText(text string) int {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokens: tiktoken unavailable, using heuristic", "error", err)
			return
		}
		e.enc = enc
	})
	if e.enc == nil {
		return Heuristic{}.EstimateText(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

// EstimateMessage estimates tokens across a message's parts. Image bytes
// count at the heuristic byte rate; providers bill images separately but
// this keeps budget math conservative.
func EstimateMessage(est Estimator, msg *models.Message) int {
	if msg == nil {
		return 0
	}
	total := 0
	for _, p := range msg.Parts {
		switch p.Type {
		case models.PartText, models.PartThinking:
			total += est.EstimateText(p.Text)
		case models.PartImage:
			if p.Image != nil {
				total += len(p.Image.Data) / CharsPerToken
			}
		case models.PartToolCall:
			if p.ToolCall != nil {
				total += est.EstimateText(p.ToolCall.Name)
				total += est.EstimateText(string(p.ToolCall.Input))
			}
		case models.PartToolResult:
			if p.ToolResult != nil {
				total += est.EstimateText(p.ToolResult.Content)
			}
		}
	}
	return total
}

// EstimateMessages sums EstimateMessage over a history.
func EstimateMessages(est Estimator, msgs []*models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(est, m)
	}
	return total
}
