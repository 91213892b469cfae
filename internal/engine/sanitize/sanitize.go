package sanitize

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ANTFOR7717/mastraclaw/internal/engine"
	"github.com/ANTFOR7717/mastraclaw/internal/engine/tokens"
	"github.com/ANTFOR7717/mastraclaw/pkg/models"
)

// Options carries the per-run inputs that are not part of the static policy.
type Options struct {
	// AllowedTools is the set of tool names registered for this run. A nil
	// map skips stale-result removal entirely.
	AllowedTools map[string]struct{}

	// MaxHistoryMessages truncates history to the most recent N messages.
	// Zero disables truncation.
	MaxHistoryMessages int

	// ContextWindowTokens is the model's context window, used for the
	// tool-result budget stage. Zero disables the stage.
	ContextWindowTokens int

	// Estimator estimates tokens for the budget stage. Nil uses the
	// chars/4 heuristic.
	Estimator tokens.Estimator
}

// TruncationMarker is appended to tool results cut down by the budget
// stage. Truncation is never silent.
const TruncationMarker = "\n[truncated]"

// cutAtRune cuts s to at most n bytes, backing up so the cut never splits a
// multi-byte rune.
func cutAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Sanitize runs the pipeline over history and returns a provider-safe copy.
// The input slice and its messages are never mutated. The only error path
// is a TranscriptError from strict turn-ordering validation; every other
// stage repairs rather than raising.
func Sanitize(history []*models.Message, policy Policy, opts Options) ([]*models.Message, error) {
	msgs := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m != nil {
			msgs = append(msgs, m)
		}
	}

	msgs = removeStaleToolParts(msgs, opts.AllowedTools)
	msgs = collapseDanglingUserTurns(msgs)

	if policy.ValidateTurnOrdering {
		var err error
		msgs, err = enforceTurnOrdering(msgs, policy)
		if err != nil {
			return nil, err
		}
	}

	if policy.DropThinking {
		msgs = stripThinking(msgs)
	}

	if policy.SanitizeToolCallIDs && policy.ToolCallIDMode != IDModeNone {
		msgs = normalizeToolCallIDs(msgs, policy.ToolCallIDMode)
	}

	// Truncation first, re-pairing second: a truncation boundary can split
	// a call/result pair and the repair pass cleans that up.
	if opts.MaxHistoryMessages > 0 && len(msgs) > opts.MaxHistoryMessages {
		msgs = msgs[len(msgs)-opts.MaxHistoryMessages:]
	}
	if policy.RepairOrphanPairs {
		msgs = repairOrphanPairs(msgs, policy.AllowSyntheticResults)
	}

	msgs = pruneProcessedImages(msgs)

	if opts.ContextWindowTokens > 0 && policy.ToolResultBudgetShare > 0 {
		est := opts.Estimator
		if est == nil {
			est = tokens.Heuristic{}
		}
		budget := int(float64(opts.ContextWindowTokens) * policy.ToolResultBudgetShare)
		msgs = enforceToolResultBudget(msgs, est, budget)
	}

	return msgs, nil
}

// removeStaleToolParts drops tool call and result parts that reference
// tools no longer registered in this run. Dropping both sides of the pair
// keeps the repair stage from inserting synthetic results for dead tools.
func removeStaleToolParts(msgs []*models.Message, allowed map[string]struct{}) []*models.Message {
	if allowed == nil {
		return msgs
	}
	stale := func(name string) bool {
		if name == "" {
			return false
		}
		_, ok := allowed[name]
		return !ok
	}
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		dirty := false
		for _, p := range msg.Parts {
			if p.Type == models.PartToolCall && p.ToolCall != nil && stale(p.ToolCall.Name) {
				dirty = true
				break
			}
			if p.Type == models.PartToolResult && p.ToolResult != nil && stale(p.ToolResult.Name) {
				dirty = true
				break
			}
		}
		if !dirty {
			out = append(out, msg)
			continue
		}
		clone := msg.Clone()
		kept := clone.Parts[:0]
		for _, p := range clone.Parts {
			if p.Type == models.PartToolCall && p.ToolCall != nil && stale(p.ToolCall.Name) {
				slog.Debug("sanitize: dropping stale tool call", "tool", p.ToolCall.Name)
				continue
			}
			if p.Type == models.PartToolResult && p.ToolResult != nil && stale(p.ToolResult.Name) {
				slog.Debug("sanitize: dropping stale tool result", "tool", p.ToolResult.Name)
				continue
			}
			kept = append(kept, p)
		}
		clone.Parts = kept
		if len(clone.Parts) > 0 {
			out = append(out, clone)
		}
	}
	return out
}

// collapseDanglingUserTurns handles crash recovery: a run that died between
// persisting the user turn and the assistant response leaves a dangling
// user message. Two or more trailing user turns collapse to the last one so
// the provider never sees consecutive user turns from this path.
func collapseDanglingUserTurns(msgs []*models.Message) []*models.Message {
	i := len(msgs)
	for i > 0 && msgs[i-1].Role == models.RoleUser {
		i--
	}
	trailing := len(msgs) - i
	if trailing <= 1 {
		return msgs
	}
	slog.Debug("sanitize: collapsing dangling user turns", "dropped", trailing-1)
	out := make([]*models.Message, 0, i+1)
	out = append(out, msgs[:i]...)
	out = append(out, msgs[len(msgs)-1])
	return out
}

// enforceTurnOrdering merges or rejects consecutive same-role messages.
func enforceTurnOrdering(msgs []*models.Message, policy Policy) ([]*models.Message, error) {
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if len(out) == 0 || out[len(out)-1].Role != msg.Role {
			out = append(out, msg)
			continue
		}
		if policy.TurnOrderingAction == TurnOrderingFail {
			return nil, &engine.TranscriptError{
				Provider: policy.Provider,
				Message:  fmt.Sprintf("consecutive %s turns", msg.Role),
			}
		}
		prev := out[len(out)-1].Clone()
		prev.Parts = append(prev.Parts, msg.Parts...)
		out[len(out)-1] = prev
	}
	return out, nil
}

// stripThinking removes reasoning parts from assistant messages.
func stripThinking(msgs []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role != models.RoleAssistant || !msg.HasThinking() {
			out = append(out, msg)
			continue
		}
		clone := msg.Clone()
		kept := clone.Parts[:0]
		for _, p := range clone.Parts {
			if p.Type == models.PartThinking {
				continue
			}
			kept = append(kept, p)
		}
		clone.Parts = kept
		if len(clone.Parts) > 0 {
			out = append(out, clone)
		}
	}
	return out
}

var idDisallowed = regexp.MustCompile(`[^A-Za-z0-9_-]`)

const maxToolCallIDLen = 64

func idOutOfFormat(id string) bool {
	return idDisallowed.MatchString(id) || len(id) > maxToolCallIDLen
}

// normalizeToolCallIDs rewrites ids to the policy format, keeping each
// call/result pair consistent through a shared mapping. Collisions after
// normalization get a numeric suffix.
func normalizeToolCallIDs(msgs []*models.Message, mode IDMode) []*models.Message {
	if mode != IDModeAlphanumeric {
		return msgs
	}

	mapping := make(map[string]string)
	used := make(map[string]struct{})

	normalize := func(id string) string {
		if id == "" {
			return id
		}
		if mapped, ok := mapping[id]; ok {
			return mapped
		}
		clean := idDisallowed.ReplaceAllString(id, "")
		if clean == "" {
			clean = "call"
		}
		if len(clean) > maxToolCallIDLen {
			clean = clean[:maxToolCallIDLen]
		}
		candidate := clean
		for n := 1; ; n++ {
			if _, taken := used[candidate]; !taken {
				break
			}
			suffix := fmt.Sprintf("_%d", n)
			trimmed := clean
			if len(trimmed)+len(suffix) > maxToolCallIDLen {
				trimmed = trimmed[:maxToolCallIDLen-len(suffix)]
			}
			candidate = trimmed + suffix
		}
		mapping[id] = candidate
		used[candidate] = struct{}{}
		return candidate
	}

	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		needsRewrite := false
		for _, p := range msg.Parts {
			if p.Type == models.PartToolCall && p.ToolCall != nil && idOutOfFormat(p.ToolCall.ID) {
				needsRewrite = true
			}
			if p.Type == models.PartToolResult && p.ToolResult != nil && idOutOfFormat(p.ToolResult.ToolCallID) {
				needsRewrite = true
			}
		}
		// Pre-seed the mapping in document order even when untouched, so a
		// later result referencing an already-clean id stays consistent.
		for _, p := range msg.Parts {
			if p.Type == models.PartToolCall && p.ToolCall != nil {
				normalize(p.ToolCall.ID)
			}
		}
		if !needsRewrite {
			out = append(out, msg)
			continue
		}
		clone := msg.Clone()
		for i := range clone.Parts {
			p := &clone.Parts[i]
			if p.Type == models.PartToolCall && p.ToolCall != nil {
				p.ToolCall.ID = normalize(p.ToolCall.ID)
			}
			if p.Type == models.PartToolResult && p.ToolResult != nil {
				p.ToolResult.ToolCallID = normalize(p.ToolResult.ToolCallID)
			}
		}
		out = append(out, clone)
	}
	return out
}

// repairOrphanPairs drops tool results without a matching call in the
// immediately preceding assistant turn, and patches calls without a result:
// synthetic error results when allowed, otherwise the call part is dropped.
func repairOrphanPairs(msgs []*models.Message, allowSynthetic bool) []*models.Message {
	// First pass: which call ids have a result, which results have a call.
	pending := make(map[string]string) // call id -> tool name, unresolved
	resolved := make(map[string]struct{})
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleAssistant:
			pending = make(map[string]string)
			for _, call := range msg.ToolCalls() {
				if call.ID != "" {
					pending[call.ID] = call.Name
				}
			}
		case models.RoleTool:
			for _, res := range msg.ToolResults() {
				if _, ok := pending[res.ToolCallID]; ok {
					resolved[res.ToolCallID] = struct{}{}
					delete(pending, res.ToolCallID)
				}
			}
		}
	}

	syntheticPart := func(call models.ToolCall) models.ContentPart {
		return models.ToolResultPart(models.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    "Missing tool result in session history; synthetic error result inserted during transcript repair.",
			IsError:    true,
			Synthetic:  true,
		})
	}

	out := make([]*models.Message, 0, len(msgs))
	live := make(map[string]struct{})  // call ids emitted by the preceding assistant turn
	var carry []models.ContentPart     // synthetic results waiting for the adjacent tool turn
	for i, msg := range msgs {
		switch msg.Role {
		case models.RoleAssistant:
			live = make(map[string]struct{})
			carry = nil
			clone := msg
			var orphanCalls []models.ToolCall
			for _, call := range msg.ToolCalls() {
				if _, ok := resolved[call.ID]; !ok {
					orphanCalls = append(orphanCalls, *call)
				}
			}
			if len(orphanCalls) > 0 && !allowSynthetic {
				clone = msg.Clone()
				kept := clone.Parts[:0]
				for _, p := range clone.Parts {
					if p.Type == models.PartToolCall && p.ToolCall != nil {
						if _, ok := resolved[p.ToolCall.ID]; !ok {
							slog.Debug("sanitize: dropping orphan tool call", "id", p.ToolCall.ID)
							continue
						}
					}
					kept = append(kept, p)
				}
				clone.Parts = kept
				if len(clone.Parts) == 0 {
					continue
				}
			}
			for _, call := range clone.ToolCalls() {
				live[call.ID] = struct{}{}
			}
			out = append(out, clone)
			if len(orphanCalls) > 0 && allowSynthetic {
				for _, call := range orphanCalls {
					carry = append(carry, syntheticPart(call))
					resolved[call.ID] = struct{}{}
					live[call.ID] = struct{}{}
				}
				// Fold into the adjacent tool turn when there is one, so
				// turn-ordering merge never reshapes this on a later pass.
				if i+1 >= len(msgs) || msgs[i+1].Role != models.RoleTool {
					out = append(out, &models.Message{
						ID:        uuid.NewString(),
						Role:      models.RoleTool,
						Parts:     carry,
						CreatedAt: time.Now(),
					})
					carry = nil
				}
			}

		case models.RoleTool:
			orphan := false
			for _, res := range msg.ToolResults() {
				if _, ok := live[res.ToolCallID]; !ok {
					orphan = true
				}
			}
			if !orphan && carry == nil {
				out = append(out, msg)
				continue
			}
			clone := msg.Clone()
			kept := clone.Parts[:0]
			for _, p := range clone.Parts {
				if p.Type == models.PartToolResult && p.ToolResult != nil {
					if _, ok := live[p.ToolResult.ToolCallID]; !ok {
						slog.Debug("sanitize: dropping orphan tool result", "id", p.ToolResult.ToolCallID)
						continue
					}
				}
				kept = append(kept, p)
			}
			clone.Parts = append(kept, carry...)
			carry = nil
			if len(clone.Parts) > 0 {
				out = append(out, clone)
			}

		default:
			out = append(out, msg)
		}
	}
	return out
}

// pruneProcessedImages strips image payloads from user turns that have
// already been answered, leaving a placeholder so part ordering survives.
func pruneProcessedImages(msgs []*models.Message) []*models.Message {
	lastUser := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			lastUser = i
			break
		}
	}

	out := make([]*models.Message, 0, len(msgs))
	for i, msg := range msgs {
		if i == lastUser || msg.Role != models.RoleUser {
			out = append(out, msg)
			continue
		}
		dirty := false
		for _, p := range msg.Parts {
			if p.Type == models.PartImage && p.Image != nil && !p.Image.Placeholder {
				dirty = true
				break
			}
		}
		if !dirty {
			out = append(out, msg)
			continue
		}
		clone := msg.Clone()
		for j := range clone.Parts {
			p := &clone.Parts[j]
			if p.Type == models.PartImage && p.Image != nil && !p.Image.Placeholder {
				p.Image.Data = nil
				p.Image.Placeholder = true
			}
		}
		out = append(out, clone)
	}
	return out
}

// enforceToolResultBudget truncates any single tool result above the token
// budget to a byte ceiling, always with a visible marker.
func enforceToolResultBudget(msgs []*models.Message, est tokens.Estimator, budgetTokens int) []*models.Message {
	if budgetTokens <= 0 {
		return msgs
	}
	maxBytes := budgetTokens * tokens.CharsPerToken

	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		oversized := false
		for _, res := range msg.ToolResults() {
			if est.EstimateText(res.Content) > budgetTokens && len(res.Content) > maxBytes {
				oversized = true
				break
			}
		}
		if !oversized {
			out = append(out, msg)
			continue
		}
		clone := msg.Clone()
		for i := range clone.Parts {
			p := &clone.Parts[i]
			if p.Type != models.PartToolResult || p.ToolResult == nil {
				continue
			}
			res := p.ToolResult
			if est.EstimateText(res.Content) <= budgetTokens || len(res.Content) <= maxBytes {
				continue
			}
			cut := maxBytes - len(TruncationMarker)
			if cut < 0 {
				cut = 0
			}
			slog.Warn("sanitize: truncating oversized tool result",
				"tool", res.Name, "bytes", len(res.Content), "ceiling", maxBytes)
			res.Content = cutAtRune(res.Content, cut) + TruncationMarker
		}
		out = append(out, clone)
	}
	return out
}
