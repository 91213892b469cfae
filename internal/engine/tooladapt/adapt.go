// Package tooladapt bridges internal tool definitions to the engine's Tool
// contract: schema translation, result serialization, panic containment,
// and an output ceiling.
package tooladapt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	"github.com/ANTFOR7717/mastraclaw/internal/engine"
	"github.com/ANTFOR7717/mastraclaw/internal/engine/schema"
)

// MaxOutputBytes caps a single serialized tool output. This ceiling is
// independent of the transcript sanitizer's per-result budget; it bounds
// what a runaway tool can hand back at the source.
const MaxOutputBytes = 200_000

const truncateSuffix = "...[truncated]"

type adaptedTool struct {
	def    engine.ToolDefinition
	schema map[string]any
}

// Adapt wraps one definition as an engine.Tool. The wrapper never lets a
// tool failure abort the run: execution errors and panics come back as
// "Error: " result text the model can read and react to.
func Adapt(def engine.ToolDefinition) engine.Tool {
	return &adaptedTool{def: def, schema: translateSchema(def.Schema)}
}

// AdaptAll adapts a set of definitions, skipping entries no transport
// could declare: empty names and duplicate names (first wins).
func AdaptAll(defs []engine.ToolDefinition) []engine.Tool {
	out := make([]engine.Tool, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			slog.Warn("tooladapt: skipping tool with empty name")
			continue
		}
		if _, dup := seen[def.Name]; dup {
			slog.Warn("tooladapt: skipping duplicate tool", "name", def.Name)
			continue
		}
		seen[def.Name] = struct{}{}
		out = append(out, Adapt(def))
	}
	return out
}

func (t *adaptedTool) Name() string        { return t.def.Name }
func (t *adaptedTool) Description() string { return t.def.Description }

func (t *adaptedTool) Schema() map[string]any { return t.schema }

func (t *adaptedTool) Execute(ctx context.Context, input json.RawMessage) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tooladapt: tool panicked",
				"tool", t.def.Name, "panic", r, "stack", string(debug.Stack()))
			out = fmt.Sprintf("Error: tool %s panicked: %v", t.def.Name, r)
			err = nil
		}
	}()

	if t.def.Execute == nil {
		return fmt.Sprintf("Error: tool %s has no executor", t.def.Name), nil
	}

	result, execErr := t.def.Execute(ctx, input)
	if execErr != nil {
		// Context cancellation is a run-level event, not a tool failure.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "Error: " + execErr.Error(), nil
	}

	text, serErr := serializeResult(result)
	if serErr != nil {
		return "Error: " + serErr.Error(), nil
	}
	if len(text) > MaxOutputBytes {
		slog.Warn("tooladapt: truncating tool output",
			"tool", t.def.Name, "bytes", len(text), "ceiling", MaxOutputBytes)
		cut := MaxOutputBytes - len(truncateSuffix)
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + truncateSuffix
	}
	return text, nil
}

// translateSchema accepts the shapes tool authors actually hand us.
func translateSchema(s any) map[string]any {
	switch v := s.(type) {
	case nil:
		return schema.EmptyObject()
	case *schema.Schema:
		return schema.Translate(v)
	case map[string]any:
		return v
	default:
		slog.Warn("tooladapt: unrecognized schema type, accepting any input",
			"type", fmt.Sprintf("%T", s))
		return schema.EmptyObject()
	}
}

// serializeResult flattens whatever a tool returned into result text:
// strings pass through, string slices join, nil is empty, everything else
// marshals to JSON.
func serializeResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []string:
		return strings.Join(v, "\n"), nil
	case fmt.Stringer:
		return v.String(), nil
	case []byte:
		return string(v), nil
	case error:
		return "", v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("unserializable tool result of type %T: %w", result, err)
		}
		return string(b), nil
	}
}
