package tooladapt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/ANTFOR7717/mastraclaw/internal/engine"
	"github.com/ANTFOR7717/mastraclaw/internal/engine/schema"
)

func def(name string, fn func(context.Context, json.RawMessage) (any, error)) engine.ToolDefinition {
	return engine.ToolDefinition{
		Name:        name,
		Description: name + " tool",
		Schema:      schema.Object(map[string]*schema.Schema{"q": schema.String()}, "q"),
		Execute:     fn,
	}
}

func TestAdaptStringResult(t *testing.T) {
	tool := Adapt(def("echo", func(_ context.Context, in json.RawMessage) (any, error) {
		return "hello", nil
	}))
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"q":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello" {
		t.Errorf("out = %q", out)
	}
}

func TestAdaptSerialization(t *testing.T) {
	cases := []struct {
		name   string
		result any
		want   string
	}{
		{"nil", nil, ""},
		{"slice", []string{"a", "b"}, "a\nb"},
		{"bytes", []byte("raw"), "raw"},
		{"struct", map[string]int{"n": 3}, `{"n":3}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tool := Adapt(def("t", func(context.Context, json.RawMessage) (any, error) {
				return tc.result, nil
			}))
			out, err := tool.Execute(context.Background(), nil)
			if err != nil {
				t.Fatal(err)
			}
			if out != tc.want {
				t.Errorf("out = %q, want %q", out, tc.want)
			}
		})
	}
}

func TestAdaptErrorBecomesText(t *testing.T) {
	tool := Adapt(def("fails", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	}))
	out, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("tool failure leaked as error: %v", err)
	}
	if out != "Error: disk on fire" {
		t.Errorf("out = %q", out)
	}
}

func TestAdaptPanicContained(t *testing.T) {
	tool := Adapt(def("boom", func(context.Context, json.RawMessage) (any, error) {
		panic("unexpected nil")
	}))
	out, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("panic leaked as error: %v", err)
	}
	if !strings.Contains(out, "Error:") || !strings.Contains(out, "unexpected nil") {
		t.Errorf("out = %q", out)
	}
}

func TestAdaptCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tool := Adapt(def("slow", func(c context.Context, _ json.RawMessage) (any, error) {
		cancel()
		return nil, c.Err()
	}))
	_, err := tool.Execute(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestAdaptOutputCeiling(t *testing.T) {
	tool := Adapt(def("big", func(context.Context, json.RawMessage) (any, error) {
		return strings.Repeat("z", MaxOutputBytes+500), nil
	}))
	out, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) > MaxOutputBytes {
		t.Errorf("output is %d bytes, ceiling is %d", len(out), MaxOutputBytes)
	}
	if !strings.HasSuffix(out, truncateSuffix) {
		t.Error("truncation left no marker")
	}
}

func TestAdaptOutputCeilingRuneSafe(t *testing.T) {
	tool := Adapt(def("big", func(context.Context, json.RawMessage) (any, error) {
		return strings.Repeat("日", MaxOutputBytes), nil
	}))
	out, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) > MaxOutputBytes {
		t.Errorf("output is %d bytes, ceiling is %d", len(out), MaxOutputBytes)
	}
	if !utf8.ValidString(out) {
		t.Error("truncation produced invalid UTF-8")
	}
}

func TestAdaptAllSkipsInvalid(t *testing.T) {
	defs := []engine.ToolDefinition{
		def("read_file", func(context.Context, json.RawMessage) (any, error) { return "", nil }),
		{Name: "", Description: "nameless"},
		def("read_file", func(context.Context, json.RawMessage) (any, error) { return "dup", nil }),
		def("write_file", func(context.Context, json.RawMessage) (any, error) { return "", nil }),
	}
	tools := AdaptAll(defs)
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name() != "read_file" || tools[1].Name() != "write_file" {
		t.Errorf("names = %s, %s", tools[0].Name(), tools[1].Name())
	}
}

func TestAdaptSchemaShapes(t *testing.T) {
	raw := map[string]any{"type": "object"}
	tool := Adapt(engine.ToolDefinition{Name: "raw", Schema: raw})
	if tool.Schema()["type"] != "object" {
		t.Error("raw map schema not passed through")
	}

	tool = Adapt(engine.ToolDefinition{Name: "none"})
	s := tool.Schema()
	if s["type"] != "object" {
		t.Errorf("nil schema = %v, want empty object", s)
	}
}
