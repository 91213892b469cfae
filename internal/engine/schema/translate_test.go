package schema

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func compile(t *testing.T, m map[string]any) *jsonschema.Schema {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal schema: %v", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(data))); err != nil {
		t.Fatalf("add resource: %v", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		t.Fatalf("compile translated schema: %v", err)
	}
	return compiled
}

func TestObjectWithRequiredProperty(t *testing.T) {
	s := Object(map[string]*Schema{
		"path": String().Describe("file path"),
	}, "path")

	compiled := compile(t, Translate(s))

	if err := compiled.Validate(map[string]any{"path": "/tmp"}); err != nil {
		t.Errorf("valid instance rejected: %v", err)
	}
	if err := compiled.Validate(map[string]any{}); err == nil {
		t.Error("instance missing required property accepted")
	}
}

func TestRequiredNamesMustExist(t *testing.T) {
	// A required entry naming a property that was never declared would make
	// every instance invalid; it is dropped instead.
	s := Object(map[string]*Schema{"a": String()}, "a", "ghost")
	out := Translate(s)
	required, _ := out["required"].([]any)
	if len(required) != 1 || required[0] != "a" {
		t.Errorf("required = %v, want [a]", required)
	}
}

func TestUnionCollapse(t *testing.T) {
	one := Translate(Union(String()))
	if one["type"] != "string" {
		t.Errorf("1-member union should collapse, got %v", one)
	}

	two := Translate(Union(String(), Integer()))
	anyOf, ok := two["anyOf"].([]any)
	if !ok || len(anyOf) != 2 {
		t.Fatalf("2-member union should use anyOf, got %v", two)
	}

	three := Translate(Union(String(), Integer(), Boolean()))
	anyOf, ok = three["anyOf"].([]any)
	if !ok || len(anyOf) != 3 {
		t.Fatalf("3-member union should use anyOf, got %v", three)
	}
	compiled := compile(t, three)
	for _, v := range []any{"x", json.Number("3"), true} {
		if err := compiled.Validate(v); err != nil {
			t.Errorf("union member value %v rejected: %v", v, err)
		}
	}
}

func TestStringEnum(t *testing.T) {
	compiled := compile(t, Translate(Enum("red", "green", "blue")))
	if err := compiled.Validate("green"); err != nil {
		t.Errorf("enum member rejected: %v", err)
	}
	if err := compiled.Validate("yellow"); err == nil {
		t.Error("non-member accepted")
	}
}

func TestDegradations(t *testing.T) {
	// Each of these must produce a usable (unconstrained) schema, never fail.
	cases := map[string]*Schema{
		"nil":             nil,
		"non-string enum": Enum(1, 2, 3),
		"empty union":     Union(),
		"unknown kind":    {Kind: Kind("tuple")},
	}
	for name, s := range cases {
		t.Run(name, func(t *testing.T) {
			compiled := compile(t, Translate(s))
			if err := compiled.Validate(map[string]any{"anything": "goes"}); err != nil {
				t.Errorf("degraded schema should accept anything: %v", err)
			}
		})
	}
}

func TestNumericConstraints(t *testing.T) {
	min, max := 1.0, 10.0
	s := &Schema{Kind: KindInteger, Minimum: &min, Maximum: &max}
	compiled := compile(t, Translate(s))
	if err := compiled.Validate(json.Number("5")); err != nil {
		t.Errorf("in-range integer rejected: %v", err)
	}
	if err := compiled.Validate(json.Number("11")); err == nil {
		t.Error("out-of-range integer accepted")
	}
}

// genSchema builds a random schema along with an instance it accepts.
func genSchema(r *rand.Rand, depth int) (*Schema, any) {
	kinds := []Kind{KindString, KindNumber, KindInteger, KindBoolean, KindEnum}
	if depth > 0 {
		kinds = append(kinds, KindObject, KindArray, KindUnion)
	}
	switch kinds[r.Intn(len(kinds))] {
	case KindString:
		return String(), "value"
	case KindNumber:
		return Number(), json.Number("1.5")
	case KindInteger:
		return Integer(), json.Number(fmt.Sprint(r.Intn(100)))
	case KindBoolean:
		return Boolean(), r.Intn(2) == 0
	case KindEnum:
		values := []string{"alpha", "beta", "gamma"}
		pick := values[r.Intn(len(values))]
		return Enum("alpha", "beta", "gamma"), pick
	case KindArray:
		item, value := genSchema(r, depth-1)
		return Array(item), []any{value, value}
	case KindUnion:
		a, av := genSchema(r, depth-1)
		b, _ := genSchema(r, depth-1)
		return Union(a, b), av
	default: // object
		props := make(map[string]*Schema)
		instance := make(map[string]any)
		var required []string
		n := 1 + r.Intn(3)
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("field%d", i)
			prop, value := genSchema(r, depth-1)
			props[name] = prop
			instance[name] = value
			if r.Intn(2) == 0 {
				required = append(required, name)
			}
		}
		return Object(props, required...), instance
	}
}

// TestTranslateAcceptsGeneratedInstances is the under-approximation check:
// for any generated schema, an instance valid under the abstract schema must
// validate against the translated schema.
func TestTranslateAcceptsGeneratedInstances(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		s, instance := genSchema(r, 3)
		compiled := compile(t, Translate(s))
		if err := compiled.Validate(instance); err != nil {
			data, _ := json.Marshal(Translate(s))
			t.Fatalf("iteration %d: generated instance rejected: %v\nschema: %s\ninstance: %v",
				i, err, data, instance)
		}
	}
}
