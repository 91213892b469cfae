package schema

import "log/slog"

// anyLeaf is the unconstrained JSON Schema. Fresh map per call; callers
// mutate the result.
func anyLeaf() map[string]any {
	return map[string]any{}
}

// Translate converts an abstract schema into the JSON-Schema-shaped map the
// wire transports accept for tool declarations.
//
// The contract is "never fail to produce a usable schema": unknown kinds,
// nil nodes, and enums of non-string values all degrade to the
// unconstrained leaf. Degradations are logged once per node at warn level
// so fidelity losses stay visible without breaking the run.
func Translate(s *Schema) map[string]any {
	if s == nil {
		return anyLeaf()
	}

	out := translateNode(s)
	if s.Description != "" {
		out["description"] = s.Description
	}
	return out
}

func translateNode(s *Schema) map[string]any {
	switch s.Kind {
	case KindObject:
		props := make(map[string]any, len(s.Properties))
		for name, prop := range s.Properties {
			props[name] = Translate(prop)
		}
		out := map[string]any{
			"type":       "object",
			"properties": props,
		}
		if len(s.Required) > 0 {
			required := make([]any, 0, len(s.Required))
			for _, name := range s.Required {
				if _, ok := s.Properties[name]; ok {
					required = append(required, name)
				}
			}
			if len(required) > 0 {
				out["required"] = required
			}
		}
		return out

	case KindArray:
		out := map[string]any{"type": "array"}
		if s.Items != nil {
			out["items"] = Translate(s.Items)
		}
		return out

	case KindString:
		out := map[string]any{"type": "string"}
		if s.Pattern != "" {
			out["pattern"] = s.Pattern
		}
		if s.MinLength != nil {
			out["minLength"] = *s.MinLength
		}
		if s.MaxLength != nil {
			out["maxLength"] = *s.MaxLength
		}
		return out

	case KindNumber, KindInteger:
		out := map[string]any{"type": string(s.Kind)}
		if s.Minimum != nil {
			out["minimum"] = *s.Minimum
		}
		if s.Maximum != nil {
			out["maximum"] = *s.Maximum
		}
		return out

	case KindBoolean:
		return map[string]any{"type": "boolean"}

	case KindNull:
		return map[string]any{"type": "null"}

	case KindEnum:
		values := make([]any, 0, len(s.Enum))
		for _, v := range s.Enum {
			str, ok := v.(string)
			if !ok {
				// Non-string enum members are not representable across all
				// target schema systems.
				slog.Warn("schema: non-string enum degraded to unconstrained leaf",
					"value", v)
				return anyLeaf()
			}
			values = append(values, str)
		}
		return map[string]any{
			"type": "string",
			"enum": values,
		}

	case KindUnion:
		switch len(s.Members) {
		case 0:
			slog.Warn("schema: empty union degraded to unconstrained leaf")
			return anyLeaf()
		case 1:
			return Translate(s.Members[0])
		default:
			members := make([]any, 0, len(s.Members))
			for _, m := range s.Members {
				members = append(members, Translate(m))
			}
			return map[string]any{"anyOf": members}
		}

	case KindAny:
		return anyLeaf()

	default:
		slog.Warn("schema: unknown kind degraded to unconstrained leaf",
			"kind", string(s.Kind))
		return anyLeaf()
	}
}

// EmptyObject is the schema transports use for tools with no declared
// parameters.
func EmptyObject() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}
