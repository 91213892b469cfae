// Package schema describes tool parameter schemas as an explicit tagged
// variant and translates them into the JSON-Schema-shaped maps the wire
// transports declare tools with.
//
// The variant form exists so the adapter never depends on any particular
// schema library's runtime type introspection. Translation never fails: a
// node that cannot be represented degrades to the unconstrained "accept
// anything" leaf with a logged fidelity loss.
package schema

// Kind tags a schema node.
type Kind string

const (
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindNull    Kind = "null"
	KindEnum    Kind = "enum"
	KindUnion   Kind = "union"
	KindAny     Kind = "any"
)

// Schema is one node of an abstract parameter schema.
type Schema struct {
	Kind        Kind
	Description string

	// Object
	Properties map[string]*Schema
	Required   []string

	// Array
	Items *Schema

	// String
	Pattern   string
	MinLength *int
	MaxLength *int

	// Number / integer
	Minimum *float64
	Maximum *float64

	// Enum
	Enum []any

	// Union (two or more members; one-member unions collapse on translate)
	Members []*Schema
}

// Object builds an object schema. Keys in required must name properties.
func Object(properties map[string]*Schema, required ...string) *Schema {
	return &Schema{Kind: KindObject, Properties: properties, Required: required}
}

// Array builds an array schema.
func Array(items *Schema) *Schema {
	return &Schema{Kind: KindArray, Items: items}
}

// String builds a string schema.
func String() *Schema { return &Schema{Kind: KindString} }

// Number builds a number schema.
func Number() *Schema { return &Schema{Kind: KindNumber} }

// Integer builds an integer schema.
func Integer() *Schema { return &Schema{Kind: KindInteger} }

// Boolean builds a boolean schema.
func Boolean() *Schema { return &Schema{Kind: KindBoolean} }

// Null builds a null schema.
func Null() *Schema { return &Schema{Kind: KindNull} }

// Any builds the unconstrained leaf.
func Any() *Schema { return &Schema{Kind: KindAny} }

// Enum builds an enum schema over the given values.
func Enum(values ...any) *Schema {
	return &Schema{Kind: KindEnum, Enum: values}
}

// Union builds a union schema over the given members.
func Union(members ...*Schema) *Schema {
	return &Schema{Kind: KindUnion, Members: members}
}

// Describe sets the description and returns the schema for chaining.
func (s *Schema) Describe(desc string) *Schema {
	s.Description = desc
	return s
}
