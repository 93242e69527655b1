package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"arctic-table/failure"
)

// Kind identifies a type family.
type Kind int

const (
	KindInvalid Kind = iota
	KindBoolean
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindDate
	KindTimestamp
	KindString
	KindBinary
	KindStruct
	KindList
)

var kindNames = map[Kind]string{
	KindBoolean:   "boolean",
	KindInt:       "int",
	KindLong:      "long",
	KindFloat:     "float",
	KindDouble:    "double",
	KindDate:      "date",
	KindTimestamp: "timestamp",
	KindString:    "string",
	KindBinary:    "binary",
	KindStruct:    "struct",
	KindList:      "list",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "invalid"
}

// Type is a primitive or nested column type. Nested types carry their own
// child fields with permanent IDs.
type Type struct {
	Kind Kind
	// Length bounds string values; zero means unbounded.
	Length int
	// Fields of a struct.
	Fields []Field
	// Element of a list.
	Element *Field
}

var (
	Boolean   = Type{Kind: KindBoolean}
	Int       = Type{Kind: KindInt}
	Long      = Type{Kind: KindLong}
	Float     = Type{Kind: KindFloat}
	Double    = Type{Kind: KindDouble}
	Date      = Type{Kind: KindDate}
	Timestamp = Type{Kind: KindTimestamp}
	String    = Type{Kind: KindString}
	Binary    = Type{Kind: KindBinary}
)

// StringN is a string type bounded to n characters.
func StringN(n int) Type { return Type{Kind: KindString, Length: n} }

// StructOf builds a struct type. Field IDs are assigned when the type is added
// to a schema.
func StructOf(fields ...Field) Type { return Type{Kind: KindStruct, Fields: fields} }

// ListOf builds a list type.
func ListOf(element Type, required bool) Type {
	return Type{Kind: KindList, Element: &Field{Name: "element", Type: element, Required: required}}
}

func (t Type) IsPrimitive() bool { return t.Kind != KindStruct && t.Kind != KindList }

func (t Type) String() string {
	switch t.Kind {
	case KindString:
		if t.Length > 0 {
			return fmt.Sprintf("string(%d)", t.Length)
		}
		return "string"
	case KindStruct:
		parts := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			parts[i] = fmt.Sprintf("%d:%s:%s", f.ID, f.Name, f.Type)
		}
		return "struct<" + strings.Join(parts, ",") + ">"
	case KindList:
		if t.Element == nil {
			return "list<?>"
		}
		return "list<" + t.Element.Type.String() + ">"
	default:
		return t.Kind.String()
	}
}

// Equal compares types structurally, including nested field IDs.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind || t.Length != o.Length {
		return false
	}
	switch t.Kind {
	case KindStruct:
		if len(t.Fields) != len(o.Fields) {
			return false
		}
		for i := range t.Fields {
			if !t.Fields[i].Equal(o.Fields[i]) {
				return false
			}
		}
	case KindList:
		if (t.Element == nil) != (o.Element == nil) {
			return false
		}
		if t.Element != nil && !t.Element.Equal(*o.Element) {
			return false
		}
	}
	return true
}

// CanPromote reports whether values of type from may be read as type to.
// Allowed: int to long, float to double, and a string bound that grows or goes
// away. Identical primitive types are trivially promotable.
func CanPromote(from, to Type) bool {
	if !from.IsPrimitive() || !to.IsPrimitive() {
		return false
	}
	switch {
	case from.Kind == to.Kind && from.Kind == KindString:
		return to.Length == 0 || (from.Length > 0 && to.Length >= from.Length)
	case from.Kind == to.Kind:
		return true
	case from.Kind == KindInt && to.Kind == KindLong:
		return true
	case from.Kind == KindFloat && to.Kind == KindDouble:
		return true
	}
	return false
}

// ParseType parses a primitive type name such as "long" or "string(32)".
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(s, "string(") && strings.HasSuffix(s, ")") {
		n, err := strconv.Atoi(s[len("string(") : len(s)-1])
		if err != nil || n <= 0 {
			return Type{}, failure.InvalidArgument.New("invalid string length in %q", s)
		}
		return StringN(n), nil
	}
	switch s {
	case "boolean", "bool":
		return Boolean, nil
	case "int", "integer", "int32":
		return Int, nil
	case "long", "bigint", "int64":
		return Long, nil
	case "float", "float32":
		return Float, nil
	case "double", "float64":
		return Double, nil
	case "date":
		return Date, nil
	case "timestamp":
		return Timestamp, nil
	case "string":
		return String, nil
	case "binary":
		return Binary, nil
	}
	return Type{}, failure.InvalidArgument.New("unknown type %q", s)
}

type nestedJSON struct {
	Type            string  `json:"type"`
	Fields          []Field `json:"fields,omitempty"`
	ElementID       int     `json:"element-id,omitempty"`
	Element         *Type   `json:"element,omitempty"`
	ElementRequired bool    `json:"element-required,omitempty"`
}

// MarshalJSON encodes primitives as their name and nested types as objects.
func (t Type) MarshalJSON() ([]byte, error) {
	switch t.Kind {
	case KindStruct:
		fields := t.Fields
		if fields == nil {
			fields = []Field{}
		}
		return json.Marshal(nestedJSON{Type: "struct", Fields: fields})
	case KindList:
		if t.Element == nil {
			return nil, failure.CorruptMetadata.New("list type without element")
		}
		elem := t.Element.Type
		return json.Marshal(nestedJSON{
			Type:            "list",
			ElementID:       t.Element.ID,
			Element:         &elem,
			ElementRequired: t.Element.Required,
		})
	case KindInvalid:
		return nil, failure.CorruptMetadata.New("invalid type")
	}
	return json.Marshal(t.String())
}

func (t *Type) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseType(name)
		if err != nil {
			return failure.CorruptMetadata.New("type %q: %v", name, err)
		}
		*t = parsed
		return nil
	}

	var nested nestedJSON
	if err := json.Unmarshal(data, &nested); err != nil {
		return failure.CorruptMetadata.New("decoding type: %v", err)
	}
	switch nested.Type {
	case "struct":
		*t = Type{Kind: KindStruct, Fields: nested.Fields}
	case "list":
		if nested.Element == nil {
			return failure.CorruptMetadata.New("list type without element")
		}
		*t = Type{Kind: KindList, Element: &Field{
			ID:       nested.ElementID,
			Name:     "element",
			Type:     *nested.Element,
			Required: nested.ElementRequired,
		}}
	default:
		return failure.CorruptMetadata.New("unknown nested type %q", nested.Type)
	}
	return nil
}
