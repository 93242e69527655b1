// Package schema holds table schemas whose fields carry permanent integer IDs,
// the rules for evolving them, and the canonical in-memory form of values.
package schema

import (
	"fmt"
	"strings"

	"arctic-table/failure"
)

// Field is a named, typed column. The ID never changes once assigned.
type Field struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Type     Type   `json:"type"`
	Doc      string `json:"doc,omitempty"`
}

func (f Field) Equal(o Field) bool {
	return f.ID == o.ID && f.Name == o.Name && f.Required == o.Required && f.Doc == o.Doc && f.Type.Equal(o.Type)
}

func (f Field) String() string {
	opt := "optional"
	if f.Required {
		opt = "required"
	}
	return fmt.Sprintf("%d: %s: %s %s", f.ID, f.Name, opt, f.Type)
}

// Schema is one immutable version of a table's columns.
type Schema struct {
	ID                 int     `json:"schema-id"`
	Fields             []Field `json:"fields"`
	IdentifierFieldIDs []int   `json:"identifier-field-ids,omitempty"`
}

// New builds a schema and assigns IDs to every field, starting after lastID.
// It returns the schema and the highest assigned ID.
func New(id int, lastID int, fields ...Field) (*Schema, int, error) {
	s := &Schema{ID: id, Fields: make([]Field, 0, len(fields))}
	names := map[string]bool{}
	for _, f := range fields {
		if f.Name == "" {
			return nil, 0, failure.InvalidArgument.New("field without name")
		}
		if names[f.Name] {
			return nil, 0, failure.InvalidArgument.New("duplicate field %q", f.Name)
		}
		names[f.Name] = true
		var assigned Field
		assigned, lastID = assignIDs(f, lastID)
		s.Fields = append(s.Fields, assigned)
	}
	return s, lastID, nil
}

func assignIDs(f Field, lastID int) (Field, int) {
	lastID++
	f.ID = lastID
	f.Type, lastID = assignTypeIDs(f.Type, lastID)
	return f, lastID
}

func assignTypeIDs(t Type, lastID int) (Type, int) {
	switch t.Kind {
	case KindStruct:
		fields := make([]Field, len(t.Fields))
		for i, child := range t.Fields {
			fields[i], lastID = assignIDs(child, lastID)
		}
		t.Fields = fields
	case KindList:
		if t.Element != nil {
			elem, last := assignIDs(*t.Element, lastID)
			lastID = last
			t.Element = &elem
		}
	}
	return t, lastID
}

// Field returns the top-level field with the given name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FindByID searches top-level and nested fields.
func (s *Schema) FindByID(id int) (Field, bool) {
	return findByID(s.Fields, id)
}

func findByID(fields []Field, id int) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
		switch f.Type.Kind {
		case KindStruct:
			if found, ok := findByID(f.Type.Fields, id); ok {
				return found, true
			}
		case KindList:
			if f.Type.Element != nil {
				if found, ok := findByID([]Field{*f.Type.Element}, id); ok {
					return found, true
				}
			}
		}
	}
	return Field{}, false
}

// FindByPath resolves a dotted name such as "address.city".
func (s *Schema) FindByPath(path string) (Field, bool) {
	parts := strings.Split(path, ".")
	fields := s.Fields
	var cur Field
	for i, part := range parts {
		found := false
		for _, f := range fields {
			if f.Name == part {
				cur, found = f, true
				break
			}
		}
		if !found {
			return Field{}, false
		}
		if i < len(parts)-1 {
			if cur.Type.Kind != KindStruct {
				return Field{}, false
			}
			fields = cur.Type.Fields
		}
	}
	return cur, true
}

// HighestFieldID returns the largest ID used anywhere in the schema.
func (s *Schema) HighestFieldID() int {
	highest := 0
	var walk func(fields []Field)
	walk = func(fields []Field) {
		for _, f := range fields {
			highest = max(highest, f.ID)
			switch f.Type.Kind {
			case KindStruct:
				walk(f.Type.Fields)
			case KindList:
				if f.Type.Element != nil {
					walk([]Field{*f.Type.Element})
				}
			}
		}
	}
	walk(s.Fields)
	return highest
}

// FieldIDs returns the top-level field IDs in order.
func (s *Schema) FieldIDs() []int {
	ids := make([]int, len(s.Fields))
	for i, f := range s.Fields {
		ids[i] = f.ID
	}
	return ids
}

// Select returns a schema with only the named top-level fields, in schema order.
func (s *Schema) Select(names ...string) (*Schema, error) {
	if len(names) == 0 {
		return s, nil
	}
	want := map[string]bool{}
	for _, name := range names {
		if _, ok := s.Field(name); !ok {
			return nil, failure.InvalidArgument.New("unknown column %q in schema %d", name, s.ID)
		}
		want[name] = true
	}
	out := &Schema{ID: s.ID}
	for _, f := range s.Fields {
		if want[f.Name] {
			out.Fields = append(out.Fields, f)
		}
	}
	return out, nil
}

// SelectIDs is Select by field ID; unknown IDs are ignored.
func (s *Schema) SelectIDs(ids []int) *Schema {
	want := map[int]bool{}
	for _, id := range ids {
		want[id] = true
	}
	out := &Schema{ID: s.ID}
	for _, f := range s.Fields {
		if want[f.ID] {
			out.Fields = append(out.Fields, f)
		}
	}
	return out
}

// SameFields reports whether two schemas have identical columns.
func (s *Schema) SameFields(o *Schema) bool {
	if len(s.Fields) != len(o.Fields) || len(s.IdentifierFieldIDs) != len(o.IdentifierFieldIDs) {
		return false
	}
	for i := range s.Fields {
		if !s.Fields[i].Equal(o.Fields[i]) {
			return false
		}
	}
	for i := range s.IdentifierFieldIDs {
		if s.IdentifierFieldIDs[i] != o.IdentifierFieldIDs[i] {
			return false
		}
	}
	return true
}

// Validate checks structural invariants: unique non-zero IDs and unique names
// per level.
func (s *Schema) Validate() error {
	seen := map[int]bool{}
	var walk func(fields []Field) error
	walk = func(fields []Field) error {
		names := map[string]bool{}
		for _, f := range fields {
			if f.ID <= 0 {
				return failure.CorruptMetadata.New("schema %d: field %q has no id", s.ID, f.Name)
			}
			if seen[f.ID] {
				return failure.CorruptMetadata.New("schema %d: duplicate field id %d", s.ID, f.ID)
			}
			seen[f.ID] = true
			if names[f.Name] {
				return failure.CorruptMetadata.New("schema %d: duplicate field name %q", s.ID, f.Name)
			}
			names[f.Name] = true
			switch f.Type.Kind {
			case KindInvalid:
				return failure.CorruptMetadata.New("schema %d: field %q has no type", s.ID, f.Name)
			case KindStruct:
				if err := walk(f.Type.Fields); err != nil {
					return err
				}
			case KindList:
				if f.Type.Element == nil {
					return failure.CorruptMetadata.New("schema %d: list %q has no element", s.ID, f.Name)
				}
				if err := walk([]Field{*f.Type.Element}); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(s.Fields); err != nil {
		return err
	}
	for _, id := range s.IdentifierFieldIDs {
		if !seen[id] {
			return failure.CorruptMetadata.New("schema %d: identifier field %d does not exist", s.ID, id)
		}
	}
	return nil
}

func (s *Schema) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "schema %d {\n", s.ID)
	for _, f := range s.Fields {
		fmt.Fprintf(&b, "  %s\n", f)
	}
	b.WriteString("}")
	return b.String()
}

func (s *Schema) clone() *Schema {
	out := &Schema{ID: s.ID, Fields: make([]Field, len(s.Fields))}
	copy(out.Fields, s.Fields)
	out.IdentifierFieldIDs = append([]int(nil), s.IdentifierFieldIDs...)
	return out
}
