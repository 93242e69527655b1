// Package partition describes how rows are split into data files by derived
// column values.
package partition

import (
	"net/url"
	"sort"
	"strings"

	"arctic-table/failure"
	"arctic-table/schema"
)

// FirstFieldID is the first ID handed to partition fields. Partition field IDs
// live in their own range so they never collide with schema field IDs.
const FirstFieldID = 1000

type Field struct {
	SourceID  int       `json:"source-id"` // ID from the schema
	FieldID   int       `json:"field-id"`  // Unique ID for partition field
	Name      string    `json:"name"`
	Transform Transform `json:"transform"`
}

type Spec struct {
	ID     int     `json:"spec-id"`
	Fields []Field `json:"fields"`
}

// Values maps partition field names to rendered partition values. A field
// whose source value is null is absent.
type Values map[string]string

// FieldSpec requests one partition field by column name.
type FieldSpec struct {
	Column    string
	Transform Transform
	Name      string // defaults to column_transform, or the column for identity
}

func Unpartitioned() *Spec { return &Spec{ID: 0, Fields: []Field{}} }

// NewSpec resolves columns against the schema and assigns partition field IDs.
func NewSpec(id int, s *schema.Schema, fields ...FieldSpec) (*Spec, error) {
	spec := &Spec{ID: id, Fields: []Field{}}
	names := map[string]bool{}
	for i, fs := range fields {
		src, ok := s.Field(fs.Column)
		if !ok {
			return nil, failure.InvalidArgument.New("partition source column %q not in schema", fs.Column)
		}
		if !fs.Transform.CanTransform(src.Type) {
			return nil, failure.InvalidArgument.New("transform %s does not apply to %s column %q", fs.Transform, src.Type, fs.Column)
		}
		name := fs.Name
		if name == "" {
			name = fs.Column
			if fs.Transform.Name != "identity" {
				name = fs.Column + "_" + fs.Transform.Name
			}
		}
		if names[name] {
			return nil, failure.InvalidArgument.New("duplicate partition field %q", name)
		}
		names[name] = true
		spec.Fields = append(spec.Fields, Field{
			SourceID:  src.ID,
			FieldID:   FirstFieldID + i,
			Name:      name,
			Transform: fs.Transform,
		})
	}
	return spec, nil
}

func (p *Spec) IsUnpartitioned() bool { return p == nil || len(p.Fields) == 0 }

// Validate checks that every source column still exists in s with a
// compatible type.
func (p *Spec) Validate(s *schema.Schema) error {
	for _, f := range p.Fields {
		src, ok := s.FindByID(f.SourceID)
		if !ok {
			return failure.CorruptMetadata.New("partition field %q: source %d not in schema %d", f.Name, f.SourceID, s.ID)
		}
		if !f.Transform.CanTransform(src.Type) {
			return failure.CorruptMetadata.New("partition field %q: %s does not apply to %s", f.Name, f.Transform, src.Type)
		}
	}
	return nil
}

// SourceIDs returns the schema fields that partition fields read.
func (p *Spec) SourceIDs() map[int]bool {
	ids := map[int]bool{}
	for _, f := range p.Fields {
		ids[f.SourceID] = true
	}
	return ids
}

// Partition computes the partition values of a row.
func (p *Spec) Partition(s *schema.Schema, r schema.Record) (Values, error) {
	values := Values{}
	for _, f := range p.Fields {
		src, ok := s.FindByID(f.SourceID)
		if !ok {
			return nil, failure.SchemaMismatch.New("partition source %d not in schema %d", f.SourceID, s.ID)
		}
		v, present, err := f.Transform.Apply(src.Type, r[f.SourceID])
		if err != nil {
			return nil, failure.SchemaMismatch.New("partition field %q: %v", f.Name, err)
		}
		if present {
			values[f.Name] = v
		}
	}
	return values, nil
}

// Path renders values as a directory path such as "region=eu/day=2024-01-02".
func (p *Spec) Path(values Values) string {
	parts := make([]string, 0, len(p.Fields))
	for _, f := range p.Fields {
		v, ok := values[f.Name]
		if !ok {
			parts = append(parts, f.Name+"=null")
			continue
		}
		parts = append(parts, f.Name+"="+url.PathEscape(v))
	}
	return strings.Join(parts, "/")
}

// Key returns a stable grouping key for values.
func (v Values) Key() string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v[name]))
		b.WriteByte('&')
	}
	return b.String()
}

// Bounds returns exact per-column bounds implied by identity partition values.
// A file in partition region=eu holds only region "eu" rows, whatever its
// column statistics say.
func (p *Spec) Bounds(s *schema.Schema, values Values) (lower, upper map[int]any) {
	for _, f := range p.Fields {
		if f.Transform.Name != "identity" {
			continue
		}
		raw, ok := values[f.Name]
		if !ok {
			continue
		}
		src, ok := s.FindByID(f.SourceID)
		if !ok || src.Type.Kind == schema.KindBinary {
			continue
		}
		v, err := schema.Parse(src.Type, raw)
		if err != nil {
			continue
		}
		if lower == nil {
			lower, upper = map[int]any{}, map[int]any{}
		}
		lower[f.SourceID] = v
		upper[f.SourceID] = v
	}
	return lower, upper
}
