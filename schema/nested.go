package schema

import (
	"bytes"
	"encoding/base64"
	"strconv"

	"github.com/goccy/go-json"

	"arctic-table/failure"
)

// EncodeNested serializes a struct or list value as JSON keyed by child field
// ID, so renaming a nested field never invalidates written data.
func EncodeNested(t Type, v any) ([]byte, error) {
	tree, err := toTree(t, v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// DecodeNested parses data written by EncodeNested for type t. Child fields
// missing from the data read as null; children no longer in t are ignored.
func DecodeNested(t Type, data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, failure.CorruptMetadata.New("decoding nested value: %v", err)
	}
	return fromTree(t, tree)
}

func toTree(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t.Kind {
	case KindStruct:
		r, ok := v.(Record)
		if !ok {
			return nil, failure.SchemaMismatch.New("struct value is %T", v)
		}
		out := make(map[string]any, len(r))
		for _, f := range t.Fields {
			child, err := toTree(f.Type, r[f.ID])
			if err != nil {
				return nil, err
			}
			if child != nil {
				out[strconv.Itoa(f.ID)] = child
			}
		}
		return out, nil
	case KindList:
		list, ok := v.([]any)
		if !ok {
			return nil, failure.SchemaMismatch.New("list value is %T", v)
		}
		out := make([]any, len(list))
		for i, elem := range list {
			child, err := toTree(t.Element.Type, elem)
			if err != nil {
				return nil, err
			}
			out[i] = child
		}
		return out, nil
	case KindBinary:
		b, ok := v.([]byte)
		if !ok {
			return nil, failure.SchemaMismatch.New("binary value is %T", v)
		}
		return base64.StdEncoding.EncodeToString(b), nil
	}
	return v, nil
}

func fromTree(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t.Kind {
	case KindStruct:
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, failure.CorruptMetadata.New("nested struct is %T", v)
		}
		out := Record{}
		for _, f := range t.Fields {
			child, err := fromTree(f.Type, obj[strconv.Itoa(f.ID)])
			if err != nil {
				return nil, err
			}
			out[f.ID] = child
		}
		return out, nil
	case KindList:
		list, ok := v.([]any)
		if !ok {
			return nil, failure.CorruptMetadata.New("nested list is %T", v)
		}
		out := make([]any, len(list))
		for i, elem := range list {
			child, err := fromTree(t.Element.Type, elem)
			if err != nil {
				return nil, err
			}
			out[i] = child
		}
		return out, nil
	case KindBinary:
		s, ok := v.(string)
		if !ok {
			return nil, failure.CorruptMetadata.New("nested binary is %T", v)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, failure.CorruptMetadata.New("nested binary: %v", err)
		}
		return b, nil
	}
	out, err := Coerce(t, v)
	if err != nil {
		return nil, failure.CorruptMetadata.New("nested value: %v", err)
	}
	return out, nil
}
