package schema

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"arctic-table/failure"
)

// Canonical value representations:
//
//	boolean   bool
//	int       int32
//	long      int64
//	float     float32
//	double    float64
//	date      int32, days since 1970-01-01
//	timestamp int64, microseconds since the epoch, UTC
//	string    string
//	binary    []byte
//	struct    Record keyed by child field ID
//	list      []any
//
// nil is null for every type.

// Record is a row or struct value keyed by field ID.
type Record map[int]any

type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
}

const microsPerDay = 24 * 60 * 60 * 1000 * 1000

// Coerce converts v to the canonical representation of t. Lossy or
// mismatched conversions fail with failure.SchemaMismatch.
func Coerce(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t.Kind {
	case KindBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindInt:
		if n, ok := toInt64(v); ok {
			if n < math.MinInt32 || n > math.MaxInt32 {
				return nil, failure.SchemaMismatch.New("value %d overflows int", n)
			}
			return int32(n), nil
		}
	case KindLong:
		if n, ok := toInt64(v); ok {
			return n, nil
		}
	case KindFloat:
		if f, ok := toFloat64(v); ok {
			return float32(f), nil
		}
	case KindDouble:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
	case KindDate:
		switch x := v.(type) {
		case time.Time:
			return DateFromTime(x), nil
		case string:
			parsed, err := time.Parse(time.DateOnly, x)
			if err != nil {
				return nil, failure.SchemaMismatch.New("invalid date %q", x)
			}
			return DateFromTime(parsed), nil
		}
		if n, ok := toInt64(v); ok && n >= math.MinInt32 && n <= math.MaxInt32 {
			return int32(n), nil
		}
	case KindTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x.UnixMicro(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, x)
			if err != nil {
				return nil, failure.SchemaMismatch.New("invalid timestamp %q", x)
			}
			return parsed.UnixMicro(), nil
		}
		if n, ok := toInt64(v); ok {
			return n, nil
		}
	case KindString:
		if s, ok := v.(string); ok {
			if t.Length > 0 && utf8.RuneCountInString(s) > t.Length {
				return nil, failure.SchemaMismatch.New("string of length %d exceeds %s", utf8.RuneCountInString(s), t)
			}
			return s, nil
		}
	case KindBinary:
		switch x := v.(type) {
		case []byte:
			return bytes.Clone(x), nil
		case string:
			return []byte(x), nil
		}
	case KindStruct:
		return coerceStruct(t, v)
	case KindList:
		return coerceList(t, v)
	}
	return nil, failure.SchemaMismatch.New("cannot use %T as %s", v, t)
}

func coerceStruct(t Type, v any) (any, error) {
	out := Record{}
	switch x := v.(type) {
	case Record:
		for _, f := range t.Fields {
			if err := setField(out, f, x[f.ID], hasKey(x, f.ID)); err != nil {
				return nil, err
			}
		}
		for id := range x {
			if !fieldsHaveID(t.Fields, id) {
				return nil, failure.SchemaMismatch.New("unknown field id %d", id)
			}
		}
	case map[int]any:
		return coerceStruct(t, Record(x))
	case map[string]any:
		for _, f := range t.Fields {
			val, present := x[f.Name]
			if err := setField(out, f, val, present); err != nil {
				return nil, err
			}
		}
		for name := range x {
			if !fieldsHaveName(t.Fields, name) {
				return nil, failure.SchemaMismatch.New("unknown field %q", name)
			}
		}
	default:
		return nil, failure.SchemaMismatch.New("cannot use %T as %s", v, t)
	}
	return out, nil
}

func setField(out Record, f Field, val any, present bool) error {
	if val == nil {
		if f.Required {
			return failure.SchemaMismatch.New("required field %q (id %d) is null", f.Name, f.ID)
		}
		if present {
			out[f.ID] = nil
		}
		return nil
	}
	coerced, err := Coerce(f.Type, val)
	if err != nil {
		return fmt.Errorf("field %q: %w", f.Name, err)
	}
	out[f.ID] = coerced
	return nil
}

func coerceList(t Type, v any) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, failure.SchemaMismatch.New("cannot use %T as %s", v, t)
	}
	out := make([]any, rv.Len())
	for i := range out {
		elem := rv.Index(i).Interface()
		if elem == nil {
			if t.Element.Required {
				return nil, failure.SchemaMismatch.New("list element %d is null", i)
			}
			continue
		}
		coerced, err := Coerce(t.Element.Type, elem)
		if err != nil {
			return nil, fmt.Errorf("list element %d: %w", i, err)
		}
		out[i] = coerced
	}
	return out, nil
}

func hasKey(r Record, id int) bool {
	_, ok := r[id]
	return ok
}

func fieldsHaveID(fields []Field, id int) bool {
	for _, f := range fields {
		if f.ID == id {
			return true
		}
	}
	return false
}

func fieldsHaveName(fields []Field, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) <= math.MaxInt64 {
			return int64(x), true
		}
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), true
		}
	case float64:
		return floatToInt64(x)
	case float32:
		return floatToInt64(float64(x))
	case number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}

// floatToInt64 accepts integral floats in [-2^63, 2^63). float64(MaxInt64)
// rounds up to 2^63, which does not fit.
func floatToInt64(x float64) (int64, bool) {
	if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
		return 0, false
	}
	return int64(x), true
}

func toFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case number:
		if f, err := x.Float64(); err == nil {
			return f, true
		}
	}
	if n, ok := toInt64(v); ok {
		return float64(n), true
	}
	return 0, false
}

// DateFromTime returns the day number of t's UTC date.
func DateFromTime(t time.Time) int32 {
	secs := t.UTC().Unix()
	days := secs / 86400
	if secs%86400 < 0 {
		days--
	}
	return int32(days)
}

// TimeFromDate is the inverse of DateFromTime.
func TimeFromDate(days int32) time.Time {
	return time.Unix(int64(days)*86400, 0).UTC()
}

// TimeFromMicros converts a canonical timestamp to time.Time in UTC.
func TimeFromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// Promote converts a canonical value read as type from into type to.
func Promote(v any, from, to Type) (any, error) {
	if v == nil || from.Kind == to.Kind {
		return v, nil
	}
	switch {
	case from.Kind == KindInt && to.Kind == KindLong:
		if n, ok := v.(int32); ok {
			return int64(n), nil
		}
	case from.Kind == KindFloat && to.Kind == KindDouble:
		if f, ok := v.(float32); ok {
			return float64(f), nil
		}
	}
	return nil, failure.IncompatibleType.New("cannot read %s value %v as %s", from, v, to)
}

// Compare orders two canonical primitive values. Integer and floating point
// widths are normalized, so an int bound compares against a long literal.
// ok is false when the values are not comparable, which includes NaN.
func Compare(a, b any) (c int, ok bool) {
	switch x := a.(type) {
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case int32, int64:
		xi, _ := toInt64(x)
		switch y := b.(type) {
		case int32, int64:
			yi, _ := toInt64(y)
			return cmpOrdered(xi, yi), true
		case float32, float64:
			yf, _ := toFloat64(y)
			if math.IsNaN(yf) {
				return 0, false
			}
			return cmpOrdered(float64(xi), yf), true
		}
	case float32, float64:
		xf, _ := toFloat64(x)
		switch y := b.(type) {
		case float32, float64, int32, int64:
			yf, _ := toFloat64(y)
			if math.IsNaN(xf) || math.IsNaN(yf) {
				return 0, false
			}
			return cmpOrdered(xf, yf), true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y), true
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// IsNaN reports whether v is a floating point NaN.
func IsNaN(v any) bool {
	switch x := v.(type) {
	case float32:
		return math.IsNaN(float64(x))
	case float64:
		return math.IsNaN(x)
	}
	return false
}

// Equal reports value equality for canonical values, including nested ones.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// Parse reads a textual literal as a value of type t.
func Parse(t Type, s string) (any, error) {
	switch t.Kind {
	case KindBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, failure.InvalidArgument.New("invalid boolean %q", s)
		}
		return b, nil
	case KindInt:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, failure.InvalidArgument.New("invalid int %q", s)
		}
		return int32(n), nil
	case KindLong:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, failure.InvalidArgument.New("invalid long %q", s)
		}
		return n, nil
	case KindFloat:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, failure.InvalidArgument.New("invalid float %q", s)
		}
		return float32(f), nil
	case KindDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, failure.InvalidArgument.New("invalid double %q", s)
		}
		return f, nil
	case KindDate, KindTimestamp, KindString:
		v, err := Coerce(t, s)
		if err != nil {
			return nil, failure.InvalidArgument.New("%v", err)
		}
		return v, nil
	case KindBinary:
		return []byte(s), nil
	}
	return nil, failure.InvalidArgument.New("cannot parse literal of type %s", t)
}

// Format renders a canonical value as text. Dates and timestamps use ISO 8601.
func Format(t Type, v any) string {
	if v == nil {
		return "null"
	}
	switch t.Kind {
	case KindDate:
		if d, ok := v.(int32); ok {
			return TimeFromDate(d).Format(time.DateOnly)
		}
	case KindTimestamp:
		if us, ok := v.(int64); ok {
			return TimeFromMicros(us).Format(time.RFC3339Nano)
		}
	case KindBinary:
		if b, ok := v.([]byte); ok {
			return fmt.Sprintf("%x", b)
		}
	}
	return fmt.Sprint(v)
}

// Display converts a canonical value for presentation: dates and timestamps
// become time.Time and structs become maps keyed by field name.
func Display(t Type, v any) any {
	if v == nil {
		return nil
	}
	switch t.Kind {
	case KindDate:
		if d, ok := v.(int32); ok {
			return TimeFromDate(d)
		}
	case KindTimestamp:
		if us, ok := v.(int64); ok {
			return TimeFromMicros(us)
		}
	case KindStruct:
		if r, ok := v.(Record); ok {
			out := make(map[string]any, len(t.Fields))
			for _, f := range t.Fields {
				out[f.Name] = Display(f.Type, r[f.ID])
			}
			return out
		}
	case KindList:
		if list, ok := v.([]any); ok {
			out := make([]any, len(list))
			for i, elem := range list {
				out[i] = Display(t.Element.Type, elem)
			}
			return out
		}
	}
	return v
}

// FromMap converts a row keyed by column name into a Record bound to s.
func FromMap(s *Schema, row map[string]any) (Record, error) {
	v, err := coerceStruct(StructOf(s.Fields...), row)
	if err != nil {
		return nil, err
	}
	return v.(Record), nil
}

// ToMap converts a Record into display form keyed by column name. Columns the
// schema lists but the record lacks are nil.
func (r Record) ToMap(s *Schema) map[string]any {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		out[f.Name] = Display(f.Type, r[f.ID])
	}
	return out
}

// Validate checks that every value is canonical for s and that required fields
// are present.
func (r Record) Validate(s *Schema) error {
	_, err := coerceStruct(StructOf(s.Fields...), r)
	return err
}
