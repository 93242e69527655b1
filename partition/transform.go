package partition

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zeebo/xxh3"

	"arctic-table/failure"
	"arctic-table/schema"
)

// Transform derives a partition value from a source column value.
type Transform struct {
	Name  string // identity, bucket, truncate, year, month, day, hour
	Param int    // bucket count or truncate width
}

var (
	Identity = Transform{Name: "identity"}
	Year     = Transform{Name: "year"}
	Month    = Transform{Name: "month"}
	Day      = Transform{Name: "day"}
	Hour     = Transform{Name: "hour"}
)

func Bucket(n int) Transform   { return Transform{Name: "bucket", Param: n} }
func Truncate(w int) Transform { return Transform{Name: "truncate", Param: w} }

func (t Transform) String() string {
	if t.Name == "bucket" || t.Name == "truncate" {
		return fmt.Sprintf("%s[%d]", t.Name, t.Param)
	}
	return t.Name
}

// ParseTransform reads the textual form produced by String.
func ParseTransform(s string) (Transform, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if open := strings.IndexByte(s, '['); open > 0 && strings.HasSuffix(s, "]") {
		n, err := strconv.Atoi(s[open+1 : len(s)-1])
		if err != nil || n <= 0 {
			return Transform{}, failure.InvalidArgument.New("invalid transform parameter in %q", s)
		}
		name := s[:open]
		if name != "bucket" && name != "truncate" {
			return Transform{}, failure.InvalidArgument.New("unknown transform %q", s)
		}
		return Transform{Name: name, Param: n}, nil
	}
	switch s {
	case "identity", "year", "month", "day", "hour":
		return Transform{Name: s}, nil
	}
	return Transform{}, failure.InvalidArgument.New("unknown transform %q", s)
}

func (t Transform) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Transform) UnmarshalText(data []byte) error {
	parsed, err := ParseTransform(string(data))
	if err != nil {
		return failure.CorruptMetadata.New("%v", err)
	}
	*t = parsed
	return nil
}

// CanTransform reports whether the transform applies to a source type.
func (t Transform) CanTransform(src schema.Type) bool {
	if !src.IsPrimitive() {
		return false
	}
	switch t.Name {
	case "identity":
		return true
	case "bucket":
		switch src.Kind {
		case schema.KindInt, schema.KindLong, schema.KindDate, schema.KindTimestamp, schema.KindString, schema.KindBinary:
			return true
		}
	case "truncate":
		switch src.Kind {
		case schema.KindInt, schema.KindLong, schema.KindString, schema.KindBinary:
			return true
		}
	case "year", "month", "day":
		return src.Kind == schema.KindDate || src.Kind == schema.KindTimestamp
	case "hour":
		return src.Kind == schema.KindTimestamp
	}
	return false
}

// Apply transforms a canonical source value and renders the partition value as
// text. A null source value yields ok == false.
func (t Transform) Apply(src schema.Type, v any) (value string, ok bool, err error) {
	if v == nil {
		return "", false, nil
	}
	switch t.Name {
	case "identity":
		return schema.Format(src, v), true, nil
	case "bucket":
		h, err := bucketHash(v)
		if err != nil {
			return "", false, err
		}
		return strconv.FormatUint(h%uint64(t.Param), 10), true, nil
	case "truncate":
		return truncate(src, v, t.Param)
	case "year", "month", "day", "hour":
		ts, err := asTime(v, src)
		if err != nil {
			return "", false, err
		}
		switch t.Name {
		case "year":
			return ts.Format("2006"), true, nil
		case "month":
			return ts.Format("2006-01"), true, nil
		case "day":
			return ts.Format("2006-01-02"), true, nil
		default:
			return ts.Format("2006-01-02-15"), true, nil
		}
	}
	return "", false, failure.InvalidArgument.New("unknown transform %q", t.Name)
}

// bucketHash hashes integers by their 64-bit value so buckets survive int to
// long promotion.
func bucketHash(v any) (uint64, error) {
	var buf [8]byte
	switch x := v.(type) {
	case int32:
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(x)))
		return xxh3.Hash(buf[:]), nil
	case int64:
		binary.LittleEndian.PutUint64(buf[:], uint64(x))
		return xxh3.Hash(buf[:]), nil
	case string:
		return xxh3.HashString(x), nil
	case []byte:
		return xxh3.Hash(x), nil
	}
	return 0, failure.InvalidArgument.New("cannot bucket %T", v)
}

func truncate(src schema.Type, v any, width int) (string, bool, error) {
	switch x := v.(type) {
	case int32:
		w := int32(width)
		return strconv.FormatInt(int64(x-(((x%w)+w)%w)), 10), true, nil
	case int64:
		w := int64(width)
		return strconv.FormatInt(x-(((x%w)+w)%w), 10), true, nil
	case string:
		if utf8.RuneCountInString(x) <= width {
			return x, true, nil
		}
		return string([]rune(x)[:width]), true, nil
	case []byte:
		if len(x) > width {
			x = x[:width]
		}
		return schema.Format(src, x), true, nil
	}
	return "", false, failure.InvalidArgument.New("cannot truncate %T", v)
}

func asTime(v any, src schema.Type) (time.Time, error) {
	switch src.Kind {
	case schema.KindDate:
		if d, ok := v.(int32); ok {
			return schema.TimeFromDate(d), nil
		}
	case schema.KindTimestamp:
		if us, ok := v.(int64); ok {
			return schema.TimeFromMicros(us), nil
		}
	}
	return time.Time{}, failure.InvalidArgument.New("cannot apply time transform to %s", src)
}
