package schema

import (
	"bytes"
	"encoding/binary"
	"math"

	"arctic-table/failure"
)

// Bound tags. A tagged encoding lets a bound written for an int column still
// decode after the column is widened to long.
const (
	tagBool    byte = 'b'
	tagInt32   byte = 'i'
	tagInt64   byte = 'l'
	tagFloat32 byte = 'f'
	tagFloat64 byte = 'd'
	tagString  byte = 's'
	tagBinary  byte = 'x'
)

// EncodeBound serializes a canonical primitive value for column statistics.
func EncodeBound(v any) ([]byte, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return []byte{tagBool, 1}, nil
		}
		return []byte{tagBool, 0}, nil
	case int32:
		return binary.BigEndian.AppendUint32([]byte{tagInt32}, uint32(x)), nil
	case int64:
		return binary.BigEndian.AppendUint64([]byte{tagInt64}, uint64(x)), nil
	case float32:
		return binary.BigEndian.AppendUint32([]byte{tagFloat32}, math.Float32bits(x)), nil
	case float64:
		return binary.BigEndian.AppendUint64([]byte{tagFloat64}, math.Float64bits(x)), nil
	case string:
		return append([]byte{tagString}, x...), nil
	case []byte:
		return append([]byte{tagBinary}, x...), nil
	}
	return nil, failure.InvalidArgument.New("no bound encoding for %T", v)
}

// DecodeBound reverses EncodeBound.
func DecodeBound(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, failure.CorruptMetadata.New("empty bound")
	}
	tag, payload := data[0], data[1:]
	fixed := func(n int) error {
		if len(payload) != n {
			return failure.CorruptMetadata.New("bound tag %q with %d bytes", tag, len(payload))
		}
		return nil
	}
	switch tag {
	case tagBool:
		if err := fixed(1); err != nil {
			return nil, err
		}
		return payload[0] == 1, nil
	case tagInt32:
		if err := fixed(4); err != nil {
			return nil, err
		}
		return int32(binary.BigEndian.Uint32(payload)), nil
	case tagInt64:
		if err := fixed(8); err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(payload)), nil
	case tagFloat32:
		if err := fixed(4); err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.BigEndian.Uint32(payload)), nil
	case tagFloat64:
		if err := fixed(8); err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(payload)), nil
	case tagString:
		return string(payload), nil
	case tagBinary:
		return bytes.Clone(payload), nil
	}
	return nil, failure.CorruptMetadata.New("unknown bound tag %q", tag)
}
