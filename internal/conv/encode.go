package conv

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// Encode converts a structured value back to raw DID bytes according to the
// definition. It is the inverse of Decode: any value produced by Decode on a
// well-formed payload encodes back to the original bytes (floats within
// rounding of the declared precision).
func Encode(def *Definition, value any) ([]byte, error) {
	switch v := value.(type) {
	case float64:
		return encodeScalarLike(def, v)
	case float32:
		return encodeScalarLike(def, float64(v))
	case int:
		return encodeScalarLike(def, float64(v))
	case int64:
		return encodeScalarLike(def, float64(v))
	case uint32:
		return encodeScalarLike(def, float64(v))
	case uint64:
		return encodeScalarLike(def, float64(v))
	case bool:
		if v {
			return encodeScalarLike(def, 1)
		}
		return encodeScalarLike(def, 0)
	case string:
		return encodeString(def, v)
	case []any:
		if def.IsMap() {
			return encodeMatrix(def, v)
		}
		return encodeSlice(def, v)
	case map[string]any:
		return encodeObject(def, v)
	case nil:
		return nil, fmt.Errorf("cannot encode null value")
	}
	return nil, fmt.Errorf("cannot encode value of type %T", value)
}

func encodeScalarLike(def *Definition, physical float64) ([]byte, error) {
	if def.IsEnum() {
		return writeRaw(def, physical)
	}
	if def.IsBitfield() {
		return writeRaw(def, physical)
	}
	return encodeScalar(def, physical)
}

func encodeScalar(def *Definition, physical float64) ([]byte, error) {
	if def.Min != nil && physical < *def.Min {
		return nil, fmt.Errorf("value %v below minimum %v", physical, *def.Min)
	}
	if def.Max != nil && physical > *def.Max {
		return nil, fmt.Errorf("value %v above maximum %v", physical, *def.Max)
	}
	raw := (physical - def.Offset) / def.EffectiveScale()
	if !def.EffectiveType().Float() {
		raw = math.Round(raw)
	}
	return writeRaw(def, raw)
}

func encodeSlice(def *Definition, values []any) ([]byte, error) {
	if def.IsArray() && len(values) != def.Array {
		return nil, fmt.Errorf("array length mismatch: definition has %d cells, value has %d", def.Array, len(values))
	}
	out := make([]byte, 0, len(values)*def.EffectiveType().ByteSize())
	for i, v := range values {
		physical, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("array element %d is not a number", i)
		}
		raw := (physical - def.Offset) / def.EffectiveScale()
		if !def.EffectiveType().Float() {
			raw = math.Round(raw)
		}
		b, err := writeRaw(def, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func encodeMatrix(def *Definition, rows []any) ([]byte, error) {
	m := def.Map
	if len(rows) != m.Rows {
		return nil, fmt.Errorf("map row count mismatch: definition has %d rows, value has %d", m.Rows, len(rows))
	}
	var out []byte
	for r, rowVal := range rows {
		cells, ok := rowVal.([]any)
		if !ok {
			return nil, fmt.Errorf("map row %d is not an array", r)
		}
		if len(cells) != m.Cols {
			return nil, fmt.Errorf("map row %d has %d cells, want %d", r, len(cells), m.Cols)
		}
		b, err := encodeSlice(&Definition{
			Type:      def.Type,
			ByteOrder: def.ByteOrder,
			Scale:     def.Scale,
			Offset:    def.Offset,
			Precision: def.Precision,
		}, cells)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func encodeObject(def *Definition, obj map[string]any) ([]byte, error) {
	// Labeled array: pull values back into positional order.
	if def.IsArray() && len(def.Labels) == def.Array {
		values := make([]any, 0, def.Array)
		for _, label := range def.Labels {
			v, ok := obj[label]
			if !ok {
				return nil, fmt.Errorf("missing array label %q", label)
			}
			values = append(values, v)
		}
		return encodeSlice(def, values)
	}

	// Enum object as produced by Decode: {"value": n, "label": ...}.
	if def.IsEnum() {
		if v, ok := obj["value"]; ok {
			n, ok := asFloat(v)
			if !ok {
				return nil, fmt.Errorf("enum value is not a number")
			}
			return writeRaw(def, n)
		}
		if label, ok := obj["label"].(string); ok {
			return encodeEnumLabel(def, label)
		}
		return nil, fmt.Errorf("enum object needs value or label")
	}

	// Bitfield object: prefer the raw word, else compose from fields.
	if def.IsBitfield() {
		if rawStr, ok := obj["raw"].(string); ok {
			return encodeBitfieldRaw(def, rawStr)
		}
		return encodeBitfieldFields(def, obj)
	}

	// 2D map object as produced by Decode: {"values": [[...]]}.
	if def.IsMap() {
		if rows, ok := obj["values"].([]any); ok {
			return encodeMatrix(def, rows)
		}
		return nil, fmt.Errorf("map object needs a values matrix")
	}

	// Histogram object as produced by Decode: {"counts": [...]}.
	if def.IsHistogram() {
		if counts, ok := obj["counts"].([]any); ok {
			if len(counts) != def.Hist.BinCount() {
				return nil, fmt.Errorf("histogram has %d counts, want %d", len(counts), def.Hist.BinCount())
			}
			return encodeSlice(def, counts)
		}
		return nil, fmt.Errorf("histogram object needs a counts array")
	}

	return nil, fmt.Errorf("cannot encode object for this definition")
}

func encodeEnumLabel(def *Definition, label string) ([]byte, error) {
	for raw, l := range def.Enum {
		if l == label {
			return writeRaw(def, float64(raw))
		}
	}
	return nil, fmt.Errorf("unknown enum label %q", label)
}

func encodeBitfieldRaw(def *Definition, rawStr string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(rawStr, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid bitfield raw %q", rawStr)
	}
	var raw uint32
	for _, c := range b {
		raw = raw<<8 | uint32(c)
	}
	return writeRaw(def, float64(raw))
}

func encodeBitfieldFields(def *Definition, obj map[string]any) ([]byte, error) {
	var raw uint32
	for _, field := range def.Bits {
		v, ok := obj[field.Name]
		if !ok {
			continue
		}
		var fieldVal uint32
		switch fv := v.(type) {
		case bool:
			if fv {
				fieldVal = 1
			}
		case map[string]any:
			n, ok := asFloat(fv["value"])
			if !ok {
				return nil, fmt.Errorf("bitfield %q has no numeric value", field.Name)
			}
			fieldVal = uint32(n)
		default:
			n, ok := asFloat(v)
			if !ok {
				return nil, fmt.Errorf("bitfield %q is not a number", field.Name)
			}
			fieldVal = uint32(n)
		}
		mask := uint32(1)<<field.EffectiveWidth() - 1
		raw |= (fieldVal & mask) << field.Bit
	}
	return writeRaw(def, float64(raw))
}

func encodeString(def *Definition, s string) ([]byte, error) {
	if def.EffectiveType() == String {
		b := []byte(s)
		if def.Length > 0 {
			if len(b) > def.Length {
				return nil, fmt.Errorf("string longer than %d bytes", def.Length)
			}
			padded := make([]byte, def.Length)
			copy(padded, b)
			b = padded
		}
		return b, nil
	}
	// Non-string definitions accept a hex string.
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex string %q", s)
	}
	return b, nil
}

// writeRaw writes one element of the definition's type.
func writeRaw(def *Definition, raw float64) ([]byte, error) {
	t := def.EffectiveType()
	le := def.Order() == LittleEndian

	put16 := func(v uint16) []byte {
		b := make([]byte, 2)
		if le {
			binary.LittleEndian.PutUint16(b, v)
		} else {
			binary.BigEndian.PutUint16(b, v)
		}
		return b
	}
	put32 := func(v uint32) []byte {
		b := make([]byte, 4)
		if le {
			binary.LittleEndian.PutUint32(b, v)
		} else {
			binary.BigEndian.PutUint32(b, v)
		}
		return b
	}
	put64 := func(v uint64) []byte {
		b := make([]byte, 8)
		if le {
			binary.LittleEndian.PutUint64(b, v)
		} else {
			binary.BigEndian.PutUint64(b, v)
		}
		return b
	}

	switch t {
	case Uint8:
		return []byte{uint8(raw)}, nil
	case Uint16:
		return put16(uint16(raw)), nil
	case Uint32:
		return put32(uint32(raw)), nil
	case Int8:
		return []byte{byte(int8(raw))}, nil
	case Int16:
		return put16(uint16(int16(raw))), nil
	case Int32:
		return put32(uint32(int32(raw))), nil
	case Float32:
		return put32(math.Float32bits(float32(raw))), nil
	case Float64:
		return put64(math.Float64bits(raw)), nil
	}
	return nil, fmt.Errorf("cannot write element of type %q", t)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
