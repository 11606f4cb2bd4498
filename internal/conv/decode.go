package conv

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// Decode converts raw DID bytes to a structured value according to the
// definition. Scalars come back as numbers, enums and bitfields as objects,
// arrays as slices (or label-keyed maps), 2D maps and histograms as objects
// carrying their axis metadata.
func Decode(def *Definition, data []byte) (any, error) {
	switch {
	case def.EffectiveType() == String:
		return decodeString(def, data), nil
	case def.EffectiveType() == Bytes && !def.IsBitfield():
		return hex.EncodeToString(data), nil
	case def.IsBitfield():
		return decodeBitfield(def, data)
	case def.IsEnum():
		return decodeEnum(def, data)
	case def.IsHistogram():
		return decodeHistogram(def, data)
	case def.IsMap():
		return decodeMap(def, data)
	case def.IsArray():
		return decodeArray(def, data)
	}
	return decodeScalar(def, data)
}

func decodeScalar(def *Definition, data []byte) (any, error) {
	raw, err := readRaw(def, data, 0)
	if err != nil {
		return nil, err
	}
	physical := raw*def.EffectiveScale() + def.Offset
	if def.EffectiveType().Float() {
		return physical, nil
	}
	return cleanNumber(physical, def.GetPrecision()), nil
}

func decodeArray(def *Definition, data []byte) (any, error) {
	elem := def.EffectiveType().ByteSize()
	if elem == 0 {
		return nil, fmt.Errorf("variable-length element type %q in array", def.EffectiveType())
	}
	if len(data) < def.Array*elem {
		return nil, shortData(def.Array*elem, len(data))
	}

	values := make([]any, def.Array)
	for i := 0; i < def.Array; i++ {
		raw, err := readRaw(def, data, i*elem)
		if err != nil {
			return nil, err
		}
		values[i] = cleanNumber(raw*def.EffectiveScale()+def.Offset, def.GetPrecision())
	}

	if len(def.Labels) == def.Array {
		labeled := make(map[string]any, def.Array)
		for i, label := range def.Labels {
			labeled[label] = values[i]
		}
		return labeled, nil
	}
	return values, nil
}

func decodeMap(def *Definition, data []byte) (any, error) {
	m := def.Map
	elem := def.EffectiveType().ByteSize()
	if elem == 0 {
		return nil, fmt.Errorf("variable-length element type %q in map", def.EffectiveType())
	}
	if len(data) != m.Rows*m.Cols*elem {
		return nil, shortData(m.Rows*m.Cols*elem, len(data))
	}

	matrix := make([]any, m.Rows)
	for row := 0; row < m.Rows; row++ {
		cells := make([]any, m.Cols)
		for col := 0; col < m.Cols; col++ {
			raw, err := readRaw(def, data, (row*m.Cols+col)*elem)
			if err != nil {
				return nil, err
			}
			cells[col] = cleanNumber(raw*def.EffectiveScale()+def.Offset, def.GetPrecision())
		}
		matrix[row] = cells
	}

	result := map[string]any{"values": matrix}
	if m.RowAxis != nil {
		result["row_axis"] = m.RowAxis
	}
	if m.ColAxis != nil {
		result["col_axis"] = m.ColAxis
	}
	return result, nil
}

func decodeHistogram(def *Definition, data []byte) (any, error) {
	h := def.Hist
	elem := def.EffectiveType().ByteSize()
	if elem == 0 {
		return nil, fmt.Errorf("variable-length element type %q in histogram", def.EffectiveType())
	}
	bins := h.BinCount()
	if len(data) < bins*elem {
		return nil, shortData(bins*elem, len(data))
	}

	counts := make([]any, bins)
	for i := 0; i < bins; i++ {
		raw, err := readRaw(def, data, i*elem)
		if err != nil {
			return nil, err
		}
		counts[i] = cleanNumber(raw*def.EffectiveScale()+def.Offset, def.GetPrecision())
	}

	result := map[string]any{
		"counts":    counts,
		"bin_edges": h.BinEdges,
	}
	if len(h.Labels) > 0 {
		result["labels"] = h.Labels
	}
	if h.AxisName != "" {
		result["axis_name"] = h.AxisName
	}
	if h.AxisUnit != "" {
		result["axis_unit"] = h.AxisUnit
	}
	return result, nil
}

func decodeEnum(def *Definition, data []byte) (any, error) {
	raw, err := readRaw(def, data, 0)
	if err != nil {
		return nil, err
	}
	rawInt := uint32(math.Round(raw))
	result := map[string]any{"value": rawInt}
	if label, ok := def.Enum[rawInt]; ok {
		result["label"] = label
	} else {
		result["label"] = nil
	}
	return result, nil
}

func decodeBitfield(def *Definition, data []byte) (any, error) {
	raw, err := readRaw(def, data, 0)
	if err != nil {
		return nil, err
	}
	rawInt := uint32(math.Round(raw))

	result := map[string]any{
		"raw": fmt.Sprintf("0x%02X", rawInt),
	}
	for _, field := range def.Bits {
		v := field.Extract(rawInt)
		switch {
		case field.EffectiveWidth() == 1:
			result[field.Name] = v == 1
		case field.EnumMap != nil:
			entry := map[string]any{"value": v}
			if label, ok := field.EnumMap[v]; ok {
				entry["label"] = label
			} else {
				entry["label"] = nil
			}
			result[field.Name] = entry
		default:
			result[field.Name] = v
		}
	}
	return result, nil
}

func decodeString(def *Definition, data []byte) string {
	n := len(data)
	if def.Length > 0 && def.Length < n {
		n = def.Length
	}
	s := string(data[:n])
	if def.Encoding == "ascii" {
		var b strings.Builder
		for _, c := range []byte(s) {
			if c >= 0x20 && c < 0x7F {
				b.WriteByte(c)
			}
		}
		s = b.String()
	}
	return strings.TrimRight(s, "\x00")
}

// readRaw reads one element of the definition's type at the given byte
// offset, applying sign extension, byte order and the bit mask/shift.
func readRaw(def *Definition, data []byte, offset int) (float64, error) {
	t := def.EffectiveType()
	size := t.ByteSize()
	if size == 0 {
		return 0, nil
	}
	if offset+size > len(data) {
		return 0, shortData(offset+size, len(data))
	}
	b := data[offset : offset+size]

	var raw float64
	switch t {
	case Uint8:
		raw = float64(maskShift(def, uint32(b[0])))
	case Uint16:
		raw = float64(maskShift(def, uint32(order16(def, b))))
	case Uint32:
		raw = float64(maskShift(def, order32(def, b)))
	case Int8:
		raw = float64(int8(b[0]))
	case Int16:
		raw = float64(int16(order16(def, b)))
	case Int32:
		raw = float64(int32(order32(def, b)))
	case Float32:
		raw = float64(math.Float32frombits(order32(def, b)))
	case Float64:
		raw = math.Float64frombits(order64(def, b))
	}
	return raw, nil
}

func maskShift(def *Definition, raw uint32) uint32 {
	if def.BitMask != 0 {
		raw &= def.BitMask
	}
	if def.BitShift != 0 {
		raw >>= def.BitShift
	}
	return raw
}

func order16(def *Definition, b []byte) uint16 {
	if def.Order() == LittleEndian {
		return binary.LittleEndian.Uint16(b)
	}
	return binary.BigEndian.Uint16(b)
}

func order32(def *Definition, b []byte) uint32 {
	if def.Order() == LittleEndian {
		return binary.LittleEndian.Uint32(b)
	}
	return binary.BigEndian.Uint32(b)
}

func order64(def *Definition, b []byte) uint64 {
	if def.Order() == LittleEndian {
		return binary.LittleEndian.Uint64(b)
	}
	return binary.BigEndian.Uint64(b)
}

func shortData(expected, actual int) error {
	return fmt.Errorf("data too short: need %d bytes, have %d", expected, actual)
}
