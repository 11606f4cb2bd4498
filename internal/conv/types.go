package conv

// DataType is the primitive type of a decoded element.
type DataType string

const (
	Uint8   DataType = "uint8"
	Uint16  DataType = "uint16"
	Uint32  DataType = "uint32"
	Int8    DataType = "int8"
	Int16   DataType = "int16"
	Int32   DataType = "int32"
	Float32 DataType = "float32"
	Float64 DataType = "float64"
	String  DataType = "string"
	Bytes   DataType = "bytes"
)

// ByteSize returns the element width in bytes, or 0 for the variable-length
// types (string, bytes).
func (t DataType) ByteSize() int {
	switch t {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// Signed reports whether the type sign-extends.
func (t DataType) Signed() bool {
	switch t {
	case Int8, Int16, Int32:
		return true
	}
	return false
}

// Float reports whether the type is floating point.
func (t DataType) Float() bool {
	return t == Float32 || t == Float64
}

// ByteOrder selects the wire order of multi-byte values. UDS payloads are
// big-endian unless an OEM definition says otherwise.
type ByteOrder string

const (
	BigEndian    ByteOrder = "big"
	LittleEndian ByteOrder = "little"
)

// Axis carries display breakpoints for one dimension of a 2D map.
type Axis struct {
	Name        string    `yaml:"name" json:"name"`
	Unit        string    `yaml:"unit,omitempty" json:"unit,omitempty"`
	Breakpoints []float64 `yaml:"breakpoints" json:"breakpoints"`
}

// BitField is one named bit range inside a bitfield definition. Bit 0 is the
// LSB; multi-bit fields are interpreted as unsigned.
type BitField struct {
	Name    string            `yaml:"name" json:"name"`
	Bit     uint8             `yaml:"bit" json:"bit"`
	Width   uint8             `yaml:"width,omitempty" json:"width,omitempty"`
	EnumMap map[uint32]string `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// EffectiveWidth treats a zero width as one bit so that YAML definitions may
// omit it for boolean flags.
func (f BitField) EffectiveWidth() uint8 {
	if f.Width == 0 {
		return 1
	}
	return f.Width
}

// Extract pulls this field's value out of the raw word.
func (f BitField) Extract(raw uint32) uint32 {
	mask := uint32(1)<<f.EffectiveWidth() - 1
	return (raw >> f.Bit) & mask
}
