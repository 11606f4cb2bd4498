package conv

// Definition is the complete conversion rule for one DID. The zero value
// decodes as raw bytes. Exactly one shape is active at a time: bits →
// bitfield, Enum → enum, Hist → histogram, Map → 2D map, Array → 1D array,
// otherwise scalar (or string/bytes per Type).
type Definition struct {
	// ID is the semantic parameter name used on the API (e.g. "coolant_temp").
	ID          string `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	Type      DataType  `yaml:"type,omitempty" json:"type,omitempty"`
	ByteOrder ByteOrder `yaml:"byte_order,omitempty" json:"byte_order,omitempty"`

	// physical = raw*Scale + Offset. A zero Scale means 1.0.
	Scale  float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
	Offset float64 `yaml:"offset,omitempty" json:"offset,omitempty"`
	Unit   string  `yaml:"unit,omitempty" json:"unit,omitempty"`

	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`

	// Length is the fixed byte length for string/bytes definitions.
	Length int `yaml:"length,omitempty" json:"length,omitempty"`
	// Encoding for string definitions; only "utf8" (default) and "ascii"
	// are recognised.
	Encoding string `yaml:"encoding,omitempty" json:"encoding,omitempty"`

	// Array is the element count of a 1D array; Labels name the cells.
	Array  int      `yaml:"array,omitempty" json:"array,omitempty"`
	Labels []string `yaml:"labels,omitempty" json:"labels,omitempty"`

	Map  *MapDefinition       `yaml:"map,omitempty" json:"map,omitempty"`
	Hist *HistogramDefinition `yaml:"histogram,omitempty" json:"histogram,omitempty"`

	Enum map[uint32]string `yaml:"enum,omitempty" json:"enum,omitempty"`
	Bits []BitField        `yaml:"bits,omitempty" json:"bits,omitempty"`

	// Precision overrides the scale-derived decimal places.
	Precision *uint8 `yaml:"precision,omitempty" json:"precision,omitempty"`

	// BitMask/BitShift apply to unsigned scalar reads before scaling.
	BitMask  uint32 `yaml:"bit_mask,omitempty" json:"bit_mask,omitempty"`
	BitShift uint8  `yaml:"bit_shift,omitempty" json:"bit_shift,omitempty"`

	// Writable permits WriteDataByIdentifier through this definition.
	Writable bool `yaml:"writable,omitempty" json:"writable,omitempty"`
}

// MapDefinition describes a row-major rows×cols grid of cells. The axes are
// display metadata only; cell bytes are laid out row by row.
type MapDefinition struct {
	Rows    int   `yaml:"rows" json:"rows"`
	Cols    int   `yaml:"cols" json:"cols"`
	RowAxis *Axis `yaml:"row_axis,omitempty" json:"row_axis,omitempty"`
	ColAxis *Axis `yaml:"col_axis,omitempty" json:"col_axis,omitempty"`
}

// HistogramDefinition describes a sequence of bin counts. With Overflow the
// count slice has len(BinEdges) entries (last bin is open-ended), otherwise
// len(BinEdges)-1.
type HistogramDefinition struct {
	BinEdges []float64 `yaml:"bin_edges" json:"bin_edges"`
	Overflow bool      `yaml:"overflow,omitempty" json:"overflow,omitempty"`
	Labels   []string  `yaml:"labels,omitempty" json:"labels,omitempty"`
	AxisName string    `yaml:"axis_name,omitempty" json:"axis_name,omitempty"`
	AxisUnit string    `yaml:"axis_unit,omitempty" json:"axis_unit,omitempty"`
}

// BinCount is the number of count cells the histogram occupies on the wire.
func (h *HistogramDefinition) BinCount() int {
	if h.Overflow {
		return len(h.BinEdges)
	}
	if len(h.BinEdges) == 0 {
		return 0
	}
	return len(h.BinEdges) - 1
}

// EffectiveScale returns Scale with the zero value defaulted to 1.0.
func (d *Definition) EffectiveScale() float64 {
	if d.Scale == 0 {
		return 1.0
	}
	return d.Scale
}

// EffectiveType returns Type with the zero value defaulted to bytes.
func (d *Definition) EffectiveType() DataType {
	if d.Type == "" {
		return Bytes
	}
	return d.Type
}

// Order returns ByteOrder with the zero value defaulted to big-endian.
func (d *Definition) Order() ByteOrder {
	if d.ByteOrder == "" {
		return BigEndian
	}
	return d.ByteOrder
}

func (d *Definition) IsBitfield() bool  { return len(d.Bits) > 0 }
func (d *Definition) IsEnum() bool      { return len(d.Enum) > 0 && d.Array == 0 && d.Map == nil }
func (d *Definition) IsArray() bool     { return d.Array > 0 }
func (d *Definition) IsMap() bool       { return d.Map != nil }
func (d *Definition) IsHistogram() bool { return d.Hist != nil }

// ExpectedByteLength returns the wire length this definition occupies, or 0
// when it cannot be determined (variable-length bytes without Length).
func (d *Definition) ExpectedByteLength() int {
	if d.Length > 0 {
		return d.Length
	}
	elem := d.EffectiveType().ByteSize()
	if elem == 0 {
		return 0
	}
	switch {
	case d.IsMap():
		return d.Map.Rows * d.Map.Cols * elem
	case d.IsHistogram():
		return d.Hist.BinCount() * elem
	case d.IsArray():
		return d.Array * elem
	}
	return elem
}

// GetPrecision returns the decimal places used when rounding decoded values:
// the explicit override if present, otherwise derived from the scale.
func (d *Definition) GetPrecision() uint8 {
	if d.Precision != nil {
		return *d.Precision
	}
	return precisionFromScale(d.EffectiveScale())
}
