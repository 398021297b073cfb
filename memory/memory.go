// Package memory describes tensors handed to a primitive: element type,
// logical dims and the physical format that fixes their strides.
package memory

import (
	"fmt"
	"strings"
)

// DataType is the element type of a tensor.
type DataType uint8

const (
	Undef DataType = iota
	F32
	F16
	BF16
	S8
	U8
)

func (dt DataType) String() string {
	switch dt {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case S8:
		return "s8"
	case U8:
		return "u8"
	default:
		return "undef"
	}
}

// Size returns the element size in bytes.
func (dt DataType) Size() int {
	switch dt {
	case F32:
		return 4
	case F16, BF16:
		return 2
	case S8, U8:
		return 1
	default:
		return 0
	}
}

// Valid reports whether dt is a known, defined type.
func (dt DataType) Valid() bool { return dt >= F32 && dt <= U8 }

// ParseDataType maps "f32", "f16", "bf16", "s8" and "u8" to a DataType.
func ParseDataType(s string) (DataType, error) {
	for dt := F32; dt <= U8; dt++ {
		if strings.EqualFold(s, dt.String()) {
			return dt, nil
		}
	}
	return Undef, fmt.Errorf("unknown data type %q", s)
}

// Format is the physical layout of a tensor with dims [N, C, spatial...].
type Format uint8

const (
	// FormatAny lets the primitive pick a layout (resolved to the src format).
	FormatAny Format = iota
	// FormatNCX is the plain layout: spatial innermost, then channels.
	FormatNCX
	// FormatNXC is channels-last.
	FormatNXC
)

func (f Format) String() string {
	switch f {
	case FormatNCX:
		return "ncx"
	case FormatNXC:
		return "nxc"
	default:
		return "any"
	}
}

// Desc describes a tensor.
type Desc struct {
	DataType DataType
	Dims     []int64
	Format   Format
}

// NewDesc builds a descriptor, copying dims.
func NewDesc(dt DataType, format Format, dims ...int64) Desc {
	return Desc{DataType: dt, Dims: append([]int64(nil), dims...), Format: format}
}

// IsZero reports whether the descriptor was never set.
func (d Desc) IsZero() bool { return d.DataType == Undef && len(d.Dims) == 0 }

// Nelems is the number of logical elements.
func (d Desc) Nelems() int64 {
	if len(d.Dims) == 0 {
		return 0
	}
	n := int64(1)
	for _, v := range d.Dims {
		n *= v
	}
	return n
}

// HasZeroDim reports whether any extent is zero.
func (d Desc) HasZeroDim() bool {
	for _, v := range d.Dims {
		if v == 0 {
			return true
		}
	}
	return false
}

// Size is the buffer size in bytes.
func (d Desc) Size() int64 { return d.Nelems() * int64(d.DataType.Size()) }

// Outer, Channels and Inner collapse dims to the [N, C, S] view.
func (d Desc) Outer() int64 {
	if len(d.Dims) == 0 {
		return 0
	}
	return d.Dims[0]
}

func (d Desc) Channels() int64 {
	if len(d.Dims) < 2 {
		return 1
	}
	return d.Dims[1]
}

func (d Desc) Inner() int64 {
	s := int64(1)
	for _, v := range d.Dims[min(2, len(d.Dims)):] {
		s *= v
	}
	return s
}

// Strides returns element strides of the N, C and collapsed spatial axes.
func (d Desc) Strides() (outer, channel, inner int64) {
	c, s := d.Channels(), d.Inner()
	if d.Format == FormatNXC {
		return s * c, 1, c
	}
	return c * s, s, 1
}

// WithType returns a copy of d with another element type.
func (d Desc) WithType(dt DataType) Desc {
	out := d
	out.Dims = append([]int64(nil), d.Dims...)
	out.DataType = dt
	return out
}

// WithFormat returns a copy of d with another format.
func (d Desc) WithFormat(f Format) Desc {
	out := d
	out.Dims = append([]int64(nil), d.Dims...)
	out.Format = f
	return out
}

// SameLayout reports whether a and b have identical dims and format.
func SameLayout(a, b Desc) bool {
	if a.Format != b.Format || len(a.Dims) != len(b.Dims) {
		return false
	}
	for i := range a.Dims {
		if a.Dims[i] != b.Dims[i] {
			return false
		}
	}
	return true
}

// Equal compares layout and element type.
func Equal(a, b Desc) bool { return a.DataType == b.DataType && SameLayout(a, b) }

func (d Desc) String() string {
	parts := make([]string, len(d.Dims))
	for i, v := range d.Dims {
		parts[i] = fmt.Sprint(v)
	}
	return fmt.Sprintf("%s:%s:%s", d.DataType, d.Format, strings.Join(parts, "x"))
}

// ParseDims parses "8x16x32x32".
func ParseDims(s string) ([]int64, error) {
	fields := strings.Split(s, "x")
	dims := make([]int64, 0, len(fields))
	for _, f := range fields {
		var v int64
		if _, err := fmt.Sscan(f, &v); err != nil || v < 0 {
			return nil, fmt.Errorf("bad dimension %q in %q", f, s)
		}
		dims = append(dims, v)
	}
	return dims, nil
}
