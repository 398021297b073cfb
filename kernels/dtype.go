package kernels

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/openfluke/bnorm/memory"
	"github.com/x448/float16"
)

// load reads element i of b as dt.
func load(dt memory.DataType, b []byte, i uint64) float32 {
	switch dt {
	case memory.F32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	case memory.F16:
		return float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
	case memory.BF16:
		return bfloat16.BFloat16(binary.LittleEndian.Uint16(b[2*i:])).Float32()
	case memory.S8:
		return float32(int8(b[i]))
	case memory.U8:
		return float32(b[i])
	}
	panic("load: undefined data type")
}

// store writes v to element i of b as dt; integer types round to nearest
// even and saturate.
func store(dt memory.DataType, b []byte, i uint64, v float32) {
	switch dt {
	case memory.F32:
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	case memory.F16:
		binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(v).Bits())
	case memory.BF16:
		binary.LittleEndian.PutUint16(b[2*i:], uint16(bfloat16.FromFloat32(v)))
	case memory.S8:
		b[i] = byte(int8(saturate(v, math.MinInt8, math.MaxInt8)))
	case memory.U8:
		b[i] = byte(saturate(v, 0, math.MaxUint8))
	default:
		panic("store: undefined data type")
	}
}

func saturate(v float32, lo, hi float64) float64 {
	r := math.RoundToEven(float64(v))
	if math.IsNaN(r) {
		return 0
	}
	return math.Max(lo, math.Min(hi, r))
}

// Encode converts values to the byte representation of dt.
func Encode(dt memory.DataType, values []float32) []byte {
	b := make([]byte, len(values)*dt.Size())
	for i, v := range values {
		store(dt, b, uint64(i), v)
	}
	return b
}

// Decode converts a dt buffer back to float32 values.
func Decode(dt memory.DataType, b []byte) []float32 {
	n := len(b) / dt.Size()
	out := make([]float32, n)
	for i := range out {
		out[i] = load(dt, b, uint64(i))
	}
	return out
}
