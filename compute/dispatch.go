package compute

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// DispatchCompileParamsSize is the encoded size of DispatchCompileParams.
const DispatchCompileParamsSize = 16

// DefaultMaxWorkgroupsPerDim is the per-dimension workgroup count every
// WebGPU device supports.
const DefaultMaxWorkgroupsPerDim = 65535

// DispatchCompileParams is the part of a launch layout baked into kernel
// source: how work items map onto the tensor and the workgroup shape.
// Geometry that varies with the tensor shape lives in NDRange instead.
type DispatchCompileParams struct {
	Dims         uint8
	ChannelsLast bool
	VectorSize   uint8
	SubgroupSize uint8
	// WorkgroupSize is the local size per dimension; unused dims are 1.
	WorkgroupSize [3]uint32
}

// Validate checks the invariants the encoding relies on.
func (p DispatchCompileParams) Validate() error {
	if p.Dims < 1 || p.Dims > 3 {
		return errors.Errorf("dispatch dims %d out of range", p.Dims)
	}
	for i, w := range p.WorkgroupSize {
		if w == 0 {
			return errors.Errorf("workgroup size %d is zero", i)
		}
		if uint8(i) >= p.Dims && w != 1 {
			return errors.Errorf("workgroup size %d set on unused dim", i)
		}
	}
	if p.VectorSize == 0 {
		return errors.New("vector size is zero")
	}
	return nil
}

// AppendBinary appends the fixed 16-byte little-endian encoding of p.
func (p DispatchCompileParams) AppendBinary(b []byte) []byte {
	var last uint8
	if p.ChannelsLast {
		last = 1
	}
	b = append(b, p.Dims, last, p.VectorSize, p.SubgroupSize)
	for _, w := range p.WorkgroupSize {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

// DecodeDispatchCompileParams is the inverse of AppendBinary.
func DecodeDispatchCompileParams(b []byte) (DispatchCompileParams, error) {
	var p DispatchCompileParams
	if len(b) != DispatchCompileParamsSize {
		return p, errors.Errorf("dispatch params: want %d bytes, got %d", DispatchCompileParamsSize, len(b))
	}
	if b[1] > 1 {
		return p, errors.Errorf("dispatch params: channels-last byte %d", b[1])
	}
	p.Dims, p.ChannelsLast, p.VectorSize, p.SubgroupSize = b[0], b[1] == 1, b[2], b[3]
	for i := range p.WorkgroupSize {
		p.WorkgroupSize[i] = binary.LittleEndian.Uint32(b[4+4*i:])
	}
	return p, p.Validate()
}

// NDRange is the runtime launch geometry of one kernel.
type NDRange struct {
	Global [3]uint64
	Local  [3]uint32
}

// NDRange sizes a launch covering work; each global dim is rounded up to a
// multiple of the workgroup size. Missing dims default to 1.
func (p DispatchCompileParams) NDRange(work ...uint64) NDRange {
	var r NDRange
	for i := 0; i < 3; i++ {
		n := uint64(1)
		if i < len(work) {
			n = work[i]
		}
		l := p.WorkgroupSize[i]
		if l == 0 {
			l = 1
		}
		r.Local[i] = l
		r.Global[i] = (n + uint64(l) - 1) / uint64(l) * uint64(l)
	}
	return r
}

// FoldedNDRange covers n work items along dim 0 and spills into rows along
// dim 1 once dim 0 would need more than maxGroups workgroups. Kernels recover
// the flat index as gid.x + gid.y*Global[0].
func (p DispatchCompileParams) FoldedNDRange(n uint64, maxGroups uint32) NDRange {
	r := p.NDRange(n)
	l := uint64(r.Local[0])
	groups := r.Global[0] / l
	if maxGroups == 0 || groups <= uint64(maxGroups) {
		return r
	}
	rows := (groups + uint64(maxGroups) - 1) / uint64(maxGroups)
	cols := (groups + rows - 1) / rows
	r.Global[0] = cols * l
	r.Global[1] = rows * uint64(r.Local[1])
	return r
}

// Fits reports whether no dimension needs more than maxGroups workgroups.
func (r NDRange) Fits(maxGroups uint32) bool {
	for _, g := range r.Groups() {
		if g > maxGroups {
			return false
		}
	}
	return true
}

// Groups is the workgroup count per dimension.
func (r NDRange) Groups() [3]uint32 {
	var g [3]uint32
	for i := range g {
		if r.Local[i] == 0 {
			continue
		}
		g[i] = uint32(r.Global[i] / uint64(r.Local[i]))
	}
	return g
}

// Size is the total number of work items.
func (r NDRange) Size() uint64 { return r.Global[0] * r.Global[1] * r.Global[2] }
