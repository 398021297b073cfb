// Package kernels holds the device programs of the batch normalization
// pipeline: WGSL sources for WebGPU engines and equivalent Go bodies for the
// host emulator, together with the binding slots and uniform block they share.
package kernels

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Kernel names.
const (
	NormFwd        = "bnorm_fwd"
	CalcMean       = "bnorm_calc_mean"
	CalcVariance   = "bnorm_calc_variance"
	ReduceMean     = "bnorm_reduce_mean"
	ReduceVariance = "bnorm_reduce_variance"
	CalcStats      = "bnorm_calc_stats"
	ReduceStats    = "bnorm_reduce_stats"
	NormBwd        = "bnorm_bwd"
)

// Binding slots per kernel. Buffers are passed in this order.
const (
	CalcMeanSrc = iota
	CalcMeanPartials
)

const (
	ReduceMeanPartials = iota
	ReduceMeanMean
)

const (
	CalcVarSrc = iota
	CalcVarMean
	CalcVarPartials
)

const (
	ReduceVarPartials = iota
	ReduceVarVariance
)

const (
	FwdSrc = iota
	FwdMean
	FwdVariance
	FwdScale
	FwdShift
	FwdDst
	FwdWorkspace
	FwdSrcAdd
)

const (
	CalcStatsSrc = iota
	CalcStatsMean
	CalcStatsDiffDst
	CalcStatsWorkspace
	CalcStatsPartials
)

const (
	ReduceStatsPartials = iota
	ReduceStatsMean
	ReduceStatsVariance
	ReduceStatsReduced
	ReduceStatsDiffScale
	ReduceStatsDiffShift
)

// Regions of the reduced-stats buffer, each StatIC f32 long. NormBwd reads
// mean and inverse deviation from here so it stays within eight storage
// bindings.
const (
	ReducedDiffScale = iota
	ReducedDiffShift
	ReducedMean
	ReducedInvStd
	ReducedRegions
)

const (
	BwdSrc = iota
	BwdDiffDst
	BwdScale
	BwdWorkspace
	BwdReduced
	BwdDiffSrc
	BwdDiffSrcAdd
)

// Compile-time define names.
const (
	DefDataType        = "DT"
	DefScaleShiftType  = "SS_DT"
	DefUseScale        = "USE_SCALE"
	DefUseShift        = "USE_SHIFT"
	DefIsTraining      = "IS_TRAINING"
	DefFuseNormRelu    = "FUSE_BN_RELU"
	DefFuseNormAddRelu = "FUSE_BN_ADD_RELU"
	DefWithRelu        = "WITH_RELU"
	DefWithLeakyRelu   = "WITH_LEAKY_RELU"
	DefCalculateStats  = "CALCULATE_STATS"
)

// Dispatch define prefixes; each stage defines <PREFIX>_DIMS,
// <PREFIX>_CHANNELS_LAST, <PREFIX>_VECT, <PREFIX>_SG and <PREFIX>_LWS0..2.
const (
	StageCalc   = "CALC"
	StageReduce = "REDUCE"
	StageGWS    = "GWS"
)

// UniformSize is the byte size of the uniform block.
const UniformSize = 64

// Uniform is the runtime parameter block bound to every launch. All
// geometry is in elements.
type Uniform struct {
	IC              uint32
	StatIC          uint32
	Groups          uint32
	ReduceChunk     uint32
	ReductionNelems uint32
	Inner           uint32
	Outer           uint32
	OuterStride     uint32
	ChannelStride   uint32
	ReduceDimStride uint32
	Nelems          uint32
	Div             uint32
	Eps             float32
	ReluSlope       float32
	// GWSPitch is the dim 0 extent of a folded normalization launch.
	GWSPitch uint32
}

// Encode packs u little endian, padded with zeros to UniformSize.
func (u Uniform) Encode() []byte {
	b := make([]byte, 0, UniformSize)
	for _, v := range []uint32{
		u.IC, u.StatIC, u.Groups, u.ReduceChunk,
		u.ReductionNelems, u.Inner, u.Outer, u.OuterStride,
		u.ChannelStride, u.ReduceDimStride, u.Nelems, u.Div,
		math.Float32bits(u.Eps), math.Float32bits(u.ReluSlope), u.GWSPitch,
	} {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	return append(b, make([]byte, UniformSize-len(b))...)
}

// DecodeUniform is the inverse of Encode.
func DecodeUniform(b []byte) (Uniform, error) {
	if len(b) != UniformSize {
		return Uniform{}, errors.Errorf("uniform block: want %d bytes, got %d", UniformSize, len(b))
	}
	w := func(i int) uint32 { return binary.LittleEndian.Uint32(b[4*i:]) }
	return Uniform{
		IC: w(0), StatIC: w(1), Groups: w(2), ReduceChunk: w(3),
		ReductionNelems: w(4), Inner: w(5), Outer: w(6), OuterStride: w(7),
		ChannelStride: w(8), ReduceDimStride: w(9), Nelems: w(10), Div: w(11),
		Eps: math.Float32frombits(w(12)), ReluSlope: math.Float32frombits(w(13)),
		GWSPitch: w(14),
	}, nil
}

// offset maps (n, c, s) to a physical element index.
func (u *Uniform) offset(n, c, s uint64) uint64 {
	return n*uint64(u.OuterStride) + c*uint64(u.ChannelStride) + s*uint64(u.ReduceDimStride)
}

// flat recovers the work-item index of a normalization launch.
func (u *Uniform) flat(gid [3]uint64) uint64 { return gid[0] + gid[1]*uint64(u.GWSPitch) }

// coords decodes a flat work-item index of the normalization grid.
func (u *Uniform) coords(t uint64, channelsLast bool) (n, c, s uint64) {
	ic, inner := uint64(u.IC), uint64(u.Inner)
	if channelsLast {
		c = t % ic
		rest := t / ic
		return rest / inner, c, rest % inner
	}
	s = t % inner
	rest := t / inner
	return rest / ic, rest % ic, s
}

// chunk returns the reduction range [begin, end) owned by group g.
func (u *Uniform) chunk(g uint64) (begin, end uint64) {
	begin = g * uint64(u.ReduceChunk)
	end = min(begin+uint64(u.ReduceChunk), uint64(u.ReductionNelems))
	return begin, end
}
