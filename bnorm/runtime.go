package bnorm

import (
	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/kernels"
)

// RuntimeParams are the per-call values bound to every launch. They never
// select kernels.
type RuntimeParams struct {
	ReduceDimStride int64
	CalcStat        compute.NDRange
	ReduceStat      compute.NDRange
	GWS             compute.NDRange

	ReluNegativeSlope float32
	Eps               float32

	StatIC          int64
	ReductionNelems int64
	Div             int64
	IC              int64

	Outer         int64
	Inner         int64
	OuterStride   int64
	ChannelStride int64
	Groups        int64
	ReduceChunk   int64
	Nelems        int64
}

// Uniform packs r into the block kernels read their geometry from.
func (r RuntimeParams) Uniform() kernels.Uniform {
	return kernels.Uniform{
		IC:              uint32(r.IC),
		StatIC:          uint32(r.StatIC),
		Groups:          uint32(r.Groups),
		ReduceChunk:     uint32(r.ReduceChunk),
		ReductionNelems: uint32(r.ReductionNelems),
		Inner:           uint32(r.Inner),
		Outer:           uint32(r.Outer),
		OuterStride:     uint32(r.OuterStride),
		ChannelStride:   uint32(r.ChannelStride),
		ReduceDimStride: uint32(r.ReduceDimStride),
		Nelems:          uint32(r.Nelems),
		Div:             uint32(r.Div),
		Eps:             r.Eps,
		ReluSlope:       r.ReluNegativeSlope,
		GWSPitch:        uint32(r.GWS.Global[0]),
	}
}
