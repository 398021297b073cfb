// Package bnorm implements batch normalization primitives on top of a
// compute engine. A primitive descriptor validates the operation and derives
// the compile-time Params and per-call RuntimeParams; the Forward and
// Backward primitives acquire the compiled kernel bundle once and then
// enqueue the launch sequence on every Execute.
package bnorm

import "github.com/openfluke/bnorm/memory"

// PropKind is the propagation direction of an operation.
type PropKind uint8

const (
	PropForwardTraining PropKind = iota + 1
	PropForwardInference
	// PropBackward computes diff_src, diff_scale and diff_shift.
	PropBackward
	// PropBackwardData computes diff_src only.
	PropBackwardData
)

func (p PropKind) IsForward() bool { return p == PropForwardTraining || p == PropForwardInference }

func (p PropKind) String() string {
	switch p {
	case PropForwardTraining:
		return "forward_training"
	case PropForwardInference:
		return "forward_inference"
	case PropBackward:
		return "backward"
	case PropBackwardData:
		return "backward_data"
	default:
		return "undef"
	}
}

// Flags select optional behavior.
type Flags uint8

const (
	// UseGlobalStats takes mean and variance from the caller instead of
	// computing them.
	UseGlobalStats Flags = 1 << iota
	UseScale
	UseShift
	// FuseNormRelu applies ReLU to the output; training records the clip mask.
	FuseNormRelu
	// FuseNormAddRelu adds a second input before the fused ReLU.
	FuseNormAddRelu
)

func (f Flags) Has(o Flags) bool { return f&o == o }

// Desc describes a batch normalization operation.
type Desc struct {
	Prop  PropKind
	Flags Flags

	Src     memory.Desc
	Dst     memory.Desc
	DiffSrc memory.Desc
	DiffDst memory.Desc

	// Stats describes mean and variance, ScaleShift describes scale, shift
	// and their gradients. Both are one-dimensional over channels.
	Stats      memory.Desc
	ScaleShift memory.Desc

	Epsilon float32
}

func channelDesc(src memory.Desc) memory.Desc {
	return memory.NewDesc(memory.F32, memory.FormatNCX, src.Channels())
}

// NewForwardDesc describes a forward pass. Stats and scale/shift default to f32.
func NewForwardDesc(prop PropKind, src, dst memory.Desc, eps float32, flags Flags) Desc {
	return Desc{
		Prop:       prop,
		Flags:      flags,
		Src:        src,
		Dst:        dst,
		Stats:      channelDesc(src),
		ScaleShift: channelDesc(src),
		Epsilon:    eps,
	}
}

// NewBackwardDesc describes a backward pass.
func NewBackwardDesc(prop PropKind, diffSrc, diffDst, src memory.Desc, eps float32, flags Flags) Desc {
	return Desc{
		Prop:       prop,
		Flags:      flags,
		Src:        src,
		DiffSrc:    diffSrc,
		DiffDst:    diffDst,
		Stats:      channelDesc(src),
		ScaleShift: channelDesc(src),
		Epsilon:    eps,
	}
}
