package bnorm

import (
	"bytes"
	"fmt"

	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/kernels"
	"github.com/openfluke/bnorm/memory"
	"github.com/pkg/errors"
)

// SchemaVersion is the first byte of a serialized Params.
const SchemaVersion = 1

// ParamsSize is the fixed size of a serialized Params.
const ParamsSize = 64

// KernelID enumerates the kernels of a bundle. The order is part of the
// schema: a new kernel is appended and SchemaVersion bumped.
type KernelID uint8

const (
	KernelNormFwd KernelID = iota
	KernelCalcMean
	KernelCalcVariance
	KernelReduceMean
	KernelReduceVariance
	KernelCalcStats
	KernelReduceStats
	KernelNormBwd
	numKernels
)

var kernelNames = [numKernels]string{
	KernelNormFwd:        kernels.NormFwd,
	KernelCalcMean:       kernels.CalcMean,
	KernelCalcVariance:   kernels.CalcVariance,
	KernelReduceMean:     kernels.ReduceMean,
	KernelReduceVariance: kernels.ReduceVariance,
	KernelCalcStats:      kernels.CalcStats,
	KernelReduceStats:    kernels.ReduceStats,
	KernelNormBwd:        kernels.NormBwd,
}

func (k KernelID) String() string {
	if k >= numKernels {
		return fmt.Sprintf("KernelID(%d)", uint8(k))
	}
	return kernelNames[k]
}

// KernelNames returns the full kernel table in schema order.
func KernelNames() []string { return append([]string(nil), kernelNames[:]...) }

// Params is the compile-time configuration of a batch normalization
// primitive. Its serialization identifies the compiled kernel bundle.
type Params struct {
	DataType       memory.DataType
	ScaleShiftType memory.DataType

	UseScale        bool
	UseShift        bool
	IsTraining      bool
	FuseNormRelu    bool
	FuseNormAddRelu bool
	WithRelu        bool
	WithLeakyRelu   bool
	CalculateStats  bool

	CalcStat   compute.DispatchCompileParams
	ReduceStat compute.DispatchCompileParams
	GWS        compute.DispatchCompileParams
}

func (p *Params) flags() []*bool {
	return []*bool{
		&p.UseScale, &p.UseShift, &p.IsTraining, &p.FuseNormRelu,
		&p.FuseNormAddRelu, &p.WithRelu, &p.WithLeakyRelu, &p.CalculateStats,
	}
}

// Serialize returns the canonical 64-byte encoding of p. Reserved bytes are
// always zero.
func (p Params) Serialize() []byte {
	b := make([]byte, 0, ParamsSize)
	b = append(b, SchemaVersion, byte(p.DataType), byte(p.ScaleShiftType))
	for _, f := range p.flags() {
		if *f {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	b = append(b, 0)
	b = p.CalcStat.AppendBinary(b)
	b = p.ReduceStat.AppendBinary(b)
	b = p.GWS.AppendBinary(b)
	return append(b, 0, 0, 0, 0)
}

// DeserializeParams decodes a Serialize output, rejecting anything
// Serialize could not have produced.
func DeserializeParams(b []byte) (Params, error) {
	var p Params
	if len(b) != ParamsSize {
		return p, errors.Errorf("params: want %d bytes, got %d", ParamsSize, len(b))
	}
	if b[0] != SchemaVersion {
		return p, errors.Errorf("params: unknown schema version %d", b[0])
	}
	p.DataType, p.ScaleShiftType = memory.DataType(b[1]), memory.DataType(b[2])
	if !supportedType(p.DataType) {
		return p, errors.Errorf("params: bad data type %d", b[1])
	}
	if !supportedType(p.ScaleShiftType) || p.ScaleShiftType == memory.S8 {
		return p, errors.Errorf("params: bad scale/shift data type %d", b[2])
	}
	for i, f := range p.flags() {
		switch b[3+i] {
		case 0:
		case 1:
			*f = true
		default:
			return p, errors.Errorf("params: flag byte %d is %d", 3+i, b[3+i])
		}
	}
	if b[11] != 0 || !bytes.Equal(b[60:], []byte{0, 0, 0, 0}) {
		return p, errors.New("params: reserved bytes are not zero")
	}
	var err error
	for i, d := range []*compute.DispatchCompileParams{&p.CalcStat, &p.ReduceStat, &p.GWS} {
		off := 12 + i*compute.DispatchCompileParamsSize
		if *d, err = compute.DecodeDispatchCompileParams(b[off : off+compute.DispatchCompileParamsSize]); err != nil {
			return p, errors.Wrapf(err, "params: dispatch block %d", i)
		}
	}
	return p, nil
}

// Equal compares canonical encodings.
func (p Params) Equal(o Params) bool { return bytes.Equal(p.Serialize(), o.Serialize()) }

func supportedType(dt memory.DataType) bool {
	switch dt {
	case memory.F32, memory.F16, memory.BF16, memory.S8:
		return true
	}
	return false
}

// KernelCtx renders p as the compile-time defines of the kernel bundle.
func (p Params) KernelCtx() *compute.KernelCtx {
	k := compute.NewKernelCtx()
	k.Define(kernels.DefDataType, int64(p.DataType))
	k.Define(kernels.DefScaleShiftType, int64(p.ScaleShiftType))
	k.DefineBool(kernels.DefUseScale, p.UseScale)
	k.DefineBool(kernels.DefUseShift, p.UseShift)
	k.DefineBool(kernels.DefIsTraining, p.IsTraining)
	k.DefineBool(kernels.DefFuseNormRelu, p.FuseNormRelu)
	k.DefineBool(kernels.DefFuseNormAddRelu, p.FuseNormAddRelu)
	k.DefineBool(kernels.DefWithRelu, p.WithRelu)
	k.DefineBool(kernels.DefWithLeakyRelu, p.WithLeakyRelu)
	k.DefineBool(kernels.DefCalculateStats, p.CalculateStats)
	defineDispatch(k, kernels.StageCalc, p.CalcStat)
	defineDispatch(k, kernels.StageReduce, p.ReduceStat)
	defineDispatch(k, kernels.StageGWS, p.GWS)
	return k
}

func defineDispatch(k *compute.KernelCtx, prefix string, d compute.DispatchCompileParams) {
	k.Define(prefix+"_DIMS", int64(d.Dims))
	k.DefineBool(prefix+"_CHANNELS_LAST", d.ChannelsLast)
	k.Define(prefix+"_VECT", int64(d.VectorSize))
	k.Define(prefix+"_SG", int64(d.SubgroupSize))
	for i, w := range d.WorkgroupSize {
		k.Define(fmt.Sprintf("%s_LWS%d", prefix, i), int64(w))
	}
}
