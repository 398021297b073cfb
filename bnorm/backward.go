package bnorm

import (
	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/kernels"
	"k8s.io/klog/v2"
)

// Backward is a compiled backward batch normalization.
type Backward struct {
	pd *BackwardPD

	calcStats, reduceStats, gradients compute.Kernel
}

// NewBackward acquires the kernels of pd on eng.
func NewBackward(pd *BackwardPD, eng compute.Engine, opts ...Option) (*Backward, error) {
	const op = "bnorm_bwd"
	b := &Backward{pd: pd}
	if pd.ZeroDim {
		klog.V(1).Infof("%s: empty problem %s, nothing to compile", op, pd.Desc.Src)
		return b, nil
	}
	o := buildPrimitiveOptions(opts)
	ks, err := acquireKernels(op, eng, &pd.Config, o.cache, pd.Kernels())
	if err != nil {
		return nil, err
	}
	b.calcStats, b.reduceStats, b.gradients = ks[0], ks[1], ks[2]
	return b, nil
}

func (b *Backward) PD() *BackwardPD { return b.pd }

// Execute enqueues the backward pass on ctx.Stream.
func (b *Backward) Execute(ctx *ExecCtx) error {
	const op = "bnorm_bwd"
	pd := b.pd
	if pd.ZeroDim {
		return nil
	}
	p, rt, d := pd.Params, pd.Runtime, pd.Desc
	l, err := newLauncher(op, ctx, rt)
	if err != nil {
		return err
	}

	statSize := 4 * rt.IC
	ssSize := rt.IC * int64(p.ScaleShiftType.Size())
	required := []struct {
		arg  Arg
		size int64
		need bool
	}{
		{ArgSrc, d.Src.Size(), true},
		{ArgMean, statSize, true},
		{ArgVariance, statSize, true},
		{ArgDiffDst, d.DiffDst.Size(), true},
		{ArgDiffSrc, d.DiffSrc.Size(), true},
		{ArgScale, ssSize, p.UseScale},
		{ArgWorkspace, pd.Workspace.Size(), !pd.Workspace.IsZero()},
		{ArgDiffSrcAdd, d.DiffSrc.Size(), p.FuseNormAddRelu},
		{ArgDiffScale, ssSize, p.UseScale && d.Prop == PropBackward},
		{ArgDiffShift, ssSize, p.UseShift && d.Prop == PropBackward},
	}
	bufs := map[Arg]compute.Buffer{}
	for _, r := range required {
		if !r.need {
			continue
		}
		if bufs[r.arg], err = ctx.arg(op, r.arg, r.size); err != nil {
			return err
		}
	}
	partials, err := ctx.scratch(op, &pd.Config, ScratchPartials)
	if err != nil {
		return err
	}
	reduced, err := ctx.scratch(op, &pd.Config, ScratchReduced)
	if err != nil {
		return err
	}

	calc := make([]compute.Buffer, kernels.Slots(kernels.CalcStats))
	calc[kernels.CalcStatsSrc] = bufs[ArgSrc]
	calc[kernels.CalcStatsMean] = bufs[ArgMean]
	calc[kernels.CalcStatsDiffDst] = bufs[ArgDiffDst]
	calc[kernels.CalcStatsWorkspace] = bufs[ArgWorkspace]
	calc[kernels.CalcStatsPartials] = partials
	if err := l.launch(b.calcStats, rt.CalcStat, calc...); err != nil {
		return err
	}

	reduce := make([]compute.Buffer, kernels.Slots(kernels.ReduceStats))
	reduce[kernels.ReduceStatsPartials] = partials
	reduce[kernels.ReduceStatsMean] = bufs[ArgMean]
	reduce[kernels.ReduceStatsVariance] = bufs[ArgVariance]
	reduce[kernels.ReduceStatsReduced] = reduced
	reduce[kernels.ReduceStatsDiffScale] = bufs[ArgDiffScale]
	reduce[kernels.ReduceStatsDiffShift] = bufs[ArgDiffShift]
	if err := l.launch(b.reduceStats, rt.ReduceStat, reduce...); err != nil {
		return err
	}

	grad := make([]compute.Buffer, kernels.Slots(kernels.NormBwd))
	grad[kernels.BwdSrc] = bufs[ArgSrc]
	grad[kernels.BwdDiffDst] = bufs[ArgDiffDst]
	grad[kernels.BwdScale] = bufs[ArgScale]
	grad[kernels.BwdWorkspace] = bufs[ArgWorkspace]
	grad[kernels.BwdReduced] = reduced
	grad[kernels.BwdDiffSrc] = bufs[ArgDiffSrc]
	grad[kernels.BwdDiffSrcAdd] = bufs[ArgDiffSrcAdd]
	return l.launch(b.gradients, rt.GWS, grad...)
}
