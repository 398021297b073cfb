package bnorm

import (
	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/kernels"
	"github.com/openfluke/bnorm/memory"
	"k8s.io/klog/v2"
)

// Forward is a compiled forward batch normalization.
type Forward struct {
	pd *ForwardPD

	calcMean, reduceMean, calcVariance, reduceVariance compute.Kernel
	normalize                                          compute.Kernel
}

// NewForward acquires the kernels of pd on eng. Compilation failures are
// reported here, never by Execute.
func NewForward(pd *ForwardPD, eng compute.Engine, opts ...Option) (*Forward, error) {
	const op = "bnorm_fwd"
	f := &Forward{pd: pd}
	if pd.ZeroDim {
		klog.V(1).Infof("%s: empty problem %s, nothing to compile", op, pd.Desc.Src)
		return f, nil
	}
	o := buildPrimitiveOptions(opts)
	ks, err := acquireKernels(op, eng, &pd.Config, o.cache, pd.Kernels())
	if err != nil {
		return nil, err
	}
	if pd.Params.CalculateStats {
		f.calcMean, f.reduceMean, f.calcVariance, f.reduceVariance, f.normalize = ks[0], ks[1], ks[2], ks[3], ks[4]
	} else {
		f.normalize = ks[0]
	}
	return f, nil
}

func (f *Forward) PD() *ForwardPD { return f.pd }

// Execute enqueues the forward pass on ctx.Stream. It returns once every
// launch is queued; device faults surface on the stream.
func (f *Forward) Execute(ctx *ExecCtx) error {
	const op = "bnorm_fwd"
	pd := f.pd
	if pd.ZeroDim {
		return nil
	}
	p, rt, d := pd.Params, pd.Runtime, pd.Desc
	l, err := newLauncher(op, ctx, rt)
	if err != nil {
		return err
	}

	src, err := ctx.arg(op, ArgSrc, d.Src.Size())
	if err != nil {
		return err
	}
	dst, err := ctx.arg(op, ArgDst, d.Dst.Size())
	if err != nil {
		return err
	}
	statSize := 4 * rt.IC
	var mean, variance compute.Buffer
	if p.CalculateStats && !p.IsTraining {
		if mean, err = ctx.scratch(op, &pd.Config, ScratchMean); err != nil {
			return err
		}
		if variance, err = ctx.scratch(op, &pd.Config, ScratchVariance); err != nil {
			return err
		}
	} else {
		if mean, err = ctx.arg(op, ArgMean, statSize); err != nil {
			return err
		}
		if variance, err = ctx.arg(op, ArgVariance, statSize); err != nil {
			return err
		}
	}
	ssSize := rt.IC * int64(p.ScaleShiftType.Size())
	var scale, shift, ws, srcAdd compute.Buffer
	if p.UseScale {
		if scale, err = ctx.arg(op, ArgScale, ssSize); err != nil {
			return err
		}
	}
	if p.UseShift {
		if shift, err = ctx.arg(op, ArgShift, ssSize); err != nil {
			return err
		}
	}
	if !pd.Workspace.IsZero() {
		if ws, err = ctx.arg(op, ArgWorkspace, pd.Workspace.Size()); err != nil {
			return err
		}
	}
	if p.FuseNormAddRelu {
		if srcAdd, err = ctx.arg(op, ArgSrcAdd, d.Src.Size()); err != nil {
			return err
		}
	}

	if p.CalculateStats {
		partials, err := ctx.scratch(op, &pd.Config, ScratchPartials)
		if err != nil {
			return err
		}
		// The variance pass reads the reduced mean; stream order guarantees
		// ReduceMean has completed before CalcVariance starts.
		steps := []struct {
			k    compute.Kernel
			nd   compute.NDRange
			bufs []compute.Buffer
		}{
			{f.calcMean, rt.CalcStat, []compute.Buffer{src, partials}},
			{f.reduceMean, rt.ReduceStat, []compute.Buffer{partials, mean}},
			{f.calcVariance, rt.CalcStat, []compute.Buffer{src, mean, partials}},
			{f.reduceVariance, rt.ReduceStat, []compute.Buffer{partials, variance}},
		}
		for _, s := range steps {
			if err := l.launch(s.k, s.nd, s.bufs...); err != nil {
				return err
			}
		}
	}

	bufs := make([]compute.Buffer, kernels.Slots(kernels.NormFwd))
	bufs[kernels.FwdSrc] = src
	bufs[kernels.FwdMean] = mean
	bufs[kernels.FwdVariance] = variance
	bufs[kernels.FwdScale] = scale
	bufs[kernels.FwdShift] = shift
	bufs[kernels.FwdDst] = dst
	bufs[kernels.FwdWorkspace] = ws
	bufs[kernels.FwdSrcAdd] = srcAdd
	return l.launch(f.normalize, rt.GWS, bufs...)
}

// WorkspaceDesc describes the clip mask, or is zero when none is produced.
func (pd *ForwardPD) WorkspaceDesc() memory.Desc { return pd.Workspace }
