package kernels

import (
	"math"

	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/memory"
	"github.com/pkg/errors"
)

// HostFunc runs one work item of a kernel on the host. bufs follows the
// kernel's slot order; unused slots are nil.
type HostFunc func(gid [3]uint64, u *Uniform, bufs [][]byte)

// config is the compile-time view of a KernelCtx.
type config struct {
	dt, ssdt     memory.DataType
	useScale     bool
	useShift     bool
	isTraining   bool
	fuseRelu     bool
	fuseAddRelu  bool
	withRelu     bool
	withLeaky    bool
	calcStats    bool
	gwsLast      bool
	workspaceOut bool
}

func configFrom(kctx *compute.KernelCtx) (config, error) {
	c := config{
		dt:          memory.DataType(kctx.Int(DefDataType)),
		ssdt:        memory.DataType(kctx.Int(DefScaleShiftType)),
		useScale:    kctx.Bool(DefUseScale),
		useShift:    kctx.Bool(DefUseShift),
		isTraining:  kctx.Bool(DefIsTraining),
		fuseRelu:    kctx.Bool(DefFuseNormRelu),
		fuseAddRelu: kctx.Bool(DefFuseNormAddRelu),
		withRelu:    kctx.Bool(DefWithRelu),
		withLeaky:   kctx.Bool(DefWithLeakyRelu),
		calcStats:   kctx.Bool(DefCalculateStats),
		gwsLast:     kctx.Bool(StageGWS + "_CHANNELS_LAST"),
	}
	if !c.dt.Valid() {
		return c, errors.Errorf("%s=%d is not a data type", DefDataType, c.dt)
	}
	if !c.ssdt.Valid() {
		return c, errors.Errorf("%s=%d is not a data type", DefScaleShiftType, c.ssdt)
	}
	c.workspaceOut = c.isTraining && c.fused()
	return c, nil
}

func (c *config) fused() bool { return c.fuseRelu || c.fuseAddRelu }

// Host returns the Go body of the named kernel compiled against kctx.
func Host(name string, kctx *compute.KernelCtx) (HostFunc, error) {
	c, err := configFrom(kctx)
	if err != nil {
		return nil, err
	}
	switch name {
	case CalcMean:
		return c.calcMean, nil
	case ReduceMean:
		return c.reduceMean, nil
	case CalcVariance:
		return c.calcVariance, nil
	case ReduceVariance:
		return c.reduceVariance, nil
	case NormFwd:
		return c.normFwd, nil
	case CalcStats:
		return c.calcStatsPartials, nil
	case ReduceStats:
		return c.reduceStats, nil
	case NormBwd:
		return c.normBwd, nil
	}
	return nil, errors.Errorf("unknown kernel %q", name)
}

// f32 reads and writes stat and scratch buffers, which are always f32.
func f32(b []byte, i uint64) float32 { return load(memory.F32, b, i) }

func setF32(b []byte, i uint64, v float32) { store(memory.F32, b, i, v) }

// sumChunk accumulates fn over the reduction chunk of group g for channel ch.
func sumChunk(u *Uniform, ch, g uint64, fn func(off uint64) float64) float64 {
	var sum float64
	begin, end := u.chunk(g)
	inner := uint64(u.Inner)
	for r := begin; r < end; r++ {
		sum += fn(u.offset(r/inner, ch, r%inner))
	}
	return sum
}

func (c config) calcMean(gid [3]uint64, u *Uniform, bufs [][]byte) {
	ch, g := gid[0], gid[1]
	if ch >= uint64(u.StatIC) || g >= uint64(u.Groups) {
		return
	}
	var sum float64
	if ch < uint64(u.IC) {
		src := bufs[CalcMeanSrc]
		sum = sumChunk(u, ch, g, func(off uint64) float64 {
			return float64(load(c.dt, src, off))
		})
	}
	setF32(bufs[CalcMeanPartials], g*uint64(u.StatIC)+ch, float32(sum))
}

func (c config) reduceMean(gid [3]uint64, u *Uniform, bufs [][]byte) {
	ch := gid[0]
	if ch >= uint64(u.IC) {
		return
	}
	var sum float64
	for g := uint64(0); g < uint64(u.Groups); g++ {
		sum += float64(f32(bufs[ReduceMeanPartials], g*uint64(u.StatIC)+ch))
	}
	setF32(bufs[ReduceMeanMean], ch, float32(sum/float64(u.ReductionNelems)))
}

func (c config) calcVariance(gid [3]uint64, u *Uniform, bufs [][]byte) {
	ch, g := gid[0], gid[1]
	if ch >= uint64(u.StatIC) || g >= uint64(u.Groups) {
		return
	}
	var sum float64
	if ch < uint64(u.IC) {
		src := bufs[CalcVarSrc]
		mean := float64(f32(bufs[CalcVarMean], ch))
		sum = sumChunk(u, ch, g, func(off uint64) float64 {
			d := float64(load(c.dt, src, off)) - mean
			return d * d
		})
	}
	setF32(bufs[CalcVarPartials], g*uint64(u.StatIC)+ch, float32(sum))
}

func (c config) reduceVariance(gid [3]uint64, u *Uniform, bufs [][]byte) {
	ch := gid[0]
	if ch >= uint64(u.IC) {
		return
	}
	var sum float64
	for g := uint64(0); g < uint64(u.Groups); g++ {
		sum += float64(f32(bufs[ReduceVarPartials], g*uint64(u.StatIC)+ch))
	}
	setF32(bufs[ReduceVarVariance], ch, float32(sum/float64(u.Div)))
}

// activate applies the fused or post-op ReLU and reports whether y was clipped.
func (c config) activate(y, slope float32) (float32, bool) {
	if !c.fused() && !c.withRelu {
		return y, false
	}
	if c.withLeaky {
		if y < 0 {
			return y * slope, false
		}
		return y, false
	}
	if y <= 0 {
		return 0, true
	}
	return y, false
}

func (c config) normFwd(gid [3]uint64, u *Uniform, bufs [][]byte) {
	t := u.flat(gid)
	if t >= uint64(u.Nelems) {
		return
	}
	n, ch, s := u.coords(t, c.gwsLast)
	off := u.offset(n, ch, s)

	mean := f32(bufs[FwdMean], ch)
	sd := float32(math.Sqrt(float64(f32(bufs[FwdVariance], ch) + u.Eps)))
	y := (load(c.dt, bufs[FwdSrc], off) - mean) / sd
	if c.useScale {
		y *= load(c.ssdt, bufs[FwdScale], ch)
	}
	if c.useShift {
		y += load(c.ssdt, bufs[FwdShift], ch)
	}
	if c.fuseAddRelu {
		y += load(c.dt, bufs[FwdSrcAdd], off)
	}
	y, clipped := c.activate(y, u.ReluSlope)
	if c.workspaceOut {
		var m byte
		if clipped {
			m = 1
		}
		bufs[FwdWorkspace][off] = m
	}
	store(c.dt, bufs[FwdDst], off, y)
}

// maskedDiff reads diff_dst at off, zeroed where the forward pass clipped.
func (c config) maskedDiff(diffDst, ws []byte, off uint64) float32 {
	if c.fused() && ws[off] != 0 {
		return 0
	}
	return load(c.dt, diffDst, off)
}

func (c config) calcStatsPartials(gid [3]uint64, u *Uniform, bufs [][]byte) {
	ch, g := gid[0], gid[1]
	if ch >= uint64(u.StatIC) || g >= uint64(u.Groups) {
		return
	}
	var sumDx, sumD float64
	if ch < uint64(u.IC) {
		src, diffDst, ws := bufs[CalcStatsSrc], bufs[CalcStatsDiffDst], bufs[CalcStatsWorkspace]
		mean := f32(bufs[CalcStatsMean], ch)
		begin, end := u.chunk(g)
		inner := uint64(u.Inner)
		for r := begin; r < end; r++ {
			off := u.offset(r/inner, ch, r%inner)
			dd := float64(c.maskedDiff(diffDst, ws, off))
			sumDx += dd * float64(load(c.dt, src, off)-mean)
			sumD += dd
		}
	}
	partials := bufs[CalcStatsPartials]
	idx := g*uint64(u.StatIC) + ch
	setF32(partials, idx, float32(sumDx))
	setF32(partials, uint64(u.Groups)*uint64(u.StatIC)+idx, float32(sumD))
}

func (c config) reduceStats(gid [3]uint64, u *Uniform, bufs [][]byte) {
	ch := gid[0]
	if ch >= uint64(u.StatIC) {
		return
	}
	statIC := uint64(u.StatIC)
	second := uint64(u.Groups) * statIC
	partials := bufs[ReduceStatsPartials]
	var sumDx, sumD float64
	for g := uint64(0); g < uint64(u.Groups); g++ {
		sumDx += float64(f32(partials, g*statIC+ch))
		sumD += float64(f32(partials, second+g*statIC+ch))
	}
	var diffScale, mean, invStd float32
	if ch < uint64(u.IC) {
		inv := 1 / math.Sqrt(float64(f32(bufs[ReduceStatsVariance], ch)+u.Eps))
		diffScale = float32(sumDx * inv)
		mean = f32(bufs[ReduceStatsMean], ch)
		invStd = float32(inv)
	}
	reduced := bufs[ReduceStatsReduced]
	setF32(reduced, ReducedDiffScale*statIC+ch, diffScale)
	setF32(reduced, ReducedDiffShift*statIC+ch, float32(sumD))
	setF32(reduced, ReducedMean*statIC+ch, mean)
	setF32(reduced, ReducedInvStd*statIC+ch, invStd)
	if ch >= uint64(u.IC) {
		return
	}
	if b := bufs[ReduceStatsDiffScale]; len(b) > 0 && c.useScale {
		store(c.ssdt, b, ch, diffScale)
	}
	if b := bufs[ReduceStatsDiffShift]; len(b) > 0 && c.useShift {
		store(c.ssdt, b, ch, float32(sumD))
	}
}

func (c config) normBwd(gid [3]uint64, u *Uniform, bufs [][]byte) {
	t := u.flat(gid)
	if t >= uint64(u.Nelems) {
		return
	}
	n, ch, s := u.coords(t, c.gwsLast)
	off := u.offset(n, ch, s)

	dd := c.maskedDiff(bufs[BwdDiffDst], bufs[BwdWorkspace], off)
	if c.fuseAddRelu {
		store(c.dt, bufs[BwdDiffSrcAdd], off, dd)
	}
	reduced, statIC := bufs[BwdReduced], uint64(u.StatIC)
	inv := f32(reduced, ReducedInvStd*statIC+ch)
	gamma := float32(1)
	if c.useScale {
		gamma = load(c.ssdt, bufs[BwdScale], ch)
	}
	if c.calcStats {
		diffScale := f32(reduced, ReducedDiffScale*statIC+ch)
		diffShift := f32(reduced, ReducedDiffShift*statIC+ch)
		div := float32(u.Div)
		x := load(c.dt, bufs[BwdSrc], off) - f32(reduced, ReducedMean*statIC+ch)
		dd -= diffShift/div + x*inv*diffScale/div
	}
	store(c.dt, bufs[BwdDiffSrc], off, gamma*inv*dd)
}
