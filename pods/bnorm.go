package pods

import (
	"math/rand"
	"time"

	"github.com/openfluke/bnorm/bnorm"
	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/kernels"
	"github.com/openfluke/bnorm/memory"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

func init() {
	Register(ForwardPod{Prop: bnorm.PropForwardTraining})
	Register(ForwardPod{Prop: bnorm.PropForwardInference})
	Register(BackwardPod{})
}

// session tracks the buffers of one pod run.
type session struct {
	x    *ExecContext
	bufs []compute.Buffer
}

func (s *session) alloc(size int64) (compute.Buffer, error) {
	b, err := s.x.Engine.NewBuffer(size)
	if err != nil {
		return nil, err
	}
	s.bufs = append(s.bufs, b)
	return b, nil
}

func (s *session) upload(dt memory.DataType, v []float32) (compute.Buffer, error) {
	b, err := s.alloc(int64(len(v) * dt.Size()))
	if err != nil {
		return nil, err
	}
	return b, s.x.Stream.Write(b, kernels.Encode(dt, v))
}

func (s *session) uploadAll(dt memory.DataType, args map[bnorm.Arg]compute.Buffer, values map[bnorm.Arg][]float32) error {
	for a, v := range values {
		b, err := s.upload(dt, v)
		if err != nil {
			return errors.Wrapf(err, "upload %s", a)
		}
		args[a] = b
	}
	return nil
}

func (s *session) read(b compute.Buffer, dt memory.DataType) ([]float32, error) {
	out := make([]byte, b.Size())
	if err := s.x.Stream.Read(b, out); err != nil {
		return nil, err
	}
	return kernels.Decode(dt, out), nil
}

func (s *session) release() {
	for _, b := range s.bufs {
		b.Release()
	}
}

func random(r *rand.Rand, n int64, scale, offset float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(r.NormFloat64()*scale + offset)
	}
	return out
}

// channelStats reduces every channel of x, laid out as d, with gonum.
func channelStats(d memory.Desc, x []float32) []ChannelStats {
	outerStride, channelStride, innerStride := d.Strides()
	out := make([]ChannelStats, d.Channels())
	vals := make([]float64, 0, d.Outer()*d.Inner())
	for c := range out {
		vals = vals[:0]
		for n := int64(0); n < d.Outer(); n++ {
			for s := int64(0); s < d.Inner(); s++ {
				vals = append(vals, float64(x[n*outerStride+int64(c)*channelStride+s*innerStride]))
			}
		}
		out[c].Mean, out[c].Variance = stat.PopMeanVariance(vals, nil)
	}
	return out
}

func split(stats []ChannelStats) (mean, variance []float32) {
	mean = make([]float32, len(stats))
	variance = make([]float32, len(stats))
	for c, s := range stats {
		mean[c], variance[c] = float32(s.Mean), float32(s.Variance)
	}
	return mean, variance
}

func join(mean, variance []float32) []ChannelStats {
	out := make([]ChannelStats, len(mean))
	for c := range out {
		out[c] = ChannelStats{Mean: float64(mean[c]), Variance: float64(variance[c])}
	}
	return out
}

// inputs draws src, scale and shift. Integer sources get a wider spread.
func (p Problem) inputs(r *rand.Rand) (src, scale, shift []float32) {
	d := p.src()
	spread, offset := 2.0, 1.0
	if p.DataType == memory.S8 {
		spread, offset = 30, 5
	}
	src = random(r, d.Nelems(), spread, offset)
	// Quantize so host-side statistics see what the device sees.
	src = kernels.Decode(p.DataType, kernels.Encode(p.DataType, src))
	return src, random(r, d.Channels(), 0.25, 1), random(r, d.Channels(), 0.25, 0)
}

// ForwardPod normalizes a random tensor with the given propagation kind.
type ForwardPod struct {
	Prop bnorm.PropKind
}

func (f ForwardPod) Name() string {
	if f.Prop == bnorm.PropForwardInference {
		return "bnorm/fwd_inference"
	}
	return "bnorm/fwd_training"
}

func (f ForwardPod) Run(x *ExecContext, in any) (any, error) {
	p, ok := in.(Problem)
	if !ok {
		return nil, errors.Wrapf(ErrBadInput, "%s wants Problem, got %T", f.Name(), in)
	}
	start := time.Now()
	src := p.src()
	pd, err := bnorm.NewForwardPD(x.Engine, bnorm.NewForwardDesc(f.Prop, src, src, p.Eps, p.Flags), p.Attr)
	if err != nil {
		return nil, err
	}
	fwd, err := bnorm.NewForward(pd, x.Engine, bnorm.WithCache(x.Cache))
	if err != nil {
		return nil, err
	}
	s := &session{x: x}
	defer s.release()
	out, err := s.forward(fwd, p, rand.New(rand.NewSource(p.Seed)))
	if err != nil {
		return nil, err
	}
	out.res.Pod = f.Name()
	out.res.Kernels = pd.Kernels()
	out.res.Elapsed = time.Since(start)
	return out.res, nil
}

type forwardRun struct {
	res            Result
	args           map[bnorm.Arg]compute.Buffer
	src            []float32
	mean, variance []float32
}

func (s *session) forward(fwd *bnorm.Forward, p Problem, r *rand.Rand) (*forwardRun, error) {
	pd := fwd.PD()
	d := pd.Desc
	run := &forwardRun{args: map[bnorm.Arg]compute.Buffer{}}
	if pd.ZeroDim {
		return run, fwd.Execute(&bnorm.ExecCtx{})
	}
	src, scale, shift := p.inputs(r)
	run.src = src
	values := map[bnorm.Arg][]float32{bnorm.ArgSrc: src}
	if d.Flags.Has(bnorm.FuseNormAddRelu) {
		values[bnorm.ArgSrcAdd] = random(r, d.Src.Nelems(), 0.5, 0)
	}
	if err := s.uploadAll(d.Src.DataType, run.args, values); err != nil {
		return nil, err
	}
	ss := map[bnorm.Arg][]float32{}
	if d.Flags.Has(bnorm.UseScale) {
		ss[bnorm.ArgScale] = scale
	}
	if d.Flags.Has(bnorm.UseShift) {
		ss[bnorm.ArgShift] = shift
	}
	if err := s.uploadAll(pd.Params.ScaleShiftType, run.args, ss); err != nil {
		return nil, err
	}

	var err error
	switch {
	case d.Flags.Has(bnorm.UseGlobalStats):
		run.mean, run.variance = split(channelStats(d.Src, src))
		err = s.uploadAll(memory.F32, run.args, map[bnorm.Arg][]float32{
			bnorm.ArgMean:     run.mean,
			bnorm.ArgVariance: run.variance,
		})
	case d.Prop == bnorm.PropForwardTraining:
		for _, a := range []bnorm.Arg{bnorm.ArgMean, bnorm.ArgVariance} {
			if run.args[a], err = s.alloc(4 * d.Src.Channels()); err != nil {
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if run.args[bnorm.ArgDst], err = s.alloc(d.Dst.Size()); err != nil {
		return nil, err
	}
	if ws := pd.WorkspaceDesc(); !ws.IsZero() {
		if run.args[bnorm.ArgWorkspace], err = s.alloc(ws.Size()); err != nil {
			return nil, err
		}
	}

	if err := fwd.Execute(&bnorm.ExecCtx{Stream: s.x.Stream, Args: run.args, Scratchpad: s.x.Scratchpad}); err != nil {
		return nil, err
	}
	dst, err := s.read(run.args[bnorm.ArgDst], d.Dst.DataType)
	if err != nil {
		return nil, err
	}
	if run.mean == nil && d.Prop == bnorm.PropForwardTraining {
		if run.mean, err = s.read(run.args[bnorm.ArgMean], memory.F32); err != nil {
			return nil, err
		}
		if run.variance, err = s.read(run.args[bnorm.ArgVariance], memory.F32); err != nil {
			return nil, err
		}
	}
	if run.mean != nil {
		run.res.Stats = join(run.mean, run.variance)
	} else {
		// Inference computed its statistics in scratch memory.
		run.res.Stats = channelStats(d.Src, src)
	}
	run.res.Output = channelStats(d.Dst, dst)
	return run, nil
}

// BackwardPod runs a training forward pass and backpropagates a random
// diff_dst through it.
type BackwardPod struct{}

func (BackwardPod) Name() string { return "bnorm/bwd" }

func (b BackwardPod) Run(x *ExecContext, in any) (any, error) {
	p, ok := in.(Problem)
	if !ok {
		return nil, errors.Wrapf(ErrBadInput, "%s wants Problem, got %T", b.Name(), in)
	}
	start := time.Now()
	src := p.src()
	// The forward hint always computes statistics so backward sees real ones.
	fwdFlags := p.Flags &^ bnorm.UseGlobalStats
	fpd, err := bnorm.NewForwardPD(x.Engine, bnorm.NewForwardDesc(bnorm.PropForwardTraining, src, src, p.Eps, fwdFlags), nil)
	if err != nil {
		return nil, err
	}
	bd := bnorm.NewBackwardDesc(bnorm.PropBackward, src, src, src, p.Eps, p.Flags)
	bpd, err := bnorm.NewBackwardPD(x.Engine, bd, nil, fpd)
	if err != nil {
		return nil, err
	}
	fwd, err := bnorm.NewForward(fpd, x.Engine, bnorm.WithCache(x.Cache))
	if err != nil {
		return nil, err
	}
	bwd, err := bnorm.NewBackward(bpd, x.Engine, bnorm.WithCache(x.Cache))
	if err != nil {
		return nil, err
	}

	s := &session{x: x}
	defer s.release()
	r := rand.New(rand.NewSource(p.Seed))
	run, err := s.forward(fwd, p, r)
	if err != nil {
		return nil, err
	}
	res := Result{Pod: b.Name(), Stats: run.res.Stats, Kernels: bpd.Kernels()}
	if bpd.ZeroDim {
		return res, bwd.Execute(&bnorm.ExecCtx{})
	}

	dt := src.DataType
	args := map[bnorm.Arg]compute.Buffer{}
	for _, a := range []bnorm.Arg{bnorm.ArgSrc, bnorm.ArgMean, bnorm.ArgVariance, bnorm.ArgScale, bnorm.ArgWorkspace} {
		if buf, ok := run.args[a]; ok {
			args[a] = buf
		}
	}
	if err := s.uploadAll(dt, args, map[bnorm.Arg][]float32{
		bnorm.ArgDiffDst: random(r, src.Nelems(), 1, 0),
	}); err != nil {
		return nil, err
	}
	if args[bnorm.ArgDiffSrc], err = s.alloc(src.Size()); err != nil {
		return nil, err
	}
	ssSize := src.Channels() * int64(bpd.Params.ScaleShiftType.Size())
	if p.Flags.Has(bnorm.FuseNormAddRelu) {
		if args[bnorm.ArgDiffSrcAdd], err = s.alloc(src.Size()); err != nil {
			return nil, err
		}
	}
	if p.Flags.Has(bnorm.UseScale) {
		if args[bnorm.ArgDiffScale], err = s.alloc(ssSize); err != nil {
			return nil, err
		}
	}
	if p.Flags.Has(bnorm.UseShift) {
		if args[bnorm.ArgDiffShift], err = s.alloc(ssSize); err != nil {
			return nil, err
		}
	}

	if err := bwd.Execute(&bnorm.ExecCtx{Stream: x.Stream, Args: args, Scratchpad: x.Scratchpad}); err != nil {
		return nil, err
	}
	diffSrc, err := s.read(args[bnorm.ArgDiffSrc], dt)
	if err != nil {
		return nil, err
	}
	res.Output = channelStats(src, diffSrc)
	if buf, ok := args[bnorm.ArgDiffScale]; ok {
		if res.DiffScale, err = s.read(buf, bpd.Params.ScaleShiftType); err != nil {
			return nil, err
		}
	}
	if buf, ok := args[bnorm.ArgDiffShift]; ok {
		if res.DiffShift, err = s.read(buf, bpd.Params.ScaleShiftType); err != nil {
			return nil, err
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}
