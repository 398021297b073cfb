package bnorm

import (
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/bnorm/attr"
	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/host"
	"github.com/openfluke/bnorm/kernels"
	"github.com/openfluke/bnorm/memory"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/stat"
)

// bands fills channel c with mu[c] ± sigma[c], alternating, so the channel
// has population mean mu[c] and variance sigma[c]^2 exactly.
func bands(sh shape, mu, sigma []float64) []float32 {
	x := make([]float32, sh.nelems())
	for n := int64(0); n < sh.n; n++ {
		for c := int64(0); c < sh.c; c++ {
			for s := int64(0); s < sh.s(); s++ {
				sign := 1.0
				if (n*sh.s()+s)%2 == 1 {
					sign = -1
				}
				x[sh.offset(n, c, s)] = float32(mu[c] + sign*sigma[c])
			}
		}
	}
	return x
}

type fwdRun struct {
	mean, variance []float32
	dst            []float32
	ws             []byte
}

// runForward executes fwd on x and returns every output after Finish.
func (f *fixture) runForward(fwd *Forward, x []float32, extra map[Arg]compute.Buffer) fwdRun {
	f.t.Helper()
	pd := fwd.PD()
	dt := pd.Desc.Src.DataType
	args := map[Arg]compute.Buffer{
		ArgSrc: f.upload(dt, x),
		ArgDst: f.alloc(pd.Desc.Dst.Size()),
	}
	if pd.Params.IsTraining || !pd.Params.CalculateStats {
		args[ArgMean] = f.alloc(4 * pd.Runtime.IC)
		args[ArgVariance] = f.alloc(4 * pd.Runtime.IC)
	}
	if !pd.Workspace.IsZero() {
		args[ArgWorkspace] = f.alloc(pd.Workspace.Size())
	}
	for k, v := range extra {
		args[k] = v
	}
	if err := fwd.Execute(f.ctx(args)); err != nil {
		f.t.Fatalf("Execute: %v", err)
	}
	if err := f.stream.Finish(); err != nil {
		f.t.Fatalf("Finish: %v", err)
	}
	var out fwdRun
	if b := args[ArgMean]; b != nil {
		out.mean = f.read(b, memory.F32)
		out.variance = f.read(args[ArgVariance], memory.F32)
	}
	out.dst = f.read(args[ArgDst], dt)
	if b := args[ArgWorkspace]; b != nil {
		out.ws = f.raw(b)
	}
	return out
}

func TestForwardBandStatistics(t *testing.T) {
	mu := []float64{-3, 0.5, 10}
	sigma := []float64{0.5, 2, 4}
	for _, format := range []memory.Format{memory.FormatNCX, memory.FormatNXC} {
		f := newFixture(t)
		sh := shape{n: 4, c: 3, spatial: []int64{5, 10}, format: format}
		d := NewForwardDesc(PropForwardTraining, sh.desc(memory.F32), sh.desc(memory.F32), 0, 0)
		fwd := f.forward(d, nil, WithMaxGroups(8))
		if g := fwd.PD().Runtime.Groups; g != 8 {
			t.Fatalf("%s: groups = %d, want 8", format, g)
		}
		out := f.runForward(fwd, bands(sh, mu, sigma), nil)
		for c := range mu {
			if !scalar.EqualWithinAbs(float64(out.mean[c]), mu[c], 1e-5) {
				t.Errorf("%s: mean[%d] = %v, want %v", format, c, out.mean[c], mu[c])
			}
			if !scalar.EqualWithinRel(float64(out.variance[c]), sigma[c]*sigma[c], 1e-5) {
				t.Errorf("%s: variance[%d] = %v, want %v", format, c, out.variance[c], sigma[c]*sigma[c])
			}
			m, v := stat.PopMeanVariance(sh.channel(out.dst, int64(c)), nil)
			if math.Abs(m) > 1e-5 || math.Abs(v-1) > 1e-4 {
				t.Errorf("%s: normalized channel %d has mean %v variance %v", format, c, m, v)
			}
		}
	}
}

func TestForwardRandomMatchesReference(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	f := newFixture(t)
	sh := shape{n: 3, c: 5, spatial: []int64{7, 3}, format: memory.FormatNXC}
	x := randomValues(r, sh.nelems(), 2, 1)
	scale := randomValues(r, sh.c, 1, 1)
	shift := randomValues(r, sh.c, 1, 0)
	const eps = 1e-3
	d := NewForwardDesc(PropForwardTraining, sh.desc(memory.F32), sh.desc(memory.F32), eps, UseScale|UseShift)
	fwd := f.forward(d, nil, WithMinChunk(4))
	out := f.runForward(fwd, x, map[Arg]compute.Buffer{
		ArgScale: f.upload(memory.F32, scale),
		ArgShift: f.upload(memory.F32, shift),
	})
	for c := int64(0); c < sh.c; c++ {
		vals := sh.channel(x, c)
		m, v := stat.PopMeanVariance(vals, nil)
		if !scalar.EqualWithinAbsOrRel(float64(out.mean[c]), m, 1e-5, 1e-5) ||
			!scalar.EqualWithinAbsOrRel(float64(out.variance[c]), v, 1e-5, 1e-5) {
			t.Errorf("channel %d: got %v/%v, want %v/%v", c, out.mean[c], out.variance[c], m, v)
		}
		got := sh.channel(out.dst, c)
		for i, xv := range vals {
			want := (xv-m)/math.Sqrt(v+eps)*float64(scale[c]) + float64(shift[c])
			if !scalar.EqualWithinAbsOrRel(got[i], want, 1e-4, 1e-4) {
				t.Fatalf("channel %d element %d: got %v, want %v", c, i, got[i], want)
			}
		}
	}
}

func TestForwardLaunchOrder(t *testing.T) {
	f := newFixture(t)
	sh := shape{n: 2, c: 2, spatial: []int64{64}, format: memory.FormatNCX}
	fwd := f.forward(NewForwardDesc(PropForwardTraining, sh.desc(memory.F32), sh.desc(memory.F32), 1e-5, 0), nil)
	f.runForward(fwd, randomValues(rand.New(rand.NewSource(1)), sh.nelems(), 1, 0), nil)
	trace := f.eng.Trace()
	want := []string{kernels.CalcMean, kernels.ReduceMean, kernels.CalcVariance, kernels.ReduceVariance, kernels.NormFwd}
	if len(trace) != len(want) {
		t.Fatalf("trace = %+v", trace)
	}
	for i, ev := range trace {
		if ev.Kernel != want[i] {
			t.Errorf("launch %d = %s, want %s", i, ev.Kernel, want[i])
		}
		if i > 0 && ev.Start.Before(trace[i-1].End) {
			t.Errorf("%s started before %s finished", ev.Kernel, trace[i-1].Kernel)
		}
	}
}

func TestFusedReluWorkspace(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	f := newFixture(t)
	sh := shape{n: 2, c: 4, spatial: []int64{9}, format: memory.FormatNCX}
	x := randomValues(r, sh.nelems(), 1, 0)
	scale := []float32{1, 2, 0.5, 3}
	d := NewForwardDesc(PropForwardTraining, sh.desc(memory.F32), sh.desc(memory.F32), 1e-5, FuseNormRelu|UseScale)
	fwd := f.forward(d, nil)
	out := f.runForward(fwd, x, map[Arg]compute.Buffer{ArgScale: f.upload(memory.F32, scale)})
	if len(out.ws) != int(sh.nelems()) {
		t.Fatalf("workspace holds %d bytes", len(out.ws))
	}
	clipped := 0
	for n := int64(0); n < sh.n; n++ {
		for c := int64(0); c < sh.c; c++ {
			for s := int64(0); s < sh.s(); s++ {
				off := sh.offset(n, c, s)
				// Positive scale and no shift: clipped exactly where x is below the mean.
				wantClip := x[off] < out.mean[c]
				if (out.ws[off] == 1) != wantClip || out.ws[off] > 1 {
					t.Errorf("ws[%d] = %d, x = %v, mean = %v", off, out.ws[off], x[off], out.mean[c])
				}
				if wantClip {
					clipped++
					if out.dst[off] != 0 {
						t.Errorf("dst[%d] = %v, want 0", off, out.dst[off])
					}
				} else if out.dst[off] <= 0 {
					t.Errorf("dst[%d] = %v, want positive", off, out.dst[off])
				}
			}
		}
	}
	if clipped == 0 || clipped == int(sh.nelems()) {
		t.Errorf("degenerate test data: %d clipped", clipped)
	}
}

func TestInferenceS8LeakyRelu(t *testing.T) {
	f := newFixture(t)
	sh := shape{n: 1, c: 1, spatial: []int64{5}, format: memory.FormatNCX}
	d := NewForwardDesc(PropForwardInference, sh.desc(memory.S8), sh.desc(memory.S8), 0, UseGlobalStats)
	fwd := f.forward(d, attr.New(attr.Relu(0.1)))
	if !fwd.PD().Params.WithLeakyRelu || fwd.PD().Runtime.ReluNegativeSlope != 0.1 {
		t.Fatalf("params = %+v", fwd.PD().Params)
	}
	out := f.runForward(fwd, []float32{2, 4, 6, -18, 0}, map[Arg]compute.Buffer{
		ArgMean:     f.upload(memory.F32, []float32{2}),
		ArgVariance: f.upload(memory.F32, []float32{4}),
	})
	// y = (x-2)/2 = {0, 1, 2, -10, -1}; negatives scale by 0.1 and round.
	want := []float32{0, 1, 2, -1, 0}
	for i := range want {
		if out.dst[i] != want[i] {
			t.Errorf("dst[%d] = %v, want %v", i, out.dst[i], want[i])
		}
	}
	if trace := f.eng.Trace(); len(trace) != 1 || trace[0].Kernel != kernels.NormFwd {
		t.Errorf("inference with global stats launches only the normalization: %+v", trace)
	}
}

func TestInferenceComputesStatsInScratch(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	f := newFixture(t)
	sh := shape{n: 2, c: 3, spatial: []int64{40}, format: memory.FormatNCX}
	fwd := f.forward(NewForwardDesc(PropForwardInference, sh.desc(memory.F32), sh.desc(memory.F32), 0, 0), nil)
	if fwd.PD().ScratchpadSize(ScratchMean) != 12 {
		t.Fatalf("scratchpad keys = %v", fwd.PD().ScratchpadKeys())
	}
	out := f.runForward(fwd, randomValues(r, sh.nelems(), 3, -2), nil)
	for c := int64(0); c < sh.c; c++ {
		m, v := stat.PopMeanVariance(sh.channel(out.dst, c), nil)
		if math.Abs(m) > 1e-5 || math.Abs(v-1) > 1e-4 {
			t.Errorf("channel %d: mean %v variance %v", c, m, v)
		}
	}
}

func TestReducedPrecisionForward(t *testing.T) {
	cases := []struct {
		dt  memory.DataType
		tol float64
	}{
		{memory.F16, 1e-2},
		{memory.BF16, 5e-2},
	}
	for _, tc := range cases {
		r := rand.New(rand.NewSource(5))
		f := newFixture(t)
		sh := shape{n: 2, c: 2, spatial: []int64{16}, format: memory.FormatNCX}
		// Quantize first so the reference sees the same inputs.
		x := kernels.Decode(tc.dt, kernels.Encode(tc.dt, randomValues(r, sh.nelems(), 1, 0.5)))
		d := NewForwardDesc(PropForwardTraining, sh.desc(tc.dt), sh.desc(tc.dt), 1e-5, UseShift)
		d.ScaleShift = d.ScaleShift.WithType(tc.dt)
		fwd := f.forward(d, nil)
		out := f.runForward(fwd, x, map[Arg]compute.Buffer{ArgShift: f.upload(tc.dt, []float32{0.25, -0.25})})
		for c := int64(0); c < sh.c; c++ {
			vals := sh.channel(x, c)
			m, v := stat.PopMeanVariance(vals, nil)
			got := sh.channel(out.dst, c)
			shift := []float64{0.25, -0.25}[c]
			for i, xv := range vals {
				want := (xv-m)/math.Sqrt(v+1e-5) + shift
				if !scalar.EqualWithinAbsOrRel(got[i], want, tc.tol, tc.tol) {
					t.Errorf("%s channel %d element %d: got %v, want %v", tc.dt, c, i, got[i], want)
				}
			}
		}
	}
}

func TestDeviceFaultProducesNoOutput(t *testing.T) {
	f := newFixture(t, host.WithFault(kernels.ReduceMean))
	sh := shape{n: 2, c: 2, spatial: []int64{8}, format: memory.FormatNCX}
	fwd := f.forward(NewForwardDesc(PropForwardTraining, sh.desc(memory.F32), sh.desc(memory.F32), 1e-5, 0), nil)
	sentinel := make([]float32, sh.nelems())
	for i := range sentinel {
		sentinel[i] = 42
	}
	dst := f.upload(memory.F32, sentinel)
	if err := f.stream.Finish(); err != nil {
		t.Fatal(err)
	}
	args := map[Arg]compute.Buffer{
		ArgSrc:      f.upload(memory.F32, make([]float32, sh.nelems())),
		ArgDst:      dst,
		ArgMean:     f.alloc(8),
		ArgVariance: f.alloc(8),
	}
	if err := fwd.Execute(f.ctx(args)); err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if err := f.stream.Finish(); !errors.Is(err, compute.ErrDevice) {
		t.Fatalf("Finish = %v, want device error", err)
	}
	for i, v := range kernels.Decode(memory.F32, dst.(*host.Buffer).Bytes()) {
		if v != 42 {
			t.Fatalf("dst[%d] = %v after a failed phase", i, v)
		}
	}
	for _, ev := range f.eng.Trace() {
		if ev.Kernel == kernels.NormFwd || ev.Kernel == kernels.CalcVariance {
			t.Errorf("%s ran after a fault", ev.Kernel)
		}
	}
}
