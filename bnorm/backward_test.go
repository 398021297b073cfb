package bnorm

import (
	"math"
	"math/rand"
	"testing"

	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/host"
	"github.com/openfluke/bnorm/memory"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func (f *fixture) backward(d Desc, hint *ForwardPD) *Backward {
	f.t.Helper()
	pd, err := NewBackwardPD(f.eng, d, nil, hint)
	if err != nil {
		f.t.Fatalf("NewBackwardPD: %v", err)
	}
	b, err := NewBackward(pd, f.eng, WithCache(f.cache))
	if err != nil {
		f.t.Fatalf("NewBackward: %v", err)
	}
	return b
}

func (f *fixture) uploadBytes(data []byte) compute.Buffer {
	f.t.Helper()
	b := f.alloc(int64(len(data)))
	if err := f.stream.Write(b, data); err != nil {
		f.t.Fatal(err)
	}
	return b
}

// reference computes the batch normalization gradients of one channel in
// float64 given its values, output gradients and statistics.
func reference(x, dd []float64, mean, variance, eps, gamma float64) (dx []float64, dGamma, dBeta float64) {
	inv := 1 / math.Sqrt(variance+eps)
	n := float64(len(x))
	xhat := make([]float64, len(x))
	for i := range x {
		xhat[i] = (x[i] - mean) * inv
	}
	dBeta = floats.Sum(dd)
	dGamma = floats.Dot(dd, xhat)
	dx = make([]float64, len(x))
	for i := range x {
		dx[i] = gamma * inv * (dd[i] - dBeta/n - xhat[i]*dGamma/n)
	}
	return dx, dGamma, dBeta
}

func TestBackwardMatchesReference(t *testing.T) {
	const eps = 1e-3
	for _, format := range []memory.Format{memory.FormatNCX, memory.FormatNXC} {
		r := rand.New(rand.NewSource(21))
		f := newFixture(t)
		sh := shape{n: 2, c: 3, spatial: []int64{6, 2}, format: format}
		flags := UseScale | UseShift
		hint := f.forward(NewForwardDesc(PropForwardTraining, sh.desc(memory.F32), sh.desc(memory.F32), eps, flags), nil).PD()
		bwd := f.backward(NewBackwardDesc(PropBackward, sh.desc(memory.F32), sh.desc(memory.F32), sh.desc(memory.F32), eps, flags), hint)

		x := randomValues(r, sh.nelems(), 1.5, 0.5)
		dd := randomValues(r, sh.nelems(), 1, 0)
		scale := randomValues(r, sh.c, 0.5, 1)
		mean := make([]float32, sh.c)
		variance := make([]float32, sh.c)
		for c := int64(0); c < sh.c; c++ {
			m, v := stat.PopMeanVariance(sh.channel(x, c), nil)
			mean[c], variance[c] = float32(m), float32(v)
		}
		args := map[Arg]compute.Buffer{
			ArgSrc:       f.upload(memory.F32, x),
			ArgMean:      f.upload(memory.F32, mean),
			ArgVariance:  f.upload(memory.F32, variance),
			ArgDiffDst:   f.upload(memory.F32, dd),
			ArgScale:     f.upload(memory.F32, scale),
			ArgDiffSrc:   f.alloc(4 * sh.nelems()),
			ArgDiffScale: f.alloc(4 * sh.c),
			ArgDiffShift: f.alloc(4 * sh.c),
		}
		if err := bwd.Execute(f.ctx(args)); err != nil {
			t.Fatalf("%s: Execute: %v", format, err)
		}
		diffSrc := f.read(args[ArgDiffSrc], memory.F32)
		diffScale := f.read(args[ArgDiffScale], memory.F32)
		diffShift := f.read(args[ArgDiffShift], memory.F32)

		for c := int64(0); c < sh.c; c++ {
			wantDx, wantScale, wantShift := reference(sh.channel(x, c), sh.channel(dd, c),
				float64(mean[c]), float64(variance[c]), eps, float64(scale[c]))
			if math.Abs(float64(diffScale[c])-wantScale) > 1e-4 || math.Abs(float64(diffShift[c])-wantShift) > 1e-4 {
				t.Errorf("%s channel %d: diff_scale %v diff_shift %v, want %v %v",
					format, c, diffScale[c], diffShift[c], wantScale, wantShift)
			}
			if got := sh.channel(diffSrc, c); !floats.EqualApprox(got, wantDx, 1e-4) {
				t.Errorf("%s channel %d: diff_src %v, want %v", format, c, got, wantDx)
			}
		}
	}
}

func TestBackwardDataNeedsNoParameterGradients(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	f := newFixture(t)
	sh := shape{n: 2, c: 2, spatial: []int64{8}, format: memory.FormatNCX}
	hint := f.forward(NewForwardDesc(PropForwardTraining, sh.desc(memory.F32), sh.desc(memory.F32), 1e-5, UseScale), nil).PD()
	bwd := f.backward(NewBackwardDesc(PropBackwardData, sh.desc(memory.F32), sh.desc(memory.F32), sh.desc(memory.F32), 1e-5, UseScale), hint)
	args := map[Arg]compute.Buffer{
		ArgSrc:      f.upload(memory.F32, randomValues(r, sh.nelems(), 1, 0)),
		ArgMean:     f.upload(memory.F32, []float32{0, 0}),
		ArgVariance: f.upload(memory.F32, []float32{1, 1}),
		ArgDiffDst:  f.upload(memory.F32, randomValues(r, sh.nelems(), 1, 0)),
		ArgDiffSrc:  f.alloc(4 * sh.nelems()),
	}
	if err := bwd.Execute(f.ctx(args)); !errors.Is(err, compute.ErrInvalidArgument) {
		t.Errorf("missing scale: %v", err)
	}
	args[ArgScale] = f.upload(memory.F32, []float32{1, 2})
	if err := bwd.Execute(f.ctx(args)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := f.stream.Finish(); err != nil {
		t.Fatal(err)
	}
}

func TestBackwardMasksClippedGradients(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	f := newFixture(t)
	sh := shape{n: 2, c: 2, spatial: []int64{12}, format: memory.FormatNCX}
	hint := f.forward(NewForwardDesc(PropForwardTraining, sh.desc(memory.F32), sh.desc(memory.F32), 1e-5, FuseNormAddRelu), nil)
	x := randomValues(r, sh.nelems(), 1, 0)
	fwd := f.runForward(hint, x, map[Arg]compute.Buffer{
		ArgSrcAdd: f.upload(memory.F32, randomValues(r, sh.nelems(), 0.5, 0)),
	})

	flags := FuseNormAddRelu | UseGlobalStats
	bwd := f.backward(NewBackwardDesc(PropBackward, sh.desc(memory.F32), sh.desc(memory.F32), sh.desc(memory.F32), 1e-5, flags), hint.PD())
	dd := randomValues(r, sh.nelems(), 1, 0)
	args := map[Arg]compute.Buffer{
		ArgSrc:        f.upload(memory.F32, x),
		ArgMean:       f.upload(memory.F32, fwd.mean),
		ArgVariance:   f.upload(memory.F32, fwd.variance),
		ArgDiffDst:    f.upload(memory.F32, dd),
		ArgWorkspace:  f.uploadBytes(fwd.ws),
		ArgDiffSrc:    f.alloc(4 * sh.nelems()),
		ArgDiffSrcAdd: f.alloc(4 * sh.nelems()),
	}
	if err := bwd.Execute(f.ctx(args)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	diffSrc := f.read(args[ArgDiffSrc], memory.F32)
	diffAdd := f.read(args[ArgDiffSrcAdd], memory.F32)

	masked := 0
	for n := int64(0); n < sh.n; n++ {
		for c := int64(0); c < sh.c; c++ {
			inv := 1 / math.Sqrt(float64(fwd.variance[c])+1e-5)
			for s := int64(0); s < sh.s(); s++ {
				off := sh.offset(n, c, s)
				if fwd.ws[off] == 1 {
					masked++
					if diffSrc[off] != 0 || diffAdd[off] != 0 {
						t.Errorf("element %d was clipped but got diff_src %v diff_src_add %v", off, diffSrc[off], diffAdd[off])
					}
					continue
				}
				if diffAdd[off] != dd[off] {
					t.Errorf("diff_src_add[%d] = %v, want %v", off, diffAdd[off], dd[off])
				}
				if want := float64(dd[off]) * inv; math.Abs(float64(diffSrc[off])-want) > 1e-5 {
					t.Errorf("diff_src[%d] = %v, want %v", off, diffSrc[off], want)
				}
			}
		}
	}
	if masked == 0 || masked == int(sh.nelems()) {
		t.Errorf("degenerate test data: %d masked", masked)
	}
}

func TestBackwardFaultInCalcStats(t *testing.T) {
	f := newFixture(t)
	sh := shape{n: 1, c: 2, spatial: []int64{4}, format: memory.FormatNCX}
	hint := f.forward(NewForwardDesc(PropForwardTraining, sh.desc(memory.F32), sh.desc(memory.F32), 1e-5, 0), nil).PD()
	bwd := f.backward(NewBackwardDesc(PropBackwardData, sh.desc(memory.F32), sh.desc(memory.F32), sh.desc(memory.F32), 1e-5, 0), hint)
	args := map[Arg]compute.Buffer{
		ArgSrc:      f.alloc(4 * sh.nelems()),
		ArgMean:     f.alloc(8),
		ArgVariance: f.alloc(8),
		ArgDiffDst:  f.alloc(4 * sh.nelems()),
		ArgDiffSrc:  f.alloc(4 * sh.nelems()),
	}
	// A scratchpad too small for the partials faults on the device.
	pad := &fixedPad{f: f, size: 4}
	if err := bwd.Execute(&ExecCtx{Stream: f.stream, Args: args, Scratchpad: pad}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := f.stream.Finish(); !errors.Is(err, compute.ErrDevice) {
		t.Errorf("Finish = %v, want device error", err)
	}
}

// fixedPad hands out buffers of one fixed size regardless of the request.
type fixedPad struct {
	f    *fixture
	size int64
}

func (p *fixedPad) Get(string, int64) (compute.Buffer, error) { return p.f.alloc(p.size), nil }

// normGrads runs forward training then backward data on f and returns dst
// and diff_src.
func (f *fixture) normGrads(sh shape, x, dd []float32) (dst, diffSrc []float32, gws compute.NDRange) {
	f.t.Helper()
	src := sh.desc(memory.F32)
	fwd := f.forward(NewForwardDesc(PropForwardTraining, src, src, 1e-5, 0), nil, WithMaxGroups(4))
	run := f.runForward(fwd, x, nil)
	bwd := f.backward(NewBackwardDesc(PropBackwardData, src, src, src, 1e-5, 0), fwd.PD())
	args := map[Arg]compute.Buffer{
		ArgSrc:      f.upload(memory.F32, x),
		ArgMean:     f.upload(memory.F32, run.mean),
		ArgVariance: f.upload(memory.F32, run.variance),
		ArgDiffDst:  f.upload(memory.F32, dd),
		ArgDiffSrc:  f.alloc(src.Size()),
	}
	if err := bwd.Execute(f.ctx(args)); err != nil {
		f.t.Fatal(err)
	}
	return run.dst, f.read(args[ArgDiffSrc], memory.F32), fwd.PD().Runtime.GWS
}

func TestFoldedLaunchesMatchFlat(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	for _, format := range []memory.Format{memory.FormatNCX, memory.FormatNXC} {
		sh := shape{n: 2, c: 3, spatial: []int64{16, 16}, format: format}
		x := randomValues(r, sh.nelems(), 1.5, -2)
		dd := randomValues(r, sh.nelems(), 1, 0)

		wantDst, wantDiff, flat := newFixture(t).normGrads(sh, x, dd)
		gotDst, gotDiff, folded := newFixture(t, host.WithMaxWorkgroups(4)).normGrads(sh, x, dd)
		if flat.Global[1] != 1 || folded.Global[1] < 2 || !folded.Fits(4) {
			t.Fatalf("%s: flat %+v, folded %+v", format, flat, folded)
		}
		if !floats.Equal(toF64(gotDst), toF64(wantDst)) {
			t.Errorf("%s: folded dst differs", format)
		}
		if !floats.Equal(toF64(gotDiff), toF64(wantDiff)) {
			t.Errorf("%s: folded diff_src differs", format)
		}
	}
}

func toF64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
