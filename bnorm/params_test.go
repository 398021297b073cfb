package bnorm

import (
	"bytes"
	"testing"

	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/kernels"
	"github.com/openfluke/bnorm/memory"
)

func dispatch(dims uint8, last bool, wg [3]uint32) compute.DispatchCompileParams {
	return compute.DispatchCompileParams{Dims: dims, ChannelsLast: last, VectorSize: 1, SubgroupSize: 8, WorkgroupSize: wg}
}

// allParams enumerates every flag combination for each data type and layout.
func allParams() []Params {
	var out []Params
	for _, dt := range []memory.DataType{memory.F32, memory.F16, memory.BF16, memory.S8} {
		for bits := 0; bits < 1<<8; bits++ {
			for _, last := range []bool{false, true} {
				p := Params{DataType: dt, ScaleShiftType: memory.F32}
				for i, f := range p.flags() {
					*f = bits&(1<<i) != 0
				}
				p.CalcStat = dispatch(2, last, [3]uint32{8, 4, 1})
				p.ReduceStat = dispatch(1, last, [3]uint32{32, 1, 1})
				p.GWS = dispatch(1, last, [3]uint32{256, 1, 1})
				out = append(out, p)
			}
		}
	}
	return out
}

func TestParamsRoundTripAndInjective(t *testing.T) {
	seen := map[string]Params{}
	for _, p := range allParams() {
		b := p.Serialize()
		if len(b) != ParamsSize {
			t.Fatalf("serialized %d bytes", len(b))
		}
		got, err := DeserializeParams(b)
		if err != nil {
			t.Fatalf("%+v: %v", p, err)
		}
		if got != p || !got.Equal(p) {
			t.Fatalf("round trip = %+v, want %+v", got, p)
		}
		if prev, dup := seen[string(b)]; dup {
			t.Fatalf("%+v and %+v serialize identically", prev, p)
		}
		seen[string(b)] = p
	}
	if len(seen) != 4*256*2 {
		t.Errorf("distinct encodings = %d", len(seen))
	}
}

func TestParamsSerializeIsDeterministic(t *testing.T) {
	a := Params{DataType: memory.F16, ScaleShiftType: memory.F16, UseScale: true, GWS: dispatch(1, false, [3]uint32{256, 1, 1})}
	a.CalcStat, a.ReduceStat = dispatch(2, false, [3]uint32{1, 64, 1}), dispatch(1, false, [3]uint32{32, 1, 1})
	b := a
	if !bytes.Equal(a.Serialize(), b.Serialize()) {
		t.Fatal("copies serialize differently")
	}
	enc := a.Serialize()
	if enc[11] != 0 || !bytes.Equal(enc[60:], []byte{0, 0, 0, 0}) {
		t.Error("reserved bytes must be zero")
	}
	b.UseShift = true
	if a.Equal(b) {
		t.Error("different flags compare equal")
	}
}

func TestDeserializeRejects(t *testing.T) {
	good := allParams()[0].Serialize()
	mutate := func(i int, v byte) []byte {
		b := append([]byte(nil), good...)
		b[i] = v
		return b
	}
	cases := map[string][]byte{
		"short":           good[:63],
		"version":         mutate(0, 2),
		"data type":       mutate(1, 0),
		"u8 data type":    mutate(1, byte(memory.U8)),
		"scale type":      mutate(2, byte(memory.S8)),
		"flag byte":       mutate(5, 2),
		"reserved 11":     mutate(11, 1),
		"reserved tail":   mutate(63, 1),
		"dispatch dims":   mutate(12, 0),
		"dispatch layout": mutate(29, 3),
	}
	for name, b := range cases {
		if _, err := DeserializeParams(b); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestKernelTable(t *testing.T) {
	names := KernelNames()
	if len(names) != 8 || names[0] != kernels.NormFwd || names[7] != kernels.NormBwd {
		t.Errorf("KernelNames = %v", names)
	}
	if KernelReduceStats.String() != "bnorm_reduce_stats" {
		t.Errorf("KernelReduceStats = %s", KernelReduceStats)
	}
	names[0] = "mutated"
	if KernelNames()[0] != kernels.NormFwd {
		t.Error("KernelNames must return a copy")
	}
}

func TestKernelCtxDefines(t *testing.T) {
	p := allParams()[0]
	p.FuseNormRelu = true
	k := p.KernelCtx()
	if k.Int(kernels.DefDataType) != int64(memory.F32) || !k.Bool(kernels.DefFuseNormRelu) {
		t.Errorf("defines = %s", k)
	}
	if k.Int("GWS_LWS0") != 256 || k.Int("CALC_DIMS") != 2 {
		t.Errorf("dispatch defines = %s", k)
	}
}

func TestRuntimeUniform(t *testing.T) {
	rt := RuntimeParams{IC: 3, StatIC: 16, Groups: 2, ReduceChunk: 16, ReductionNelems: 20, Div: 20, Eps: 1e-3, ReluNegativeSlope: 0.5}
	rt.GWS.Global = [3]uint64{768, 2, 1}
	u := rt.Uniform()
	if u.IC != 3 || u.StatIC != 16 || u.Eps != 1e-3 || u.ReluSlope != 0.5 || u.GWSPitch != 768 {
		t.Errorf("uniform = %+v", u)
	}
	back, err := kernels.DecodeUniform(u.Encode())
	if err != nil || back != u {
		t.Errorf("decode = %+v, %v", back, err)
	}
}
