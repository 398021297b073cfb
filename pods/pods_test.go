package pods

import (
	"math"
	"testing"

	"github.com/openfluke/bnorm/bnorm"
	"github.com/openfluke/bnorm/host"
	"github.com/openfluke/bnorm/kcache"
	"github.com/openfluke/bnorm/memory"
	"github.com/pkg/errors"
)

func newContext(t *testing.T) *ExecContext {
	t.Helper()
	x, err := NewContext(host.New())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := x.Close(); err != nil {
			t.Error(err)
		}
	})
	return x.WithCache(kcache.New())
}

func TestRegistry(t *testing.T) {
	want := []string{"bnorm/bwd", "bnorm/fwd_inference", "bnorm/fwd_training"}
	names := Names()
	if len(names) != len(want) {
		t.Fatalf("Names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names[%d] = %s, want %s", i, names[i], want[i])
		}
	}
	x := newContext(t)
	if _, err := Run(x, "bnorm/nope", Problem{}); !errors.Is(err, ErrUnknownPod) {
		t.Errorf("unknown pod: %v", err)
	}
	if _, err := Run(x, "bnorm/bwd", 3); !errors.Is(err, ErrBadInput) {
		t.Errorf("bad input: %v", err)
	}
}

func problem(flags bnorm.Flags) Problem {
	return Problem{
		Dims: []int64{4, 3, 6, 6}, Format: memory.FormatNCX, DataType: memory.F32,
		Eps: 1e-6, Flags: flags, Seed: 42,
	}
}

func TestForwardPods(t *testing.T) {
	x := newContext(t)
	for _, name := range []string{"bnorm/fwd_training", "bnorm/fwd_inference"} {
		for _, flags := range []bnorm.Flags{0, bnorm.UseGlobalStats} {
			out, err := Run(x, name, problem(flags))
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			res := out.(Result)
			if res.Pod != name || len(res.Stats) != 3 || len(res.Output) != 3 {
				t.Fatalf("%s: result = %+v", name, res)
			}
			for c, o := range res.Output {
				if math.Abs(o.Mean) > 1e-4 || math.Abs(o.Variance-1) > 1e-3 {
					t.Errorf("%s flags %d channel %d: output %+v", name, flags, c, o)
				}
			}
		}
	}
}

func TestBackwardPod(t *testing.T) {
	x := newContext(t)
	out, err := Run(x, "bnorm/bwd", problem(bnorm.UseScale|bnorm.UseShift|bnorm.FuseNormRelu))
	if err != nil {
		t.Fatal(err)
	}
	res := out.(Result)
	if len(res.DiffScale) != 3 || len(res.DiffShift) != 3 || len(res.Kernels) != 3 {
		t.Fatalf("result = %+v", res)
	}
	// With computed statistics the gradient of every channel sums to zero.
	for c, o := range res.Output {
		if math.Abs(o.Mean) > 1e-4 {
			t.Errorf("channel %d: diff_src mean %v", c, o.Mean)
		}
	}
}

func TestDetectJSONWithoutGPU(t *testing.T) {
	if DefaultEngine != "host" {
		t.Skipf("built with the %s engine", DefaultEngine)
	}
	if _, err := DetectJSON(); !errors.Is(err, ErrNoGPU) {
		t.Errorf("DetectJSON = %v", err)
	}
}
