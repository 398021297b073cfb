package bnorm

import (
	"fmt"

	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/kcache"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Arg names an execution buffer.
type Arg int

const (
	ArgSrc Arg = iota + 1
	ArgDst
	ArgMean
	ArgVariance
	ArgScale
	ArgShift
	ArgWorkspace
	ArgSrcAdd
	ArgDiffSrc
	ArgDiffDst
	ArgDiffScale
	ArgDiffShift
	ArgDiffSrcAdd
)

var argNames = map[Arg]string{
	ArgSrc:        "src",
	ArgDst:        "dst",
	ArgMean:       "mean",
	ArgVariance:   "variance",
	ArgScale:      "scale",
	ArgShift:      "shift",
	ArgWorkspace:  "workspace",
	ArgSrcAdd:     "src_add",
	ArgDiffSrc:    "diff_src",
	ArgDiffDst:    "diff_dst",
	ArgDiffScale:  "diff_scale",
	ArgDiffShift:  "diff_shift",
	ArgDiffSrcAdd: "diff_src_add",
}

func (a Arg) String() string {
	if n, ok := argNames[a]; ok {
		return n
	}
	return fmt.Sprintf("Arg(%d)", int(a))
}

// ExecCtx carries everything one execution touches. Scratch buffers come
// from Scratchpad and must not be shared with a concurrent execution.
type ExecCtx struct {
	Stream     compute.Stream
	Args       map[Arg]compute.Buffer
	Scratchpad compute.Scratchpad
}

func (ctx *ExecCtx) arg(op string, a Arg, size int64) (compute.Buffer, error) {
	b := ctx.Args[a]
	if b == nil {
		return nil, compute.InvalidArgument(op, "missing %s buffer", a)
	}
	if b.Size() < size {
		return nil, compute.InvalidArgument(op, "%s buffer holds %d bytes, need %d", a, b.Size(), size)
	}
	return b, nil
}

func (ctx *ExecCtx) scratch(op string, c *Config, key string) (compute.Buffer, error) {
	if ctx.Scratchpad == nil {
		return nil, compute.InvalidArgument(op, "missing scratchpad for %s", key)
	}
	b, err := ctx.Scratchpad.Get(key, c.ScratchpadSize(key))
	if err != nil {
		return nil, compute.DeviceError(op, err, "scratchpad %s", key)
	}
	return b, nil
}

type primitiveOptions struct {
	cache *kcache.Cache
}

// Option configures a primitive.
type Option func(*primitiveOptions)

// WithCache builds kernels through c instead of kcache.Default().
func WithCache(c *kcache.Cache) Option {
	return func(o *primitiveOptions) { o.cache = c }
}

func buildPrimitiveOptions(opts []Option) primitiveOptions {
	o := primitiveOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cache == nil {
		o.cache = kcache.Default()
	}
	return o
}

// acquireKernels fetches the bundle for c.Params on eng and picks names
// from it. A descriptor built on another engine is rejected.
func acquireKernels(op string, eng compute.Engine, c *Config, cache *kcache.Cache, names []string) ([]compute.Kernel, error) {
	if eng.ID() != c.engineID {
		return nil, compute.InvalidArgument(op, "descriptor was created for engine %s, not %s", c.engineID, eng.ID())
	}
	params := c.Params
	bundle, err := cache.GetOrBuild(kcache.Key(eng, params.Serialize()), func() (*kcache.Bundle, error) {
		all := KernelNames()
		ks, err := eng.CreateKernelBundle(all, params.KernelCtx())
		if err != nil {
			if compute.KindOf(err) == compute.KindCompile {
				return nil, err
			}
			return nil, compute.CompileError(op, err, "create kernel bundle on %s", eng.Name())
		}
		return kcache.NewBundle(all, ks)
	})
	if err != nil {
		return nil, err
	}
	return bundle.Kernels(names...)
}

// launcher enqueues kernels of one execution with a shared uniform block.
type launcher struct {
	op      string
	stream  compute.Stream
	uniform []byte
}

func (l *launcher) launch(k compute.Kernel, nd compute.NDRange, bufs ...compute.Buffer) error {
	klog.V(2).Infof("%s: launch %s global=%v local=%v", l.op, k.Name(), nd.Global, nd.Local)
	if err := l.stream.ParallelFor(k, nd, compute.KernelArgs{Buffers: bufs, Uniform: l.uniform}); err != nil {
		return errors.Wrapf(err, "%s: launch %s", l.op, k.Name())
	}
	return nil
}

func newLauncher(op string, ctx *ExecCtx, rt RuntimeParams) (*launcher, error) {
	if ctx == nil || ctx.Stream == nil {
		return nil, compute.InvalidArgument(op, "missing stream")
	}
	return &launcher{op: op, stream: ctx.Stream, uniform: rt.Uniform().Encode()}, nil
}
