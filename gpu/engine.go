package gpu

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/kernels"
	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	compute.Register("wgpu", func(config string) (compute.Engine, error) {
		return NewFromConfig(config)
	})
}

// DefaultSubgroupSize shapes workgroups when the adapter does not report one.
const DefaultSubgroupSize = 32

var nextID atomic.Uint64

// Engine runs kernels on the shared WebGPU device. Only f32 tensors have a
// WGSL lowering, so fp16 and bf16 are never advertised.
type Engine struct {
	id   string
	ctx  *Context
	info compute.DeviceInfo

	mu      sync.Mutex
	dummies map[int]*wgpu.Buffer
}

type options struct {
	subgroupSize uint32
}

// Option configures an Engine.
type Option func(*options)

// WithSubgroupSize overrides the subgroup width used to shape workgroups.
func WithSubgroupSize(n uint32) Option {
	return func(o *options) {
		if n > 0 {
			o.subgroupSize = n
		}
	}
}

func New(opts ...Option) (*Engine, error) {
	o := options{subgroupSize: DefaultSubgroupSize}
	for _, opt := range opts {
		opt(&o)
	}
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	info := c.Adapter.GetInfo()
	e := &Engine{
		id:  fmt.Sprintf("wgpu:%d", nextID.Add(1)),
		ctx: c,
		info: compute.DeviceInfo{
			Name:                strings.TrimSpace(info.Name),
			SubgroupSize:        o.subgroupSize,
			MaxWorkgroupSize:    c.Limits.MaxComputeInvocationsPerWorkgroup,
			MaxWorkgroupsPerDim: c.Limits.MaxComputeWorkgroupsPerDimension,
			Extensions:          compute.DeviceExtSubgroups,
		},
		dummies: map[int]*wgpu.Buffer{},
	}
	return e, nil
}

// NewFromConfig parses "sg=N".
func NewFromConfig(config string) (*Engine, error) {
	var opts []Option
	for _, field := range strings.Split(config, ",") {
		key, value, _ := strings.Cut(strings.TrimSpace(field), "=")
		switch key {
		case "":
		case "sg":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil || n == 0 {
				return nil, errors.Errorf("gpu: bad subgroup size %q", value)
			}
			opts = append(opts, WithSubgroupSize(uint32(n)))
		default:
			return nil, errors.Errorf("gpu: unknown option %q", field)
		}
	}
	return New(opts...)
}

func (e *Engine) Name() string                    { return "wgpu" }
func (e *Engine) ID() string                      { return e.id }
func (e *Engine) Info() compute.DeviceInfo        { return e.info }
func (e *Engine) MayUse(x compute.DeviceExt) bool { return e.info.Extensions&x == x }

// Release frees the engine's placeholder buffers. The device is shared by
// every engine and lives for the process.
func (e *Engine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, b := range e.dummies {
		b.Release()
		delete(e.dummies, i)
	}
}

// dummy returns the placeholder bound to an unused slot. Each slot has its
// own buffer so no two writable bindings of a launch alias.
func (e *Engine) dummy(slot int) (*wgpu.Buffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.dummies[slot]; ok {
		return b, nil
	}
	b, err := e.ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: fmt.Sprintf("bnorm_unused_%d", slot),
		Size:  4,
		Usage: storageUsage,
	})
	if err != nil {
		return nil, err
	}
	e.dummies[slot] = b
	return b, nil
}

type kernel struct {
	name     string
	eng      *Engine
	slots    int
	pipeline *wgpu.ComputePipeline
}

func (k *kernel) Name() string { return k.name }

func (e *Engine) CreateKernelBundle(names []string, kctx *compute.KernelCtx) ([]compute.Kernel, error) {
	start := time.Now()
	out := make([]compute.Kernel, 0, len(names))
	release := func() {
		for _, k := range out {
			k.(*kernel).pipeline.Release()
		}
	}
	for _, name := range names {
		src, err := kernels.WGSL(name, kctx)
		if err != nil {
			release()
			return nil, compute.CompileError(name, err, "generate WGSL")
		}
		module, err := e.ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
			Label:          name + "_shader",
			WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: src},
		})
		if err != nil {
			release()
			return nil, compute.CompileError(name, err, "shader module")
		}
		pipeline, err := e.ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
			Label:   name + "_pipe",
			Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
		})
		module.Release()
		if err != nil {
			release()
			return nil, compute.CompileError(name, err, "compute pipeline")
		}
		out = append(out, &kernel{name: name, eng: e, slots: kernels.Slots(name), pipeline: pipeline})
	}
	klog.V(1).Infof("gpu: compiled %d pipelines in %s (%s)", len(names), time.Since(start), kctx)
	return out, nil
}
