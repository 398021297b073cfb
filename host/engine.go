// Package host is an emulated compute device. Kernels are the Go bodies from
// package kernels; each launch fans its workgroups out over goroutines and
// streams execute launches in submission order on a background goroutine.
package host

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/kernels"
	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
	"k8s.io/klog/v2"
)

func init() {
	compute.Register("host", func(config string) (compute.Engine, error) {
		return NewFromConfig(config)
	})
}

var nextID atomic.Uint64

// Engine emulates a device with subgroups, fp16 and bf16 support unless
// told otherwise.
type Engine struct {
	id      string
	info    compute.DeviceInfo
	workers int

	faults        map[string]bool
	compileErrors map[string]bool

	traceMu sync.Mutex
	trace   []Event
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds the goroutines running workgroups of one launch.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithoutExtensions hides device capabilities.
func WithoutExtensions(ext compute.DeviceExt) Option {
	return func(e *Engine) { e.info.Extensions &^= ext }
}

// WithMaxWorkgroups lowers the per-dimension workgroup limit the engine
// advertises.
func WithMaxWorkgroups(n uint32) Option {
	return func(e *Engine) {
		if n > 0 {
			e.info.MaxWorkgroupsPerDim = n
		}
	}
}

// WithFault makes every launch of the named kernel fail on the device.
func WithFault(kernel string) Option {
	return func(e *Engine) { e.faults[kernel] = true }
}

// WithCompileError makes compilation of the named kernel fail.
func WithCompileError(kernel string) Option {
	return func(e *Engine) { e.compileErrors[kernel] = true }
}

// subgroupWidth mirrors the SIMD width of the host.
func subgroupWidth() uint32 {
	switch {
	case cpu.X86.HasAVX512F:
		return 16
	case cpu.X86.HasAVX2:
		return 8
	default:
		return 4
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		id: fmt.Sprintf("host:%d", nextID.Add(1)),
		info: compute.DeviceInfo{
			Name:                fmt.Sprintf("host emulator (%s)", runtime.GOARCH),
			SubgroupSize:        subgroupWidth(),
			MaxWorkgroupSize:    1024,
			MaxWorkgroupsPerDim: compute.DefaultMaxWorkgroupsPerDim,
			Extensions:          compute.DeviceExtSubgroups | compute.DeviceExtFP16 | compute.DeviceExtBF16,
		},
		workers:       runtime.GOMAXPROCS(0),
		faults:        map[string]bool{},
		compileErrors: map[string]bool{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewFromConfig parses a comma separated list of nosubgroups, nofp16,
// nobf16, workers=N, groups=N and fault=<kernel>.
func NewFromConfig(config string) (*Engine, error) {
	var opts []Option
	for _, field := range strings.Split(config, ",") {
		field = strings.TrimSpace(field)
		key, value, _ := strings.Cut(field, "=")
		switch key {
		case "":
		case "nosubgroups":
			opts = append(opts, WithoutExtensions(compute.DeviceExtSubgroups))
		case "nofp16":
			opts = append(opts, WithoutExtensions(compute.DeviceExtFP16))
		case "nobf16":
			opts = append(opts, WithoutExtensions(compute.DeviceExtBF16))
		case "workers":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, errors.Errorf("host: bad worker count %q", value)
			}
			opts = append(opts, WithWorkers(n))
		case "groups":
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil || n == 0 {
				return nil, errors.Errorf("host: bad workgroup limit %q", value)
			}
			opts = append(opts, WithMaxWorkgroups(uint32(n)))
		case "fault":
			opts = append(opts, WithFault(value))
		default:
			return nil, errors.Errorf("host: unknown option %q", field)
		}
	}
	return New(opts...), nil
}

func (e *Engine) Name() string                    { return "host" }
func (e *Engine) ID() string                      { return e.id }
func (e *Engine) Info() compute.DeviceInfo        { return e.info }
func (e *Engine) MayUse(x compute.DeviceExt) bool { return e.info.Extensions&x == x }
func (e *Engine) Release()                        {}

type kernel struct {
	name string
	eng  *Engine
	fn   kernels.HostFunc
}

func (k *kernel) Name() string { return k.name }

func (e *Engine) CreateKernelBundle(names []string, kctx *compute.KernelCtx) ([]compute.Kernel, error) {
	start := time.Now()
	out := make([]compute.Kernel, len(names))
	for i, name := range names {
		if e.compileErrors[name] {
			return nil, compute.CompileError(name, nil, "injected compile failure")
		}
		fn, err := kernels.Host(name, kctx)
		if err != nil {
			return nil, compute.CompileError(name, err, "host kernel %s", kctx)
		}
		out[i] = &kernel{name: name, eng: e, fn: fn}
	}
	klog.V(1).Infof("host: compiled %d kernels in %s (%s)", len(names), time.Since(start), kctx)
	return out, nil
}

// Buffer is host memory standing in for device memory.
type Buffer struct {
	data []byte
}

func (e *Engine) NewBuffer(size int64) (compute.Buffer, error) {
	if size < 0 {
		return nil, errors.Errorf("host: negative buffer size %d", size)
	}
	return &Buffer{data: make([]byte, size)}, nil
}

func (b *Buffer) Size() int64 { return int64(len(b.data)) }

func (b *Buffer) Release() { b.data = nil }

// Bytes exposes the backing memory. Only touch it while no stream is using
// the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Event records one executed or failed launch.
type Event struct {
	Kernel string
	Start  time.Time
	End    time.Time
	Err    error
}

func (e *Engine) record(ev Event) {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	e.trace = append(e.trace, ev)
}

// Trace returns the launches run so far, in completion order.
func (e *Engine) Trace() []Event {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	return append([]Event(nil), e.trace...)
}

func (e *Engine) ResetTrace() {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	e.trace = nil
}
