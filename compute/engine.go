// Package compute is the device boundary of the library: engines that compile
// kernel bundles, streams that launch them in order, and the buffers they
// read and write.
package compute

import (
	"fmt"
	"sort"
	"strings"
)

// DeviceExt is a set of optional device capabilities.
type DeviceExt uint32

const (
	DeviceExtSubgroups DeviceExt = 1 << iota
	DeviceExtFP16
	DeviceExtBF16
)

func (e DeviceExt) String() string {
	var names []string
	if e&DeviceExtSubgroups != 0 {
		names = append(names, "subgroups")
	}
	if e&DeviceExtFP16 != 0 {
		names = append(names, "fp16")
	}
	if e&DeviceExtBF16 != 0 {
		names = append(names, "bf16")
	}
	return strings.Join(names, "|")
}

// DeviceInfo summarizes what an engine runs on.
type DeviceInfo struct {
	Name             string
	SubgroupSize     uint32
	MaxWorkgroupSize uint32
	// MaxWorkgroupsPerDim bounds the workgroup count of one launch
	// dimension; 0 means DefaultMaxWorkgroupsPerDim.
	MaxWorkgroupsPerDim uint32
	Extensions          DeviceExt
}

// WorkgroupsPerDim returns the per-dimension workgroup limit of i.
func (i DeviceInfo) WorkgroupsPerDim() uint32 {
	if i.MaxWorkgroupsPerDim == 0 {
		return DefaultMaxWorkgroupsPerDim
	}
	return i.MaxWorkgroupsPerDim
}

// Kernel is a compiled, launchable program.
type Kernel interface {
	Name() string
}

// Buffer is device memory.
type Buffer interface {
	Size() int64
	Release()
}

// KernelArgs binds a launch: buffers in the kernel's slot order (nil for an
// unused slot) and the uniform block shared by every launch of a primitive.
type KernelArgs struct {
	Buffers []Buffer
	Uniform []byte
}

// Stream is an in-order execution queue. ParallelFor returns once the launch
// is queued; Read and Finish block until previously queued work completed and
// report the first device fault of the stream.
type Stream interface {
	ParallelFor(k Kernel, nd NDRange, args KernelArgs) error
	Write(dst Buffer, data []byte) error
	Read(src Buffer, dst []byte) error
	Finish() error
}

// Engine owns a device, compiles kernels for it and hands out streams.
type Engine interface {
	Name() string
	// ID distinguishes engine instances; compiled kernels are only valid
	// on the engine that built them.
	ID() string
	Info() DeviceInfo
	MayUse(ext DeviceExt) bool
	// CreateKernelBundle compiles every named kernel against kctx and
	// returns them in the order of names.
	CreateKernelBundle(names []string, kctx *KernelCtx) ([]Kernel, error)
	NewBuffer(size int64) (Buffer, error)
	NewStream() (Stream, error)
	Release()
}

// KernelCtx holds the compile-time defines of a kernel bundle.
type KernelCtx struct {
	defines map[string]int64
}

func NewKernelCtx() *KernelCtx { return &KernelCtx{defines: map[string]int64{}} }

func (k *KernelCtx) Define(name string, v int64) { k.defines[name] = v }

func (k *KernelCtx) DefineBool(name string, v bool) {
	if v {
		k.defines[name] = 1
	} else {
		k.defines[name] = 0
	}
}

func (k *KernelCtx) Get(name string) (int64, bool) {
	v, ok := k.defines[name]
	return v, ok
}

// Int returns a define or 0.
func (k *KernelCtx) Int(name string) int64 { return k.defines[name] }

func (k *KernelCtx) Bool(name string) bool { return k.defines[name] != 0 }

// Keys returns define names in sorted order.
func (k *KernelCtx) Keys() []string {
	keys := make([]string, 0, len(k.defines))
	for name := range k.defines {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}

// String renders the defines as compiler options.
func (k *KernelCtx) String() string {
	var sb strings.Builder
	for i, name := range k.Keys() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "-D%s=%d", name, k.defines[name])
	}
	return sb.String()
}
