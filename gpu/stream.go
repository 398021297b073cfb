package gpu

import (
	"sync"
	"time"

	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/kernels"
	"github.com/openfluke/webgpu/wgpu"
	"k8s.io/klog/v2"
)

// Stream submits one command buffer per launch to the device queue. The
// first failure is sticky: later launches are dropped and Read and Finish
// report it.
type Stream struct {
	eng *Engine

	mu sync.Mutex
	// uniforms stay alive until the submissions using them complete.
	uniforms []*wgpu.Buffer
	err      error
}

func (e *Engine) NewStream() (compute.Stream, error) {
	return &Stream{eng: e}, nil
}

func (s *Stream) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	return s.err
}

func (s *Stream) buffer(b compute.Buffer) (*Buffer, error) {
	gb, ok := b.(*Buffer)
	if !ok || gb.eng != s.eng {
		return nil, compute.InvalidArgument("wgpu", "buffer %T does not belong to engine %s", b, s.eng.id)
	}
	if gb.buf == nil {
		return nil, compute.InvalidArgument("wgpu", "buffer was released")
	}
	return gb, nil
}

func (s *Stream) Write(dst compute.Buffer, data []byte) error {
	b, err := s.buffer(dst)
	if err != nil {
		return err
	}
	if int64(len(data)) > b.size {
		return compute.InvalidArgument("wgpu", "write of %d bytes into %d byte buffer", len(data), b.size)
	}
	if s.failed() != nil {
		return nil
	}
	padded := make([]byte, align4(int64(len(data))))
	copy(padded, data)
	s.eng.ctx.Queue.WriteBuffer(b.buf, 0, padded)
	return nil
}

func (s *Stream) Read(src compute.Buffer, dst []byte) error {
	b, err := s.buffer(src)
	if err != nil {
		return err
	}
	if int64(len(dst)) > b.size {
		return compute.InvalidArgument("wgpu", "read of %d bytes from %d byte buffer", len(dst), b.size)
	}
	if err := s.failed(); err != nil {
		return err
	}
	if err := readBuffer(s.eng.ctx, b.buf, dst); err != nil {
		return s.fail(compute.DeviceError("wgpu", err, "read %d bytes", len(dst)))
	}
	return s.Finish()
}

// Finish waits for the queue to drain and releases per-launch uniforms.
func (s *Stream) Finish() error {
	dev := s.eng.ctx.Device
	for i := 0; i < 10000; i++ {
		if dev.Poll(true, nil) {
			break
		}
		time.Sleep(100 * time.Microsecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.uniforms {
		u.Release()
	}
	s.uniforms = nil
	return s.err
}

// ParallelFor records and submits one compute pass. Unused slots bind the
// engine's placeholder buffers.
func (s *Stream) ParallelFor(k compute.Kernel, nd compute.NDRange, args compute.KernelArgs) error {
	gk, ok := k.(*kernel)
	if !ok || gk.eng != s.eng {
		return compute.InvalidArgument("wgpu", "kernel %s was not compiled by this engine", k.Name())
	}
	if len(args.Uniform) != kernels.UniformSize {
		return compute.InvalidArgument(gk.name, "uniform block holds %d bytes, want %d", len(args.Uniform), kernels.UniformSize)
	}
	if len(args.Buffers) > gk.slots {
		return compute.InvalidArgument(gk.name, "%d buffers for %d slots", len(args.Buffers), gk.slots)
	}
	groups := nd.Groups()
	for i, g := range groups {
		if g > s.eng.ctx.Limits.MaxComputeWorkgroupsPerDimension {
			return compute.InvalidArgument(gk.name, "%d workgroups in dimension %d exceed the device limit", g, i)
		}
	}
	entries := make([]wgpu.BindGroupEntry, 0, gk.slots+1)
	for i := 0; i < gk.slots; i++ {
		var buf *wgpu.Buffer
		if i < len(args.Buffers) && args.Buffers[i] != nil {
			b, err := s.buffer(args.Buffers[i])
			if err != nil {
				return err
			}
			buf = b.buf
		} else {
			var err error
			if buf, err = s.eng.dummy(i); err != nil {
				return s.fail(compute.DeviceError(gk.name, err, "placeholder buffer"))
			}
		}
		entries = append(entries, wgpu.BindGroupEntry{Binding: uint32(i), Buffer: buf, Size: buf.GetSize()})
	}
	if s.failed() != nil {
		return nil
	}

	dev := s.eng.ctx.Device
	uniform, err := dev.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    gk.name + "_params",
		Contents: args.Uniform,
		Usage:    wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return s.fail(compute.DeviceError(gk.name, err, "uniform buffer"))
	}
	s.mu.Lock()
	s.uniforms = append(s.uniforms, uniform)
	s.mu.Unlock()
	entries = append(entries, wgpu.BindGroupEntry{Binding: uint32(gk.slots), Buffer: uniform, Size: kernels.UniformSize})

	bg, err := dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   gk.name + "_bind",
		Layout:  gk.pipeline.GetBindGroupLayout(0),
		Entries: entries,
	})
	if err != nil {
		return s.fail(compute.DeviceError(gk.name, err, "bind group"))
	}
	defer bg.Release()

	enc, err := dev.CreateCommandEncoder(nil)
	if err != nil {
		return s.fail(compute.DeviceError(gk.name, err, "command encoder"))
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(gk.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.DispatchWorkgroups(groups[0], groups[1], groups[2])
	pass.End()
	cmd, err := enc.Finish(nil)
	enc.Release()
	if err != nil {
		return s.fail(compute.DeviceError(gk.name, err, "finish commands"))
	}
	s.eng.ctx.Queue.Submit(cmd)
	cmd.Release()
	klog.V(2).Infof("gpu: submitted %s groups=%v", gk.name, groups)
	return nil
}
