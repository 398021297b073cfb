package host

import (
	"fmt"
	"sync"
	"time"

	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/bnorm/kernels"
	"golang.org/x/sync/errgroup"
)

// Stream runs queued work in order on a background goroutine that exits
// when the queue is empty. The first failure is sticky: later work is
// skipped and every Read and Finish reports it.
type Stream struct {
	eng *Engine

	mu      sync.Mutex
	queue   []func() error
	running bool
	idle    chan struct{}
	err     error
}

func (e *Engine) NewStream() (compute.Stream, error) {
	return &Stream{eng: e}, nil
}

func (s *Stream) enqueue(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, fn)
	if !s.running {
		s.running = true
		s.idle = make(chan struct{})
		go s.drain(s.idle)
	}
}

func (s *Stream) drain(idle chan struct{}) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			close(idle)
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		failed := s.err != nil
		s.mu.Unlock()
		if failed {
			continue
		}
		if err := fn(); err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}
}

// Finish blocks until every queued item ran or was skipped.
func (s *Stream) Finish() error {
	s.mu.Lock()
	idle, running := s.idle, s.running
	s.mu.Unlock()
	if running {
		<-idle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func hostBuffer(b compute.Buffer) (*Buffer, error) {
	hb, ok := b.(*Buffer)
	if !ok {
		return nil, compute.InvalidArgument("host", "buffer %T does not belong to a host engine", b)
	}
	return hb, nil
}

func (s *Stream) Write(dst compute.Buffer, data []byte) error {
	b, err := hostBuffer(dst)
	if err != nil {
		return err
	}
	if int64(len(data)) > b.Size() {
		return compute.InvalidArgument("host", "write of %d bytes into %d byte buffer", len(data), b.Size())
	}
	src := append([]byte(nil), data...)
	s.enqueue(func() error {
		copy(b.data, src)
		return nil
	})
	return nil
}

func (s *Stream) Read(src compute.Buffer, dst []byte) error {
	b, err := hostBuffer(src)
	if err != nil {
		return err
	}
	if int64(len(dst)) > b.Size() {
		return compute.InvalidArgument("host", "read of %d bytes from %d byte buffer", len(dst), b.Size())
	}
	s.enqueue(func() error {
		copy(dst, b.data)
		return nil
	})
	return s.Finish()
}

// ParallelFor checks the launch and queues it.
func (s *Stream) ParallelFor(k compute.Kernel, nd compute.NDRange, args compute.KernelArgs) error {
	hk, ok := k.(*kernel)
	if !ok || hk.eng != s.eng {
		return compute.InvalidArgument("host", "kernel %s was not compiled by this engine", k.Name())
	}
	u, err := kernels.DecodeUniform(args.Uniform)
	if err != nil {
		return compute.InvalidArgument(hk.name, "%v", err)
	}
	bufs := make([]*Buffer, len(args.Buffers))
	for i, b := range args.Buffers {
		if b == nil {
			continue
		}
		if bufs[i], err = hostBuffer(b); err != nil {
			return err
		}
	}
	s.enqueue(func() error {
		start := time.Now()
		err := s.eng.run(hk, nd, &u, bufs)
		s.eng.record(Event{Kernel: hk.name, Start: start, End: time.Now(), Err: err})
		return err
	})
	return nil
}

// run executes every workgroup of a launch, at most e.workers at a time.
func (e *Engine) run(k *kernel, nd compute.NDRange, u *kernels.Uniform, bufs []*Buffer) error {
	if e.faults[k.name] {
		return compute.DeviceError(k.name, nil, "injected device fault")
	}
	data := make([][]byte, len(bufs))
	for i, b := range bufs {
		if b != nil {
			data[i] = b.data
		}
	}
	groups := nd.Groups()
	var g errgroup.Group
	g.SetLimit(e.workers)
	for gz := uint32(0); gz < groups[2]; gz++ {
		for gy := uint32(0); gy < groups[1]; gy++ {
			for gx := uint32(0); gx < groups[0]; gx++ {
				g.Go(func() (err error) {
					defer func() {
						if r := recover(); r != nil {
							err = compute.DeviceError(k.name, fmt.Errorf("%v", r), "workgroup (%d,%d,%d)", gx, gy, gz)
						}
					}()
					e.workgroup(k, nd.Local, [3]uint32{gx, gy, gz}, u, data)
					return nil
				})
			}
		}
	}
	return g.Wait()
}

func (e *Engine) workgroup(k *kernel, local [3]uint32, group [3]uint32, u *kernels.Uniform, data [][]byte) {
	var base [3]uint64
	for i := range base {
		base[i] = uint64(group[i]) * uint64(local[i])
	}
	for z := uint64(0); z < uint64(local[2]); z++ {
		for y := uint64(0); y < uint64(local[1]); y++ {
			for x := uint64(0); x < uint64(local[0]); x++ {
				k.fn([3]uint64{base[0] + x, base[1] + y, base[2] + z}, u, data)
			}
		}
	}
}
