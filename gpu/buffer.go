package gpu

import (
	"time"

	"github.com/openfluke/bnorm/compute"
	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
)

const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc

// mapTimeout bounds how long a readback waits for the device.
var mapTimeout = 5 * time.Second

// Buffer is a storage buffer. Its device allocation is rounded up to a
// multiple of 4 bytes; Size reports the requested size.
type Buffer struct {
	buf  *wgpu.Buffer
	size int64
	eng  *Engine
}

func align4(n int64) int64 { return (n + 3) &^ 3 }

func (e *Engine) NewBuffer(size int64) (compute.Buffer, error) {
	if size < 0 {
		return nil, errors.Errorf("gpu: negative buffer size %d", size)
	}
	buf, err := e.ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "bnorm",
		Size:  uint64(max(align4(size), 4)),
		Usage: storageUsage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "gpu: create %d byte buffer", size)
	}
	return &Buffer{buf: buf, size: size, eng: e}, nil
}

func (b *Buffer) Size() int64 { return b.size }

func (b *Buffer) Release() {
	if b.buf != nil {
		b.buf.Release()
		b.buf = nil
	}
}

// poll drives the device until done is closed or the timeout expires.
func poll(dev *wgpu.Device, done <-chan struct{}) error {
	timeout := time.After(mapTimeout)
	for {
		dev.Poll(false, nil)
		select {
		case <-done:
			return nil
		case <-timeout:
			return errors.Errorf("device did not respond within %s", mapTimeout)
		default:
			time.Sleep(100 * time.Microsecond)
		}
	}
}

// readBuffer copies the first len(dst) bytes of src through a staging
// buffer. Queue order makes it observe every earlier submission.
func readBuffer(c *Context, src *wgpu.Buffer, dst []byte) error {
	size := uint64(align4(int64(len(dst))))
	staging, err := c.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "bnorm_readback",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return errors.Wrap(err, "create staging buffer")
	}
	defer staging.Destroy()

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return errors.Wrap(err, "create command encoder")
	}
	enc.CopyBufferToBuffer(src, 0, staging, 0, size)
	cmd, err := enc.Finish(nil)
	enc.Release()
	if err != nil {
		return errors.Wrap(err, "finish readback commands")
	}
	c.Queue.Submit(cmd)
	cmd.Release()

	done := make(chan struct{})
	var mapErr error
	err = staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = errors.Errorf("map failed: %v", status)
		}
		close(done)
	})
	if err != nil {
		return errors.Wrap(err, "map staging buffer")
	}
	if err := poll(c.Device, done); err != nil {
		return err
	}
	if mapErr != nil {
		return mapErr
	}
	data := staging.GetMappedRange(0, uint(size))
	if data == nil {
		return errors.New("staging buffer has no mapped range")
	}
	copy(dst, data)
	staging.Unmap()
	return nil
}
