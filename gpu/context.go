// Package gpu is the WebGPU compute engine. Kernels are the WGSL programs
// of package kernels compiled into compute pipelines; a stream records one
// compute pass per launch and submits it to the device queue, which runs
// submissions in order.
package gpu

import (
	"os"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AdapterEnvVar selects an adapter whose name or vendor contains the value.
const AdapterEnvVar = "BNORM_ADAPTER"

// Context holds the process-wide WebGPU device.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Limits   wgpu.Limits
	Features []string

	once sync.Once
	err  error
}

var ctx Context

func matchAdapter(inst *wgpu.Instance, want string) *wgpu.Adapter {
	want = strings.ToLower(want)
	for _, a := range inst.EnumerateAdapters(nil) {
		info := a.GetInfo()
		klog.V(1).Infof("gpu: adapter %q vendor %q type %s", info.Name, info.VendorName, info.AdapterType)
		if strings.Contains(strings.ToLower(info.Name), want) || strings.Contains(strings.ToLower(info.VendorName), want) {
			return a
		}
	}
	return nil
}

// GetContext returns the shared context, creating the device on first use.
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.err = ctx.init()
		if ctx.err != nil {
			klog.Warningf("gpu: no WebGPU device: %v", ctx.err)
		}
	})
	if ctx.err != nil {
		return nil, ctx.err
	}
	return &ctx, nil
}

func (c *Context) init() error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return errors.New("failed to create WebGPU instance")
	}
	if want := os.Getenv(AdapterEnvVar); want != "" {
		c.Adapter = matchAdapter(c.Instance, want)
		if c.Adapter == nil {
			klog.Warningf("gpu: no adapter matches %s=%q, falling back", AdapterEnvVar, want)
		}
	}
	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		c.Adapter, err = c.Instance.RequestAdapter(opts)
	}
	if c.Adapter == nil {
		return errors.Wrap(err, "all adapter requests failed")
	}

	info := c.Adapter.GetInfo()
	klog.V(1).Infof("gpu: using adapter %q (%s)", info.Name, info.VendorName)
	c.Limits = c.Adapter.GetLimits().Limits
	for _, f := range c.Adapter.EnumerateFeatures() {
		c.Features = append(c.Features, f.String())
	}

	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		return errors.Wrap(err, "request device")
	}
	c.Queue = c.Device.GetQueue()
	if c.Queue == nil {
		return errors.New("device has no queue")
	}
	return nil
}
