// Package webgpu implements the custom-kernel GPU backend on top of
// WebGPU compute shaders. All kernels are portable WGSL and therefore
// f32 only; storage lives in GPU buffers and is read back explicitly.
package webgpu

import (
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/born-ml/fuse/internal/tensor"
)

// Device owns the WebGPU instance, adapter, device and queue, plus the
// shader and pipeline caches. A Device is safe for concurrent use; the
// caches are guarded by mu.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
	mu        sync.RWMutex
}

// New initializes a WebGPU device on the highest-performance adapter.
// Returns an error if the native library or a suitable adapter is not
// available.
func New() (dev *Device, err error) {
	// The native loader panics when wgpu_native is missing.
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = tensor.WrapBackendFailure(nil, "webgpu native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, adapterErr := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if adapterErr != nil {
		instance.Release()
		return nil, tensor.WrapBackendFailure(adapterErr, "webgpu adapter request")
	}

	device, deviceErr := adapter.RequestDevice(nil)
	if deviceErr != nil {
		adapter.Release()
		instance.Release()
		return nil, tensor.WrapBackendFailure(deviceErr, "webgpu device request")
	}

	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, tensor.WrapBackendFailure(nil, "webgpu queue unavailable")
	}

	return &Device{
		instance:  instance,
		adapter:   adapter,
		device:    device,
		queue:     queue,
		shaders:   make(map[string]*wgpu.ShaderModule),
		pipelines: make(map[string]*wgpu.ComputePipeline),
	}, nil
}

// Close releases the device and everything cached on it. Storages
// created on the device must be freed first.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.pipelines {
		p.Release()
	}
	for _, s := range d.shaders {
		s.Release()
	}
	d.pipelines = nil
	d.shaders = nil
	if d.queue != nil {
		d.queue.Release()
	}
	if d.device != nil {
		d.device.Release()
	}
	if d.adapter != nil {
		d.adapter.Release()
	}
	if d.instance != nil {
		d.instance.Release()
	}
}

// compileShader compiles WGSL source into a cached shader module.
func (d *Device) compileShader(name, code string) (*wgpu.ShaderModule, error) {
	d.mu.RLock()
	if shader, ok := d.shaders[name]; ok {
		d.mu.RUnlock()
		return shader, nil
	}
	d.mu.RUnlock()

	shader, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          name,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return nil, tensor.WrapBackendFailure(err, "compile shader %q", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cached, ok := d.shaders[name]; ok {
		shader.Release()
		return cached, nil
	}
	d.shaders[name] = shader
	return shader, nil
}

// pipeline returns the cached compute pipeline for a shader, creating
// it with an auto layout on first use.
func (d *Device) pipeline(name, code string) (*wgpu.ComputePipeline, error) {
	d.mu.RLock()
	if p, ok := d.pipelines[name]; ok {
		d.mu.RUnlock()
		return p, nil
	}
	d.mu.RUnlock()

	shader, err := d.compileShader(name, code)
	if err != nil {
		return nil, err
	}
	p, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: name,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     shader,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return nil, tensor.WrapBackendFailure(err, "create pipeline %q", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cached, ok := d.pipelines[name]; ok {
		p.Release()
		return cached, nil
	}
	d.pipelines[name] = p
	return p, nil
}

func (d *Device) String() string {
	return fmt.Sprintf("webgpu.Device(%p)", d.device)
}
