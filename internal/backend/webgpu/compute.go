package webgpu

import (
	"encoding/binary"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/born-ml/fuse/internal/tensor"
)

// workgroupSize matches the @workgroup_size in the elementwise shaders.
const workgroupSize = 256

// createBuffer uploads data into a new GPU buffer with the given usage.
func (d *Device) createBuffer(data []byte, usage wgpu.BufferUsage) (*wgpu.Buffer, error) {
	buf, err := d.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Contents: data,
		Usage:    usage,
	})
	if err != nil {
		return nil, tensor.WrapBackendFailure(err, "create buffer (%d bytes)", len(data))
	}
	return buf, nil
}

// createEmptyBuffer allocates a zeroed storage buffer of size bytes.
func (d *Device) createEmptyBuffer(size uint64) (*wgpu.Buffer, error) {
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	if err != nil {
		return nil, tensor.WrapBackendFailure(err, "create buffer (%d bytes)", size)
	}
	return buf, nil
}

// createUniform packs 32-bit words into a uniform buffer padded to the
// required 16-byte alignment.
func (d *Device) createUniform(words []uint32) (*wgpu.Buffer, error) {
	padded := (len(words) + 3) &^ 3
	data := make([]byte, padded*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	buf, err := d.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Contents: data,
		Usage:    wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, tensor.WrapBackendFailure(err, "create uniform buffer")
	}
	return buf, nil
}

// readBuffer copies a storage buffer back to host memory through a
// staging buffer; storage buffers cannot be mapped directly.
func (d *Device) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	if err != nil {
		return nil, tensor.WrapBackendFailure(err, "create staging buffer")
	}
	defer staging.Release()

	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, tensor.WrapBackendFailure(err, "create command encoder")
	}
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, tensor.WrapBackendFailure(err, "finish readback commands")
	}
	d.queue.Submit(cmd)

	var mapErr error
	done := false
	err = staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			mapErr = tensor.WrapBackendFailure(nil, "map staging buffer: status %v", status)
		}
		done = true
	})
	if err != nil {
		return nil, tensor.WrapBackendFailure(err, "map staging buffer")
	}
	for !done {
		d.device.Poll(true, nil)
	}
	if mapErr != nil {
		return nil, mapErr
	}

	out := make([]byte, size)
	copy(out, staging.GetMappedRange(0, uint(size)))
	staging.Unmap()
	return out, nil
}

// dispatch runs one compute pass of the named shader: storage buffers
// bind at 0..n-1 in order, the packed params uniform binds at n.
func (d *Device) dispatch(name, code string, bufs []*wgpu.Buffer, params []uint32, wgX, wgY, wgZ uint32) error {
	pipeline, err := d.pipeline(name, code)
	if err != nil {
		return err
	}

	uniform, err := d.createUniform(params)
	if err != nil {
		return err
	}
	defer uniform.Release()

	entries := make([]wgpu.BindGroupEntry, 0, len(bufs)+1)
	for i, buf := range bufs {
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: uint32(i),
			Buffer:  buf,
			Size:    wgpu.WholeSize,
		})
	}
	entries = append(entries, wgpu.BindGroupEntry{
		Binding: uint32(len(bufs)),
		Buffer:  uniform,
		Size:    wgpu.WholeSize,
	})

	bindGroup, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout:  pipeline.GetBindGroupLayout(0),
		Entries: entries,
	})
	if err != nil {
		return tensor.WrapBackendFailure(err, "create bind group for %q", name)
	}
	defer bindGroup.Release()

	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return tensor.WrapBackendFailure(err, "create command encoder")
	}
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(wgX, wgY, wgZ)
	pass.End()

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return tensor.WrapBackendFailure(err, "finish %q commands", name)
	}
	d.queue.Submit(cmd)
	return nil
}

func ceilDiv(n, d int) uint32 {
	return uint32((n + d - 1) / d)
}
