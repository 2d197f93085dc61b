package webgpu

import (
	"unsafe"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/born-ml/fuse/internal/tensor"
)

// Storage owns one GPU buffer. Kernels read and write it in place on
// the device; ToFloat32 stages it back to the host.
type Storage struct {
	dev   *Device
	buf   *wgpu.Buffer
	elems int
}

// NewStorage allocates a zeroed f32 buffer for elems elements.
// WGSL kernels are portable f32, so no other dtype is accepted.
func (d *Device) NewStorage(dtype tensor.DataType, elems int) (*Storage, error) {
	if dtype != tensor.F32 {
		return nil, tensor.DTypeErrf("webgpu storage: %s (only f32)", dtype)
	}
	buf, err := d.createEmptyBuffer(uint64(elems) * 4)
	if err != nil {
		return nil, err
	}
	return &Storage{dev: d, buf: buf, elems: elems}, nil
}

// FromFloat32 uploads vals into a fresh storage buffer.
func (d *Device) FromFloat32(vals []float32) (*Storage, error) {
	data := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(vals))), len(vals)*4)
	buf, err := d.createBuffer(data, wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst)
	if err != nil {
		return nil, err
	}
	return &Storage{dev: d, buf: buf, elems: len(vals)}, nil
}

// TensorFromFloat32 uploads vals and wraps them in a tensor of the
// given shape.
func (d *Device) TensorFromFloat32(vals []float32, shape tensor.Shape) (*tensor.Tensor, error) {
	if len(vals) != shape.NumElements() {
		return nil, tensor.ShapeErrf("%d values for shape %v (%d elements)",
			len(vals), []int(shape), shape.NumElements())
	}
	s, err := d.FromFloat32(vals)
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(s, shape)
}

// DType returns tensor.F32.
func (s *Storage) DType() tensor.DataType { return tensor.F32 }

// Device returns tensor.WebGPU.
func (s *Storage) Device() tensor.Device { return tensor.WebGPU }

// ElemCount returns the number of elements in the buffer.
func (s *Storage) ElemCount() int { return s.elems }

// Owner returns the device the storage lives on.
func (s *Storage) Owner() *Device { return s.dev }

// ToFloat32 copies the buffer back to the host through a staging buffer.
func (s *Storage) ToFloat32() ([]float32, error) {
	data, err := s.dev.readBuffer(s.buf, uint64(s.elems)*4)
	if err != nil {
		return nil, err
	}
	out := make([]float32, s.elems)
	copy(out, unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(data))), s.elems))
	return out, nil
}

// Free releases the GPU buffer. The storage must not be used after.
func (s *Storage) Free() {
	if s.buf != nil {
		s.buf.Release()
		s.buf = nil
	}
}
