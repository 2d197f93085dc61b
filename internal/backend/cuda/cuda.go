// Package cuda implements the vendor-GEMM GPU backend. The fused
// batched matmul goes through cuBLASLt with an optional epilogue for
// bias and activation. Shape and precondition validation is pure Go and
// always built; the driver calls live behind the cuda build tag.
package cuda

import "github.com/born-ml/fuse/internal/tensor"

// Device owns a CUDA context and a cuBLASLt handle.
type Device struct {
	ordinal int
	handle  uintptr // cublasLtHandle_t
}

// Storage is a device allocation tagged with its element type.
type Storage struct {
	dev   *Device
	ptr   uintptr // device pointer
	elems int
	dtype tensor.DataType
}

// DType returns the element type.
func (s *Storage) DType() tensor.DataType { return s.dtype }

// Device returns tensor.CUDA.
func (s *Storage) Device() tensor.Device { return tensor.CUDA }

// ElemCount returns the number of elements in the allocation.
func (s *Storage) ElemCount() int { return s.elems }

// Owner returns the device the storage lives on.
func (s *Storage) Owner() *Device { return s.dev }

// TensorFromFloat32 uploads vals (converted to dtype) and wraps them in
// a tensor of the given shape.
func (d *Device) TensorFromFloat32(dtype tensor.DataType, vals []float32, shape tensor.Shape) (*tensor.Tensor, error) {
	if len(vals) != shape.NumElements() {
		return nil, tensor.ShapeErrf("%d values for shape %v (%d elements)",
			len(vals), []int(shape), shape.NumElements())
	}
	s, err := d.FromFloat32(dtype, vals)
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(s, shape)
}
