// Package cpu implements the host backend: storage in process memory,
// row-parallel fused kernels and the primitive kernels the compositional
// (slow-path) operators are built from.
package cpu

import (
	"fmt"
	"unsafe"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/born-ml/fuse/internal/tensor"
)

// Storage owns a flat element buffer in host memory.
type Storage struct {
	data  []byte
	dtype tensor.DataType
}

// NewStorage allocates zeroed host storage for elems elements of dtype.
func NewStorage(dtype tensor.DataType, elems int) *Storage {
	return &Storage{
		data:  make([]byte, elems*dtype.Size()),
		dtype: dtype,
	}
}

// DType returns the element type.
func (s *Storage) DType() tensor.DataType { return s.dtype }

// Device returns tensor.CPU.
func (s *Storage) Device() tensor.Device { return tensor.CPU }

// ElemCount returns the number of elements in the buffer.
func (s *Storage) ElemCount() int { return len(s.data) / s.dtype.Size() }

// Bytes returns the raw byte buffer.
func (s *Storage) Bytes() []byte { return s.data }

// Float32s interprets the buffer as []float32.
// Panics if the storage dtype is not F32.
func (s *Storage) Float32s() []float32 {
	if s.dtype != tensor.F32 {
		panic(fmt.Sprintf("storage dtype is %s, not f32", s.dtype))
	}
	if len(s.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&s.data[0])), s.ElemCount())
}

// Float64s interprets the buffer as []float64.
// Panics if the storage dtype is not F64.
func (s *Storage) Float64s() []float64 {
	if s.dtype != tensor.F64 {
		panic(fmt.Sprintf("storage dtype is %s, not f64", s.dtype))
	}
	if len(s.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&s.data[0])), s.ElemCount())
}

// Bits16 interprets the buffer as raw 16-bit patterns (F16 or BF16).
func (s *Storage) Bits16() []uint16 {
	if s.dtype != tensor.F16 && s.dtype != tensor.BF16 {
		panic(fmt.Sprintf("storage dtype is %s, not a 16-bit float", s.dtype))
	}
	if len(s.data) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&s.data[0])), s.ElemCount())
}

// ReadFloat32 copies n elements starting at element offset off into dst,
// widening to float32. Used by fused kernels to accumulate in f32
// regardless of storage dtype.
func (s *Storage) ReadFloat32(off, n int, dst []float32) {
	switch s.dtype {
	case tensor.F32:
		copy(dst[:n], s.Float32s()[off:off+n])
	case tensor.F16:
		bits := s.Bits16()[off : off+n]
		for i, b := range bits {
			dst[i] = float16.Frombits(b).Float32()
		}
	case tensor.BF16:
		bits := s.Bits16()[off : off+n]
		for i, b := range bits {
			dst[i] = bfloat16.ToFloat32(bfloat16.BF16(b))
		}
	case tensor.F64:
		src := s.Float64s()[off : off+n]
		for i, v := range src {
			dst[i] = float32(v)
		}
	default:
		panic(fmt.Sprintf("ReadFloat32: unsupported dtype %s", s.dtype))
	}
}

// WriteFloat32 narrows src back into the buffer starting at element
// offset off.
func (s *Storage) WriteFloat32(off int, src []float32) {
	switch s.dtype {
	case tensor.F32:
		copy(s.Float32s()[off:off+len(src)], src)
	case tensor.F16:
		bits := s.Bits16()[off : off+len(src)]
		for i, v := range src {
			bits[i] = float16.Fromfloat32(v).Bits()
		}
	case tensor.BF16:
		bits := s.Bits16()[off : off+len(src)]
		for i, v := range src {
			bits[i] = uint16(bfloat16.FromFloat32(v))
		}
	case tensor.F64:
		dst := s.Float64s()[off : off+len(src)]
		for i, v := range src {
			dst[i] = float64(v)
		}
	default:
		panic(fmt.Sprintf("WriteFloat32: unsupported dtype %s", s.dtype))
	}
}

// FromFloat32 builds F32 storage from vals.
func FromFloat32(vals []float32) *Storage {
	s := NewStorage(tensor.F32, len(vals))
	copy(s.Float32s(), vals)
	return s
}

// FromFloat64 builds F64 storage from vals.
func FromFloat64(vals []float64) *Storage {
	s := NewStorage(tensor.F64, len(vals))
	copy(s.Float64s(), vals)
	return s
}

// FromFloat32As builds storage of the given dtype, converting vals on
// the way in. Handy for exercising half-precision kernels.
func FromFloat32As(dtype tensor.DataType, vals []float32) *Storage {
	s := NewStorage(dtype, len(vals))
	s.WriteFloat32(0, vals)
	return s
}

// TensorFromFloat32 wraps vals in an F32 tensor of the given shape.
func TensorFromFloat32(vals []float32, shape tensor.Shape) (*tensor.Tensor, error) {
	if len(vals) != shape.NumElements() {
		return nil, tensor.ShapeErrf("%d values for shape %v (%d elements)",
			len(vals), []int(shape), shape.NumElements())
	}
	return tensor.FromStorage(FromFloat32(vals), shape)
}

// TensorOf wraps vals (converted to dtype) in a tensor of the given shape.
func TensorOf(dtype tensor.DataType, vals []float32, shape tensor.Shape) (*tensor.Tensor, error) {
	if len(vals) != shape.NumElements() {
		return nil, tensor.ShapeErrf("%d values for shape %v (%d elements)",
			len(vals), []int(shape), shape.NumElements())
	}
	return tensor.FromStorage(FromFloat32As(dtype, vals), shape)
}

// Zeros returns a zero-filled tensor of the given dtype and shape.
func Zeros(dtype tensor.DataType, shape tensor.Shape) (*tensor.Tensor, error) {
	return tensor.FromStorage(NewStorage(dtype, shape.NumElements()), shape)
}

// ToFloat32 materializes the logical elements of (s, l) in row-major
// order, widened to float32.
func ToFloat32(s *Storage, l *tensor.Layout) []float32 {
	n := l.ElemCount()
	out := make([]float32, n)
	if o1, _, ok := l.ContiguousOffsets(); ok {
		s.ReadFloat32(o1, n, out)
		return out
	}
	one := make([]float32, 1)
	for i := 0; i < n; i++ {
		s.ReadFloat32(l.PhysicalIndex(i), 1, one)
		out[i] = one[0]
	}
	return out
}

// ToFloat64 materializes the logical elements of (s, l) in row-major
// order as float64. Only valid for F64 storage; wider dtypes go through
// ToFloat32.
func ToFloat64(s *Storage, l *tensor.Layout) []float64 {
	n := l.ElemCount()
	out := make([]float64, n)
	src := s.Float64s()
	if o1, _, ok := l.ContiguousOffsets(); ok {
		copy(out, src[o1:o1+n])
		return out
	}
	for i := 0; i < n; i++ {
		out[i] = src[l.PhysicalIndex(i)]
	}
	return out
}
