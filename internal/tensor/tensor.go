package tensor

import "fmt"

// Device identifies the backend that owns a tensor's storage.
type Device int

// Supported compute devices. WebGPU is the custom-kernel GPU backend;
// CUDA is the vendor-GEMM GPU backend.
const (
	CPU Device = iota
	WebGPU
	CUDA
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case WebGPU:
		return "WebGPU"
	case CUDA:
		return "CUDA"
	default:
		return "Unknown"
	}
}

// Storage is the backend-tagged owner of a flat element buffer. The
// concrete type (cpu.Storage, webgpu.Storage, cuda.Storage) determines
// which per-backend forward method an operator invocation dispatches to.
type Storage interface {
	DType() DataType
	Device() Device
	ElemCount() int
}

// Tensor is a logical multi-dimensional array: a backend-tagged storage
// plus a layout mapping logical indices onto it. Tensors are immutable
// except when an operator is explicitly in-place, in which case the
// storage contents (never the layout or dtype) change.
type Tensor struct {
	storage Storage
	layout  *Layout
}

// FromStorage wraps storage in a tensor with a fresh contiguous layout
// for shape. The layout must fit inside the storage.
func FromStorage(s Storage, shape Shape) (*Tensor, error) {
	return FromStorageLayout(s, NewLayout(shape))
}

// FromStorageLayout wraps storage with an explicit layout (typically a
// view of an existing tensor's storage).
func FromStorageLayout(s Storage, l *Layout) (*Tensor, error) {
	if err := l.Shape().Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if need := l.Offset() + l.ElemCount(); l.IsContiguous() && need > s.ElemCount() {
		return nil, ShapeErrf("layout needs %d elements, storage holds %d", need, s.ElemCount())
	}
	return &Tensor{storage: s, layout: l}, nil
}

// Storage returns the backend-tagged storage.
func (t *Tensor) Storage() Storage { return t.storage }

// Layout returns the tensor's layout.
func (t *Tensor) Layout() *Layout { return t.layout }

// Shape returns the logical shape.
func (t *Tensor) Shape() Shape { return t.layout.Shape() }

// DType returns the element type.
func (t *Tensor) DType() DataType { return t.storage.DType() }

// Device returns the backend that owns the storage.
func (t *Tensor) Device() Device { return t.storage.Device() }

// ElemCount returns the number of logical elements.
func (t *Tensor) ElemCount() int { return t.layout.ElemCount() }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return t.layout.Rank() }

// Dim returns the size of dimension i (negative indices count from the end).
func (t *Tensor) Dim(i int) (int, error) { return t.layout.Dim(i) }

// IsContiguous reports whether the tensor's layout is contiguous.
func (t *Tensor) IsContiguous() bool { return t.layout.IsContiguous() }

// View returns a tensor sharing this tensor's storage under a different
// layout. The caller is responsible for the layout staying in bounds.
func (t *Tensor) View(l *Layout) *Tensor {
	return &Tensor{storage: t.storage, layout: l}
}

// Transpose returns a strided view with dimensions d1 and d2 swapped.
func (t *Tensor) Transpose(d1, d2 int) (*Tensor, error) {
	l, err := t.layout.Transpose(d1, d2)
	if err != nil {
		return nil, err
	}
	return t.View(l), nil
}

// Narrow returns a view restricted to length elements of dim starting
// at start.
func (t *Tensor) Narrow(dim, start, length int) (*Tensor, error) {
	l, err := t.layout.Narrow(dim, start, length)
	if err != nil {
		return nil, err
	}
	return t.View(l), nil
}
