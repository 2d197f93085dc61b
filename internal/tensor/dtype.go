// Package tensor provides the core data model for the fuse operator
// dispatch layer: element types, shapes, memory layouts, backend-tagged
// storage and the Tensor value that ties them together.
package tensor

// DataType is the runtime element type tag of a tensor.
type DataType int

// Supported element types.
//
// F8E4M3 is carried for tagging narrow matmul inputs; no elementwise
// kernel accepts it.
const (
	F16 DataType = iota
	BF16
	F32
	F64
	F8E4M3
)

// Size returns the byte size of one element.
func (dt DataType) Size() int {
	switch dt {
	case F16, BF16:
		return 2
	case F32:
		return 4
	case F64:
		return 8
	case F8E4M3:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case F8E4M3:
		return "f8e4m3"
	default:
		return "unknown"
	}
}

// IsFloat reports whether the type is one of the wide float types that
// elementwise kernels operate on.
func (dt DataType) IsFloat() bool {
	switch dt {
	case F16, BF16, F32, F64:
		return true
	default:
		return false
	}
}
