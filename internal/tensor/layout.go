package tensor

// Layout describes how a tensor's logical indices map onto its flat
// storage: a start offset (in elements), per-dimension strides and the
// logical shape. Layouts are immutable; view constructors return fresh
// values sharing nothing with the receiver.
type Layout struct {
	shape  Shape
	stride []int
	offset int
}

// NewLayout returns a contiguous row-major layout for shape with a zero
// start offset.
func NewLayout(shape Shape) *Layout {
	return NewLayoutOffset(shape, 0)
}

// NewLayoutOffset returns a contiguous row-major layout starting at the
// given element offset.
func NewLayoutOffset(shape Shape, offset int) *Layout {
	return &Layout{
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		offset: offset,
	}
}

// NewLayoutStrided returns a layout with explicit strides.
func NewLayoutStrided(shape Shape, stride []int, offset int) *Layout {
	return &Layout{
		shape:  shape.Clone(),
		stride: append([]int(nil), stride...),
		offset: offset,
	}
}

// Shape returns the logical shape.
func (l *Layout) Shape() Shape { return l.shape }

// Stride returns the per-dimension element strides.
func (l *Layout) Stride() []int { return l.stride }

// Offset returns the start offset in elements.
func (l *Layout) Offset() int { return l.offset }

// Rank returns the number of dimensions.
func (l *Layout) Rank() int { return len(l.shape) }

// ElemCount returns the number of logical elements.
func (l *Layout) ElemCount() int { return l.shape.NumElements() }

// Dim returns the size of dimension i (negative indices count from the end).
func (l *Layout) Dim(i int) (int, error) { return l.shape.Dim(i) }

// IsContiguous reports whether logical row-major traversal of this
// layout visits physical memory in order with no gaps, i.e. the strides
// equal the row-major strides of the shape. Dimensions of size 1 are
// ignored since their stride never contributes.
func (l *Layout) IsContiguous() bool {
	acc := 1
	for i := len(l.shape) - 1; i >= 0; i-- {
		if l.shape[i] == 1 {
			continue
		}
		if l.stride[i] != acc {
			return false
		}
		acc *= l.shape[i]
	}
	return true
}

// ContiguousOffsets returns the half-open element range [o1, o2) covered
// by this layout when it is contiguous. ok is false for strided layouts;
// fused kernels use that to reject input rather than handle it.
func (l *Layout) ContiguousOffsets() (o1, o2 int, ok bool) {
	if !l.IsContiguous() {
		return 0, 0, false
	}
	return l.offset, l.offset + l.ElemCount(), true
}

// Transpose returns a view layout with dimensions d1 and d2 swapped.
func (l *Layout) Transpose(d1, d2 int) (*Layout, error) {
	rank := l.Rank()
	if d1 < 0 {
		d1 += rank
	}
	if d2 < 0 {
		d2 += rank
	}
	if d1 < 0 || d1 >= rank || d2 < 0 || d2 >= rank {
		return nil, ShapeErrf("transpose dims (%d, %d) out of range for rank %d", d1, d2, rank)
	}
	shape := l.shape.Clone()
	stride := append([]int(nil), l.stride...)
	shape[d1], shape[d2] = shape[d2], shape[d1]
	stride[d1], stride[d2] = stride[d2], stride[d1]
	return &Layout{shape: shape, stride: stride, offset: l.offset}, nil
}

// Narrow returns a view layout restricted to length elements of
// dimension dim starting at start.
func (l *Layout) Narrow(dim, start, length int) (*Layout, error) {
	if dim < 0 {
		dim += l.Rank()
	}
	if dim < 0 || dim >= l.Rank() {
		return nil, ShapeErrf("narrow dim %d out of range for rank %d", dim, l.Rank())
	}
	if start < 0 || length < 0 || start+length > l.shape[dim] {
		return nil, ShapeErrf("narrow range [%d, %d) out of bounds for dim of size %d",
			start, start+length, l.shape[dim])
	}
	shape := l.shape.Clone()
	shape[dim] = length
	return &Layout{
		shape:  shape,
		stride: append([]int(nil), l.stride...),
		offset: l.offset + start*l.stride[dim],
	}, nil
}

// PhysicalIndex maps a flat logical index (row-major over the shape) to
// the physical element index in storage. Used by strided kernels.
func (l *Layout) PhysicalIndex(logical int) int {
	phys := l.offset
	for i := len(l.shape) - 1; i >= 0; i-- {
		phys += (logical % l.shape[i]) * l.stride[i]
		logical /= l.shape[i]
	}
	return phys
}
