package tensor

import (
	"errors"
	"testing"
)

func TestLayoutContiguous(t *testing.T) {
	l := NewLayout(Shape{2, 3, 4})
	if !l.IsContiguous() {
		t.Error("fresh layout should be contiguous")
	}
	o1, o2, ok := l.ContiguousOffsets()
	if !ok || o1 != 0 || o2 != 24 {
		t.Errorf("ContiguousOffsets: got (%d, %d, %v)", o1, o2, ok)
	}
}

func TestLayoutTranspose(t *testing.T) {
	l := NewLayout(Shape{2, 3})
	tr, err := l.Transpose(0, 1)
	if err != nil {
		t.Fatalf("Transpose: %v", err)
	}
	if !tr.Shape().Equal(Shape{3, 2}) {
		t.Errorf("shape: got %v", tr.Shape())
	}
	if tr.IsContiguous() {
		t.Error("transposed 2x3 should not be contiguous")
	}
	if _, _, ok := tr.ContiguousOffsets(); ok {
		t.Error("ContiguousOffsets should refuse a strided layout")
	}

	// Logical (i, j) of the transpose reads physical (j, i).
	// Source element (1, 2) sits at physical index 5.
	if got := tr.PhysicalIndex(2*2 + 1); got != 5 {
		t.Errorf("PhysicalIndex: got %d, expected 5", got)
	}

	if _, err := l.Transpose(0, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("out-of-range transpose: got %v", err)
	}
}

func TestLayoutNarrow(t *testing.T) {
	l := NewLayout(Shape{4, 6})

	n, err := l.Narrow(1, 2, 3)
	if err != nil {
		t.Fatalf("Narrow: %v", err)
	}
	if !n.Shape().Equal(Shape{4, 3}) {
		t.Errorf("shape: got %v", n.Shape())
	}
	if n.Offset() != 2 {
		t.Errorf("offset: got %d, expected 2", n.Offset())
	}
	if n.IsContiguous() {
		t.Error("row slice of a 4x6 should be strided")
	}

	// Narrowing the outer dim keeps contiguity.
	outer, err := l.Narrow(0, 1, 2)
	if err != nil {
		t.Fatalf("Narrow: %v", err)
	}
	if !outer.IsContiguous() {
		t.Error("outer-dim narrow should stay contiguous")
	}
	if o1, o2, ok := outer.ContiguousOffsets(); !ok || o1 != 6 || o2 != 18 {
		t.Errorf("ContiguousOffsets: got (%d, %d, %v)", o1, o2, ok)
	}

	if _, err := l.Narrow(1, 4, 3); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("out-of-bounds narrow: got %v", err)
	}
}

func TestLayoutSize1DimsContiguous(t *testing.T) {
	// Size-1 dims never contribute a step, so their stride is free.
	l := NewLayoutStrided(Shape{2, 1, 3}, []int{3, 99, 1}, 0)
	if !l.IsContiguous() {
		t.Error("size-1 dim stride should not break contiguity")
	}
}

func TestPhysicalIndexStrided(t *testing.T) {
	// A (2, 2) view with row stride 4: rows start at 0 and 4.
	l := NewLayoutStrided(Shape{2, 2}, []int{4, 1}, 1)
	expected := []int{1, 2, 5, 6}
	for i, e := range expected {
		if got := l.PhysicalIndex(i); got != e {
			t.Errorf("PhysicalIndex(%d): got %d, expected %d", i, got, e)
		}
	}
}
