package tensor

import (
	"errors"
	"testing"
)

func TestShapeBasics(t *testing.T) {
	s := Shape{2, 3, 4}

	if s.NumElements() != 24 {
		t.Errorf("NumElements: got %d, expected 24", s.NumElements())
	}
	if s.Rank() != 3 {
		t.Errorf("Rank: got %d, expected 3", s.Rank())
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if err := (Shape{2, 0}).Validate(); err == nil {
		t.Error("Validate accepted a zero dimension")
	}

	strides := s.ComputeStrides()
	expected := []int{12, 4, 1}
	for i := range expected {
		if strides[i] != expected[i] {
			t.Errorf("Stride %d: got %d, expected %d", i, strides[i], expected[i])
		}
	}
}

func TestShapeDim(t *testing.T) {
	s := Shape{2, 3, 4}

	if d, _ := s.Dim(-1); d != 4 {
		t.Errorf("Dim(-1): got %d, expected 4", d)
	}
	if d, _ := s.Dim(0); d != 2 {
		t.Errorf("Dim(0): got %d, expected 2", d)
	}
	if _, err := s.Dim(3); err == nil {
		t.Error("Dim(3) should fail for rank 3")
	}

	if _, _, err := s.Dims2(); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Dims2 on rank 3: got %v, expected ErrShapeMismatch", err)
	}
	a, b, c, err := s.Dims3()
	if err != nil || a != 2 || b != 3 || c != 4 {
		t.Errorf("Dims3: got (%d, %d, %d, %v)", a, b, c, err)
	}
}

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Shape
		expected Shape
		fails    bool
	}{
		{name: "equal", a: Shape{2, 3}, b: Shape{2, 3}, expected: Shape{2, 3}},
		{name: "scalar-ish", a: Shape{2, 3}, b: Shape{1}, expected: Shape{2, 3}},
		{name: "keepdim row", a: Shape{2, 3, 4}, b: Shape{2, 3, 1}, expected: Shape{2, 3, 4}},
		{name: "rank extend", a: Shape{4, 5}, b: Shape{5}, expected: Shape{4, 5}},
		{name: "mask over heads", a: Shape{2, 8, 4, 6}, b: Shape{4, 6}, expected: Shape{2, 8, 4, 6}},
		{name: "incompatible", a: Shape{2, 3}, b: Shape{2, 4}, fails: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := BroadcastShapes(tt.a, tt.b)
			if tt.fails {
				if !errors.Is(err, ErrShapeMismatch) {
					t.Errorf("got %v, expected ErrShapeMismatch", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("BroadcastShapes: %v", err)
			}
			if !out.Equal(tt.expected) {
				t.Errorf("got %v, expected %v", out, tt.expected)
			}
		})
	}
}
