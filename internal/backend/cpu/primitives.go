package cpu

import (
	"math"
	"math/rand/v2"

	"github.com/chewxy/math32"

	"github.com/born-ml/fuse/internal/parallel"
	"github.com/born-ml/fuse/internal/tensor"
)

// Primitive kernels backing the compositional slow paths (generic
// softmax over any dim, reference norms, dropout). They accept any
// layout and always produce contiguous output in logical order.

type number interface {
	~float32 | ~float64
}

// Unary applies an elementwise function, picking the f32 or f64 variant
// by storage dtype. Half-precision inputs run through the f32 variant.
func Unary(s *Storage, l *tensor.Layout, f32 func(float32) float32, f64 func(float64) float64) (*Storage, error) {
	switch s.dtype {
	case tensor.F64:
		vals := ToFloat64(s, l)
		for i, v := range vals {
			vals[i] = f64(v)
		}
		return FromFloat64(vals), nil
	case tensor.F16, tensor.BF16, tensor.F32:
		vals := ToFloat32(s, l)
		for i, v := range vals {
			vals[i] = f32(v)
		}
		out := NewStorage(s.dtype, len(vals))
		out.WriteFloat32(0, vals)
		return out, nil
	default:
		return nil, tensor.DTypeErrf("elementwise op: %s", s.dtype)
	}
}

// Exp computes e^x elementwise.
func Exp(s *Storage, l *tensor.Layout) (*Storage, error) {
	return Unary(s, l, math32.Exp, math.Exp)
}

// Log computes the elementwise natural logarithm.
func Log(s *Storage, l *tensor.Layout) (*Storage, error) {
	return Unary(s, l, math32.Log, math.Log)
}

// Neg computes -x elementwise.
func Neg(s *Storage, l *tensor.Layout) (*Storage, error) {
	return Unary(s, l,
		func(v float32) float32 { return -v },
		func(v float64) float64 { return -v })
}

// Sqr computes x*x elementwise.
func Sqr(s *Storage, l *tensor.Layout) (*Storage, error) {
	return Unary(s, l,
		func(v float32) float32 { return v * v },
		func(v float64) float64 { return v * v })
}

// Sqrt computes the elementwise square root.
func Sqrt(s *Storage, l *tensor.Layout) (*Storage, error) {
	return Unary(s, l, math32.Sqrt, math.Sqrt)
}

// Tanh computes the elementwise hyperbolic tangent.
func Tanh(s *Storage, l *tensor.Layout) (*Storage, error) {
	return Unary(s, l, math32.Tanh, math.Tanh)
}

// Silu computes x * sigmoid(x).
func Silu(s *Storage, l *tensor.Layout) (*Storage, error) {
	return Unary(s, l,
		func(v float32) float32 { return v / (1 + math32.Exp(-v)) },
		func(v float64) float64 { return v / (1 + math.Exp(-v)) })
}

// HardSigmoid computes clamp((x+3)/6, 0, 1).
func HardSigmoid(s *Storage, l *tensor.Layout) (*Storage, error) {
	return Unary(s, l,
		func(v float32) float32 { return min(max((v+3)/6, 0), 1) },
		func(v float64) float64 { return min(max((v+3)/6, 0), 1) })
}

// LeakyReLU scales negative inputs by negSlope and passes positive
// inputs through.
func LeakyReLU(s *Storage, l *tensor.Layout, negSlope float64) (*Storage, error) {
	ns32 := float32(negSlope)
	return Unary(s, l,
		func(v float32) float32 {
			if v < 0 {
				return v * ns32
			}
			return v
		},
		func(v float64) float64 {
			if v < 0 {
				return v * negSlope
			}
			return v
		})
}

// Affine computes x*mul + add elementwise.
func Affine(s *Storage, l *tensor.Layout, mul, add float64) (*Storage, error) {
	m32, a32 := float32(mul), float32(add)
	return Unary(s, l,
		func(v float32) float32 { return v*m32 + a32 },
		func(v float64) float64 { return v*mul + add })
}

// GeScalar computes a 0/1 mask of the same dtype: 1 where x >= c.
func GeScalar(s *Storage, l *tensor.Layout, c float64) (*Storage, error) {
	c32 := float32(c)
	return Unary(s, l,
		func(v float32) float32 {
			if v >= c32 {
				return 1
			}
			return 0
		},
		func(v float64) float64 {
			if v >= c {
				return 1
			}
			return 0
		})
}

// ToDType converts storage to the target element type.
func ToDType(s *Storage, l *tensor.Layout, dt tensor.DataType) (*Storage, error) {
	if !dt.IsFloat() {
		return nil, tensor.DTypeErrf("conversion target %s", dt)
	}
	if s.dtype == tensor.F64 && dt == tensor.F64 {
		return FromFloat64(ToFloat64(s, l)), nil
	}
	vals := ToFloat32(s, l)
	out := NewStorage(dt, len(vals))
	out.WriteFloat32(0, vals)
	return out, nil
}

// RandUniform fills fresh storage with uniform values in [0, 1).
func RandUniform(dt tensor.DataType, n int) (*Storage, error) {
	switch dt {
	case tensor.F64:
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = rand.Float64()
		}
		return FromFloat64(vals), nil
	case tensor.F16, tensor.BF16, tensor.F32:
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = rand.Float32()
		}
		out := NewStorage(dt, n)
		out.WriteFloat32(0, vals)
		return out, nil
	default:
		return nil, tensor.DTypeErrf("rand: %s", dt)
	}
}

func reduceKeepDim[T number](src []T, shape tensor.Shape, dim int, init T, red func(T, T) T) []T {
	outer, mid, inner := 1, shape[dim], 1
	for _, d := range shape[:dim] {
		outer *= d
	}
	for _, d := range shape[dim+1:] {
		inner *= d
	}
	out := make([]T, outer*inner)
	for o := 0; o < outer; o++ {
		base := o * mid * inner
		for in := 0; in < inner; in++ {
			acc := init
			for m := 0; m < mid; m++ {
				acc = red(acc, src[base+m*inner+in])
			}
			out[o*inner+in] = acc
		}
	}
	return out
}

func normalizeDim(dim, rank int) (int, error) {
	if dim < 0 {
		dim += rank
	}
	if dim < 0 || dim >= rank {
		return 0, tensor.ShapeErrf("reduction dim %d out of range for rank %d", dim, rank)
	}
	return dim, nil
}

// MaxKeepDim reduces dimension dim with max, keeping it as size 1.
func MaxKeepDim(s *Storage, l *tensor.Layout, dim int) (*Storage, tensor.Shape, error) {
	return reduce(s, l, dim,
		math32.Inf(-1), func(a, b float32) float32 { return max(a, b) },
		math.Inf(-1), func(a, b float64) float64 { return max(a, b) })
}

// SumKeepDim reduces dimension dim with addition, keeping it as size 1.
func SumKeepDim(s *Storage, l *tensor.Layout, dim int) (*Storage, tensor.Shape, error) {
	return reduce(s, l, dim,
		0, func(a, b float32) float32 { return a + b },
		0, func(a, b float64) float64 { return a + b })
}

// MeanKeepDim reduces dimension dim with the arithmetic mean.
func MeanKeepDim(s *Storage, l *tensor.Layout, dim int) (*Storage, tensor.Shape, error) {
	out, shape, err := SumKeepDim(s, l, dim)
	if err != nil {
		return nil, nil, err
	}
	d, err := normalizeDim(dim, l.Rank())
	if err != nil {
		return nil, nil, err
	}
	n := float64(l.Shape()[d])
	scaled, err := Affine(out, tensor.NewLayout(shape), 1/n, 0)
	if err != nil {
		return nil, nil, err
	}
	return scaled, shape, nil
}

func reduce(s *Storage, l *tensor.Layout, dim int,
	init32 float32, red32 func(float32, float32) float32,
	init64 float64, red64 func(float64, float64) float64) (*Storage, tensor.Shape, error) {

	d, err := normalizeDim(dim, l.Rank())
	if err != nil {
		return nil, nil, err
	}
	outShape := l.Shape().Clone()
	outShape[d] = 1

	switch s.dtype {
	case tensor.F64:
		out := reduceKeepDim(ToFloat64(s, l), l.Shape(), d, init64, red64)
		return FromFloat64(out), outShape, nil
	case tensor.F16, tensor.BF16, tensor.F32:
		out := reduceKeepDim(ToFloat32(s, l), l.Shape(), d, init32, red32)
		st := NewStorage(s.dtype, len(out))
		st.WriteFloat32(0, out)
		return st, outShape, nil
	default:
		return nil, nil, tensor.DTypeErrf("reduction: %s", s.dtype)
	}
}

func broadcastStrides(shape tensor.Shape, outRank int) []int {
	strides := shape.ComputeStrides()
	padded := make([]int, outRank)
	off := outRank - len(shape)
	for i, d := range shape {
		if d == 1 {
			continue
		}
		padded[off+i] = strides[i]
	}
	return padded
}

func broadcastBinary[T number](a []T, ashape tensor.Shape, b []T, bshape tensor.Shape, out tensor.Shape, f func(T, T) T) []T {
	n := out.NumElements()
	res := make([]T, n)
	as := broadcastStrides(ashape, out.Rank())
	bs := broadcastStrides(bshape, out.Rank())
	for i := 0; i < n; i++ {
		ai, bi, rem := 0, 0, i
		for d := out.Rank() - 1; d >= 0; d-- {
			idx := rem % out[d]
			rem /= out[d]
			ai += idx * as[d]
			bi += idx * bs[d]
		}
		res[i] = f(a[ai], b[bi])
	}
	return res
}

// Binary applies an elementwise function with broadcasting. Both
// operands must have the same dtype; the output has the broadcast shape
// in contiguous layout.
func Binary(a *Storage, al *tensor.Layout, b *Storage, bl *tensor.Layout,
	f32 func(float32, float32) float32, f64 func(float64, float64) float64) (*Storage, error) {

	if a.dtype != b.dtype {
		return nil, tensor.DTypeErrf("binary op operands: %s vs %s", a.dtype, b.dtype)
	}
	outShape, _, err := tensor.BroadcastShapes(al.Shape(), bl.Shape())
	if err != nil {
		return nil, err
	}
	switch a.dtype {
	case tensor.F64:
		res := broadcastBinary(ToFloat64(a, al), al.Shape(), ToFloat64(b, bl), bl.Shape(), outShape, f64)
		return FromFloat64(res), nil
	case tensor.F16, tensor.BF16, tensor.F32:
		res := broadcastBinary(ToFloat32(a, al), al.Shape(), ToFloat32(b, bl), bl.Shape(), outShape, f32)
		out := NewStorage(a.dtype, len(res))
		out.WriteFloat32(0, res)
		return out, nil
	default:
		return nil, tensor.DTypeErrf("binary op: %s", a.dtype)
	}
}

// Add computes a + b with broadcasting.
func Add(a *Storage, al *tensor.Layout, b *Storage, bl *tensor.Layout) (*Storage, error) {
	return Binary(a, al, b, bl,
		func(x, y float32) float32 { return x + y },
		func(x, y float64) float64 { return x + y })
}

// Sub computes a - b with broadcasting.
func Sub(a *Storage, al *tensor.Layout, b *Storage, bl *tensor.Layout) (*Storage, error) {
	return Binary(a, al, b, bl,
		func(x, y float32) float32 { return x - y },
		func(x, y float64) float64 { return x - y })
}

// Mul computes a * b with broadcasting.
func Mul(a *Storage, al *tensor.Layout, b *Storage, bl *tensor.Layout) (*Storage, error) {
	return Binary(a, al, b, bl,
		func(x, y float32) float32 { return x * y },
		func(x, y float64) float64 { return x * y })
}

// Div computes a / b with broadcasting.
func Div(a *Storage, al *tensor.Layout, b *Storage, bl *tensor.Layout) (*Storage, error) {
	return Binary(a, al, b, bl,
		func(x, y float32) float32 { return x / y },
		func(x, y float64) float64 { return x / y })
}

// BatchMatmul multiplies rank-3 operands (batch, m, k) x (batch, k, n)
// into (batch, m, n). Accumulation is f32 (f64 for f64 inputs); the
// inner loops parallelize over batch*m rows. Used by the decomposed
// attention path.
func BatchMatmul(a *Storage, al *tensor.Layout, b *Storage, bl *tensor.Layout) (*Storage, tensor.Shape, error) {
	if a.dtype != b.dtype {
		return nil, nil, tensor.DTypeErrf("batch matmul operands: %s vs %s", a.dtype, b.dtype)
	}
	batch, m, k, err := al.Shape().Dims3()
	if err != nil {
		return nil, nil, err
	}
	bBatch, bk, n, err := bl.Shape().Dims3()
	if err != nil {
		return nil, nil, err
	}
	if bBatch != batch || bk != k {
		return nil, nil, tensor.ShapeErrf("batch matmul: %v x %v", []int(al.Shape()), []int(bl.Shape()))
	}
	outShape := tensor.Shape{batch, m, n}

	switch a.dtype {
	case tensor.F64:
		av := ToFloat64(a, al)
		bv := ToFloat64(b, bl)
		res := make([]float64, batch*m*n)
		parallel.For(batch*m, func(row int) {
			bi, mi := row/m, row%m
			arow := av[(bi*m+mi)*k : (bi*m+mi+1)*k]
			bbase := bi * k * n
			orow := res[row*n : (row+1)*n]
			for kk := 0; kk < k; kk++ {
				aval := arow[kk]
				brow := bv[bbase+kk*n : bbase+(kk+1)*n]
				for j, bval := range brow {
					orow[j] += aval * bval
				}
			}
		}, parallel.DefaultConfig())
		return FromFloat64(res), outShape, nil
	case tensor.F16, tensor.BF16, tensor.F32:
		av := ToFloat32(a, al)
		bv := ToFloat32(b, bl)
		res := make([]float32, batch*m*n)
		parallel.For(batch*m, func(row int) {
			bi, mi := row/m, row%m
			arow := av[(bi*m+mi)*k : (bi*m+mi+1)*k]
			bbase := bi * k * n
			orow := res[row*n : (row+1)*n]
			for kk := 0; kk < k; kk++ {
				aval := arow[kk]
				brow := bv[bbase+kk*n : bbase+(kk+1)*n]
				for j, bval := range brow {
					orow[j] += aval * bval
				}
			}
		}, parallel.DefaultConfig())
		out := NewStorage(a.dtype, len(res))
		out.WriteFloat32(0, res)
		return out, outShape, nil
	default:
		return nil, nil, tensor.DTypeErrf("batch matmul: %s", a.dtype)
	}
}
