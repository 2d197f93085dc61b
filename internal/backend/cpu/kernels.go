package cpu

import (
	"math"

	"github.com/chewxy/math32"

	"github.com/born-ml/fuse/internal/parallel"
	"github.com/born-ml/fuse/internal/tensor"
)

// Fused last-dim kernels. All of them require a contiguous input layout
// and parallelize over rows, where a row is one slice of the last
// dimension. Half-precision inputs are widened to f32 for the whole
// reduction and narrowed once at the end.

func softmaxRow(row []float32) {
	maxv := math32.Inf(-1)
	for _, v := range row {
		if v > maxv {
			maxv = v
		}
	}
	var sum float32
	for i, v := range row {
		e := math32.Exp(v - maxv)
		row[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range row {
		row[i] *= inv
	}
}

func softmaxRow64(row []float64) {
	maxv := math.Inf(-1)
	for _, v := range row {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for i, v := range row {
		e := math.Exp(v - maxv)
		row[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range row {
		row[i] *= inv
	}
}

func lastDimRows(l *tensor.Layout) (rows, cols int, err error) {
	cols, err = l.Dim(-1)
	if err != nil {
		return 0, 0, err
	}
	return l.ElemCount() / cols, cols, nil
}

// SoftmaxLastDim computes softmax over the last dimension into fresh
// storage. Supports f16, bf16, f32 and f64.
func SoftmaxLastDim(s *Storage, l *tensor.Layout) (*Storage, error) {
	out := NewStorage(s.dtype, l.ElemCount())
	if err := softmaxLastDimInto(s, l, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SoftmaxLastDimInplace overwrites the input storage with the softmax
// of its rows.
func SoftmaxLastDimInplace(s *Storage, l *tensor.Layout) error {
	return softmaxLastDimInto(s, l, s)
}

func softmaxLastDimInto(s *Storage, l *tensor.Layout, out *Storage) error {
	o1, _, ok := l.ContiguousOffsets()
	if !ok {
		return tensor.PreconditionErrf("softmax-last-dim requires a contiguous input")
	}
	rows, cols, err := lastDimRows(l)
	if err != nil {
		return err
	}
	cfg := parallel.DefaultConfig()

	switch s.dtype {
	case tensor.F32:
		src := s.Float32s()[o1 : o1+l.ElemCount()]
		dst := out.Float32s()
		if out == s {
			dst = src
		}
		parallel.ForRows(rows, cols, func(r int) {
			row := dst[r*cols : (r+1)*cols]
			if out != s {
				copy(row, src[r*cols:(r+1)*cols])
			}
			softmaxRow(row)
		}, cfg)
	case tensor.F64:
		src := s.Float64s()[o1 : o1+l.ElemCount()]
		dst := out.Float64s()
		if out == s {
			dst = src
		}
		parallel.ForRows(rows, cols, func(r int) {
			row := dst[r*cols : (r+1)*cols]
			if out != s {
				copy(row, src[r*cols:(r+1)*cols])
			}
			softmaxRow64(row)
		}, cfg)
	case tensor.F16, tensor.BF16:
		parallel.ForRows(rows, cols, func(r int) {
			row := make([]float32, cols)
			s.ReadFloat32(o1+r*cols, cols, row)
			softmaxRow(row)
			outOff := r * cols
			if out == s {
				outOff += o1
			}
			out.WriteFloat32(outOff, row)
		}, cfg)
	default:
		return tensor.DTypeErrf("softmax-last-dim: %s", s.dtype)
	}
	return nil
}

// AttnSoftmaxLastDim computes softmax((x + mask) * scale) over the
// last dimension in one pass. x is rank 4 (b, h, seq, kv) and mask is
// rank 2 (seq, kv); the mask row repeats across batch and heads.
func AttnSoftmaxLastDim(x *Storage, xl *tensor.Layout, mask *Storage, ml *tensor.Layout, scale float32) (*Storage, error) {
	out := NewStorage(x.dtype, xl.ElemCount())
	if err := attnSoftmaxLastDimInto(x, xl, mask, ml, scale, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AttnSoftmaxLastDimInplace overwrites x's rows with their fused
// attention softmax.
func AttnSoftmaxLastDimInplace(x *Storage, xl *tensor.Layout, mask *Storage, ml *tensor.Layout, scale float32) error {
	return attnSoftmaxLastDimInto(x, xl, mask, ml, scale, x)
}

func attnSoftmaxLastDimInto(x *Storage, xl *tensor.Layout, mask *Storage, ml *tensor.Layout, scale float32, out *Storage) error {
	_, _, seq, kv, err := xl.Shape().Dims4()
	if err != nil {
		return err
	}
	ms, mk, err := ml.Shape().Dims2()
	if err != nil {
		return err
	}
	if ms != seq || mk != kv {
		return tensor.ShapeErrf("attn-softmax mask %v does not match input trailing dims (%d, %d)",
			[]int(ml.Shape()), seq, kv)
	}
	xo, _, ok := xl.ContiguousOffsets()
	if !ok {
		return tensor.PreconditionErrf("attn-softmax requires a contiguous input")
	}
	mo, _, ok := ml.ContiguousOffsets()
	if !ok {
		return tensor.PreconditionErrf("attn-softmax requires a contiguous mask")
	}
	if mask.DType() != x.DType() {
		return tensor.DTypeErrf("attn-softmax mask %s vs input %s", mask.DType(), x.DType())
	}

	switch x.dtype {
	case tensor.F16, tensor.BF16, tensor.F32:
	default:
		return tensor.DTypeErrf("attn-softmax: %s", x.dtype)
	}

	rows := xl.ElemCount() / kv
	maskRows := make([]float32, seq*kv)
	mask.ReadFloat32(mo, len(maskRows), maskRows)

	parallel.ForRows(rows, kv, func(r int) {
		row := make([]float32, kv)
		x.ReadFloat32(xo+r*kv, kv, row)
		mrow := maskRows[(r%seq)*kv : (r%seq+1)*kv]
		for i := range row {
			row[i] = (row[i] + mrow[i]) * scale
		}
		softmaxRow(row)
		outOff := r * kv
		if out == x {
			outOff += xo
		}
		out.WriteFloat32(outOff, row)
	}, parallel.DefaultConfig())
	return nil
}

func validateNormWeight(name string, w *Storage, wl *tensor.Layout, dtype tensor.DataType, cols int) error {
	n, err := wl.Shape().Dims1()
	if err != nil {
		return err
	}
	if n != cols {
		return tensor.ShapeErrf("%s has %d elements, last dim is %d", name, n, cols)
	}
	if _, _, ok := wl.ContiguousOffsets(); !ok {
		return tensor.PreconditionErrf("%s must be contiguous", name)
	}
	if w.DType() != dtype {
		return tensor.DTypeErrf("%s is %s, input is %s", name, w.DType(), dtype)
	}
	return nil
}

// RMSNorm normalizes each last-dim row by its root mean square and
// scales by alpha. Sums of squares accumulate in f32 for all dtypes.
func RMSNorm(x *Storage, xl *tensor.Layout, alpha *Storage, al *tensor.Layout, eps float32) (*Storage, error) {
	xo, _, ok := xl.ContiguousOffsets()
	if !ok {
		return nil, tensor.PreconditionErrf("rms-norm requires a contiguous input")
	}
	rows, cols, err := lastDimRows(xl)
	if err != nil {
		return nil, err
	}
	switch x.dtype {
	case tensor.F16, tensor.BF16, tensor.F32:
	default:
		return nil, tensor.DTypeErrf("rms-norm: %s", x.dtype)
	}
	if err := validateNormWeight("alpha", alpha, al, x.dtype, cols); err != nil {
		return nil, err
	}

	aw := make([]float32, cols)
	alpha.ReadFloat32(al.Offset(), cols, aw)

	out := NewStorage(x.dtype, xl.ElemCount())
	parallel.ForRows(rows, cols, func(r int) {
		row := make([]float32, cols)
		x.ReadFloat32(xo+r*cols, cols, row)
		var ss float32
		for _, v := range row {
			ss += v * v
		}
		m := 1 / math32.Sqrt(ss/float32(cols)+eps)
		for i, v := range row {
			row[i] = v * m * aw[i]
		}
		out.WriteFloat32(r*cols, row)
	}, parallel.DefaultConfig())
	return out, nil
}

// LayerNorm subtracts the row mean, normalizes by the row variance and
// applies the affine alpha*x + beta. Accumulation is f32.
func LayerNorm(x *Storage, xl *tensor.Layout, alpha *Storage, al *tensor.Layout, beta *Storage, bl *tensor.Layout, eps float32) (*Storage, error) {
	xo, _, ok := xl.ContiguousOffsets()
	if !ok {
		return nil, tensor.PreconditionErrf("layer-norm requires a contiguous input")
	}
	rows, cols, err := lastDimRows(xl)
	if err != nil {
		return nil, err
	}
	switch x.dtype {
	case tensor.F16, tensor.BF16, tensor.F32:
	default:
		return nil, tensor.DTypeErrf("layer-norm: %s", x.dtype)
	}
	if err := validateNormWeight("alpha", alpha, al, x.dtype, cols); err != nil {
		return nil, err
	}
	if err := validateNormWeight("beta", beta, bl, x.dtype, cols); err != nil {
		return nil, err
	}

	aw := make([]float32, cols)
	alpha.ReadFloat32(al.Offset(), cols, aw)
	bw := make([]float32, cols)
	beta.ReadFloat32(bl.Offset(), cols, bw)

	out := NewStorage(x.dtype, xl.ElemCount())
	parallel.ForRows(rows, cols, func(r int) {
		row := make([]float32, cols)
		x.ReadFloat32(xo+r*cols, cols, row)
		var sum float32
		for _, v := range row {
			sum += v
		}
		mean := sum / float32(cols)
		var ss float32
		for i, v := range row {
			c := v - mean
			row[i] = c
			ss += c * c
		}
		m := 1 / math32.Sqrt(ss/float32(cols)+eps)
		for i, v := range row {
			row[i] = v*m*aw[i] + bw[i]
		}
		out.WriteFloat32(r*cols, row)
	}, parallel.DefaultConfig())
	return out, nil
}

// Sigmoid computes 1/(1+exp(-x)) elementwise. Strided inputs are
// supported; the output is always contiguous.
func Sigmoid(s *Storage, l *tensor.Layout) (*Storage, error) {
	return Unary(s, l,
		func(v float32) float32 { return 1 / (1 + math32.Exp(-v)) },
		func(v float64) float64 { return 1 / (1 + math.Exp(-v)) })
}

// SigmoidGrad computes grad * y * (1 - y), the sigmoid backward pass
// expressed in terms of the forward output y.
func SigmoidGrad(y *Storage, yl *tensor.Layout, grad *Storage, gl *tensor.Layout) (*Storage, error) {
	return Binary(y, yl, grad, gl,
		func(yv, g float32) float32 { return g * yv * (1 - yv) },
		func(yv, g float64) float64 { return g * yv * (1 - yv) })
}
