package webgpu

import (
	"math"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/born-ml/fuse/internal/tensor"
)

func f32bits(v float32) uint32 { return math.Float32bits(v) }

// zeroOffset rejects layouts the flat kernels cannot address: anything
// strided or not starting at the beginning of its buffer.
func zeroOffset(name string, l *tensor.Layout) error {
	o1, _, ok := l.ContiguousOffsets()
	if !ok {
		return tensor.PreconditionErrf("%s requires a contiguous input", name)
	}
	if o1 != 0 {
		return tensor.PreconditionErrf("%s requires a zero storage offset, got %d", name, o1)
	}
	return nil
}

func sameDevice(name string, a, b *Storage) error {
	if a.dev != b.dev {
		return tensor.PreconditionErrf("%s operands live on different devices", name)
	}
	return nil
}

// SoftmaxLastDim computes softmax over the last dimension into a fresh
// buffer.
func (d *Device) SoftmaxLastDim(s *Storage, l *tensor.Layout) (*Storage, error) {
	if err := zeroOffset("softmax-last-dim", l); err != nil {
		return nil, err
	}
	cols, err := l.Dim(-1)
	if err != nil {
		return nil, err
	}
	rows := l.ElemCount() / cols

	out, err := d.NewStorage(tensor.F32, l.ElemCount())
	if err != nil {
		return nil, err
	}
	err = d.dispatch("softmax_last_dim", softmaxLastDimShader,
		[]*wgpu.Buffer{s.buf, out.buf},
		[]uint32{uint32(rows), uint32(cols)},
		ceilDiv(rows, workgroupSize), 1, 1)
	if err != nil {
		out.Free()
		return nil, err
	}
	return out, nil
}

// SoftmaxLastDimInplace overwrites the buffer with the softmax of its
// rows. A dedicated shader: binding the same buffer as read and
// read_write in one bind group is invalid in WebGPU.
func (d *Device) SoftmaxLastDimInplace(s *Storage, l *tensor.Layout) error {
	if err := zeroOffset("softmax-last-dim", l); err != nil {
		return err
	}
	cols, err := l.Dim(-1)
	if err != nil {
		return err
	}
	rows := l.ElemCount() / cols
	return d.dispatch("softmax_last_dim_inplace", softmaxInplaceShader,
		[]*wgpu.Buffer{s.buf},
		[]uint32{uint32(rows), uint32(cols)},
		ceilDiv(rows, workgroupSize), 1, 1)
}

func attnSoftmaxDims(x *Storage, xl *tensor.Layout, mask *Storage, ml *tensor.Layout) (rows, kv, seq int, err error) {
	if err := sameDevice("attn-softmax", x, mask); err != nil {
		return 0, 0, 0, err
	}
	_, _, seq, kv, err = xl.Shape().Dims4()
	if err != nil {
		return 0, 0, 0, err
	}
	ms, mk, err := ml.Shape().Dims2()
	if err != nil {
		return 0, 0, 0, err
	}
	if ms != seq || mk != kv {
		return 0, 0, 0, tensor.ShapeErrf("attn-softmax mask %v does not match input trailing dims (%d, %d)",
			[]int(ml.Shape()), seq, kv)
	}
	if err := zeroOffset("attn-softmax", xl); err != nil {
		return 0, 0, 0, err
	}
	if err := zeroOffset("attn-softmax mask", ml); err != nil {
		return 0, 0, 0, err
	}
	return xl.ElemCount() / kv, kv, seq, nil
}

// AttnSoftmaxLastDim fuses softmax((x + mask) * scale) over the last
// dimension. x is rank 4 (b, h, seq, kv), mask is rank 2 (seq, kv).
func (d *Device) AttnSoftmaxLastDim(x *Storage, xl *tensor.Layout, mask *Storage, ml *tensor.Layout, scale float32) (*Storage, error) {
	rows, kv, seq, err := attnSoftmaxDims(x, xl, mask, ml)
	if err != nil {
		return nil, err
	}

	out, err := d.NewStorage(tensor.F32, xl.ElemCount())
	if err != nil {
		return nil, err
	}
	err = d.dispatch("attn_softmax", attnSoftmaxShader,
		[]*wgpu.Buffer{x.buf, mask.buf, out.buf},
		[]uint32{uint32(rows), uint32(kv), uint32(seq), f32bits(scale)},
		ceilDiv(rows, workgroupSize), 1, 1)
	if err != nil {
		out.Free()
		return nil, err
	}
	return out, nil
}

// AttnSoftmaxLastDimInplace overwrites x's buffer with its fused
// attention softmax. The mask binding stays read-only.
func (d *Device) AttnSoftmaxLastDimInplace(x *Storage, xl *tensor.Layout, mask *Storage, ml *tensor.Layout, scale float32) error {
	rows, kv, seq, err := attnSoftmaxDims(x, xl, mask, ml)
	if err != nil {
		return err
	}
	return d.dispatch("attn_softmax_inplace", attnSoftmaxInplaceShader,
		[]*wgpu.Buffer{x.buf, mask.buf},
		[]uint32{uint32(rows), uint32(kv), uint32(seq), f32bits(scale)},
		ceilDiv(rows, workgroupSize), 1, 1)
}

func (d *Device) rowNormWeight(name string, w *Storage, wl *tensor.Layout, cols int) error {
	n, err := wl.Shape().Dims1()
	if err != nil {
		return err
	}
	if n != cols {
		return tensor.ShapeErrf("%s has %d elements, last dim is %d", name, n, cols)
	}
	return zeroOffset(name, wl)
}

// RMSNorm normalizes each last-dim row by its root mean square and
// scales by alpha.
func (d *Device) RMSNorm(x *Storage, xl *tensor.Layout, alpha *Storage, al *tensor.Layout, eps float32) (*Storage, error) {
	if err := sameDevice("rms-norm", x, alpha); err != nil {
		return nil, err
	}
	if err := zeroOffset("rms-norm", xl); err != nil {
		return nil, err
	}
	cols, err := xl.Dim(-1)
	if err != nil {
		return nil, err
	}
	if err := d.rowNormWeight("alpha", alpha, al, cols); err != nil {
		return nil, err
	}
	rows := xl.ElemCount() / cols

	out, err := d.NewStorage(tensor.F32, xl.ElemCount())
	if err != nil {
		return nil, err
	}
	err = d.dispatch("rms_norm", rmsNormShader,
		[]*wgpu.Buffer{x.buf, alpha.buf, out.buf},
		[]uint32{uint32(rows), uint32(cols), f32bits(eps)},
		ceilDiv(rows, workgroupSize), 1, 1)
	if err != nil {
		out.Free()
		return nil, err
	}
	return out, nil
}

// LayerNorm subtracts the row mean, normalizes by the row variance and
// applies alpha*x + beta.
func (d *Device) LayerNorm(x *Storage, xl *tensor.Layout, alpha *Storage, al *tensor.Layout, beta *Storage, bl *tensor.Layout, eps float32) (*Storage, error) {
	if err := sameDevice("layer-norm", x, alpha); err != nil {
		return nil, err
	}
	if err := sameDevice("layer-norm", x, beta); err != nil {
		return nil, err
	}
	if err := zeroOffset("layer-norm", xl); err != nil {
		return nil, err
	}
	cols, err := xl.Dim(-1)
	if err != nil {
		return nil, err
	}
	if err := d.rowNormWeight("alpha", alpha, al, cols); err != nil {
		return nil, err
	}
	if err := d.rowNormWeight("beta", beta, bl, cols); err != nil {
		return nil, err
	}
	rows := xl.ElemCount() / cols

	out, err := d.NewStorage(tensor.F32, xl.ElemCount())
	if err != nil {
		return nil, err
	}
	err = d.dispatch("layer_norm", layerNormShader,
		[]*wgpu.Buffer{x.buf, alpha.buf, beta.buf, out.buf},
		[]uint32{uint32(rows), uint32(cols), f32bits(eps)},
		ceilDiv(rows, workgroupSize), 1, 1)
	if err != nil {
		out.Free()
		return nil, err
	}
	return out, nil
}

func (d *Device) runUnary(name, code string, s *Storage, l *tensor.Layout, extra ...uint32) (*Storage, error) {
	if err := zeroOffset(name, l); err != nil {
		return nil, err
	}
	n := l.ElemCount()
	out, err := d.NewStorage(tensor.F32, n)
	if err != nil {
		return nil, err
	}
	params := append([]uint32{uint32(n)}, extra...)
	err = d.dispatch(name, code, []*wgpu.Buffer{s.buf, out.buf}, params,
		ceilDiv(n, workgroupSize), 1, 1)
	if err != nil {
		out.Free()
		return nil, err
	}
	return out, nil
}

// Sigmoid computes 1/(1+exp(-x)) elementwise.
func (d *Device) Sigmoid(s *Storage, l *tensor.Layout) (*Storage, error) {
	return d.runUnary("sigmoid", sigmoidShader, s, l)
}

// Silu computes x * sigmoid(x) elementwise.
func (d *Device) Silu(s *Storage, l *tensor.Layout) (*Storage, error) {
	return d.runUnary("silu", siluShader, s, l)
}

// HardSigmoid computes clamp((x+3)/6, 0, 1) elementwise.
func (d *Device) HardSigmoid(s *Storage, l *tensor.Layout) (*Storage, error) {
	return d.runUnary("hard_sigmoid", hardSigmoidShader, s, l)
}

// LeakyReLU scales negative inputs by negSlope.
func (d *Device) LeakyReLU(s *Storage, l *tensor.Layout, negSlope float64) (*Storage, error) {
	return d.runUnary("leaky_relu", leakyReluShader, s, l, f32bits(float32(negSlope)))
}

// SigmoidGrad computes grad * y * (1 - y) from the forward output y.
func (d *Device) SigmoidGrad(y *Storage, yl *tensor.Layout, grad *Storage, gl *tensor.Layout) (*Storage, error) {
	if err := sameDevice("sigmoid-grad", y, grad); err != nil {
		return nil, err
	}
	if err := zeroOffset("sigmoid-grad", yl); err != nil {
		return nil, err
	}
	if err := zeroOffset("sigmoid-grad", gl); err != nil {
		return nil, err
	}
	if !yl.Shape().Equal(gl.Shape()) {
		return nil, tensor.ShapeErrf("sigmoid-grad: %v vs %v", []int(yl.Shape()), []int(gl.Shape()))
	}
	n := yl.ElemCount()
	out, err := d.NewStorage(tensor.F32, n)
	if err != nil {
		return nil, err
	}
	err = d.dispatch("sigmoid_grad", sigmoidGradShader,
		[]*wgpu.Buffer{y.buf, grad.buf, out.buf},
		[]uint32{uint32(n)},
		ceilDiv(n, workgroupSize), 1, 1)
	if err != nil {
		out.Free()
		return nil, err
	}
	return out, nil
}

// BatchMatmul multiplies rank-3 operands (batch, m, k) x (batch, k, n)
// into (batch, m, n). Used by the decomposed attention path.
func (d *Device) BatchMatmul(a *Storage, al *tensor.Layout, b *Storage, bl *tensor.Layout) (*Storage, tensor.Shape, error) {
	if err := sameDevice("batch-matmul", a, b); err != nil {
		return nil, nil, err
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
	if err := zeroOffset("batch-matmul", al); err != nil {
		return nil, nil, err
	}
	if err := zeroOffset("batch-matmul", bl); err != nil {
		return nil, nil, err
	}

	out, err := d.NewStorage(tensor.F32, batch*m*n)
	if err != nil {
		return nil, nil, err
	}
	err = d.dispatch("batch_matmul", batchMatmulShader,
		[]*wgpu.Buffer{a.buf, b.buf, out.buf},
		[]uint32{uint32(batch), uint32(m), uint32(k), uint32(n)},
		ceilDiv(n, 8), ceilDiv(m, 8), uint32(batch))
	if err != nil {
		out.Free()
		return nil, nil, err
	}
	return out, tensor.Shape{batch, m, n}, nil
}
