package ops

import (
	"github.com/born-ml/fuse/internal/backend/cpu"
	"github.com/born-ml/fuse/internal/backend/webgpu"
	"github.com/born-ml/fuse/internal/tensor"
)

// Head dimensions the fused attention kernels are tuned for.
var sdpaHeadDims = map[int]bool{32: true, 64: true, 96: true, 128: true, 256: true}

type sdpaDims struct {
	batch   int
	qHeads  int
	kvHeads int
	qSeq    int
	kSeq    int
	headDim int
	vDim    int
}

// checkSDPA validates the shape contract shared by every attention
// path: rank-4 operands, matching batch, matching q/k head dim,
// matching k/v layout, query heads divisible by kv heads, one dtype.
func checkSDPA(q, k, v *tensor.Tensor) (sdpaDims, error) {
	var d sdpaDims
	qb, qh, qs, hd, err := q.Shape().Dims4()
	if err != nil {
		return d, err
	}
	kb, kh, ks, khd, err := k.Shape().Dims4()
	if err != nil {
		return d, err
	}
	vb, vh, vs, vd, err := v.Shape().Dims4()
	if err != nil {
		return d, err
	}
	if kb != qb || vb != qb {
		return d, tensor.ShapeErrf("sdpa batch: q=%d k=%d v=%d", qb, kb, vb)
	}
	if khd != hd {
		return d, tensor.ShapeErrf("sdpa head dim: q=%d k=%d", hd, khd)
	}
	if vh != kh {
		return d, tensor.ShapeErrf("sdpa kv heads: k=%d v=%d", kh, vh)
	}
	if vs != ks {
		return d, tensor.ShapeErrf("sdpa kv sequence: k=%d v=%d", ks, vs)
	}
	if kh == 0 || qh%kh != 0 {
		return d, tensor.PreconditionErrf("sdpa query heads %d not divisible by kv heads %d", qh, kh)
	}
	if q.DType() != k.DType() || q.DType() != v.DType() {
		return d, tensor.DTypeErrf("sdpa operands: q=%s k=%s v=%s", q.DType(), k.DType(), v.DType())
	}
	switch q.DType() {
	case tensor.F16, tensor.BF16, tensor.F32:
	default:
		return d, tensor.DTypeErrf("sdpa: %s", q.DType())
	}
	return sdpaDims{batch: qb, qHeads: qh, kvHeads: kh, qSeq: qs, kSeq: ks, headDim: hd, vDim: vd}, nil
}

// SDPA computes fused scaled dot-product attention over rank-4
// operands: q (batch, qHeads, qSeq, headDim), k (batch, kvHeads, kSeq,
// headDim), v (batch, kvHeads, kSeq, vDim). Only the custom-kernel GPU
// backend carries the fused kernels: the single-query decode path when
// qSeq is 1 (switching to a two-pass split-k variant for long
// contexts), the prefill path when qSeq matches kSeq with equal head
// counts. Shapes fitting neither path, or a head dimension outside the
// tuned set, fail the precondition on every backend; other backends
// fail as backend-unsupported. Callers needing host execution
// decompose through SDPASlow.
func SDPA(q, k, v *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	return SDPAWithSoftcap(q, k, v, scale, 1)
}

// SDPAWithSoftcap is SDPA with logit soft-capping: every score becomes
// softcap * tanh(score/softcap) before the softmax. Softcap 1 disables
// capping.
func SDPAWithSoftcap(q, k, v *tensor.Tensor, scale, softcap float32) (*tensor.Tensor, error) {
	if q.Device() != k.Device() || q.Device() != v.Device() {
		return nil, tensor.PreconditionErrf("sdpa: operands on %s, %s and %s",
			q.Device(), k.Device(), v.Device())
	}
	d, err := checkSDPA(q, k, v)
	if err != nil {
		return nil, err
	}
	if !sdpaHeadDims[d.headDim] {
		return nil, tensor.PreconditionErrf("sdpa head dim %d not in {32, 64, 96, 128, 256}", d.headDim)
	}
	if d.qSeq != 1 && !(d.qHeads == d.kvHeads && d.qSeq == d.kSeq) {
		return nil, tensor.PreconditionErrf(
			"sdpa shape (q_seq=%d, k_seq=%d, q_heads=%d, kv_heads=%d) fits no fused path",
			d.qSeq, d.kSeq, d.qHeads, d.kvHeads)
	}

	switch qs := q.Storage().(type) {
	case *webgpu.Storage:
		return sdpaFused(qs, k.Storage().(*webgpu.Storage), v.Storage().(*webgpu.Storage),
			q.Layout(), k.Layout(), v.Layout(), d, scale, softcap)
	case *cpu.Storage:
		return nil, tensor.BackendErrf("sdpa has no host kernel, decompose via SDPASlow")
	default:
		return nil, tensor.BackendErrf("sdpa on %s", q.Device())
	}
}

// SDPASlow is the decomposed host reference: repeat kv heads up to the
// query head count, scores = q @ k^T, scale, optional soft-cap,
// softmax, output = attn @ v. It validates the shape contract but
// carries none of the fused-path eligibility limits.
func SDPASlow(q, k, v *tensor.Tensor, scale, softcap float32) (*tensor.Tensor, error) {
	if q.Device() != k.Device() || q.Device() != v.Device() {
		return nil, tensor.PreconditionErrf("sdpa: operands on %s, %s and %s",
			q.Device(), k.Device(), v.Device())
	}
	d, err := checkSDPA(q, k, v)
	if err != nil {
		return nil, err
	}
	qs, ok := q.Storage().(*cpu.Storage)
	if !ok {
		return nil, tensor.BackendErrf("sdpa slow path on %s", q.Device())
	}
	return sdpaSlow(qs, q.Layout(), k.Storage().(*cpu.Storage), k.Layout(),
		v.Storage().(*cpu.Storage), v.Layout(), d, scale, softcap)
}

func sdpaFused(q, k, v *webgpu.Storage, ql, kl, vl *tensor.Layout, d sdpaDims, scale, softcap float32) (*tensor.Tensor, error) {
	for name, l := range map[string]*tensor.Layout{"q": ql, "k": kl, "v": vl} {
		if o1, _, ok := l.ContiguousOffsets(); !ok || o1 != 0 {
			return nil, tensor.PreconditionErrf("sdpa %s must be contiguous at offset 0", name)
		}
	}

	p := webgpu.SDPAParams{
		Batch:   d.batch,
		QHeads:  d.qHeads,
		KVHeads: d.kvHeads,
		QSeq:    d.qSeq,
		KSeq:    d.kSeq,
		HeadDim: d.headDim,
		VDim:    d.vDim,
		Scale:   scale,
		Softcap: softcap,
	}
	dev := q.Owner()
	outShape := tensor.Shape{d.batch, d.qHeads, d.qSeq, d.vDim}

	if d.qSeq == 1 {
		out, err := dev.SDPAVector(q, k, v, p)
		if err != nil {
			return nil, err
		}
		return tensor.FromStorage(out, outShape)
	}
	out, err := dev.SDPAFull(q, k, v, p)
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(out, outShape)
}

// sdpaSlow is the decomposed host path: repeat kv heads up to the
// query head count, scores = q @ k^T, scale, optional soft-cap,
// softmax, output = attn @ v.
func sdpaSlow(q *cpu.Storage, ql *tensor.Layout, k *cpu.Storage, kl *tensor.Layout, v *cpu.Storage, vl *tensor.Layout, d sdpaDims, scale, softcap float32) (*tensor.Tensor, error) {
	repeat := d.qHeads / d.kvHeads
	kRep, err := repeatKV(k, kl, d.batch, d.kvHeads, repeat, d.kSeq, d.headDim)
	if err != nil {
		return nil, err
	}
	vRep, err := repeatKV(v, vl, d.batch, d.kvHeads, repeat, d.kSeq, d.vDim)
	if err != nil {
		return nil, err
	}

	bh := d.batch * d.qHeads
	qFlat, err := flatten3(q, ql, bh, d.qSeq, d.headDim)
	if err != nil {
		return nil, err
	}
	kT, err := tensor.NewLayout(tensor.Shape{bh, d.kSeq, d.headDim}).Transpose(1, 2)
	if err != nil {
		return nil, err
	}
	scores, scoresShape, err := cpu.BatchMatmul(qFlat, tensor.NewLayout(tensor.Shape{bh, d.qSeq, d.headDim}), kRep, kT)
	if err != nil {
		return nil, err
	}
	scoresL := tensor.NewLayout(scoresShape)

	scores, err = cpu.Affine(scores, scoresL, float64(scale), 0)
	if err != nil {
		return nil, err
	}
	if softcap != 1 {
		scores, err = cpu.Affine(scores, scoresL, 1/float64(softcap), 0)
		if err != nil {
			return nil, err
		}
		scores, err = cpu.Tanh(scores, scoresL)
		if err != nil {
			return nil, err
		}
		scores, err = cpu.Affine(scores, scoresL, float64(softcap), 0)
		if err != nil {
			return nil, err
		}
	}
	if err := cpu.SoftmaxLastDimInplace(scores, scoresL); err != nil {
		return nil, err
	}

	out, _, err := cpu.BatchMatmul(scores, scoresL, vRep, tensor.NewLayout(tensor.Shape{bh, d.kSeq, d.vDim}))
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(out, tensor.Shape{d.batch, d.qHeads, d.qSeq, d.vDim})
}

// flatten3 materializes a rank-4 (b, h, s, d) layout as contiguous
// (b*h, s, d) storage.
func flatten3(s *cpu.Storage, l *tensor.Layout, bh, seq, dim int) (*cpu.Storage, error) {
	if o1, _, ok := l.ContiguousOffsets(); ok && o1 == 0 && s.ElemCount() == l.ElemCount() {
		return s, nil
	}
	return cpu.FromFloat32As(s.DType(), cpu.ToFloat32(s, l)), nil
}

// repeatKV expands (b, heads, seq, dim) storage to
// (b*heads*repeat, seq, dim), duplicating each head repeat times, so
// grouped-query attention reduces to plain batched matmuls.
func repeatKV(s *cpu.Storage, l *tensor.Layout, b, heads, repeat, seq, dim int) (*cpu.Storage, error) {
	vals := cpu.ToFloat32(s, l)
	if repeat == 1 {
		return cpu.FromFloat32As(s.DType(), vals), nil
	}
	headLen := seq * dim
	out := make([]float32, b*heads*repeat*headLen)
	for bi := 0; bi < b; bi++ {
		for h := 0; h < heads; h++ {
			src := vals[(bi*heads+h)*headLen : (bi*heads+h+1)*headLen]
			for r := 0; r < repeat; r++ {
				dst := ((bi*heads+h)*repeat + r) * headLen
				copy(out[dst:dst+headLen], src)
			}
		}
	}
	return cpu.FromFloat32As(s.DType(), out), nil
}
