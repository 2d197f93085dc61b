package webgpu

import (
	"errors"
	"math"
	"testing"

	"github.com/born-ml/fuse/internal/tensor"
)

const epsilon = 1e-4

func testDevice(t *testing.T) *Device {
	t.Helper()
	d, err := New()
	if err != nil {
		t.Skipf("webgpu unavailable: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func checkClose(t *testing.T, got, expected []float32, tol float64) {
	t.Helper()
	if len(got) != len(expected) {
		t.Fatalf("length mismatch: got %d, expected %d", len(got), len(expected))
	}
	for i := range expected {
		if math.Abs(float64(got[i]-expected[i])) > tol {
			t.Errorf("element %d: got %f, expected %f", i, got[i], expected[i])
		}
	}
}

func upload(t *testing.T, d *Device, vals []float32) *Storage {
	t.Helper()
	s, err := d.FromFloat32(vals)
	if err != nil {
		t.Fatalf("FromFloat32: %v", err)
	}
	t.Cleanup(s.Free)
	return s
}

func download(t *testing.T, s *Storage) []float32 {
	t.Helper()
	out, err := s.ToFloat32()
	if err != nil {
		t.Fatalf("ToFloat32: %v", err)
	}
	return out
}

func TestStorageRoundtrip(t *testing.T) {
	d := testDevice(t)
	vals := []float32{1.5, -2, 0, 3.25}
	s := upload(t, d, vals)
	checkClose(t, download(t, s), vals, 0)
}

func TestStorageDTypeRejected(t *testing.T) {
	d := testDevice(t)
	if _, err := d.NewStorage(tensor.F16, 4); !errors.Is(err, tensor.ErrUnsupportedDType) {
		t.Errorf("got %v, expected ErrUnsupportedDType", err)
	}
}

func TestSoftmaxLastDim(t *testing.T) {
	d := testDevice(t)
	s := upload(t, d, []float32{1, 2, 3, 1, 1, 1})
	l := tensor.NewLayout(tensor.Shape{2, 3})

	out, err := d.SoftmaxLastDim(s, l)
	if err != nil {
		t.Fatalf("SoftmaxLastDim: %v", err)
	}
	defer out.Free()

	expected := []float32{
		0.09003057, 0.24472847, 0.66524096,
		1.0 / 3, 1.0 / 3, 1.0 / 3,
	}
	checkClose(t, download(t, out), expected, epsilon)
}

func TestSoftmaxLastDimInplace(t *testing.T) {
	d := testDevice(t)
	input := []float32{1, 2, 3, 4, 5, 6}
	l := tensor.NewLayout(tensor.Shape{2, 3})

	s := upload(t, d, input)
	ref, err := d.SoftmaxLastDim(s, l)
	if err != nil {
		t.Fatalf("SoftmaxLastDim: %v", err)
	}
	defer ref.Free()

	if err := d.SoftmaxLastDimInplace(s, l); err != nil {
		t.Fatalf("SoftmaxLastDimInplace: %v", err)
	}
	checkClose(t, download(t, s), download(t, ref), epsilon)
}

func TestSoftmaxLastDim_StridedRejected(t *testing.T) {
	d := testDevice(t)
	s := upload(t, d, []float32{1, 2, 3, 4, 5, 6})
	l, err := tensor.NewLayout(tensor.Shape{2, 3}).Transpose(0, 1)
	if err != nil {
		t.Fatalf("Transpose: %v", err)
	}
	if _, err := d.SoftmaxLastDim(s, l); !errors.Is(err, tensor.ErrPrecondition) {
		t.Errorf("got %v, expected ErrPrecondition", err)
	}
}

func TestAttnSoftmaxLastDim(t *testing.T) {
	d := testDevice(t)
	x := upload(t, d, []float32{0, 0, 0, 0})
	xl := tensor.NewLayout(tensor.Shape{1, 1, 2, 2})
	mask := upload(t, d, []float32{0, -1e9, 0, 0})
	ml := tensor.NewLayout(tensor.Shape{2, 2})

	out, err := d.AttnSoftmaxLastDim(x, xl, mask, ml, 2.0)
	if err != nil {
		t.Fatalf("AttnSoftmaxLastDim: %v", err)
	}
	defer out.Free()
	checkClose(t, download(t, out), []float32{1, 0, 0.5, 0.5}, epsilon)
}

func TestAttnSoftmaxLastDim_MaskAddedBeforeScale(t *testing.T) {
	// Every (x + mask) sum is 1.5, so scaling by 2 gives identical
	// scores and uniform rows. Scaling before the add would not.
	d := testDevice(t)
	x := upload(t, d, []float32{1, 2, 0.5, -0.5})
	xl := tensor.NewLayout(tensor.Shape{1, 1, 2, 2})
	mask := upload(t, d, []float32{0.5, -0.5, 1, 2})
	ml := tensor.NewLayout(tensor.Shape{2, 2})

	out, err := d.AttnSoftmaxLastDim(x, xl, mask, ml, 2.0)
	if err != nil {
		t.Fatalf("AttnSoftmaxLastDim: %v", err)
	}
	defer out.Free()
	checkClose(t, download(t, out), []float32{0.5, 0.5, 0.5, 0.5}, epsilon)
}

func TestAttnSoftmaxLastDim_MaskRepeatsOverHeads(t *testing.T) {
	d := testDevice(t)
	x := upload(t, d, []float32{1, 2, 3, 1, 2, 3, 1, 2, 3, 1, 2, 3})
	xl := tensor.NewLayout(tensor.Shape{1, 2, 2, 3})
	mask := upload(t, d, []float32{0, 0, -1e9, 0, 0, 0})
	ml := tensor.NewLayout(tensor.Shape{2, 3})

	out, err := d.AttnSoftmaxLastDim(x, xl, mask, ml, 1.0)
	if err != nil {
		t.Fatalf("AttnSoftmaxLastDim: %v", err)
	}
	defer out.Free()
	res := download(t, out)
	for i := 0; i < 6; i++ {
		if math.Abs(float64(res[i]-res[6+i])) > epsilon {
			t.Errorf("head rows differ at %d: %f vs %f", i, res[i], res[6+i])
		}
	}
	if res[2] > epsilon {
		t.Errorf("masked column: got %f", res[2])
	}
}

func TestAttnSoftmaxLastDimInplace(t *testing.T) {
	d := testDevice(t)
	vals := []float32{0.5, -1, 2, 1.5, 0, -0.5, 1, 2.5}
	xl := tensor.NewLayout(tensor.Shape{1, 1, 2, 4})
	mask := upload(t, d, []float32{0, 0, -1e9, 0, 0, -1e9, 0, 0})
	ml := tensor.NewLayout(tensor.Shape{2, 4})

	ref, err := d.AttnSoftmaxLastDim(upload(t, d, vals), xl, mask, ml, 0.7)
	if err != nil {
		t.Fatalf("AttnSoftmaxLastDim: %v", err)
	}
	defer ref.Free()

	x := upload(t, d, vals)
	if err := d.AttnSoftmaxLastDimInplace(x, xl, mask, ml, 0.7); err != nil {
		t.Fatalf("AttnSoftmaxLastDimInplace: %v", err)
	}
	checkClose(t, download(t, x), download(t, ref), epsilon)
}

func TestRMSNorm(t *testing.T) {
	d := testDevice(t)
	x := upload(t, d, []float32{1, 2, 3, 4, 5, 6})
	xl := tensor.NewLayout(tensor.Shape{2, 3})
	alpha := upload(t, d, []float32{1, 1, 1})
	al := tensor.NewLayout(tensor.Shape{3})

	out, err := d.RMSNorm(x, xl, alpha, al, 1e-5)
	if err != nil {
		t.Fatalf("RMSNorm: %v", err)
	}
	defer out.Free()
	expected := []float32{0.46291, 0.92582, 1.38873, 0.78954, 0.98693, 1.18431}
	checkClose(t, download(t, out), expected, epsilon)
}

func TestRMSNorm_AlphaLength(t *testing.T) {
	d := testDevice(t)
	x := upload(t, d, make([]float32, 6))
	xl := tensor.NewLayout(tensor.Shape{2, 3})
	alpha := upload(t, d, make([]float32, 4))
	al := tensor.NewLayout(tensor.Shape{4})

	if _, err := d.RMSNorm(x, xl, alpha, al, 1e-5); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("got %v, expected ErrShapeMismatch", err)
	}
}

func TestLayerNorm(t *testing.T) {
	d := testDevice(t)
	x := upload(t, d, []float32{1, 2, 3})
	xl := tensor.NewLayout(tensor.Shape{1, 3})
	alpha := upload(t, d, []float32{2, 2, 2})
	beta := upload(t, d, []float32{10, 10, 10})
	w := tensor.NewLayout(tensor.Shape{3})

	out, err := d.LayerNorm(x, xl, alpha, w, beta, w, 1e-5)
	if err != nil {
		t.Fatalf("LayerNorm: %v", err)
	}
	defer out.Free()
	checkClose(t, download(t, out), []float32{10 - 2.44948, 10, 10 + 2.44948}, epsilon)
}

func TestSigmoid(t *testing.T) {
	d := testDevice(t)
	s := upload(t, d, []float32{0, 1, -1, 10})
	out, err := d.Sigmoid(s, tensor.NewLayout(tensor.Shape{4}))
	if err != nil {
		t.Fatalf("Sigmoid: %v", err)
	}
	defer out.Free()
	checkClose(t, download(t, out), []float32{0.5, 0.731058, 0.268941, 0.9999546}, epsilon)
}

func TestSigmoidGrad(t *testing.T) {
	d := testDevice(t)
	y := upload(t, d, []float32{0.5, 0.25, 0.9})
	grad := upload(t, d, []float32{1, 2, -1})
	l := tensor.NewLayout(tensor.Shape{3})

	out, err := d.SigmoidGrad(y, l, grad, l)
	if err != nil {
		t.Fatalf("SigmoidGrad: %v", err)
	}
	defer out.Free()
	checkClose(t, download(t, out), []float32{0.25, 0.375, -0.09}, epsilon)
}

func TestBatchMatmul(t *testing.T) {
	d := testDevice(t)
	a := upload(t, d, []float32{1, 2, 3, 4, 5, 6})
	al := tensor.NewLayout(tensor.Shape{1, 2, 3})
	b := upload(t, d, []float32{7, 8, 9, 10, 11, 12})
	bl := tensor.NewLayout(tensor.Shape{1, 3, 2})

	out, shape, err := d.BatchMatmul(a, al, b, bl)
	if err != nil {
		t.Fatalf("BatchMatmul: %v", err)
	}
	defer out.Free()
	if !shape.Equal(tensor.Shape{1, 2, 2}) {
		t.Errorf("shape: got %v", shape)
	}
	checkClose(t, download(t, out), []float32{58, 64, 139, 154}, epsilon)
}

// sdpaRef is a scalar reference for the attention kernels. q is
// (batch, qHeads, qSeq, headDim) flat, k and v are
// (batch, kvHeads, kSeq, headDim|vDim) flat.
func sdpaRef(q, k, v []float32, p SDPAParams) []float32 {
	out := make([]float32, p.Batch*p.QHeads*p.QSeq*p.VDim)
	repeat := p.QHeads / p.KVHeads
	for b := 0; b < p.Batch; b++ {
		for h := 0; h < p.QHeads; h++ {
			kvh := h / repeat
			kBase := (b*p.KVHeads + kvh) * p.KSeq
			for qi := 0; qi < p.QSeq; qi++ {
				qOff := ((b*p.QHeads+h)*p.QSeq + qi) * p.HeadDim
				scores := make([]float64, p.KSeq)
				maxScore := math.Inf(-1)
				for ki := 0; ki < p.KSeq; ki++ {
					var dot float64
					for c := 0; c < p.HeadDim; c++ {
						dot += float64(q[qOff+c]) * float64(k[(kBase+ki)*p.HeadDim+c])
					}
					s := dot * float64(p.Scale)
					if p.Softcap != 1 {
						s = float64(p.Softcap) * math.Tanh(s/float64(p.Softcap))
					}
					scores[ki] = s
					if s > maxScore {
						maxScore = s
					}
				}
				var sum float64
				for ki := range scores {
					scores[ki] = math.Exp(scores[ki] - maxScore)
					sum += scores[ki]
				}
				oOff := ((b*p.QHeads+h)*p.QSeq + qi) * p.VDim
				for c := 0; c < p.VDim; c++ {
					var acc float64
					for ki := 0; ki < p.KSeq; ki++ {
						acc += scores[ki] / sum * float64(v[(kBase+ki)*p.VDim+c])
					}
					out[oOff+c] = float32(acc)
				}
			}
		}
	}
	return out
}

func randomVals(n int, seed float32) []float32 {
	vals := make([]float32, n)
	x := seed
	for i := range vals {
		// Cheap deterministic pseudo-random sequence in [-1, 1).
		x = float32(math.Mod(float64(x)*1.7+0.31, 2)) - 1
		vals[i] = x
	}
	return vals
}

func TestSDPAVector(t *testing.T) {
	d := testDevice(t)
	p := SDPAParams{
		Batch: 2, QHeads: 4, KVHeads: 4, QSeq: 1, KSeq: 9,
		HeadDim: 32, VDim: 32, Scale: 0.176777, Softcap: 1,
	}
	qv := randomVals(p.Batch*p.QHeads*p.QSeq*p.HeadDim, 0.1)
	kv := randomVals(p.Batch*p.KVHeads*p.KSeq*p.HeadDim, 0.7)
	vv := randomVals(p.Batch*p.KVHeads*p.KSeq*p.VDim, 0.4)

	q, k, v := upload(t, d, qv), upload(t, d, kv), upload(t, d, vv)
	out, err := d.SDPAVector(q, k, v, p)
	if err != nil {
		t.Fatalf("SDPAVector: %v", err)
	}
	defer out.Free()
	checkClose(t, download(t, out), sdpaRef(qv, kv, vv, p), epsilon)
}

func TestSDPAVector_GroupedHeads(t *testing.T) {
	d := testDevice(t)
	p := SDPAParams{
		Batch: 1, QHeads: 8, KVHeads: 2, QSeq: 1, KSeq: 6,
		HeadDim: 64, VDim: 64, Scale: 0.125, Softcap: 1,
	}
	qv := randomVals(p.QHeads*p.HeadDim, 0.3)
	kv := randomVals(p.KVHeads*p.KSeq*p.HeadDim, 0.9)
	vv := randomVals(p.KVHeads*p.KSeq*p.VDim, 0.5)

	q, k, v := upload(t, d, qv), upload(t, d, kv), upload(t, d, vv)
	out, err := d.SDPAVector(q, k, v, p)
	if err != nil {
		t.Fatalf("SDPAVector: %v", err)
	}
	defer out.Free()
	checkClose(t, download(t, out), sdpaRef(qv, kv, vv, p), epsilon)
}

func TestSDPAVector_TwoPass(t *testing.T) {
	d := testDevice(t)
	p := SDPAParams{
		Batch: 1, QHeads: 2, KVHeads: 2, QSeq: 1, KSeq: sdpaTwoPassThreshold + 40,
		HeadDim: 32, VDim: 32, Scale: 0.176777, Softcap: 1,
	}
	qv := randomVals(p.QHeads*p.HeadDim, 0.2)
	kv := randomVals(p.KVHeads*p.KSeq*p.HeadDim, 0.8)
	vv := randomVals(p.KVHeads*p.KSeq*p.VDim, 0.6)

	q, k, v := upload(t, d, qv), upload(t, d, kv), upload(t, d, vv)
	out, err := d.SDPAVector(q, k, v, p)
	if err != nil {
		t.Fatalf("SDPAVector: %v", err)
	}
	defer out.Free()
	checkClose(t, download(t, out), sdpaRef(qv, kv, vv, p), epsilon)
}

func TestSDPAVector_Softcap(t *testing.T) {
	d := testDevice(t)
	p := SDPAParams{
		Batch: 1, QHeads: 1, KVHeads: 1, QSeq: 1, KSeq: 4,
		HeadDim: 32, VDim: 32, Scale: 1, Softcap: 5,
	}
	qv := randomVals(p.HeadDim, 0.25)
	kv := randomVals(p.KSeq*p.HeadDim, 0.85)
	vv := randomVals(p.KSeq*p.VDim, 0.45)

	q, k, v := upload(t, d, qv), upload(t, d, kv), upload(t, d, vv)
	out, err := d.SDPAVector(q, k, v, p)
	if err != nil {
		t.Fatalf("SDPAVector: %v", err)
	}
	defer out.Free()
	checkClose(t, download(t, out), sdpaRef(qv, kv, vv, p), epsilon)
}

func TestSDPAFull(t *testing.T) {
	d := testDevice(t)
	p := SDPAParams{
		Batch: 1, QHeads: 2, KVHeads: 2, QSeq: 5, KSeq: 5,
		HeadDim: 32, VDim: 32, Scale: 0.176777, Softcap: 1,
	}
	qv := randomVals(p.QHeads*p.QSeq*p.HeadDim, 0.15)
	kv := randomVals(p.KVHeads*p.KSeq*p.HeadDim, 0.65)
	vv := randomVals(p.KVHeads*p.KSeq*p.VDim, 0.35)

	q, k, v := upload(t, d, qv), upload(t, d, kv), upload(t, d, vv)
	out, err := d.SDPAFull(q, k, v, p)
	if err != nil {
		t.Fatalf("SDPAFull: %v", err)
	}
	defer out.Free()
	checkClose(t, download(t, out), sdpaRef(qv, kv, vv, p), epsilon)
}

func TestSDPA_ParamErrors(t *testing.T) {
	d := testDevice(t)
	q := upload(t, d, make([]float32, 32))
	k := upload(t, d, make([]float32, 32))
	v := upload(t, d, make([]float32, 32))

	// Oversized head dim.
	p := SDPAParams{Batch: 1, QHeads: 1, KVHeads: 1, QSeq: 1, KSeq: 1, HeadDim: 512, VDim: 32, Scale: 1, Softcap: 1}
	if _, err := d.SDPAVector(q, k, v, p); !errors.Is(err, tensor.ErrPrecondition) {
		t.Errorf("head dim 512: got %v", err)
	}

	// Vector path with multiple queries.
	p = SDPAParams{Batch: 1, QHeads: 1, KVHeads: 1, QSeq: 2, KSeq: 1, HeadDim: 32, VDim: 32, Scale: 1, Softcap: 1}
	if _, err := d.SDPAVector(q, k, v, p); !errors.Is(err, tensor.ErrPrecondition) {
		t.Errorf("q_seq 2 on vector path: got %v", err)
	}

	// Full path with grouped heads.
	p = SDPAParams{Batch: 1, QHeads: 4, KVHeads: 2, QSeq: 2, KSeq: 2, HeadDim: 32, VDim: 32, Scale: 1, Softcap: 1}
	if _, err := d.SDPAFull(q, k, v, p); !errors.Is(err, tensor.ErrPrecondition) {
		t.Errorf("grouped heads on full path: got %v", err)
	}
}
