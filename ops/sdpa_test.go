package ops

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/fuse/internal/tensor"
)

// attnRef computes attention one score at a time in float64.
func attnRef(q, k, v []float32, batch, qHeads, kvHeads, qSeq, kSeq, headDim, vDim int, scale, softcap float32) []float32 {
	out := make([]float32, batch*qHeads*qSeq*vDim)
	repeat := qHeads / kvHeads
	for b := 0; b < batch; b++ {
		for h := 0; h < qHeads; h++ {
			kvh := h / repeat
			kBase := (b*kvHeads + kvh) * kSeq
			for qi := 0; qi < qSeq; qi++ {
				qOff := ((b*qHeads+h)*qSeq + qi) * headDim
				scores := make([]float64, kSeq)
				maxScore := math.Inf(-1)
				for ki := 0; ki < kSeq; ki++ {
					var dot float64
					for c := 0; c < headDim; c++ {
						dot += float64(q[qOff+c]) * float64(k[(kBase+ki)*headDim+c])
					}
					s := dot * float64(scale)
					if softcap != 1 {
						s = float64(softcap) * math.Tanh(s/float64(softcap))
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
				oOff := ((b*qHeads+h)*qSeq + qi) * vDim
				for c := 0; c < vDim; c++ {
					var acc float64
					for ki := 0; ki < kSeq; ki++ {
						acc += scores[ki] / sum * float64(v[(kBase+ki)*vDim+c])
					}
					out[oOff+c] = float32(acc)
				}
			}
		}
	}
	return out
}

func seqVals(n int, seed float32) []float32 {
	vals := make([]float32, n)
	x := seed
	for i := range vals {
		x = float32(math.Mod(float64(x)*1.7+0.31, 2)) - 1
		vals[i] = x
	}
	return vals
}

func TestSDPASlow(t *testing.T) {
	const (
		batch, heads  = 2, 3
		qSeq, kSeq    = 4, 4
		headDim, vDim = 8, 8
		scale         = float32(0.35355339)
	)
	qv := seqVals(batch*heads*qSeq*headDim, 0.1)
	kv := seqVals(batch*heads*kSeq*headDim, 0.7)
	vv := seqVals(batch*heads*kSeq*vDim, 0.4)

	q := hostTensor(t, qv, tensor.Shape{batch, heads, qSeq, headDim})
	k := hostTensor(t, kv, tensor.Shape{batch, heads, kSeq, headDim})
	v := hostTensor(t, vv, tensor.Shape{batch, heads, kSeq, vDim})

	out, err := SDPASlow(q, k, v, scale, 1)
	require.NoError(t, err)
	assert.True(t, out.Shape().Equal(tensor.Shape{batch, heads, qSeq, vDim}))

	ref := attnRef(qv, kv, vv, batch, heads, heads, qSeq, kSeq, headDim, vDim, scale, 1)
	assertClose(t, ref, hostVals(t, out), 1e-4)
}

func TestSDPASlow_GroupedHeads(t *testing.T) {
	const (
		batch, qHeads, kvHeads = 1, 6, 2
		qSeq, kSeq             = 1, 5
		headDim, vDim          = 4, 4
		scale                  = float32(0.5)
	)
	qv := seqVals(batch*qHeads*qSeq*headDim, 0.2)
	kv := seqVals(batch*kvHeads*kSeq*headDim, 0.8)
	vv := seqVals(batch*kvHeads*kSeq*vDim, 0.6)

	q := hostTensor(t, qv, tensor.Shape{batch, qHeads, qSeq, headDim})
	k := hostTensor(t, kv, tensor.Shape{batch, kvHeads, kSeq, headDim})
	v := hostTensor(t, vv, tensor.Shape{batch, kvHeads, kSeq, vDim})

	out, err := SDPASlow(q, k, v, scale, 1)
	require.NoError(t, err)

	ref := attnRef(qv, kv, vv, batch, qHeads, kvHeads, qSeq, kSeq, headDim, vDim, scale, 1)
	assertClose(t, ref, hostVals(t, out), 1e-4)
}

func TestSDPASlow_Softcap(t *testing.T) {
	const (
		batch, heads  = 1, 2
		qSeq, kSeq    = 3, 3
		headDim, vDim = 4, 4
	)
	qv := seqVals(batch*heads*qSeq*headDim, 0.15)
	kv := seqVals(batch*heads*kSeq*headDim, 0.65)
	vv := seqVals(batch*heads*kSeq*vDim, 0.35)

	// Large queries so the cap actually bends the scores.
	for i := range qv {
		qv[i] *= 10
	}

	q := hostTensor(t, qv, tensor.Shape{batch, heads, qSeq, headDim})
	k := hostTensor(t, kv, tensor.Shape{batch, heads, kSeq, headDim})
	v := hostTensor(t, vv, tensor.Shape{batch, heads, kSeq, vDim})

	out, err := SDPASlow(q, k, v, 1, 5)
	require.NoError(t, err)

	ref := attnRef(qv, kv, vv, batch, heads, heads, qSeq, kSeq, headDim, vDim, 1, 5)
	assertClose(t, ref, hostVals(t, out), 1e-4)

	// Capping must actually change the result.
	uncapped, err := SDPASlow(q, k, v, 1, 1)
	require.NoError(t, err)
	var diff float64
	capped := hostVals(t, out)
	for i, u := range hostVals(t, uncapped) {
		diff += math.Abs(float64(u - capped[i]))
	}
	assert.Greater(t, diff, 1e-3)
}

func TestSDPASlow_TransposedQuery(t *testing.T) {
	// A strided query view must give the same result as its
	// materialized copy.
	const (
		heads, qSeq, headDim = 2, 3, 4
	)
	// Stored as (batch, heads, headDim, qSeq), viewed transposed.
	base := seqVals(heads*headDim*qSeq, 0.45)
	stored := hostTensor(t, base, tensor.Shape{1, heads, headDim, qSeq})
	qView, err := stored.Transpose(2, 3)
	require.NoError(t, err)
	qVals := hostVals(t, qView)

	kv := seqVals(heads*qSeq*headDim, 0.75)
	vv := seqVals(heads*qSeq*headDim, 0.55)
	k := hostTensor(t, kv, tensor.Shape{1, heads, qSeq, headDim})
	v := hostTensor(t, vv, tensor.Shape{1, heads, qSeq, headDim})

	fromView, err := SDPASlow(qView, k, v, 0.5, 1)
	require.NoError(t, err)
	fromCopy, err := SDPASlow(hostTensor(t, qVals, tensor.Shape{1, heads, qSeq, headDim}), k, v, 0.5, 1)
	require.NoError(t, err)
	assertClose(t, hostVals(t, fromCopy), hostVals(t, fromView), 1e-5)
}

func TestSDPA_ShapeContract(t *testing.T) {
	q := hostTensor(t, make([]float32, 16), tensor.Shape{1, 2, 2, 4})

	// Rank-3 key.
	k3 := hostTensor(t, make([]float32, 16), tensor.Shape{2, 2, 4})
	v := hostTensor(t, make([]float32, 16), tensor.Shape{1, 2, 2, 4})
	_, err := SDPA(q, k3, v, 1)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)

	// Head dim mismatch between q and k.
	k := hostTensor(t, make([]float32, 8), tensor.Shape{1, 2, 2, 2})
	_, err = SDPA(q, k, v, 1)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)

	// k and v sequence lengths must match.
	k = hostTensor(t, make([]float32, 16), tensor.Shape{1, 2, 2, 4})
	vShort := hostTensor(t, make([]float32, 8), tensor.Shape{1, 2, 1, 4})
	_, err = SDPA(q, k, vShort, 1)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)

	// Query heads not divisible by kv heads.
	q3 := hostTensor(t, make([]float32, 24), tensor.Shape{1, 3, 2, 4})
	k2 := hostTensor(t, make([]float32, 16), tensor.Shape{1, 2, 2, 4})
	v2 := hostTensor(t, make([]float32, 16), tensor.Shape{1, 2, 2, 4})
	_, err = SDPA(q3, k2, v2, 1)
	assert.ErrorIs(t, err, tensor.ErrPrecondition)
}

func TestSDPA_HostRejected(t *testing.T) {
	// Eligible shapes on the host backend fail; the decomposed chain is
	// an explicit call, never an implicit fallback.
	q := hostTensor(t, make([]float32, 128), tensor.Shape{1, 2, 2, 32})
	k := hostTensor(t, make([]float32, 128), tensor.Shape{1, 2, 2, 32})
	v := hostTensor(t, make([]float32, 128), tensor.Shape{1, 2, 2, 32})

	_, err := SDPA(q, k, v, 1)
	assert.ErrorIs(t, err, tensor.ErrBackendUnsupported)

	out, err := SDPASlow(q, k, v, 1, 1)
	require.NoError(t, err)
	assert.True(t, out.Shape().Equal(tensor.Shape{1, 2, 2, 32}))
}

func TestSDPA_HeadDimRejected(t *testing.T) {
	// 17 is outside the tuned set; the check fires on every backend,
	// before backend dispatch.
	q := hostTensor(t, make([]float32, 17), tensor.Shape{1, 1, 1, 17})
	k := hostTensor(t, make([]float32, 34), tensor.Shape{1, 1, 2, 17})
	v := hostTensor(t, make([]float32, 34), tensor.Shape{1, 1, 2, 17})

	_, err := SDPA(q, k, v, 1)
	assert.ErrorIs(t, err, tensor.ErrPrecondition)
}

func TestSDPA_NoFusedPathShape(t *testing.T) {
	// Multi-query shapes must fit the prefill path exactly.
	v32 := func(b, h, s int) *tensor.Tensor {
		return hostTensor(t, make([]float32, b*h*s*32), tensor.Shape{b, h, s, 32})
	}

	// qSeq 2 with kSeq 3 fits neither path.
	_, err := SDPA(v32(1, 2, 2), v32(1, 2, 3), v32(1, 2, 3), 1)
	assert.ErrorIs(t, err, tensor.ErrPrecondition)

	// Grouped heads are vector-path only.
	_, err = SDPA(v32(1, 4, 2), v32(1, 2, 2), v32(1, 2, 2), 1)
	assert.ErrorIs(t, err, tensor.ErrPrecondition)
}

func TestSDPA_MixedDevices(t *testing.T) {
	q := hostTensor(t, make([]float32, 8), tensor.Shape{1, 1, 2, 4})
	k := hostTensor(t, make([]float32, 8), tensor.Shape{1, 1, 2, 4})
	v := fakeTensor(t, tensor.WebGPU, tensor.Shape{1, 1, 2, 4})

	_, err := SDPA(q, k, v, 1)
	assert.ErrorIs(t, err, tensor.ErrPrecondition)
}

func TestSDPA_UnknownStorage(t *testing.T) {
	q := fakeTensor(t, tensor.CUDA, tensor.Shape{1, 1, 2, 32})
	k := fakeTensor(t, tensor.CUDA, tensor.Shape{1, 1, 2, 32})
	v := fakeTensor(t, tensor.CUDA, tensor.Shape{1, 1, 2, 32})

	_, err := SDPA(q, k, v, 1)
	assert.ErrorIs(t, err, tensor.ErrBackendUnsupported)
}
