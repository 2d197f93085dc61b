package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/fuse/internal/backend/cpu"
	"github.com/born-ml/fuse/internal/tensor"
)

// fakeStorage stands in for a backend this package does not know.
type fakeStorage struct {
	dev   tensor.Device
	elems int
}

func (f *fakeStorage) DType() tensor.DataType { return tensor.F32 }
func (f *fakeStorage) Device() tensor.Device  { return f.dev }
func (f *fakeStorage) ElemCount() int         { return f.elems }

func fakeTensor(t *testing.T, dev tensor.Device, shape tensor.Shape) *tensor.Tensor {
	t.Helper()
	out, err := tensor.FromStorage(&fakeStorage{dev: dev, elems: shape.NumElements()}, shape)
	require.NoError(t, err)
	return out
}

func hostTensor(t *testing.T, vals []float32, shape tensor.Shape) *tensor.Tensor {
	t.Helper()
	out, err := cpu.TensorFromFloat32(vals, shape)
	require.NoError(t, err)
	return out
}

func hostVals(t *testing.T, x *tensor.Tensor) []float32 {
	t.Helper()
	s, ok := x.Storage().(*cpu.Storage)
	require.True(t, ok, "expected host storage, got %T", x.Storage())
	return cpu.ToFloat32(s, x.Layout())
}

func assertClose(t *testing.T, expected, got []float32, tol float64) {
	t.Helper()
	require.Len(t, got, len(expected))
	for i := range expected {
		assert.InDelta(t, expected[i], got[i], tol, "element %d", i)
	}
}

func TestApply1_UnknownStorage(t *testing.T) {
	x := fakeTensor(t, tensor.CPU, tensor.Shape{2, 2})
	_, err := SoftmaxLastDim(x)
	assert.ErrorIs(t, err, tensor.ErrBackendUnsupported)

	err = SoftmaxLastDimInplace(x)
	assert.ErrorIs(t, err, tensor.ErrBackendUnsupported)
}

func TestApply2_MixedDevices(t *testing.T) {
	x := hostTensor(t, make([]float32, 4), tensor.Shape{1, 1, 2, 2})
	mask := fakeTensor(t, tensor.CUDA, tensor.Shape{2, 2})

	_, err := AttnSoftmaxLastDim(x, mask, 1)
	assert.ErrorIs(t, err, tensor.ErrPrecondition)
}

func TestApply3_MixedDevices(t *testing.T) {
	x := hostTensor(t, make([]float32, 3), tensor.Shape{1, 3})
	alpha := hostTensor(t, make([]float32, 3), tensor.Shape{3})
	beta := fakeTensor(t, tensor.WebGPU, tensor.Shape{3})

	_, err := LayerNorm(x, alpha, beta, 1e-5)
	assert.ErrorIs(t, err, tensor.ErrPrecondition)
}
