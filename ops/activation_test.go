package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/fuse/internal/tensor"
)

func TestSigmoid(t *testing.T) {
	x := hostTensor(t, []float32{0, 1, -1, 10}, tensor.Shape{4})

	out, err := Sigmoid(x)
	require.NoError(t, err)
	assertClose(t, []float32{0.5, 0.731058, 0.268941, 0.9999546}, hostVals(t, out), 1e-5)
}

func TestSigmoidBackward(t *testing.T) {
	x := hostTensor(t, []float32{0, -1.098612, 2.197224}, tensor.Shape{3})
	y, err := Sigmoid(x)
	require.NoError(t, err)
	// y is approximately {0.5, 0.25, 0.9}.
	grad := hostTensor(t, []float32{1, 2, -1}, tensor.Shape{3})

	out, err := SigmoidBackward(y, grad)
	require.NoError(t, err)
	assertClose(t, []float32{0.25, 0.375, -0.09}, hostVals(t, out), 1e-4)
}

func TestSigmoidBackward_MixedDevices(t *testing.T) {
	y := hostTensor(t, []float32{0.5}, tensor.Shape{1})
	grad := fakeTensor(t, tensor.WebGPU, tensor.Shape{1})

	_, err := SigmoidBackward(y, grad)
	assert.ErrorIs(t, err, tensor.ErrPrecondition)
}

func TestSilu(t *testing.T) {
	x := hostTensor(t, []float32{-2, 0, 2}, tensor.Shape{3})

	out, err := Silu(x)
	require.NoError(t, err)
	assertClose(t, []float32{-0.238405, 0, 1.761594}, hostVals(t, out), 1e-5)
}

func TestHardSigmoid(t *testing.T) {
	x := hostTensor(t, []float32{-4, -2, 0, 2, 4}, tensor.Shape{5})

	out, err := HardSigmoid(x)
	require.NoError(t, err)
	assertClose(t, []float32{0, 1.0 / 6, 0.5, 5.0 / 6, 1}, hostVals(t, out), 1e-5)
}

func TestLeakyReLU(t *testing.T) {
	x := hostTensor(t, []float32{-2, 0, 2}, tensor.Shape{3})

	out, err := LeakyReLU(x, 0.1)
	require.NoError(t, err)
	assertClose(t, []float32{-0.2, 0, 2}, hostVals(t, out), 1e-5)
}

func TestSwiglu(t *testing.T) {
	// silu([1, 2]) * [3, 4].
	x := hostTensor(t, []float32{1, 2, 3, 4}, tensor.Shape{1, 4})

	out, err := Swiglu(x)
	require.NoError(t, err)
	assert.True(t, out.Shape().Equal(tensor.Shape{1, 2}))
	assertClose(t, []float32{3 * 0.731058, 4 * 1.761594}, hostVals(t, out), 1e-5)
}

func TestSwiglu_Batched(t *testing.T) {
	x := hostTensor(t, []float32{
		1, 2, 3, 4,
		-1, 0.5, 2, -3,
	}, tensor.Shape{2, 4})

	out, err := Swiglu(x)
	require.NoError(t, err)
	expected := []float32{
		3 * 0.731058, 4 * 1.761594,
		2 * -0.268941, -3 * 0.311229,
	}
	assertClose(t, expected, hostVals(t, out), 1e-5)
}

func TestSwiglu_OddLastDim(t *testing.T) {
	x := hostTensor(t, make([]float32, 3), tensor.Shape{1, 3})
	_, err := Swiglu(x)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}
