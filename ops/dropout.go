package ops

import (
	"github.com/born-ml/fuse/internal/backend/cpu"
	"github.com/born-ml/fuse/internal/tensor"
)

// Dropout zeroes each element independently with probability p and
// scales the survivors by 1/(1-p), keeping the expectation unchanged.
// p must be in [0, 1); p == 1 would scale by infinity. Host backend
// only: the mask is drawn from the host RNG.
func Dropout(t *tensor.Tensor, p float32) (*tensor.Tensor, error) {
	if p < 0 || p >= 1 {
		return nil, tensor.PreconditionErrf("dropout probability %v outside [0, 1)", p)
	}
	ts, ok := t.Storage().(*cpu.Storage)
	if !ok {
		return nil, tensor.BackendErrf("dropout on %s", t.Device())
	}
	if p == 0 {
		return t, nil
	}

	noise, err := cpu.RandUniform(t.DType(), t.ElemCount())
	if err != nil {
		return nil, err
	}
	noiseL := tensor.NewLayout(t.Shape())
	mask, err := cpu.GeScalar(noise, noiseL, float64(p))
	if err != nil {
		return nil, err
	}
	scaled, err := cpu.Affine(mask, noiseL, 1/float64(1-p), 0)
	if err != nil {
		return nil, err
	}
	out, err := cpu.Mul(ts, t.Layout(), scaled, noiseL)
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(out, t.Shape())
}

// DropoutLayer wraps Dropout with a training flag, so inference passes
// are an identity without touching the data.
type DropoutLayer struct {
	P float32
}

// NewDropoutLayer returns a dropout layer with drop probability p.
func NewDropoutLayer(p float32) DropoutLayer {
	return DropoutLayer{P: p}
}

// Forward applies dropout when train is true and returns t unchanged
// otherwise.
func (d DropoutLayer) Forward(t *tensor.Tensor, train bool) (*tensor.Tensor, error) {
	if !train {
		return t, nil
	}
	return Dropout(t, d.P)
}
