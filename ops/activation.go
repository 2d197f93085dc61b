package ops

import (
	"github.com/born-ml/fuse/internal/backend/cpu"
	"github.com/born-ml/fuse/internal/backend/cuda"
	"github.com/born-ml/fuse/internal/backend/webgpu"
	"github.com/born-ml/fuse/internal/tensor"
)

type sigmoid struct{}

func (sigmoid) Name() string { return "sigmoid" }

func (sigmoid) CPU(s *cpu.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := cpu.Sigmoid(s, l)
	if err != nil {
		return nil, nil, err
	}
	return out, l.Shape(), nil
}

func (sigmoid) WebGPU(s *webgpu.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := s.Owner().Sigmoid(s, l)
	if err != nil {
		return nil, nil, err
	}
	return out, l.Shape(), nil
}

func (sigmoid) CUDA(s *cuda.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	return nil, nil, tensor.BackendErrf("sigmoid on cuda")
}

// Backward computes grad * y * (1 - y), reusing the forward output
// instead of recomputing exp.
func (sigmoid) Backward(arg, res, grad *tensor.Tensor) (*tensor.Tensor, error) {
	if res.Device() != grad.Device() {
		return nil, tensor.PreconditionErrf("sigmoid backward: operands on %s and %s", res.Device(), grad.Device())
	}
	switch s := res.Storage().(type) {
	case *cpu.Storage:
		out, err := cpu.SigmoidGrad(s, res.Layout(), grad.Storage().(*cpu.Storage), grad.Layout())
		if err != nil {
			return nil, err
		}
		return tensor.FromStorage(out, res.Shape())
	case *webgpu.Storage:
		out, err := s.Owner().SigmoidGrad(s, res.Layout(), grad.Storage().(*webgpu.Storage), grad.Layout())
		if err != nil {
			return nil, err
		}
		return tensor.FromStorage(out, res.Shape())
	default:
		return nil, tensor.BackendErrf("sigmoid backward on %s", res.Device())
	}
}

// Sigmoid computes 1/(1+exp(-x)) elementwise. Strided host tensors are
// accepted; the result is contiguous.
func Sigmoid(t *tensor.Tensor) (*tensor.Tensor, error) {
	return Apply1(sigmoid{}, t)
}

// SigmoidBackward computes the sigmoid gradient from the forward
// output y and the output gradient.
func SigmoidBackward(y, grad *tensor.Tensor) (*tensor.Tensor, error) {
	return sigmoid{}.Backward(nil, y, grad)
}

type silu struct{}

func (silu) Name() string { return "silu" }

func (silu) CPU(s *cpu.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := cpu.Silu(s, l)
	if err != nil {
		return nil, nil, err
	}
	return out, l.Shape(), nil
}

func (silu) WebGPU(s *webgpu.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := s.Owner().Silu(s, l)
	if err != nil {
		return nil, nil, err
	}
	return out, l.Shape(), nil
}

func (silu) CUDA(s *cuda.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	return nil, nil, tensor.BackendErrf("silu on cuda")
}

// Silu computes x * sigmoid(x) elementwise.
func Silu(t *tensor.Tensor) (*tensor.Tensor, error) {
	return Apply1(silu{}, t)
}

type hardSigmoid struct{}

func (hardSigmoid) Name() string { return "hard-sigmoid" }

func (hardSigmoid) CPU(s *cpu.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := cpu.HardSigmoid(s, l)
	if err != nil {
		return nil, nil, err
	}
	return out, l.Shape(), nil
}

func (hardSigmoid) WebGPU(s *webgpu.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := s.Owner().HardSigmoid(s, l)
	if err != nil {
		return nil, nil, err
	}
	return out, l.Shape(), nil
}

func (hardSigmoid) CUDA(s *cuda.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	return nil, nil, tensor.BackendErrf("hard-sigmoid on cuda")
}

// HardSigmoid computes clamp((x+3)/6, 0, 1) elementwise.
func HardSigmoid(t *tensor.Tensor) (*tensor.Tensor, error) {
	return Apply1(hardSigmoid{}, t)
}

type leakyReLU struct {
	negSlope float64
}

func (leakyReLU) Name() string { return "leaky-relu" }

func (op leakyReLU) CPU(s *cpu.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := cpu.LeakyReLU(s, l, op.negSlope)
	if err != nil {
		return nil, nil, err
	}
	return out, l.Shape(), nil
}

func (op leakyReLU) WebGPU(s *webgpu.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := s.Owner().LeakyReLU(s, l, op.negSlope)
	if err != nil {
		return nil, nil, err
	}
	return out, l.Shape(), nil
}

func (op leakyReLU) CUDA(s *cuda.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	return nil, nil, tensor.BackendErrf("leaky-relu on cuda")
}

// LeakyReLU passes positive inputs through and scales negative ones by
// negSlope.
func LeakyReLU(t *tensor.Tensor, negSlope float64) (*tensor.Tensor, error) {
	return Apply1(leakyReLU{negSlope: negSlope}, t)
}

// Swiglu splits the last dimension in half and computes
// silu(a) * b on the two halves. The last dimension must be even.
// Host backend only: the gate multiply needs strided views.
func Swiglu(t *tensor.Tensor) (*tensor.Tensor, error) {
	cols, err := t.Dim(-1)
	if err != nil {
		return nil, err
	}
	if cols%2 != 0 {
		return nil, tensor.ShapeErrf("swiglu needs an even last dim, got %d", cols)
	}
	ts, ok := t.Storage().(*cpu.Storage)
	if !ok {
		return nil, tensor.BackendErrf("swiglu on %s", t.Device())
	}

	a, err := t.Narrow(-1, 0, cols/2)
	if err != nil {
		return nil, err
	}
	b, err := t.Narrow(-1, cols/2, cols/2)
	if err != nil {
		return nil, err
	}
	gated, err := cpu.Silu(ts, a.Layout())
	if err != nil {
		return nil, err
	}
	out, err := cpu.Mul(gated, tensor.NewLayout(a.Shape()), ts, b.Layout())
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(out, a.Shape())
}
