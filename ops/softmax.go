package ops

import (
	"github.com/born-ml/fuse/internal/backend/cpu"
	"github.com/born-ml/fuse/internal/backend/cuda"
	"github.com/born-ml/fuse/internal/backend/webgpu"
	"github.com/born-ml/fuse/internal/tensor"
)

type softmaxLastDim struct{}

func (softmaxLastDim) Name() string { return "softmax-last-dim" }

func (softmaxLastDim) CPU(s *cpu.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := cpu.SoftmaxLastDim(s, l)
	if err != nil {
		return nil, nil, err
	}
	return out, l.Shape(), nil
}

func (softmaxLastDim) WebGPU(s *webgpu.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := s.Owner().SoftmaxLastDim(s, l)
	if err != nil {
		return nil, nil, err
	}
	return out, l.Shape(), nil
}

func (softmaxLastDim) CUDA(s *cuda.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	return nil, nil, tensor.BackendErrf("softmax-last-dim on cuda")
}

func (softmaxLastDim) CPUInplace(s *cpu.Storage, l *tensor.Layout) error {
	return cpu.SoftmaxLastDimInplace(s, l)
}

func (softmaxLastDim) WebGPUInplace(s *webgpu.Storage, l *tensor.Layout) error {
	return s.Owner().SoftmaxLastDimInplace(s, l)
}

func (softmaxLastDim) CUDAInplace(s *cuda.Storage, l *tensor.Layout) error {
	return tensor.BackendErrf("softmax-last-dim on cuda")
}

// SoftmaxLastDim computes softmax over the last dimension with the
// fused single-pass kernel. The input must be contiguous.
func SoftmaxLastDim(t *tensor.Tensor) (*tensor.Tensor, error) {
	return Apply1(softmaxLastDim{}, t)
}

// SoftmaxLastDimInplace overwrites t's storage with the softmax of its
// last-dim rows.
func SoftmaxLastDimInplace(t *tensor.Tensor) error {
	return ApplyInplace1(softmaxLastDim{}, t)
}

// Softmax computes softmax over an arbitrary dimension. The last
// dimension of a contiguous tensor takes the fused kernel; anything
// else goes through the primitive max/sub/exp/sum/div composition,
// which only the host backend carries.
func Softmax(t *tensor.Tensor, dim int) (*tensor.Tensor, error) {
	d := dim
	if d < 0 {
		d += t.Rank()
	}
	if d < 0 || d >= t.Rank() {
		return nil, tensor.ShapeErrf("softmax dim %d out of range for rank %d", dim, t.Rank())
	}
	if d == t.Rank()-1 && t.IsContiguous() {
		return SoftmaxLastDim(t)
	}

	s, ok := t.Storage().(*cpu.Storage)
	if !ok {
		return nil, tensor.BackendErrf("softmax over dim %d on %s", dim, t.Device())
	}
	out, err := softmaxSlow(s, t.Layout(), d)
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(out, t.Shape())
}

// LogSoftmax computes log(softmax(x)) over dim through the stable
// composition shifted - log(sum(exp(shifted))). Host backend only.
func LogSoftmax(t *tensor.Tensor, dim int) (*tensor.Tensor, error) {
	d := dim
	if d < 0 {
		d += t.Rank()
	}
	if d < 0 || d >= t.Rank() {
		return nil, tensor.ShapeErrf("log-softmax dim %d out of range for rank %d", dim, t.Rank())
	}
	s, ok := t.Storage().(*cpu.Storage)
	if !ok {
		return nil, tensor.BackendErrf("log-softmax on %s", t.Device())
	}

	maxed, maxShape, err := cpu.MaxKeepDim(s, t.Layout(), d)
	if err != nil {
		return nil, err
	}
	shifted, err := cpu.Sub(s, t.Layout(), maxed, tensor.NewLayout(maxShape))
	if err != nil {
		return nil, err
	}
	shiftedL := tensor.NewLayout(t.Shape())
	exped, err := cpu.Exp(shifted, shiftedL)
	if err != nil {
		return nil, err
	}
	summed, sumShape, err := cpu.SumKeepDim(exped, shiftedL, d)
	if err != nil {
		return nil, err
	}
	logSum, err := cpu.Log(summed, tensor.NewLayout(sumShape))
	if err != nil {
		return nil, err
	}
	out, err := cpu.Sub(shifted, shiftedL, logSum, tensor.NewLayout(sumShape))
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(out, t.Shape())
}

// softmaxSlow is the reference composition: shift by the dim max for
// stability, exponentiate, normalize by the dim sum.
func softmaxSlow(s *cpu.Storage, l *tensor.Layout, dim int) (*cpu.Storage, error) {
	maxed, maxShape, err := cpu.MaxKeepDim(s, l, dim)
	if err != nil {
		return nil, err
	}
	shifted, err := cpu.Sub(s, l, maxed, tensor.NewLayout(maxShape))
	if err != nil {
		return nil, err
	}
	shiftedL := tensor.NewLayout(l.Shape())
	exped, err := cpu.Exp(shifted, shiftedL)
	if err != nil {
		return nil, err
	}
	summed, sumShape, err := cpu.SumKeepDim(exped, shiftedL, dim)
	if err != nil {
		return nil, err
	}
	return cpu.Div(exped, shiftedL, summed, tensor.NewLayout(sumShape))
}
