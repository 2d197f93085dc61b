package ops

import (
	"github.com/born-ml/fuse/internal/backend/cpu"
	"github.com/born-ml/fuse/internal/backend/cuda"
	"github.com/born-ml/fuse/internal/backend/webgpu"
	"github.com/born-ml/fuse/internal/tensor"
)

type attnSoftmax struct {
	scale float32
}

func (attnSoftmax) Name() string { return "attn-softmax-last-dim" }

func (op attnSoftmax) CPU(x *cpu.Storage, xl *tensor.Layout, mask *cpu.Storage, ml *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := cpu.AttnSoftmaxLastDim(x, xl, mask, ml, op.scale)
	if err != nil {
		return nil, nil, err
	}
	return out, xl.Shape(), nil
}

func (op attnSoftmax) WebGPU(x *webgpu.Storage, xl *tensor.Layout, mask *webgpu.Storage, ml *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := x.Owner().AttnSoftmaxLastDim(x, xl, mask, ml, op.scale)
	if err != nil {
		return nil, nil, err
	}
	return out, xl.Shape(), nil
}

func (op attnSoftmax) CUDA(x *cuda.Storage, xl *tensor.Layout, mask *cuda.Storage, ml *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	return nil, nil, tensor.BackendErrf("attn-softmax-last-dim on cuda")
}

func (op attnSoftmax) CPUInplace(x *cpu.Storage, xl *tensor.Layout, mask *cpu.Storage, ml *tensor.Layout) error {
	return cpu.AttnSoftmaxLastDimInplace(x, xl, mask, ml, op.scale)
}

func (op attnSoftmax) WebGPUInplace(x *webgpu.Storage, xl *tensor.Layout, mask *webgpu.Storage, ml *tensor.Layout) error {
	return x.Owner().AttnSoftmaxLastDimInplace(x, xl, mask, ml, op.scale)
}

func (op attnSoftmax) CUDAInplace(x *cuda.Storage, xl *tensor.Layout, mask *cuda.Storage, ml *tensor.Layout) error {
	return tensor.BackendErrf("attn-softmax-last-dim on cuda")
}

// AttnSoftmaxLastDim fuses the attention-score softmax: add the rank-2
// (seq, kv) mask broadcast over batch and heads to the rank-4
// (batch, heads, seq, kv) scores, scale the sum, softmax the last
// dimension.
func AttnSoftmaxLastDim(x, mask *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	return Apply2(attnSoftmax{scale: scale}, x, mask)
}

// AttnSoftmaxLastDimInplace overwrites x's storage with the fused
// attention softmax of its rows.
func AttnSoftmaxLastDimInplace(x, mask *tensor.Tensor, scale float32) error {
	return ApplyInplace2(attnSoftmax{scale: scale}, x, mask)
}

// AttnSoftmaxLastDimSlow is the unfused reference: broadcast add of the
// mask, scale, then the fused last-dim softmax. Host backend only.
func AttnSoftmaxLastDimSlow(x, mask *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	if x.Device() != mask.Device() {
		return nil, tensor.PreconditionErrf("attn-softmax: operands on %s and %s", x.Device(), mask.Device())
	}
	xs, ok := x.Storage().(*cpu.Storage)
	if !ok {
		return nil, tensor.BackendErrf("attn-softmax slow path on %s", x.Device())
	}
	if _, _, _, _, err := x.Shape().Dims4(); err != nil {
		return nil, err
	}
	if _, _, err := mask.Shape().Dims2(); err != nil {
		return nil, err
	}

	added, err := cpu.Add(xs, x.Layout(), mask.Storage().(*cpu.Storage), mask.Layout())
	if err != nil {
		return nil, err
	}
	scaled, err := cpu.Affine(added, tensor.NewLayout(x.Shape()), float64(scale), 0)
	if err != nil {
		return nil, err
	}
	t, err := tensor.FromStorage(scaled, x.Shape())
	if err != nil {
		return nil, err
	}
	return SoftmaxLastDim(t)
}
