package ops

import (
	"github.com/born-ml/fuse/internal/backend/cpu"
	"github.com/born-ml/fuse/internal/backend/cuda"
	"github.com/born-ml/fuse/internal/backend/webgpu"
	"github.com/born-ml/fuse/internal/tensor"
)

type rmsNorm struct {
	eps float32
}

func (rmsNorm) Name() string { return "rms-norm" }

func (op rmsNorm) CPU(x *cpu.Storage, xl *tensor.Layout, alpha *cpu.Storage, al *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := cpu.RMSNorm(x, xl, alpha, al, op.eps)
	if err != nil {
		return nil, nil, err
	}
	return out, xl.Shape(), nil
}

func (op rmsNorm) WebGPU(x *webgpu.Storage, xl *tensor.Layout, alpha *webgpu.Storage, al *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := x.Owner().RMSNorm(x, xl, alpha, al, op.eps)
	if err != nil {
		return nil, nil, err
	}
	return out, xl.Shape(), nil
}

func (op rmsNorm) CUDA(x *cuda.Storage, xl *tensor.Layout, alpha *cuda.Storage, al *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	return nil, nil, tensor.BackendErrf("rms-norm on cuda")
}

// RMSNorm normalizes each last-dim row of x by its root mean square and
// scales elementwise by the rank-1 weight alpha, whose length must
// equal the last dimension. Reductions accumulate in f32 regardless of
// the storage dtype.
func RMSNorm(x, alpha *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	return Apply2(rmsNorm{eps: eps}, x, alpha)
}

type layerNorm struct {
	eps float32
}

func (layerNorm) Name() string { return "layer-norm" }

func (op layerNorm) CPU(x *cpu.Storage, xl *tensor.Layout, alpha *cpu.Storage, al *tensor.Layout, beta *cpu.Storage, bl *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := cpu.LayerNorm(x, xl, alpha, al, beta, bl, op.eps)
	if err != nil {
		return nil, nil, err
	}
	return out, xl.Shape(), nil
}

func (op layerNorm) WebGPU(x *webgpu.Storage, xl *tensor.Layout, alpha *webgpu.Storage, al *tensor.Layout, beta *webgpu.Storage, bl *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	out, err := x.Owner().LayerNorm(x, xl, alpha, al, beta, bl, op.eps)
	if err != nil {
		return nil, nil, err
	}
	return out, xl.Shape(), nil
}

func (op layerNorm) CUDA(x *cuda.Storage, xl *tensor.Layout, alpha *cuda.Storage, al *tensor.Layout, beta *cuda.Storage, bl *tensor.Layout) (tensor.Storage, tensor.Shape, error) {
	return nil, nil, tensor.BackendErrf("layer-norm on cuda")
}

// LayerNorm normalizes each last-dim row of x to zero mean and unit
// variance, then applies alpha*x + beta. Both weights are rank 1 with
// length equal to the last dimension.
func LayerNorm(x, alpha, beta *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	return Apply3(layerNorm{eps: eps}, x, alpha, beta)
}

// RMSNormSlow is the unfused reference built from primitives. It
// widens half-precision input to f32 for the whole computation and
// narrows once at the end. Host backend only.
func RMSNormSlow(x, alpha *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	if x.Device() != alpha.Device() {
		return nil, tensor.PreconditionErrf("rms-norm: operands on %s and %s", x.Device(), alpha.Device())
	}
	inv, err := rmsScaleSlow(x, eps)
	if err != nil {
		return nil, err
	}
	xs := x.Storage().(*cpu.Storage)
	normed, err := cpu.Mul(xs, x.Layout(), inv, tensor.NewLayout(rmsKeepShape(x.Shape())))
	if err != nil {
		return nil, err
	}
	scaled, err := cpu.Mul(normed, tensor.NewLayout(x.Shape()),
		alpha.Storage().(*cpu.Storage), alpha.Layout())
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(scaled, x.Shape())
}

func rmsKeepShape(s tensor.Shape) tensor.Shape {
	keep := s.Clone()
	keep[len(keep)-1] = 1
	return keep
}

// rmsScaleSlow computes 1/sqrt(mean(x^2) + eps) per row, in f32.
func rmsScaleSlow(x *tensor.Tensor, eps float32) (*cpu.Storage, error) {
	xs, ok := x.Storage().(*cpu.Storage)
	if !ok {
		return nil, tensor.BackendErrf("rms-norm slow path on %s", x.Device())
	}
	wide, err := cpu.ToDType(xs, x.Layout(), tensor.F32)
	if err != nil {
		return nil, err
	}
	wideL := tensor.NewLayout(x.Shape())
	sq, err := cpu.Sqr(wide, wideL)
	if err != nil {
		return nil, err
	}
	meansq, meanShape, err := cpu.MeanKeepDim(sq, wideL, -1)
	if err != nil {
		return nil, err
	}
	meanL := tensor.NewLayout(meanShape)
	withEps, err := cpu.Affine(meansq, meanL, 1, float64(eps))
	if err != nil {
		return nil, err
	}
	rms, err := cpu.Sqrt(withEps, meanL)
	if err != nil {
		return nil, err
	}
	ones := cpu.FromFloat32As(tensor.F32, onesSlice(meanShape.NumElements()))
	inv, err := cpu.Div(ones, meanL, rms, meanL)
	if err != nil {
		return nil, err
	}
	// Narrow back so the broadcast multiply stays in the input dtype.
	return cpu.ToDType(inv, meanL, x.DType())
}

func onesSlice(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// LayerNormSlow is the unfused reference for layer norm: subtract the
// row mean, divide by the root of the row variance, apply the affine
// weights. Host backend only.
func LayerNormSlow(x, alpha, beta *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	if x.Device() != alpha.Device() || x.Device() != beta.Device() {
		return nil, tensor.PreconditionErrf("layer-norm: operands on %s, %s and %s",
			x.Device(), alpha.Device(), beta.Device())
	}
	xs, ok := x.Storage().(*cpu.Storage)
	if !ok {
		return nil, tensor.BackendErrf("layer-norm slow path on %s", x.Device())
	}
	wide, err := cpu.ToDType(xs, x.Layout(), tensor.F32)
	if err != nil {
		return nil, err
	}
	wideL := tensor.NewLayout(x.Shape())
	mean, meanShape, err := cpu.MeanKeepDim(wide, wideL, -1)
	if err != nil {
		return nil, err
	}
	meanL := tensor.NewLayout(meanShape)
	centered, err := cpu.Sub(wide, wideL, mean, meanL)
	if err != nil {
		return nil, err
	}
	sq, err := cpu.Sqr(centered, wideL)
	if err != nil {
		return nil, err
	}
	variance, _, err := cpu.MeanKeepDim(sq, wideL, -1)
	if err != nil {
		return nil, err
	}
	withEps, err := cpu.Affine(variance, meanL, 1, float64(eps))
	if err != nil {
		return nil, err
	}
	std, err := cpu.Sqrt(withEps, meanL)
	if err != nil {
		return nil, err
	}
	normed, err := cpu.Div(centered, wideL, std, meanL)
	if err != nil {
		return nil, err
	}
	narrow, err := cpu.ToDType(normed, wideL, x.DType())
	if err != nil {
		return nil, err
	}
	scaled, err := cpu.Mul(narrow, wideL, alpha.Storage().(*cpu.Storage), alpha.Layout())
	if err != nil {
		return nil, err
	}
	shifted, err := cpu.Add(scaled, wideL, beta.Storage().(*cpu.Storage), beta.Layout())
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(shifted, x.Shape())
}
