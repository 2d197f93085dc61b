package ops

import (
	"github.com/born-ml/fuse/internal/backend/cuda"
	"github.com/born-ml/fuse/internal/tensor"
)

// Re-exported epilogue activations for the fused batched matmul.
const (
	MatmulActNone = cuda.ActivationNone
	MatmulActRelu = cuda.ActivationRelu
	MatmulActGelu = cuda.ActivationGelu
)

// BatchMatmulConfig configures the fused batched matmul
// out = alpha*(A @ B^T) + beta*C with an optional bias and activation
// fused into the vendor GEMM epilogue.
type BatchMatmulConfig struct {
	Alpha float32
	Beta  float32
	Act   cuda.Activation

	// C is the optional accumulator, required when Beta != 0. It is
	// updated in place and returned as the result.
	C *tensor.Tensor

	// Bias is an optional rank-1 vector of length m added to every
	// output column.
	Bias *tensor.Tensor
}

// DefaultBatchMatmulConfig returns alpha=1, beta=0, no epilogue.
func DefaultBatchMatmulConfig() BatchMatmulConfig {
	return BatchMatmulConfig{Alpha: 1}
}

// FusedBatchMatmul multiplies a (batch, m, k) by b (batch, n, k)
// transposed, yielding (batch, n, m), with scaling, accumulation, bias
// and activation fused into a single vendor GEMM launch. Only the
// vendor-GEMM backend implements it; f16, bf16 and f32 operands are
// accepted.
func FusedBatchMatmul(a, b *tensor.Tensor, cfg BatchMatmulConfig) (*tensor.Tensor, error) {
	if a.Device() != b.Device() {
		return nil, tensor.PreconditionErrf("fused batch matmul: operands on %s and %s", a.Device(), b.Device())
	}
	as, ok := a.Storage().(*cuda.Storage)
	if !ok {
		return nil, tensor.BackendErrf("fused batch matmul on %s", a.Device())
	}

	var (
		cs    *cuda.Storage
		cl    *tensor.Layout
		bias  *cuda.Storage
		biasl *tensor.Layout
	)
	if cfg.C != nil {
		if cfg.C.Device() != a.Device() {
			return nil, tensor.PreconditionErrf("fused batch matmul: accumulator on %s", cfg.C.Device())
		}
		cs = cfg.C.Storage().(*cuda.Storage)
		cl = cfg.C.Layout()
	}
	if cfg.Bias != nil {
		if cfg.Bias.Device() != a.Device() {
			return nil, tensor.PreconditionErrf("fused batch matmul: bias on %s", cfg.Bias.Device())
		}
		bias = cfg.Bias.Storage().(*cuda.Storage)
		biasl = cfg.Bias.Layout()
	}

	params := cuda.MatmulParams{Alpha: cfg.Alpha, Beta: cfg.Beta, Act: cfg.Act}
	out, shape, err := as.Owner().FusedBatchMatmul(
		as, a.Layout(),
		b.Storage().(*cuda.Storage), b.Layout(),
		cs, cl, bias, biasl, params)
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(out, shape)
}
