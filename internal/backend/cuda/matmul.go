package cuda

import "github.com/born-ml/fuse/internal/tensor"

// Activation selects the cuBLASLt epilogue applied after the GEMM.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationRelu
	ActivationGelu
)

// MatmulParams are the scalar knobs of the fused batched matmul:
// out = alpha * (A @ B^T) + beta * C, then bias and activation through
// the epilogue.
type MatmulParams struct {
	Alpha float32
	Beta  float32
	Act   Activation
}

// DefaultMatmulParams returns alpha=1, beta=0, no activation.
func DefaultMatmulParams() MatmulParams {
	return MatmulParams{Alpha: 1}
}

// ValidateBatchMatmul checks the fused batched matmul contract without
// touching the device, so it is exercised by tests on any machine.
//
// A is (batch, m, k) and B is (batch, n, k); both must be contiguous
// since the GEMM consumes them with fixed leading dimension k. The
// output is (batch, n, m). Bias, when present, is rank 1 of length m
// and broadcasts over every output column. C, when present, must be a
// contiguous zero-offset view of exactly batch*n*m elements; beta != 0
// without C is rejected rather than silently reading garbage.
func ValidateBatchMatmul(al, bl, cl, biasl *tensor.Layout, dt tensor.DataType, beta float32) (tensor.Shape, error) {
	switch dt {
	case tensor.F16, tensor.BF16, tensor.F32:
	default:
		return nil, tensor.DTypeErrf("fused batch matmul: %s", dt)
	}

	batch, m, k, err := al.Shape().Dims3()
	if err != nil {
		return nil, err
	}
	bBatch, n, bk, err := bl.Shape().Dims3()
	if err != nil {
		return nil, err
	}
	if bBatch != batch {
		return nil, tensor.ShapeErrf("fused batch matmul: batch %d vs %d", batch, bBatch)
	}
	if bk != k {
		return nil, tensor.ShapeErrf("fused batch matmul: inner dim %d vs %d", k, bk)
	}
	if _, _, ok := al.ContiguousOffsets(); !ok {
		return nil, tensor.PreconditionErrf("fused batch matmul: a must be contiguous")
	}
	if _, _, ok := bl.ContiguousOffsets(); !ok {
		return nil, tensor.PreconditionErrf("fused batch matmul: b must be contiguous")
	}

	if biasl != nil {
		blen, err := biasl.Shape().Dims1()
		if err != nil {
			return nil, err
		}
		if blen != m {
			return nil, tensor.ShapeErrf("fused batch matmul: bias length %d, output rows %d", blen, m)
		}
		if _, _, ok := biasl.ContiguousOffsets(); !ok {
			return nil, tensor.PreconditionErrf("fused batch matmul: bias must be contiguous")
		}
	}

	if cl == nil {
		if beta != 0 {
			return nil, tensor.PreconditionErrf("fused batch matmul: beta=%v with no accumulator", beta)
		}
	} else {
		o1, o2, ok := cl.ContiguousOffsets()
		if !ok {
			return nil, tensor.PreconditionErrf("fused batch matmul: c must be contiguous")
		}
		if o1 != 0 {
			return nil, tensor.PreconditionErrf("fused batch matmul: c must start at offset 0, got %d", o1)
		}
		if o2 != batch*n*m {
			return nil, tensor.ShapeErrf("fused batch matmul: c covers %d elements, output needs %d", o2, batch*n*m)
		}
	}

	return tensor.Shape{batch, n, m}, nil
}

// FusedBatchMatmul computes alpha*(A @ B^T) + beta*C with the optional
// bias and activation fused into the GEMM epilogue. All operands must
// live on the same device and share one dtype. C, when present, is
// accumulated in place and returned as the output storage.
func (d *Device) FusedBatchMatmul(
	a *Storage, al *tensor.Layout,
	b *Storage, bl *tensor.Layout,
	c *Storage, cl *tensor.Layout,
	bias *Storage, biasl *tensor.Layout,
	p MatmulParams,
) (*Storage, tensor.Shape, error) {
	if a.dtype != b.dtype {
		return nil, nil, tensor.DTypeErrf("fused batch matmul operands: %s vs %s", a.dtype, b.dtype)
	}
	if c != nil && c.dtype != a.dtype {
		return nil, nil, tensor.DTypeErrf("fused batch matmul accumulator: %s vs %s", c.dtype, a.dtype)
	}
	if bias != nil && bias.dtype != a.dtype {
		return nil, nil, tensor.DTypeErrf("fused batch matmul bias: %s vs %s", bias.dtype, a.dtype)
	}
	for _, s := range []*Storage{b, c, bias} {
		if s != nil && s.dev != d {
			return nil, nil, tensor.PreconditionErrf("fused batch matmul operands live on different devices")
		}
	}
	if c == nil && cl != nil || c != nil && cl == nil {
		return nil, nil, tensor.PreconditionErrf("fused batch matmul: accumulator storage and layout must come together")
	}
	if bias == nil && biasl != nil || bias != nil && biasl == nil {
		return nil, nil, tensor.PreconditionErrf("fused batch matmul: bias storage and layout must come together")
	}

	outShape, err := ValidateBatchMatmul(al, bl, cl, biasl, a.dtype, p.Beta)
	if err != nil {
		return nil, nil, err
	}

	out := c
	if out == nil {
		out, err = d.Alloc(a.dtype, outShape.NumElements())
		if err != nil {
			return nil, nil, err
		}
	}

	batch, m, k, _ := al.Shape().Dims3()
	_, n, _, _ := bl.Shape().Dims3()
	if err := d.blasLtMatmul(a, b, out, bias, batch, m, n, k, p); err != nil {
		if c == nil {
			out.Free()
		}
		return nil, nil, err
	}
	return out, outShape, nil
}
