// Package ops is the operator dispatch layer: fused numeric kernels
// behind backend-agnostic entry points. Each operator declares one
// forward method per backend; applying it routes on the concrete
// storage type of its operands and fails with a backend-unsupported
// error where no implementation exists.
package ops

import (
	"github.com/born-ml/fuse/internal/backend/cpu"
	"github.com/born-ml/fuse/internal/backend/cuda"
	"github.com/born-ml/fuse/internal/backend/webgpu"
	"github.com/born-ml/fuse/internal/tensor"
)

// Op1 is a one-operand operator. Scalar attributes (eps, scale, ...)
// live on the implementing struct.
type Op1 interface {
	Name() string
	CPU(s *cpu.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error)
	WebGPU(s *webgpu.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error)
	CUDA(s *cuda.Storage, l *tensor.Layout) (tensor.Storage, tensor.Shape, error)
}

// Op2 is a two-operand operator. Both operands always live on the same
// backend; Apply2 enforces that before dispatch.
type Op2 interface {
	Name() string
	CPU(a *cpu.Storage, al *tensor.Layout, b *cpu.Storage, bl *tensor.Layout) (tensor.Storage, tensor.Shape, error)
	WebGPU(a *webgpu.Storage, al *tensor.Layout, b *webgpu.Storage, bl *tensor.Layout) (tensor.Storage, tensor.Shape, error)
	CUDA(a *cuda.Storage, al *tensor.Layout, b *cuda.Storage, bl *tensor.Layout) (tensor.Storage, tensor.Shape, error)
}

// Op3 is a three-operand operator.
type Op3 interface {
	Name() string
	CPU(a *cpu.Storage, al *tensor.Layout, b *cpu.Storage, bl *tensor.Layout, c *cpu.Storage, cl *tensor.Layout) (tensor.Storage, tensor.Shape, error)
	WebGPU(a *webgpu.Storage, al *tensor.Layout, b *webgpu.Storage, bl *tensor.Layout, c *webgpu.Storage, cl *tensor.Layout) (tensor.Storage, tensor.Shape, error)
	CUDA(a *cuda.Storage, al *tensor.Layout, b *cuda.Storage, bl *tensor.Layout, c *cuda.Storage, cl *tensor.Layout) (tensor.Storage, tensor.Shape, error)
}

// InplaceOp1 mutates its operand's storage in place. The layout and
// dtype never change.
type InplaceOp1 interface {
	Name() string
	CPUInplace(s *cpu.Storage, l *tensor.Layout) error
	WebGPUInplace(s *webgpu.Storage, l *tensor.Layout) error
	CUDAInplace(s *cuda.Storage, l *tensor.Layout) error
}

// InplaceOp2 mutates its first operand's storage in place; the second
// operand is read-only.
type InplaceOp2 interface {
	Name() string
	CPUInplace(a *cpu.Storage, al *tensor.Layout, b *cpu.Storage, bl *tensor.Layout) error
	WebGPUInplace(a *webgpu.Storage, al *tensor.Layout, b *webgpu.Storage, bl *tensor.Layout) error
	CUDAInplace(a *cuda.Storage, al *tensor.Layout, b *cuda.Storage, bl *tensor.Layout) error
}

// BackwardOp1 is an Op1 with a gradient. Backward receives the forward
// argument, the forward result and the output gradient.
type BackwardOp1 interface {
	Op1
	Backward(arg, res, grad *tensor.Tensor) (*tensor.Tensor, error)
}

// Apply1 dispatches op on the backend owning t's storage.
func Apply1(op Op1, t *tensor.Tensor) (*tensor.Tensor, error) {
	var (
		out   tensor.Storage
		shape tensor.Shape
		err   error
	)
	switch s := t.Storage().(type) {
	case *cpu.Storage:
		out, shape, err = op.CPU(s, t.Layout())
	case *webgpu.Storage:
		out, shape, err = op.WebGPU(s, t.Layout())
	case *cuda.Storage:
		out, shape, err = op.CUDA(s, t.Layout())
	default:
		err = tensor.BackendErrf("%s: unknown storage type %T", op.Name(), t.Storage())
	}
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(out, shape)
}

// Apply2 dispatches op on the backend owning both operands. Operands on
// different backends are a precondition violation, never an implicit
// transfer.
func Apply2(op Op2, a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if a.Device() != b.Device() {
		return nil, tensor.PreconditionErrf("%s: operands on %s and %s", op.Name(), a.Device(), b.Device())
	}
	var (
		out   tensor.Storage
		shape tensor.Shape
		err   error
	)
	switch s := a.Storage().(type) {
	case *cpu.Storage:
		out, shape, err = op.CPU(s, a.Layout(), b.Storage().(*cpu.Storage), b.Layout())
	case *webgpu.Storage:
		out, shape, err = op.WebGPU(s, a.Layout(), b.Storage().(*webgpu.Storage), b.Layout())
	case *cuda.Storage:
		out, shape, err = op.CUDA(s, a.Layout(), b.Storage().(*cuda.Storage), b.Layout())
	default:
		err = tensor.BackendErrf("%s: unknown storage type %T", op.Name(), a.Storage())
	}
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(out, shape)
}

// Apply3 dispatches op on the backend owning all three operands.
func Apply3(op Op3, a, b, c *tensor.Tensor) (*tensor.Tensor, error) {
	if a.Device() != b.Device() || a.Device() != c.Device() {
		return nil, tensor.PreconditionErrf("%s: operands on %s, %s and %s",
			op.Name(), a.Device(), b.Device(), c.Device())
	}
	var (
		out   tensor.Storage
		shape tensor.Shape
		err   error
	)
	switch s := a.Storage().(type) {
	case *cpu.Storage:
		out, shape, err = op.CPU(s, a.Layout(),
			b.Storage().(*cpu.Storage), b.Layout(),
			c.Storage().(*cpu.Storage), c.Layout())
	case *webgpu.Storage:
		out, shape, err = op.WebGPU(s, a.Layout(),
			b.Storage().(*webgpu.Storage), b.Layout(),
			c.Storage().(*webgpu.Storage), c.Layout())
	case *cuda.Storage:
		out, shape, err = op.CUDA(s, a.Layout(),
			b.Storage().(*cuda.Storage), b.Layout(),
			c.Storage().(*cuda.Storage), c.Layout())
	default:
		err = tensor.BackendErrf("%s: unknown storage type %T", op.Name(), a.Storage())
	}
	if err != nil {
		return nil, err
	}
	return tensor.FromStorage(out, shape)
}

// ApplyInplace1 dispatches an in-place operator on t's backend. The
// tensor value itself is unchanged; only storage contents mutate.
func ApplyInplace1(op InplaceOp1, t *tensor.Tensor) error {
	switch s := t.Storage().(type) {
	case *cpu.Storage:
		return op.CPUInplace(s, t.Layout())
	case *webgpu.Storage:
		return op.WebGPUInplace(s, t.Layout())
	case *cuda.Storage:
		return op.CUDAInplace(s, t.Layout())
	default:
		return tensor.BackendErrf("%s: unknown storage type %T", op.Name(), t.Storage())
	}
}

// ApplyInplace2 dispatches a two-operand in-place operator, mutating a
// and reading b. Both operands must share a backend.
func ApplyInplace2(op InplaceOp2, a, b *tensor.Tensor) error {
	if a.Device() != b.Device() {
		return tensor.PreconditionErrf("%s: operands on %s and %s", op.Name(), a.Device(), b.Device())
	}
	switch s := a.Storage().(type) {
	case *cpu.Storage:
		return op.CPUInplace(s, a.Layout(), b.Storage().(*cpu.Storage), b.Layout())
	case *webgpu.Storage:
		return op.WebGPUInplace(s, a.Layout(), b.Storage().(*webgpu.Storage), b.Layout())
	case *cuda.Storage:
		return op.CUDAInplace(s, a.Layout(), b.Storage().(*cuda.Storage), b.Layout())
	default:
		return tensor.BackendErrf("%s: unknown storage type %T", op.Name(), a.Storage())
	}
}
