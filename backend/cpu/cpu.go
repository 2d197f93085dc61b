// Copyright 2026 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu exposes the host backend: tensors in process memory with
// row-parallel fused kernels.
package cpu

import (
	"fmt"

	internalcpu "github.com/born-ml/fuse/internal/backend/cpu"
	"github.com/born-ml/fuse/tensor"
)

// Storage holds tensor elements in host memory.
type Storage = internalcpu.Storage

// Compile-time check that Storage implements tensor.Storage.
var _ tensor.Storage = (*Storage)(nil)

// FromFloat32 builds an f32 tensor from vals.
func FromFloat32(vals []float32, shape tensor.Shape) (*tensor.Tensor, error) {
	return internalcpu.TensorFromFloat32(vals, shape)
}

// FromFloat32As builds a tensor of the given dtype, converting vals on
// the way in.
func FromFloat32As(dtype tensor.DataType, vals []float32, shape tensor.Shape) (*tensor.Tensor, error) {
	return internalcpu.TensorOf(dtype, vals, shape)
}

// Zeros returns a zero-filled tensor.
func Zeros(dtype tensor.DataType, shape tensor.Shape) (*tensor.Tensor, error) {
	return internalcpu.Zeros(dtype, shape)
}

// ToFloat32 materializes a host tensor's elements in logical order,
// widened to float32.
func ToFloat32(t *tensor.Tensor) ([]float32, error) {
	s, ok := t.Storage().(*Storage)
	if !ok {
		return nil, fmt.Errorf("%w: tensor is on %s, not CPU", tensor.ErrBackendUnsupported, t.Device())
	}
	return internalcpu.ToFloat32(s, t.Layout()), nil
}
