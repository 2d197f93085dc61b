// Copyright 2026 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cuda exposes the vendor-GEMM GPU backend. Builds without the
// cuda tag keep the full validation surface but fail on device calls.
package cuda

import (
	"fmt"

	internalcuda "github.com/born-ml/fuse/internal/backend/cuda"
	"github.com/born-ml/fuse/tensor"
)

// Device owns a CUDA context and a cuBLASLt handle.
type Device = internalcuda.Device

// Storage is a device allocation tagged with its element type.
type Storage = internalcuda.Storage

// Compile-time check that Storage implements tensor.Storage.
var _ tensor.Storage = (*Storage)(nil)

// Activation selects the GEMM epilogue activation.
type Activation = internalcuda.Activation

// Epilogue activations.
const (
	ActivationNone Activation = internalcuda.ActivationNone
	ActivationRelu Activation = internalcuda.ActivationRelu
	ActivationGelu Activation = internalcuda.ActivationGelu
)

// New initializes the backend on the given device ordinal.
func New(ordinal int) (*Device, error) {
	return internalcuda.New(ordinal)
}

// ToFloat32 downloads a device tensor and widens it to float32.
func ToFloat32(t *tensor.Tensor) ([]float32, error) {
	s, ok := t.Storage().(*Storage)
	if !ok {
		return nil, fmt.Errorf("%w: tensor is on %s, not CUDA", tensor.ErrBackendUnsupported, t.Device())
	}
	return s.ToFloat32()
}
