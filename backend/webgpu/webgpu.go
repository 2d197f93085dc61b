// Copyright 2026 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu exposes the custom-kernel GPU backend built on WebGPU
// compute shaders. Kernels are portable WGSL and f32 only.
package webgpu

import (
	"fmt"

	internalwebgpu "github.com/born-ml/fuse/internal/backend/webgpu"
	"github.com/born-ml/fuse/tensor"
)

// Device owns the WebGPU device, queue and pipeline caches.
type Device = internalwebgpu.Device

// Storage holds tensor elements in a GPU buffer.
type Storage = internalwebgpu.Storage

// Compile-time check that Storage implements tensor.Storage.
var _ tensor.Storage = (*Storage)(nil)

// New initializes a WebGPU device on the highest-performance adapter.
func New() (*Device, error) {
	return internalwebgpu.New()
}

// ToFloat32 reads a GPU tensor back to the host.
func ToFloat32(t *tensor.Tensor) ([]float32, error) {
	s, ok := t.Storage().(*Storage)
	if !ok {
		return nil, fmt.Errorf("%w: tensor is on %s, not WebGPU", tensor.ErrBackendUnsupported, t.Device())
	}
	return s.ToFloat32()
}
