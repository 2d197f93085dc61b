// Copyright 2026 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor is the public data model of the fuse operator
// dispatch layer: element types, shapes, layouts and backend-tagged
// tensors. The operators themselves live in the ops package; backends
// are constructed through backend/cpu, backend/webgpu and backend/cuda.
package tensor

import (
	"github.com/born-ml/fuse/internal/tensor"
)

// DataType represents the underlying element type of a tensor.
type DataType = tensor.DataType

// Element type constants.
const (
	F16    DataType = tensor.F16
	BF16   DataType = tensor.BF16
	F32    DataType = tensor.F32
	F64    DataType = tensor.F64
	F8E4M3 DataType = tensor.F8E4M3
)

// Device identifies the backend that owns a tensor's storage.
type Device = tensor.Device

// Device constants.
const (
	CPU    Device = tensor.CPU
	WebGPU Device = tensor.WebGPU
	CUDA   Device = tensor.CUDA
)

// Shape represents the dimensions of a tensor.
type Shape = tensor.Shape

// Layout maps logical indices onto flat storage.
type Layout = tensor.Layout

// Storage is the backend-tagged owner of a flat element buffer.
type Storage = tensor.Storage

// Tensor is a backend-tagged storage plus a layout.
type Tensor = tensor.Tensor

// Error kinds raised by the dispatch layer. Match with errors.Is.
var (
	ErrShapeMismatch      = tensor.ErrShapeMismatch
	ErrPrecondition       = tensor.ErrPrecondition
	ErrUnsupportedDType   = tensor.ErrUnsupportedDType
	ErrBackendUnsupported = tensor.ErrBackendUnsupported
	ErrBackendFailure     = tensor.ErrBackendFailure
)

// NewLayout returns a contiguous row-major layout for shape.
func NewLayout(shape Shape) *Layout { return tensor.NewLayout(shape) }

// NewLayoutStrided returns a layout with explicit strides.
func NewLayoutStrided(shape Shape, stride []int, offset int) *Layout {
	return tensor.NewLayoutStrided(shape, stride, offset)
}

// FromStorage wraps storage in a tensor with a fresh contiguous layout.
func FromStorage(s Storage, shape Shape) (*Tensor, error) {
	return tensor.FromStorage(s, shape)
}

// FromStorageLayout wraps storage with an explicit layout.
func FromStorageLayout(s Storage, l *Layout) (*Tensor, error) {
	return tensor.FromStorageLayout(s, l)
}

// BroadcastShapes implements NumPy-style broadcasting rules.
func BroadcastShapes(a, b Shape) (Shape, bool, error) {
	return tensor.BroadcastShapes(a, b)
}
