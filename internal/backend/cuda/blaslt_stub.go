//go:build !cuda

package cuda

import "github.com/born-ml/fuse/internal/tensor"

// Builds without the cuda tag keep the validation surface and fail any
// call that would touch the driver.

func errNoCuda() error {
	return tensor.BackendErrf("built without cuda support")
}

// New fails: this build has no driver bindings.
func New(ordinal int) (*Device, error) { return nil, errNoCuda() }

// Close is a no-op without a handle.
func (d *Device) Close() {}

// Synchronize fails without the cuda tag.
func (d *Device) Synchronize() error { return errNoCuda() }

// Alloc fails without the cuda tag.
func (d *Device) Alloc(dtype tensor.DataType, elems int) (*Storage, error) {
	return nil, errNoCuda()
}

// FromFloat32 fails without the cuda tag.
func (d *Device) FromFloat32(dtype tensor.DataType, vals []float32) (*Storage, error) {
	return nil, errNoCuda()
}

// ToFloat32 fails without the cuda tag.
func (s *Storage) ToFloat32() ([]float32, error) { return nil, errNoCuda() }

// Free is a no-op without an allocation.
func (s *Storage) Free() {}

func (d *Device) blasLtMatmul(a, b, out, bias *Storage, batch, m, n, k int, p MatmulParams) error {
	return errNoCuda()
}
