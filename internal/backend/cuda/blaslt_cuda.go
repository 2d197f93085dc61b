//go:build cuda

package cuda

/*
#cgo LDFLAGS: -lcublasLt -lcudart
#include <cublasLt.h>
#include <cuda_runtime.h>
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/born-ml/fuse/internal/tensor"
)

func cudaErr(code C.cudaError_t, op string) error {
	if code == C.cudaSuccess {
		return nil
	}
	return tensor.WrapBackendFailure(nil, "%s: %s", op, C.GoString(C.cudaGetErrorString(code)))
}

func blasErr(code C.cublasStatus_t, op string) error {
	if code == C.CUBLAS_STATUS_SUCCESS {
		return nil
	}
	return tensor.WrapBackendFailure(nil, "%s: cublas status %d", op, int(code))
}

// New initializes device ordinal and creates a cuBLASLt handle on it.
func New(ordinal int) (*Device, error) {
	if err := cudaErr(C.cudaSetDevice(C.int(ordinal)), "cudaSetDevice"); err != nil {
		return nil, err
	}
	var handle C.cublasLtHandle_t
	if err := blasErr(C.cublasLtCreate(&handle), "cublasLtCreate"); err != nil {
		return nil, err
	}
	return &Device{ordinal: ordinal, handle: uintptr(unsafe.Pointer(handle))}, nil
}

// Close destroys the cuBLASLt handle.
func (d *Device) Close() {
	if d.handle != 0 {
		C.cublasLtDestroy(C.cublasLtHandle_t(unsafe.Pointer(d.handle)))
		d.handle = 0
	}
}

// Alloc reserves a zeroed device allocation.
func (d *Device) Alloc(dtype tensor.DataType, elems int) (*Storage, error) {
	var ptr unsafe.Pointer
	size := C.size_t(elems * dtype.Size())
	if err := cudaErr(C.cudaMalloc(&ptr, size), "cudaMalloc"); err != nil {
		return nil, err
	}
	if err := cudaErr(C.cudaMemset(ptr, 0, size), "cudaMemset"); err != nil {
		C.cudaFree(ptr)
		return nil, err
	}
	return &Storage{dev: d, ptr: uintptr(ptr), elems: elems, dtype: dtype}, nil
}

// FromFloat32 converts vals to dtype on the host and uploads them.
func (d *Device) FromFloat32(dtype tensor.DataType, vals []float32) (*Storage, error) {
	var host []byte
	switch dtype {
	case tensor.F32:
		host = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(vals))), len(vals)*4)
	case tensor.F16:
		bits := make([]uint16, len(vals))
		for i, v := range vals {
			bits[i] = float16.Fromfloat32(v).Bits()
		}
		host = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(bits))), len(bits)*2)
	case tensor.BF16:
		bits := make([]uint16, len(vals))
		for i, v := range vals {
			bits[i] = uint16(bfloat16.FromFloat32(v))
		}
		host = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(bits))), len(bits)*2)
	default:
		return nil, tensor.DTypeErrf("cuda upload: %s", dtype)
	}

	s, err := d.Alloc(dtype, len(vals))
	if err != nil {
		return nil, err
	}
	err = cudaErr(C.cudaMemcpy(unsafe.Pointer(s.ptr), unsafe.Pointer(unsafe.SliceData(host)),
		C.size_t(len(host)), C.cudaMemcpyHostToDevice), "cudaMemcpy H2D")
	if err != nil {
		s.Free()
		return nil, err
	}
	return s, nil
}

// ToFloat32 downloads the allocation and widens it to float32.
func (s *Storage) ToFloat32() ([]float32, error) {
	host := make([]byte, s.elems*s.dtype.Size())
	err := cudaErr(C.cudaMemcpy(unsafe.Pointer(unsafe.SliceData(host)), unsafe.Pointer(s.ptr),
		C.size_t(len(host)), C.cudaMemcpyDeviceToHost), "cudaMemcpy D2H")
	if err != nil {
		return nil, err
	}
	out := make([]float32, s.elems)
	switch s.dtype {
	case tensor.F32:
		copy(out, unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(host))), s.elems))
	case tensor.F16:
		bits := unsafe.Slice((*uint16)(unsafe.Pointer(unsafe.SliceData(host))), s.elems)
		for i, b := range bits {
			out[i] = float16.Frombits(b).Float32()
		}
	case tensor.BF16:
		bits := unsafe.Slice((*uint16)(unsafe.Pointer(unsafe.SliceData(host))), s.elems)
		for i, b := range bits {
			out[i] = bfloat16.ToFloat32(bfloat16.BF16(b))
		}
	default:
		return nil, tensor.DTypeErrf("cuda download: %s", s.dtype)
	}
	return out, nil
}

// Free releases the device allocation.
func (s *Storage) Free() {
	if s.ptr != 0 {
		C.cudaFree(unsafe.Pointer(s.ptr))
		s.ptr = 0
	}
}

func cudaDType(dt tensor.DataType) C.cudaDataType {
	switch dt {
	case tensor.F16:
		return C.CUDA_R_16F
	case tensor.BF16:
		return C.CUDA_R_16BF
	default:
		return C.CUDA_R_32F
	}
}

// blasLtMatmul runs out = alpha*op(A)*op(B) + beta*out as a strided
// batched GEMM. The row-major (batch, m, k) x (batch, n, k) product is
// expressed to the column-major API as A^T (k-major) times B, giving a
// column-major (m, n) result per batch, i.e. row-major (n, m).
func (d *Device) blasLtMatmul(a, b, out, bias *Storage, batch, m, n, k int, p MatmulParams) error {
	handle := C.cublasLtHandle_t(unsafe.Pointer(d.handle))
	dt := cudaDType(a.dtype)

	var desc C.cublasLtMatmulDesc_t
	computeType := C.cublasComputeType_t(C.CUBLAS_COMPUTE_32F)
	if err := blasErr(C.cublasLtMatmulDescCreate(&desc, computeType, C.CUDA_R_32F), "cublasLtMatmulDescCreate"); err != nil {
		return err
	}
	defer C.cublasLtMatmulDescDestroy(desc)

	opT := C.cublasOperation_t(C.CUBLAS_OP_T)
	opN := C.cublasOperation_t(C.CUBLAS_OP_N)
	C.cublasLtMatmulDescSetAttribute(desc, C.CUBLASLT_MATMUL_DESC_TRANSA,
		unsafe.Pointer(&opT), C.size_t(unsafe.Sizeof(opT)))
	C.cublasLtMatmulDescSetAttribute(desc, C.CUBLASLT_MATMUL_DESC_TRANSB,
		unsafe.Pointer(&opN), C.size_t(unsafe.Sizeof(opN)))

	epilogue := C.cublasLtEpilogue_t(C.CUBLASLT_EPILOGUE_DEFAULT)
	switch {
	case bias != nil && p.Act == ActivationRelu:
		epilogue = C.CUBLASLT_EPILOGUE_RELU_BIAS
	case bias != nil && p.Act == ActivationGelu:
		epilogue = C.CUBLASLT_EPILOGUE_GELU_BIAS
	case bias != nil:
		epilogue = C.CUBLASLT_EPILOGUE_BIAS
	case p.Act == ActivationRelu:
		epilogue = C.CUBLASLT_EPILOGUE_RELU
	case p.Act == ActivationGelu:
		epilogue = C.CUBLASLT_EPILOGUE_GELU
	}
	C.cublasLtMatmulDescSetAttribute(desc, C.CUBLASLT_MATMUL_DESC_EPILOGUE,
		unsafe.Pointer(&epilogue), C.size_t(unsafe.Sizeof(epilogue)))
	if bias != nil {
		biasPtr := unsafe.Pointer(bias.ptr)
		C.cublasLtMatmulDescSetAttribute(desc, C.CUBLASLT_MATMUL_DESC_BIAS_POINTER,
			unsafe.Pointer(&biasPtr), C.size_t(unsafe.Sizeof(biasPtr)))
	}

	makeLayout := func(rows, cols, ld, stride int) (C.cublasLtMatrixLayout_t, error) {
		var layout C.cublasLtMatrixLayout_t
		if err := blasErr(C.cublasLtMatrixLayoutCreate(&layout, dt,
			C.uint64_t(rows), C.uint64_t(cols), C.int64_t(ld)), "cublasLtMatrixLayoutCreate"); err != nil {
			return nil, err
		}
		count := C.int32_t(batch)
		C.cublasLtMatrixLayoutSetAttribute(layout, C.CUBLASLT_MATRIX_LAYOUT_BATCH_COUNT,
			unsafe.Pointer(&count), C.size_t(unsafe.Sizeof(count)))
		str := C.int64_t(stride)
		C.cublasLtMatrixLayoutSetAttribute(layout, C.CUBLASLT_MATRIX_LAYOUT_STRIDED_BATCH_OFFSET,
			unsafe.Pointer(&str), C.size_t(unsafe.Sizeof(str)))
		return layout, nil
	}

	layoutA, err := makeLayout(k, m, k, m*k)
	if err != nil {
		return err
	}
	defer C.cublasLtMatrixLayoutDestroy(layoutA)
	layoutB, err := makeLayout(k, n, k, n*k)
	if err != nil {
		return err
	}
	defer C.cublasLtMatrixLayoutDestroy(layoutB)
	layoutC, err := makeLayout(m, n, m, m*n)
	if err != nil {
		return err
	}
	defer C.cublasLtMatrixLayoutDestroy(layoutC)

	var pref C.cublasLtMatmulPreference_t
	if err := blasErr(C.cublasLtMatmulPreferenceCreate(&pref), "cublasLtMatmulPreferenceCreate"); err != nil {
		return err
	}
	defer C.cublasLtMatmulPreferenceDestroy(pref)

	var heuristic C.cublasLtMatmulHeuristicResult_t
	var found C.int
	if err := blasErr(C.cublasLtMatmulAlgoGetHeuristic(handle, desc,
		layoutA, layoutB, layoutC, layoutC, pref, 1, &heuristic, &found), "cublasLtMatmulAlgoGetHeuristic"); err != nil {
		return err
	}
	if found == 0 {
		return tensor.WrapBackendFailure(nil, "no cublasLt algorithm for (%d, %d, %d, %d)", batch, m, n, k)
	}

	alpha := C.float(p.Alpha)
	beta := C.float(p.Beta)
	if err := blasErr(C.cublasLtMatmul(handle, desc,
		unsafe.Pointer(&alpha),
		unsafe.Pointer(a.ptr), layoutA,
		unsafe.Pointer(b.ptr), layoutB,
		unsafe.Pointer(&beta),
		unsafe.Pointer(out.ptr), layoutC,
		unsafe.Pointer(out.ptr), layoutC,
		&heuristic.algo, nil, 0, nil), "cublasLtMatmul"); err != nil {
		return err
	}
	// The GEMM is left in flight on the default stream; readback and
	// Synchronize are the ordering points.
	return nil
}

// Synchronize blocks until all queued device work has completed.
func (d *Device) Synchronize() error {
	return cudaErr(C.cudaDeviceSynchronize(), "cudaDeviceSynchronize")
}
