package gpu

import (
	"fmt"

	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
)

// Mat is a column-major matrix in device memory: element (i, j) lives at
// Ptr + (i + j*Ld)*sizeof(T).
type Mat[T blas.Scalar] struct {
	Ptr        device.Ptr
	Ld         int
	Rows, Cols int
}

// Sub returns the r x c block whose top-left element is (i, j).
func (m Mat[T]) Sub(i, j, r, c int) Mat[T] {
	if i < 0 || j < 0 || r < 0 || c < 0 || i+r > m.Rows || j+c > m.Cols {
		panic(fmt.Sprintf("gpu: sub-matrix (%d,%d)+%dx%d outside %dx%d", i, j, r, c, m.Rows, m.Cols))
	}
	return Mat[T]{Ptr: m.Ptr.Add((i + j*m.Ld) * device.SizeOf[T]()), Ld: m.Ld, Rows: r, Cols: c}
}

// Pitch is the column stride in bytes.
func (m Mat[T]) Pitch() int { return m.Ld * device.SizeOf[T]() }

func (m Mat[T]) empty() bool { return m.Rows == 0 || m.Cols == 0 }

// same reports whether m and o are the same storage.
func (m Mat[T]) same(o Mat[T]) bool { return m.Ptr == o.Ptr && m.Ld == o.Ld }

// AllocMat allocates a pitched rows x cols matrix. Empty matrices own no memory.
func AllocMat[T blas.Scalar](h *Handle, rows, cols int) (Mat[T], error) {
	if rows == 0 || cols == 0 {
		return Mat[T]{Ld: max(1, rows), Rows: rows, Cols: cols}, nil
	}
	size := device.SizeOf[T]()
	p, pitch, err := h.ctx.MemAllocPitch(rows*size, cols, size)
	if err != nil {
		return Mat[T]{}, Check(h.errs, "alloc", "MemAllocPitch", err)
	}
	return Mat[T]{Ptr: p, Ld: pitch / size, Rows: rows, Cols: cols}, nil
}

// FreeMat releases a matrix from AllocMat.
func FreeMat[T blas.Scalar](h *Handle, m Mat[T]) error {
	if m.Ptr == 0 {
		return nil
	}
	return Check(h.errs, "free", "MemFree", h.ctx.MemFree(m.Ptr))
}

// Upload enqueues a copy of the dst-sized leading block of src to dst.
func Upload[T blas.Scalar](h *Handle, s device.Stream, dst Mat[T], src blas.View[T]) error {
	if dst.empty() {
		return nil
	}
	size := device.SizeOf[T]()
	return Check(h.errs, "upload", "Memcpy2DAsync(HtoD)", s.Memcpy2DAsync(device.Copy2D{
		SrcType: device.HostMemory, SrcHost: device.Bytes(src.Data), SrcPitch: src.Ld * size,
		DstType: device.DeviceMemory, DstDevice: dst.Ptr, DstPitch: dst.Pitch(),
		WidthBytes: dst.Rows * size, Height: dst.Cols,
	}))
}

// Download enqueues a copy of src into the leading block of dst.
func Download[T blas.Scalar](h *Handle, s device.Stream, dst blas.View[T], src Mat[T]) error {
	if src.empty() {
		return nil
	}
	size := device.SizeOf[T]()
	return Check(h.errs, "download", "Memcpy2DAsync(DtoH)", s.Memcpy2DAsync(device.Copy2D{
		SrcType: device.DeviceMemory, SrcDevice: src.Ptr, SrcPitch: src.Pitch(),
		DstType: device.HostMemory, DstHost: device.Bytes(dst.Data), DstPitch: dst.Ld * size,
		WidthBytes: src.Rows * size, Height: src.Cols,
	}))
}

// CopyMat enqueues a device to device copy of src into dst.
func CopyMat[T blas.Scalar](h *Handle, s device.Stream, dst, src Mat[T]) error {
	if src.empty() {
		return nil
	}
	size := device.SizeOf[T]()
	return Check(h.errs, "copy", "Memcpy2DAsync(DtoD)", s.Memcpy2DAsync(device.Copy2D{
		SrcType: device.DeviceMemory, SrcDevice: src.Ptr, SrcPitch: src.Pitch(),
		DstType: device.DeviceMemory, DstDevice: dst.Ptr, DstPitch: dst.Pitch(),
		WidthBytes: src.Rows * size, Height: src.Cols,
	}))
}

// AllocHost returns a page-locked rows x cols host view with leading
// dimension ld, for staging asynchronous copies.
func AllocHost[T blas.Scalar](h *Handle, ld, rows, cols int) (blas.View[T], error) {
	b, err := h.ctx.MemAllocHost(max(1, ld*cols) * device.SizeOf[T]())
	if err != nil {
		return blas.View[T]{}, Check(h.errs, "alloc", "MemAllocHost", err)
	}
	return blas.View[T]{Data: device.Slice[T](b), Ld: ld, Rows: rows, Cols: cols}, nil
}

// FreeHost releases a view from AllocHost.
func FreeHost[T blas.Scalar](h *Handle, v blas.View[T]) error {
	return Check(h.errs, "free", "MemFreeHost", h.ctx.MemFreeHost(device.Bytes(v.Data)))
}
