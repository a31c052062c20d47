package device

import (
	"errors"
	"unsafe"
)

// MemoryType is the side of a copy.
type MemoryType int

const (
	HostMemory MemoryType = iota
	DeviceMemory
)

func (m MemoryType) String() string {
	if m == HostMemory {
		return "host"
	}
	return "device"
}

// Copy2D describes a pitched copy of Height rows of WidthBytes bytes. For
// column-major matrices a "row" of the copy is a column of the matrix.
type Copy2D struct {
	SrcType   MemoryType
	SrcHost   []byte
	SrcDevice Ptr
	SrcPitch  int

	DstType   MemoryType
	DstHost   []byte
	DstDevice Ptr
	DstPitch  int

	WidthBytes int
	Height     int
}

// Kind names the direction, as in HtoD or DtoH.
func (c Copy2D) Kind() string {
	k := "H"
	if c.SrcType == DeviceMemory {
		k = "D"
	}
	if c.DstType == DeviceMemory {
		return k + "toD"
	}
	return k + "toH"
}

var errBadCopy = errors.New("device: invalid 2D copy")

// Validate checks pitches and, for host sides, that the slice covers the copy.
func (c Copy2D) Validate() error {
	if c.WidthBytes < 0 || c.Height < 0 {
		return errBadCopy
	}
	if c.WidthBytes == 0 || c.Height == 0 {
		return nil
	}
	if c.SrcPitch < c.WidthBytes || c.DstPitch < c.WidthBytes {
		return errBadCopy
	}
	need := func(pitch int) int { return (c.Height-1)*pitch + c.WidthBytes }
	if c.SrcType == HostMemory && len(c.SrcHost) < need(c.SrcPitch) {
		return errBadCopy
	}
	if c.DstType == HostMemory && len(c.DstHost) < need(c.DstPitch) {
		return errBadCopy
	}
	return nil
}

// SizeOf returns the size of T in bytes.
func SizeOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// Bytes reinterprets s as raw bytes without copying.
func Bytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*SizeOf[T]())
}

// Slice reinterprets b as elements of T without copying. b must be suitably
// aligned for T, which page-locked and device allocations always are.
func Slice[T any](b []byte) []T {
	n := len(b) / SizeOf[T]()
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n)
}
