// Package device is the contract between the kernel library and a GPU
// driver: contexts, pitched and page-locked memory, streams, events, module
// loading and kernel launches. The library never assumes anything beyond
// these calls, so the simulated driver and the CUDA driver adapter are
// interchangeable.
package device

import "fmt"

// Ptr is a device address. Arithmetic is in bytes.
type Ptr uint64

// Add offsets p by n bytes.
func (p Ptr) Add(n int) Ptr { return p + Ptr(n) }

func (p Ptr) String() string { return fmt.Sprintf("0x%x", uint64(p)) }

// Dim3 is a launch extent.
type Dim3 struct {
	X, Y, Z int
}

// Count returns X*Y*Z.
func (d Dim3) Count() int { return d.X * d.Y * d.Z }

// Image is a compiled kernel image, identified by name. Data holds the
// image bytes when the driver loads from memory; Path is used otherwise.
type Image struct {
	Name string
	Path string
	Data []byte
}

// Driver enumerates devices and creates contexts on them.
type Driver interface {
	Name() string
	DeviceCount() (int, error)
	DeviceName(ordinal int) (string, error)
	CreateContext(ordinal int) (Context, error)
}

// Context owns every resource created on one device. Destroy releases all of them.
type Context interface {
	Ordinal() int

	MemAlloc(bytes int) (Ptr, error)
	// MemAllocPitch allocates height rows of widthBytes each and returns the
	// row pitch in bytes, a multiple of elemSize.
	MemAllocPitch(widthBytes, height, elemSize int) (Ptr, int, error)
	MemFree(p Ptr) error
	// MemAllocHost returns page-locked host memory usable by asynchronous copies.
	MemAllocHost(bytes int) ([]byte, error)
	MemFreeHost(b []byte) error

	LoadModule(img Image) (Module, error)
	CreateStream() (Stream, error)
	CreateEvent() (Event, error)

	Synchronize() error
	Destroy() error
}

// Module is a loaded kernel image.
type Module interface {
	Function(name string) (Function, error)
	Unload() error
}

// Function is a kernel entry point resolved from a module.
type Function interface {
	Name() string
}

// Stream executes enqueued work in order, asynchronously to the host.
// Errors from work that already ran are reported by later calls, at the
// latest by Synchronize.
type Stream interface {
	Memcpy2DAsync(c Copy2D) error
	Launch(fn Function, grid, block Dim3, args ...any) error
	// Record marks the point in the stream that e will wait for.
	Record(e Event) error
	// Wait delays all later work on the stream until e's recorded point completes.
	Wait(e Event) error
	Synchronize() error
	Destroy() error
}

// Event is a marker in a stream.
type Event interface {
	Synchronize() error
	Destroy() error
}
