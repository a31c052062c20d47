//go:build linux

// Package cudadrv implements device.Driver on the CUDA driver API. libcuda is
// opened at run time, so binaries build without cgo and fail with an error
// rather than at link time on machines without the NVIDIA driver.
package cudadrv

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/samcharles93/culapack/pkg/device"
)

// Driver implements device.Driver.
type Driver struct{}

var _ device.Driver = (*Driver)(nil)

// Open loads libcuda and initializes the driver API.
func Open() (*Driver, error) {
	if err := load(); err != nil {
		return nil, err
	}
	return &Driver{}, nil
}

func (d *Driver) Name() string { return "cuda" }

func (d *Driver) DeviceCount() (int, error) {
	var n int32
	if err := cuDeviceGetCount(&n).err(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func (d *Driver) DeviceName(ordinal int) (string, error) {
	var dev int32
	if err := cuDeviceGet(&dev, int32(ordinal)).err(); err != nil {
		return "", err
	}
	buf := make([]byte, deviceNameMaxLength)
	if err := cuDeviceGetName(&buf[0], int32(len(buf)), dev).err(); err != nil {
		return "", err
	}
	return goString(buf), nil
}

func (d *Driver) CreateContext(ordinal int) (device.Context, error) {
	var dev int32
	if err := cuDeviceGet(&dev, int32(ordinal)).err(); err != nil {
		return nil, err
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var ctx uintptr
	if err := cuCtxCreate(&ctx, 0, dev).err(); err != nil {
		return nil, err
	}
	return &Context{ordinal: ordinal, ctx: ctx, host: make(map[unsafe.Pointer]int)}, nil
}

// Context is a CUDA context. A context is current per OS thread, so every
// call pins the goroutine and makes the context current first.
type Context struct {
	ordinal int
	ctx     uintptr

	mu   sync.Mutex
	host map[unsafe.Pointer]int
}

var _ device.Context = (*Context)(nil)

func (c *Context) Ordinal() int { return c.ordinal }

func (c *Context) do(f func() cuResult) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := cuCtxSetCurrent(c.ctx).err(); err != nil {
		return err
	}
	return f().err()
}

func (c *Context) MemAlloc(bytes int) (device.Ptr, error) {
	var p uint64
	err := c.do(func() cuResult { return cuMemAlloc(&p, uintptr(bytes)) })
	return device.Ptr(p), err
}

func (c *Context) MemAllocPitch(widthBytes, height, elemSize int) (device.Ptr, int, error) {
	var (
		p     uint64
		pitch uintptr
	)
	// The driver only accepts element sizes of 4, 8 and 16.
	es := uint32(min(16, max(4, elemSize)))
	err := c.do(func() cuResult {
		return cuMemAllocPitch(&p, &pitch, uintptr(widthBytes), uintptr(height), es)
	})
	if err != nil {
		return 0, 0, err
	}
	if int(pitch)%elemSize != 0 {
		_ = c.MemFree(device.Ptr(p))
		return 0, 0, fmt.Errorf("cudadrv: pitch %d is not a multiple of %d: %w", pitch, elemSize, device.ErrInvalidValue)
	}
	return device.Ptr(p), int(pitch), nil
}

func (c *Context) MemFree(p device.Ptr) error {
	return c.do(func() cuResult { return cuMemFree(uint64(p)) })
}

func (c *Context) MemAllocHost(bytes int) ([]byte, error) {
	var p unsafe.Pointer
	if err := c.do(func() cuResult { return cuMemAllocHost(&p, uintptr(bytes)) }); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.host[p] = bytes
	c.mu.Unlock()
	return unsafe.Slice((*byte)(p), bytes), nil
}

func (c *Context) MemFreeHost(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	p := unsafe.Pointer(unsafe.SliceData(b))
	c.mu.Lock()
	_, ok := c.host[p]
	delete(c.host, p)
	c.mu.Unlock()
	if !ok {
		return device.ErrInvalidValue
	}
	return c.do(func() cuResult { return cuMemFreeHost(p) })
}

func (c *Context) LoadModule(img device.Image) (device.Module, error) {
	var mod uintptr
	var err error
	switch {
	case len(img.Data) > 0:
		data := img.Data
		if data[len(data)-1] != 0 {
			data = append(data[:len(data):len(data)], 0)
		}
		err = c.do(func() cuResult { return cuModuleLoadData(&mod, unsafe.Pointer(&data[0])) })
		runtime.KeepAlive(data)
	case img.Path != "":
		path := cString(img.Path)
		err = c.do(func() cuResult { return cuModuleLoad(&mod, &path[0]) })
	default:
		return nil, fmt.Errorf("cudadrv: image %s has neither data nor path: %w", img.Name, device.ErrFileNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &Module{c: c, mod: mod}, nil
}

func (c *Context) CreateStream() (device.Stream, error) {
	var s uintptr
	if err := c.do(func() cuResult { return cuStreamCreate(&s, streamNonBlocking) }); err != nil {
		return nil, err
	}
	return &Stream{c: c, s: s}, nil
}

func (c *Context) CreateEvent() (device.Event, error) {
	var e uintptr
	if err := c.do(func() cuResult { return cuEventCreate(&e, eventDisableTiming) }); err != nil {
		return nil, err
	}
	return &Event{c: c, e: e}, nil
}

func (c *Context) Synchronize() error {
	return c.do(func() cuResult { return cuCtxSynchronize() })
}

// Destroy releases the context and everything allocated in it.
func (c *Context) Destroy() error {
	if c.ctx == 0 {
		return nil
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	err := cuCtxDestroy(c.ctx).err()
	c.ctx = 0
	return err
}

// Module is a loaded CUDA module.
type Module struct {
	c   *Context
	mod uintptr
}

func (m *Module) Function(name string) (device.Function, error) {
	var fn uintptr
	cname := cString(name)
	if err := m.c.do(func() cuResult { return cuModuleGetFunction(&fn, m.mod, &cname[0]) }); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &Function{name: name, fn: fn}, nil
}

func (m *Module) Unload() error {
	return m.c.do(func() cuResult { return cuModuleUnload(m.mod) })
}

// Function is a resolved kernel.
type Function struct {
	name string
	fn   uintptr
}

func (f *Function) Name() string { return f.name }

// Stream is a non-blocking CUDA stream.
type Stream struct {
	c *Context
	s uintptr
}

func (s *Stream) Memcpy2DAsync(cp device.Copy2D) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	if cp.WidthBytes == 0 || cp.Height == 0 {
		return nil
	}
	p := memcpy2D{
		srcPitch:     uintptr(cp.SrcPitch),
		dstPitch:     uintptr(cp.DstPitch),
		widthInBytes: uintptr(cp.WidthBytes),
		height:       uintptr(cp.Height),
	}
	if cp.SrcType == device.HostMemory {
		p.srcMemoryType, p.srcHost = memoryTypeHost, unsafe.Pointer(unsafe.SliceData(cp.SrcHost))
	} else {
		p.srcMemoryType, p.srcDevice = memoryTypeDevice, uint64(cp.SrcDevice)
	}
	if cp.DstType == device.HostMemory {
		p.dstMemoryType, p.dstHost = memoryTypeHost, unsafe.Pointer(unsafe.SliceData(cp.DstHost))
	} else {
		p.dstMemoryType, p.dstDevice = memoryTypeDevice, uint64(cp.DstDevice)
	}
	err := s.c.do(func() cuResult { return cuMemcpy2DAsync(&p, s.s) })
	runtime.KeepAlive(cp)
	return err
}

// Launch enqueues fn. Arguments are passed by value: int as a 32-bit
// integer, device.Ptr as a 64-bit address, and floating point and complex
// values unchanged.
func (s *Stream) Launch(fn device.Function, grid, block device.Dim3, args ...any) error {
	f, ok := fn.(*Function)
	if !ok {
		return device.ErrInvalidHandle
	}
	params := make([]unsafe.Pointer, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case int:
			x := int32(v)
			params[i] = unsafe.Pointer(&x)
		case int32:
			params[i] = unsafe.Pointer(&v)
		case device.Ptr:
			x := uint64(v)
			params[i] = unsafe.Pointer(&x)
		case float32:
			params[i] = unsafe.Pointer(&v)
		case float64:
			params[i] = unsafe.Pointer(&v)
		case complex64:
			params[i] = unsafe.Pointer(&v)
		case complex128:
			params[i] = unsafe.Pointer(&v)
		default:
			return fmt.Errorf("cudadrv: %s argument %d has unsupported type %T: %w", f.name, i, a, device.ErrInvalidValue)
		}
	}
	var pp unsafe.Pointer
	if len(params) > 0 {
		pp = unsafe.Pointer(&params[0])
	}
	err := s.c.do(func() cuResult {
		return cuLaunchKernel(f.fn,
			uint32(grid.X), uint32(max(1, grid.Y)), uint32(max(1, grid.Z)),
			uint32(block.X), uint32(max(1, block.Y)), uint32(max(1, block.Z)),
			0, s.s, pp, nil)
	})
	runtime.KeepAlive(params)
	return err
}

func (s *Stream) Record(e device.Event) error {
	ev, ok := e.(*Event)
	if !ok {
		return device.ErrInvalidHandle
	}
	return s.c.do(func() cuResult { return cuEventRecord(ev.e, s.s) })
}

func (s *Stream) Wait(e device.Event) error {
	ev, ok := e.(*Event)
	if !ok {
		return device.ErrInvalidHandle
	}
	return s.c.do(func() cuResult { return cuStreamWaitEvent(s.s, ev.e, 0) })
}

func (s *Stream) Synchronize() error {
	return s.c.do(func() cuResult { return cuStreamSynchronize(s.s) })
}

func (s *Stream) Destroy() error {
	return s.c.do(func() cuResult { return cuStreamDestroy(s.s) })
}

// Event is a CUDA event without timing.
type Event struct {
	c *Context
	e uintptr
}

func (e *Event) Synchronize() error {
	return e.c.do(func() cuResult { return cuEventSynchronize(e.e) })
}

func (e *Event) Destroy() error {
	return e.c.do(func() cuResult { return cuEventDestroy(e.e) })
}
