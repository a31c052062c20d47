package sim

import (
	"fmt"
	"sync/atomic"

	"github.com/samcharles93/culapack/pkg/device"
)

// Kernel is the body of a device function, run once for every block of the
// launch grid. Blocks of one launch run concurrently and must write disjoint
// memory. Panics and errors fail the launch.
type Kernel func(l *Launch, block device.Dim3) error

// Module implements device.Module.
type Module struct {
	ctx      *Context
	name     string
	prog     Program
	unloaded atomic.Bool
}

var _ device.Module = (*Module)(nil)

func (m *Module) Function(name string) (device.Function, error) {
	if m.unloaded.Load() {
		return nil, device.ErrInvalidHandle
	}
	k, ok := m.prog[name]
	if !ok {
		return nil, fmt.Errorf("sim: %s has no function %q: %w", m.name, name, device.ErrNotFound)
	}
	return &Function{mod: m, name: name, kernel: k}, nil
}

func (m *Module) Unload() error {
	if !m.unloaded.CompareAndSwap(false, true) {
		return device.ErrInvalidHandle
	}
	return nil
}

// Function implements device.Function.
type Function struct {
	mod    *Module
	name   string
	kernel Kernel
}

func (f *Function) Name() string { return f.name }

// Launch is what a kernel sees: the launch geometry, the arguments in the
// order they were passed, and access to the context's memory.
type Launch struct {
	Grid, Block device.Dim3
	Args        []any
	ctx         *Context
}

// Arg returns argument i as T, panicking on a type mismatch like a kernel
// reading garbage would fault.
func Arg[T any](l *Launch, i int) T {
	v, ok := l.Args[i].(T)
	if !ok {
		var zero T
		panic(fmt.Sprintf("argument %d is %T, kernel expects %T", i, l.Args[i], zero))
	}
	return v
}

// Memory returns n elements of T at p. Out-of-bounds or foreign pointers panic.
func Memory[T any](l *Launch, p device.Ptr, n int) []T {
	if n == 0 {
		return nil
	}
	b, err := l.ctx.resolve(p, n*device.SizeOf[T]())
	if err != nil {
		panic(err)
	}
	return device.Slice[T](b)
}

// copy2D performs a pitched copy between any combination of host and device memory.
func (c *Context) copy2D(cp device.Copy2D) error {
	if cp.WidthBytes == 0 || cp.Height == 0 {
		return nil
	}
	span := func(pitch int) int { return (cp.Height-1)*pitch + cp.WidthBytes }
	src, dst := cp.SrcHost, cp.DstHost
	var err error
	if cp.SrcType == device.DeviceMemory {
		if src, err = c.resolve(cp.SrcDevice, span(cp.SrcPitch)); err != nil {
			return err
		}
	}
	if cp.DstType == device.DeviceMemory {
		if dst, err = c.resolve(cp.DstDevice, span(cp.DstPitch)); err != nil {
			return err
		}
	}
	for r := 0; r < cp.Height; r++ {
		copy(dst[r*cp.DstPitch:r*cp.DstPitch+cp.WidthBytes], src[r*cp.SrcPitch:r*cp.SrcPitch+cp.WidthBytes])
	}
	bytes := int64(cp.WidthBytes * cp.Height)
	switch cp.Kind() {
	case "HtoD":
		c.stats.copiesHtoD.Add(1)
		c.stats.bytesHtoD.Add(bytes)
	case "DtoH":
		c.stats.copiesDtoH.Add(1)
		c.stats.bytesDtoH.Add(bytes)
	case "DtoD":
		c.stats.copiesDtoD.Add(1)
	}
	return nil
}
