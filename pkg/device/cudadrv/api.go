//go:build linux

package cudadrv

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/samcharles93/culapack/pkg/device"
)

type cuResult int32

const cuSuccess cuResult = 0

// err converts a driver status into the shared device.Result codes, which
// use the same numbering.
func (r cuResult) err() error {
	if r == cuSuccess {
		return nil
	}
	return device.Result(r)
}

const (
	streamNonBlocking   = 0x1
	eventDisableTiming  = 0x2
	memoryTypeHost      = 1
	memoryTypeDevice    = 2
	deviceNameMaxLength = 256
)

// memcpy2D mirrors CUDA_MEMCPY2D.
type memcpy2D struct {
	srcXInBytes   uintptr
	srcY          uintptr
	srcMemoryType uint32
	srcHost       unsafe.Pointer
	srcDevice     uint64
	srcArray      uintptr
	srcPitch      uintptr

	dstXInBytes   uintptr
	dstY          uintptr
	dstMemoryType uint32
	dstHost       unsafe.Pointer
	dstDevice     uint64
	dstArray      uintptr
	dstPitch      uintptr

	widthInBytes uintptr
	height       uintptr
}

var (
	loadOnce sync.Once
	loadErr  error

	cuInit           func(flags uint32) cuResult
	cuDeviceGetCount func(count *int32) cuResult
	cuDeviceGet      func(dev *int32, ordinal int32) cuResult
	cuDeviceGetName  func(name *byte, n int32, dev int32) cuResult

	cuCtxCreate      func(ctx *uintptr, flags uint32, dev int32) cuResult
	cuCtxSetCurrent  func(ctx uintptr) cuResult
	cuCtxSynchronize func() cuResult
	cuCtxDestroy     func(ctx uintptr) cuResult

	cuMemAlloc      func(p *uint64, bytes uintptr) cuResult
	cuMemAllocPitch func(p *uint64, pitch *uintptr, width, height uintptr, elemSize uint32) cuResult
	cuMemFree       func(p uint64) cuResult
	cuMemAllocHost  func(p *unsafe.Pointer, bytes uintptr) cuResult
	cuMemFreeHost   func(p unsafe.Pointer) cuResult
	cuMemcpy2DAsync func(c *memcpy2D, stream uintptr) cuResult

	cuModuleLoad        func(mod *uintptr, path *byte) cuResult
	cuModuleLoadData    func(mod *uintptr, image unsafe.Pointer) cuResult
	cuModuleGetFunction func(fn *uintptr, mod uintptr, name *byte) cuResult
	cuModuleUnload      func(mod uintptr) cuResult
	cuLaunchKernel      func(fn uintptr, gx, gy, gz, bx, by, bz, shared uint32, stream uintptr, params, extra unsafe.Pointer) cuResult

	cuStreamCreate      func(s *uintptr, flags uint32) cuResult
	cuStreamWaitEvent   func(s, e uintptr, flags uint32) cuResult
	cuStreamSynchronize func(s uintptr) cuResult
	cuStreamDestroy     func(s uintptr) cuResult

	cuEventCreate      func(e *uintptr, flags uint32) cuResult
	cuEventRecord      func(e, s uintptr) cuResult
	cuEventSynchronize func(e uintptr) cuResult
	cuEventDestroy     func(e uintptr) cuResult
)

// load opens libcuda and resolves the entry points once per process.
func load() error {
	loadOnce.Do(func() {
		lib, err := purego.Dlopen("libcuda.so.1", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if err != nil {
			lib, err = purego.Dlopen("libcuda.so", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		}
		if err != nil {
			loadErr = fmt.Errorf("cudadrv: load libcuda: %w", err)
			return
		}
		for _, fn := range []struct {
			ptr  any
			name string
		}{
			{&cuInit, "cuInit"},
			{&cuDeviceGetCount, "cuDeviceGetCount"},
			{&cuDeviceGet, "cuDeviceGet"},
			{&cuDeviceGetName, "cuDeviceGetName"},
			{&cuCtxCreate, "cuCtxCreate_v2"},
			{&cuCtxSetCurrent, "cuCtxSetCurrent"},
			{&cuCtxSynchronize, "cuCtxSynchronize"},
			{&cuCtxDestroy, "cuCtxDestroy_v2"},
			{&cuMemAlloc, "cuMemAlloc_v2"},
			{&cuMemAllocPitch, "cuMemAllocPitch_v2"},
			{&cuMemFree, "cuMemFree_v2"},
			{&cuMemAllocHost, "cuMemAllocHost_v2"},
			{&cuMemFreeHost, "cuMemFreeHost"},
			{&cuMemcpy2DAsync, "cuMemcpy2DAsync_v2"},
			{&cuModuleLoad, "cuModuleLoad"},
			{&cuModuleLoadData, "cuModuleLoadData"},
			{&cuModuleGetFunction, "cuModuleGetFunction"},
			{&cuModuleUnload, "cuModuleUnload"},
			{&cuLaunchKernel, "cuLaunchKernel"},
			{&cuStreamCreate, "cuStreamCreate"},
			{&cuStreamWaitEvent, "cuStreamWaitEvent"},
			{&cuStreamSynchronize, "cuStreamSynchronize"},
			{&cuStreamDestroy, "cuStreamDestroy_v2"},
			{&cuEventCreate, "cuEventCreate"},
			{&cuEventRecord, "cuEventRecord"},
			{&cuEventSynchronize, "cuEventSynchronize"},
			{&cuEventDestroy, "cuEventDestroy_v2"},
		} {
			sym, err := purego.Dlsym(lib, fn.name)
			if err != nil {
				loadErr = fmt.Errorf("cudadrv: resolve %s: %w", fn.name, err)
				return
			}
			purego.RegisterFunc(fn.ptr, sym)
		}
		loadErr = cuInit(0).err()
	})
	return loadErr
}

// cString returns s as a NUL-terminated byte slice.
func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

func goString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
