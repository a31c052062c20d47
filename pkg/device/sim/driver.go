// Package sim is a device driver that executes on the host. Every stream is
// a goroutine draining its work queue in order, kernels are Go functions run
// once per grid block across a bounded set of goroutines, and device memory
// is ordinary byte slices addressed through tagged pointers. It exists so the
// GPU code paths can run and be tested on machines without a GPU.
package sim

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/cpu"

	"github.com/samcharles93/culapack/pkg/device"
)

// Program is the content of a module image: kernels by entry-point name.
type Program map[string]Kernel

// Config describes the simulated machine.
type Config struct {
	// Devices is the number of devices; 0 means 1.
	Devices int
	// Images maps image names to the programs LoadModule resolves them to.
	Images map[string]Program
	// MemoryLimit caps device allocations per context in bytes; 0 is unlimited.
	MemoryLimit int
	// Workers bounds the goroutines executing one launch; 0 means GOMAXPROCS.
	Workers int
	// Fault, when set, is consulted at the start of every driver call. A
	// non-nil result fails the call with that error.
	Fault func(call string, ordinal int) error
}

// Driver implements device.Driver.
type Driver struct {
	cfg Config
}

var _ device.Driver = (*Driver)(nil)

// New returns a simulated driver.
func New(cfg Config) *Driver {
	if cfg.Devices <= 0 {
		cfg.Devices = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = max(1, runtime.GOMAXPROCS(0))
	}
	return &Driver{cfg: cfg}
}

func (d *Driver) Name() string { return "sim" }

func (d *Driver) DeviceCount() (int, error) {
	if err := d.fault("DeviceCount", -1); err != nil {
		return 0, err
	}
	return d.cfg.Devices, nil
}

func (d *Driver) DeviceName(ordinal int) (string, error) {
	if ordinal < 0 || ordinal >= d.cfg.Devices {
		return "", device.ErrInvalidDevice
	}
	return fmt.Sprintf("Simulated Device %d (%s, %d workers%s)", ordinal, runtime.GOARCH, d.cfg.Workers, hostFeatures()), nil
}

func (d *Driver) CreateContext(ordinal int) (device.Context, error) {
	if ordinal < 0 || ordinal >= d.cfg.Devices {
		return nil, device.ErrInvalidDevice
	}
	if err := d.fault("CreateContext", ordinal); err != nil {
		return nil, err
	}
	return newContext(d, ordinal), nil
}

func (d *Driver) fault(call string, ordinal int) error {
	if d.cfg.Fault == nil {
		return nil
	}
	return d.cfg.Fault(call, ordinal)
}

func hostFeatures() string {
	var s string
	switch {
	case cpu.X86.HasAVX512F:
		s = ", avx512"
	case cpu.X86.HasAVX2:
		s = ", avx2"
	case cpu.ARM64.HasASIMD:
		s = ", neon"
	}
	if cpu.X86.HasFMA {
		s += "+fma"
	}
	return s
}
