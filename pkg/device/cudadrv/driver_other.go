//go:build !linux

// Package cudadrv implements device.Driver on the CUDA driver API.
package cudadrv

import (
	"fmt"
	"runtime"

	"github.com/samcharles93/culapack/pkg/device"
)

// Driver implements device.Driver.
type Driver struct{}

// Open reports that the CUDA driver is not supported on this platform.
func Open() (*Driver, error) {
	return nil, fmt.Errorf("cudadrv: not supported on %s: %w", runtime.GOOS, device.ErrNotInitialized)
}

func (d *Driver) Name() string { return "cuda" }
func (d *Driver) DeviceCount() (int, error) { return 0, device.ErrNotInitialized }
func (d *Driver) DeviceName(int) (string, error) { return "", device.ErrNotInitialized }
func (d *Driver) CreateContext(int) (device.Context, error) { return nil, device.ErrNotInitialized }
