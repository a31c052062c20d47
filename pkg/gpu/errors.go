package gpu

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
)

// DeviceError is a failed device call, with the routine that issued it and
// the source location of the call.
type DeviceError struct {
	Call    string
	Routine string
	File    string
	Line    int
	Err     error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s:%d: %s: %s failed: %v", e.File, e.Line, e.Routine, e.Call, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Code returns the driver status of the failed call.
func (e *DeviceError) Code() device.Result { return device.Code(e.Err) }

// Check turns the result of a device call into a *DeviceError, notifying the
// Device callback of errs first. The location reported is Check's caller.
// Errors that already are device errors pass through unchanged.
func Check(errs *blas.ErrorHandler, routine, call string, err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	_, file, line, _ := runtime.Caller(1)
	file = filepath.Base(file)
	code := device.Code(err)
	errs.DeviceFailed(call, routine, file, line, int(code))
	return &DeviceError{Call: call, Routine: routine, File: file, Line: line, Err: err}
}
