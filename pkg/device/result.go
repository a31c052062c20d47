package device

import (
	"errors"
	"fmt"
)

// Result is a driver status code. The numeric values follow the CUDA driver
// API so codes reported through error callbacks mean the same thing for
// every driver.
type Result int32

const (
	Success           Result = 0
	ErrInvalidValue   Result = 1
	ErrOutOfMemory    Result = 2
	ErrNotInitialized Result = 3
	ErrDeinitialized  Result = 4
	ErrNoDevice       Result = 100
	ErrInvalidDevice  Result = 101
	ErrInvalidImage   Result = 200
	ErrInvalidContext Result = 201
	ErrFileNotFound   Result = 301
	ErrInvalidHandle  Result = 400
	ErrNotFound       Result = 500
	ErrNotReady       Result = 600
	ErrLaunchFailed   Result = 719
	ErrUnknown        Result = 999
)

var resultNames = map[Result]string{
	Success:           "CUDA_SUCCESS",
	ErrInvalidValue:   "CUDA_ERROR_INVALID_VALUE",
	ErrOutOfMemory:    "CUDA_ERROR_OUT_OF_MEMORY",
	ErrNotInitialized: "CUDA_ERROR_NOT_INITIALIZED",
	ErrDeinitialized:  "CUDA_ERROR_DEINITIALIZED",
	ErrNoDevice:       "CUDA_ERROR_NO_DEVICE",
	ErrInvalidDevice:  "CUDA_ERROR_INVALID_DEVICE",
	ErrInvalidImage:   "CUDA_ERROR_INVALID_IMAGE",
	ErrInvalidContext: "CUDA_ERROR_INVALID_CONTEXT",
	ErrFileNotFound:   "CUDA_ERROR_FILE_NOT_FOUND",
	ErrInvalidHandle:  "CUDA_ERROR_INVALID_HANDLE",
	ErrNotFound:       "CUDA_ERROR_NOT_FOUND",
	ErrNotReady:       "CUDA_ERROR_NOT_READY",
	ErrLaunchFailed:   "CUDA_ERROR_LAUNCH_FAILED",
	ErrUnknown:        "CUDA_ERROR_UNKNOWN",
}

func (r Result) Error() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

// Code extracts the driver status code carried by err, or ErrUnknown.
func Code(err error) Result {
	if err == nil {
		return Success
	}
	var r Result
	if errors.As(err, &r) {
		return r
	}
	return ErrUnknown
}
