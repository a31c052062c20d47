package blas

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Impl is the CPU implementation for element type T. The zero value is ready
// to use: no error callbacks and one worker per GOMAXPROCS.
type Impl[T Scalar] struct {
	Errors *ErrorHandler
	// Workers bounds loop-level parallelism; 0 means GOMAXPROCS, 1 runs serially.
	Workers int
}

// parallelThreshold is the flop count below which loops run on the caller's goroutine.
const parallelThreshold = 1 << 15

func (b Impl[T]) workers() int {
	if b.Workers > 0 {
		return b.Workers
	}
	return max(1, runtime.GOMAXPROCS(0))
}

// parallel splits [0, n) into contiguous ranges and runs fn on each. The
// ranges must be independent.
func (b Impl[T]) parallel(n, work int, fn func(lo, hi int)) {
	workers := b.workers()
	if workers == 1 || n < 2 || work < parallelThreshold {
		fn(0, n)
		return
	}
	chunk := (n + workers - 1) / workers
	var g errgroup.Group
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			fn(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

func (b Impl[T]) fail(routine string, index int) error {
	return b.Errors.ParamError(routine, index)
}

func routineName[T Scalar](base string) string {
	return PrecisionOf[T]().String() + base
}

// scaleCol sets x = beta*x, writing zeros without reading x when beta is zero.
func scaleCol[T Scalar](x []T, beta T) {
	var zero T
	switch beta {
	case zero:
		clear(x)
	case 1:
	default:
		for i := range x {
			x[i] *= beta
		}
	}
}
