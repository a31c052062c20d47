package gpu

import (
	"github.com/samcharles93/culapack/internal/registry"
	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
)

// Logdet returns 2*Σ log(Re x[i*incx]) over the n device elements at x. For
// the diagonal of a Cholesky factor pass its Ptr and Ld+1. The reduction runs
// on s; Logdet waits for it and sums the per-block partials on the host.
func (g Impl[T]) Logdet(s device.Stream, n int, x device.Ptr, incx int) (float64, error) {
	p := blas.PrecisionOf[T]()
	name := p.String() + "logdet"
	switch {
	case n < 0:
		return 0, g.fail(name, 1)
	case n > 0 && x == 0:
		return 0, g.fail(name, 2)
	case incx <= 0:
		return 0, g.fail(name, 3)
	}
	if n == 0 {
		return 0, nil
	}
	key, blocks := registry.LogdetKey(p, n)
	if p == blas.Single || p == blas.Complex {
		return logdet[float32](g, s, name, key, blocks, x, incx, n)
	}
	return logdet[float64](g, s, name, key, blocks, x, incx, n)
}

// logdet runs the reduction with partial sums of type R.
func logdet[R float32 | float64, T blas.Scalar](g Impl[T], s device.Stream, name string, key registry.Key, blocks int, x device.Ptr, incx, n int) (sum float64, err error) {
	h := g.H
	temp, err := AllocMat[R](h, blocks, 1)
	if err != nil {
		return 0, err
	}
	defer func() {
		if ferr := FreeMat(h, temp); err == nil {
			err = ferr
		}
	}()
	host, err := AllocHost[R](h, blocks, blocks, 1)
	if err != nil {
		return 0, err
	}
	defer func() {
		if ferr := FreeHost(h, host); err == nil {
			err = ferr
		}
	}()

	fn, err := h.Function(key)
	if err != nil {
		return 0, err
	}
	grid := device.Dim3{X: blocks, Y: 1, Z: 1}
	block := device.Dim3{X: key.Threads, Y: 1, Z: 1}
	if err := Check(h.errs, name, "LaunchKernel("+key.Name()+")", s.Launch(fn, grid, block, x, temp.Ptr, incx, n)); err != nil {
		return 0, err
	}
	if err := Download(h, s, host, temp); err != nil {
		return 0, err
	}
	if err := Check(h.errs, name, "StreamSynchronize", s.Synchronize()); err != nil {
		return 0, err
	}
	for _, v := range host.Data[:blocks] {
		sum += float64(v)
	}
	return 2 * sum, nil
}
