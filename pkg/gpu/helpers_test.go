package gpu

import (
	"math/rand/v2"
	"testing"

	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device/sim"
	"github.com/samcharles93/culapack/pkg/device/sim/kernels"
)

var images = kernels.Images()

func newHandle(t *testing.T, cfg sim.Config, hc Config) *Handle {
	t.Helper()
	if cfg.Images == nil {
		cfg.Images = images
	}
	h, err := Create(sim.New(cfg), 0, hc)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Destroy() })
	return h
}

func stats(h *Handle) sim.Stats { return h.Context().(*sim.Context).Stats() }

func randView[T blas.Scalar](rng *rand.Rand, rows, cols int) blas.View[T] {
	v := blas.Dense[T](rows, cols)
	for i := range v.Data {
		v.Data[i] = blas.FromParts[T](rng.Float64()*2-1, rng.Float64()*2-1)
	}
	return v
}

func scaled[T blas.Scalar](v blas.View[T], f float64) blas.View[T] {
	for i := range v.Data {
		v.Data[i] *= blas.FromReal[T](f)
	}
	return v
}

// spd returns C*Cᴴ for a random n x 5n matrix C.
func spd[T blas.Scalar](t *testing.T, rng *rand.Rand, n int) blas.View[T] {
	t.Helper()
	c := randView[T](rng, n, 5*n)
	a := blas.Dense[T](n, n)
	if err := (blas.Impl[T]{}).Gemm(blas.NoTrans, blas.ConjTrans, n, n, 5*n, 1, c, c, 0, a); err != nil {
		t.Fatal(err)
	}
	return a
}

// triangular returns the uplo triangle of a with a diagonal kept well away
// from zero.
func triangular[T blas.Scalar](a blas.View[T], uplo blas.Uplo) blas.View[T] {
	n := a.Rows
	out := blas.Dense[T](n, n)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			switch {
			case i == j:
				out.Set(i, j, blas.FromReal[T](float64(n)+blas.Abs(a.At(i, j))))
			case (uplo == blas.Upper) == (i < j):
				out.Set(i, j, a.At(i, j))
			}
		}
	}
	return out
}

// toDevice copies v into a fresh device matrix and waits for the copy.
func toDevice[T blas.Scalar](t *testing.T, h *Handle, v blas.View[T]) Mat[T] {
	t.Helper()
	m, err := AllocMat[T](h, v.Rows, v.Cols)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = FreeMat(h, m) })
	if err := Upload(h, h.Stream(0), m, v); err != nil {
		t.Fatal(err)
	}
	if err := h.Stream(0).Synchronize(); err != nil {
		t.Fatal(err)
	}
	return m
}

// fromDevice waits for all queued work and returns m as a dense host matrix.
func fromDevice[T blas.Scalar](t *testing.T, h *Handle, m Mat[T]) blas.View[T] {
	t.Helper()
	if err := h.Synchronize(); err != nil {
		t.Fatal(err)
	}
	out := blas.Dense[T](m.Rows, m.Cols)
	if err := Download(h, h.Stream(0), out, m); err != nil {
		t.Fatal(err)
	}
	if err := h.Stream(0).Synchronize(); err != nil {
		t.Fatal(err)
	}
	return out
}

func maxDiff[T blas.Scalar](got, want blas.View[T]) float64 {
	var d float64
	for j := 0; j < want.Cols; j++ {
		for i := 0; i < want.Rows; i++ {
			d = max(d, blas.Abs(got.At(i, j)-want.At(i, j)))
		}
	}
	return d
}

func tolerance[T blas.Scalar](k int) float64 {
	return float64(max(k, 1)) * 64 * blas.Epsilon[T]()
}
