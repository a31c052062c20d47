package blas

import (
	"math/rand/v2"
	"testing"
)

func randView[T Scalar](rng *rand.Rand, rows, cols, pad int) View[T] {
	ld := max(1, rows+pad)
	v := View[T]{Data: make([]T, ld*max(cols, 1)), Ld: ld, Rows: rows, Cols: cols}
	for i := range v.Data {
		v.Data[i] = FromParts[T](rng.Float64()*2-1, rng.Float64()*2-1)
	}
	return v
}

// triangular returns a dense copy of the uplo triangle of a with the diagonal
// replaced by ones when diag is Unit, and boosted away from zero otherwise.
func triangular[T Scalar](a View[T], uplo Uplo, diag Diag) View[T] {
	n := a.Rows
	out := Dense[T](n, n)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			switch {
			case i == j && diag == Unit:
				out.Set(i, j, 1)
			case i == j:
				out.Set(i, j, a.At(i, j)+FromReal[T](float64(n)))
			case (uplo == Upper) == (i < j):
				out.Set(i, j, a.At(i, j))
			}
		}
	}
	return out
}

func maxDiff[T Scalar](t *testing.T, got, want View[T]) float64 {
	t.Helper()
	var d float64
	for j := 0; j < want.Cols; j++ {
		for i := 0; i < want.Rows; i++ {
			d = max(d, Abs(got.At(i, j)-want.At(i, j)))
		}
	}
	return d
}

func tolerance[T Scalar](k int) float64 {
	return float64(max(k, 1)) * 64 * Epsilon[T]()
}
