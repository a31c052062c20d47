// Package lapack implements the blocked Cholesky, triangular inverse and
// triangular product routines on the CPU. Every blocked routine is a
// recurrence over diagonal blocks that calls the unblocked base case on the
// diagonal and pkg/blas for the panel updates.
package lapack

import (
	"math"

	"github.com/samcharles93/culapack/pkg/blas"
)

// Default block sizes of the CPU recurrences.
const (
	UpperBlock = 16
	LowerBlock = 32
)

// Impl is the CPU LAPACK implementation for element type T.
type Impl[T blas.Scalar] struct {
	BLAS blas.Impl[T]
	// NB overrides the block size of the blocked routines; 0 selects
	// UpperBlock or LowerBlock.
	NB int
}

func (l Impl[T]) blockSize(uplo blas.Uplo) int {
	if l.NB > 0 {
		return l.NB
	}
	if uplo == blas.Upper {
		return UpperBlock
	}
	return LowerBlock
}

func (l Impl[T]) fail(routine string, index int) (int, error) {
	return -index, l.BLAS.Errors.ParamError(routine, index)
}

func routineName[T blas.Scalar](base string) string {
	return blas.PrecisionOf[T]().String() + base
}

// checkSquare validates the (uplo, n, A, lda) argument list shared by POTRF
// and LAUUM.
func (l Impl[T]) checkSquare(name string, uplo blas.Uplo, n int, a blas.View[T]) (int, error) {
	switch {
	case uplo != blas.Upper && uplo != blas.Lower:
		return l.fail(name, 1)
	case n < 0:
		return l.fail(name, 2)
	}
	if idx := blas.CheckOperands(blas.Operand[T]{V: a, Rows: n, Cols: n, Index: 3, LdIndex: 4}); idx != 0 {
		return l.fail(name, idx)
	}
	return 0, nil
}

// badPivot reports whether d cannot be the square of a real Cholesky pivot.
func badPivot(d float64) bool { return d <= 0 || math.IsNaN(d) }
