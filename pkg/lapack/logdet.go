package lapack

import (
	"math"

	"github.com/samcharles93/culapack/pkg/blas"
)

// Logdet returns 2*Σ log(Re x[i*incx]) for i in [0, n): the log-determinant
// of a Hermitian positive definite matrix from the diagonal of its Cholesky
// factor. Pass the factor's data with incx = ld+1 to walk the diagonal.
func (l Impl[T]) Logdet(n int, x []T, incx int) (float64, error) {
	name := routineName[T]("logdet")
	switch {
	case n < 0:
		_, err := l.fail(name, 1)
		return 0, err
	case incx <= 0:
		_, err := l.fail(name, 3)
		return 0, err
	case n > 0 && len(x) < (n-1)*incx+1:
		_, err := l.fail(name, 2)
		return 0, err
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Log(blas.Real(x[i*incx]))
	}
	return 2 * sum, nil
}

// Potri computes the inverse of a Hermitian positive definite matrix from
// its Cholesky factor (as returned by Potrf) in place: the factor is
// inverted with Trtri and multiplied by its conjugate transpose with Lauum.
func (l Impl[T]) Potri(uplo blas.Uplo, n int, a blas.View[T]) (int, error) {
	if info, err := l.checkSquare(routineName[T]("potri"), uplo, n, a); err != nil {
		return info, err
	}
	info, err := l.Trtri(uplo, blas.NonUnit, n, a)
	if err != nil || info != 0 {
		return info, err
	}
	return 0, l.Lauum(uplo, n, a)
}
