package lapack

import (
	"math"

	"github.com/samcharles93/culapack/pkg/blas"
)

// Potf2 computes the Cholesky factorization A = UᴴU or A = LLᴴ of the n x n
// Hermitian positive definite matrix A with an unblocked algorithm. On a
// non-positive or NaN pivot at column j it stores the pivot value, leaves the
// remaining columns untouched and returns info = j+1.
func (l Impl[T]) Potf2(uplo blas.Uplo, n int, a blas.View[T]) (int, error) {
	if info, err := l.checkSquare(routineName[T]("potf2"), uplo, n, a); err != nil {
		return info, err
	}
	return potf2(uplo, n, a), nil
}

func potf2[T blas.Scalar](uplo blas.Uplo, n int, a blas.View[T]) int {
	ld := a.Ld
	d := a.Data
	if uplo == blas.Upper {
		for i := 0; i < n; i++ {
			ci := d[i*ld : i*ld+i]
			var temp T
			for _, v := range ci {
				temp += v * blas.Conj(v)
			}
			aii := blas.Real(d[i+i*ld]) - blas.Real(temp)
			if badPivot(aii) {
				d[i+i*ld] = blas.FromReal[T](aii)
				return i + 1
			}
			aii = math.Sqrt(aii)
			d[i+i*ld] = blas.FromReal[T](aii)
			piv := blas.FromReal[T](aii)
			for j := i + 1; j < n; j++ {
				cj := d[j*ld : j*ld+i]
				temp = 0
				for k, v := range cj {
					temp += v * blas.Conj(ci[k])
				}
				d[i+j*ld] = (d[i+j*ld] - temp) / piv
			}
		}
		return 0
	}
	for j := 0; j < n; j++ {
		cj := d[j*ld+j : j*ld+n]
		for k := 0; k < j; k++ {
			temp := blas.Conj(d[j+k*ld])
			ck := d[k*ld+j : k*ld+n]
			for i, v := range ck {
				cj[i] -= temp * v
			}
		}
		ajj := blas.Real(cj[0])
		if badPivot(ajj) {
			cj[0] = blas.FromReal[T](ajj)
			return j + 1
		}
		ajj = math.Sqrt(ajj)
		cj[0] = blas.FromReal[T](ajj)
		piv := blas.FromReal[T](ajj)
		for i := 1; i < len(cj); i++ {
			cj[i] /= piv
		}
	}
	return 0
}

// Potrf computes the Cholesky factorization of A with the blocked
// recurrence. A failure inside diagonal block j is reported as an index
// offset by j; blocks before it hold a valid partial factor and nothing after
// it is touched.
func (l Impl[T]) Potrf(uplo blas.Uplo, n int, a blas.View[T]) (int, error) {
	if info, err := l.checkSquare(routineName[T]("potrf"), uplo, n, a); err != nil {
		return info, err
	}
	if n == 0 {
		return 0, nil
	}
	nb := l.blockSize(uplo)
	if nb >= n {
		return potf2(uplo, n, a), nil
	}
	b := l.BLAS
	for j := 0; j < n; j += nb {
		jb := min(nb, n-j)
		rest := n - j - jb
		if uplo == blas.Upper {
			if err := b.Herk(blas.Upper, blas.ConjTrans, jb, j, -1, a.Sub(0, j, j, jb), 1, a.Sub(j, j, jb, jb)); err != nil {
				return 0, err
			}
			if info := potf2(uplo, jb, a.Sub(j, j, jb, jb)); info != 0 {
				return info + j, nil
			}
			if rest > 0 {
				if err := b.Gemm(blas.ConjTrans, blas.NoTrans, jb, rest, j, -1, a.Sub(0, j, j, jb), a.Sub(0, j+jb, j, rest), 1, a.Sub(j, j+jb, jb, rest)); err != nil {
					return 0, err
				}
				if err := b.Trsm(blas.Left, blas.Upper, blas.ConjTrans, blas.NonUnit, jb, rest, 1, a.Sub(j, j, jb, jb), a.Sub(j, j+jb, jb, rest)); err != nil {
					return 0, err
				}
			}
			continue
		}
		if err := b.Herk(blas.Lower, blas.NoTrans, jb, j, -1, a.Sub(j, 0, jb, j), 1, a.Sub(j, j, jb, jb)); err != nil {
			return 0, err
		}
		if info := potf2(uplo, jb, a.Sub(j, j, jb, jb)); info != 0 {
			return info + j, nil
		}
		if rest > 0 {
			if err := b.Gemm(blas.NoTrans, blas.ConjTrans, rest, jb, j, -1, a.Sub(j+jb, 0, rest, j), a.Sub(j, 0, jb, j), 1, a.Sub(j+jb, j, rest, jb)); err != nil {
				return 0, err
			}
			if err := b.Trsm(blas.Right, blas.Lower, blas.ConjTrans, blas.NonUnit, rest, jb, 1, a.Sub(j, j, jb, jb), a.Sub(j+jb, j, rest, jb)); err != nil {
				return 0, err
			}
		}
	}
	return 0, nil
}
