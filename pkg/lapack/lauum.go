package lapack

import "github.com/samcharles93/culapack/pkg/blas"

// Lauu2 computes U*Uᴴ or Lᴴ*L in place of the triangular factor with an
// unblocked algorithm.
func (l Impl[T]) Lauu2(uplo blas.Uplo, n int, a blas.View[T]) error {
	if _, err := l.checkSquare(routineName[T]("lauu2"), uplo, n, a); err != nil {
		return err
	}
	lauu2(uplo, n, a)
	return nil
}

func lauu2[T blas.Scalar](uplo blas.Uplo, n int, a blas.View[T]) {
	ld := a.Ld
	d := a.Data
	if uplo == blas.Upper {
		for j := 0; j < n; j++ {
			cj := d[j*ld : j*ld+j+1]
			ajj := blas.Conj(cj[j])
			for i := range cj {
				cj[i] *= ajj
			}
			for k := j + 1; k < n; k++ {
				temp := blas.Conj(d[j+k*ld])
				ck := d[k*ld : k*ld+j+1]
				for i, v := range ck {
					cj[i] += temp * v
				}
			}
		}
		return
	}
	for j := 0; j < n; j++ {
		for i := j; i < n; i++ {
			v := d[i+j*ld] * blas.Conj(d[i+i*ld])
			for k := i + 1; k < n; k++ {
				v += blas.Conj(d[k+i*ld]) * d[k+j*ld]
			}
			d[i+j*ld] = v
		}
	}
}

// Lauum computes U*Uᴴ or Lᴴ*L in place with the blocked recurrence,
// ascending over diagonal blocks for both triangles.
func (l Impl[T]) Lauum(uplo blas.Uplo, n int, a blas.View[T]) error {
	if _, err := l.checkSquare(routineName[T]("lauum"), uplo, n, a); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	nb := l.blockSize(uplo)
	if nb >= n {
		lauu2(uplo, n, a)
		return nil
	}
	b := l.BLAS
	for i := 0; i < n; i += nb {
		ib := min(nb, n-i)
		rest := n - i - ib
		di := a.Sub(i, i, ib, ib)
		if uplo == blas.Upper {
			if err := b.Trmm(blas.Right, blas.Upper, blas.ConjTrans, blas.NonUnit, i, ib, 1, di, a.Sub(0, i, i, ib)); err != nil {
				return err
			}
			lauu2(uplo, ib, di)
			if rest > 0 {
				if err := b.Gemm(blas.NoTrans, blas.ConjTrans, i, ib, rest, 1, a.Sub(0, i+ib, i, rest), a.Sub(i, i+ib, ib, rest), 1, a.Sub(0, i, i, ib)); err != nil {
					return err
				}
				if err := b.Herk(blas.Upper, blas.NoTrans, ib, rest, 1, a.Sub(i, i+ib, ib, rest), 1, di); err != nil {
					return err
				}
			}
			continue
		}
		if err := b.Trmm(blas.Left, blas.Lower, blas.ConjTrans, blas.NonUnit, ib, i, 1, di, a.Sub(i, 0, ib, i)); err != nil {
			return err
		}
		lauu2(uplo, ib, di)
		if rest > 0 {
			if err := b.Gemm(blas.ConjTrans, blas.NoTrans, ib, i, rest, 1, a.Sub(i+ib, i, rest, ib), a.Sub(i+ib, 0, rest, i), 1, a.Sub(i, 0, ib, i)); err != nil {
				return err
			}
			if err := b.Herk(blas.Lower, blas.ConjTrans, ib, rest, 1, a.Sub(i+ib, i, rest, ib), 1, di); err != nil {
				return err
			}
		}
	}
	return nil
}
