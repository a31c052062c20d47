package lapack

import "github.com/samcharles93/culapack/pkg/blas"

func (l Impl[T]) checkTriangular(name string, uplo blas.Uplo, diag blas.Diag, n int, a blas.View[T]) (int, error) {
	switch {
	case uplo != blas.Upper && uplo != blas.Lower:
		return l.fail(name, 1)
	case diag != blas.NonUnit && diag != blas.Unit:
		return l.fail(name, 2)
	case n < 0:
		return l.fail(name, 3)
	}
	if idx := blas.CheckOperands(blas.Operand[T]{V: a, Rows: n, Cols: n, Index: 4, LdIndex: 5}); idx != 0 {
		return l.fail(name, idx)
	}
	return 0, nil
}

// singular returns the 1-based index of the first zero on the diagonal of
// the n x n block a, or 0.
func singular[T blas.Scalar](diag blas.Diag, n int, a blas.View[T]) int {
	if diag == blas.Unit {
		return 0
	}
	var zero T
	for i := 0; i < n; i++ {
		if a.Data[i+i*a.Ld] == zero {
			return i + 1
		}
	}
	return 0
}

// Trti2 inverts the n x n triangular matrix A in place with an unblocked
// algorithm. A zero diagonal entry at index j returns info = j+1 with A
// unchanged.
func (l Impl[T]) Trti2(uplo blas.Uplo, diag blas.Diag, n int, a blas.View[T]) (int, error) {
	if info, err := l.checkTriangular(routineName[T]("trti2"), uplo, diag, n, a); err != nil {
		return info, err
	}
	return trti2(uplo, diag, n, a), nil
}

func trti2[T blas.Scalar](uplo blas.Uplo, diag blas.Diag, n int, a blas.View[T]) int {
	if info := singular(diag, n, a); info != 0 {
		return info
	}
	ld := a.Ld
	d := a.Data
	var zero T
	if uplo == blas.Upper {
		for j := 0; j < n; j++ {
			ajj := T(-1)
			if diag == blas.NonUnit {
				d[j+j*ld] = 1 / d[j+j*ld]
				ajj = -d[j+j*ld]
			}
			// x = T(0:j, 0:j) * x on the already inverted leading block.
			x := d[j*ld : j*ld+j]
			for k := 0; k < j; k++ {
				if x[k] == zero {
					continue
				}
				temp := x[k]
				for i := 0; i < k; i++ {
					x[i] += temp * d[i+k*ld]
				}
				if diag == blas.NonUnit {
					x[k] *= d[k+k*ld]
				}
			}
			for i := range x {
				x[i] *= ajj
			}
		}
		return 0
	}
	for j := n - 1; j >= 0; j-- {
		ajj := T(-1)
		if diag == blas.NonUnit {
			d[j+j*ld] = 1 / d[j+j*ld]
			ajj = -d[j+j*ld]
		}
		if j == n-1 {
			continue
		}
		// x = T(j+1:n, j+1:n) * x on the already inverted trailing block.
		x := d[j*ld+j+1 : j*ld+n]
		off := j + 1
		for k := len(x) - 1; k >= 0; k-- {
			if x[k] == zero {
				continue
			}
			temp := x[k]
			for i := len(x) - 1; i > k; i-- {
				x[i] += temp * d[off+i+(off+k)*ld]
			}
			if diag == blas.NonUnit {
				x[k] *= d[off+k+(off+k)*ld]
			}
		}
		for i := range x {
			x[i] *= ajj
		}
	}
	return 0
}

// Trtri inverts the n x n triangular matrix A in place with the blocked
// recurrence: ascending over column blocks for Upper, descending for Lower.
// Each diagonal block is checked for singularity before its panel is
// updated, so a failure at index j leaves every block after it untouched.
func (l Impl[T]) Trtri(uplo blas.Uplo, diag blas.Diag, n int, a blas.View[T]) (int, error) {
	if info, err := l.checkTriangular(routineName[T]("trtri"), uplo, diag, n, a); err != nil {
		return info, err
	}
	if n == 0 {
		return 0, nil
	}
	nb := l.blockSize(uplo)
	if nb >= n {
		return trti2(uplo, diag, n, a), nil
	}
	b := l.BLAS
	if uplo == blas.Upper {
		for j := 0; j < n; j += nb {
			jb := min(nb, n-j)
			dj := a.Sub(j, j, jb, jb)
			if info := singular(diag, jb, dj); info != 0 {
				return info + j, nil
			}
			panel := a.Sub(0, j, j, jb)
			if err := b.Trmm(blas.Left, blas.Upper, blas.NoTrans, diag, j, jb, 1, a.Sub(0, 0, j, j), panel); err != nil {
				return 0, err
			}
			if err := b.Trsm(blas.Right, blas.Upper, blas.NoTrans, diag, j, jb, -1, dj, panel); err != nil {
				return 0, err
			}
			trti2(uplo, diag, jb, dj)
		}
		return 0, nil
	}
	for j := ((n - 1) / nb) * nb; j >= 0; j -= nb {
		jb := min(nb, n-j)
		dj := a.Sub(j, j, jb, jb)
		if info := singular(diag, jb, dj); info != 0 {
			return info + j, nil
		}
		if rest := n - j - jb; rest > 0 {
			panel := a.Sub(j+jb, j, rest, jb)
			if err := b.Trmm(blas.Left, blas.Lower, blas.NoTrans, diag, rest, jb, 1, a.Sub(j+jb, j+jb, rest, rest), panel); err != nil {
				return 0, err
			}
			if err := b.Trsm(blas.Right, blas.Lower, blas.NoTrans, diag, rest, jb, -1, dj, panel); err != nil {
				return 0, err
			}
		}
		trti2(uplo, diag, jb, dj)
	}
	return 0, nil
}
