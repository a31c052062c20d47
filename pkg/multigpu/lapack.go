package multigpu

import (
	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/lapack"
)

// host returns the CPU routines used on diagonal blocks.
func (d Impl[T]) host() lapack.Impl[T] { return lapack.Impl[T]{BLAS: d.cpu()} }

func (d Impl[T]) checkSquare(name string, uplo blas.Uplo, n int, a blas.View[T]) (int, error) {
	switch {
	case uplo != blas.Upper && uplo != blas.Lower:
		return -1, d.fail(name, 1)
	case n < 0:
		return -2, d.fail(name, 2)
	}
	if idx := blas.CheckOperands(blas.Operand[T]{V: a, Rows: n, Cols: n, Index: 3, LdIndex: 4}); idx != 0 {
		return -idx, d.fail(name, idx)
	}
	return 0, nil
}

// Potrf computes the Cholesky factorization of A in place. Each step updates
// the diagonal block and the panel beside it across the pool and factors the
// diagonal block on the CPU. A positive info is the order of the leading
// minor that is not positive definite; no later block is touched.
func (d Impl[T]) Potrf(uplo blas.Uplo, n int, a blas.View[T]) (int, error) {
	name := routineName[T]("potrf")
	if info, err := d.checkSquare(name, uplo, n, a); err != nil {
		return info, err
	}
	if n == 0 {
		return 0, nil
	}
	nb := d.table().Potrf.For(uplo)
	if nb >= n {
		return d.host().Potf2(uplo, n, a)
	}
	d.P.log.ForRoutine(name).Debug("blocked factorization", "n", n, "nb", nb)
	for j := 0; j < n; j += nb {
		jb := min(nb, n-j)
		rest := n - j - jb
		dj := a.Sub(j, j, jb, jb)
		var err error
		if uplo == blas.Upper {
			err = d.Herk(blas.Upper, blas.ConjTrans, jb, j, -1, a.Sub(0, j, j, jb), 1, dj)
		} else {
			err = d.Herk(blas.Lower, blas.NoTrans, jb, j, -1, a.Sub(j, 0, jb, j), 1, dj)
		}
		if err != nil {
			return 0, err
		}
		info, err := d.host().Potf2(uplo, jb, dj)
		if err != nil {
			return 0, err
		}
		if info != 0 {
			return info + j, nil
		}
		if rest == 0 {
			break
		}
		if uplo == blas.Upper {
			panel := a.Sub(j, j+jb, jb, rest)
			if err := d.Gemm(blas.ConjTrans, blas.NoTrans, jb, rest, j, -1, a.Sub(0, j, j, jb), a.Sub(0, j+jb, j, rest), 1, panel); err != nil {
				return 0, err
			}
			if err := d.Trsm(blas.Left, blas.Upper, blas.ConjTrans, blas.NonUnit, jb, rest, 1, dj, panel); err != nil {
				return 0, err
			}
			continue
		}
		panel := a.Sub(j+jb, j, rest, jb)
		if err := d.Gemm(blas.NoTrans, blas.ConjTrans, rest, jb, j, -1, a.Sub(j+jb, 0, rest, j), a.Sub(j, 0, jb, j), 1, panel); err != nil {
			return 0, err
		}
		if err := d.Trsm(blas.Right, blas.Lower, blas.ConjTrans, blas.NonUnit, rest, jb, 1, dj, panel); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// Lauum computes U*Uᴴ or Lᴴ*L in place, ascending over diagonal blocks. The
// product of each diagonal block with itself is formed on the CPU.
func (d Impl[T]) Lauum(uplo blas.Uplo, n int, a blas.View[T]) error {
	name := routineName[T]("lauum")
	if _, err := d.checkSquare(name, uplo, n, a); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	nb := d.table().Lauum.For(uplo)
	if nb >= n {
		return d.host().Lauu2(uplo, n, a)
	}
	d.P.log.ForRoutine(name).Debug("blocked factorization", "n", n, "nb", nb)
	for i := 0; i < n; i += nb {
		ib := min(nb, n-i)
		rest := n - i - ib
		di := a.Sub(i, i, ib, ib)
		if uplo == blas.Upper {
			panel := a.Sub(0, i, i, ib)
			if err := d.Trmm(blas.Right, blas.Upper, blas.ConjTrans, blas.NonUnit, i, ib, 1, di, panel); err != nil {
				return err
			}
			if err := d.host().Lauu2(uplo, ib, di); err != nil {
				return err
			}
			if rest == 0 {
				continue
			}
			if err := d.Gemm(blas.NoTrans, blas.ConjTrans, i, ib, rest, 1, a.Sub(0, i+ib, i, rest), a.Sub(i, i+ib, ib, rest), 1, panel); err != nil {
				return err
			}
			if err := d.Herk(blas.Upper, blas.NoTrans, ib, rest, 1, a.Sub(i, i+ib, ib, rest), 1, di); err != nil {
				return err
			}
			continue
		}
		panel := a.Sub(i, 0, ib, i)
		if err := d.Trmm(blas.Left, blas.Lower, blas.ConjTrans, blas.NonUnit, ib, i, 1, di, panel); err != nil {
			return err
		}
		if err := d.host().Lauu2(uplo, ib, di); err != nil {
			return err
		}
		if rest == 0 {
			continue
		}
		if err := d.Gemm(blas.ConjTrans, blas.NoTrans, ib, i, rest, 1, a.Sub(i+ib, i, rest, ib), a.Sub(i+ib, 0, rest, i), 1, panel); err != nil {
			return err
		}
		if err := d.Herk(blas.Lower, blas.ConjTrans, ib, rest, 1, a.Sub(i+ib, i, rest, ib), 1, di); err != nil {
			return err
		}
	}
	return nil
}

// Trtri inverts the triangular matrix A in place: ascending over column
// blocks for Upper, descending for Lower. A zero on the diagonal of a block
// is reported before that block's panel is touched.
func (d Impl[T]) Trtri(uplo blas.Uplo, diag blas.Diag, n int, a blas.View[T]) (int, error) {
	name := routineName[T]("trtri")
	switch {
	case uplo != blas.Upper && uplo != blas.Lower:
		return -1, d.fail(name, 1)
	case diag != blas.NonUnit && diag != blas.Unit:
		return -2, d.fail(name, 2)
	case n < 0:
		return -3, d.fail(name, 3)
	}
	if idx := blas.CheckOperands(blas.Operand[T]{V: a, Rows: n, Cols: n, Index: 4, LdIndex: 5}); idx != 0 {
		return -idx, d.fail(name, idx)
	}
	if n == 0 {
		return 0, nil
	}
	nb := d.table().Trtri.For(uplo)
	if nb >= n {
		return d.host().Trti2(uplo, diag, n, a)
	}
	d.P.log.ForRoutine(name).Debug("blocked factorization", "n", n, "nb", nb)
	step := func(j int) (int, error) {
		jb := min(nb, n-j)
		dj := a.Sub(j, j, jb, jb)
		if info := zeroDiagonal(diag, jb, dj); info != 0 {
			return info + j, nil
		}
		if uplo == blas.Upper {
			panel := a.Sub(0, j, j, jb)
			if err := d.Trmm(blas.Left, blas.Upper, blas.NoTrans, diag, j, jb, 1, a.Sub(0, 0, j, j), panel); err != nil {
				return 0, err
			}
			if err := d.Trsm(blas.Right, blas.Upper, blas.NoTrans, diag, j, jb, -1, dj, panel); err != nil {
				return 0, err
			}
		} else if rest := n - j - jb; rest > 0 {
			panel := a.Sub(j+jb, j, rest, jb)
			if err := d.Trmm(blas.Left, blas.Lower, blas.NoTrans, diag, rest, jb, 1, a.Sub(j+jb, j+jb, rest, rest), panel); err != nil {
				return 0, err
			}
			if err := d.Trsm(blas.Right, blas.Lower, blas.NoTrans, diag, rest, jb, -1, dj, panel); err != nil {
				return 0, err
			}
		}
		return d.host().Trti2(uplo, diag, jb, dj)
	}
	if uplo == blas.Upper {
		for j := 0; j < n; j += nb {
			if info, err := step(j); err != nil || info != 0 {
				return info, err
			}
		}
		return 0, nil
	}
	for j := (n - 1) / nb * nb; j >= 0; j -= nb {
		if info, err := step(j); err != nil || info != 0 {
			return info, err
		}
	}
	return 0, nil
}

// zeroDiagonal returns the 1-based index of the first zero on the diagonal
// of the n x n block a, or 0.
func zeroDiagonal[T blas.Scalar](diag blas.Diag, n int, a blas.View[T]) int {
	if diag == blas.Unit {
		return 0
	}
	var zero T
	for i := 0; i < n; i++ {
		if a.At(i, i) == zero {
			return i + 1
		}
	}
	return 0
}

// Potri computes the inverse of a Hermitian positive definite matrix from
// its Cholesky factor, in place.
func (d Impl[T]) Potri(uplo blas.Uplo, n int, a blas.View[T]) (int, error) {
	name := routineName[T]("potri")
	if info, err := d.checkSquare(name, uplo, n, a); err != nil {
		return info, err
	}
	info, err := d.Trtri(uplo, blas.NonUnit, n, a)
	if err != nil || info != 0 {
		return info, err
	}
	return 0, d.Lauum(uplo, n, a)
}
