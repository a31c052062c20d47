package blas

// Trsm solves op(A)*X = alpha*B (side == Left) or X*op(A) = alpha*B
// (side == Right) for X, overwriting the m x n matrix B. A is triangular of
// order m (Left) or n (Right).
func (b Impl[T]) Trsm(side Side, uplo Uplo, trans Transpose, diag Diag, m, n int, alpha T, a, bm View[T]) error {
	name := routineName[T]("trsm")
	if err := b.checkTriangular(name, side, uplo, trans, diag, m, n, a, bm); err != nil {
		return err
	}
	if m == 0 || n == 0 {
		return nil
	}
	var zero T
	if alpha == zero {
		for j := 0; j < n; j++ {
			clear(bm.Data[j*bm.Ld : j*bm.Ld+m])
		}
		return nil
	}
	op := opFunc[T](trans)
	if side == Left {
		b.parallel(n, m*m*n, func(lo, hi int) {
			for j := lo; j < hi; j++ {
				trsmLeftCol(uplo, trans, diag, m, alpha, a, bm.Data[j*bm.Ld:j*bm.Ld+m], op)
			}
		})
		return nil
	}
	b.parallel(m, m*n*n, func(lo, hi int) {
		trsmRightRows(uplo, trans, diag, n, alpha, a, bm, op, lo, hi)
	})
	return nil
}

// checkTriangular validates the shared TRSM/TRMM argument list.
func (b Impl[T]) checkTriangular(name string, side Side, uplo Uplo, trans Transpose, diag Diag, m, n int, a, bm View[T]) error {
	switch {
	case !side.valid():
		return b.fail(name, 1)
	case !uplo.valid():
		return b.fail(name, 2)
	case !trans.valid():
		return b.fail(name, 3)
	case !diag.valid():
		return b.fail(name, 4)
	case m < 0:
		return b.fail(name, 5)
	case n < 0:
		return b.fail(name, 6)
	}
	k := m
	if side == Right {
		k = n
	}
	if idx := CheckOperands(
		Operand[T]{V: a, Rows: k, Cols: k, Index: 8, LdIndex: 9},
		Operand[T]{V: bm, Rows: m, Cols: n, Index: 10, LdIndex: 11},
	); idx != 0 {
		return b.fail(name, idx)
	}
	return nil
}

func trsmLeftCol[T Scalar](uplo Uplo, trans Transpose, diag Diag, m int, alpha T, a View[T], x []T, op func(T) T) {
	var zero T
	if trans == NoTrans {
		if alpha != 1 {
			for i := range x {
				x[i] *= alpha
			}
		}
		if uplo == Upper {
			for k := m - 1; k >= 0; k-- {
				if x[k] == zero {
					continue
				}
				if diag == NonUnit {
					x[k] /= a.Data[k+k*a.Ld]
				}
				ak := a.Data[k*a.Ld : k*a.Ld+k]
				for i, v := range ak {
					x[i] -= x[k] * v
				}
			}
			return
		}
		for k := 0; k < m; k++ {
			if x[k] == zero {
				continue
			}
			if diag == NonUnit {
				x[k] /= a.Data[k+k*a.Ld]
			}
			ak := a.Data[k*a.Ld+k+1 : k*a.Ld+m]
			for i, v := range ak {
				x[k+1+i] -= x[k] * v
			}
		}
		return
	}
	if uplo == Upper {
		for i := 0; i < m; i++ {
			temp := alpha * x[i]
			ai := a.Data[i*a.Ld : i*a.Ld+i]
			for k, v := range ai {
				temp -= op(v) * x[k]
			}
			if diag == NonUnit {
				temp /= op(a.Data[i+i*a.Ld])
			}
			x[i] = temp
		}
		return
	}
	for i := m - 1; i >= 0; i-- {
		temp := alpha * x[i]
		for k := i + 1; k < m; k++ {
			temp -= op(a.Data[k+i*a.Ld]) * x[k]
		}
		if diag == NonUnit {
			temp /= op(a.Data[i+i*a.Ld])
		}
		x[i] = temp
	}
}

// trsmRightRows solves rows [lo, hi) of X*op(A) = alpha*B. Every update is
// row-local so disjoint row ranges are independent.
func trsmRightRows[T Scalar](uplo Uplo, trans Transpose, diag Diag, n int, alpha T, a, b View[T], op func(T) T, lo, hi int) {
	var zero T
	col := func(j int) []T { return b.Data[j*b.Ld+lo : j*b.Ld+hi] }
	if trans == NoTrans {
		step := func(j int, ks func(yield func(int) bool)) {
			bj := col(j)
			if alpha != 1 {
				for i := range bj {
					bj[i] *= alpha
				}
			}
			for k := range ks {
				akj := a.Data[k+j*a.Ld]
				if akj == zero {
					continue
				}
				bk := col(k)
				for i := range bj {
					bj[i] -= akj * bk[i]
				}
			}
			if diag == NonUnit {
				d := a.Data[j+j*a.Ld]
				for i := range bj {
					bj[i] /= d
				}
			}
		}
		if uplo == Upper {
			for j := 0; j < n; j++ {
				step(j, indices(0, j))
			}
		} else {
			for j := n - 1; j >= 0; j-- {
				step(j, indices(j+1, n))
			}
		}
		return
	}
	step := func(k int, js func(yield func(int) bool)) {
		bk := col(k)
		if diag == NonUnit {
			d := op(a.Data[k+k*a.Ld])
			for i := range bk {
				bk[i] /= d
			}
		}
		for j := range js {
			ajk := a.Data[j+k*a.Ld]
			if ajk == zero {
				continue
			}
			temp := op(ajk)
			bj := col(j)
			for i := range bj {
				bj[i] -= temp * bk[i]
			}
		}
		if alpha != 1 {
			for i := range bk {
				bk[i] *= alpha
			}
		}
	}
	if uplo == Upper {
		for k := n - 1; k >= 0; k-- {
			step(k, indices(0, k))
		}
	} else {
		for k := 0; k < n; k++ {
			step(k, indices(k+1, n))
		}
	}
}

// indices yields lo, lo+1, ..., hi-1.
func indices(lo, hi int) func(yield func(int) bool) {
	return func(yield func(int) bool) {
		for i := lo; i < hi; i++ {
			if !yield(i) {
				return
			}
		}
	}
}
