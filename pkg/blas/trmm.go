package blas

// Trmm computes B = alpha*op(A)*B (side == Left) or B = alpha*B*op(A)
// (side == Right) in place, where A is triangular.
func (b Impl[T]) Trmm(side Side, uplo Uplo, trans Transpose, diag Diag, m, n int, alpha T, a, bm View[T]) error {
	name := routineName[T]("trmm")
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
				trmmLeftCol(uplo, trans, diag, m, alpha, a, bm.Data[j*bm.Ld:j*bm.Ld+m], op)
			}
		})
		return nil
	}
	b.parallel(m, m*n*n, func(lo, hi int) {
		trmmRightRows(uplo, trans, diag, n, alpha, a, bm, op, lo, hi)
	})
	return nil
}

func trmmLeftCol[T Scalar](uplo Uplo, trans Transpose, diag Diag, m int, alpha T, a View[T], x []T, op func(T) T) {
	var zero T
	if trans == NoTrans {
		if uplo == Upper {
			for k := 0; k < m; k++ {
				if x[k] == zero {
					continue
				}
				temp := alpha * x[k]
				ak := a.Data[k*a.Ld : k*a.Ld+k]
				for i, v := range ak {
					x[i] += temp * v
				}
				if diag == NonUnit {
					temp *= a.Data[k+k*a.Ld]
				}
				x[k] = temp
			}
			return
		}
		for k := m - 1; k >= 0; k-- {
			if x[k] == zero {
				continue
			}
			temp := alpha * x[k]
			x[k] = temp
			if diag == NonUnit {
				x[k] *= a.Data[k+k*a.Ld]
			}
			ak := a.Data[k*a.Ld+k+1 : k*a.Ld+m]
			for i, v := range ak {
				x[k+1+i] += temp * v
			}
		}
		return
	}
	if uplo == Upper {
		for i := m - 1; i >= 0; i-- {
			temp := x[i]
			if diag == NonUnit {
				temp *= op(a.Data[i+i*a.Ld])
			}
			ai := a.Data[i*a.Ld : i*a.Ld+i]
			for k, v := range ai {
				temp += op(v) * x[k]
			}
			x[i] = alpha * temp
		}
		return
	}
	for i := 0; i < m; i++ {
		temp := x[i]
		if diag == NonUnit {
			temp *= op(a.Data[i+i*a.Ld])
		}
		for k := i + 1; k < m; k++ {
			temp += op(a.Data[k+i*a.Ld]) * x[k]
		}
		x[i] = alpha * temp
	}
}

// trmmRightRows updates rows [lo, hi) of B = alpha*B*op(A).
func trmmRightRows[T Scalar](uplo Uplo, trans Transpose, diag Diag, n int, alpha T, a, b View[T], op func(T) T, lo, hi int) {
	var zero T
	col := func(j int) []T { return b.Data[j*b.Ld+lo : j*b.Ld+hi] }
	axpy := func(dst []T, s T, src []T) {
		for i := range dst {
			dst[i] += s * src[i]
		}
	}
	scale := func(x []T, s T) {
		if s == 1 {
			return
		}
		for i := range x {
			x[i] *= s
		}
	}
	if trans == NoTrans {
		step := func(j int, ks func(yield func(int) bool)) {
			temp := alpha
			if diag == NonUnit {
				temp *= a.Data[j+j*a.Ld]
			}
			bj := col(j)
			scale(bj, temp)
			for k := range ks {
				if akj := a.Data[k+j*a.Ld]; akj != zero {
					axpy(bj, alpha*akj, col(k))
				}
			}
		}
		if uplo == Upper {
			for j := n - 1; j >= 0; j-- {
				step(j, indices(0, j))
			}
		} else {
			for j := 0; j < n; j++ {
				step(j, indices(j+1, n))
			}
		}
		return
	}
	step := func(k int, js func(yield func(int) bool)) {
		bk := col(k)
		for j := range js {
			if ajk := a.Data[j+k*a.Ld]; ajk != zero {
				axpy(col(j), alpha*op(ajk), bk)
			}
		}
		temp := alpha
		if diag == NonUnit {
			temp *= op(a.Data[k+k*a.Ld])
		}
		scale(bk, temp)
	}
	if uplo == Upper {
		for k := 0; k < n; k++ {
			step(k, indices(0, k))
		}
	} else {
		for k := n - 1; k >= 0; k-- {
			step(k, indices(k+1, n))
		}
	}
}
