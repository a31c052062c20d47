package blas

// Herk computes the rank-k update C = alpha*A*Aᴴ + beta*C (trans == NoTrans,
// A is n x k) or C = alpha*Aᴴ*A + beta*C (A is k x n) on the uplo triangle of
// the n x n matrix C. For real T this is SYRK and Trans is accepted as a
// synonym of ConjTrans; for complex T the diagonal of C is kept real.
func (b Impl[T]) Herk(uplo Uplo, trans Transpose, n, k int, alpha float64, a View[T], beta float64, c View[T]) error {
	name := routineName[T]("herk")
	if !IsComplex[T]() {
		name = routineName[T]("syrk")
	}
	switch {
	case !uplo.valid():
		return b.fail(name, 1)
	case !trans.valid() || (trans == Trans && IsComplex[T]()):
		return b.fail(name, 2)
	case n < 0:
		return b.fail(name, 3)
	case k < 0:
		return b.fail(name, 4)
	}
	rowsA, colsA := n, k
	if trans != NoTrans {
		rowsA, colsA = k, n
	}
	if idx := CheckOperands(
		Operand[T]{V: a, Rows: rowsA, Cols: colsA, Index: 6, LdIndex: 7},
		Operand[T]{V: c, Rows: n, Cols: n, Index: 9, LdIndex: 10},
	); idx != 0 {
		return b.fail(name, idx)
	}

	if n == 0 || ((alpha == 0 || k == 0) && beta == 1) {
		return nil
	}
	alphaT, betaT := FromReal[T](alpha), FromReal[T](beta)
	cplx := IsComplex[T]()
	b.parallel(n, n*n*max(k, 1)/2, func(lo, hi int) {
		for j := lo; j < hi; j++ {
			i0, i1 := 0, j+1
			if uplo == Lower {
				i0, i1 = j, n
			}
			cj := c.Data[j*c.Ld+i0 : j*c.Ld+i1]
			if alpha == 0 || k == 0 || trans == NoTrans {
				scaleCol(cj, betaT)
			}
			if alpha != 0 && k != 0 {
				if trans == NoTrans {
					herkColN(a, k, alphaT, i0, j, cj)
				} else {
					herkColC(a, k, alphaT, betaT, i0, j, cj)
				}
			}
			if cplx {
				d := c.Data[j+j*c.Ld]
				c.Data[j+j*c.Ld] = FromReal[T](Real(d))
			}
		}
	})
	return nil
}

// herkColN accumulates column j of alpha*A*Aᴴ into cj, which holds rows i0.. of C.
func herkColN[T Scalar](a View[T], k int, alpha T, i0, j int, cj []T) {
	var zero T
	for l := 0; l < k; l++ {
		ajl := a.Data[j+l*a.Ld]
		if ajl == zero {
			continue
		}
		temp := alpha * Conj(ajl)
		al := a.Data[l*a.Ld+i0 : l*a.Ld+i0+len(cj)]
		for i, v := range al {
			cj[i] += temp * v
		}
	}
}

// herkColC writes column j of alpha*Aᴴ*A + beta*C into cj.
func herkColC[T Scalar](a View[T], k int, alpha, beta T, i0, j int, cj []T) {
	var zero T
	aj := a.Data[j*a.Ld : j*a.Ld+k]
	for r := range cj {
		i := i0 + r
		ai := a.Data[i*a.Ld : i*a.Ld+k]
		var temp T
		for l, v := range ai {
			temp += Conj(v) * aj[l]
		}
		if beta == zero {
			cj[r] = alpha * temp
		} else {
			cj[r] = alpha*temp + beta*cj[r]
		}
	}
}

// Syrk is Herk for real element types.
func (b Impl[T]) Syrk(uplo Uplo, trans Transpose, n, k int, alpha float64, a View[T], beta float64, c View[T]) error {
	return b.Herk(uplo, trans, n, k, alpha, a, beta, c)
}
