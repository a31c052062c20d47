package blas

// Gemm computes C = alpha*op(A)*op(B) + beta*C where op(A) is m x k, op(B)
// is k x n and C is m x n.
func (b Impl[T]) Gemm(transA, transB Transpose, m, n, k int, alpha T, a, bm View[T], beta T, c View[T]) error {
	name := routineName[T]("gemm")
	switch {
	case !transA.valid():
		return b.fail(name, 1)
	case !transB.valid():
		return b.fail(name, 2)
	case m < 0:
		return b.fail(name, 3)
	case n < 0:
		return b.fail(name, 4)
	case k < 0:
		return b.fail(name, 5)
	}
	rowsA, colsA := m, k
	if transA != NoTrans {
		rowsA, colsA = k, m
	}
	rowsB, colsB := k, n
	if transB != NoTrans {
		rowsB, colsB = n, k
	}
	if idx := CheckOperands(
		Operand[T]{V: a, Rows: rowsA, Cols: colsA, Index: 7, LdIndex: 8},
		Operand[T]{V: bm, Rows: rowsB, Cols: colsB, Index: 9, LdIndex: 10},
		Operand[T]{V: c, Rows: m, Cols: n, Index: 12, LdIndex: 13},
	); idx != 0 {
		return b.fail(name, idx)
	}

	var zero T
	if m == 0 || n == 0 || ((alpha == zero || k == 0) && beta == 1) {
		return nil
	}
	if alpha == zero || k == 0 {
		for j := 0; j < n; j++ {
			scaleCol(c.Data[j*c.Ld:j*c.Ld+m], beta)
		}
		return nil
	}

	opA, opB := opFunc[T](transA), opFunc[T](transB)
	b.parallel(n, m*n*k, func(lo, hi int) {
		gemmCols(transA, transB, m, k, alpha, a, bm, beta, c, opA, opB, lo, hi)
	})
	return nil
}

func gemmCols[T Scalar](transA, transB Transpose, m, k int, alpha T, a, b View[T], beta T, c View[T], opA, opB func(T) T, lo, hi int) {
	var zero T
	for j := lo; j < hi; j++ {
		cj := c.Data[j*c.Ld : j*c.Ld+m]
		switch {
		case transA == NoTrans:
			scaleCol(cj, beta)
			for l := 0; l < k; l++ {
				var blj T
				if transB == NoTrans {
					blj = b.Data[l+j*b.Ld]
				} else {
					blj = opB(b.Data[j+l*b.Ld])
				}
				if blj == zero {
					continue
				}
				temp := alpha * blj
				al := a.Data[l*a.Ld : l*a.Ld+m]
				for i, v := range al {
					cj[i] += temp * v
				}
			}
		default:
			for i := 0; i < m; i++ {
				ai := a.Data[i*a.Ld : i*a.Ld+k]
				var temp T
				if transB == NoTrans {
					bj := b.Data[j*b.Ld : j*b.Ld+k]
					for l, v := range ai {
						temp += opA(v) * bj[l]
					}
				} else {
					for l, v := range ai {
						temp += opA(v) * opB(b.Data[j+l*b.Ld])
					}
				}
				if beta == zero {
					cj[i] = alpha * temp
				} else {
					cj[i] = alpha*temp + beta*cj[i]
				}
			}
		}
	}
}
