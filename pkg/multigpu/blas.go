package multigpu

import (
	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/tuning"
)

// Impl runs the routines for element type T across a pool. Operands are
// host views; every call returns once the result is back in host memory.
type Impl[T blas.Scalar] struct {
	P *Pool
}

// On returns the routines for T on p.
func On[T blas.Scalar](p *Pool) Impl[T] { return Impl[T]{P: p} }

func (d Impl[T]) cpu() blas.Impl[T] { return blas.Impl[T]{Errors: d.P.cfg.Errors} }

func (d Impl[T]) table() tuning.Table { return d.P.tuning.For(blas.PrecisionOf[T]()) }

func (d Impl[T]) fail(routine string, index int) error {
	return d.P.cfg.Errors.ParamError(routine, index)
}

func routineName[T blas.Scalar](base string) string {
	return blas.PrecisionOf[T]().String() + base
}

func validTrans(t blas.Transpose) bool {
	return t == blas.NoTrans || t == blas.Trans || t == blas.ConjTrans
}

// Gemm computes C = alpha*op(A)*op(B) + beta*C. C is split into MB x NB
// tiles; each tile streams the inner dimension through its device in KB
// blocks. Problems smaller than one tile in both dimensions, and calls that
// do not read A and B, run on the CPU.
func (d Impl[T]) Gemm(transA, transB blas.Transpose, m, n, k int, alpha T, a, b blas.View[T], beta T, c blas.View[T]) error {
	name := routineName[T]("gemm")
	switch {
	case !validTrans(transA):
		return d.fail(name, 1)
	case !validTrans(transB):
		return d.fail(name, 2)
	case m < 0:
		return d.fail(name, 3)
	case n < 0:
		return d.fail(name, 4)
	case k < 0:
		return d.fail(name, 5)
	}
	ra, ca := m, k
	if transA != blas.NoTrans {
		ra, ca = k, m
	}
	rb, cb := k, n
	if transB != blas.NoTrans {
		rb, cb = n, k
	}
	if idx := blas.CheckOperands(
		blas.Operand[T]{V: a, Rows: ra, Cols: ca, Index: 7, LdIndex: 8},
		blas.Operand[T]{V: b, Rows: rb, Cols: cb, Index: 9, LdIndex: 10},
		blas.Operand[T]{V: c, Rows: m, Cols: n, Index: 12, LdIndex: 13},
	); idx != 0 {
		return d.fail(name, idx)
	}
	if m == 0 || n == 0 {
		return nil
	}
	var zero T
	blk := d.table().Gemm(transA, transB)
	if alpha == zero || k == 0 || (m < blk.MB && n < blk.NB) {
		return d.cpu().Gemm(transA, transB, m, n, k, alpha, a, b, beta, c)
	}

	mb, nb, kb := min(blk.MB, m), min(blk.NB, n), min(blk.KB, k)
	as, bs := shapeA(transA, mb, kb), shapeB(transB, nb, kb)
	op, err := d.P.begin(name, ceilDiv(m, mb)*ceilDiv(n, nb), tileSetup[T]{
		aRows: as[0], aCols: as[1],
		bRows: bs[0], bCols: bs[1],
		cRows: mb, cCols: nb,
	})
	if err != nil {
		return err
	}
	for j := 0; j < n; j += nb {
		nt := min(nb, n-j)
		for i := 0; i < m; i += mb {
			mt := min(mb, m-i)
			t := &gemmTile[T]{
				transA: transA, transB: transB,
				m: mt, n: nt, k: k, kb: kb,
				alpha: alpha, beta: beta,
				c: c.Sub(i, j, mt, nt),
			}
			if transA == blas.NoTrans {
				t.a = a.Sub(i, 0, mt, k)
			} else {
				t.a = a.Sub(0, i, k, mt)
			}
			if transB == blas.NoTrans {
				t.b = b.Sub(0, j, k, nt)
			} else {
				t.b = b.Sub(j, 0, nt, k)
			}
			op.tile(TaskInfo{Row: i, Col: j, Rows: mt, Cols: nt}, t)
		}
	}
	return op.wait()
}

// Herk computes the uplo triangle of C = alpha*A*Aᴴ + beta*C (trans ==
// NoTrans) or alpha*Aᴴ*A + beta*C. The triangle is split into NB x NB tiles;
// diagonal tiles run the rank-k kernel and the others a GEMM.
func (d Impl[T]) Herk(uplo blas.Uplo, trans blas.Transpose, n, k int, alpha float64, a blas.View[T], beta float64, c blas.View[T]) error {
	p := blas.PrecisionOf[T]()
	name := routineName[T]("herk")
	if !p.IsComplex() {
		name = routineName[T]("syrk")
	}
	switch {
	case uplo != blas.Upper && uplo != blas.Lower:
		return d.fail(name, 1)
	case !validTrans(trans) || (trans == blas.Trans && p.IsComplex()):
		return d.fail(name, 2)
	case n < 0:
		return d.fail(name, 3)
	case k < 0:
		return d.fail(name, 4)
	}
	ra, ca := n, k
	if trans != blas.NoTrans {
		ra, ca = k, n
	}
	if idx := blas.CheckOperands(
		blas.Operand[T]{V: a, Rows: ra, Cols: ca, Index: 6, LdIndex: 7},
		blas.Operand[T]{V: c, Rows: n, Cols: n, Index: 9, LdIndex: 10},
	); idx != 0 {
		return d.fail(name, idx)
	}
	if n == 0 {
		return nil
	}
	blk := d.table().Herk
	if alpha == 0 || k == 0 || n < blk.NB {
		return d.cpu().Herk(uplo, trans, n, k, alpha, a, beta, c)
	}

	nb, kb := blk.NB, min(blk.KB, k)
	tiles := ceilDiv(n, nb)
	panel := shapeA(blas.NoTrans, nb, kb)
	if trans != blas.NoTrans {
		panel = shapeA(blas.ConjTrans, nb, kb)
	}
	op, err := d.P.begin(name, tiles*(tiles+1)/2, tileSetup[T]{
		aRows: panel[0], aCols: panel[1],
		bRows: panel[0], bCols: panel[1],
		cRows: nb, cCols: nb,
	})
	if err != nil {
		return err
	}
	rows := func(i, r int) blas.View[T] {
		if trans == blas.NoTrans {
			return a.Sub(i, 0, r, k)
		}
		return a.Sub(0, i, k, r)
	}
	for j := 0; j < n; j += nb {
		nt := min(nb, n-j)
		i0, i1 := 0, j+1
		if uplo == blas.Lower {
			i0, i1 = j, n
		}
		for i := i0; i < i1; i += nb {
			mt := min(nb, n-i)
			t := &herkTile[T]{
				uplo: uplo, trans: trans, diagonal: i == j,
				m: mt, n: nt, k: k, kb: kb,
				alpha: alpha, beta: beta,
				a: rows(i, mt), b: rows(j, nt),
				c: c.Sub(i, j, mt, nt),
			}
			op.tile(TaskInfo{Row: i, Col: j, Rows: mt, Cols: nt}, t)
		}
	}
	return op.wait()
}

// Trsm solves op(A)*X = alpha*B (side == Left) or X*op(A) = alpha*B for X,
// overwriting B. Every device holds all of A and solves NB-column (Left) or
// MB-row (Right) strips of B.
func (d Impl[T]) Trsm(side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag, m, n int, alpha T, a, b blas.View[T]) error {
	name := routineName[T]("trsm")
	if err := d.checkTriangular(name, side, uplo, trans, diag, m, n, a, b); err != nil {
		return err
	}
	if m == 0 || n == 0 {
		return nil
	}
	var zero T
	blk := d.table().Trsm
	if alpha == zero || (m < blk.MB && n < blk.NB) {
		return d.cpu().Trsm(side, uplo, trans, diag, m, n, alpha, a, b)
	}
	return d.strips(name, true, blk, side, uplo, trans, diag, m, n, alpha, a, b)
}

// Trmm computes B = alpha*op(A)*B (side == Left) or B = alpha*B*op(A),
// distributed in strips like Trsm.
func (d Impl[T]) Trmm(side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag, m, n int, alpha T, a, b blas.View[T]) error {
	name := routineName[T]("trmm")
	if err := d.checkTriangular(name, side, uplo, trans, diag, m, n, a, b); err != nil {
		return err
	}
	if m == 0 || n == 0 {
		return nil
	}
	var zero T
	blk := d.table().Trmm
	if alpha == zero || (m < blk.MB && n < blk.NB) {
		return d.cpu().Trmm(side, uplo, trans, diag, m, n, alpha, a, b)
	}
	return d.strips(name, false, blk, side, uplo, trans, diag, m, n, alpha, a, b)
}

func (d Impl[T]) strips(name string, solve bool, blk tuning.Blocks, side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag, m, n int, alpha T, a, b blas.View[T]) error {
	order, count := m, n
	width := min(blk.NB, n)
	if side == blas.Right {
		order, count = n, m
		width = min(blk.MB, m)
	}
	setup := stripSetup[T]{a: a.Sub(0, 0, order, order), rows: m, cols: width}
	if side == blas.Right {
		setup.rows, setup.cols = width, n
	}
	op, err := d.P.begin(name, ceilDiv(count, width), setup)
	if err != nil {
		return err
	}
	for s := 0; s < count; s += width {
		w := min(width, count-s)
		t := &stripTask[T]{solve: solve, side: side, uplo: uplo, trans: trans, diag: diag, alpha: alpha}
		info := TaskInfo{Row: 0, Col: s, Rows: m, Cols: w}
		if side == blas.Left {
			t.b = b.Sub(0, s, m, w)
		} else {
			t.b = b.Sub(s, 0, w, n)
			info = TaskInfo{Row: s, Col: 0, Rows: w, Cols: n}
		}
		op.tile(info, t)
	}
	return op.wait()
}

func (d Impl[T]) checkTriangular(name string, side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag, m, n int, a, b blas.View[T]) error {
	switch {
	case side != blas.Left && side != blas.Right:
		return d.fail(name, 1)
	case uplo != blas.Upper && uplo != blas.Lower:
		return d.fail(name, 2)
	case !validTrans(trans):
		return d.fail(name, 3)
	case diag != blas.NonUnit && diag != blas.Unit:
		return d.fail(name, 4)
	case m < 0:
		return d.fail(name, 5)
	case n < 0:
		return d.fail(name, 6)
	}
	order := m
	if side == blas.Right {
		order = n
	}
	if idx := blas.CheckOperands(
		blas.Operand[T]{V: a, Rows: order, Cols: order, Index: 8, LdIndex: 9},
		blas.Operand[T]{V: b, Rows: m, Cols: n, Index: 10, LdIndex: 11},
	); idx != 0 {
		return d.fail(name, idx)
	}
	return nil
}
