package gpu

import (
	"github.com/samcharles93/culapack/internal/registry"
	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
)

// Impl runs the routines for element type T on a handle. Every BLAS method
// validates its arguments, resolves the kernel specialised for them and
// enqueues it on the stream it is given without waiting for it.
type Impl[T blas.Scalar] struct {
	H *Handle
}

// On returns the routines for T on h.
func On[T blas.Scalar](h *Handle) Impl[T] { return Impl[T]{H: h} }

func (g Impl[T]) fail(routine string, index int) error {
	return g.H.errs.ParamError(routine, index)
}

// operand is a device matrix argument: the extent the routine touches and
// the argument indices of the matrix and its leading dimension.
type operand[T blas.Scalar] struct {
	m          Mat[T]
	rows, cols int
	index      int
	ldIndex    int
}

func checkOperands[T blas.Scalar](ops ...operand[T]) int {
	for _, op := range ops {
		switch {
		case op.m.Rows < op.rows || op.m.Cols < op.cols:
			return op.index
		case op.m.Ld < max(1, op.rows):
			return op.ldIndex
		case op.rows > 0 && op.cols > 0 && op.m.Ptr == 0:
			return op.index
		}
	}
	return 0
}

func ceilDiv(a, b int) int { return max(1, (a+b-1)/b) }

func (g Impl[T]) launch(s device.Stream, routine string, key registry.Key, grid device.Dim3, args ...any) error {
	fn, err := g.H.Function(key)
	if err != nil {
		return err
	}
	block := device.Dim3{X: key.BX, Y: max(1, key.BY), Z: 1}
	return Check(g.H.errs, routine, "LaunchKernel("+key.Name()+")", s.Launch(fn, grid, block, args...))
}

// Gemm computes C = alpha*op(A)*op(B) + beta*C.
func (g Impl[T]) Gemm(s device.Stream, transA, transB blas.Transpose, m, n, k int, alpha T, a, b Mat[T], beta T, c Mat[T]) error {
	return g.gemm(s, "gemm", transA, transB, m, n, k, alpha, a, b, beta, c, c)
}

// Gemm2 computes D = alpha*op(A)*op(B) + beta*C out of place. C is left
// unchanged unless D is C.
func (g Impl[T]) Gemm2(s device.Stream, transA, transB blas.Transpose, m, n, k int, alpha T, a, b Mat[T], beta T, c, d Mat[T]) error {
	return g.gemm(s, "gemm2", transA, transB, m, n, k, alpha, a, b, beta, c, d)
}

func (g Impl[T]) gemm(s device.Stream, base string, transA, transB blas.Transpose, m, n, k int, alpha T, a, b Mat[T], beta T, c, d Mat[T]) error {
	name := blas.PrecisionOf[T]().String() + base
	switch {
	case !validTrans(transA):
		return g.fail(name, 1)
	case !validTrans(transB):
		return g.fail(name, 2)
	case m < 0:
		return g.fail(name, 3)
	case n < 0:
		return g.fail(name, 4)
	case k < 0:
		return g.fail(name, 5)
	}
	ra, ca := m, k
	if transA != blas.NoTrans {
		ra, ca = k, m
	}
	rb, cb := k, n
	if transB != blas.NoTrans {
		rb, cb = n, k
	}
	var zero T
	quick := alpha == zero || k == 0
	ops := []operand[T]{
		{m: c, rows: m, cols: n, index: 12, ldIndex: 13},
		{m: d, rows: m, cols: n, index: 14, ldIndex: 15},
	}
	if !quick {
		ops = append([]operand[T]{
			{m: a, rows: ra, cols: ca, index: 7, ldIndex: 8},
			{m: b, rows: rb, cols: cb, index: 9, ldIndex: 10},
		}, ops...)
	} else {
		// A and B are not read but their leading dimensions are still arguments.
		if a.Ld < max(1, ra) {
			return g.fail(name, 8)
		}
		if b.Ld < max(1, rb) {
			return g.fail(name, 10)
		}
	}
	if idx := checkOperands(ops...); idx != 0 {
		return g.fail(name, idx)
	}

	if m == 0 || n == 0 || (quick && beta == 1 && c.same(d)) {
		return nil
	}
	p := blas.PrecisionOf[T]()
	key := registry.GemmKey(p, transA, transB)
	grid := device.Dim3{X: ceilDiv(m, key.MB), Y: ceilDiv(n, key.NB), Z: 1}
	if p.IsComplex() {
		return g.launch(s, name, key, grid, alpha, beta, a.Ptr, b.Ptr, c.Ptr, d.Ptr, a.Ld, b.Ld, c.Ld, d.Ld, m, n, k)
	}
	// Real kernels update C in place; D is staged from C first.
	if !c.same(d) && beta != zero {
		if err := CopyMat(g.H, s, d.Sub(0, 0, m, n), c.Sub(0, 0, m, n)); err != nil {
			return err
		}
	}
	return g.launch(s, name, key, grid, m, n, k, alpha, a.Ptr, a.Ld, b.Ptr, b.Ld, beta, d.Ptr, d.Ld)
}

// Herk computes the uplo triangle of C = alpha*A*Aᴴ + beta*C (trans ==
// NoTrans) or alpha*Aᴴ*A + beta*C. For real T this is SYRK.
func (g Impl[T]) Herk(s device.Stream, uplo blas.Uplo, trans blas.Transpose, n, k int, alpha float64, a Mat[T], beta float64, c Mat[T]) error {
	p := blas.PrecisionOf[T]()
	name := p.String() + "herk"
	if !p.IsComplex() {
		name = p.String() + "syrk"
	}
	switch {
	case uplo != blas.Upper && uplo != blas.Lower:
		return g.fail(name, 1)
	case !validTrans(trans) || (trans == blas.Trans && p.IsComplex()):
		return g.fail(name, 2)
	case n < 0:
		return g.fail(name, 3)
	case k < 0:
		return g.fail(name, 4)
	}
	ra, ca := n, k
	if trans != blas.NoTrans {
		ra, ca = k, n
	}
	if idx := checkOperands(
		operand[T]{m: a, rows: ra, cols: ca, index: 6, ldIndex: 7},
		operand[T]{m: c, rows: n, cols: n, index: 9, ldIndex: 10},
	); idx != 0 {
		return g.fail(name, idx)
	}
	if n == 0 || ((alpha == 0 || k == 0) && beta == 1) {
		return nil
	}
	key := registry.HerkKey(p, uplo, trans)
	tiles := ceilDiv(n, key.NB)
	grid := device.Dim3{X: tiles, Y: tiles, Z: 1}
	return g.launch(s, name, key, grid, n, k, alpha, a.Ptr, a.Ld, beta, c.Ptr, c.Ld)
}

// Trsm solves op(A)*X = alpha*B (side == Left) or X*op(A) = alpha*B for X,
// overwriting B.
func (g Impl[T]) Trsm(s device.Stream, side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag, m, n int, alpha T, a, b Mat[T]) error {
	name := blas.PrecisionOf[T]().String() + "trsm"
	if err := g.checkTriangular(name, side, uplo, trans, diag, m, n, alpha, a, b, nil); err != nil {
		return err
	}
	if m == 0 || n == 0 {
		return nil
	}
	key := registry.TrsmKey(blas.PrecisionOf[T](), side, uplo, trans, diag)
	return g.launch(s, name, key, stripGrid(key, side, m, n), m, n, alpha, a.Ptr, a.Ld, b.Ptr, b.Ld)
}

// Trmm2 computes X = alpha*op(A)*B (side == Left) or X = alpha*B*op(A) out
// of place. X may be B.
func (g Impl[T]) Trmm2(s device.Stream, side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag, m, n int, alpha T, a, b, x Mat[T]) error {
	name := blas.PrecisionOf[T]().String() + "trmm2"
	if err := g.checkTriangular(name, side, uplo, trans, diag, m, n, alpha, a, b, &x); err != nil {
		return err
	}
	if m == 0 || n == 0 {
		return nil
	}
	key := registry.TrmmKey(blas.PrecisionOf[T](), side, uplo, trans, diag)
	return g.launch(s, name, key, stripGrid(key, side, m, n), m, n, alpha, a.Ptr, a.Ld, b.Ptr, b.Ld, x.Ptr, x.Ld)
}

// Trmm computes B = alpha*op(A)*B or B = alpha*B*op(A) in place.
func (g Impl[T]) Trmm(s device.Stream, side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag, m, n int, alpha T, a, b Mat[T]) error {
	return g.Trmm2(s, side, uplo, trans, diag, m, n, alpha, a, b, b)
}

// stripGrid gives left-side kernels one block per NB columns and right-side
// kernels one block per MB rows.
func stripGrid(key registry.Key, side blas.Side, m, n int) device.Dim3 {
	if side == blas.Left {
		return device.Dim3{X: ceilDiv(n, key.NB), Y: 1, Z: 1}
	}
	return device.Dim3{X: ceilDiv(m, key.MB), Y: 1, Z: 1}
}

func (g Impl[T]) checkTriangular(name string, side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag, m, n int, alpha T, a, b Mat[T], x *Mat[T]) error {
	switch {
	case side != blas.Left && side != blas.Right:
		return g.fail(name, 1)
	case uplo != blas.Upper && uplo != blas.Lower:
		return g.fail(name, 2)
	case !validTrans(trans):
		return g.fail(name, 3)
	case diag != blas.NonUnit && diag != blas.Unit:
		return g.fail(name, 4)
	case m < 0:
		return g.fail(name, 5)
	case n < 0:
		return g.fail(name, 6)
	}
	order := m
	if side == blas.Right {
		order = n
	}
	var zero T
	ops := []operand[T]{{m: b, rows: m, cols: n, index: 10, ldIndex: 11}}
	if alpha != zero {
		ops = append([]operand[T]{{m: a, rows: order, cols: order, index: 8, ldIndex: 9}}, ops...)
	} else if a.Ld < max(1, order) {
		return g.fail(name, 9)
	}
	if x != nil {
		ops = append(ops, operand[T]{m: *x, rows: m, cols: n, index: 12, ldIndex: 13})
	}
	if idx := checkOperands(ops...); idx != 0 {
		return g.fail(name, idx)
	}
	return nil
}

func validTrans(t blas.Transpose) bool {
	return t == blas.NoTrans || t == blas.Trans || t == blas.ConjTrans
}
