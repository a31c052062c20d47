package multigpu

import (
	"errors"

	"github.com/samcharles93/culapack/internal/pipeline"
	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
	"github.com/samcharles93/culapack/pkg/gpu"
)

// panels are the operand blocks held by one pipeline slot.
type panels[T blas.Scalar] struct {
	a, b gpu.Mat[T]
}

// tilePlan is the device state of a tiled GEMM or HERK: two slots of operand
// panels on the handle's two streams and the output tile.
type tilePlan[T blas.Scalar] struct {
	ring *pipeline.Ring[panels[T]]
	ev   device.Event
	bufs [2]panels[T]
	c    gpu.Mat[T]
}

func (p *tilePlan[T]) free(h *gpu.Handle) error {
	var errs []error
	for _, b := range p.bufs {
		errs = append(errs, gpu.FreeMat(h, b.a), gpu.FreeMat(h, b.b))
	}
	errs = append(errs, gpu.FreeMat(h, p.c))
	if p.ev != nil {
		errs = append(errs, p.ev.Destroy())
	}
	return errors.Join(errs...)
}

// tileSetup allocates a tilePlan with panels of the given shapes.
type tileSetup[T blas.Scalar] struct {
	aRows, aCols int
	bRows, bCols int
	cRows, cCols int
}

func (s tileSetup[T]) exec(w *worker) (err error) {
	h := w.h
	p := &tilePlan[T]{}
	defer func() {
		if err != nil {
			err = errors.Join(err, p.free(h))
		}
	}()
	for i := range p.bufs {
		if p.bufs[i].a, err = gpu.AllocMat[T](h, s.aRows, s.aCols); err != nil {
			return err
		}
		if p.bufs[i].b, err = gpu.AllocMat[T](h, s.bRows, s.bCols); err != nil {
			return err
		}
	}
	if p.c, err = gpu.AllocMat[T](h, s.cRows, s.cCols); err != nil {
		return err
	}
	if p.ev, err = h.Context().CreateEvent(); err != nil {
		p.ev = nil
		return gpu.Check(h.Errors(), "setup", "CreateEvent", err)
	}
	p.ring = pipeline.New(
		pipeline.Slot[panels[T]]{Buf: p.bufs[0], Stream: h.Stream(0)},
		pipeline.Slot[panels[T]]{Buf: p.bufs[1], Stream: h.Stream(1)},
		p.ev,
	)
	w.plan = p
	return nil
}

// kernelTile is a tile whose output accumulates over blocks of the inner
// dimension.
type kernelTile[T blas.Scalar] interface {
	blocks() int
	// load enqueues the copy of inner block l into dst on s.
	load(h *gpu.Handle, s device.Stream, l int, dst panels[T]) error
	// step enqueues the update of c with inner block l, read from src.
	step(g gpu.Impl[T], s device.Stream, l int, src panels[T], c gpu.Mat[T]) error
}

// runTile streams the inner blocks of t through the worker's ring: block l+1
// is copied into the fill slot while block l is consumed from the compute
// slot. The host tile c is uploaded first when load is set and copied back
// once every block has been consumed.
func runTile[T blas.Scalar](w *worker, routine string, t kernelTile[T], c blas.View[T], load bool) error {
	p, err := planOf[*tilePlan[T]](w)
	if err != nil {
		return err
	}
	h, r := w.h, p.ring
	dc := p.c.Sub(0, 0, c.Rows, c.Cols)
	if load {
		if err := gpu.Upload(h, r.Compute().Stream, dc, c); err != nil {
			return err
		}
	}
	if err := t.load(h, r.Compute().Stream, 0, r.Compute().Buf); err != nil {
		return err
	}
	g := gpu.On[T](h)
	for l := 0; l < t.blocks(); l++ {
		if l+1 < t.blocks() {
			f := r.Fill()
			if err := t.load(h, f.Stream, l+1, f.Buf); err != nil {
				return err
			}
		}
		cs := r.Compute()
		if err := t.step(g, cs.Stream, l, cs.Buf, dc); err != nil {
			return err
		}
		if err := r.Flip(); err != nil {
			return gpu.Check(h.Errors(), routine, "EventRecord", err)
		}
	}
	if err := gpu.Download(h, r.Compute().Stream, c, dc); err != nil {
		return err
	}
	return h.Synchronize()
}

func inner(k, kb, l int) (int, int) {
	off := l * kb
	return off, min(kb, k-off)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// gemmTile computes one mt x nt tile of C. a and b are the host rows of op(A)
// and columns of op(B) the tile needs, over the whole inner dimension.
type gemmTile[T blas.Scalar] struct {
	transA, transB blas.Transpose
	m, n, k, kb    int
	alpha, beta    T
	a, b, c        blas.View[T]
}

func (t *gemmTile[T]) blocks() int { return ceilDiv(t.k, t.kb) }

func (t *gemmTile[T]) load(h *gpu.Handle, s device.Stream, l int, dst panels[T]) error {
	off, kt := inner(t.k, t.kb, l)
	a, b := panelA(t.transA, t.a, t.m, off, kt), panelB(t.transB, t.b, t.n, off, kt)
	if err := gpu.Upload(h, s, dst.a.Sub(0, 0, a.Rows, a.Cols), a); err != nil {
		return err
	}
	return gpu.Upload(h, s, dst.b.Sub(0, 0, b.Rows, b.Cols), b)
}

func (t *gemmTile[T]) step(g gpu.Impl[T], s device.Stream, l int, src panels[T], c gpu.Mat[T]) error {
	_, kt := inner(t.k, t.kb, l)
	a, b := shapeA(t.transA, t.m, kt), shapeB(t.transB, t.n, kt)
	beta := t.beta
	if l > 0 {
		beta = 1
	}
	return g.Gemm(s, t.transA, t.transB, t.m, t.n, kt, t.alpha, src.a.Sub(0, 0, a[0], a[1]), src.b.Sub(0, 0, b[0], b[1]), beta, c)
}

func (t *gemmTile[T]) exec(w *worker) error {
	var zero T
	return runTile[T](w, "gemm", t, t.c, t.beta != zero)
}

// panelA returns inner block [off, off+kt) of the m rows of op(A) held in a.
func panelA[T blas.Scalar](trans blas.Transpose, a blas.View[T], m, off, kt int) blas.View[T] {
	if trans == blas.NoTrans {
		return a.Sub(0, off, m, kt)
	}
	return a.Sub(off, 0, kt, m)
}

// panelB returns inner block [off, off+kt) of the n columns of op(B) held in b.
func panelB[T blas.Scalar](trans blas.Transpose, b blas.View[T], n, off, kt int) blas.View[T] {
	if trans == blas.NoTrans {
		return b.Sub(off, 0, kt, n)
	}
	return b.Sub(0, off, n, kt)
}

func shapeA(trans blas.Transpose, m, kt int) [2]int {
	if trans == blas.NoTrans {
		return [2]int{m, kt}
	}
	return [2]int{kt, m}
}

func shapeB(trans blas.Transpose, n, kt int) [2]int {
	if trans == blas.NoTrans {
		return [2]int{kt, n}
	}
	return [2]int{n, kt}
}

// herkTile computes one tile of the referenced triangle of C. Diagonal tiles
// run the rank-k kernel on a alone; off-diagonal tiles are a GEMM of the row
// panels a and b.
type herkTile[T blas.Scalar] struct {
	uplo        blas.Uplo
	trans       blas.Transpose
	diagonal    bool
	m, n, k, kb int
	alpha, beta float64
	a, b, c     blas.View[T]
}

func (t *herkTile[T]) blocks() int { return ceilDiv(t.k, t.kb) }

// ops returns the GEMM transposes equivalent to the tile's product.
func (t *herkTile[T]) ops() (blas.Transpose, blas.Transpose) {
	if t.trans == blas.NoTrans {
		return blas.NoTrans, blas.ConjTrans
	}
	return blas.ConjTrans, blas.NoTrans
}

func (t *herkTile[T]) load(h *gpu.Handle, s device.Stream, l int, dst panels[T]) error {
	off, kt := inner(t.k, t.kb, l)
	ta, tb := t.ops()
	a := panelA(ta, t.a, t.m, off, kt)
	if err := gpu.Upload(h, s, dst.a.Sub(0, 0, a.Rows, a.Cols), a); err != nil {
		return err
	}
	if t.diagonal {
		return nil
	}
	b := panelB(tb, t.b, t.n, off, kt)
	return gpu.Upload(h, s, dst.b.Sub(0, 0, b.Rows, b.Cols), b)
}

func (t *herkTile[T]) step(g gpu.Impl[T], s device.Stream, l int, src panels[T], c gpu.Mat[T]) error {
	_, kt := inner(t.k, t.kb, l)
	beta := t.beta
	if l > 0 {
		beta = 1
	}
	ta, tb := t.ops()
	a := shapeA(ta, t.m, kt)
	if t.diagonal {
		return g.Herk(s, t.uplo, t.trans, t.n, kt, t.alpha, src.a.Sub(0, 0, a[0], a[1]), beta, c)
	}
	b := shapeB(tb, t.n, kt)
	return g.Gemm(s, ta, tb, t.m, t.n, kt, blas.FromReal[T](t.alpha), src.a.Sub(0, 0, a[0], a[1]), src.b.Sub(0, 0, b[0], b[1]), blas.FromReal[T](beta), c)
}

func (t *herkTile[T]) exec(w *worker) error {
	// A diagonal tile is copied back whole, so its other triangle has to
	// reach the device first.
	return runTile[T](w, "herk", t, t.c, t.beta != 0 || t.diagonal)
}

// stripPlan is the device state of a distributed TRSM or TRMM: the whole
// triangular operand and room for one strip of B.
type stripPlan[T blas.Scalar] struct {
	a, b gpu.Mat[T]
}

func (p *stripPlan[T]) free(h *gpu.Handle) error {
	return errors.Join(gpu.FreeMat(h, p.a), gpu.FreeMat(h, p.b))
}

// stripSetup uploads the triangular operand and allocates the strip buffer.
type stripSetup[T blas.Scalar] struct {
	a          blas.View[T]
	rows, cols int
}

func (s stripSetup[T]) exec(w *worker) (err error) {
	h := w.h
	p := &stripPlan[T]{}
	defer func() {
		if err != nil {
			err = errors.Join(err, p.free(h))
		}
	}()
	if p.a, err = gpu.AllocMat[T](h, s.a.Rows, s.a.Cols); err != nil {
		return err
	}
	if p.b, err = gpu.AllocMat[T](h, s.rows, s.cols); err != nil {
		return err
	}
	if err := gpu.Upload(h, h.Stream(0), p.a, s.a); err != nil {
		return err
	}
	if err := gpu.Check(h.Errors(), "setup", "StreamSynchronize", h.Stream(0).Synchronize()); err != nil {
		return err
	}
	w.plan = p
	return nil
}

// stripTask applies the triangular operand to one strip of B in place.
type stripTask[T blas.Scalar] struct {
	solve bool
	side  blas.Side
	uplo  blas.Uplo
	trans blas.Transpose
	diag  blas.Diag
	alpha T
	b     blas.View[T]
}

func (t *stripTask[T]) exec(w *worker) error {
	p, err := planOf[*stripPlan[T]](w)
	if err != nil {
		return err
	}
	h, s := w.h, w.h.Stream(0)
	m, n := t.b.Rows, t.b.Cols
	db := p.b.Sub(0, 0, m, n)
	if err := gpu.Upload(h, s, db, t.b); err != nil {
		return err
	}
	g := gpu.On[T](h)
	if t.solve {
		err = g.Trsm(s, t.side, t.uplo, t.trans, t.diag, m, n, t.alpha, p.a, db)
	} else {
		err = g.Trmm(s, t.side, t.uplo, t.trans, t.diag, m, n, t.alpha, p.a, db)
	}
	if err != nil {
		return err
	}
	if err := gpu.Download(h, s, t.b, db); err != nil {
		return err
	}
	return gpu.Check(h.Errors(), "strip", "StreamSynchronize", s.Synchronize())
}
