package gpu

import (
	"errors"

	"github.com/samcharles93/culapack/internal/registry"
	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
	"github.com/samcharles93/culapack/pkg/lapack"
)

// The block sizes of the device recurrences follow the GEMM that dominates
// each of them, so that the trailing updates run whole kernel tiles.

func potrfBlock(p blas.Precision, uplo blas.Uplo) int {
	if uplo == blas.Upper {
		return registry.GemmKey(p, blas.ConjTrans, blas.NoTrans).MB
	}
	return registry.GemmKey(p, blas.NoTrans, blas.ConjTrans).NB
}

func lauumBlock(p blas.Precision, uplo blas.Uplo) int {
	if uplo == blas.Upper {
		return registry.GemmKey(p, blas.NoTrans, blas.ConjTrans).MB
	}
	return registry.GemmKey(p, blas.ConjTrans, blas.NoTrans).MB
}

func trtriBlock(p blas.Precision) int {
	return registry.TrmmKey(p, blas.Left, blas.Upper, blas.NoTrans, blas.NonUnit).MB
}

// host returns the CPU routines used on diagonal blocks.
func (g Impl[T]) host() lapack.Impl[T] {
	return lapack.Impl[T]{BLAS: blas.Impl[T]{Errors: g.H.errs}}
}

func (g Impl[T]) checkSquare(name string, uplo blas.Uplo, n int, a Mat[T]) (int, error) {
	switch {
	case uplo != blas.Upper && uplo != blas.Lower:
		return -1, g.fail(name, 1)
	case n < 0:
		return -2, g.fail(name, 2)
	}
	if idx := checkOperands(operand[T]{m: a, rows: n, cols: n, index: 3, ldIndex: 4}); idx != 0 {
		return -idx, g.fail(name, idx)
	}
	return 0, nil
}

// recurrence holds what a blocked device routine needs for its lifetime: the
// two streams, events ordering them and the host staging block.
type recurrence[T blas.Scalar] struct {
	g      Impl[T]
	name   string
	s0, s1 device.Stream
	ev     [2]device.Event
	stage  blas.View[T]
}

func (g Impl[T]) begin(name string, nb int) (*recurrence[T], error) {
	h := g.H
	r := &recurrence[T]{g: g, name: name, s0: h.streams[0], s1: h.streams[1]}
	for i := range r.ev {
		e, err := h.ctx.CreateEvent()
		if err != nil {
			return nil, errors.Join(Check(h.errs, name, "CreateEvent", err), r.end())
		}
		r.ev[i] = e
	}
	stage, err := AllocHost[T](h, (nb+1)&^1, nb, nb)
	if err != nil {
		return nil, errors.Join(err, r.end())
	}
	r.stage = stage
	return r, nil
}

// end waits for both streams and releases the recurrence's resources.
func (r *recurrence[T]) end() error {
	h := r.g.H
	errs := []error{h.Synchronize()}
	for _, e := range r.ev {
		if e != nil {
			errs = append(errs, Check(h.errs, r.name, "EventDestroy", e.Destroy()))
		}
	}
	if r.stage.Data != nil {
		errs = append(errs, FreeHost(h, r.stage))
	}
	return errors.Join(errs...)
}

func (r *recurrence[T]) record(s device.Stream, i int) error {
	return Check(r.g.H.errs, r.name, "EventRecord", s.Record(r.ev[i]))
}

func (r *recurrence[T]) wait(s device.Stream, i int) error {
	return Check(r.g.H.errs, r.name, "StreamWaitEvent", s.Wait(r.ev[i]))
}

// fetch copies a diagonal block into the staging block on s and waits for it.
func (r *recurrence[T]) fetch(s device.Stream, a Mat[T]) (blas.View[T], error) {
	b := r.stage.Sub(0, 0, a.Rows, a.Cols)
	if err := Download(r.g.H, s, b, a); err != nil {
		return b, err
	}
	return b, Check(r.g.H.errs, r.name, "StreamSynchronize", s.Synchronize())
}

// finish ends the recurrence and combines its result with err.
func finish[T blas.Scalar](r *recurrence[T], info int, err error) (int, error) {
	if eerr := r.end(); err == nil {
		err = eerr
	}
	return info, err
}

// Potrf computes the Cholesky factorization of the device-resident n x n
// matrix A in place. The rank-k update of each diagonal block and the GEMM
// update of its panel run on separate streams; the diagonal block is factored
// on the host. A positive info is the order of the leading minor that is not
// positive definite; blocks before it are fully factored.
func (g Impl[T]) Potrf(uplo blas.Uplo, n int, a Mat[T]) (int, error) {
	name := blas.PrecisionOf[T]().String() + "potrf"
	if info, err := g.checkSquare(name, uplo, n, a); err != nil {
		return info, err
	}
	if n == 0 {
		return 0, nil
	}
	nb := potrfBlock(blas.PrecisionOf[T](), uplo)
	r, err := g.begin(name, nb)
	if err != nil {
		return 0, err
	}
	info, err := r.potrf(uplo, n, nb, a)
	return finish(r, info, err)
}

const (
	evPanel = iota
	evDiag
)

func (r *recurrence[T]) potrf(uplo blas.Uplo, n, nb int, a Mat[T]) (int, error) {
	g, s0, s1 := r.g, r.s0, r.s1
	for j := 0; j < n; j += nb {
		jb := min(nb, n-j)
		rest := n - j - jb
		diag := a.Sub(j, j, jb, jb)

		var err error
		if uplo == blas.Upper {
			err = g.Herk(s0, blas.Upper, blas.ConjTrans, jb, j, -1, a.Sub(0, j, j, jb), 1, diag)
		} else {
			err = g.Herk(s0, blas.Lower, blas.NoTrans, jb, j, -1, a.Sub(j, 0, jb, j), 1, diag)
		}
		if err != nil {
			return 0, err
		}
		// The panel update reads the rows the previous solve wrote.
		if err := r.wait(s1, evDiag); err != nil {
			return 0, err
		}
		if uplo == blas.Upper {
			err = g.Gemm(s1, blas.ConjTrans, blas.NoTrans, jb, rest, j, -1, a.Sub(0, j, j, jb), a.Sub(0, j+jb, j, rest), 1, a.Sub(j, j+jb, jb, rest))
		} else {
			err = g.Gemm(s1, blas.NoTrans, blas.ConjTrans, rest, jb, j, -1, a.Sub(j+jb, 0, rest, j), a.Sub(j, 0, jb, j), 1, a.Sub(j+jb, j, rest, jb))
		}
		if err != nil {
			return 0, err
		}
		if err := r.record(s1, evPanel); err != nil {
			return 0, err
		}

		b, err := r.fetch(s0, diag)
		if err != nil {
			return 0, err
		}
		info, err := g.host().Potrf(uplo, jb, b)
		if err != nil {
			return 0, err
		}
		if info != 0 {
			return info + j, nil
		}
		if err := Upload(g.H, s0, diag, b); err != nil {
			return 0, err
		}
		if err := r.wait(s0, evPanel); err != nil {
			return 0, err
		}
		if uplo == blas.Upper {
			err = g.Trsm(s0, blas.Left, blas.Upper, blas.ConjTrans, blas.NonUnit, jb, rest, 1, diag, a.Sub(j, j+jb, jb, rest))
		} else {
			err = g.Trsm(s0, blas.Right, blas.Lower, blas.ConjTrans, blas.NonUnit, rest, jb, 1, diag, a.Sub(j+jb, j, rest, jb))
		}
		if err != nil {
			return 0, err
		}
		if err := r.record(s0, evDiag); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// Trtri inverts the device-resident triangular matrix A in place. Each
// diagonal block is inverted on the host while its off-diagonal panel is
// updated on the device, since the panel update only reads the block before
// inversion. A positive info is the index of the first zero diagonal
// element; blocks before it are fully inverted and the failing block and its
// panel are left unchanged.
func (g Impl[T]) Trtri(uplo blas.Uplo, diag blas.Diag, n int, a Mat[T]) (int, error) {
	name := blas.PrecisionOf[T]().String() + "trtri"
	switch {
	case uplo != blas.Upper && uplo != blas.Lower:
		return -1, g.fail(name, 1)
	case diag != blas.NonUnit && diag != blas.Unit:
		return -2, g.fail(name, 2)
	case n < 0:
		return -3, g.fail(name, 3)
	}
	if idx := checkOperands(operand[T]{m: a, rows: n, cols: n, index: 4, ldIndex: 5}); idx != 0 {
		return -idx, g.fail(name, idx)
	}
	if n == 0 {
		return 0, nil
	}
	nb := trtriBlock(blas.PrecisionOf[T]())
	r, err := g.begin(name, nb)
	if err != nil {
		return 0, err
	}
	info, err := r.trtri(uplo, diag, n, nb, a)
	return finish(r, info, err)
}

func (r *recurrence[T]) trtri(uplo blas.Uplo, diag blas.Diag, n, nb int, a Mat[T]) (int, error) {
	g, s0, s1 := r.g, r.s0, r.s1
	step := func(j int) (int, error) {
		jb := min(nb, n-j)
		d := a.Sub(j, j, jb, jb)
		// The staging block is reused once the previous upload has read it.
		if err := r.wait(s1, evDiag); err != nil {
			return 0, err
		}
		b, err := r.fetch(s1, d)
		if err != nil {
			return 0, err
		}
		if diag == blas.NonUnit {
			var zero T
			for i := 0; i < jb; i++ {
				if b.At(i, i) == zero {
					return j + i + 1, nil
				}
			}
		}
		if uplo == blas.Upper {
			panel := a.Sub(0, j, j, jb)
			err = g.Trmm(s0, blas.Left, blas.Upper, blas.NoTrans, diag, j, jb, 1, a.Sub(0, 0, j, j), panel)
			if err == nil {
				err = g.Trsm(s0, blas.Right, blas.Upper, blas.NoTrans, diag, j, jb, -1, d, panel)
			}
		} else {
			rest := n - j - jb
			panel := a.Sub(j+jb, j, rest, jb)
			err = g.Trmm(s0, blas.Left, blas.Lower, blas.NoTrans, diag, rest, jb, 1, a.Sub(j+jb, j+jb, rest, rest), panel)
			if err == nil {
				err = g.Trsm(s0, blas.Right, blas.Lower, blas.NoTrans, diag, rest, jb, -1, d, panel)
			}
		}
		if err != nil {
			return 0, err
		}
		// The panel kernels read d before the upload below replaces it.
		info, err := g.host().Trtri(uplo, diag, jb, b)
		if err != nil || info != 0 {
			if info > 0 {
				info += j
			}
			return info, err
		}
		if err := Upload(g.H, s0, d, b); err != nil {
			return 0, err
		}
		return 0, r.record(s0, evDiag)
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

// Lauum computes U*Uᴴ or Lᴴ*L in place of the device-resident triangular
// factor. The product of each diagonal block with itself is formed on the
// host.
func (g Impl[T]) Lauum(uplo blas.Uplo, n int, a Mat[T]) (err error) {
	name := blas.PrecisionOf[T]().String() + "lauum"
	if _, err := g.checkSquare(name, uplo, n, a); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	nb := lauumBlock(blas.PrecisionOf[T](), uplo)
	r, err := g.begin(name, nb)
	if err != nil {
		return err
	}
	// Temporary for the out-of-place triangular multiply: a column block for
	// upper factors, a row block for lower ones.
	var x Mat[T]
	if uplo == blas.Upper {
		x, err = AllocMat[T](g.H, n, nb)
	} else {
		x, err = AllocMat[T](g.H, nb, n)
	}
	if err != nil {
		_, err = finish(r, 0, err)
		return err
	}
	err = r.lauum(uplo, n, nb, a, x)
	_, err = finish(r, 0, err)
	if ferr := FreeMat(g.H, x); err == nil {
		err = ferr
	}
	return err
}

func (r *recurrence[T]) lauum(uplo blas.Uplo, n, nb int, a, x Mat[T]) error {
	g, s0, s1 := r.g, r.s0, r.s1
	for i := 0; i < n; i += nb {
		ib := min(nb, n-i)
		rest := n - i - ib
		d := a.Sub(i, i, ib, ib)

		// The previous rank-k update reads the panel this step overwrites.
		if err := r.wait(s0, evDiag); err != nil {
			return err
		}
		var err error
		if uplo == blas.Upper {
			xi := x.Sub(0, 0, i, ib)
			err = g.Trmm2(s0, blas.Right, blas.Upper, blas.ConjTrans, blas.NonUnit, i, ib, 1, d, a.Sub(0, i, i, ib), xi)
			if err == nil {
				err = g.Gemm2(s0, blas.NoTrans, blas.ConjTrans, i, ib, rest, 1, a.Sub(0, i+ib, i, rest), a.Sub(i, i+ib, ib, rest), 1, xi, a.Sub(0, i, i, ib))
			}
		} else {
			xi := x.Sub(0, 0, ib, i)
			err = g.Trmm2(s0, blas.Left, blas.Lower, blas.ConjTrans, blas.NonUnit, ib, i, 1, d, a.Sub(i, 0, ib, i), xi)
			if err == nil {
				err = g.Gemm2(s0, blas.ConjTrans, blas.NoTrans, ib, i, rest, 1, a.Sub(i+ib, i, rest, ib), a.Sub(i+ib, 0, rest, i), 1, xi, a.Sub(i, 0, ib, i))
			}
		}
		if err != nil {
			return err
		}
		if err := r.record(s0, evPanel); err != nil {
			return err
		}

		b, err := r.fetch(s1, d)
		if err != nil {
			return err
		}
		if err := g.host().Lauum(uplo, ib, b); err != nil {
			return err
		}
		// The triangular multiply above still reads the diagonal block.
		if err := r.wait(s1, evPanel); err != nil {
			return err
		}
		if err := Upload(g.H, s1, d, b); err != nil {
			return err
		}
		if uplo == blas.Upper {
			err = g.Herk(s1, blas.Upper, blas.NoTrans, ib, rest, 1, a.Sub(i, i+ib, ib, rest), 1, d)
		} else {
			err = g.Herk(s1, blas.Lower, blas.ConjTrans, ib, rest, 1, a.Sub(i+ib, i, rest, ib), 1, d)
		}
		if err != nil {
			return err
		}
		if err := r.record(s1, evDiag); err != nil {
			return err
		}
	}
	return nil
}

// Potri computes the inverse of a Hermitian positive definite matrix from
// its device-resident Cholesky factor, in place.
func (g Impl[T]) Potri(uplo blas.Uplo, n int, a Mat[T]) (int, error) {
	name := blas.PrecisionOf[T]().String() + "potri"
	if info, err := g.checkSquare(name, uplo, n, a); err != nil {
		return info, err
	}
	info, err := g.Trtri(uplo, blas.NonUnit, n, a)
	if err != nil || info != 0 {
		return info, err
	}
	return 0, g.Lauum(uplo, n, a)
}
