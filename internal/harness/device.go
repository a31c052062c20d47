package harness

import (
	"errors"
	"fmt"

	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/gpu"
)

// staging tracks the device copies of a run's operands.
type staging[T blas.Scalar] struct {
	h    *gpu.Handle
	mats []gpu.Mat[T]
}

// put allocates a device matrix and enqueues the upload of v on stream 0.
func (st *staging[T]) put(v blas.View[T]) (gpu.Mat[T], error) {
	m, err := gpu.AllocMat[T](st.h, v.Rows, v.Cols)
	if err != nil {
		return m, err
	}
	st.mats = append(st.mats, m)
	return m, gpu.Upload(st.h, st.h.Stream(0), m, v)
}

func (st *staging[T]) release() error {
	var errs []error
	for _, m := range st.mats {
		errs = append(errs, gpu.FreeMat(st.h, m))
	}
	return errors.Join(errs...)
}

// onDevice uploads the operands, runs the routine on h and downloads the
// output. Transfers are part of the measured time.
func onDevice[T blas.Scalar](h *gpu.Handle, routine string, p params, o operands[T]) (out outcome, err error) {
	st := &staging[T]{h: h}
	defer func() {
		err = errors.Join(err, st.release())
	}()
	g, s := gpu.On[T](h), h.Stream(0)

	a, err := st.put(o.a)
	if err != nil {
		return out, err
	}
	var dst gpu.Mat[T]
	var host blas.View[T]
	switch routine {
	case Gemm:
		b, err := st.put(o.b)
		if err != nil {
			return out, err
		}
		c, err := st.put(o.c)
		if err != nil {
			return out, err
		}
		if err := g.Gemm(s, p.transA, p.transB, p.m, p.n, p.k, o.alpha, a, b, o.beta, c); err != nil {
			return out, err
		}
		dst, host = c, o.c
	case Herk:
		c, err := st.put(o.c)
		if err != nil {
			return out, err
		}
		if err := g.Herk(s, p.uplo, p.transA, p.n, p.k, o.ralpha, a, o.rbeta, c); err != nil {
			return out, err
		}
		dst, host = c, o.c
	case Trsm, Trmm:
		b, err := st.put(o.b)
		if err != nil {
			return out, err
		}
		if routine == Trsm {
			err = g.Trsm(s, p.side, p.uplo, p.transA, p.diag, p.m, p.n, o.alpha, a, b)
		} else {
			err = g.Trmm(s, p.side, p.uplo, p.transA, p.diag, p.m, p.n, o.alpha, a, b)
		}
		if err != nil {
			return out, err
		}
		dst, host = b, o.b
	case Logdet:
		if out.logdet, err = g.Logdet(s, p.n, a.Ptr, a.Ld+1); err != nil {
			return out, err
		}
		return out, h.Synchronize()
	default:
		// The factorizations schedule their own streams.
		if err := h.Synchronize(); err != nil {
			return out, err
		}
		switch routine {
		case Potrf:
			out.info, err = g.Potrf(p.uplo, p.n, a)
		case Trtri:
			out.info, err = g.Trtri(p.uplo, p.diag, p.n, a)
		case Lauum:
			err = g.Lauum(p.uplo, p.n, a)
		case Potri:
			out.info, err = g.Potri(p.uplo, p.n, a)
		default:
			err = fmt.Errorf("%s has no device form", routine)
		}
		if err != nil {
			return out, err
		}
		dst, host = a, o.a
	}
	if err := gpu.Download(h, s, host, dst); err != nil {
		return out, err
	}
	return out, h.Synchronize()
}
