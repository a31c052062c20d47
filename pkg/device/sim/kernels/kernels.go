// Package kernels provides host implementations of every registered device
// kernel, packaged as images for the simulated driver. Each kernel computes
// the tile owned by one grid block with the reference CPU routines, so the
// device paths produce the same arithmetic as the CPU paths.
package kernels

import (
	"math"

	"github.com/samcharles93/culapack/internal/registry"
	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
	"github.com/samcharles93/culapack/pkg/device/sim"
)

// Images returns the kernel images of all families in all precisions, keyed
// by image name.
func Images() map[string]sim.Program {
	images := make(map[string]sim.Program)
	addPrecision[float32](images)
	addPrecision[float64](images)
	addPrecision[complex64](images)
	addPrecision[complex128](images)
	return images
}

func addPrecision[T blas.Scalar](images map[string]sim.Program) {
	p := blas.PrecisionOf[T]()
	for _, f := range registry.Families() {
		prog := make(sim.Program)
		for _, k := range registry.Keys(f, p) {
			prog[k.Name()] = kernelFor[T](k)
		}
		images[registry.ImageName(f, p)] = prog
	}
}

func kernelFor[T blas.Scalar](k registry.Key) sim.Kernel {
	switch k.Family {
	case registry.Gemm:
		return gemm[T](k)
	case registry.Herk:
		return herk[T](k)
	case registry.Trsm:
		return trsm[T](k)
	case registry.Trmm:
		return trmm2[T](k)
	default:
		return reduce[T](k)
	}
}

// cpu runs the per-block math serially: the grid already provides the parallelism.
func cpu[T blas.Scalar]() blas.Impl[T] { return blas.Impl[T]{Workers: 1} }

// matrix maps a rows x cols column-major device matrix into a view.
func matrix[T blas.Scalar](l *sim.Launch, p device.Ptr, ld, rows, cols int) blas.View[T] {
	if rows == 0 || cols == 0 {
		return blas.View[T]{Ld: max(1, ld), Rows: rows, Cols: cols}
	}
	return blas.View[T]{Data: sim.Memory[T](l, p, (cols-1)*ld+rows), Ld: ld, Rows: rows, Cols: cols}
}

// extent returns the [lo, hi) range of tile idx of size tile within n.
func extent(idx, tile, n int) (int, int) {
	lo := idx * tile
	return lo, min(lo+tile, n)
}

type gemmParams[T blas.Scalar] struct {
	m, n, k            int
	alpha, beta        T
	a, b, c, d         device.Ptr
	lda, ldb, ldc, ldd int
}

// gemmArgs decodes the two GEMM parameter layouts: real kernels take
// (m, n, k, alpha, A, lda, B, ldb, beta, C, ldc) and update C in place,
// complex kernels take (alpha, beta, A, B, C, D, lda, ldb, ldc, ldd, m, n, k).
func gemmArgs[T blas.Scalar](l *sim.Launch) gemmParams[T] {
	var p gemmParams[T]
	if blas.IsComplex[T]() {
		p.alpha, p.beta = sim.Arg[T](l, 0), sim.Arg[T](l, 1)
		p.a, p.b = sim.Arg[device.Ptr](l, 2), sim.Arg[device.Ptr](l, 3)
		p.c, p.d = sim.Arg[device.Ptr](l, 4), sim.Arg[device.Ptr](l, 5)
		p.lda, p.ldb = sim.Arg[int](l, 6), sim.Arg[int](l, 7)
		p.ldc, p.ldd = sim.Arg[int](l, 8), sim.Arg[int](l, 9)
		p.m, p.n, p.k = sim.Arg[int](l, 10), sim.Arg[int](l, 11), sim.Arg[int](l, 12)
		return p
	}
	p.m, p.n, p.k = sim.Arg[int](l, 0), sim.Arg[int](l, 1), sim.Arg[int](l, 2)
	p.alpha, p.beta = sim.Arg[T](l, 3), sim.Arg[T](l, 8)
	p.a, p.lda = sim.Arg[device.Ptr](l, 4), sim.Arg[int](l, 5)
	p.b, p.ldb = sim.Arg[device.Ptr](l, 6), sim.Arg[int](l, 7)
	p.c, p.ldc = sim.Arg[device.Ptr](l, 9), sim.Arg[int](l, 10)
	p.d, p.ldd = p.c, p.ldc
	return p
}

func gemm[T blas.Scalar](k registry.Key) sim.Kernel {
	return func(l *sim.Launch, b device.Dim3) error {
		args := gemmArgs[T](l)
		m, n, kk := args.m, args.n, args.k
		alpha, beta := args.alpha, args.beta
		cp, ldc, dp, ldd := args.c, args.ldc, args.d, args.ldd

		r0, r1 := extent(b.X, k.MB, m)
		c0, c1 := extent(b.Y, k.NB, n)
		if r0 >= r1 || c0 >= c1 {
			return nil
		}
		mr, nc := r1-r0, c1-c0
		d := matrix[T](l, dp, ldd, m, n).Sub(r0, c0, mr, nc)
		var zero T
		var c blas.View[T]
		if beta != zero {
			c = matrix[T](l, cp, ldc, m, n).Sub(r0, c0, mr, nc)
		}

		if alpha == zero || kk == 0 {
			for j := 0; j < nc; j++ {
				dj := d.Data[j*d.Ld : j*d.Ld+mr]
				if beta == zero {
					clear(dj)
					continue
				}
				cj := c.Data[j*c.Ld : j*c.Ld+mr]
				for i := range dj {
					dj[i] = beta * cj[i]
				}
			}
			return nil
		}

		if beta != zero && (cp != dp || ldc != ldd) {
			d.CopyFrom(c)
		}
		ap, lda, bp, ldb := args.a, args.lda, args.b, args.ldb
		var a, bm blas.View[T]
		if k.TransA == blas.NoTrans {
			a = matrix[T](l, ap, lda, m, kk).Sub(r0, 0, mr, kk)
		} else {
			a = matrix[T](l, ap, lda, kk, m).Sub(0, r0, kk, mr)
		}
		if k.TransB == blas.NoTrans {
			bm = matrix[T](l, bp, ldb, kk, n).Sub(0, c0, kk, nc)
		} else {
			bm = matrix[T](l, bp, ldb, n, kk).Sub(c0, 0, nc, kk)
		}
		return cpu[T]().Gemm(k.TransA, k.TransB, mr, nc, kk, alpha, a, bm, beta, d)
	}
}

func herk[T blas.Scalar](k registry.Key) sim.Kernel {
	return func(l *sim.Launch, b device.Dim3) error {
		n, kk := sim.Arg[int](l, 0), sim.Arg[int](l, 1)
		alpha := sim.Arg[float64](l, 2)
		ap, lda := sim.Arg[device.Ptr](l, 3), sim.Arg[int](l, 4)
		beta := sim.Arg[float64](l, 5)
		cp, ldc := sim.Arg[device.Ptr](l, 6), sim.Arg[int](l, 7)

		if (k.Uplo == blas.Upper && b.X > b.Y) || (k.Uplo == blas.Lower && b.X < b.Y) {
			return nil
		}
		r0, r1 := extent(b.X, k.MB, n)
		c0, c1 := extent(b.Y, k.NB, n)
		if r0 >= r1 || c0 >= c1 {
			return nil
		}
		mr, nc := r1-r0, c1-c0
		c := matrix[T](l, cp, ldc, n, n).Sub(r0, c0, mr, nc)

		var ai, aj blas.View[T]
		transB := blas.ConjTrans
		if k.TransA == blas.NoTrans {
			a := matrix[T](l, ap, lda, n, kk)
			ai, aj = a.Sub(r0, 0, mr, kk), a.Sub(c0, 0, nc, kk)
		} else {
			a := matrix[T](l, ap, lda, kk, n)
			ai, aj = a.Sub(0, r0, kk, mr), a.Sub(0, c0, kk, nc)
			transB = blas.NoTrans
		}
		if b.X == b.Y {
			return cpu[T]().Herk(k.Uplo, herkTrans[T](k.TransA), mr, kk, alpha, ai, beta, c)
		}
		transA := k.TransA
		if transA != blas.NoTrans {
			transA = blas.ConjTrans
		}
		return cpu[T]().Gemm(transA, transB, mr, nc, kk, blas.FromReal[T](alpha), ai, aj, blas.FromReal[T](beta), c)
	}
}

// herkTrans maps the kernel's transpose to the one the CPU rank-k routine
// accepts for T.
func herkTrans[T blas.Scalar](t blas.Transpose) blas.Transpose {
	if t != blas.NoTrans && blas.IsComplex[T]() {
		return blas.ConjTrans
	}
	return t
}

// strip returns the sub-matrix of B owned by block idx: NB columns for
// left-side kernels, MB rows for right-side ones.
func strip[T blas.Scalar](k registry.Key, bm blas.View[T], idx int) (blas.View[T], bool) {
	if k.Side == blas.Left {
		c0, c1 := extent(idx, k.NB, bm.Cols)
		if c0 >= c1 {
			return blas.View[T]{}, false
		}
		return bm.Sub(0, c0, bm.Rows, c1-c0), true
	}
	r0, r1 := extent(idx, k.MB, bm.Rows)
	if r0 >= r1 {
		return blas.View[T]{}, false
	}
	return bm.Sub(r0, 0, r1-r0, bm.Cols), true
}

func trsm[T blas.Scalar](k registry.Key) sim.Kernel {
	return func(l *sim.Launch, b device.Dim3) error {
		m, n := sim.Arg[int](l, 0), sim.Arg[int](l, 1)
		alpha := sim.Arg[T](l, 2)
		ap, lda := sim.Arg[device.Ptr](l, 3), sim.Arg[int](l, 4)
		bp, ldb := sim.Arg[device.Ptr](l, 5), sim.Arg[int](l, 6)

		s, ok := strip(k, matrix[T](l, bp, ldb, m, n), b.X)
		if !ok {
			return nil
		}
		var zero T
		if alpha == zero {
			for j := 0; j < s.Cols; j++ {
				clear(s.Data[j*s.Ld : j*s.Ld+s.Rows])
			}
			return nil
		}
		order := m
		if k.Side == blas.Right {
			order = n
		}
		a := matrix[T](l, ap, lda, order, order)
		return cpu[T]().Trsm(k.Side, k.Uplo, k.TransA, k.Diag, s.Rows, s.Cols, alpha, a, s)
	}
}

func trmm2[T blas.Scalar](k registry.Key) sim.Kernel {
	return func(l *sim.Launch, b device.Dim3) error {
		m, n := sim.Arg[int](l, 0), sim.Arg[int](l, 1)
		alpha := sim.Arg[T](l, 2)
		ap, lda := sim.Arg[device.Ptr](l, 3), sim.Arg[int](l, 4)
		bp, ldb := sim.Arg[device.Ptr](l, 5), sim.Arg[int](l, 6)
		xp, ldx := sim.Arg[device.Ptr](l, 7), sim.Arg[int](l, 8)

		x, ok := strip(k, matrix[T](l, xp, ldx, m, n), b.X)
		if !ok {
			return nil
		}
		var zero T
		if alpha == zero {
			for j := 0; j < x.Cols; j++ {
				clear(x.Data[j*x.Ld : j*x.Ld+x.Rows])
			}
			return nil
		}
		if bp != xp || ldb != ldx {
			src, _ := strip(k, matrix[T](l, bp, ldb, m, n), b.X)
			x.CopyFrom(src)
		}
		order := m
		if k.Side == blas.Right {
			order = n
		}
		a := matrix[T](l, ap, lda, order, order)
		return cpu[T]().Trmm(k.Side, k.Uplo, k.TransA, k.Diag, x.Rows, x.Cols, alpha, a, x)
	}
}

// reduce sums log(Re x[i*incx]) over the 2*Threads elements owned by each
// block and stores the block's partial sum in temp, which holds float32 for
// single precision types and float64 otherwise.
func reduce[T blas.Scalar](k registry.Key) sim.Kernel {
	return func(l *sim.Launch, b device.Dim3) error {
		xp, tp := sim.Arg[device.Ptr](l, 0), sim.Arg[device.Ptr](l, 1)
		incx, n := sim.Arg[int](l, 2), sim.Arg[int](l, 3)

		lo, hi := extent(b.X, 2*k.Threads, n)
		var sum float64
		if lo < hi {
			x := sim.Memory[T](l, xp.Add(lo*incx*device.SizeOf[T]()), (hi-lo-1)*incx+1)
			for i := 0; i < hi-lo; i++ {
				sum += math.Log(blas.Real(x[i*incx]))
			}
		}
		switch k.Precision {
		case blas.Single, blas.Complex:
			sim.Memory[float32](l, tp, l.Grid.X)[b.X] = float32(sum)
		default:
			sim.Memory[float64](l, tp, l.Grid.X)[b.X] = sum
		}
		return nil
	}
}
