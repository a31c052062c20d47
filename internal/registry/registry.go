// Package registry enumerates every device kernel the library launches. A
// kernel is identified by its family, precision, operand flags and launch
// geometry; the geometry tables below are fixed and match the compiled
// kernel images, and Name produces the entry-point symbol to resolve.
package registry

import (
	"fmt"

	"github.com/samcharles93/culapack/pkg/blas"
)

// Family groups the kernels that ship in one image per precision.
type Family int

const (
	Gemm Family = iota
	Herk
	Trsm
	Trmm
	Logdet
)

var families = []Family{Gemm, Herk, Trsm, Trmm, Logdet}

// Families lists every kernel family.
func Families() []Family { return families }

func (f Family) String() string {
	switch f {
	case Gemm:
		return "gemm"
	case Herk:
		return "herk"
	case Trsm:
		return "trsm"
	case Trmm:
		return "trmm"
	case Logdet:
		return "logdet"
	}
	return fmt.Sprintf("family(%d)", int(f))
}

// routine is the BLAS routine name of f in precision p, e.g. "ssyrk".
func routine(f Family, p blas.Precision) string {
	switch f {
	case Herk:
		if !p.IsComplex() {
			return p.String() + "syrk"
		}
	case Trmm:
		return p.String() + "trmm2"
	}
	return p.String() + f.String()
}

// ImageName returns the name of the image holding family f in precision p.
func ImageName(f Family, p blas.Precision) string {
	if f == Trmm {
		return p.String() + "trmm"
	}
	return routine(f, p)
}

// Geometry is the tiling a kernel was compiled for: each block computes an
// MB x NB tile in KB-deep steps with BX x BY threads.
type Geometry struct {
	MB, NB, KB int
	BX, BY     int
}

// Key identifies one kernel specialisation.
type Key struct {
	Family    Family
	Precision blas.Precision
	TransA    blas.Transpose
	TransB    blas.Transpose
	Side      blas.Side
	Uplo      blas.Uplo
	Diag      blas.Diag
	Geometry
	// Threads and Pow2 specialise the reduction kernel.
	Threads int
	Pow2    bool
}

// normTrans folds ConjTrans into Trans for real precisions, which have no
// separate conjugating kernels.
func normTrans(p blas.Precision, t blas.Transpose) blas.Transpose {
	if t == blas.ConjTrans && !p.IsComplex() {
		return blas.Trans
	}
	return t
}

// GemmKey returns the GEMM kernel for op(A) and op(B).
func GemmKey(p blas.Precision, transA, transB blas.Transpose) Key {
	transA, transB = normTrans(p, transA), normTrans(p, transB)
	var g Geometry
	switch {
	case !p.IsComplex() && transA == blas.NoTrans:
		g = Geometry{MB: 64, NB: 16, KB: 16, BX: 16, BY: 4}
	case !p.IsComplex():
		kb := 8
		if transB == blas.NoTrans {
			kb = 16
		}
		g = Geometry{MB: 32, NB: 32, KB: kb, BX: 8, BY: 8}
	case transA == blas.NoTrans:
		g = Geometry{MB: 64, NB: 4, KB: 16, BX: 16, BY: 4}
		if transB != blas.NoTrans {
			g.BX, g.BY = 4, 16
		}
	case transB == blas.NoTrans:
		g = Geometry{MB: 8, NB: 8, KB: 4, BX: 4, BY: 8}
	default:
		g = Geometry{MB: 8, NB: 16, KB: 8, BX: 8, BY: 8}
	}
	return Key{Family: Gemm, Precision: p, TransA: transA, TransB: transB, Geometry: g}
}

// HerkKey returns the rank-k update kernel. Tiles are square so that
// diagonal tiles line up with the diagonal of C.
func HerkKey(p blas.Precision, uplo blas.Uplo, trans blas.Transpose) Key {
	trans = normTrans(p, trans)
	var g Geometry
	switch {
	case !p.IsComplex() && trans == blas.NoTrans:
		g = Geometry{MB: 64, NB: 64, KB: 16, BX: 16, BY: 4}
	case !p.IsComplex():
		g = Geometry{MB: 32, NB: 32, KB: 8, BX: 8, BY: 8}
	case trans == blas.NoTrans:
		g = Geometry{MB: 32, NB: 32, KB: 16, BX: 16, BY: 4}
	default:
		g = Geometry{MB: 16, NB: 16, KB: 8, BX: 8, BY: 8}
	}
	return Key{Family: Herk, Precision: p, Uplo: uplo, TransA: trans, Geometry: g}
}

func triangularGeometry(p blas.Precision) Geometry {
	if p.IsComplex() {
		return Geometry{MB: 32, NB: 8, BX: 8, BY: 8}
	}
	return Geometry{MB: 64, NB: 16, BX: 16, BY: 4}
}

// TrsmKey returns the triangular solve kernel. Left-side kernels give each
// block NB columns of B, right-side kernels MB rows. Complex solves use
// narrow 4x4 blocks over 16-wide strips.
func TrsmKey(p blas.Precision, side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag) Key {
	g := triangularGeometry(p)
	if p.IsComplex() {
		g = Geometry{MB: 16, NB: 4, BX: 4, BY: 4}
		if side == blas.Left {
			g.MB, g.NB = 4, 16
		}
	}
	return Key{Family: Trsm, Precision: p, Side: side, Uplo: uplo, TransA: normTrans(p, trans), Diag: diag, Geometry: g}
}

// TrmmKey returns the out-of-place triangular multiply kernel.
func TrmmKey(p blas.Precision, side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag) Key {
	return Key{Family: Trmm, Precision: p, Side: side, Uplo: uplo, TransA: normTrans(p, trans), Diag: diag, Geometry: triangularGeometry(p)}
}

// MaxReduceThreads is the widest reduction block.
const MaxReduceThreads = 512

// LogdetKey returns the reduction kernel and its block count for n elements.
func LogdetKey(p blas.Precision, n int) (Key, int) {
	threads := MaxReduceThreads
	if n < 2*MaxReduceThreads {
		threads = nextPow2(max(1, (n+1)/2))
	}
	blocks := max(1, (n+2*threads-1)/(2*threads))
	return Key{Family: Logdet, Precision: p, Threads: threads, Pow2: n&(n-1) == 0, Geometry: Geometry{BX: threads}}, blocks
}

func nextPow2(x int) int {
	p := 1
	for p < x {
		p <<= 1
	}
	return p
}

// Keys enumerates every specialisation of family f in precision p.
func Keys(f Family, p blas.Precision) []Key {
	transes := []blas.Transpose{blas.NoTrans, blas.Trans}
	if p.IsComplex() {
		transes = append(transes, blas.ConjTrans)
	}
	uplos := []blas.Uplo{blas.Upper, blas.Lower}
	var keys []Key
	switch f {
	case Gemm:
		for _, ta := range transes {
			for _, tb := range transes {
				keys = append(keys, GemmKey(p, ta, tb))
			}
		}
	case Herk:
		herkTranses := []blas.Transpose{blas.NoTrans, blas.Trans}
		if p.IsComplex() {
			herkTranses = []blas.Transpose{blas.NoTrans, blas.ConjTrans}
		}
		for _, u := range uplos {
			for _, t := range herkTranses {
				keys = append(keys, HerkKey(p, u, t))
			}
		}
	case Trsm, Trmm:
		for _, s := range []blas.Side{blas.Left, blas.Right} {
			for _, u := range uplos {
				for _, t := range transes {
					for _, d := range []blas.Diag{blas.NonUnit, blas.Unit} {
						if f == Trsm {
							keys = append(keys, TrsmKey(p, s, u, t, d))
						} else {
							keys = append(keys, TrmmKey(p, s, u, t, d))
						}
					}
				}
			}
		}
	case Logdet:
		for threads := 1; threads <= MaxReduceThreads; threads <<= 1 {
			for _, pow2 := range []bool{false, true} {
				keys = append(keys, Key{Family: Logdet, Precision: p, Threads: threads, Pow2: pow2, Geometry: Geometry{BX: threads}})
			}
		}
	}
	return keys
}
