package harness

import (
	"errors"
	"math"

	gblas "gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/gonum"
	lgonum "gonum.org/v1/gonum/lapack/gonum"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/culapack/pkg/blas"
)

// Oracle names.
const (
	OracleGonum = "gonum"
	OracleCPU   = "cpu"
)

var errOracle = errors.New("gonum rejected the operands")

// reference computes the expected result into o. Double precision GEMM,
// POTRF and LOGDET use gonum; everything else the CPU routines.
func reference[T blas.Scalar](routine string, p params, o operands[T]) (outcome, string, error) {
	if d, ok := any(o).(operands[float64]); ok {
		switch routine {
		case Gemm:
			gemmGonum(p, d)
			return outcome{}, OracleGonum, nil
		case Potrf:
			if !potrfGonum(p, d.a) {
				return outcome{}, OracleGonum, errOracle
			}
			return outcome{}, OracleGonum, nil
		case Logdet:
			if p.n == 0 {
				return outcome{}, OracleGonum, nil
			}
			var chol mat.Cholesky
			if !chol.Factorize(mat.NewSymDense(p.n, dense(d.b))) {
				return outcome{}, OracleGonum, errOracle
			}
			return outcome{logdet: chol.LogDet()}, OracleGonum, nil
		}
	}
	if routine == Logdet {
		var sum float64
		for i := 0; i < p.n; i++ {
			sum += math.Log(blas.Real(o.a.At(i, i)))
		}
		return outcome{logdet: 2 * sum}, OracleCPU, nil
	}
	out, err := onHost[T](cpuFor[T](nil, 0), routine, p, o)
	return out, OracleCPU, err
}

func toGonum(t blas.Transpose) gblas.Transpose {
	switch t {
	case blas.Trans:
		return gblas.Trans
	case blas.ConjTrans:
		return gblas.ConjTrans
	}
	return gblas.NoTrans
}

// gemmGonum computes the column-major product as the row-major product of
// the transposes, which is the same buffer.
func gemmGonum(p params, o operands[float64]) {
	gonum.Implementation{}.Dgemm(toGonum(p.transB), toGonum(p.transA), p.n, p.m, p.k,
		o.alpha, o.b.Data, o.b.Ld, o.a.Data, o.a.Ld, o.beta, o.c.Data, o.c.Ld)
}

// potrfGonum factors a in place. Column-major upper is row-major lower.
func potrfGonum(p params, a blas.View[float64]) bool {
	gu := gblas.Lower
	if p.uplo == blas.Lower {
		gu = gblas.Upper
	}
	return lgonum.Implementation{}.Dpotrf(gu, p.n, a.Data, a.Ld)
}

// dense returns the elements of a packed without padding. A symmetric
// matrix reads the same in either order.
func dense(a blas.View[float64]) []float64 {
	out := make([]float64, 0, a.Rows*a.Cols)
	for j := 0; j < a.Cols; j++ {
		out = append(out, a.Data[j*a.Ld:j*a.Ld+a.Rows]...)
	}
	return out
}
