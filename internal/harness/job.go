// Package harness runs one routine on random operands, checks the result
// against an independent computation and times it. It backs the run and
// bench commands and the HTTP service.
package harness

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/culapack/pkg/blas"
)

// Routines accepted by Job.Routine.
const (
	Gemm   = "gemm"
	Herk   = "herk"
	Trsm   = "trsm"
	Trmm   = "trmm"
	Potrf  = "potrf"
	Trtri  = "trtri"
	Lauum  = "lauum"
	Potri  = "potri"
	Logdet = "logdet"
)

// Backends accepted by Job.Backend.
const (
	CPU      = "cpu"
	GPU      = "gpu"
	MultiGPU = "multigpu"
)

// Job describes one run. Character fields take the BLAS letters or the long
// names accepted by the blas parsers; empty ones take the defaults noted.
type Job struct {
	Routine   string `json:"routine"`
	Precision string `json:"precision"` // s, d, c or z; default d
	Backend   string `json:"backend"`   // default cpu

	M int `json:"m,omitempty"`
	N int `json:"n"`
	K int `json:"k,omitempty"`

	Uplo   string `json:"uplo,omitempty"`    // default U
	TransA string `json:"trans_a,omitempty"` // default N
	TransB string `json:"trans_b,omitempty"` // default N
	Side   string `json:"side,omitempty"`    // default L
	Diag   string `json:"diag,omitempty"`    // default N

	Seed uint64 `json:"seed,omitempty"`
	Runs int    `json:"runs,omitempty"` // default 1
}

// Result is the outcome of a Job.
type Result struct {
	ID  uuid.UUID `json:"id"`
	Job Job       `json:"job"`

	// Info is the status a factorization returned.
	Info int `json:"info"`
	// Residual is the largest difference from the reference, divided by
	// the reference's largest element, the machine epsilon and the
	// problem order.
	Residual  float64 `json:"residual"`
	Tolerance float64 `json:"tolerance"`
	Passed    bool    `json:"passed"`
	// Oracle names the reference: gonum or the cpu routines.
	Oracle string `json:"oracle"`

	Durations []time.Duration `json:"durations_ns"`
	// GFlops is the rate of the fastest run.
	GFlops float64 `json:"gflops"`
}

// Best returns the shortest run time.
func (r Result) Best() time.Duration {
	var best time.Duration
	for i, d := range r.Durations {
		if i == 0 || d < best {
			best = d
		}
	}
	return best
}

// params is a Job with defaults applied and characters parsed.
type params struct {
	prec           blas.Precision
	m, n, k        int
	uplo           blas.Uplo
	transA, transB blas.Transpose
	side           blas.Side
	diag           blas.Diag
	runs           int
}

// Normalize fills in defaults and checks the job.
func (j Job) Normalize() (Job, error) {
	if j.Precision == "" {
		j.Precision = "d"
	}
	if j.Backend == "" {
		j.Backend = CPU
	}
	if j.Runs == 0 {
		j.Runs = 1
	}
	for _, f := range []struct {
		v   *string
		def string
	}{{&j.Uplo, "U"}, {&j.TransA, "N"}, {&j.TransB, "N"}, {&j.Side, "L"}, {&j.Diag, "N"}} {
		if *f.v == "" {
			*f.v = f.def
		}
	}
	switch j.Routine {
	case Gemm, Trsm, Trmm:
		if j.M == 0 {
			j.M = j.N
		}
	case Herk:
	case Potrf, Trtri, Lauum, Potri, Logdet:
		j.M = j.N
	default:
		return j, fmt.Errorf("unknown routine %q", j.Routine)
	}
	if (j.Routine == Gemm || j.Routine == Herk) && j.K == 0 {
		j.K = j.N
	}
	switch j.Backend {
	case CPU, GPU, MultiGPU:
	default:
		return j, fmt.Errorf("unknown backend %q", j.Backend)
	}
	if j.Backend == MultiGPU && j.Routine == Logdet {
		return j, fmt.Errorf("logdet has no multigpu form")
	}
	if j.M < 0 || j.N < 0 || j.K < 0 {
		return j, fmt.Errorf("negative dimension in %dx%dx%d", j.M, j.N, j.K)
	}
	if j.Runs < 0 {
		return j, fmt.Errorf("runs must be positive, got %d", j.Runs)
	}
	_, err := j.params()
	return j, err
}

func (j Job) params() (params, error) {
	p := params{m: j.M, n: j.N, k: j.K, runs: j.Runs}
	var ok bool
	if p.prec, ok = blas.ParsePrecision(j.Precision); !ok {
		return p, fmt.Errorf("unknown precision %q", j.Precision)
	}
	if p.uplo, ok = blas.ParseUplo(j.Uplo); !ok {
		return p, fmt.Errorf("unknown uplo %q", j.Uplo)
	}
	if p.transA, ok = blas.ParseTranspose(j.TransA); !ok {
		return p, fmt.Errorf("unknown trans_a %q", j.TransA)
	}
	if p.transB, ok = blas.ParseTranspose(j.TransB); !ok {
		return p, fmt.Errorf("unknown trans_b %q", j.TransB)
	}
	if p.side, ok = blas.ParseSide(j.Side); !ok {
		return p, fmt.Errorf("unknown side %q", j.Side)
	}
	if p.diag, ok = blas.ParseDiag(j.Diag); !ok {
		return p, fmt.Errorf("unknown diag %q", j.Diag)
	}
	if j.Routine == Herk && p.transA == blas.Trans && p.prec.IsComplex() {
		return p, fmt.Errorf("herk takes N or C for complex precisions")
	}
	return p, nil
}

// flops is the floating point operation count of one run, counting a
// complex multiply-add as four real ones.
func flops(routine string, p params) float64 {
	m, n, k := float64(p.m), float64(p.n), float64(p.k)
	var f float64
	switch routine {
	case Gemm:
		f = 2 * m * n * k
	case Herk:
		f = n * (n + 1) * k
	case Trsm, Trmm:
		if p.side == blas.Left {
			f = n * m * m
		} else {
			f = m * n * n
		}
	case Potrf, Trtri, Lauum:
		f = n * n * n / 3
	case Potri:
		f = 2 * n * n * n / 3
	case Logdet:
		f = n
	}
	if p.prec.IsComplex() {
		f *= 4
	}
	return f
}
