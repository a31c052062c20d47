package harness

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/culapack/internal/logger"
	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
	"github.com/samcharles93/culapack/pkg/gpu"
	"github.com/samcharles93/culapack/pkg/lapack"
	"github.com/samcharles93/culapack/pkg/multigpu"
)

// Tolerance is the largest scaled residual a passing run may have.
const Tolerance = 50

// Config configures an Engine.
type Config struct {
	// Driver and Device select the device of the gpu backend. A nil Driver
	// disables it.
	Driver   device.Driver
	Device   int
	ImageDir string
	// Pool runs the multigpu backend. Nil disables it.
	Pool *multigpu.Pool
	// Workers bounds the parallelism of the cpu backend; 0 means GOMAXPROCS.
	Workers int
	Errors  *blas.ErrorHandler
	Logger  logger.Logger
}

// Engine runs jobs. Jobs on the device backends are serialized.
type Engine struct {
	cfg Config
	log logger.Logger

	mu sync.Mutex
	h  *gpu.Handle
}

// New returns an Engine. The gpu backend's device is opened on first use.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, log: logger.OrDiscard(cfg.Logger)}
}

// Close releases the gpu backend's device. The pool is owned by the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.h == nil {
		return nil
	}
	err := e.h.Destroy()
	e.h = nil
	return err
}

// ErrUnavailable is returned for a backend the engine was built without.
var ErrUnavailable = errors.New("backend not configured")

// Run normalizes job, runs it job.Runs times and checks the first run
// against the reference.
func (e *Engine) Run(ctx context.Context, job Job) (Result, error) {
	job, err := job.Normalize()
	if err != nil {
		return Result{}, err
	}
	p, err := job.params()
	if err != nil {
		return Result{}, err
	}
	switch job.Backend {
	case GPU:
		if e.cfg.Driver == nil {
			return Result{}, fmt.Errorf("%s: %w", GPU, ErrUnavailable)
		}
	case MultiGPU:
		if e.cfg.Pool == nil {
			return Result{}, fmt.Errorf("%s: %w", MultiGPU, ErrUnavailable)
		}
	}
	if job.Backend != CPU {
		e.mu.Lock()
		defer e.mu.Unlock()
	}
	switch p.prec {
	case blas.Single:
		return run[float32](ctx, e, job, p)
	case blas.Double:
		return run[float64](ctx, e, job, p)
	case blas.Complex:
		return run[complex64](ctx, e, job, p)
	default:
		return run[complex128](ctx, e, job, p)
	}
}

// operands are the inputs of one run. The output is written to c for GEMM
// and HERK, b for TRSM and TRMM and a otherwise.
type operands[T blas.Scalar] struct {
	a, b, c       blas.View[T]
	alpha, beta   T
	ralpha, rbeta float64
}

func (o operands[T]) clone() operands[T] {
	c := o
	for _, v := range []*blas.View[T]{&c.a, &c.b, &c.c} {
		if v.Data != nil {
			*v = v.Clone()
		}
	}
	return c
}

func (o operands[T]) output(routine string) blas.View[T] {
	switch routine {
	case Gemm, Herk:
		return o.c
	case Trsm, Trmm:
		return o.b
	}
	return o.a
}

// outcome is what one run produced besides the output matrix.
type outcome struct {
	info   int
	logdet float64
}

func run[T blas.Scalar](ctx context.Context, e *Engine, job Job, p params) (Result, error) {
	rng := rand.New(rand.NewPCG(job.Seed, job.Seed^0x9e3779b97f4a7c15))
	in, err := generate[T](rng, job.Routine, p)
	if err != nil {
		return Result{}, err
	}
	want := in.clone()
	ref, oracle, err := reference(job.Routine, p, want)
	if err != nil {
		return Result{}, fmt.Errorf("reference: %w", err)
	}

	res := Result{ID: uuid.New(), Job: job, Oracle: oracle, Tolerance: Tolerance}
	log := e.log.ForRoutine(job.Precision+job.Routine).With("id", res.ID, "backend", job.Backend)
	for r := range p.runs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		got := in.clone()
		start := time.Now()
		out, err := execute(e, job, p, got)
		elapsed := time.Since(start)
		if err != nil {
			return res, err
		}
		res.Durations = append(res.Durations, elapsed)
		log.Debug("run finished", "run", r+1, "elapsed", elapsed, "info", out.info)
		if r > 0 {
			continue
		}
		res.Info = out.info
		if job.Routine == Logdet {
			res.Residual = math.Abs(out.logdet-ref.logdet) / (max(1, math.Abs(ref.logdet)) * blas.Epsilon[T]() * float64(max(1, p.n)))
		} else {
			res.Residual = scaledDiff(got.output(job.Routine), want.output(job.Routine), max(p.m, p.n, p.k))
		}
	}
	res.Passed = res.Info == ref.info && res.Residual <= Tolerance
	if best := res.Best(); best > 0 {
		res.GFlops = flops(job.Routine, p) / best.Seconds() / 1e9
	}
	log.Debug("job finished", "passed", res.Passed, "residual", res.Residual, "best", res.Best())
	return res, nil
}

// scaledDiff returns max|got-want| / (max|want| * eps * order).
func scaledDiff[T blas.Scalar](got, want blas.View[T], order int) float64 {
	var diff, norm float64
	for j := 0; j < want.Cols; j++ {
		for i := 0; i < want.Rows; i++ {
			diff = max(diff, blas.Abs(got.At(i, j)-want.At(i, j)))
			norm = max(norm, blas.Abs(want.At(i, j)))
		}
	}
	if diff == 0 {
		return 0
	}
	return diff / (max(1, norm) * blas.Epsilon[T]() * float64(max(1, order)))
}

func randView[T blas.Scalar](rng *rand.Rand, rows, cols int) blas.View[T] {
	v := blas.Dense[T](rows, cols)
	for i := range v.Data {
		v.Data[i] = blas.FromParts[T](rng.Float64()*2-1, rng.Float64()*2-1)
	}
	return v
}

// triangular returns an n x n matrix with random entries of magnitude below
// 1/n in the uplo triangle and n on the diagonal, zero elsewhere.
func triangular[T blas.Scalar](rng *rand.Rand, uplo blas.Uplo, n int) blas.View[T] {
	a := randView[T](rng, n, n)
	s := blas.FromReal[T](1 / float64(max(1, n)))
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			switch {
			case i == j:
				a.Set(i, j, blas.FromReal[T](float64(n)))
			case (uplo == blas.Upper) == (i < j):
				a.Set(i, j, a.At(i, j)*s)
			default:
				var zero T
				a.Set(i, j, zero)
			}
		}
	}
	return a
}

// spd returns C*Cᴴ for a random n x 5n matrix C.
func spd[T blas.Scalar](rng *rand.Rand, n int) (blas.View[T], error) {
	c := randView[T](rng, n, 5*n)
	a := blas.Dense[T](n, n)
	err := (blas.Impl[T]{}).Gemm(blas.NoTrans, blas.ConjTrans, n, n, 5*n, 1, c, c, 0, a)
	return a, err
}

func generate[T blas.Scalar](rng *rand.Rand, routine string, p params) (operands[T], error) {
	o := operands[T]{
		alpha:  blas.FromParts[T](1.5, 0.5),
		beta:   blas.FromParts[T](-0.5, 0.25),
		ralpha: 1.5,
		rbeta:  -0.5,
	}
	switch routine {
	case Gemm:
		ra, ca := p.m, p.k
		if p.transA != blas.NoTrans {
			ra, ca = p.k, p.m
		}
		rb, cb := p.k, p.n
		if p.transB != blas.NoTrans {
			rb, cb = p.n, p.k
		}
		o.a, o.b, o.c = randView[T](rng, ra, ca), randView[T](rng, rb, cb), randView[T](rng, p.m, p.n)
	case Herk:
		ra, ca := p.n, p.k
		if p.transA != blas.NoTrans {
			ra, ca = p.k, p.n
		}
		o.a, o.c = randView[T](rng, ra, ca), randView[T](rng, p.n, p.n)
	case Trsm, Trmm:
		order := p.m
		if p.side == blas.Right {
			order = p.n
		}
		o.a, o.b = triangular[T](rng, p.uplo, order), randView[T](rng, p.m, p.n)
	case Trtri, Lauum:
		o.a = triangular[T](rng, p.uplo, p.n)
	case Potrf:
		a, err := spd[T](rng, p.n)
		if err != nil {
			return o, err
		}
		o.a = a
	case Potri, Logdet:
		a, err := spd[T](rng, p.n)
		if err != nil {
			return o, err
		}
		if routine == Logdet {
			o.b = a.Clone()
		}
		info, err := (lapack.Impl[T]{}).Potrf(p.uplo, p.n, a)
		if err != nil {
			return o, err
		}
		if info != 0 {
			return o, fmt.Errorf("generated matrix is not positive definite at %d", info)
		}
		o.a = a
	}
	return o, nil
}

// routines is the host-operand interface shared by the cpu and multigpu
// backends.
type routines[T blas.Scalar] interface {
	Gemm(transA, transB blas.Transpose, m, n, k int, alpha T, a, b blas.View[T], beta T, c blas.View[T]) error
	Herk(uplo blas.Uplo, trans blas.Transpose, n, k int, alpha float64, a blas.View[T], beta float64, c blas.View[T]) error
	Trsm(side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag, m, n int, alpha T, a, b blas.View[T]) error
	Trmm(side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag, m, n int, alpha T, a, b blas.View[T]) error
	Potrf(uplo blas.Uplo, n int, a blas.View[T]) (int, error)
	Trtri(uplo blas.Uplo, diag blas.Diag, n int, a blas.View[T]) (int, error)
	Lauum(uplo blas.Uplo, n int, a blas.View[T]) error
	Potri(uplo blas.Uplo, n int, a blas.View[T]) (int, error)
}

// cpuRoutines adds the CPU BLAS calls to the CPU LAPACK implementation.
type cpuRoutines[T blas.Scalar] struct {
	lapack.Impl[T]
}

func (c cpuRoutines[T]) Gemm(transA, transB blas.Transpose, m, n, k int, alpha T, a, b blas.View[T], beta T, cv blas.View[T]) error {
	return c.BLAS.Gemm(transA, transB, m, n, k, alpha, a, b, beta, cv)
}

func (c cpuRoutines[T]) Herk(uplo blas.Uplo, trans blas.Transpose, n, k int, alpha float64, a blas.View[T], beta float64, cv blas.View[T]) error {
	return c.BLAS.Herk(uplo, trans, n, k, alpha, a, beta, cv)
}

func (c cpuRoutines[T]) Trsm(side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag, m, n int, alpha T, a, b blas.View[T]) error {
	return c.BLAS.Trsm(side, uplo, trans, diag, m, n, alpha, a, b)
}

func (c cpuRoutines[T]) Trmm(side blas.Side, uplo blas.Uplo, trans blas.Transpose, diag blas.Diag, m, n int, alpha T, a, b blas.View[T]) error {
	return c.BLAS.Trmm(side, uplo, trans, diag, m, n, alpha, a, b)
}

func cpuFor[T blas.Scalar](errs *blas.ErrorHandler, workers int) cpuRoutines[T] {
	return cpuRoutines[T]{lapack.Impl[T]{BLAS: blas.Impl[T]{Errors: errs, Workers: workers}}}
}

// execute runs one routine on o in place on the job's backend.
func execute[T blas.Scalar](e *Engine, job Job, p params, o operands[T]) (outcome, error) {
	switch job.Backend {
	case GPU:
		h, err := e.handle()
		if err != nil {
			return outcome{}, err
		}
		return onDevice(h, job.Routine, p, o)
	case MultiGPU:
		return onHost[T](multigpu.On[T](e.cfg.Pool), job.Routine, p, o)
	}
	c := cpuFor[T](e.cfg.Errors, e.cfg.Workers)
	if job.Routine == Logdet {
		ld, err := c.Logdet(p.n, o.a.Data, o.a.Ld+1)
		return outcome{logdet: ld}, err
	}
	return onHost[T](c, job.Routine, p, o)
}

// handle returns the gpu backend's device, opening it on first use. The
// caller holds e.mu.
func (e *Engine) handle() (*gpu.Handle, error) {
	if e.h != nil {
		return e.h, nil
	}
	h, err := gpu.Create(e.cfg.Driver, e.cfg.Device, gpu.Config{
		Errors:   e.cfg.Errors,
		Logger:   e.cfg.Logger,
		ImageDir: e.cfg.ImageDir,
	})
	if err != nil {
		return nil, err
	}
	e.h = h
	return h, nil
}

func onHost[T blas.Scalar](r routines[T], routine string, p params, o operands[T]) (outcome, error) {
	var (
		info int
		err  error
	)
	switch routine {
	case Gemm:
		err = r.Gemm(p.transA, p.transB, p.m, p.n, p.k, o.alpha, o.a, o.b, o.beta, o.c)
	case Herk:
		err = r.Herk(p.uplo, p.transA, p.n, p.k, o.ralpha, o.a, o.rbeta, o.c)
	case Trsm:
		err = r.Trsm(p.side, p.uplo, p.transA, p.diag, p.m, p.n, o.alpha, o.a, o.b)
	case Trmm:
		err = r.Trmm(p.side, p.uplo, p.transA, p.diag, p.m, p.n, o.alpha, o.a, o.b)
	case Potrf:
		info, err = r.Potrf(p.uplo, p.n, o.a)
	case Trtri:
		info, err = r.Trtri(p.uplo, p.diag, p.n, o.a)
	case Lauum:
		err = r.Lauum(p.uplo, p.n, o.a)
	case Potri:
		info, err = r.Potri(p.uplo, p.n, o.a)
	default:
		err = fmt.Errorf("%s is not a host routine", routine)
	}
	return outcome{info: info}, err
}
