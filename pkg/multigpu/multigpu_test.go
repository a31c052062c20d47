package multigpu

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
	"github.com/samcharles93/culapack/pkg/device/sim"
	"github.com/samcharles93/culapack/pkg/device/sim/kernels"
	"github.com/samcharles93/culapack/pkg/gpu"
	"github.com/samcharles93/culapack/pkg/lapack"
	"github.com/samcharles93/culapack/pkg/tuning"
)

var images = kernels.Images()

// recorder collects the tasks a pool submits.
type recorder struct {
	mu    sync.Mutex
	tasks []TaskInfo
}

func (r *recorder) record(info TaskInfo) {
	r.mu.Lock()
	r.tasks = append(r.tasks, info)
	r.mu.Unlock()
}

func (r *recorder) take() []TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.tasks
	r.tasks = nil
	return out
}

func newPool(t *testing.T, devices, nb int, sc sim.Config, cfg Config) (*Pool, *recorder) {
	t.Helper()
	sc.Devices = devices
	if sc.Images == nil {
		sc.Images = images
	}
	rec := &recorder{}
	cfg.Tuning = tuning.Uniform(nb)
	cfg.OnTask = rec.record
	p, err := New(sim.New(sc), cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, rec
}

func randView[T blas.Scalar](rng *rand.Rand, rows, cols int) blas.View[T] {
	v := blas.Dense[T](rows, cols)
	for i := range v.Data {
		v.Data[i] = blas.FromParts[T](rng.Float64()*2-1, rng.Float64()*2-1)
	}
	return v
}

// spd returns C*Cᴴ for a random n x 5n matrix C.
func spd[T blas.Scalar](t *testing.T, rng *rand.Rand, n int) blas.View[T] {
	t.Helper()
	c := randView[T](rng, n, 5*n)
	a := blas.Dense[T](n, n)
	if err := (blas.Impl[T]{}).Gemm(blas.NoTrans, blas.ConjTrans, n, n, 5*n, 1, c, c, 0, a); err != nil {
		t.Fatal(err)
	}
	return a
}

// triangular keeps the uplo triangle of a, shrinks it and puts order n on
// the diagonal, which keeps it well conditioned.
func triangular[T blas.Scalar](a blas.View[T], uplo blas.Uplo) blas.View[T] {
	n := a.Rows
	out := blas.Dense[T](n, n)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			switch {
			case i == j:
				out.Set(i, j, blas.FromReal[T](float64(n)))
			case (uplo == blas.Upper) == (i < j):
				out.Set(i, j, a.At(i, j)*blas.FromReal[T](1/float64(n)))
			}
		}
	}
	return out
}

func maxDiff[T blas.Scalar](got, want blas.View[T]) float64 {
	var d float64
	for j := 0; j < want.Cols; j++ {
		for i := 0; i < want.Rows; i++ {
			d = max(d, blas.Abs(got.At(i, j)-want.At(i, j)))
		}
	}
	return d
}

// coverage counts how many tasks wrote each element of an m x n output.
func coverage(t *testing.T, tasks []TaskInfo, m, n int) []int {
	t.Helper()
	seen := make([]int, m*n)
	for _, ti := range tasks {
		for j := ti.Col; j < ti.Col+ti.Cols; j++ {
			for i := ti.Row; i < ti.Row+ti.Rows; i++ {
				seen[i+j*m]++
			}
		}
	}
	return seen
}

func TestGemmTilesCoverCOnce(t *testing.T) {
	t.Parallel()
	const m, n, k, nb = 70, 45, 33, 16
	p, rec := newPool(t, 3, nb, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(1, 2))
	for _, tr := range [][2]blas.Transpose{
		{blas.NoTrans, blas.NoTrans},
		{blas.ConjTrans, blas.NoTrans},
		{blas.NoTrans, blas.Trans},
		{blas.ConjTrans, blas.ConjTrans},
	} {
		ta, tb := tr[0], tr[1]
		ra, ca := m, k
		if ta != blas.NoTrans {
			ra, ca = k, m
		}
		rb, cb := k, n
		if tb != blas.NoTrans {
			rb, cb = n, k
		}
		a, b, c := randView[complex128](rng, ra, ca), randView[complex128](rng, rb, cb), randView[complex128](rng, m, n)
		alpha, beta := complex(0.5, 1), complex(-1, 0.25)
		want := c.Clone()
		if err := (blas.Impl[complex128]{}).Gemm(ta, tb, m, n, k, alpha, a, b, beta, want); err != nil {
			t.Fatal(err)
		}
		if err := On[complex128](p).Gemm(ta, tb, m, n, k, alpha, a, b, beta, c); err != nil {
			t.Fatal(err)
		}
		if d := maxDiff(c, want); d > 1e-12 {
			t.Fatalf("%s%s: max diff %g", ta, tb, d)
		}

		tasks := rec.take()
		if want := ceilDiv(m, nb) * ceilDiv(n, nb); len(tasks) != want {
			t.Fatalf("%s%s: %d tasks, want %d", ta, tb, len(tasks), want)
		}
		for i, cnt := range coverage(t, tasks, m, n) {
			if cnt != 1 {
				t.Fatalf("%s%s: element %d written by %d tasks", ta, tb, i, cnt)
			}
		}
	}
}

func TestGemmRoundRobin(t *testing.T) {
	t.Parallel()
	p, rec := newPool(t, 3, 8, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(3, 4))
	const m, n, k = 40, 24, 8
	a, b, c := randView[float32](rng, m, k), randView[float32](rng, k, n), blas.Dense[float32](m, n)
	if err := On[float32](p).Gemm(blas.NoTrans, blas.NoTrans, m, n, k, 1, a, b, 0, c); err != nil {
		t.Fatal(err)
	}
	tasks := rec.take()
	if len(tasks) != 15 {
		t.Fatalf("%d tasks", len(tasks))
	}
	for i, ti := range tasks {
		if ti.Device != i%3 {
			t.Fatalf("task %d on device %d", i, ti.Device)
		}
	}
	for _, st := range p.Stats() {
		if st.Tasks != 5 || st.Skipped != 0 || st.Failed != 0 {
			t.Fatalf("stats %+v", st)
		}
	}
}

func TestGemmSmallAndZeroAlphaStayOnHost(t *testing.T) {
	t.Parallel()
	p, rec := newPool(t, 2, 32, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(5, 6))
	a, b, c := randView[float64](rng, 20, 9), randView[float64](rng, 9, 31), randView[float64](rng, 20, 31)
	want := c.Clone()
	if err := (blas.Impl[float64]{}).Gemm(blas.NoTrans, blas.NoTrans, 20, 31, 9, 2, a, b, 3, want); err != nil {
		t.Fatal(err)
	}
	if err := On[float64](p).Gemm(blas.NoTrans, blas.NoTrans, 20, 31, 9, 2, a, b, 3, c); err != nil {
		t.Fatal(err)
	}
	if d := maxDiff(c, want); d != 0 {
		t.Fatalf("max diff %g", d)
	}

	big := randView[float64](rng, 100, 100)
	before := big.Clone()
	nan := blas.Dense[float64](100, 100)
	for i := range nan.Data {
		nan.Data[i] = math.NaN()
	}
	if err := On[float64](p).Gemm(blas.NoTrans, blas.NoTrans, 100, 100, 100, 0, nan, nan, 1, big); err != nil {
		t.Fatal(err)
	}
	if d := maxDiff(big, before); d != 0 {
		t.Fatal("alpha = 0, beta = 1 changed C")
	}
	if tasks := rec.take(); len(tasks) != 0 {
		t.Fatalf("%d tasks submitted", len(tasks))
	}
}

func TestHerkTriangleTiles(t *testing.T) {
	t.Parallel()
	const n, k, nb = 50, 21, 16
	p, rec := newPool(t, 2, nb, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(7, 8))
	for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
		for _, trans := range []blas.Transpose{blas.NoTrans, blas.ConjTrans} {
			ra, ca := n, k
			if trans != blas.NoTrans {
				ra, ca = k, n
			}
			a, c := randView[complex64](rng, ra, ca), randView[complex64](rng, n, n)
			want := c.Clone()
			if err := (blas.Impl[complex64]{}).Herk(uplo, trans, n, k, 0.5, a, 2, want); err != nil {
				t.Fatal(err)
			}
			if err := On[complex64](p).Herk(uplo, trans, n, k, 0.5, a, 2, c); err != nil {
				t.Fatal(err)
			}
			if d := maxDiff(c, want); d > 1e-4 {
				t.Fatalf("%s%s: max diff %g", uplo, trans, d)
			}
			tiles := ceilDiv(n, nb)
			if got := len(rec.take()); got != tiles*(tiles+1)/2 {
				t.Fatalf("%s%s: %d tasks", uplo, trans, got)
			}
		}
	}
}

func TestTrsmUndoesTrmm(t *testing.T) {
	t.Parallel()
	const m, n = 37, 52
	p, rec := newPool(t, 2, 16, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(9, 10))
	d := On[float64](p)
	for _, side := range []blas.Side{blas.Left, blas.Right} {
		for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
			for _, trans := range []blas.Transpose{blas.NoTrans, blas.Trans} {
				order, strips := m, ceilDiv(n, 16)
				if side == blas.Right {
					order, strips = n, ceilDiv(m, 16)
				}
				a := triangular(randView[float64](rng, order, order), uplo)
				b := randView[float64](rng, m, n)
				x := b.Clone()
				want := b.Clone()
				if err := (blas.Impl[float64]{}).Trmm(side, uplo, trans, blas.NonUnit, m, n, 2, a, want); err != nil {
					t.Fatal(err)
				}
				if err := d.Trmm(side, uplo, trans, blas.NonUnit, m, n, 2, a, x); err != nil {
					t.Fatal(err)
				}
				if diff := maxDiff(x, want); diff > 1e-12 {
					t.Fatalf("trmm %s%s%s: max diff %g", side, uplo, trans, diff)
				}
				if err := d.Trsm(side, uplo, trans, blas.NonUnit, m, n, 0.5, a, x); err != nil {
					t.Fatal(err)
				}
				if diff := maxDiff(x, b); diff > 1e-12 {
					t.Fatalf("trsm %s%s%s: max diff %g", side, uplo, trans, diff)
				}
				if got := len(rec.take()); got != 2*strips {
					t.Fatalf("%s%s%s: %d tasks, want %d", side, uplo, trans, got, 2*strips)
				}
			}
		}
	}
}

func TestPotrfMatchesHost(t *testing.T) {
	t.Parallel()
	const n = 90
	p, _ := newPool(t, 2, 16, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(11, 12))
	for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
		a := spd[float64](t, rng, n)
		want := a.Clone()
		if info, err := (lapack.Impl[float64]{}).Potrf(uplo, n, want); err != nil || info != 0 {
			t.Fatalf("host: info %d, err %v", info, err)
		}
		info, err := On[float64](p).Potrf(uplo, n, a)
		if err != nil || info != 0 {
			t.Fatalf("%s: info %d, err %v", uplo, info, err)
		}
		if d := maxDiff(a, want); d > 1e-9 {
			t.Fatalf("%s: max diff %g", uplo, d)
		}
	}
}

func TestPotrfStopsAtFailingBlock(t *testing.T) {
	t.Parallel()
	const n, nb = 80, 16
	p, _ := newPool(t, 2, nb, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(13, 14))
	for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
		for _, j0 := range []int{3, 16, 47, 79} {
			a := spd[float64](t, rng, n)
			a.Set(j0, j0, -1)
			after := a.Clone()
			info, err := On[float64](p).Potrf(uplo, n, a)
			if err != nil {
				t.Fatal(err)
			}
			if info != j0+1 {
				t.Fatalf("%s j0=%d: info %d", uplo, j0, info)
			}
			// Blocks after the failing one are untouched.
			next := (j0/nb + 1) * nb
			for j := next; j < n; j++ {
				for i := next; i < n; i++ {
					if a.At(i, j) != after.At(i, j) {
						t.Fatalf("%s j0=%d: (%d,%d) changed", uplo, j0, i, j)
					}
				}
			}
		}
	}
}

func TestPotriInverts(t *testing.T) {
	t.Parallel()
	const n = 70
	p, _ := newPool(t, 3, 16, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(15, 16))
	for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
		a := spd[complex128](t, rng, n)
		inv := a.Clone()
		d := On[complex128](p)
		if info, err := d.Potrf(uplo, n, inv); err != nil || info != 0 {
			t.Fatalf("potrf: info %d, err %v", info, err)
		}
		if info, err := d.Potri(uplo, n, inv); err != nil || info != 0 {
			t.Fatalf("potri: info %d, err %v", info, err)
		}
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				if (uplo == blas.Upper && i > j) || (uplo == blas.Lower && i < j) {
					inv.Set(i, j, blas.Conj(inv.At(j, i)))
				}
			}
		}
		prod := blas.Dense[complex128](n, n)
		if err := (blas.Impl[complex128]{}).Gemm(blas.NoTrans, blas.NoTrans, n, n, n, 1, a, inv, 0, prod); err != nil {
			t.Fatal(err)
		}
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				want := complex128(0)
				if i == j {
					want = 1
				}
				if blas.Abs(prod.At(i, j)-want) > 1e-8 {
					t.Fatalf("%s: A*inv(A) (%d,%d) = %v", uplo, i, j, prod.At(i, j))
				}
			}
		}
	}
}

func TestTrtriAndLauumMatchHost(t *testing.T) {
	t.Parallel()
	const n = 75
	p, _ := newPool(t, 2, 16, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(17, 18))
	host := lapack.Impl[float64]{}
	for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
		for _, diag := range []blas.Diag{blas.NonUnit, blas.Unit} {
			a := triangular(randView[float64](rng, n, n), uplo)
			want := a.Clone()
			if info, err := host.Trtri(uplo, diag, n, want); err != nil || info != 0 {
				t.Fatalf("host: info %d, err %v", info, err)
			}
			if info, err := On[float64](p).Trtri(uplo, diag, n, a); err != nil || info != 0 {
				t.Fatalf("%s%s: info %d, err %v", uplo, diag, info, err)
			}
			if d := maxDiff(a, want); d > 1e-12 {
				t.Fatalf("trtri %s%s: max diff %g", uplo, diag, d)
			}
		}
		a := triangular(randView[float64](rng, n, n), uplo)
		want := a.Clone()
		if err := host.Lauum(uplo, n, want); err != nil {
			t.Fatal(err)
		}
		if err := On[float64](p).Lauum(uplo, n, a); err != nil {
			t.Fatal(err)
		}
		if d := maxDiff(a, want); d > 1e-9 {
			t.Fatalf("lauum %s: max diff %g", uplo, d)
		}
	}
}

func TestTrtriSingular(t *testing.T) {
	t.Parallel()
	const n, j0 = 60, 37
	p, _ := newPool(t, 2, 16, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(19, 20))
	for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
		a := triangular(randView[float32](rng, n, n), uplo)
		a.Set(j0, j0, 0)
		info, err := On[float32](p).Trtri(uplo, blas.NonUnit, n, a)
		if err != nil {
			t.Fatal(err)
		}
		if info != j0+1 {
			t.Fatalf("%s: info %d", uplo, info)
		}
	}
}

func TestDeviceFailureJoinsEveryTask(t *testing.T) {
	t.Parallel()
	var calls []string
	var mu sync.Mutex
	sc := sim.Config{Fault: func(call string, ordinal int) error {
		if ordinal == 1 && strings.HasPrefix(call, "Launch _Z5dgemm") {
			return device.ErrLaunchFailed
		}
		return nil
	}}
	p, rec := newPool(t, 3, 8, sc, Config{Errors: &blas.ErrorHandler{
		Device: func(call, routine, file string, line, code int) {
			mu.Lock()
			calls = append(calls, call)
			mu.Unlock()
		},
	}})
	rng := rand.New(rand.NewPCG(21, 22))
	const m, n, k = 64, 64, 16
	a, b, c := randView[float64](rng, m, k), randView[float64](rng, k, n), blas.Dense[float64](m, n)
	err := On[float64](p).Gemm(blas.NoTrans, blas.NoTrans, m, n, k, 1, a, b, 0, c)
	var de *gpu.DeviceError
	if !errors.As(err, &de) || !errors.Is(err, device.ErrLaunchFailed) {
		t.Fatalf("err = %v", err)
	}
	submitted := len(rec.take())
	var ran, failed, skipped int64
	for _, st := range p.Stats() {
		ran += st.Tasks
		failed += st.Failed
		skipped += st.Skipped
	}
	if ran+skipped != int64(submitted) || failed == 0 {
		t.Fatalf("submitted %d, ran %d, skipped %d, failed %d", submitted, ran, skipped, failed)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) == 0 || !strings.HasPrefix(calls[0], "LaunchKernel(") {
		t.Fatalf("device callbacks %v", calls)
	}

	// The pool stays usable for work that does not hit the fault.
	if err := On[float32](p).Gemm(blas.NoTrans, blas.NoTrans, 16, 16, 8, 1,
		randView[float32](rng, 16, 8), randView[float32](rng, 8, 16), 0, blas.Dense[float32](16, 16)); err != nil {
		t.Fatal(err)
	}
}

func TestParamErrors(t *testing.T) {
	t.Parallel()
	var got []int
	p, rec := newPool(t, 1, 16, sim.Config{}, Config{Errors: &blas.ErrorHandler{
		Param: func(routine string, index int) { got = append(got, index) },
	}})
	d := On[float64](p)
	ok := blas.Dense[float64](4, 4)
	short := blas.View[float64]{Data: make([]float64, 16), Ld: 2, Rows: 4, Cols: 4}

	var pe *blas.ParamError
	if err := d.Gemm(blas.NoTrans, blas.Transpose('x'), 4, 4, 4, 1, ok, ok, 0, ok); !errors.As(err, &pe) || pe.Index != 2 {
		t.Fatalf("gemm: %v", err)
	}
	if err := d.Herk(blas.Lower, blas.NoTrans, 4, 4, 1, ok, 0, short); !errors.As(err, &pe) || pe.Index != 10 || pe.Routine != "dsyrk" {
		t.Fatalf("herk: %v", err)
	}
	if err := d.Trmm(blas.Left, blas.Upper, blas.NoTrans, blas.Unit, 4, -1, 1, ok, ok); !errors.As(err, &pe) || pe.Index != 6 {
		t.Fatalf("trmm: %v", err)
	}
	if info, err := d.Potrf(blas.Uplo('?'), 4, ok); info != -1 || err == nil {
		t.Fatalf("potrf: info %d, err %v", info, err)
	}
	if info, err := d.Trtri(blas.Upper, blas.NonUnit, 4, short); info != -5 || err == nil {
		t.Fatalf("trtri: info %d, err %v", info, err)
	}
	if want := []int{2, 10, 6, 1, 5}; !slices.Equal(got, want) {
		t.Fatalf("reported %v, want %v", got, want)
	}
	if len(rec.take()) != 0 {
		t.Fatal("tasks submitted for invalid arguments")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	p, err := New(sim.New(sim.Config{Devices: 2, Images: images}), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got := p.Devices(); !slices.Equal(got, []int{0, 1}) {
		t.Fatalf("devices %v", got)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	c := blas.Dense[float32](2048, 2048)
	if err := On[float32](p).Gemm(blas.NoTrans, blas.NoTrans, 2048, 2048, 1, 1, blas.Dense[float32](2048, 1), blas.Dense[float32](1, 2048), 0, c); !errors.Is(err, errClosed) {
		t.Fatalf("gemm after close: %v", err)
	}
}
