package gpu

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/samcharles93/culapack/pkg/blas"
	"github.com/samcharles93/culapack/pkg/device"
	"github.com/samcharles93/culapack/pkg/device/sim"
	"github.com/samcharles93/culapack/pkg/lapack"
)

var transes = []blas.Transpose{blas.NoTrans, blas.Trans, blas.ConjTrans}

func checkGemm[T blas.Scalar](t *testing.T, h *Handle, rng *rand.Rand) {
	t.Helper()
	const m, n, k = 37, 29, 23
	for _, ta := range transes {
		for _, tb := range transes {
			ra, ca := m, k
			if ta != blas.NoTrans {
				ra, ca = k, m
			}
			rb, cb := k, n
			if tb != blas.NoTrans {
				rb, cb = n, k
			}
			a, b, c := randView[T](rng, ra, ca), randView[T](rng, rb, cb), randView[T](rng, m, n)
			alpha, beta := blas.FromParts[T](0.5, -1), blas.FromParts[T](2, 0.25)

			dc := toDevice(t, h, c)
			if err := On[T](h).Gemm(h.Stream(1), ta, tb, m, n, k, alpha, toDevice(t, h, a), toDevice(t, h, b), beta, dc); err != nil {
				t.Fatal(err)
			}
			want := c.Clone()
			if err := (blas.Impl[T]{}).Gemm(ta, tb, m, n, k, alpha, a, b, beta, want); err != nil {
				t.Fatal(err)
			}
			if d := maxDiff(fromDevice(t, h, dc), want); d > tolerance[T](k) {
				t.Fatalf("%s%s: max diff %g", ta, tb, d)
			}
		}
	}
}

func TestGemmMatchesCPU(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	t.Run("s", func(t *testing.T) { checkGemm[float32](t, newHandle(t, sim.Config{}, Config{}), rng) })
	t.Run("z", func(t *testing.T) { checkGemm[complex128](t, newHandle(t, sim.Config{}, Config{}), rng) })
}

func TestGemm2ZeroAlphaWritesScaledC(t *testing.T) {
	t.Parallel()
	h := newHandle(t, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(3, 4))
	const m, n = 70, 20
	c := randView[float64](rng, m, n)
	dc := toDevice(t, h, c)
	dd := toDevice(t, h, blas.Dense[float64](m, n))
	// A and B are never read, so empty matrices with valid strides suffice.
	a := Mat[float64]{Ld: m, Rows: m}
	b := Mat[float64]{Ld: 1, Cols: n}
	if err := On[float64](h).Gemm2(h.Stream(0), blas.NoTrans, blas.NoTrans, m, n, 0, 0, a, b, 1, dc, dd); err != nil {
		t.Fatal(err)
	}
	if d := maxDiff(fromDevice(t, h, dd), c); d != 0 {
		t.Fatalf("D != C, diff %g", d)
	}
	if err := On[float64](h).Gemm(h.Stream(0), blas.NoTrans, blas.NoTrans, m, n, 0, 0, a, b, 1, dc); err != nil {
		t.Fatal(err)
	}
	if got := stats(h).Launches; got != 1 {
		t.Fatalf("in-place no-op launched, %d launches", got)
	}
}

func checkGemm2[T blas.Scalar](t *testing.T, h *Handle, rng *rand.Rand) {
	t.Helper()
	const m, n, k = 41, 26, 9
	a, b, c := randView[T](rng, k, m), randView[T](rng, k, n), randView[T](rng, m, n)
	alpha, beta := blas.FromParts[T](1.5, 0.5), blas.FromParts[T](-0.75, 1)
	dc := toDevice(t, h, c)
	dd := toDevice(t, h, blas.Dense[T](m, n))
	if err := On[T](h).Gemm2(h.Stream(0), blas.ConjTrans, blas.NoTrans, m, n, k, alpha, toDevice(t, h, a), toDevice(t, h, b), beta, dc, dd); err != nil {
		t.Fatal(err)
	}
	want := c.Clone()
	if err := (blas.Impl[T]{}).Gemm(blas.ConjTrans, blas.NoTrans, m, n, k, alpha, a, b, beta, want); err != nil {
		t.Fatal(err)
	}
	if d := maxDiff(fromDevice(t, h, dd), want); d > tolerance[T](k) {
		t.Fatalf("max diff %g", d)
	}
	if d := maxDiff(fromDevice(t, h, dc), c); d != 0 {
		t.Fatalf("C changed, diff %g", d)
	}
}

func TestGemm2LeavesC(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(11, 12))
	t.Run("d", func(t *testing.T) { checkGemm2[float64](t, newHandle(t, sim.Config{}, Config{}), rng) })
	t.Run("c", func(t *testing.T) { checkGemm2[complex64](t, newHandle(t, sim.Config{}, Config{}), rng) })
}

func TestHerkTouchesOnlyTriangle(t *testing.T) {
	t.Parallel()
	h := newHandle(t, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(5, 6))
	const n, k = 45, 17
	for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
		for _, trans := range []blas.Transpose{blas.NoTrans, blas.ConjTrans} {
			ra, ca := n, k
			if trans != blas.NoTrans {
				ra, ca = k, n
			}
			a, c := randView[complex64](rng, ra, ca), randView[complex64](rng, n, n)
			dc := toDevice(t, h, c)
			if err := On[complex64](h).Herk(h.Stream(0), uplo, trans, n, k, -1, toDevice(t, h, a), 0.5, dc); err != nil {
				t.Fatal(err)
			}
			want := c.Clone()
			if err := (blas.Impl[complex64]{}).Herk(uplo, trans, n, k, -1, a, 0.5, want); err != nil {
				t.Fatal(err)
			}
			got := fromDevice(t, h, dc)
			if d := maxDiff(got, want); d > tolerance[complex64](k) {
				t.Fatalf("%s%s: max diff %g", uplo, trans, d)
			}
			for j := 0; j < n; j++ {
				for i := 0; i < n; i++ {
					outside := (uplo == blas.Upper && i > j) || (uplo == blas.Lower && i < j)
					if outside && got.At(i, j) != c.At(i, j) {
						t.Fatalf("%s%s: (%d,%d) outside the triangle changed", uplo, trans, i, j)
					}
				}
			}
		}
	}
}

func TestTrsmUndoesTrmm2(t *testing.T) {
	t.Parallel()
	h := newHandle(t, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(7, 8))
	const m, n = 33, 70
	g := On[float64](h)
	for _, side := range []blas.Side{blas.Left, blas.Right} {
		for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
			for _, trans := range transes {
				for _, diag := range []blas.Diag{blas.NonUnit, blas.Unit} {
					order := m
					if side == blas.Right {
						order = n
					}
					a := triangular(scaled(randView[float64](rng, order, order), 1/float64(order)), uplo)
					b := randView[float64](rng, m, n)
					da, db := toDevice(t, h, a), toDevice(t, h, b)
					dx := toDevice(t, h, blas.Dense[float64](m, n))
					if err := g.Trmm2(h.Stream(0), side, uplo, trans, diag, m, n, 2, da, db, dx); err != nil {
						t.Fatal(err)
					}
					want := b.Clone()
					if err := (blas.Impl[float64]{}).Trmm(side, uplo, trans, diag, m, n, 2, a, want); err != nil {
						t.Fatal(err)
					}
					if d := maxDiff(fromDevice(t, h, dx), want); d > tolerance[float64](order) {
						t.Fatalf("trmm2 %s%s%s%s: max diff %g", side, uplo, trans, diag, d)
					}
					if err := g.Trsm(h.Stream(0), side, uplo, trans, diag, m, n, 0.5, da, dx); err != nil {
						t.Fatal(err)
					}
					if d := maxDiff(fromDevice(t, h, dx), b); d > tolerance[float64](order) {
						t.Fatalf("trsm %s%s%s%s: max diff %g", side, uplo, trans, diag, d)
					}
					if d := maxDiff(fromDevice(t, h, db), b); d != 0 {
						t.Fatal("trmm2 modified B")
					}
				}
			}
		}
	}
}

func choleskyResidual[T blas.Scalar](t *testing.T, uplo blas.Uplo, factor, a blas.View[T]) float64 {
	t.Helper()
	n := a.Rows
	f := blas.Dense[T](n, n)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			if (uplo == blas.Upper && i <= j) || (uplo == blas.Lower && i >= j) {
				f.Set(i, j, factor.At(i, j))
			}
		}
	}
	prod := a.Clone()
	ta, tb := blas.ConjTrans, blas.NoTrans
	if uplo == blas.Lower {
		ta, tb = tb, ta
	}
	if err := (blas.Impl[T]{}).Gemm(ta, tb, n, n, n, 1, f, f, -1, prod); err != nil {
		t.Fatal(err)
	}
	var norm, res float64
	for i := 0; i < n; i++ {
		var ra, rp float64
		for j := 0; j < n; j++ {
			ra += blas.Abs(a.At(i, j))
			rp += blas.Abs(prod.At(i, j))
		}
		norm, res = max(norm, ra), max(res, rp)
	}
	return res / (float64(n) * blas.Epsilon[T]() * norm)
}

func TestPotrfAndLogdet(t *testing.T) {
	t.Parallel()
	h := newHandle(t, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(9, 10))
	const n = 150
	for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
		a := spd[float64](t, rng, n)
		da := toDevice(t, h, a)
		info, err := On[float64](h).Potrf(uplo, n, da)
		if err != nil || info != 0 {
			t.Fatalf("%s: info %d, err %v", uplo, info, err)
		}
		factor := fromDevice(t, h, da)
		if r := choleskyResidual(t, uplo, factor, a); r > 1 {
			t.Fatalf("%s: scaled residual %g", uplo, r)
		}
		got, err := On[float64](h).Logdet(h.Stream(0), n, da.Ptr, da.Ld+1)
		if err != nil {
			t.Fatal(err)
		}
		want, _ := (lapack.Impl[float64]{}).Logdet(n, factor.Data, factor.Ld+1)
		if math.Abs(got-want) > 1e-9*math.Abs(want) {
			t.Fatalf("%s: logdet %v, want %v", uplo, got, want)
		}
	}
}

func TestPotrfComplexLower(t *testing.T) {
	t.Parallel()
	h := newHandle(t, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(11, 12))
	const n = 40
	a := spd[complex64](t, rng, n)
	da := toDevice(t, h, a)
	info, err := On[complex64](h).Potrf(blas.Lower, n, da)
	if err != nil || info != 0 {
		t.Fatalf("info %d, err %v", info, err)
	}
	if r := choleskyResidual(t, blas.Lower, fromDevice(t, h, da), a); r > 4 {
		t.Fatalf("scaled residual %g", r)
	}
}

func TestPotrfReportsGlobalInfo(t *testing.T) {
	t.Parallel()
	h := newHandle(t, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(13, 14))
	const n = 100
	for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
		for _, j0 := range []int{0, 5, 31, 32, 77} {
			a := spd[float64](t, rng, n)
			a.Set(j0, j0, -1)
			info, err := On[float64](h).Potrf(uplo, n, toDevice(t, h, a))
			if err != nil {
				t.Fatal(err)
			}
			if info != j0+1 {
				t.Fatalf("%s j0=%d: info %d", uplo, j0, info)
			}
		}
	}
}

func TestTrtriInverts(t *testing.T) {
	t.Parallel()
	h := newHandle(t, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(15, 16))
	const n = 150
	for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
		for _, diag := range []blas.Diag{blas.NonUnit, blas.Unit} {
			a := triangular(scaled(randView[float64](rng, n, n), 1.0/n), uplo)
			da := toDevice(t, h, a)
			info, err := On[float64](h).Trtri(uplo, diag, n, da)
			if err != nil || info != 0 {
				t.Fatalf("%s%s: info %d, err %v", uplo, diag, info, err)
			}
			inv := fromDevice(t, h, da)
			want := a.Clone()
			if info, _ := (lapack.Impl[float64]{}).Trtri(uplo, diag, n, want); info != 0 {
				t.Fatalf("cpu info %d", info)
			}
			if d := maxDiff(inv, want); d > 1e-12 {
				t.Fatalf("%s%s: max diff %g", uplo, diag, d)
			}
		}
	}
}

func TestTrtriSingular(t *testing.T) {
	t.Parallel()
	h := newHandle(t, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(17, 18))
	const n, j0 = 130, 70
	for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
		a := triangular(randView[float64](rng, n, n), uplo)
		a.Set(j0, j0, 0)
		da := toDevice(t, h, a)
		info, err := On[float64](h).Trtri(uplo, blas.NonUnit, n, da)
		if err != nil {
			t.Fatal(err)
		}
		if info != j0+1 {
			t.Fatalf("%s: info %d", uplo, info)
		}
		// The failing block and its panel keep their input values.
		nb := trtriBlock(blas.Double)
		j := j0 / nb * nb
		r0, r1 := 0, j+nb
		if uplo == blas.Lower {
			r0, r1 = j, n
		}
		got := fromDevice(t, h, da)
		for c := j; c < min(j+nb, n); c++ {
			for r := r0; r < r1; r++ {
				if got.At(r, c) != a.At(r, c) {
					t.Fatalf("%s: (%d,%d) = %v, want %v", uplo, r, c, got.At(r, c), a.At(r, c))
				}
			}
		}
	}
}

func TestLauumMatchesCPU(t *testing.T) {
	t.Parallel()
	h := newHandle(t, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(19, 20))
	const n = 140
	for _, uplo := range []blas.Uplo{blas.Upper, blas.Lower} {
		a := triangular(randView[complex128](rng, n, n), uplo)
		da := toDevice(t, h, a)
		if err := On[complex128](h).Lauum(uplo, n, da); err != nil {
			t.Fatal(err)
		}
		want := a.Clone()
		if err := (lapack.Impl[complex128]{}).Lauum(uplo, n, want); err != nil {
			t.Fatal(err)
		}
		if d := maxDiff(fromDevice(t, h, da), want); d > 1e-8 {
			t.Fatalf("%s: max diff %g", uplo, d)
		}
	}
}

func TestPotriInverts(t *testing.T) {
	t.Parallel()
	h := newHandle(t, sim.Config{}, Config{})
	rng := rand.New(rand.NewPCG(21, 22))
	const n = 90
	a := spd[float64](t, rng, n)
	da := toDevice(t, h, a)
	g := On[float64](h)
	if info, err := g.Potrf(blas.Upper, n, da); err != nil || info != 0 {
		t.Fatalf("potrf info %d, err %v", info, err)
	}
	if info, err := g.Potri(blas.Upper, n, da); err != nil || info != 0 {
		t.Fatalf("potri info %d, err %v", info, err)
	}
	inv := fromDevice(t, h, da)
	for j := 0; j < n; j++ {
		for i := j + 1; i < n; i++ {
			inv.Set(i, j, inv.At(j, i))
		}
	}
	prod := blas.Dense[float64](n, n)
	if err := (blas.Impl[float64]{}).Gemm(blas.NoTrans, blas.NoTrans, n, n, n, 1, a, inv, 0, prod); err != nil {
		t.Fatal(err)
	}
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(prod.At(i, j)-want) > 1e-8 {
				t.Fatalf("A*inv(A) (%d,%d) = %g", i, j, prod.At(i, j))
			}
		}
	}
}

func TestParamErrorsLaunchNothing(t *testing.T) {
	t.Parallel()
	var reported []int
	h := newHandle(t, sim.Config{}, Config{Errors: &blas.ErrorHandler{
		Param: func(routine string, index int) { reported = append(reported, index) },
	}})
	g := On[float32](h)
	c := Mat[float32]{Ptr: 1, Ld: 4, Rows: 4, Cols: 4}
	short := Mat[float32]{Ptr: 1, Ld: 2, Rows: 4, Cols: 4}

	err := g.Gemm(h.Stream(0), blas.NoTrans, blas.NoTrans, 4, 4, 4, 1, short, c, 0, c)
	var pe *blas.ParamError
	if !errors.As(err, &pe) || pe.Index != 8 || pe.Routine != "sgemm" {
		t.Fatalf("gemm: %v", err)
	}
	if err := g.Gemm2(h.Stream(0), blas.NoTrans, blas.NoTrans, 4, 4, 4, 1, c, c, 0, c, short); !errors.As(err, &pe) || pe.Index != 15 {
		t.Fatalf("gemm2: %v", err)
	}
	if err := g.Herk(h.Stream(0), blas.Upper, blas.NoTrans, 4, 2, 1, c, 0, short); !errors.As(err, &pe) || pe.Index != 10 || pe.Routine != "ssyrk" {
		t.Fatalf("herk: %v", err)
	}
	if err := g.Trsm(h.Stream(0), blas.Side('X'), blas.Upper, blas.NoTrans, blas.Unit, 4, 4, 1, c, c); !errors.As(err, &pe) || pe.Index != 1 {
		t.Fatalf("trsm: %v", err)
	}
	if info, err := g.Potrf(blas.Upper, 4, short); info != -4 || err == nil {
		t.Fatalf("potrf: info %d, err %v", info, err)
	}
	if info, err := g.Trtri(blas.Lower, blas.Diag('Q'), 4, c); info != -2 || err == nil {
		t.Fatalf("trtri: info %d, err %v", info, err)
	}
	if _, err := g.Logdet(h.Stream(0), 4, c.Ptr, 0); !errors.As(err, &pe) || pe.Index != 3 {
		t.Fatalf("logdet: %v", err)
	}
	if want := []int{8, 15, 10, 1, 4, 2, 3}; !slices.Equal(reported, want) {
		t.Fatalf("reported %v", reported)
	}
	if st := stats(h); st.Launches != 0 || st.ModuleLoads != 0 {
		t.Fatalf("stats %+v", st)
	}
}

func TestDeviceErrorsCarryCallSite(t *testing.T) {
	t.Parallel()
	type failure struct {
		call, routine, file string
		code                int
	}
	var got []failure
	h := newHandle(t, sim.Config{Fault: func(call string, ordinal int) error {
		if strings.HasPrefix(call, "Launch _Z5dgemm") {
			return device.ErrLaunchFailed
		}
		return nil
	}}, Config{Errors: &blas.ErrorHandler{
		Device: func(call, routine, file string, line, code int) {
			got = append(got, failure{call, routine, file, code})
		},
	}})
	rng := rand.New(rand.NewPCG(23, 24))
	a := toDevice(t, h, spd[float64](t, rng, 200))
	_, err := On[float64](h).Potrf(blas.Lower, 200, a)
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("potrf: %v", err)
	}
	if !errors.Is(err, device.ErrLaunchFailed) || de.Code() != device.ErrLaunchFailed || de.Routine != "dgemm" {
		t.Fatalf("device error %+v", de)
	}
	if len(got) != 1 || got[0].code != int(device.ErrLaunchFailed) || got[0].file != "blas.go" {
		t.Fatalf("callbacks %+v", got)
	}
}

func TestModuleLoadFailureIsSticky(t *testing.T) {
	t.Parallel()
	h := newHandle(t, sim.Config{Images: map[string]sim.Program{}}, Config{})
	c := toDevice(t, h, blas.Dense[complex64](8, 8))
	g := On[complex64](h)
	first := g.Gemm(h.Stream(0), blas.NoTrans, blas.NoTrans, 8, 8, 8, 1, c, c, 0, c)
	second := g.Gemm(h.Stream(0), blas.ConjTrans, blas.NoTrans, 8, 8, 8, 1, c, c, 0, c)
	if !errors.Is(first, device.ErrInvalidImage) || first != second {
		t.Fatalf("first %v, second %v", first, second)
	}
	if st := stats(h); st.ModuleLoads != 0 {
		t.Fatalf("stats %+v", st)
	}
}
