package blas

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	gblas "gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/gonum"
)

var transposes = []Transpose{NoTrans, Trans, ConjTrans}

func toGonum(t Transpose) gblas.Transpose {
	switch t {
	case Trans:
		return gblas.Trans
	case ConjTrans:
		return gblas.ConjTrans
	}
	return gblas.NoTrans
}

func TestGemmMatchesGonum(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	const m, n, k = 37, 29, 41
	for _, ta := range transposes {
		for _, tb := range transposes {
			ra, ca := m, k
			if ta != NoTrans {
				ra, ca = k, m
			}
			rb, cb := k, n
			if tb != NoTrans {
				rb, cb = n, k
			}
			a := randView[float64](rng, ra, ca, 3)
			b := randView[float64](rng, rb, cb, 1)
			c := randView[float64](rng, m, n, 2)
			want := c.Clone()

			// Column-major C = op(A)op(B) is row-major Cᵀ = op(B)ᵀop(A)ᵀ.
			gonum.Implementation{}.Dgemm(toGonum(tb), toGonum(ta), n, m, k, 1.5, b.Data, b.Ld, a.Data, a.Ld, -0.5, want.Data, want.Ld)

			if err := (Impl[float64]{}).Gemm(ta, tb, m, n, k, 1.5, a, b, -0.5, c); err != nil {
				t.Fatalf("gemm %c%c: %v", ta, tb, err)
			}
			if d := maxDiff(t, c, want); d > tolerance[float64](k) {
				t.Fatalf("gemm %c%c differs from gonum by %g", ta, tb, d)
			}
		}
	}
}

func TestGemmComplexConjugates(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(3, 4))
	const m, n, k = 9, 7, 5
	a := randView[complex128](rng, k, m, 0)
	b := randView[complex128](rng, n, k, 0)
	c := Dense[complex128](m, n)
	if err := (Impl[complex128]{Workers: 1}).Gemm(ConjTrans, ConjTrans, m, n, k, 1, a, b, 0, c); err != nil {
		t.Fatal(err)
	}
	for j := 0; j < n; j++ {
		for i := 0; i < m; i++ {
			var want complex128
			for l := 0; l < k; l++ {
				want += Conj(a.At(l, i)) * Conj(b.At(j, l))
			}
			if d := Abs(c.At(i, j) - want); d > 1e-13 {
				t.Fatalf("C(%d,%d) = %v, want %v", i, j, c.At(i, j), want)
			}
		}
	}
}

func TestGemmQuickReturnDoesNotReadOperands(t *testing.T) {
	t.Parallel()
	nan := float32(math.NaN())
	a := Dense[float32](4, 3)
	b := Dense[float32](3, 5)
	for i := range a.Data {
		a.Data[i] = nan
	}
	for i := range b.Data {
		b.Data[i] = nan
	}
	c := Dense[float32](4, 5)
	for i := range c.Data {
		c.Data[i] = float32(i)
	}
	impl := Impl[float32]{}

	if err := impl.Gemm(NoTrans, NoTrans, 4, 5, 3, 0, a, b, 1, c); err != nil {
		t.Fatal(err)
	}
	for i, v := range c.Data {
		if v != float32(i) {
			t.Fatalf("alpha=0 beta=1 changed C[%d] to %v", i, v)
		}
	}

	if err := impl.Gemm(NoTrans, NoTrans, 4, 5, 3, 0, a, b, 2, c); err != nil {
		t.Fatal(err)
	}
	for i, v := range c.Data {
		if v != 2*float32(i) {
			t.Fatalf("alpha=0 beta=2: C[%d] = %v", i, v)
		}
	}

	for i := range c.Data {
		c.Data[i] = nan
	}
	if err := impl.Gemm(NoTrans, NoTrans, 4, 5, 3, 0, a, b, 0, c); err != nil {
		t.Fatal(err)
	}
	for i, v := range c.Data {
		if v != 0 {
			t.Fatalf("alpha=0 beta=0 must zero-fill, C[%d] = %v", i, v)
		}
	}
}

func TestGemmEmptyIsNoOp(t *testing.T) {
	t.Parallel()
	c := Dense[complex64](3, 3)
	c.Data[4] = 7
	empty := View[complex64]{Ld: 1, Cols: 3}
	if err := (Impl[complex64]{}).Gemm(NoTrans, NoTrans, 0, 3, 3, 1, empty, Dense[complex64](3, 3), 0, c); err != nil {
		t.Fatal(err)
	}
	if c.Data[4] != 7 {
		t.Fatalf("m=0 modified C")
	}
}

func TestParamErrorIndices(t *testing.T) {
	t.Parallel()
	var got []int
	h := &ErrorHandler{Param: func(routine string, index int) { got = append(got, index) }}
	impl := Impl[float64]{Errors: h}
	a := Dense[float64](4, 4)
	short := View[float64]{Data: make([]float64, 16), Ld: 2, Rows: 4, Cols: 4}

	cases := []struct {
		name string
		call func() error
		want int
	}{
		{"gemm transA", func() error { return impl.Gemm('X', NoTrans, 4, 4, 4, 1, a, a, 0, a) }, 1},
		{"gemm negative k", func() error { return impl.Gemm(NoTrans, NoTrans, 4, 4, -1, 1, a, a, 0, a) }, 5},
		{"gemm lda", func() error { return impl.Gemm(NoTrans, NoTrans, 4, 4, 4, 1, short, a, 0, a) }, 8},
		{"gemm ldb", func() error { return impl.Gemm(NoTrans, NoTrans, 4, 4, 4, 1, a, short, 0, a) }, 10},
		{"gemm ldc", func() error { return impl.Gemm(NoTrans, NoTrans, 4, 4, 4, 1, a, a, 0, short) }, 13},
		{"syrk lda", func() error { return impl.Herk(Upper, NoTrans, 4, 4, 1, short, 0, a) }, 7},
		{"syrk ldc", func() error { return impl.Herk(Upper, NoTrans, 4, 4, 1, a, 0, short) }, 10},
		{"trsm diag", func() error { return impl.Trsm(Left, Upper, NoTrans, 'Q', 4, 4, 1, a, a) }, 4},
		{"trsm lda", func() error { return impl.Trsm(Left, Upper, NoTrans, Unit, 4, 4, 1, short, a) }, 9},
		{"trmm ldb", func() error { return impl.Trmm(Right, Lower, Trans, Unit, 4, 4, 1, a, short) }, 11},
		{"trmm too small", func() error { return impl.Trmm(Left, Lower, Trans, Unit, 5, 4, 1, a, a) }, 8},
	}
	for _, tc := range cases {
		got = got[:0]
		err := tc.call()
		var pe *ParamError
		if !errors.As(err, &pe) {
			t.Fatalf("%s: expected ParamError, got %v", tc.name, err)
		}
		if pe.Index != tc.want {
			t.Fatalf("%s: index %d, want %d", tc.name, pe.Index, tc.want)
		}
		if len(got) != 1 || got[0] != tc.want {
			t.Fatalf("%s: callback saw %v", tc.name, got)
		}
	}
}

func TestHerkMatchesGemm(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(5, 6))
	const n, k = 23, 11
	for _, uplo := range []Uplo{Upper, Lower} {
		for _, trans := range []Transpose{NoTrans, ConjTrans} {
			ra, ca := n, k
			tb := ConjTrans
			if trans != NoTrans {
				ra, ca = k, n
				tb = NoTrans
			}
			a := randView[complex128](rng, ra, ca, 2)
			c := randView[complex128](rng, n, n, 0)
			for i := 0; i < n; i++ {
				c.Set(i, i, complex(real(c.At(i, i)), 0))
			}
			want := c.Clone()
			impl := Impl[complex128]{}
			if err := impl.Gemm(trans, tb, n, n, k, 2, a, a, 0.5, want); err != nil {
				t.Fatal(err)
			}
			if err := impl.Herk(uplo, trans, n, k, 2, a, 0.5, c); err != nil {
				t.Fatal(err)
			}
			for j := 0; j < n; j++ {
				for i := 0; i < n; i++ {
					inTri := (uplo == Upper && i <= j) || (uplo == Lower && i >= j)
					if !inTri {
						continue
					}
					if d := Abs(c.At(i, j) - want.At(i, j)); d > tolerance[complex128](k) {
						t.Fatalf("herk %c%c (%d,%d): off by %g", uplo, trans, i, j, d)
					}
				}
				if imag(c.At(j, j)) != 0 {
					t.Fatalf("herk left an imaginary diagonal at %d", j)
				}
			}
		}
	}
}

func TestTrmmMatchesDenseGemm(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(7, 8))
	const m, n = 13, 10
	for _, side := range []Side{Left, Right} {
		for _, uplo := range []Uplo{Upper, Lower} {
			for _, trans := range transposes {
				for _, diag := range []Diag{NonUnit, Unit} {
					k := m
					if side == Right {
						k = n
					}
					a := triangular(randView[complex128](rng, k, k, 0), uplo, diag)
					b := randView[complex128](rng, m, n, 1)
					want := Dense[complex128](m, n)
					impl := Impl[complex128]{}
					var err error
					if side == Left {
						err = impl.Gemm(trans, NoTrans, m, n, m, 0.5, a, b, 0, want)
					} else {
						err = impl.Gemm(NoTrans, trans, m, n, n, 0.5, b, a, 0, want)
					}
					if err != nil {
						t.Fatal(err)
					}
					if err := impl.Trmm(side, uplo, trans, diag, m, n, 0.5, a, b); err != nil {
						t.Fatal(err)
					}
					if d := maxDiff(t, b, want); d > tolerance[complex128](k) {
						t.Fatalf("trmm %c%c%c%c off by %g", side, uplo, trans, diag, d)
					}
				}
			}
		}
	}
}

func TestTrsmInvertsTrmm(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(9, 10))
	const m, n = 17, 12
	for _, side := range []Side{Left, Right} {
		for _, uplo := range []Uplo{Upper, Lower} {
			for _, trans := range transposes {
				for _, diag := range []Diag{NonUnit, Unit} {
					k := m
					if side == Right {
						k = n
					}
					a := triangular(randView[float64](rng, k, k, 0), uplo, diag)
					// Unit-diagonal factors stay well conditioned only with small off-diagonals.
					if diag == Unit {
						for i := range a.Data {
							a.Data[i] /= float64(k)
						}
						for i := 0; i < k; i++ {
							a.Set(i, i, 1)
						}
					}
					b := randView[float64](rng, m, n, 2)
					orig := b.Clone()
					impl := Impl[float64]{}
					if err := impl.Trmm(side, uplo, trans, diag, m, n, 2, a, b); err != nil {
						t.Fatal(err)
					}
					if err := impl.Trsm(side, uplo, trans, diag, m, n, 0.5, a, b); err != nil {
						t.Fatal(err)
					}
					if d := maxDiff(t, b, orig); d > 1e-10 {
						t.Fatalf("trsm %c%c%c%c did not undo trmm: %g", side, uplo, trans, diag, d)
					}
				}
			}
		}
	}
}

func TestTrsmAlphaZeroIgnoresA(t *testing.T) {
	t.Parallel()
	a := Dense[float64](3, 3)
	for i := range a.Data {
		a.Data[i] = math.NaN()
	}
	b := Dense[float64](3, 2)
	for i := range b.Data {
		b.Data[i] = 1
	}
	if err := (Impl[float64]{}).Trsm(Left, Upper, NoTrans, NonUnit, 3, 2, 0, a, b); err != nil {
		t.Fatal(err)
	}
	for i, v := range b.Data {
		if v != 0 {
			t.Fatalf("B[%d] = %v, want 0", i, v)
		}
	}
}

func TestParallelMatchesSerial(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(11, 12))
	const m, n, k = 96, 80, 64
	a := randView[float32](rng, m, k, 0)
	b := randView[float32](rng, k, n, 0)
	c1 := randView[float32](rng, m, n, 0)
	c2 := c1.Clone()
	if err := (Impl[float32]{Workers: 1}).Gemm(NoTrans, NoTrans, m, n, k, 1, a, b, 1, c1); err != nil {
		t.Fatal(err)
	}
	if err := (Impl[float32]{Workers: 8}).Gemm(NoTrans, NoTrans, m, n, k, 1, a, b, 1, c2); err != nil {
		t.Fatal(err)
	}
	for i := range c1.Data {
		if c1.Data[i] != c2.Data[i] {
			t.Fatalf("parallel gemm differs at %d", i)
		}
	}
}

func TestEpsilonIsMachineEpsilon(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		got  float64
		want float64
	}{
		{"float32", Epsilon[float32](), 0x1p-23},
		{"complex64", Epsilon[complex64](), 0x1p-23},
		{"float64", Epsilon[float64](), 0x1p-52},
		{"complex128", Epsilon[complex128](), 0x1p-52},
	} {
		if tc.got != tc.want {
			t.Errorf("%s: epsilon %g, want %g", tc.name, tc.got, tc.want)
		}
	}
	if 1+Epsilon[float64]()/2 != 1 {
		t.Fatal("half an epsilon is not absorbed by 1")
	}
}
