package tuning

import (
	"strings"
	"testing"

	"github.com/samcharles93/culapack/pkg/blas"
)

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	t.Parallel()
	src := `
d:
  gemm_n: {mb: 64, nb: 32}
  potrf: {lower: 48}
`
	s, err := Load(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	d := s.For(blas.Double)
	if d.GemmN.MB != 64 || d.GemmN.NB != 32 || d.GemmN.KB != Default().D.GemmN.KB {
		t.Fatalf("gemm_n %+v", d.GemmN)
	}
	if d.Potrf.For(blas.Lower) != 48 || d.Potrf.For(blas.Upper) != Default().D.Potrf.Upper {
		t.Fatalf("potrf %+v", d.Potrf)
	}
	if s.For(blas.Single) != Default().S {
		t.Fatal("untouched precision changed")
	}
}

func TestLoadEmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	s, err := Load(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if s != Default() {
		t.Fatal("empty override changed the defaults")
	}
}

func TestValidateRejectsNonPositive(t *testing.T) {
	t.Parallel()
	s := Default()
	s.Z.Trsm.NB = -1
	if err := s.Validate(); err == nil || !strings.Contains(err.Error(), "z.trsm.nb") {
		t.Fatalf("got %v", err)
	}
}

func TestGemmLayoutSelection(t *testing.T) {
	t.Parallel()
	tb := Table{GemmN: Blocks{MB: 1}, GemmCN: Blocks{MB: 2}, GemmCC: Blocks{MB: 3}}
	cases := []struct {
		ta, tb blas.Transpose
		want   int
	}{
		{blas.NoTrans, blas.ConjTrans, 1},
		{blas.ConjTrans, blas.NoTrans, 2},
		{blas.Trans, blas.Trans, 3},
	}
	for _, c := range cases {
		if got := tb.Gemm(c.ta, c.tb).MB; got != c.want {
			t.Fatalf("%s%s: got %d", c.ta, c.tb, got)
		}
	}
}

func TestUniformIsValid(t *testing.T) {
	t.Parallel()
	s := Uniform(8)
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}
	if got := s.For(blas.DoubleComplex).Herk.NB; got != 8 {
		t.Fatalf("herk nb = %d", got)
	}
}
