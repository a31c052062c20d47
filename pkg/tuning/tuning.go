// Package tuning holds the block sizes the multi-device routines tile their
// problems with. The values are fixed per precision and operand layout; they
// can be overridden from configuration but are never derived at run time.
package tuning

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/culapack/pkg/blas"
)

// Blocks is a tile shape. Zero fields mean "unset" when merging overrides.
type Blocks struct {
	MB int `yaml:"mb,omitempty"`
	NB int `yaml:"nb,omitempty"`
	KB int `yaml:"kb,omitempty"`
}

// Split is a block size per triangle.
type Split struct {
	Upper int `yaml:"upper,omitempty"`
	Lower int `yaml:"lower,omitempty"`
}

// For returns the block size for uplo.
func (s Split) For(uplo blas.Uplo) int {
	if uplo == blas.Upper {
		return s.Upper
	}
	return s.Lower
}

// Table is the tuning of one precision.
type Table struct {
	// GEMM tiles by layout: op(A) not transposed, op(A) transposed with
	// op(B) not, and both transposed.
	GemmN  Blocks `yaml:"gemm_n,omitempty"`
	GemmCN Blocks `yaml:"gemm_cn,omitempty"`
	GemmCC Blocks `yaml:"gemm_cc,omitempty"`
	// Herk tiles C in NB x NB squares and streams A in KB-deep panels.
	Herk Blocks `yaml:"herk,omitempty"`
	// Triangular routines give each task MB rows (right side) or NB
	// columns (left side) of B.
	Trsm Blocks `yaml:"trsm,omitempty"`
	Trmm Blocks `yaml:"trmm,omitempty"`
	// Block columns of the factorizations.
	Potrf Split `yaml:"potrf,omitempty"`
	Lauum Split `yaml:"lauum,omitempty"`
	Trtri Split `yaml:"trtri,omitempty"`
}

// Gemm returns the GEMM tile for op(A) and op(B).
func (t Table) Gemm(transA, transB blas.Transpose) Blocks {
	switch {
	case transA == blas.NoTrans:
		return t.GemmN
	case transB == blas.NoTrans:
		return t.GemmCN
	default:
		return t.GemmCC
	}
}

// Set is a table per precision.
type Set struct {
	S Table `yaml:"s,omitempty"`
	D Table `yaml:"d,omitempty"`
	C Table `yaml:"c,omitempty"`
	Z Table `yaml:"z,omitempty"`
}

// For returns the table of precision p.
func (s Set) For(p blas.Precision) Table {
	switch p {
	case blas.Single:
		return s.S
	case blas.Double:
		return s.D
	case blas.Complex:
		return s.C
	default:
		return s.Z
	}
}

func table(gemm, herk, tri, factor int) Table {
	sq := Blocks{MB: gemm, NB: gemm, KB: gemm}
	return Table{
		GemmN:  sq,
		GemmCN: sq,
		GemmCC: sq,
		Herk:   Blocks{NB: herk, KB: herk},
		Trsm:   Blocks{MB: tri, NB: tri},
		Trmm:   Blocks{MB: tri, NB: tri},
		Potrf:  Split{Upper: factor, Lower: factor},
		Lauum:  Split{Upper: factor, Lower: factor},
		Trtri:  Split{Upper: factor, Lower: factor},
	}
}

// Default returns the built-in tuning.
func Default() Set {
	return Set{
		S: table(1024, 1024, 1024, 512),
		D: table(768, 768, 768, 384),
		C: table(512, 512, 512, 256),
		Z: table(384, 384, 384, 192),
	}
}

// Uniform returns a set that uses nb for every block size of every
// precision.
func Uniform(nb int) Set {
	t := table(nb, nb, nb, nb)
	return Set{S: t, D: t, C: t, Z: t}
}

// Merge overlays every non-zero field of o onto s.
func (s Set) Merge(o Set) Set {
	s.S = s.S.merge(o.S)
	s.D = s.D.merge(o.D)
	s.C = s.C.merge(o.C)
	s.Z = s.Z.merge(o.Z)
	return s
}

func (t Table) merge(o Table) Table {
	t.GemmN = t.GemmN.merge(o.GemmN)
	t.GemmCN = t.GemmCN.merge(o.GemmCN)
	t.GemmCC = t.GemmCC.merge(o.GemmCC)
	t.Herk = t.Herk.merge(o.Herk)
	t.Trsm = t.Trsm.merge(o.Trsm)
	t.Trmm = t.Trmm.merge(o.Trmm)
	t.Potrf = t.Potrf.merge(o.Potrf)
	t.Lauum = t.Lauum.merge(o.Lauum)
	t.Trtri = t.Trtri.merge(o.Trtri)
	return t
}

func (b Blocks) merge(o Blocks) Blocks {
	b.MB = pick(b.MB, o.MB)
	b.NB = pick(b.NB, o.NB)
	b.KB = pick(b.KB, o.KB)
	return b
}

func (s Split) merge(o Split) Split {
	s.Upper = pick(s.Upper, o.Upper)
	s.Lower = pick(s.Lower, o.Lower)
	return s
}

func pick(base, override int) int {
	if override != 0 {
		return override
	}
	return base
}

// Validate reports the first block size that is not positive.
func (s Set) Validate() error {
	for _, p := range []blas.Precision{blas.Single, blas.Double, blas.Complex, blas.DoubleComplex} {
		t := s.For(p)
		check := []struct {
			name string
			v    int
		}{
			{"gemm_n.mb", t.GemmN.MB}, {"gemm_n.nb", t.GemmN.NB}, {"gemm_n.kb", t.GemmN.KB},
			{"gemm_cn.mb", t.GemmCN.MB}, {"gemm_cn.nb", t.GemmCN.NB}, {"gemm_cn.kb", t.GemmCN.KB},
			{"gemm_cc.mb", t.GemmCC.MB}, {"gemm_cc.nb", t.GemmCC.NB}, {"gemm_cc.kb", t.GemmCC.KB},
			{"herk.nb", t.Herk.NB}, {"herk.kb", t.Herk.KB},
			{"trsm.mb", t.Trsm.MB}, {"trsm.nb", t.Trsm.NB},
			{"trmm.mb", t.Trmm.MB}, {"trmm.nb", t.Trmm.NB},
			{"potrf.upper", t.Potrf.Upper}, {"potrf.lower", t.Potrf.Lower},
			{"lauum.upper", t.Lauum.Upper}, {"lauum.lower", t.Lauum.Lower},
			{"trtri.upper", t.Trtri.Upper}, {"trtri.lower", t.Trtri.Lower},
		}
		for _, c := range check {
			if c.v <= 0 {
				return fmt.Errorf("tuning %s.%s: block size %d must be positive", p, c.name, c.v)
			}
		}
	}
	return nil
}

// Load reads a partial YAML override and merges it over the defaults.
func Load(r io.Reader) (Set, error) {
	var o Set
	if err := yaml.NewDecoder(r).Decode(&o); err != nil && err != io.EOF {
		return Set{}, fmt.Errorf("decode tuning: %w", err)
	}
	s := Default().Merge(o)
	if err := s.Validate(); err != nil {
		return Set{}, err
	}
	return s, nil
}
