package registry

import (
	"fmt"

	"github.com/samcharles93/culapack/pkg/blas"
)

// Parameter-list suffixes of the mangled entry points, per family and
// precision. Back-references count the template name and every enumeration
// type in the template arguments, so the substitution index of the element
// type follows the number of enumeration parameters of the family.
var signatures = map[Family]map[blas.Precision]string{
	Gemm: {
		blas.Single:        "iiifPKfiS2_ifPfi",
		blas.Double:        "iiidPKdiS2_idPdi",
		blas.Complex:       "6float2S1_PKS1_S3_S3_PS1_iiiiiii",
		blas.DoubleComplex: "7double2S1_PKS1_S3_S3_PS1_iiiiiii",
	},
	Herk: {
		blas.Single:        "iifPKfifPfi",
		blas.Double:        "iidPKdidPdi",
		blas.Complex:       "iifPK6float2ifPS2_i",
		blas.DoubleComplex: "iidPK7double2idPS2_i",
	},
	Trsm: {
		blas.Single:        "iifPKfiPfi",
		blas.Double:        "iidPKdiPdi",
		blas.Complex:       "ii6float2PKS4_iPS4_i",
		blas.DoubleComplex: "ii7double2PKS4_iPS4_i",
	},
	Trmm: {
		blas.Single:        "iifPKfiS5_iPfi",
		blas.Double:        "iidPKdiS5_iPdi",
		blas.Complex:       "ii6float2PKS4_iS6_iPS4_i",
		blas.DoubleComplex: "ii7double2PKS4_iS6_iPS4_i",
	},
	Logdet: {
		blas.Single:        "PKfPfii",
		blas.Double:        "PKdPdii",
		blas.Complex:       "PK6float2Pfii",
		blas.DoubleComplex: "PK7double2Pdii",
	},
}

// Name returns the mangled entry-point symbol of the kernel. Template
// arguments of enumeration type carry the BLAS character code, as in
// CBlasTranspose 78 for 'N'.
func (k Key) Name() string {
	sig := signatures[k.Family][k.Precision]
	name := routine(k.Family, k.Precision)
	switch k.Family {
	case Gemm:
		if k.Precision.IsComplex() {
			return complexGemmName(k, name, sig)
		}
		return fmt.Sprintf("_Z%d%sIL14CBlasTranspose%dELS0_%dELj%dELj%dELj%dELj%dELj%dEEv%s",
			len(name), name, k.TransA, k.TransB, k.MB, k.NB, k.KB, k.BX, k.BY, sig)
	case Herk:
		return fmt.Sprintf("_Z%d%sIL9CBlasUplo%dEL14CBlasTranspose%dELj%dELj%dELj%dELj%dELj%dEEv%s",
			len(name), name, k.Uplo, k.TransA, k.MB, k.NB, k.KB, k.BX, k.BY, sig)
	case Trsm, Trmm:
		return fmt.Sprintf("_Z%d%sIL9CBlasSide%dEL9CBlasUplo%dEL14CBlasTranspose%dEL9CBlasDiag%dELj%dELj%dELj%dELj%dEEv%s",
			len(name), name, k.Side, k.Uplo, k.TransA, k.Diag, k.MB, k.NB, k.BX, k.BY, sig)
	case Logdet:
		pow2 := 0
		if k.Pow2 {
			pow2 = 1
		}
		return fmt.Sprintf("_Z6reduceILj%dELb%dEEv%s", k.Threads, pow2, sig)
	}
	return ""
}

// complexGemmName names the two complex GEMM templates: the N form is
// specialised on op(B) only, the T form on both transposes.
func complexGemmName(k Key, name, sig string) string {
	if k.TransA == blas.NoTrans {
		name += "N"
		return fmt.Sprintf("_Z%d%sIL14CBlasTranspose%dELj%dELj%dELj%dELj%dELj%dEEv%s",
			len(name), name, k.TransB, k.MB, k.NB, k.KB, k.BX, k.BY, sig)
	}
	name += "T"
	return fmt.Sprintf("_Z%d%sIL14CBlasTranspose%dELS0_%dELj%dELj%dELj%dELj%dELj%dEEv%s",
		len(name), name, k.TransA, k.TransB, k.MB, k.NB, k.KB, k.BX, k.BY, sig)
}
