package blas

import "strings"

// Transpose selects op(X) = X, Xᵀ or Xᴴ. The values are the classic BLAS
// characters so they can be handed to kernels and mangled names directly.
type Transpose byte

const (
	NoTrans   Transpose = 'N'
	Trans     Transpose = 'T'
	ConjTrans Transpose = 'C'
)

// Uplo selects the referenced triangle.
type Uplo byte

const (
	Upper Uplo = 'U'
	Lower Uplo = 'L'
)

// Side selects whether the triangular operand multiplies from the left or the right.
type Side byte

const (
	Left  Side = 'L'
	Right Side = 'R'
)

// Diag selects whether the triangular operand has an implicit unit diagonal.
type Diag byte

const (
	NonUnit Diag = 'N'
	Unit    Diag = 'U'
)

func (t Transpose) String() string { return string(rune(t)) }
func (u Uplo) String() string      { return string(rune(u)) }
func (s Side) String() string      { return string(rune(s)) }
func (d Diag) String() string      { return string(rune(d)) }

func (t Transpose) valid() bool { return t == NoTrans || t == Trans || t == ConjTrans }
func (u Uplo) valid() bool      { return u == Upper || u == Lower }
func (s Side) valid() bool      { return s == Left || s == Right }
func (d Diag) valid() bool      { return d == NonUnit || d == Unit }

// ParseTranspose accepts "N", "T", "C" or the long forms, case-insensitively.
func ParseTranspose(s string) (Transpose, bool) {
	switch strings.ToLower(s) {
	case "n", "no", "notrans":
		return NoTrans, true
	case "t", "trans":
		return Trans, true
	case "c", "conj", "conjtrans":
		return ConjTrans, true
	}
	return 0, false
}

func ParseUplo(s string) (Uplo, bool) {
	switch strings.ToLower(s) {
	case "u", "upper":
		return Upper, true
	case "l", "lower":
		return Lower, true
	}
	return 0, false
}

func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(s) {
	case "l", "left":
		return Left, true
	case "r", "right":
		return Right, true
	}
	return 0, false
}

func ParseDiag(s string) (Diag, bool) {
	switch strings.ToLower(s) {
	case "n", "nonunit":
		return NonUnit, true
	case "u", "unit":
		return Unit, true
	}
	return 0, false
}
