package blas

import (
	"math"
	"math/cmplx"
)

// Scalar is the set of element types every routine is instantiated for.
type Scalar interface {
	float32 | float64 | complex64 | complex128
}

// Precision identifies one of the four element types by its classic BLAS prefix.
type Precision byte

const (
	Single        Precision = 's'
	Double        Precision = 'd'
	Complex       Precision = 'c'
	DoubleComplex Precision = 'z'
)

func (p Precision) String() string { return string(rune(p)) }

// Size returns the element size in bytes.
func (p Precision) Size() int {
	switch p {
	case Single:
		return 4
	case Double, Complex:
		return 8
	case DoubleComplex:
		return 16
	}
	return 0
}

// IsComplex reports whether the precision has an imaginary part.
func (p Precision) IsComplex() bool { return p == Complex || p == DoubleComplex }

// ParsePrecision accepts the BLAS prefix letters and their long names.
func ParsePrecision(s string) (Precision, bool) {
	switch s {
	case "s", "S", "single", "float32":
		return Single, true
	case "d", "D", "double", "float64":
		return Double, true
	case "c", "C", "complex", "complex64":
		return Complex, true
	case "z", "Z", "doublecomplex", "complex128":
		return DoubleComplex, true
	}
	return 0, false
}

// PrecisionOf returns the precision tag of T.
func PrecisionOf[T Scalar]() Precision {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Single
	case float64:
		return Double
	case complex64:
		return Complex
	default:
		return DoubleComplex
	}
}

// IsComplex reports whether T is a complex type.
func IsComplex[T Scalar]() bool { return PrecisionOf[T]().IsComplex() }

// Conj returns the complex conjugate of x, or x itself for real types.
func Conj[T Scalar](x T) T {
	switch v := any(x).(type) {
	case complex64:
		return any(complex(real(v), -imag(v))).(T)
	case complex128:
		return any(cmplx.Conj(v)).(T)
	}
	return x
}

// Real returns the real part of x widened to float64.
func Real[T Scalar](x T) float64 {
	switch v := any(x).(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case complex64:
		return float64(real(v))
	case complex128:
		return real(v)
	}
	return 0
}

// Imag returns the imaginary part of x, zero for real types.
func Imag[T Scalar](x T) float64 {
	switch v := any(x).(type) {
	case complex64:
		return float64(imag(v))
	case complex128:
		return imag(v)
	}
	return 0
}

// FromReal converts a real value into T with a zero imaginary part.
func FromReal[T Scalar](f float64) T {
	var zero T
	switch any(zero).(type) {
	case float32:
		return any(float32(f)).(T)
	case float64:
		return any(f).(T)
	case complex64:
		return any(complex(float32(f), 0)).(T)
	default:
		return any(complex(f, 0)).(T)
	}
}

// FromParts builds T from real and imaginary parts; im is dropped for real types.
func FromParts[T Scalar](re, im float64) T {
	var zero T
	switch any(zero).(type) {
	case complex64:
		return any(complex(float32(re), float32(im))).(T)
	case complex128:
		return any(complex(re, im)).(T)
	}
	return FromReal[T](re)
}

// Abs returns |x|.
func Abs[T Scalar](x T) float64 {
	switch v := any(x).(type) {
	case float32:
		return math.Abs(float64(v))
	case float64:
		return math.Abs(v)
	case complex64:
		return cmplx.Abs(complex128(v))
	case complex128:
		return cmplx.Abs(v)
	}
	return 0
}

// Epsilon returns the machine epsilon of T's underlying real type, the
// distance from 1 to the next representable number (FLT_EPSILON or
// DBL_EPSILON). Unit roundoff is half of it.
func Epsilon[T Scalar]() float64 {
	switch PrecisionOf[T]() {
	case Single, Complex:
		return float64(math.Nextafter32(1, 2) - 1)
	}
	return math.Nextafter(1, 2) - 1
}

func identity[T Scalar](x T) T { return x }

// opFunc returns the element transform implied by a transpose flag: Conj for
// ConjTrans on complex types, identity otherwise.
func opFunc[T Scalar](t Transpose) func(T) T {
	if t == ConjTrans && IsComplex[T]() {
		return Conj[T]
	}
	return identity[T]
}
