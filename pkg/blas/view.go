package blas

import "fmt"

// View is a borrowed column-major matrix: element (i, j) lives at
// Data[i+j*Ld]. Rows beyond Rows in each column are padding and are never
// read or written.
type View[T Scalar] struct {
	Data []T
	Ld   int
	Rows int
	Cols int
}

// NewView checks that data can hold a rows x cols matrix with leading
// dimension ld.
func NewView[T Scalar](data []T, ld, rows, cols int) (View[T], error) {
	if rows < 0 || cols < 0 {
		return View[T]{}, fmt.Errorf("blas: negative view extent %dx%d", rows, cols)
	}
	if ld < max(1, rows) {
		return View[T]{}, fmt.Errorf("blas: leading dimension %d smaller than %d rows", ld, rows)
	}
	v := View[T]{Data: data, Ld: ld, Rows: rows, Cols: cols}
	if len(data) < v.span() {
		return View[T]{}, fmt.Errorf("blas: %d elements cannot back a %dx%d view with ld %d", len(data), rows, cols, ld)
	}
	return v, nil
}

// Dense allocates a zeroed rows x cols matrix with Ld = max(1, rows).
func Dense[T Scalar](rows, cols int) View[T] {
	ld := max(1, rows)
	return View[T]{Data: make([]T, ld*cols), Ld: ld, Rows: rows, Cols: cols}
}

func (v View[T]) At(i, j int) T     { return v.Data[i+j*v.Ld] }
func (v View[T]) Set(i, j int, x T) { v.Data[i+j*v.Ld] = x }

// Col returns the Rows elements of column j.
func (v View[T]) Col(j int) []T {
	off := j * v.Ld
	return v.Data[off : off+v.Rows]
}

// Sub returns the r x c block whose top-left element is (i, j). It panics if
// the block does not fit inside v, like slicing does.
func (v View[T]) Sub(i, j, r, c int) View[T] {
	if i < 0 || j < 0 || r < 0 || c < 0 || i+r > v.Rows || j+c > v.Cols {
		panic(fmt.Sprintf("blas: sub-view (%d,%d)+%dx%d outside %dx%d", i, j, r, c, v.Rows, v.Cols))
	}
	if r == 0 || c == 0 {
		return View[T]{Ld: v.Ld, Rows: r, Cols: c}
	}
	off := i + j*v.Ld
	return View[T]{Data: v.Data[off:], Ld: v.Ld, Rows: r, Cols: c}
}

// Clone returns a dense copy with the same Ld.
func (v View[T]) Clone() View[T] {
	out := View[T]{Data: make([]T, len(v.Data)), Ld: v.Ld, Rows: v.Rows, Cols: v.Cols}
	copy(out.Data, v.Data)
	return out
}

// CopyFrom copies the overlapping Rows x Cols region of src into v.
func (v View[T]) CopyFrom(src View[T]) {
	r, c := min(v.Rows, src.Rows), min(v.Cols, src.Cols)
	for j := 0; j < c; j++ {
		copy(v.Data[j*v.Ld:j*v.Ld+r], src.Data[j*src.Ld:j*src.Ld+r])
	}
}

func (v View[T]) span() int {
	if v.Rows == 0 || v.Cols == 0 {
		return 0
	}
	return (v.Cols-1)*v.Ld + v.Rows
}

// matStatus is the outcome of checking a view against the extent a routine
// needs from it.
type matStatus int

const (
	matOK matStatus = iota
	matBad
	matBadLd
)

func checkMat[T Scalar](v View[T], rows, cols int) matStatus {
	if v.Rows < rows || v.Cols < cols {
		return matBad
	}
	if v.Ld < max(1, rows) {
		return matBadLd
	}
	if rows > 0 && cols > 0 && len(v.Data) < (cols-1)*v.Ld+rows {
		return matBad
	}
	return matOK
}
