package blas

import "fmt"

// ParamError reports an illegal argument. Index is the 1-based position of
// the argument in the classic BLAS/LAPACK argument list of Routine.
type ParamError struct {
	Routine string
	Index   int
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("parameter %d to routine %s was invalid", e.Index, e.Routine)
}

// ErrorHandler carries the optional error callbacks of a library instance.
// It is passed explicitly to every backend; a nil handler or nil callbacks
// simply skip notification.
type ErrorHandler struct {
	// Param is called once for each rejected argument.
	Param func(routine string, index int)
	// Device is called for every failed device call with the failing call's
	// text, the routine that issued it and its source location.
	Device func(call, routine, file string, line int, code int)
}

// ParamError notifies the Param callback and returns the matching error.
func (h *ErrorHandler) ParamError(routine string, index int) error {
	if h != nil && h.Param != nil {
		h.Param(routine, index)
	}
	return &ParamError{Routine: routine, Index: index}
}

// DeviceFailed notifies the Device callback.
func (h *ErrorHandler) DeviceFailed(call, routine, file string, line int, code int) {
	if h != nil && h.Device != nil {
		h.Device(call, routine, file, line, code)
	}
}

// Operand describes one matrix argument for validation: the view, the extent
// the routine will touch, and the argument indices of the matrix and its
// leading dimension.
type Operand[T Scalar] struct {
	V          View[T]
	Rows, Cols int
	Index      int
	LdIndex    int
}

// CheckOperands returns the argument index of the first operand that cannot
// serve its extent, or 0.
func CheckOperands[T Scalar](ops ...Operand[T]) int {
	for _, op := range ops {
		switch checkMat(op.V, op.Rows, op.Cols) {
		case matBad:
			return op.Index
		case matBadLd:
			return op.LdIndex
		}
	}
	return 0
}
