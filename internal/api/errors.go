package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/samcharles93/culapack/internal/harness"
)

// Sentinel errors of the run API. Handlers return them wrapped; classify
// turns them into a status and an ErrorBody type.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrRunNotFound    = errors.New("run not found")
	ErrRateLimited    = errors.New("too many runs submitted")
	ErrNoRunner       = errors.New("runner not configured")
	ErrDevice         = errors.New("device query failed")
)

// ErrorBody is the payload of every error response. Code carries the run id
// when the error belongs to a run.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// invalidRequest marks err as the client's fault.
func invalidRequest(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
}

// classify maps an error to its HTTP status and ErrorBody type. Errors
// from the driver and from a failed run are server errors.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrRunNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, ErrNoRunner):
		return http.StatusInternalServerError, "server_error"
	case errors.Is(err, ErrDevice):
		return http.StatusInternalServerError, "device_error"
	case errors.Is(err, harness.ErrUnavailable):
		return http.StatusServiceUnavailable, "backend_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "cancelled"
	}
	return http.StatusInternalServerError, "run_error"
}
