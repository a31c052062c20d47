package api

import (
	"errors"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.JSONBlob(status, b)
}

// writeFailure reports err with the status classify gives it. code is the
// run id, if any.
func writeFailure(c *echo.Context, err error, code string) error {
	status, errType := classify(err)
	return writeJSON(c, status, map[string]any{
		"error": ErrorBody{Message: err.Error(), Type: errType, Code: code},
	})
}

// decodeJSON decodes exactly one JSON value and rejects unknown fields.
func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		if errors.Is(err, io.EOF) {
			return out, invalidRequest(errors.New("request body is empty"))
		}
		return out, invalidRequest(err)
	}
	return out, nil
}
