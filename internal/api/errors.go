package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/meshformer/internal/config"
	"github.com/samcharles93/meshformer/internal/train"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// statusFor maps a training error to an HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, train.ErrInvalidBatch),
		errors.Is(err, config.ErrConfiguration):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, train.ErrNotInitialised):
		return http.StatusConflict, "not_initialised_error"
	case errors.Is(err, train.ErrShardTopologyMismatch):
		return http.StatusConflict, "topology_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
