package handler

import (
	"errors"
	"net/http"

	"github.com/obot-platform/buildbox/server/internal/agent"
	"github.com/obot-platform/buildbox/server/internal/sandbox"
	"github.com/obot-platform/buildbox/server/internal/store"
)

// StatusFor maps a sandbox or store error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrNotFound),
		errors.Is(err, sandbox.ErrPathNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sandbox.ErrPathOutsideSandbox):
		return http.StatusForbidden
	case errors.Is(err, sandbox.ErrNotDirectory),
		errors.Is(err, sandbox.ErrIsDirectory),
		errors.Is(err, sandbox.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, sandbox.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, sandbox.ErrResourceLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, sandbox.ErrPortExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
