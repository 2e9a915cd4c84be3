package sandbox

import (
	"errors"

	"github.com/obot-platform/buildbox/server/internal/portalloc"
	"github.com/obot-platform/buildbox/server/internal/workspace"
)

// Sentinel errors for sandbox operations.
var (
	// ErrNotFound indicates the sandbox, or the user's live sandbox, does not exist.
	ErrNotFound = errors.New("sandbox not found")

	// ErrNotRunning indicates the sandbox exists but holds no compute resource.
	ErrNotRunning = errors.New("sandbox not running")

	// ErrPortExhausted indicates every port in the preview range is taken.
	ErrPortExhausted = portalloc.ErrExhausted

	// ErrResourceLimitExceeded indicates the tenant is at its sandbox cap.
	ErrResourceLimitExceeded = errors.New("sandbox limit reached for tenant")

	// ErrProvisionFailed indicates the backend could not create the sandbox.
	// The record and its port claim have been rolled back.
	ErrProvisionFailed = errors.New("sandbox provisioning failed")

	// ErrInvalidRequest indicates a malformed provisioning request.
	ErrInvalidRequest = errors.New("invalid sandbox request")

	ErrPathOutsideSandbox = workspace.ErrOutsideRoot
	ErrNotDirectory       = workspace.ErrNotDirectory
	ErrIsDirectory        = workspace.ErrIsDirectory
	ErrPathNotFound       = workspace.ErrNotExist
)
