package cluster

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/obot-platform/buildbox/server/internal/agent"
)

// Runtime errors
var (
	ErrUnitNotFound = errors.New("compute unit not found")
	ErrUnitFailed   = errors.New("compute unit failed")
	ErrNotReady     = errors.New("compute unit not ready")
)

// ContainerPort is the port the preview server listens on inside a unit.
const ContainerPort = 3000

// UnitSpec describes the compute unit to create for a sandbox.
type UnitSpec struct {
	Name      string
	SandboxID string
	TenantID  string
	Image     string

	// HostPort is the sandbox's allocated port. Runtimes expose the unit's
	// ContainerPort on it.
	HostPort int

	Env    map[string]string
	Labels map[string]string

	MemoryBytes int64
	NanoCPUs    int64
}

// Unit is the runtime's view of a compute unit.
type Unit struct {
	Name    string
	ID      string
	Running bool
	Phase   string
	Message string
}

// ExecRequest is a buffered command execution.
type ExecRequest struct {
	Cmd   []string
	Stdin io.Reader
}

// ExecResult is the outcome of an ExecRequest.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runtime is the compute backend the cluster manager drives.
type Runtime interface {
	// Name identifies the runtime in logs.
	Name() string

	// Create starts a unit for spec.
	Create(ctx context.Context, spec UnitSpec) (*Unit, error)

	// WaitReady blocks until the unit is ready. It returns early with
	// ErrUnitFailed if the unit cannot become ready.
	WaitReady(ctx context.Context, name string, timeout time.Duration) error

	// Describe returns the unit's current state, or ErrUnitNotFound.
	Describe(ctx context.Context, name string) (*Unit, error)

	// Exec runs a command to completion and buffers its output.
	Exec(ctx context.Context, name string, req ExecRequest) (*ExecResult, error)

	// Stream runs a command and exposes its output as it is produced.
	Stream(ctx context.Context, name string, cmd []string) (agent.Process, error)

	// CopyTo extracts a tar stream into destDir inside the unit.
	CopyTo(ctx context.Context, name, destDir string, tarStream io.Reader) error

	// Endpoint returns the host:port at which the server can reach the
	// unit's preview server.
	Endpoint(name string, hostPort int) string

	// Delete removes the unit. A missing unit is not an error.
	Delete(ctx context.Context, name string) error
}
