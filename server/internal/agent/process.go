package agent

import (
	"context"
	"io"
)

// Process is a running agent invocation. Stdout carries line-delimited JSON,
// Stderr carries diagnostics.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Terminate asks the process to exit.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
	// Wait blocks until the process exits and returns its exit code, or -1
	// when the status is undefined (killed by a signal, stream lost). It may
	// be called more than once.
	Wait() (int, error)
}

// Starter launches the agent with argv.
type Starter func(ctx context.Context, argv []string) (Process, error)
