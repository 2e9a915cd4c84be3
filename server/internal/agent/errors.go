package agent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionNotFound means the agent rejected the session id it was
	// given. Callers should start a new agent session instead of retrying.
	ErrSessionNotFound = errors.New("agent session not found")
	// ErrProcess means the agent exited with a non-zero or undefined status.
	ErrProcess = errors.New("agent process failed")
	// ErrTimeout means the turn exceeded its ceiling and the process was killed.
	ErrTimeout = errors.New("agent turn timed out")
)

// ProcessError reports a failed agent process.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("agent exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("agent exited with code %d: %s", e.ExitCode, e.Stderr)
}

func (e *ProcessError) Unwrap() error { return ErrProcess }

var sessionNotFoundPhrases = []string{
	"session not found",
	"unknown session",
	"invalid session",
	"session does not exist",
}

// LooksLikeSessionNotFound reports whether stderr output carries one of the
// agent's "unknown session" signatures.
func LooksLikeSessionNotFound(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range sessionNotFoundPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
