//go:build unix

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// LocalStarter runs the agent as a child process in dir. The child gets its
// own process group so that signals reach anything it spawns.
func LocalStarter(dir string, env []string) Starter {
	return func(ctx context.Context, argv []string) (Process, error) {
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty agent command")
		}
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Dir = dir
		cmd.Env = env
		cmd.Stdin = nil
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start agent: %w", err)
		}
		return &localProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
	}
}

type localProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	code     int
	waitErr  error
}

func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }

func (p *localProcess) Terminate() error { return p.signal(unix.SIGTERM) }
func (p *localProcess) Kill() error      { return p.signal(unix.SIGKILL) }

func (p *localProcess) signal(sig unix.Signal) error {
	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (p *localProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			p.code = 0
		case errors.As(err, &exitErr):
			p.code = exitErr.ExitCode()
		default:
			p.code = -1
			p.waitErr = err
		}
	})
	return p.code, p.waitErr
}
