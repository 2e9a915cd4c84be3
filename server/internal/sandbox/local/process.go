//go:build unix

package local

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"golang.org/x/sys/unix"

	"github.com/obot-platform/buildbox/server/internal/logfile"
	"github.com/obot-platform/buildbox/server/internal/logger"
)

// previewProcess is a preview server running in its own process group.
type previewProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// previewArgv expands {port} in command and splits it into argv.
func previewArgv(command string, port int) ([]string, error) {
	expanded := strings.ReplaceAll(command, "{port}", strconv.Itoa(port))
	argv, err := shellquote.Split(expanded)
	if err != nil {
		return nil, fmt.Errorf("invalid preview command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("empty preview command")
	}
	return argv, nil
}

// startPreview launches argv in dir with PORT set. Output is appended to
// logPath.
func startPreview(argv []string, dir, logPath string, port int, log *logger.Logger) (*previewProcess, error) {
	out, err := logfile.Open(logPath)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", port))
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start preview server: %w", err)
	}

	p := &previewProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
		if p.err != nil {
			log.Debug("preview server exited", "pid", cmd.Process.Pid, "error", p.err)
		}
	}()
	return p, nil
}

// exited reports whether the process has already exited.
func (p *previewProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// stop sends SIGTERM to the process group and SIGKILL if it is still
// running after grace.
func (p *previewProcess) stop(grace time.Duration) error {
	if p.exited() {
		return nil
	}
	if err := p.signal(unix.SIGTERM); err != nil {
		return err
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	if err := p.signal(unix.SIGKILL); err != nil {
		return err
	}
	<-p.done
	return nil
}

func (p *previewProcess) signal(sig unix.Signal) error {
	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
