package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/obot-platform/buildbox/server/internal/logger"
)

// State is the lifecycle of a single Run.
type State int

const (
	StateStarting State = iota
	StateStreaming
	StateCompleted
	StateError
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateTimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	maxLineSize   = 16 << 20
	stderrKeep    = 64 << 10
	stderrExcerpt = 2000
)

// Options configures a RunClient.
type Options struct {
	// Command is the agent invocation prefix, e.g. ["opencode", "run"].
	Command []string
	// ExtraArgs are appended after the output format flags.
	ExtraArgs []string
	Start     Starter

	Timeout           time.Duration
	KeepaliveInterval time.Duration
	GracePeriod       time.Duration

	// SessionID resumes an existing agent session.
	SessionID string
	Logger    *logger.Logger
}

// RunClient drives agent turns. Turns on one client are sequential; the
// agent session id learned in one turn is passed to the next.
type RunClient struct {
	opts   Options
	log    *logger.Logger
	parser *Parser

	mu    sync.Mutex
	state State
}

// NewRunClient returns a client with defaults filled in.
func NewRunClient(opts Options) *RunClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 15 * time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 3 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &RunClient{
		opts:   opts,
		log:    log.Component("agent_run"),
		parser: NewParser(opts.SessionID),
	}
}

// SessionID is the agent session id, as last reported by the agent.
func (c *RunClient) SessionID() string { return c.parser.SessionID() }

// State reports where the most recent Run is in its lifecycle.
func (c *RunClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *RunClient) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Command returns the argv for message.
func (c *RunClient) Command(message string) []string {
	argv := append([]string{}, c.opts.Command...)
	argv = append(argv, "--format", "json")
	argv = append(argv, c.opts.ExtraArgs...)
	if id := c.parser.SessionID(); id != "" {
		argv = append(argv, "--session", id)
	}
	return append(argv, message)
}

type streamID int

const (
	streamStdout streamID = iota
	streamStderr
)

type outputLine struct {
	stream streamID
	text   []byte
}

// Run sends message to the agent and passes every resulting event to emit.
//
// Exactly one terminal event (prompt response or error) is emitted unless
// the agent rejects the session, in which case an error wrapping
// ErrSessionNotFound is returned and no terminal event is emitted. If ctx is
// cancelled or emit fails the process is terminated rather than left
// running.
func (c *RunClient) Run(ctx context.Context, message string, emit func(Event) error) error {
	c.parser = NewParser(c.parser.SessionID())
	c.setState(StateStarting)

	argv := c.Command(message)
	c.log.Debug("starting agent turn", "session_id", c.parser.SessionID(), "argv0", argv[0])

	proc, err := c.opts.Start(ctx, argv)
	if err != nil {
		c.setState(StateError)
		code := -1
		_ = emit(errorEvent(c.parser.SessionID(), code, err.Error()))
		return &ProcessError{ExitCode: code, Stderr: err.Error()}
	}
	c.setState(StateStreaming)

	lines := make(chan outputLine, 64)
	done := make(chan struct{})
	defer close(done)

	var readers sync.WaitGroup
	readers.Add(2)
	go c.readLines(proc.Stdout(), streamStdout, lines, done, &readers)
	go c.readLines(proc.Stderr(), streamStderr, lines, done, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	stderr := &tailBuffer{max: stderrKeep}
	deadline := time.NewTimer(c.opts.Timeout)
	defer deadline.Stop()
	keepalive := time.NewTimer(c.opts.KeepaliveInterval)
	defer keepalive.Stop()

	send := func(ev Event) error {
		keepalive.Reset(c.opts.KeepaliveInterval)
		return emit(ev)
	}

	for lines != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if line.stream == streamStderr {
				stderr.WriteLine(line.text)
				continue
			}
			events, err := c.parser.ParseLine(line.text)
			if err != nil {
				c.log.Debug("skipping unparseable agent output", "error", err, "line", truncate(string(line.text), 500))
				continue
			}
			for _, ev := range events {
				if err := send(ev); err != nil {
					c.stop(proc)
					c.setState(StateError)
					return fmt.Errorf("event consumer failed: %w", err)
				}
			}

		case <-keepalive.C:
			if err := send(Event{Type: EventKeepalive, Timestamp: time.Now().UTC()}); err != nil {
				c.stop(proc)
				c.setState(StateError)
				return fmt.Errorf("event consumer failed: %w", err)
			}

		case <-deadline.C:
			c.stop(proc)
			c.setState(StateTimedOut)
			if !c.parser.SawTerminal() {
				msg := fmt.Sprintf("timeout waiting for agent response after %.1fs", c.opts.Timeout.Seconds())
				_ = emit(errorEvent(c.parser.SessionID(), -1, msg))
			}
			return fmt.Errorf("%w after %s", ErrTimeout, c.opts.Timeout)

		case <-ctx.Done():
			c.stop(proc)
			c.setState(StateError)
			if !c.parser.SawTerminal() {
				_ = emit(promptResponse(c.parser.SessionID(), StopReasonCancelled))
			}
			return ctx.Err()
		}
	}

	code, waitErr := proc.Wait()
	if waitErr != nil {
		c.log.Warn("agent wait failed", "error", waitErr)
	}
	stderrText := strings.TrimSpace(stderr.String())

	if code != 0 {
		if LooksLikeSessionNotFound(stderrText) {
			c.setState(StateError)
			return fmt.Errorf("%w: %s", ErrSessionNotFound, truncate(stderrText, stderrExcerpt))
		}
		excerpt := tail(stderrText, stderrExcerpt)
		c.setState(StateError)
		if !c.parser.SawTerminal() {
			msg := excerpt
			if msg == "" {
				msg = fmt.Sprintf("agent exited with code %d", code)
			}
			_ = emit(errorEvent(c.parser.SessionID(), code, msg))
		}
		return &ProcessError{ExitCode: code, Stderr: excerpt}
	}

	if !c.parser.SawTerminal() {
		if err := emit(promptResponse(c.parser.SessionID(), StopReasonCompleted)); err != nil {
			c.setState(StateError)
			return fmt.Errorf("event consumer failed: %w", err)
		}
	}
	c.setState(StateCompleted)
	return nil
}

func (c *RunClient) readLines(r io.Reader, stream streamID, out chan<- outputLine, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		line := outputLine{stream: stream, text: append([]byte(nil), text...)}
		select {
		case out <- line:
		case <-done:
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.log.Debug("agent output stream closed", "stream", int(stream), "error", err)
	}
}

// stop asks the process to exit and kills it if it is still running after
// the grace period.
func (c *RunClient) stop(proc Process) {
	if err := proc.Terminate(); err != nil {
		c.log.Debug("terminate failed", "error", err)
	}
	exited := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(exited)
	}()
	select {
	case <-exited:
		return
	case <-time.After(c.opts.GracePeriod):
	}
	c.log.Warn("agent did not exit after terminate, killing")
	if err := proc.Kill(); err != nil {
		c.log.Debug("kill failed", "error", err)
	}
	select {
	case <-exited:
	case <-time.After(c.opts.GracePeriod):
		c.log.Error("agent did not exit after kill")
	}
}

// tailBuffer keeps the last max bytes of stderr, one line at a time.
type tailBuffer struct {
	max int
	buf []byte
}

func (b *tailBuffer) WriteLine(line []byte) {
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
}

func (b *tailBuffer) String() string { return string(b.buf) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
