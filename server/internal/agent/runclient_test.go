package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProcess is a scripted agent. The script writes to the pipes and then
// calls exit; Terminate and Kill end the process the way signals would.
type fakeProcess struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	ignoreTerminate bool
	terminated      atomic.Bool
	killed          atomic.Bool

	once   sync.Once
	code   int
	exited chan struct{}
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{exited: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader { return p.stderrR }

func (p *fakeProcess) Terminate() error {
	p.terminated.Store(true)
	if !p.ignoreTerminate {
		p.exit(143)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.killed.Store(true)
	p.exit(137)
	return nil
}

func (p *fakeProcess) Wait() (int, error) {
	<-p.exited
	return p.code, nil
}

func (p *fakeProcess) exit(code int) {
	p.once.Do(func() {
		p.code = code
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.exited)
	})
}

func (p *fakeProcess) stdout(line string) { _, _ = fmt.Fprintln(p.stdoutW, line) }
func (p *fakeProcess) stderr(line string) { _, _ = fmt.Fprintln(p.stderrW, line) }

func scripted(proc *fakeProcess, script func(p *fakeProcess)) Starter {
	return func(context.Context, []string) (Process, error) {
		go script(proc)
		return proc, nil
	}
}

func newClient(start Starter, timeout, keepalive time.Duration) *RunClient {
	return NewRunClient(Options{
		Command:           []string{"agent", "run"},
		Start:             start,
		Timeout:           timeout,
		KeepaliveInterval: keepalive,
		GracePeriod:       50 * time.Millisecond,
	})
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) emit(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) terminals() []Event {
	var out []Event
	for _, ev := range c.events {
		if ev.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func (c *collector) count(t EventType) int {
	n := 0
	for _, ev := range c.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func TestRun_SyntheticCompletedAfterCleanExit(t *testing.T) {
	proc := newFakeProcess()
	client := newClient(scripted(proc, func(p *fakeProcess) {
		p.stdout(`{"type":"text","part":{"text":"one"}}`)
		p.stdout(`{"type":"reasoning","part":{"text":"two"}}`)
		p.stdout(`{"type":"text","part":{"text":"three"}}`)
		p.exit(0)
	}), 5*time.Second, time.Second)

	var c collector
	if err := client.Run(context.Background(), "hello", c.emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(c.events) != 4 {
		t.Fatalf("got %d events (%v), want 4", len(c.events), types(c.events))
	}
	last := c.events[3]
	if last.Type != EventPromptResponse || last.StopReason != StopReasonCompleted {
		t.Errorf("last event = %s/%q, want prompt_response/completed", last.Type, last.StopReason)
	}
	if n := len(c.terminals()); n != 1 {
		t.Errorf("terminal events = %d, want 1", n)
	}
	if client.State() != StateCompleted {
		t.Errorf("State() = %s, want completed", client.State())
	}
}

func TestRun_NoSyntheticWhenAgentFinished(t *testing.T) {
	proc := newFakeProcess()
	client := newClient(scripted(proc, func(p *fakeProcess) {
		p.stdout(`{"type":"text","part":{"text":"done"}}`)
		p.stdout(`{"type":"step_finish","part":{"reason":"stop"}}`)
		p.exit(0)
	}), 5*time.Second, time.Second)

	var c collector
	if err := client.Run(context.Background(), "hello", c.emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	terms := c.terminals()
	if len(terms) != 1 || terms[0].StopReason != "stop" {
		t.Errorf("terminal events = %+v, want exactly one with stop reason \"stop\"", terms)
	}
}

func TestRun_KeepaliveWhileSilent(t *testing.T) {
	proc := newFakeProcess()
	client := newClient(scripted(proc, func(p *fakeProcess) {
		time.Sleep(300 * time.Millisecond)
		p.stdout(`{"type":"step_finish","part":{"reason":"stop"}}`)
		p.exit(0)
	}), 5*time.Second, 50*time.Millisecond)

	var c collector
	if err := client.Run(context.Background(), "hello", c.emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if c.count(EventKeepalive) < 1 {
		t.Errorf("keepalive events = 0, want at least 1")
	}
	if n := len(c.terminals()); n != 1 {
		t.Errorf("terminal events = %d, want 1", n)
	}
	if last := c.events[len(c.events)-1]; !last.Terminal() {
		t.Errorf("last event = %s, want terminal", last.Type)
	}
}

func TestRun_SessionNotFound(t *testing.T) {
	proc := newFakeProcess()
	client := newClient(scripted(proc, func(p *fakeProcess) {
		p.stderr("Error: Session not found: ses_gone")
		p.exit(1)
	}), 5*time.Second, time.Second)
	client.parser = NewParser("ses_gone")

	var c collector
	err := client.Run(context.Background(), "hello", c.emit)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Run() error = %v, want ErrSessionNotFound", err)
	}
	if errors.Is(err, ErrProcess) {
		t.Error("session-not-found error should not also be a generic process error")
	}
	if n := len(c.terminals()); n != 0 {
		t.Errorf("terminal events = %d, want 0", n)
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	proc := newFakeProcess()
	client := newClient(scripted(proc, func(p *fakeProcess) {
		p.stdout(`{"type":"text","part":{"text":"partial"}}`)
		p.stderr("panic: provider unavailable")
		p.exit(2)
	}), 5*time.Second, time.Second)

	var c collector
	err := client.Run(context.Background(), "hello", c.emit)

	var perr *ProcessError
	if !errors.As(err, &perr) {
		t.Fatalf("Run() error = %v, want *ProcessError", err)
	}
	if perr.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", perr.ExitCode)
	}
	if !errors.Is(err, ErrProcess) {
		t.Error("errors.Is(err, ErrProcess) = false")
	}

	terms := c.terminals()
	if len(terms) != 1 || terms[0].Type != EventError {
		t.Fatalf("terminal events = %v, want one error", types(terms))
	}
	info := terms[0].Error
	if info.Code == nil || *info.Code != 2 {
		t.Errorf("error code = %v, want 2", info.Code)
	}
	if !strings.Contains(info.Message, "provider unavailable") {
		t.Errorf("error message = %q, want stderr excerpt", info.Message)
	}
}

func TestRun_NonZeroExitWithoutStderr(t *testing.T) {
	proc := newFakeProcess()
	client := newClient(scripted(proc, func(p *fakeProcess) {
		p.exit(3)
	}), 5*time.Second, time.Second)

	var c collector
	_ = client.Run(context.Background(), "hello", c.emit)
	terms := c.terminals()
	if len(terms) != 1 || terms[0].Error.Message != "agent exited with code 3" {
		t.Errorf("terminal events = %+v, want generic exit message", terms)
	}
}

func TestRun_Timeout(t *testing.T) {
	proc := newFakeProcess()
	proc.ignoreTerminate = true
	client := newClient(scripted(proc, func(p *fakeProcess) {
		p.stdout(`{"type":"text","part":{"text":"working"}}`)
	}), 200*time.Millisecond, time.Second)

	var c collector
	err := client.Run(context.Background(), "hello", c.emit)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if !proc.terminated.Load() {
		t.Error("process was not sent a graceful termination")
	}
	if !proc.killed.Load() {
		t.Error("process ignoring termination was not killed")
	}
	terms := c.terminals()
	if len(terms) != 1 || terms[0].Type != EventError || *terms[0].Error.Code != -1 {
		t.Errorf("terminal events = %+v, want one error with code -1", terms)
	}
	if client.State() != StateTimedOut {
		t.Errorf("State() = %s, want timed_out", client.State())
	}
}

func TestRun_ContextCancelTerminatesProcess(t *testing.T) {
	proc := newFakeProcess()
	started := make(chan struct{})
	client := newClient(scripted(proc, func(p *fakeProcess) {
		p.stdout(`{"type":"text","part":{"text":"working"}}`)
		close(started)
	}), 5*time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	var c collector
	err := client.Run(ctx, "hello", c.emit)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if !proc.terminated.Load() {
		t.Error("process left running after cancellation")
	}
	terms := c.terminals()
	if len(terms) != 1 || terms[0].StopReason != StopReasonCancelled {
		t.Errorf("terminal events = %+v, want one cancelled prompt response", terms)
	}
}

func TestRun_EmitFailureTerminatesProcess(t *testing.T) {
	proc := newFakeProcess()
	client := newClient(scripted(proc, func(p *fakeProcess) {
		p.stdout(`{"type":"text","part":{"text":"one"}}`)
		p.stdout(`{"type":"text","part":{"text":"two"}}`)
	}), 5*time.Second, time.Second)

	gone := errors.New("client disconnected")
	err := client.Run(context.Background(), "hello", func(Event) error { return gone })
	if !errors.Is(err, gone) {
		t.Fatalf("Run() error = %v, want %v", err, gone)
	}
	if !proc.terminated.Load() {
		t.Error("process left running after consumer failure")
	}
}

func TestRun_SkipsInvalidJSON(t *testing.T) {
	proc := newFakeProcess()
	client := newClient(scripted(proc, func(p *fakeProcess) {
		p.stdout(`not json`)
		p.stdout(`{"type":"text","part":{"text":"ok"}}`)
		p.exit(0)
	}), 5*time.Second, time.Second)

	var c collector
	if err := client.Run(context.Background(), "hello", c.emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if c.count(EventMessageChunk) != 1 {
		t.Errorf("message chunks = %d, want 1", c.count(EventMessageChunk))
	}
}

func TestRun_StartFailure(t *testing.T) {
	client := newClient(func(context.Context, []string) (Process, error) {
		return nil, errors.New("exec: not found")
	}, time.Second, 100*time.Millisecond)

	var c collector
	err := client.Run(context.Background(), "hello", c.emit)
	if !errors.Is(err, ErrProcess) {
		t.Fatalf("Run() error = %v, want ErrProcess", err)
	}
	if len(c.terminals()) != 1 {
		t.Errorf("terminal events = %d, want 1", len(c.terminals()))
	}
}

func TestCommand_SessionResume(t *testing.T) {
	client := newClient(nil, time.Second, 100*time.Millisecond)
	got := strings.Join(client.Command("fix it"), " ")
	if got != "agent run --format json fix it" {
		t.Errorf("Command() = %q", got)
	}

	client.parser = NewParser("ses_9")
	got = strings.Join(client.Command("fix it"), " ")
	if got != "agent run --format json --session ses_9 fix it" {
		t.Errorf("Command() with session = %q", got)
	}
}

func TestRun_LocalProcess(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := `echo '{"type":"text","sessionID":"ses_local","part":{"text":"hi"}}'; echo 'warming up' >&2; exit 0`
	client := NewRunClient(Options{
		Command:           []string{"sh", "-c", script, "agent"},
		Start:             LocalStarter(t.TempDir(), nil),
		Timeout:           5 * time.Second,
		KeepaliveInterval: time.Second,
		GracePeriod:       100 * time.Millisecond,
	})

	var c collector
	if err := client.Run(context.Background(), "hello", c.emit); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []EventType{EventSessionEstablished, EventMessageChunk, EventPromptResponse}
	if got := types(c.events); !equalTypes(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if client.SessionID() != "ses_local" {
		t.Errorf("SessionID() = %q, want ses_local", client.SessionID())
	}
}

func TestRun_LocalProcessTimeoutKillsGroup(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	client := NewRunClient(Options{
		Command:           []string{"sh", "-c", "trap '' TERM; sleep 30", "agent"},
		Start:             LocalStarter(t.TempDir(), nil),
		Timeout:           200 * time.Millisecond,
		KeepaliveInterval: 100 * time.Millisecond,
		GracePeriod:       100 * time.Millisecond,
	})

	start := time.Now()
	var c collector
	err := client.Run(context.Background(), "hello", c.emit)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Run() took %s, process was not killed", elapsed)
	}
}
