// Package cluster implements sandbox.Manager on an isolated compute unit per
// sandbox, created through a Runtime (Docker or Kubernetes).
package cluster

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/obot-platform/buildbox/server/internal/agent"
	"github.com/obot-platform/buildbox/server/internal/config"
	"github.com/obot-platform/buildbox/server/internal/logger"
	"github.com/obot-platform/buildbox/server/internal/model"
	"github.com/obot-platform/buildbox/server/internal/portalloc"
	"github.com/obot-platform/buildbox/server/internal/sandbox"
	"github.com/obot-platform/buildbox/server/internal/snapshot"
	"github.com/obot-platform/buildbox/server/internal/store"
	"github.com/obot-platform/buildbox/server/internal/workspace"
)

const (
	healthTimeout = 5 * time.Second
	stopTimeout   = 10 * time.Second
)

// Options configures the cluster backend.
type Options struct {
	Image          string
	ReadyTimeout   time.Duration
	PreviewCommand string
	MemoryBytes    int64
	NanoCPUs       int64
}

// OptionsFromConfig derives Options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Image:          cfg.SandboxImage,
		ReadyTimeout:   cfg.ReadyTimeout,
		PreviewCommand: cfg.PreviewCommand,
		MemoryBytes:    cfg.SandboxMemory,
		NanoCPUs:       cfg.SandboxNanoCPU,
	}
}

// UnitName is the compute unit name for a sandbox. A UUID id gives a
// 44 character name, inside the 63 character DNS label limit.
func UnitName(sandboxID string) string {
	return "sandbox-" + sandboxID
}

// Manager is the cluster sandbox.Manager.
type Manager struct {
	*sandbox.Lifecycle
	rt     Runtime
	blobs  snapshot.BlobStore
	unit   *unit
	health *http.Client
}

var _ sandbox.Manager = (*Manager)(nil)

// New creates a cluster Manager over rt. Snapshots are written to blobs.
func New(opts Options, lc sandbox.LifecycleConfig, rt Runtime, st *store.Store, ports *portalloc.Allocator, blobs snapshot.BlobStore, log *logger.Logger) (*Manager, error) {
	if rt == nil {
		return nil, errors.New("cluster runtime is required")
	}
	if blobs == nil {
		return nil, errors.New("snapshot store is required")
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Minute
	}

	lc.Backend = config.BackendCluster
	life := sandbox.NewLifecycle(st, ports, lc, log)
	m := &Manager{
		Lifecycle: life,
		rt:        rt,
		blobs:     blobs,
		unit:      &unit{opts: opts, rt: rt, life: life, blobs: blobs, log: life.Logger().With("runtime", rt.Name())},
		health:    &http.Client{Timeout: healthTimeout},
	}
	return m, nil
}

// Provision implements sandbox.Manager.
func (m *Manager) Provision(ctx context.Context, req sandbox.ProvisionRequest) (*sandbox.Info, error) {
	return m.Lifecycle.Provision(ctx, req, m.unit)
}

// Terminate implements sandbox.Manager.
func (m *Manager) Terminate(ctx context.Context, sandboxID string) error {
	return m.Lifecycle.Terminate(ctx, sandboxID, m.unit)
}

// TerminateIfIdle implements sandbox.Manager.
func (m *Manager) TerminateIfIdle(ctx context.Context, sandboxID string, idleFor time.Duration) (bool, error) {
	return m.Lifecycle.TerminateIfIdle(ctx, sandboxID, idleFor, m.unit)
}

// Upstream returns the host:port of the sandbox's preview server, or "" if
// it has no port.
func (m *Manager) Upstream(sb *model.Sandbox) string {
	if sb.InternalPort == nil {
		return ""
	}
	return m.rt.Endpoint(UnitName(sb.ID), *sb.InternalPort)
}

// CreateSnapshot archives /workspace/outputs into the blob store and records
// it against the sandbox's current session. A sandbox without a session has
// nothing to key the snapshot by and returns nil, nil.
func (m *Manager) CreateSnapshot(ctx context.Context, sandboxID string) (*sandbox.SnapshotInfo, error) {
	sb, err := m.LookupLive(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if sb.SessionID == nil || *sb.SessionID == "" {
		m.Logger().Debug("sandbox has no session, skipping snapshot", "sandbox_id", sb.ID)
		return nil, nil
	}
	sessionID := *sb.SessionID

	id := uuid.New().String()
	key := snapshot.StoragePath(sb.TenantID, sessionID, id)

	proc, err := m.rt.Stream(ctx, UnitName(sb.ID), []string{"tar", "-cf", "-", "-C", WorkspaceDir, "outputs"})
	if err != nil {
		return nil, fmt.Errorf("failed to start archive: %w", err)
	}
	var stderr bytes.Buffer
	stderrDone := make(chan struct{})
	go func() {
		_, _ = io.Copy(&stderr, proc.Stderr())
		close(stderrDone)
	}()

	blob, saveErr := snapshot.Save(ctx, m.blobs, key, proc.Stdout())
	if saveErr != nil {
		_ = proc.Kill()
	}
	code, waitErr := proc.Wait()
	<-stderrDone

	switch {
	case saveErr != nil:
		err = fmt.Errorf("failed to store snapshot: %w", saveErr)
	case waitErr != nil:
		err = fmt.Errorf("archive failed: %w", waitErr)
	case code != 0:
		err = fmt.Errorf("archive exited with code %d: %s", code, strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		if derr := m.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			m.Logger().Warn("failed to remove partial snapshot", "key", key, "error", derr)
		}
		return nil, err
	}

	snap := &model.Snapshot{
		ID:          id,
		SessionID:   sessionID,
		StoragePath: blob.Path,
		SizeBytes:   blob.Size,
		Digest:      blob.Digest,
	}
	info, err := m.RecordSnapshot(ctx, snap)
	if err != nil {
		_ = m.blobs.Delete(context.WithoutCancel(ctx), key)
		return nil, err
	}
	m.Logger().Info("created snapshot", "sandbox_id", sb.ID, "snapshot_id", id, "size", blob.Size)
	return info, nil
}

// HealthCheck reports whether the unit is running and its preview server
// answers HTTP.
func (m *Manager) HealthCheck(ctx context.Context, sandboxID string) bool {
	sb, err := m.LookupLive(ctx, sandboxID)
	if err != nil || sb.InternalPort == nil {
		return false
	}
	u, err := m.rt.Describe(ctx, UnitName(sb.ID))
	if err != nil || !u.Running {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+m.Upstream(sb)+"/", nil)
	if err != nil {
		return false
	}
	resp, err := m.health.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()

	m.Touch(ctx, sandboxID)
	return true
}

// SendMessage runs an agent turn inside the unit.
func (m *Manager) SendMessage(ctx context.Context, sandboxID, sessionID, message string, emit func(agent.Event) error) error {
	sb, err := m.LookupLive(ctx, sandboxID)
	if err != nil {
		return err
	}
	return m.RunTurn(ctx, sb, sessionID, message, m.starter(UnitName(sb.ID)), emit)
}

// ListDirectory lists a directory under /workspace/outputs.
func (m *Manager) ListDirectory(ctx context.Context, sandboxID, p string) ([]sandbox.FileEntry, error) {
	sb, err := m.LookupLive(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	rel, dir, err := outputsPath(p)
	if err != nil {
		return nil, err
	}
	res, err := m.rt.Exec(ctx, UnitName(sb.ID), ExecRequest{Cmd: listScript(dir)})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", rel, err)
	}
	if err := scriptError(rel, res); err != nil {
		return nil, err
	}
	return parseFind(rel, res.Stdout), nil
}

// ReadFile reads a file under /workspace/outputs.
func (m *Manager) ReadFile(ctx context.Context, sandboxID, p string) ([]byte, error) {
	sb, err := m.LookupLive(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	rel, file, err := outputsPath(p)
	if err != nil {
		return nil, err
	}
	if rel == "." {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrIsDirectory, rel)
	}
	res, err := m.rt.Exec(ctx, UnitName(sb.ID), ExecRequest{Cmd: readScript(file)})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", rel, err)
	}
	if err := scriptError(rel, res); err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

// starter runs agent commands in the unit's workspace. The wrapper shell
// reports its pid on stderr before exec'ing the agent so that the process
// can be signalled from a separate exec.
func (m *Manager) starter(name string) agent.Starter {
	return func(ctx context.Context, argv []string) (agent.Process, error) {
		wrapped := append([]string{"sh", "-c", `echo "pid:$$" >&2; cd "$0" || exit 1; exec "$@"`, WorkspaceDir}, argv...)
		proc, err := m.rt.Stream(ctx, name, wrapped)
		if err != nil {
			return nil, err
		}

		stderr := bufio.NewReader(proc.Stderr())
		line, err := stderr.ReadString('\n')
		if err != nil {
			_ = proc.Kill()
			return nil, fmt.Errorf("failed to start agent: %w", err)
		}
		pid, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(line), "pid:"))
		if err != nil {
			_ = proc.Kill()
			return nil, fmt.Errorf("unexpected agent preamble %q", line)
		}
		return &remoteProcess{Process: proc, stderr: stderr, pid: pid, name: name, rt: m.rt}, nil
	}
}

// remoteProcess signals the agent inside the unit by pid.
type remoteProcess struct {
	agent.Process
	stderr io.Reader
	pid    int
	name   string
	rt     Runtime
}

func (p *remoteProcess) Stderr() io.Reader { return p.stderr }

func (p *remoteProcess) Terminate() error { return p.signal("TERM") }

func (p *remoteProcess) Kill() error {
	err := p.signal("KILL")
	// Closing the stream unblocks readers even if the kill exec failed.
	if kerr := p.Process.Kill(); err == nil {
		err = kerr
	}
	return err
}

func (p *remoteProcess) signal(sig string) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_, err := p.rt.Exec(ctx, p.name, ExecRequest{Cmd: []string{"kill", "-" + sig, strconv.Itoa(p.pid)}})
	return err
}

// unit creates and destroys compute units.
type unit struct {
	opts  Options
	rt    Runtime
	life  *sandbox.Lifecycle
	blobs snapshot.BlobStore
	log   *logger.Logger
}

// Create starts the unit, waits for readiness, syncs the workspace and
// starts the preview server. The sandbox is reachable only after every step
// has succeeded.
func (u *unit) Create(ctx context.Context, sb *model.Sandbox, req sandbox.ProvisionRequest) (string, error) {
	name := UnitName(sb.ID)
	spec := UnitSpec{
		Name:      name,
		SandboxID: sb.ID,
		TenantID:  sb.TenantID,
		Image:     u.opts.Image,
		Env: map[string]string{
			"SANDBOX_ID": sb.ID,
			"PORT":       strconv.Itoa(ContainerPort),
		},
		Labels: map[string]string{
			"buildbox.sandbox.id": sb.ID,
			"buildbox.tenant.id":  sb.TenantID,
			"buildbox.managed":    "true",
		},
		MemoryBytes: u.opts.MemoryBytes,
		NanoCPUs:    u.opts.NanoCPUs,
	}
	if sb.InternalPort != nil {
		spec.HostPort = *sb.InternalPort
	}

	u.log.Info("creating compute unit", "sandbox_id", sb.ID, "unit", name)
	if _, err := u.rt.Create(ctx, spec); err != nil {
		return "", fmt.Errorf("failed to create unit: %w", err)
	}
	if err := u.rt.WaitReady(ctx, name, u.opts.ReadyTimeout); err != nil {
		return "", fmt.Errorf("unit %s did not become ready: %w", name, err)
	}

	if err := u.exec(ctx, name, "mkdir", "-p", WebDir, OutputsDir+"/slides", OutputsDir+"/markdown", OutputsDir+"/graphs", WorkspaceDir+"/files", WorkspaceDir+"/user_uploaded_files"); err != nil {
		return "", err
	}
	if err := u.copyDir(ctx, name, req.KnowledgePath, "files"); err != nil {
		return "", fmt.Errorf("failed to sync knowledge files: %w", err)
	}
	if err := u.copyDir(ctx, name, req.AttachmentsPath, "user_uploaded_files"); err != nil {
		return "", fmt.Errorf("failed to sync attachments: %w", err)
	}
	if err := u.writeInstructions(ctx, name, req.KnowledgePath); err != nil {
		return "", err
	}
	if err := u.restore(ctx, name, req); err != nil {
		return "", err
	}
	if err := u.startPreview(ctx, name); err != nil {
		return "", err
	}
	return name, nil
}

func (u *unit) exec(ctx context.Context, name string, cmd ...string) error {
	res, err := u.rt.Exec(ctx, name, ExecRequest{Cmd: cmd})
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", cmd[0], err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited with code %d: %s", cmd[0], res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// copyDir streams dir into /workspace/prefix. An empty dir is skipped.
func (u *unit) copyDir(ctx context.Context, name, dir, prefix string) error {
	if dir == "" {
		return nil
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(snapshot.WriteTar(pw, dir, prefix))
	}()
	err := u.rt.CopyTo(ctx, name, WorkspaceDir, pr)
	pr.CloseWithError(err)
	return err
}

func (u *unit) writeInstructions(ctx context.Context, name, knowledgePath string) error {
	sources, err := workspace.ScanKnowledgeDir(knowledgePath)
	if err != nil {
		return fmt.Errorf("failed to scan knowledge sources: %w", err)
	}
	doc, err := workspace.RenderInstructions(workspace.InstructionsData{PreviewPort: ContainerPort, Sources: sources})
	if err != nil {
		return err
	}
	tr, err := tarFile(workspace.InstructionsFile, doc)
	if err != nil {
		return err
	}
	return u.rt.CopyTo(ctx, name, WorkspaceDir, tr)
}

// restore copies a snapshot into the unit. Archives carry the outputs/
// prefix, so they are extracted into /workspace.
func (u *unit) restore(ctx context.Context, name string, req sandbox.ProvisionRequest) error {
	snap, err := u.life.SnapshotSource(ctx, req)
	if err != nil || snap == nil {
		return err
	}
	tr, err := snapshot.Load(ctx, u.blobs, snap.StoragePath)
	if err != nil {
		return fmt.Errorf("failed to open snapshot %s: %w", snap.ID, err)
	}
	defer tr.Close()
	if err := u.rt.CopyTo(ctx, name, WorkspaceDir, tr); err != nil {
		return fmt.Errorf("failed to restore snapshot %s: %w", snap.ID, err)
	}
	u.log.Info("restored snapshot", "unit", name, "snapshot_id", snap.ID)
	return nil
}

func (u *unit) startPreview(ctx context.Context, name string) error {
	if u.opts.PreviewCommand == "" {
		return nil
	}
	cmd := strings.ReplaceAll(u.opts.PreviewCommand, "{port}", strconv.Itoa(ContainerPort))
	script := fmt.Sprintf("cd %s && nohup %s > %s 2>&1 &", shellquote.Join(WebDir), cmd, shellquote.Join(previewLog))
	return u.exec(ctx, name, "sh", "-c", script)
}

// Destroy deletes the unit. A unit that was never created is not an error.
func (u *unit) Destroy(ctx context.Context, sb *model.Sandbox) error {
	name := UnitName(sb.ID)
	if err := u.rt.Delete(ctx, name); err != nil && !errors.Is(err, ErrUnitNotFound) {
		return err
	}
	u.log.Info("deleted compute unit", "sandbox_id", sb.ID, "unit", name)
	return nil
}

// Discard deletes whatever a failed Create left behind. Everything the
// sandbox holds lives in the unit, so this is the same as Destroy.
func (u *unit) Discard(ctx context.Context, sb *model.Sandbox) error {
	return u.Destroy(ctx, sb)
}
