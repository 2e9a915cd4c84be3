//go:build unix

// Package local implements sandbox.Manager with plain directories on the
// server's filesystem. The preview server and agent turns run as child
// processes of the server.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

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

// Directory names inside a sandbox.
const (
	FilesDir   = "files"
	OutputsDir = "outputs"
	UploadsDir = "user_uploaded_files"
	WebDir     = "web"
	PreviewLog = "preview.log"
)

// outputSubdirs are created in every outputs tree.
var outputSubdirs = []string{"slides", "markdown", "graphs"}

const healthTimeout = 5 * time.Second

// Options configures the local backend.
type Options struct {
	// Root holds one directory per sandbox.
	Root string

	// OutputsTemplate is copied into outputs/ when set and present.
	OutputsTemplate string

	// PreviewCommand starts the preview server. {port} is replaced with the
	// sandbox's port. Empty disables the preview server.
	PreviewCommand string

	// GracePeriod is how long the preview server gets between SIGTERM and
	// SIGKILL.
	GracePeriod time.Duration

	// UpstreamHost is where preview servers are reached. The health check
	// dials it and Upstream returns it.
	UpstreamHost string
}

// OptionsFromConfig derives Options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Root:            cfg.SandboxRoot,
		OutputsTemplate: cfg.OutputsTemplate,
		PreviewCommand:  cfg.PreviewCommand,
		GracePeriod:     cfg.AgentGracePeriod,
		UpstreamHost:    cfg.UpstreamHost,
	}
}

// Manager is the local sandbox.Manager.
type Manager struct {
	*sandbox.Lifecycle
	unit *unit
}

var _ sandbox.Manager = (*Manager)(nil)

// New creates a local Manager. blobs may be nil, in which case snapshot
// restores are skipped.
func New(opts Options, lc sandbox.LifecycleConfig, st *store.Store, ports *portalloc.Allocator, blobs snapshot.BlobStore, log *logger.Logger) (*Manager, error) {
	if opts.Root == "" {
		return nil, errors.New("sandbox root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}
	opts.Root = root
	if opts.UpstreamHost == "" {
		opts.UpstreamHost = "127.0.0.1"
	}

	lc.Backend = config.BackendLocal
	life := sandbox.NewLifecycle(st, ports, lc, log)
	m := &Manager{
		Lifecycle: life,
		unit: &unit{
			opts:      opts,
			life:      life,
			blobs:     blobs,
			log:       life.Logger(),
			processes: make(map[string]*previewProcess),
		},
	}
	life.Logger().Info("local sandbox backend ready", "root", root)
	return m, nil
}

// Dir returns the directory of a sandbox.
func (m *Manager) Dir(sandboxID string) string {
	return m.unit.dir(sandboxID)
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
	return net.JoinHostPort(m.unit.opts.UpstreamHost, strconv.Itoa(*sb.InternalPort))
}

// CreateSnapshot is a no-op for the local backend: outputs stay on disk
// for as long as the sandbox does.
func (m *Manager) CreateSnapshot(ctx context.Context, sandboxID string) (*sandbox.SnapshotInfo, error) {
	if _, err := m.Lookup(ctx, sandboxID); err != nil {
		return nil, err
	}
	m.Logger().Debug("skipping snapshot on local backend", "sandbox_id", sandboxID)
	return nil, nil
}

// HealthCheck dials the preview port.
func (m *Manager) HealthCheck(ctx context.Context, sandboxID string) bool {
	sb, err := m.LookupLive(ctx, sandboxID)
	if err != nil || sb.InternalPort == nil {
		return false
	}

	d := net.Dialer{Timeout: healthTimeout}
	conn, err := d.DialContext(ctx, "tcp", m.Upstream(sb))
	if err != nil {
		return false
	}
	_ = conn.Close()
	m.Touch(ctx, sandboxID)
	return true
}

// SendMessage runs an agent turn with the sandbox directory as its working
// directory.
func (m *Manager) SendMessage(ctx context.Context, sandboxID, sessionID, message string, emit func(agent.Event) error) error {
	sb, err := m.LookupLive(ctx, sandboxID)
	if err != nil {
		return err
	}
	start := agent.LocalStarter(m.unit.dir(sb.ID), os.Environ())
	return m.RunTurn(ctx, sb, sessionID, message, start, emit)
}

// ListDirectory lists a directory under the sandbox's outputs.
func (m *Manager) ListDirectory(ctx context.Context, sandboxID, path string) ([]sandbox.FileEntry, error) {
	sb, err := m.LookupLive(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	return workspace.ListDir(m.unit.outputs(sb.ID), path)
}

// ReadFile reads a file under the sandbox's outputs.
func (m *Manager) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	sb, err := m.LookupLive(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	return workspace.ReadFile(m.unit.outputs(sb.ID), path)
}

// PreviewRunning reports whether the sandbox's preview server process is
// alive.
func (m *Manager) PreviewRunning(sandboxID string) bool {
	p := m.unit.process(sandboxID)
	return p != nil && !p.exited()
}

// Shutdown stops every preview server started by this process.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.unit.stopAll(ctx)
}

// unit builds sandbox directories and runs their preview servers.
type unit struct {
	opts  Options
	life  *sandbox.Lifecycle
	blobs snapshot.BlobStore
	log   *logger.Logger

	mu        sync.Mutex
	processes map[string]*previewProcess
}

func (u *unit) dir(sandboxID string) string {
	return filepath.Join(u.opts.Root, sandboxID)
}

func (u *unit) outputs(sandboxID string) string {
	return filepath.Join(u.dir(sandboxID), OutputsDir)
}

func (u *unit) process(sandboxID string) *previewProcess {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.processes[sandboxID]
}

// Create lays out the sandbox directory and starts the preview server.
func (u *unit) Create(ctx context.Context, sb *model.Sandbox, req sandbox.ProvisionRequest) (string, error) {
	dir := u.dir(sb.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create sandbox directory: %w", err)
	}

	if err := u.linkFiles(dir, req.KnowledgePath); err != nil {
		return "", err
	}
	if err := u.setupOutputs(ctx, dir, req); err != nil {
		return "", err
	}
	if err := u.setupUploads(dir, req.AttachmentsPath); err != nil {
		return "", err
	}
	if err := u.writeInstructions(dir, req.KnowledgePath, sb.InternalPort); err != nil {
		return "", err
	}
	if err := u.startPreview(sb); err != nil {
		return "", err
	}
	return dir, nil
}

func (u *unit) linkFiles(dir, knowledgePath string) error {
	link := filepath.Join(dir, FilesDir)
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	if knowledgePath == "" {
		return os.MkdirAll(link, 0755)
	}
	target, err := filepath.Abs(knowledgePath)
	if err != nil {
		return fmt.Errorf("failed to resolve knowledge path: %w", err)
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("failed to link knowledge files: %w", err)
	}
	return nil
}

// setupOutputs restores outputs/ from a snapshot, or copies the template.
func (u *unit) setupOutputs(ctx context.Context, dir string, req sandbox.ProvisionRequest) error {
	outputs := filepath.Join(dir, OutputsDir)

	snap, err := u.life.SnapshotSource(ctx, req)
	if err != nil {
		return err
	}
	switch {
	case snap != nil && u.blobs != nil:
		if err := u.restore(ctx, dir, snap); err != nil {
			return err
		}
	case snap != nil:
		u.log.Debug("ignoring snapshot without a blob store", "snapshot_id", snap.ID)
		fallthrough
	default:
		if err := u.copyTemplate(outputs); err != nil {
			return err
		}
	}

	for _, sub := range append([]string{WebDir}, outputSubdirs...) {
		if err := os.MkdirAll(filepath.Join(outputs, sub), 0755); err != nil {
			return fmt.Errorf("failed to create outputs directory: %w", err)
		}
	}
	return nil
}

// restore extracts a snapshot. Archives hold an outputs/ prefix, so they
// are extracted into the sandbox root.
func (u *unit) restore(ctx context.Context, dir string, snap *model.Snapshot) error {
	tr, err := snapshot.Load(ctx, u.blobs, snap.StoragePath)
	if err != nil {
		return fmt.Errorf("failed to open snapshot %s: %w", snap.ID, err)
	}
	defer tr.Close()
	if err := snapshot.ExtractTar(tr, dir); err != nil {
		return fmt.Errorf("failed to restore snapshot %s: %w", snap.ID, err)
	}
	u.log.Info("restored snapshot", "snapshot_id", snap.ID, "dir", dir)
	return nil
}

func (u *unit) copyTemplate(outputs string) error {
	if _, err := os.Stat(outputs); err == nil {
		return nil
	}
	if u.opts.OutputsTemplate != "" {
		if info, err := os.Stat(u.opts.OutputsTemplate); err == nil && info.IsDir() {
			if err := copyTree(u.opts.OutputsTemplate, outputs); err != nil {
				return fmt.Errorf("failed to copy outputs template: %w", err)
			}
			return nil
		}
		u.log.Warn("outputs template not found", "path", u.opts.OutputsTemplate)
	}
	return os.MkdirAll(outputs, 0755)
}

func (u *unit) setupUploads(dir, attachments string) error {
	uploads := filepath.Join(dir, UploadsDir)
	if err := os.MkdirAll(uploads, 0755); err != nil {
		return fmt.Errorf("failed to create uploads directory: %w", err)
	}
	if attachments == "" {
		return nil
	}
	if err := copyTree(attachments, uploads); err != nil {
		return fmt.Errorf("failed to copy attachments: %w", err)
	}
	return nil
}

func (u *unit) writeInstructions(dir, knowledgePath string, port *int) error {
	sources, err := workspace.ScanKnowledgeDir(knowledgePath)
	if err != nil {
		return fmt.Errorf("failed to scan knowledge sources: %w", err)
	}
	data := workspace.InstructionsData{Sources: sources}
	if port != nil {
		data.PreviewPort = *port
	}
	doc, err := workspace.RenderInstructions(data)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, workspace.InstructionsFile), doc, 0644)
}

func (u *unit) startPreview(sb *model.Sandbox) error {
	if u.opts.PreviewCommand == "" || sb.InternalPort == nil {
		return nil
	}
	argv, err := previewArgv(u.opts.PreviewCommand, *sb.InternalPort)
	if err != nil {
		return err
	}
	web := filepath.Join(u.outputs(sb.ID), WebDir)
	p, err := startPreview(argv, web, filepath.Join(u.dir(sb.ID), PreviewLog), *sb.InternalPort, u.log)
	if err != nil {
		return err
	}

	u.mu.Lock()
	u.processes[sb.ID] = p
	u.mu.Unlock()
	u.log.Info("started preview server", "sandbox_id", sb.ID, "port", *sb.InternalPort, "pid", p.cmd.Process.Pid)
	return nil
}

// Destroy stops the preview server. The sandbox directory is left in place.
func (u *unit) Destroy(_ context.Context, sb *model.Sandbox) error {
	u.mu.Lock()
	p := u.processes[sb.ID]
	delete(u.processes, sb.ID)
	u.mu.Unlock()

	if p != nil {
		if err := p.stop(u.opts.GracePeriod); err != nil {
			return fmt.Errorf("failed to stop preview server: %w", err)
		}
	}
	return nil
}

// Discard stops the preview server, if it got that far, and removes the
// half-built sandbox directory.
func (u *unit) Discard(ctx context.Context, sb *model.Sandbox) error {
	if err := u.Destroy(ctx, sb); err != nil {
		return err
	}
	if err := os.RemoveAll(u.dir(sb.ID)); err != nil {
		return fmt.Errorf("failed to remove sandbox directory: %w", err)
	}
	return nil
}

func (u *unit) stopAll(ctx context.Context) error {
	u.mu.Lock()
	procs := u.processes
	u.processes = make(map[string]*previewProcess)
	u.mu.Unlock()

	var errs []error
	for id, p := range procs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.stop(u.opts.GracePeriod); err != nil {
			errs = append(errs, fmt.Errorf("sandbox %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// copyTree copies src into dest, keeping symlinks as links.
func copyTree(src, dest string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(snapshot.WriteTar(pw, src, ""))
	}()
	if err := os.MkdirAll(dest, 0755); err != nil {
		pr.CloseWithError(err)
		return err
	}
	err := snapshot.ExtractTar(pr, dest)
	pr.CloseWithError(err)
	return err
}
