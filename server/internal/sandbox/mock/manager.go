// Package mock provides an in-memory sandbox.Manager for testing.
package mock

import (
	"context"
	"fmt"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obot-platform/buildbox/server/internal/agent"
	"github.com/obot-platform/buildbox/server/internal/model"
	"github.com/obot-platform/buildbox/server/internal/sandbox"
)

// BasePort is the first port handed out by the mock manager.
const BasePort = 40000

// Manager is a mock sandbox manager. Sandboxes live in memory; files are
// served from Files, keyed by slash-separated path under outputs.
type Manager struct {
	mu        sync.Mutex
	sandboxes map[string]*sandbox.Info
	turns     map[string]int
	nextPort  int
	calls     []string

	// Files backs ListDirectory and ReadFile.
	Files map[string][]byte

	// Reply is the text streamed back by the default SendMessage.
	Reply string

	// Configurable behaviors for testing
	ProvisionFunc       func(ctx context.Context, req sandbox.ProvisionRequest) (*sandbox.Info, error)
	TerminateFunc       func(ctx context.Context, sandboxID string) error
	TerminateIfIdleFunc func(ctx context.Context, sandboxID string, idleFor time.Duration) (bool, error)
	CreateSnapshotFunc  func(ctx context.Context, sandboxID string) (*sandbox.SnapshotInfo, error)
	HealthCheckFunc     func(ctx context.Context, sandboxID string) bool
	SendMessageFunc     func(ctx context.Context, sandboxID, sessionID, message string, emit func(agent.Event) error) error
	ListDirectoryFunc   func(ctx context.Context, sandboxID, path string) ([]sandbox.FileEntry, error)
	ReadFileFunc        func(ctx context.Context, sandboxID, path string) ([]byte, error)
	CancelAgentFunc     func(ctx context.Context, sandboxID string) error
}

var _ sandbox.Manager = (*Manager)(nil)

// NewManager creates a mock manager with default behavior.
func NewManager() *Manager {
	return &Manager{
		sandboxes: make(map[string]*sandbox.Info),
		turns:     make(map[string]int),
		nextPort:  BasePort,
		Files:     make(map[string][]byte),
		Reply:     "done",
	}
}

func (m *Manager) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

// Calls returns the recorded calls, formatted as "Method:sandboxID".
func (m *Manager) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Add registers an existing sandbox, for tests that seed state directly.
func (m *Manager) Add(info *sandbox.Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sandboxes[info.ID] = info
}

// SetActiveTurns sets the number of agent turns reported for a sandbox.
func (m *Manager) SetActiveTurns(sandboxID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[sandboxID] = n
}

// ActiveTurns reports the value set by SetActiveTurns.
func (m *Manager) ActiveTurns(sandboxID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns[sandboxID]
}

// Provision returns the user's live sandbox or creates a running one.
func (m *Manager) Provision(ctx context.Context, req sandbox.ProvisionRequest) (*sandbox.Info, error) {
	m.record("Provision:" + req.UserID)
	if m.ProvisionFunc != nil {
		return m.ProvisionFunc(ctx, req)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", sandbox.ErrInvalidRequest)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, info := range m.sandboxes {
		if info.OwnerUserID == req.UserID && info.Status != model.SandboxStatusTerminated {
			if req.SessionID != "" {
				info.SessionID = req.SessionID
			}
			return copyInfo(info), nil
		}
	}

	port := m.nextPort
	m.nextPort++
	tenant := req.TenantID
	if tenant == "" {
		tenant = sandbox.DefaultTenant
	}
	now := time.Now().UTC()
	info := &sandbox.Info{
		ID:              uuid.New().String(),
		OwnerUserID:     req.UserID,
		TenantID:        tenant,
		Status:          model.SandboxStatusRunning,
		Port:            &port,
		SessionID:       req.SessionID,
		Backend:         "mock",
		LastHeartbeatAt: &now,
		CreatedAt:       now,
	}
	m.sandboxes[info.ID] = info
	return copyInfo(info), nil
}

// Terminate marks the sandbox terminated and clears its port.
func (m *Manager) Terminate(ctx context.Context, sandboxID string) error {
	m.record("Terminate:" + sandboxID)
	if m.TerminateFunc != nil {
		return m.TerminateFunc(ctx, sandboxID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sandboxes[sandboxID]
	if !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, sandboxID)
	}
	info.Status = model.SandboxStatusTerminated
	info.Port = nil
	delete(m.turns, sandboxID)
	return nil
}

// TerminateIfIdle terminates the sandbox through Terminate when it is live,
// has no active turns and its LastHeartbeatAt (or CreatedAt) is older than
// idleFor.
func (m *Manager) TerminateIfIdle(ctx context.Context, sandboxID string, idleFor time.Duration) (bool, error) {
	m.record("TerminateIfIdle:" + sandboxID)
	if m.TerminateIfIdleFunc != nil {
		return m.TerminateIfIdleFunc(ctx, sandboxID, idleFor)
	}

	info, err := m.live(sandboxID)
	if err != nil {
		if _, gerr := m.GetInfo(ctx, sandboxID); gerr != nil {
			return false, gerr
		}
		return false, nil
	}
	m.mu.Lock()
	last := info.CreatedAt
	if info.LastHeartbeatAt != nil {
		last = *info.LastHeartbeatAt
	}
	busy := m.turns[sandboxID] > 0
	m.mu.Unlock()
	if busy || time.Since(last) < idleFor {
		return false, nil
	}
	if err := m.Terminate(ctx, sandboxID); err != nil {
		return false, err
	}
	return true, nil
}

// Upstream returns 127.0.0.1 and the sandbox's port.
func (m *Manager) Upstream(sb *model.Sandbox) string {
	if sb.InternalPort == nil {
		return ""
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(*sb.InternalPort))
}

// CreateSnapshot returns nil, nil unless CreateSnapshotFunc is set.
func (m *Manager) CreateSnapshot(ctx context.Context, sandboxID string) (*sandbox.SnapshotInfo, error) {
	m.record("CreateSnapshot:" + sandboxID)
	if m.CreateSnapshotFunc != nil {
		return m.CreateSnapshotFunc(ctx, sandboxID)
	}
	if _, err := m.live(sandboxID); err != nil {
		return nil, err
	}
	return nil, nil
}

// HealthCheck reports true for a live sandbox.
func (m *Manager) HealthCheck(ctx context.Context, sandboxID string) bool {
	m.record("HealthCheck:" + sandboxID)
	if m.HealthCheckFunc != nil {
		return m.HealthCheckFunc(ctx, sandboxID)
	}
	_, err := m.live(sandboxID)
	return err == nil
}

// SendMessage emits a session event, one message chunk carrying Reply and a
// prompt response.
func (m *Manager) SendMessage(ctx context.Context, sandboxID, sessionID, message string, emit func(agent.Event) error) error {
	m.record("SendMessage:" + sandboxID)
	if m.SendMessageFunc != nil {
		return m.SendMessageFunc(ctx, sandboxID, sessionID, message, emit)
	}
	if _, err := m.live(sandboxID); err != nil {
		return err
	}

	events := []agent.Event{
		{Type: agent.EventSessionEstablished, SessionID: sessionID},
		{Type: agent.EventMessageChunk, Text: m.Reply},
		{Type: agent.EventPromptResponse, StopReason: "end_turn"},
	}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev.Timestamp = time.Now().UTC()
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

// ListDirectory lists the immediate children of dir in Files.
func (m *Manager) ListDirectory(ctx context.Context, sandboxID, dir string) ([]sandbox.FileEntry, error) {
	m.record("ListDirectory:" + sandboxID)
	if m.ListDirectoryFunc != nil {
		return m.ListDirectoryFunc(ctx, sandboxID, dir)
	}
	if _, err := m.live(sandboxID); err != nil {
		return nil, err
	}

	dir = strings.Trim(path.Clean("/"+dir), "/")
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var entries []sandbox.FileEntry
	found := dir == ""
	for name, data := range m.Files {
		rel := name
		if dir != "" {
			if name == dir {
				return nil, fmt.Errorf("%w: %s", sandbox.ErrNotDirectory, dir)
			}
			if !strings.HasPrefix(name, dir+"/") {
				continue
			}
			rel = strings.TrimPrefix(name, dir+"/")
		}
		found = true
		child, _, nested := strings.Cut(rel, "/")
		if seen[child] {
			continue
		}
		seen[child] = true
		entry := sandbox.FileEntry{Name: child, Path: path.Join(dir, child), IsDir: nested}
		if !nested {
			size := int64(len(data))
			entry.Size = &size
		}
		entries = append(entries, entry)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrPathNotFound, dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// ReadFile returns the contents stored in Files.
func (m *Manager) ReadFile(ctx context.Context, sandboxID, name string) ([]byte, error) {
	m.record("ReadFile:" + sandboxID)
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(ctx, sandboxID, name)
	}
	if _, err := m.live(sandboxID); err != nil {
		return nil, err
	}
	if strings.Contains("/"+name+"/", "/../") {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrPathOutsideSandbox, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Files[strings.Trim(path.Clean("/"+name), "/")]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrPathNotFound, name)
	}
	return append([]byte(nil), data...), nil
}

// CancelAgent resets the sandbox's active turn count.
func (m *Manager) CancelAgent(ctx context.Context, sandboxID string) error {
	m.record("CancelAgent:" + sandboxID)
	if m.CancelAgentFunc != nil {
		return m.CancelAgentFunc(ctx, sandboxID)
	}
	if _, err := m.live(sandboxID); err != nil {
		return err
	}
	m.SetActiveTurns(sandboxID, 0)
	return nil
}

// GetInfo returns a copy of the sandbox.
func (m *Manager) GetInfo(_ context.Context, sandboxID string) (*sandbox.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sandboxes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, sandboxID)
	}
	return copyInfo(info), nil
}

// Heartbeat stamps the sandbox's last heartbeat.
func (m *Manager) Heartbeat(_ context.Context, sandboxID string) error {
	m.record("Heartbeat:" + sandboxID)
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sandboxes[sandboxID]
	if !ok {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, sandboxID)
	}
	if info.Status == model.SandboxStatusTerminated {
		return fmt.Errorf("%w: sandbox %s is %s", sandbox.ErrNotRunning, sandboxID, info.Status)
	}
	now := time.Now().UTC()
	info.LastHeartbeatAt = &now
	return nil
}

func (m *Manager) live(sandboxID string) (*sandbox.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sandboxes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotFound, sandboxID)
	}
	if info.Status != model.SandboxStatusRunning && info.Status != model.SandboxStatusIdle {
		return nil, fmt.Errorf("%w: sandbox %s is %s", sandbox.ErrNotRunning, sandboxID, info.Status)
	}
	return info, nil
}

func copyInfo(info *sandbox.Info) *sandbox.Info {
	c := *info
	return &c
}
