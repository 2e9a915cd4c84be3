// Package sandbox provisions and manages per-user build sandboxes.
// It supports a local directory backend and a cluster backend running on
// Docker or Kubernetes.
package sandbox

import (
	"context"
	"time"

	"github.com/obot-platform/buildbox/server/internal/agent"
	"github.com/obot-platform/buildbox/server/internal/model"
	"github.com/obot-platform/buildbox/server/internal/workspace"
)

// Manager abstracts sandbox backends. Each user has at most one live
// sandbox, shared by all of the user's sessions.
type Manager interface {
	// Provision returns the user's live sandbox, creating it if needed.
	// Concurrent calls for one user resolve to the same sandbox.
	Provision(ctx context.Context, req ProvisionRequest) (*Info, error)

	// Terminate releases the sandbox's compute resource and port. The
	// record is kept, marked terminated. Terminating twice is a no-op.
	Terminate(ctx context.Context, sandboxID string) error

	// TerminateIfIdle terminates the sandbox only if it is still live, has
	// no agent turn in flight and has not heartbeated for idleFor. The check
	// and the termination are atomic with respect to Provision and
	// Terminate for the same owner. It reports whether it terminated.
	TerminateIfIdle(ctx context.Context, sandboxID string, idleFor time.Duration) (bool, error)

	// CreateSnapshot archives the sandbox's outputs for its current session.
	// Backends that do not support snapshots return nil, nil.
	CreateSnapshot(ctx context.Context, sandboxID string) (*SnapshotInfo, error)

	// HealthCheck reports whether the preview server answers. A healthy
	// sandbox has its heartbeat refreshed.
	HealthCheck(ctx context.Context, sandboxID string) bool

	// SendMessage runs one agent turn for sessionID and passes every event
	// to emit. Cancelling ctx stops the agent.
	SendMessage(ctx context.Context, sandboxID, sessionID, message string, emit func(agent.Event) error) error

	// ListDirectory lists a directory under the sandbox's outputs.
	ListDirectory(ctx context.Context, sandboxID, path string) ([]FileEntry, error)

	// ReadFile reads a file under the sandbox's outputs.
	ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error)

	// CancelAgent stops the in-flight agent turn, if any. The sandbox stays up.
	CancelAgent(ctx context.Context, sandboxID string) error

	// ActiveTurns reports the number of agent turns running on the sandbox.
	ActiveTurns(sandboxID string) int

	// Upstream returns the host:port the sandbox's preview server is
	// reached at, or "" if it has no port.
	Upstream(sb *model.Sandbox) string

	// GetInfo returns the sandbox record.
	GetInfo(ctx context.Context, sandboxID string) (*Info, error)

	// Heartbeat records activity on the sandbox.
	Heartbeat(ctx context.Context, sandboxID string) error
}

// FileEntry is one item in a directory listing.
type FileEntry = workspace.Entry

// ProvisionRequest describes the sandbox a user needs.
type ProvisionRequest struct {
	UserID    string `json:"user_id"`
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`

	// KnowledgePath is the directory holding the user's knowledge sources.
	KnowledgePath string `json:"knowledge_path,omitempty"`

	// SnapshotID restores a previous snapshot into outputs (optional).
	SnapshotID string `json:"snapshot_id,omitempty"`

	// AttachmentsPath is a directory of user uploads to copy in (optional).
	AttachmentsPath string `json:"attachments_path,omitempty"`
}

// Info is the externally visible view of a sandbox.
type Info struct {
	ID              string     `json:"id"`
	OwnerUserID     string     `json:"owner_user_id"`
	TenantID        string     `json:"tenant_id"`
	Status          string     `json:"status"`
	Port            *int       `json:"port,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	Backend         string     `json:"backend"`
	UnitName        string     `json:"unit_name,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// InfoFromModel converts a sandbox record.
func InfoFromModel(sb *model.Sandbox) *Info {
	info := &Info{
		ID:              sb.ID,
		OwnerUserID:     sb.OwnerUserID,
		TenantID:        sb.TenantID,
		Status:          sb.Status,
		Port:            sb.InternalPort,
		Backend:         sb.Backend,
		UnitName:        sb.UnitName,
		LastHeartbeatAt: sb.LastHeartbeatAt,
		CreatedAt:       sb.CreatedAt,
	}
	if sb.SessionID != nil {
		info.SessionID = *sb.SessionID
	}
	return info
}

// SnapshotInfo describes a stored snapshot.
type SnapshotInfo struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	StoragePath string    `json:"storage_path"`
	SizeBytes   int64     `json:"size_bytes"`
	Digest      string    `json:"digest,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SnapshotFromModel converts a snapshot record.
func SnapshotFromModel(snap *model.Snapshot) *SnapshotInfo {
	info := &SnapshotInfo{
		ID:          snap.ID,
		SessionID:   snap.SessionID,
		StoragePath: snap.StoragePath,
		SizeBytes:   snap.SizeBytes,
		Digest:      snap.Digest,
	}
	if snap.CreatedAt != nil {
		info.CreatedAt = *snap.CreatedAt
	}
	return info
}
