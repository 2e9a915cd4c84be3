// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session is the unit of work a user chats in. It is owned by the session
// management layer; only the fields sandbox orchestration needs live here.
type Session struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	UserID    string    `gorm:"column:user_id;not null;type:text;index" json:"user_id"`
	TenantID  string    `gorm:"column:tenant_id;not null;type:text;default:public" json:"tenant_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	Snapshots []Snapshot `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
}

func (Session) TableName() string { return "sessions" }

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// Sandbox status constants representing the lifecycle of a sandbox
const (
	SandboxStatusProvisioning = "provisioning" // Row staged, backend resource being created
	SandboxStatusRunning      = "running"      // Backend confirmed readiness
	SandboxStatusIdle         = "idle"         // Heartbeat went stale, about to be reaped
	SandboxStatusTerminated   = "terminated"   // Backend resource released, row kept for audit
)

// Sandbox is the per-user compute resource. Partial unique indexes
// guarantee at most one non-terminated sandbox per owner and per port.
type Sandbox struct {
	ID              string     `gorm:"primaryKey;type:text" json:"id"`
	OwnerUserID     string     `gorm:"column:owner_user_id;not null;type:text;uniqueIndex:idx_sandboxes_active_owner,where:status <> 'terminated'" json:"owner_user_id"`
	TenantID        string     `gorm:"column:tenant_id;not null;type:text;index" json:"tenant_id"`
	Status          string     `gorm:"not null;type:text;default:provisioning;index" json:"status"`
	InternalPort    *int       `gorm:"column:internal_port;uniqueIndex:idx_sandboxes_active_port,where:status <> 'terminated'" json:"internal_port,omitempty"`
	SessionID       *string    `gorm:"column:session_id;type:text" json:"session_id,omitempty"`
	Backend         string     `gorm:"not null;type:text" json:"backend"`
	UnitName        string     `gorm:"column:unit_name;type:text" json:"unit_name,omitempty"`
	LastHeartbeatAt *time.Time `gorm:"column:last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Sandbox) TableName() string { return "sandboxes" }

func (s *Sandbox) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// IsLive reports whether the sandbox still holds a compute resource.
func (s *Sandbox) IsLive() bool {
	return s.Status == SandboxStatusRunning || s.Status == SandboxStatusIdle
}

// Snapshot is an archive of a sandbox's outputs directory. It belongs to
// the session it was taken for, not to the sandbox.
type Snapshot struct {
	ID          string     `gorm:"primaryKey;type:text" json:"id"`
	SessionID   string     `gorm:"column:session_id;not null;type:text;index" json:"session_id"`
	StoragePath string     `gorm:"column:storage_path;not null;type:text" json:"storage_path"`
	SizeBytes   int64      `gorm:"column:size_bytes;not null;default:0" json:"size_bytes"`
	Digest      string     `gorm:"type:text" json:"digest,omitempty"`
	CreatedAt   *time.Time `gorm:"column:created_at;index" json:"created_at,omitempty"`
}

func (Snapshot) TableName() string { return "snapshots" }

func (s *Snapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt == nil {
		now := time.Now().UTC()
		s.CreatedAt = &now
	}
	return nil
}

// AllModels returns all models for auto-migration
func AllModels() []interface{} {
	return []interface{}{
		&Session{},
		&Sandbox{},
		&Snapshot{},
	}
}
