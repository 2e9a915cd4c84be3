// Package store provides database operations using GORM.
//
// Writes issued on a Store returned by Tx are staged in that transaction and
// become visible only when the enclosing Tx callback returns nil. Writes on
// the root Store commit immediately.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/obot-platform/buildbox/server/internal/model"
)

// Common errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db   *gorm.DB
	root *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db, root: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Tx runs fn inside a transaction. Every call made on the Store passed to fn
// is staged; the transaction commits if fn returns nil and rolls back
// otherwise. Nested calls use savepoints.
func (s *Store) Tx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, root: s.root})
	})
}

func now() time.Time {
	return time.Now().UTC()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

// --- Sandboxes ---

// CreateSandbox inserts a sandbox row. A second non-terminated sandbox for the
// same owner, or on the same port, violates a partial unique index and
// yields ErrAlreadyExists.
func (s *Store) CreateSandbox(ctx context.Context, sb *model.Sandbox) error {
	if err := s.db.WithContext(ctx).Create(sb).Error; err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *Store) GetSandboxByID(ctx context.Context, id string) (*model.Sandbox, error) {
	var sb model.Sandbox
	if err := s.db.WithContext(ctx).First(&sb, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &sb, nil
}

// GetSandboxByOwner returns the owner's non-terminated sandbox.
func (s *Store) GetSandboxByOwner(ctx context.Context, ownerUserID string) (*model.Sandbox, error) {
	var sb model.Sandbox
	err := s.db.WithContext(ctx).
		Where("owner_user_id = ? AND status <> ?", ownerUserID, model.SandboxStatusTerminated).
		Order("created_at DESC").
		First(&sb).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sb, nil
}

func (s *Store) SetSandboxStatus(ctx context.Context, id, status string) error {
	result := s.db.WithContext(ctx).Model(&model.Sandbox{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSandboxPort records or clears (port == nil) the sandbox's internal port.
func (s *Store) SetSandboxPort(ctx context.Context, id string, port *int) error {
	return s.db.WithContext(ctx).Model(&model.Sandbox{}).
		Where("id = ?", id).
		Update("internal_port", port).Error
}

// SetSandboxSession records the session that last used the sandbox.
func (s *Store) SetSandboxSession(ctx context.Context, id, sessionID string) error {
	return s.db.WithContext(ctx).Model(&model.Sandbox{}).
		Where("id = ?", id).
		Update("session_id", sessionID).Error
}

// SetSandboxUnit records the backend resource name.
func (s *Store) SetSandboxUnit(ctx context.Context, id, unitName string) error {
	return s.db.WithContext(ctx).Model(&model.Sandbox{}).
		Where("id = ?", id).
		Update("unit_name", unitName).Error
}

// TouchHeartbeat stamps last_heartbeat_at. It always goes through the root
// connection, so it commits immediately even when called on a Store that was
// handed out by Tx.
func (s *Store) TouchHeartbeat(ctx context.Context, id string) error {
	return s.root.WithContext(ctx).Model(&model.Sandbox{}).
		Where("id = ?", id).
		Update("last_heartbeat_at", now()).Error
}

// ListIdleSandboxes returns running or idle sandboxes whose last heartbeat
// (or creation time, if they never sent one) is older than threshold.
func (s *Store) ListIdleSandboxes(ctx context.Context, threshold time.Duration) ([]*model.Sandbox, error) {
	cutoff := now().Add(-threshold)
	var sandboxes []*model.Sandbox
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{model.SandboxStatusRunning, model.SandboxStatusIdle}).
		Where("COALESCE(last_heartbeat_at, created_at) < ?", cutoff).
		Order("created_at ASC").
		Find(&sandboxes).Error
	return sandboxes, err
}

// CountActiveSandboxes counts non-terminated sandboxes for a tenant.
func (s *Store) CountActiveSandboxes(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Sandbox{}).
		Where("tenant_id = ? AND status <> ?", tenantID, model.SandboxStatusTerminated).
		Count(&count).Error
	return count, err
}

// ListClaimedPorts returns the internal ports held by non-terminated sandboxes.
func (s *Store) ListClaimedPorts(ctx context.Context) ([]int, error) {
	var ports []int
	err := s.db.WithContext(ctx).Model(&model.Sandbox{}).
		Where("status <> ? AND internal_port IS NOT NULL", model.SandboxStatusTerminated).
		Pluck("internal_port", &ports).Error
	return ports, err
}

// --- Snapshots ---

func (s *Store) CreateSnapshot(ctx context.Context, snap *model.Snapshot) error {
	return s.db.WithContext(ctx).Create(snap).Error
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	var snap model.Snapshot
	if err := s.db.WithContext(ctx).First(&snap, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &snap, nil
}

// LatestSnapshot returns the most recently created snapshot for a session.
func (s *Store) LatestSnapshot(ctx context.Context, sessionID string) (*model.Snapshot, error) {
	var snap model.Snapshot
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND created_at IS NOT NULL", sessionID).
		Order("created_at DESC").
		Order("id DESC").
		First(&snap).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &snap, nil
}

// ListSnapshots returns a session's snapshots, newest first.
func (s *Store) ListSnapshots(ctx context.Context, sessionID string) ([]*model.Snapshot, error) {
	var snaps []*model.Snapshot
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&snaps).Error
	return snaps, err
}

// DeleteSnapshotsOlderThan removes snapshots created strictly before
// now - days and returns the removed rows so their blobs can be deleted.
// Rows without a creation time are never removed.
func (s *Store) DeleteSnapshotsOlderThan(ctx context.Context, days int) ([]*model.Snapshot, error) {
	cutoff := now().Add(-time.Duration(days) * 24 * time.Hour)
	var expired []*model.Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("created_at IS NOT NULL AND created_at < ?", cutoff).Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]string, 0, len(expired))
		for _, snap := range expired {
			ids = append(ids, snap.ID)
		}
		return tx.Where("id IN ?", ids).Delete(&model.Snapshot{}).Error
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// --- Sessions ---

func (s *Store) CreateSession(ctx context.Context, session *model.Session) error {
	return s.db.WithContext(ctx).Create(session).Error
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &session, nil
}

// DeleteSession removes a session and its snapshots, returning the removed
// snapshots so their blobs can be deleted.
func (s *Store) DeleteSession(ctx context.Context, id string) ([]*model.Snapshot, error) {
	var snaps []*model.Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Find(&snaps).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&model.Snapshot{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&model.Session{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}
