package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/obot-platform/buildbox/server/internal/agent"
	"github.com/obot-platform/buildbox/server/internal/config"
	"github.com/obot-platform/buildbox/server/internal/logger"
	"github.com/obot-platform/buildbox/server/internal/model"
	"github.com/obot-platform/buildbox/server/internal/portalloc"
	"github.com/obot-platform/buildbox/server/internal/store"
)

// DefaultTenant is used when a request carries no tenant.
const DefaultTenant = "public"

// Unit is a backend's compute resource for one sandbox.
type Unit interface {
	// Create builds the resource for sb and returns its name. The sandbox
	// row and its port are already committed with status provisioning.
	Create(ctx context.Context, sb *model.Sandbox, req ProvisionRequest) (string, error)

	// Destroy releases the compute resource of a terminated sandbox. Files
	// the backend keeps outside the unit are left in place.
	Destroy(ctx context.Context, sb *model.Sandbox) error

	// Discard cleans up after a failed Create, files included. It must
	// tolerate a partially built or missing unit.
	Discard(ctx context.Context, sb *model.Sandbox) error
}

// LifecycleConfig holds the settings shared by every backend.
type LifecycleConfig struct {
	Backend      string
	MaxPerTenant int

	// Agent is the template for agent turns. Start, SessionID and Logger
	// are filled in per turn.
	Agent agent.Options
}

// NewLifecycleConfig derives the shared settings from cfg.
func NewLifecycleConfig(backend string, cfg *config.Config) LifecycleConfig {
	return LifecycleConfig{
		Backend:      backend,
		MaxPerTenant: cfg.MaxConcurrentPerTenant,
		Agent: agent.Options{
			Command:           cfg.AgentCommand,
			Timeout:           cfg.AgentTimeout,
			KeepaliveInterval: cfg.KeepaliveInterval,
			GracePeriod:       cfg.AgentGracePeriod,
		},
	}
}

// portAllocator picks a free port given the ports already claimed.
type portAllocator interface {
	Allocate(ctx context.Context, claims portalloc.ClaimLister) (int, error)
}

// Lifecycle is the backend-independent part of a Manager: the sandbox
// record, its port, the tenant cap and agent turn bookkeeping. Backends embed
// it and supply a Unit.
type Lifecycle struct {
	store *store.Store
	ports portAllocator
	cfg   LifecycleConfig
	log   *logger.Logger

	owners keyedMutex
	turns  turnRegistry

	// agentSessions maps a build session to the agent's own session id so
	// later turns resume the same conversation.
	agentSessions sync.Map
}

// NewLifecycle creates the shared lifecycle.
func NewLifecycle(st *store.Store, ports *portalloc.Allocator, cfg LifecycleConfig, log *logger.Logger) *Lifecycle {
	if log == nil {
		log = logger.Nop()
	}
	return &Lifecycle{
		store: st,
		ports: ports,
		cfg:   cfg,
		log:   log.Component("sandbox").With("backend", cfg.Backend),
	}
}

// Store returns the record store.
func (l *Lifecycle) Store() *store.Store { return l.store }

// Logger returns the lifecycle's logger.
func (l *Lifecycle) Logger() *logger.Logger { return l.log }

// Provision returns the owner's live sandbox or creates one through unit.
//
// The sandbox row and its port are committed in a short transaction with
// status provisioning before the unit is built, so the database is not held
// while the backend works. If the build fails the unit is discarded and the
// row is marked terminated, which releases the port.
func (l *Lifecycle) Provision(ctx context.Context, req ProvisionRequest, unit Unit) (*Info, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if req.TenantID == "" {
		req.TenantID = DefaultTenant
	}

	unlock := l.owners.Lock(req.UserID)
	defer unlock()

	if sb, err := l.reuse(ctx, req, unit); err != nil || sb != nil {
		if err != nil {
			return nil, err
		}
		return InfoFromModel(sb), nil
	}

	if l.cfg.MaxPerTenant > 0 {
		count, err := l.store.CountActiveSandboxes(ctx, req.TenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to count sandboxes: %w", err)
		}
		if count >= int64(l.cfg.MaxPerTenant) {
			return nil, fmt.Errorf("%w: %d of %d in use", ErrResourceLimitExceeded, count, l.cfg.MaxPerTenant)
		}
	}

	sb, err := l.claim(ctx, req)
	if err != nil {
		if errors.Is(err, errOwnerTaken) {
			// Another process won the race for this owner.
			existing, gerr := l.store.GetSandboxByOwner(ctx, req.UserID)
			if gerr == nil {
				return InfoFromModel(existing), nil
			}
		}
		if errors.Is(err, ErrPortExhausted) {
			l.log.Warn("no preview port available", "owner", req.UserID, "error", err)
			return nil, err
		}
		l.log.Error("sandbox provisioning failed", "owner", req.UserID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	l.log.Info("provisioning sandbox", "sandbox_id", sb.ID, "owner", req.UserID, "port", *sb.InternalPort)
	name, err := unit.Create(ctx, sb, req)
	if err == nil {
		sb.UnitName = name
		err = l.store.Tx(ctx, func(tx *store.Store) error {
			if err := tx.SetSandboxUnit(ctx, sb.ID, name); err != nil {
				return err
			}
			return tx.SetSandboxStatus(ctx, sb.ID, model.SandboxStatusRunning)
		})
	}
	if err != nil {
		l.discard(context.WithoutCancel(ctx), sb, unit)
		l.log.Error("sandbox provisioning failed", "sandbox_id", sb.ID, "owner", req.UserID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}
	sb.Status = model.SandboxStatusRunning

	l.touch(ctx, sb.ID)
	l.log.Info("sandbox running", "sandbox_id", sb.ID, "unit", sb.UnitName)
	return InfoFromModel(sb), nil
}

// errOwnerTaken reports that another sandbox row already holds the owner.
var errOwnerTaken = errors.New("owner already has a sandbox")

// maxPortAttempts bounds how often claim retries after losing a port to a
// concurrent insert.
const maxPortAttempts = 5

// claim commits a provisioning row holding a free port. Losing the port to
// a concurrent insert triggers a fresh allocation.
func (l *Lifecycle) claim(ctx context.Context, req ProvisionRequest) (*model.Sandbox, error) {
	for attempt := 1; ; attempt++ {
		var sb *model.Sandbox
		err := l.store.Tx(ctx, func(tx *store.Store) error {
			port, err := l.ports.Allocate(ctx, tx)
			if err != nil {
				return err
			}
			sb = &model.Sandbox{
				OwnerUserID:  req.UserID,
				TenantID:     req.TenantID,
				Status:       model.SandboxStatusProvisioning,
				InternalPort: &port,
				Backend:      l.cfg.Backend,
			}
			if req.SessionID != "" {
				sb.SessionID = &req.SessionID
			}
			return tx.CreateSandbox(ctx, sb)
		})
		if err == nil {
			return sb, nil
		}
		if !errors.Is(err, store.ErrAlreadyExists) {
			return nil, err
		}

		// Both partial unique indexes report the same error, so the owner
		// index is checked directly.
		_, gerr := l.store.GetSandboxByOwner(ctx, req.UserID)
		switch {
		case gerr == nil:
			return nil, errOwnerTaken
		case !errors.Is(gerr, store.ErrNotFound):
			return nil, fmt.Errorf("failed to look up sandbox: %w", gerr)
		}
		if attempt == maxPortAttempts {
			return nil, fmt.Errorf("port %d: %w", *sb.InternalPort, err)
		}
		l.log.Debug("port claimed concurrently, reallocating", "port", *sb.InternalPort, "attempt", attempt)
	}
}

// reuse returns the owner's live sandbox, attached to req's session, or nil.
// Provisioning is serialized per owner, so a provisioning row seen here was
// left by a run that never finished; it is discarded.
func (l *Lifecycle) reuse(ctx context.Context, req ProvisionRequest, unit Unit) (*model.Sandbox, error) {
	sb, err := l.store.GetSandboxByOwner(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up sandbox: %w", err)
	}
	if sb.Status == model.SandboxStatusProvisioning {
		l.log.Warn("discarding unfinished sandbox", "sandbox_id", sb.ID, "owner", sb.OwnerUserID)
		l.discard(ctx, sb, unit)
		return nil, nil
	}
	if !sb.IsLive() {
		return nil, fmt.Errorf("%w: sandbox %s is %s", ErrProvisionFailed, sb.ID, sb.Status)
	}

	if req.SessionID != "" {
		if err := l.store.SetSandboxSession(ctx, sb.ID, req.SessionID); err != nil {
			return nil, fmt.Errorf("failed to attach session: %w", err)
		}
		sb.SessionID = &req.SessionID
	}
	if sb.Status == model.SandboxStatusIdle {
		if err := l.store.SetSandboxStatus(ctx, sb.ID, model.SandboxStatusRunning); err != nil {
			return nil, fmt.Errorf("failed to resume sandbox: %w", err)
		}
		sb.Status = model.SandboxStatusRunning
	}
	l.touch(ctx, sb.ID)
	return sb, nil
}

// discard removes what a failed provision left behind: the unit and its
// files, then the row's claim on the owner and the port.
func (l *Lifecycle) discard(ctx context.Context, sb *model.Sandbox, unit Unit) {
	if err := unit.Discard(ctx, sb); err != nil {
		l.log.Warn("cleanup after failed provision", "sandbox_id", sb.ID, "error", err)
	}
	if err := l.release(ctx, sb.ID); err != nil {
		l.log.Error("failed to release sandbox after failed provision", "sandbox_id", sb.ID, "error", err)
	}
}

// release marks the row terminated and frees its port.
func (l *Lifecycle) release(ctx context.Context, sandboxID string) error {
	return l.store.Tx(ctx, func(tx *store.Store) error {
		if err := tx.SetSandboxStatus(ctx, sandboxID, model.SandboxStatusTerminated); err != nil {
			return err
		}
		return tx.SetSandboxPort(ctx, sandboxID, nil)
	})
}

// Terminate destroys the unit and marks the record terminated. It is a
// no-op for an already terminated sandbox.
func (l *Lifecycle) Terminate(ctx context.Context, sandboxID string, unit Unit) error {
	sb, err := l.Lookup(ctx, sandboxID)
	if err != nil {
		return err
	}

	unlock := l.owners.Lock(sb.OwnerUserID)
	defer unlock()

	// Re-read under the owner lock; a concurrent Terminate may have won.
	if sb, err = l.Lookup(ctx, sandboxID); err != nil {
		return err
	}
	if sb.Status == model.SandboxStatusTerminated {
		return nil
	}
	return l.terminate(ctx, sb, unit)
}

// TerminateIfIdle terminates the sandbox only if, checked under the owner
// lock, it is still running or idle, has no agent turn in flight and has not
// heartbeated for idleFor. It reports whether the sandbox was terminated.
// A sandbox found active again is set back to running.
func (l *Lifecycle) TerminateIfIdle(ctx context.Context, sandboxID string, idleFor time.Duration, unit Unit) (bool, error) {
	sb, err := l.Lookup(ctx, sandboxID)
	if err != nil {
		return false, err
	}

	unlock := l.owners.Lock(sb.OwnerUserID)
	defer unlock()

	if sb, err = l.Lookup(ctx, sandboxID); err != nil {
		return false, err
	}
	if !sb.IsLive() {
		return false, nil
	}
	if l.turns.active(sb.ID) > 0 || !stale(sb, idleFor) {
		if sb.Status == model.SandboxStatusIdle {
			if err := l.store.SetSandboxStatus(ctx, sb.ID, model.SandboxStatusRunning); err != nil {
				l.log.Warn("failed to resume sandbox", "sandbox_id", sb.ID, "error", err)
			}
		}
		l.log.Info("sandbox active again, not terminating", "sandbox_id", sb.ID)
		return false, nil
	}
	if err := l.terminate(ctx, sb, unit); err != nil {
		return false, err
	}
	return true, nil
}

// stale reports whether sb's last heartbeat, or its creation if it never
// sent one, is older than idleFor.
func stale(sb *model.Sandbox, idleFor time.Duration) bool {
	last := sb.CreatedAt
	if sb.LastHeartbeatAt != nil {
		last = *sb.LastHeartbeatAt
	}
	return time.Since(last) >= idleFor
}

// terminate runs with the owner lock held.
func (l *Lifecycle) terminate(ctx context.Context, sb *model.Sandbox, unit Unit) error {
	if n := l.turns.cancel(sb.ID); n > 0 {
		l.log.Info("cancelled agent turns for terminating sandbox", "sandbox_id", sb.ID, "turns", n)
	}
	if err := unit.Destroy(ctx, sb); err != nil {
		return fmt.Errorf("failed to destroy sandbox %s: %w", sb.ID, err)
	}
	if err := l.release(ctx, sb.ID); err != nil {
		return fmt.Errorf("failed to mark sandbox terminated: %w", err)
	}
	l.log.Info("sandbox terminated", "sandbox_id", sb.ID)
	return nil
}

// Lookup returns the sandbox record.
func (l *Lifecycle) Lookup(ctx context.Context, sandboxID string) (*model.Sandbox, error) {
	sb, err := l.store.GetSandboxByID(ctx, sandboxID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sandboxID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up sandbox: %w", err)
	}
	return sb, nil
}

// LookupLive returns the sandbox record if it holds a compute resource.
func (l *Lifecycle) LookupLive(ctx context.Context, sandboxID string) (*model.Sandbox, error) {
	sb, err := l.Lookup(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if !sb.IsLive() {
		return nil, fmt.Errorf("%w: sandbox %s is %s", ErrNotRunning, sb.ID, sb.Status)
	}
	return sb, nil
}

// GetInfo returns the sandbox record as Info.
func (l *Lifecycle) GetInfo(ctx context.Context, sandboxID string) (*Info, error) {
	sb, err := l.Lookup(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	return InfoFromModel(sb), nil
}

// Heartbeat records activity on a live sandbox.
func (l *Lifecycle) Heartbeat(ctx context.Context, sandboxID string) error {
	if _, err := l.LookupLive(ctx, sandboxID); err != nil {
		return err
	}
	if err := l.store.TouchHeartbeat(ctx, sandboxID); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// touch refreshes the heartbeat. Failures are logged, not returned.
func (l *Lifecycle) touch(ctx context.Context, sandboxID string) {
	if err := l.store.TouchHeartbeat(ctx, sandboxID); err != nil {
		l.log.Warn("failed to record heartbeat", "sandbox_id", sandboxID, "error", err)
	}
}

// Touch refreshes the heartbeat of a sandbox known to be alive.
func (l *Lifecycle) Touch(ctx context.Context, sandboxID string) {
	l.touch(ctx, sandboxID)
}

// RunTurn runs one agent turn on sb. When the agent no longer knows the
// session it was asked to resume, the turn is retried once in a new agent
// session. Keepalives refresh the heartbeat so a long turn is not reaped.
func (l *Lifecycle) RunTurn(ctx context.Context, sb *model.Sandbox, sessionID, message string, start agent.Starter, emit func(agent.Event) error) error {
	ctx, done := l.turns.begin(ctx, sb.ID)
	defer done()

	if sessionID != "" {
		if err := l.store.SetSandboxSession(ctx, sb.ID, sessionID); err != nil {
			l.log.Warn("failed to attach session", "sandbox_id", sb.ID, "session_id", sessionID, "error", err)
		}
	}
	l.touch(ctx, sb.ID)
	defer l.touch(context.WithoutCancel(ctx), sb.ID)

	forward := func(ev agent.Event) error {
		if ev.Type == agent.EventKeepalive {
			l.touch(ctx, sb.ID)
		}
		return emit(ev)
	}

	opts := l.cfg.Agent
	opts.Start = start
	opts.Logger = l.log.With("sandbox_id", sb.ID, "session_id", sessionID)
	opts.SessionID = l.agentSession(sessionID)

	client := agent.NewRunClient(opts)
	err := client.Run(ctx, message, forward)
	if errors.Is(err, agent.ErrSessionNotFound) && opts.SessionID != "" {
		l.log.Info("agent session expired, starting a new one", "session_id", sessionID, "agent_session", opts.SessionID)
		l.agentSessions.Delete(sessionID)
		opts.SessionID = ""
		client = agent.NewRunClient(opts)
		err = client.Run(ctx, message, forward)
	}
	if id := client.SessionID(); id != "" && sessionID != "" {
		l.agentSessions.Store(sessionID, id)
	}
	return err
}

func (l *Lifecycle) agentSession(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	if v, ok := l.agentSessions.Load(sessionID); ok {
		return v.(string)
	}
	return ""
}

// CancelAgent stops in-flight turns on the sandbox.
func (l *Lifecycle) CancelAgent(ctx context.Context, sandboxID string) error {
	if _, err := l.Lookup(ctx, sandboxID); err != nil {
		return err
	}
	if n := l.turns.cancel(sandboxID); n > 0 {
		l.log.Info("cancelled agent turn", "sandbox_id", sandboxID, "turns", n)
	}
	return nil
}

// ActiveTurns reports the number of agent turns running on the sandbox.
func (l *Lifecycle) ActiveTurns(sandboxID string) int {
	return l.turns.active(sandboxID)
}

// RecordSnapshot stores the snapshot row.
func (l *Lifecycle) RecordSnapshot(ctx context.Context, snap *model.Snapshot) (*SnapshotInfo, error) {
	if err := l.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to record snapshot: %w", err)
	}
	return SnapshotFromModel(snap), nil
}

// SnapshotSource returns the snapshot to restore for req, or nil.
func (l *Lifecycle) SnapshotSource(ctx context.Context, req ProvisionRequest) (*model.Snapshot, error) {
	if req.SnapshotID == "" {
		return nil, nil
	}
	snap, err := l.store.GetSnapshot(ctx, req.SnapshotID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, req.SnapshotID)
	}
	if err != nil {
		return nil, err
	}
	if req.SessionID != "" && snap.SessionID != req.SessionID {
		return nil, fmt.Errorf("%w: snapshot %s belongs to another session", ErrInvalidRequest, snap.ID)
	}
	return snap, nil
}
