// Package reaper terminates sandboxes that stopped heartbeating and prunes
// expired snapshots.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/obot-platform/buildbox/server/internal/config"
	"github.com/obot-platform/buildbox/server/internal/logger"
	"github.com/obot-platform/buildbox/server/internal/model"
	"github.com/obot-platform/buildbox/server/internal/sandbox"
	"github.com/obot-platform/buildbox/server/internal/snapshot"
	"github.com/obot-platform/buildbox/server/internal/store"
)

// Options configures a Reaper.
type Options struct {
	// IdleTimeout is how long a sandbox may go without a heartbeat.
	IdleTimeout time.Duration
	// Interval is the idle sweep cadence.
	Interval time.Duration

	RetentionInterval time.Duration
	RetentionDays     int
	// RetentionEnabled is false for backends whose snapshots are a no-op.
	RetentionEnabled bool
}

// OptionsFromConfig derives Options from cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		IdleTimeout:       cfg.IdleTimeout,
		Interval:          cfg.ReaperInterval,
		RetentionInterval: cfg.RetentionInterval,
		RetentionDays:     cfg.SnapshotRetentionDays,
		RetentionEnabled:  cfg.SandboxBackend != config.BackendLocal,
	}
}

// Reaper runs the idle and retention sweeps in the background.
type Reaper struct {
	store   *store.Store
	manager func() (sandbox.Manager, error)
	blobs   snapshot.BlobStore
	log     *logger.Logger

	optsMu sync.RWMutex
	opts   Options

	mu           sync.Mutex
	running      bool
	stopChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New creates a Reaper. manager is resolved on every sweep so that the
// reaper can be started before the backend is first used.
func New(st *store.Store, manager func() (sandbox.Manager, error), blobs snapshot.BlobStore, opts Options, log *logger.Logger) *Reaper {
	if log == nil {
		log = logger.Nop()
	}
	return &Reaper{
		store:    st,
		manager:  manager,
		blobs:    blobs,
		log:      log.Component("reaper"),
		opts:     withDefaults(opts),
		stopChan: make(chan struct{}),
	}
}

func withDefaults(opts Options) Options {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.RetentionInterval <= 0 {
		opts.RetentionInterval = time.Hour
	}
	return opts
}

// Options returns the current settings.
func (r *Reaper) Options() Options {
	r.optsMu.RLock()
	defer r.optsMu.RUnlock()
	return r.opts
}

// Reconfigure applies new thresholds. Sweep intervals take effect on the
// next Start.
func (r *Reaper) Reconfigure(cfg *config.Config) {
	next := OptionsFromConfig(cfg)
	r.optsMu.Lock()
	r.opts.IdleTimeout = withDefaults(next).IdleTimeout
	r.opts.RetentionDays = next.RetentionDays
	r.optsMu.Unlock()
	r.log.Info("reaper reconfigured", "idle_timeout", next.IdleTimeout, "retention_days", next.RetentionDays)
}

// Start begins both sweep loops.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	opts := r.Options()
	r.wg.Add(1)
	go r.loop(ctx, opts.Interval, "idle", r.SweepIdle)
	if opts.RetentionEnabled {
		r.wg.Add(1)
		go r.loop(ctx, opts.RetentionInterval, "retention", r.SweepRetention)
	}

	r.log.Info("reaper started",
		"idle_timeout", opts.IdleTimeout,
		"interval", opts.Interval,
		"retention_enabled", opts.RetentionEnabled,
		"retention_days", opts.RetentionDays)
}

// Shutdown stops the sweep loops, waiting for an in-progress sweep until ctx
// is done.
func (r *Reaper) Shutdown(ctx context.Context) error {
	var err error
	r.shutdownOnce.Do(func() {
		r.log.Info("shutting down reaper")
		close(r.stopChan)

		done := make(chan struct{})
		go func() {
			r.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			r.log.Info("reaper shutdown complete")
		case <-ctx.Done():
			err = fmt.Errorf("shutdown timeout exceeded")
			r.log.Error("reaper shutdown timeout")
		}
	})
	return err
}

func (r *Reaper) loop(ctx context.Context, interval time.Duration, name string, sweep func(context.Context) (int, error)) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if _, err := sweep(ctx); err != nil {
				r.log.Error("sweep failed", "sweep", name, "error", err)
			}
		}
	}
}

// SweepIdle snapshots and terminates every sandbox whose heartbeat is older
// than the idle timeout. Sandboxes with a running agent turn are skipped.
// It returns the number of sandboxes terminated.
func (r *Reaper) SweepIdle(ctx context.Context) (int, error) {
	opts := r.Options()
	idle, err := r.store.ListIdleSandboxes(ctx, opts.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle sandboxes: %w", err)
	}
	if len(idle) == 0 {
		return 0, nil
	}

	mgr, err := r.manager()
	if err != nil {
		return 0, fmt.Errorf("failed to get sandbox manager: %w", err)
	}

	r.log.Debug("checking idle sandboxes", "count", len(idle))
	reaped := 0
	for _, sb := range idle {
		if r.reap(ctx, mgr, sb, opts.IdleTimeout) {
			reaped++
		}
	}
	if reaped > 0 {
		r.log.Info("terminated idle sandboxes", "count", reaped)
	}
	return reaped, nil
}

func (r *Reaper) reap(ctx context.Context, mgr sandbox.Manager, sb *model.Sandbox, idleFor time.Duration) bool {
	log := r.log.With("sandbox_id", sb.ID, "owner_user_id", sb.OwnerUserID)

	if n := mgr.ActiveTurns(sb.ID); n > 0 {
		log.Debug("sandbox idle but agent turn in progress, skipping", "turns", n)
		return false
	}

	if sb.Status != model.SandboxStatusIdle {
		if err := r.store.SetSandboxStatus(ctx, sb.ID, model.SandboxStatusIdle); err != nil {
			log.Warn("failed to mark sandbox idle", "error", err)
		}
	}

	snap, err := mgr.CreateSnapshot(ctx, sb.ID)
	switch {
	case err != nil:
		log.Warn("snapshot before termination failed", "error", err)
	case snap != nil:
		log.Info("snapshot taken before termination", "snapshot_id", snap.ID, "size_bytes", snap.SizeBytes)
	}

	// The owner may have come back while the snapshot ran.
	terminated, err := mgr.TerminateIfIdle(ctx, sb.ID, idleFor)
	if err != nil {
		log.Error("failed to terminate idle sandbox", "error", err)
		return false
	}
	if !terminated {
		log.Info("sandbox became active, keeping it")
		return false
	}
	log.Info("idle sandbox terminated", "last_heartbeat_at", sb.LastHeartbeatAt)
	return true
}

// SweepRetention deletes snapshots older than the retention window along
// with their blobs. It returns the number of snapshot rows removed.
func (r *Reaper) SweepRetention(ctx context.Context) (int, error) {
	opts := r.Options()
	if !opts.RetentionEnabled || opts.RetentionDays <= 0 {
		return 0, nil
	}

	expired, err := r.store.DeleteSnapshotsOlderThan(ctx, opts.RetentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired snapshots: %w", err)
	}
	for _, snap := range expired {
		if err := r.blobs.Delete(ctx, snap.StoragePath); err != nil && !errors.Is(err, snapshot.ErrNotFound) {
			r.log.Warn("failed to delete snapshot blob", "snapshot_id", snap.ID, "path", snap.StoragePath, "error", err)
		}
	}
	if len(expired) > 0 {
		r.log.Info("pruned expired snapshots", "count", len(expired), "retention_days", opts.RetentionDays)
	}
	return len(expired), nil
}
