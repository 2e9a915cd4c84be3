package reaper

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/obot-platform/buildbox/server/internal/config"
	"github.com/obot-platform/buildbox/server/internal/model"
	"github.com/obot-platform/buildbox/server/internal/sandbox"
	"github.com/obot-platform/buildbox/server/internal/sandbox/mock"
	"github.com/obot-platform/buildbox/server/internal/snapshot"
	"github.com/obot-platform/buildbox/server/internal/store"
	"github.com/obot-platform/buildbox/server/internal/store/storetest"
)

type testEnv struct {
	store  *store.Store
	mgr    *mock.Manager
	blobs  *snapshot.FileStore
	reaper *Reaper

	nextPort int
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	st := storetest.New(t)
	blobs, err := snapshot.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mgr := mock.NewManager()
	r := New(st, func() (sandbox.Manager, error) { return mgr, nil }, blobs, opts, nil)
	return &testEnv{store: st, mgr: mgr, blobs: blobs, reaper: r}
}

// addSandbox creates a sandbox whose last heartbeat was age ago.
func (e *testEnv) addSandbox(t *testing.T, owner, status string, age time.Duration) *model.Sandbox {
	t.Helper()
	ctx := context.Background()
	e.nextPort++
	port := 4000 + e.nextPort
	sb := &model.Sandbox{OwnerUserID: owner, TenantID: "public", Status: status, InternalPort: &port, Backend: "mock"}
	if err := e.store.CreateSandbox(ctx, sb); err != nil {
		t.Fatal(err)
	}
	heartbeat := time.Now().UTC().Add(-age)
	if err := e.store.DB().Model(&model.Sandbox{}).Where("id = ?", sb.ID).Update("last_heartbeat_at", heartbeat).Error; err != nil {
		t.Fatal(err)
	}
	e.mgr.Add(&sandbox.Info{ID: sb.ID, OwnerUserID: owner, TenantID: "public", Status: status, Port: &port, LastHeartbeatAt: &heartbeat, CreatedAt: sb.CreatedAt})
	return sb
}

func (e *testEnv) status(t *testing.T, id string) string {
	t.Helper()
	sb, err := e.store.GetSandboxByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return sb.Status
}

func TestSweepIdle(t *testing.T) {
	env := newTestEnv(t, Options{IdleTimeout: 10 * time.Minute})
	stale := env.addSandbox(t, "stale", model.SandboxStatusRunning, time.Hour)
	fresh := env.addSandbox(t, "fresh", model.SandboxStatusRunning, time.Minute)
	gone := env.addSandbox(t, "gone", model.SandboxStatusTerminated, time.Hour)

	n, err := env.reaper.SweepIdle(context.Background())
	if err != nil {
		t.Fatalf("SweepIdle() error = %v", err)
	}
	if n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}

	calls := env.mgr.Calls()
	for _, want := range []string{"CreateSnapshot:" + stale.ID, "Terminate:" + stale.ID} {
		if !slices.Contains(calls, want) {
			t.Errorf("calls = %v, missing %s", calls, want)
		}
	}
	if i, j := slices.Index(calls, "CreateSnapshot:"+stale.ID), slices.Index(calls, "Terminate:"+stale.ID); i > j {
		t.Errorf("snapshot taken after terminate: %v", calls)
	}
	for _, id := range []string{fresh.ID, gone.ID} {
		if slices.Contains(calls, "Terminate:"+id) {
			t.Errorf("sandbox %s terminated, want untouched", id)
		}
	}
	if got := env.status(t, stale.ID); got != model.SandboxStatusIdle {
		t.Errorf("status = %s, want %s", got, model.SandboxStatusIdle)
	}
}

func TestSweepIdle_SnapshotFailureStillTerminates(t *testing.T) {
	env := newTestEnv(t, Options{IdleTimeout: time.Minute})
	sb := env.addSandbox(t, "u1", model.SandboxStatusRunning, time.Hour)
	env.mgr.CreateSnapshotFunc = func(context.Context, string) (*sandbox.SnapshotInfo, error) {
		return nil, errors.New("disk full")
	}

	n, err := env.reaper.SweepIdle(context.Background())
	if err != nil {
		t.Fatalf("SweepIdle() error = %v", err)
	}
	if n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}
	info, err := env.mgr.GetInfo(context.Background(), sb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status != model.SandboxStatusTerminated {
		t.Errorf("status = %s, want terminated", info.Status)
	}
}

func TestSweepIdle_SkipsActiveTurns(t *testing.T) {
	env := newTestEnv(t, Options{IdleTimeout: time.Minute})
	sb := env.addSandbox(t, "u1", model.SandboxStatusRunning, time.Hour)
	env.mgr.SetActiveTurns(sb.ID, 1)

	n, err := env.reaper.SweepIdle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("reaped = %d, want 0", n)
	}
	if got := env.status(t, sb.ID); got != model.SandboxStatusRunning {
		t.Errorf("status = %s, want running", got)
	}
	if calls := env.mgr.Calls(); len(calls) != 0 {
		t.Errorf("calls = %v, want none", calls)
	}
}

func TestSweepIdle_OwnerReturnsDuringSnapshot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{IdleTimeout: time.Minute})
	sb := env.addSandbox(t, "u1", model.SandboxStatusRunning, time.Hour)
	env.mgr.CreateSnapshotFunc = func(ctx context.Context, id string) (*sandbox.SnapshotInfo, error) {
		if err := env.mgr.Heartbeat(ctx, id); err != nil {
			t.Errorf("Heartbeat() error = %v", err)
		}
		return nil, nil
	}

	n, err := env.reaper.SweepIdle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("reaped = %d, want 0", n)
	}
	calls := env.mgr.Calls()
	if slices.Contains(calls, "Terminate:"+sb.ID) {
		t.Errorf("sandbox terminated after its owner came back: %v", calls)
	}
	i, j := slices.Index(calls, "CreateSnapshot:"+sb.ID), slices.Index(calls, "TerminateIfIdle:"+sb.ID)
	if i < 0 || j < i {
		t.Errorf("idleness not re-checked after the snapshot: %v", calls)
	}
	info, err := env.mgr.GetInfo(ctx, sb.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Status == model.SandboxStatusTerminated {
		t.Error("status = terminated, want live")
	}
}

func TestSweepIdle_PassesIdleTimeout(t *testing.T) {
	env := newTestEnv(t, Options{IdleTimeout: 7 * time.Minute})
	env.addSandbox(t, "u1", model.SandboxStatusRunning, time.Hour)

	var got time.Duration
	env.mgr.TerminateIfIdleFunc = func(_ context.Context, _ string, idleFor time.Duration) (bool, error) {
		got = idleFor
		return true, nil
	}
	if _, err := env.reaper.SweepIdle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got != 7*time.Minute {
		t.Errorf("TerminateIfIdle() idleFor = %s, want 7m", got)
	}
}

func TestSweepIdle_ContinuesAfterFailure(t *testing.T) {
	env := newTestEnv(t, Options{IdleTimeout: time.Minute})
	first := env.addSandbox(t, "u1", model.SandboxStatusRunning, 2*time.Hour)
	second := env.addSandbox(t, "u2", model.SandboxStatusIdle, time.Hour)

	var terminated []string
	env.mgr.TerminateFunc = func(_ context.Context, id string) error {
		if id == first.ID {
			return errors.New("unit stuck")
		}
		terminated = append(terminated, id)
		return nil
	}

	n, err := env.reaper.SweepIdle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}
	if !slices.Equal(terminated, []string{second.ID}) {
		t.Errorf("terminated = %v, want [%s]", terminated, second.ID)
	}
}

func TestSweepIdle_ManagerUnavailable(t *testing.T) {
	env := newTestEnv(t, Options{IdleTimeout: time.Minute})
	env.reaper.manager = func() (sandbox.Manager, error) { return nil, sandbox.ErrNoBuilder }

	if _, err := env.reaper.SweepIdle(context.Background()); err != nil {
		t.Errorf("SweepIdle() with nothing idle error = %v, want nil", err)
	}

	env.addSandbox(t, "u1", model.SandboxStatusRunning, time.Hour)
	if _, err := env.reaper.SweepIdle(context.Background()); !errors.Is(err, sandbox.ErrNoBuilder) {
		t.Errorf("SweepIdle() error = %v, want ErrNoBuilder", err)
	}
}

func TestSweepRetention(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{RetentionEnabled: true, RetentionDays: 7})

	session := &model.Session{UserID: "u1", TenantID: "public"}
	if err := env.store.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}

	addSnapshot := func(age time.Duration, withBlob bool) *model.Snapshot {
		t.Helper()
		created := time.Now().UTC().Add(-age)
		snap := &model.Snapshot{ID: "snap-" + strings.ReplaceAll(age.String(), ".", ""), SessionID: session.ID, CreatedAt: &created}
		snap.StoragePath = snapshot.StoragePath("public", session.ID, snap.ID)
		if withBlob {
			if _, err := env.blobs.Put(ctx, snap.StoragePath, strings.NewReader("archive")); err != nil {
				t.Fatal(err)
			}
		}
		if err := env.store.CreateSnapshot(ctx, snap); err != nil {
			t.Fatal(err)
		}
		return snap
	}

	expired := addSnapshot(10*24*time.Hour, true)
	orphan := addSnapshot(8*24*time.Hour, false)
	recent := addSnapshot(24*time.Hour, true)

	n, err := env.reaper.SweepRetention(ctx)
	if err != nil {
		t.Fatalf("SweepRetention() error = %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}

	for _, snap := range []*model.Snapshot{expired, orphan} {
		if _, err := env.store.GetSnapshot(ctx, snap.ID); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("snapshot %s still present: %v", snap.ID, err)
		}
	}
	if _, err := env.blobs.Open(ctx, expired.StoragePath); !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("expired blob still present: %v", err)
	}

	if _, err := env.store.GetSnapshot(ctx, recent.ID); err != nil {
		t.Errorf("recent snapshot removed: %v", err)
	}
	rc, err := env.blobs.Open(ctx, recent.StoragePath)
	if err != nil {
		t.Fatalf("recent blob removed: %v", err)
	}
	_ = rc.Close()
}

func TestSweepRetention_Disabled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{RetentionEnabled: false, RetentionDays: 1})

	session := &model.Session{UserID: "u1", TenantID: "public"}
	if err := env.store.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	created := time.Now().UTC().AddDate(0, 0, -30)
	snap := &model.Snapshot{SessionID: session.ID, StoragePath: "sandbox-snapshots/x.tar.zst", CreatedAt: &created}
	if err := env.store.CreateSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}

	n, err := env.reaper.SweepRetention(ctx)
	if err != nil || n != 0 {
		t.Errorf("SweepRetention() = %d, %v, want 0, nil", n, err)
	}
	if _, err := env.store.GetSnapshot(ctx, snap.ID); err != nil {
		t.Errorf("snapshot removed while retention disabled: %v", err)
	}
}

func TestReaper_StartShutdown(t *testing.T) {
	env := newTestEnv(t, Options{IdleTimeout: time.Minute, Interval: 10 * time.Millisecond})
	sb := env.addSandbox(t, "u1", model.SandboxStatusRunning, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.reaper.Start(ctx)
	env.reaper.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for !slices.Contains(env.mgr.Calls(), "Terminate:"+sb.ID) {
		if time.Now().After(deadline) {
			t.Fatal("idle sandbox was not reaped")
		}
		time.Sleep(10 * time.Millisecond)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := env.reaper.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := env.reaper.Shutdown(shutdownCtx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	env := newTestEnv(t, Options{})
	if got := env.reaper.Options(); got.IdleTimeout != 30*time.Minute || got.Interval != 5*time.Minute || got.RetentionInterval != time.Hour {
		t.Errorf("defaults = %+v", got)
	}
}

func TestReconfigure(t *testing.T) {
	env := newTestEnv(t, Options{IdleTimeout: time.Hour, Interval: time.Minute, RetentionDays: 30, RetentionEnabled: true})
	env.reaper.Reconfigure(&config.Config{
		SandboxBackend:        config.BackendCluster,
		IdleTimeout:           5 * time.Minute,
		ReaperInterval:        time.Second,
		SnapshotRetentionDays: 3,
	})

	got := env.reaper.Options()
	if got.IdleTimeout != 5*time.Minute || got.RetentionDays != 3 {
		t.Errorf("after Reconfigure = %+v", got)
	}
	if got.Interval != time.Minute || !got.RetentionEnabled {
		t.Errorf("Reconfigure changed loop settings: %+v", got)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	tests := []struct {
		backend string
		want    bool
	}{
		{config.BackendLocal, false},
		{config.BackendCluster, true},
	}
	for _, tt := range tests {
		opts := OptionsFromConfig(&config.Config{SandboxBackend: tt.backend, SnapshotRetentionDays: 30})
		if opts.RetentionEnabled != tt.want {
			t.Errorf("%s: RetentionEnabled = %v, want %v", tt.backend, opts.RetentionEnabled, tt.want)
		}
	}
}
