package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/obot-platform/buildbox/server/internal/config"
	"github.com/obot-platform/buildbox/server/internal/logger"
	"github.com/obot-platform/buildbox/server/internal/portalloc"
	"github.com/obot-platform/buildbox/server/internal/sandbox"
	"github.com/obot-platform/buildbox/server/internal/sandbox/cluster"
	"github.com/obot-platform/buildbox/server/internal/sandbox/cluster/docker"
	"github.com/obot-platform/buildbox/server/internal/sandbox/cluster/kube"
	"github.com/obot-platform/buildbox/server/internal/sandbox/local"
	"github.com/obot-platform/buildbox/server/internal/snapshot"
	"github.com/obot-platform/buildbox/server/internal/store"
)

// backend builds the configured sandbox manager and remembers what must be
// released on shutdown.
type backend struct {
	cfg   *config.Config
	store *store.Store
	ports *portalloc.Allocator
	blobs snapshot.BlobStore
	log   *logger.Logger

	mu      sync.Mutex
	closers []func(context.Context) error
}

func (b *backend) onClose(fn func(context.Context) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closers = append(b.closers, fn)
}

// build is the factory builder. It runs once, on first use.
func (b *backend) build() (sandbox.Manager, error) {
	lc := sandbox.NewLifecycleConfig(b.cfg.SandboxBackend, b.cfg)

	switch b.cfg.SandboxBackend {
	case config.BackendLocal:
		m, err := local.New(local.OptionsFromConfig(b.cfg), lc, b.store, b.ports, b.blobs, b.log)
		if err != nil {
			return nil, err
		}
		b.onClose(m.Shutdown)
		return m, nil

	case config.BackendCluster:
		rt, err := b.runtime()
		if err != nil {
			return nil, err
		}
		m, err := cluster.New(cluster.OptionsFromConfig(b.cfg), lc, rt, b.store, b.ports, b.blobs, b.log)
		if err != nil {
			return nil, err
		}
		b.log.Info("sandbox backend initialized", "backend", config.BackendCluster, "runtime", rt.Name())
		return m, nil

	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", b.cfg.SandboxBackend)
	}
}

func (b *backend) runtime() (cluster.Runtime, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch b.cfg.ClusterRuntime {
	case config.RuntimeDocker:
		rt, err := docker.New(ctx, docker.OptionsFromConfig(b.cfg), b.log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize docker runtime: %w", err)
		}
		b.onClose(func(context.Context) error { return rt.Close() })
		return rt, nil
	case config.RuntimeKubernetes:
		rt, err := kube.New(ctx, kube.OptionsFromConfig(b.cfg), b.log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize kubernetes runtime: %w", err)
		}
		return rt, nil
	default:
		return nil, fmt.Errorf("unknown cluster runtime %q", b.cfg.ClusterRuntime)
	}
}

// close releases backend resources in reverse order of creation.
func (b *backend) close(ctx context.Context) error {
	b.mu.Lock()
	closers := b.closers
	b.closers = nil
	b.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
