package sandbox

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNoBuilder is returned by Default when no builder was registered.
var ErrNoBuilder = errors.New("sandbox manager builder not configured")

// Factory builds a Manager on first use and returns the same instance
// afterwards. A failed build is not cached.
type Factory struct {
	mu      sync.Mutex
	build   func() (Manager, error)
	current atomic.Pointer[Manager]
}

// NewFactory returns a Factory that calls build at most once successfully.
func NewFactory(build func() (Manager, error)) *Factory {
	return &Factory{build: build}
}

// Get returns the Manager, building it if needed.
func (f *Factory) Get() (Manager, error) {
	if m := f.current.Load(); m != nil {
		return *m, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.current.Load(); m != nil {
		return *m, nil
	}
	if f.build == nil {
		return nil, ErrNoBuilder
	}
	m, err := f.build()
	if err != nil {
		return nil, err
	}
	f.current.Store(&m)
	return m, nil
}

// SetBuilder replaces the builder and drops any cached Manager.
func (f *Factory) SetBuilder(build func() (Manager, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.build = build
	f.current.Store(nil)
}

var defaultFactory = NewFactory(nil)

// SetDefaultBuilder configures the process-wide Manager.
func SetDefaultBuilder(build func() (Manager, error)) {
	defaultFactory.SetBuilder(build)
}

// Default returns the process-wide Manager.
func Default() (Manager, error) {
	return defaultFactory.Get()
}
