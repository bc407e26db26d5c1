package minion

import (
	"sync"
	"sync/atomic"

	pkgerrors "invoker/pkg/errors"
)

// Implementation is the backend-specific environment behind a Dominion.
type Implementation interface {
	ID() string
	Options() DominionOptions
	// Spawn starts a process. ref is a handle owned by the new child, which
	// must Close it once the process has exited.
	Spawn(ref *Dominion, opts ChildProcessOptions) (ChildProcess, error)
	// Teardown runs once, after the last handle is released.
	Teardown() error
}

type sharedDominion struct {
	impl Implementation
	refs atomic.Int64

	once        sync.Once
	teardownErr error
}

func (s *sharedDominion) release() error {
	if s.refs.Add(-1) > 0 {
		return nil
	}
	s.once.Do(func() {
		s.teardownErr = s.impl.Teardown()
	})
	return s.teardownErr
}

// Dominion is a reference-counted handle to an isolated environment.
// Each handle is released exactly once with Close; the environment is torn
// down when the last handle (including those held by running children) is
// released.
type Dominion struct {
	shared   *sharedDominion
	released atomic.Bool
}

// NewDominion wraps impl in its first handle.
func NewDominion(impl Implementation) *Dominion {
	shared := &sharedDominion{impl: impl}
	shared.refs.Store(1)
	return &Dominion{shared: shared}
}

// ID returns a stable identifier of the underlying environment.
func (d *Dominion) ID() string {
	return d.shared.impl.ID()
}

// Options returns the options the environment was created with.
func (d *Dominion) Options() DominionOptions {
	return d.shared.impl.Options()
}

// Clone returns a second, independently owned handle to the same environment.
func (d *Dominion) Clone() (*Dominion, error) {
	if d == nil || d.released.Load() {
		return nil, pkgerrors.New(pkgerrors.DominionAlreadyClosed)
	}
	d.shared.refs.Add(1)
	return &Dominion{shared: d.shared}, nil
}

// Close releases this handle.
func (d *Dominion) Close() error {
	if d == nil || !d.released.CompareAndSwap(false, true) {
		return pkgerrors.New(pkgerrors.DominionAlreadyClosed)
	}
	return d.shared.release()
}

// refs reports the live handle count; used by tests.
func (d *Dominion) refs() int64 {
	return d.shared.refs.Load()
}

// Implementation returns the backend-specific environment.
func (d *Dominion) Implementation() Implementation {
	return d.shared.impl
}

// SpawnInto validates and copies opts, then hands a fresh reference of the
// dominion to its implementation. The child owns that reference.
func SpawnInto(opts ChildProcessOptions) (ChildProcess, error) {
	if opts.Dominion == nil {
		return nil, pkgerrors.Newf(pkgerrors.SpawnFailed, "dominion is required")
	}
	if opts.Path == "" {
		return nil, pkgerrors.Newf(pkgerrors.SpawnFailed, "image path is required")
	}
	ref, err := opts.Dominion.Clone()
	if err != nil {
		return nil, err
	}
	copied := opts.clone()
	copied.Dominion = ref
	child, err := ref.shared.impl.Spawn(ref, copied)
	if err != nil {
		_ = ref.Close()
		return nil, err
	}
	return child, nil
}
