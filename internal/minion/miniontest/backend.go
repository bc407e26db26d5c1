// Package miniontest provides a scripted in-memory sandbox backend.
package miniontest

import (
	"fmt"
	"sync"
	"time"

	"invoker/internal/minion"
)

// Behavior scripts what a spawned image does.
type Behavior struct {
	ExitCode int
	// Hang keeps the process running until it is killed.
	Hang bool
}

// Backend records every call and plays back Behaviors keyed by image path.
// Unknown images exit 0.
type Backend struct {
	Behaviors      map[string]Behavior
	NewDominionErr error
	SpawnErr       error

	mu        sync.Mutex
	dominions []minion.DominionOptions
	spawns    []minion.ChildProcessOptions
	kills     int
	teardowns int
	nextPid   int
}

// New returns a backend with the given behaviors.
func New(behaviors map[string]Behavior) *Backend {
	return &Backend{Behaviors: behaviors}
}

func (b *Backend) NewDominion(opts minion.DominionOptions) (*minion.Dominion, error) {
	if b.NewDominionErr != nil {
		return nil, b.NewDominionErr
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.dominions = append(b.dominions, opts)
	id := len(b.dominions)
	b.mu.Unlock()
	return minion.NewDominion(&dominion{backend: b, id: fmt.Sprintf("fake-%d", id), opts: opts}), nil
}

func (b *Backend) Spawn(opts minion.ChildProcessOptions) (minion.ChildProcess, error) {
	if b.SpawnErr != nil {
		return nil, b.SpawnErr
	}
	return minion.SpawnInto(opts)
}

// Spawns returns the options of every spawned process, in order.
func (b *Backend) Spawns() []minion.ChildProcessOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]minion.ChildProcessOptions, len(b.spawns))
	copy(out, b.spawns)
	return out
}

// Dominions returns the options of every created dominion.
func (b *Backend) Dominions() []minion.DominionOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]minion.DominionOptions, len(b.dominions))
	copy(out, b.dominions)
	return out
}

// Kills reports how many Kill calls reached a running process.
func (b *Backend) Kills() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kills
}

// Teardowns reports how many dominions were torn down.
func (b *Backend) Teardowns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.teardowns
}

type dominion struct {
	backend *Backend
	id      string
	opts    minion.DominionOptions
}

func (d *dominion) ID() string                      { return d.id }
func (d *dominion) Options() minion.DominionOptions { return d.opts }

func (d *dominion) Teardown() error {
	d.backend.mu.Lock()
	d.backend.teardowns++
	d.backend.mu.Unlock()
	return nil
}

func (d *dominion) Spawn(ref *minion.Dominion, opts minion.ChildProcessOptions) (minion.ChildProcess, error) {
	b := d.backend
	b.mu.Lock()
	b.spawns = append(b.spawns, opts)
	b.nextPid++
	pid := b.nextPid
	behavior := b.Behaviors[opts.Path]
	b.mu.Unlock()

	c := &child{backend: b, ref: ref, pid: pid, done: make(chan struct{})}
	if !behavior.Hang {
		c.finish(behavior.ExitCode)
	}
	return c, nil
}

type child struct {
	backend *Backend
	ref     *minion.Dominion
	pid     int

	mu       sync.Mutex
	done     chan struct{}
	code     int
	finished bool
	observed bool
}

func (c *child) finish(code int) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.code = code
	close(c.done)
	c.mu.Unlock()
	_ = c.ref.Close()
}

func (c *child) Pid() int { return c.pid }

func (c *child) WaitForExit(timeout time.Duration) (minion.WaitOutcome, error) {
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-c.done:
	case <-timer:
		return minion.WaitTimeout, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.observed {
		return minion.WaitAlreadyFinished, nil
	}
	c.observed = true
	return minion.WaitExited, nil
}

func (c *child) Kill() error {
	c.mu.Lock()
	running := !c.finished
	c.mu.Unlock()
	if !running {
		return nil
	}
	c.backend.mu.Lock()
	c.backend.kills++
	c.backend.mu.Unlock()
	c.finish(-1)
	return nil
}

func (c *child) ExitCode() (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.finished, nil
}

var _ minion.Backend = (*Backend)(nil)
