// Package abi keeps the opaque-handle bookkeeping behind the C-callable
// sandbox interface. Handles are plain integers so they can cross a cgo
// boundary; consuming calls invalidate the handles passed to them.
package abi

import (
	"sync"
	"time"

	"invoker/internal/minion"
	pkgerrors "invoker/pkg/errors"
)

// Handle identifies one live object in a Table. Zero is never a valid handle.
type Handle uint64

// StdioMember selects a standard stream of a child process.
type StdioMember uint8

const (
	Stdin StdioMember = iota
	Stdout
	Stderr
)

type kind int

const (
	kindBackend kind = iota + 1
	kindDominionOptions
	kindDominion
	kindChildProcessOptions
	kindChildProcess
)

func (k kind) String() string {
	switch k {
	case kindBackend:
		return "backend"
	case kindDominionOptions:
		return "dominion options"
	case kindDominion:
		return "dominion"
	case kindChildProcessOptions:
		return "child process options"
	case kindChildProcess:
		return "child process"
	default:
		return "unknown"
	}
}

type entry struct {
	kind  kind
	value any
}

// Table owns every object handed out across the boundary.
type Table struct {
	setup func() (minion.Backend, error)

	mu      sync.Mutex
	next    Handle
	entries map[Handle]entry
}

// NewTable creates a table whose Setup calls setup.
func NewTable(setup func() (minion.Backend, error)) *Table {
	return &Table{setup: setup, entries: make(map[Handle]entry)}
}

func (t *Table) put(k kind, v any) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.entries[t.next] = entry{kind: k, value: v}
	return t.next
}

func (t *Table) get(h Handle, k kind) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok || e.kind != k {
		return nil, pkgerrors.Newf(pkgerrors.InvalidSandboxHandle, "handle %d is not a live %s", h, k)
	}
	return e.value, nil
}

func (t *Table) take(h Handle, k kind) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok || e.kind != k {
		return nil, pkgerrors.Newf(pkgerrors.InvalidSandboxHandle, "handle %d is not a live %s", h, k)
	}
	delete(t.entries, h)
	return e.value, nil
}

// Len reports the number of live handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Setup creates a backend handle.
func (t *Table) Setup() (Handle, error) {
	backend, err := t.setup()
	if err != nil {
		return 0, err
	}
	return t.put(kindBackend, backend), nil
}

// BackendFree releases a backend handle.
func (t *Table) BackendFree(h Handle) error {
	_, err := t.take(h, kindBackend)
	return err
}

// DominionOptionsCreate returns options with every limit disabled.
func (t *Table) DominionOptionsCreate() Handle {
	return t.put(kindDominionOptions, &minion.DominionOptions{})
}

func (t *Table) dominionOptions(h Handle) (*minion.DominionOptions, error) {
	v, err := t.get(h, kindDominionOptions)
	if err != nil {
		return nil, err
	}
	return v.(*minion.DominionOptions), nil
}

func (t *Table) DominionOptionsTimeLimit(h Handle, seconds, nanoseconds uint32) error {
	opts, err := t.dominionOptions(h)
	if err != nil {
		return err
	}
	t.mu.Lock()
	opts.TimeLimit = time.Duration(seconds)*time.Second + time.Duration(nanoseconds)
	t.mu.Unlock()
	return nil
}

func (t *Table) DominionOptionsProcessLimit(h Handle, limit uint32) error {
	opts, err := t.dominionOptions(h)
	if err != nil {
		return err
	}
	t.mu.Lock()
	opts.MaxAliveProcessCount = limit
	t.mu.Unlock()
	return nil
}

func (t *Table) DominionOptionsMemoryLimit(h Handle, bytes uint64) error {
	opts, err := t.dominionOptions(h)
	if err != nil {
		return err
	}
	t.mu.Lock()
	opts.MemoryLimit = bytes
	t.mu.Unlock()
	return nil
}

func (t *Table) DominionOptionsIsolationRoot(h Handle, path string) error {
	opts, err := t.dominionOptions(h)
	if err != nil {
		return err
	}
	t.mu.Lock()
	opts.IsolationRoot = path
	t.mu.Unlock()
	return nil
}

func (t *Table) DominionOptionsFree(h Handle) error {
	_, err := t.take(h, kindDominionOptions)
	return err
}

func (t *Table) backend(h Handle) (minion.Backend, error) {
	v, err := t.get(h, kindBackend)
	if err != nil {
		return nil, err
	}
	return v.(minion.Backend), nil
}

// DominionCreate allocates a dominion. The options handle stays valid.
func (t *Table) DominionCreate(backend, options Handle) (Handle, error) {
	b, err := t.backend(backend)
	if err != nil {
		return 0, err
	}
	opts, err := t.dominionOptions(options)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	snapshot := *opts
	t.mu.Unlock()

	d, err := b.NewDominion(snapshot)
	if err != nil {
		return 0, err
	}
	return t.put(kindDominion, d), nil
}

// DominionClone consumes h and returns two handles to the same dominion.
func (t *Table) DominionClone(h Handle) (Handle, Handle, error) {
	v, err := t.take(h, kindDominion)
	if err != nil {
		return 0, 0, err
	}
	d := v.(*minion.Dominion)
	dup, err := d.Clone()
	if err != nil {
		return 0, 0, err
	}
	return t.put(kindDominion, dup), t.put(kindDominion, d), nil
}

// DominionFree releases one dominion handle.
func (t *Table) DominionFree(h Handle) error {
	v, err := t.take(h, kindDominion)
	if err != nil {
		return err
	}
	return v.(*minion.Dominion).Close()
}

// ChildProcessOptionsCreate consumes the dominion handle; the options own it.
// Streams default to the null device.
func (t *Table) ChildProcessOptionsCreate(dominion Handle) (Handle, error) {
	v, err := t.take(dominion, kindDominion)
	if err != nil {
		return 0, err
	}
	opts := &minion.ChildProcessOptions{
		Dominion:    v.(*minion.Dominion),
		Environment: make(map[string]string),
		Stdio: minion.StdioSpecification{
			Stdin:  minion.Stdio{Kind: minion.StdioNull},
			Stdout: minion.Stdio{Kind: minion.StdioNull},
			Stderr: minion.Stdio{Kind: minion.StdioNull},
		},
	}
	return t.put(kindChildProcessOptions, opts), nil
}

// updateOptions runs fn on the options under the table lock.
func (t *Table) updateOptions(h Handle, fn func(o *minion.ChildProcessOptions)) error {
	v, err := t.get(h, kindChildProcessOptions)
	if err != nil {
		return err
	}
	t.mu.Lock()
	fn(v.(*minion.ChildProcessOptions))
	t.mu.Unlock()
	return nil
}

func (t *Table) ChildProcessOptionsSetImagePath(h Handle, path string) error {
	return t.updateOptions(h, func(o *minion.ChildProcessOptions) { o.Path = path })
}

func (t *Table) ChildProcessOptionsAddArg(h Handle, arg string) error {
	return t.updateOptions(h, func(o *minion.ChildProcessOptions) { o.Arguments = append(o.Arguments, arg) })
}

func (t *Table) ChildProcessOptionsAddEnv(h Handle, name, value string) error {
	return t.updateOptions(h, func(o *minion.ChildProcessOptions) { o.Environment[name] = value })
}

func (t *Table) ChildProcessOptionsSetPwd(h Handle, pwd string) error {
	return t.updateOptions(h, func(o *minion.ChildProcessOptions) { o.Pwd = pwd })
}

func (t *Table) ChildProcessOptionsSetStdioHandle(h Handle, member StdioMember, fd uint64) error {
	if member > Stderr {
		return pkgerrors.Newf(pkgerrors.InvalidParams, "unknown stdio member %d", member)
	}
	return t.updateOptions(h, func(o *minion.ChildProcessOptions) {
		s := minion.RawHandle(uintptr(fd))
		switch member {
		case Stdin:
			o.Stdio.Stdin = s
		case Stdout:
			o.Stdio.Stdout = s
		case Stderr:
			o.Stdio.Stderr = s
		}
	})
}

// ChildProcessOptionsFree releases the options and the dominion handle they own.
func (t *Table) ChildProcessOptionsFree(h Handle) error {
	v, err := t.take(h, kindChildProcessOptions)
	if err != nil {
		return err
	}
	return v.(*minion.ChildProcessOptions).Dominion.Close()
}

// Spawn starts a process. The options handle stays valid and may be reused.
func (t *Table) Spawn(backend, options Handle) (Handle, error) {
	b, err := t.backend(backend)
	if err != nil {
		return 0, err
	}
	v, err := t.get(options, kindChildProcessOptions)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	snapshot := *v.(*minion.ChildProcessOptions)
	t.mu.Unlock()

	child, err := b.Spawn(snapshot)
	if err != nil {
		return 0, err
	}
	return t.put(kindChildProcess, child), nil
}

func (t *Table) child(h Handle) (minion.ChildProcess, error) {
	v, err := t.get(h, kindChildProcess)
	if err != nil {
		return nil, err
	}
	return v.(minion.ChildProcess), nil
}

func (t *Table) ChildProcessWait(h Handle, timeout time.Duration) (minion.WaitOutcome, error) {
	c, err := t.child(h)
	if err != nil {
		return 0, err
	}
	return c.WaitForExit(timeout)
}

func (t *Table) ChildProcessKill(h Handle) error {
	c, err := t.child(h)
	if err != nil {
		return err
	}
	return c.Kill()
}

func (t *Table) ChildProcessExitCode(h Handle) (int, bool, error) {
	c, err := t.child(h)
	if err != nil {
		return 0, false, err
	}
	return c.ExitCode()
}

// ChildProcessFree forgets the handle; a running process is not killed.
func (t *Table) ChildProcessFree(h Handle) error {
	_, err := t.take(h, kindChildProcess)
	return err
}
