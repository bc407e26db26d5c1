// Package minion provides isolated execution environments ("dominions") and
// supervises the child processes spawned inside them.
package minion

import (
	"maps"
	"slices"
	"time"

	pkgerrors "invoker/pkg/errors"
)

// WaitForever makes WaitForExit block until the process exits.
const WaitForever time.Duration = -1

// Backend creates dominions and spawns processes into them.
type Backend interface {
	// NewDominion validates opts and allocates a new isolated environment.
	NewDominion(opts DominionOptions) (*Dominion, error)

	// Spawn launches a process inside opts.Dominion.
	// Arguments and environment are copied; opts is not retained.
	Spawn(opts ChildProcessOptions) (ChildProcess, error)
}

// DesiredAccess is the access level granted to an exposed host path.
type DesiredAccess int

const (
	AccessReadOnly DesiredAccess = iota
	AccessFull
)

// PathExpositionOptions exposes a host path inside the isolation root.
type PathExpositionOptions struct {
	Src    string        `json:"src" yaml:"src"`
	Dest   string        `json:"dest" yaml:"dest"`
	Access DesiredAccess `json:"access" yaml:"access"`
}

// DominionOptions describes the limits of a dominion.
type DominionOptions struct {
	AllowNetwork         bool
	AllowFileIO          bool
	MaxAliveProcessCount uint32
	// MemoryLimit is in bytes; zero means unlimited.
	MemoryLimit uint64
	// TimeLimit is the CPU time budget of each process; zero means unlimited.
	TimeLimit     time.Duration
	IsolationRoot string
	ExposedPaths  []PathExpositionOptions
}

// Validate checks the options without touching the filesystem.
func (o DominionOptions) Validate() error {
	if o.IsolationRoot == "" {
		return pkgerrors.Newf(pkgerrors.DominionCreateFailed, "isolation root is required")
	}
	if o.TimeLimit < 0 {
		return pkgerrors.Newf(pkgerrors.DominionCreateFailed, "time limit must not be negative")
	}
	for _, p := range o.ExposedPaths {
		if p.Src == "" || p.Dest == "" {
			return pkgerrors.Newf(pkgerrors.DominionCreateFailed, "exposed path needs both src and dest")
		}
	}
	return nil
}

// StdioKind selects what a standard stream of a child is connected to.
type StdioKind int

const (
	// StdioEmpty gives an input stream that is immediately at EOF.
	StdioEmpty StdioKind = iota
	// StdioNull connects the stream to the null device.
	StdioNull
	// StdioIgnore discards everything written to the stream.
	StdioIgnore
	// StdioRawHandle connects the stream to an inherited file descriptor.
	StdioRawHandle
)

// Stdio describes one standard stream.
type Stdio struct {
	Kind   StdioKind
	Handle uintptr
}

// RawHandle connects a stream to fd. The caller keeps ownership of fd.
func RawHandle(fd uintptr) Stdio {
	return Stdio{Kind: StdioRawHandle, Handle: fd}
}

// StdioSpecification holds the three standard streams of a child.
type StdioSpecification struct {
	Stdin  Stdio
	Stdout Stdio
	Stderr Stdio
}

// ChildProcessOptions describes a process to spawn.
type ChildProcessOptions struct {
	Path        string
	Arguments   []string
	Environment map[string]string
	Dominion    *Dominion
	Stdio       StdioSpecification
	// Pwd is resolved against the dominion's isolation root.
	Pwd string
}

func (o ChildProcessOptions) clone() ChildProcessOptions {
	out := o
	out.Arguments = slices.Clone(o.Arguments)
	out.Environment = maps.Clone(o.Environment)
	return out
}

// WaitOutcome is the result of a bounded wait.
type WaitOutcome int

const (
	WaitExited WaitOutcome = iota
	WaitTimeout
	WaitAlreadyFinished
)

func (w WaitOutcome) String() string {
	switch w {
	case WaitExited:
		return "exited"
	case WaitTimeout:
		return "timeout"
	case WaitAlreadyFinished:
		return "already_finished"
	default:
		return "unknown"
	}
}

// ChildProcess is a process running inside a dominion.
type ChildProcess interface {
	// Pid returns the host process id.
	Pid() int

	// WaitForExit blocks up to timeout. On WaitTimeout the process keeps
	// running; the caller decides whether to Kill it. Once WaitExited has been
	// reported, further calls return WaitAlreadyFinished.
	WaitForExit(timeout time.Duration) (WaitOutcome, error)

	// Kill terminates the process. Killing a finished process is not an error.
	Kill() error

	// ExitCode reports the exit code once the process has exited.
	// ok is false while it is still running.
	ExitCode() (code int, ok bool, err error)
}
