//go:build linux

package minion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	pkgerrors "invoker/pkg/errors"
	"invoker/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type linuxBackend struct {
	cfg Config
}

// Setup returns a backend for this process. It is cheap to call repeatedly;
// the cgroup check runs once per process.
func Setup(cfg Config) (Backend, error) {
	if cfg.EnableCgroup {
		if cfg.CgroupRoot == "" {
			return nil, pkgerrors.Newf(pkgerrors.SandboxSetupFailed, "cgroup root is required when cgroups are enabled")
		}
		if err := checkCgroup(cfg.CgroupRoot); err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.SandboxSetupFailed, "cgroup root %s is not usable", cfg.CgroupRoot)
		}
	}
	if cfg.HelperPath != "" {
		path, err := exec.LookPath(cfg.HelperPath)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.SandboxSetupFailed, "helper %s not found", cfg.HelperPath)
		}
		cfg.HelperPath = path
	}
	return &linuxBackend{cfg: cfg}, nil
}

func (b *linuxBackend) NewDominion(opts DominionOptions) (*Dominion, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if missing := b.unenforced(opts); len(missing) > 0 {
		if !b.cfg.Permissive {
			return nil, pkgerrors.Newf(pkgerrors.DominionCreateFailed, "backend cannot enforce %s", strings.Join(missing, ", "))
		}
		logger.Warn(context.Background(), "dominion limits are not enforced", zap.Strings("limits", missing))
	}
	if err := os.MkdirAll(opts.IsolationRoot, 0750); err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.IsolationRootFailed, "create isolation root %s", opts.IsolationRoot)
	}

	d := &linuxDominion{
		backend: b,
		ident:   uuid.NewString(),
		opts:    opts,
		groups:  make(map[int]struct{}),
	}
	if b.cfg.EnableCgroup {
		cgroupPath, err := createDominionCgroup(b.cfg.CgroupRoot, d.ident)
		if err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.DominionCreateFailed)
		}
		if err := applyCgroupLimits(cgroupPath, opts); err != nil {
			_ = os.Remove(cgroupPath)
			return nil, pkgerrors.Wrap(err, pkgerrors.DominionCreateFailed)
		}
		d.cgroupPath = cgroupPath
	}

	logger.Debug(context.Background(), "dominion created",
		zap.String("dominion", d.ident),
		zap.String("root", opts.IsolationRoot),
		zap.Uint32("max_processes", opts.MaxAliveProcessCount),
		zap.Duration("time_limit", opts.TimeLimit),
	)
	return NewDominion(d), nil
}

// unenforced lists the requested limits no configured mechanism enforces.
func (b *linuxBackend) unenforced(opts DominionOptions) []string {
	helper := b.cfg.HelperPath != ""
	var missing []string
	if !opts.AllowNetwork && !b.cfg.EnableNamespaces && !(helper && b.cfg.EnableSeccomp) {
		missing = append(missing, "network isolation")
	}
	if opts.MaxAliveProcessCount > 0 && !b.cfg.EnableCgroup && !helper {
		missing = append(missing, "process count limit")
	}
	if len(opts.ExposedPaths) > 0 && !(helper && b.cfg.EnableNamespaces) {
		missing = append(missing, "exposed paths")
	}
	return missing
}

func (b *linuxBackend) Spawn(opts ChildProcessOptions) (ChildProcess, error) {
	if opts.Dominion != nil {
		if _, ok := opts.Dominion.Implementation().(*linuxDominion); !ok {
			return nil, pkgerrors.Newf(pkgerrors.SpawnFailed, "dominion belongs to another backend")
		}
	}
	return SpawnInto(opts)
}

type linuxDominion struct {
	backend    *linuxBackend
	ident      string
	opts       DominionOptions
	cgroupPath string

	mu     sync.Mutex
	groups map[int]struct{}
}

func (d *linuxDominion) ID() string {
	return d.ident
}

func (d *linuxDominion) Options() DominionOptions {
	return d.opts
}

func (d *linuxDominion) Spawn(ref *Dominion, opts ChildProcessOptions) (ChildProcess, error) {
	workDir := filepath.Join(d.opts.IsolationRoot, opts.Pwd)
	env := buildEnv(opts.Environment)

	path := opts.Path
	if filepath.Base(path) == path {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.SpawnFailed, "resolve %s", path)
		}
		path = resolved
	}
	argv := append([]string{opts.Path}, opts.Arguments...)

	var cmd *exec.Cmd
	var request *os.File
	if d.backend.cfg.HelperPath != "" {
		r, err := d.helperRequest(path, argv, env, workDir)
		if err != nil {
			return nil, err
		}
		request = r
		cmd = &exec.Cmd{Path: d.backend.cfg.HelperPath, Args: []string{"minion-init"}}
		cmd.ExtraFiles = []*os.File{request}
	} else {
		cmd = &exec.Cmd{Path: path, Args: argv, Env: env, Dir: workDir}
	}
	cmd.SysProcAttr = buildSysProcAttr(d.opts, d.backend.cfg.EnableNamespaces)

	files, err := attachStdio(cmd, opts.Stdio)
	if err != nil {
		if request != nil {
			_ = request.Close()
		}
		return nil, err
	}
	startErr := cmd.Start()
	for _, f := range files {
		_ = f.Close()
	}
	if request != nil {
		_ = request.Close()
	}
	if startErr != nil {
		return nil, pkgerrors.Wrapf(startErr, pkgerrors.SpawnFailed, "start %s", opts.Path)
	}

	pid := cmd.Process.Pid
	if d.cgroupPath != "" {
		if err := addProcessToCgroup(d.cgroupPath, pid); err != nil {
			logger.Warn(context.Background(), "add process to cgroup failed", zap.String("cgroup", d.cgroupPath), zap.Error(err))
		}
	}
	if d.backend.cfg.HelperPath == "" {
		if err := d.applyProcessLimits(pid); err != nil {
			killProcessGroup(pid)
			_ = cmd.Wait()
			return nil, pkgerrors.Wrapf(err, pkgerrors.SpawnFailed, "apply limits to %s", opts.Path)
		}
	}

	d.mu.Lock()
	d.groups[pid] = struct{}{}
	d.mu.Unlock()

	child := &linuxChild{cmd: cmd, pid: pid, dominion: ref, group: d, done: make(chan struct{})}
	go child.reap()
	return child, nil
}

// applyProcessLimits applies per-process rlimits from the parent when no
// helper does it before exec.
func (d *linuxDominion) applyProcessLimits(pid int) error {
	if d.opts.TimeLimit > 0 {
		seconds := cpuSeconds(d.opts.TimeLimit)
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &unix.Rlimit{Cur: seconds, Max: seconds}, nil); err != nil {
			return fmt.Errorf("set cpu limit: %w", err)
		}
	}
	if d.opts.MemoryLimit > 0 && d.cgroupPath == "" {
		limit := d.opts.MemoryLimit
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &unix.Rlimit{Cur: limit, Max: limit}, nil); err != nil {
			return fmt.Errorf("set memory limit: %w", err)
		}
	}
	return nil
}

func (d *linuxDominion) helperRequest(path string, argv, env []string, workDir string) (*os.File, error) {
	req := HelperRequest{
		Path:             path,
		Argv:             argv,
		Env:              env,
		WorkDir:          workDir,
		CPUTimeSeconds:   cpuSeconds(d.opts.TimeLimit),
		DenyNetwork:      !d.opts.AllowNetwork,
		EnableSeccomp:    d.backend.cfg.EnableSeccomp,
		EnableNamespaces: d.backend.cfg.EnableNamespaces,
		Root:             d.opts.IsolationRoot,
		Mounts:           d.opts.ExposedPaths,
	}
	if d.cgroupPath == "" {
		req.MemoryBytes = d.opts.MemoryLimit
		req.MaxProcesses = uint64(d.opts.MaxAliveProcessCount)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.SpawnFailed, "encode helper request")
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.SpawnFailed, "create helper pipe")
	}
	go func() {
		_, _ = w.Write(data)
		_ = w.Close()
	}()
	return r, nil
}

// releaseGroup forgets the process group led by pid once the leader has been
// reaped and kills what the leader left behind in it, so Teardown never
// signals a pgid the kernel may hand out again.
func (d *linuxDominion) releaseGroup(pid int) {
	d.mu.Lock()
	_, ok := d.groups[pid]
	delete(d.groups, pid)
	d.mu.Unlock()
	if ok {
		killProcessGroup(pid)
	}
}

func (d *linuxDominion) Teardown() error {
	d.mu.Lock()
	groups := make([]int, 0, len(d.groups))
	for pgid := range d.groups {
		groups = append(groups, pgid)
	}
	d.groups = make(map[int]struct{})
	d.mu.Unlock()

	for _, pgid := range groups {
		killProcessGroup(pgid)
	}
	var errs []error
	if d.cgroupPath != "" {
		if err := killCgroup(d.cgroupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("kill cgroup: %w", err))
		}
		if err := removeCgroup(d.cgroupPath); err != nil {
			errs = append(errs, fmt.Errorf("remove cgroup: %w", err))
		}
	}
	logger.Debug(context.Background(), "dominion torn down", zap.String("dominion", d.ident))
	return errors.Join(errs...)
}

type linuxChild struct {
	cmd      *exec.Cmd
	pid      int
	dominion *Dominion
	group    *linuxDominion

	done     chan struct{}
	waitErr  error
	observed atomic.Bool
}

func (c *linuxChild) reap() {
	c.waitErr = c.cmd.Wait()
	c.group.releaseGroup(c.pid)
	close(c.done)
	if err := c.dominion.Close(); err != nil {
		logger.Warn(context.Background(), "release dominion failed", zap.Int("pid", c.pid), zap.Error(err))
	}
}

func (c *linuxChild) Pid() int {
	return c.pid
}

func (c *linuxChild) WaitForExit(timeout time.Duration) (WaitOutcome, error) {
	if c.observed.Load() {
		return WaitAlreadyFinished, nil
	}
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-c.done:
	case <-timer:
		return WaitTimeout, nil
	}
	if c.observed.Swap(true) {
		return WaitAlreadyFinished, nil
	}
	return WaitExited, nil
}

func (c *linuxChild) Kill() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	err := unix.Kill(-c.pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return pkgerrors.Wrapf(err, pkgerrors.InternalServerError, "kill process group %d", c.pid)
	}
	return nil
}

func (c *linuxChild) ExitCode() (int, bool, error) {
	select {
	case <-c.done:
	default:
		return 0, false, nil
	}
	state := c.cmd.ProcessState
	if state == nil {
		return 0, false, pkgerrors.Wrapf(c.waitErr, pkgerrors.InternalServerError, "wait for %d failed", c.pid)
	}
	return state.ExitCode(), true, nil
}

func killProcessGroup(pgid int) {
	if pgid <= 0 {
		return
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
}

func cpuSeconds(limit time.Duration) uint64 {
	if limit <= 0 {
		return 0
	}
	return uint64((limit + time.Second - 1) / time.Second)
}

func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env)+1)
	hasPath := false
	for k, v := range env {
		if k == "PATH" {
			hasPath = true
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	if !hasPath {
		out = append(out, defaultPath)
	}
	return out
}

// attachStdio wires the three streams. Raw handles are duplicated so the
// caller keeps ownership of its descriptors; the returned files must be
// closed once the child has started.
func attachStdio(cmd *exec.Cmd, spec StdioSpecification) ([]*os.File, error) {
	var files []*os.File
	open := func(s Stdio, name string) (*os.File, error) {
		if s.Kind != StdioRawHandle {
			return nil, nil
		}
		fd, err := unix.Dup(int(s.Handle))
		if err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.SpawnFailed, "dup %s handle %d", name, s.Handle)
		}
		f := os.NewFile(uintptr(fd), name)
		files = append(files, f)
		return f, nil
	}
	fail := func(err error) ([]*os.File, error) {
		for _, f := range files {
			_ = f.Close()
		}
		return nil, err
	}

	stdin, err := open(spec.Stdin, "stdin")
	if err != nil {
		return fail(err)
	}
	stdout, err := open(spec.Stdout, "stdout")
	if err != nil {
		return fail(err)
	}
	stderr, err := open(spec.Stderr, "stderr")
	if err != nil {
		return fail(err)
	}
	// A nil stream is connected to the null device by os/exec.
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	return files, nil
}

func buildSysProcAttr(opts DominionOptions, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if !opts.AllowNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}
