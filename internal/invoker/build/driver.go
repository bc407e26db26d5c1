// Package build runs a toolchain's build commands for one submission inside
// a fresh dominion and reduces their outcomes to a single status.
package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"invoker/internal/invoker/model"
	"invoker/internal/invoker/toolchain"
	"invoker/internal/minion"
	pkgerrors "invoker/pkg/errors"
	"invoker/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultCommandTimeout = 3 * time.Second
	defaultMaxProcesses   = 16
	defaultTimeLimit      = time.Second
	maxIsolationKeyLen    = 64
)

// Config holds build limits.
type Config struct {
	// SysRoot is the root under which isolation roots are created.
	SysRoot string `yaml:"sysRoot"`
	// CommandTimeout bounds the wait for each build command.
	CommandTimeout time.Duration `yaml:"commandTimeout"`
	MaxProcesses   uint32        `yaml:"maxProcesses"`
	// TimeLimit is the CPU time budget of each build process.
	TimeLimit   time.Duration `yaml:"timeLimit"`
	MemoryLimit uint64        `yaml:"memoryLimit"`
}

func (c *Config) setDefaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.MaxProcesses == 0 {
		c.MaxProcesses = defaultMaxProcesses
	}
	if c.TimeLimit <= 0 {
		c.TimeLimit = defaultTimeLimit
	}
}

// Driver builds submissions.
type Driver struct {
	backend    minion.Backend
	toolchains *toolchain.Set
	cfg        Config
}

// NewDriver creates a build driver.
func NewDriver(backend minion.Backend, toolchains *toolchain.Set, cfg Config) *Driver {
	cfg.setDefaults()
	return &Driver{backend: backend, toolchains: toolchains, cfg: cfg}
}

// IsolationRoot returns the deterministic isolation root of a submission.
func (d *Driver) IsolationRoot(sub model.Submission) string {
	name := fmt.Sprintf("s-%d", sub.ID)
	if sub.IsolationKey != "" {
		name = "s-" + sub.IsolationKey
	}
	return filepath.Join(d.cfg.SysRoot, "var", "invoker", "build", name)
}

func validIsolationKey(key string) bool {
	if len(key) > maxIsolationKeyLen {
		return false
	}
	for _, r := range key {
		if r != '-' && r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Build runs the submission's build commands in order.
// Process outcomes are reported in the returned status; the error is
// reserved for sandbox and bookkeeping failures.
func (d *Driver) Build(ctx context.Context, sub model.Submission) (model.Status, error) {
	tc, ok := d.toolchains.Lookup(sub.ToolchainID)
	if !ok {
		logger.Info(ctx, "unknown toolchain", zap.String("toolchain", sub.ToolchainID), zap.Uint32("submission_id", sub.ID))
		return model.CompilationError(model.CodeUnknownToolchain), nil
	}

	if !validIsolationKey(sub.IsolationKey) {
		return model.Status{}, pkgerrors.Newf(pkgerrors.InvalidParams, "invalid isolation key %q", sub.IsolationKey)
	}
	root := d.IsolationRoot(sub)
	if err := os.MkdirAll(filepath.Dir(root), 0750); err != nil {
		return model.Status{}, pkgerrors.Wrapf(err, pkgerrors.IsolationRootFailed, "create build directory for %s", root)
	}
	if err := os.Mkdir(root, 0750); err != nil {
		return model.Status{}, pkgerrors.Wrapf(err, pkgerrors.IsolationRootFailed, "create isolation root %s", root)
	}
	defer func() {
		if err := os.RemoveAll(root); err != nil {
			logger.Warn(ctx, "remove isolation root failed", zap.String("root", root), zap.Error(err))
		}
	}()

	if err := stageSource(sub.SourcePath, root, tc.Filename); err != nil {
		return model.Status{}, err
	}

	dominion, err := d.backend.NewDominion(minion.DominionOptions{
		AllowNetwork:         false,
		AllowFileIO:          false,
		MaxAliveProcessCount: d.cfg.MaxProcesses,
		MemoryLimit:          d.cfg.MemoryLimit,
		TimeLimit:            d.cfg.TimeLimit,
		IsolationRoot:        root,
	})
	if err != nil {
		return model.Status{}, pkgerrors.Wrapf(err, pkgerrors.DominionCreateFailed, "create dominion for submission %d", sub.ID)
	}
	defer func() {
		if err := dominion.Close(); err != nil {
			logger.Warn(ctx, "release dominion failed", zap.String("dominion", dominion.ID()), zap.Error(err))
		}
	}()

	for i, cmd := range tc.BuildCommands {
		status, done, err := d.runCommand(ctx, dominion, tc, i, cmd)
		if err != nil || done {
			return status, err
		}
	}
	return model.Built(), nil
}

// runCommand runs one build command; done reports that the build stops here.
func (d *Driver) runCommand(ctx context.Context, dominion *minion.Dominion, tc toolchain.Toolchain, index int, cmd toolchain.BuildCommand) (model.Status, bool, error) {
	if len(cmd.Argv) == 0 {
		return model.Status{}, true, pkgerrors.Newf(pkgerrors.ConfigInvalid, "toolchain %s: command %d is empty", tc.Name, index)
	}
	child, err := d.backend.Spawn(minion.ChildProcessOptions{
		Path:        cmd.Argv[0],
		Arguments:   cmd.Argv[1:],
		Environment: tc.Env,
		Dominion:    dominion,
		Stdio: minion.StdioSpecification{
			Stdin:  minion.Stdio{Kind: minion.StdioEmpty},
			Stdout: minion.Stdio{Kind: minion.StdioIgnore},
			Stderr: minion.Stdio{Kind: minion.StdioIgnore},
		},
		Pwd: "/",
	})
	if err != nil {
		return model.Status{}, true, pkgerrors.Wrapf(err, pkgerrors.SpawnFailed, "spawn %s", cmd.Argv[0])
	}

	outcome, err := child.WaitForExit(d.cfg.CommandTimeout)
	if err != nil {
		_ = child.Kill()
		return model.Status{}, true, pkgerrors.Wrapf(err, pkgerrors.InternalServerError, "wait for %s", cmd.Argv[0])
	}
	switch outcome {
	case minion.WaitTimeout:
		if err := child.Kill(); err != nil {
			logger.Warn(ctx, "kill timed out build command failed", zap.Int("pid", child.Pid()), zap.Error(err))
		}
		logger.Info(ctx, "build command timed out", zap.Strings("argv", cmd.Argv), zap.Duration("timeout", d.cfg.CommandTimeout))
		return model.CompilationError(model.CodeCompilationTimedOut), true, nil
	case minion.WaitAlreadyFinished:
		return model.Status{}, true, pkgerrors.New(pkgerrors.ProcessAlreadyWaited)
	}

	code, ok, err := child.ExitCode()
	if err != nil {
		return model.Status{}, true, err
	}
	if !ok {
		return model.Status{}, true, pkgerrors.New(pkgerrors.ProcessNotFinished)
	}
	if code != 0 {
		logger.Info(ctx, "build command failed", zap.Strings("argv", cmd.Argv), zap.Int("exit_code", code))
		return model.CompilationError(model.CodeCompilerFailed), true, nil
	}
	return model.Status{}, false, nil
}

// stageSource copies the submitted file into the isolation root.
func stageSource(src, root, filename string) error {
	if src == "" || filename == "" {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.SourceFetchFailed, "open source %s", src)
	}
	defer in.Close()

	out, err := os.OpenFile(filepath.Join(root, filepath.Base(filename)), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.IsolationRootFailed, "create %s", filename)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return pkgerrors.Wrapf(err, pkgerrors.IsolationRootFailed, "copy source")
	}
	if err := out.Close(); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.IsolationRootFailed, "close %s", filename)
	}
	return nil
}
