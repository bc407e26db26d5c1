//go:build linux

// Command minion-init prepares a sandboxed process and execs into it.
// It reads a JSON HelperRequest from file descriptor 3.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"invoker/internal/minion"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "minion-init:", err.Error())
		os.Exit(127)
	}
}

func run() error {
	reqFile := os.NewFile(minion.HelperRequestFD, "request")
	if reqFile == nil {
		return fmt.Errorf("request descriptor is missing")
	}
	req, err := decodeRequest(reqFile)
	_ = reqFile.Close()
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	if req.EnableNamespaces {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
		if err := applyBindMounts(req.Root, req.Mounts); err != nil {
			return err
		}
	}

	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req); err != nil {
		return err
	}
	if req.EnableSeccomp && req.DenyNetwork {
		if err := applyNetworkFilter(); err != nil {
			return err
		}
	}
	return unix.Exec(req.Path, req.Argv, req.Env)
}

func decodeRequest(r io.Reader) (minion.HelperRequest, error) {
	var req minion.HelperRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return minion.HelperRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req minion.HelperRequest) error {
	if req.Path == "" || len(req.Argv) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if len(req.Mounts) > 0 && !req.EnableNamespaces {
		return fmt.Errorf("exposed paths need namespaces")
	}
	return nil
}

func applyBindMounts(root string, mounts []minion.PathExpositionOptions) error {
	for _, m := range mounts {
		target := filepath.Join(root, m.Dest)
		if err := ensureMountTarget(m.Src, target); err != nil {
			return err
		}
		if err := unix.Mount(m.Src, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("bind mount %s: %w", m.Src, err)
		}
		if m.Access == minion.AccessReadOnly {
			if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount readonly %s: %w", target, err)
			}
		}
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("mkdir mount target: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

func applyRlimits(req minion.HelperRequest) error {
	limits := []struct {
		name     string
		resource int
		value    uint64
	}{
		{"cpu", unix.RLIMIT_CPU, req.CPUTimeSeconds},
		{"as", unix.RLIMIT_AS, req.MemoryBytes},
		{"nproc", unix.RLIMIT_NPROC, req.MaxProcesses},
	}
	for _, l := range limits {
		if l.value == 0 {
			continue
		}
		if err := unix.Setrlimit(l.resource, &unix.Rlimit{Cur: l.value, Max: l.value}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", l.name, err)
		}
	}
	return nil
}

// applyNetworkFilter makes socket creation fail with EACCES for every
// address family except AF_UNIX.
func applyNetworkFilter() error {
	filter, err := seccomp.NewFilter(seccomp.ActAllow)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()

	deny := seccomp.ActErrno.SetReturnCode(int16(unix.EACCES))
	call, err := seccomp.GetSyscallFromName("socket")
	if err != nil {
		return fmt.Errorf("resolve socket syscall: %w", err)
	}
	notUnix, err := seccomp.MakeCondition(0, seccomp.CompareNotEqual, unix.AF_UNIX)
	if err != nil {
		return fmt.Errorf("build seccomp condition: %w", err)
	}
	if err := filter.AddRuleConditional(call, deny, []seccomp.ScmpCondition{notUnix}); err != nil {
		return fmt.Errorf("add seccomp rule: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}
