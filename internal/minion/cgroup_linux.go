//go:build linux

package minion

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

func checkCgroup(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}
	if _, err := os.Stat(filepath.Join(root, "cgroup.subtree_control")); err != nil {
		return fmt.Errorf("not a cgroup v2 hierarchy: %w", err)
	}
	return nil
}

func createDominionCgroup(root, dominionID string) (string, error) {
	cgroupPath := filepath.Join(root, "dominion-"+dominionID)
	if err := os.Mkdir(cgroupPath, 0750); err != nil {
		return "", fmt.Errorf("create cgroup path: %w", err)
	}
	return cgroupPath, nil
}

func applyCgroupLimits(cgroupPath string, opts DominionOptions) error {
	pidsValue := "max"
	if opts.MaxAliveProcessCount > 0 {
		pidsValue = strconv.FormatUint(uint64(opts.MaxAliveProcessCount), 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if opts.MemoryLimit > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatUint(opts.MemoryLimit, 10)); err != nil {
			return err
		}
	}
	return nil
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

func killCgroup(cgroupPath string) error {
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

// removeCgroup retries briefly: cgroup.kill is asynchronous and rmdir fails
// with EBUSY until the last member is gone.
func removeCgroup(cgroupPath string) error {
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		err = os.Remove(cgroupPath)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return err
}

func writeCgroupValue(cgroupPath, name, value string) error {
	path := filepath.Join(cgroupPath, name)
	return os.WriteFile(path, []byte(value), 0640)
}
