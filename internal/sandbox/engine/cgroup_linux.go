//go:build linux

package engine

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"neuroflow/internal/sandbox/spec"
)

const (
	cpuPeriodUs = 100000
	// Kernel limits are backstops above the nominal limits the watchdog enforces.
	cpuHeadroom    = 2.0
	memoryHeadroom = 1.25
)

func createSandboxCgroup(root, sandboxID string) (string, func(), error) {
	if root == "" {
		return "", func() {}, fmt.Errorf("cgroup root is required")
	}
	cgroupPath := filepath.Join(root, sanitizeName(sandboxID))
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		return "", func() {}, fmt.Errorf("create cgroup path: %w", err)
	}
	cleanup := func() {
		// rmdir can race with the kernel reaping the last task.
		for i := 0; i < 5; i++ {
			if err := os.Remove(cgroupPath); err == nil || errors.Is(err, os.ErrNotExist) {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
	return cgroupPath, cleanup, nil
}

func applyCgroupLimits(cgroupPath string, cfg spec.SandboxConfig, pids int64) error {
	pidsValue := "max"
	if pids > 0 {
		pidsValue = strconv.FormatInt(pids, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if cfg.MemoryLimitMB > 0 {
		hard := uint64(math.Ceil(float64(cfg.MemoryLimitBytes()) * memoryHeadroom))
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatUint(hard, 10)); err != nil {
			return err
		}
		// Swap would hide usage from the watchdog; not every host exposes it.
		_ = writeCgroupValue(cgroupPath, "memory.swap.max", "0")
	}
	if err := writeCgroupValue(cgroupPath, "cpu.max", cpuMaxValue(cfg.CPULimit)); err != nil {
		return err
	}
	return nil
}

func cpuMaxValue(cpuLimit float64) string {
	if cpuLimit <= 0 {
		return fmt.Sprintf("max %d", cpuPeriodUs)
	}
	quota := int64(math.Ceil(cpuLimit * cpuHeadroom * cpuPeriodUs))
	if quota < 1000 {
		quota = 1000
	}
	return fmt.Sprintf("%d %d", quota, cpuPeriodUs)
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

func wasOomKilled(cgroupPath string) bool {
	if cgroupPath == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

func writeCgroupValue(cgroupPath, name, value string) error {
	path := filepath.Join(cgroupPath, name)
	if err := os.WriteFile(path, []byte(value), 0640); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "sandbox"
	}
	return b.String()
}
