//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/framehost/framed/internal/config"
)

// Children run in their own process group so signals reach the whole tree,
// not just the immediate child.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminate(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func kill(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

const cgroupRoot = "/sys/fs/cgroup/framed"

// cpuQuotaPeriodUsec is the cpu.max period. A 25% CPU share becomes
// "25000 100000".
const cpuQuotaPeriodUsec = 100000

// applyLimits places the child in a per-tenant cgroup v2 leaf with memory
// and CPU ceilings. Requires root and a unified cgroup hierarchy.
func applyLimits(tenant string, pid int, limits config.LimitProfile) error {
	dir := filepath.Join(cgroupRoot, tenant)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cgroup: %w", err)
	}
	memMax := strconv.FormatInt(limits.MemoryLimitMB*1024*1024, 10)
	if err := os.WriteFile(filepath.Join(dir, "memory.max"), []byte(memMax), 0644); err != nil {
		return fmt.Errorf("failed to set memory limit: %w", err)
	}
	quota := limits.CPULimitPercent * cpuQuotaPeriodUsec / 100
	cpuMax := fmt.Sprintf("%d %d", quota, cpuQuotaPeriodUsec)
	if err := os.WriteFile(filepath.Join(dir, "cpu.max"), []byte(cpuMax), 0644); err != nil {
		return fmt.Errorf("failed to set cpu limit: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("failed to assign process to cgroup: %w", err)
	}
	return nil
}

// removeLimits tears down the tenant's cgroup once empty. Best effort.
func removeLimits(tenant string) {
	os.Remove(filepath.Join(cgroupRoot, tenant))
}

// userHZ is the kernel tick rate assumed when converting utime/stime to
// seconds. 100 on every mainstream Linux build.
const userHZ = 100

// readProcUsage samples resident memory and cumulative CPU time for a pid
// from /proc.
func readProcUsage(pid int) (rssBytes int64, cpuSeconds float64, err error) {
	statm, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(string(statm))
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("unexpected statm format for pid %d", pid)
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	rssBytes = pages * int64(os.Getpagesize())

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	// The comm field is parenthesized and may contain spaces; parse from the
	// closing paren. utime and stime are fields 14 and 15 of the full line,
	// which puts them at offsets 11 and 12 after the paren.
	s := string(stat)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 {
		return 0, 0, fmt.Errorf("unexpected stat format for pid %d", pid)
	}
	rest := strings.Fields(s[idx+1:])
	if len(rest) < 13 {
		return 0, 0, fmt.Errorf("unexpected stat format for pid %d", pid)
	}
	utime, err := strconv.ParseInt(rest[11], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	stime, err := strconv.ParseInt(rest[12], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return rssBytes, float64(utime+stime) / userHZ, nil
}
