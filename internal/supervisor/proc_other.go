//go:build !linux

package supervisor

import (
	"os/exec"
	"syscall"

	"github.com/framehost/framed/internal/config"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGTERM)
}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

// Cgroup enforcement is Linux-only; elsewhere limits are advisory and only
// communicated to the child through its environment.
func applyLimits(tenant string, pid int, limits config.LimitProfile) error {
	return nil
}

func removeLimits(tenant string) {}

func readProcUsage(pid int) (rssBytes int64, cpuSeconds float64, err error) {
	return 0, 0, nil
}
