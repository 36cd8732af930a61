package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/mitchellh/go-ps"
)

// CheckProcess verifies the pid still refers to a live process. Going
// through the process table instead of signal 0 also catches pid reuse by
// unrelated short-lived processes less often than it misses, and needs no
// privileges.
func CheckProcess(pid int) error {
	proc, err := ps.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process table lookup failed: %w", err)
	}
	if proc == nil {
		return fmt.Errorf("process %d not found", pid)
	}
	return nil
}

// CheckPort verifies something is accepting connections on the instance's
// loopback port.
func CheckPort(port int, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), timeout)
	if err != nil {
		return fmt.Errorf("port %d not accepting connections: %w", port, err)
	}
	conn.Close()
	return nil
}

// CheckHTTP probes the instance's health endpoint. Any 2xx response counts
// as healthy; a timeout or a non-2xx status is a failure.
func CheckHTTP(ctx context.Context, client *http.Client, port int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}
