package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	snap, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"), "")
	if err != nil {
		t.Fatalf("Load returned error for missing file: %v", err)
	}
	if snap.Service.PortRangeStart != DefaultPortRangeStart {
		t.Errorf("Expected default range start %d, got %d", DefaultPortRangeStart, snap.Service.PortRangeStart)
	}
	if snap.Service.ManagerPort != DefaultManagerPort {
		t.Errorf("Expected default manager port %d, got %d", DefaultManagerPort, snap.Service.ManagerPort)
	}
	if snap.Defaults.MemoryLimitMB != 512 {
		t.Errorf("Expected default memory limit 512, got %d", snap.Defaults.MemoryLimitMB)
	}
}

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "framed.conf")
	writeFile(t, path, `
[service]
enabled = true
port_range_start = 40001
port_range_end = 40100
manager_port = 40000
auto_start = false
health_check_interval = 10

[defaults]
memory_limit = 256
cpu_limit = 50
max_apps = 3
disk_quota = 2048

[supervisor]
graceful_stop_timeout = 3
failure_threshold = 2
`)

	snap, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if snap.Service.PortRangeStart != 40001 || snap.Service.PortRangeEnd != 40100 {
		t.Errorf("Unexpected port range: [%d,%d]", snap.Service.PortRangeStart, snap.Service.PortRangeEnd)
	}
	if snap.Service.AutoStart {
		t.Error("Expected auto_start to be false")
	}
	if snap.Service.HealthInterval != 10*time.Second {
		t.Errorf("Expected health interval 10s, got %v", snap.Service.HealthInterval)
	}
	if snap.Defaults.CPULimitPercent != 50 {
		t.Errorf("Expected cpu_limit 50, got %d", snap.Defaults.CPULimitPercent)
	}
	if snap.Supervisor.GracefulStopTimeout != 3*time.Second {
		t.Errorf("Expected graceful stop 3s, got %v", snap.Supervisor.GracefulStopTimeout)
	}
	if snap.Supervisor.FailureThreshold != 2 {
		t.Errorf("Expected failure threshold 2, got %d", snap.Supervisor.FailureThreshold)
	}
}

func TestValidateRejectsBadRanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Snapshot)
	}{
		{"inverted range", func(s *Snapshot) {
			s.Service.PortRangeStart = 32000
			s.Service.PortRangeEnd = 30001
		}},
		{"manager port inside range", func(s *Snapshot) {
			s.Service.ManagerPort = s.Service.PortRangeStart + 1
		}},
		{"cpu over 100", func(s *Snapshot) {
			s.Defaults.CPULimitPercent = 150
		}},
		{"zero memory", func(s *Snapshot) {
			s.Defaults.MemoryLimitMB = 0
		}},
	}
	for _, tc := range cases {
		snap := Default()
		tc.mutate(snap)
		if err := snap.Validate(); err == nil {
			t.Errorf("%s: expected validation error, got nil", tc.name)
		}
	}
}

func TestPackageOverrides(t *testing.T) {
	dir := t.TempDir()
	pkgDir := filepath.Join(dir, "packages")
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(pkgDir, "premium.conf"), `
[limits]
memory_limit = 2048
cpu_limit = 75
`)

	snap, err := Load("", pkgDir)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	premium := snap.ResolveLimits("premium")
	if premium.MemoryLimitMB != 2048 {
		t.Errorf("Expected premium memory 2048, got %d", premium.MemoryLimitMB)
	}
	if premium.CPULimitPercent != 75 {
		t.Errorf("Expected premium cpu 75, got %d", premium.CPULimitPercent)
	}
	// Keys not set in the override fall back to the defaults.
	if premium.MaxApps != snap.Defaults.MaxApps {
		t.Errorf("Expected max_apps fallback %d, got %d", snap.Defaults.MaxApps, premium.MaxApps)
	}

	// Unknown package resolves to the default profile.
	unknown := snap.ResolveLimits("basic")
	if unknown != snap.Defaults {
		t.Errorf("Expected defaults for unknown package, got %+v", unknown)
	}
}

func TestReloadKeepsPreviousSnapshotOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "framed.conf")
	writeFile(t, path, "[service]\nport_range_start = 40001\nport_range_end = 40100\nmanager_port = 40000\n")

	store, err := NewStore(path, "", nil)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	before := store.Current()

	// Invalid: manager port inside the instance range.
	writeFile(t, path, "[service]\nport_range_start = 40001\nport_range_end = 40100\nmanager_port = 40050\n")

	if _, err := store.Reload(); err == nil {
		t.Fatal("Expected reload error for invalid config")
	}
	if store.Current() != before {
		t.Error("Snapshot changed despite failed reload")
	}

	// Valid again: snapshot swaps.
	writeFile(t, path, "[service]\nport_range_start = 40001\nport_range_end = 40100\nmanager_port = 40000\nauto_start = false\n")
	after, err := store.Reload()
	if err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}
	if after.Service.AutoStart {
		t.Error("Expected auto_start false after reload")
	}
	if store.Current() != after {
		t.Error("Current snapshot does not match reloaded one")
	}
}
