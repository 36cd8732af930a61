// Package config loads and hot-reloads the daemon configuration: global
// settings from an INI file plus per-package resource-limit overrides from a
// directory of <name>.conf files. Each load produces an immutable Snapshot;
// the rest of the daemon only ever sees a fully-parsed, validated snapshot.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/ini.v1"
)

const (
	DefaultPortRangeStart = 30001
	DefaultPortRangeEnd   = 32000
	DefaultManagerPort    = 30000

	defaultHealthInterval   = 30 * time.Second
	defaultHealthTimeout    = 5 * time.Second
	defaultFailureThreshold = 3
	defaultGracefulStop     = 10 * time.Second
	defaultRestartAttempts  = 5
	defaultRestartWindow    = 5 * time.Minute
	defaultBackoffInitial   = 1 * time.Second
	defaultBackoffMax       = 30 * time.Second
)

// Snapshot is one immutable, validated view of the configuration.
type Snapshot struct {
	Service    ServiceConfig
	Defaults   LimitProfile
	Logging    LoggingConfig
	Supervisor SupervisorConfig
	// Packages maps a package name to its limit override.
	Packages map[string]LimitProfile
}

// ServiceConfig holds the [service] section.
type ServiceConfig struct {
	Enabled        bool
	PortRangeStart int
	PortRangeEnd   int
	ManagerPort    int
	AutoStart      bool
	HealthInterval time.Duration
	StateDir       string
	InstancesDir   string
	ServerBinary   string
	HooksDir       string
}

// LoggingConfig holds the [logging] section.
type LoggingConfig struct {
	Level string
}

// SupervisorConfig holds the [supervisor] section.
type SupervisorConfig struct {
	GracefulStopTimeout   time.Duration
	RestartMaxAttempts    int
	RestartWindow         time.Duration
	RestartBackoffInitial time.Duration
	RestartBackoffMax     time.Duration
	FailureThreshold      int
	HealthTimeout         time.Duration
	EnforceLimits         bool
}

// LimitProfile is a named resource-limit bundle. Every instance resolves to
// exactly one effective profile at spawn time.
type LimitProfile struct {
	MemoryLimitMB   int64 `json:"memory_limit_mb"`
	CPULimitPercent int   `json:"cpu_limit_percent"`
	MaxApps         int   `json:"max_apps"`
	DiskQuotaMB     int64 `json:"disk_quota_mb"`
}

// Default returns the built-in configuration used when no config file exists.
func Default() *Snapshot {
	return &Snapshot{
		Service: ServiceConfig{
			Enabled:        true,
			PortRangeStart: DefaultPortRangeStart,
			PortRangeEnd:   DefaultPortRangeEnd,
			ManagerPort:    DefaultManagerPort,
			AutoStart:      true,
			HealthInterval: defaultHealthInterval,
			StateDir:       "/var/lib/framed",
			InstancesDir:   "/var/lib/framed/instances",
			ServerBinary:   "/usr/local/bin/frame-server",
			HooksDir:       "/etc/framed/hooks",
		},
		Defaults: LimitProfile{
			MemoryLimitMB:   512,
			CPULimitPercent: 25,
			MaxApps:         5,
			DiskQuotaMB:     1024,
		},
		Logging: LoggingConfig{Level: "info"},
		Supervisor: SupervisorConfig{
			GracefulStopTimeout:   defaultGracefulStop,
			RestartMaxAttempts:    defaultRestartAttempts,
			RestartWindow:         defaultRestartWindow,
			RestartBackoffInitial: defaultBackoffInitial,
			RestartBackoffMax:     defaultBackoffMax,
			FailureThreshold:      defaultFailureThreshold,
			HealthTimeout:         defaultHealthTimeout,
			// Cgroup enforcement needs root and a cgroup v2 hierarchy, so it
			// is opt-in; limits are always passed to the child via environment.
			EnforceLimits: false,
		},
		Packages: map[string]LimitProfile{},
	}
}

// Load parses the main config file and the package override directory into a
// snapshot. A missing main file yields the defaults; a malformed file is an
// error and no snapshot is produced.
func Load(path, packagesDir string) (*Snapshot, error) {
	snap := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			cfg, err := ini.Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load config %s: %w", path, err)
			}
			applyMain(snap, cfg)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if packagesDir != "" {
		pkgs, err := loadPackages(packagesDir, snap.Defaults)
		if err != nil {
			return nil, err
		}
		snap.Packages = pkgs
	}

	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

func applyMain(snap *Snapshot, cfg *ini.File) {
	svc := cfg.Section("service")
	snap.Service.Enabled = svc.Key("enabled").MustBool(snap.Service.Enabled)
	snap.Service.PortRangeStart = svc.Key("port_range_start").MustInt(snap.Service.PortRangeStart)
	snap.Service.PortRangeEnd = svc.Key("port_range_end").MustInt(snap.Service.PortRangeEnd)
	snap.Service.ManagerPort = svc.Key("manager_port").MustInt(snap.Service.ManagerPort)
	snap.Service.AutoStart = svc.Key("auto_start").MustBool(snap.Service.AutoStart)
	if v := svc.Key("health_check_interval").MustInt(0); v > 0 {
		snap.Service.HealthInterval = time.Duration(v) * time.Second
	}
	snap.Service.StateDir = svc.Key("state_dir").MustString(snap.Service.StateDir)
	snap.Service.InstancesDir = svc.Key("instances_dir").MustString(snap.Service.InstancesDir)
	snap.Service.ServerBinary = svc.Key("server_binary").MustString(snap.Service.ServerBinary)
	snap.Service.HooksDir = svc.Key("hooks_dir").MustString(snap.Service.HooksDir)

	def := cfg.Section("defaults")
	snap.Defaults.MemoryLimitMB = def.Key("memory_limit").MustInt64(snap.Defaults.MemoryLimitMB)
	snap.Defaults.CPULimitPercent = def.Key("cpu_limit").MustInt(snap.Defaults.CPULimitPercent)
	snap.Defaults.MaxApps = def.Key("max_apps").MustInt(snap.Defaults.MaxApps)
	snap.Defaults.DiskQuotaMB = def.Key("disk_quota").MustInt64(snap.Defaults.DiskQuotaMB)

	logging := cfg.Section("logging")
	snap.Logging.Level = logging.Key("level").MustString(snap.Logging.Level)

	sup := cfg.Section("supervisor")
	if v := sup.Key("graceful_stop_timeout").MustInt(0); v > 0 {
		snap.Supervisor.GracefulStopTimeout = time.Duration(v) * time.Second
	}
	snap.Supervisor.RestartMaxAttempts = sup.Key("restart_max_attempts").MustInt(snap.Supervisor.RestartMaxAttempts)
	if v := sup.Key("restart_window").MustInt(0); v > 0 {
		snap.Supervisor.RestartWindow = time.Duration(v) * time.Second
	}
	if v := sup.Key("restart_backoff_initial").MustInt(0); v > 0 {
		snap.Supervisor.RestartBackoffInitial = time.Duration(v) * time.Second
	}
	if v := sup.Key("restart_backoff_max").MustInt(0); v > 0 {
		snap.Supervisor.RestartBackoffMax = time.Duration(v) * time.Second
	}
	snap.Supervisor.FailureThreshold = sup.Key("failure_threshold").MustInt(snap.Supervisor.FailureThreshold)
	if v := sup.Key("health_check_timeout").MustInt(0); v > 0 {
		snap.Supervisor.HealthTimeout = time.Duration(v) * time.Second
	}
	snap.Supervisor.EnforceLimits = sup.Key("enforce_limits").MustBool(snap.Supervisor.EnforceLimits)
}

func loadPackages(dir string, defaults LimitProfile) (map[string]LimitProfile, error) {
	pkgs := make(map[string]LimitProfile)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return pkgs, nil
		}
		return nil, fmt.Errorf("failed to read packages dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".conf") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		cfg, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load package config %s: %w", path, err)
		}
		name := strings.TrimSuffix(entry.Name(), ".conf")

		limits := cfg.Section("limits")
		pkgs[name] = LimitProfile{
			MemoryLimitMB:   limits.Key("memory_limit").MustInt64(defaults.MemoryLimitMB),
			CPULimitPercent: limits.Key("cpu_limit").MustInt(defaults.CPULimitPercent),
			MaxApps:         limits.Key("max_apps").MustInt(defaults.MaxApps),
			DiskQuotaMB:     limits.Key("disk_quota").MustInt64(defaults.DiskQuotaMB),
		}
	}
	return pkgs, nil
}

// Validate checks numeric ranges and cross-field constraints.
func (s *Snapshot) Validate() error {
	if s.Service.PortRangeStart <= 0 || s.Service.PortRangeEnd > 65535 {
		return fmt.Errorf("port range [%d,%d] is outside the valid port space",
			s.Service.PortRangeStart, s.Service.PortRangeEnd)
	}
	if s.Service.PortRangeStart >= s.Service.PortRangeEnd {
		return fmt.Errorf("port_range_start %d must be less than port_range_end %d",
			s.Service.PortRangeStart, s.Service.PortRangeEnd)
	}
	if s.Service.ManagerPort >= s.Service.PortRangeStart && s.Service.ManagerPort <= s.Service.PortRangeEnd {
		return fmt.Errorf("manager_port %d must be outside the instance port range [%d,%d]",
			s.Service.ManagerPort, s.Service.PortRangeStart, s.Service.PortRangeEnd)
	}
	if err := validateProfile("defaults", s.Defaults); err != nil {
		return err
	}
	for name, profile := range s.Packages {
		if err := validateProfile(name, profile); err != nil {
			return err
		}
	}
	if s.Supervisor.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be greater than 0")
	}
	if s.Supervisor.RestartMaxAttempts <= 0 {
		return fmt.Errorf("restart_max_attempts must be greater than 0")
	}
	return nil
}

func validateProfile(name string, p LimitProfile) error {
	if p.MemoryLimitMB <= 0 {
		return fmt.Errorf("package %s: memory_limit must be greater than 0", name)
	}
	if p.CPULimitPercent < 0 || p.CPULimitPercent > 100 {
		return fmt.Errorf("package %s: cpu_limit must be between 0 and 100", name)
	}
	if p.MaxApps <= 0 {
		return fmt.Errorf("package %s: max_apps must be greater than 0", name)
	}
	return nil
}

// ResolveLimits returns the effective limit profile for a package name,
// falling back to the global defaults when no override exists.
func (s *Snapshot) ResolveLimits(pkg string) LimitProfile {
	if pkg != "" {
		if profile, ok := s.Packages[pkg]; ok {
			return profile
		}
	}
	return s.Defaults
}

// Store holds the active snapshot and swaps it atomically on reload. Readers
// never block and never observe a half-applied configuration.
type Store struct {
	path        string
	packagesDir string
	logger      *slog.Logger
	current     atomic.Pointer[Snapshot]
}

// NewStore loads the initial snapshot from path. A missing file is not an
// error; the defaults are used (matching first-boot behavior).
func NewStore(path, packagesDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	snap, err := Load(path, packagesDir)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:        path,
		packagesDir: packagesDir,
		logger:      logger.With("component", "config"),
	}
	s.current.Store(snap)
	return s, nil
}

// Current returns the active snapshot. The returned value must be treated as
// read-only.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Path returns the main config file path.
func (s *Store) Path() string { return s.path }

// PackagesDir returns the package override directory.
func (s *Store) PackagesDir() string { return s.packagesDir }

// Reload re-parses the configuration and swaps the snapshot. On any parse or
// validation error the previous snapshot stays active and the error is
// returned.
func (s *Store) Reload() (*Snapshot, error) {
	snap, err := Load(s.path, s.packagesDir)
	if err != nil {
		s.logger.Error("Config reload failed, keeping previous snapshot", "error", err)
		return nil, err
	}
	s.current.Store(snap)
	s.logger.Info("Configuration reloaded", "path", s.path)
	return snap, nil
}
