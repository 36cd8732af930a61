package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// Tenant names come from system accounts: lowercase, starts with a letter or
// underscore, at most 32 characters.
var tenantPattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// ValidTenant reports whether name is an acceptable tenant identifier.
func ValidTenant(name string) bool {
	return tenantPattern.MatchString(name)
}

// metaFile sits in each tenant's home directory and carries settings that
// are not derivable from the global configuration.
const metaFile = "config.json"

// InstanceMeta is the per-tenant settings file.
type InstanceMeta struct {
	Package   string            `json:"package,omitempty"`
	AutoStart bool              `json:"auto_start"`
	Env       map[string]string `json:"env,omitempty"`
}

func (s *Supervisor) instanceDir(tenant string) string {
	return filepath.Join(s.cfg.Current().Service.InstancesDir, tenant)
}

func (s *Supervisor) instanceExists(tenant string) bool {
	info, err := os.Stat(s.instanceDir(tenant))
	return err == nil && info.IsDir()
}

// ensureDirs creates the tenant's home layout: apps/ for deployed
// applications, data/ for runtime state, logs/ for the child's own files.
func (s *Supervisor) ensureDirs(tenant string) error {
	home := s.instanceDir(tenant)
	for _, sub := range []string{"apps", "data", "logs"} {
		if err := os.MkdirAll(filepath.Join(home, sub), 0755); err != nil {
			return fmt.Errorf("failed to create instance directory: %w", err)
		}
	}
	return nil
}

func (s *Supervisor) loadMeta(tenant string) (InstanceMeta, error) {
	meta := InstanceMeta{AutoStart: true}
	data, err := os.ReadFile(filepath.Join(s.instanceDir(tenant), metaFile))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return InstanceMeta{AutoStart: true}, fmt.Errorf("invalid instance metadata for %s: %w", tenant, err)
	}
	return meta, nil
}

func (s *Supervisor) saveMeta(tenant string, meta InstanceMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.instanceDir(tenant), metaFile), data, 0644)
}

// CreateInstance provisions a tenant's home directory and metadata without
// starting a process. Used by account-provisioning hooks; Start also
// provisions implicitly, so calling this first is optional.
func (s *Supervisor) CreateInstance(tenant, pkg string) (Status, error) {
	if !ValidTenant(tenant) {
		return Status{}, fmt.Errorf("invalid tenant name %q", tenant)
	}
	if err := s.ensureDirs(tenant); err != nil {
		return Status{}, err
	}
	meta, err := s.loadMeta(tenant)
	if err != nil && !os.IsNotExist(err) && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("Replacing unreadable instance metadata", "tenant", tenant, "error", err)
	}
	if pkg != "" {
		meta.Package = pkg
	}
	if err := s.saveMeta(tenant, meta); err != nil {
		return Status{}, err
	}

	inst := s.instance(tenant, true)
	inst.mu.Lock()
	inst.pkg = meta.Package
	inst.autoStart = meta.AutoStart
	inst.mu.Unlock()

	s.logger.Info("Instance provisioned", "tenant", tenant, "package", meta.Package)
	return s.statusOf(inst), nil
}

// RemoveInstance stops the tenant's process if needed, releases its port and
// purges all on-disk state. Irreversible.
func (s *Supervisor) RemoveInstance(tenant string) error {
	inst := s.instance(tenant, false)
	if inst != nil {
		inst.opMu.Lock()
		if st := inst.currentState(); st == StateRunning || st == StateStarting {
			s.stopLocked(inst, true)
		}
		inst.opMu.Unlock()
	}
	s.releasePort(tenant)

	if err := os.RemoveAll(s.instanceDir(tenant)); err != nil {
		return fmt.Errorf("failed to remove instance directory: %w", err)
	}

	s.mu.Lock()
	delete(s.instances, tenant)
	s.mu.Unlock()

	s.logger.Info("Instance removed", "tenant", tenant)
	return nil
}

// Apps lists the deployed applications in the tenant's apps directory.
func (s *Supervisor) Apps(tenant string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.instanceDir(tenant), "apps"))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	apps := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			apps = append(apps, entry.Name())
		}
	}
	sort.Strings(apps)
	return apps, nil
}

// AutoStartAll scans provisioned instances and starts every one whose
// metadata requests it. Called once at daemon boot when the global
// auto-start flag is on. Failures are logged per tenant and do not abort
// the scan.
func (s *Supervisor) AutoStartAll() {
	dir := s.cfg.Current().Service.InstancesDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error("Failed to scan instances directory", "dir", dir, "error", err)
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() || !ValidTenant(entry.Name()) {
			continue
		}
		tenant := entry.Name()
		meta, err := s.loadMeta(tenant)
		if err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Skipping instance with unreadable metadata", "tenant", tenant, "error", err)
			continue
		}
		if !meta.AutoStart {
			continue
		}
		if _, err := s.Start(tenant); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Error("Auto-start failed", "tenant", tenant, "error", err)
		}
	}
}

// SetAutoStart flips the tenant's boot auto-start flag in its metadata.
func (s *Supervisor) SetAutoStart(tenant string, enabled bool) error {
	if !s.instanceExists(tenant) {
		return ErrNotFound
	}
	meta, err := s.loadMeta(tenant)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	meta.AutoStart = enabled
	if err := s.saveMeta(tenant, meta); err != nil {
		return err
	}
	if inst := s.instance(tenant, false); inst != nil {
		inst.mu.Lock()
		inst.autoStart = enabled
		inst.mu.Unlock()
	}
	return nil
}
