package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"github.com/framehost/framed/internal/config"
	"github.com/framehost/framed/internal/events"
	"github.com/framehost/framed/internal/registry"
	"github.com/framehost/framed/internal/supervisor"
)

func tenantFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := r.PathValue("tenant")
	if !supervisor.ValidTenant(tenant) {
		respondError(w, http.StatusBadRequest, CodeInvalidParameter,
			fmt.Sprintf("invalid tenant name %q", tenant))
		return "", false
	}
	return tenant, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	regSnap := s.reg.Snapshot()
	respondData(w, map[string]any{
		"state":          "running",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"memory": map[string]any{
			"alloc_bytes": mem.Alloc,
			"sys_bytes":   mem.Sys,
			"goroutines":  runtime.NumGoroutine(),
		},
		"instances": s.sup.Counts(),
		"ports": map[string]any{
			"range_start": regSnap.RangeStart,
			"range_end":   regSnap.RangeEnd,
			"allocated":   regSnap.Allocated,
			"available":   regSnap.Available,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{
		"registry": "ok",
		"config":   "ok",
	}
	healthy := true
	if err := s.reg.Ping(); err != nil {
		checks["registry"] = err.Error()
		healthy = false
	}
	if s.cfg.Current() == nil {
		checks["config"] = "no active snapshot"
		healthy = false
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, successEnvelope{Success: healthy, Data: map[string]any{
		"status": status,
		"checks": checks,
	}})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.sampleMetrics()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	io.WriteString(w, s.metrics.Export())
}

// sampleMetrics refreshes the gauges from live state. Counters accumulate
// the delta since the previous scrape so they stay monotonic.
func (s *Server) sampleMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.sup.List()
	counts := s.sup.Counts()
	s.metrics.SetGauge("frame_instances_total", float64(len(list)))
	s.metrics.SetGauge("frame_instances_running", float64(counts["running"]))
	s.metrics.SetGauge("frame_instances_stopped", float64(counts["stopped"]))
	s.metrics.SetGauge("frame_instances_crashed", float64(counts["crashed"]))

	regSnap := s.reg.Snapshot()
	s.metrics.SetGauge("frame_ports_allocated", float64(regSnap.Allocated))
	s.metrics.SetGauge("frame_ports_available", float64(regSnap.Available))

	s.metrics.ClearLabels("frame_memory_usage_bytes")
	s.metrics.ClearLabels("frame_cpu_usage_percent")
	appsTotal := 0
	for _, st := range list {
		if apps, err := s.sup.Apps(st.Tenant); err == nil {
			appsTotal += len(apps)
		}
		if st.State != "running" {
			continue
		}
		labels := map[string]string{"tenant": st.Tenant}
		s.metrics.SetGaugeLabels("frame_memory_usage_bytes", labels, float64(st.Usage.MemoryBytes))
		s.metrics.SetGaugeLabels("frame_cpu_usage_percent", labels, st.Usage.CPUPercent)
	}
	s.metrics.SetGauge("frame_apps_total", float64(appsTotal))

	if restarts := s.sup.TotalRestarts(); restarts > s.lastRestarts {
		s.metrics.Add("frame_restarts_total", float64(restarts-s.lastRestarts))
		s.lastRestarts = restarts
	}
	if failures := s.sink.Count(events.TypeHealthCheckFailed); failures > s.lastHealthFailures {
		s.metrics.Add("frame_health_check_failures", float64(failures-s.lastHealthFailures))
		s.lastHealthFailures = failures
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			respondError(w, http.StatusBadRequest, CodeInvalidParameter, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	tenant := r.URL.Query().Get("tenant")
	if tenant != "" && !supervisor.ValidTenant(tenant) {
		respondError(w, http.StatusBadRequest, CodeInvalidParameter, "invalid tenant filter")
		return
	}

	if s.sink.Persistent() {
		stored, err := s.sink.Stored(tenant, limit)
		if err != nil {
			respondError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
			return
		}
		respondData(w, map[string]any{"events": stored})
		return
	}

	recent := s.sink.Recent(limit)
	if tenant != "" {
		filtered := recent[:0]
		for _, ev := range recent {
			if ev.Tenant == tenant {
				filtered = append(filtered, ev)
			}
		}
		recent = filtered
	}
	respondData(w, map[string]any{"events": recent})
}

func (s *Server) handleInstanceList(w http.ResponseWriter, r *http.Request) {
	respondData(w, map[string]any{"instances": s.sup.List()})
}

func (s *Server) handleInstanceDetail(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	st, err := s.sup.Status(tenant)
	if err != nil {
		respondOperationError(w, err)
		return
	}
	apps, err := s.sup.Apps(tenant)
	if err != nil {
		apps = []string{}
	}
	respondData(w, map[string]any{
		"tenant":         st.Tenant,
		"state":          st.State,
		"port":           st.Port,
		"pid":            st.PID,
		"package":        st.Package,
		"usage":          st.Usage,
		"restart_count":  st.RestartCount,
		"uptime_seconds": st.UptimeSecs,
		"apps":           apps,
	})
}

func (s *Server) handleInstanceCreate(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	var body struct {
		Package string `json:"package"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, CodeInvalidParameter, "invalid request body")
			return
		}
	}
	st, err := s.sup.CreateInstance(tenant, body.Package)
	if err != nil {
		respondOperationError(w, err)
		return
	}
	respondData(w, st)
}

func (s *Server) handleInstanceRemove(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	if err := s.sup.RemoveInstance(tenant); err != nil {
		respondOperationError(w, err)
		return
	}
	respondData(w, map[string]any{"removed": tenant})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	st, err := s.sup.Start(tenant)
	if errors.Is(err, supervisor.ErrAlreadyRunning) {
		// Informational: retrying a start is always safe.
		respondData(w, map[string]any{"port": st.Port, "pid": st.PID, "code": CodeAlreadyRunning})
		return
	}
	if err != nil {
		respondOperationError(w, err)
		return
	}
	respondData(w, map[string]any{"port": st.Port, "pid": st.PID})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	stopped, err := s.sup.Stop(tenant)
	if err != nil {
		respondOperationError(w, err)
		return
	}
	if !stopped {
		// Informational: the instance was not running, which is still a
		// successful outcome for a stop request.
		respondData(w, map[string]any{"stopped": false, "code": CodeAlreadyStopped})
		return
	}
	respondData(w, map[string]any{"stopped": true})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	st, err := s.sup.Restart(tenant)
	if err != nil {
		respondOperationError(w, err)
		return
	}
	respondData(w, map[string]any{"port": st.Port, "pid": st.PID})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantFrom(w, r)
	if !ok {
		return
	}
	count := 100
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, CodeInvalidParameter, "count must be a positive integer")
			return
		}
		count = n
	}
	entries, err := s.sup.Logs(tenant, count)
	if err != nil {
		respondOperationError(w, err)
		return
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s [%s] %s",
			e.Timestamp.UTC().Format(time.RFC3339), e.Source, e.Message))
	}
	respondData(w, map[string]any{"lines": lines})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	respondData(w, s.reg.Snapshot())
}

func (s *Server) handlePortAllocate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tenant string `json:"tenant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidParameter, "invalid request body")
		return
	}
	if !supervisor.ValidTenant(body.Tenant) {
		respondError(w, http.StatusBadRequest, CodeInvalidParameter,
			fmt.Sprintf("invalid tenant name %q", body.Tenant))
		return
	}

	_, had := s.reg.Lookup(body.Tenant)
	port, err := s.reg.Allocate(body.Tenant)
	if err != nil {
		if errors.Is(err, registry.ErrPersistence) {
			// The allocation is live in memory but not on disk.
			respondError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
			return
		}
		respondOperationError(w, err)
		return
	}
	if !had {
		s.sink.Emit(events.Event{
			Type: events.TypePortAllocated, Tenant: body.Tenant,
			Fields: map[string]string{"port": strconv.Itoa(port)},
		})
	}
	respondData(w, map[string]any{"tenant": body.Tenant, "port": port})
}

func (s *Server) handlePortRelease(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tenant string `json:"tenant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidParameter, "invalid request body")
		return
	}
	if !supervisor.ValidTenant(body.Tenant) {
		respondError(w, http.StatusBadRequest, CodeInvalidParameter,
			fmt.Sprintf("invalid tenant name %q", body.Tenant))
		return
	}

	port, had := s.reg.Lookup(body.Tenant)
	if err := s.reg.Release(body.Tenant); err != nil {
		respondError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}
	if had {
		s.sink.Emit(events.Event{
			Type: events.TypePortReleased, Tenant: body.Tenant,
			Fields: map[string]string{"port": strconv.Itoa(port)},
		})
	}
	respondData(w, map[string]any{"released": had})
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Reload()
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidParameter, err.Error())
		return
	}
	s.sink.Emit(events.Event{Type: events.TypeConfigReloaded})
	respondData(w, settingsView(snap))
}

func settingsView(snap *config.Snapshot) map[string]any {
	return map[string]any{
		"service": map[string]any{
			"enabled":               snap.Service.Enabled,
			"port_range_start":      snap.Service.PortRangeStart,
			"port_range_end":        snap.Service.PortRangeEnd,
			"manager_port":          snap.Service.ManagerPort,
			"auto_start":            snap.Service.AutoStart,
			"health_check_interval": int(snap.Service.HealthInterval.Seconds()),
			"instances_dir":         snap.Service.InstancesDir,
			"server_binary":         snap.Service.ServerBinary,
		},
		"defaults": snap.Defaults,
		"supervisor": map[string]any{
			"graceful_stop_timeout":   int(snap.Supervisor.GracefulStopTimeout.Seconds()),
			"restart_max_attempts":    snap.Supervisor.RestartMaxAttempts,
			"restart_window":          int(snap.Supervisor.RestartWindow.Seconds()),
			"restart_backoff_initial": int(snap.Supervisor.RestartBackoffInitial.Seconds()),
			"restart_backoff_max":     int(snap.Supervisor.RestartBackoffMax.Seconds()),
			"failure_threshold":       snap.Supervisor.FailureThreshold,
			"health_check_timeout":    int(snap.Supervisor.HealthTimeout.Seconds()),
			"enforce_limits":          snap.Supervisor.EnforceLimits,
		},
	}
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	respondData(w, settingsView(s.cfg.Current()))
}

var settingsSections = map[string]bool{
	"service":    true,
	"defaults":   true,
	"supervisor": true,
	"logging":    true,
}

// handleSettingsPut applies key updates to the INI file. The new file is
// validated as a whole before it replaces the active one, so a bad update
// never takes down a working configuration.
func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var updates map[string]map[string]string
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidParameter, "invalid request body")
		return
	}
	if len(updates) == 0 {
		respondError(w, http.StatusBadRequest, CodeInvalidParameter, "no settings provided")
		return
	}
	for section := range updates {
		if !settingsSections[section] {
			respondError(w, http.StatusBadRequest, CodeInvalidParameter,
				fmt.Sprintf("unknown settings section %q", section))
			return
		}
	}

	path := s.cfg.Path()
	file := ini.Empty()
	if _, err := os.Stat(path); err == nil {
		loaded, err := ini.Load(path)
		if err != nil {
			respondError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
			return
		}
		file = loaded
	}
	for section, keys := range updates {
		for key, value := range keys {
			file.Section(section).Key(key).SetValue(value)
		}
	}

	tmp := path + ".tmp"
	if err := file.SaveTo(tmp); err != nil {
		respondError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}
	if _, err := config.Load(tmp, s.cfg.PackagesDir()); err != nil {
		os.Remove(tmp)
		respondError(w, http.StatusBadRequest, CodeInvalidParameter, err.Error())
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		respondError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}

	snap, err := s.cfg.Reload()
	if err != nil {
		respondError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}
	s.sink.Emit(events.Event{Type: events.TypeConfigReloaded})
	respondData(w, settingsView(snap))
}

func (s *Server) handlePackagesGet(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Current()
	respondData(w, map[string]any{
		"defaults": snap.Defaults,
		"packages": snap.Packages,
	})
}

var packageNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

func (s *Server) handlePackagePut(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !packageNamePattern.MatchString(name) {
		respondError(w, http.StatusBadRequest, CodeInvalidParameter,
			fmt.Sprintf("invalid package name %q", name))
		return
	}
	var profile config.LimitProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidParameter, "invalid request body")
		return
	}

	dir := s.cfg.PackagesDir()
	if dir == "" {
		respondError(w, http.StatusInternalServerError, CodeInternalError, "no package directory configured")
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		respondError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}

	file := ini.Empty()
	limits := file.Section("limits")
	limits.Key("memory_limit").SetValue(strconv.FormatInt(profile.MemoryLimitMB, 10))
	limits.Key("cpu_limit").SetValue(strconv.Itoa(profile.CPULimitPercent))
	limits.Key("max_apps").SetValue(strconv.Itoa(profile.MaxApps))
	limits.Key("disk_quota").SetValue(strconv.FormatInt(profile.DiskQuotaMB, 10))
	if err := file.SaveTo(filepath.Join(dir, name+".conf")); err != nil {
		respondError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}

	snap, err := s.cfg.Reload()
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeInvalidParameter, err.Error())
		return
	}
	s.sink.Emit(events.Event{Type: events.TypeConfigReloaded})
	respondData(w, map[string]any{"name": name, "limits": snap.Packages[name]})
}
