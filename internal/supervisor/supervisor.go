// Package supervisor owns the per-tenant instance table and the lifecycle of
// every child process: spawn, graceful stop, crash recovery and restart
// budgeting. Lifecycle operations for one tenant are serialized on a
// per-instance mutex; operations on different tenants run in parallel.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/framehost/framed/internal/config"
	"github.com/framehost/framed/internal/events"
	"github.com/framehost/framed/internal/registry"
)

var (
	// ErrAlreadyRunning is returned by Start for an instance that is already
	// running or mid-spawn.
	ErrAlreadyRunning = errors.New("instance is already running")

	// ErrNotFound is returned when the tenant has no instance and no port
	// allocation.
	ErrNotFound = errors.New("instance not found")

	// ErrSpawnFailed covers a missing executable, a failed exec, or a failed
	// limit application. The port allocation is rolled back if it was made
	// for this attempt.
	ErrSpawnFailed = errors.New("failed to spawn instance process")
)

const logBufferCapacity = 1000

// instance is one tenant's supervised child. opMu serializes lifecycle
// operations (start, stop, restart, recovery); mu guards the mutable fields
// and is never held across a blocking call.
type instance struct {
	tenant string

	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	cmd           *exec.Cmd
	pid           int
	startedAt     time.Time
	stopRequested bool
	waitDone      chan struct{}
	restartCount  int
	crashTimes    []time.Time
	probeFailures int
	pkg           string
	autoStart     bool
	logs          *LogBuffer
	restartDelay  *backoff.ExponentialBackOff

	lastCPUSeconds float64
	lastCPUSample  time.Time
}

// Supervisor manages all instances. The API layer and the health monitor
// only ever touch instances through its methods.
type Supervisor struct {
	cfg    *config.Store
	reg    *registry.Registry
	sink   *events.Sink
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]*instance

	// closing is closed by Shutdown; pending crash-restarts abort on it so
	// no child is respawned after the stop fanout.
	closing   chan struct{}
	closeOnce sync.Once

	totalRestarts atomic.Uint64
}

func New(cfg *config.Store, reg *registry.Registry, sink *events.Sink, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:       cfg,
		reg:       reg,
		sink:      sink,
		logger:    logger.With("component", "supervisor"),
		instances: make(map[string]*instance),
		closing:   make(chan struct{}),
	}
}

// instance returns the tracked instance for a tenant, creating the table
// entry on demand when create is true. Creation loads the tenant's metadata
// file if one exists.
func (s *Supervisor) instance(tenant string, create bool) *instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[tenant]
	if !ok && create {
		inst = &instance{
			tenant: tenant,
			state:  StateStopped,
			logs:   NewLogBuffer(logBufferCapacity),
		}
		if meta, err := s.loadMeta(tenant); err == nil {
			inst.pkg = meta.Package
			inst.autoStart = meta.AutoStart
		}
		s.instances[tenant] = inst
	}
	return inst
}

// Start spawns the tenant's child process. It is a no-op (with
// ErrAlreadyRunning) when the instance is already running or starting; the
// instance table entry is created implicitly for an unknown tenant.
func (s *Supervisor) Start(tenant string) (Status, error) {
	inst := s.instance(tenant, true)
	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	if st := inst.currentState(); st == StateRunning || st == StateStarting {
		return s.statusOf(inst), ErrAlreadyRunning
	}
	if err := s.startLocked(inst); err != nil {
		return s.statusOf(inst), err
	}
	return s.statusOf(inst), nil
}

func (inst *instance) currentState() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// startLocked performs the spawn. Caller holds opMu.
func (s *Supervisor) startLocked(inst *instance) error {
	snap := s.cfg.Current()

	_, hadPort := s.reg.Lookup(inst.tenant)
	port, err := s.reg.Allocate(inst.tenant)
	if err != nil {
		if !errors.Is(err, registry.ErrPersistence) {
			return err
		}
		// The allocation took effect in memory; keep going and let the
		// operator deal with the disk fault.
		s.logger.Warn("Port allocation not persisted", "tenant", inst.tenant, "error", err)
	}
	fresh := !hadPort
	if fresh {
		s.sink.Emit(events.Event{
			Type: events.TypePortAllocated, Tenant: inst.tenant,
			Fields: map[string]string{"port": strconv.Itoa(port)},
		})
	}
	fail := func(cause error) error {
		inst.mu.Lock()
		inst.state = StateStopped
		inst.mu.Unlock()
		if fresh {
			s.releasePort(inst.tenant)
		}
		return fmt.Errorf("%w: %v", ErrSpawnFailed, cause)
	}

	if err := s.ensureDirs(inst.tenant); err != nil {
		return fail(err)
	}

	meta, _ := s.loadMeta(inst.tenant)
	limits := snap.ResolveLimits(inst.pkg)
	home := s.instanceDir(inst.tenant)
	appDir := filepath.Join(home, "apps")
	dataDir := filepath.Join(home, "data")

	cmd := exec.Command(snap.Service.ServerBinary,
		"--port", strconv.Itoa(port),
		"--app-dir", appDir,
		"--data-dir", dataDir,
	)
	cmd.Dir = home
	cmd.SysProcAttr = sysProcAttr()
	cmd.Env = append(os.Environ(),
		"FRAME_TENANT="+inst.tenant,
		"FRAME_PORT="+strconv.Itoa(port),
		"FRAME_APP_DIR="+appDir,
		"FRAME_DATA_DIR="+dataDir,
		fmt.Sprintf("FRAME_MEMORY_LIMIT_MB=%d", limits.MemoryLimitMB),
		fmt.Sprintf("FRAME_CPU_LIMIT_PERCENT=%d", limits.CPULimitPercent),
		fmt.Sprintf("FRAME_MAX_APPS=%d", limits.MaxApps),
		fmt.Sprintf("FRAME_DISK_QUOTA_MB=%d", limits.DiskQuotaMB),
	)
	for k, v := range meta.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail(err)
	}

	inst.mu.Lock()
	inst.state = StateStarting
	inst.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return fail(err)
	}
	pid := cmd.Process.Pid

	// The reaper must not call Wait until both pipes are drained, or the
	// child's final output lines can be lost.
	var captures sync.WaitGroup
	captures.Add(2)
	go func() {
		defer captures.Done()
		inst.logs.capture(stdout, "stdout", pid)
	}()
	go func() {
		defer captures.Done()
		inst.logs.capture(stderr, "stderr", pid)
	}()

	if snap.Supervisor.EnforceLimits {
		if err := applyLimits(inst.tenant, pid, limits); err != nil {
			kill(cmd)
			captures.Wait()
			cmd.Wait()
			return fail(err)
		}
	}

	done := make(chan struct{})
	inst.mu.Lock()
	inst.cmd = cmd
	inst.pid = pid
	inst.state = StateRunning
	inst.startedAt = time.Now()
	inst.stopRequested = false
	inst.waitDone = done
	inst.probeFailures = 0
	inst.lastCPUSeconds = 0
	inst.lastCPUSample = time.Time{}
	inst.mu.Unlock()

	go s.reap(inst, cmd, done, &captures)

	s.logger.Info("Instance started", "tenant", inst.tenant, "port", port, "pid", pid)
	s.sink.Emit(events.Event{
		Type: events.TypeInstanceStarted, Tenant: inst.tenant,
		Fields: map[string]string{"port": strconv.Itoa(port), "pid": strconv.Itoa(pid)},
	})
	return nil
}

// reap waits for the child to exit. The stop path owns the state transition
// when the exit was requested; otherwise this is a crash.
func (s *Supervisor) reap(inst *instance, cmd *exec.Cmd, done chan struct{}, captures *sync.WaitGroup) {
	captures.Wait()
	waitErr := cmd.Wait()
	close(done)

	inst.mu.Lock()
	if inst.cmd != cmd || inst.stopRequested {
		inst.mu.Unlock()
		return
	}
	pid := inst.pid
	inst.cmd = nil
	inst.pid = 0
	inst.state = StateCrashed
	inst.crashTimes = append(inst.crashTimes, time.Now())
	inst.mu.Unlock()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	s.logger.Error("Instance exited unexpectedly",
		"tenant", inst.tenant, "pid", pid, "exit_code", exitCode, "error", waitErr)
	removeLimits(inst.tenant)
	s.sink.Emit(events.Event{
		Type: events.TypeInstanceCrashed, Tenant: inst.tenant,
		Fields: map[string]string{"pid": strconv.Itoa(pid), "exit_code": strconv.Itoa(exitCode)},
	})

	go s.maybeRestart(inst)
}

// maybeRestart attempts an automatic restart of a crashed instance, bounded
// by the attempt budget over the sliding window. Exhausting the budget
// leaves the instance stopped with its port released.
func (s *Supervisor) maybeRestart(inst *instance) {
	sup := s.cfg.Current().Supervisor

	inst.mu.Lock()
	cutoff := time.Now().Add(-sup.RestartWindow)
	kept := inst.crashTimes[:0]
	for _, t := range inst.crashTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	inst.crashTimes = kept
	attempts := len(inst.crashTimes)
	if inst.restartDelay == nil {
		inst.restartDelay = newRestartBackoff(sup)
	}
	delay := inst.restartDelay.NextBackOff()
	inst.mu.Unlock()

	if attempts > sup.RestartMaxAttempts {
		s.logger.Error("Restart budget exhausted, leaving instance stopped",
			"tenant", inst.tenant, "attempts", attempts, "window", sup.RestartWindow)
		s.settleCrashed(inst)
		return
	}

	s.logger.Info("Scheduling automatic restart",
		"tenant", inst.tenant, "attempt", attempts, "delay", delay)
	select {
	case <-time.After(delay):
	case <-s.closing:
		return
	}

	inst.opMu.Lock()
	defer inst.opMu.Unlock()
	if s.shuttingDown() {
		return
	}
	if inst.currentState() != StateCrashed {
		// An operator stopped or restarted the instance in the meantime.
		return
	}
	if err := s.startLocked(inst); err != nil {
		s.logger.Error("Automatic restart failed", "tenant", inst.tenant, "error", err)
		inst.mu.Lock()
		inst.state = StateCrashed
		inst.crashTimes = append(inst.crashTimes, time.Now())
		inst.mu.Unlock()
		go s.maybeRestart(inst)
		return
	}
	inst.mu.Lock()
	inst.restartCount++
	inst.mu.Unlock()
	s.totalRestarts.Add(1)
}

func newRestartBackoff(sup config.SupervisorConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sup.RestartBackoffInitial
	b.MaxInterval = sup.RestartBackoffMax
	b.RandomizationFactor = 0
	// The attempt budget bounds retries, not elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// settleCrashed moves a crashed instance to stopped and releases its port.
func (s *Supervisor) settleCrashed(inst *instance) {
	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	inst.mu.Lock()
	if inst.state != StateCrashed {
		inst.mu.Unlock()
		return
	}
	inst.state = StateStopped
	inst.crashTimes = nil
	inst.restartDelay = nil
	inst.mu.Unlock()

	s.releasePort(inst.tenant)
}

// Stop terminates the tenant's child process. The returned bool is true when
// a process was actually stopped; stopping an instance that is not running
// is a success no-op.
func (s *Supervisor) Stop(tenant string) (bool, error) {
	inst := s.instance(tenant, false)
	if inst == nil {
		return false, nil
	}
	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	switch inst.currentState() {
	case StateStopped:
		return false, nil
	case StateCrashed:
		// No process left, just settle the bookkeeping.
		inst.mu.Lock()
		inst.state = StateStopped
		inst.crashTimes = nil
		inst.restartDelay = nil
		inst.mu.Unlock()
		s.releasePort(tenant)
		return false, nil
	}
	s.stopLocked(inst, true)
	return true, nil
}

// stopLocked sends SIGTERM, waits up to the grace period, escalates to
// SIGKILL and finalizes the stopped state. Caller holds opMu.
func (s *Supervisor) stopLocked(inst *instance, releasePort bool) {
	grace := s.cfg.Current().Supervisor.GracefulStopTimeout

	inst.mu.Lock()
	cmd := inst.cmd
	done := inst.waitDone
	pid := inst.pid
	inst.stopRequested = true
	inst.state = StateStopping
	inst.mu.Unlock()

	if cmd != nil {
		if err := terminate(cmd); err != nil {
			s.logger.Warn("Failed to signal instance", "tenant", inst.tenant, "pid", pid, "error", err)
		}
		select {
		case <-done:
		case <-time.After(grace):
			s.logger.Warn("Graceful stop timed out, killing process group",
				"tenant", inst.tenant, "pid", pid, "grace", grace)
			if err := kill(cmd); err != nil {
				s.logger.Error("Failed to kill instance", "tenant", inst.tenant, "pid", pid, "error", err)
			}
			<-done
		}
	}
	removeLimits(inst.tenant)

	inst.mu.Lock()
	inst.cmd = nil
	inst.pid = 0
	inst.state = StateStopped
	inst.stopRequested = false
	inst.probeFailures = 0
	inst.crashTimes = nil
	inst.restartDelay = nil
	inst.mu.Unlock()

	if releasePort {
		s.releasePort(inst.tenant)
	}
	s.logger.Info("Instance stopped", "tenant", inst.tenant, "pid", pid)
	s.sink.Emit(events.Event{Type: events.TypeInstanceStopped, Tenant: inst.tenant})
}

// Restart performs stop-then-start as one serialized operation. The port is
// kept through the stop so no other tenant can claim it mid-restart.
func (s *Supervisor) Restart(tenant string) (Status, error) {
	inst := s.instance(tenant, true)
	inst.opMu.Lock()
	defer inst.opMu.Unlock()

	if st := inst.currentState(); st == StateRunning || st == StateStarting {
		s.stopLocked(inst, false)
	}
	if err := s.startLocked(inst); err != nil {
		return s.statusOf(inst), err
	}
	inst.mu.Lock()
	inst.restartCount++
	inst.mu.Unlock()
	s.totalRestarts.Add(1)
	return s.statusOf(inst), nil
}

// RecoverUnresponsive forces the crash-handling path for an instance whose
// process is alive but failing health probes. It funnels through the same
// per-tenant serialization as explicit restarts.
func (s *Supervisor) RecoverUnresponsive(tenant, reason string) {
	inst := s.instance(tenant, false)
	if inst == nil {
		return
	}
	inst.opMu.Lock()

	inst.mu.Lock()
	if inst.state != StateRunning {
		inst.mu.Unlock()
		inst.opMu.Unlock()
		return
	}
	cmd := inst.cmd
	done := inst.waitDone
	pid := inst.pid
	// Claim the exit so the reaper does not also treat it as a crash.
	inst.stopRequested = true
	inst.mu.Unlock()

	s.logger.Error("Instance unresponsive, forcing recovery",
		"tenant", tenant, "pid", pid, "reason", reason)
	if cmd != nil {
		if err := kill(cmd); err != nil {
			s.logger.Error("Failed to kill unresponsive instance", "tenant", tenant, "pid", pid, "error", err)
		}
		<-done
	}
	removeLimits(tenant)

	inst.mu.Lock()
	inst.cmd = nil
	inst.pid = 0
	inst.state = StateCrashed
	inst.stopRequested = false
	inst.probeFailures = 0
	inst.crashTimes = append(inst.crashTimes, time.Now())
	inst.mu.Unlock()
	inst.opMu.Unlock()

	s.sink.Emit(events.Event{
		Type: events.TypeInstanceCrashed, Tenant: tenant,
		Fields: map[string]string{"pid": strconv.Itoa(pid), "reason": reason},
	})
	go s.maybeRestart(inst)
}

// RecordProbe updates the consecutive health-probe failure counter and
// returns its new value. A successful probe resets it to zero.
func (s *Supervisor) RecordProbe(tenant string, healthy bool) int {
	inst := s.instance(tenant, false)
	if inst == nil {
		return 0
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if healthy {
		inst.probeFailures = 0
	} else {
		inst.probeFailures++
	}
	return inst.probeFailures
}

// Status reports one tenant. A tenant that only holds a port allocation
// (explicitly allocated, never started) is reported as stopped.
func (s *Supervisor) Status(tenant string) (Status, error) {
	inst := s.instance(tenant, false)
	if inst == nil {
		if port, ok := s.reg.Lookup(tenant); ok {
			return Status{Tenant: tenant, State: StateStopped.String(), Port: port}, nil
		}
		if s.instanceExists(tenant) {
			return Status{Tenant: tenant, State: StateStopped.String()}, nil
		}
		return Status{}, ErrNotFound
	}
	return s.statusOf(inst), nil
}

func (s *Supervisor) statusOf(inst *instance) Status {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	st := Status{
		Tenant:       inst.tenant,
		State:        inst.state.String(),
		PID:          inst.pid,
		Package:      inst.pkg,
		RestartCount: inst.restartCount,
	}
	if port, ok := s.reg.Lookup(inst.tenant); ok {
		st.Port = port
	}
	if inst.state == StateRunning && inst.pid != 0 {
		st.UptimeSecs = int64(time.Since(inst.startedAt).Seconds())
		rss, cpuSeconds, err := readProcUsage(inst.pid)
		if err == nil {
			st.Usage.MemoryBytes = rss
			now := time.Now()
			if !inst.lastCPUSample.IsZero() && cpuSeconds >= inst.lastCPUSeconds {
				if dt := now.Sub(inst.lastCPUSample).Seconds(); dt > 0 {
					st.Usage.CPUPercent = (cpuSeconds - inst.lastCPUSeconds) / dt * 100
				}
			}
			inst.lastCPUSeconds = cpuSeconds
			inst.lastCPUSample = now
		}
	}
	return st
}

// List reports every known tenant: tracked instances plus tenants that only
// hold a port allocation, sorted by tenant.
func (s *Supervisor) List() []Status {
	s.mu.Lock()
	insts := make([]*instance, 0, len(s.instances))
	seen := make(map[string]bool, len(s.instances))
	for tenant, inst := range s.instances {
		insts = append(insts, inst)
		seen[tenant] = true
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(insts))
	for _, inst := range insts {
		out = append(out, s.statusOf(inst))
	}
	for _, tenant := range s.reg.Tenants() {
		if !seen[tenant] {
			port, _ := s.reg.Lookup(tenant)
			out = append(out, Status{Tenant: tenant, State: StateStopped.String(), Port: port})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	return out
}

// Logs returns recent output lines for a tenant, oldest first.
func (s *Supervisor) Logs(tenant string, count int) ([]LogEntry, error) {
	inst := s.instance(tenant, false)
	if inst == nil {
		return nil, ErrNotFound
	}
	return inst.logs.Latest(count), nil
}

// Counts returns the number of instances per state plus tenants known only
// to the registry (counted as stopped). Used by the metrics surface.
func (s *Supervisor) Counts() map[string]int {
	counts := map[string]int{
		StateStopped.String():  0,
		StateStarting.String(): 0,
		StateRunning.String():  0,
		StateStopping.String(): 0,
		StateCrashed.String():  0,
	}
	for _, st := range s.List() {
		counts[st.State]++
	}
	return counts
}

// TotalRestarts returns the number of restarts performed since the daemon
// started, manual and automatic.
func (s *Supervisor) TotalRestarts() uint64 {
	return s.totalRestarts.Load()
}

// RunningInstance is the health monitor's view of one live child.
type RunningInstance struct {
	Tenant    string
	Port      int
	PID       int
	StartedAt time.Time
}

// Running lists instances currently in the running state.
func (s *Supervisor) Running() []RunningInstance {
	s.mu.Lock()
	insts := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.Unlock()

	out := make([]RunningInstance, 0, len(insts))
	for _, inst := range insts {
		inst.mu.Lock()
		if inst.state == StateRunning {
			ri := RunningInstance{Tenant: inst.tenant, PID: inst.pid, StartedAt: inst.startedAt}
			inst.mu.Unlock()
			if port, ok := s.reg.Lookup(ri.Tenant); ok {
				ri.Port = port
			}
			out = append(out, ri)
			continue
		}
		inst.mu.Unlock()
	}
	return out
}

func (s *Supervisor) shuttingDown() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// Shutdown cancels pending crash-restarts and stops every running instance
// in parallel. Port allocations are kept so the next boot can reconstruct
// them. The supervisor must not be used after Shutdown.
func (s *Supervisor) Shutdown() {
	s.closeOnce.Do(func() { close(s.closing) })

	s.mu.Lock()
	insts := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		insts = append(insts, inst)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range insts {
		wg.Add(1)
		go func(inst *instance) {
			defer wg.Done()
			inst.opMu.Lock()
			defer inst.opMu.Unlock()
			if st := inst.currentState(); st == StateRunning || st == StateStarting {
				s.stopLocked(inst, false)
			}
		}(inst)
	}
	wg.Wait()
}

func (s *Supervisor) releasePort(tenant string) {
	port, ok := s.reg.Lookup(tenant)
	if !ok {
		return
	}
	if err := s.reg.Release(tenant); err != nil {
		s.logger.Error("Failed to release port", "tenant", tenant, "port", port, "error", err)
	}
	s.sink.Emit(events.Event{
		Type: events.TypePortReleased, Tenant: tenant,
		Fields: map[string]string{"port": strconv.Itoa(port)},
	})
}
