// Package health runs the periodic probe loop for running instances. Three
// checks per instance: the process exists, the port accepts connections, and
// the HTTP health endpoint answers. Probes for different tenants run
// independently so one hung instance cannot delay the others.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/framehost/framed/internal/config"
	"github.com/framehost/framed/internal/events"
	"github.com/framehost/framed/internal/supervisor"
)

// defaultStartupGrace is how long after a spawn probes are skipped, giving
// the child time to bind its port.
const defaultStartupGrace = 10 * time.Second

// Monitor drives health probes on a fixed interval.
type Monitor struct {
	cfg    *config.Store
	sup    *supervisor.Supervisor
	sink   *events.Sink
	logger *slog.Logger
	client *http.Client

	// startupGrace is overridable in tests.
	startupGrace time.Duration

	mu       sync.Mutex
	inflight map[string]bool
}

func New(cfg *config.Store, sup *supervisor.Supervisor, sink *events.Sink, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:          cfg,
		sup:          sup,
		sink:         sink,
		logger:       logger.With("component", "health"),
		client:       &http.Client{},
		startupGrace: defaultStartupGrace,
		inflight:     make(map[string]bool),
	}
}

// Run blocks until ctx is cancelled, sweeping all running instances on the
// configured interval. The interval follows config reloads.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.Current().Service.HealthInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if next := m.cfg.Current().Service.HealthInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
			m.sweep(ctx)
		}
	}
}

// sweep launches one probe goroutine per running instance. An instance
// whose previous probe is still in flight is skipped rather than probed
// concurrently.
func (m *Monitor) sweep(ctx context.Context) {
	snap := m.cfg.Current()
	for _, ri := range m.sup.Running() {
		if time.Since(ri.StartedAt) < m.startupGrace {
			continue
		}
		m.mu.Lock()
		if m.inflight[ri.Tenant] {
			m.mu.Unlock()
			continue
		}
		m.inflight[ri.Tenant] = true
		m.mu.Unlock()

		go func(ri supervisor.RunningInstance) {
			defer func() {
				m.mu.Lock()
				delete(m.inflight, ri.Tenant)
				m.mu.Unlock()
			}()
			m.probe(ctx, ri, snap)
		}(ri)
	}
}

func (m *Monitor) probe(ctx context.Context, ri supervisor.RunningInstance, snap *config.Snapshot) {
	err := m.check(ctx, ri, snap.Supervisor.HealthTimeout)
	if err == nil {
		m.sup.RecordProbe(ri.Tenant, true)
		m.checkLimits(ri, snap)
		return
	}

	failures := m.sup.RecordProbe(ri.Tenant, false)
	m.logger.Warn("Health probe failed",
		"tenant", ri.Tenant, "port", ri.Port, "failures", failures, "error", err)
	m.sink.Emit(events.Event{
		Type: events.TypeHealthCheckFailed, Tenant: ri.Tenant,
		Fields: map[string]string{
			"error":    err.Error(),
			"failures": strconv.Itoa(failures),
		},
	})

	if failures >= snap.Supervisor.FailureThreshold {
		m.sup.RecoverUnresponsive(ri.Tenant,
			fmt.Sprintf("%d consecutive health check failures", failures))
	}
}

func (m *Monitor) check(ctx context.Context, ri supervisor.RunningInstance, timeout time.Duration) error {
	if err := CheckProcess(ri.PID); err != nil {
		return err
	}
	if err := CheckPort(ri.Port, timeout); err != nil {
		return err
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return CheckHTTP(probeCtx, m.client, ri.Port)
}

// checkLimits samples resource usage and flags instances over their memory
// ceiling. Enforcement (if any) happens through cgroups at spawn time; this
// is the observability side.
func (m *Monitor) checkLimits(ri supervisor.RunningInstance, snap *config.Snapshot) {
	st, err := m.sup.Status(ri.Tenant)
	if err != nil {
		return
	}
	limits := snap.ResolveLimits(st.Package)
	limitBytes := limits.MemoryLimitMB * 1024 * 1024
	if st.Usage.MemoryBytes > limitBytes {
		m.logger.Warn("Instance over memory limit",
			"tenant", ri.Tenant, "usage_bytes", st.Usage.MemoryBytes, "limit_bytes", limitBytes)
		m.sink.Emit(events.Event{
			Type: events.TypeResourceLimitReached, Tenant: ri.Tenant,
			Fields: map[string]string{
				"resource":    "memory",
				"usage_bytes": strconv.FormatInt(st.Usage.MemoryBytes, 10),
				"limit_bytes": strconv.FormatInt(limitBytes, 10),
			},
		})
	}
}
