// Package api is the loopback HTTP control surface. Every handler is a thin
// adapter over the supervisor, registry and configuration store; the API
// holds no lifecycle state of its own. Mutating endpoints require a bearer
// token signed with the daemon's secret.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/framehost/framed/internal/config"
	"github.com/framehost/framed/internal/events"
	"github.com/framehost/framed/internal/metrics"
	"github.com/framehost/framed/internal/registry"
	"github.com/framehost/framed/internal/supervisor"
)

// requestTimeout bounds every API request so a hung downstream operation
// degrades to an error response instead of a stuck client.
const requestTimeout = 30 * time.Second

type Server struct {
	cfg     *config.Store
	sup     *supervisor.Supervisor
	reg     *registry.Registry
	sink    *events.Sink
	metrics *metrics.Collector
	logger  *slog.Logger
	secret  []byte
	version string
	started time.Time

	mu                 sync.Mutex
	lastRestarts       uint64
	lastHealthFailures uint64
}

func New(cfg *config.Store, sup *supervisor.Supervisor, reg *registry.Registry, sink *events.Sink, secret []byte, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		sup:     sup,
		reg:     reg,
		sink:    sink,
		metrics: metrics.NewCollector(),
		logger:  logger.With("component", "api"),
		secret:  secret,
		version: version,
		started: time.Now(),
	}
	s.registerMetrics()
	return s
}

func (s *Server) registerMetrics() {
	s.metrics.RegisterGauge("frame_instances_total", "Number of known instances")
	s.metrics.RegisterGauge("frame_instances_running", "Number of instances currently running")
	s.metrics.RegisterGauge("frame_instances_stopped", "Number of instances currently stopped")
	s.metrics.RegisterGauge("frame_instances_crashed", "Number of instances in the crashed state")
	s.metrics.RegisterGauge("frame_ports_allocated", "Ports currently allocated to tenants")
	s.metrics.RegisterGauge("frame_ports_available", "Free ports remaining in the configured range")
	s.metrics.RegisterGauge("frame_apps_total", "Deployed applications across all instances")
	s.metrics.RegisterGauge("frame_memory_usage_bytes", "Resident memory per running instance")
	s.metrics.RegisterGauge("frame_cpu_usage_percent", "CPU usage per running instance")
	s.metrics.RegisterCounter("frame_restarts_total", "Instance restarts since daemon start")
	s.metrics.RegisterCounter("frame_health_check_failures", "Failed health probes since daemon start")
}

// Handler builds the route table. Read endpoints are open (the listener is
// loopback-only); anything that mutates state goes through requireAuth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /instances", s.handleInstanceList)
	mux.HandleFunc("GET /instances/{tenant}", s.handleInstanceDetail)
	mux.HandleFunc("PUT /instances/{tenant}", s.requireAuth(s.handleInstanceCreate))
	mux.HandleFunc("DELETE /instances/{tenant}", s.requireAuth(s.handleInstanceRemove))
	mux.HandleFunc("POST /instances/{tenant}/start", s.requireAuth(s.handleStart))
	mux.HandleFunc("POST /instances/{tenant}/stop", s.requireAuth(s.handleStop))
	mux.HandleFunc("POST /instances/{tenant}/restart", s.requireAuth(s.handleRestart))
	mux.HandleFunc("GET /instances/{tenant}/logs", s.handleLogs)

	mux.HandleFunc("GET /ports", s.handlePorts)
	mux.HandleFunc("POST /ports/allocate", s.requireAuth(s.handlePortAllocate))
	mux.HandleFunc("POST /ports/release", s.requireAuth(s.handlePortRelease))

	mux.HandleFunc("POST /config/reload", s.requireAuth(s.handleConfigReload))
	mux.HandleFunc("GET /settings", s.handleSettingsGet)
	mux.HandleFunc("PUT /settings", s.requireAuth(s.handleSettingsPut))
	mux.HandleFunc("GET /packages", s.handlePackagesGet)
	mux.HandleFunc("PUT /packages/{name}", s.requireAuth(s.handlePackagePut))

	timeoutBody := `{"success":false,"error":"request timed out","code":"` + CodeInternalError + `"}`
	return http.TimeoutHandler(mux, requestTimeout, timeoutBody)
}

// Serve listens on the loopback manager port until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Current().Service.ManagerPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind control API: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()
	s.logger.Info("Control API listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
