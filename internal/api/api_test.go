package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/framehost/framed/internal/config"
	"github.com/framehost/framed/internal/events"
	"github.com/framehost/framed/internal/registry"
	"github.com/framehost/framed/internal/supervisor"
)

type apiEnv struct {
	srv    *httptest.Server
	token  string
	reg    *registry.Registry
	sup    *supervisor.Supervisor
	store  *config.Store
	tmpDir string
}

const testSleepScript = `#!/bin/sh
trap 'exit 0' TERM INT
sleep 60 &
wait $!
`

func newAPIEnv(t *testing.T, serverBinary string) *apiEnv {
	t.Helper()
	dir := t.TempDir()

	if serverBinary == "" {
		serverBinary = filepath.Join(dir, "server.sh")
		if err := os.WriteFile(serverBinary, []byte(testSleepScript), 0755); err != nil {
			t.Fatal(err)
		}
	}

	confPath := filepath.Join(dir, "framed.conf")
	conf := fmt.Sprintf(`[service]
port_range_start = 44001
port_range_end = 44010
manager_port = 44000
instances_dir = %s
state_dir = %s
server_binary = %s

[supervisor]
graceful_stop_timeout = 1
restart_max_attempts = 2
restart_window = 60
restart_backoff_initial = 1
restart_backoff_max = 1
`, filepath.Join(dir, "instances"), dir, serverBinary)
	if err := os.WriteFile(confPath, []byte(conf), 0644); err != nil {
		t.Fatal(err)
	}
	store, err := config.NewStore(confPath, filepath.Join(dir, "packages"), nil)
	if err != nil {
		t.Fatalf("Failed to load test config: %v", err)
	}

	db, err := sqlx.Connect("sqlite3", filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	reg, err := registry.Open(db, 44001, 44010, nil)
	if err != nil {
		t.Fatal(err)
	}
	sink, err := events.NewSink(nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	sup := supervisor.New(store, reg, sink, nil)
	t.Cleanup(sup.Shutdown)

	secret, err := LoadSecret(filepath.Join(dir, "secret"))
	if err != nil {
		t.Fatalf("LoadSecret returned error: %v", err)
	}
	token, err := IssueToken(secret, "test", time.Minute)
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}

	server := New(store, sup, reg, sink, secret, "test", nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &apiEnv{srv: srv, token: token, reg: reg, sup: sup, store: store, tmpDir: dir}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (e *apiEnv) do(t *testing.T, method, path string, body any, auth bool) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("%s %s returned undecodable body: %v", method, path, err)
	}
	return resp.StatusCode, env
}

func TestMutatingEndpointsRequireAuth(t *testing.T) {
	env := newAPIEnv(t, "")

	status, body := env.do(t, http.MethodPost, "/instances/alice/start", nil, false)
	if status != http.StatusUnauthorized {
		t.Errorf("Status without token = %d, want 401", status)
	}
	if body.Success || body.Code != CodePermissionDenied {
		t.Errorf("Expected PERMISSION_DENIED envelope, got %+v", body)
	}

	// Read endpoints stay open.
	status, body = env.do(t, http.MethodGet, "/status", nil, false)
	if status != http.StatusOK || !body.Success {
		t.Errorf("GET /status without token = %d %+v", status, body)
	}
}

func TestInvalidTenantRejected(t *testing.T) {
	env := newAPIEnv(t, "")

	status, body := env.do(t, http.MethodPost, "/instances/Not..Valid/start", nil, true)
	if status != http.StatusBadRequest || body.Code != CodeInvalidParameter {
		t.Errorf("Expected 400 INVALID_PARAMETER, got %d %+v", status, body)
	}
}

func TestStartStopViaAPI(t *testing.T) {
	env := newAPIEnv(t, "")

	status, body := env.do(t, http.MethodPost, "/instances/alice/start", nil, true)
	if status != http.StatusOK || !body.Success {
		t.Fatalf("Start = %d %+v", status, body)
	}
	var started struct {
		Port int `json:"port"`
		PID  int `json:"pid"`
	}
	if err := json.Unmarshal(body.Data, &started); err != nil {
		t.Fatal(err)
	}
	if started.Port < 44001 || started.Port > 44010 || started.PID <= 0 {
		t.Errorf("Unexpected start payload: %+v", started)
	}

	// Starting again is an informational success, not a failure.
	status, body = env.do(t, http.MethodPost, "/instances/alice/start", nil, true)
	if status != http.StatusOK || !body.Success {
		t.Errorf("Second start = %d %+v", status, body)
	}
	var again struct {
		Port int    `json:"port"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body.Data, &again); err != nil {
		t.Fatal(err)
	}
	if again.Port != started.Port || again.Code != CodeAlreadyRunning {
		t.Errorf("Unexpected repeat-start payload: %+v", again)
	}

	status, body = env.do(t, http.MethodPost, "/instances/alice/stop", nil, true)
	if status != http.StatusOK || !body.Success {
		t.Fatalf("Stop = %d %+v", status, body)
	}
}

func TestStopNeverStartedIsInformationalSuccess(t *testing.T) {
	env := newAPIEnv(t, "")

	status, body := env.do(t, http.MethodPost, "/instances/ghost/stop", nil, true)
	if status != http.StatusOK || !body.Success {
		t.Fatalf("Stop on unknown tenant = %d %+v", status, body)
	}
	var data struct {
		Stopped bool   `json:"stopped"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Stopped || data.Code != CodeAlreadyStopped {
		t.Errorf("Expected informational already-stopped payload, got %+v", data)
	}
}

func TestSpawnFailureMapsToSpawnFailed(t *testing.T) {
	env := newAPIEnv(t, "/nonexistent/binary")

	status, body := env.do(t, http.MethodPost, "/instances/alice/start", nil, true)
	if status != http.StatusInternalServerError || body.Code != CodeSpawnFailed {
		t.Errorf("Expected 500 SPAWN_FAILED, got %d %+v", status, body)
	}
	if _, ok := env.reg.Lookup("alice"); ok {
		t.Error("Port left allocated after failed spawn")
	}
}

func TestPortAllocateAndRelease(t *testing.T) {
	env := newAPIEnv(t, "")

	status, body := env.do(t, http.MethodPost, "/ports/allocate",
		map[string]string{"tenant": "alice"}, true)
	if status != http.StatusOK || !body.Success {
		t.Fatalf("Allocate = %d %+v", status, body)
	}
	var alloc struct {
		Tenant string `json:"tenant"`
		Port   int    `json:"port"`
	}
	if err := json.Unmarshal(body.Data, &alloc); err != nil {
		t.Fatal(err)
	}
	if alloc.Port != 44001 {
		t.Errorf("First allocation = %d, want 44001", alloc.Port)
	}

	status, body = env.do(t, http.MethodGet, "/ports", nil, false)
	if status != http.StatusOK {
		t.Fatalf("GET /ports = %d", status)
	}
	var snap registry.Snapshot
	if err := json.Unmarshal(body.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Allocated != 1 || snap.Ports["alice"] != 44001 {
		t.Errorf("Unexpected registry snapshot: %+v", snap)
	}

	status, body = env.do(t, http.MethodPost, "/ports/release",
		map[string]string{"tenant": "alice"}, true)
	if status != http.StatusOK || !body.Success {
		t.Fatalf("Release = %d %+v", status, body)
	}
	if _, ok := env.reg.Lookup("alice"); ok {
		t.Error("Port still allocated after release")
	}
}

func TestMetricsExposition(t *testing.T) {
	env := newAPIEnv(t, "")

	if _, err := env.sup.Start("alice"); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	resp, err := env.srv.Client().Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	for _, want := range []string{
		"# TYPE frame_instances_running gauge",
		"frame_instances_running 1",
		"frame_ports_allocated 1",
		"# TYPE frame_restarts_total counter",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Metrics output missing %q:\n%s", want, out)
		}
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newAPIEnv(t, "")

	status, body := env.do(t, http.MethodPut, "/settings",
		map[string]map[string]string{"defaults": {"memory_limit": "768"}}, true)
	if status != http.StatusOK || !body.Success {
		t.Fatalf("PUT /settings = %d %+v", status, body)
	}
	if got := env.store.Current().Defaults.MemoryLimitMB; got != 768 {
		t.Errorf("memory_limit after update = %d, want 768", got)
	}

	// An update that fails validation must not disturb the active config.
	status, body = env.do(t, http.MethodPut, "/settings",
		map[string]map[string]string{"service": {"manager_port": "44005"}}, true)
	if status != http.StatusBadRequest || body.Code != CodeInvalidParameter {
		t.Errorf("Invalid settings update = %d %+v", status, body)
	}
	if got := env.store.Current().Service.ManagerPort; got != 44000 {
		t.Errorf("Manager port changed despite rejected update: %d", got)
	}
}

func TestPackagePutCreatesOverride(t *testing.T) {
	env := newAPIEnv(t, "")

	profile := config.LimitProfile{MemoryLimitMB: 2048, CPULimitPercent: 75, MaxApps: 10, DiskQuotaMB: 4096}
	status, body := env.do(t, http.MethodPut, "/packages/premium", profile, true)
	if status != http.StatusOK || !body.Success {
		t.Fatalf("PUT /packages/premium = %d %+v", status, body)
	}
	if got := env.store.Current().ResolveLimits("premium"); got != profile {
		t.Errorf("ResolveLimits(premium) = %+v, want %+v", got, profile)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t, "")

	status, body := env.do(t, http.MethodGet, "/health", nil, false)
	if status != http.StatusOK || !body.Success {
		t.Fatalf("GET /health = %d %+v", status, body)
	}
	var data struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Status != "ok" || data.Checks["registry"] != "ok" {
		t.Errorf("Unexpected health payload: %+v", data)
	}
}

func TestInstanceDetailIncludesApps(t *testing.T) {
	env := newAPIEnv(t, "")

	if _, err := env.sup.CreateInstance("alice", ""); err != nil {
		t.Fatal(err)
	}
	appsDir := filepath.Join(env.tmpDir, "instances", "alice", "apps")
	if err := os.MkdirAll(filepath.Join(appsDir, "blog"), 0755); err != nil {
		t.Fatal(err)
	}

	status, body := env.do(t, http.MethodGet, "/instances/alice", nil, false)
	if status != http.StatusOK || !body.Success {
		t.Fatalf("GET /instances/alice = %d %+v", status, body)
	}
	var data struct {
		State string   `json:"state"`
		Apps  []string `json:"apps"`
	}
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.State != "stopped" || len(data.Apps) != 1 || data.Apps[0] != "blog" {
		t.Errorf("Unexpected detail payload: %+v", data)
	}
}

func TestUnknownInstanceIsNotFound(t *testing.T) {
	env := newAPIEnv(t, "")

	status, body := env.do(t, http.MethodGet, "/instances/nobody", nil, false)
	if status != http.StatusNotFound || body.Code != CodeInstanceNotFound {
		t.Errorf("Expected 404 INSTANCE_NOT_FOUND, got %d %+v", status, body)
	}
}
