// Package registry owns the authoritative tenant→port mapping. The in-memory
// map is the source of truth during normal operation; every mutation is
// persisted to SQLite so allocations survive a daemon restart without
// re-discovering running processes.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

var (
	// ErrPortExhausted means no free port remains in the configured range.
	ErrPortExhausted = errors.New("no available ports in range")

	// ErrPersistence wraps a persistence failure. The in-memory allocation
	// is still in effect; callers decide whether to surface or tolerate it.
	ErrPersistence = errors.New("port registry persistence failed")
)

// Registry is the persisted tenant↔port allocation table. Allocation and
// release share one critical section covering both the map mutation and the
// database write, so no two tenants can ever claim the same port.
type Registry struct {
	mu        sync.Mutex
	db        *sqlx.DB
	start     int
	end       int
	allocated map[string]int
	byPort    map[int]string
	logger    *slog.Logger

	// probe reports whether a port is usable on the host. Overridable in
	// tests; nil disables the host check.
	probe func(port int) bool
}

// Snapshot is a read-only view of the registry for status surfaces.
type Snapshot struct {
	RangeStart int            `json:"range_start"`
	RangeEnd   int            `json:"range_end"`
	Allocated  int            `json:"allocated"`
	Available  int            `json:"available"`
	Ports      map[string]int `json:"ports"`
}

// Open initializes the schema, loads any persisted allocations, and records
// the configured range bounds.
func Open(db *sqlx.DB, start, end int, logger *slog.Logger) (*Registry, error) {
	if start <= 0 || end <= 0 || start > end {
		return nil, fmt.Errorf("invalid port range: [%d,%d]", start, end)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := dbInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize port registry schema: %w", err)
	}

	r := &Registry{
		db:        db,
		start:     start,
		end:       end,
		allocated: make(map[string]int),
		byPort:    make(map[int]string),
		logger:    logger.With("component", "registry"),
		probe:     portFree,
	}

	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func dbInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS port_allocations (
		tenant TEXT PRIMARY KEY,
		port INTEGER NOT NULL UNIQUE,
		allocated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS registry_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		range_start INTEGER NOT NULL,
		range_end INTEGER NOT NULL
	)`)
	return err
}

func (r *Registry) load() error {
	type row struct {
		Tenant string `db:"tenant"`
		Port   int    `db:"port"`
	}
	var rows []row
	if err := r.db.Select(&rows, `SELECT tenant, port FROM port_allocations`); err != nil {
		return fmt.Errorf("failed to load port allocations: %w", err)
	}
	for _, a := range rows {
		r.allocated[a.Tenant] = a.Port
		r.byPort[a.Port] = a.Tenant
		if a.Port < r.start || a.Port > r.end {
			r.logger.Warn("Persisted allocation is outside the configured range",
				"tenant", a.Tenant, "port", a.Port, "range_start", r.start, "range_end", r.end)
		}
	}

	// The configured range is authoritative; record it for operators
	// inspecting the registry database directly.
	_, err := r.db.Exec(`
		INSERT INTO registry_meta (id, range_start, range_end) VALUES (1, $1, $2)
		ON CONFLICT(id) DO UPDATE SET range_start = $1, range_end = $2`,
		r.start, r.end)
	if err != nil {
		return fmt.Errorf("failed to record range bounds: %w", err)
	}
	return nil
}

// Allocate returns the tenant's existing port if one is already allocated;
// otherwise it reserves the lowest currently-unused port in range. A
// persistence failure is reported via an error wrapping ErrPersistence while
// the in-memory allocation stays in effect.
func (r *Registry) Allocate(tenant string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if port, ok := r.allocated[tenant]; ok {
		return port, nil
	}

	port, err := r.findFree()
	if err != nil {
		return 0, err
	}

	r.allocated[tenant] = port
	r.byPort[port] = tenant

	_, dbErr := r.db.Exec(
		`INSERT INTO port_allocations (tenant, port, allocated_at) VALUES ($1, $2, $3)`,
		tenant, port, time.Now().Unix())
	if dbErr != nil {
		r.logger.Error("Failed to persist port allocation; in-memory state retained",
			"tenant", tenant, "port", port, "error", dbErr)
		return port, fmt.Errorf("%w: %v", ErrPersistence, dbErr)
	}
	return port, nil
}

func (r *Registry) findFree() (int, error) {
	for port := r.start; port <= r.end; port++ {
		if _, taken := r.byPort[port]; taken {
			continue
		}
		if r.probe != nil && !r.probe(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w [%d,%d]", ErrPortExhausted, r.start, r.end)
}

// Release removes the tenant's allocation. Releasing a tenant with no
// allocation is a no-op, not an error.
func (r *Registry) Release(tenant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	port, ok := r.allocated[tenant]
	if !ok {
		return nil
	}
	delete(r.allocated, tenant)
	delete(r.byPort, port)

	if _, err := r.db.Exec(`DELETE FROM port_allocations WHERE tenant = $1`, tenant); err != nil {
		r.logger.Error("Failed to persist port release; in-memory state retained",
			"tenant", tenant, "port", port, "error", err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Lookup returns the tenant's allocated port, if any.
func (r *Registry) Lookup(tenant string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	port, ok := r.allocated[tenant]
	return port, ok
}

// Snapshot returns a copy of the current allocations plus derived counts.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	ports := make(map[string]int, len(r.allocated))
	for tenant, port := range r.allocated {
		ports[tenant] = port
	}
	total := r.end - r.start + 1
	return Snapshot{
		RangeStart: r.start,
		RangeEnd:   r.end,
		Allocated:  len(ports),
		Available:  total - len(ports),
		Ports:      ports,
	}
}

// Tenants returns all tenants with an allocation, sorted for stable output.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	tenants := make([]string, 0, len(r.allocated))
	for tenant := range r.allocated {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants
}

// Ping verifies the backing database is reachable.
func (r *Registry) Ping() error {
	return r.db.Ping()
}

// portFree reports whether the port can currently be bound on the host. A
// port busy outside the registry (some unrelated process) is skipped during
// allocation.
func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}
