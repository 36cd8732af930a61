// Package events records lifecycle events for instances and the daemon
// itself. Events feed three consumers: an in-memory ring served by the API,
// a SQLite log for after-the-fact inspection, and operator hook scripts.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeInstanceStarted      Type = "instance.started"
	TypeInstanceStopped      Type = "instance.stopped"
	TypeInstanceCrashed      Type = "instance.crashed"
	TypeResourceLimitReached Type = "resource.limit_reached"
	TypeHealthCheckFailed    Type = "health_check.failed"
	TypeConfigReloaded       Type = "config.reloaded"
	TypeServiceStarted       Type = "service.started"
	TypeServiceStopped       Type = "service.stopped"
	TypePortAllocated        Type = "port.allocated"
	TypePortReleased         Type = "port.released"
)

// Event is one recorded occurrence. Tenant is empty for daemon-level events.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Tenant    string            `json:"tenant,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Sink fans an event out to the ring buffer, the database, and the hook
// runner. Emit never returns an error; failures in any consumer must not
// interfere with the lifecycle operation that produced the event.
type Sink struct {
	mu       sync.Mutex
	ring     []Event
	next     int
	filled   bool
	counts   map[Type]uint64
	capacity int

	db         *sqlx.DB
	writes     chan Event
	pending    sync.WaitGroup
	writerDone chan struct{}
	closeOnce  sync.Once
	hooks      *HookRunner
	logger     *slog.Logger
}

const (
	defaultRingCapacity = 500
	writeQueueCapacity  = 256
)

// NewSink creates a sink. db and hooks may be nil to disable the database
// log and hook execution respectively.
func NewSink(db *sqlx.DB, hooks *HookRunner, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if db != nil {
		if err := dbInit(db); err != nil {
			return nil, err
		}
	}
	s := &Sink{
		ring:     make([]Event, defaultRingCapacity),
		counts:   make(map[Type]uint64),
		capacity: defaultRingCapacity,
		db:       db,
		hooks:    hooks,
		logger:   logger.With("component", "events"),
	}
	if db != nil {
		s.writes = make(chan Event, writeQueueCapacity)
		s.writerDone = make(chan struct{})
		go s.writer()
	}
	return s, nil
}

func dbInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		tenant TEXT,
		timestamp INTEGER NOT NULL,
		fields TEXT
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_tenant ON events(tenant)`)
	return err
}

// Emit records the event. The ID and timestamp are filled in if unset. The
// database write and hook scripts run asynchronously so a stalled disk or a
// slow script cannot stall the caller.
func (s *Sink) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	s.ring[s.next] = ev
	s.next = (s.next + 1) % s.capacity
	if s.next == 0 {
		s.filled = true
	}
	s.counts[ev.Type]++
	s.mu.Unlock()

	s.logger.Info("Event", "type", ev.Type, "tenant", ev.Tenant, "fields", ev.Fields)

	if s.writes != nil {
		s.pending.Add(1)
		select {
		case s.writes <- ev:
		default:
			s.pending.Done()
			s.logger.Warn("Event log write queue full, dropping event", "type", ev.Type)
		}
	}
	if s.hooks != nil {
		go s.hooks.Run(ev)
	}
}

// writer drains the write queue onto the database, preserving emission order.
func (s *Sink) writer() {
	defer close(s.writerDone)
	for ev := range s.writes {
		if err := s.insert(ev); err != nil {
			s.logger.Error("Failed to persist event", "type", ev.Type, "error", err)
		}
		s.pending.Done()
	}
}

// Flush blocks until every queued database write has completed.
func (s *Sink) Flush() {
	s.pending.Wait()
}

// Close flushes queued writes and stops the database writer. The sink must
// not be used after Close.
func (s *Sink) Close() {
	if s.writes == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.pending.Wait()
		close(s.writes)
		<-s.writerDone
	})
}

func (s *Sink) insert(ev Event) error {
	var fields []byte
	if len(ev.Fields) > 0 {
		var err error
		fields, err = json.Marshal(ev.Fields)
		if err != nil {
			return err
		}
	}
	_, err := s.db.Exec(`
		INSERT INTO events (id, event_type, tenant, timestamp, fields)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, string(ev.Type), ev.Tenant, ev.Timestamp.Unix(), string(fields))
	return err
}

// Recent returns up to n events, newest first.
func (s *Sink) Recent(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.next
	if s.filled {
		size = s.capacity
	}
	if n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (s.next - 1 - i + s.capacity) % s.capacity
		out = append(out, s.ring[idx])
	}
	return out
}

// Count returns how many events of the given type have been emitted since
// the sink was created.
func (s *Sink) Count(t Type) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[t]
}

// Persistent reports whether the sink writes events to a database.
func (s *Sink) Persistent() bool {
	return s.db != nil
}

// StoredEvent is the database representation used for queries over the
// persisted log.
type StoredEvent struct {
	ID        string `db:"id" json:"id"`
	EventType string `db:"event_type" json:"type"`
	Tenant    string `db:"tenant" json:"tenant,omitempty"`
	Timestamp int64  `db:"timestamp" json:"timestamp"`
	Fields    string `db:"fields" json:"fields,omitempty"`
}

// Stored queries the persisted event log, newest first. An empty tenant
// matches all tenants.
func (s *Sink) Stored(tenant string, limit int) ([]StoredEvent, error) {
	if s.db == nil {
		return nil, nil
	}
	var events []StoredEvent
	var err error
	if tenant == "" {
		err = s.db.Select(&events,
			`SELECT * FROM events ORDER BY timestamp DESC, id LIMIT $1`, limit)
	} else {
		err = s.db.Select(&events,
			`SELECT * FROM events WHERE tenant = $1 ORDER BY timestamp DESC, id LIMIT $2`,
			tenant, limit)
	}
	return events, err
}

// DeleteOlderThan prunes persisted events past the retention window.
func (s *Sink) DeleteOlderThan(age time.Duration) (int64, error) {
	if s.db == nil {
		return 0, nil
	}
	threshold := time.Now().UTC().Add(-age).Unix()
	res, err := s.db.Exec(`DELETE FROM events WHERE timestamp < $1`, threshold)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
