package events

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func newTestSink(t *testing.T, db *sqlx.DB) *Sink {
	t.Helper()
	sink, err := NewSink(db, nil, nil)
	if err != nil {
		t.Fatalf("NewSink returned error: %v", err)
	}
	return sink
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	sink := newTestSink(t, nil)

	for i := 0; i < 5; i++ {
		sink.Emit(Event{
			Type:   TypeInstanceStarted,
			Tenant: fmt.Sprintf("tenant%d", i),
		})
	}

	recent := sink.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(recent))
	}
	for i, want := range []string{"tenant4", "tenant3", "tenant2"} {
		if recent[i].Tenant != want {
			t.Errorf("recent[%d].Tenant = %q, want %q", i, recent[i].Tenant, want)
		}
	}
	if recent[0].ID == "" {
		t.Error("Expected Emit to assign an ID")
	}
	if recent[0].Timestamp.IsZero() {
		t.Error("Expected Emit to assign a timestamp")
	}
}

func TestRingWrapsAtCapacity(t *testing.T) {
	sink := newTestSink(t, nil)

	total := defaultRingCapacity + 10
	for i := 0; i < total; i++ {
		sink.Emit(Event{Type: TypeHealthCheckFailed, Tenant: fmt.Sprintf("t%d", i)})
	}

	recent := sink.Recent(total)
	if len(recent) != defaultRingCapacity {
		t.Fatalf("Expected ring capped at %d, got %d", defaultRingCapacity, len(recent))
	}
	if recent[0].Tenant != fmt.Sprintf("t%d", total-1) {
		t.Errorf("Newest event is %q", recent[0].Tenant)
	}
	oldest := recent[len(recent)-1]
	if oldest.Tenant != fmt.Sprintf("t%d", total-defaultRingCapacity) {
		t.Errorf("Oldest retained event is %q", oldest.Tenant)
	}
	if got := sink.Count(TypeHealthCheckFailed); got != uint64(total) {
		t.Errorf("Count = %d, want %d", got, total)
	}
}

func TestEventsPersistToDatabase(t *testing.T) {
	db, err := sqlx.Connect("sqlite3", filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite database: %v", err)
	}
	defer db.Close()

	sink := newTestSink(t, db)
	sink.Emit(Event{Type: TypeInstanceCrashed, Tenant: "alice", Fields: map[string]string{"exit_code": "137"}})
	sink.Emit(Event{Type: TypeInstanceStarted, Tenant: "alice", Fields: map[string]string{"port": "30001"}})
	sink.Flush()

	stored, err := sink.Stored("alice", 10)
	if err != nil {
		t.Fatalf("Stored returned error: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("Expected 2 stored events, got %d", len(stored))
	}
	types := map[string]bool{}
	for _, ev := range stored {
		types[ev.EventType] = true
		if ev.Tenant != "alice" {
			t.Errorf("Unexpected tenant %q", ev.Tenant)
		}
	}
	if !types["instance.crashed"] || !types["instance.started"] {
		t.Errorf("Unexpected stored types: %v", types)
	}

	// Tenant filter excludes other tenants.
	other, err := sink.Stored("bob", 10)
	if err != nil {
		t.Fatalf("Stored returned error: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Expected no events for bob, got %d", len(other))
	}
}

func TestDatabaseWritesAreQueued(t *testing.T) {
	db, err := sqlx.Connect("sqlite3", filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite database: %v", err)
	}
	defer db.Close()

	sink := newTestSink(t, db)
	total := 50
	for i := 0; i < total; i++ {
		sink.Emit(Event{Type: TypeHealthCheckFailed, Tenant: fmt.Sprintf("t%d", i)})
	}

	// The ring is updated synchronously even while writes are still queued.
	if got := sink.Count(TypeHealthCheckFailed); got != uint64(total) {
		t.Errorf("Count = %d, want %d", got, total)
	}

	// Close drains the queue; every emitted event must be on disk afterwards.
	sink.Close()
	sink.Close() // idempotent

	stored, err := sink.Stored("", total)
	if err != nil {
		t.Fatalf("Stored returned error: %v", err)
	}
	if len(stored) != total {
		t.Fatalf("Expected %d stored events, got %d", total, len(stored))
	}
}

func TestHookRunnerExecutesScript(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	script := filepath.Join(dir, ScriptName(TypeInstanceStarted))
	content := fmt.Sprintf("#!/bin/sh\necho \"$FRAME_EVENT $FRAME_TENANT $FRAME_PORT\" > %s\n", marker)
	if err := os.WriteFile(script, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}

	runner := NewHookRunner(dir, nil)
	runner.Run(Event{
		ID:        "ev1",
		Type:      TypeInstanceStarted,
		Tenant:    "alice",
		Timestamp: time.Now(),
		Fields:    map[string]string{"port": "30001"},
	})

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("Hook did not run: %v", err)
	}
	if got := string(data); got != "instance.started alice 30001\n" {
		t.Errorf("Unexpected hook output: %q", got)
	}
}

func TestHookRunnerIgnoresMissingScript(t *testing.T) {
	runner := NewHookRunner(t.TempDir(), nil)
	// Must not panic or error; there is simply nothing to run.
	runner.Run(Event{Type: TypeInstanceStopped, Tenant: "alice", Timestamp: time.Now()})
}

func TestScriptName(t *testing.T) {
	if got := ScriptName(TypeHealthCheckFailed); got != "on_health_check_failed" {
		t.Errorf("ScriptName = %q", got)
	}
	if got := ScriptName(TypeResourceLimitReached); got != "on_resource_limit_reached" {
		t.Errorf("ScriptName = %q", got)
	}
}
