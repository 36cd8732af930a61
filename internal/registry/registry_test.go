package registry

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T, path string) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to open sqlite database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// newTestRegistry disables the host bind probe so tests are independent of
// what happens to be listening on the machine.
func newTestRegistry(t *testing.T, db *sqlx.DB, start, end int) *Registry {
	t.Helper()
	r, err := Open(db, start, end, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	r.probe = nil
	return r
}

func TestAllocateLowestFreePort(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "registry.db"))
	r := newTestRegistry(t, db, 30001, 30003)

	for _, tc := range []struct {
		tenant string
		want   int
	}{
		{"a", 30001},
		{"b", 30002},
		{"c", 30003},
	} {
		port, err := r.Allocate(tc.tenant)
		if err != nil {
			t.Fatalf("Allocate(%q) returned error: %v", tc.tenant, err)
		}
		if port != tc.want {
			t.Errorf("Allocate(%q) = %d, want %d", tc.tenant, port, tc.want)
		}
	}

	if _, err := r.Allocate("d"); !errors.Is(err, ErrPortExhausted) {
		t.Errorf("Expected ErrPortExhausted for full range, got %v", err)
	}

	if err := r.Release("b"); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}

	// The freed port is the lowest available and goes to the next tenant.
	port, err := r.Allocate("d")
	if err != nil {
		t.Fatalf("Allocate after release returned error: %v", err)
	}
	if port != 30002 {
		t.Errorf("Allocate(\"d\") = %d, want 30002", port)
	}
}

func TestAllocateIsIdempotent(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "registry.db"))
	r := newTestRegistry(t, db, 30001, 30010)

	first, err := r.Allocate("alice")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	second, err := r.Allocate("alice")
	if err != nil {
		t.Fatalf("Second Allocate returned error: %v", err)
	}
	if first != second {
		t.Errorf("Repeated Allocate returned %d then %d", first, second)
	}
	if snap := r.Snapshot(); snap.Allocated != 1 {
		t.Errorf("Expected 1 allocation, got %d", snap.Allocated)
	}
}

func TestReleaseUnknownTenantIsNoOp(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "registry.db"))
	r := newTestRegistry(t, db, 30001, 30010)

	if err := r.Release("nobody"); err != nil {
		t.Errorf("Release of unknown tenant returned error: %v", err)
	}
}

func TestAllocationsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")

	db := openTestDB(t, path)
	r := newTestRegistry(t, db, 30001, 30010)
	if _, err := r.Allocate("alice"); err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if _, err := r.Allocate("bob"); err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if err := r.Release("alice"); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	db.Close()

	db2 := openTestDB(t, path)
	r2 := newTestRegistry(t, db2, 30001, 30010)

	port, ok := r2.Lookup("bob")
	if !ok || port != 30002 {
		t.Errorf("Expected bob on 30002 after reopen, got %d (found=%v)", port, ok)
	}
	if _, ok := r2.Lookup("alice"); ok {
		t.Error("Released allocation reappeared after reopen")
	}

	// The slot vacated by alice is reusable.
	port, err := r2.Allocate("carol")
	if err != nil {
		t.Fatalf("Allocate after reopen returned error: %v", err)
	}
	if port != 30001 {
		t.Errorf("Allocate(\"carol\") = %d, want 30001", port)
	}
}

func TestSnapshotCounts(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "registry.db"))
	r := newTestRegistry(t, db, 30001, 30005)

	for _, tenant := range []string{"a", "b"} {
		if _, err := r.Allocate(tenant); err != nil {
			t.Fatalf("Allocate returned error: %v", err)
		}
	}

	snap := r.Snapshot()
	if snap.Allocated != 2 || snap.Available != 3 {
		t.Errorf("Expected 2 allocated / 3 available, got %d / %d", snap.Allocated, snap.Available)
	}
	if snap.Ports["a"] != 30001 || snap.Ports["b"] != 30002 {
		t.Errorf("Unexpected port map: %v", snap.Ports)
	}

	tenants := r.Tenants()
	if len(tenants) != 2 || tenants[0] != "a" || tenants[1] != "b" {
		t.Errorf("Unexpected tenant list: %v", tenants)
	}
}

func TestBusyHostPortIsSkipped(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "registry.db"))
	r := newTestRegistry(t, db, 30001, 30005)
	r.probe = func(port int) bool { return port != 30001 }

	port, err := r.Allocate("alice")
	if err != nil {
		t.Fatalf("Allocate returned error: %v", err)
	}
	if port != 30002 {
		t.Errorf("Expected busy port to be skipped, got %d", port)
	}
}
