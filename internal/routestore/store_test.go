package routestore

import (
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "routes.json"), filepath.Join(dir, "routes.lock"), 0644)
}

func TestAddThenLoad(t *testing.T) {
	s := newTestStore(t)
	pid := os.Getpid()

	if err := s.Add("app.localhost", 4001, pid, false); err != nil {
		t.Fatalf("Add: %v", err)
	}

	routes, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(routes) != 1 || routes[0].Hostname != "app.localhost" || routes[0].Port != 4001 {
		t.Fatalf("unexpected routes: %+v", routes)
	}
}

func TestAddThenRemove(t *testing.T) {
	s := newTestStore(t)
	pid := os.Getpid()

	if err := s.Add("app.localhost", 4001, pid, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Remove("app.localhost"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	routes, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(routes) != 0 {
		t.Fatalf("expected no routes after remove, got %+v", routes)
	}
}

func TestAddOverwritesSamePID(t *testing.T) {
	s := newTestStore(t)
	pid := os.Getpid()

	if err := s.Add("app.localhost", 4001, pid, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("app.localhost", 4002, pid, false); err != nil {
		t.Fatalf("second Add: %v", err)
	}

	routes, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(routes) != 1 || routes[0].Port != 4002 {
		t.Fatalf("expected single entry with port 4002, got %+v", routes)
	}
}

func TestAddConflictWithoutForce(t *testing.T) {
	s := newTestStore(t)

	// Spawn a genuinely separate, live process to own the incumbent route.
	child := exec.Command("sleep", "30")
	if err := child.Start(); err != nil {
		t.Fatalf("spawn child: %v", err)
	}
	defer child.Process.Kill()
	incumbentPID := child.Process.Pid

	if err := s.Add("app.localhost", 4001, incumbentPID, false); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := s.Add("app.localhost", 4002, os.Getpid(), false)
	var conflict *ConflictError
	if err == nil {
		t.Fatalf("expected conflict error")
	}
	if !asConflict(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %v (%T)", err, err)
	}
	if conflict.ExistingPID != incumbentPID {
		t.Fatalf("conflict names pid %d, want %d", conflict.ExistingPID, incumbentPID)
	}

	routes, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(routes) != 1 || routes[0].Port != 4001 {
		t.Fatalf("table should be unchanged after rejected conflict: %+v", routes)
	}
}

func asConflict(err error, target **ConflictError) bool {
	c, ok := err.(*ConflictError)
	if ok {
		*target = c
	}
	return ok
}

func TestAddConflictWithForce(t *testing.T) {
	s := newTestStore(t)
	pid := os.Getpid()

	if err := s.Add("app.localhost", 4001, 1, false); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("app.localhost", 4002, pid, true); err != nil {
		t.Fatalf("forced Add should succeed: %v", err)
	}

	routes, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(routes) != 1 || routes[0].PID != pid || routes[0].Port != 4002 {
		t.Fatalf("forced add should replace entry: %+v", routes)
	}
}

func TestLoadAndGCDropsDeadPID(t *testing.T) {
	s := newTestStore(t)

	// A pid astronomically unlikely to be alive.
	const deadPID = 1 << 30

	if err := s.Add("ghost.localhost", 4999, deadPID, true); err != nil {
		t.Fatalf("Add: %v", err)
	}

	routes, err := s.LoadAndGC()
	if err != nil {
		t.Fatalf("LoadAndGC: %v", err)
	}
	for _, r := range routes {
		if r.PID == deadPID {
			t.Fatalf("expected dead pid to be filtered out, got %+v", routes)
		}
	}
}

func TestMissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)
	routes, err := s.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if len(routes) != 0 {
		t.Fatalf("expected empty table, got %+v", routes)
	}
}

func TestCorruptFileTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	s := New(path, filepath.Join(dir, "routes.lock"), 0644)

	routes, err := s.Load()
	if err != nil {
		t.Fatalf("Load on corrupt file should not error: %v", err)
	}
	if len(routes) != 0 {
		t.Fatalf("expected empty table for corrupt file, got %+v", routes)
	}
}

func TestNonArrayFileTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	if err := os.WriteFile(path, []byte(`{"hostname":"x"}`), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	s := New(path, filepath.Join(dir, "routes.lock"), 0644)

	routes, err := s.Load()
	if err != nil {
		t.Fatalf("Load on non-array file should not error: %v", err)
	}
	if len(routes) != 0 {
		t.Fatalf("expected empty table, got %+v", routes)
	}
}

func TestSchemaDriftDropsEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	// one valid entry carrying an unknown extra field, one missing "port"
	data := `[
		{"hostname":"good.localhost","port":4001,"pid":1,"extra":"ignored"},
		{"hostname":"bad.localhost","pid":1}
	]`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	s := New(path, filepath.Join(dir, "routes.lock"), 0644)

	routes, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(routes) != 1 || routes[0].Hostname != "good.localhost" {
		t.Fatalf("expected only the valid entry to survive, got %+v", routes)
	}
}

func TestConcurrentAddsToSharedHostname(t *testing.T) {
	s := newTestStore(t)
	pid := os.Getpid()

	var wg sync.WaitGroup
	n := 20
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			host := "app.localhost"
			_ = s.Add(host, 4000+i, pid, true)
		}(i)
	}
	wg.Wait()

	routes, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(routes) != 1 {
		t.Fatalf("expected exactly one surviving entry for the shared hostname, got %+v", routes)
	}
}

func TestLockStaleBreak(t *testing.T) {
	dir := t.TempDir()
	lockDir := filepath.Join(dir, "routes.lock")
	if err := os.Mkdir(lockDir, 0755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	// Backdate the lock dir so it looks abandoned.
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lockDir, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	s := New(filepath.Join(dir, "routes.json"), lockDir, 0644)
	if err := s.Add("app.localhost", 4001, os.Getpid(), false); err != nil {
		t.Fatalf("Add should break the stale lock and succeed: %v", err)
	}
}
