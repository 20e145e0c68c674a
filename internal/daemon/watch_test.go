package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vercel-labs/portless/internal/routestore"
	"github.com/vercel-labs/portless/internal/state"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()
	locator := &state.Locator{Dir: dir}
	if err := locator.Ensure(); err != nil {
		t.Fatalf("ensure state dir: %v", err)
	}
	store := routestore.New(locator.RoutesFile(), locator.LockDir(), locator.RouteFileMode())
	return &Daemon{locator: locator, store: store}
}

func TestWatchRoutesPicksUpFileChanges(t *testing.T) {
	d := newTestDaemon(t)
	stop := d.watchRoutes()
	defer stop()

	if err := d.store.Add("app.localhost", 4001, os.Getpid(), false); err != nil {
		t.Fatalf("store.Add: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if port, ok := d.lookup("app.localhost"); ok && port == 4001 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected route watcher to reload app.localhost within the deadline")
}

func TestReloadRoutesToleratesMissingFile(t *testing.T) {
	d := newTestDaemon(t)
	d.reloadRoutes()
	if _, ok := d.lookup("anything.localhost"); ok {
		t.Fatalf("expected no routes for a fresh, file-less store")
	}
}

func TestPollRoutesStopsOnSignal(t *testing.T) {
	d := newTestDaemon(t)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		d.pollRoutes(stop)
		close(done)
	}()
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected pollRoutes to return promptly after stop is closed")
	}
}

func TestAppLogFilePathing(t *testing.T) {
	locator := &state.Locator{Dir: "/tmp/portless-test"}
	got := locator.AppLogFile("app.localhost")
	want := filepath.Join("/tmp/portless-test", "logs", "app.localhost.log")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
