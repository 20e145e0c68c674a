package daemon

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/vercel-labs/portless/internal/state"
)

func TestDiscoverHonorsOverrideAuthoritatively(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Portless", "1")
	}))
	defer srv.Close()

	dir := t.TempDir()
	locator := &state.Locator{Dir: dir}
	if err := locator.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	if err := locator.WritePort(port); err != nil {
		t.Fatalf("write port: %v", err)
	}

	loc, err := Discover(80, dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !loc.Running || loc.Port != port || loc.Dir != dir {
		t.Fatalf("unexpected location: %+v", loc)
	}
}

func TestDiscoverReturnsNonRunningWhenNothingFound(t *testing.T) {
	// An override pointing at an empty directory has no port file, so
	// Discover reports an error together with a non-running location; the
	// override branch never falls back to probing the default roots.
	dir := t.TempDir()
	loc, err := Discover(80, dir)
	if err == nil {
		t.Fatalf("expected an error for an override with no daemon")
	}
	if loc.Running {
		t.Fatalf("expected Running=false, got %+v", loc)
	}
}
