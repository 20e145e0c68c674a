package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewUsesOverrideAbsolutely(t *testing.T) {
	l, err := New(80, "/custom/override")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Dir != "/custom/override" {
		t.Fatalf("got %q", l.Dir)
	}
}

func TestNewPrivilegedPortUsesSystemRoot(t *testing.T) {
	l, err := New(80, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Dir != SystemRoot {
		t.Fatalf("got %q, want %q", l.Dir, SystemRoot)
	}
	if !l.IsSystemRoot() {
		t.Fatalf("expected IsSystemRoot")
	}
}

func TestNewUnprivilegedPortUsesPerUserRoot(t *testing.T) {
	l, err := New(4000, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.Dir == SystemRoot {
		t.Fatalf("expected a per-user root, got the system root")
	}
	if l.IsSystemRoot() {
		t.Fatalf("did not expect IsSystemRoot")
	}
}

func TestEnsureCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	l := &Locator{Dir: dir}
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected state dir to exist: %v", err)
	}
}

func TestPortRoundTrip(t *testing.T) {
	l := &Locator{Dir: t.TempDir()}
	if err := l.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got := l.ReadPort(); got != 0 {
		t.Fatalf("expected 0 for missing port file, got %d", got)
	}
	if err := l.WritePort(4123); err != nil {
		t.Fatalf("WritePort: %v", err)
	}
	if got := l.ReadPort(); got != 4123 {
		t.Fatalf("got %d, want 4123", got)
	}
}

func TestTLSMarkerRoundTrip(t *testing.T) {
	l := &Locator{Dir: t.TempDir()}
	if err := l.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if l.HasTLSMarker() {
		t.Fatalf("expected no TLS marker initially")
	}
	if err := l.WriteTLSMarker(); err != nil {
		t.Fatalf("WriteTLSMarker: %v", err)
	}
	if !l.HasTLSMarker() {
		t.Fatalf("expected TLS marker to be present")
	}
}

func TestRemoveDaemonFiles(t *testing.T) {
	l := &Locator{Dir: t.TempDir()}
	if err := l.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	l.WritePort(4123)
	l.WritePid(99)
	l.WriteTLSMarker()

	l.RemoveDaemonFiles()

	if l.ReadPort() != 0 || l.ReadPid() != 0 || l.HasTLSMarker() {
		t.Fatalf("expected daemon files to be removed")
	}
}

func TestRouteFileModeDiffersBySiting(t *testing.T) {
	sys := &Locator{Dir: SystemRoot}
	if sys.RouteFileMode() != 0666 {
		t.Fatalf("expected 0666 for system root")
	}
	user := &Locator{Dir: "/home/x/.portless"}
	if user.RouteFileMode() != 0644 {
		t.Fatalf("expected 0644 for per-user root")
	}
}
