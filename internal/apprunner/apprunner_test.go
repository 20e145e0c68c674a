package apprunner

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAllocatePortReturnsBindable(t *testing.T) {
	port, err := AllocatePort(0, 0)
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	ln, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("expected allocated port %d to be bindable: %v", port, err)
	}
	ln.Close()
}

func TestAllocatePortRespectsRange(t *testing.T) {
	port, err := AllocatePort(15000, 15000)
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	if port != 15000 {
		t.Fatalf("expected single-port range to return 15000, got %d", port)
	}
}

func TestAllocatePortInvalidRange(t *testing.T) {
	if _, err := AllocatePort(100, 50); err == nil {
		t.Fatalf("expected error for an inverted port range")
	}
}

func TestShellJoinEscapesArgs(t *testing.T) {
	got := shellJoin([]string{"echo", "hello world", "$(rm -rf /)"})
	if got == "echo hello world $(rm -rf /)" {
		t.Fatalf("expected dangerous shell metacharacters to be escaped, got %q", got)
	}
}

func TestPrependNodeBinsFindsNearestFirst(t *testing.T) {
	root := t.TempDir()
	outerBin := filepath.Join(root, "node_modules", ".bin")
	innerDir := filepath.Join(root, "pkg", "app")
	innerBin := filepath.Join(innerDir, "node_modules", ".bin")

	if err := os.MkdirAll(outerBin, 0755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := os.MkdirAll(innerBin, 0755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	got := prependNodeBins(innerDir, "/usr/bin")
	if got == "/usr/bin" {
		t.Fatalf("expected node_modules/.bin dirs to be prepended")
	}
	innerIdx := strings.Index(got, innerBin)
	outerIdx := strings.Index(got, outerBin)
	if innerIdx < 0 || outerIdx < 0 || innerIdx > outerIdx {
		t.Fatalf("expected nearest bin dir first: %q", got)
	}
}

func TestPrependNodeBinsNoneFound(t *testing.T) {
	dir := t.TempDir()
	got := prependNodeBins(dir, "/usr/bin")
	if got != "/usr/bin" {
		t.Fatalf("expected unchanged PATH when no node_modules/.bin exists, got %q", got)
	}
}

func TestExitCodeFromWait(t *testing.T) {
	if exitCodeFromWait(nil) != 0 {
		t.Fatalf("expected 0 for nil error")
	}
}

func TestEnsureDaemonFailsClearlyForPrivilegedPortWithoutTerminal(t *testing.T) {
	if isInteractive() {
		t.Skip("test process has a controlling terminal; the non-interactive branch is untestable here")
	}
	dir := t.TempDir()
	_, err := ensureDaemon(Options{DefaultDaemonPort: 80, StateDirOverride: dir})
	if err == nil {
		t.Fatalf("expected an error instead of attempting to bind a privileged port")
	}
	if !strings.Contains(err.Error(), "sudo") {
		t.Fatalf("expected the error to mention sudo, got %q", err)
	}
}
