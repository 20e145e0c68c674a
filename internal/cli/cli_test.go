package cli

import (
	"bytes"
	"os"
	"testing"

	"github.com/vercel-labs/portless/internal/config"
)

func TestEffectivePortPrefersFlag(t *testing.T) {
	got := effectivePort(8443, config.Env{ProxyPort: 80}, 80)
	if got != 8443 {
		t.Fatalf("got %d, want 8443", got)
	}
}

func TestEffectivePortFallsBackToEnv(t *testing.T) {
	got := effectivePort(0, config.Env{ProxyPort: 8080}, 80)
	if got != 8080 {
		t.Fatalf("got %d, want 8080", got)
	}
}

func TestEffectivePortFallsBackToDefault(t *testing.T) {
	got := effectivePort(0, config.Env{}, 80)
	if got != 80 {
		t.Fatalf("got %d, want 80", got)
	}
}

func TestPrefixWriterBuffersPartialLines(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	pw := newPrefixWriter("[app] ", w)

	pw.Write([]byte("hel"))
	pw.Write([]byte("lo\nworld"))
	pw.Write([]byte("\n"))
	w.Close()

	var buf bytes.Buffer
	buf.ReadFrom(r)

	want := "[app] hello\n[app] world\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"list", "trust", "logs", "proxy"} {
		if !names[want] {
			t.Fatalf("expected subcommand %q to be registered", want)
		}
	}
}
