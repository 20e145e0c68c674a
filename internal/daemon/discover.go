package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vercel-labs/portless/internal/state"
)

// Location describes where a running daemon was found (or where one
// would be started, if none is running).
type Location struct {
	Dir     string
	Port    int
	TLS     bool
	Running bool
}

// Discover finds a running daemon: if override is set, it is authoritative.
// Otherwise the per-user state root is probed first, then the system
// root. A port file alone is not enough; the candidate port must answer
// with the X-Portless identity header.
func Discover(defaultPort int, override string) (Location, error) {
	if override != "" {
		return probeLocator(&state.Locator{Dir: override})
	}

	if dir := perUserRoot(); dir != "" {
		if loc, err := probeLocator(&state.Locator{Dir: dir}); err == nil && loc.Running {
			return loc, nil
		}
	}
	if loc, err := probeLocator(&state.Locator{Dir: state.SystemRoot}); err == nil && loc.Running {
		return loc, nil
	}

	locator, err := state.New(defaultPort, "")
	if err != nil {
		return Location{Port: defaultPort}, err
	}
	return Location{Dir: locator.Dir, Port: defaultPort, Running: false}, nil
}

func perUserRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".portless")
}

func probeLocator(locator *state.Locator) (Location, error) {
	port := locator.ReadPort()
	if port == 0 {
		return Location{Dir: locator.Dir}, fmt.Errorf("no port file at %s", locator.Dir)
	}
	if !probePort(port) {
		return Location{Dir: locator.Dir}, fmt.Errorf("port %d at %s is not serving portless", port, locator.Dir)
	}
	return Location{
		Dir:     locator.Dir,
		Port:    port,
		TLS:     locator.HasTLSMarker(),
		Running: true,
	}, nil
}
