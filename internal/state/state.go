// Package state resolves the proxy's state directory and the well-known
// paths inside it (port file, pid file, TLS marker, route table, lock
// directory, certs tree, log file), based on the privilege of the
// configured proxy port and any caller override.
package state

import (
	"os"
	"path/filepath"
)

// PrivilegedPortThreshold is the TCP port below which binding requires
// elevated privileges on most systems.
const PrivilegedPortThreshold = 1024

// SystemRoot is the shared state root used when the proxy binds a
// privileged port, so root- and non-root-started registrants can share it.
const SystemRoot = "/tmp/portless"

// Locator resolves every path a portless process needs inside a state
// directory.
type Locator struct {
	Dir string
}

// EnvOverride is the environment variable that pins the state directory
// absolutely, bypassing the privilege-based siting rule.
const EnvOverride = "STATE_DIR_OVERRIDE"

// New resolves the state directory for the given proxy port, honoring
// override first (if non-empty), falling back to the privilege-based
// siting rule otherwise.
func New(port int, override string) (*Locator, error) {
	dir := override
	if dir == "" {
		if port != 0 && port < PrivilegedPortThreshold {
			dir = SystemRoot
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			dir = filepath.Join(home, ".portless")
		}
	}
	return &Locator{Dir: dir}, nil
}

// Ensure creates the state directory with the mode appropriate to its
// siting: world-writable + sticky for the shared system root (so non-root
// registrants can write the route file a root-started daemon created),
// 0755 for the per-user root.
func (l *Locator) Ensure() error {
	mode := os.FileMode(0755)
	if l.Dir == SystemRoot {
		mode = os.ModeSticky | 0777
	}
	if err := os.MkdirAll(l.Dir, mode); err != nil {
		return err
	}
	if l.Dir == SystemRoot {
		// MkdirAll does not set the sticky bit on an already-existing dir.
		return os.Chmod(l.Dir, os.ModeSticky|0777)
	}
	return nil
}

// IsSystemRoot reports whether this locator resolved to the shared system
// root (as opposed to a per-user root or an explicit override).
func (l *Locator) IsSystemRoot() bool {
	return l.Dir == SystemRoot
}

func (l *Locator) path(name string) string { return filepath.Join(l.Dir, name) }

// PortFile holds the decimal TCP port the proxy listens on.
func (l *Locator) PortFile() string { return l.path("proxy.port") }

// PidFile holds the decimal daemon process id.
func (l *Locator) PidFile() string { return l.path("proxy.pid") }

// TLSMarker's presence indicates the running daemon is in HTTPS mode.
func (l *Locator) TLSMarker() string { return l.path("proxy.tls") }

// RoutesFile holds the JSON route table.
func (l *Locator) RoutesFile() string { return l.path("routes.json") }

// LockDir is the directory whose atomic creation implements the route
// store's inter-process mutex.
func (l *Locator) LockDir() string { return l.path("routes.lock") }

// LogFile is the daemon's append-only stdout/stderr log.
func (l *Locator) LogFile() string { return l.path("proxy.log") }

// CertsDir is the root of the certificate tree.
func (l *Locator) CertsDir() string { return l.path("certs") }

// AppLogsDir is the directory holding one log file per detached app run.
func (l *Locator) AppLogsDir() string { return l.path("logs") }

// AppLogFile is the log file for a detached run of the named app.
func (l *Locator) AppLogFile(name string) string {
	return filepath.Join(l.AppLogsDir(), name+".log")
}

// RouteFileMode returns the mode new route-table writes should use: more
// permissive inside the shared system root so other users' registrant
// processes can rewrite a file a root daemon created.
func (l *Locator) RouteFileMode() os.FileMode {
	if l.IsSystemRoot() {
		return 0666
	}
	return 0644
}
