package state

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// WritePort writes the proxy's listening port.
func (l *Locator) WritePort(port int) error {
	return os.WriteFile(l.PortFile(), []byte(strconv.Itoa(port)), 0644)
}

// ReadPort reads the proxy's listening port, or 0 if not present/invalid.
func (l *Locator) ReadPort() int {
	data, err := os.ReadFile(l.PortFile())
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || p < 1 || p > 65535 {
		return 0
	}
	return p
}

// WritePid writes the daemon's process id.
func (l *Locator) WritePid(pid int) error {
	return os.WriteFile(l.PidFile(), []byte(strconv.Itoa(pid)), 0644)
}

// ReadPid reads the daemon's process id, or 0 if not present/invalid.
func (l *Locator) ReadPid() int {
	data, err := os.ReadFile(l.PidFile())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// WriteTLSMarker creates the TLS marker file (empty contents; presence is
// the signal).
func (l *Locator) WriteTLSMarker() error {
	return os.WriteFile(l.TLSMarker(), nil, 0644)
}

// HasTLSMarker reports whether the running daemon is in HTTPS mode.
func (l *Locator) HasTLSMarker() bool {
	_, err := os.Stat(l.TLSMarker())
	return err == nil
}

// RemoveDaemonFiles removes the pid file, port file, and TLS marker. Used
// during shutdown and when cleaning up stale artifacts.
func (l *Locator) RemoveDaemonFiles() {
	os.Remove(l.PidFile())
	os.Remove(l.PortFile())
	os.Remove(l.TLSMarker())
}

// ChownToInvokingUser transfers ownership of path to the user that invoked
// sudo, when running under elevation (SUDO_UID/SUDO_GID set). It is a
// no-op otherwise, and any error is non-fatal — callers log a warning.
func ChownToInvokingUser(path string) error {
	uidStr := os.Getenv("SUDO_UID")
	gidStr := os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return nil
	}
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return fmt.Errorf("parse SUDO_UID: %w", err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return fmt.Errorf("parse SUDO_GID: %w", err)
	}
	return os.Chown(path, uid, gid)
}
