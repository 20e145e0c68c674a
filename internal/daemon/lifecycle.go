package daemon

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/vercel-labs/portless/internal/state"
)

const (
	readyRetries       = 20
	readyRetryInterval = 100 * time.Millisecond
)

// StartDetached re-execs the current binary in foreground mode with stdio
// redirected to a log file, detaches it into its own session, and waits
// for it to become ready before returning.
func StartDetached(opts Options) error {
	locator, err := state.New(opts.Port, opts.StateDirOverride)
	if err != nil {
		return err
	}
	if err := locator.Ensure(); err != nil {
		return err
	}

	logFile, err := os.OpenFile(locator.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open daemon log file: %w", err)
	}
	defer logFile.Close()

	exePath, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"proxy", "start", "--foreground", fmt.Sprintf("--port=%d", opts.Port)}
	if opts.TLS {
		args = append(args, "--https")
	}
	// proxy start reads the state directory from the environment only.
	var envVars []string
	if opts.StateDirOverride != "" {
		envVars = append(envVars, "STATE_DIR_OVERRIDE="+opts.StateDirOverride)
	}
	if opts.CertPath != "" {
		args = append(args, "--cert="+opts.CertPath)
	}
	if opts.KeyPath != "" {
		args = append(args, "--key="+opts.KeyPath)
	}

	var cmd *exec.Cmd
	if opts.Elevate {
		// sudo needs to read the password from the controlling terminal, so
		// this one-time elevation runs attached rather than redirected to
		// the log file; once authenticated the daemon keeps running detached
		// under the elevated process's session.
		sudoArgs := append(append([]string{"env"}, envVars...), exePath)
		cmd = exec.Command("sudo", append(sudoArgs, args...)...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		cmd = exec.Command(exePath, args...)
		cmd.Env = append(os.Environ(), envVars...)
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		cmd.Stdin = nil
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}

	if !waitForReady(locator, opts.Port) {
		return fmt.Errorf("daemon failed to become ready, see log: %s", locator.LogFile())
	}
	return nil
}

// waitForReady polls the proxy port until it responds with the identity
// header, up to readyRetries attempts.
func waitForReady(locator *state.Locator, port int) bool {
	for i := 0; i < readyRetries; i++ {
		if probePort(port) {
			return true
		}
		time.Sleep(readyRetryInterval)
	}
	return false
}

// probePort sends an HTTP HEAD / to port and checks for the X-Portless
// identity header, distinguishing a real portless proxy from any
// coincidental listener.
func probePort(port int) bool {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Head(fmt.Sprintf("http://127.0.0.1:%d/", port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.Header.Get("X-Portless") == "1"
}

// Stop reads the pid file at locator and signals the daemon to shut down.
// A pid file naming a process that no longer serves the proxy is treated
// as stale and removed.
func Stop(locator *state.Locator) error {
	pid := locator.ReadPid()
	if pid == 0 {
		return fmt.Errorf("no daemon pid file found at %s", locator.PidFile())
	}

	port := locator.ReadPort()
	if port != 0 && !probePort(port) {
		locator.RemoveDaemonFiles()
		return fmt.Errorf("pid file is stale (port %d not serving portless); removed", port)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		locator.RemoveDaemonFiles()
		return fmt.Errorf("process %d not found: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		locator.RemoveDaemonFiles()
		return fmt.Errorf("signal daemon process %d: %w", pid, err)
	}
	return nil
}
