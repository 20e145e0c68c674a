package cli

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/vercel-labs/portless/internal/apprunner"
	"github.com/vercel-labs/portless/internal/config"
	"github.com/vercel-labs/portless/internal/state"
)

// runDetached allocates a backend port, re-execs the current binary in
// the foreground form of the command with that port pinned, redirects its
// stdio to a per-app log file, and detaches it into its own session.
func runDetached(name string, cmdArgs []string, port int, force bool, env config.Env) error {
	daemonPort := effectivePort(0, env, defaultProxyPort)
	locator, err := state.New(daemonPort, env.StateDirOverride)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(locator.AppLogsDir(), 0755); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}

	if port == 0 {
		port, err = apprunner.AllocatePort(0, 0)
		if err != nil {
			return fmt.Errorf("allocate backend port: %w", err)
		}
	}

	logPath := locator.AppLogFile(name)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}
	defer logFile.Close()

	exePath, err := os.Executable()
	if err != nil {
		return err
	}

	args := append([]string{name}, cmdArgs...)
	args = append(args, fmt.Sprintf("--port=%d", port))
	if force {
		args = append(args, "--force")
	}

	cmd := exec.Command(exePath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	if env.HTTPSEnable {
		cmd.Env = append(os.Environ(), "HTTPS_ENABLE=1")
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start detached process: %w", err)
	}

	scheme := "http"
	if env.HTTPSEnable {
		scheme = "https"
	}
	fmt.Printf("portless: %s://%s -> 127.0.0.1:%d (detached, log: %s)\n", scheme, name, port, logPath)
	return nil
}
