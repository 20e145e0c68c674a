package apprunner

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"al.essio.dev/pkg/shellescape"

	"github.com/vercel-labs/portless/internal/daemon"
	"github.com/vercel-labs/portless/internal/hostutil"
	"github.com/vercel-labs/portless/internal/routestore"
	"github.com/vercel-labs/portless/internal/state"
)

// Options configures a single run invocation.
type Options struct {
	Name              string
	Args              []string // command + its arguments, unescaped
	Port              int      // 0 = auto-allocate
	RangeStart        int
	RangeEnd          int
	Force             bool
	TLS               bool
	StateDirOverride  string
	DefaultDaemonPort int
}

// Run discovers (or starts) the daemon, allocates a backend port,
// registers the route, spawns the command, and deregisters on exit. It
// returns the child's exit code.
func Run(opts Options) (int, error) {
	hostname, err := hostutil.NormalizeAndValidate(opts.Name)
	if err != nil {
		return 1, err
	}

	loc, err := ensureDaemon(opts)
	if err != nil {
		return 1, err
	}

	locator := &state.Locator{Dir: loc.Dir}
	store := routestore.New(locator.RoutesFile(), locator.LockDir(), locator.RouteFileMode())

	port := opts.Port
	if port == 0 {
		port, err = AllocatePort(opts.RangeStart, opts.RangeEnd)
		if err != nil {
			return 1, fmt.Errorf("allocate backend port: %w", err)
		}
	}

	pid := os.Getpid()
	if err := store.Add(hostname, port, pid, opts.Force); err != nil {
		return 1, fmt.Errorf("register route: %w", err)
	}
	defer func() {
		if err := store.Remove(hostname); err != nil {
			fmt.Fprintf(os.Stderr, "portless: warning: failed to remove route for %s: %v\n", hostname, err)
		}
	}()

	scheme := "http"
	if loc.TLS {
		scheme = "https"
	}
	fmt.Printf("portless: %s://%s -> 127.0.0.1:%d\n", scheme, hostname, port)

	return spawn(opts.Args, port)
}

// ensureDaemon discovers a running daemon, auto-starting one for the
// invocation's port via EnsureDaemonStarted.
func ensureDaemon(opts Options) (daemon.Location, error) {
	return EnsureDaemonStarted(opts.DefaultDaemonPort, opts.TLS, opts.StateDirOverride)
}

// EnsureDaemonStarted discovers a running daemon, auto-starting one
// silently for unprivileged ports. A privileged port has no running
// daemon to attach to, so starting one needs root: from a terminal this
// prompts for sudo, and without one it fails rather than attempting a
// bind doomed to EACCES. Shared by the single-app run path and the
// portless.yaml batch-run path, which both need to bring up a daemon.
func EnsureDaemonStarted(daemonPort int, tls bool, stateDirOverride string) (daemon.Location, error) {
	loc, err := daemon.Discover(daemonPort, stateDirOverride)
	if err == nil && loc.Running {
		return loc, nil
	}

	startOpts := daemon.Options{
		Port:             daemonPort,
		TLS:              tls,
		StateDirOverride: stateDirOverride,
	}

	privileged := daemonPort != 0 && daemonPort < state.PrivilegedPortThreshold
	if privileged {
		if !isInteractive() {
			return daemon.Location{}, fmt.Errorf("no daemon running on privileged port %d and no terminal to prompt for sudo; run 'sudo portless proxy start --port=%d' first", daemonPort, daemonPort)
		}
		fmt.Printf("portless: port %d requires root to bind, starting the daemon with sudo\n", daemonPort)
		startOpts.Elevate = true
	}

	if err := daemon.StartDetached(startOpts); err != nil {
		return daemon.Location{}, fmt.Errorf("start daemon: %w", err)
	}

	return daemon.Discover(daemonPort, stateDirOverride)
}

// spawn runs args under a login shell with PORT set and node_modules/.bin
// directories prepended to PATH, propagating signals to the child and
// force-killing on a second signal.
func spawn(args []string, port int) (int, error) {
	if len(args) == 0 {
		return 1, fmt.Errorf("no command given")
	}

	cmdStr := shellJoin(args)

	cwd, err := os.Getwd()
	if err != nil {
		return 1, err
	}

	cmd := exec.Command("/bin/sh", "-c", cmdStr)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("PORT=%d", port),
		"PATH="+prependNodeBins(cwd, os.Getenv("PATH")),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	termState := saveTerminalState()
	defer restoreTerminalState(termState)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case sig := <-sigCh:
		cmd.Process.Signal(sig)
		select {
		case <-sigCh:
			cmd.Process.Kill()
			<-done
		case <-done:
		}
		return exitCodeForSignal(sig), nil
	case err := <-done:
		return exitCodeFromWait(err), nil
	}
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellescape.Quote(a)
	}
	return strings.Join(quoted, " ")
}

// prependNodeBins walks up from dir to the filesystem root, prepending
// every node_modules/.bin directory found (nearest first) to path.
func prependNodeBins(dir, path string) string {
	var bins []string
	for {
		bin := filepath.Join(dir, "node_modules", ".bin")
		if info, err := os.Stat(bin); err == nil && info.IsDir() {
			bins = append(bins, bin)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if len(bins) == 0 {
		return path
	}
	return strings.Join(bins, string(os.PathListSeparator)) + string(os.PathListSeparator) + path
}

func exitCodeFromWait(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

func exitCodeForSignal(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
