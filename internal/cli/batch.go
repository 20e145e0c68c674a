package cli

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/vercel-labs/portless/internal/apprunner"
	"github.com/vercel-labs/portless/internal/config"
	"github.com/vercel-labs/portless/internal/hostutil"
	"github.com/vercel-labs/portless/internal/routestore"
	"github.com/vercel-labs/portless/internal/state"
)

var batchColors = []string{
	"\x1b[36m", // cyan
	"\x1b[33m", // yellow
	"\x1b[32m", // green
	"\x1b[35m", // magenta
	"\x1b[34m", // blue
	"\x1b[31m", // red
}

const batchColorReset = "\x1b[0m"

// runBatch launches every service in portless.yaml concurrently in the
// foreground, each with a colored line-prefix, tearing all of them down
// together on a terminating signal.
func runBatch(env config.Env) error {
	cfg, err := config.LoadBatch(".")
	if err != nil {
		return err
	}
	if cfg == nil || len(cfg.Services) == 0 {
		return fmt.Errorf("no portless.yaml found (or it defines no services)")
	}

	names := make([]string, 0, len(cfg.Services))
	for key := range cfg.Services {
		names = append(names, key)
	}
	sort.Strings(names)

	daemonPort := effectivePort(0, env, defaultProxyPort)
	loc, err := apprunner.EnsureDaemonStarted(daemonPort, env.HTTPSEnable, env.StateDirOverride)
	if err != nil {
		return err
	}

	locator := &state.Locator{Dir: loc.Dir}
	store := routestore.New(locator.RoutesFile(), locator.LockDir(), locator.RouteFileMode())

	maxLen := 0
	for _, name := range names {
		if len(name) > maxLen {
			maxLen = len(name)
		}
	}

	type service struct {
		name   string
		svc    config.ServiceConfig
		port   int
		prefix string
	}

	services := make([]service, 0, len(names))
	for i, key := range names {
		svc := cfg.Services[key]

		hostname, err := hostutil.NormalizeAndValidate(svc.Name)
		if err != nil {
			return fmt.Errorf("service %s: %w", svc.Name, err)
		}

		port := svc.Port
		if port == 0 {
			port, err = apprunner.AllocatePort(0, 0)
			if err != nil {
				return fmt.Errorf("service %s: allocate port: %w", hostname, err)
			}
		}
		if err := store.Add(hostname, port, os.Getpid(), false); err != nil {
			return fmt.Errorf("service %s: register route: %w", hostname, err)
		}

		color := batchColors[i%len(batchColors)]
		prefix := fmt.Sprintf("%s[%-*s]%s ", color, maxLen, hostname, batchColorReset)
		services = append(services, service{name: hostname, svc: svc, port: port, prefix: prefix})

		scheme := "http"
		if env.HTTPSEnable {
			scheme = "https"
		}
		fmt.Printf("  %s%s%s  %s://%s\n", color, hostname, batchColorReset, scheme, hostname)
	}
	fmt.Println()

	defer func() {
		for _, s := range services {
			_ = store.Remove(s.name)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var wg sync.WaitGroup
	var mu sync.Mutex
	cmds := make([]*exec.Cmd, 0, len(services))

	for _, s := range services {
		cmd := exec.Command("sh", "-c", s.svc.Cmd)
		cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", s.port))
		cmd.Stdout = newPrefixWriter(s.prefix, os.Stdout)
		cmd.Stderr = newPrefixWriter(s.prefix, os.Stderr)

		if err := cmd.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "%sfailed to start: %v\n", s.prefix, err)
			continue
		}

		mu.Lock()
		cmds = append(cmds, cmd)
		mu.Unlock()

		wg.Add(1)
		go func(s service, cmd *exec.Cmd) {
			defer wg.Done()
			if err := cmd.Wait(); err != nil {
				fmt.Fprintf(os.Stderr, "%sexited: %v\n", s.prefix, err)
			}
		}(s, cmd)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-sigCh:
		fmt.Println("\nstopping all services...")
		mu.Lock()
		for _, c := range cmds {
			if c.Process != nil {
				_ = c.Process.Signal(syscall.SIGTERM)
			}
		}
		mu.Unlock()

		select {
		case <-sigCh:
			fmt.Println("\nforce killing all services...")
			mu.Lock()
			for _, c := range cmds {
				if c.Process != nil {
					_ = c.Process.Kill()
				}
			}
			mu.Unlock()
			<-allDone
		case <-allDone:
		}
	case <-allDone:
	}

	return nil
}

// prefixWriter wraps an io.Writer, prepending a prefix to each completed
// line so concurrent services don't interleave mid-line.
type prefixWriter struct {
	prefix string
	out    *os.File
	mu     sync.Mutex
	buf    []byte
}

func newPrefixWriter(prefix string, out *os.File) *prefixWriter {
	return &prefixWriter{prefix: prefix, out: out}
}

func (pw *prefixWriter) Write(p []byte) (int, error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	total := len(p)
	pw.buf = append(pw.buf, p...)

	for {
		idx := -1
		for i, b := range pw.buf {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		line := pw.buf[:idx+1]
		fmt.Fprintf(pw.out, "%s%s", pw.prefix, line)
		pw.buf = pw.buf[idx+1:]
	}

	return total, nil
}
