package cli

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/vercel-labs/portless/internal/apprunner"
	"github.com/vercel-labs/portless/internal/config"
)

// attachRunBehavior wires the bare "portless <name> <cmd...>" invocation
// onto root itself. Cobra only dispatches to a registered subcommand when
// args[0] matches its name, so this RunE is what fires for every other
// first argument — which is exactly the dispatch this surface wants.
func attachRunBehavior(root *cobra.Command) {
	var (
		port   int
		force  bool
		all    bool
		detach bool
	)

	root.Args = cobra.ArbitraryArgs
	root.FParseErrWhitelist = cobra.FParseErrWhitelist{UnknownFlags: true}
	root.RunE = func(c *cobra.Command, args []string) error {
		env := config.FromEnviron()

		if all {
			return runBatch(env)
		}
		if len(args) == 0 {
			return c.Help()
		}

		name := args[0]
		cmdArgs := args[1:]

		if env.Bypass {
			return bypassExec(cmdArgs)
		}
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: portless %s <cmd> [args...]", name)
		}
		if detach {
			return runDetached(name, cmdArgs, port, force, env)
		}

		opts := apprunner.Options{
			Name:              name,
			Args:              cmdArgs,
			Port:              port,
			Force:             force,
			TLS:               env.HTTPSEnable,
			StateDirOverride:  env.StateDirOverride,
			DefaultDaemonPort: effectivePort(0, env, defaultProxyPort),
		}
		code, err := apprunner.Run(opts)
		if err != nil {
			fmt.Fprintln(os.Stderr, "portless:", err)
		}
		os.Exit(code)
		return nil
	}

	root.Flags().IntVarP(&port, "port", "p", 0, "pin to an exact backend port (default: auto-allocate)")
	root.Flags().BoolVar(&force, "force", false, "steal the hostname from a live registrant")
	root.Flags().BoolVarP(&all, "all", "a", false, "run every service in portless.yaml")
	root.Flags().BoolVarP(&detach, "detach", "d", false, "run in the background, logging to the state directory")
}

// bypassExec execs args directly, skipping portless entirely, per BYPASS.
func bypassExec(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("BYPASS set but no command given")
	}
	c := exec.Command(args[0], args[1:]...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Stdin = os.Stdin
	if err := c.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		return err
	}
	return nil
}
