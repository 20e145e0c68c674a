// Package cli wires the cobra command tree external collaborators use to
// drive a daemon (start/stop), run an app under it, inspect active
// routes, and install the local CA into the system trust store.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/vercel-labs/portless/internal/config"
)

const defaultProxyPort = 80

// Execute builds and runs the root command against os.Args.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "portless",
		Short:        "Give local dev servers a stable hostname and TLS cert",
		SilenceUsage: true,
	}

	root.AddCommand(
		newListCmd(),
		newTrustCmd(),
		newLogsCmd(),
		newProxyCmd(),
	)
	attachRunBehavior(root)
	return root
}

// effectivePort resolves a port from (in priority order) an explicit
// cobra flag, the PROXY_PORT_OVERRIDE environment variable, then the
// given default.
func effectivePort(flagPort int, env config.Env, def int) int {
	if flagPort != 0 {
		return flagPort
	}
	if env.ProxyPort != 0 {
		return env.ProxyPort
	}
	return def
}
