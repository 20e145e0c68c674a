package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vercel-labs/portless/internal/config"
	"github.com/vercel-labs/portless/internal/daemon"
	"github.com/vercel-labs/portless/internal/state"
)

func newProxyCmd() *cobra.Command {
	proxy := &cobra.Command{
		Use:   "proxy",
		Short: "Manage the proxy daemon",
	}
	proxy.AddCommand(
		newProxyStartCmd(),
		newProxyStopCmd(),
		newProxyStatusCmd(),
		newProxyLogsCmd(),
	)
	return proxy
}

func newProxyStartCmd() *cobra.Command {
	var (
		port       int
		https      bool
		noTLS      bool
		certPath   string
		keyPath    string
		foreground bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy daemon",
		RunE: func(c *cobra.Command, args []string) error {
			env := config.FromEnviron()
			resolvedPort := effectivePort(port, env, defaultProxyPort)
			tls := https || (env.HTTPSEnable && !noTLS)

			opts := daemon.Options{
				Port:             resolvedPort,
				TLS:              tls,
				StateDirOverride: env.StateDirOverride,
				CertPath:         certPath,
				KeyPath:          keyPath,
			}

			if foreground {
				d, err := daemon.New(opts)
				if err != nil {
					return err
				}
				return d.Run()
			}

			if loc, err := daemon.Discover(resolvedPort, env.StateDirOverride); err == nil && loc.Running {
				fmt.Println("portless: proxy is already running")
				return nil
			}
			if err := daemon.StartDetached(opts); err != nil {
				return err
			}
			fmt.Printf("portless: proxy listening on port %d\n", resolvedPort)
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "proxy listening port (default 80)")
	cmd.Flags().BoolVar(&https, "https", false, "enable HTTPS/TLS multiplexing")
	cmd.Flags().BoolVar(&noTLS, "no-tls", false, "force TLS off even if HTTPS_ENABLE is set")
	cmd.Flags().StringVar(&certPath, "cert", "", "user-supplied certificate (pairs with --key)")
	cmd.Flags().StringVar(&keyPath, "key", "", "user-supplied private key (pairs with --cert)")
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run in the foreground instead of detaching")
	return cmd
}

func newProxyStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the proxy daemon",
		RunE: func(c *cobra.Command, args []string) error {
			env := config.FromEnviron()
			loc, err := daemon.Discover(effectivePort(0, env, defaultProxyPort), env.StateDirOverride)
			if err != nil {
				return err
			}
			if !loc.Running {
				fmt.Println("portless: proxy is not running")
				return nil
			}
			locator := &state.Locator{Dir: loc.Dir}
			if err := daemon.Stop(locator); err != nil {
				return err
			}
			fmt.Println("portless: proxy stopped")
			return nil
		},
	}
}

func newProxyStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the proxy daemon is running",
		RunE: func(c *cobra.Command, args []string) error {
			env := config.FromEnviron()
			loc, err := daemon.Discover(effectivePort(0, env, defaultProxyPort), env.StateDirOverride)
			if err != nil || !loc.Running {
				fmt.Println("portless: proxy is not running")
				return nil
			}
			scheme := "http"
			if loc.TLS {
				scheme = "https"
			}
			fmt.Printf("portless: proxy running at %s://127.0.0.1:%d (state dir: %s)\n", scheme, loc.Port, loc.Dir)
			return nil
		},
	}
}

func newProxyLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Show the proxy daemon's log file",
		RunE: func(c *cobra.Command, args []string) error {
			env := config.FromEnviron()
			loc, err := daemon.Discover(effectivePort(0, env, defaultProxyPort), env.StateDirOverride)
			if err != nil {
				return err
			}
			locator := &state.Locator{Dir: loc.Dir}
			return catLogFile(locator.LogFile())
		},
	}
}
