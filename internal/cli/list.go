package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vercel-labs/portless/internal/config"
	"github.com/vercel-labs/portless/internal/daemon"
	"github.com/vercel-labs/portless/internal/routestore"
	"github.com/vercel-labs/portless/internal/state"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active routes",
		RunE: func(c *cobra.Command, args []string) error {
			env := config.FromEnviron()
			loc, err := daemon.Discover(effectivePort(0, env, defaultProxyPort), env.StateDirOverride)
			if err != nil {
				return err
			}

			locator := &state.Locator{Dir: loc.Dir}
			store := routestore.New(locator.RoutesFile(), locator.LockDir(), locator.RouteFileMode())
			routes, err := store.LoadAndGC()
			if err != nil {
				return fmt.Errorf("load routes: %w", err)
			}
			if len(routes) == 0 {
				fmt.Println("no active routes")
				return nil
			}

			scheme := "http"
			if loc.TLS {
				scheme = "https"
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HOSTNAME\tPORT\tPID\tURL")
			for _, r := range routes {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s://%s\n", r.Hostname, r.Port, r.PID, scheme, r.Hostname)
			}
			return w.Flush()
		},
	}
}
