package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vercel-labs/portless/internal/certs"
	"github.com/vercel-labs/portless/internal/config"
	"github.com/vercel-labs/portless/internal/state"
)

func newTrustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust",
		Short: "Install the local CA into the system trust store",
		RunE: func(c *cobra.Command, args []string) error {
			env := config.FromEnviron()
			locator, err := state.New(effectivePort(0, env, defaultProxyPort), env.StateDirOverride)
			if err != nil {
				return err
			}
			if err := locator.Ensure(); err != nil {
				return err
			}

			mgr := certs.New(locator.CertsDir())
			trusted, err := mgr.Trusted()
			if err == nil && trusted {
				fmt.Println("portless CA is already trusted")
				return nil
			}
			if err := mgr.Trust(); err != nil {
				return fmt.Errorf("trust CA: %w", err)
			}
			fmt.Println("portless CA installed")
			return nil
		},
	}
}
