package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vercel-labs/portless/internal/config"
	"github.com/vercel-labs/portless/internal/state"
)

func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <name>",
		Short: "Show a detached app's log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			env := config.FromEnviron()
			locator, err := state.New(effectivePort(0, env, defaultProxyPort), env.StateDirOverride)
			if err != nil {
				return err
			}
			return catLogFile(locator.AppLogFile(args[0]))
		},
	}
}

func catLogFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no log file at %s (was it run with --detach?)", path)
		}
		return err
	}
	defer f.Close()
	_, err = io.Copy(os.Stdout, f)
	return err
}
