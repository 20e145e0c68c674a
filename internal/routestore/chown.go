package routestore

import (
	"fmt"
	"os"

	"github.com/vercel-labs/portless/internal/state"
)

// chownBestEffort transfers ownership of a just-written route file to the
// invoking (non-root) user when this process is running under sudo, so
// later non-root registrants can still rewrite it. Failure is logged, not
// fatal — the file is already at the permissive mode persist() set.
func chownBestEffort(path string) error {
	if err := state.ChownToInvokingUser(path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to chown %s to invoking user: %v\n", path, err)
	}
	return nil
}
