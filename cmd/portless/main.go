// Command portless gives local dev servers a stable hostname and TLS
// cert via a shared reverse-proxy daemon.
package main

import (
	"fmt"
	"os"

	"github.com/vercel-labs/portless/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "portless:", err)
		os.Exit(1)
	}
}
