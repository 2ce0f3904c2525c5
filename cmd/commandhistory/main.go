// Command commandhistory operates the privacy command history store.
package main

import (
	"fmt"
	"os"

	"github.com/plaenen/commandhistory/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
