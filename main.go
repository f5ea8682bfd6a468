// Command feedbackcore is the entry point for the feedback-core
// service. It dispatches to the server, worker and migrate subcommands.
package main

import (
	"os"

	"feedbackcore.org/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
