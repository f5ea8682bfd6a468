// Package cli defines the feedbackcore command tree: an HTTP API
// server, the enrichment worker pool, and a schema migration runner.
// All commands share the same configuration loading path.
package cli

import (
	"github.com/spf13/cobra"
)

var cfgFile string

// RootCmd is the base command.
var RootCmd = &cobra.Command{
	Use:   "feedbackcore",
	Short: "customer feedback ingestion and analytics service",
	Long: `feedbackcore ingests customer feedback, enriches it through a
background pipeline (sentiment, toxicity, topic clustering) and serves
cached analytics, CSV exports, audited admin mutations and a grounded
question answering endpoint.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml and standard locations)")
}

// Execute runs the command tree.
func Execute() error {
	return RootCmd.Execute()
}
