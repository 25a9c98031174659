// Package cli handles the command-line interface logic
// using the Cobra library.
package cli

import (
	"github.com/spf13/cobra"
)

// GlobalOptions are the flags shared by every sub-command.
type GlobalOptions struct {
	ConfigFile string
	Debug      bool
}

func NewRootCmd() *cobra.Command {
	opts := &GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "invoice-ingest",
		Short: "Micro-batch ingestion of JSON invoices into a SQL table",
		Long: `invoice-ingest watches a directory of JSON invoice files, validates and
flattens every invoice into one row per line item, and delivers the rows to a
SQL table exactly once. Invalid records are quarantined to a dead-letter sink.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "Path to a YAML config file (environment variables override it)")
	rootCmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(NewRunCmd(opts), NewSinkCmd(opts), NewCheckpointCmd(opts))

	return rootCmd
}
