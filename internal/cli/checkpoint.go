package cli

import (
	"encoding/json"
	"fmt"

	"github.com/BartekS5/invoice-ingest/internal/config"
	"github.com/BartekS5/invoice-ingest/internal/etl"
	"github.com/spf13/cobra"
)

func NewCheckpointCmd(global *GlobalOptions) *cobra.Command {
	var checkpointDir string

	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect delivery progress",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the checkpoint as JSON",
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig(global, false, func(cfg *config.Config) {
				if c.Flags().Changed("checkpoint-dir") {
					cfg.CheckpointDir = checkpointDir
				}
			})
			if err != nil {
				return err
			}

			store, err := etl.OpenCheckpointStore(cfg.CheckpointDir)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(store.Snapshot(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), string(data))
			return nil
		},
	}
	showCmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", "", "Checkpoint directory (overrides CHECKPOINT_DIR)")

	cmd.AddCommand(showCmd)
	return cmd
}
