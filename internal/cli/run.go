package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/BartekS5/invoice-ingest/internal/config"
	"github.com/spf13/cobra"
)

type RunOptions struct {
	InputDir           string
	CheckpointDir      string
	MaxFilesPerTrigger int
	Workers            int
	Watch              bool
	Drain              bool
}

func NewRunCmd(global *GlobalOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the ingestion pipeline",
		Long: `Start the ingestion pipeline. It polls the input directory until it receives
SIGINT or SIGTERM, finishing the batch in flight before it exits. With --drain
it exits as soon as the input directory is empty.`,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := loadConfig(global, true, func(cfg *config.Config) {
				applyRunFlags(c, opts, cfg)
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, cfg, opts.Drain)
		},
	}

	cmd.Flags().StringVarP(&opts.InputDir, "input", "i", "", "Input directory (overrides INPUT_DIR)")
	cmd.Flags().StringVar(&opts.CheckpointDir, "checkpoint-dir", "", "Checkpoint directory (overrides CHECKPOINT_DIR)")
	cmd.Flags().IntVarP(&opts.MaxFilesPerTrigger, "max-files", "n", 0, "Maximum files per micro-batch (overrides MAX_FILES_PER_TRIGGER)")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "Parallel file workers (overrides WORKERS)")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "Wake up on file system events in addition to polling")
	cmd.Flags().BoolVar(&opts.Drain, "drain", false, "Exit once the input directory is empty")

	return cmd
}

// applyRunFlags copies explicitly set flags over the loaded configuration.
func applyRunFlags(c *cobra.Command, opts *RunOptions, cfg *config.Config) {
	flags := c.Flags()
	if flags.Changed("input") {
		cfg.InputDir = opts.InputDir
	}
	if flags.Changed("checkpoint-dir") {
		cfg.CheckpointDir = opts.CheckpointDir
	}
	if flags.Changed("max-files") {
		cfg.MaxFilesPerTrigger = opts.MaxFilesPerTrigger
	}
	if flags.Changed("workers") {
		cfg.Workers = opts.Workers
	}
	if flags.Changed("watch") {
		cfg.Watch = opts.Watch
	}
}
