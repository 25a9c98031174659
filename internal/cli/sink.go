package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func NewSinkCmd(global *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sink",
		Short: "Manage the SQL sink tables",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the sink and batch marker tables if they do not exist",
		RunE: func(c *cobra.Command, args []string) error {
			return withSink(c, global, true)
		},
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that the sink tables have every column the loader writes",
		RunE: func(c *cobra.Command, args []string) error {
			return withSink(c, global, false)
		},
	}

	cmd.AddCommand(initCmd, verifyCmd)
	return cmd
}

func withSink(c *cobra.Command, global *GlobalOptions, create bool) error {
	cfg, err := loadConfig(global, true, nil)
	if err != nil {
		return err
	}

	db, loader, err := openSink(cfg, "")
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(c.Context(), time.Minute)
	defer cancel()

	if create {
		if err := loader.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	if err := loader.VerifySchema(ctx); err != nil {
		return err
	}

	fmt.Fprintf(c.OutOrStdout(), "Sink tables %s and %s are ready.\n", loader.Table, loader.MarkerTable)
	return nil
}
