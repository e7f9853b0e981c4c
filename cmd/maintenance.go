package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the data directory and database tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			log.Info().Msg("migration finished")
			return nil
		},
	}
}

func newRecoverCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail stale tasks and finish pending ones, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.manager.Recover(ctx)
			if err != nil {
				return fmt.Errorf("recover: %w", err)
			}
			a.manager.WaitAll(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "interrupted: %d, resumed: %d\n", stats.Interrupted, stats.Resumed)
			return nil
		},
	}
}
