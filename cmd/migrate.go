package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply store migrations and create the pgvector schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		zap.L().Info("store migrated", zap.String("driver", cfg.Store.Driver))

		if cfg.Vector.Provider != "pgvector" {
			return nil
		}
		_, pg, err := initIndex(st)
		if err != nil {
			return err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		zap.L().Info("vector schema ready",
			zap.String("table", cfg.Vector.Table),
			zap.Int("dimensions", cfg.Vector.Dimensions),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
