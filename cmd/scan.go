package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var scanConcurrency int

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run the compliance conflict scan once across all onboarded tenants",
	Long: `Runs conflict detection for every onboarded tenant, writes one
CONFLICT_SCAN audit entry per successful tenant and prints the run summary
as JSON. A tenant failure is reported in the summary and does not fail the
command; only a failure to list tenants does.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("scan"); err != nil {
			return err
		}
		if scanConcurrency > 0 {
			cfg.Scheduler.Concurrency = scanConcurrency
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		sched, _ := initScanner(st)
		summary, err := sched.Run(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("scan finished",
			zap.String("run_id", summary.RunID),
			zap.Int("failed", summary.Failed),
		)
		return writeIndented(cmd.OutOrStdout(), summary)
	},
}

func init() {
	scanCmd.Flags().IntVar(&scanConcurrency, "concurrency", 0, "tenants scanned at once (default from config)")
	rootCmd.AddCommand(scanCmd)
}
