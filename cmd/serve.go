package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, the conflict scheduler and the stale scan checker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Scheduler.Enabled {
			go func() {
				if err := env.Scheduler.Start(ctx); err != nil {
					zap.L().Error("conflict scheduler exited", zap.Error(err))
				}
			}()
			go env.Checker.Run(ctx)
		} else {
			zap.L().Info("conflict scheduler disabled")
		}

		router := buildRouter(newAPI(env), cfg.Server.AllowedOrigins)
		return startServer(ctx, router, resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
