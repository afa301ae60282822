package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentgate/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the work-order engine until interrupted",
	Long: `Starts the engine, the Prometheus metrics endpoint and the stale
process monitor, then blocks until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApplication()
		if err != nil {
			return err
		}
		app.Start()
		app.Processes().StartStaleMonitor(
			time.Duration(viper.GetInt("stale_check_interval_seconds"))*time.Second,
			time.Duration(viper.GetInt("max_process_lifetime_seconds"))*time.Second,
		)

		go func() {
			if err := telemetry.StartMetricsServer(viper.GetString("metrics_addr")); err != nil {
				telemetry.LogError("metrics server stopped", err)
			}
		}()

		telemetry.LogInfo("agentgate engine started",
			"max_concurrent", viper.GetInt("max_concurrent"),
			"sandbox", viper.GetString("sandbox.provider"))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		telemetry.LogInfo("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		app.Stop(ctx)
		telemetry.LogInfo("shutdown complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
