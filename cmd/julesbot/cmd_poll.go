package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pollCmd)
	pollCmd.Flags().Duration("wait", 2*time.Minute, "how long to wait for re-entered decision loop runs")
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one synchronous reconcile sweep",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")
		cfg := loadConfig()
		setupLogging(cfg)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.close()

		a.gateway.Start(ctx)
		defer a.gateway.Stop()

		n, err := a.reconciler.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		if !a.gateway.Queue.WaitIdle(wait) {
			slog.Warn("decision loop runs still pending", "waited", wait)
		}
		fmt.Printf("Checked %d job(s).\n", n)
		return nil
	},
}
