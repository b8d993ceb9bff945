package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alecgard/tally/internal/monitor"
)

var healthAlerts bool

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Compare the billing and analytics ledgers and print the result",
	RunE:  runHealth,
}

func init() {
	healthCmd.Flags().BoolVar(&healthAlerts, "alerts", false, "print generated alerts instead of the health report")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	mon := newMonitor(cfg, pool)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if healthAlerts {
		alerts, err := mon.GenerateAlerts(ctx)
		if err != nil {
			return err
		}
		if alerts == nil {
			alerts = []monitor.Alert{}
		}
		return enc.Encode(alerts)
	}

	h, err := mon.CheckLoggingHealth(ctx)
	if err != nil {
		return err
	}
	if err := enc.Encode(h); err != nil {
		return err
	}
	if h.Status == monitor.StatusCritical {
		cmd.SilenceUsage = true
		return fmt.Errorf("ledger drift is critical: %d billing events, %d usage records", h.BillingEvents, h.AnalyticsRecords)
	}
	return nil
}
