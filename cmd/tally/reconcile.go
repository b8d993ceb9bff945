package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/alecgard/tally/internal/usage"
)

var (
	reconcileLimit  int
	reconcileMaxAge int
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Fetch authoritative provider costs for recent records once",
	RunE:  runReconcile,
}

func init() {
	reconcileCmd.Flags().IntVar(&reconcileLimit, "limit", 0, "records to process (default from config)")
	reconcileCmd.Flags().IntVar(&reconcileMaxAge, "max-age-hours", 0, "only records newer than this (default from config)")
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
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

	limit, maxAge := cfg.Reconcile.Limit, cfg.Reconcile.MaxAgeHours
	if reconcileLimit > 0 {
		limit = reconcileLimit
	}
	if reconcileMaxAge > 0 {
		maxAge = reconcileMaxAge
	}

	fetcher := newProviderClient(cfg, newThrottle(cfg))
	res, err := newReconciler(cfg, usage.NewStore(pool), fetcher).ReconcileRecentMissingActualCosts(ctx, limit, maxAge)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
