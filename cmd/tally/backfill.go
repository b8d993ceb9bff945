package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alecgard/tally/internal/backfill"
	"github.com/alecgard/tally/internal/billing"
	"github.com/alecgard/tally/internal/pricing"
	"github.com/alecgard/tally/internal/usage"
)

var (
	backfillDryRun     bool
	backfillMaxBatches int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Reconstruct missing usage records from the billing ledger",
	Long:  "Scans billing events with no usage record nearby and inserts estimated usage rows flagged as backfilled. Run it when the drift monitor reports critical drift.",
	RunE:  runBackfill,
}

func init() {
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "report what would be inserted without writing")
	backfillCmd.Flags().IntVar(&backfillMaxBatches, "max-batches", 0, "stop after this many batches (0: until exhausted)")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	resolver := pricing.NewResolver(pricing.NewStore(pool), pricing.NewMemoryCache(cfg.Pricing.CacheTTL))
	tool := backfill.New(billing.NewStore(pool), usage.NewStore(pool), newCalculator(cfg, resolver), backfill.Config{
		EventName:       cfg.Billing.EventName,
		BatchSize:       cfg.Backfill.BatchSize,
		Pause:           cfg.Backfill.Pause,
		TokensPerCredit: cfg.Backfill.TokensPerCredit,
		InputRatio:      cfg.Backfill.InputRatio,
		MatchWindow:     cfg.Backfill.MatchWindow,
		DefaultModel:    cfg.Backfill.DefaultModel,
		DefaultProvider: cfg.Backfill.DefaultProvider,
		MaxBatches:      backfillMaxBatches,
		DryRun:          backfillDryRun,
	})

	summary, err := tool.Run(ctx)
	if summary != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summary)
	}
	if err != nil {
		return fmt.Errorf("backfill stopped: %w", err)
	}
	return nil
}
