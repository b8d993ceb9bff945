package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alecgard/tally/internal/pricing"
)

var seedPricingCmd = &cobra.Command{
	Use:   "seed-pricing",
	Short: "Write the built-in pricing table for pairs that have no price yet",
	RunE:  runSeedPricing,
}

func init() {
	rootCmd.AddCommand(seedPricingCmd)
}

func runSeedPricing(cmd *cobra.Command, args []string) error {
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

	store := pricing.NewStore(pool)

	var inserted, skipped int
	for _, entry := range pricing.DefaultEntries() {
		ok, err := store.InsertIfAbsent(ctx, entry)
		if err != nil {
			return fmt.Errorf("seeding %s/%s: %w", entry.Provider, entry.ModelID, err)
		}
		if ok {
			inserted++
			slog.Info("seeded pricing entry", "model", entry.ModelID, "provider", entry.Provider)
		} else {
			skipped++
		}
	}

	fmt.Printf("Pricing entries: %d inserted, %d already present\n", inserted, skipped)
	return nil
}
