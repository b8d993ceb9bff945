package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alecgard/tally/internal/billing"
	"github.com/alecgard/tally/internal/cost"
	"github.com/alecgard/tally/internal/usage"
)

// Token sources recorded on backfilled rows.
const (
	TokenSourcePayload   = "billing_payload"
	TokenSourceHeuristic = "credit_heuristic"
)

// conversationPlaceholder stands in for the conversation id, which the
// billing ledger does not carry.
const conversationPlaceholder = "backfill"

// EventSource lists billing events that have no matching usage record.
type EventSource interface {
	ListUnmatched(ctx context.Context, q billing.UnmatchedQuery) ([]*billing.Event, error)
}

// RecordSink writes reconstructed usage records.
type RecordSink interface {
	BatchInsert(ctx context.Context, records []usage.Record) error
	Insert(ctx context.Context, r *usage.Record) (*usage.Record, error)
}

// Config controls a backfill run.
type Config struct {
	EventName       string
	BatchSize       int
	Pause           time.Duration
	TokensPerCredit int
	InputRatio      float64
	MatchWindow     time.Duration
	DefaultModel    string
	DefaultProvider string
	// MaxBatches stops the run early; zero means until exhausted.
	MaxBatches int
	DryRun     bool
}

// DefaultConfig returns the stock heuristic and batching.
func DefaultConfig() Config {
	return Config{
		EventName:       billing.DefaultEventName,
		BatchSize:       50,
		Pause:           time.Second,
		TokensPerCredit: 500,
		InputRatio:      0.3,
		MatchWindow:     5 * time.Minute,
		DefaultModel:    "unknown",
		DefaultProvider: "openrouter",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.EventName == "" {
		c.EventName = def.EventName
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Pause < 0 {
		c.Pause = 0
	}
	if c.TokensPerCredit <= 0 {
		c.TokensPerCredit = def.TokensPerCredit
	}
	if c.InputRatio <= 0 || c.InputRatio >= 1 {
		c.InputRatio = def.InputRatio
	}
	if c.MatchWindow <= 0 {
		c.MatchWindow = def.MatchWindow
	}
	if c.DefaultModel == "" {
		c.DefaultModel = def.DefaultModel
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = def.DefaultProvider
	}
	return c
}

// BatchReport counts one batch.
type BatchReport struct {
	Batch    int `json:"batch"`
	Scanned  int `json:"scanned"`
	Inserted int `json:"inserted"`
	Failed   int `json:"failed"`
}

// Summary is the outcome of a run.
type Summary struct {
	Batches  []BatchReport `json:"batches"`
	Scanned  int           `json:"scanned"`
	Inserted int           `json:"inserted"`
	Failed   int           `json:"failed"`
	DryRun   bool          `json:"dryRun"`
}

// Tool reconstructs missing usage records from the billing ledger.
type Tool struct {
	events EventSource
	sink   RecordSink
	calc   *cost.Calculator
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Tool. calc prices the estimated tokens; zero fields in cfg
// take their defaults.
func New(events EventSource, sink RecordSink, calc *cost.Calculator, cfg Config) *Tool {
	return &Tool{
		events: events,
		sink:   sink,
		calc:   calc,
		cfg:    cfg.withDefaults(),
		sleep:  pause,
	}
}

// EstimateTokens applies the credit heuristic. Surcharge credits buy
// features rather than tokens, so only the base credits are converted.
func (c Config) EstimateTokens(credits, additionalCost float64) (input, output int) {
	c = c.withDefaults()
	total := int(math.Max(1, credits-additionalCost)) * c.TokensPerCredit
	input = int(math.Round(float64(total) * c.InputRatio))
	return input, total - input
}

// Run pages through unmatched billing events oldest first, inserting one
// flagged usage record per event. Insert failures are counted, not returned;
// only listing errors and cancellation end the run early.
func (t *Tool) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{Batches: []BatchReport{}, DryRun: t.cfg.DryRun}
	q := billing.UnmatchedQuery{
		EventName: t.cfg.EventName,
		Window:    t.cfg.MatchWindow,
		Limit:     t.cfg.BatchSize,
	}

	for batch := 1; ; batch++ {
		events, err := t.events.ListUnmatched(ctx, q)
		if err != nil {
			return sum, fmt.Errorf("listing unmatched billing events: %w", err)
		}
		if len(events) == 0 {
			break
		}

		rep := BatchReport{Batch: batch, Scanned: len(events)}
		records := make([]usage.Record, 0, len(events))
		for _, e := range events {
			records = append(records, t.reconstruct(ctx, e))
		}
		if t.cfg.DryRun {
			rep.Inserted = len(records)
		} else {
			rep.Inserted, rep.Failed = t.insert(ctx, records)
		}

		sum.Batches = append(sum.Batches, rep)
		sum.Scanned += rep.Scanned
		sum.Inserted += rep.Inserted
		sum.Failed += rep.Failed
		slog.Info("backfill batch complete",
			"batch", batch, "scanned", rep.Scanned, "inserted", rep.Inserted,
			"failed", rep.Failed, "dry_run", t.cfg.DryRun)

		last := events[len(events)-1]
		q.AfterCreatedAt, q.AfterID = last.CreatedAt, last.ID

		if len(events) < t.cfg.BatchSize || (t.cfg.MaxBatches > 0 && batch >= t.cfg.MaxBatches) {
			break
		}
		if err := t.sleep(ctx, t.cfg.Pause); err != nil {
			return sum, err
		}
	}

	slog.Info("backfill complete",
		"batches", len(sum.Batches), "scanned", sum.Scanned,
		"inserted", sum.Inserted, "failed", sum.Failed, "dry_run", t.cfg.DryRun)
	return sum, nil
}

// insert tries the whole batch at once and falls back to row-by-row so a
// single bad row does not fail its neighbours.
func (t *Tool) insert(ctx context.Context, records []usage.Record) (inserted, failed int) {
	err := t.sink.BatchInsert(ctx, records)
	if err == nil {
		return len(records), 0
	}
	slog.Warn("batch insert failed, retrying row by row", "rows", len(records), "error", err)

	for i := range records {
		if _, err := t.sink.Insert(ctx, &records[i]); err != nil {
			failed++
			slog.Error("failed to backfill usage record",
				"billing_event_id", records[i].Metadata[usage.MetaBillingEventID], "error", err)
			continue
		}
		inserted++
	}
	return inserted, failed
}

func (t *Tool) reconstruct(ctx context.Context, e *billing.Event) usage.Record {
	model := e.PayloadString(billing.PayloadModel)
	if model == "" {
		model = t.cfg.DefaultModel
	}
	provider := e.PayloadString(billing.PayloadProvider)
	if provider == "" {
		provider = t.cfg.DefaultProvider
	}

	in, out := payloadCount(e.Payload, billing.PayloadInputTokens), payloadCount(e.Payload, billing.PayloadOutputTokens)
	tokenSource := TokenSourcePayload
	if in+out == 0 {
		in, out = t.cfg.EstimateTokens(e.CreditsConsumed(), e.AdditionalCost())
		tokenSource = TokenSourceHeuristic
	}

	rec := usage.Record{
		UserID:         e.UserID,
		ConversationID: conversationPlaceholder,
		ModelID:        model,
		Provider:       provider,
		InputTokens:    in,
		OutputTokens:   out,
		TotalTokens:    in + out,
		Status:         usage.StatusCompleted,
		CreatedAt:      e.CreatedAt,
		Metadata: map[string]any{
			usage.MetaBackfilled:        true,
			usage.MetaEstimatedData:     true,
			usage.MetaBillingEventID:    e.ID,
			usage.MetaInputTokenSource:  tokenSource,
			usage.MetaOutputTokenSource: tokenSource,
			usage.MetaCostSource:        usage.CostSourceEstimate,
		},
	}
	if t.calc != nil {
		b := t.calc.Estimate(ctx, in, out, model, provider, cost.Options{})
		rec.EstimatedCost = b.TotalCost.InexactFloat64()
		rec.Currency = b.Currency
		rec.Metadata[usage.MetaPricingSource] = string(b.PricingSource)
	}
	return rec
}

func payloadCount(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case float64:
		if v > 0 {
			return int(math.Round(v))
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return 0
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
