package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/mo"

	"github.com/alecgard/tally/internal/billing"
	"github.com/alecgard/tally/internal/cost"
	"github.com/alecgard/tally/internal/dailyusage"
	"github.com/alecgard/tally/internal/pricing"
	"github.com/alecgard/tally/internal/provider"
)

// Cost provenance values stored under MetaCostSource.
const (
	CostSourceEstimate   = "estimate"
	CostSourceGeneration = "generation_api"
	CostSourceNone       = "none"
)

// RecordStore is the analytics ledger as seen by the Recorder.
type RecordStore interface {
	Insert(ctx context.Context, r *Record) (*Record, error)
	UpdateActualCost(ctx context.Context, id string, actualCost float64, meta map[string]any) (bool, error)
}

// PricingResolver resolves and learns per-token prices.
type PricingResolver interface {
	Resolve(ctx context.Context, modelID, provider string, explicit *pricing.Pricing) pricing.Pricing
	Learn(ctx context.Context, p pricing.Pricing)
}

// GenerationFetcher fetches a provider's authoritative cost.
type GenerationFetcher interface {
	FetchGeneration(ctx context.Context, id string) (*provider.Generation, error)
}

// BillingReporter reports credit consumption.
type BillingReporter interface {
	ReportConsumption(ctx context.Context, c billing.Consumption) (*billing.Result, error)
}

// DailyCounter increments per-user daily usage.
type DailyCounter interface {
	IncrementDailyUsage(ctx context.Context, userID string, isAnonymous bool) (*dailyusage.IncrementResult, error)
}

// JobQueue defers work off the request path.
type JobQueue interface {
	Enqueue(name string, run func(ctx context.Context) error) string
}

// MetricsRecorder is an optional sink for recording outcomes.
type MetricsRecorder interface {
	IncUsageRecord(status string)
}

// Interaction is one completed (or stopped) model invocation.
type Interaction struct {
	UserID         string          `json:"user_id"`
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id,omitempty"`
	ModelID        string          `json:"model_id"`
	Provider       string          `json:"provider"`
	IsAnonymous    bool            `json:"is_anonymous"`
	CustomerID     string          `json:"customer_id,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
	Event          json.RawMessage `json:"event,omitempty"`
	GeneratedText  string          `json:"generated_text,omitempty"`
	GenerationID   string          `json:"generation_id,omitempty"`
	Stopped        bool            `json:"stopped,omitempty"`
	Currency       string          `json:"currency,omitempty"`
	// Pricing overrides resolution for this interaction.
	Pricing            *pricing.Pricing `json:"pricing,omitempty"`
	Features           []string         `json:"features,omitempty"`
	ProcessingTimeMs   int64            `json:"processing_time_ms"`
	TimeToFirstTokenMs int64            `json:"time_to_first_token_ms,omitempty"`
	Metadata           map[string]any   `json:"metadata,omitempty"`

	generation *provider.Generation
	deferred   bool
}

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	Currency              string
	IncludeVolumeDiscount bool
	CreditPolicy          billing.CreditPolicy
	SideEffectTimeout     time.Duration
	// WriteTimeout bounds each analytics insert. Inserts do not inherit
	// the caller's cancellation.
	WriteTimeout time.Duration
}

// Recorder writes one analytics row per interaction and triggers billing
// and daily-counter side effects without letting them affect the row.
type Recorder struct {
	store     RecordStore
	resolver  PricingResolver
	calc      *cost.Calculator
	extractor *cost.Extractor
	opts      RecorderOptions

	reporter BillingReporter
	counter  DailyCounter
	queue    JobQueue
	fetcher  GenerationFetcher
	metrics  MetricsRecorder

	wg sync.WaitGroup
}

// NewRecorder creates a Recorder.
func NewRecorder(store RecordStore, resolver PricingResolver, calc *cost.Calculator, extractor *cost.Extractor, opts RecorderOptions) *Recorder {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.SideEffectTimeout <= 0 {
		opts.SideEffectTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.CreditPolicy.Base == 0 && len(opts.CreditPolicy.Surcharges) == 0 {
		opts.CreditPolicy = billing.DefaultCreditPolicy()
	}
	return &Recorder{store: store, resolver: resolver, calc: calc, extractor: extractor, opts: opts}
}

// SetReporter sets the billing reporter.
func (r *Recorder) SetReporter(rep BillingReporter) { r.reporter = rep }

// SetDailyCounter sets the daily usage counter.
func (r *Recorder) SetDailyCounter(c DailyCounter) { r.counter = c }

// SetQueue sets the job queue used for deferred finalization.
func (r *Recorder) SetQueue(q JobQueue) { r.queue = q }

// SetFetcher sets the provider generation fetcher.
func (r *Recorder) SetFetcher(f GenerationFetcher) { r.fetcher = f }

// SetMetrics sets the optional metrics recorder.
func (r *Recorder) SetMetrics(m MetricsRecorder) { r.metrics = m }

// Record inserts one usage record for in. When cost processing or the insert
// fails, a failed-status row is written instead and the error is returned
// alongside it. Billing and daily-counter side effects run in the background
// either way.
func (r *Recorder) Record(ctx context.Context, in Interaction) (*Record, error) {
	if in.UserID == "" || in.ModelID == "" {
		return nil, ErrInvalidInput
	}

	tokens := r.tokensFor(in)

	rec, err := r.build(ctx, in, tokens)
	var saved *Record
	if err == nil {
		saved, err = r.insert(ctx, rec)
	}
	if err != nil {
		slog.Error("failed to record usage",
			"user_id", in.UserID, "model", in.ModelID, "provider", in.Provider, "error", err)
		r.inc(string(StatusFailed))
		failed := r.recordFailure(ctx, in, tokens, err)
		if !in.deferred {
			r.afterRecord(ctx, in, tokens, failed)
		}
		return failed, fmt.Errorf("recording usage: %w", err)
	}

	r.inc(string(StatusCompleted))
	if !in.deferred {
		r.afterRecord(ctx, in, tokens, saved)
		r.scheduleRefresh(saved, in)
	}
	return saved, nil
}

// Enqueue defers cost finalization and the insert to the job queue. Billing
// and the daily counter are triggered immediately. Without a queue it
// records synchronously.
func (r *Recorder) Enqueue(ctx context.Context, in Interaction) (string, error) {
	if in.UserID == "" || in.ModelID == "" {
		return "", ErrInvalidInput
	}
	if r.queue == nil {
		_, err := r.Record(ctx, in)
		return "", err
	}

	r.afterRecord(ctx, in, r.tokensFor(in), nil)
	in.deferred = true

	return r.queue.Enqueue("finalize-usage", func(ctx context.Context) error {
		if in.GenerationID != "" && r.fetcher != nil {
			gen, err := r.fetcher.FetchGeneration(ctx, in.GenerationID)
			if err != nil {
				slog.Warn("generation fetch failed, recording estimate",
					"generation_id", in.GenerationID, "error", err)
			} else if validCost(gen.TotalCost) {
				in.generation = gen
				tokens := r.tokensFor(in)
				r.learn(ctx, in.ModelID, in.Provider, tokens.Input, tokens.Output, gen.TotalCost)
			}
		}
		_, err := r.Record(ctx, in)
		return err
	}), nil
}

// insert writes rec under a context detached from the caller, so a client
// disconnect cannot leave an interaction without an analytics row.
func (r *Recorder) insert(ctx context.Context, rec *Record) (*Record, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.WriteTimeout)
	defer cancel()
	return r.store.Insert(ctx, rec)
}

// Wait blocks until in-flight side effects finish.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) tokensFor(in Interaction) TokenCounts {
	tokens := ExtractTokens(in.Event, in.Response, in.GeneratedText)
	if g := in.generation; g != nil {
		if g.NativeInputTokens > 0 {
			tokens.Input, tokens.InputSource = g.NativeInputTokens, TokenSourceGenerated
		}
		if g.NativeOutputTokens > 0 {
			tokens.Output, tokens.OutputSource = g.NativeOutputTokens, TokenSourceGenerated
		}
	}
	return tokens
}

// build computes costs and assembles the record. Panics from cost processing
// become errors so the interaction is still recorded as failed.
func (r *Recorder) build(ctx context.Context, in Interaction, tokens TokenCounts) (rec *Record, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cost processing panicked: %v", p)
		}
	}()

	currency := in.Currency
	if currency == "" {
		currency = r.opts.Currency
	}

	p := r.resolver.Resolve(ctx, in.ModelID, in.Provider, in.Pricing)
	estimate := r.calc.Calculate(tokens.Input, tokens.Output, p, cost.Options{
		IncludeVolumeDiscount: r.opts.IncludeVolumeDiscount,
		TargetCurrency:        currency,
	})

	meta := make(map[string]any, len(in.Metadata)+8)
	for k, v := range in.Metadata {
		meta[k] = v
	}
	meta[MetaPricingSource] = string(p.Source)
	meta[MetaInputTokenSource] = tokens.InputSource
	meta[MetaOutputTokenSource] = tokens.OutputSource
	if estimate.DiscountApplied {
		meta[MetaDiscountApplied] = estimate.DiscountPercentage
	}
	if in.GenerationID != "" {
		meta[MetaGenerationID] = in.GenerationID
	}
	if in.Stopped {
		meta[MetaStopped] = true
	}

	var final mo.Option[cost.Breakdown]
	if g := in.generation; g != nil && validCost(g.TotalCost) {
		if b, err := r.calc.WithActualIn(estimate, g.TotalCost, provider.GenerationCurrency); err != nil {
			slog.Warn("cannot convert generation cost, keeping estimate",
				"generation_id", in.GenerationID, "currency", estimate.Currency, "error", err)
		} else {
			final = mo.Some(b)
			meta[MetaCostSource] = CostSourceGeneration
			meta[MetaActualCostSource] = CostSourceGeneration
		}
	}
	if final.IsAbsent() {
		// Extracted costs are already converted to the requested currency.
		ex := r.extractor.Extract(in.Response, estimate.Currency)
		if a, ok := ex.ActualCost.Get(); ok {
			final = mo.Some(r.calc.WithActual(estimate, a))
			meta[MetaCostSource] = string(ex.Source)
			meta[MetaExtractionPath] = ex.Path
		} else {
			meta[MetaCostSource] = CostSourceEstimate
		}
	}

	rec = &Record{
		UserID:           in.UserID,
		ConversationID:   in.ConversationID,
		ModelID:          in.ModelID,
		Provider:         in.Provider,
		InputTokens:      tokens.Input,
		OutputTokens:     tokens.Output,
		TotalTokens:      tokens.Total(),
		EstimatedCost:    estimate.TotalCost.InexactFloat64(),
		Currency:         estimate.Currency,
		ProcessingTimeMs: in.ProcessingTimeMs,
		Status:           StatusCompleted,
		Metadata:         meta,
	}
	if b, ok := final.Get(); ok {
		v := b.TotalCost.InexactFloat64()
		rec.ActualCost = &v
	}
	if in.MessageID != "" {
		id := in.MessageID
		rec.MessageID = &id
	}
	if in.TimeToFirstTokenMs > 0 {
		ttft := in.TimeToFirstTokenMs
		rec.TimeToFirstTokenMs = &ttft
	}
	if in.ProcessingTimeMs > 0 {
		tps := float64(tokens.Output) / (float64(in.ProcessingTimeMs) / 1000)
		rec.TokensPerSecond = &tps
	}
	return rec, nil
}

// recordFailure writes a failed-status row carrying what is known about the
// interaction. It returns nil if that insert fails too.
func (r *Recorder) recordFailure(ctx context.Context, in Interaction, tokens TokenCounts, cause error) *Record {
	msg := cause.Error()
	rec := &Record{
		UserID:           in.UserID,
		ConversationID:   in.ConversationID,
		ModelID:          in.ModelID,
		Provider:         in.Provider,
		InputTokens:      tokens.Input,
		OutputTokens:     tokens.Output,
		TotalTokens:      tokens.Total(),
		Currency:         r.opts.Currency,
		ProcessingTimeMs: in.ProcessingTimeMs,
		Status:           StatusFailed,
		ErrorMessage:     &msg,
		Metadata: map[string]any{
			MetaCostSource:        CostSourceNone,
			MetaInputTokenSource:  tokens.InputSource,
			MetaOutputTokenSource: tokens.OutputSource,
		},
	}
	if in.MessageID != "" {
		id := in.MessageID
		rec.MessageID = &id
	}
	saved, err := r.insert(ctx, rec)
	if err != nil {
		slog.Error("failed to record failed usage row",
			"user_id", in.UserID, "model", in.ModelID, "error", err)
		return nil
	}
	return saved
}

// afterRecord triggers the billing report and the daily counter. Neither can
// fail the recording; both outlive the caller's context.
func (r *Recorder) afterRecord(ctx context.Context, in Interaction, tokens TokenCounts, rec *Record) {
	base := context.WithoutCancel(ctx)

	if r.reporter != nil {
		credits, baseCredits, additional := r.opts.CreditPolicy.Credits(in.Features)
		payload := map[string]any{
			billing.PayloadBaseCredits:    baseCredits,
			billing.PayloadAdditionalCost: additional,
			billing.PayloadModel:          in.ModelID,
			billing.PayloadProvider:       in.Provider,
			billing.PayloadInputTokens:    tokens.Input,
			billing.PayloadOutputTokens:   tokens.Output,
		}
		if rec != nil {
			payload[billing.PayloadUsageRecordID] = rec.ID
		}
		c := billing.Consumption{
			UserID:      in.UserID,
			CustomerID:  in.CustomerID,
			IsAnonymous: in.IsAnonymous,
			Credits:     credits,
			Payload:     payload,
		}
		r.goSafe(base, "billing report", func(ctx context.Context) error {
			_, err := r.reporter.ReportConsumption(ctx, c)
			return err
		})
	}

	if r.counter != nil {
		r.goSafe(base, "daily usage increment", func(ctx context.Context) error {
			_, err := r.counter.IncrementDailyUsage(ctx, in.UserID, in.IsAnonymous)
			return err
		})
	}
}

func (r *Recorder) goSafe(base context.Context, name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				slog.Error("usage side effect panicked", "side_effect", name, "panic", p)
			}
		}()
		ctx, cancel := context.WithTimeout(base, r.opts.SideEffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			slog.Warn("usage side effect failed", "side_effect", name, "error", err)
		}
	}()
}

// scheduleRefresh queues an authoritative-cost fetch for a row recorded
// without an actual cost.
func (r *Recorder) scheduleRefresh(rec *Record, in Interaction) {
	if rec == nil || rec.ActualCost != nil || in.GenerationID == "" || r.queue == nil || r.fetcher == nil {
		return
	}
	id, genID := rec.ID, in.GenerationID
	model, prov, currency := rec.ModelID, rec.Provider, rec.Currency
	inTok, outTok := rec.InputTokens, rec.OutputTokens

	r.queue.Enqueue("refresh-actual-cost", func(ctx context.Context) error {
		gen, err := r.fetcher.FetchGeneration(ctx, genID)
		if err != nil {
			return fmt.Errorf("fetching generation %s: %w", genID, err)
		}
		if !validCost(gen.TotalCost) {
			return fmt.Errorf("generation %s reported implausible cost %v", genID, gen.TotalCost)
		}
		amount, err := r.calc.ConvertAmount(gen.TotalCost, provider.GenerationCurrency, currency)
		if err != nil {
			return fmt.Errorf("generation %s: %w", genID, err)
		}
		r.learn(ctx, model, prov, inTok, outTok, gen.TotalCost)
		if _, err := r.store.UpdateActualCost(ctx, id, amount, map[string]any{
			MetaActualCostSource: CostSourceGeneration,
		}); err != nil {
			return err
		}
		return nil
	})
}

// learn caches a price derived from an authoritative generation cost.
func (r *Recorder) learn(ctx context.Context, modelID, prov string, inputTokens, outputTokens int, actual float64) {
	p := r.resolver.Resolve(ctx, modelID, prov, nil)
	actual, err := r.calc.ConvertAmount(actual, provider.GenerationCurrency, p.Currency)
	if err != nil {
		return
	}
	if learned, ok := LearnedPricing(p, inputTokens, outputTokens, actual).Get(); ok {
		r.resolver.Learn(ctx, learned)
	}
}

// LearnedPricing scales p so that pricing inputTokens and outputTokens
// yields actual, keeping p's input/output price ratio.
func LearnedPricing(p pricing.Pricing, inputTokens, outputTokens int, actual float64) mo.Option[pricing.Pricing] {
	estimated := float64(inputTokens)*p.InputPerToken + float64(outputTokens)*p.OutputPerToken
	if estimated <= 0 || !validCost(actual) {
		return mo.None[pricing.Pricing]()
	}
	scale := actual / estimated
	learned := p
	learned.InputPerToken = p.InputPerToken * scale
	learned.OutputPerToken = p.OutputPerToken * scale
	learned.Source = pricing.SourceCached
	return mo.Some(learned)
}

func validCost(c float64) bool {
	return c > 0 && c <= cost.MaxInteractionCost
}

func (r *Recorder) inc(status string) {
	if r.metrics != nil {
		r.metrics.IncUsageRecord(status)
	}
}
