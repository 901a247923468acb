// Package pricing computes per-request USD cost from token usage and a
// model → rate table. Rates are expressed per million tokens; all
// arithmetic runs through shopspring/decimal so accumulated cost across
// millions of requests never drifts the way repeated float64 addition
// would.
package pricing

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/wayfind-oss/relaygate/internal/modelname"
)

const millionTokens = 1_000_000

// Usage is the token accounting for one forwarded request, as parsed from
// the upstream response by the relay pipeline.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens      int64
}

// Tier is a long-context rate override that applies once InputAbove input
// tokens is exceeded.
type Tier struct {
	InputAbove         int64
	InputPerMTok       decimal.Decimal
	OutputPerMTok      decimal.Decimal
}

// Price is one model's rate card.
type Price struct {
	InputPerMTok      decimal.Decimal
	OutputPerMTok     decimal.Decimal
	CacheWritePerMTok decimal.Decimal
	CacheReadPerMTok  decimal.Decimal
	LongContextTiers  []Tier // ordered ascending by InputAbove; last match wins
}

// Result is the outcome of a cost computation.
type Result struct {
	CostUSD      decimal.Decimal
	CacheSavings decimal.Decimal // nominal input-rate cost minus actual cache-read cost
	UsedFallback bool            // true if the model had no table entry
}

// Table is a read-mostly model → Price lookup. The out-of-band fetcher
// that refreshes it from a KV-held override is an external collaborator;
// Table only needs to expose Lookup/Set.
type Table struct {
	mu       sync.RWMutex
	prices   map[string]Price
	fallback Price
	log      *slog.Logger
}

// NewTable builds a Table seeded with the given prices and a fallback rate
// used for models with no entry. A nil logger falls back to slog.Default().
func NewTable(prices map[string]Price, fallback Price, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	cp := make(map[string]Price, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &Table{prices: cp, fallback: fallback, log: log}
}

// Lookup returns the Price for model, trying an exact match first and then
// a normalized (case/punctuation-insensitive) match, falling back to the
// conservative default. The bool reports whether an exact table entry was
// found, for callers (e.g. metrics) that want to distinguish a known model
// from the fallback.
func (t *Table) Lookup(model string) (Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.prices[model]; ok {
		return p, true
	}

	norm := modelname.Normalize(model)
	for k, p := range t.prices {
		if modelname.Normalize(k) == norm {
			return p, true
		}
	}

	return t.fallback, false
}

// Set installs or replaces the rate for one model. Used by the out-of-band
// refresh path.
func (t *Table) Set(model string, p Price) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[model] = p
}

// Compute applies the per-token pricing formula:
//
//	cost = (input*input_rate + output*output_rate +
//	        cache_creation*cache_write_rate + cache_read*cache_read_rate) / 1e6
//
// Long-context tiers apply verbatim once input tokens exceed a tier's
// threshold; the highest threshold the usage qualifies for wins. Unknown
// models fall back to the table's conservative default rate and log a
// warning rather than failing the request.
func (t *Table) Compute(model string, u Usage) Result {
	price, found := t.Lookup(model)
	if !found {
		t.log.Warn("pricing: unknown model, using fallback rate", slog.String("model", model))
	}

	inputRate, outputRate := price.InputPerMTok, price.OutputPerMTok
	for _, tier := range price.LongContextTiers {
		if u.InputTokens > tier.InputAbove {
			inputRate, outputRate = tier.InputPerMTok, tier.OutputPerMTok
		}
	}

	mTok := decimal.NewFromInt(millionTokens)

	cost := decimal.NewFromInt(u.InputTokens).Mul(inputRate).
		Add(decimal.NewFromInt(u.OutputTokens).Mul(outputRate)).
		Add(decimal.NewFromInt(u.CacheCreationTokens).Mul(price.CacheWritePerMTok)).
		Add(decimal.NewFromInt(u.CacheReadTokens).Mul(price.CacheReadPerMTok)).
		Div(mTok)

	savings := decimal.NewFromInt(u.CacheReadTokens).
		Mul(inputRate.Sub(price.CacheReadPerMTok)).
		Div(mTok)
	if savings.IsNegative() {
		savings = decimal.Zero
	}

	return Result{CostUSD: cost, CacheSavings: savings, UsedFallback: !found}
}
