package pricing

import "github.com/shopspring/decimal"

func rate(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic("pricing: invalid embedded rate literal " + v)
	}
	return d
}

// DefaultFallback is used for any model absent from DefaultPrices. It is
// deliberately conservative (priced above typical mid-tier models) so an
// unpriced model never under-bills a tenant.
var DefaultFallback = Price{
	InputPerMTok:      rate("15.00"),
	OutputPerMTok:     rate("75.00"),
	CacheWritePerMTok: rate("18.75"),
	CacheReadPerMTok:  rate("1.50"),
}

// DefaultPrices seeds the Table at startup. Values are per-million-token
// USD rates for the headline models this gateway fronts; deployments are
// expected to refresh this out-of-band from the KV-held override.
var DefaultPrices = map[string]Price{
	"claude-opus-4-1": {
		InputPerMTok:      rate("15.00"),
		OutputPerMTok:     rate("75.00"),
		CacheWritePerMTok: rate("18.75"),
		CacheReadPerMTok:  rate("1.50"),
	},
	"claude-sonnet-4-5": {
		InputPerMTok:      rate("3.00"),
		OutputPerMTok:     rate("15.00"),
		CacheWritePerMTok: rate("3.75"),
		CacheReadPerMTok:  rate("0.30"),
		LongContextTiers: []Tier{
			{InputAbove: 200_000, InputPerMTok: rate("6.00"), OutputPerMTok: rate("22.50")},
		},
	},
	"claude-3-5-sonnet-20241022": {
		InputPerMTok:      rate("3.00"),
		OutputPerMTok:     rate("15.00"),
		CacheWritePerMTok: rate("3.75"),
		CacheReadPerMTok:  rate("0.30"),
	},
	"claude-3-5-haiku-20241022": {
		InputPerMTok:      rate("0.80"),
		OutputPerMTok:     rate("4.00"),
		CacheWritePerMTok: rate("1.00"),
		CacheReadPerMTok:  rate("0.08"),
	},
	"gemini-2.5-pro": {
		InputPerMTok:      rate("1.25"),
		OutputPerMTok:     rate("10.00"),
		CacheWritePerMTok: rate("1.625"),
		CacheReadPerMTok:  rate("0.3125"),
		LongContextTiers: []Tier{
			{InputAbove: 200_000, InputPerMTok: rate("2.50"), OutputPerMTok: rate("15.00")},
		},
	},
	"gemini-2.5-flash": {
		InputPerMTok:      rate("0.30"),
		OutputPerMTok:     rate("2.50"),
		CacheWritePerMTok: rate("0.375"),
		CacheReadPerMTok:  rate("0.075"),
	},
	"gpt-4o": {
		InputPerMTok:      rate("2.50"),
		OutputPerMTok:     rate("10.00"),
		CacheWritePerMTok: rate("2.50"),
		CacheReadPerMTok:  rate("1.25"),
	},
	"gpt-4o-mini": {
		InputPerMTok:      rate("0.15"),
		OutputPerMTok:     rate("0.60"),
		CacheWritePerMTok: rate("0.15"),
		CacheReadPerMTok:  rate("0.075"),
	},
	"anthropic.claude-sonnet-4": { // Bedrock, region prefix already stripped
		InputPerMTok:      rate("3.00"),
		OutputPerMTok:     rate("15.00"),
		CacheWritePerMTok: rate("3.75"),
		CacheReadPerMTok:  rate("0.30"),
	},
	"anthropic.claude-opus-4": {
		InputPerMTok:      rate("15.00"),
		OutputPerMTok:     rate("75.00"),
		CacheWritePerMTok: rate("18.75"),
		CacheReadPerMTok:  rate("1.50"),
	},
}
