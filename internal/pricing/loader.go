package pricing

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// fileTier and filePrice mirror Tier/Price with JSON-friendly decimal
// strings, since shopspring/decimal marshals as a quoted string and a rate
// table authored by hand is easier to review as "3.00" than as a float.
type fileTier struct {
	InputAbove    int64  `json:"input_above"`
	InputPerMTok  string `json:"input_per_mtok"`
	OutputPerMTok string `json:"output_per_mtok"`
}

type filePrice struct {
	InputPerMTok      string     `json:"input_per_mtok"`
	OutputPerMTok     string     `json:"output_per_mtok"`
	CacheWritePerMTok string     `json:"cache_write_per_mtok"`
	CacheReadPerMTok  string     `json:"cache_read_per_mtok"`
	LongContextTiers  []fileTier `json:"long_context_tiers,omitempty"`
}

type fileTable struct {
	Fallback filePrice            `json:"fallback"`
	Models   map[string]filePrice `json:"models"`
}

// LoadFile reads a JSON price table from path and returns the per-model
// rates and fallback rate ready to hand to NewTable. The file format is:
//
//	{
//	  "fallback": {"input_per_mtok": "15.00", "output_per_mtok": "75.00", ...},
//	  "models": {
//	    "claude-opus-4": {"input_per_mtok": "15.00", ...}
//	  }
//	}
func LoadFile(path string) (map[string]Price, Price, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Price{}, fmt.Errorf("pricing: read price table %s: %w", path, err)
	}

	var ft fileTable
	if err := json.Unmarshal(raw, &ft); err != nil {
		return nil, Price{}, fmt.Errorf("pricing: parse price table %s: %w", path, err)
	}

	fallback, err := ft.Fallback.toPrice()
	if err != nil {
		return nil, Price{}, fmt.Errorf("pricing: fallback rate in %s: %w", path, err)
	}

	prices := make(map[string]Price, len(ft.Models))
	for model, fp := range ft.Models {
		p, err := fp.toPrice()
		if err != nil {
			return nil, Price{}, fmt.Errorf("pricing: rate for %q in %s: %w", model, path, err)
		}
		prices[model] = p
	}

	return prices, fallback, nil
}

func (fp filePrice) toPrice() (Price, error) {
	input, err := parseDecimal(fp.InputPerMTok)
	if err != nil {
		return Price{}, fmt.Errorf("input_per_mtok: %w", err)
	}
	output, err := parseDecimal(fp.OutputPerMTok)
	if err != nil {
		return Price{}, fmt.Errorf("output_per_mtok: %w", err)
	}
	cacheWrite, err := parseDecimal(fp.CacheWritePerMTok)
	if err != nil {
		return Price{}, fmt.Errorf("cache_write_per_mtok: %w", err)
	}
	cacheRead, err := parseDecimal(fp.CacheReadPerMTok)
	if err != nil {
		return Price{}, fmt.Errorf("cache_read_per_mtok: %w", err)
	}

	tiers := make([]Tier, 0, len(fp.LongContextTiers))
	for _, ft := range fp.LongContextTiers {
		ti, err := parseDecimal(ft.InputPerMTok)
		if err != nil {
			return Price{}, fmt.Errorf("long_context_tiers.input_per_mtok: %w", err)
		}
		to, err := parseDecimal(ft.OutputPerMTok)
		if err != nil {
			return Price{}, fmt.Errorf("long_context_tiers.output_per_mtok: %w", err)
		}
		tiers = append(tiers, Tier{InputAbove: ft.InputAbove, InputPerMTok: ti, OutputPerMTok: to})
	}

	return Price{
		InputPerMTok:      input,
		OutputPerMTok:     output,
		CacheWritePerMTok: cacheWrite,
		CacheReadPerMTok:  cacheRead,
		LongContextTiers:  tiers,
	}, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
