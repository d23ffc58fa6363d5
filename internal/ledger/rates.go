package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultModel is the rate table row used for unknown models.
const DefaultModel = "default"

// TokenRate is the price in credits per 1000 tokens.
type TokenRate struct {
	InputPer1K  int64
	OutputPer1K int64
}

// RateTable maps a model name to its token rate.
type RateTable map[string]TokenRate

// DefaultRates returns the built-in rate table.
func DefaultRates() RateTable {
	return RateTable{
		DefaultModel: {InputPer1K: 1, OutputPer1K: 3},
	}
}

// Rate returns the rate for model, falling back to the default row.
func (t RateTable) Rate(model string) TokenRate {
	if r, ok := t[model]; ok {
		return r
	}
	return t[DefaultModel]
}

// Charge returns ceil((in*inRate + out*outRate) / 1000).
func (t RateTable) Charge(model string, inputTokens, outputTokens int64) int64 {
	r := t.Rate(model)
	total := inputTokens*r.InputPer1K + outputTokens*r.OutputPer1K
	if total <= 0 {
		return 0
	}
	return ceilDiv(total, 1000)
}

// ParseRates parses "model=in:out,model=in:out" into a table. The result
// always carries a default row.
func ParseRates(raw string) (RateTable, error) {
	table := DefaultRates()
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		model, prices, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("rate %q: missing '='", entry)
		}
		in, out, ok := strings.Cut(prices, ":")
		if !ok {
			return nil, fmt.Errorf("rate %q: missing ':'", entry)
		}
		inRate, err := strconv.ParseInt(strings.TrimSpace(in), 10, 64)
		if err != nil || inRate < 0 {
			return nil, fmt.Errorf("rate %q: bad input price", entry)
		}
		outRate, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
		if err != nil || outRate < 0 {
			return nil, fmt.Errorf("rate %q: bad output price", entry)
		}
		table[strings.TrimSpace(model)] = TokenRate{InputPer1K: inRate, OutputPer1K: outRate}
	}
	return table, nil
}
