package position

import (
	"github.com/shopspring/decimal"
)

// Snapshot captures the caller's holding of a single ticker at analysis time
type Snapshot struct {
	Ticker       string          `json:"ticker"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgCost      decimal.Decimal `json:"avgCost"`
	MarketValue  decimal.Decimal `json:"marketValue"`
	UnrealizedPL decimal.Decimal `json:"unrealizedPl"`
}

// HasShares reports whether the user actually holds the ticker
func (s Snapshot) HasShares() bool {
	return s.Quantity.IsPositive()
}

// PortfolioSnapshot captures the whole account at analysis time so every
// agent sees the same holdings without re-querying
type PortfolioSnapshot struct {
	TotalValue decimal.Decimal `json:"totalValue"`
	Cash       decimal.Decimal `json:"cash"`
	Positions  []Snapshot      `json:"positions"`
}

// Find returns the snapshot for a ticker, or a zero snapshot
func (p PortfolioSnapshot) Find(ticker string) Snapshot {
	for _, pos := range p.Positions {
		if pos.Ticker == ticker {
			return pos
		}
	}
	return Snapshot{Ticker: ticker}
}
