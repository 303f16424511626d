package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EconomyState is the single process-wide multiplier record.
type EconomyState struct {
	MarketDemandIndex decimal.Decimal `json:"market_demand_index"`
	SeasonModifier    decimal.Decimal `json:"season_modifier"`
	InflationRate     decimal.Decimal `json:"inflation_rate"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func DefaultEconomy() EconomyState {
	return EconomyState{
		MarketDemandIndex: decimal.NewFromInt(1),
		SeasonModifier:    decimal.NewFromInt(1),
		InflationRate:     decimal.Zero,
	}
}
