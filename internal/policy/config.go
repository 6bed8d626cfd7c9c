package policy

import (
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-trader/internal/market"
)

// Config is the per-cycle policy snapshot. The engine never mutates it.
type Config struct {
	MaxNotionalPerTrade    decimal.Decimal
	MaxPositionFraction    decimal.Decimal // of equity
	PositionWarningMargin  decimal.Decimal // warn within this fraction below the ceiling
	MaxOpenPositions       int
	DailyLossLimitFraction decimal.Decimal // of equity
	AllowedOrderTypes      []market.OrderType
	AllowSymbols           []string // empty = every symbol allowed
	DenySymbols            []string
	AllowExtendedHours     bool
	AllowShortSelling      bool
	CashOnly               bool
}

func (c Config) orderTypeAllowed(t market.OrderType) bool {
	for _, a := range c.AllowedOrderTypes {
		if a == t {
			return true
		}
	}
	return false
}

func containsSymbol(list []string, sym string) bool {
	for _, s := range list {
		if market.NormalizeSymbol(s) == sym {
			return true
		}
	}
	return false
}
