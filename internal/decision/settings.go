package decision

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-trader/internal/config"
	"github.com/Rajchodisetti/signal-trader/internal/exits"
	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/policy"
	"github.com/Rajchodisetti/signal-trader/internal/portfolio"
	"github.com/Rajchodisetti/signal-trader/internal/schedule"
	"github.com/Rajchodisetti/signal-trader/internal/signals"
)

// Sizing turns a conviction into an order size. Convictions at or above
// VeryPositive get Multiplier times the base notional.
type Sizing struct {
	BaseNotional      decimal.Decimal
	VeryPositive      float64
	Multiplier        decimal.Decimal
	QuantityPrecision int32
	OrderType         market.OrderType
	TimeInForce       market.TimeInForce
	AssetClass        market.AssetClass
}

// Settings is the immutable per-process snapshot a Trader runs with.
type Settings struct {
	DryRun               bool
	Policy               policy.Config
	Weights              signals.Weights
	Aggregator           signals.AggregatorConfig
	Entry                signals.EntryRules
	Sizing               Sizing
	Exit                 portfolio.ExitParams
	Staleness            exits.StalenessRules
	AdvisorMinConfidence float64
	ConsumedRetention    time.Duration
	PendingOrderMaxAge   time.Duration
}

// SettingsFromConfig converts validated config into decimal-typed settings.
func SettingsFromConfig(c config.Root) Settings {
	types := make([]market.OrderType, 0, len(c.Policy.AllowedOrderTypes))
	for _, t := range c.Policy.AllowedOrderTypes {
		types = append(types, market.OrderType(t))
	}
	st := c.Exits.Staleness
	return Settings{
		DryRun: c.TradingMode == "dry-run",
		Policy: policy.Config{
			MaxNotionalPerTrade:    decimal.NewFromFloat(c.Policy.MaxNotionalPerTrade),
			MaxPositionFraction:    decimal.NewFromFloat(c.Policy.MaxPositionFraction),
			PositionWarningMargin:  decimal.NewFromFloat(c.Policy.PositionWarningMargin),
			MaxOpenPositions:       c.Policy.MaxOpenPositions,
			DailyLossLimitFraction: decimal.NewFromFloat(c.Policy.DailyLossLimitFraction),
			AllowedOrderTypes:      types,
			AllowSymbols:           c.Policy.AllowSymbols,
			DenySymbols:            c.Policy.DenySymbols,
			AllowExtendedHours:     c.Policy.AllowExtendedHours,
			AllowShortSelling:      c.Policy.AllowShortSelling,
			CashOnly:               !c.Policy.AllowMargin,
		},
		Weights:    signals.Weights(c.Aggregator.SourceWeights),
		Aggregator: signals.AggregatorConfig{MinWeightedVolume: c.Aggregator.MinWeightedVolume},
		Entry: signals.EntryRules{
			BuyThreshold:   c.Entry.BuyThreshold,
			MinSources:     c.Entry.MinSources,
			MaxNewPerCycle: c.Entry.MaxNewPerCycle,
		},
		Sizing: Sizing{
			BaseNotional:      decimal.NewFromFloat(c.Entry.BaseNotional),
			VeryPositive:      c.Entry.VeryPositive,
			Multiplier:        decimal.NewFromFloat(c.Entry.VeryPositiveMultiplier),
			QuantityPrecision: c.Entry.QuantityPrecision,
			OrderType:         market.OrderType(c.Entry.OrderType),
			TimeInForce:       market.TimeInForce(c.Entry.TimeInForce),
			AssetClass:        market.AssetClass(c.Entry.AssetClass),
		},
		Exit: portfolio.ExitParams{
			TakeProfit:   decimal.NewFromFloat(c.Exits.TakeProfitFraction),
			StopLoss:     decimal.NewFromFloat(c.Exits.StopLossFraction),
			TrailingStop: decimal.NewFromFloat(c.Exits.TrailingStopFraction),
		},
		Staleness: exits.StalenessRules{
			MidHold:         time.Duration(st.MidHoldMinutes) * time.Minute,
			MidGain:         decimal.NewFromFloat(st.MidGainFraction),
			MaxHold:         time.Duration(st.MaxHoldMinutes) * time.Minute,
			MinGain:         decimal.NewFromFloat(st.MinGainFraction),
			NoMention:       time.Duration(st.NoMentionMinutes) * time.Minute,
			VolumeDecay:     st.VolumeDecay,
			ConvictionDecay: st.ConvictionDecay,
			DecayCycles:     st.DecayCycles,
		},
		AdvisorMinConfidence: c.Advisor.MinConfidence,
		ConsumedRetention:    time.Duration(c.Store.ConsumedRetentionHours) * time.Hour,
		PendingOrderMaxAge:   time.Duration(c.Paper.PendingOrderMaxAgeSeconds) * time.Second,
	}
}

// ScheduleFromConfig builds the scheduler delays.
func ScheduleFromConfig(c config.Scheduler) schedule.Config {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return schedule.Config{
		Open:             sec(c.OpenSeconds),
		Extended:         sec(c.ExtendedSeconds),
		Overnight:        sec(c.OvernightSeconds),
		Closed:           sec(c.ClosedSeconds),
		ContinuousAssets: c.ContinuousAssetsEnabled,
		Continuous:       sec(c.ContinuousSeconds),
	}
}
