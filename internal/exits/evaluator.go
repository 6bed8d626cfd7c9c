// Package exits decides when a tracked position should be sold.
package exits

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/portfolio"
	"github.com/Rajchodisetti/signal-trader/internal/signals"
)

// Exit reasons, in priority order.
const (
	ReasonTakeProfit   = "take_profit"
	ReasonStopLoss     = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
	ReasonMidHold      = "stale_mid_hold"
	ReasonMaxHold      = "stale_max_hold"
	ReasonNoMentions   = "stale_no_mentions"
	ReasonDecay        = "stale_decay"
)

// StalenessRules configure the non-price exits. Zero durations disable the
// matching check.
type StalenessRules struct {
	MidHold         time.Duration
	MidGain         decimal.Decimal // required gain once MidHold has elapsed
	MaxHold         time.Duration
	MinGain         decimal.Decimal // required gain once MaxHold has elapsed
	NoMention       time.Duration
	VolumeDecay     float64 // fractional drop in weighted volume since entry
	ConvictionDecay float64 // fractional drop in conviction since entry
	DecayCycles     int     // consecutive decayed cycles before exiting
}

// Trigger is a sell decision for one position.
type Trigger struct {
	Symbol string
	Reason string
	Detail string
	Retry  bool // re-emitted for a CLOSING entry
}

// Evaluate checks one entry at the current price. It is pure: the caller
// ratchets the highest price through the ledger before calling it. ok is
// false when no exit applies, and always false while an order for the entry
// is still working.
func Evaluate(e portfolio.Entry, price decimal.Decimal, now time.Time, rules StalenessRules) (Trigger, bool) {
	if e.State == portfolio.StatePending || e.Pending() {
		return Trigger{}, false
	}
	if e.State == portfolio.StateClosing {
		return Trigger{Symbol: e.Symbol, Reason: e.ExitReason, Detail: "retrying exit", Retry: true}, true
	}
	if !price.IsPositive() || !e.EntryPrice.IsPositive() {
		return Trigger{}, false
	}
	one := decimal.NewFromInt(1)
	highest := decimal.Max(e.HighestPrice, price)

	if e.TakeProfit.IsPositive() {
		target := e.EntryPrice.Mul(one.Add(e.TakeProfit))
		if price.GreaterThanOrEqual(target) {
			return trigger(e, ReasonTakeProfit, "price %s reached target %s", price, target), true
		}
	}
	if e.StopLoss.IsPositive() {
		floor := e.EntryPrice.Mul(one.Sub(e.StopLoss))
		if price.LessThanOrEqual(floor) {
			return trigger(e, ReasonStopLoss, "price %s at or below stop %s", price, floor), true
		}
	}
	// trailing stops only lock in gains
	if e.TrailingStop.IsPositive() && price.GreaterThan(e.EntryPrice) {
		stop := highest.Mul(one.Sub(e.TrailingStop))
		if price.LessThanOrEqual(stop) {
			return trigger(e, ReasonTrailingStop, "price %s at or below trailing stop %s (high %s)", price, stop, highest), true
		}
	}

	gain := price.Sub(e.EntryPrice).Div(e.EntryPrice)
	held := now.Sub(e.EntryTime)
	// the shorter window is checked first when both have elapsed
	if rules.MidHold > 0 && held >= rules.MidHold && gain.LessThan(rules.MidGain) {
		return trigger(e, ReasonMidHold, "held %s with gain %s below %s", held.Round(time.Minute), gain.StringFixed(4), rules.MidGain), true
	}
	if rules.MaxHold > 0 && held >= rules.MaxHold && gain.LessThan(rules.MinGain) {
		return trigger(e, ReasonMaxHold, "held %s with gain %s below %s", held.Round(time.Minute), gain.StringFixed(4), rules.MinGain), true
	}
	if rules.NoMention > 0 && !e.LastMentionAt.IsZero() && now.Sub(e.LastMentionAt) >= rules.NoMention {
		return trigger(e, ReasonNoMentions, "no mentions since %s", e.LastMentionAt.UTC().Format(time.RFC3339)), true
	}
	if rules.DecayCycles > 0 && e.DecayStreak >= rules.DecayCycles {
		return trigger(e, ReasonDecay, "signal decayed for %d cycles", e.DecayStreak), true
	}
	return Trigger{}, false
}

// Decayed reports whether this cycle's conviction for a held symbol has
// fallen far enough from the entry snapshot to count toward the decay streak.
// A symbol absent from the cycle is handled by the no-mention check instead.
func Decayed(e portfolio.Entry, c signals.Conviction, present bool, rules StalenessRules) bool {
	if !present {
		return false
	}
	if rules.ConvictionDecay > 0 && e.EntryConviction > 0 &&
		c.Sentiment <= e.EntryConviction*(1-rules.ConvictionDecay) {
		return true
	}
	if rules.VolumeDecay > 0 && e.EntryVolume > 0 &&
		c.WeightedVolume <= e.EntryVolume*(1-rules.VolumeDecay) {
		return true
	}
	return false
}

// SellPreview builds the market sell for a triggered exit.
func SellPreview(e portfolio.Entry, price decimal.Decimal, class market.AssetClass, tif market.TimeInForce) market.OrderPreview {
	return market.OrderPreview{
		Symbol:         e.Symbol,
		Side:           market.SideSell,
		Type:           market.OrderMarket,
		Quantity:       e.Quantity,
		EstimatedPrice: price,
		EstimatedCost:  e.Quantity.Mul(price),
		AssetClass:     class,
		TimeInForce:    tif,
	}
}

func trigger(e portfolio.Entry, reason, format string, args ...any) Trigger {
	return Trigger{Symbol: e.Symbol, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
