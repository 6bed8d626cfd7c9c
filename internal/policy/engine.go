// Package policy evaluates a candidate order against the configured rule set.
// Evaluate is a pure function of its arguments: callers pass fresh account,
// position and risk snapshots on every call.
package policy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/risk"
)

// Rule identifiers, in evaluation order.
const (
	RuleKillSwitch            = "kill_switch"
	RuleLossCooldown          = "loss_cooldown"
	RuleDailyLossLimit        = "daily_loss_limit"
	RuleMarketClosed          = "market_closed"
	RuleExtendedHours         = "extended_hours"
	RuleSymbolDenied          = "symbol_denied"
	RuleSymbolNotAllowed      = "symbol_not_allowed"
	RuleOrderTypeNotAllowed   = "order_type_not_allowed"
	RuleInvalidSize           = "invalid_order_size"
	RuleMaxNotional           = "max_notional"
	RuleConcentration         = "position_concentration"
	RuleConcentrationNear     = "position_concentration_near"
	RuleMaxOpenPositions      = "max_open_positions"
	RuleShortSellingBlocked   = "short_selling_blocked"
	RuleInsufficientCash      = "insufficient_cash"
	RuleInsufficientBuyingPwr = "insufficient_buying_power"
)

// Finding is one violation or warning.
type Finding struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ApprovalRef is attached by the approval service to an allowed result.
type ApprovalRef struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Result is one evaluation. It is never merged with another result.
type Result struct {
	Allowed    bool         `json:"allowed"`
	Violations []Finding    `json:"violations"`
	Warnings   []Finding    `json:"warnings,omitempty"`
	Approval   *ApprovalRef `json:"approval,omitempty"`
}

// Rules lists the violated rule ids.
func (r Result) Rules() []string {
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.Rule
	}
	return out
}

// Has reports whether rule appears among the violations.
func (r Result) Has(rule string) bool {
	for _, v := range r.Violations {
		if v.Rule == rule {
			return true
		}
	}
	return false
}

type evaluation struct {
	violations []Finding
	warnings   []Finding
}

func (e *evaluation) violate(rule, format string, args ...any) {
	e.violations = append(e.violations, Finding{Rule: rule, Message: fmt.Sprintf(format, args...)})
}

func (e *evaluation) warn(rule, format string, args ...any) {
	e.warnings = append(e.warnings, Finding{Rule: rule, Message: fmt.Sprintf(format, args...)})
}

// Evaluate runs every rule and collects all violations. Percentage-of-equity
// rules fail when equity is not positive.
func Evaluate(order market.OrderPreview, account market.AccountSnapshot, positions []market.Position,
	session market.SessionState, rs risk.State, cfg Config, now time.Time) Result {

	var e evaluation
	sym := market.NormalizeSymbol(order.Symbol)
	held, heldValue, open := holdings(positions, sym)
	qty := orderQuantity(order)
	cost := order.Cost()
	increasing := order.Side == market.SideBuy || (order.Side == market.SideSell && qty.GreaterThan(held))

	// 1. kill switch overrides everything; the remaining rules still run for diagnostics
	if rs.KillSwitch {
		reason := rs.KillReason
		if reason == "" {
			reason = "no reason recorded"
		}
		e.violate(RuleKillSwitch, "kill switch active: %s", reason)
	}

	// 2. loss cooldown
	if increasing && rs.CooldownActive(now) {
		e.violate(RuleLossCooldown, "loss cooldown active until %s", rs.CooldownUntil.UTC().Format(time.RFC3339))
	}

	// 3. daily loss
	if increasing {
		if !account.Equity.IsPositive() {
			e.violate(RuleDailyLossLimit, "account equity %s is not positive", account.Equity)
		} else {
			limit := account.Equity.Mul(cfg.DailyLossLimitFraction)
			if rs.DailyRealizedLoss.GreaterThanOrEqual(limit) {
				e.violate(RuleDailyLossLimit, "daily realized loss %s reached limit %s (%s of equity)",
					rs.DailyRealizedLoss.StringFixed(2), limit.StringFixed(2), pct(cfg.DailyLossLimitFraction))
			}
		}
	}

	// 4. session
	if order.AssetClass.RequiresSession() && !session.IsOpen() {
		switch {
		case session.Phase.Extended() && cfg.AllowExtendedHours:
			e.warn(RuleExtendedHours, "order placed during %s session", session.Phase)
		default:
			e.violate(RuleMarketClosed, "market session is %s", phaseOrUnknown(session.Phase))
		}
	}

	// 5. symbol lists
	if containsSymbol(cfg.DenySymbols, sym) {
		e.violate(RuleSymbolDenied, "symbol %s is on the deny list", sym)
	}
	if len(cfg.AllowSymbols) > 0 && !containsSymbol(cfg.AllowSymbols, sym) {
		e.violate(RuleSymbolNotAllowed, "symbol %s is not on the allow list", sym)
	}

	// 6. order type
	if !cfg.orderTypeAllowed(order.Type) {
		e.violate(RuleOrderTypeNotAllowed, "order type %q is not allowed", order.Type)
	}

	if !qty.IsPositive() && !order.Notional.IsPositive() {
		e.violate(RuleInvalidSize, "order has no positive quantity or notional")
	}

	if increasing {
		notional := order.OrderNotional()

		// 7. per-trade ceiling
		if cost.GreaterThan(cfg.MaxNotionalPerTrade) {
			e.violate(RuleMaxNotional, "estimated cost %s exceeds per-trade maximum %s",
				cost.StringFixed(2), cfg.MaxNotionalPerTrade.StringFixed(2))
		}

		// 8. concentration
		if !account.Equity.IsPositive() {
			e.violate(RuleConcentration, "account equity %s is not positive", account.Equity)
		} else {
			frac := heldValue.Add(notional).Div(account.Equity)
			ceiling := cfg.MaxPositionFraction
			switch {
			case frac.GreaterThan(ceiling):
				e.violate(RuleConcentration, "%s would be %s of equity, limit %s", sym, pct(frac), pct(ceiling))
			case frac.GreaterThan(ceiling.Sub(cfg.PositionWarningMargin)):
				e.warn(RuleConcentrationNear, "%s would be %s of equity, close to limit %s", sym, pct(frac), pct(ceiling))
			}
		}

		// 9. open position count, new symbols only
		if held.IsZero() && cfg.MaxOpenPositions > 0 && open >= cfg.MaxOpenPositions {
			e.violate(RuleMaxOpenPositions, "%d open positions, maximum %d", open, cfg.MaxOpenPositions)
		}
	}

	// 10. short selling
	if order.Side == market.SideSell && !cfg.AllowShortSelling {
		switch {
		case !qty.IsPositive():
			e.violate(RuleShortSellingBlocked, "sell quantity for %s cannot be determined", sym)
		case qty.GreaterThan(held):
			e.violate(RuleShortSellingBlocked, "sell quantity %s exceeds held quantity %s", qty, held)
		}
	}

	// 11. funding
	if order.Side == market.SideBuy {
		if cfg.CashOnly {
			if cost.GreaterThan(account.Cash) {
				e.violate(RuleInsufficientCash, "estimated cost %s exceeds cash %s", cost.StringFixed(2), account.Cash.StringFixed(2))
			}
		} else if cost.GreaterThan(account.BuyingPower) {
			e.violate(RuleInsufficientBuyingPwr, "estimated cost %s exceeds buying power %s",
				cost.StringFixed(2), account.BuyingPower.StringFixed(2))
		}
	}

	return Result{
		Allowed:    len(e.violations) == 0,
		Violations: e.violations,
		Warnings:   e.warnings,
	}
}

// holdings returns the held quantity and value for sym plus the number of
// open positions overall.
func holdings(positions []market.Position, sym string) (qty, value decimal.Decimal, open int) {
	for _, p := range positions {
		if p.Quantity.IsZero() {
			continue
		}
		open++
		if market.NormalizeSymbol(p.Symbol) == sym {
			qty = qty.Add(p.Quantity)
			value = value.Add(p.Value())
		}
	}
	return qty, value, open
}

func orderQuantity(o market.OrderPreview) decimal.Decimal {
	if !o.Quantity.IsZero() {
		return o.Quantity
	}
	if o.Notional.IsPositive() && o.EstimatedPrice.IsPositive() {
		return o.Notional.Div(o.EstimatedPrice)
	}
	return decimal.Zero
}

func pct(f decimal.Decimal) string {
	return f.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}

func phaseOrUnknown(p market.SessionPhase) string {
	if p == "" {
		return "unknown"
	}
	return string(p)
}
