package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-trader/internal/adapters"
	"github.com/Rajchodisetti/signal-trader/internal/approval"
	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/observ"
	"github.com/Rajchodisetti/signal-trader/internal/portfolio"
	"github.com/Rajchodisetti/signal-trader/internal/risk"
	"github.com/Rajchodisetti/signal-trader/internal/signals"
)

// size builds the buy preview for a conviction at price. The quantity is
// truncated to the configured precision and may come out zero.
func (s Sizing) size(c signals.Conviction, price decimal.Decimal) (market.OrderPreview, string) {
	notional := s.BaseNotional
	intent := IntentBuy
	if c.Sentiment >= s.VeryPositive && s.Multiplier.GreaterThan(decimal.NewFromInt(1)) {
		notional = notional.Mul(s.Multiplier)
		intent = "BUY_" + s.Multiplier.String() + "X"
	}
	qty := notional.Div(price).Truncate(s.QuantityPrecision)
	p := market.OrderPreview{
		Symbol:         c.Symbol,
		Side:           market.SideBuy,
		Type:           s.OrderType,
		Quantity:       qty,
		EstimatedPrice: price,
		EstimatedCost:  qty.Mul(price),
		AssetClass:     s.AssetClass,
		TimeInForce:    s.TimeInForce,
	}
	if s.OrderType == market.OrderLimit {
		p.LimitPrice = price
	}
	return p, intent
}

// enter attempts a buy for each candidate in rank order.
func (t *Trader) enter(ctx context.Context, rep *Report, snap *snapshot, rs risk.State,
	candidates []signals.Conviction, quotes map[string]decimal.Decimal) error {

	for _, c := range candidates {
		d := Decision{
			Symbol: c.Symbol,
			Side:   market.SideBuy,
			Reason: Reason{Conviction: c.Sentiment, Sources: c.Sources},
		}
		price, ok := quotes[c.Symbol]
		if !ok || !price.IsPositive() {
			d.Intent = IntentHold
			d.Reason.Policy = "skipped"
			d.Reason.Detail = "no quote"
			rep.add(d)
			continue
		}
		preview, intent := t.settings.Sizing.size(c, price)
		d.Intent, d.Quantity = intent, preview.Quantity
		if !preview.Quantity.IsPositive() {
			d.Intent = IntentHold
			d.Reason.Policy = "skipped"
			d.Reason.Detail = fmt.Sprintf("base notional buys no whole unit at %s", price)
			rep.add(d)
			continue
		}

		ref := t.authorize(preview, snap, rs, &d)
		if ref == nil {
			rep.add(d)
			continue
		}

		if t.deps.Advisor != nil {
			adv, err := t.deps.Advisor.Advise(ctx, adapters.AdviceRequest{Symbol: c.Symbol, Side: market.SideBuy, Conviction: c, Reason: intent})
			if err != nil || adv.Confidence < t.settings.AdvisorMinConfidence {
				detail := "advisor unavailable"
				if err == nil {
					detail = fmt.Sprintf("advisor confidence %.2f below %.2f", adv.Confidence, t.settings.AdvisorMinConfidence)
				}
				observ.IncCounter("advisor_declined_total", nil)
				d.Intent = IntentHold
				d.Reason.Policy = "advisor_declined"
				d.Reason.Detail = detail
				rep.add(d)
				continue
			}
		}

		if t.settings.DryRun {
			d.Reason.Detail = "dry run"
			rep.add(d)
			continue
		}

		res, err := t.deps.Approvals.Execute(ctx, ref.Token, preview.Bind(), t.now(), t.deps.Broker)
		rep.Submitted++
		if err != nil {
			if approval.IsIntegrity(err) {
				return fmt.Errorf("buy %s: %w", c.Symbol, err)
			}
			d.Reason.Detail = err.Error()
			rep.add(d)
			observ.IncCounter("orders_total", map[string]string{"side": "buy", "status": "error"})
			continue
		}
		d.Status = res.Status
		observ.IncCounter("orders_total", map[string]string{"side": "buy", "status": string(res.Status)})
		meta := portfolio.EntryMeta{Conviction: c.Sentiment, Volume: c.WeightedVolume, Sources: c.Sources}
		switch {
		case res.Status == market.StatusAccepted:
			d.Reason.Detail = "order working"
			rep.add(d)
			if _, err := t.deps.Ledger.OpenPending(ctx, c.Symbol, res.OrderID, meta, t.settings.Exit, t.now()); err != nil {
				t.abandon(ctx, c.Symbol, res.OrderID)
				return fmt.Errorf("record working buy %s: %w", c.Symbol, err)
			}
			continue
		case !res.FilledQty.IsPositive():
			d.Reason.Detail = res.Reason
			rep.add(d)
			continue
		}
		rep.Filled++
		d.Quantity = res.FilledQty
		rep.add(d)

		if _, err := t.deps.Ledger.OpenFromFill(ctx, c.Symbol, res, meta, t.settings.Exit); err != nil {
			// the broker holds the position; next cycle's reconcile adopts it
			observ.Error("ledger_open_failed", err, map[string]any{"symbol": c.Symbol})
		}
		if err := t.refresh(ctx, snap); err != nil {
			observ.Warn("account_refresh_failed", map[string]any{"error": err.Error()})
			return nil
		}
	}
	return nil
}

// prune forgets consumed approvals old enough that their tokens are long
// expired.
func (t *Trader) prune(ctx context.Context, now time.Time) {
	if t.deps.Pruner == nil || t.settings.ConsumedRetention <= 0 {
		return
	}
	n, err := t.deps.Pruner.PruneConsumed(ctx, now.Add(-t.settings.ConsumedRetention))
	switch {
	case err != nil:
		observ.Warn("prune_consumed_failed", map[string]any{"error": err.Error()})
	case n > 0:
		observ.Debug("consumed_approvals_pruned", map[string]any{"count": n})
	}
}
