package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-trader/internal/approval"
	"github.com/Rajchodisetti/signal-trader/internal/exits"
	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/observ"
	"github.com/Rajchodisetti/signal-trader/internal/portfolio"
	"github.com/Rajchodisetti/signal-trader/internal/risk"
	"github.com/Rajchodisetti/signal-trader/internal/signals"
)

var errExitBlocked = errors.New("exit blocked")

// exit evaluates every tracked position and sells the ones that triggered.
// CLOSING entries are retried with their recorded reason. Entries with a
// working order are left to settle.
func (t *Trader) exit(ctx context.Context, rep *Report, snap *snapshot, rs risk.State,
	convictions map[string]signals.Conviction, quotes map[string]decimal.Decimal) error {

	for _, tracked := range t.deps.Ledger.Entries() {
		if tracked.State == portfolio.StatePending || tracked.Pending() {
			continue
		}
		sym := tracked.Symbol
		price, ok := quotes[sym]
		if !ok || !price.IsPositive() {
			observ.Warn("exit_skipped_no_quote", map[string]any{"symbol": sym, "state": tracked.State})
			continue
		}
		now := t.now()
		conv, present := convictions[sym]
		e, err := t.deps.Ledger.Observe(ctx, sym, portfolio.Observation{
			Price:     price,
			Mentioned: present,
			Decayed:   exits.Decayed(tracked, conv, present, t.settings.Staleness),
			At:        now,
		})
		if err != nil {
			return fmt.Errorf("observe %s: %w", sym, err)
		}

		trig, fire := exits.Evaluate(e, price, now, t.settings.Staleness)
		if !fire {
			continue
		}
		if !trig.Retry {
			observ.IncCounter("exits_triggered_total", map[string]string{"reason": trig.Reason})
			if e, err = t.deps.Ledger.MarkClosing(ctx, e.Symbol, trig.Reason, now); err != nil {
				return fmt.Errorf("mark closing %s: %w", sym, err)
			}
		}

		if err := t.sell(ctx, rep, snap, rs, e, trig, price); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trader) sell(ctx context.Context, rep *Report, snap *snapshot, rs risk.State,
	e portfolio.Entry, trig exits.Trigger, price decimal.Decimal) error {

	preview := exits.SellPreview(e, price, t.settings.Sizing.AssetClass, t.settings.Sizing.TimeInForce)
	d := Decision{
		Symbol:   e.Symbol,
		Side:     market.SideSell,
		Intent:   IntentSell,
		Quantity: preview.Quantity,
		Reason:   Reason{ExitReason: trig.Reason, Sources: e.EntrySources, Detail: trig.Detail},
	}
	failed := func(cause error) error {
		rep.add(d)
		if err := t.deps.Ledger.SellFailed(ctx, e.Symbol, cause, t.now()); err != nil {
			return fmt.Errorf("record failed sell %s: %w", e.Symbol, err)
		}
		return nil
	}

	ref := t.authorize(preview, snap, rs, &d)
	if ref == nil {
		return failed(fmt.Errorf("%w: %s", errExitBlocked, strings.Join(d.Reason.GatesBlocked, ",")))
	}
	if t.settings.DryRun {
		d.Reason.Detail = "dry run"
		rep.add(d)
		return nil
	}

	res, err := t.deps.Approvals.Execute(ctx, ref.Token, preview.Bind(), t.now(), t.deps.Broker)
	rep.Submitted++
	if err != nil {
		if approval.IsIntegrity(err) {
			return fmt.Errorf("sell %s: %w", e.Symbol, err)
		}
		observ.IncCounter("orders_total", map[string]string{"side": "sell", "status": "error"})
		d.Reason.Detail = err.Error()
		return failed(err)
	}
	d.Status = res.Status
	observ.IncCounter("orders_total", map[string]string{"side": "sell", "status": string(res.Status)})
	switch {
	case res.Status == market.StatusAccepted:
		d.Reason.Detail = "order working"
		rep.add(d)
		if err := t.deps.Ledger.SellPending(ctx, e.Symbol, res.OrderID, t.now()); err != nil {
			t.abandon(ctx, e.Symbol, res.OrderID)
			return fmt.Errorf("record working sell %s: %w", e.Symbol, err)
		}
		return nil
	case !res.FilledQty.IsPositive():
		d.Reason.Detail = res.Reason
		return failed(fmt.Errorf("sell %s: %s", res.Status, res.Reason))
	}
	rep.Filled++
	d.Quantity = res.FilledQty
	rep.add(d)

	if err := t.closeFilled(ctx, e, res); err != nil {
		return err
	}
	if err := t.refresh(ctx, snap); err != nil {
		observ.Warn("account_refresh_failed", map[string]any{"error": err.Error()})
	}
	return nil
}
