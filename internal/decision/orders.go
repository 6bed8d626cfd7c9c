package decision

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Rajchodisetti/signal-trader/internal/adapters"
	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/observ"
	"github.com/Rajchodisetti/signal-trader/internal/portfolio"
)

// settle resolves orders the broker accepted in earlier cycles. Fills are
// applied to the ledger; orders that ended unfilled are forgotten; orders
// still working past PendingOrderMaxAge are canceled.
func (t *Trader) settle(ctx context.Context, rep *Report, snap *snapshot) error {
	filled := false
	for _, e := range t.deps.Ledger.Entries() {
		if !e.Pending() {
			continue
		}
		res, err := t.deps.Broker.OrderStatus(ctx, e.PendingOrderID)
		switch {
		case errors.Is(err, adapters.ErrUnknownOrder):
			res = market.OrderResult{OrderID: e.PendingOrderID, Status: market.StatusCanceled, Reason: "unknown to broker"}
		case err != nil:
			observ.Warn("order_status_failed", map[string]any{"symbol": e.Symbol, "order_id": e.PendingOrderID, "error": err.Error()})
			continue
		}

		if !res.Status.Terminal() {
			age := t.now().Sub(e.PendingSince)
			if age < t.settings.PendingOrderMaxAge {
				observ.Debug("order_working", map[string]any{"symbol": e.Symbol, "order_id": e.PendingOrderID, "age_seconds": age.Seconds()})
				continue
			}
			res, err = t.deps.Broker.CancelOrder(ctx, e.PendingOrderID)
			if err != nil && !errors.Is(err, adapters.ErrUnknownOrder) {
				observ.Warn("order_cancel_failed", map[string]any{"symbol": e.Symbol, "order_id": e.PendingOrderID, "error": err.Error()})
				continue
			}
			if err != nil {
				res = market.OrderResult{OrderID: e.PendingOrderID, Status: market.StatusCanceled, Reason: "unknown to broker"}
			}
			if !res.Status.Terminal() {
				// cancel requested but not confirmed; look again next cycle
				continue
			}
			observ.IncCounter("orders_expired_total", map[string]string{"state": string(e.State)})
		}

		did, err := t.resolve(ctx, rep, e, res)
		if err != nil {
			return err
		}
		filled = filled || did
	}
	if filled {
		if err := t.refresh(ctx, snap); err != nil {
			observ.Warn("account_refresh_failed", map[string]any{"error": err.Error()})
		}
	}
	return nil
}

// resolve applies the final state of a working order to its entry and
// reports whether anything filled.
func (t *Trader) resolve(ctx context.Context, rep *Report, e portfolio.Entry, res market.OrderResult) (bool, error) {
	side, intent := market.SideSell, IntentSell
	if e.State == portfolio.StatePending {
		side, intent = market.SideBuy, IntentBuy
	}
	outcome := string(res.Status)
	if res.FilledQty.IsPositive() && res.Status != market.StatusFilled {
		outcome = "partial"
	}
	observ.IncCounter("pending_orders_resolved_total", map[string]string{"side": string(side), "outcome": outcome})

	if !res.FilledQty.IsPositive() {
		cause := fmt.Errorf("order %s %s: %s", res.OrderID, res.Status, res.Reason)
		if err := t.deps.Ledger.ClearPending(ctx, e.Symbol, cause, t.now()); err != nil {
			return false, fmt.Errorf("clear pending %s: %w", e.Symbol, err)
		}
		return false, nil
	}

	rep.Filled++
	rep.add(Decision{
		Symbol:   e.Symbol,
		Side:     side,
		Intent:   intent,
		Quantity: res.FilledQty,
		Status:   res.Status,
		Reason:   Reason{Conviction: e.EntryConviction, Sources: e.EntrySources, ExitReason: e.ExitReason, Policy: "approved", Detail: "working order filled"},
	})
	if side == market.SideBuy {
		if _, err := t.deps.Ledger.OpenFromFill(ctx, e.Symbol, res, portfolio.EntryMeta{}, t.settings.Exit); err != nil {
			observ.Error("ledger_open_failed", err, map[string]any{"symbol": e.Symbol})
		}
		return true, nil
	}
	return true, t.closeFilled(ctx, e, res)
}

// closeFilled applies a sell fill to a CLOSING entry and books the realized
// P&L for the filled quantity.
func (t *Trader) closeFilled(ctx context.Context, e portfolio.Entry, res market.OrderResult) error {
	before, done, err := t.deps.Ledger.CloseFromFill(ctx, e.Symbol, res)
	if err != nil {
		observ.Error("ledger_close_failed", err, map[string]any{"symbol": e.Symbol})
		before = e
	}
	pnl := res.FillPrice.Sub(before.EntryPrice).Mul(res.FilledQty)
	observ.IncCounter("exits_filled_total", map[string]string{"reason": before.ExitReason, "complete": strconv.FormatBool(done)})
	if err := t.deps.Risk.RecordRealizedPnL(ctx, e.Symbol, pnl, res.FilledAt); err != nil {
		return fmt.Errorf("record realized pnl %s: %w", e.Symbol, err)
	}
	return nil
}

// abandon cancels an order whose acceptance could not be recorded, so it
// cannot fill behind the ledger's back.
func (t *Trader) abandon(ctx context.Context, symbol, orderID string) {
	if _, err := t.deps.Broker.CancelOrder(ctx, orderID); err != nil {
		observ.Error("order_abandon_failed", err, map[string]any{"symbol": symbol, "order_id": orderID})
	}
}
