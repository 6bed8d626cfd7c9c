package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/observ"
	"github.com/Rajchodisetti/signal-trader/internal/outbox"
)

type PaperConfig struct {
	StartingCash   decimal.Decimal
	SlippageBpsMin int
	SlippageBpsMax int
	PricesPath     string // optional JSON object symbol -> price, re-read by Quotes
	Seed           int64
}

type paperPosition struct {
	qty      decimal.Decimal
	avgPrice decimal.Decimal
	class    market.AssetClass
}

// PaperBroker is an in-process cash account that fills marketable orders
// against its price table and journals every order and fill to the outbox.
type PaperBroker struct {
	mu         sync.Mutex
	cal        Calendar
	journal    *outbox.Outbox
	sim        *outbox.FillSimulator
	pricesPath string
	prices     map[string]decimal.Decimal
	cash       decimal.Decimal
	positions  map[string]*paperPosition
	open       map[string]outbox.Order       // resting, by order id
	done       map[string]market.OrderResult // last reported state, by order id
	now        func() time.Time
}

func NewPaperBroker(cfg PaperConfig, cal Calendar, journal *outbox.Outbox) *PaperBroker {
	return &PaperBroker{
		cal:        cal,
		journal:    journal,
		sim:        outbox.NewFillSimulator(0, 250, cfg.SlippageBpsMin, cfg.SlippageBpsMax, cfg.Seed),
		pricesPath: cfg.PricesPath,
		prices:     map[string]decimal.Decimal{},
		cash:       cfg.StartingCash,
		positions:  map[string]*paperPosition{},
		open:       map[string]outbox.Order{},
		done:       map[string]market.OrderResult{},
		now:        time.Now,
	}
}

// WithClock replaces the wall clock. Tests pin time with it.
func (p *PaperBroker) WithClock(now func() time.Time) *PaperBroker {
	p.now = now
	return p
}

// SetPrice sets the last price for a symbol.
func (p *PaperBroker) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[market.NormalizeSymbol(symbol)] = price
	p.sweepLocked()
}

func (p *PaperBroker) reloadPricesLocked() error {
	if p.pricesPath == "" {
		return nil
	}
	b, err := os.ReadFile(p.pricesPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var m map[string]decimal.Decimal
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("decode prices %s: %w", p.pricesPath, err)
	}
	for s, v := range m {
		p.prices[market.NormalizeSymbol(s)] = v
	}
	p.sweepLocked()
	return nil
}

func (p *PaperBroker) AccountSnapshot(_ context.Context) (market.AccountSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reloadPricesLocked(); err != nil {
		return market.AccountSnapshot{}, err
	}
	equity := p.cash
	for sym, pos := range p.positions {
		equity = equity.Add(pos.qty.Mul(p.markLocked(sym, pos)))
	}
	return market.AccountSnapshot{Equity: equity, Cash: p.cash, BuyingPower: p.cash, AsOf: p.now()}, nil
}

func (p *PaperBroker) OpenPositions(_ context.Context) ([]market.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]market.Position, 0, len(p.positions))
	for sym, pos := range p.positions {
		out = append(out, market.Position{
			Symbol:        sym,
			Quantity:      pos.qty,
			AvgEntryPrice: pos.avgPrice,
			MarketValue:   pos.qty.Mul(p.markLocked(sym, pos)),
			AssetClass:    pos.class,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (p *PaperBroker) markLocked(sym string, pos *paperPosition) decimal.Decimal {
	if px, ok := p.prices[sym]; ok && px.IsPositive() {
		return px
	}
	return pos.avgPrice
}

func (p *PaperBroker) SessionState(ctx context.Context) (market.SessionState, error) {
	now := p.now()
	phase, err := p.cal.Phase(ctx, now)
	if err != nil {
		return market.SessionState{}, err
	}
	return market.SessionState{Phase: phase, AsOf: now}, nil
}

// Quotes returns the last price for each known symbol. Unknown symbols are
// omitted rather than failing the whole call.
func (p *PaperBroker) Quotes(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reloadPricesLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		sym := market.NormalizeSymbol(s)
		if px, ok := p.prices[sym]; ok && px.IsPositive() {
			out[sym] = px
		}
	}
	return out, nil
}

// SubmitOrder fills a marketable order immediately. Non-marketable limit
// orders rest until prices cross the limit or the order is canceled.
// Business rejections come back as a rejected OrderResult, not an error.
func (p *PaperBroker) SubmitOrder(_ context.Context, order market.BoundOrder) (market.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	qty, err := order.QuantityDecimal()
	if err != nil {
		return market.OrderResult{}, fmt.Errorf("bad quantity %q: %w", order.Quantity, err)
	}
	notional, err := order.NotionalDecimal()
	if err != nil {
		return market.OrderResult{}, fmt.Errorf("bad notional %q: %w", order.Notional, err)
	}
	limit, err := order.LimitPriceDecimal()
	if err != nil {
		return market.OrderResult{}, fmt.Errorf("bad limit price %q: %w", order.LimitPrice, err)
	}

	rec := outbox.Order{
		ID:            uuid.NewString(),
		ClientOrderID: clientOrderID(order, now),
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Type:          string(order.Type),
		Quantity:      qty,
		Notional:      notional,
		LimitPrice:    limit,
		AssetClass:    string(order.AssetClass),
		Timestamp:     now,
	}
	dup, err := p.journal.HasOrder(rec.ClientOrderID, now.Add(-time.Second))
	if err != nil {
		return market.OrderResult{}, fmt.Errorf("journal lookup: %w", err)
	}
	if dup {
		return p.rejectLocked(rec, "duplicate client order id")
	}

	price, ok := p.prices[order.Symbol]
	if !ok || !price.IsPositive() {
		return p.rejectLocked(rec, "no price for "+order.Symbol)
	}
	if qty.IsZero() && notional.IsPositive() {
		qty = notional.Div(price).Truncate(6)
		rec.Quantity = qty
	}
	if !qty.IsPositive() {
		return p.rejectLocked(rec, "non-positive quantity")
	}

	if order.Type == market.OrderLimit && limit.IsPositive() && !marketable(order.Side, price, limit) {
		rec.Status = string(market.StatusAccepted)
		p.open[rec.ID] = rec
		if err := p.journal.WriteOrder(rec); err != nil {
			return market.OrderResult{}, err
		}
		res := market.OrderResult{OrderID: rec.ID, ClientOrderID: rec.ClientOrderID, Status: market.StatusAccepted}
		p.done[rec.ID] = res
		return res, nil
	}
	return p.fillLocked(rec, price, now)
}

func marketable(side market.Side, price, limit decimal.Decimal) bool {
	if side == market.SideBuy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

// fillLocked executes rec at price against cash and positions.
func (p *PaperBroker) fillLocked(rec outbox.Order, price decimal.Decimal, now time.Time) (market.OrderResult, error) {
	fill, err := p.sim.SimulateFill(rec, rec.Quantity, price, now)
	if err != nil {
		return p.rejectLocked(rec, err.Error())
	}
	value := fill.Quantity.Mul(fill.Price)

	switch market.Side(rec.Side) {
	case market.SideBuy:
		if value.GreaterThan(p.cash) {
			return p.rejectLocked(rec, "insufficient cash")
		}
		pos := p.positions[rec.Symbol]
		if pos == nil {
			pos = &paperPosition{class: market.AssetClass(rec.AssetClass)}
			p.positions[rec.Symbol] = pos
		}
		total := pos.qty.Add(fill.Quantity)
		pos.avgPrice = pos.qty.Mul(pos.avgPrice).Add(value).Div(total).Round(6)
		pos.qty = total
		p.cash = p.cash.Sub(value)
	case market.SideSell:
		pos := p.positions[rec.Symbol]
		if pos == nil || pos.qty.LessThan(fill.Quantity) {
			return p.rejectLocked(rec, "insufficient position")
		}
		pos.qty = pos.qty.Sub(fill.Quantity)
		if pos.qty.IsZero() {
			delete(p.positions, rec.Symbol)
		}
		p.cash = p.cash.Add(value)
	default:
		return p.rejectLocked(rec, "unknown side")
	}

	rec.Status = string(market.StatusFilled)
	if err := p.journal.WriteOrder(rec); err != nil {
		return market.OrderResult{}, err
	}
	if err := p.journal.WriteFill(fill); err != nil {
		return market.OrderResult{}, err
	}
	observ.IncCounter("paper_fills_total", map[string]string{"side": rec.Side})
	res := market.OrderResult{
		OrderID:       rec.ID,
		ClientOrderID: rec.ClientOrderID,
		Status:        market.StatusFilled,
		FilledQty:     fill.Quantity,
		FillPrice:     fill.Price,
		FilledAt:      fill.Timestamp,
	}
	p.done[rec.ID] = res
	return res, nil
}

// sweepLocked fills resting limit orders the current prices have crossed.
func (p *PaperBroker) sweepLocked() {
	ids := make([]string, 0, len(p.open))
	for id := range p.open {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	now := p.now()
	for _, id := range ids {
		rec := p.open[id]
		price, ok := p.prices[rec.Symbol]
		if !ok || !price.IsPositive() || !marketable(market.Side(rec.Side), price, rec.LimitPrice) {
			continue
		}
		delete(p.open, id)
		if _, err := p.fillLocked(rec, price, now); err != nil {
			observ.Error("paper_resting_fill_failed", err, map[string]any{"order_id": id, "symbol": rec.Symbol})
		}
	}
}

// OrderStatus reports the last known state of an order after filling any
// resting order the current prices have crossed.
func (p *PaperBroker) OrderStatus(_ context.Context, orderID string) (market.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.reloadPricesLocked(); err != nil {
		return market.OrderResult{}, err
	}
	p.sweepLocked()
	res, ok := p.done[orderID]
	if !ok {
		return market.OrderResult{}, fmt.Errorf("order %s: %w", orderID, ErrUnknownOrder)
	}
	return res, nil
}

// CancelOrder cancels a resting order. Orders already in a final state are
// returned unchanged.
func (p *PaperBroker) CancelOrder(_ context.Context, orderID string) (market.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.done[orderID]
	if !ok {
		return market.OrderResult{}, fmt.Errorf("order %s: %w", orderID, ErrUnknownOrder)
	}
	rec, resting := p.open[orderID]
	if !resting {
		return res, nil
	}
	return p.cancelLocked(rec)
}

func (p *PaperBroker) cancelLocked(rec outbox.Order) (market.OrderResult, error) {
	rec.Status = string(market.StatusCanceled)
	rec.Timestamp = p.now()
	if err := p.journal.WriteOrder(rec); err != nil {
		return market.OrderResult{}, err
	}
	delete(p.open, rec.ID)
	res := market.OrderResult{OrderID: rec.ID, ClientOrderID: rec.ClientOrderID, Status: market.StatusCanceled}
	p.done[rec.ID] = res
	return res, nil
}

func (p *PaperBroker) rejectLocked(rec outbox.Order, reason string) (market.OrderResult, error) {
	rec.Status = string(market.StatusRejected)
	rec.Reason = reason
	if err := p.journal.WriteOrder(rec); err != nil {
		return market.OrderResult{}, err
	}
	observ.Warn("paper_order_rejected", map[string]any{"symbol": rec.Symbol, "side": rec.Side, "reason": reason})
	res := market.OrderResult{OrderID: rec.ID, ClientOrderID: rec.ClientOrderID, Status: market.StatusRejected, Reason: reason}
	p.done[rec.ID] = res
	return res, nil
}

// CancelAllOrders cancels every resting order and returns how many.
func (p *PaperBroker) CancelAllOrders(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, o := range p.open {
		if _, err := p.cancelLocked(o); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// clientOrderID keys an order by its canonical parameters and the second
// it was submitted.
func clientOrderID(order market.BoundOrder, now time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", order.Canonical(), now.Unix())))
	return fmt.Sprintf("%x", sum[:8])
}
