package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/observ"
)

// PositionState is the lifecycle state of a tracked symbol. A symbol with no
// entry is in the implicit NONE state.
type PositionState string

const (
	StatePending PositionState = "PENDING" // buy accepted by the broker, not yet filled
	StateOpen    PositionState = "OPEN"
	StateClosing PositionState = "CLOSING"
)

// ExitParams are the exit fractions captured at entry. Zero disables a check.
type ExitParams struct {
	TrailingStop decimal.Decimal `json:"trailing_stop"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
}

// EntryMeta is the signal context recorded when a position opens.
type EntryMeta struct {
	Conviction float64
	Volume     float64
	Sources    []string
}

// Entry is one tracked position.
type Entry struct {
	Symbol          string          `json:"symbol"`
	State           PositionState   `json:"state"`
	Quantity        decimal.Decimal `json:"quantity"`
	EntryTime       time.Time       `json:"entry_time"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	EntryConviction float64         `json:"entry_conviction"`
	EntryVolume     float64         `json:"entry_volume"`
	EntrySources    []string        `json:"entry_sources"`
	HighestPrice    decimal.Decimal `json:"highest_price"` // never decreases
	ExitParams
	LastMentionAt time.Time `json:"last_mention_at"`
	DecayStreak   int       `json:"decay_streak"`
	ExitReason    string    `json:"exit_reason,omitempty"`
	ClosingSince  time.Time `json:"closing_since,omitempty"`
	SellAttempts  int       `json:"sell_attempts,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`

	// PendingOrderID is the resting broker order for this symbol: the buy of
	// a PENDING entry or the sell of a CLOSING one.
	PendingOrderID string    `json:"pending_order_id,omitempty"`
	PendingSince   time.Time `json:"pending_since,omitempty"`
}

// Pending reports whether a submitted order is still working.
func (e Entry) Pending() bool { return e.PendingOrderID != "" }

// UnrealizedPnL is (price - entry) * quantity.
func (e Entry) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return price.Sub(e.EntryPrice).Mul(e.Quantity)
}

var (
	ErrAlreadyOpen = errors.New("position already tracked")
	ErrNotTracked  = errors.New("position not tracked")
	ErrBadState    = errors.New("invalid position state transition")
)

// Store persists ledger entries keyed by symbol.
type Store interface {
	LoadEntries(ctx context.Context) ([]Entry, error)
	UpsertEntry(ctx context.Context, e Entry) error
	DeleteEntry(ctx context.Context, symbol string) error
}

// Ledger is the persisted record of open exposure. Each mutation is written
// to the store before it becomes visible.
type Ledger struct {
	mu      sync.RWMutex
	store   Store
	entries map[string]Entry
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, entries: map[string]Entry{}}
}

// Load replaces the in-memory view with the persisted entries.
func (l *Ledger) Load(ctx context.Context) error {
	list, err := l.store.LoadEntries(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]Entry, len(list))
	for _, e := range list {
		l.entries[e.Symbol] = e
	}
	l.publishLocked()
	return nil
}

func (l *Ledger) Get(symbol string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[market.NormalizeSymbol(symbol)]
	return e, ok
}

// Entries returns a copy of every entry ordered by symbol.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Held is the set of tracked symbols in any state.
func (l *Ledger) Held() map[string]bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m := make(map[string]bool, len(l.entries))
	for s := range l.entries {
		m[s] = true
	}
	return m
}

// OpenPending moves NONE -> PENDING when the broker accepts a buy without
// filling it. The symbol counts as held until the order resolves.
func (l *Ledger) OpenPending(ctx context.Context, symbol, orderID string, meta EntryMeta, params ExitParams, now time.Time) (Entry, error) {
	sym := market.NormalizeSymbol(symbol)
	if orderID == "" {
		return Entry{}, fmt.Errorf("pending %s: missing order id", sym)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[sym]; ok {
		return Entry{}, fmt.Errorf("pending %s: %w", sym, ErrAlreadyOpen)
	}
	e := Entry{
		Symbol:          sym,
		State:           StatePending,
		EntryConviction: meta.Conviction,
		EntryVolume:     meta.Volume,
		EntrySources:    append([]string(nil), meta.Sources...),
		ExitParams:      params,
		PendingOrderID:  orderID,
		PendingSince:    now,
		UpdatedAt:       now,
	}
	if err := l.putLocked(ctx, e); err != nil {
		return Entry{}, err
	}
	observ.Log("position_pending", map[string]any{"symbol": sym, "order_id": orderID})
	return e, nil
}

// OpenFromFill moves NONE -> OPEN on a confirmed buy fill. A PENDING entry
// opens with the signal context and exit fractions it recorded on accept.
func (l *Ledger) OpenFromFill(ctx context.Context, symbol string, fill market.OrderResult, meta EntryMeta, params ExitParams) (Entry, error) {
	sym := market.NormalizeSymbol(symbol)
	if !fill.FilledQty.IsPositive() || !fill.FillPrice.IsPositive() {
		return Entry{}, fmt.Errorf("open %s: fill has no quantity or price", sym)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.entries[sym]; ok {
		if prev.State != StatePending {
			return Entry{}, fmt.Errorf("open %s: %w", sym, ErrAlreadyOpen)
		}
		meta = EntryMeta{Conviction: prev.EntryConviction, Volume: prev.EntryVolume, Sources: prev.EntrySources}
		params = prev.ExitParams
	}
	e := Entry{
		Symbol:          sym,
		State:           StateOpen,
		Quantity:        fill.FilledQty,
		EntryTime:       fill.FilledAt,
		EntryPrice:      fill.FillPrice,
		EntryConviction: meta.Conviction,
		EntryVolume:     meta.Volume,
		EntrySources:    append([]string(nil), meta.Sources...),
		HighestPrice:    fill.FillPrice,
		ExitParams:      params,
		LastMentionAt:   fill.FilledAt,
		UpdatedAt:       fill.FilledAt,
	}
	if err := l.putLocked(ctx, e); err != nil {
		return Entry{}, err
	}
	observ.Log("position_opened", map[string]any{
		"symbol": sym, "qty": e.Quantity.String(), "price": e.EntryPrice.String(), "conviction": meta.Conviction,
	})
	return e, nil
}

// Observation is what a cycle learned about a held symbol.
type Observation struct {
	Price     decimal.Decimal
	Mentioned bool // symbol appeared in this cycle's convictions
	Decayed   bool // conviction or volume decayed past the staleness thresholds
	At        time.Time
}

// Observe ratchets the highest price and updates the staleness bookkeeping.
func (l *Ledger) Observe(ctx context.Context, symbol string, obs Observation) (Entry, error) {
	sym := market.NormalizeSymbol(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sym]
	if !ok {
		return Entry{}, fmt.Errorf("observe %s: %w", sym, ErrNotTracked)
	}
	next := e
	if obs.Price.GreaterThan(next.HighestPrice) {
		next.HighestPrice = obs.Price
	}
	if obs.Mentioned {
		next.LastMentionAt = obs.At
	}
	if obs.Decayed {
		next.DecayStreak++
	} else {
		next.DecayStreak = 0
	}
	if next.HighestPrice.Equal(e.HighestPrice) && next.LastMentionAt.Equal(e.LastMentionAt) && next.DecayStreak == e.DecayStreak {
		return e, nil
	}
	next.UpdatedAt = obs.At
	if err := l.putLocked(ctx, next); err != nil {
		return e, err
	}
	return next, nil
}

// MarkClosing moves OPEN -> CLOSING and records why.
func (l *Ledger) MarkClosing(ctx context.Context, symbol, reason string, now time.Time) (Entry, error) {
	sym := market.NormalizeSymbol(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sym]
	if !ok {
		return Entry{}, fmt.Errorf("close %s: %w", sym, ErrNotTracked)
	}
	if e.State == StateClosing {
		return e, nil
	}
	e.State = StateClosing
	e.ExitReason = reason
	e.ClosingSince = now
	e.UpdatedAt = now
	if err := l.putLocked(ctx, e); err != nil {
		return Entry{}, err
	}
	observ.Log("position_closing", map[string]any{"symbol": sym, "reason": reason})
	return e, nil
}

// SellPending records a sell the broker accepted without filling. The exit
// is not re-submitted while the order works.
func (l *Ledger) SellPending(ctx context.Context, symbol, orderID string, now time.Time) error {
	sym := market.NormalizeSymbol(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sym]
	if !ok {
		return fmt.Errorf("sell pending %s: %w", sym, ErrNotTracked)
	}
	if e.State != StateClosing {
		return fmt.Errorf("sell pending %s in state %s: %w", sym, e.State, ErrBadState)
	}
	e.PendingOrderID = orderID
	e.PendingSince = now
	e.UpdatedAt = now
	observ.Log("exit_sell_pending", map[string]any{"symbol": sym, "order_id": orderID})
	return l.putLocked(ctx, e)
}

// ClearPending forgets a working order that ended without a fill. A PENDING
// entry returns to NONE; a CLOSING entry counts a failed attempt and is
// retried next cycle.
func (l *Ledger) ClearPending(ctx context.Context, symbol string, cause error, now time.Time) error {
	sym := market.NormalizeSymbol(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sym]
	if !ok {
		return fmt.Errorf("clear pending %s: %w", sym, ErrNotTracked)
	}
	switch e.State {
	case StatePending:
		if err := l.store.DeleteEntry(ctx, sym); err != nil {
			return fmt.Errorf("persist clear %s: %w", sym, err)
		}
		delete(l.entries, sym)
		l.publishLocked()
		observ.Log("position_pending_cleared", map[string]any{"symbol": sym, "order_id": e.PendingOrderID, "error": errString(cause)})
		return nil
	case StateClosing:
		orderID := e.PendingOrderID
		e.PendingOrderID = ""
		e.PendingSince = time.Time{}
		e.SellAttempts++
		e.UpdatedAt = now
		observ.Warn("exit_sell_failed", map[string]any{"symbol": sym, "order_id": orderID, "attempts": e.SellAttempts, "error": errString(cause)})
		return l.putLocked(ctx, e)
	default:
		return fmt.Errorf("clear pending %s in state %s: %w", sym, e.State, ErrBadState)
	}
}

// SellFailed keeps the entry CLOSING so the exit is retried next cycle.
func (l *Ledger) SellFailed(ctx context.Context, symbol string, cause error, now time.Time) error {
	sym := market.NormalizeSymbol(symbol)
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sym]
	if !ok {
		return fmt.Errorf("sell failed %s: %w", sym, ErrNotTracked)
	}
	if e.State != StateClosing {
		return fmt.Errorf("sell failed %s in state %s: %w", sym, e.State, ErrBadState)
	}
	e.SellAttempts++
	e.UpdatedAt = now
	observ.Warn("exit_sell_failed", map[string]any{"symbol": sym, "attempts": e.SellAttempts, "error": errString(cause)})
	return l.putLocked(ctx, e)
}

// CloseFromFill applies a confirmed sell fill to a CLOSING entry and returns
// the entry as it was before the fill. Only a fill covering the whole
// quantity moves CLOSING -> NONE; a partial fill shrinks the entry, which
// stays CLOSING so the remainder is sold next cycle.
func (l *Ledger) CloseFromFill(ctx context.Context, symbol string, fill market.OrderResult) (Entry, bool, error) {
	sym := market.NormalizeSymbol(symbol)
	if !fill.FilledQty.IsPositive() {
		return Entry{}, false, fmt.Errorf("close %s: fill has no quantity", sym)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[sym]
	if !ok {
		return Entry{}, false, fmt.Errorf("close %s: %w", sym, ErrNotTracked)
	}
	if e.State != StateClosing {
		return Entry{}, false, fmt.Errorf("close %s in state %s: %w", sym, e.State, ErrBadState)
	}
	pnl := fill.FillPrice.Sub(e.EntryPrice).Mul(fill.FilledQty).StringFixed(2)

	if fill.FilledQty.LessThan(e.Quantity) {
		next := e
		next.Quantity = e.Quantity.Sub(fill.FilledQty)
		next.PendingOrderID = ""
		next.PendingSince = time.Time{}
		next.UpdatedAt = fill.FilledAt
		if err := l.putLocked(ctx, next); err != nil {
			return Entry{}, false, err
		}
		observ.Log("position_reduced", map[string]any{
			"symbol": sym, "reason": e.ExitReason, "sold": fill.FilledQty.String(), "remaining": next.Quantity.String(), "pnl": pnl,
		})
		return e, false, nil
	}

	if err := l.store.DeleteEntry(ctx, sym); err != nil {
		return Entry{}, false, fmt.Errorf("persist close %s: %w", sym, err)
	}
	delete(l.entries, sym)
	l.publishLocked()
	observ.Log("position_closed", map[string]any{
		"symbol": sym, "reason": e.ExitReason, "entry": e.EntryPrice.String(), "exit": fill.FillPrice.String(), "pnl": pnl,
	})
	return e, true, nil
}

// Reconciliation lists what Reconcile changed.
type Reconciliation struct {
	Dropped []string
	Adopted []string
	Resized []string
}

// Reconcile aligns the ledger with the broker's positions. Entries whose
// broker position vanished are dropped; broker positions the ledger never saw
// are adopted at their average entry price. PENDING entries are left to
// resolve through their order.
func (l *Ledger) Reconcile(ctx context.Context, positions []market.Position, params ExitParams, now time.Time) (Reconciliation, error) {
	broker := map[string]market.Position{}
	for _, p := range positions {
		if p.Quantity.IsPositive() {
			broker[market.NormalizeSymbol(p.Symbol)] = p
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var rec Reconciliation
	syms := make([]string, 0, len(l.entries))
	for s := range l.entries {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	for _, sym := range syms {
		e := l.entries[sym]
		if e.State == StatePending {
			continue
		}
		p, ok := broker[sym]
		if !ok {
			if err := l.store.DeleteEntry(ctx, sym); err != nil {
				return rec, fmt.Errorf("reconcile drop %s: %w", sym, err)
			}
			delete(l.entries, sym)
			rec.Dropped = append(rec.Dropped, sym)
			continue
		}
		if !p.Quantity.Equal(e.Quantity) {
			e.Quantity = p.Quantity
			e.UpdatedAt = now
			if err := l.putLocked(ctx, e); err != nil {
				return rec, err
			}
			rec.Resized = append(rec.Resized, sym)
		}
	}

	adopt := make([]string, 0)
	for sym := range broker {
		if _, ok := l.entries[sym]; !ok {
			adopt = append(adopt, sym)
		}
	}
	sort.Strings(adopt)
	for _, sym := range adopt {
		p := broker[sym]
		e := Entry{
			Symbol:        sym,
			State:         StateOpen,
			Quantity:      p.Quantity,
			EntryTime:     now,
			EntryPrice:    p.AvgEntryPrice,
			HighestPrice:  p.AvgEntryPrice,
			ExitParams:    params,
			LastMentionAt: now,
			UpdatedAt:     now,
		}
		if err := l.putLocked(ctx, e); err != nil {
			return rec, err
		}
		rec.Adopted = append(rec.Adopted, sym)
	}
	l.publishLocked()

	if len(rec.Dropped)+len(rec.Adopted)+len(rec.Resized) > 0 {
		observ.Log("ledger_reconciled", map[string]any{"dropped": rec.Dropped, "adopted": rec.Adopted, "resized": rec.Resized})
	}
	return rec, nil
}

func (l *Ledger) putLocked(ctx context.Context, e Entry) error {
	if err := l.store.UpsertEntry(ctx, e); err != nil {
		return fmt.Errorf("persist %s: %w", e.Symbol, err)
	}
	l.entries[e.Symbol] = e
	l.publishLocked()
	return nil
}

func (l *Ledger) publishLocked() {
	count := map[PositionState]int{}
	for _, e := range l.entries {
		count[e.State]++
	}
	observ.SetGauge("positions_pending", float64(count[StatePending]), nil)
	observ.SetGauge("positions_open", float64(count[StateOpen]), nil)
	observ.SetGauge("positions_closing", float64(count[StateClosing]), nil)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
