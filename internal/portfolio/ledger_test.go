package portfolio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/signal-trader/internal/market"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	failPut bool
}

func newMemStore() *memStore { return &memStore{entries: map[string]Entry{}} }

func (m *memStore) LoadEntries(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) UpsertEntry(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return errors.New("disk full")
	}
	m.entries[e.Symbol] = e
	return nil
}

func (m *memStore) DeleteEntry(_ context.Context, sym string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sym)
	return nil
}

var t0 = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func params() ExitParams {
	return ExitParams{TrailingStop: d("0.08"), TakeProfit: d("0.25"), StopLoss: d("0.07")}
}

func fill(qty, price string) market.OrderResult {
	return market.OrderResult{OrderID: "o1", Status: market.StatusFilled, FilledQty: d(qty), FillPrice: d(price), FilledAt: t0}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := NewLedger(st)

	e, err := l.OpenFromFill(ctx, "aapl", fill("10", "100"), EntryMeta{Conviction: 0.7, Volume: 12, Sources: []string{"news:wire"}}, params())
	require.NoError(t, err)
	assert.Equal(t, "AAPL", e.Symbol)
	assert.Equal(t, StateOpen, e.State)
	assert.True(t, e.HighestPrice.Equal(d("100")))
	assert.Contains(t, st.entries, "AAPL", "open is persisted")

	_, err = l.OpenFromFill(ctx, "AAPL", fill("1", "101"), EntryMeta{}, params())
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	e, err = l.MarkClosing(ctx, "AAPL", "take_profit", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StateClosing, e.State)
	assert.Equal(t, StateClosing, st.entries["AAPL"].State)

	require.NoError(t, l.SellFailed(ctx, "AAPL", errors.New("timeout"), t0.Add(2*time.Hour)))
	e, _ = l.Get("AAPL")
	assert.Equal(t, StateClosing, e.State, "failed sell stays closing")
	assert.Equal(t, "take_profit", e.ExitReason)
	assert.Equal(t, 1, e.SellAttempts)

	closed, done, err := l.CloseFromFill(ctx, "AAPL", fill("10", "126"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "take_profit", closed.ExitReason)
	_, ok := l.Get("AAPL")
	assert.False(t, ok)
	assert.NotContains(t, st.entries, "AAPL")
}

func TestCloseRequiresClosingState(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(newMemStore())
	_, err := l.OpenFromFill(ctx, "MSFT", fill("1", "400"), EntryMeta{}, params())
	require.NoError(t, err)

	_, _, err = l.CloseFromFill(ctx, "MSFT", fill("1", "410"))
	assert.ErrorIs(t, err, ErrBadState)
	_, _, err = l.CloseFromFill(ctx, "NOPE", fill("1", "410"))
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestPartialSellFillKeepsRemainderClosing(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := NewLedger(st)
	_, err := l.OpenFromFill(ctx, "AAPL", fill("10", "100"), EntryMeta{}, params())
	require.NoError(t, err)
	_, err = l.MarkClosing(ctx, "AAPL", "take_profit", t0)
	require.NoError(t, err)
	require.NoError(t, l.SellPending(ctx, "AAPL", "o2", t0))

	before, done, err := l.CloseFromFill(ctx, "AAPL", fill("4", "126"))
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, before.Quantity.Equal(d("10")))

	e, ok := l.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, StateClosing, e.State)
	assert.True(t, e.Quantity.Equal(d("6")))
	assert.False(t, e.Pending())
	assert.True(t, e.TakeProfit.Equal(d("0.25")), "exit fractions survive a partial fill")
	assert.True(t, st.entries["AAPL"].Quantity.Equal(d("6")))

	_, done, err = l.CloseFromFill(ctx, "AAPL", fill("6", "127"))
	require.NoError(t, err)
	assert.True(t, done)
	_, ok = l.Get("AAPL")
	assert.False(t, ok)
}

func TestPendingBuyLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := NewLedger(st)
	meta := EntryMeta{Conviction: 0.6, Volume: 9, Sources: []string{"news:wire"}}

	e, err := l.OpenPending(ctx, "nvda", "o1", meta, params(), t0)
	require.NoError(t, err)
	assert.Equal(t, StatePending, e.State)
	assert.True(t, e.Pending())
	assert.True(t, l.Held()["NVDA"], "a working buy counts as held")

	_, err = l.OpenPending(ctx, "NVDA", "o2", meta, params(), t0)
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	rec, err := l.Reconcile(ctx, nil, params(), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, rec.Dropped, "pending buys are not dropped for lack of a position")

	e, err = l.OpenFromFill(ctx, "NVDA", fill("3", "120"), EntryMeta{}, ExitParams{})
	require.NoError(t, err)
	assert.Equal(t, StateOpen, e.State)
	assert.False(t, e.Pending())
	assert.Equal(t, 0.6, e.EntryConviction, "recorded context is kept")
	assert.True(t, e.StopLoss.Equal(d("0.07")))
	assert.True(t, e.HighestPrice.Equal(d("120")))
	assert.Equal(t, StateOpen, st.entries["NVDA"].State)
}

func TestClearPending(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := NewLedger(st)

	_, err := l.OpenPending(ctx, "NVDA", "o1", EntryMeta{}, params(), t0)
	require.NoError(t, err)
	require.NoError(t, l.ClearPending(ctx, "NVDA", errors.New("canceled"), t0))
	_, ok := l.Get("NVDA")
	assert.False(t, ok)
	assert.NotContains(t, st.entries, "NVDA")

	_, err = l.OpenFromFill(ctx, "AAPL", fill("10", "100"), EntryMeta{}, params())
	require.NoError(t, err)
	assert.ErrorIs(t, l.SellPending(ctx, "AAPL", "o2", t0), ErrBadState, "only CLOSING entries sell")
	assert.ErrorIs(t, l.ClearPending(ctx, "AAPL", nil, t0), ErrBadState)

	_, err = l.MarkClosing(ctx, "AAPL", "stop_loss", t0)
	require.NoError(t, err)
	require.NoError(t, l.SellPending(ctx, "AAPL", "o2", t0))
	e, _ := l.Get("AAPL")
	assert.Equal(t, "o2", e.PendingOrderID)

	require.NoError(t, l.ClearPending(ctx, "AAPL", errors.New("expired"), t0.Add(time.Hour)))
	e, _ = l.Get("AAPL")
	assert.Equal(t, StateClosing, e.State)
	assert.False(t, e.Pending())
	assert.Equal(t, 1, e.SellAttempts)
}

func TestObserveHighestNeverDecreases(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(newMemStore())
	_, err := l.OpenFromFill(ctx, "X", fill("5", "100"), EntryMeta{}, params())
	require.NoError(t, err)

	path := []string{"101", "99", "120", "110", "119.99", "130", "90"}
	prev := d("100")
	for i, p := range path {
		e, err := l.Observe(ctx, "X", Observation{Price: d(p), At: t0.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
		assert.True(t, e.HighestPrice.GreaterThanOrEqual(prev), "step %d", i)
		prev = e.HighestPrice
	}
	assert.True(t, prev.Equal(d("130")))
}

func TestObserveStalenessBookkeeping(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(newMemStore())
	_, err := l.OpenFromFill(ctx, "X", fill("5", "100"), EntryMeta{}, params())
	require.NoError(t, err)

	e, _ := l.Observe(ctx, "X", Observation{Price: d("100"), Decayed: true, At: t0.Add(time.Minute)})
	e, _ = l.Observe(ctx, "X", Observation{Price: d("100"), Decayed: true, At: t0.Add(2 * time.Minute)})
	assert.Equal(t, 2, e.DecayStreak)
	assert.Equal(t, t0, e.LastMentionAt)

	e, _ = l.Observe(ctx, "X", Observation{Price: d("100"), Mentioned: true, At: t0.Add(3 * time.Minute)})
	assert.Equal(t, 0, e.DecayStreak)
	assert.Equal(t, t0.Add(3*time.Minute), e.LastMentionAt)
}

func TestPersistFailureLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := NewLedger(st)
	_, err := l.OpenFromFill(ctx, "X", fill("5", "100"), EntryMeta{}, params())
	require.NoError(t, err)

	st.failPut = true
	_, err = l.MarkClosing(ctx, "X", "stop_loss", t0)
	require.Error(t, err)
	e, _ := l.Get("X")
	assert.Equal(t, StateOpen, e.State)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(newMemStore())
	for _, s := range []string{"AAA", "BBB"} {
		_, err := l.OpenFromFill(ctx, s, fill("10", "50"), EntryMeta{}, params())
		require.NoError(t, err)
	}

	rec, err := l.Reconcile(ctx, []market.Position{
		{Symbol: "BBB", Quantity: d("4"), AvgEntryPrice: d("50")},
		{Symbol: "ccc", Quantity: d("2"), AvgEntryPrice: d("75")},
	}, params(), t0.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, []string{"AAA"}, rec.Dropped)
	assert.Equal(t, []string{"BBB"}, rec.Resized)
	assert.Equal(t, []string{"CCC"}, rec.Adopted)

	b, _ := l.Get("BBB")
	assert.True(t, b.Quantity.Equal(d("4")))
	c, ok := l.Get("CCC")
	require.True(t, ok)
	assert.True(t, c.HighestPrice.Equal(d("75")))
	assert.Equal(t, []string{"BBB", "CCC"}, []string{l.Entries()[0].Symbol, l.Entries()[1].Symbol})
}

func TestLoadRestoresEntries(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	l := NewLedger(st)
	_, err := l.OpenFromFill(ctx, "X", fill("5", "100"), EntryMeta{Sources: []string{"a"}}, params())
	require.NoError(t, err)

	restored := NewLedger(st)
	require.NoError(t, restored.Load(ctx))
	e, ok := restored.Get("x")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, e.EntrySources)
	assert.True(t, restored.Held()["X"])
}
