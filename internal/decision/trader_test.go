package decision

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/signal-trader/internal/adapters"
	"github.com/Rajchodisetti/signal-trader/internal/approval"
	"github.com/Rajchodisetti/signal-trader/internal/config"
	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/observ"
	"github.com/Rajchodisetti/signal-trader/internal/outbox"
	"github.com/Rajchodisetti/signal-trader/internal/policy"
	"github.com/Rajchodisetti/signal-trader/internal/portfolio"
	"github.com/Rajchodisetti/signal-trader/internal/risk"
	"github.com/Rajchodisetti/signal-trader/internal/signals"
	"github.com/Rajchodisetti/signal-trader/internal/store"
)

const signingKey = "0123456789abcdef0123456789abcdef"

var start = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC) // Monday 11:00 New York

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

type openCal struct{}

func (openCal) Phase(context.Context, time.Time) (market.SessionPhase, error) {
	return market.PhaseOpen, nil
}

type fakeSource struct {
	name    string
	mu      sync.Mutex
	events  []signals.RawEvent
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context) ([]signals.RawEvent, error) {
	if f.started != nil {
		close(f.started)
		f.started = nil
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events, f.err
}

func (f *fakeSource) set(events ...signals.RawEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
}

func record(sym string, sentiment float64) signals.Record {
	return signals.Record{Symbol: sym, Source: "feed", Sentiment: sentiment, Volume: 50, Weight: 1, Timestamp: start}
}

// replayStore reports every approval as already consumed.
type replayStore struct{}

func (replayStore) MarkConsumed(context.Context, string, time.Time, time.Time) (bool, error) {
	return false, nil
}

type failingAccount struct{ *adapters.PaperBroker }

func (failingAccount) AccountSnapshot(context.Context) (market.AccountSnapshot, error) {
	return market.AccountSnapshot{}, errors.New("broker unavailable")
}

type harness struct {
	trader    *Trader
	paper     *adapters.PaperBroker
	store     *store.File
	statePath string
	ledger    *portfolio.Ledger
	risk      *risk.Controller
	approvals *approval.Service
	clock     *testClock
	source    *fakeSource
}

type options struct {
	settings    func(*Settings)
	consumption approval.ConsumptionStore
	advisor     adapters.Advisor
	sources     []adapters.SignalSource
	broker      func(*adapters.PaperBroker) adapters.Broker
}

func newHarness(t *testing.T, opts options) *harness {
	t.Helper()
	observ.SetOutput(io.Discard)
	t.Cleanup(func() { observ.SetOutput(os.Stdout) })

	t.Setenv("APPROVAL_SIGNING_KEY", signingKey)
	cfg, err := config.Parse([]byte("trading_mode: paper\n"))
	require.NoError(t, err)
	settings := SettingsFromConfig(cfg)
	if opts.settings != nil {
		opts.settings(&settings)
	}

	dir := t.TempDir()
	h := &harness{
		clock:     &testClock{now: start},
		source:    &fakeSource{name: "feed"},
		statePath: filepath.Join(dir, "state.json"),
	}
	h.store, err = store.NewFile(h.statePath)
	require.NoError(t, err)

	journal, err := outbox.New(filepath.Join(dir, "outbox.jsonl"))
	require.NoError(t, err)
	h.paper = adapters.NewPaperBroker(adapters.PaperConfig{StartingCash: d("50000")}, openCal{}, journal).WithClock(h.clock.Now)
	h.paper.SetPrice("AAPL", d("100"))

	var consumption approval.ConsumptionStore = h.store
	if opts.consumption != nil {
		consumption = opts.consumption
	}
	h.approvals, err = approval.NewService(approval.Config{SigningKey: []byte(signingKey), TTL: time.Duration(cfg.Approval.TTLSeconds) * time.Second, Issuer: "test"}, consumption)
	require.NoError(t, err)
	h.risk = risk.NewController(h.store, risk.ControllerConfig{LossCooldown: time.Hour, Location: cfg.Location()})
	h.ledger = portfolio.NewLedger(h.store)

	var broker adapters.Broker = h.paper
	if opts.broker != nil {
		broker = opts.broker(h.paper)
	}
	sources := opts.sources
	if sources == nil {
		sources = []adapters.SignalSource{h.source}
	}
	h.trader, err = NewTrader(Deps{
		Broker:    broker,
		Sources:   sources,
		Advisor:   opts.advisor,
		Approvals: h.approvals,
		Risk:      h.risk,
		Ledger:    h.ledger,
		Pruner:    h.store,
		Clock:     h.clock.Now,
	}, settings)
	require.NoError(t, err)
	require.NoError(t, h.trader.Restore(context.Background(), Startup{}))
	return h
}

func (h *harness) cycle(t *testing.T) Report {
	t.Helper()
	h.clock.Advance(time.Minute)
	rep, err := h.trader.RunCycle(context.Background())
	require.NoError(t, err)
	return rep
}

func (h *harness) buyAAPL(t *testing.T) {
	t.Helper()
	h.source.set(record("AAPL", 0.5))
	rep := h.cycle(t)
	require.Len(t, rep.Decisions, 1)
	require.Equal(t, market.StatusFilled, rep.Decisions[0].Status)
}

func TestCycleBuysCandidate(t *testing.T) {
	h := newHarness(t, options{})
	h.source.set(record("AAPL", 0.5), record("TSLA", 0.1))

	rep := h.cycle(t)
	require.Len(t, rep.Convictions, 2)
	require.Len(t, rep.Decisions, 1, "TSLA is below the buy threshold")
	dec := rep.Decisions[0]
	assert.Equal(t, "AAPL", dec.Symbol)
	assert.Equal(t, IntentBuy, dec.Intent)
	assert.Equal(t, market.StatusFilled, dec.Status)
	assert.True(t, dec.Quantity.Equal(d("20")), "2000 base notional at 100")
	assert.NotEmpty(t, dec.ApprovalID)
	assert.Equal(t, approval.StatusConsumed, h.approvals.Status(dec.ApprovalID, h.clock.Now()))

	e, ok := h.ledger.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, portfolio.StateOpen, e.State)
	assert.True(t, e.EntryPrice.Equal(d("100")))
	assert.True(t, e.TakeProfit.Equal(d("0.15")))
	assert.Equal(t, 0.5, e.EntryConviction)

	rep = h.cycle(t)
	assert.Empty(t, rep.Decisions, "held symbols are not bought again")

	pos, err := h.paper.OpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.True(t, pos[0].Quantity.Equal(d("20")))
}

func TestCycleScalesVeryPositiveConviction(t *testing.T) {
	h := newHarness(t, options{})
	h.source.set(record("AAPL", 0.8))

	rep := h.cycle(t)
	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, "BUY_2X", rep.Decisions[0].Intent)
	assert.True(t, rep.Decisions[0].Quantity.Equal(d("40")))
}

func TestCycleBlockedByPolicy(t *testing.T) {
	h := newHarness(t, options{settings: func(s *Settings) {
		s.Policy.MaxNotionalPerTrade = d("1000")
		s.Policy.DenySymbols = []string{"aapl"}
	}})
	h.source.set(record("AAPL", 0.5))

	rep := h.cycle(t)
	require.Len(t, rep.Decisions, 1)
	dec := rep.Decisions[0]
	assert.Equal(t, IntentReject, dec.Intent)
	assert.ElementsMatch(t, []string{policy.RuleMaxNotional, policy.RuleSymbolDenied}, dec.Reason.GatesBlocked)
	assert.Empty(t, dec.ApprovalID)
	assert.Equal(t, 0, rep.Submitted)
}

func TestCycleTakeProfitExit(t *testing.T) {
	h := newHarness(t, options{})
	h.buyAAPL(t)

	h.paper.SetPrice("AAPL", d("120"))
	rep := h.cycle(t)
	require.Len(t, rep.Decisions, 1)
	dec := rep.Decisions[0]
	assert.Equal(t, IntentSell, dec.Intent)
	assert.Equal(t, market.StatusFilled, dec.Status)
	assert.Equal(t, "take_profit", dec.Reason.ExitReason)

	_, ok := h.ledger.Get("AAPL")
	assert.False(t, ok)
	acct, err := h.paper.AccountSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, acct.Cash.Equal(d("50400")))
	assert.True(t, h.risk.Snapshot().DailyRealizedLoss.IsZero())
}

func TestCycleStopLossStartsCooldown(t *testing.T) {
	h := newHarness(t, options{})
	h.buyAAPL(t)

	h.paper.SetPrice("AAPL", d("90"))
	rep := h.cycle(t)
	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, "stop_loss", rep.Decisions[0].Reason.ExitReason)

	rs := h.risk.Snapshot()
	assert.True(t, rs.DailyRealizedLoss.Equal(d("200")))
	assert.True(t, rs.CooldownActive(h.clock.Now()))

	rep = h.cycle(t)
	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, IntentReject, rep.Decisions[0].Intent)
	assert.Contains(t, rep.Decisions[0].Reason.GatesBlocked, policy.RuleLossCooldown)
}

func TestCycleTrailingStopAfterPeak(t *testing.T) {
	h := newHarness(t, options{settings: func(s *Settings) { s.Exit.TakeProfit = decimal.Zero }})
	h.buyAAPL(t)

	h.paper.SetPrice("AAPL", d("120"))
	rep := h.cycle(t)
	assert.Empty(t, rep.Decisions)
	e, _ := h.ledger.Get("AAPL")
	assert.True(t, e.HighestPrice.Equal(d("120")))

	h.paper.SetPrice("AAPL", d("110"))
	rep = h.cycle(t)
	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, "trailing_stop", rep.Decisions[0].Reason.ExitReason)
	assert.Equal(t, market.StatusFilled, rep.Decisions[0].Status)
}

func TestKillSwitchBlocksAndRetriesExit(t *testing.T) {
	h := newHarness(t, options{})
	h.buyAAPL(t)
	ctx := context.Background()

	require.NoError(t, h.trader.KillSwitch(ctx, "manual"))
	assert.True(t, h.approvals.Halted())
	assert.True(t, h.risk.Snapshot().KillSwitch)
	assert.Equal(t, int64(1), h.risk.Snapshot().TokenEpoch)

	reopened, err := store.NewFile(h.statePath)
	require.NoError(t, err)
	persisted, err := reopened.LoadRisk(ctx)
	require.NoError(t, err)
	assert.True(t, persisted.KillSwitch)

	h.paper.SetPrice("AAPL", d("120"))
	rep := h.cycle(t)
	require.Len(t, rep.Decisions, 1)
	assert.Contains(t, rep.Decisions[0].Reason.GatesBlocked, policy.RuleKillSwitch)
	e, ok := h.ledger.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, portfolio.StateClosing, e.State)
	assert.Equal(t, 1, e.SellAttempts)

	require.NoError(t, h.trader.ClearKillSwitch(ctx, "ops"))
	rep = h.cycle(t)
	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, market.StatusFilled, rep.Decisions[0].Status)
	assert.Equal(t, "take_profit", rep.Decisions[0].Reason.ExitReason)
	_, ok = h.ledger.Get("AAPL")
	assert.False(t, ok)
}

func TestIntegrityErrorEngagesKillSwitch(t *testing.T) {
	h := newHarness(t, options{consumption: replayStore{}})
	h.source.set(record("AAPL", 0.5))

	h.clock.Advance(time.Minute)
	_, err := h.trader.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, approval.ErrReplay)
	assert.True(t, h.risk.Snapshot().KillSwitch)
	assert.True(t, h.approvals.Halted())

	pos, _ := h.paper.OpenPositions(context.Background())
	assert.Empty(t, pos, "nothing reaches the broker after a replay")
}

func TestDryRunSkipsSubmission(t *testing.T) {
	h := newHarness(t, options{settings: func(s *Settings) { s.DryRun = true }})
	h.source.set(record("AAPL", 0.5))

	rep := h.cycle(t)
	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, "approved", rep.Decisions[0].Reason.Policy)
	assert.Equal(t, "dry run", rep.Decisions[0].Reason.Detail)
	assert.Equal(t, 0, rep.Submitted)
	pos, _ := h.paper.OpenPositions(context.Background())
	assert.Empty(t, pos)
}

func TestAdvisorGate(t *testing.T) {
	h := newHarness(t, options{advisor: adapters.ConvictionAdvisor{}})
	h.source.set(record("AAPL", 0.5))

	rep := h.cycle(t)
	require.Len(t, rep.Decisions, 1)
	dec := rep.Decisions[0]
	assert.Equal(t, IntentHold, dec.Intent)
	assert.Equal(t, "advisor_declined", dec.Reason.Policy)
	assert.Equal(t, approval.StatusIssued, h.approvals.Status(dec.ApprovalID, h.clock.Now()), "token left to expire")

	h.source.set(record("AAPL", 0.9))
	rep = h.cycle(t)
	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, market.StatusFilled, rep.Decisions[0].Status)
}

func TestFailingSourceIsSkipped(t *testing.T) {
	good := &fakeSource{name: "good"}
	good.set(record("AAPL", 0.5))
	bad := &fakeSource{name: "bad", err: errors.New("feed down")}
	h := newHarness(t, options{sources: []adapters.SignalSource{bad, good}})

	rep := h.cycle(t)
	require.Len(t, rep.Decisions, 1)
	assert.Equal(t, market.StatusFilled, rep.Decisions[0].Status)
}

func TestAccountFailureAbortsCycle(t *testing.T) {
	h := newHarness(t, options{broker: func(p *adapters.PaperBroker) adapters.Broker { return failingAccount{p} }})
	h.source.set(record("AAPL", 0.5))

	_, err := h.trader.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account snapshot")
	assert.False(t, h.risk.Snapshot().KillSwitch)
	pos, _ := h.paper.OpenPositions(context.Background())
	assert.Empty(t, pos)
}

func TestOverlappingCycleRejected(t *testing.T) {
	src := &fakeSource{name: "slow", started: make(chan struct{}), release: make(chan struct{})}
	started := src.started
	h := newHarness(t, options{sources: []adapters.SignalSource{src}})

	done := make(chan error, 1)
	go func() {
		_, err := h.trader.RunCycle(context.Background())
		done <- err
	}()
	<-started

	_, err := h.trader.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(src.release)
	require.NoError(t, <-done)
}

// restart builds a second trader over the harness store, as a new process would.
func (h *harness) restart(t *testing.T) (*approval.Service, *Trader) {
	t.Helper()
	fresh, err := approval.NewService(approval.Config{SigningKey: []byte(signingKey), TTL: time.Minute, Issuer: "test"}, h.store)
	require.NoError(t, err)
	tr, err := NewTrader(Deps{
		Broker:    h.paper,
		Approvals: fresh,
		Risk:      risk.NewController(h.store, risk.ControllerConfig{}),
		Ledger:    portfolio.NewLedger(h.store),
		Clock:     h.clock.Now,
	}, h.trader.settings)
	require.NoError(t, err)
	return fresh, tr
}

func TestRestoreFromPersistedKillSwitch(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	require.NoError(t, h.trader.KillSwitch(ctx, "manual"))

	fresh, tr := h.restart(t)
	require.NoError(t, tr.Restore(ctx, Startup{}))
	assert.True(t, fresh.Halted())
	assert.Equal(t, int64(1), fresh.Epoch())
}

func TestRestoreClearsPersistedKillSwitch(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	require.NoError(t, h.trader.KillSwitch(ctx, "manual"))
	observ.ResetMetrics()

	fresh, tr := h.restart(t)
	require.NoError(t, tr.Restore(ctx, Startup{ClearKillSwitch: true, Operator: "ops-oncall"}))
	assert.False(t, fresh.Halted())
	assert.Equal(t, int64(1), fresh.Epoch(), "tokens from before the halt stay dead")
	rs := tr.deps.Risk.Snapshot()
	assert.False(t, rs.KillSwitch)
	assert.Empty(t, rs.KillReason)
	assert.Equal(t, int64(1), observ.Counter("security_events_total", map[string]string{"event": "kill_switch_operator_clear"}))

	persisted, err := h.store.LoadRisk(ctx)
	require.NoError(t, err)
	assert.False(t, persisted.KillSwitch)
}

func TestRestoreEngageWinsOverClear(t *testing.T) {
	h := newHarness(t, options{})
	ctx := context.Background()
	require.NoError(t, h.trader.KillSwitch(ctx, "manual"))

	fresh, tr := h.restart(t)
	require.NoError(t, tr.Restore(ctx, Startup{EngageKillSwitch: true, ClearKillSwitch: true, Operator: "ops-oncall"}))
	assert.True(t, fresh.Halted())
	rs := tr.deps.Risk.Snapshot()
	assert.True(t, rs.KillSwitch)
	assert.Equal(t, "manual", rs.KillReason)
}

func TestRestoreEngagesConfiguredKillSwitch(t *testing.T) {
	h := newHarness(t, options{})
	require.NoError(t, h.trader.Restore(context.Background(), Startup{EngageKillSwitch: true}))
	rs := h.risk.Snapshot()
	assert.True(t, rs.KillSwitch)
	assert.Equal(t, "configured at startup", rs.KillReason)
}

func TestSettingsFromConfig(t *testing.T) {
	t.Setenv("APPROVAL_SIGNING_KEY", signingKey)
	cfg, err := config.Parse([]byte("trading_mode: dry-run\npolicy:\n  allow_margin: true\n"))
	require.NoError(t, err)

	s := SettingsFromConfig(cfg)
	assert.True(t, s.DryRun)
	assert.False(t, s.Policy.CashOnly)
	assert.Equal(t, 15*time.Minute, s.PendingOrderMaxAge)
	assert.True(t, s.Policy.MaxNotionalPerTrade.Equal(d("5000")))
	assert.Equal(t, []market.OrderType{market.OrderMarket, market.OrderLimit}, s.Policy.AllowedOrderTypes)
	assert.True(t, s.Sizing.Multiplier.Equal(d("2")))
	assert.Equal(t, 3*24*time.Hour, s.Staleness.MidHold)

	sc := ScheduleFromConfig(cfg.Scheduler)
	assert.Equal(t, time.Minute, sc.Open)
	assert.Equal(t, time.Hour, sc.Closed)
}
