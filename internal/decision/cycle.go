package decision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/signal-trader/internal/approval"
	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/observ"
	"github.com/Rajchodisetti/signal-trader/internal/policy"
	"github.com/Rajchodisetti/signal-trader/internal/risk"
	"github.com/Rajchodisetti/signal-trader/internal/signals"
)

// Intents recorded for each decision.
const (
	IntentBuy    = "BUY_1X"
	IntentSell   = "SELL"
	IntentReject = "REJECT"
	IntentHold   = "HOLD"
)

// Reason explains a decision the way it is logged.
type Reason struct {
	Conviction   float64  `json:"conviction,omitempty"`
	Sources      []string `json:"sources,omitempty"`
	ExitReason   string   `json:"exit_reason,omitempty"`
	GatesBlocked []string `json:"gates_blocked,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	Policy       string   `json:"policy"`
	Detail       string   `json:"detail,omitempty"`
}

// Decision is the outcome for one symbol in one cycle.
type Decision struct {
	Symbol     string             `json:"symbol"`
	Side       market.Side        `json:"side"`
	Intent     string             `json:"intent"`
	Quantity   decimal.Decimal    `json:"quantity"`
	ApprovalID string             `json:"approval_id,omitempty"`
	Status     market.OrderStatus `json:"status,omitempty"`
	Reason     Reason             `json:"reason"`
}

// Report summarizes a cycle.
type Report struct {
	Cycle       int64
	StartedAt   time.Time
	Phase       market.SessionPhase
	Signals     int
	Rejected    int
	Convictions []signals.Conviction
	Decisions   []Decision
	Submitted   int
	Filled      int
}

func (r *Report) add(d Decision) {
	r.Decisions = append(r.Decisions, d)
	observ.Log("decision", map[string]any{
		"symbol":      d.Symbol,
		"side":        d.Side,
		"intent":      d.Intent,
		"qty":         d.Quantity.String(),
		"approval_id": d.ApprovalID,
		"status":      d.Status,
		"reason":      d.Reason,
	})
}

// snapshot is the read-only state a cycle decides against.
type snapshot struct {
	account   market.AccountSnapshot
	positions []market.Position
	session   market.SessionState
	events    [][]signals.RawEvent
}

// RunCycle executes one decision cycle. Only one cycle runs at a time.
func (t *Trader) RunCycle(ctx context.Context) (Report, error) {
	if !t.cycleMu.TryLock() {
		observ.IncCounter("cycles_total", map[string]string{"outcome": "overlap"})
		return Report{}, ErrCycleInProgress
	}
	defer t.cycleMu.Unlock()

	t.cycle++
	start := t.now()
	rep := Report{Cycle: t.cycle, StartedAt: start}
	err := t.runCycle(ctx, &rep)

	outcome := "ok"
	switch {
	case err == nil:
	case approval.IsIntegrity(err):
		outcome = "integrity"
		if kerr := t.KillSwitch(ctx, "integrity: "+err.Error()); kerr != nil {
			err = errors.Join(err, kerr)
		}
	default:
		outcome = "error"
	}
	observ.IncCounter("cycles_total", map[string]string{"outcome": outcome})
	observ.RecordDuration("cycle_duration", t.now().Sub(start), nil)
	if err != nil {
		observ.Error("cycle_failed", err, map[string]any{"cycle": rep.Cycle})
		return rep, err
	}
	observ.SetGauge("cycle_last_completed_unix", float64(t.now().Unix()), nil)
	observ.Log("cycle_complete", map[string]any{
		"cycle":       rep.Cycle,
		"phase":       rep.Phase,
		"signals":     rep.Signals,
		"convictions": len(rep.Convictions),
		"decisions":   len(rep.Decisions),
		"submitted":   rep.Submitted,
		"filled":      rep.Filled,
		"dry_run":     t.settings.DryRun,
	})
	return rep, nil
}

func (t *Trader) runCycle(ctx context.Context, rep *Report) error {
	now := rep.StartedAt
	if _, err := t.deps.Risk.RollDay(ctx, now); err != nil {
		return fmt.Errorf("roll trading day: %w", err)
	}
	rs := t.deps.Risk.Snapshot()

	snap, err := t.fetch(ctx)
	if err != nil {
		return err
	}
	rep.Phase = snap.session.Phase

	var raw []signals.RawEvent
	for _, evs := range snap.events {
		raw = append(raw, evs...)
	}
	sigs, bad := signals.Normalize(raw, t.settings.Weights)
	for _, e := range bad {
		observ.Debug("signal_rejected", map[string]any{"error": e.Error()})
	}
	if len(bad) > 0 {
		observ.IncCounterBy("signals_rejected_total", nil, int64(len(bad)))
	}
	rep.Signals, rep.Rejected = len(sigs), len(bad)
	rep.Convictions = signals.Aggregate(sigs, t.settings.Aggregator, now)
	observ.SetGauge("convictions", float64(len(rep.Convictions)), nil)

	if err := t.settle(ctx, rep, &snap); err != nil {
		return err
	}
	if _, err := t.deps.Ledger.Reconcile(ctx, snap.positions, t.settings.Exit, now); err != nil {
		return fmt.Errorf("reconcile ledger: %w", err)
	}

	candidates := signals.SelectCandidates(rep.Convictions, t.settings.Entry, t.deps.Ledger.Held())
	quotes := t.quotes(ctx, candidates)

	if err := t.enter(ctx, rep, &snap, rs, candidates, quotes); err != nil {
		return err
	}
	if err := t.exit(ctx, rep, &snap, rs, signals.Index(rep.Convictions), quotes); err != nil {
		return err
	}

	t.prune(ctx, now)
	return nil
}

// fetch gathers account, positions, session and every source concurrently.
// A failing source is skipped; any account-side failure aborts the cycle.
func (t *Trader) fetch(ctx context.Context) (snapshot, error) {
	snap := snapshot{events: make([][]signals.RawEvent, len(t.deps.Sources))}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := t.deps.Broker.AccountSnapshot(gctx)
		if err != nil {
			return fmt.Errorf("account snapshot: %w", err)
		}
		snap.account = a
		return nil
	})
	g.Go(func() error {
		p, err := t.deps.Broker.OpenPositions(gctx)
		if err != nil {
			return fmt.Errorf("open positions: %w", err)
		}
		snap.positions = p
		return nil
	})
	g.Go(func() error {
		s, err := t.deps.Broker.SessionState(gctx)
		if err != nil {
			return fmt.Errorf("session state: %w", err)
		}
		snap.session = s
		return nil
	})
	for i, src := range t.deps.Sources {
		i, src := i, src
		g.Go(func() error {
			evs, err := src.Fetch(gctx)
			if err != nil {
				observ.Warn("source_fetch_failed", map[string]any{"source": src.Name(), "error": err.Error()})
				observ.IncCounter("source_failures_total", map[string]string{"source": src.Name()})
				return nil
			}
			snap.events[i] = evs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

// refresh reloads account and positions after a fill so later orders in the
// cycle see the new exposure.
func (t *Trader) refresh(ctx context.Context, snap *snapshot) error {
	var (
		acct market.AccountSnapshot
		pos  []market.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		acct, err = t.deps.Broker.AccountSnapshot(gctx)
		return err
	})
	g.Go(func() (err error) {
		pos, err = t.deps.Broker.OpenPositions(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	snap.account, snap.positions = acct, pos
	return nil
}

// quotes prices the candidates and every tracked symbol. A failed call leaves
// the map empty and the affected symbols are skipped this cycle.
func (t *Trader) quotes(ctx context.Context, candidates []signals.Conviction) map[string]decimal.Decimal {
	set := map[string]bool{}
	for _, c := range candidates {
		set[c.Symbol] = true
	}
	for _, e := range t.deps.Ledger.Entries() {
		set[e.Symbol] = true
	}
	if len(set) == 0 {
		return map[string]decimal.Decimal{}
	}
	syms := make([]string, 0, len(set))
	for s := range set {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	q, err := t.deps.Broker.Quotes(ctx, syms)
	if err != nil {
		observ.Warn("quotes_unavailable", map[string]any{"symbols": syms, "error": err.Error()})
		return map[string]decimal.Decimal{}
	}
	return q
}

// authorize runs policy and issuance for a preview. A nil ref means the order
// must not proceed; the decision explains why.
func (t *Trader) authorize(preview market.OrderPreview, snap *snapshot, rs risk.State, d *Decision) *policy.ApprovalRef {
	now := t.now()
	res := policy.Evaluate(preview, snap.account, snap.positions, snap.session, rs, t.settings.Policy, now)
	for _, w := range res.Warnings {
		d.Reason.Warnings = append(d.Reason.Warnings, w.Rule)
	}
	if !res.Allowed {
		for _, v := range res.Violations {
			d.Reason.GatesBlocked = append(d.Reason.GatesBlocked, v.Rule)
			observ.IncCounter("policy_violations_total", map[string]string{"rule": v.Rule})
		}
		d.Intent = IntentReject
		d.Reason.Policy = "blocked"
		d.Reason.Detail = res.Violations[0].Message
		return nil
	}
	res, err := t.deps.Approvals.Issue(preview, res, now)
	if err != nil {
		d.Intent = IntentReject
		d.Reason.Policy = "not_issued"
		d.Reason.Detail = err.Error()
		return nil
	}
	d.ApprovalID = res.Approval.ID
	d.Reason.Policy = "approved"
	return res.Approval
}
