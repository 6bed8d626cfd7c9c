// Package decision runs the trading cycle: gather signals and account state,
// pick entries and exits, and route every order through policy and approval.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/signal-trader/internal/adapters"
	"github.com/Rajchodisetti/signal-trader/internal/approval"
	"github.com/Rajchodisetti/signal-trader/internal/observ"
	"github.com/Rajchodisetti/signal-trader/internal/portfolio"
	"github.com/Rajchodisetti/signal-trader/internal/risk"
)

// ErrCycleInProgress is returned when RunCycle is called while another cycle
// holds the trader.
var ErrCycleInProgress = errors.New("decision cycle already in progress")

// Pruner drops consumed approval ids that can no longer be replayed.
type Pruner interface {
	PruneConsumed(ctx context.Context, cutoff time.Time) (int, error)
}

// Deps are the collaborators a Trader drives. Advisor and Pruner may be nil.
type Deps struct {
	Broker    adapters.Broker
	Sources   []adapters.SignalSource
	Advisor   adapters.Advisor
	Approvals *approval.Service
	Risk      *risk.Controller
	Ledger    *portfolio.Ledger
	Pruner    Pruner
	Clock     func() time.Time
}

type Trader struct {
	deps     Deps
	settings Settings
	now      func() time.Time

	cycleMu sync.Mutex
	cycle   int64
}

func NewTrader(deps Deps, settings Settings) (*Trader, error) {
	switch {
	case deps.Broker == nil:
		return nil, fmt.Errorf("decision: broker is required")
	case deps.Approvals == nil:
		return nil, fmt.Errorf("decision: approval service is required")
	case deps.Risk == nil:
		return nil, fmt.Errorf("decision: risk controller is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("decision: ledger is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	return &Trader{deps: deps, settings: settings, now: now}, nil
}

// Startup carries the operator's kill switch instructions for Restore.
type Startup struct {
	EngageKillSwitch bool
	ClearKillSwitch  bool
	Operator         string // recorded when the switch is cleared
}

// Restore loads persisted risk state and ledger entries and brings the
// approval service to the persisted epoch. A persisted halt survives restarts
// until an operator clears it; engaging wins over clearing.
func (t *Trader) Restore(ctx context.Context, st Startup) error {
	if err := t.deps.Risk.Load(ctx); err != nil {
		return err
	}
	rs := t.deps.Risk.Snapshot()
	t.deps.Approvals.Restore(rs.TokenEpoch, rs.KillSwitch)
	if err := t.deps.Ledger.Load(ctx); err != nil {
		return err
	}
	observ.Log("trader_restored", map[string]any{
		"risk_version": rs.Version,
		"kill_switch":  rs.KillSwitch,
		"token_epoch":  rs.TokenEpoch,
		"positions":    len(t.deps.Ledger.Entries()),
	})
	switch {
	case st.EngageKillSwitch:
		if st.ClearKillSwitch {
			observ.Warn("kill_switch_clear_ignored", map[string]any{"operator": st.Operator, "reason": "kill switch configured on"})
		}
		if !rs.KillSwitch {
			return t.KillSwitch(ctx, "configured at startup")
		}
	case st.ClearKillSwitch && rs.KillSwitch:
		return t.ClearKillSwitch(ctx, st.Operator)
	}
	return nil
}

// KillSwitch halts issuance, invalidates outstanding approvals, persists the
// halted state and cancels resting orders. It does not wait for a running
// cycle, only for a submission already in flight.
func (t *Trader) KillSwitch(ctx context.Context, reason string) error {
	epoch := t.deps.Approvals.Halt()
	now := t.now()
	observ.IncCounter("kill_switch_activations_total", nil)

	var errs []error
	if err := t.deps.Risk.Activate(ctx, reason, epoch, now); err != nil {
		observ.Error("kill_switch_persist_failed", err, map[string]any{"reason": reason})
		errs = append(errs, fmt.Errorf("persist kill switch: %w", err))
	}
	n, err := t.deps.Broker.CancelAllOrders(ctx)
	if err != nil {
		observ.Error("cancel_all_failed", err, map[string]any{"reason": reason})
		errs = append(errs, fmt.Errorf("cancel resting orders: %w", err))
	}
	observ.Warn("kill_switch_engaged", map[string]any{"reason": reason, "epoch": epoch, "cancelled": n})
	return errors.Join(errs...)
}

// ClearKillSwitch releases a halted trader on behalf of operator. Approvals
// issued before the halt stay invalid.
func (t *Trader) ClearKillSwitch(ctx context.Context, operator string) error {
	if operator == "" {
		operator = "unknown"
	}
	prev := t.deps.Risk.Snapshot()
	if err := t.deps.Risk.Clear(ctx); err != nil {
		return err
	}
	t.deps.Approvals.Resume()
	observ.Security("kill_switch_operator_clear", map[string]any{
		"cleared_by":      operator,
		"previous_reason": prev.KillReason,
		"token_epoch":     prev.TokenEpoch,
	})
	return nil
}
