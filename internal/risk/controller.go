package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-trader/internal/observ"
)

const casAttempts = 3

// ControllerConfig holds the loss-embargo settings.
type ControllerConfig struct {
	LossCooldown time.Duration
	Location     *time.Location // trading-day boundary
}

// Controller owns every mutation of the persisted risk State.
type Controller struct {
	store Store
	cfg   ControllerConfig

	mu    sync.Mutex
	state State
}

func NewController(store Store, cfg ControllerConfig) *Controller {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Controller{store: store, cfg: cfg}
}

// Load reads the persisted state.
func (c *Controller) Load(ctx context.Context) error {
	st, err := c.store.LoadRisk(ctx)
	if err != nil {
		return fmt.Errorf("load risk state: %w", err)
	}
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	publish(st)
	return nil
}

// Snapshot returns the last known state. Cycles read it once and pass it
// explicitly to the policy engine.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Activate engages the kill switch and records the token epoch that
// invalidated outstanding approvals.
func (c *Controller) Activate(ctx context.Context, reason string, epoch int64, now time.Time) error {
	st, err := c.update(ctx, func(s *State) {
		s.KillSwitch = true
		s.KillReason = reason
		s.KilledAt = now
		if epoch > s.TokenEpoch {
			s.TokenEpoch = epoch
		}
	})
	if err != nil {
		return err
	}
	observ.Warn("kill_switch_activated", map[string]any{"reason": reason, "epoch": st.TokenEpoch, "version": st.Version})
	return nil
}

// Clear releases the kill switch. Only an operator calls this.
func (c *Controller) Clear(ctx context.Context) error {
	st, err := c.update(ctx, func(s *State) {
		s.KillSwitch = false
		s.KillReason = ""
		s.KilledAt = time.Time{}
	})
	if err != nil {
		return err
	}
	observ.Log("kill_switch_cleared", map[string]any{"version": st.Version})
	return nil
}

// RecordRealizedPnL adds a realized loss to the daily counter and starts the
// cooldown. Gains leave the state untouched.
func (c *Controller) RecordRealizedPnL(ctx context.Context, symbol string, pnl decimal.Decimal, now time.Time) error {
	if !pnl.IsNegative() {
		return nil
	}
	loss := pnl.Neg()
	st, err := c.update(ctx, func(s *State) {
		s.DailyRealizedLoss = s.DailyRealizedLoss.Add(loss)
		s.LastLossAt = now
		if c.cfg.LossCooldown > 0 {
			s.CooldownUntil = now.Add(c.cfg.LossCooldown)
		}
	})
	if err != nil {
		return err
	}
	observ.Log("realized_loss_recorded", map[string]any{
		"symbol":         symbol,
		"loss":           loss.String(),
		"daily_loss":     st.DailyRealizedLoss.String(),
		"cooldown_until": st.CooldownUntil,
	})
	return nil
}

// RollDay resets the daily loss counter when now falls on a new trading day.
// It reports whether a reset happened.
func (c *Controller) RollDay(ctx context.Context, now time.Time) (bool, error) {
	day := now.In(c.cfg.Location).Format("2006-01-02")
	if c.Snapshot().TradingDay == day {
		return false, nil
	}
	rolled := false
	st, err := c.update(ctx, func(s *State) {
		rolled = s.TradingDay != day
		if rolled {
			s.TradingDay = day
			s.DailyRealizedLoss = decimal.Zero
		}
	})
	if err != nil {
		return false, err
	}
	if rolled {
		observ.Log("trading_day_rolled", map[string]any{"day": day, "version": st.Version})
	}
	return rolled, nil
}

// update applies fn to the freshest state and writes it with CAS, reloading
// and reapplying on conflict.
func (c *Controller) update(ctx context.Context, fn func(*State)) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.state
	for attempt := 0; attempt < casAttempts; attempt++ {
		next := cur
		fn(&next)
		next.Version = cur.Version + 1

		err := c.store.CompareAndSwapRisk(ctx, cur.Version, next)
		if err == nil {
			c.state = next
			publish(next)
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return State{}, fmt.Errorf("write risk state: %w", err)
		}
		observ.IncCounter("risk_state_conflicts_total", nil)
		fresh, lerr := c.store.LoadRisk(ctx)
		if lerr != nil {
			return State{}, fmt.Errorf("reload risk state: %w", lerr)
		}
		cur = fresh
	}
	c.state = cur
	return State{}, fmt.Errorf("write risk state after %d attempts: %w", casAttempts, ErrVersionConflict)
}

func publish(s State) {
	v := 0.0
	if s.KillSwitch {
		v = 1
	}
	observ.SetGauge("kill_switch_active", v, nil)
	loss, _ := s.DailyRealizedLoss.Float64()
	observ.SetGauge("daily_realized_loss", loss, nil)
}
