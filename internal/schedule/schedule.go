// Package schedule maps the market-session phase to the delay before the
// next decision cycle.
package schedule

import (
	"context"
	"time"

	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/observ"
)

type Config struct {
	Open      time.Duration
	Extended  time.Duration // pre-open and after-hours
	Overnight time.Duration
	Closed    time.Duration // non-trading days

	// ContinuousAssets caps every phase at Continuous when assets that
	// trade around the clock are enabled.
	ContinuousAssets bool
	Continuous       time.Duration
}

// Delay is the pure phase -> delay lookup. Unknown phases get the overnight
// delay.
func Delay(phase market.SessionPhase, cfg Config) time.Duration {
	var d time.Duration
	switch phase {
	case market.PhaseOpen:
		d = cfg.Open
	case market.PhasePreOpen, market.PhaseAfterHours:
		d = cfg.Extended
	case market.PhaseClosed:
		d = cfg.Closed
	default:
		d = cfg.Overnight
	}
	if cfg.ContinuousAssets && cfg.Continuous > 0 && d > cfg.Continuous {
		d = cfg.Continuous
	}
	return d
}

// Calendar supplies the current session phase.
type Calendar interface {
	Phase(ctx context.Context, now time.Time) (market.SessionPhase, error)
}

type Scheduler struct {
	cal Calendar
	cfg Config
}

func New(cal Calendar, cfg Config) *Scheduler {
	return &Scheduler{cal: cal, cfg: cfg}
}

// Next asks the calendar for the phase and returns the delay until the next
// cycle. A calendar failure falls back to the overnight delay.
func (s *Scheduler) Next(ctx context.Context, now time.Time) (market.SessionPhase, time.Duration) {
	phase, err := s.cal.Phase(ctx, now)
	if err != nil {
		observ.Warn("calendar_unavailable", map[string]any{"error": err.Error()})
		phase = market.PhaseOvernight
	}
	d := Delay(phase, s.cfg)
	observ.SetGauge("next_cycle_delay_seconds", d.Seconds(), nil)
	return phase, d
}
