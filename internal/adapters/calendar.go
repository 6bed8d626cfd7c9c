package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/Rajchodisetti/signal-trader/internal/market"
)

// US equity session boundaries in minutes after midnight, exchange time.
const (
	premarketStart = 4 * 60
	marketOpen     = 9*60 + 30
	marketClose    = 16 * 60
	postmarketEnd  = 20 * 60
)

// ClockCalendar derives the session phase from wall-clock time in the
// exchange timezone, with weekends and configured holidays closed.
type ClockCalendar struct {
	loc      *time.Location
	holidays map[string]bool
}

// NewClockCalendar builds a calendar for tz. Holidays are YYYY-MM-DD dates.
func NewClockCalendar(tz string, holidays []string) (*ClockCalendar, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("calendar timezone %q: %w", tz, err)
	}
	h := make(map[string]bool, len(holidays))
	for _, d := range holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("calendar holiday %q: %w", d, err)
		}
		h[d] = true
	}
	return &ClockCalendar{loc: loc, holidays: h}, nil
}

func (c *ClockCalendar) Phase(_ context.Context, now time.Time) (market.SessionPhase, error) {
	return c.PhaseAt(now), nil
}

// PhaseAt is the pure form of Phase.
func (c *ClockCalendar) PhaseAt(now time.Time) market.SessionPhase {
	et := now.In(c.loc)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return market.PhaseClosed
	}
	if c.holidays[et.Format("2006-01-02")] {
		return market.PhaseClosed
	}

	minutes := et.Hour()*60 + et.Minute()
	switch {
	case minutes >= premarketStart && minutes < marketOpen:
		return market.PhasePreOpen
	case minutes >= marketOpen && minutes < marketClose:
		return market.PhaseOpen
	case minutes >= marketClose && minutes < postmarketEnd:
		return market.PhaseAfterHours
	default:
		return market.PhaseOvernight
	}
}
