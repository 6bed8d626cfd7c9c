package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Rajchodisetti/signal-trader/internal/market"
)

func cfg() Config {
	return Config{
		Open:       time.Minute,
		Extended:   5 * time.Minute,
		Overnight:  30 * time.Minute,
		Closed:     time.Hour,
		Continuous: 2 * time.Minute,
	}
}

func TestDelay(t *testing.T) {
	tests := []struct {
		phase      market.SessionPhase
		continuous bool
		want       time.Duration
	}{
		{market.PhaseOpen, false, time.Minute},
		{market.PhasePreOpen, false, 5 * time.Minute},
		{market.PhaseAfterHours, false, 5 * time.Minute},
		{market.PhaseOvernight, false, 30 * time.Minute},
		{market.PhaseClosed, false, time.Hour},
		{"", false, 30 * time.Minute},
		{market.PhaseOpen, true, time.Minute},
		{market.PhaseAfterHours, true, 2 * time.Minute},
		{market.PhaseClosed, true, 2 * time.Minute},
	}
	for _, tt := range tests {
		c := cfg()
		c.ContinuousAssets = tt.continuous
		assert.Equal(t, tt.want, Delay(tt.phase, c), "phase=%q continuous=%v", tt.phase, tt.continuous)
	}
}

func TestDelayOrdering(t *testing.T) {
	c := cfg()
	assert.Less(t, Delay(market.PhaseOpen, c), Delay(market.PhasePreOpen, c))
	assert.Less(t, Delay(market.PhasePreOpen, c), Delay(market.PhaseOvernight, c))
	assert.Less(t, Delay(market.PhaseOvernight, c), Delay(market.PhaseClosed, c))
}

type calFunc func(context.Context, time.Time) (market.SessionPhase, error)

func (f calFunc) Phase(ctx context.Context, now time.Time) (market.SessionPhase, error) {
	return f(ctx, now)
}

func TestNext(t *testing.T) {
	s := New(calFunc(func(context.Context, time.Time) (market.SessionPhase, error) {
		return market.PhaseOpen, nil
	}), cfg())
	phase, d := s.Next(context.Background(), time.Now())
	assert.Equal(t, market.PhaseOpen, phase)
	assert.Equal(t, time.Minute, d)

	s = New(calFunc(func(context.Context, time.Time) (market.SessionPhase, error) {
		return "", errors.New("calendar down")
	}), cfg())
	phase, d = s.Next(context.Background(), time.Now())
	assert.Equal(t, market.PhaseOvernight, phase)
	assert.Equal(t, 30*time.Minute, d)
}
