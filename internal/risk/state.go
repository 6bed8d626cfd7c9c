package risk

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// State is the process-wide risk snapshot. Every write bumps Version and is
// applied with compare-and-swap, so a cycle that read version N can never
// overwrite a kill switch written as N+1.
type State struct {
	Version           int64           `json:"version"`
	KillSwitch        bool            `json:"kill_switch"`
	KillReason        string          `json:"kill_reason,omitempty"`
	KilledAt          time.Time       `json:"killed_at,omitempty"`
	TradingDay        string          `json:"trading_day"` // YYYY-MM-DD in the configured timezone
	DailyRealizedLoss decimal.Decimal `json:"daily_realized_loss"`
	CooldownUntil     time.Time       `json:"cooldown_until,omitempty"`
	LastLossAt        time.Time       `json:"last_loss_at,omitempty"`
	TokenEpoch        int64           `json:"token_epoch"`
}

// CooldownActive reports whether new risk is embargoed after a loss.
func (s State) CooldownActive(now time.Time) bool {
	return !s.CooldownUntil.IsZero() && now.Before(s.CooldownUntil)
}

var ErrVersionConflict = errors.New("risk state version conflict")

// Store persists State. LoadRisk returns the zero State when nothing has
// been written yet. CompareAndSwapRisk writes next only if the stored
// version still equals expected, otherwise it returns ErrVersionConflict.
type Store interface {
	LoadRisk(ctx context.Context) (State, error)
	CompareAndSwapRisk(ctx context.Context, expected int64, next State) error
}
