// Package store persists risk state, ledger entries and consumed approval ids.
// Every backend offers atomic check-and-set for approval consumption and a
// versioned compare-and-swap for risk state.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Rajchodisetti/signal-trader/internal/approval"
	"github.com/Rajchodisetti/signal-trader/internal/config"
	"github.com/Rajchodisetti/signal-trader/internal/observ"
	"github.com/Rajchodisetti/signal-trader/internal/portfolio"
	"github.com/Rajchodisetti/signal-trader/internal/risk"
)

type Store interface {
	risk.Store
	portfolio.Store
	approval.ConsumptionStore
	// PruneConsumed forgets consumed ids whose tokens expired before cutoff.
	PruneConsumed(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg config.Store) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "file":
		s, err = NewFile(cfg.Path)
	case "sqlite":
		s, err = NewSQLite(ctx, cfg.Path)
	case "redis":
		s, err = NewRedis(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	observ.Log("store_opened", map[string]any{"driver": cfg.Driver})
	return s, nil
}
