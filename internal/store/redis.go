package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Rajchodisetti/signal-trader/internal/portfolio"
	"github.com/Rajchodisetti/signal-trader/internal/risk"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis shares state between processes. Consumed approvals are SETNX keys
// that expire with their token, so pruning is left to Redis.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "signal-trader"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &Redis{client: client, prefix: cfg.Prefix}, nil
}

func (r *Redis) riskKey() string      { return r.prefix + ":risk" }
func (r *Redis) positionsKey() string { return r.prefix + ":positions" }
func (r *Redis) approvalKey(id string) string {
	return r.prefix + ":approval:" + id
}

func (r *Redis) LoadRisk(ctx context.Context) (risk.State, error) {
	data, err := r.client.Get(ctx, r.riskKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return risk.State{}, nil
	}
	if err != nil {
		return risk.State{}, fmt.Errorf("get risk state: %w", err)
	}
	var st risk.State
	if err := json.Unmarshal(data, &st); err != nil {
		return risk.State{}, fmt.Errorf("decode risk state: %w", err)
	}
	return st, nil
}

func (r *Redis) CompareAndSwapRisk(ctx context.Context, expected int64, next risk.State) error {
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode risk state: %w", err)
	}
	key := r.riskKey()
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		var current risk.State
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("decode risk state: %w", err)
			}
		}
		if current.Version != expected {
			return risk.ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, doc, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return risk.ErrVersionConflict
	}
	if err != nil && !errors.Is(err, risk.ErrVersionConflict) {
		return fmt.Errorf("swap risk state: %w", err)
	}
	return err
}

func (r *Redis) LoadEntries(ctx context.Context) ([]portfolio.Entry, error) {
	all, err := r.client.HGetAll(ctx, r.positionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	out := make([]portfolio.Entry, 0, len(all))
	for sym, raw := range all {
		var e portfolio.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode position %s: %w", sym, err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (r *Redis) UpsertEntry(ctx context.Context, e portfolio.Entry) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", e.Symbol, err)
	}
	if err := r.client.HSet(ctx, r.positionsKey(), e.Symbol, doc).Err(); err != nil {
		return fmt.Errorf("set position %s: %w", e.Symbol, err)
	}
	return nil
}

func (r *Redis) DeleteEntry(ctx context.Context, symbol string) error {
	if err := r.client.HDel(ctx, r.positionsKey(), symbol).Err(); err != nil {
		return fmt.Errorf("delete position %s: %w", symbol, err)
	}
	return nil
}

func (r *Redis) MarkConsumed(ctx context.Context, id string, at, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(at)
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := r.client.SetNX(ctx, r.approvalKey(id), at.UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx approval: %w", err)
	}
	return ok, nil
}

func (r *Redis) PruneConsumed(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
