package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/observ"
	"github.com/Rajchodisetti/signal-trader/internal/signals"
)

// ErrCallTimeout marks a collaborator call that exceeded its bound.
var ErrCallTimeout = errors.New("collaborator call timed out")

// Guard bounds every collaborator call with a timeout and paces calls with a
// token bucket. It never retries: a failed call fails the sub-step.
type Guard struct {
	timeout time.Duration
	limiter *rate.Limiter
}

func NewGuard(timeout time.Duration, perSecond float64, burst int) *Guard {
	return &Guard{timeout: timeout, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Call runs fn under the guard and records the outcome.
func Call[T any](ctx context.Context, g *Guard, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		observ.IncCounter("collaborator_calls_total", map[string]string{"call": name, "outcome": "rate_limited"})
		return zero, fmt.Errorf("%s: rate limit wait: %w", name, err)
	}

	start := time.Now()
	v, err := fn(ctx)
	observ.RecordDuration("collaborator_call", time.Since(start), map[string]string{"call": name})
	switch {
	case err == nil:
		observ.IncCounter("collaborator_calls_total", map[string]string{"call": name, "outcome": "ok"})
		return v, nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		observ.IncCounter("collaborator_calls_total", map[string]string{"call": name, "outcome": "timeout"})
		return zero, fmt.Errorf("%s: %w after %s", name, ErrCallTimeout, g.timeout)
	default:
		observ.IncCounter("collaborator_calls_total", map[string]string{"call": name, "outcome": "error"})
		return zero, fmt.Errorf("%s: %w", name, err)
	}
}

type guardedBroker struct {
	b Broker
	g *Guard
}

// GuardBroker wraps every Broker method with the guard.
func GuardBroker(b Broker, g *Guard) Broker {
	return &guardedBroker{b: b, g: g}
}

func (gb *guardedBroker) AccountSnapshot(ctx context.Context) (market.AccountSnapshot, error) {
	return Call(ctx, gb.g, "account_snapshot", gb.b.AccountSnapshot)
}

func (gb *guardedBroker) OpenPositions(ctx context.Context) ([]market.Position, error) {
	return Call(ctx, gb.g, "open_positions", gb.b.OpenPositions)
}

func (gb *guardedBroker) SessionState(ctx context.Context) (market.SessionState, error) {
	return Call(ctx, gb.g, "session_state", gb.b.SessionState)
}

func (gb *guardedBroker) Quotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	return Call(ctx, gb.g, "quotes", func(ctx context.Context) (map[string]decimal.Decimal, error) {
		return gb.b.Quotes(ctx, symbols)
	})
}

func (gb *guardedBroker) SubmitOrder(ctx context.Context, order market.BoundOrder) (market.OrderResult, error) {
	return Call(ctx, gb.g, "submit_order", func(ctx context.Context) (market.OrderResult, error) {
		return gb.b.SubmitOrder(ctx, order)
	})
}

func (gb *guardedBroker) OrderStatus(ctx context.Context, orderID string) (market.OrderResult, error) {
	return Call(ctx, gb.g, "order_status", func(ctx context.Context) (market.OrderResult, error) {
		return gb.b.OrderStatus(ctx, orderID)
	})
}

func (gb *guardedBroker) CancelOrder(ctx context.Context, orderID string) (market.OrderResult, error) {
	return Call(ctx, gb.g, "cancel_order", func(ctx context.Context) (market.OrderResult, error) {
		return gb.b.CancelOrder(ctx, orderID)
	})
}

func (gb *guardedBroker) CancelAllOrders(ctx context.Context) (int, error) {
	return Call(ctx, gb.g, "cancel_all_orders", gb.b.CancelAllOrders)
}

type guardedSource struct {
	s SignalSource
	g *Guard
}

func GuardSource(s SignalSource, g *Guard) SignalSource {
	return &guardedSource{s: s, g: g}
}

func (gs *guardedSource) Name() string { return gs.s.Name() }

func (gs *guardedSource) Fetch(ctx context.Context) ([]signals.RawEvent, error) {
	return Call(ctx, gs.g, "source:"+gs.s.Name(), gs.s.Fetch)
}

type guardedAdvisor struct {
	a Advisor
	g *Guard
}

func GuardAdvisor(a Advisor, g *Guard) Advisor {
	return &guardedAdvisor{a: a, g: g}
}

func (ga *guardedAdvisor) Advise(ctx context.Context, req AdviceRequest) (Advice, error) {
	return Call(ctx, ga.g, "advisor", func(ctx context.Context) (Advice, error) {
		return ga.a.Advise(ctx, req)
	})
}
