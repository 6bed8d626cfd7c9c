// Package adapters holds the collaborator interfaces the decision loop
// consumes and the in-process implementations used for paper trading.
package adapters

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-trader/internal/market"
	"github.com/Rajchodisetti/signal-trader/internal/signals"
)

// Broker is the market/execution collaborator. Monetary values are decimal.
type Broker interface {
	AccountSnapshot(ctx context.Context) (market.AccountSnapshot, error)
	OpenPositions(ctx context.Context) ([]market.Position, error)
	SessionState(ctx context.Context) (market.SessionState, error)
	Quotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	SubmitOrder(ctx context.Context, order market.BoundOrder) (market.OrderResult, error)
	// OrderStatus reports the current state of a submitted order, including
	// any quantity filled since it was accepted.
	OrderStatus(ctx context.Context, orderID string) (market.OrderResult, error)
	// CancelOrder cancels a resting order and returns its final state. An
	// order that filled before the cancel arrived comes back filled.
	CancelOrder(ctx context.Context, orderID string) (market.OrderResult, error)
	CancelAllOrders(ctx context.Context) (int, error)
}

// ErrUnknownOrder is returned for an order id the broker has no record of.
var ErrUnknownOrder = errors.New("unknown order")

// SignalSource emits zero or more raw events per cycle.
type SignalSource interface {
	Name() string
	Fetch(ctx context.Context) ([]signals.RawEvent, error)
}

type AdviceRequest struct {
	Symbol     string
	Side       market.Side
	Conviction signals.Conviction
	Reason     string
}

// Advice is opaque to the core: a confidence in [0,1] plus free text.
type Advice struct {
	Confidence float64
	Rationale  string
}

// Advisor is consulted between approval and submission when enabled.
type Advisor interface {
	Advise(ctx context.Context, req AdviceRequest) (Advice, error)
}

// Calendar reports the market-session phase.
type Calendar interface {
	Phase(ctx context.Context, now time.Time) (market.SessionPhase, error)
}

// ConvictionAdvisor answers with the aggregated conviction itself. It is
// the stand-in when no external classifier is configured.
type ConvictionAdvisor struct{}

func (ConvictionAdvisor) Advise(_ context.Context, req AdviceRequest) (Advice, error) {
	conf := req.Conviction.Sentiment
	if req.Side == market.SideSell {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return Advice{
		Confidence: conf,
		Rationale:  "conviction " + strconv.FormatFloat(req.Conviction.Sentiment, 'f', 3, 64) + " from " + sources(req.Conviction.Sources),
	}, nil
}

func sources(s []string) string {
	if len(s) == 0 {
		return "no sources"
	}
	return strings.Join(s, ",")
}
