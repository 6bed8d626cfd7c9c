package outbox

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

type FillSimulator struct {
	latencyMsMin   int
	latencyMsMax   int
	slippageBpsMin int
	slippageBpsMax int
	rng            *rand.Rand
}

func NewFillSimulator(latencyMsMin, latencyMsMax, slippageBpsMin, slippageBpsMax int, seed int64) *FillSimulator {
	if latencyMsMax < latencyMsMin {
		latencyMsMax = latencyMsMin
	}
	if slippageBpsMax < slippageBpsMin {
		slippageBpsMax = slippageBpsMin
	}
	return &FillSimulator{
		latencyMsMin:   latencyMsMin,
		latencyMsMax:   latencyMsMax,
		slippageBpsMin: slippageBpsMin,
		slippageBpsMax: slippageBpsMax,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// SimulateFill fills qty at marketPrice moved against the order by a random
// slippage within the configured bounds.
func (fs *FillSimulator) SimulateFill(order Order, qty, marketPrice decimal.Decimal, now time.Time) (Fill, error) {
	if !qty.IsPositive() || !marketPrice.IsPositive() {
		return Fill{}, fmt.Errorf("cannot fill %s: qty %s price %s", order.Symbol, qty, marketPrice)
	}
	latencyMs := fs.latencyMsMin + fs.rng.Intn(fs.latencyMsMax-fs.latencyMsMin+1)
	slippageBps := fs.slippageBpsMin + fs.rng.Intn(fs.slippageBpsMax-fs.slippageBpsMin+1)

	mult := decimal.NewFromInt(1).Add(decimal.NewFromInt(int64(slippageBps)).Div(decimal.NewFromInt(10000)))
	price := marketPrice
	switch order.Side {
	case "buy":
		price = price.Mul(mult)
	case "sell":
		price = price.Div(mult)
	default:
		return Fill{}, fmt.Errorf("cannot fill %s: unknown side %q", order.Symbol, order.Side)
	}

	return Fill{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Quantity:    qty,
		Price:       price.Round(4),
		Side:        order.Side,
		Timestamp:   now.UTC().Add(time.Duration(latencyMs) * time.Millisecond),
		LatencyMs:   latencyMs,
		SlippageBps: slippageBps,
	}, nil
}
