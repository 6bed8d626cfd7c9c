// Package market holds the order, account and session types shared by the
// policy engine, the approval protocol and the broker collaborators.
package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderMarket    OrderType = "market"
	OrderLimit     OrderType = "limit"
	OrderStop      OrderType = "stop"
	OrderStopLimit OrderType = "stop_limit"
)

type AssetClass string

const (
	AssetEquity AssetClass = "us_equity"
	AssetCrypto AssetClass = "crypto"
)

// RequiresSession reports whether the asset class only trades while an
// exchange session is open. Crypto trades continuously.
func (a AssetClass) RequiresSession() bool {
	return a != AssetCrypto
}

type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// SessionPhase is the market-calendar phase the scheduler and the session
// rule key off.
type SessionPhase string

const (
	PhaseOpen       SessionPhase = "open"
	PhasePreOpen    SessionPhase = "pre_open"
	PhaseAfterHours SessionPhase = "after_hours"
	PhaseOvernight  SessionPhase = "overnight"
	PhaseClosed     SessionPhase = "non_trading_day"
)

// Extended reports whether the phase is an extended-hours window.
func (p SessionPhase) Extended() bool {
	return p == PhasePreOpen || p == PhaseAfterHours
}

type SessionState struct {
	Phase SessionPhase `json:"phase"`
	AsOf  time.Time    `json:"as_of"`
}

// IsOpen reports whether the regular session is open.
func (s SessionState) IsOpen() bool {
	return s.Phase == PhaseOpen
}

// AccountSnapshot is the broker's view of the account at one instant.
type AccountSnapshot struct {
	Equity      decimal.Decimal `json:"equity"`
	Cash        decimal.Decimal `json:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power"`
	AsOf        time.Time       `json:"as_of"`
}

// Position is an open broker position.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	AssetClass    AssetClass      `json:"asset_class"`
}

// Value returns the market value, falling back to cost basis when the broker
// did not mark the position.
func (p Position) Value() decimal.Decimal {
	if !p.MarketValue.IsZero() {
		return p.MarketValue.Abs()
	}
	return p.Quantity.Mul(p.AvgEntryPrice).Abs()
}

// NormalizeSymbol upper-cases and trims a ticker.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// OrderPreview is a candidate order as presented to the policy engine.
type OrderPreview struct {
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	Notional       decimal.Decimal `json:"notional"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	EstimatedPrice decimal.Decimal `json:"estimated_price"`
	EstimatedCost  decimal.Decimal `json:"estimated_cost"`
	AssetClass     AssetClass      `json:"asset_class"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
}

// OrderNotional is the order's value: the explicit notional if given,
// otherwise quantity times the estimated price.
func (p OrderPreview) OrderNotional() decimal.Decimal {
	if !p.Notional.IsZero() {
		return p.Notional
	}
	return p.Quantity.Mul(p.EstimatedPrice)
}

// Cost is the estimated cost used by the notional and funding rules.
func (p OrderPreview) Cost() decimal.Decimal {
	if !p.EstimatedCost.IsZero() {
		return p.EstimatedCost
	}
	return p.OrderNotional()
}

// Bind returns the exact parameters an approval token binds to.
func (p OrderPreview) Bind() BoundOrder {
	return BoundOrder{
		Symbol:      NormalizeSymbol(p.Symbol),
		Side:        p.Side,
		Type:        p.Type,
		Quantity:    decimalString(p.Quantity),
		Notional:    decimalString(p.Notional),
		LimitPrice:  decimalString(p.LimitPrice),
		AssetClass:  p.AssetClass,
		TimeInForce: p.TimeInForce,
	}
}

// BoundOrder carries order parameters as canonical strings so the values
// signed at approval time are byte-identical to the values submitted.
type BoundOrder struct {
	Symbol      string      `json:"sym"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	Quantity    string      `json:"qty,omitempty"`
	Notional    string      `json:"notional,omitempty"`
	LimitPrice  string      `json:"limit,omitempty"`
	AssetClass  AssetClass  `json:"class"`
	TimeInForce TimeInForce `json:"tif"`
}

// Canonical is the single encoding used for signing and comparison.
func (b BoundOrder) Canonical() string {
	return fmt.Sprintf("v1|%s|%s|%s|%s|%s|%s|%s|%s",
		b.Symbol, b.Side, b.Type, b.Quantity, b.Notional, b.LimitPrice, b.AssetClass, b.TimeInForce)
}

// QuantityDecimal parses the bound quantity; empty means zero.
func (b BoundOrder) QuantityDecimal() (decimal.Decimal, error) {
	return parseDecimal(b.Quantity)
}

// NotionalDecimal parses the bound notional; empty means zero.
func (b BoundOrder) NotionalDecimal() (decimal.Decimal, error) {
	return parseDecimal(b.Notional)
}

// LimitPriceDecimal parses the bound limit price; empty means zero.
func (b BoundOrder) LimitPriceDecimal() (decimal.Decimal, error) {
	return parseDecimal(b.LimitPrice)
}

type OrderStatus string

const (
	StatusFilled   OrderStatus = "filled"
	StatusAccepted OrderStatus = "accepted" // resting, nothing filled yet
	StatusRejected OrderStatus = "rejected"
	StatusCanceled OrderStatus = "canceled"
)

// Terminal reports whether the broker will not fill any more of the order.
func (s OrderStatus) Terminal() bool {
	return s != StatusAccepted
}

// OrderResult is what the execution collaborator reports for a submission
// or a status lookup. FilledQty may be below the ordered quantity when a
// canceled order filled partially.
type OrderResult struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	FilledAt      time.Time       `json:"filled_at"`
	Reason        string          `json:"reason,omitempty"`
}

func decimalString(d decimal.Decimal) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func parseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
