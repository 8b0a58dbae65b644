package lx

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents order side (buy/sell)
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the side a taker on s matches against
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderKind represents the type of order
type OrderKind int

const (
	Limit OrderKind = iota
	Market
)

func (k OrderKind) String() string {
	if k == Market {
		return "market"
	}
	return "limit"
}

// OrderStatus represents order status
type OrderStatus int

const (
	StatusPending OrderStatus = iota
	StatusOpen
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOpen:
		return "open"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are allowed
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// MarshalText renders the status as its string form
func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status rendered by MarshalText
func (s *OrderStatus) UnmarshalText(b []byte) error {
	for st := StatusPending; st <= StatusCancelled; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return newError(KindValidation, "unknown order status %q", string(b))
}

// MarshalText renders the side as its string form
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses "buy" or "sell"
func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "buy", "BUY", "bid":
		*s = Buy
	case "sell", "SELL", "ask":
		*s = Sell
	default:
		return newError(KindValidation, "unknown side %q", string(b))
	}
	return nil
}

// MarshalText renders the kind as its string form
func (k OrderKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses "market" or "limit"
func (k *OrderKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "limit", "LIMIT":
		*k = Limit
	case "market", "MARKET":
		*k = Market
	default:
		return newError(KindValidation, "unknown order kind %q", string(b))
	}
	return nil
}

// Order represents a trading order. Orders handed out by the manager are
// copies; the book keeps the live instance.
type Order struct {
	ID             uint64          `json:"id"`
	Owner          string          `json:"owner"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Kind           OrderKind       `json:"kind"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	Status         OrderStatus     `json:"status"`
	Sequence       uint64          `json:"sequence"`
	SubmittedAt    time.Time       `json:"submittedAt"`

	// escrow still held by the ledger on behalf of this order
	escrow decimal.Decimal
	// price cap for immediate-only takers routed by the hybrid venue
	capPrice *decimal.Decimal
	// quote budget for market buys
	budget *decimal.Decimal
	// minimum proceeds, checked before any fill is committed
	minOut *decimal.Decimal
	// exact quote value bought so far; buyers pay it rounded up
	cost decimal.Decimal
	// fee tier resolved when the order was submitted
	tier *FeeTier

	level *priceLevel
	next  *Order
	prev  *Order
}

// Remaining returns the unfilled quantity
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

func (o *Order) snapshot() Order {
	return Order{
		ID:             o.ID,
		Owner:          o.Owner,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Kind:           o.Kind,
		Quantity:       o.Quantity,
		Price:          o.Price,
		FilledQuantity: o.FilledQuantity,
		Status:         o.Status,
		Sequence:       o.Sequence,
		SubmittedAt:    o.SubmittedAt,
	}
}

// Trade represents an executed match. PoolID is set for AMM fills, in which
// case Maker is the pool id and MakerOrderID is zero.
type Trade struct {
	ID           uint64          `json:"id"`
	Symbol       string          `json:"symbol,omitempty"`
	PoolID       string          `json:"poolId,omitempty"`
	MakerOrderID uint64          `json:"makerOrderId,omitempty"`
	TakerOrderID uint64          `json:"takerOrderId,omitempty"`
	Maker        string          `json:"maker"`
	Taker        string          `json:"taker"`
	TakerSide    Side            `json:"takerSide"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	// Amount is the quote (token B) value that changed hands, at the quote
	// token's precision
	Amount       decimal.Decimal `json:"amount"`
	MakerFee     decimal.Decimal `json:"makerFee"`
	TakerFee     decimal.Decimal `json:"takerFee"`
	MakerRebate  decimal.Decimal `json:"makerRebate"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Notional is price times quantity in quote units
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// PriceLevel is the external view of one side level
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	OrderIDs []uint64        `json:"orderIds"`
}

// OrderBookSnapshot represents the visible order book state
type OrderBookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Sequence  uint64       `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
}

// OrderResult is returned from order submission
type OrderResult struct {
	Order  Order   `json:"order"`
	Trades []Trade `json:"trades"`
}
