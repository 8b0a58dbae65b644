package lx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names a published event
type EventType string

const (
	EventTrade        EventType = "trade"
	EventOrderUpdated EventType = "order_updated"
	EventPoolUpdated  EventType = "pool_updated"
)

// OrderUpdate records one order status change
type OrderUpdate struct {
	OrderID        uint64          `json:"orderId"`
	Symbol         string          `json:"symbol"`
	Owner          string          `json:"owner"`
	Side           Side            `json:"side"`
	Status         OrderStatus     `json:"status"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	Remaining      decimal.Decimal `json:"remaining"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Event is the envelope handed to publishers. Exactly one of Trade, Order or
// Pool is set, matching Type.
type Event struct {
	Type      EventType    `json:"type"`
	ID        string       `json:"id"`
	Sequence  uint64       `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
	Trade     *Trade       `json:"trade,omitempty"`
	Order     *OrderUpdate `json:"order,omitempty"`
	Pool      *PoolInfo    `json:"pool,omitempty"`
}

// Resource returns the symbol or pool the event concerns
func (e Event) Resource() string {
	switch {
	case e.Trade != nil && e.Trade.PoolID != "":
		return e.Trade.PoolID
	case e.Trade != nil:
		return e.Trade.Symbol
	case e.Order != nil:
		return e.Order.Symbol
	case e.Pool != nil:
		return e.Pool.ID
	}
	return ""
}

// EventPublisher receives engine events after the resource lock is released.
// Delivery downstream is at-least-once.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to EventPublisher
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish calls f
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// MultiPublisher fans an event out to every publisher and joins the errors
type MultiPublisher []EventPublisher

// Publish delivers ev to all publishers even if some fail
func (m MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

func newEvent(t EventType, seq uint64, now time.Time) Event {
	return Event{Type: t, ID: uuid.New().String(), Sequence: seq, Timestamp: now}
}
