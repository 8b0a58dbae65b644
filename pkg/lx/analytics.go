package lx

import (
	"time"

	"github.com/shopspring/decimal"
)

type bucket struct {
	slot   int64
	volume decimal.Decimal
	fees   decimal.Decimal
}

// rollingWindow sums volume and fees over the trailing n buckets of the
// given width. Callers hold the owning resource's lock.
type rollingWindow struct {
	width   time.Duration
	buckets []bucket
}

func newRollingWindow(n int, width time.Duration) *rollingWindow {
	w := &rollingWindow{width: width, buckets: make([]bucket, n)}
	for i := range w.buckets {
		w.buckets[i] = bucket{slot: -1, volume: zero, fees: zero}
	}
	return w
}

func (w *rollingWindow) slot(t time.Time) int64 {
	return t.UnixNano() / int64(w.width)
}

func (w *rollingWindow) add(t time.Time, volume, fees decimal.Decimal) {
	s := w.slot(t)
	b := &w.buckets[int(s%int64(len(w.buckets)))]
	if b.slot != s {
		*b = bucket{slot: s, volume: zero, fees: zero}
	}
	b.volume = b.volume.Add(volume)
	b.fees = b.fees.Add(fees)
}

func (w *rollingWindow) sum(t time.Time) (decimal.Decimal, decimal.Decimal) {
	now := w.slot(t)
	oldest := now - int64(len(w.buckets)) + 1
	volume, fees := zero, zero
	for _, b := range w.buckets {
		if b.slot >= oldest && b.slot <= now {
			volume = volume.Add(b.volume)
			fees = fees.Add(b.fees)
		}
	}
	return volume, fees
}

func (w *rollingWindow) volume(t time.Time) decimal.Decimal {
	v, _ := w.sum(t)
	return v
}

func (w *rollingWindow) fees(t time.Time) decimal.Decimal {
	_, f := w.sum(t)
	return f
}

// daysPerYear annualizes trailing 24h fee income
var daysPerYear = decimal.NewFromInt(365)

// annualize returns fees24h × 365 / value, or zero for an empty pool
func annualize(fees24h, value decimal.Decimal) decimal.Decimal {
	if !value.IsPositive() {
		return zero
	}
	return fees24h.Mul(daysPerYear).DivRound(value, 8)
}

// utilization returns volume24h over half the reserve value, or zero for an
// empty pool
func utilization(volume24h, value decimal.Decimal) decimal.Decimal {
	if !value.IsPositive() {
		return zero
	}
	return volume24h.Mul(decimal.NewFromInt(2)).DivRound(value, 8)
}

// Overview summarizes the engine
type Overview struct {
	Tokens         int       `json:"tokens"`
	Markets        int       `json:"markets"`
	Pools          int       `json:"pools"`
	ActivePools    int       `json:"activePools"`
	TotalPositions int       `json:"totalPositions"`
	Quarantined    []string  `json:"quarantined"`
	Timestamp      time.Time `json:"timestamp"`
}
