package lx

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FeeTier lowers a trader's taker fee and pays a maker rebate once the
// trader's trailing volume reaches MinVolume
type FeeTier struct {
	MinVolume       decimal.Decimal `json:"minVolume"`
	TakerFeeRate    decimal.Decimal `json:"takerFeeRate"`
	MakerRebateRate decimal.Decimal `json:"makerRebateRate"`
}

// DefaultFeeTiers is the volume schedule used when tiering is enabled
func DefaultFeeTiers() []FeeTier {
	return []FeeTier{
		{MinVolume: zero, TakerFeeRate: decimal.RequireFromString("0.001"), MakerRebateRate: zero},
		{MinVolume: decimal.NewFromInt(10000), TakerFeeRate: decimal.RequireFromString("0.0008"), MakerRebateRate: decimal.RequireFromString("0.0001")},
		{MinVolume: decimal.NewFromInt(100000), TakerFeeRate: decimal.RequireFromString("0.0005"), MakerRebateRate: decimal.RequireFromString("0.0002")},
		{MinVolume: decimal.NewFromInt(1000000), TakerFeeRate: decimal.RequireFromString("0.0003"), MakerRebateRate: decimal.RequireFromString("0.0003")},
	}
}

// DefaultVolumeWindow is the trailing period fee tiers are measured over
const DefaultVolumeWindow = 30 * 24 * time.Hour

func validateTiers(tiers []FeeTier) error {
	for i, t := range tiers {
		if t.MinVolume.IsNegative() {
			return newError(KindValidation, "fee tier %d: negative minimum volume %s", i, t.MinVolume)
		}
		for _, r := range []decimal.Decimal{t.TakerFeeRate, t.MakerRebateRate} {
			if r.IsNegative() || r.GreaterThanOrEqual(one) {
				return newError(KindValidation, "fee tier %d: rate %s outside [0, 1)", i, r)
			}
		}
	}
	return nil
}

// UserVolume is a trader's trailing volume and the tier it earns
type UserVolume struct {
	User   string          `json:"user"`
	Volume decimal.Decimal `json:"volume"`
	Tier   *FeeTier        `json:"tier,omitempty"`
}

// volumeTracker keeps each trader's trailing traded value, summed in the
// quote units of whatever market or pool the trade happened on
type volumeTracker struct {
	tiers  []FeeTier
	window time.Duration

	mu    sync.Mutex
	users map[string]*rollingWindow
}

func newVolumeTracker(tiers []FeeTier, window time.Duration) *volumeTracker {
	sorted := append([]FeeTier(nil), tiers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MinVolume.LessThan(sorted[j].MinVolume) })
	return &volumeTracker{
		tiers:  sorted,
		window: window,
		users:  make(map[string]*rollingWindow),
	}
}

func (v *volumeTracker) record(user string, now time.Time, amount decimal.Decimal) {
	if user == "" || !amount.IsPositive() {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	w, ok := v.users[user]
	if !ok {
		w = newRollingWindow(30, v.window/30)
		v.users[user] = w
	}
	w.add(now, amount, zero)
}

func (v *volumeTracker) volume(user string, now time.Time) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	w, ok := v.users[user]
	if !ok {
		return zero
	}
	return w.volume(now)
}

// tier returns the highest tier user qualifies for, or nil when tiering is
// disabled
func (v *volumeTracker) tier(user string, now time.Time) *FeeTier {
	if len(v.tiers) == 0 {
		return nil
	}
	vol := v.volume(user, now)
	var out *FeeTier
	for i := range v.tiers {
		if vol.GreaterThanOrEqual(v.tiers[i].MinVolume) {
			t := v.tiers[i]
			out = &t
		}
	}
	return out
}

// recordTrades credits each trade's quote value to its taker and, for book
// trades, to its maker
func (v *volumeTracker) recordTrades(now time.Time, trades []Trade) {
	for _, t := range trades {
		v.record(t.Taker, now, t.Amount)
		if t.PoolID == "" {
			v.record(t.Maker, now, t.Amount)
		}
	}
}
