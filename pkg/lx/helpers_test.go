package lx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// assertDecimal compares decimals by value so scale differences don't matter
func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	require.Truef(t, d(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(typ EventType) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

var errLedgerDown = errors.New("ledger connection refused")

// flakyLedger fails the next N calls of each operation
type flakyLedger struct {
	*MemoryLedger
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
}

func newFlakyLedger() *flakyLedger {
	return &flakyLedger{
		MemoryLedger: NewMemoryLedger(),
		failures:     make(map[string]int),
		calls:        make(map[string]int),
	}
}

func (l *flakyLedger) fail(op string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = n
}

func (l *flakyLedger) count(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *flakyLedger) enter(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[op]++
	if l.failures[op] > 0 {
		l.failures[op]--
		return errLedgerDown
	}
	return nil
}

func (l *flakyLedger) CheckAvailable(ctx context.Context, account, token string, amount decimal.Decimal) (bool, error) {
	if err := l.enter("check"); err != nil {
		return false, err
	}
	return l.MemoryLedger.CheckAvailable(ctx, account, token, amount)
}

func (l *flakyLedger) Debit(ctx context.Context, account, token string, amount decimal.Decimal) error {
	if err := l.enter("debit"); err != nil {
		return err
	}
	return l.MemoryLedger.Debit(ctx, account, token, amount)
}

func (l *flakyLedger) Credit(ctx context.Context, account, token string, amount decimal.Decimal) error {
	if err := l.enter("credit"); err != nil {
		return err
	}
	return l.MemoryLedger.Credit(ctx, account, token, amount)
}

type riskFunc func(owner, symbol string, side Side, qty, price decimal.Decimal) (bool, error)

func (f riskFunc) ApproveOrder(_ context.Context, owner, symbol string, side Side, qty, price decimal.Decimal) (bool, error) {
	return f(owner, symbol, side, qty, price)
}

type testEngine struct {
	*Manager
	ledger    *flakyLedger
	publisher *recordingPublisher
}

var testEpoch = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

func newTestEngine(t *testing.T, mutate ...func(*Options)) *testEngine {
	t.Helper()
	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	ledger := newFlakyLedger()
	publisher := &recordingPublisher{}
	opts := DefaultOptions()
	opts.Logger = logger
	opts.Ledger = ledger
	opts.Publisher = publisher
	opts.Now = func() time.Time { return testEpoch }
	for _, f := range mutate {
		f(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	return &testEngine{Manager: m, ledger: ledger, publisher: publisher}
}

func (e *testEngine) tokens(t *testing.T, tokens ...Token) {
	t.Helper()
	for _, tok := range tokens {
		require.NoError(t, e.CreateToken(tok))
	}
}

func (e *testEngine) fund(account, token, amount string) {
	e.ledger.Deposit(account, token, d(amount))
}

func (e *testEngine) balance(account, token string) decimal.Decimal {
	return e.ledger.Balance(account, token)
}

// spotMarket registers BTC/USD with default fees and returns its symbol
func (e *testEngine) spotMarket(t *testing.T) string {
	t.Helper()
	e.tokens(t,
		Token{Symbol: "BTC", Decimals: 8, TotalSupply: d("21000000")},
		Token{Symbol: "USD", Decimals: 6, TotalSupply: d("1000000000")},
	)
	symbol, err := e.CreateMarket("BTC", "USD", nil)
	require.NoError(t, err)
	return symbol
}

func (e *testEngine) limit(t *testing.T, owner string, side Side, qty, price string) OrderResult {
	t.Helper()
	res, err := e.SubmitOrder(context.Background(), OrderRequest{
		Owner:    owner,
		Symbol:   "BTC-USD",
		Side:     side,
		Kind:     Limit,
		Quantity: d(qty),
		Price:    d(price),
	})
	require.NoError(t, err)
	return res
}

func (e *testEngine) market(t *testing.T, owner string, side Side, qty string) OrderResult {
	t.Helper()
	res, err := e.SubmitOrder(context.Background(), OrderRequest{
		Owner:    owner,
		Symbol:   "BTC-USD",
		Side:     side,
		Kind:     Market,
		Quantity: d(qty),
	})
	require.NoError(t, err)
	return res
}

// ammTokens registers two 18-decimal tokens A and B
func (e *testEngine) ammTokens(t *testing.T) {
	t.Helper()
	e.tokens(t,
		Token{Symbol: "A", Decimals: 18, TotalSupply: d("1000000000")},
		Token{Symbol: "B", Decimals: 18, TotalSupply: d("1000000000")},
	)
}

func (e *testEngine) seededPool(t *testing.T, typ PoolType, fee, a, b string) PoolInfo {
	t.Helper()
	ctx := context.Background()
	_, err := e.CreatePool(ctx, PoolRequest{TokenA: "A", TokenB: "B", FeeRate: d(fee), Type: typ})
	require.NoError(t, err)
	e.fund("lp", "A", a)
	e.fund("lp", "B", b)
	res, err := e.AddLiquidity(ctx, LiquidityRequest{User: "lp", PoolID: "A-B", AmountA: d(a), AmountB: d(b)})
	require.NoError(t, err)
	return res.Pool
}
