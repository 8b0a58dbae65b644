package lx

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryLedger is an in-process BalanceLedger for development and tests
type MemoryLedger struct {
	balances map[string]map[string]decimal.Decimal
	mu       sync.RWMutex
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]map[string]decimal.Decimal)}
}

// Deposit funds account with amount of token
func (l *MemoryLedger) Deposit(account, token string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addLocked(account, token, amount)
}

func (l *MemoryLedger) addLocked(account, token string, amount decimal.Decimal) {
	acct, ok := l.balances[account]
	if !ok {
		acct = make(map[string]decimal.Decimal)
		l.balances[account] = acct
	}
	acct[token] = acct[token].Add(amount)
}

// Balance returns the available balance of token for account
func (l *MemoryLedger) Balance(account, token string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account][token]
}

// Balances returns a copy of all balances held by account
func (l *MemoryLedger) Balances(account string) map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(l.balances[account]))
	for token, amount := range l.balances[account] {
		out[token] = amount
	}
	return out
}

// Accounts lists every account with a balance entry
func (l *MemoryLedger) Accounts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.balances))
	for a := range l.balances {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// CheckAvailable implements BalanceLedger
func (l *MemoryLedger) CheckAvailable(_ context.Context, account, token string, amount decimal.Decimal) (bool, error) {
	return l.Balance(account, token).GreaterThanOrEqual(amount), nil
}

// Debit implements BalanceLedger
func (l *MemoryLedger) Debit(_ context.Context, account, token string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[account][token].LessThan(amount) {
		return newError(KindInsufficientBalance, "%s holds %s %s, needs %s", account, l.balances[account][token], token, amount)
	}
	l.addLocked(account, token, amount.Neg())
	return nil
}

// Credit implements BalanceLedger
func (l *MemoryLedger) Credit(_ context.Context, account, token string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addLocked(account, token, amount)
	return nil
}
